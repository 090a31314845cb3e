package kmt

// EventClass identifies the kind of trap delivered to the dispatcher.
type EventClass int

const (
	// EventNull is the wildcard: a handler registered with EventNull
	// matches any event when the dispatcher is not re-entered.
	EventNull EventClass = iota
	EventIRQTimer
	EventIRQIODevice
	EventYield
	EventSyscall
)

func (e EventClass) String() string {
	switch e {
	case EventNull:
		return "NULL"
	case EventIRQTimer:
		return "IRQ_TIMER"
	case EventIRQIODevice:
		return "IRQ_IODEV"
	case EventYield:
		return "YIELD"
	case EventSyscall:
		return "SYSCALL"
	default:
		return "UNKNOWN"
	}
}

// SysCode identifies the sub-code of an EventSyscall trap, the
// register-borne "which syscall" argument the original kernel passes
// in eax.
type SysCode int

const (
	SysNone SysCode = iota
	SysSleep
	SysSemSignal
	// SysExit is raised once, internally, when a task's entry function
	// returns; it is never issued by user code.
	SysExit
)

// Event is the argument the AM layer hands the dispatcher on every
// trap: an event class plus whatever arguments that class carries.
// Args is the abstract stand-in for the original's register-borne
// syscall arguments (SPEC_FULL.md §9: "re-express as an abstract
// syscall(code, args...) primitive").
type Event struct {
	Class EventClass
	Sys   SysCode
	Args  []any
}

// Context is an opaque handle to a suspended task's point of
// execution. The AM layer hands one to the dispatcher on every trap
// and receives one back to resume. Because this module simulates the
// machine with goroutines rather than raw stacks, a Context is a
// handle to the task's resume channel, not a register file; see
// machine.go.
type Context struct {
	task *Task
}

// Handler is a trap handler installed via Dispatcher.OnIRQ. It
// receives the event and the context the trap arrived with, and
// returns either nil (no opinion; current context stands) or a new
// context to install (the last non-nil return from the handler chain
// wins, per SPEC_FULL.md §4.2 rule 4).
type Handler func(ev Event, ctx *Context) *Context

// AM is the abstract machine contract the kernel core is written
// against, realizing SPEC_FULL.md §6's primitive table. Machine is
// this module's only production implementation; tests may supply a
// smaller fake for primitives that do not need a full simulated CPU.
type AM interface {
	// CPU returns the id of whichever simulated CPU is running the
	// calling goroutine: below the machine's CPU count for a real CPU,
	// or the reserved pseudo-CPU id one past that range inside RunAdmin.
	CPU() int

	// AtomicXchg atomically stores v into *ptr and returns the value
	// that was there before.
	AtomicXchg(ptr *int32, v int32) int32

	// GetEFL reports whether interrupts are currently enabled on the
	// calling CPU.
	GetEFL() bool
	// CLI disables interrupt delivery on the calling CPU.
	CLI()
	// STI enables interrupt delivery on the calling CPU.
	STI()

	// PushCLI disables interrupts on the calling CPU and increments
	// its nest counter, remembering the pre-disable interrupt state
	// the first time the counter leaves zero. Pairs with PopCLI;
	// SPEC_FULL.md §4.1/§3 (per-CPU interrupt-nest state).
	PushCLI()
	// PopCLI decrements the calling CPU's nest counter and restores
	// the remembered interrupt state once it reaches zero.
	PopCLI()

	// NoSpinlockHeld reports whether the calling CPU's interrupt-nest
	// counter is zero, i.e. it is not inside any PushCLI/PopCLI section.
	// The dispatcher uses this to reject a yield trap raised while a
	// spinlock is held (SPEC_FULL.md §4.2 assertions).
	NoSpinlockHeld() bool

	// KContext builds an initial context over stack, ready to resume
	// at entry(arg) the first time it is dispatched to.
	KContext(task *Task, stack []byte, entry func(arg any), arg any) *Context

	// Yield raises a software trap with event class EventYield and
	// blocks the calling goroutine until the dispatcher hands control
	// back (to this task or to whichever task was chosen next).
	Yield()

	// Syscall raises a software trap with event class EventSyscall
	// and the given sub-code and arguments, blocking until the
	// dispatcher returns control.
	Syscall(code SysCode, args ...any)

	// IntrWrite enables or disables interrupt delivery globally
	// (across all simulated CPUs), used only at boot.
	IntrWrite(on bool)

	// RunAdmin runs fn with the calling goroutine recognized as a CPU
	// for the duration of the call, so administrative code -- task
	// creation and teardown, the task-table dump in KMT.String -- can
	// take the locks those operations share with trap handlers
	// without itself being a task or a CPU's trap loop.
	RunAdmin(fn func())
}
