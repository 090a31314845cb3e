package kmt

import (
	"bytes"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// MaxCPU bounds how many simulated CPUs a Machine can host. The
// original headers never surface a hard ceiling; this is this
// module's own choice, recorded in DESIGN.md.
const MaxCPU = 8

// trapRequest is what a trapping task goroutine hands back to the CPU
// loop that dispatched it: the event it trapped with, and which task
// is making the request (so the loop can pass it on to Dispatcher.Trap
// as the "current" context).
type trapRequest struct {
	task *Task
	ev   Event
}

// Machine is the only production AM implementation: a simulated
// multi-CPU abstract machine built from goroutines rather than real
// stacks and register files. One goroutine runs each CPU's trap loop
// forever; one goroutine is lazily started per Task the first time it
// is scheduled. Control passes between a CPU's loop goroutine and a
// task's goroutine over an unbuffered "resume" channel -- a baton,
// never held by more than one side at a time -- modeled on the
// chan-struct{}-as-semaphore idiom workerpool.go uses for admission
// control.
//
// A task only becomes preemptible at a trap boundary it raises itself
// (Yield, Syscall, or a handler re-entering the dispatcher): Go gives
// no safe way to suspend an arbitrary running goroutine's register
// state the way a real timer interrupt suspends arbitrary machine
// code, so EventIRQTimer and EventIRQIODevice traps in this
// simulation are injected explicitly (DeliverTimerIRQ, DeliverIRQ)
// rather than fired by a free-running background ticker.
type Machine struct {
	numCPUs    int
	dispatcher *Dispatcher

	// ncli/efif/intr are sized numCPUs+1: indices [0, numCPUs) are the
	// real simulated CPUs, and index adminCPU is a reserved pseudo-CPU
	// identity for RunAdmin, so administrative callers can hold the
	// same locks trap handlers hold without aliasing a real CPU.
	ncli []int32
	efif []bool
	intr []bool
	adminCPU int
	adminMu  sync.Mutex

	cpuGoroutines sync.Map // goroutine id (string) -> cpu (int)
	taskGoroutines sync.Map // goroutine id (string) -> *Task

	trapCh []chan trapRequest

	clock   clockz.Clock
	metrics *metricz.Registry
	tracer  *tracez.Tracer

	faultHooks *hookz.Hooks[FaultEvent]
	taskHooks  *hookz.Hooks[TaskStateChangedEvent]
	lockHooks  *hookz.Hooks[SpinlockEvent]
	semHooks   *hookz.Hooks[SemaphoreEvent]
	schedHooks *hookz.Hooks[SchedDecisionEvent]

	faults faultReporter
}

// NewMachine allocates a Machine with numCPUs simulated CPUs, wiring
// the shared observability stack (clockz/metricz/tracez/hookz) every
// other component in this module is constructed with. Call
// SetDispatcher once the Dispatcher that will route this machine's
// traps exists, before starting any CPU loop.
func NewMachine(numCPUs int, clock clockz.Clock) *Machine {
	if numCPUs <= 0 || numCPUs > MaxCPU {
		panic("kmt: NewMachine: numCPUs out of range")
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	m := &Machine{
		numCPUs:  numCPUs,
		ncli:     make([]int32, numCPUs+1),
		efif:     make([]bool, numCPUs+1),
		intr:     make([]bool, numCPUs+1),
		adminCPU: numCPUs,
		trapCh:   make([]chan trapRequest, numCPUs),
		clock:   clock,
		metrics: metricz.New(),
		tracer:  tracez.New(),

		faultHooks: hookz.New[FaultEvent](),
		taskHooks:  hookz.New[TaskStateChangedEvent](),
		lockHooks:  hookz.New[SpinlockEvent](),
		semHooks:   hookz.New[SemaphoreEvent](),
		schedHooks: hookz.New[SchedDecisionEvent](),
	}
	for i := range m.trapCh {
		m.trapCh[i] = make(chan trapRequest)
	}
	m.faults = faultReporter{clock: clock, hooks: m.faultHooks, metrics: m.metrics}
	return m
}

// SetDispatcher binds the Dispatcher this machine routes traps
// through. Kept as a second wiring step (rather than a NewMachine
// parameter) because Dispatcher itself takes an AM at construction,
// and Machine is that AM: the two are mutually referential, the same
// shape os_init resolves by registering modules into each other in
// sequence.
func (m *Machine) SetDispatcher(d *Dispatcher) { m.dispatcher = d }

// Metrics, Tracer and the typed hook registries are exposed so Kernel
// can hand the same instances to KMT, Semaphore and Device, and so a
// host program can subscribe to fault/task/lock/semaphore/scheduling
// events.
func (m *Machine) Metrics() *metricz.Registry                     { return m.metrics }
func (m *Machine) Tracer() *tracez.Tracer                         { return m.tracer }
func (m *Machine) FaultHooks() *hookz.Hooks[FaultEvent]           { return m.faultHooks }
func (m *Machine) TaskHooks() *hookz.Hooks[TaskStateChangedEvent] { return m.taskHooks }
func (m *Machine) LockHooks() *hookz.Hooks[SpinlockEvent]         { return m.lockHooks }
func (m *Machine) SemHooks() *hookz.Hooks[SemaphoreEvent]         { return m.semHooks }
func (m *Machine) SchedHooks() *hookz.Hooks[SchedDecisionEvent]   { return m.schedHooks }
func (m *Machine) Clock() clockz.Clock                            { return m.clock }
func (m *Machine) Faults() faultReporter                          { return m.faults }
func (m *Machine) NumCPU() int                                    { return m.numCPUs }

// Close tears down every hookz registry owned by this machine.
func (m *Machine) Close() error {
	m.faultHooks.Close()
	m.taskHooks.Close()
	m.lockHooks.Close()
	m.semHooks.Close()
	m.schedHooks.Close()
	return nil
}

// goroutineID returns a unique string for the calling goroutine,
// parsed out of its own stack trace header ("goroutine 123 [running]:
// ..."). There is no supported Go API for this; it is the same
// technique the eventloop package in this pack's corpus uses to tell
// which logical worker a callback is running on.
func goroutineID() string {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}

// CPU reports which simulated CPU the calling goroutine is currently
// executing as: either a CPU loop goroutine itself, or the task
// goroutine it most recently resumed.
func (m *Machine) CPU() int {
	id := goroutineID()
	if cpu, ok := m.cpuGoroutines.Load(id); ok {
		return cpu.(int)
	}
	if v, ok := m.taskGoroutines.Load(id); ok {
		return v.(*Task).currentCPU
	}
	m.faults.fatal(&Fault{Message: "AM method called from a goroutine unknown to the machine", CPU: -1})
	return -1
}

// RunCPU runs CPU number cpu's trap loop forever. Call it once per
// CPU, each in its own goroutine; it never returns.
func (m *Machine) RunCPU(cpu int) {
	m.cpuGoroutines.Store(goroutineID(), cpu)

	var curTask *Task
	ev := Event{Class: EventYield}
	for {
		ctx := &Context{task: curTask}
		next := m.dispatcher.Trap(cpu, ev, ctx)

		var nextTask *Task
		if next != nil {
			nextTask = next.task
		}
		if nextTask == nil {
			// Nothing runnable: loop back to the scheduler exactly as
			// the original kernel's os_run idle loop does. A short
			// backoff keeps an idle CPU from burning a whole core
			// re-dispatching EventYield as fast as it can.
			time.Sleep(time.Millisecond)
			ev, curTask = Event{Class: EventYield}, nil
			continue
		}

		m.ensureStarted(nextTask)
		nextTask.currentCPU = cpu

		nextTask.resume <- struct{}{}
		req := <-m.trapCh[cpu]
		ev, curTask = req.ev, req.task
	}
}

// ensureStarted lazily launches the goroutine backing task the first
// time it is ever dispatched. The goroutine registers its own
// identity before parking, so CPU() resolves correctly the instant it
// is first resumed.
func (m *Machine) ensureStarted(task *Task) {
	if task.started {
		return
	}
	task.started = true
	registered := make(chan struct{})
	go func() {
		m.taskGoroutines.Store(goroutineID(), task)
		close(registered)
		<-task.resume
		task.entry(task.arg)
		m.trap(task, Event{Class: EventSyscall, Sys: SysExit})
		<-task.resume // a zombie is never resumed again; this parks forever
	}()
	<-registered
}

// trap is what Yield/Syscall funnel through: hand the event back to
// whichever CPU loop currently owns this task, then block until that
// loop (or a different one, if the task migrates) resumes us again.
func (m *Machine) trap(task *Task, ev Event) {
	cpu := task.currentCPU
	m.trapCh[cpu] <- trapRequest{task: task, ev: ev}
	<-task.resume
}

// KContext builds the context a freshly created task resumes into:
// in this simulation that is just an identity token wrapping the task
// itself, since resuming means unparking its goroutine and letting
// the Go runtime's own stack carry it forward from KContext's
// perspective "stack" is simulated purely for fence-overflow
// detection (task.go), never for real execution.
func (m *Machine) KContext(task *Task, stack []byte, entry func(arg any), arg any) *Context {
	task.entry = entry
	task.arg = arg
	return &Context{task: task}
}

// Yield raises a software yield trap from whichever task goroutine
// calls it.
func (m *Machine) Yield() {
	task := m.currentTask()
	m.trap(task, Event{Class: EventYield})
}

// Syscall raises a software syscall trap with the given sub-code and
// arguments.
func (m *Machine) Syscall(code SysCode, args ...any) {
	task := m.currentTask()
	m.trap(task, Event{Class: EventSyscall, Sys: code, Args: args})
}

func (m *Machine) currentTask() *Task {
	id := goroutineID()
	v, ok := m.taskGoroutines.Load(id)
	if !ok {
		m.faults.fatal(&Fault{Message: "Yield/Syscall called from a goroutine that is not a task"})
	}
	return v.(*Task)
}

// AtomicXchg is the hardware xchg primitive the spinlock CAS loop is
// built on in the original kernel. Kept here, rather than used
// directly by Spinlock, because Spinlock is written against sync/atomic's
// CompareAndSwap for clarity; AtomicXchg exists so other primitives
// (kmt_inspect_fence-style instruments, tests) that need a raw
// exchange have one.
func (m *Machine) AtomicXchg(ptr *int32, v int32) int32 {
	for {
		old := atomic.LoadInt32(ptr)
		if atomic.CompareAndSwapInt32(ptr, old, v) {
			return old
		}
	}
}

// GetEFL reports whether interrupts are enabled on the calling CPU.
func (m *Machine) GetEFL() bool {
	return m.intr[m.CPU()]
}

// CLI disables interrupt delivery on the calling CPU.
func (m *Machine) CLI() { m.intr[m.CPU()] = false }

// STI enables interrupt delivery on the calling CPU.
func (m *Machine) STI() { m.intr[m.CPU()] = true }

// PushCLI disables interrupts and increments the calling CPU's
// interrupt-nest counter, remembering whether interrupts were enabled
// the moment the counter first left zero.
func (m *Machine) PushCLI() {
	cpu := m.CPU()
	eflags := m.GetEFL()
	m.CLI()
	if m.ncli[cpu] == 0 {
		m.efif[cpu] = eflags
	}
	m.ncli[cpu]++
}

// PopCLI decrements the calling CPU's interrupt-nest counter,
// restoring the remembered interrupt state once it returns to zero.
func (m *Machine) PopCLI() {
	cpu := m.CPU()
	m.faults.assertf(!m.GetEFL(), cpu, "", 0, "PopCLI called with interrupts already enabled.")
	m.ncli[cpu]--
	m.faults.assertf(m.ncli[cpu] >= 0, cpu, "", 0, "Interrupt nest count went negative.")
	if m.ncli[cpu] == 0 && m.efif[cpu] {
		m.STI()
	}
}

// NoSpinlockHeld reports whether the calling CPU's nest counter is
// zero. PushCLI/PopCLI are only ever called from Spinlock.Acquire and
// Spinlock.Release, plus a balanced pair inside Spinlock.Holding, in
// this module, so this is exactly "is any spinlock held on this CPU".
func (m *Machine) NoSpinlockHeld() bool {
	return m.ncli[m.CPU()] == 0
}

// IntrWrite sets every simulated CPU's interrupt-enabled flag to on,
// the one-shot global switch the original kernel flips once at the
// end of os_run.
func (m *Machine) IntrWrite(on bool) {
	for i := range m.intr {
		m.intr[i] = on
	}
}

// impersonate runs fn with the calling goroutine registered as cpu,
// so AM methods fn invokes (directly, or transitively through a
// handler) resolve CPU() correctly. Callers must not invoke this for
// a cpu whose own RunCPU loop is concurrently mid-dispatch: there is
// no real hardware interrupt here, only an explicit, single-threaded
// simulation of one.
func (m *Machine) impersonate(cpu int, fn func()) {
	id := goroutineID()
	m.cpuGoroutines.Store(id, cpu)
	defer m.cpuGoroutines.Delete(id)
	fn()
}

// RunAdmin runs fn with the calling goroutine impersonating the
// reserved admin pseudo-CPU, so administrative code -- task creation
// and teardown, and anything else that needs a CPU identity without
// being a CPU's trap loop or a task -- can take the same locks trap
// handlers take. Admin calls are serialized against each other: two
// goroutines simultaneously impersonating the same id would trip a
// spinlock's double-acquire assertion against each other despite being
// otherwise unrelated.
func (m *Machine) RunAdmin(fn func()) {
	m.adminMu.Lock()
	defer m.adminMu.Unlock()
	m.impersonate(m.adminCPU, fn)
}

// DeliverTimerIRQ injects a timer trap on behalf of cpu. Nothing in
// this module calls it on a schedule: Kernel has no tick driver, so
// timer traps occur only when a caller invokes this. The target
// CPU's own RunCPU loop must be idle (parked waiting for its next
// trap) when this is called.
func (m *Machine) DeliverTimerIRQ(cpu int) {
	m.impersonate(cpu, func() {
		m.dispatcher.Trap(cpu, Event{Class: EventIRQTimer}, &Context{})
	})
}

// DeliverIRQ injects a device IRQ trap on behalf of cpu, under the
// same precondition as DeliverTimerIRQ.
func (m *Machine) DeliverIRQ(cpu int) {
	m.impersonate(cpu, func() {
		m.dispatcher.Trap(cpu, Event{Class: EventIRQIODevice}, &Context{})
	})
}
