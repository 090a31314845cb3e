package kmt

// fakeAM is a minimal, single-CPU, single-goroutine AM used by unit
// tests that exercise Spinlock and Dispatcher in isolation, without
// paying for a full goroutine-backed Machine. It has no notion of
// tasks: KContext, Yield and Syscall are stubs a test overrides via
// the yieldFn/syscallFn hooks when it needs to observe them.
type fakeAM struct {
	cpu  int
	ncli int32
	efif bool
	intr bool

	yieldFn   func()
	syscallFn func(code SysCode, args ...any)
}

func newFakeAM(cpu int) *fakeAM { return &fakeAM{cpu: cpu} }

func (f *fakeAM) CPU() int { return f.cpu }

func (f *fakeAM) AtomicXchg(ptr *int32, v int32) int32 {
	old := *ptr
	*ptr = v
	return old
}

func (f *fakeAM) GetEFL() bool { return f.intr }
func (f *fakeAM) CLI()         { f.intr = false }
func (f *fakeAM) STI()         { f.intr = true }

func (f *fakeAM) PushCLI() {
	eflags := f.intr
	f.CLI()
	if f.ncli == 0 {
		f.efif = eflags
	}
	f.ncli++
}

func (f *fakeAM) PopCLI() {
	f.ncli--
	if f.ncli == 0 && f.efif {
		f.STI()
	}
}

func (f *fakeAM) NoSpinlockHeld() bool { return f.ncli == 0 }

func (f *fakeAM) KContext(task *Task, stack []byte, entry func(arg any), arg any) *Context {
	return &Context{task: task}
}

func (f *fakeAM) Yield() {
	if f.yieldFn != nil {
		f.yieldFn()
	}
}

func (f *fakeAM) Syscall(code SysCode, args ...any) {
	if f.syscallFn != nil {
		f.syscallFn(code, args...)
	}
}

func (f *fakeAM) IntrWrite(on bool) { f.intr = on }

// RunAdmin just runs fn: fakeAM's single hardcoded cpu id already
// resolves from any caller, so there is no separate identity to
// impersonate.
func (f *fakeAM) RunAdmin(fn func()) { fn() }
