package kmt

import (
	"context"
	"fmt"

	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// KMT is the kernel's task table and scheduler, SPEC_FULL.md §4.3.
// Tasks live in a single Spinlock-protected slice rather than the
// original's intrusive linked list; Go has no natural equivalent of
// "the struct embeds its own list node", and a slice scanned in
// insertion order gives the same list-order tie-break the original's
// least-run-count scan relies on.
type KMT struct {
	am         AM
	dispatcher *Dispatcher
	alloc      Allocator

	taskLock *Spinlock
	tasks    []*Task
	current  []*Task // per-cpu currently running task
	pidSeq   uint32
	minCount uint64
	running  int

	faults     faultReporter
	metrics    *metricz.Registry
	tracer     *tracez.Tracer
	taskHooks  *hookz.Hooks[TaskStateChangedEvent]
	schedHooks *hookz.Hooks[SchedDecisionEvent]
}

// NewKMT allocates a task table for numCPUs CPUs and registers its
// trap handlers on d, mirroring thread.c's kmt_init: a context-save
// handler at the lowest priority, a scheduling decision for
// yield/timer traps in the middle, and a context-switch handler at
// the highest priority so it always has the final say over which
// context a trap resumes.
func NewKMT(am AM, d *Dispatcher, numCPUs int, alloc Allocator, fr faultReporter, metrics *metricz.Registry, tracer *tracez.Tracer,
	taskHooks *hookz.Hooks[TaskStateChangedEvent], schedHooks *hookz.Hooks[SchedDecisionEvent], lockHooks *hookz.Hooks[SpinlockEvent]) *KMT {
	if alloc == nil {
		alloc = GCAllocator{}
	}
	k := &KMT{
		am:         am,
		dispatcher: d,
		alloc:      alloc,
		current:    make([]*Task, numCPUs),
		pidSeq:     1,
		faults:     fr,
		metrics:    metrics,
		tracer:     tracer,
		taskHooks:  taskHooks,
		schedHooks: schedHooks,
	}
	k.taskLock = NewSpinlock(am, "kmt_lock", fr, metrics, lockHooks)

	d.OnIRQ(-1000000, EventNull, "kmt_context_save", k.handleContextSave)
	d.OnIRQ(0, EventYield, "kmt_sched_yield", k.handleReschedule)
	d.OnIRQ(0, EventIRQTimer, "kmt_sched_timer", k.handleReschedule)
	d.OnIRQ(0, EventSyscall, "kmt_sched_syscall", k.handleSyscall)
	d.OnIRQ(1000000, EventNull, "kmt_context_switch", k.handleContextSwitch)

	return k
}

func (k *KMT) setState(t *Task, to State) {
	from := t.State
	if from == Running && to != Running {
		k.running--
	} else if from != Running && to == Running {
		k.running++
	}
	t.State = to
	if k.metrics != nil {
		k.metrics.Gauge(MetricTasksRunning).Set(float64(k.running))
	}
	if k.taskHooks != nil {
		_ = k.taskHooks.Emit(context.Background(), HookTaskStateChanged, TaskStateChangedEvent{
			Pid: t.Pid, Name: t.Name, From: from, To: to,
		})
	}
}

// Create allocates a new task in state Embryo, ready to be scheduled,
// the KMT half of thread.c's kmt_create (the AM-side register/stack
// setup is KContext). The task's stack buffer comes from the kernel's
// Allocator, exactly where the original's kmt_create calls pmm->alloc;
// a nil-returning allocator is resource exhaustion and is fatal here,
// the same as everywhere else in this module an assumed-available
// resource turns out not to be. Callers are ordinary goroutines, not a
// CPU's trap loop or a task, so the taskLock-protected work runs under
// RunAdmin -- the same lock trap handlers take, just from a goroutine
// the AM layer has not already assigned a CPU identity to.
func (k *KMT) Create(name Name, stackSize int, entry func(arg any), arg any) *Task {
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	var t *Task
	k.am.RunAdmin(func() {
		k.taskLock.Acquire()
		pid := k.pidSeq
		k.pidSeq++
		k.taskLock.Release()

		buf := k.alloc.Alloc(FenceSize + stackSize + FenceSize)
		k.faults.assertf(buf != nil, k.am.CPU(), name, pid, "Allocator exhausted creating task %s.", name)

		t = newTask(pid, name, buf, stackSize, entry, arg)
		t.context = k.am.KContext(t, t.stackBody(), entry, arg)

		k.taskLock.Acquire()
		k.tasks = append(k.tasks, t)
		k.taskLock.Release()
	})

	if k.metrics != nil {
		k.metrics.Counter(MetricTasksCreated).Inc()
	}
	if k.taskHooks != nil {
		_ = k.taskHooks.Emit(context.Background(), HookTaskStateChanged, TaskStateChangedEvent{
			Pid: t.Pid, Name: t.Name, From: Unused, To: Embryo,
		})
	}
	return t
}

// Teardown removes a task that has already exited (state Zombie)
// from the task table, after verifying its stack fences are still
// intact -- a corrupted fence at teardown means the task overran its
// stack at some point during its run and is itself a fatal fault.
func (k *KMT) Teardown(t *Task) {
	k.am.RunAdmin(func() {
		k.taskLock.Acquire()
		defer k.taskLock.Release()

		k.faults.assertf(t.State == Zombie, k.am.CPU(), t.Name, t.Pid, "Tearing down task %s which has not exited.", t.Name)
		k.faults.assertf(t.fencesIntact(), k.am.CPU(), t.Name, t.Pid, "Stack fence corrupted for task %s.", t.Name)

		for i, other := range k.tasks {
			if other == t {
				k.tasks = append(k.tasks[:i], k.tasks[i+1:]...)
				break
			}
		}
		k.setState(t, Unused)
		k.alloc.Free(t.buf)
	})
	if k.metrics != nil {
		k.metrics.Counter(MetricTasksTornDown).Inc()
	}
}

// InspectFence reports whether t's stack guard regions are still
// intact, the KMT half of thread.c's kmt_inspect_fence.
func (k *KMT) InspectFence(t *Task) bool { return t.fencesIntact() }

// Yield voluntarily gives up the remainder of the calling task's
// timeslice.
func (k *KMT) Yield() { k.am.Yield() }

// Sleep blocks the calling task on sem, releasing lock as part of the
// same trap that puts it to sleep so no wakeup can be missed between
// the release and the sleep taking effect. The KMT half of
// semaphore.c's use of kmt->sleep.
func (k *KMT) Sleep(sem *Semaphore, lock *Spinlock) {
	k.am.Syscall(SysSleep, lock, sem)
}

// Wakeup makes every task sleeping on sem runnable again. The KMT
// half of semaphore.c's use of kmt->wakeup; counting semaphores rely
// on woken tasks re-checking their own condition; see semaphore.go.
func (k *KMT) Wakeup(sem *Semaphore) {
	k.am.Syscall(SysSemSignal, sem)
}

// activateNext must be called with taskLock held. If no task is
// runnable -- at boot, before the first task is spawned, or the
// instant the last task exits -- it leaves cpu idle (current[cpu] =
// nil) rather than treating the empty scheduler as a fault; RunCPU's
// trap loop spins back to EventYield when it gets nil back, the same
// idle behavior as a freshly booted CPU. Otherwise it picks the
// least-run-count candidate and installs it as cpu's current task.
func (k *KMT) activateNext(cpu int, fromPid uint32) *Task {
	schedulable := false
	for _, t := range k.tasks {
		if t.State == Embryo || t.State == Wakeable {
			schedulable = true
			break
		}
	}
	if !schedulable {
		k.current[cpu] = nil
		return nil
	}

	next := k.pickNext()
	k.setState(next, Running)
	next.RunCount++
	k.current[cpu] = next

	if k.metrics != nil {
		k.metrics.Counter(MetricSchedDecisions).Inc()
	}
	if k.schedHooks != nil {
		_ = k.schedHooks.Emit(context.Background(), HookSchedDecision, SchedDecisionEvent{
			CPU: cpu, FromPid: fromPid, ToPid: next.Pid, ToName: next.Name, RunCount: next.RunCount,
		})
	}
	return next
}

// pickNext scans the task table in list order for the Embryo or
// Wakeable task with the smallest run count, the first such task in
// list order winning a tie, and records that count as the scheduler's
// floor -- thread.c's least-run-count scheduling. Callers must already
// have confirmed at least one candidate exists.
func (k *KMT) pickNext() *Task {
	var best *Task
	for _, t := range k.tasks {
		if (t.State == Embryo || t.State == Wakeable) && (best == nil || t.RunCount < best.RunCount) {
			best = t
		}
	}
	k.minCount = best.RunCount
	return best
}

func (k *KMT) handleContextSave(ev Event, ctx *Context) *Context {
	if ctx != nil && ctx.task != nil {
		ctx.task.context = ctx
	}
	return nil
}

// handleReschedule backs both the EventYield and EventIRQTimer
// registrations: the currently running task (if any) gives up the
// CPU and becomes Wakeable, and the scheduler picks what runs next.
func (k *KMT) handleReschedule(ev Event, ctx *Context) *Context {
	cpu := k.am.CPU()
	cur := ctx.task

	k.taskLock.Acquire()
	defer k.taskLock.Release()

	var fromPid uint32
	if cur != nil {
		fromPid = cur.Pid
		if cur.State == Running {
			k.setState(cur, Wakeable)
		}
	}
	k.activateNext(cpu, fromPid)
	return nil
}

// handleSyscall backs the EventSyscall registration: SysSleep parks
// the calling task and reschedules, SysSemSignal wakes matching
// sleepers without touching the caller, and SysExit tears the
// calling task's slot down to Zombie and reschedules.
func (k *KMT) handleSyscall(ev Event, ctx *Context) *Context {
	switch ev.Sys {
	case SysSleep:
		return k.handleSleep(ev, ctx)
	case SysSemSignal:
		return k.handleSignal(ev, ctx)
	case SysExit:
		return k.handleExit(ev, ctx)
	default:
		return nil
	}
}

// handleSleep backs the SysSleep case of the syscall registration. The
// caller's lock (ev.Args[0], typically the semaphore's own lock) is
// released only once taskLock is held, just before the task's state is
// set to Sleeping inside the same taskLock critical section, mirroring
// thread.c's sleep(): a signaller on another CPU
// that is waiting on that same lock cannot proceed to its wakeup scan
// (handleSignal, which itself needs taskLock) until the sleeper is
// already fully recorded as asleep, so a concurrent signal can never
// land in the gap and be lost.
func (k *KMT) handleSleep(ev Event, ctx *Context) *Context {
	cpu := k.am.CPU()
	cur := ctx.task
	var lock *Spinlock
	if len(ev.Args) > 0 {
		lock, _ = ev.Args[0].(*Spinlock)
	}
	var sem *Semaphore
	if len(ev.Args) > 1 {
		sem, _ = ev.Args[1].(*Semaphore)
	}

	k.taskLock.Acquire()
	defer k.taskLock.Release()

	if lock != nil {
		lock.Release()
	}

	k.faults.assertf(cur != nil, cpu, "kmt", 0, "Sleep syscall with no current task on cpu %d.", cpu)
	cur.Alarm = sem
	k.setState(cur, Sleeping)
	k.activateNext(cpu, cur.Pid)
	return nil
}

func (k *KMT) handleSignal(ev Event, ctx *Context) *Context {
	var sem *Semaphore
	if len(ev.Args) > 0 {
		sem, _ = ev.Args[0].(*Semaphore)
	}
	if sem == nil {
		return nil
	}

	k.taskLock.Acquire()
	defer k.taskLock.Release()

	for _, t := range k.tasks {
		if t.State == Sleeping && t.Alarm == sem {
			t.Alarm = nil
			k.setState(t, Wakeable)
		}
	}
	return nil
}

func (k *KMT) handleExit(ev Event, ctx *Context) *Context {
	cpu := k.am.CPU()
	cur := ctx.task
	k.faults.assertf(cur != nil, cpu, "kmt", 0, "Exit syscall with no current task on cpu %d.", cpu)

	k.taskLock.Acquire()
	defer k.taskLock.Release()

	k.setState(cur, Zombie)
	k.activateNext(cpu, cur.Pid)
	return nil
}

// handleContextSwitch always returns an opinion -- never bare nil --
// even when there is nothing to run, so RunCPU never mistakes "stay
// on the task that just trapped" (the fallback behavior of a nil
// return) for "this CPU is legitimately idle now."
func (k *KMT) handleContextSwitch(ev Event, ctx *Context) *Context {
	cpu := k.am.CPU()
	return &Context{task: k.current[cpu]}
}

// String renders a one-line snapshot of the task table for
// diagnostics, in the spirit of the original's debug dump.
func (k *KMT) String() string {
	var s string
	k.am.RunAdmin(func() {
		k.taskLock.Acquire()
		defer k.taskLock.Release()
		s = fmt.Sprintf("kmt: %d tasks, minCount=%d, running=%d", len(k.tasks), k.minCount, k.running)
		for _, t := range k.tasks {
			s += fmt.Sprintf("\n  pid=%d name=%s state=%s runCount=%d", t.Pid, t.Name, t.State, t.RunCount)
		}
	})
	return s
}
