package kmt

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// registeredHandler is one entry in the dispatcher's priority-ordered
// chain, SPEC_FULL.md §4.2. EventNull handlers are the wildcard: they
// run on every non-reentered trap, regardless of class.
type registeredHandler struct {
	seq   int
	event EventClass
	name  Name
	fn    Handler
}

// Dispatcher is the kernel's single trap entry point: every IRQ,
// yield and syscall funnels through Trap, which serializes itself
// with its own spinlock (the original's os_trap_lock) and walks the
// registered handler chain in priority order.
type Dispatcher struct {
	am   AM
	lock *Spinlock

	mu       sync.Mutex
	handlers []registeredHandler

	faults  faultReporter
	metrics *metricz.Registry
	tracer  *tracez.Tracer
}

// NewDispatcher constructs a Dispatcher bound to am, sharing the
// observability stack every other component in this module is
// wired with.
func NewDispatcher(am AM, fr faultReporter, metrics *metricz.Registry, tracer *tracez.Tracer, lockHooks *hookz.Hooks[SpinlockEvent]) *Dispatcher {
	d := &Dispatcher{am: am, faults: fr, metrics: metrics, tracer: tracer}
	d.lock = NewSpinlock(am, "os_trap_lock", fr, metrics, lockHooks)
	return d
}

// OnIRQ registers fn to run on traps of the given class (or every
// non-reentered trap, for EventNull), at priority seq. Lower seq runs
// first; SPEC_FULL.md §4.2 rule 4's "last non-nil context wins" means
// a high-seq handler such as the context-switch handler installed
// last has final say over what's returned.
func (d *Dispatcher) OnIRQ(seq int, event EventClass, name Name, fn Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, registeredHandler{seq: seq, event: event, name: name, fn: fn})
	sort.SliceStable(d.handlers, func(i, j int) bool { return d.handlers[i].seq < d.handlers[j].seq })
}

func taskPid(ctx *Context) uint32 {
	if ctx == nil || ctx.task == nil {
		return 0
	}
	return ctx.task.Pid
}

// Trap is the dispatcher's one entry point, realizing SPEC_FULL.md
// §4.2:
//
//  1. A timer IRQ delivered while the dispatcher is already active on
//     this CPU is always fatal; a top-level timer IRQ always fully
//     dispatches. A sleep syscall delivered while already active is
//     likewise fatal: nothing may wait or sleep from inside a trap.
//  2. A yield trap arriving while any spinlock is held on this CPU is
//     fatal (cpu_no_spinlock).
//  3. Handlers run in priority order; a handler matches its own event
//     class always, or EventNull only on a non-reentered trap. On a
//     non-reentered trap, the last non-nil context a handler returns
//     is what Trap returns; a re-entered trap returns the context it
//     arrived with.
//
// A sleep syscall's passed-in lock (event arg 0) is released by
// kmt_sched_syscall's sleep handler, not here at trap entry: it is
// released only once the task table lock is held, in the same critical
// section that records the sleeping task as Sleeping, so a signaller racing
// in on another CPU can never complete its wakeup scan in the window
// between the caller giving up its lock and the sleeper actually
// becoming visible as asleep.
func (d *Dispatcher) Trap(cpu int, ev Event, ctx *Context) *Context {
	reentered := d.lock.Holding()

	d.faults.assertf(!(reentered && ev.Class == EventIRQTimer), cpu, d.lock.Name(), taskPid(ctx),
		"Timer IRQ delivered while the dispatcher was already handling a trap on cpu %d.", cpu)
	d.faults.assertf(!(reentered && ev.Class == EventSyscall && ev.Sys == SysSleep), cpu, d.lock.Name(), taskPid(ctx),
		"Sleep syscall invoked while the dispatcher was already handling a trap on cpu %d.", cpu)

	if ev.Class == EventYield {
		d.faults.assertf(d.am.NoSpinlockHeld(), cpu, d.lock.Name(), taskPid(ctx),
			"Yield invoked on cpu %d while holding a spinlock.", cpu)
	}

	if !reentered {
		d.lock.Acquire()
		defer d.lock.Release()
	}

	d.metrics.Counter(MetricTrapsDispatched).Inc()
	if reentered {
		d.metrics.Counter(MetricTrapsReentered).Inc()
	}

	_, span := d.tracer.StartSpan(context.Background(), SpanTrapDispatch)
	span.SetTag(TagEvent, ev.Class.String())
	span.SetTag(TagCPU, strconv.Itoa(cpu))
	span.SetTag(TagReentered, strconv.FormatBool(reentered))
	defer span.Finish()

	d.mu.Lock()
	handlers := make([]registeredHandler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.Unlock()

	result := ctx
	for _, h := range handlers {
		if h.event != ev.Class && !(h.event == EventNull && !reentered) {
			continue
		}
		d.metrics.Counter(MetricHandlersInvoked).Inc()
		span.SetTag(TagHandlerSeq, strconv.Itoa(h.seq))
		if next := h.fn(ev, result); next != nil {
			result = next
		}
	}
	if reentered {
		return ctx
	}
	return result
}
