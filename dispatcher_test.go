package kmt

import (
	"testing"

	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

func newTestDispatcher(am AM) *Dispatcher {
	return NewDispatcher(am, faultReporter{}, metricz.New(), tracez.New(), nil)
}

func TestDispatcherRunsHandlersInSeqOrder(t *testing.T) {
	am := newFakeAM(0)
	d := newTestDispatcher(am)

	var order []string
	d.OnIRQ(10, EventYield, "second", func(ev Event, ctx *Context) *Context {
		order = append(order, "second")
		return nil
	})
	d.OnIRQ(0, EventYield, "first", func(ev Event, ctx *Context) *Context {
		order = append(order, "first")
		return nil
	})

	d.Trap(0, Event{Class: EventYield}, &Context{})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected [first second], got %v", order)
	}
}

func TestDispatcherLastNonNilContextWins(t *testing.T) {
	am := newFakeAM(0)
	d := newTestDispatcher(am)

	first := &Task{Pid: 1, Name: "a"}
	second := &Task{Pid: 2, Name: "b"}

	d.OnIRQ(0, EventYield, "picks-first", func(ev Event, ctx *Context) *Context {
		return &Context{task: first}
	})
	d.OnIRQ(10, EventYield, "picks-second", func(ev Event, ctx *Context) *Context {
		return &Context{task: second}
	})

	result := d.Trap(0, Event{Class: EventYield}, &Context{})
	if result.task != second {
		t.Fatalf("expected the last handler's context to win, got pid %d", result.task.Pid)
	}
}

func TestDispatcherWildcardSkippedOnReentry(t *testing.T) {
	am := newFakeAM(0)
	d := newTestDispatcher(am)

	var wildcardRuns, ioRuns int
	d.OnIRQ(0, EventNull, "wildcard", func(ev Event, ctx *Context) *Context {
		wildcardRuns++
		return nil
	})
	d.OnIRQ(5, EventIRQIODevice, "nested-io", func(ev Event, ctx *Context) *Context {
		ioRuns++
		if ioRuns == 1 {
			// Re-enter with the same event class; the wildcard handler
			// must not fire again on this nested call.
			d.Trap(0, Event{Class: EventIRQIODevice}, ctx)
		}
		return nil
	})

	d.Trap(0, Event{Class: EventIRQIODevice}, &Context{})

	if wildcardRuns != 1 {
		t.Fatalf("expected the wildcard handler to run exactly once, ran %d times", wildcardRuns)
	}
	if ioRuns != 2 {
		t.Fatalf("expected the io handler to run on both the outer and nested trap, ran %d times", ioRuns)
	}
}

func TestDispatcherReentrantTimerIsFatal(t *testing.T) {
	am := newFakeAM(0)
	d := newTestDispatcher(am)

	d.OnIRQ(0, EventIRQIODevice, "nested-timer", func(ev Event, ctx *Context) *Context {
		d.Trap(0, Event{Class: EventIRQTimer}, ctx)
		return nil
	})

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic on re-entered timer IRQ")
		}
		if _, ok := r.(*Fault); !ok {
			t.Fatalf("expected *Fault panic, got %T", r)
		}
	}()
	d.Trap(0, Event{Class: EventIRQIODevice}, &Context{})
}

func TestDispatcherYieldWhileLockedIsFatal(t *testing.T) {
	am := newFakeAM(0)
	d := newTestDispatcher(am)
	other := NewSpinlock(am, "some_other_lock", faultReporter{}, nil, nil)
	other.Acquire()

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic yielding while a spinlock is held")
		}
	}()
	d.Trap(0, Event{Class: EventYield}, &Context{})
}

func TestDispatcherReentrantSleepIsFatal(t *testing.T) {
	am := newFakeAM(0)
	d := newTestDispatcher(am)

	d.OnIRQ(0, EventIRQIODevice, "nested-sleep", func(ev Event, ctx *Context) *Context {
		d.Trap(0, Event{Class: EventSyscall, Sys: SysSleep}, ctx)
		return nil
	})

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic on re-entered sleep syscall")
		}
		if _, ok := r.(*Fault); !ok {
			t.Fatalf("expected *Fault panic, got %T", r)
		}
	}()
	d.Trap(0, Event{Class: EventIRQIODevice}, &Context{})
}
