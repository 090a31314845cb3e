package kmt

import "testing"

func TestSpinlockAcquireRelease(t *testing.T) {
	am := newFakeAM(0)
	lk := NewSpinlock(am, "test_lock", faultReporter{}, nil, nil)

	if lk.Holding() {
		t.Fatal("lock reported held before Acquire")
	}
	lk.Acquire()
	if !lk.Holding() {
		t.Fatal("lock did not report held after Acquire")
	}
	lk.Release()
	if lk.Holding() {
		t.Fatal("lock still reported held after Release")
	}
}

func TestSpinlockAcquireDisablesInterrupts(t *testing.T) {
	am := newFakeAM(0)
	am.STI()
	lk := NewSpinlock(am, "test_lock", faultReporter{}, nil, nil)

	lk.Acquire()
	if am.GetEFL() {
		t.Fatal("interrupts still enabled while holding the lock")
	}
	lk.Release()
	if !am.GetEFL() {
		t.Fatal("interrupts were not restored after Release")
	}
}

func TestSpinlockDoubleAcquireFatal(t *testing.T) {
	am := newFakeAM(0)
	lk := NewSpinlock(am, "test_lock", faultReporter{}, nil, nil)
	lk.Acquire()

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic on double acquire")
		}
		if _, ok := r.(*Fault); !ok {
			t.Fatalf("expected *Fault panic, got %T", r)
		}
	}()
	lk.Acquire()
}

func TestSpinlockReleaseNotHeldFatal(t *testing.T) {
	am := newFakeAM(0)
	lk := NewSpinlock(am, "test_lock", faultReporter{}, nil, nil)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic releasing a lock not held")
		}
	}()
	lk.Release()
}

func TestSpinlockPerCPUHolding(t *testing.T) {
	am := newFakeAM(0)
	lk := NewSpinlock(am, "test_lock", faultReporter{}, nil, nil)
	lk.Acquire()

	if !lk.holding(0) {
		t.Fatal("cpu 0 should be reported as holding the lock it acquired")
	}
	if lk.holding(1) {
		t.Fatal("cpu 1 must not be reported as holding a lock cpu 0 acquired")
	}
}
