package kmt

import (
	"testing"
	"time"

	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

func newTestKMT(am AM, numCPUs int) (*KMT, *Dispatcher) {
	d := NewDispatcher(am, faultReporter{}, metricz.New(), tracez.New(), nil)
	k := NewKMT(am, d, numCPUs, nil, faultReporter{}, metricz.New(), tracez.New(), nil, nil, nil)
	return k, d
}

// failingAllocator always returns nil, simulating exhaustion.
type failingAllocator struct{}

func (failingAllocator) Alloc(size int) []byte { return nil }
func (failingAllocator) Free(buf []byte)       {}

func TestKMTCreateAssignsIncreasingPids(t *testing.T) {
	am := newFakeAM(0)
	k, _ := newTestKMT(am, 1)

	a := k.Create("a", 64, func(arg any) {}, nil)
	b := k.Create("b", 64, func(arg any) {}, nil)

	if a.Pid == 0 || b.Pid == 0 {
		t.Fatal("pids should be non-zero")
	}
	if b.Pid <= a.Pid {
		t.Fatalf("expected increasing pids, got %d then %d", a.Pid, b.Pid)
	}
	if a.State != Embryo || b.State != Embryo {
		t.Fatalf("freshly created tasks should be Embryo, got %s and %s", a.State, b.State)
	}
}

func TestKMTTeardownRequiresZombie(t *testing.T) {
	am := newFakeAM(0)
	k, _ := newTestKMT(am, 1)
	task := k.Create("a", 64, func(arg any) {}, nil)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic tearing down a non-Zombie task")
		}
	}()
	k.Teardown(task)
}

func TestKMTTeardownRemovesZombieTask(t *testing.T) {
	am := newFakeAM(0)
	k, _ := newTestKMT(am, 1)
	task := k.Create("a", 64, func(arg any) {}, nil)
	task.State = Zombie

	k.Teardown(task)

	if task.State != Unused {
		t.Fatalf("expected Unused after teardown, got %s", task.State)
	}
	for _, other := range k.tasks {
		if other == task {
			t.Fatal("task should have been removed from the task table")
		}
	}
}

func TestKMTCreateWithExhaustedAllocatorIsFatal(t *testing.T) {
	am := newFakeAM(0)
	d := NewDispatcher(am, faultReporter{}, metricz.New(), tracez.New(), nil)
	k := NewKMT(am, d, 1, failingAllocator{}, faultReporter{}, metricz.New(), tracez.New(), nil, nil, nil)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic creating a task with an exhausted allocator")
		}
		if _, ok := r.(*Fault); !ok {
			t.Fatalf("expected *Fault panic, got %T", r)
		}
	}()
	k.Create("a", 64, func(arg any) {}, nil)
}

func TestKernelTaskExitLeavesIntactZombie(t *testing.T) {
	k := NewKernel(KernelConfig{CPUs: 1})
	done := make(chan struct{})

	task := k.Spawn("short-lived", func(arg any) {
		close(done)
	})

	k.Boot()
	waitOrTimeout(t, done, 5*time.Second)

	// Give the exit syscall a moment to land and transition the task
	// before asserting on its final state.
	deadline := time.Now().Add(2 * time.Second)
	for task.State != Zombie && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if task.State != Zombie {
		t.Fatalf("expected task to reach Zombie after exit, got %s", task.State)
	}
	if !k.KMT().InspectFence(task) {
		t.Fatal("task's stack fences should still be intact")
	}
}
