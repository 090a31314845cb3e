package kmt

import "testing"

func newTestTask(pid uint32, name Name, bodyLen int, entry func(arg any), arg any) *Task {
	buf := GCAllocator{}.Alloc(FenceSize + bodyLen + FenceSize)
	return newTask(pid, name, buf, bodyLen, entry, arg)
}

func TestNewTaskFencesIntact(t *testing.T) {
	task := newTestTask(1, "t", 64, func(arg any) {}, nil)
	if !task.fencesIntact() {
		t.Fatal("fences should be intact on a freshly created task")
	}
	if task.State != Embryo {
		t.Fatalf("expected Embryo, got %s", task.State)
	}
}

func TestTaskStackOverrunCorruptsFence(t *testing.T) {
	task := newTestTask(1, "t", 64, func(arg any) {}, nil)
	body := task.stackBody()
	// Simulate an overrun: write one byte past the writable body,
	// directly into the trailing fence.
	task.buf[FenceSize+len(body)] ^= 0xFF
	if task.fencesIntact() {
		t.Fatal("expected fence corruption to be detected")
	}
}

// The labels are the original kernel's, except that "Waken up" is
// rendered as "Wakeable" (see State).
func TestStateStringsMatchOriginalLabels(t *testing.T) {
	cases := map[State]string{
		Unused:   "Unused",
		Embryo:   "Embryo",
		Sleeping: "Sleeping",
		Wakeable: "Wakeable",
		Running:  "Running",
		Zombie:   "Zombie",
		Special:  "Special",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
