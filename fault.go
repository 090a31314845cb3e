package kmt

import (
	"context"
	"fmt"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
)

// Fault is the diagnostic carried by every fatal kernel assertion.
// It mirrors the teacher library's Error[T] (timestamp, path, wrapped
// error) but drops the generic payload: a kernel fault identifies a
// lock, a task, and a CPU, not pipeline input data.
type Fault struct {
	Component Name      // lock/semaphore/handler name involved, if any
	Pid       uint32     // task pid involved, 0 if none
	CPU       int        // CPU id the fault was raised on
	Message   string
	Err       error
	Timestamp time.Time
}

// Error implements the error interface so a *Fault can be handled by
// ordinary Go error plumbing (errors.As, errors.Unwrap) in addition to
// being the payload of the fatal panic.
func (f *Fault) Error() string {
	switch {
	case f.Component != "" && f.Pid != 0:
		return fmt.Sprintf("kmt: %s (component=%s pid=%d cpu=%d)", f.Message, f.Component, f.Pid, f.CPU)
	case f.Component != "":
		return fmt.Sprintf("kmt: %s (component=%s cpu=%d)", f.Message, f.Component, f.CPU)
	case f.Pid != 0:
		return fmt.Sprintf("kmt: %s (pid=%d cpu=%d)", f.Message, f.Pid, f.CPU)
	default:
		return fmt.Sprintf("kmt: %s (cpu=%d)", f.Message, f.CPU)
	}
}

// Unwrap exposes the underlying error, if any, for errors.Is/As.
func (f *Fault) Unwrap() error { return f.Err }

// faultReporter is the ambient sink every fatal assertion reports
// through before panicking: a hook emission so a host program can
// observe the fault asynchronously, and a clock for the timestamp.
// Both are optional (nil-safe) so the zero value is usable in tests
// that construct a Spinlock/KMT/Semaphore directly.
type faultReporter struct {
	clock   clockz.Clock
	hooks   *hookz.Hooks[FaultEvent]
	metrics *metricz.Registry
}

// FaultEvent is the payload emitted on the FaultRaised hook key.
type FaultEvent struct {
	Fault     *Fault
	Timestamp time.Time
}

func (r faultReporter) now() time.Time {
	if r.clock == nil {
		return clockz.RealClock.Now()
	}
	return r.clock.Now()
}

// fatal reports f through hookz (best-effort, never blocking on a full
// hook channel) before panicking with it, so the fault is observable
// even though nothing in this module recovers the panic: a kernel
// fault is meant to bring the whole simulated machine down, the same
// as the original's Assert macro halting on the real hardware (§7).
func (r faultReporter) fatal(f *Fault) {
	f.Timestamp = r.now()
	if r.metrics != nil {
		r.metrics.Counter(MetricFaultsRaised).Inc()
	}
	if r.hooks != nil {
		// Emit is itself panic-safe and non-blocking by the hookz
		// contract; a full subscriber channel must never delay or
		// suppress the fatal path.
		_ = r.hooks.Emit(context.Background(), HookFaultRaised, FaultEvent{Fault: f, Timestamp: f.Timestamp})
	}
	panic(f)
}

// assertf is the fail-fast primitive every invariant check in this
// module funnels through, mirroring the exact assertion style of the
// original kernel's spinlock.c/thread.c/os.c (Assert(cond, fmt, ...))
// without copying its literal message text.
func (r faultReporter) assertf(cond bool, cpu int, component Name, pid uint32, format string, args ...any) {
	if cond {
		return
	}
	r.fatal(&Fault{
		Component: component,
		Pid:       pid,
		CPU:       cpu,
		Message:   fmt.Sprintf(format, args...),
	})
}
