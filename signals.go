package kmt

import (
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Metric keys. Each counter/gauge is looked up from the registry by
// key at the point where a component updates it.
const (
	MetricSpinlockAcquired  metricz.Key = "spinlock.acquired.total"
	MetricSpinlockSpins     metricz.Key = "spinlock.spin.total"
	MetricSpinlockReleased  metricz.Key = "spinlock.released.total"
	MetricTrapsDispatched   metricz.Key = "dispatcher.traps.total"
	MetricTrapsReentered    metricz.Key = "dispatcher.reentered.total"
	MetricHandlersInvoked   metricz.Key = "dispatcher.handlers_invoked.total"
	MetricSchedDecisions    metricz.Key = "kmt.sched.decisions.total"
	MetricTasksRunning      metricz.Key = "kmt.tasks.running.gauge"
	MetricTasksCreated      metricz.Key = "kmt.tasks.created.total"
	MetricTasksTornDown     metricz.Key = "kmt.tasks.teardown.total"
	MetricSemaphoreWaits    metricz.Key = "semaphore.wait.total"
	MetricSemaphoreSignals  metricz.Key = "semaphore.signal.total"
	MetricSemaphoreBlocked  metricz.Key = "semaphore.blocked.total"
	MetricFaultsRaised      metricz.Key = "kmt.faults.total"
)

// Trace span keys and tags.
const (
	SpanTrapDispatch   tracez.Key = "dispatcher.trap"
	SpanContextSwitch  tracez.Key = "kmt.context_switch"
	SpanSemaphoreWait  tracez.Key = "semaphore.wait"

	TagEvent       tracez.Tag = "event"
	TagCPU         tracez.Tag = "cpu"
	TagReentered   tracez.Tag = "reentered"
	TagHandlerSeq  tracez.Tag = "handler_seq"
	TagTaskPid     tracez.Tag = "task_pid"
	TagSemaphore   tracez.Tag = "semaphore"
	TagResult      tracez.Tag = "result"
)

// Hook keys. Payload types are declared alongside their component.
const (
	HookFaultRaised       hookz.Key = "kmt.fault"
	HookTaskStateChanged  hookz.Key = "kmt.task.state_changed"
	HookSpinlockAcquired  hookz.Key = "kmt.spinlock.acquired"
	HookSpinlockReleased  hookz.Key = "kmt.spinlock.released"
	HookSemaphoreWaited   hookz.Key = "kmt.semaphore.waited"
	HookSemaphoreSignaled hookz.Key = "kmt.semaphore.signaled"
	HookSchedDecision     hookz.Key = "kmt.sched.decision"
)

// TaskStateChangedEvent is emitted on HookTaskStateChanged.
type TaskStateChangedEvent struct {
	Pid      uint32
	Name     Name
	From, To State
}

// SpinlockEvent is emitted on HookSpinlockAcquired/HookSpinlockReleased.
type SpinlockEvent struct {
	Lock Name
	CPU  int
}

// SemaphoreEvent is emitted on HookSemaphoreWaited/HookSemaphoreSignaled.
type SemaphoreEvent struct {
	Semaphore Name
	Pid       uint32
	Value     int
}

// SchedDecisionEvent is emitted on HookSchedDecision.
type SchedDecisionEvent struct {
	CPU      int
	FromPid  uint32
	ToPid    uint32
	ToName   Name
	RunCount uint64
}
