package kmt

import (
	"context"

	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Semaphore is a counting semaphore built on the kernel's own
// sleep/wakeup primitives rather than a native Go channel, so that
// waiting on one genuinely exercises KMT's scheduler instead of
// bypassing it, SPEC_FULL.md §4.4 / semaphore.c.
type Semaphore struct {
	am  AM
	kmt *KMT

	name  Name
	lock  *Spinlock
	value int

	faults  faultReporter
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[SemaphoreEvent]
}

// NewSemaphore initializes a semaphore with the given starting value,
// the Go counterpart of semaphore.c's sem_init.
func NewSemaphore(am AM, kmt *KMT, name Name, initial int, fr faultReporter, metrics *metricz.Registry, tracer *tracez.Tracer, hooks *hookz.Hooks[SemaphoreEvent], lockHooks *hookz.Hooks[SpinlockEvent]) *Semaphore {
	s := &Semaphore{am: am, kmt: kmt, name: name, value: initial, faults: fr, metrics: metrics, tracer: tracer, hooks: hooks}
	s.lock = NewSpinlock(am, name+"_lock", fr, metrics, lockHooks)
	return s
}

func (s *Semaphore) emit(key hookz.Key) {
	if s.hooks == nil {
		return
	}
	_ = s.hooks.Emit(context.Background(), key, SemaphoreEvent{Semaphore: s.name, Value: s.value})
}

func (s *Semaphore) count(key metricz.Key) {
	if s.metrics != nil {
		s.metrics.Counter(key).Inc()
	}
}

// Wait decrements the semaphore, blocking the calling task (via
// KMT.Sleep, which goes through the dispatcher's sleep syscall) while
// the value is non-positive. The re-check after waking guards against
// the standard counting-semaphore race: wakeup is broadcast to every
// sleeper on this semaphore, and only one of them actually gets to
// decrement.
func (s *Semaphore) Wait() {
	_, span := s.tracer.StartSpan(context.Background(), SpanSemaphoreWait)
	span.SetTag(TagSemaphore, s.name)
	defer span.Finish()

	s.lock.Acquire()
	for s.value <= 0 {
		s.count(MetricSemaphoreBlocked)
		s.emit(HookSemaphoreWaited)
		s.kmt.Sleep(s, s.lock) // releases s.lock as part of the sleep trap
		s.lock.Acquire()
	}
	s.value--
	s.count(MetricSemaphoreWaits)
	s.lock.Release()
}

// Signal increments the semaphore and wakes every task sleeping on
// it. Matching semaphore.c's up(), the lock is released before
// waking sleepers so the wakeup syscall never runs with the
// semaphore's own lock held.
func (s *Semaphore) Signal() {
	s.lock.Acquire()
	s.value++
	s.count(MetricSemaphoreSignals)
	s.emit(HookSemaphoreSignaled)
	s.lock.Release()
	s.kmt.Wakeup(s)
}

// Value reports the semaphore's current count, for tests and
// diagnostics; it is not part of the synchronization contract.
func (s *Semaphore) Value() int {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.value
}

// Name returns the semaphore's debug name.
func (s *Semaphore) Name() Name { return s.name }
