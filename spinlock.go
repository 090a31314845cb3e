package kmt

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
)

// Spinlock is an interrupt-disabling lock safe to hold across
// multi-CPU critical sections, SPEC_FULL.md §4.1. Acquire disables
// interrupts on the calling CPU (via AM.PushCLI) before spinning, so
// a handler running on the same CPU that holds the lock can never
// re-enter and deadlock against itself.
//
// The locked/holder pair is kept in two atomic words rather than
// behind a sync.Mutex: a spinlock is the mutual-exclusion primitive the rest
// of this module is built from, so it cannot be implemented in terms
// of one.
type Spinlock struct {
	am     AM
	id     Identity
	locked atomic.Int32
	holder atomic.Int32 // -1 when free

	faults  faultReporter
	metrics *metricz.Registry
	hooks   *hookz.Hooks[SpinlockEvent]
}

const noHolder int32 = -1

// NewSpinlock initializes a Spinlock bound to am, with locked=0 and
// holder=-1, SPEC_FULL.md §4.1 init. name is disambiguated with a
// fresh ordinal (see identity.go): a device or semaphore named the
// same as another still gets its own distinct lock identity in the
// messages of its acquire/release faults, rather than colliding on a
// bare string.
// hooks may be nil, the same nil-safe convention every other
// component in this module follows.
func NewSpinlock(am AM, name Name, fr faultReporter, metrics *metricz.Registry, hooks *hookz.Hooks[SpinlockEvent]) *Spinlock {
	l := &Spinlock{am: am, id: NewIdentity(name), faults: fr, metrics: metrics, hooks: hooks}
	l.holder.Store(noHolder)
	return l
}

func (l *Spinlock) count(key metricz.Key) {
	if l.metrics != nil {
		l.metrics.Counter(key).Inc()
	}
}

func (l *Spinlock) emit(key hookz.Key, cpu int) {
	if l.hooks != nil {
		_ = l.hooks.Emit(context.Background(), key, SpinlockEvent{Lock: l.id.Name(), CPU: cpu})
	}
}

// Acquire disables interrupts on the calling CPU, asserts the CPU
// does not already hold this lock (double-acquire is fatal), then
// spins until it wins the atomic exchange of the locked word.
func (l *Spinlock) Acquire() {
	l.am.PushCLI()
	cpu := l.am.CPU()

	l.faults.assertf(!l.holding(cpu), cpu, l.id.Name(), 0, "Acquiring lock %s when holding it.", l.id)

	spins := 0
	for !l.locked.CompareAndSwap(0, 1) {
		spins++
		if spins%4096 == 0 {
			time.Sleep(time.Microsecond) // yield the OS thread, avoid livelock under GOMAXPROCS=1
		}
	}
	if spins > 0 {
		l.count(MetricSpinlockSpins)
	}

	l.holder.Store(int32(cpu))
	l.count(MetricSpinlockAcquired)
	l.emit(HookSpinlockAcquired, cpu)
}

// Release asserts the calling CPU holds this lock, clears the holder,
// stores 0 into the locked word, then re-enables interrupts (via
// AM.PopCLI) if this was the outermost pushcli on the CPU.
func (l *Spinlock) Release() {
	cpu := l.am.CPU()
	l.faults.assertf(l.holding(cpu), cpu, l.id.Name(), 0, "Releasing lock %s not held by cpu %d.", l.id, cpu)

	l.holder.Store(noHolder)
	l.locked.Store(0)
	l.count(MetricSpinlockReleased)
	l.emit(HookSpinlockReleased, cpu)
	l.am.PopCLI()
}

// Holding reports whether the calling CPU is the recorded holder.
func (l *Spinlock) Holding() bool {
	l.am.PushCLI()
	defer l.am.PopCLI()
	return l.holding(l.am.CPU())
}

func (l *Spinlock) holding(cpu int) bool {
	return l.locked.Load() == 1 && int(l.holder.Load()) == cpu
}

// Name returns the lock's debug name.
func (l *Spinlock) Name() Name { return l.id.Name() }
