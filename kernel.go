package kmt

import (
	"github.com/zoobzio/clockz"
)

// KernelConfig configures a Kernel at construction. Every field has a
// usable zero value so KernelConfig{} boots a single-CPU kernel with
// the real wall clock, the same "zero value is useful" shape the
// teacher library's own configuration structs follow.
type KernelConfig struct {
	// CPUs is how many simulated CPUs to run. Defaults to 1.
	CPUs int
	// StackSize is the body size, in bytes, of the simulated stack of
	// every task Spawn creates. Defaults to DefaultStackSize.
	StackSize int
	// Clock is injected for deterministic tests (clockz.NewFakeClock());
	// defaults to clockz.RealClock.
	Clock clockz.Clock
}

// Kernel wires together a Machine, its Dispatcher, and the KMT task
// table, the Go counterpart of os.c's os_init: each module is
// constructed and registered into the ones before it in a fixed
// order, since a Dispatcher needs an AM to exist and KMT needs a
// Dispatcher to register its handlers on.
type Kernel struct {
	cfg KernelConfig

	machine    *Machine
	dispatcher *Dispatcher
	kmt        *KMT
	devices    *DeviceTable
	alloc      Allocator
}

// NewKernel builds a Kernel from cfg but does not start any CPU; call
// Boot once all tasks that must exist before scheduling begins have
// been spawned.
func NewKernel(cfg KernelConfig) *Kernel {
	if cfg.CPUs <= 0 {
		cfg.CPUs = 1
	}
	if cfg.StackSize <= 0 {
		cfg.StackSize = DefaultStackSize
	}

	alloc := GCAllocator{}
	m := NewMachine(cfg.CPUs, cfg.Clock)
	d := NewDispatcher(m, m.Faults(), m.Metrics(), m.Tracer(), m.LockHooks())
	m.SetDispatcher(d)
	k := NewKMT(m, d, cfg.CPUs, alloc, m.Faults(), m.Metrics(), m.Tracer(), m.TaskHooks(), m.SchedHooks(), m.LockHooks())

	return &Kernel{
		cfg:        cfg,
		machine:    m,
		dispatcher: d,
		kmt:        k,
		devices:    NewDeviceTable(),
		alloc:      alloc,
	}
}

func (k *Kernel) Machine() *Machine       { return k.machine }
func (k *Kernel) Dispatcher() *Dispatcher { return k.dispatcher }
func (k *Kernel) KMT() *KMT               { return k.kmt }
func (k *Kernel) Devices() *DeviceTable   { return k.devices }
func (k *Kernel) Allocator() Allocator    { return k.alloc }

// Boot starts one goroutine per configured CPU running its trap loop
// and enables interrupt delivery globally, the Go counterpart of
// os_run's final _intr_write(1) and its per-CPU "while(1) yield()"
// bootstrap.
func (k *Kernel) Boot() {
	k.machine.IntrWrite(true)
	for cpu := 0; cpu < k.cfg.CPUs; cpu++ {
		go k.machine.RunCPU(cpu)
	}
}

// Spawn creates a task with this kernel's configured default stack
// size and schedules it for creation; it does not itself run until
// the scheduler picks it.
func (k *Kernel) Spawn(name Name, entry func(arg any)) *Task {
	return k.kmt.Create(name, k.cfg.StackSize, entry, nil)
}

// NewDevice registers and returns a Device sized to capacity on this
// kernel's bus, wired to its own semaphore hook stream.
func (k *Kernel) NewDevice(name Name, capacity int) *Device {
	dev := NewDevice(k.machine, k.kmt, name, capacity, k.machine.Faults(), k.machine.Metrics(), k.machine.Tracer(), k.machine.SemHooks(), k.machine.LockHooks())
	k.devices.Register(dev)
	return dev
}

// SpawnProducerConsumer wires a classic bounded-buffer producer and
// consumer over a freshly registered Device of the given capacity,
// each yielding between operations: the end-to-end semaphore
// sleep/wakeup scenario from SPEC_FULL.md §8 (S1).
func (k *Kernel) SpawnProducerConsumer(deviceName Name, capacity, items int) (*Device, *Task, *Task) {
	dev := k.NewDevice(deviceName, capacity)

	producer := k.Spawn(deviceName+"_producer", func(arg any) {
		for i := 0; i < items; i++ {
			dev.WriteByte(byte(i))
			k.kmt.Yield()
		}
	})
	consumer := k.Spawn(deviceName+"_consumer", func(arg any) {
		for i := 0; i < items; i++ {
			dev.ReadByte()
			k.kmt.Yield()
		}
	})
	return dev, producer, consumer
}

// SpawnEcho spawns a task that voluntarily yields count times and
// then exits, used to exercise fair round-robin scheduling (S2).
func (k *Kernel) SpawnEcho(name Name, count int) *Task {
	return k.Spawn(name, func(arg any) {
		for i := 0; i < count; i++ {
			k.kmt.Yield()
		}
	})
}
