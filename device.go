package kmt

import (
	"sync"

	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Device is a named byte-queue I/O device. Its blocking ReadByte and
// WriteByte are built entirely on this module's own Semaphore, so
// device I/O exercises the sleep/wakeup scheduling path the same way
// the AM's IRQ_IODEV event class implies the original kernel's real
// device drivers do, rather than reaching for a native Go channel.
type Device struct {
	Name     Name
	capacity int

	lock *Spinlock
	buf  []byte

	readReady *Semaphore // counts bytes available to read
	writeFree *Semaphore // counts free slots available to write
}

// NewDevice allocates a Device with the given queue capacity.
func NewDevice(am AM, kmt *KMT, name Name, capacity int, fr faultReporter, metrics *metricz.Registry, tracer *tracez.Tracer, semHooks *hookz.Hooks[SemaphoreEvent], lockHooks *hookz.Hooks[SpinlockEvent]) *Device {
	d := &Device{Name: name, capacity: capacity, buf: make([]byte, 0, capacity)}
	d.lock = NewSpinlock(am, name+"_lock", fr, metrics, lockHooks)
	d.readReady = NewSemaphore(am, kmt, name+"_read_ready", 0, fr, metrics, tracer, semHooks, lockHooks)
	d.writeFree = NewSemaphore(am, kmt, name+"_write_free", capacity, fr, metrics, tracer, semHooks, lockHooks)
	return d
}

// WriteByte blocks until there is room in the queue, then appends b
// and wakes a reader.
func (d *Device) WriteByte(b byte) {
	d.writeFree.Wait()
	d.lock.Acquire()
	d.buf = append(d.buf, b)
	d.lock.Release()
	d.readReady.Signal()
}

// ReadByte blocks until a byte is available, then pops and returns
// it, waking a writer.
func (d *Device) ReadByte() byte {
	d.readReady.Wait()
	d.lock.Acquire()
	b := d.buf[0]
	d.buf = d.buf[1:]
	d.lock.Release()
	d.writeFree.Signal()
	return b
}

// DeviceTable is a simple named lookup of registered devices, the Go
// counterpart of the original kernel's device table.
type DeviceTable struct {
	mu      sync.Mutex
	devices map[Name]*Device
}

// NewDeviceTable allocates an empty device table.
func NewDeviceTable() *DeviceTable {
	return &DeviceTable{devices: make(map[Name]*Device)}
}

// Register adds d to the table, keyed by its Name.
func (t *DeviceTable) Register(d *Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices[d.Name] = d
}

// Lookup retrieves a registered device by name.
func (t *DeviceTable) Lookup(name Name) (*Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[name]
	return d, ok
}
