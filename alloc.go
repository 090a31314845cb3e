package kmt

// Allocator hands out and reclaims the byte buffers backing task
// stacks. Physical memory management is explicitly
// out of scope (SPEC_FULL.md Non-goals): this module has no page
// tables or frame list to manage, so Allocator is a thin seam over
// Go's own garbage-collected heap rather than a bump or free-list
// allocator. There is no third-party allocator in this pack's
// dependency surface to wire here; make/GC is the idiomatic Go
// substitute for a subsystem this spec deliberately does not model.
type Allocator interface {
	Alloc(size int) []byte
	Free(buf []byte)
}

// GCAllocator is the default Allocator: Alloc hands back zeroed Go
// memory, Free is a no-op and exists only so callers can write
// symmetric alloc/free pairs the way the original kernel's pmm
// client code does.
type GCAllocator struct{}

func (GCAllocator) Alloc(size int) []byte { return make([]byte, size) }
func (GCAllocator) Free(buf []byte)       {}
