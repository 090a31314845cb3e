package kmt

import (
	"fmt"
	"sync/atomic"
)

// Name identifies a kernel component (a lock, a semaphore, a task, a
// handler) for diagnostics and trace tags. It is a plain string, the
// same shape the teacher library uses for its own connector names.
type Name = string

// Identity pairs a Name with a small ordinal, used in fault messages
// where a bare Name is ambiguous (two spinlocks can share a debug
// name; their ordinals never collide).
type Identity struct {
	name    Name
	ordinal uint64
}

var identitySeq atomic.Uint64

// NewIdentity allocates a fresh Identity for name. Ordinals are
// process-local and exist only to disambiguate otherwise-identical
// names in diagnostics; they carry no scheduling meaning.
func NewIdentity(name Name) Identity {
	return Identity{name: name, ordinal: identitySeq.Add(1)}
}

// Name returns the human-readable name of the identity.
func (id Identity) Name() Name { return id.name }

// String renders the identity as "name#ordinal" for logs and traces.
func (id Identity) String() string {
	return fmt.Sprintf("%s#%d", id.name, id.ordinal)
}
