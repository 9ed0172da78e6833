// Package handle defines the waitable-entity identifier shared by the
// notification queue, the broadcast pipes, and the DAG store. A Handle
// addresses anything the scheduler can suspend on: a pipe writer end, a
// specific pipe reader end, or a DAG node.
package handle

import "sync/atomic"

// Handle is a 32-bit positive identifier for a waitable entity. Handle Zero
// is reserved and never fires: components use it as an "unset" sentinel
// (e.g. an fd with no backing node, or the id returned alongside an error).
type Handle uint32

// Zero is the reserved handle that never fires.
const Zero Handle = 0

// Allocator mints monotonically increasing handles for a single
// orchestration run. Handles are never reused within the lifetime of an
// Allocator: a fresh run must construct a fresh Allocator (via
// env.Environment) rather than resetting an existing one.
type Allocator struct {
	next atomic.Uint32
}

// NewAllocator returns an Allocator whose first minted Handle is 1, keeping
// Zero reserved.
func NewAllocator() *Allocator {
	a := &Allocator{}
	a.next.Store(uint32(Zero))
	return a
}

// Next mints and returns the next Handle. Safe for concurrent use: actor
// bodies running on worker threads may mint handles (new pipes, new nodes)
// concurrently with the scheduler.
func (a *Allocator) Next() Handle {
	return Handle(a.next.Add(1))
}
