// Package ring provides the fixed-capacity circular allocators that back
// every pool in plume: a cursor-based span allocator for host/device shared
// command rings, and a masked power-of-two FIFO for free-index queues.
package ring

import "errors"

// ErrNoSpan is returned when a ring cannot satisfy a contiguous acquisition.
// Callers are expected to pump completions and retry rather than fail.
var ErrNoSpan = errors.New("ring: no contiguous span available")

// ErrUnderflow is returned when more slots are released than are outstanding.
var ErrUnderflow = errors.New("ring: release exceeds outstanding")

// Ring is a fixed-capacity circular span allocator. Head and tail are
// monotonically increasing cursors; a slot index is cursor % capacity.
// Acquisition advances head, release advances tail, and the outstanding
// region [tail, head) never exceeds the capacity.
//
// Spans may wrap past the end of the underlying array. HeadNowrap and
// TailNowrap expose the distance to the wrap so callers can split bulk
// copies into at most two contiguous pieces.
type Ring struct {
	capacity uint32
	head     uint32
	tail     uint32
}

// New returns a ring with the given capacity. Capacity need not be a power
// of two; slot arithmetic uses modulo, not masking.
func New(capacity uint32) *Ring {
	return &Ring{capacity: capacity}
}

// Capacity returns the total number of slots.
func (r *Ring) Capacity() uint32 { return r.capacity }

// Outstanding returns the number of acquired, unreleased slots.
func (r *Ring) Outstanding() uint32 { return r.head - r.tail }

// Available returns the number of slots that can still be acquired.
func (r *Ring) Available() uint32 { return r.capacity - r.Outstanding() }

// Head returns the slot index the next acquisition will start at.
func (r *Ring) Head() uint32 { return r.head % r.capacity }

// Tail returns the slot index of the oldest outstanding slot.
func (r *Ring) Tail() uint32 { return r.tail % r.capacity }

// HeadNowrap returns the number of slots between head and the end of the
// underlying array. A bulk write of n slots must be split when n exceeds
// this value.
func (r *Ring) HeadNowrap() uint32 { return r.capacity - r.Head() }

// TailNowrap returns the number of slots between tail and the end of the
// underlying array.
func (r *Ring) TailNowrap() uint32 { return r.capacity - r.Tail() }

// AcquireOne reserves a single slot and returns its index.
func (r *Ring) AcquireOne() (uint32, error) {
	if r.Available() == 0 {
		return 0, ErrNoSpan
	}
	idx := r.Head()
	r.head++
	return idx, nil
}

// Acquire reserves n slots and returns the index of the first. The span may
// wrap past the end of the underlying array; callers performing bulk copies
// split them at HeadNowrap.
func (r *Ring) Acquire(n uint32) (uint32, error) {
	if n == 0 || n > r.capacity {
		return 0, ErrNoSpan
	}
	if r.Available() < n {
		return 0, ErrNoSpan
	}
	idx := r.Head()
	r.head += n
	return idx, nil
}

// Release frees n slots from the tail. Slots must be released in the order
// they were acquired.
func (r *Ring) Release(n uint32) error {
	if n > r.Outstanding() {
		return ErrUnderflow
	}
	r.tail += n
	return nil
}
