package ring

// Fifo is a fixed-capacity value queue over a power-of-two backing array,
// using masking instead of modulo for slot arithmetic. It holds the free
// handle indices of the handle pool and the staged entries of the
// reclamation rings.
type Fifo[T any] struct {
	buf  []T
	mask uint32
	head uint32
	tail uint32
}

// NewFifo returns a FIFO whose capacity is capacity rounded up to the next
// power of two.
func NewFifo[T any](capacity uint32) *Fifo[T] {
	n := NextPow2(capacity)
	return &Fifo[T]{
		buf:  make([]T, n),
		mask: n - 1,
	}
}

// Cap returns the rounded-up capacity.
func (f *Fifo[T]) Cap() uint32 { return uint32(len(f.buf)) }

// Len returns the number of queued values.
func (f *Fifo[T]) Len() uint32 { return f.head - f.tail }

// Push appends v. It returns false when the queue is full.
func (f *Fifo[T]) Push(v T) bool {
	if f.Len() == f.Cap() {
		return false
	}
	f.buf[f.head&f.mask] = v
	f.head++
	return true
}

// Pop removes and returns the oldest value. The second result is false when
// the queue is empty.
func (f *Fifo[T]) Pop() (T, bool) {
	var zero T
	if f.Len() == 0 {
		return zero, false
	}
	v := f.buf[f.tail&f.mask]
	f.buf[f.tail&f.mask] = zero
	f.tail++
	return v, true
}

// NextPow2 rounds v up to the next power of two. Zero rounds to one.
func NextPow2(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	return v + 1
}
