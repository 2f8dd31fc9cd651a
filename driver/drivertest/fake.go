// Package drivertest provides an in-process driver.Device for tests. The
// fake stores buffer contents in host memory, honors submission wait lists,
// and lets a test complete submissions out of submission order to exercise
// the scheduler's ordering guarantees. No kernel is ever executed.
package drivertest

import (
	"fmt"
	"time"

	"github.com/gogpu/plume/driver"
)

// Submission records one Submit call.
type Submission struct {
	ID    driver.SubmitID
	Label string
	Waits []driver.SubmitID

	// Kernels lists the kernels dispatched by the command buffer, in
	// recording order.
	Kernels []driver.Kernel

	done    bool
	retired bool
}

// Device is a fake driver.Device. The zero value is not usable; call New.
//
// By default every submission completes as soon as Poll or WaitAny runs
// (AutoComplete). Tests exercising out-of-order completion disable
// AutoComplete and call Complete explicitly.
type Device struct {
	// AutoComplete, when true, marks all outstanding submissions done on
	// Poll/WaitAny in submission order.
	AutoComplete bool

	// OnWait, if set, runs when WaitAny finds nothing completed. It gives
	// tests a hook to complete submissions that a blocked operation is
	// waiting for.
	OnWait func()

	// FailSubmit, if set, is returned by the next Submit to simulate a
	// device-fatal error.
	FailSubmit error

	buffers map[driver.BufferID]*fakeBuffer
	nextBuf uint64

	subs       []*Submission
	lastSubmit driver.SubmitID
	// completed holds done-but-unreported submissions in completion order.
	completed []driver.SubmitID

	destroyed bool
}

type fakeBuffer struct {
	label string
	data  []byte
	usage driver.BufferUsage
}

// Interface compliance check.
var _ driver.Device = (*Device)(nil)

// New returns an empty fake device with AutoComplete enabled.
func New() *Device {
	return &Device{
		AutoComplete: true,
		buffers:      make(map[driver.BufferID]*fakeBuffer),
	}
}

// CreateBuffer allocates a host-memory buffer.
func (d *Device) CreateBuffer(label string, size uint64, usage driver.BufferUsage) (driver.BufferID, error) {
	if size == 0 {
		return driver.InvalidBufferID, fmt.Errorf("drivertest: buffer size must be positive")
	}
	d.nextBuf++
	id := driver.BufferID(d.nextBuf)
	d.buffers[id] = &fakeBuffer{label: label, data: make([]byte, size), usage: usage}
	return id, nil
}

// DestroyBuffer releases a buffer.
func (d *Device) DestroyBuffer(id driver.BufferID) {
	delete(d.buffers, id)
}

// WriteBuffer copies data into a buffer.
func (d *Device) WriteBuffer(id driver.BufferID, offset uint64, data []byte) error {
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("%w: %d", driver.ErrInvalidBuffer, id)
	}
	if offset+uint64(len(data)) > uint64(len(b.data)) {
		return fmt.Errorf("drivertest: write past end of %q", b.label)
	}
	copy(b.data[offset:], data)
	return nil
}

// ReadBuffer copies a buffer range to dst.
func (d *Device) ReadBuffer(id driver.BufferID, offset uint64, dst []byte) error {
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("%w: %d", driver.ErrInvalidBuffer, id)
	}
	if offset+uint64(len(dst)) > uint64(len(b.data)) {
		return fmt.Errorf("drivertest: read past end of %q", b.label)
	}
	copy(dst, b.data[offset:])
	return nil
}

// Submit records the submission and assigns the next timeline value.
func (d *Device) Submit(cb *driver.CommandBuffer, waits []driver.SubmitID) (driver.SubmitID, error) {
	if d.FailSubmit != nil {
		err := d.FailSubmit
		d.FailSubmit = nil
		return 0, err
	}
	if err := cb.Validate(); err != nil {
		return 0, err
	}
	for _, w := range waits {
		if w == 0 || w > d.lastSubmit {
			return 0, fmt.Errorf("drivertest: wait on unsubmitted timeline value %d", w)
		}
	}
	d.lastSubmit++
	s := &Submission{
		ID:      d.lastSubmit,
		Label:   cb.Label(),
		Waits:   append([]driver.SubmitID(nil), waits...),
		Kernels: cb.Kernels(),
	}
	d.subs = append(d.subs, s)
	return s.ID, nil
}

// Complete marks a submission done out of band. It fails if the submission
// has unfinished waits, mirroring a real device that cannot begin execution
// before its dependencies.
func (d *Device) Complete(id driver.SubmitID) error {
	s := d.find(id)
	if s == nil {
		return fmt.Errorf("drivertest: unknown submission %d", id)
	}
	if s.done {
		return nil
	}
	for _, w := range s.Waits {
		ws := d.find(w)
		if ws != nil && !ws.done {
			return fmt.Errorf("drivertest: submission %d completed before its wait %d", id, w)
		}
	}
	s.done = true
	d.completed = append(d.completed, id)
	return nil
}

// CompleteAll marks every outstanding submission done in submission order.
func (d *Device) CompleteAll() {
	for _, s := range d.subs {
		if !s.done {
			s.done = true
			d.completed = append(d.completed, s.ID)
		}
	}
}

func (d *Device) find(id driver.SubmitID) *Submission {
	for _, s := range d.subs {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Poll reports completed submissions in completion order.
func (d *Device) Poll() ([]driver.SubmitID, error) {
	if d.AutoComplete {
		d.CompleteAll()
	}
	out := d.completed
	d.completed = nil
	for _, id := range out {
		d.find(id).retired = true
	}
	return out, nil
}

// WaitAny behaves like Poll; when nothing has completed it invokes OnWait
// (if set) and polls once more. A blocked wait with no completable work is
// a test bug, reported as an error rather than a hang.
func (d *Device) WaitAny(timeout time.Duration) ([]driver.SubmitID, error) {
	ids, err := d.Poll()
	if err != nil || len(ids) > 0 {
		return ids, err
	}
	if d.OnWait != nil {
		d.OnWait()
		return d.Poll()
	}
	if d.outstanding() > 0 {
		return nil, fmt.Errorf("drivertest: wait with no completable work (%d outstanding)", d.outstanding())
	}
	return nil, nil
}

// WaitIdle completes everything outstanding.
func (d *Device) WaitIdle() error {
	d.CompleteAll()
	return nil
}

func (d *Device) outstanding() int {
	n := 0
	for _, s := range d.subs {
		if !s.retired {
			n++
		}
	}
	return n
}

// Destroy marks the device destroyed.
func (d *Device) Destroy() {
	d.destroyed = true
	d.buffers = nil
}

// Destroyed reports whether Destroy ran.
func (d *Device) Destroyed() bool { return d.destroyed }

// Submissions returns every recorded submission in submission order.
func (d *Device) Submissions() []*Submission { return d.subs }

// KernelDispatches counts dispatches of kernel k across all submissions.
func (d *Device) KernelDispatches(k driver.Kernel) int {
	n := 0
	for _, s := range d.subs {
		for _, sk := range s.Kernels {
			if sk == k {
				n++
			}
		}
	}
	return n
}

// BufferData returns the backing bytes of a buffer, for test inspection and
// preloading device-side counters.
func (d *Device) BufferData(id driver.BufferID) []byte {
	b, ok := d.buffers[id]
	if !ok {
		return nil
	}
	return b.data
}

// BufferCount returns the number of live buffers.
func (d *Device) BufferCount() int { return len(d.buffers) }
