// Package handlepool manages the opaque handles that name paths and
// rasters. Every handle carries a split reference count: host_count moves
// only through the public retain/release API, device_count only as GPU
// sub-pipeline stages start and stop referencing the handle. A handle sits
// in the free queue exactly when both counts are zero.
//
// Dead handles are not freed directly: they are staged into a per-kind
// reclamation ring and returned by a GPU reclaim dispatch that walks their
// block chains back into the block pool's free ring. The dispatch's
// completion callback pushes the indices onto the free queue in strict
// ring-tail order, so reuse never races materialization.
package handlepool

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gogpu/plume/driver"
	"github.com/gogpu/plume/internal/blockpool"
	"github.com/gogpu/plume/internal/ring"
	"github.com/gogpu/plume/internal/sched"
)

// Sentinel errors of the handle validation and capacity classes.
var (
	// ErrInvalid indicates an out-of-range or dead handle. Batch
	// operations reject the whole batch without mutating any count.
	ErrInvalid = errors.New("handlepool: invalid handle")

	// ErrOverflow indicates a reference count at its maximum.
	ErrOverflow = errors.New("handlepool: reference count overflow")

	// ErrExhausted indicates an acquire found no free handle and no
	// reclamation in flight to wait for.
	ErrExhausted = errors.New("handlepool: handle pool exhausted")
)

// maxRefCount caps each of the two counts.
const maxRefCount = ^uint16(0)

// wgSize is the reclaim kernel workgroup size.
const wgSize = 256

// Kind distinguishes the reclamation rings.
type Kind int

const (
	// KindPath reclaims path handles.
	KindPath Kind = iota
	// KindRaster reclaims raster handles.
	KindRaster
	// KindCount is the number of kinds.
	KindCount
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindPath:
		return "path"
	case KindRaster:
		return "raster"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// refCount is one handle's split reference count. Both fields are read and
// written together from the single host thread; no atomics are needed.
type refCount struct {
	host   uint16
	device uint16
}

// Config sizes the pool.
type Config struct {
	// Count is the number of handles.
	Count uint32

	// ReclaimRing is the capacity (entries) of the device reclamation
	// ring, rounded up to a power of two. Zero takes DefaultReclaimRing.
	ReclaimRing uint32

	// EagerReclaim flushes a reclamation ring once this many handles are
	// staged. Zero takes DefaultEagerReclaim.
	EagerReclaim uint32
}

// Defaults for Config.
const (
	DefaultReclaimRing  = 256
	DefaultEagerReclaim = 32
)

// Pool is the handle table plus its reclamation machinery.
type Pool struct {
	dev driver.Device
	sc  *sched.Scheduler
	bp  *blockpool.Pool

	counts []refCount
	free   *ring.Fifo[uint32]

	// reclaimBuf is the device ring of staged handle ids; span allocates
	// contiguous regions of it to in-flight reclaim dispatches.
	reclaimBuf driver.BufferID
	span       *ring.Ring
	spanMask   uint32

	pending [KindCount][]uint32
	eager   uint32

	inFlight int
}

// New builds a pool of cfg.Count handles, all free.
func New(dev driver.Device, sc *sched.Scheduler, bp *blockpool.Pool, cfg Config) (*Pool, error) {
	if cfg.Count == 0 || cfg.Count > 1<<27 {
		return nil, fmt.Errorf("%w: count %d", ErrInvalid, cfg.Count)
	}
	if cfg.ReclaimRing == 0 {
		cfg.ReclaimRing = DefaultReclaimRing
	}
	if cfg.EagerReclaim == 0 {
		cfg.EagerReclaim = DefaultEagerReclaim
	}
	spanCap := ring.NextPow2(cfg.ReclaimRing)
	if cfg.EagerReclaim > spanCap {
		cfg.EagerReclaim = spanCap
	}

	reclaimBuf, err := dev.CreateBuffer("plume_reclaim_ring", uint64(spanCap)*4,
		driver.UsageStorage|driver.UsageCopyDst)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		dev:        dev,
		sc:         sc,
		bp:         bp,
		counts:     make([]refCount, cfg.Count),
		free:       ring.NewFifo[uint32](cfg.Count),
		reclaimBuf: reclaimBuf,
		span:       ring.New(spanCap),
		spanMask:   spanCap - 1,
		eager:      cfg.EagerReclaim,
	}
	for h := uint32(0); h < cfg.Count; h++ {
		p.free.Push(h)
	}
	return p, nil
}

// Count returns the handle table size.
func (p *Pool) Count() uint32 { return uint32(len(p.counts)) }

// FreeCount returns the number of immediately acquirable handles.
func (p *Pool) FreeCount() uint32 { return p.free.Len() }

// Acquire pops a free handle and sets its counts to {1,1}: one host
// reference for the caller, one device reference dropped by the dispatch
// that materializes the handle. When the free queue is empty it forces the
// reclamation rings and pumps completions; with nothing in flight to wait
// for it fails with ErrExhausted.
func (p *Pool) Acquire() (uint32, error) {
	for {
		if h, ok := p.free.Pop(); ok {
			p.counts[h] = refCount{host: 1, device: 1}
			return h, nil
		}
		for k := Kind(0); k < KindCount; k++ {
			if err := p.flushReclaim(k); err != nil {
				return 0, err
			}
		}
		if p.free.Len() > 0 {
			continue
		}
		if p.inFlight == 0 {
			return 0, fmt.Errorf("%w: %d handles outstanding", ErrExhausted, len(p.counts))
		}
		if err := p.sc.Pump(true); err != nil {
			return 0, err
		}
	}
}

// ValidateRetainHost increments the host count of every handle in the
// batch. Validation is all-or-nothing: if any handle is out of range, dead,
// or at its maximum count, no count in the batch changes.
func (p *Pool) ValidateRetainHost(handles []uint32) error {
	for _, h := range handles {
		if h >= uint32(len(p.counts)) {
			return fmt.Errorf("%w: %d out of range", ErrInvalid, h)
		}
		c := p.counts[h]
		if c.host == 0 {
			return fmt.Errorf("%w: %d has no host reference", ErrInvalid, h)
		}
		if c.host == maxRefCount {
			return fmt.Errorf("%w: handle %d host count", ErrOverflow, h)
		}
	}
	for _, h := range handles {
		p.counts[h].host++
	}
	return nil
}

// ValidateReleaseHost decrements the host count of every handle in the
// batch, with the same all-or-nothing validation as ValidateRetainHost.
// Handles whose combined count reaches zero are staged onto kind's
// reclamation ring; crossing the eager threshold flushes it.
func (p *Pool) ValidateReleaseHost(kind Kind, handles []uint32) error {
	for _, h := range handles {
		if h >= uint32(len(p.counts)) {
			return fmt.Errorf("%w: %d out of range", ErrInvalid, h)
		}
		if p.counts[h].host == 0 {
			return fmt.Errorf("%w: %d has no host reference", ErrInvalid, h)
		}
	}
	for _, h := range handles {
		p.counts[h].host--
		if p.counts[h].host == 0 && p.counts[h].device == 0 {
			p.pending[kind] = append(p.pending[kind], h)
		}
	}
	if uint32(len(p.pending[kind])) >= p.eager {
		return p.flushReclaim(kind)
	}
	return nil
}

// RetainDevice adds a device reference on behalf of a pipeline stage that
// is about to read the handle's blocks.
func (p *Pool) RetainDevice(h uint32) error {
	if h >= uint32(len(p.counts)) {
		return fmt.Errorf("%w: %d out of range", ErrInvalid, h)
	}
	c := p.counts[h]
	if c.host == 0 && c.device == 0 {
		return fmt.Errorf("%w: %d is free", ErrInvalid, h)
	}
	if c.device == maxRefCount {
		return fmt.Errorf("%w: handle %d device count", ErrOverflow, h)
	}
	p.counts[h].device++
	return nil
}

// ValidateRetainDevice adds a device reference to every handle in the
// batch, with the same all-or-nothing validation as ValidateRetainHost:
// if any handle is out of range, free, or at its maximum device count,
// no count in the batch changes.
func (p *Pool) ValidateRetainDevice(handles []uint32) error {
	for _, h := range handles {
		if h >= uint32(len(p.counts)) {
			return fmt.Errorf("%w: %d out of range", ErrInvalid, h)
		}
		c := p.counts[h]
		if c.host == 0 && c.device == 0 {
			return fmt.Errorf("%w: %d is free", ErrInvalid, h)
		}
		if c.device == maxRefCount {
			return fmt.Errorf("%w: handle %d device count", ErrOverflow, h)
		}
	}
	for _, h := range handles {
		p.counts[h].device++
	}
	return nil
}

// ReleaseDevice drops a device reference. It is called from completion
// callbacks and must not fail: a staging overflow only forces a flush, and
// a flush failure means the scheduler is already lost.
func (p *Pool) ReleaseDevice(kind Kind, h uint32) {
	if h >= uint32(len(p.counts)) || p.counts[h].device == 0 {
		slogger().Error("handlepool: bad device release", "handle", h, "kind", kind.String())
		return
	}
	p.counts[h].device--
	if p.counts[h].host == 0 && p.counts[h].device == 0 {
		p.pending[kind] = append(p.pending[kind], h)
		if uint32(len(p.pending[kind])) >= p.eager {
			if err := p.flushReclaim(kind); err != nil {
				slogger().Error("handlepool: reclaim flush failed", "error", err)
			}
		}
	}
}

// Flush forces both reclamation rings out regardless of the eager
// threshold. Used before draining and by exhausted acquires.
func (p *Pool) Flush() error {
	for k := Kind(0); k < KindCount; k++ {
		if err := p.flushReclaim(k); err != nil {
			return err
		}
	}
	return nil
}

// flushReclaim issues reclaim dispatches covering kind's staged handles.
// A batch larger than the device ring splits into spans of at most the
// ring capacity, one dispatch per span.
func (p *Pool) flushReclaim(kind Kind) error {
	for len(p.pending[kind]) > 0 {
		n := uint32(len(p.pending[kind]))
		if spanCap := p.spanMask + 1; n > spanCap {
			n = spanCap
		}
		// Detach the chunk before pumping: completions staged while this
		// dispatch is assembled must not re-enter it.
		reclaimed := append([]uint32(nil), p.pending[kind][:n]...)
		p.pending[kind] = append(p.pending[kind][:0], p.pending[kind][n:]...)

		// Reserve a span of the device reclamation ring, pumping while
		// older reclaim dispatches still own it.
		var base uint32
		for {
			idx, err := p.span.Acquire(n)
			if err == nil {
				base = idx
				break
			}
			if err := p.sc.Pump(true); err != nil {
				return err
			}
		}

		if err := p.writeSpan(base, reclaimed); err != nil {
			return err
		}

		d, err := p.sc.Acquire(sched.StageReclaim)
		if err != nil {
			return err
		}
		d.CommandBuffer().Dispatch(driver.Dispatch{
			Kernel: driver.KernelReclaim,
			Groups: (n + wgSize - 1) / wgSize,
			Push:   p.reclaimPush(base, n, kind),
			Bindings: []driver.Binding{
				{Buffer: p.reclaimBuf},
				{Buffer: p.bp.Blocks()},
				{Buffer: p.bp.IDs()},
				{Buffer: p.bp.HandleMap()},
				{Buffer: p.bp.Counters()},
			},
		})

		p.inFlight++
		count := n
		if err := p.sc.Submit(d, func() {
			for _, h := range reclaimed {
				p.free.Push(h)
			}
			p.span.Release(count)
			p.inFlight--
			slogger().Debug("handlepool: reclaimed",
				"kind", kind.String(), "handles", len(reclaimed))
		}); err != nil {
			return err
		}
	}
	return nil
}

// writeSpan uploads staged handle ids into the device ring, splitting the
// copy at the wrap boundary.
func (p *Pool) writeSpan(base uint32, handles []uint32) error {
	capacity := p.spanMask + 1
	first := handles
	var second []uint32
	if base+uint32(len(handles)) > capacity {
		split := capacity - base
		first, second = handles[:split], handles[split:]
	}
	if err := p.dev.WriteBuffer(p.reclaimBuf, uint64(base)*4, encodeU32(first)); err != nil {
		return err
	}
	if len(second) > 0 {
		if err := p.dev.WriteBuffer(p.reclaimBuf, 0, encodeU32(second)); err != nil {
			return err
		}
	}
	return nil
}

// reclaimPush encodes the reclaim kernel push data: span base, handle
// count, ring mask, block ring mask, and the kind tag.
func (p *Pool) reclaimPush(base, n uint32, kind Kind) []byte {
	buf := make([]byte, 20)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], base)
	le.PutUint32(buf[4:8], n)
	le.PutUint32(buf[8:12], p.spanMask)
	le.PutUint32(buf[12:16], p.bp.Mask())
	le.PutUint32(buf[16:20], uint32(kind))
	return buf
}

// encodeU32 serializes words little-endian.
func encodeU32(words []uint32) []byte {
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return buf
}

// Destroy releases the pool's device buffer.
func (p *Pool) Destroy() {
	p.dev.DestroyBuffer(p.reclaimBuf)
	p.reclaimBuf = 0
}
