package plume

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/plume/driver"
	"github.com/gogpu/plume/internal/handlepool"
	"github.com/gogpu/plume/internal/ring"
	"github.com/gogpu/plume/internal/sched"
)

// Path is an opaque handle to a device-resident path. Paths are created
// by a PathBuilder and reference-counted through the context.
type Path struct {
	id uint32
}

// pathIDs extracts the raw handle indices of a batch.
func pathIDs(paths []Path) []uint32 {
	ids := make([]uint32, len(paths))
	for i, p := range paths {
		ids[i] = p.id
	}
	return ids
}

// wgSize is the workgroup size shared by the builder kernels.
const wgSize = 256

// recordWords is the size of one staged command record in 32-bit words.
// Every builder ring uses the same record granularity.
const recordWords = 8

// Path record tags, stored in word 0 of each record.
const (
	pathOpHeader uint32 = iota // word1 = handle, word2 = command count
	pathOpMove                 // word1,2 = x,y
	pathOpLine                 // word1,2 = x,y
	pathOpQuad                 // word1..4 = cx,cy,x,y
	pathOpCubic                // word1..6 = c1x,c1y,c2x,c2y,x,y
)

// pendingPath is one staged, unflushed path.
type pendingPath struct {
	handle  uint32
	entries uint32
}

// PathBuilder batches path commands into a host/device-shared ring and
// flushes them as path-build dispatches. Commands between Begin and End
// define one path; End stages the whole path as a contiguous span of
// the ring, so a single path larger than the ring permanently loses the
// builder.
type PathBuilder struct {
	ctx *Context

	ring *ring.Ring
	mask uint32
	buf  driver.BufferID

	// cur accumulates the records of the path under construction.
	cur    []uint32
	active bool
	handle uint32

	pending     []pendingPath
	pendingBase uint32
	pendingN    uint32

	eager    uint32
	lost     error
	released bool
}

// NewPathBuilder creates a path builder on ctx. The staging ring takes
// its capacity from Config.PathRing, rounded up to a power of two.
func NewPathBuilder(ctx *Context) (*PathBuilder, error) {
	if err := ctx.err(); err != nil {
		return nil, err
	}
	capacity := ring.NextPow2(ctx.cfg.PathRing)
	buf, err := ctx.dev.CreateBuffer("plume_path_cmds",
		uint64(capacity)*recordWords*4,
		driver.UsageStorage|driver.UsageCopyDst)
	if err != nil {
		return nil, remap(err)
	}
	return &PathBuilder{
		ctx:   ctx,
		ring:  ring.New(capacity),
		mask:  capacity - 1,
		buf:   buf,
		eager: ctx.cfg.EagerFlush,
	}, nil
}

// err reports the builder's terminal condition, if any.
func (b *PathBuilder) err() error {
	if b.released {
		return fmt.Errorf("%w: path builder", ErrReleased)
	}
	if b.lost != nil {
		return b.lost
	}
	return b.ctx.err()
}

// Begin starts a new path and acquires its handle.
func (b *PathBuilder) Begin() error {
	if err := b.err(); err != nil {
		return err
	}
	if b.active {
		return fmt.Errorf("%w: Begin inside an open path", ErrStateInvalid)
	}
	h, err := b.ctx.hp.Acquire()
	if err != nil {
		return remap(err)
	}
	b.handle = h
	b.active = true
	b.cur = b.cur[:0]
	return nil
}

// MoveTo starts a new subpath at (x, y).
func (b *PathBuilder) MoveTo(x, y float32) error {
	return b.command(pathOpMove, x, y)
}

// LineTo appends a line segment to (x, y).
func (b *PathBuilder) LineTo(x, y float32) error {
	return b.command(pathOpLine, x, y)
}

// QuadTo appends a quadratic bezier through control point (cx, cy)
// ending at (x, y).
func (b *PathBuilder) QuadTo(cx, cy, x, y float32) error {
	return b.command(pathOpQuad, cx, cy, x, y)
}

// CubicTo appends a cubic bezier through control points (c1x, c1y) and
// (c2x, c2y) ending at (x, y).
func (b *PathBuilder) CubicTo(c1x, c1y, c2x, c2y, x, y float32) error {
	return b.command(pathOpCubic, c1x, c1y, c2x, c2y, x, y)
}

// command appends one fixed-size record to the path under construction.
func (b *PathBuilder) command(op uint32, coords ...float32) error {
	if err := b.err(); err != nil {
		return err
	}
	if !b.active {
		return fmt.Errorf("%w: path command without Begin", ErrStateInvalid)
	}
	rec := make([]uint32, recordWords)
	rec[0] = op
	for i, c := range coords {
		rec[1+i] = math.Float32bits(c)
	}
	b.cur = append(b.cur, rec...)
	return nil
}

// End closes the path, stages its records onto the ring, and registers
// the builder as the path's producer. The returned path may be consumed
// immediately; a consumer forces the builder to flush.
func (b *PathBuilder) End() (Path, error) {
	if err := b.err(); err != nil {
		return Path{}, err
	}
	if !b.active {
		return Path{}, fmt.Errorf("%w: End without Begin", ErrStateInvalid)
	}
	h := b.handle
	b.active = false

	entries := uint32(len(b.cur))/recordWords + 1
	if entries > b.ring.Capacity() {
		// The path can never fit; the builder is unusable from here on.
		b.lost = fmt.Errorf("%w: path of %d records exceeds ring capacity %d",
			ErrProducerLost, entries, b.ring.Capacity())
		b.ctx.hp.ReleaseDevice(handlepool.KindPath, h)
		if err := b.ctx.hp.ValidateReleaseHost(handlepool.KindPath, []uint32{h}); err != nil {
			Logger().Error("plume: lost path release failed", "error", err)
		}
		b.cur = b.cur[:0]
		return Path{}, b.lost
	}

	base, err := b.reserve(entries)
	if err != nil {
		return Path{}, err
	}

	words := make([]uint32, 0, entries*recordWords)
	header := make([]uint32, recordWords)
	header[0] = pathOpHeader
	header[1] = h
	header[2] = entries - 1
	words = append(words, header...)
	words = append(words, b.cur...)
	b.cur = b.cur[:0]
	if err := writeRingSpan(b.ctx.dev, b.buf, base, b.mask+1, recordWords, words); err != nil {
		return Path{}, remap(err)
	}

	if len(b.pending) == 0 {
		b.pendingBase = base
	}
	b.pending = append(b.pending, pendingPath{handle: h, entries: entries})
	b.pendingN += entries
	b.ctx.sc.RegisterProducer(h, nil, b.Flush)

	if b.pendingN >= b.eager {
		if err := b.Flush(); err != nil {
			return Path{}, err
		}
	}
	return Path{id: h}, nil
}

// reserve acquires a contiguous span of the staging ring. Staged spans
// are flushed first so the pump has dispatches to retire; then
// completions are pumped until older spans release.
func (b *PathBuilder) reserve(entries uint32) (uint32, error) {
	for {
		base, err := b.ring.Acquire(entries)
		if err == nil {
			return base, nil
		}
		if len(b.pending) > 0 {
			if err := b.Flush(); err != nil {
				return 0, err
			}
			continue
		}
		if err := b.ctx.sc.Pump(true); err != nil {
			return 0, remap(err)
		}
	}
}

// Flush submits one path-build dispatch covering every staged path.
// A no-op with nothing staged.
func (b *PathBuilder) Flush() error {
	if err := b.err(); err != nil {
		return err
	}
	if len(b.pending) == 0 {
		return nil
	}

	d, err := b.ctx.sc.Acquire(sched.StagePath)
	if err != nil {
		return remap(err)
	}
	d.CommandBuffer().Dispatch(driver.Dispatch{
		Kernel: driver.KernelPathBuild,
		Groups: (b.pendingN + wgSize - 1) / wgSize,
		Push: buildPush(b.pendingBase, b.pendingN, b.mask,
			b.ctx.bp.Mask(), uint32(len(b.pending))),
		Bindings: []driver.Binding{
			{Buffer: b.buf},
			{Buffer: b.ctx.bp.Blocks()},
			{Buffer: b.ctx.bp.IDs()},
			{Buffer: b.ctx.bp.HandleMap()},
			{Buffer: b.ctx.bp.Counters()},
		},
	})

	// The producer registration now points at the real dispatch so
	// consumers submitted later wait on it instead of re-flushing.
	for _, p := range b.pending {
		b.ctx.sc.RegisterProducer(p.handle, d, b.Flush)
	}

	flushed := append([]pendingPath(nil), b.pending...)
	entries := b.pendingN
	b.pending = b.pending[:0]
	b.pendingN = 0

	err = b.ctx.sc.Submit(d, func() {
		for _, p := range flushed {
			b.ctx.hp.ReleaseDevice(handlepool.KindPath, p.handle)
			b.ctx.sc.ClearProducer(p.handle)
		}
		b.ring.Release(entries)
		Logger().Debug("plume: paths built",
			"paths", len(flushed), "records", entries)
	})
	return remap(err)
}

// Release flushes staged work, waits for the builder's in-flight
// dispatches, and frees the staging buffer. The builder is unusable
// afterwards; paths it produced stay valid.
func (b *PathBuilder) Release() error {
	if b.released {
		return fmt.Errorf("%w: path builder", ErrReleased)
	}
	if b.ctx.sc.Lost() == nil {
		if b.active {
			// Abandon the open path.
			b.ctx.hp.ReleaseDevice(handlepool.KindPath, b.handle)
			if err := b.ctx.hp.ValidateReleaseHost(handlepool.KindPath, []uint32{b.handle}); err != nil {
				Logger().Error("plume: abandoned path release failed", "error", err)
			}
			b.active = false
		}
		if b.lost == nil {
			if err := b.Flush(); err != nil {
				return err
			}
		}
		for b.ring.Outstanding() > 0 {
			if err := b.ctx.sc.Pump(true); err != nil {
				return remap(err)
			}
		}
	}
	b.ctx.dev.DestroyBuffer(b.buf)
	b.buf = 0
	b.released = true
	return nil
}

// buildPush encodes the builder kernels' push data: span base, record
// count, staging ring mask, block ring mask, and the staged unit count.
func buildPush(base, n, ringMask, blockMask, units uint32) []byte {
	buf := make([]byte, 20)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], base)
	le.PutUint32(buf[4:8], n)
	le.PutUint32(buf[8:12], ringMask)
	le.PutUint32(buf[12:16], blockMask)
	le.PutUint32(buf[16:20], units)
	return buf
}

// writeRingSpan uploads record words into a device ring buffer starting
// at entry base, splitting the copy at the wrap boundary. recWords is
// the ring's record size in 32-bit words.
func writeRingSpan(dev driver.Device, buf driver.BufferID, base, capacity, recWords uint32, words []uint32) error {
	entries := uint32(len(words)) / recWords
	first := words
	var second []uint32
	if base+entries > capacity {
		split := (capacity - base) * recWords
		first, second = words[:split], words[split:]
	}
	if err := dev.WriteBuffer(buf, uint64(base)*uint64(recWords)*4, encodeWords(first)); err != nil {
		return err
	}
	if len(second) > 0 {
		if err := dev.WriteBuffer(buf, 0, encodeWords(second)); err != nil {
			return err
		}
	}
	return nil
}

// encodeWords serializes words little-endian.
func encodeWords(words []uint32) []byte {
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return buf
}
