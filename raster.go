package plume

import (
	"fmt"
	"math"

	"github.com/gogpu/plume/driver"
	"github.com/gogpu/plume/internal/handlepool"
	"github.com/gogpu/plume/internal/ring"
	"github.com/gogpu/plume/internal/sched"
)

// Raster is an opaque handle to a device-resident rasterized path
// group. Rasters are created by a RasterBuilder and reference-counted
// through the context.
type Raster struct {
	id uint32
}

// rasterIDs extracts the raw handle indices of a batch.
func rasterIDs(rasters []Raster) []uint32 {
	ids := make([]uint32, len(rasters))
	for i, r := range rasters {
		ids[i] = r.id
	}
	return ids
}

// Transform is a 2D affine transform applied to a path when it is added
// to a raster.
type Transform struct {
	ScaleX, ShearX, TranslateX float32
	ShearY, ScaleY, TranslateY float32
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{ScaleX: 1, ScaleY: 1}
}

// Raster record tags, stored in word 0 of each record.
const (
	rasterOpHeader uint32 = iota // word1 = handle, word2 = placement count
	rasterOpAdd                  // word1 = path handle, word2..7 = transform
)

// pendingRaster is one staged, unflushed raster.
type pendingRaster struct {
	handle  uint32
	entries uint32
	paths   []uint32
}

// RasterBuilder batches path placements into a host/device-shared ring
// and flushes them as rasterization dispatches. Placements between
// Begin and End define one raster. Paths added to a raster are retained
// on the device side until the rasterization dispatch completes, and
// their producers are forced to flush before it is submitted.
type RasterBuilder struct {
	ctx *Context

	ring *ring.Ring
	mask uint32
	buf  driver.BufferID

	cur      []uint32
	curPaths []uint32
	active   bool
	handle   uint32

	pending     []pendingRaster
	pendingBase uint32
	pendingN    uint32

	eager    uint32
	lost     error
	released bool
}

// NewRasterBuilder creates a raster builder on ctx. The staging ring
// takes its capacity from Config.RasterRing, rounded up to a power of
// two.
func NewRasterBuilder(ctx *Context) (*RasterBuilder, error) {
	if err := ctx.err(); err != nil {
		return nil, err
	}
	capacity := ring.NextPow2(ctx.cfg.RasterRing)
	buf, err := ctx.dev.CreateBuffer("plume_raster_cmds",
		uint64(capacity)*recordWords*4,
		driver.UsageStorage|driver.UsageCopyDst)
	if err != nil {
		return nil, remap(err)
	}
	return &RasterBuilder{
		ctx:   ctx,
		ring:  ring.New(capacity),
		mask:  capacity - 1,
		buf:   buf,
		eager: ctx.cfg.EagerFlush,
	}, nil
}

// err reports the builder's terminal condition, if any.
func (b *RasterBuilder) err() error {
	if b.released {
		return fmt.Errorf("%w: raster builder", ErrReleased)
	}
	if b.lost != nil {
		return b.lost
	}
	return b.ctx.err()
}

// Begin starts a new raster and acquires its handle.
func (b *RasterBuilder) Begin() error {
	if err := b.err(); err != nil {
		return err
	}
	if b.active {
		return fmt.Errorf("%w: Begin inside an open raster", ErrStateInvalid)
	}
	h, err := b.ctx.hp.Acquire()
	if err != nil {
		return remap(err)
	}
	b.handle = h
	b.active = true
	b.cur = b.cur[:0]
	b.curPaths = b.curPaths[:0]
	return nil
}

// Add places path under transform t into the open raster. The path is
// retained on the device side until the rasterization dispatch
// completes.
func (b *RasterBuilder) Add(path Path, t Transform) error {
	if err := b.err(); err != nil {
		return err
	}
	if !b.active {
		return fmt.Errorf("%w: Add without Begin", ErrStateInvalid)
	}
	if err := b.ctx.hp.RetainDevice(path.id); err != nil {
		return remap(err)
	}
	rec := make([]uint32, recordWords)
	rec[0] = rasterOpAdd
	rec[1] = path.id
	rec[2] = math.Float32bits(t.ScaleX)
	rec[3] = math.Float32bits(t.ShearX)
	rec[4] = math.Float32bits(t.TranslateX)
	rec[5] = math.Float32bits(t.ShearY)
	rec[6] = math.Float32bits(t.ScaleY)
	rec[7] = math.Float32bits(t.TranslateY)
	b.cur = append(b.cur, rec...)
	b.curPaths = append(b.curPaths, path.id)
	return nil
}

// End closes the raster, stages its placements onto the ring, and
// registers the builder as the raster's producer.
func (b *RasterBuilder) End() (Raster, error) {
	if err := b.err(); err != nil {
		return Raster{}, err
	}
	if !b.active {
		return Raster{}, fmt.Errorf("%w: End without Begin", ErrStateInvalid)
	}
	h := b.handle
	b.active = false
	paths := append([]uint32(nil), b.curPaths...)

	entries := uint32(len(b.cur))/recordWords + 1
	if entries > b.ring.Capacity() {
		b.lost = fmt.Errorf("%w: raster of %d placements exceeds ring capacity %d",
			ErrProducerLost, entries, b.ring.Capacity())
		for _, p := range paths {
			b.ctx.hp.ReleaseDevice(handlepool.KindPath, p)
		}
		b.ctx.hp.ReleaseDevice(handlepool.KindRaster, h)
		if err := b.ctx.hp.ValidateReleaseHost(handlepool.KindRaster, []uint32{h}); err != nil {
			Logger().Error("plume: lost raster release failed", "error", err)
		}
		b.cur = b.cur[:0]
		return Raster{}, b.lost
	}

	base, err := b.reserve(entries)
	if err != nil {
		return Raster{}, err
	}

	words := make([]uint32, 0, entries*recordWords)
	header := make([]uint32, recordWords)
	header[0] = rasterOpHeader
	header[1] = h
	header[2] = entries - 1
	words = append(words, header...)
	words = append(words, b.cur...)
	b.cur = b.cur[:0]
	if err := writeRingSpan(b.ctx.dev, b.buf, base, b.mask+1, recordWords, words); err != nil {
		return Raster{}, remap(err)
	}

	if len(b.pending) == 0 {
		b.pendingBase = base
	}
	b.pending = append(b.pending, pendingRaster{handle: h, entries: entries, paths: paths})
	b.pendingN += entries
	b.ctx.sc.RegisterProducer(h, nil, b.Flush)

	if b.pendingN >= b.eager {
		if err := b.Flush(); err != nil {
			return Raster{}, err
		}
	}
	return Raster{id: h}, nil
}

// reserve acquires a contiguous span of the staging ring. Staged spans
// are flushed first so the pump has dispatches to retire; then
// completions are pumped until older spans release.
func (b *RasterBuilder) reserve(entries uint32) (uint32, error) {
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

// Flush submits one rasterization dispatch covering every staged
// raster, ordered after the producers of every referenced path. A no-op
// with nothing staged.
func (b *RasterBuilder) Flush() error {
	if err := b.err(); err != nil {
		return err
	}
	if len(b.pending) == 0 {
		return nil
	}

	d, err := b.ctx.sc.Acquire(sched.StageRaster)
	if err != nil {
		return remap(err)
	}
	for _, r := range b.pending {
		if err := b.ctx.sc.HappensAfterHandles(d, r.paths); err != nil {
			b.ctx.sc.Abandon(d)
			return remap(err)
		}
	}
	d.CommandBuffer().Dispatch(driver.Dispatch{
		Kernel: driver.KernelRasterBuild,
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

	for _, r := range b.pending {
		b.ctx.sc.RegisterProducer(r.handle, d, b.Flush)
	}

	flushed := append([]pendingRaster(nil), b.pending...)
	entries := b.pendingN
	b.pending = b.pending[:0]
	b.pendingN = 0

	err = b.ctx.sc.Submit(d, func() {
		for _, r := range flushed {
			b.ctx.hp.ReleaseDevice(handlepool.KindRaster, r.handle)
			b.ctx.sc.ClearProducer(r.handle)
			for _, p := range r.paths {
				b.ctx.hp.ReleaseDevice(handlepool.KindPath, p)
			}
		}
		b.ring.Release(entries)
		Logger().Debug("plume: rasters built",
			"rasters", len(flushed), "records", entries)
	})
	return remap(err)
}

// Release flushes staged work, waits for the builder's in-flight
// dispatches, and frees the staging buffer. Rasters it produced stay
// valid.
func (b *RasterBuilder) Release() error {
	if b.released {
		return fmt.Errorf("%w: raster builder", ErrReleased)
	}
	if b.ctx.sc.Lost() == nil {
		if b.active {
			for _, p := range b.curPaths {
				b.ctx.hp.ReleaseDevice(handlepool.KindPath, p)
			}
			b.ctx.hp.ReleaseDevice(handlepool.KindRaster, b.handle)
			if err := b.ctx.hp.ValidateReleaseHost(handlepool.KindRaster, []uint32{b.handle}); err != nil {
				Logger().Error("plume: abandoned raster release failed", "error", err)
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
