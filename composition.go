package plume

import (
	"fmt"

	"github.com/gogpu/plume/driver"
	"github.com/gogpu/plume/internal/handlepool"
	"github.com/gogpu/plume/internal/ring"
	"github.com/gogpu/plume/internal/sched"
)

// CompositionState is a composition's lifecycle state.
type CompositionState int

const (
	// CompositionReset: empty, device counters zeroed.
	CompositionReset CompositionState = iota
	// CompositionResetting: a counter-zeroing dispatch is in flight.
	CompositionResetting
	// CompositionUnsealed: accepting Place batches.
	CompositionUnsealed
	// CompositionSealing: the sort dispatch is in flight.
	CompositionSealing
	// CompositionSealed: sorted and consumable by renders.
	CompositionSealed
)

// String returns the state name.
func (s CompositionState) String() string {
	switch s {
	case CompositionReset:
		return "reset"
	case CompositionResetting:
		return "resetting"
	case CompositionUnsealed:
		return "unsealed"
	case CompositionSealing:
		return "sealing"
	case CompositionSealed:
		return "sealed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// placeRecordWords is the size of one place record: raster handle,
// layer id, and two reserved words.
const placeRecordWords = 4

// keysPerPlace sizes the composition key buffer: each placed raster
// may expand into at most this many keys.
const keysPerPlace = 16

// compCounterWords is the size of the per-composition counters buffer.
const compCounterWords = 4

// Composition accumulates placed rasters, sorts them into renderable
// keys when sealed, and hands the sorted keys to renders. Its state
// machine is RESET, RESETTING, UNSEALED, SEALING, SEALED; renders pair
// a retain and lock with an unlock and release so a composition cannot
// be unsealed or destroyed while bound to in-flight render state.
type Composition struct {
	ctx *Context

	state CompositionState
	refs  int
	locks int

	ring     *ring.Ring
	mask     uint32
	placeBuf driver.BufferID
	keys     driver.BufferID
	counters driver.BufferID

	pendingBase    uint32
	pendingN       uint32
	pendingRasters []uint32

	// retained holds the host-retained raster handles of every place
	// since the last reset.
	retained []uint32

	placeInFlight []*sched.Dispatch
	sealDispatch  *sched.Dispatch

	eager    uint32
	lost     error
	released bool
}

// NewComposition creates an empty composition in the RESET state with
// one reference.
func NewComposition(ctx *Context) (*Composition, error) {
	if err := ctx.err(); err != nil {
		return nil, err
	}
	capacity := ring.NextPow2(ctx.cfg.PlaceRing)

	c := &Composition{
		ctx:   ctx,
		state: CompositionReset,
		refs:  1,
		ring:  ring.New(capacity),
		mask:  capacity - 1,
		eager: ctx.cfg.EagerFlush,
	}
	var err error
	if c.placeBuf, err = ctx.dev.CreateBuffer("plume_place_cmds",
		uint64(capacity)*placeRecordWords*4,
		driver.UsageStorage|driver.UsageCopyDst); err != nil {
		return nil, remap(err)
	}
	if c.keys, err = ctx.dev.CreateBuffer("plume_comp_keys",
		uint64(capacity)*keysPerPlace*4,
		driver.UsageStorage); err != nil {
		ctx.dev.DestroyBuffer(c.placeBuf)
		return nil, remap(err)
	}
	if c.counters, err = ctx.dev.CreateBuffer("plume_comp_counters",
		compCounterWords*4,
		driver.UsageStorage|driver.UsageCopyDst); err != nil {
		ctx.dev.DestroyBuffer(c.placeBuf)
		ctx.dev.DestroyBuffer(c.keys)
		return nil, remap(err)
	}
	if err = ctx.dev.WriteBuffer(c.counters, 0, make([]byte, compCounterWords*4)); err != nil {
		c.destroyBuffers()
		return nil, remap(err)
	}
	return c, nil
}

// err reports the composition's terminal condition, if any.
func (c *Composition) err() error {
	if c.released {
		return fmt.Errorf("%w: composition", ErrReleased)
	}
	if c.lost != nil {
		return c.lost
	}
	return c.ctx.err()
}

// State returns the current lifecycle state.
func (c *Composition) State() CompositionState { return c.state }

// Place appends a batch of raster placements, one layer id per raster.
// Legal only while the composition is reset or unsealed. The whole
// batch validates and retains atomically; a batch larger than the place
// ring permanently loses the composition, while a batch that merely
// does not fit right now pumps completions until it does.
func (c *Composition) Place(rasters []Raster, layers []uint32) error {
	if err := c.err(); err != nil {
		return err
	}
	if len(rasters) != len(layers) {
		return fmt.Errorf("%w: %d rasters, %d layers", ErrStateInvalid, len(rasters), len(layers))
	}
	if len(rasters) == 0 {
		return nil
	}
	for c.state == CompositionResetting {
		if err := c.ctx.sc.Pump(true); err != nil {
			return remap(err)
		}
	}
	if c.state != CompositionReset && c.state != CompositionUnsealed {
		return fmt.Errorf("%w: place in state %s", ErrStateSealed, c.state)
	}

	n := uint32(len(rasters))
	if n > c.ring.Capacity() {
		c.lost = fmt.Errorf("%w: place batch of %d exceeds ring capacity %d",
			ErrProducerLost, n, c.ring.Capacity())
		return c.lost
	}

	ids := rasterIDs(rasters)
	if err := c.ctx.hp.ValidateRetainHost(ids); err != nil {
		return remap(err)
	}
	c.retained = append(c.retained, ids...)

	base, err := c.reserve(n)
	if err != nil {
		return err
	}
	words := make([]uint32, 0, n*placeRecordWords)
	for i, id := range ids {
		words = append(words, id, layers[i], 0, 0)
	}
	if err := writeRingSpan(c.ctx.dev, c.placeBuf, base, c.mask+1, placeRecordWords, words); err != nil {
		return remap(err)
	}

	if c.pendingN == 0 {
		c.pendingBase = base
	}
	c.pendingN += n
	c.pendingRasters = append(c.pendingRasters, ids...)
	c.state = CompositionUnsealed

	if c.pendingN >= c.eager {
		return c.flushPlaces()
	}
	return nil
}

// reserve acquires a contiguous span of the place ring. Staged records
// are flushed first so the pump has dispatches to retire; then
// completions are pumped until older spans release.
func (c *Composition) reserve(n uint32) (uint32, error) {
	for {
		base, err := c.ring.Acquire(n)
		if err == nil {
			return base, nil
		}
		if c.pendingN > 0 {
			if err := c.flushPlaces(); err != nil {
				return 0, err
			}
			continue
		}
		if err := c.ctx.sc.Pump(true); err != nil {
			return 0, remap(err)
		}
	}
}

// flushPlaces submits one place dispatch covering every staged record,
// ordered after the producers of every referenced raster.
func (c *Composition) flushPlaces() error {
	if c.pendingN == 0 {
		return nil
	}

	d, err := c.ctx.sc.Acquire(sched.StagePlace)
	if err != nil {
		return remap(err)
	}
	if err := c.ctx.sc.HappensAfterHandles(d, c.pendingRasters); err != nil {
		c.ctx.sc.Abandon(d)
		return remap(err)
	}
	if err := c.ctx.hp.ValidateRetainDevice(c.pendingRasters); err != nil {
		c.ctx.sc.Abandon(d)
		return remap(err)
	}
	d.CommandBuffer().Dispatch(driver.Dispatch{
		Kernel: driver.KernelPlace,
		Groups: (c.pendingN + wgSize - 1) / wgSize,
		Push: buildPush(c.pendingBase, c.pendingN, c.mask,
			c.ctx.bp.Mask(), 0),
		Bindings: []driver.Binding{
			{Buffer: c.placeBuf},
			{Buffer: c.ctx.bp.Blocks()},
			{Buffer: c.keys},
			{Buffer: c.counters},
		},
	})

	flushed := append([]uint32(nil), c.pendingRasters...)
	n := c.pendingN
	c.pendingRasters = c.pendingRasters[:0]
	c.pendingN = 0
	c.placeInFlight = append(c.placeInFlight, d)

	err = c.ctx.sc.Submit(d, func() {
		for _, id := range flushed {
			c.ctx.hp.ReleaseDevice(handlepool.KindRaster, id)
		}
		c.ring.Release(n)
		for i, p := range c.placeInFlight {
			if p == d {
				c.placeInFlight = append(c.placeInFlight[:i], c.placeInFlight[i+1:]...)
				break
			}
		}
		Logger().Debug("plume: rasters placed", "records", n)
	})
	return remap(err)
}

// Seal flushes outstanding places and submits the sort dispatch that
// turns the accumulated records into renderable keys, transitioning to
// SEALED once it completes. Idempotent while sealing or sealed.
func (c *Composition) Seal() error {
	if err := c.err(); err != nil {
		return err
	}
	switch c.state {
	case CompositionSealing, CompositionSealed:
		return nil
	case CompositionResetting:
		for c.state == CompositionResetting {
			if err := c.ctx.sc.Pump(true); err != nil {
				return remap(err)
			}
		}
	}

	if err := c.flushPlaces(); err != nil {
		return err
	}
	d, err := c.ctx.sc.Acquire(sched.StageSort)
	if err != nil {
		return remap(err)
	}
	for _, p := range c.placeInFlight {
		c.ctx.sc.HappensAfter(d, p)
	}
	d.CommandBuffer().Dispatch(driver.Dispatch{
		Kernel: driver.KernelSortSegment,
		Groups: (c.ring.Capacity()*keysPerPlace + wgSize - 1) / wgSize,
		Push:   encodeWords([]uint32{c.ctx.bp.Mask()}),
		Bindings: []driver.Binding{
			{Buffer: c.keys},
			{Buffer: c.counters},
			{Buffer: c.ctx.bp.Blocks()},
		},
	})

	c.state = CompositionSealing
	c.sealDispatch = d
	err = c.ctx.sc.Submit(d, func() {
		c.state = CompositionSealed
		Logger().Debug("plume: composition sealed")
	})
	return remap(err)
}

// Unseal returns a sealed composition to the unsealed state, blocking
// until the seal completes and every render lock clears. A no-op when
// not sealing or sealed.
func (c *Composition) Unseal() error {
	if err := c.err(); err != nil {
		return err
	}
	for c.state == CompositionSealing {
		if err := c.ctx.sc.Pump(true); err != nil {
			return remap(err)
		}
	}
	if c.state != CompositionSealed {
		return nil
	}
	for c.locks > 0 {
		if err := c.ctx.sc.Pump(true); err != nil {
			return remap(err)
		}
	}
	c.state = CompositionUnsealed
	c.sealDispatch = nil
	return nil
}

// Reset discards the composition's content: a counter-zeroing dispatch
// runs after every in-flight place, and its completion releases the
// retained rasters. Legal only while unsealed; reset and resetting are
// no-ops, sealing and sealed are errors.
func (c *Composition) Reset() error {
	if err := c.err(); err != nil {
		return err
	}
	switch c.state {
	case CompositionReset, CompositionResetting:
		return nil
	case CompositionSealing, CompositionSealed:
		return fmt.Errorf("%w: reset in state %s", ErrStateSealed, c.state)
	}

	// Staged records are flushed rather than unwound so ring spans
	// retire in order; the zeroed counters discard their output.
	if err := c.flushPlaces(); err != nil {
		return err
	}
	d, err := c.ctx.sc.Acquire(sched.StageSort)
	if err != nil {
		return remap(err)
	}
	for _, p := range c.placeInFlight {
		c.ctx.sc.HappensAfter(d, p)
	}
	d.CommandBuffer().Dispatch(driver.Dispatch{
		Kernel:   driver.KernelZeroCounters,
		Groups:   1,
		Push:     encodeWords([]uint32{compCounterWords}),
		Bindings: []driver.Binding{{Buffer: c.counters}},
	})

	retained := c.retained
	c.retained = nil
	c.state = CompositionResetting
	err = c.ctx.sc.Submit(d, func() {
		if len(retained) > 0 {
			if err := c.ctx.hp.ValidateReleaseHost(handlepool.KindRaster, retained); err != nil {
				Logger().Error("plume: reset raster release failed", "error", err)
			}
		}
		c.state = CompositionReset
		Logger().Debug("plume: composition reset", "released", len(retained))
	})
	return remap(err)
}

// Retain adds a reference.
func (c *Composition) Retain() error {
	if err := c.err(); err != nil {
		return err
	}
	c.refs++
	return nil
}

// Release drops a reference. The last release drains the composition's
// in-flight work, waits for render locks to clear, releases the
// retained rasters, and frees its device buffers.
func (c *Composition) Release() error {
	if c.released {
		return fmt.Errorf("%w: composition", ErrReleased)
	}
	c.refs--
	if c.refs > 0 {
		return nil
	}
	if c.ctx.sc.Lost() == nil && c.lost == nil {
		if err := c.flushPlaces(); err != nil {
			return err
		}
		if err := c.ctx.sc.Drain(); err != nil {
			return remap(err)
		}
	}
	c.teardown()
	return nil
}

// drop releases the reference a render held. Called from completion
// callbacks; the render's own dispatches have already retired, so
// buffers can be freed directly when this was the last reference.
func (c *Composition) drop() {
	c.refs--
	if c.refs == 0 {
		c.teardown()
	}
}

// teardown releases retained rasters and frees device buffers.
func (c *Composition) teardown() {
	if len(c.retained) > 0 && c.ctx.sc.Lost() == nil {
		if err := c.ctx.hp.ValidateReleaseHost(handlepool.KindRaster, c.retained); err != nil {
			Logger().Error("plume: composition release failed", "error", err)
		}
	}
	c.retained = nil
	c.destroyBuffers()
	c.released = true
}

func (c *Composition) destroyBuffers() {
	c.ctx.dev.DestroyBuffer(c.placeBuf)
	c.ctx.dev.DestroyBuffer(c.keys)
	c.ctx.dev.DestroyBuffer(c.counters)
	c.placeBuf, c.keys, c.counters = 0, 0, 0
}
