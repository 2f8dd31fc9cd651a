package plume

import (
	"fmt"

	"github.com/gogpu/plume/driver"
	"github.com/gogpu/plume/internal/sched"
)

// tileSize is the pixel edge of one render workgroup's tile.
const tileSize = 16

// RenderTarget is the device buffer a render writes into, one 32-bit
// pixel per texel. The caller allocates it with UsageStorage through
// the context's device and owns its lifetime.
type RenderTarget struct {
	Buffer driver.BufferID
	Width  uint32
	Height uint32
}

// Render submits one render dispatch consuming a sealed composition and
// a sealed styling into target. Both objects are retained and locked
// until the dispatch completes, so they can neither be unsealed nor
// destroyed while bound to in-flight render state. A composition that
// is still sealing is accepted; the render is ordered after its seal
// dispatch on the device timeline.
func (c *Context) Render(comp *Composition, sty *Styling, target RenderTarget) error {
	if err := c.err(); err != nil {
		return err
	}
	if err := comp.err(); err != nil {
		return err
	}
	if err := sty.err(); err != nil {
		return err
	}
	if comp.state != CompositionSealing && comp.state != CompositionSealed {
		return fmt.Errorf("%w: render of %s composition", ErrStateInvalid, comp.state)
	}
	if !sty.sealed {
		return fmt.Errorf("%w: render of unsealed styling", ErrStateInvalid)
	}
	if target.Buffer == driver.InvalidBufferID || target.Width == 0 || target.Height == 0 {
		return fmt.Errorf("%w: render target %dx%d", ErrStateInvalid, target.Width, target.Height)
	}

	d, err := c.sc.Acquire(sched.StageRender)
	if err != nil {
		return remap(err)
	}
	c.sc.HappensAfter(d, comp.sealDispatch)

	tilesX := (target.Width + tileSize - 1) / tileSize
	tilesY := (target.Height + tileSize - 1) / tileSize
	d.CommandBuffer().Dispatch(driver.Dispatch{
		Kernel: driver.KernelRender,
		Groups: tilesX * tilesY,
		Push:   encodeWords([]uint32{target.Width, target.Height}),
		Bindings: []driver.Binding{
			{Buffer: comp.keys},
			{Buffer: sty.buf},
			{Buffer: c.bp.Blocks()},
			{Buffer: target.Buffer},
			{Buffer: comp.counters},
		},
	})

	comp.refs++
	comp.locks++
	sty.refs++
	sty.locks++
	err = c.sc.Submit(d, func() {
		comp.locks--
		comp.drop()
		sty.locks--
		sty.drop()
		Logger().Debug("plume: rendered",
			"width", target.Width, "height", target.Height)
	})
	return remap(err)
}
