package plume

import (
	"fmt"

	"github.com/gogpu/plume/driver"
)

// Styling command tags, stored in the first word of each command.
const (
	stylingOpGroup uint32 = 1 + iota // lo layer, hi layer
	stylingOpLayer                   // layer id, word count, then the words
)

// Styling accumulates group and layer commands as raw command words and
// uploads them as one block when sealed. The command encoding is
// interpreted by the render kernel; the host only frames it. Like a
// composition, a sealed styling is locked by in-flight renders and can
// only be unsealed once the locks clear.
type Styling struct {
	ctx *Context

	buf      driver.BufferID
	words    []uint32
	capacity uint32

	sealed bool
	refs   int
	locks  int

	released bool
}

// NewStyling creates an empty, unsealed styling with one reference. The
// command block capacity comes from Config.StylingWords.
func NewStyling(ctx *Context) (*Styling, error) {
	if err := ctx.err(); err != nil {
		return nil, err
	}
	capacity := ctx.cfg.StylingWords
	buf, err := ctx.dev.CreateBuffer("plume_styling",
		uint64(capacity+1)*4,
		driver.UsageStorage|driver.UsageCopyDst)
	if err != nil {
		return nil, remap(err)
	}
	return &Styling{
		ctx:      ctx,
		buf:      buf,
		capacity: capacity,
		refs:     1,
	}, nil
}

// err reports the styling's terminal condition, if any.
func (s *Styling) err() error {
	if s.released {
		return fmt.Errorf("%w: styling", ErrReleased)
	}
	return s.ctx.err()
}

// append stages command words, enforcing the block capacity.
func (s *Styling) append(words ...uint32) error {
	if err := s.err(); err != nil {
		return err
	}
	if s.sealed {
		return fmt.Errorf("%w: styling command on sealed styling", ErrStateSealed)
	}
	if uint32(len(s.words)+len(words)) > s.capacity {
		return fmt.Errorf("%w: styling block of %d words", ErrCapacity, s.capacity)
	}
	s.words = append(s.words, words...)
	return nil
}

// Group opens a styling group covering layers lo through hi inclusive.
func (s *Styling) Group(lo, hi uint32) error {
	return s.append(stylingOpGroup, lo, hi)
}

// Layer attaches raw styling command words to a layer.
func (s *Styling) Layer(layer uint32, cmds []uint32) error {
	words := make([]uint32, 0, 3+len(cmds))
	words = append(words, stylingOpLayer, layer, uint32(len(cmds)))
	words = append(words, cmds...)
	return s.append(words...)
}

// Seal uploads the staged command block to the device. Uploading is
// synchronous; renders submitted afterwards see the sealed block.
// Idempotent while sealed.
func (s *Styling) Seal() error {
	if err := s.err(); err != nil {
		return err
	}
	if s.sealed {
		return nil
	}
	block := make([]uint32, 0, len(s.words)+1)
	block = append(block, uint32(len(s.words)))
	block = append(block, s.words...)
	if err := s.ctx.dev.WriteBuffer(s.buf, 0, encodeWords(block)); err != nil {
		return remap(err)
	}
	s.sealed = true
	return nil
}

// Unseal returns the styling to the unsealed state, blocking until
// every render lock clears. A no-op when not sealed.
func (s *Styling) Unseal() error {
	if err := s.err(); err != nil {
		return err
	}
	if !s.sealed {
		return nil
	}
	for s.locks > 0 {
		if err := s.ctx.sc.Pump(true); err != nil {
			return remap(err)
		}
	}
	s.sealed = false
	return nil
}

// Reset discards the staged commands. Legal only while unsealed.
func (s *Styling) Reset() error {
	if err := s.err(); err != nil {
		return err
	}
	if s.sealed {
		return fmt.Errorf("%w: reset on sealed styling", ErrStateSealed)
	}
	s.words = s.words[:0]
	return nil
}

// Retain adds a reference.
func (s *Styling) Retain() error {
	if err := s.err(); err != nil {
		return err
	}
	s.refs++
	return nil
}

// Release drops a reference. The last release waits for render locks to
// clear and frees the device buffer.
func (s *Styling) Release() error {
	if s.released {
		return fmt.Errorf("%w: styling", ErrReleased)
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	if s.ctx.sc.Lost() == nil {
		for s.locks > 0 {
			if err := s.ctx.sc.Pump(true); err != nil {
				return remap(err)
			}
		}
	}
	s.teardown()
	return nil
}

// drop releases the reference a render held. Called from completion
// callbacks.
func (s *Styling) drop() {
	s.refs--
	if s.refs == 0 {
		s.teardown()
	}
}

func (s *Styling) teardown() {
	s.ctx.dev.DestroyBuffer(s.buf)
	s.buf = 0
	s.released = true
}
