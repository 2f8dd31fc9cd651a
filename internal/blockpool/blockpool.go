// Package blockpool manages the GPU-resident arena of fixed-size blocks
// that backs every path and raster. The host allocates the arena, a
// power-of-two ring of free block ids, a handle-to-block map, and a small
// counters buffer, then issues a single seeding dispatch; from then on
// block allocation and chaining happen entirely on the device. The pool
// never grows: exhaustion is fatal to the context and is avoided by
// capacity planning.
package blockpool

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gogpu/plume/driver"
	"github.com/gogpu/plume/internal/ring"
	"github.com/gogpu/plume/internal/sched"
)

// ErrConfig indicates invalid pool geometry.
var ErrConfig = errors.New("blockpool: invalid configuration")

// wgSize is the workgroup size of the seeding kernel.
const wgSize = 256

// counterWords is the size of the device counters buffer: reads and writes
// cursors of the free-id ring, plus two scratch words kernels use for
// transient atomics.
const counterWords = 4

// Config describes pool geometry.
type Config struct {
	// PoolSizeBytes is the total arena size.
	PoolSizeBytes uint64

	// HandleCount sizes the handle-to-block map.
	HandleCount uint32

	// BlockWords is the size of one block in 32-bit words.
	BlockWords uint32
}

// Pool is the host-side view of the device block arena.
type Pool struct {
	dev driver.Device

	blocks    driver.BufferID // arena
	ids       driver.BufferID // free block id ring
	handleMap driver.BufferID // handle -> head block
	counters  driver.BufferID // ring cursors

	blockCount uint32
	mask       uint32
	blockWords uint32

	initDispatch *sched.Dispatch
}

// New allocates the device buffers and issues the seeding dispatch. The
// dispatch completes asynchronously; work on the same device queue is
// ordered after it, and callers needing an explicit dependency use
// InitDispatch.
func New(dev driver.Device, sc *sched.Scheduler, cfg Config) (*Pool, error) {
	if cfg.PoolSizeBytes == 0 || cfg.BlockWords == 0 || cfg.HandleCount == 0 {
		return nil, fmt.Errorf("%w: %+v", ErrConfig, cfg)
	}
	blockBytes := uint64(cfg.BlockWords) * 4
	blockCount := cfg.PoolSizeBytes / blockBytes
	if blockCount == 0 || blockCount > 1<<27 {
		return nil, fmt.Errorf("%w: %d blocks", ErrConfig, blockCount)
	}

	p := &Pool{
		dev:        dev,
		blockCount: uint32(blockCount),
		mask:       ring.NextPow2(uint32(blockCount)) - 1,
		blockWords: cfg.BlockWords,
	}

	var err error
	if p.blocks, err = dev.CreateBuffer("plume_blocks", blockCount*blockBytes, driver.UsageStorage); err != nil {
		return nil, err
	}
	idsBytes := uint64(p.mask+1) * 4
	if p.ids, err = dev.CreateBuffer("plume_block_ids", idsBytes, driver.UsageStorage); err != nil {
		p.Destroy()
		return nil, err
	}
	if p.handleMap, err = dev.CreateBuffer("plume_handle_map", uint64(cfg.HandleCount)*4, driver.UsageStorage); err != nil {
		p.Destroy()
		return nil, err
	}
	if p.counters, err = dev.CreateBuffer("plume_block_counters", counterWords*4,
		driver.UsageStorage|driver.UsageCopySrc|driver.UsageCopyDst); err != nil {
		p.Destroy()
		return nil, err
	}
	// Cursors start zeroed; the seeding kernel advances writes.
	if err = dev.WriteBuffer(p.counters, 0, make([]byte, counterWords*4)); err != nil {
		p.Destroy()
		return nil, err
	}

	d, err := sc.Acquire(sched.StageInit)
	if err != nil {
		p.Destroy()
		return nil, err
	}
	d.CommandBuffer().Dispatch(driver.Dispatch{
		Kernel: driver.KernelBlockPoolInit,
		Groups: (p.blockCount + wgSize - 1) / wgSize,
		Push:   p.initPush(),
		Bindings: []driver.Binding{
			{Buffer: p.ids},
			{Buffer: p.counters},
		},
	})
	count := p.blockCount
	if err := sc.Submit(d, func() {
		slogger().Debug("blockpool: seeded", "blocks", count)
	}); err != nil {
		p.Destroy()
		return nil, err
	}
	p.initDispatch = d

	slogger().Info("blockpool: created",
		"blocks", p.blockCount,
		"block_words", p.blockWords,
		"ring_mask", p.mask,
		"arena_bytes", blockCount*blockBytes)
	return p, nil
}

// initPush encodes the seeding kernel's push data: block count and ring
// mask as consecutive u32.
func (p *Pool) initPush() []byte {
	buf := make([]byte, 8)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], p.blockCount)
	le.PutUint32(buf[4:8], p.mask)
	return buf
}

// BlockCount returns the number of blocks in the arena.
func (p *Pool) BlockCount() uint32 { return p.blockCount }

// Mask returns the free-id ring mask exposed to kernels.
func (p *Pool) Mask() uint32 { return p.mask }

// BlockWords returns the block size in 32-bit words.
func (p *Pool) BlockWords() uint32 { return p.blockWords }

// Blocks returns the arena buffer for kernel binding.
func (p *Pool) Blocks() driver.BufferID { return p.blocks }

// IDs returns the free-id ring buffer for kernel binding.
func (p *Pool) IDs() driver.BufferID { return p.ids }

// HandleMap returns the handle-to-block map buffer for kernel binding.
func (p *Pool) HandleMap() driver.BufferID { return p.handleMap }

// Counters returns the ring cursors buffer for kernel binding.
func (p *Pool) Counters() driver.BufferID { return p.counters }

// InitDispatch returns the seeding dispatch, for explicit ordering.
func (p *Pool) InitDispatch() *sched.Dispatch { return p.initDispatch }

// Status is a snapshot of block pool utilization.
type Status struct {
	BlocksTotal uint32
	BlocksAvail uint32
	BlocksInUse uint32

	// Reads and Writes are the raw free-id ring cursors.
	Reads  uint32
	Writes uint32
}

// String returns a human-readable summary.
func (s Status) String() string {
	return fmt.Sprintf("blocks: %d/%d in use (%d avail, reads=%d writes=%d)",
		s.BlocksInUse, s.BlocksTotal, s.BlocksAvail, s.Reads, s.Writes)
}

// ReadStatus reads the device-side cursors back to the host. The caller
// must drain in-flight work first; the readback itself only synchronizes
// the copy.
func (p *Pool) ReadStatus() (Status, error) {
	raw := make([]byte, counterWords*4)
	if err := p.dev.ReadBuffer(p.counters, 0, raw); err != nil {
		return Status{}, fmt.Errorf("blockpool: read counters: %w", err)
	}
	le := binary.LittleEndian
	st := Status{
		BlocksTotal: p.blockCount,
		Reads:       le.Uint32(raw[0:4]),
		Writes:      le.Uint32(raw[4:8]),
	}
	st.BlocksAvail = st.Writes - st.Reads
	st.BlocksInUse = st.BlocksTotal - st.BlocksAvail
	return st, nil
}

// Destroy releases the pool's device buffers.
func (p *Pool) Destroy() {
	p.dev.DestroyBuffer(p.blocks)
	p.dev.DestroyBuffer(p.ids)
	p.dev.DestroyBuffer(p.handleMap)
	p.dev.DestroyBuffer(p.counters)
	p.blocks, p.ids, p.handleMap, p.counters = 0, 0, 0, 0
}
