package plume

import (
	"fmt"

	"github.com/gogpu/plume/driver"
	"github.com/gogpu/plume/internal/blockpool"
	"github.com/gogpu/plume/internal/handlepool"
	"github.com/gogpu/plume/internal/sched"
)

// Context owns a device, the block and handle pools, and the dispatch
// scheduler. One context serves one device; all its methods and the
// methods of every builder created from it must be driven from a single
// host thread.
type Context struct {
	dev        driver.Device
	ownsDevice bool

	sc *sched.Scheduler
	bp *blockpool.Pool
	hp *handlepool.Pool

	cfg      Config
	released bool
}

// NewContext builds a context over dev. The caller keeps ownership of
// dev: Release tears down the pools but leaves the device alive.
func NewContext(dev driver.Device, cfg Config) (*Context, error) {
	cfg = cfg.withDefaults()

	var depth [sched.StageCount]uint32
	for i := range depth {
		depth[i] = cfg.DispatchDepth
	}
	sc := sched.New(dev, sched.Config{Depth: depth})

	bp, err := blockpool.New(dev, sc, blockpool.Config{
		PoolSizeBytes: cfg.BlockPoolSize,
		HandleCount:   cfg.HandleCount,
		BlockWords:    cfg.BlockWords,
	})
	if err != nil {
		return nil, remap(err)
	}
	hp, err := handlepool.New(dev, sc, bp, handlepool.Config{
		Count:        cfg.HandleCount,
		ReclaimRing:  cfg.ReclaimRing,
		EagerReclaim: cfg.EagerReclaim,
	})
	if err != nil {
		bp.Destroy()
		return nil, remap(err)
	}

	Logger().Info("plume: context created",
		"block_pool_bytes", cfg.BlockPoolSize,
		"block_words", cfg.BlockWords,
		"handles", cfg.HandleCount)
	return &Context{
		dev: dev,
		sc:  sc,
		bp:  bp,
		hp:  hp,
		cfg: cfg,
	}, nil
}

// NewStandalone opens the default adapter through the HAL driver and
// builds a context that owns the resulting device. The kernel sources
// are compiled at init.
func NewStandalone(sources driver.KernelSources, cfg Config) (*Context, error) {
	dev, err := driver.NewStandalone(sources)
	if err != nil {
		return nil, remap(err)
	}
	c, err := NewContext(dev, cfg)
	if err != nil {
		dev.Destroy()
		return nil, err
	}
	c.ownsDevice = true
	return c, nil
}

// err reports the context's terminal condition, if any.
func (c *Context) err() error {
	if c.released {
		return fmt.Errorf("%w: context", ErrReleased)
	}
	if err := c.sc.Lost(); err != nil {
		return remap(err)
	}
	return nil
}

// Device returns the underlying device, for allocating render targets
// and auxiliary buffers.
func (c *Context) Device() driver.Device { return c.dev }

// RetainPaths adds one host reference to every path in the batch.
// Validation is all-or-nothing: an invalid handle anywhere in the batch
// leaves every count unchanged.
func (c *Context) RetainPaths(paths []Path) error {
	if err := c.err(); err != nil {
		return err
	}
	return remap(c.hp.ValidateRetainHost(pathIDs(paths)))
}

// ReleasePaths drops one host reference from every path in the batch,
// with the same all-or-nothing validation as RetainPaths. Paths whose
// references reach zero are reclaimed asynchronously.
func (c *Context) ReleasePaths(paths []Path) error {
	if err := c.err(); err != nil {
		return err
	}
	return remap(c.hp.ValidateReleaseHost(handlepool.KindPath, pathIDs(paths)))
}

// RetainRasters adds one host reference to every raster in the batch.
func (c *Context) RetainRasters(rasters []Raster) error {
	if err := c.err(); err != nil {
		return err
	}
	return remap(c.hp.ValidateRetainHost(rasterIDs(rasters)))
}

// ReleaseRasters drops one host reference from every raster in the
// batch.
func (c *Context) ReleaseRasters(rasters []Raster) error {
	if err := c.err(); err != nil {
		return err
	}
	return remap(c.hp.ValidateReleaseHost(handlepool.KindRaster, rasterIDs(rasters)))
}

// Status is a snapshot of context resource utilization.
type Status struct {
	BlocksTotal uint32
	BlocksAvail uint32
	BlocksInUse uint32

	HandlesTotal uint32
	HandlesFree  uint32
}

// String returns a human-readable summary.
func (s Status) String() string {
	return fmt.Sprintf("blocks %d/%d in use, handles %d/%d free",
		s.BlocksInUse, s.BlocksTotal, s.HandlesFree, s.HandlesTotal)
}

// Status drains all in-flight work, then reads the block pool counters
// back from the device. Builders with unflushed work must be flushed or
// sealed first.
func (c *Context) Status() (Status, error) {
	if err := c.err(); err != nil {
		return Status{}, err
	}
	if err := c.hp.Flush(); err != nil {
		return Status{}, remap(err)
	}
	if err := c.sc.Drain(); err != nil {
		return Status{}, remap(err)
	}
	bst, err := c.bp.ReadStatus()
	if err != nil {
		return Status{}, remap(err)
	}
	return Status{
		BlocksTotal:  bst.BlocksTotal,
		BlocksAvail:  bst.BlocksAvail,
		BlocksInUse:  bst.BlocksInUse,
		HandlesTotal: c.hp.Count(),
		HandlesFree:  c.hp.FreeCount(),
	}, nil
}

// Release drains in-flight work and frees the context's device
// resources. Builders and compositions created from the context must be
// released first. The device itself is destroyed only when the context
// was created through NewStandalone.
func (c *Context) Release() error {
	if c.released {
		return fmt.Errorf("%w: context", ErrReleased)
	}
	if c.sc.Lost() == nil {
		if err := c.hp.Flush(); err != nil {
			Logger().Error("plume: release flush failed", "error", err)
		}
		if err := c.sc.Drain(); err != nil {
			Logger().Error("plume: release drain failed", "error", err)
		}
	}
	c.hp.Destroy()
	c.bp.Destroy()
	if c.ownsDevice {
		c.dev.Destroy()
	}
	c.released = true
	Logger().Info("plume: context released")
	return nil
}
