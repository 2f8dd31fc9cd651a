package plume

// Config sizes a context's pools and rings. The zero value of every
// field selects its default, so Config{} is a usable configuration.
type Config struct {
	// BlockPoolSize is the GPU block arena size in bytes.
	// Default 16 MiB. The pool never grows; exhaustion is fatal to the
	// context, so size for the peak working set.
	BlockPoolSize uint64

	// BlockWords is the size of one block in 32-bit words. Default 64.
	BlockWords uint32

	// HandleCount is the number of path/raster handles. Default 65536.
	HandleCount uint32

	// PathRing is the capacity, in command records, of a path
	// builder's staging ring. Default 8192. A single path whose
	// commands exceed this capacity permanently loses its builder.
	PathRing uint32

	// RasterRing is the capacity, in placement records, of a raster
	// builder's staging ring. Default 4096.
	RasterRing uint32

	// PlaceRing is the capacity, in place records, of a composition's
	// staging ring. Default 4096. A single Place batch exceeding it
	// permanently loses the composition.
	PlaceRing uint32

	// StylingWords is the capacity, in 32-bit words, of a styling's
	// command block. Default 4096.
	StylingWords uint32

	// EagerFlush is the number of staged records at which a builder
	// flushes a dispatch without waiting for an explicit flush or
	// seal. Default 256.
	EagerFlush uint32

	// DispatchDepth is the number of simultaneously in-flight
	// dispatches allowed per pipeline stage. Default 4. Exceeding it
	// is the system's sole backpressure mechanism.
	DispatchDepth uint32

	// ReclaimRing is the capacity of the device handle-reclamation
	// ring. Default 256.
	ReclaimRing uint32

	// EagerReclaim flushes a reclamation batch once this many dead
	// handles are staged. Default 32.
	EagerReclaim uint32
}

// Defaults for Config fields.
const (
	DefaultBlockPoolSize = 16 << 20
	DefaultBlockWords    = 64
	DefaultHandleCount   = 1 << 16
	DefaultPathRing      = 8192
	DefaultRasterRing    = 4096
	DefaultPlaceRing     = 4096
	DefaultStylingWords  = 4096
	DefaultEagerFlush    = 256
	DefaultDispatchDepth = 4
)

// withDefaults returns cfg with zero fields replaced by defaults.
func (cfg Config) withDefaults() Config {
	if cfg.BlockPoolSize == 0 {
		cfg.BlockPoolSize = DefaultBlockPoolSize
	}
	if cfg.BlockWords == 0 {
		cfg.BlockWords = DefaultBlockWords
	}
	if cfg.HandleCount == 0 {
		cfg.HandleCount = DefaultHandleCount
	}
	if cfg.PathRing == 0 {
		cfg.PathRing = DefaultPathRing
	}
	if cfg.RasterRing == 0 {
		cfg.RasterRing = DefaultRasterRing
	}
	if cfg.PlaceRing == 0 {
		cfg.PlaceRing = DefaultPlaceRing
	}
	if cfg.StylingWords == 0 {
		cfg.StylingWords = DefaultStylingWords
	}
	if cfg.EagerFlush == 0 {
		cfg.EagerFlush = DefaultEagerFlush
	}
	if cfg.DispatchDepth == 0 {
		cfg.DispatchDepth = DefaultDispatchDepth
	}
	return cfg
}
