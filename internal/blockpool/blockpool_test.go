package blockpool

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gogpu/plume/driver"
	"github.com/gogpu/plume/driver/drivertest"
	"github.com/gogpu/plume/internal/sched"
)

func newTestPool(t *testing.T, cfg Config) (*Pool, *drivertest.Device, *sched.Scheduler) {
	t.Helper()
	dev := drivertest.New()
	sc := sched.New(dev, sched.Config{})
	p, err := New(dev, sc, cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return p, dev, sc
}

func TestPoolGeometry(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantCount uint32
		wantMask  uint32
	}{
		{
			name:      "exact power of two",
			cfg:       Config{PoolSizeBytes: 128 * 1024, HandleCount: 64, BlockWords: 32},
			wantCount: 1024,
			wantMask:  1023,
		},
		{
			name:      "rounds ring up",
			cfg:       Config{PoolSizeBytes: 100 * 128, HandleCount: 64, BlockWords: 32},
			wantCount: 100,
			wantMask:  127,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, _ := newTestPool(t, tt.cfg)
			if got := p.BlockCount(); got != tt.wantCount {
				t.Errorf("BlockCount() = %d, want %d", got, tt.wantCount)
			}
			if got := p.Mask(); got != tt.wantMask {
				t.Errorf("Mask() = %d, want %d", got, tt.wantMask)
			}
			if got := p.BlockWords(); got != tt.cfg.BlockWords {
				t.Errorf("BlockWords() = %d, want %d", got, tt.cfg.BlockWords)
			}
		})
	}
}

func TestPoolInvalidConfig(t *testing.T) {
	dev := drivertest.New()
	sc := sched.New(dev, sched.Config{})

	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero size", Config{HandleCount: 64, BlockWords: 32}},
		{"zero block words", Config{PoolSizeBytes: 1024, HandleCount: 64}},
		{"zero handles", Config{PoolSizeBytes: 1024, BlockWords: 32}},
		{"smaller than one block", Config{PoolSizeBytes: 16, HandleCount: 64, BlockWords: 32}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(dev, sc, tt.cfg); !errors.Is(err, ErrConfig) {
				t.Errorf("New() error = %v, want ErrConfig", err)
			}
		})
	}
}

func TestPoolSeedDispatch(t *testing.T) {
	p, dev, sc := newTestPool(t, Config{PoolSizeBytes: 64 * 1024, HandleCount: 64, BlockWords: 64})

	if got := dev.KernelDispatches(driver.KernelBlockPoolInit); got != 1 {
		t.Fatalf("KernelDispatches(block_pool_init) = %d, want 1", got)
	}
	if p.InitDispatch() == nil {
		t.Fatal("InitDispatch() = nil")
	}
	if err := sc.Drain(); err != nil {
		t.Fatalf("Drain() error: %v", err)
	}
	if got := p.InitDispatch().State(); got != sched.StateComplete {
		t.Errorf("InitDispatch().State() = %s, want %s", got, sched.StateComplete)
	}
}

func TestReadStatus(t *testing.T) {
	p, dev, sc := newTestPool(t, Config{PoolSizeBytes: 128 * 1024, HandleCount: 64, BlockWords: 32})
	if err := sc.Drain(); err != nil {
		t.Fatalf("Drain() error: %v", err)
	}

	// Simulate the device state after seeding and some allocation: the
	// kernel advanced writes to the block count, allocations advanced reads.
	raw := dev.BufferData(p.Counters())
	le := binary.LittleEndian
	le.PutUint32(raw[0:4], 40)   // reads
	le.PutUint32(raw[4:8], 1024) // writes

	st, err := p.ReadStatus()
	if err != nil {
		t.Fatalf("ReadStatus() error: %v", err)
	}
	if st.BlocksTotal != 1024 {
		t.Errorf("BlocksTotal = %d, want 1024", st.BlocksTotal)
	}
	if st.BlocksAvail != 984 {
		t.Errorf("BlocksAvail = %d, want 984", st.BlocksAvail)
	}
	if st.BlocksInUse != 40 {
		t.Errorf("BlocksInUse = %d, want 40", st.BlocksInUse)
	}
	if st.String() == "" {
		t.Error("String() is empty")
	}
}

func TestPoolDestroy(t *testing.T) {
	p, dev, sc := newTestPool(t, Config{PoolSizeBytes: 64 * 1024, HandleCount: 64, BlockWords: 32})
	if err := sc.Drain(); err != nil {
		t.Fatalf("Drain() error: %v", err)
	}

	if got := dev.BufferCount(); got != 4 {
		t.Fatalf("BufferCount() = %d, want 4", got)
	}
	p.Destroy()
	if got := dev.BufferCount(); got != 0 {
		t.Errorf("BufferCount() after Destroy = %d, want 0", got)
	}
}
