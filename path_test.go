package plume

import (
	"errors"
	"testing"

	"github.com/gogpu/plume/driver"
)

func TestPathBuilderLifecycle(t *testing.T) {
	ctx, dev := newTestContext(t, Config{})
	pb, err := NewPathBuilder(ctx)
	if err != nil {
		t.Fatalf("NewPathBuilder() error: %v", err)
	}

	if err := pb.Begin(); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	if err := pb.MoveTo(0, 0); err != nil {
		t.Fatalf("MoveTo() error: %v", err)
	}
	if err := pb.LineTo(10, 0); err != nil {
		t.Fatalf("LineTo() error: %v", err)
	}
	if err := pb.QuadTo(15, 5, 10, 10); err != nil {
		t.Fatalf("QuadTo() error: %v", err)
	}
	if err := pb.CubicTo(5, 15, 0, 15, 0, 10); err != nil {
		t.Fatalf("CubicTo() error: %v", err)
	}
	p, err := pb.End()
	if err != nil {
		t.Fatalf("End() error: %v", err)
	}

	// Staged, not yet dispatched.
	if got := dev.KernelDispatches(driver.KernelPathBuild); got != 0 {
		t.Fatalf("KernelDispatches(path_build) = %d, want 0 before flush", got)
	}
	if err := pb.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	if got := dev.KernelDispatches(driver.KernelPathBuild); got != 1 {
		t.Fatalf("KernelDispatches(path_build) = %d, want 1", got)
	}
	if err := ctx.sc.Drain(); err != nil {
		t.Fatalf("Drain() error: %v", err)
	}

	// The path stays valid after its builder goes away.
	if err := pb.Release(); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if err := ctx.RetainPaths([]Path{p}); err != nil {
		t.Errorf("RetainPaths() error: %v", err)
	}
	if err := ctx.ReleasePaths([]Path{p}); err != nil {
		t.Errorf("ReleasePaths() error: %v", err)
	}
}

func TestPathCommandOutsidePath(t *testing.T) {
	ctx, _ := newTestContext(t, Config{})
	pb, err := NewPathBuilder(ctx)
	if err != nil {
		t.Fatalf("NewPathBuilder() error: %v", err)
	}

	if err := pb.MoveTo(0, 0); !errors.Is(err, ErrStateInvalid) {
		t.Errorf("MoveTo() without Begin error = %v, want ErrStateInvalid", err)
	}
	if _, err := pb.End(); !errors.Is(err, ErrStateInvalid) {
		t.Errorf("End() without Begin error = %v, want ErrStateInvalid", err)
	}
	if err := pb.Begin(); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	if err := pb.Begin(); !errors.Is(err, ErrStateInvalid) {
		t.Errorf("nested Begin() error = %v, want ErrStateInvalid", err)
	}
}

func TestPathBuilderEagerFlush(t *testing.T) {
	ctx, dev := newTestContext(t, Config{EagerFlush: 4})
	pb, err := NewPathBuilder(ctx)
	if err != nil {
		t.Fatalf("NewPathBuilder() error: %v", err)
	}

	// Each one-command path stages two records (header plus command);
	// the second path crosses the threshold of 4.
	for i := 0; i < 2; i++ {
		if err := pb.Begin(); err != nil {
			t.Fatalf("Begin(%d) error: %v", i, err)
		}
		if err := pb.MoveTo(float32(i), 0); err != nil {
			t.Fatalf("MoveTo(%d) error: %v", i, err)
		}
		if _, err := pb.End(); err != nil {
			t.Fatalf("End(%d) error: %v", i, err)
		}
	}
	if got := dev.KernelDispatches(driver.KernelPathBuild); got != 1 {
		t.Errorf("KernelDispatches(path_build) = %d, want 1 (eager flush)", got)
	}
}

func TestPathBuilderLost(t *testing.T) {
	ctx, _ := newTestContext(t, Config{PathRing: 8})
	pb, err := NewPathBuilder(ctx)
	if err != nil {
		t.Fatalf("NewPathBuilder() error: %v", err)
	}

	if err := pb.Begin(); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	// 8 commands plus the header exceed the ring of 8.
	for i := 0; i < 8; i++ {
		if err := pb.LineTo(float32(i), 0); err != nil {
			t.Fatalf("LineTo(%d) error: %v", i, err)
		}
	}
	if _, err := pb.End(); !errors.Is(err, ErrProducerLost) {
		t.Fatalf("End() error = %v, want ErrProducerLost", err)
	}

	// The builder is terminally lost; the context is not.
	if err := pb.Begin(); !errors.Is(err, ErrProducerLost) {
		t.Errorf("Begin() on lost builder error = %v, want ErrProducerLost", err)
	}
	if _, err := ctx.Status(); err != nil {
		t.Errorf("Status() error: %v (context must survive a lost builder)", err)
	}

	// The lost path's handle is reclaimed once the pool flushes.
	if err := ctx.hp.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	if err := ctx.sc.Drain(); err != nil {
		t.Fatalf("Drain() error: %v", err)
	}
	if got := ctx.hp.FreeCount(); got != 64 {
		t.Errorf("FreeCount() = %d, want 64", got)
	}
}

func TestPathBuilderRelease(t *testing.T) {
	ctx, dev := newTestContext(t, Config{})
	pb, err := NewPathBuilder(ctx)
	if err != nil {
		t.Fatalf("NewPathBuilder() error: %v", err)
	}
	before := dev.BufferCount()

	// An open path is abandoned by Release.
	if err := pb.Begin(); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	if err := pb.Release(); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if got := dev.BufferCount(); got != before-1 {
		t.Errorf("BufferCount() = %d, want %d", got, before-1)
	}
	if err := pb.Begin(); !errors.Is(err, ErrReleased) {
		t.Errorf("Begin() after release error = %v, want ErrReleased", err)
	}

	if err := ctx.hp.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	if err := ctx.sc.Drain(); err != nil {
		t.Fatalf("Drain() error: %v", err)
	}
	if got := ctx.hp.FreeCount(); got != 64 {
		t.Errorf("FreeCount() = %d, want 64 (abandoned handle reclaimed)", got)
	}
}
