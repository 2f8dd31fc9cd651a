package plume

import (
	"errors"
	"testing"

	"github.com/gogpu/plume/driver"
)

// buildPath stages one small path on pb without flushing it.
func buildPath(t *testing.T, pb *PathBuilder) Path {
	t.Helper()
	if err := pb.Begin(); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	if err := pb.MoveTo(0, 0); err != nil {
		t.Fatalf("MoveTo() error: %v", err)
	}
	if err := pb.LineTo(1, 1); err != nil {
		t.Fatalf("LineTo() error: %v", err)
	}
	p, err := pb.End()
	if err != nil {
		t.Fatalf("End() error: %v", err)
	}
	return p
}

func TestRasterBuilderForcesPathFlush(t *testing.T) {
	ctx, dev := newTestContext(t, Config{})
	pb, err := NewPathBuilder(ctx)
	if err != nil {
		t.Fatalf("NewPathBuilder() error: %v", err)
	}
	rb, err := NewRasterBuilder(ctx)
	if err != nil {
		t.Fatalf("NewRasterBuilder() error: %v", err)
	}

	p := buildPath(t, pb)
	if got := dev.KernelDispatches(driver.KernelPathBuild); got != 0 {
		t.Fatalf("KernelDispatches(path_build) = %d, want 0 before consumption", got)
	}

	if err := rb.Begin(); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	if err := rb.Add(p, Identity()); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if _, err := rb.End(); err != nil {
		t.Fatalf("End() error: %v", err)
	}
	if err := rb.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	// Consuming the path forced its producer to flush, and the
	// rasterization waits on the path build.
	if got := dev.KernelDispatches(driver.KernelPathBuild); got != 1 {
		t.Fatalf("KernelDispatches(path_build) = %d, want 1 (forced by consumer)", got)
	}
	subs := dev.Submissions()
	var pathID, rasterID driver.SubmitID
	var rasterWaits []driver.SubmitID
	for _, s := range subs {
		switch s.Label {
		case "path":
			pathID = s.ID
		case "raster":
			rasterID = s.ID
			rasterWaits = s.Waits
		}
	}
	if pathID == 0 || rasterID == 0 {
		t.Fatalf("missing path/raster submissions: %+v", subs)
	}
	found := false
	for _, w := range rasterWaits {
		if w == pathID {
			found = true
		}
	}
	if !found {
		t.Errorf("raster waits = %v, want to contain path submission %d", rasterWaits, pathID)
	}

	if err := ctx.sc.Drain(); err != nil {
		t.Fatalf("Drain() error: %v", err)
	}
}

func TestRasterAddInvalidPath(t *testing.T) {
	ctx, _ := newTestContext(t, Config{})
	rb, err := NewRasterBuilder(ctx)
	if err != nil {
		t.Fatalf("NewRasterBuilder() error: %v", err)
	}

	if err := rb.Begin(); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	if err := rb.Add(Path{id: 50}, Identity()); !errors.Is(err, ErrHandleInvalid) {
		t.Errorf("Add(free handle) error = %v, want ErrHandleInvalid", err)
	}
	if err := rb.Add(Path{id: 9999}, Identity()); !errors.Is(err, ErrHandleInvalid) {
		t.Errorf("Add(out of range) error = %v, want ErrHandleInvalid", err)
	}
}

// TestRasterHoldsPathUntilComplete verifies a consumed path is not
// reclaimed while the rasterization dispatch still references it.
func TestRasterHoldsPathUntilComplete(t *testing.T) {
	ctx, dev := newTestContext(t, Config{EagerReclaim: 1})
	pb, err := NewPathBuilder(ctx)
	if err != nil {
		t.Fatalf("NewPathBuilder() error: %v", err)
	}
	rb, err := NewRasterBuilder(ctx)
	if err != nil {
		t.Fatalf("NewRasterBuilder() error: %v", err)
	}
	if err := ctx.sc.Drain(); err != nil {
		t.Fatalf("Drain() error: %v", err)
	}
	dev.AutoComplete = false

	p := buildPath(t, pb)
	if err := rb.Begin(); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	if err := rb.Add(p, Identity()); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	r, err := rb.End()
	if err != nil {
		t.Fatalf("End() error: %v", err)
	}
	if err := rb.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	// Drop the host references; device references keep both alive.
	if err := ctx.ReleasePaths([]Path{p}); err != nil {
		t.Fatalf("ReleasePaths() error: %v", err)
	}
	if err := ctx.ReleaseRasters([]Raster{r}); err != nil {
		t.Fatalf("ReleaseRasters() error: %v", err)
	}
	if got := dev.KernelDispatches(driver.KernelReclaim); got != 0 {
		t.Fatalf("KernelDispatches(reclaim) = %d, want 0 while referenced", got)
	}

	dev.OnWait = func() { dev.CompleteAll() }
	if err := ctx.hp.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	if err := ctx.sc.Drain(); err != nil {
		t.Fatalf("Drain() error: %v", err)
	}
	if got := ctx.hp.FreeCount(); got != 64 {
		t.Errorf("FreeCount() = %d, want 64 after reclamation", got)
	}
}
