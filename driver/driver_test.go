package driver

import (
	"errors"
	"testing"
)

func TestKernelString(t *testing.T) {
	tests := []struct {
		k    Kernel
		want string
	}{
		{KernelBlockPoolInit, "block_pool_init"},
		{KernelPathBuild, "path_build"},
		{KernelRasterBuild, "raster_build"},
		{KernelPlace, "place"},
		{KernelSortSegment, "sort_segment"},
		{KernelRender, "render"},
		{KernelReclaim, "reclaim"},
		{KernelZeroCounters, "zero_counters"},
	}
	for _, tt := range tests {
		if got := tt.k.String(); got != tt.want {
			t.Errorf("Kernel(%d).String() = %q, want %q", int(tt.k), got, tt.want)
		}
	}
}

func TestStorageBindingsCoversAllKernels(t *testing.T) {
	for k := Kernel(0); k < KernelCount; k++ {
		if got := StorageBindings(k); got <= 0 {
			t.Errorf("StorageBindings(%s) = %d, want > 0", k, got)
		}
	}
}

func TestCommandBufferRecording(t *testing.T) {
	cb := NewCommandBuffer("test")
	if cb.Label() != "test" {
		t.Errorf("Label() = %q, want %q", cb.Label(), "test")
	}
	cb.Dispatch(Dispatch{
		Kernel:   KernelZeroCounters,
		Groups:   1,
		Bindings: []Binding{{Buffer: 1}},
	})
	cb.Copy(1, 2, 0, 0, 16)
	cb.Dispatch(Dispatch{
		Kernel:   KernelBlockPoolInit,
		Groups:   4,
		Bindings: []Binding{{Buffer: 1}, {Buffer: 2}},
	})

	if got := cb.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
	kernels := cb.Kernels()
	if len(kernels) != 2 || kernels[0] != KernelZeroCounters || kernels[1] != KernelBlockPoolInit {
		t.Errorf("Kernels() = %v, want [zero_counters block_pool_init]", kernels)
	}
	if err := cb.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestCommandBufferValidate(t *testing.T) {
	tests := []struct {
		name string
		d    Dispatch
		want error
	}{
		{
			name: "too few bindings",
			d:    Dispatch{Kernel: KernelReclaim, Groups: 1, Bindings: []Binding{{Buffer: 1}}},
			want: ErrBindingCount,
		},
		{
			name: "too many bindings",
			d: Dispatch{Kernel: KernelZeroCounters, Groups: 1,
				Bindings: []Binding{{Buffer: 1}, {Buffer: 2}}},
			want: ErrBindingCount,
		},
		{
			name: "unknown kernel",
			d:    Dispatch{Kernel: KernelCount, Groups: 1},
			want: ErrMissingKernel,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := NewCommandBuffer("bad")
			cb.Dispatch(tt.d)
			if err := cb.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}
}
