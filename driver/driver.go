// Package driver defines the narrow graphics-compute device interface the
// plume scheduler runs against, together with a HAL-backed implementation
// over gogpu/wgpu. The interface is deliberately small: buffer lifecycle,
// command recording, ordered submission, and completion polling. Everything
// else (instance/adapter bootstrap, swapchains, textures) stays outside.
package driver

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors reported by device implementations.
var (
	// ErrDeviceLost indicates an unrecoverable device or submission failure.
	// Once returned, every subsequent operation on the device fails.
	ErrDeviceLost = errors.New("driver: device lost")

	// ErrInvalidBuffer indicates an operation referenced an unknown or
	// destroyed buffer.
	ErrInvalidBuffer = errors.New("driver: invalid buffer")

	// ErrMissingKernel indicates a kernel source was not supplied at init.
	ErrMissingKernel = errors.New("driver: missing kernel source")

	// ErrBindingCount indicates a dispatch bound the wrong number of
	// buffers for its kernel.
	ErrBindingCount = errors.New("driver: binding count mismatch")
)

// BufferID identifies a device buffer. The zero value is invalid.
type BufferID uint64

// InvalidBufferID is the zero, never-allocated buffer ID.
const InvalidBufferID BufferID = 0

// SubmitID is the timeline value assigned to a submission. Values increase
// monotonically per device; the zero value is invalid. A submission with a
// lower ID never depends on one with a higher ID.
type SubmitID uint64

// BufferUsage is a bitmask of buffer capabilities.
type BufferUsage uint32

const (
	// UsageStorage marks a buffer bindable as kernel storage.
	UsageStorage BufferUsage = 1 << iota
	// UsageUniform marks a buffer bindable as a uniform.
	UsageUniform
	// UsageCopySrc allows the buffer as a copy/readback source.
	UsageCopySrc
	// UsageCopyDst allows host writes and copies into the buffer.
	UsageCopyDst
)

// Kernel identifies one of the fixed compute kernels the scheduler invokes.
// Kernel logic is supplied by the embedding application as WGSL source; the
// driver only knows each kernel's binding shape.
type Kernel int

const (
	// KernelBlockPoolInit seeds the device-side free-block ring.
	KernelBlockPoolInit Kernel = iota

	// KernelPathBuild materializes staged path commands into block chains.
	KernelPathBuild

	// KernelRasterBuild rasterizes paths into raster block chains.
	KernelRasterBuild

	// KernelPlace expands placed rasters into composition keys.
	KernelPlace

	// KernelSortSegment sorts and segments composition keys for rendering.
	KernelSortSegment

	// KernelRender walks sorted keys and styling to produce the target.
	KernelRender

	// KernelReclaim returns the block chains of dead handles to the free
	// ring.
	KernelReclaim

	// KernelZeroCounters zeroes device-side counters of a builder.
	KernelZeroCounters

	// KernelCount is the number of kernels.
	KernelCount
)

// String returns the kernel's shader entry name.
func (k Kernel) String() string {
	switch k {
	case KernelBlockPoolInit:
		return "block_pool_init"
	case KernelPathBuild:
		return "path_build"
	case KernelRasterBuild:
		return "raster_build"
	case KernelPlace:
		return "place"
	case KernelSortSegment:
		return "sort_segment"
	case KernelRender:
		return "render"
	case KernelReclaim:
		return "reclaim"
	case KernelZeroCounters:
		return "zero_counters"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// kernelStorageBindings is the number of storage-buffer bindings each kernel
// declares after the push-data uniform at binding 0. The WGSL sources the
// application supplies must match.
var kernelStorageBindings = [KernelCount]int{
	KernelBlockPoolInit: 2,
	KernelPathBuild:     5,
	KernelRasterBuild:   5,
	KernelPlace:         4,
	KernelSortSegment:   3,
	KernelRender:        5,
	KernelReclaim:       5,
	KernelZeroCounters:  1,
}

// StorageBindings returns the number of storage bindings k declares.
func StorageBindings(k Kernel) int { return kernelStorageBindings[k] }

// KernelSources maps each kernel to its WGSL source text.
type KernelSources map[Kernel]string

// Binding references a buffer range bound to a kernel storage slot.
// A zero Size binds the whole buffer.
type Binding struct {
	Buffer BufferID
	Offset uint64
	Size   uint64
}

// Dispatch is one kernel invocation: workgroup count, push data uploaded as
// the binding-0 uniform, and the storage buffers bound in declaration order.
type Dispatch struct {
	Kernel   Kernel
	Groups   uint32
	Push     []byte
	Bindings []Binding
}

// Device is the compute device the scheduler drives. Implementations are
// not safe for concurrent use; plume mutates a device from a single host
// thread only.
type Device interface {
	// CreateBuffer allocates a device buffer.
	CreateBuffer(label string, size uint64, usage BufferUsage) (BufferID, error)

	// DestroyBuffer releases a buffer. Destroying InvalidBufferID is a no-op.
	DestroyBuffer(id BufferID)

	// WriteBuffer copies data into a buffer before the next submission.
	WriteBuffer(id BufferID, offset uint64, data []byte) error

	// ReadBuffer synchronously reads a buffer range back to the host. It
	// waits for in-flight work touching the buffer; callers drain first.
	ReadBuffer(id BufferID, offset uint64, dst []byte) error

	// Submit enqueues a recorded command buffer. Execution begins only
	// after every submission in waits has completed. Waits must reference
	// already-submitted work.
	Submit(cb *CommandBuffer, waits []SubmitID) (SubmitID, error)

	// Poll returns the submissions retired since the previous call, in the
	// order the device completed them. It never blocks.
	Poll() ([]SubmitID, error)

	// WaitAny blocks until at least one outstanding submission retires or
	// the timeout elapses, then drains like Poll.
	WaitAny(timeout time.Duration) ([]SubmitID, error)

	// WaitIdle blocks until every outstanding submission has retired.
	// Retired IDs remain observable through the next Poll.
	WaitIdle() error

	// Destroy releases the device's resources. Buffers and in-flight work
	// must be torn down first.
	Destroy()
}

// =============================================================================
// CommandBuffer
// =============================================================================

// commandKind discriminates recorded commands.
type commandKind int

const (
	cmdDispatch commandKind = iota
	cmdCopy
)

// command is one recorded operation.
type command struct {
	kind     commandKind
	dispatch Dispatch
	copyArgs copyArgs
}

type copyArgs struct {
	src, dst           BufferID
	srcOff, dstOff, sz uint64
}

// CommandBuffer is a host-side recording of kernel dispatches and copies.
// Recording is plain slice appends; the device encodes and executes the
// commands at Submit. A command buffer is single-use.
type CommandBuffer struct {
	label string
	cmds  []command
}

// NewCommandBuffer returns an empty recording with a debug label.
func NewCommandBuffer(label string) *CommandBuffer {
	return &CommandBuffer{label: label}
}

// Label returns the debug label.
func (cb *CommandBuffer) Label() string { return cb.label }

// Len returns the number of recorded commands.
func (cb *CommandBuffer) Len() int { return len(cb.cmds) }

// Dispatch records a kernel invocation.
func (cb *CommandBuffer) Dispatch(d Dispatch) {
	cb.cmds = append(cb.cmds, command{kind: cmdDispatch, dispatch: d})
}

// Copy records a buffer-to-buffer copy.
func (cb *CommandBuffer) Copy(src, dst BufferID, srcOff, dstOff, size uint64) {
	cb.cmds = append(cb.cmds, command{
		kind:     cmdCopy,
		copyArgs: copyArgs{src: src, dst: dst, srcOff: srcOff, dstOff: dstOff, sz: size},
	})
}

// Kernels returns the kernels of the recorded dispatches, in order.
func (cb *CommandBuffer) Kernels() []Kernel {
	var ks []Kernel
	for i := range cb.cmds {
		if cb.cmds[i].kind == cmdDispatch {
			ks = append(ks, cb.cmds[i].dispatch.Kernel)
		}
	}
	return ks
}

// Validate checks every dispatch against its kernel's binding shape.
func (cb *CommandBuffer) Validate() error {
	for i := range cb.cmds {
		c := &cb.cmds[i]
		if c.kind != cmdDispatch {
			continue
		}
		k := c.dispatch.Kernel
		if k < 0 || k >= KernelCount {
			return fmt.Errorf("%w: kernel %d", ErrMissingKernel, int(k))
		}
		if len(c.dispatch.Bindings) != kernelStorageBindings[k] {
			return fmt.Errorf("%w: kernel %s has %d bindings, want %d",
				ErrBindingCount, k, len(c.dispatch.Bindings), kernelStorageBindings[k])
		}
	}
	return nil
}
