// hal.go implements Device over the gogpu/wgpu hardware abstraction layer.
// Kernel WGSL sources are compiled to SPIR-V with naga at construction, one
// compute pipeline per kernel. Submissions signal a single timeline fence
// with monotonically increasing values; Poll retires them in order.

package driver

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// halFenceTimeout is the maximum time WaitIdle waits for the GPU.
const halFenceTimeout = 5 * time.Second

// pushBufferAlign pads push-data uniform buffers to a minimum size so empty
// push blocks still bind.
const pushBufferAlign = 16

// HAL is a Device backed by a hal.Device/hal.Queue pair.
type HAL struct {
	device hal.Device
	queue  hal.Queue

	// instance is non-nil only for standalone devices created by
	// NewStandalone; Destroy tears it down along with the device.
	instance hal.Instance
	ownsDev  bool

	pipelines [KernelCount]hal.ComputePipeline
	layouts   [KernelCount]hal.PipelineLayout
	bgLayouts [KernelCount]hal.BindGroupLayout
	modules   [KernelCount]hal.ShaderModule

	buffers map[BufferID]hal.Buffer
	nextBuf uint64

	fence      hal.Fence
	lastSubmit SubmitID
	pending    []halPending
	retired    []SubmitID

	lost error
}

// Interface compliance check.
var _ Device = (*HAL)(nil)

// halPending tracks the transient resources of one in-flight submission.
type halPending struct {
	id         SubmitID
	cmdBuf     hal.CommandBuffer
	bindGroups []hal.BindGroup
	pushBufs   []hal.Buffer
}

// NewHAL wraps an existing HAL device and queue. The caller keeps ownership
// of both; Destroy releases only resources this driver created. Sources must
// provide WGSL for every kernel.
func NewHAL(device hal.Device, queue hal.Queue, sources KernelSources) (*HAL, error) {
	h := &HAL{
		device:  device,
		queue:   queue,
		buffers: make(map[BufferID]hal.Buffer),
	}

	fence, err := device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("driver: create fence: %w", err)
	}
	h.fence = fence

	if err := h.initPipelines(sources); err != nil {
		device.DestroyFence(fence)
		return nil, err
	}
	return h, nil
}

// NewStandalone creates a HAL device on the first available Vulkan adapter.
// This is the path for compute-only use without an embedding application
// providing a shared device.
func NewStandalone(sources KernelSources) (*HAL, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("driver: vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("driver: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("driver: no GPU adapters found")
	}

	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("driver: open device: %w", err)
	}

	h, err := NewHAL(openDev.Device, openDev.Queue, sources)
	if err != nil {
		openDev.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	h.instance = instance
	h.ownsDev = true

	slogger().Info("driver: GPU initialized (standalone)", "adapter", selected.Info.Name)
	return h, nil
}

// initPipelines compiles every kernel and builds its pipeline. On failure,
// resources created so far are destroyed.
func (h *HAL) initPipelines(sources KernelSources) error {
	for k := Kernel(0); k < KernelCount; k++ {
		src, ok := sources[k]
		if !ok || src == "" {
			h.destroyPipelines(k)
			return fmt.Errorf("%w: %s", ErrMissingKernel, k)
		}

		words, err := compileWGSL(src)
		if err != nil {
			h.destroyPipelines(k)
			return fmt.Errorf("driver: compile %s: %w", k, err)
		}

		module, err := h.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
			Label:  k.String(),
			Source: hal.ShaderSource{SPIRV: words},
		})
		if err != nil {
			h.destroyPipelines(k)
			return fmt.Errorf("driver: create shader module %s: %w", k, err)
		}
		h.modules[k] = module

		bgLayout, err := h.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   k.String() + "_bgl",
			Entries: kernelLayoutEntries(k),
		})
		if err != nil {
			h.destroyPipelines(k + 1)
			return fmt.Errorf("driver: create bind group layout %s: %w", k, err)
		}
		h.bgLayouts[k] = bgLayout

		layout, err := h.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
			Label:            k.String() + "_pl",
			BindGroupLayouts: []hal.BindGroupLayout{bgLayout},
		})
		if err != nil {
			h.destroyPipelines(k + 1)
			return fmt.Errorf("driver: create pipeline layout %s: %w", k, err)
		}
		h.layouts[k] = layout

		pipeline, err := h.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
			Label:  k.String(),
			Layout: layout,
			Compute: hal.ComputeState{
				Module:     module,
				EntryPoint: "main",
			},
		})
		if err != nil {
			h.destroyPipelines(k + 1)
			return fmt.Errorf("driver: create compute pipeline %s: %w", k, err)
		}
		h.pipelines[k] = pipeline

		slogger().Debug("driver: pipeline created",
			"kernel", k.String(),
			"bindings", kernelStorageBindings[k],
			"shader_bytes", len(src))
	}
	return nil
}

// kernelLayoutEntries returns the bind group layout for a kernel: the push
// data uniform at binding 0 followed by read_write storage bindings.
func kernelLayoutEntries(k Kernel) []gputypes.BindGroupLayoutEntry {
	entries := make([]gputypes.BindGroupLayoutEntry, 0, kernelStorageBindings[k]+1)
	entries = append(entries, gputypes.BindGroupLayoutEntry{
		Binding:    0,
		Visibility: gputypes.ShaderStageCompute,
		Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
	})
	for i := 0; i < kernelStorageBindings[k]; i++ {
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    uint32(i + 1),
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
		})
	}
	return entries
}

// compileWGSL compiles WGSL source to SPIR-V words.
func compileWGSL(src string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(src)
	if err != nil {
		return nil, err
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirvBytes[i*4:])
	}
	return words, nil
}

// destroyPipelines releases pipeline resources for kernels [0, upTo).
func (h *HAL) destroyPipelines(upTo Kernel) {
	for k := Kernel(0); k < upTo; k++ {
		if h.pipelines[k] != nil {
			h.device.DestroyComputePipeline(h.pipelines[k])
			h.pipelines[k] = nil
		}
		if h.layouts[k] != nil {
			h.device.DestroyPipelineLayout(h.layouts[k])
			h.layouts[k] = nil
		}
		if h.bgLayouts[k] != nil {
			h.device.DestroyBindGroupLayout(h.bgLayouts[k])
			h.bgLayouts[k] = nil
		}
		if h.modules[k] != nil {
			h.device.DestroyShaderModule(h.modules[k])
			h.modules[k] = nil
		}
	}
}

// CreateBuffer allocates a device buffer.
func (h *HAL) CreateBuffer(label string, size uint64, usage BufferUsage) (BufferID, error) {
	if h.lost != nil {
		return InvalidBufferID, h.lost
	}
	if size == 0 {
		return InvalidBufferID, fmt.Errorf("driver: buffer size must be positive")
	}
	buf, err := h.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: convertUsage(usage),
	})
	if err != nil {
		return InvalidBufferID, fmt.Errorf("driver: create buffer %q: %w", label, err)
	}
	h.nextBuf++
	id := BufferID(h.nextBuf)
	h.buffers[id] = buf
	return id, nil
}

// DestroyBuffer releases a buffer.
func (h *HAL) DestroyBuffer(id BufferID) {
	buf, ok := h.buffers[id]
	if !ok {
		return
	}
	delete(h.buffers, id)
	h.device.DestroyBuffer(buf)
}

// WriteBuffer stages a host write ordered before the next submission.
func (h *HAL) WriteBuffer(id BufferID, offset uint64, data []byte) error {
	if h.lost != nil {
		return h.lost
	}
	buf, ok := h.buffers[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidBuffer, id)
	}
	if len(data) > 0 {
		h.queue.WriteBuffer(buf, offset, data)
	}
	return nil
}

// ReadBuffer copies a buffer range through a staging buffer and blocks until
// the copy completes.
func (h *HAL) ReadBuffer(id BufferID, offset uint64, dst []byte) error {
	if h.lost != nil {
		return h.lost
	}
	buf, ok := h.buffers[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidBuffer, id)
	}
	if len(dst) == 0 {
		return nil
	}
	size := uint64(len(dst))

	staging, err := h.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "plume_readback",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("driver: create staging buffer: %w", err)
	}
	defer h.device.DestroyBuffer(staging)

	encoder, err := h.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "plume_readback",
	})
	if err != nil {
		return fmt.Errorf("driver: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("plume_readback"); err != nil {
		return fmt.Errorf("driver: begin encoding: %w", err)
	}
	encoder.CopyBufferToBuffer(buf, staging, []hal.BufferCopy{
		{SrcOffset: offset, DstOffset: 0, Size: size},
	})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("driver: end encoding: %w", err)
	}
	defer h.device.FreeCommandBuffer(cmdBuf)

	fence, err := h.device.CreateFence()
	if err != nil {
		return fmt.Errorf("driver: create fence: %w", err)
	}
	defer h.device.DestroyFence(fence)

	if err := h.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		h.lost = fmt.Errorf("%w: %v", ErrDeviceLost, err)
		return h.lost
	}
	ok2, err := h.device.Wait(fence, 1, halFenceTimeout)
	if err != nil {
		h.lost = fmt.Errorf("%w: %v", ErrDeviceLost, err)
		return h.lost
	}
	if !ok2 {
		return fmt.Errorf("driver: readback timeout after %v", halFenceTimeout)
	}
	return h.queue.ReadBuffer(staging, 0, dst)
}

// Submit encodes and enqueues a recorded command buffer. The wait list is
// validated but carries no encoding cost: a single HAL queue executes
// submissions in timeline order, so earlier submissions already happen
// before later ones.
func (h *HAL) Submit(cb *CommandBuffer, waits []SubmitID) (SubmitID, error) {
	if h.lost != nil {
		return 0, h.lost
	}
	if err := cb.Validate(); err != nil {
		return 0, err
	}
	for _, w := range waits {
		if w == 0 || w > h.lastSubmit {
			return 0, fmt.Errorf("driver: wait on unsubmitted timeline value %d", w)
		}
	}

	encoder, err := h.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: cb.label,
	})
	if err != nil {
		return 0, fmt.Errorf("driver: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(cb.label); err != nil {
		return 0, fmt.Errorf("driver: begin encoding: %w", err)
	}

	p := halPending{id: h.lastSubmit + 1}
	discard := func() {
		encoder.DiscardEncoding()
		for _, g := range p.bindGroups {
			h.device.DestroyBindGroup(g)
		}
		for _, b := range p.pushBufs {
			h.device.DestroyBuffer(b)
		}
	}

	for i := range cb.cmds {
		c := &cb.cmds[i]
		switch c.kind {
		case cmdCopy:
			src, okSrc := h.buffers[c.copyArgs.src]
			dst, okDst := h.buffers[c.copyArgs.dst]
			if !okSrc || !okDst {
				discard()
				return 0, fmt.Errorf("%w: copy", ErrInvalidBuffer)
			}
			encoder.CopyBufferToBuffer(src, dst, []hal.BufferCopy{{
				SrcOffset: c.copyArgs.srcOff,
				DstOffset: c.copyArgs.dstOff,
				Size:      c.copyArgs.sz,
			}})

		case cmdDispatch:
			if err := h.encodeDispatch(encoder, &p, &c.dispatch); err != nil {
				discard()
				return 0, err
			}
		}
	}

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		for _, g := range p.bindGroups {
			h.device.DestroyBindGroup(g)
		}
		for _, b := range p.pushBufs {
			h.device.DestroyBuffer(b)
		}
		return 0, fmt.Errorf("driver: end encoding: %w", err)
	}
	p.cmdBuf = cmdBuf

	if err := h.queue.Submit([]hal.CommandBuffer{cmdBuf}, h.fence, uint64(p.id)); err != nil {
		h.lost = fmt.Errorf("%w: %v", ErrDeviceLost, err)
		return 0, h.lost
	}
	h.lastSubmit = p.id
	h.pending = append(h.pending, p)

	slogger().Debug("driver: submitted",
		"label", cb.label,
		"commands", len(cb.cmds),
		"timeline", uint64(p.id))
	return p.id, nil
}

// encodeDispatch records one compute pass: upload push data as a transient
// uniform, build the bind group, dispatch.
func (h *HAL) encodeDispatch(encoder hal.CommandEncoder, p *halPending, d *Dispatch) error {
	pushSize := uint64(len(d.Push))
	if pushSize < pushBufferAlign {
		pushSize = pushBufferAlign
	}
	pushBuf, err := h.device.CreateBuffer(&hal.BufferDescriptor{
		Label: d.Kernel.String() + "_push",
		Size:  pushSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("driver: create push buffer: %w", err)
	}
	p.pushBufs = append(p.pushBufs, pushBuf)
	if len(d.Push) > 0 {
		h.queue.WriteBuffer(pushBuf, 0, d.Push)
	}

	entries := make([]gputypes.BindGroupEntry, 0, len(d.Bindings)+1)
	entries = append(entries, gputypes.BindGroupEntry{
		Binding: 0,
		Resource: gputypes.BufferBinding{
			Buffer: pushBuf.NativeHandle(),
		},
	})
	for i, b := range d.Bindings {
		buf, ok := h.buffers[b.Buffer]
		if !ok {
			return fmt.Errorf("%w: %s binding %d", ErrInvalidBuffer, d.Kernel, i+1)
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding: uint32(i + 1),
			Resource: gputypes.BufferBinding{
				Buffer: buf.NativeHandle(),
				Offset: b.Offset,
				Size:   b.Size,
			},
		})
	}

	bg, err := h.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   d.Kernel.String() + "_bg",
		Layout:  h.bgLayouts[d.Kernel],
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("driver: create bind group for %s: %w", d.Kernel, err)
	}
	p.bindGroups = append(p.bindGroups, bg)

	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{
		Label: d.Kernel.String(),
	})
	pass.SetPipeline(h.pipelines[d.Kernel])
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch(d.Groups, 1, 1)
	pass.End()
	return nil
}

// advance retires completed submissions in timeline order. Only the wait for
// the oldest pending submission uses the given timeout; once it has retired,
// younger submissions are polled without blocking.
func (h *HAL) advance(timeout time.Duration) error {
	for len(h.pending) > 0 {
		p := h.pending[0]
		ok, err := h.device.Wait(h.fence, uint64(p.id), timeout)
		if err != nil {
			h.lost = fmt.Errorf("%w: %v", ErrDeviceLost, err)
			return h.lost
		}
		if !ok {
			return nil
		}
		timeout = 0
		h.retire(p)
	}
	return nil
}

// retire frees a submission's transient resources and queues its ID for the
// next Poll.
func (h *HAL) retire(p halPending) {
	if p.cmdBuf != nil {
		h.device.FreeCommandBuffer(p.cmdBuf)
	}
	for _, g := range p.bindGroups {
		h.device.DestroyBindGroup(g)
	}
	for _, b := range p.pushBufs {
		h.device.DestroyBuffer(b)
	}
	h.retired = append(h.retired, p.id)
	h.pending = h.pending[1:]
}

// takeRetired returns and clears the retired-ID queue.
func (h *HAL) takeRetired() []SubmitID {
	if len(h.retired) == 0 {
		return nil
	}
	out := h.retired
	h.retired = nil
	return out
}

// Poll returns retired submissions without blocking.
func (h *HAL) Poll() ([]SubmitID, error) {
	if h.lost != nil {
		return nil, h.lost
	}
	if err := h.advance(0); err != nil {
		return nil, err
	}
	return h.takeRetired(), nil
}

// WaitAny blocks until at least one submission retires or timeout elapses.
func (h *HAL) WaitAny(timeout time.Duration) ([]SubmitID, error) {
	if h.lost != nil {
		return nil, h.lost
	}
	if err := h.advance(timeout); err != nil {
		return nil, err
	}
	return h.takeRetired(), nil
}

// WaitIdle blocks until every outstanding submission has retired.
func (h *HAL) WaitIdle() error {
	if h.lost != nil {
		return h.lost
	}
	if err := h.advance(halFenceTimeout); err != nil {
		return err
	}
	if len(h.pending) > 0 {
		return fmt.Errorf("driver: idle timeout after %v with %d submissions outstanding",
			halFenceTimeout, len(h.pending))
	}
	return nil
}

// Destroy releases every resource the driver owns. For standalone devices
// the underlying device and instance are destroyed as well.
func (h *HAL) Destroy() {
	for _, p := range h.pending {
		h.retire(p)
	}
	h.pending = nil
	h.retired = nil

	for id := range h.buffers {
		h.DestroyBuffer(id)
	}
	h.destroyPipelines(KernelCount)
	if h.fence != nil {
		h.device.DestroyFence(h.fence)
		h.fence = nil
	}
	if h.ownsDev {
		if h.device != nil {
			h.device.Destroy()
		}
		if h.instance != nil {
			h.instance.Destroy()
		}
	}
	h.device = nil
	h.queue = nil
	h.instance = nil
}

// convertUsage maps driver buffer usage onto gputypes flags.
func convertUsage(usage BufferUsage) gputypes.BufferUsage {
	var result gputypes.BufferUsage
	if usage&UsageStorage != 0 {
		result |= gputypes.BufferUsageStorage
	}
	if usage&UsageUniform != 0 {
		result |= gputypes.BufferUsageUniform
	}
	if usage&UsageCopySrc != 0 {
		result |= gputypes.BufferUsageCopySrc
	}
	if usage&UsageCopyDst != 0 {
		result |= gputypes.BufferUsageCopyDst
	}
	return result
}
