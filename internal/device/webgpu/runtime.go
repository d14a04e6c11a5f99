//go:build windows

package webgpu

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/opcheck/internal/device"
	"github.com/born-ml/opcheck/internal/tensor"
)

// image is a storage buffer in texel layout.
type image struct {
	rt       *Runtime
	buffer   *wgpu.Buffer
	size     uint64
	shape    device.ImageShape
	dtype    tensor.DataType
	released atomic.Bool
}

func (img *image) Shape() device.ImageShape { return img.shape }
func (img *image) DType() tensor.DataType   { return img.dtype }

//nolint:gosec // G115: size was created from an int
func (img *image) ByteSize() int { return int(img.size) }

func (img *image) Release() {
	if img.released.Swap(true) {
		return
	}
	img.rt.pool.Release(img.buffer, img.size, imageUsage)
}

const imageUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst

// submission holds the transient resources of one enqueued program until it is awaited.
type submission struct {
	name      string
	params    *wgpu.Buffer
	bindGroup *wgpu.BindGroup
}

func (s *submission) release() {
	s.bindGroup.Release()
	s.params.Release()
}

// Runtime is the WebGPU device runtime.
type Runtime struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	info     wgpu.AdapterInfo
	limits   device.Limits

	// Shader and pipeline cache
	mu        sync.RWMutex
	sources   map[string]string
	shaders   map[string]*wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline

	pool *BufferPool

	// Encoded but not yet submitted command buffers, and submissions not yet awaited.
	pendingMu   sync.Mutex
	pending     []*wgpu.CommandBuffer
	submissions map[device.Handle]*submission
	nextHandle  device.Handle
}

// New creates a WebGPU runtime on the default high-performance adapter.
// Returns device.ErrUnavailable if the native library or a GPU is missing.
func New(limits device.Limits) (rt *Runtime, err error) {
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			rt = nil
			err = errors.Wrapf(device.ErrUnavailable, "webgpu: native library: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, adapterErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if adapterErr != nil {
		instance.Release()
		return nil, errors.Wrapf(device.ErrUnavailable, "webgpu: request adapter: %v", adapterErr)
	}
	info := adapter.GetInfo()

	dev, deviceErr := adapter.RequestDevice(nil)
	if deviceErr != nil {
		adapter.Release()
		instance.Release()
		return nil, errors.Wrapf(device.ErrUnavailable, "webgpu: request device: %v", deviceErr)
	}
	queue := dev.GetQueue()
	if queue == nil {
		dev.Release()
		adapter.Release()
		instance.Release()
		return nil, errors.Wrap(device.ErrUnavailable, "webgpu: no queue")
	}

	klog.V(1).Infof("webgpu: using %s (%s)", info.Device, info.Vendor)
	return &Runtime{
		instance:    instance,
		adapter:     adapter,
		device:      dev,
		queue:       queue,
		info:        info,
		limits:      limits,
		sources:     make(map[string]string),
		shaders:     make(map[string]*wgpu.ShaderModule),
		pipelines:   make(map[string]*wgpu.ComputePipeline),
		pool:        NewBufferPool(dev),
		submissions: make(map[device.Handle]*submission),
	}, nil
}

// IsAvailable checks if a WebGPU adapter can be created.
func IsAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	instance := wgpu.CreateInstance(nil)
	defer instance.Release()

	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

// RegisterShader installs WGSL source for a program name. Compilation is lazy.
func (rt *Runtime) RegisterShader(name, code string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.sources[name] = code
	if p, ok := rt.pipelines[name]; ok {
		p.Release()
		delete(rt.pipelines, name)
	}
	if s, ok := rt.shaders[name]; ok {
		s.Release()
		delete(rt.shaders, name)
	}
}

// RegisterShaders installs every shader of the map.
func (rt *Runtime) RegisterShaders(shaders map[string]string) {
	for name, code := range shaders {
		rt.RegisterShader(name, code)
	}
}

// Name returns "webgpu".
func (rt *Runtime) Name() string { return "webgpu" }

// Description names the adapter in use.
func (rt *Runtime) Description() string {
	return fmt.Sprintf("WebGPU (%s %s)", rt.info.Device, rt.info.Vendor)
}

// Limits returns the image limits.
func (rt *Runtime) Limits() device.Limits { return rt.limits }

// pipeline returns a cached ComputePipeline, compiling the shader on first use.
func (rt *Runtime) pipeline(name string) (*wgpu.ComputePipeline, error) {
	rt.mu.RLock()
	if p, ok := rt.pipelines[name]; ok {
		rt.mu.RUnlock()
		return p, nil
	}
	code, ok := rt.sources[name]
	rt.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(device.ErrUnknownProgram, "webgpu: %q", name)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if p, ok := rt.pipelines[name]; ok {
		return p, nil
	}
	shader := rt.device.CreateShaderModuleWGSL(code)
	rt.shaders[name] = shader
	// Create compute pipeline with auto layout (nil layout)
	p := rt.device.CreateComputePipelineSimple(nil, shader, "main")
	rt.pipelines[name] = p
	return p, nil
}

// CreateImage allocates a texel storage buffer (pooled).
func (rt *Runtime) CreateImage(shape device.ImageShape, dtype tensor.DataType) (device.Image, error) {
	if dtype != tensor.Float32 {
		return nil, errors.Errorf("webgpu: only float32 images are supported, got %s", dtype)
	}
	if !rt.limits.Fits(shape) {
		return nil, errors.Wrapf(device.ErrImageTooLarge, "webgpu: image %s", shape)
	}
	// Zero-sized bindings are invalid in WebGPU; keep one texel of backing store.
	//nolint:gosec // G115: byte size is non-negative
	size := uint64(max(device.ImageByteSize(shape, dtype), device.TexelChannels*4))
	return &image{
		rt:     rt,
		buffer: rt.pool.Acquire(size, imageUsage),
		size:   size,
		shape:  shape,
		dtype:  dtype,
	}, nil
}

func (rt *Runtime) own(img device.Image) (*image, error) {
	own, ok := img.(*image)
	if !ok || own.rt != rt {
		return nil, device.ErrForeignImage
	}
	if own.released.Load() {
		return nil, errors.New("webgpu: image used after release")
	}
	return own, nil
}

// createBuffer creates a GPU buffer initialized with data.
func (rt *Runtime) createBuffer(data []byte, usage wgpu.BufferUsage) *wgpu.Buffer {
	size := uint64(len(data))
	buffer := rt.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mappedPtr := buffer.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), size)
	copy(mappedSlice, data)
	buffer.Unmap()
	return buffer
}

// Write uploads texels through a staging buffer, ordered after pending commands.
func (rt *Runtime) Write(img device.Image, texels []byte) error {
	own, err := rt.own(img)
	if err != nil {
		return err
	}
	if uint64(len(texels)) > own.size {
		return errors.Errorf("webgpu: write of %d bytes into image of %d bytes", len(texels), own.size)
	}
	if len(texels) == 0 {
		return nil
	}
	staging := rt.createBuffer(texels, wgpu.BufferUsageCopySrc)
	defer staging.Release()

	encoder := rt.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, own.buffer, 0, uint64(len(texels)))
	rt.queueCommand(encoder.Finish(nil))
	rt.flush()
	return nil
}

// Enqueue encodes one compute pass; it is submitted on the next Await, Finish or ReadBack.
func (rt *Runtime) Enqueue(program string, args device.Args) (device.Handle, error) {
	pipeline, err := rt.pipeline(program)
	if err != nil {
		return 0, err
	}
	if len(args.Dims) != 4 {
		return 0, errors.Errorf("webgpu: program %q needs (N, H, W, C) dims, got %v", program, args.Dims)
	}

	images := make([]*image, 0, len(args.Inputs)+len(args.Outputs))
	for _, img := range append(append([]device.Image(nil), args.Inputs...), args.Outputs...) {
		own, err := rt.own(img)
		if err != nil {
			return 0, err
		}
		images = append(images, own)
	}

	n, h, w, c := args.Dims[0], args.Dims[1], args.Dims[2], args.Dims[3]
	blocks := (c + device.TexelChannels - 1) / device.TexelChannels
	params := make([]byte, paramsSize)
	for i, v := range []int{n, h, w, c, blocks, w * blocks} {
		//nolint:gosec // G115: dims are bounded by image limits
		binary.LittleEndian.PutUint32(params[i*4:], uint32(v))
	}
	sub := &submission{
		name:   program,
		params: rt.createBuffer(params, wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst),
	}

	entries := make([]wgpu.BindGroupEntry, 0, len(images)+1)
	for i, img := range images {
		//nolint:gosec // G115: binding index is small
		entries = append(entries, wgpu.BufferBindingEntry(uint32(i), img.buffer, 0, img.size))
	}
	//nolint:gosec // G115: binding index is small
	entries = append(entries, wgpu.BufferBindingEntry(uint32(len(images)), sub.params, 0, paramsSize))
	sub.bindGroup = rt.device.CreateBindGroupSimple(pipeline.GetBindGroupLayout(0), entries)

	encoder := rt.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, sub.bindGroup, nil)
	if gx, gy := dispatchGrid(n * h * w); gx > 0 {
		pass.DispatchWorkgroups(gx, gy, 1)
	}
	pass.End()
	rt.queueCommand(encoder.Finish(nil))

	rt.pendingMu.Lock()
	rt.nextHandle++
	handle := rt.nextHandle
	rt.submissions[handle] = sub
	rt.pendingMu.Unlock()
	klog.V(4).Infof("webgpu: encoded %q as #%d dims=%v", program, handle, args.Dims)
	return handle, nil
}

// queueCommand adds a command buffer to the pending queue for batch submission.
func (rt *Runtime) queueCommand(cmd *wgpu.CommandBuffer) {
	rt.pendingMu.Lock()
	defer rt.pendingMu.Unlock()
	rt.pending = append(rt.pending, cmd)
}

// flush submits all pending command buffers to the GPU queue.
func (rt *Runtime) flush() {
	rt.pendingMu.Lock()
	defer rt.pendingMu.Unlock()
	if len(rt.pending) == 0 {
		return
	}
	rt.queue.Submit(rt.pending...)
	rt.pending = rt.pending[:0]
}

// fence blocks until all submitted work has completed. Mapping a staging buffer only
// resolves after every earlier submission on the queue.
func (rt *Runtime) fence() error {
	marker := rt.createBuffer(make([]byte, 4), wgpu.BufferUsageCopySrc)
	defer marker.Release()
	_, err := rt.readBuffer(marker, 4)
	return err
}

// Await submits pending work and blocks until the command has completed.
func (rt *Runtime) Await(h device.Handle) error {
	rt.pendingMu.Lock()
	sub, ok := rt.submissions[h]
	delete(rt.submissions, h)
	rt.pendingMu.Unlock()
	if !ok {
		return errors.Wrapf(device.ErrUnknownHandle, "webgpu: #%d", h)
	}
	defer sub.release()

	rt.flush()
	return errors.WithMessagef(rt.fence(), "awaiting #%d (%s)", h, sub.name)
}

// Finish submits pending work and blocks until the queue is idle.
func (rt *Runtime) Finish() error {
	rt.flush()
	return rt.fence()
}

// readBuffer reads data back from a GPU buffer to CPU memory.
// Uses a staging buffer since storage buffers can't be mapped directly.
func (rt *Runtime) readBuffer(src *wgpu.Buffer, size uint64) ([]byte, error) {
	staging := rt.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := rt.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, size)
	rt.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(rt.device, wgpu.MapModeRead, 0, size); err != nil {
		return nil, errors.Wrap(err, "webgpu: map staging buffer")
	}
	mappedPtr := staging.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mapped := unsafe.Slice((*byte)(mappedPtr), size)
	out := make([]byte, size)
	copy(out, mapped)
	staging.Unmap()
	return out, nil
}

// ReadBack copies the image's logical bytes to the host after pending work completes.
func (rt *Runtime) ReadBack(img device.Image) ([]byte, error) {
	own, err := rt.own(img)
	if err != nil {
		return nil, err
	}
	rt.flush()
	data, err := rt.readBuffer(own.buffer, own.size)
	if err != nil {
		return nil, err
	}
	return data[:device.ImageByteSize(own.shape, own.dtype)], nil
}

// Close releases all WebGPU resources.
func (rt *Runtime) Close() error {
	err := rt.Finish()

	rt.pendingMu.Lock()
	for h, sub := range rt.submissions {
		sub.release()
		delete(rt.submissions, h)
	}
	rt.pendingMu.Unlock()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.pool != nil {
		rt.pool.Clear()
	}
	for _, p := range rt.pipelines {
		p.Release()
	}
	for _, s := range rt.shaders {
		s.Release()
	}
	rt.pipelines, rt.shaders = nil, nil

	if rt.queue != nil {
		rt.queue.Release()
		rt.queue = nil
	}
	if rt.device != nil {
		rt.device.Release()
		rt.device = nil
	}
	if rt.adapter != nil {
		rt.adapter.Release()
		rt.adapter = nil
	}
	if rt.instance != nil {
		rt.instance.Release()
		rt.instance = nil
	}
	return err
}
