// Package emulated implements device.Runtime on the host. Images are byte slices in
// texel order and programs are Go functions, but commands still run asynchronously on
// a dedicated queue goroutine so callers must honor the await/read-back ordering
// exactly as they would on a GPU.
package emulated

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/opcheck/internal/device"
	"github.com/born-ml/opcheck/internal/tensor"
)

// Texels is the host view of an image handed to a Program.
type Texels struct {
	Shape device.ImageShape
	DType tensor.DataType
	Data  []byte
}

// Float32 interprets the texel data as lanes of float32.
func (t *Texels) Float32() []float32 {
	if t.DType != tensor.Float32 || len(t.Data) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy view of texel memory
	return unsafe.Slice((*float32)(unsafe.Pointer(&t.Data[0])), len(t.Data)/4)
}

// Float64 interprets the texel data as lanes of float64.
func (t *Texels) Float64() []float64 {
	if t.DType != tensor.Float64 || len(t.Data) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy view of texel memory
	return unsafe.Slice((*float64)(unsafe.Pointer(&t.Data[0])), len(t.Data)/8)
}

// Program is a device program: it reads inputs and writes outputs, texel by texel.
// dims is the logical (N, H, W, C) extent.
type Program func(inputs, outputs []*Texels, dims []int) error

// image is the emulated device.Image.
type image struct {
	rt       *Runtime
	id       uint64
	shape    device.ImageShape
	dtype    tensor.DataType
	data     []byte
	released atomic.Bool
}

func (img *image) Shape() device.ImageShape { return img.shape }
func (img *image) DType() tensor.DataType   { return img.dtype }
func (img *image) ByteSize() int            { return len(img.data) }

func (img *image) Release() {
	if img.released.Swap(true) {
		return
	}
	img.rt.untrack(img)
}

func (img *image) texels() *Texels {
	return &Texels{Shape: img.shape, DType: img.dtype, Data: img.data}
}

type command struct {
	handle  device.Handle
	program Program
	name    string
	inputs  []*Texels
	outputs []*Texels
	dims    []int
	done    chan struct{}
	err     error
}

// Runtime is the host-emulated device runtime.
type Runtime struct {
	limits device.Limits

	programsMu sync.RWMutex
	programs   map[string]Program

	queue  chan *command
	worker sync.WaitGroup

	mu         sync.Mutex
	pending    map[device.Handle]*command
	nextHandle device.Handle
	nextImage  uint64
	closed     bool

	// Memory tracking
	stats struct {
		allocatedBytes uint64
		peakBytes      uint64
		activeImages   int64
	}
}

// New creates an emulated runtime with the given limits and starts its queue.
func New(limits device.Limits) *Runtime {
	rt := &Runtime{
		limits:   limits,
		programs: make(map[string]Program),
		queue:    make(chan *command, 64),
		pending:  make(map[device.Handle]*command),
	}
	rt.worker.Add(1)
	go rt.run()
	return rt
}

// RegisterProgram installs (or replaces) a named program.
func (rt *Runtime) RegisterProgram(name string, p Program) {
	rt.programsMu.Lock()
	defer rt.programsMu.Unlock()
	rt.programs[name] = p
}

// RegisterPrograms installs every program of the map.
func (rt *Runtime) RegisterPrograms(programs map[string]Program) {
	for name, p := range programs {
		rt.RegisterProgram(name, p)
	}
}

// Programs lists the installed program names, sorted.
func (rt *Runtime) Programs() []string {
	rt.programsMu.RLock()
	defer rt.programsMu.RUnlock()
	names := make([]string, 0, len(rt.programs))
	for name := range rt.programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Name returns "emulated".
func (rt *Runtime) Name() string { return "emulated" }

// Limits returns the configured image limits.
func (rt *Runtime) Limits() device.Limits { return rt.limits }

// CreateImage allocates a zeroed image.
func (rt *Runtime) CreateImage(shape device.ImageShape, dtype tensor.DataType) (device.Image, error) {
	if shape.Width < 0 || shape.Height < 0 {
		return nil, errors.Errorf("emulated: invalid image shape %s", shape)
	}
	if !rt.limits.Fits(shape) {
		return nil, errors.Wrapf(device.ErrImageTooLarge, "emulated: image %s, limits %dx%d",
			shape, rt.limits.MaxImageWidth, rt.limits.MaxImageHeight)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil, device.ErrClosed
	}
	rt.nextImage++
	img := &image{
		rt:    rt,
		id:    rt.nextImage,
		shape: shape,
		dtype: dtype,
		data:  make([]byte, device.ImageByteSize(shape, dtype)),
	}
	size := uint64(len(img.data))
	rt.stats.allocatedBytes += size
	rt.stats.peakBytes = max(rt.stats.peakBytes, rt.stats.allocatedBytes)
	rt.stats.activeImages++
	klog.V(5).Infof("emulated: image #%d %s (%s)", img.id, shape, humanize.IBytes(size))
	return img, nil
}

func (rt *Runtime) untrack(img *image) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.stats.allocatedBytes -= uint64(len(img.data))
	rt.stats.activeImages--
}

func (rt *Runtime) own(img device.Image) (*image, error) {
	own, ok := img.(*image)
	if !ok || own.rt != rt {
		return nil, device.ErrForeignImage
	}
	if own.released.Load() {
		return nil, errors.Errorf("emulated: image #%d used after release", own.id)
	}
	return own, nil
}

// Write uploads texels into img after pending commands have drained.
func (rt *Runtime) Write(img device.Image, texels []byte) error {
	own, err := rt.own(img)
	if err != nil {
		return err
	}
	if len(texels) != len(own.data) {
		return errors.Errorf("emulated: write of %d bytes into image of %d bytes", len(texels), len(own.data))
	}
	if err := rt.Finish(); err != nil {
		return err
	}
	copy(own.data, texels)
	return nil
}

// Enqueue schedules a registered program on the queue goroutine.
func (rt *Runtime) Enqueue(program string, args device.Args) (device.Handle, error) {
	rt.programsMu.RLock()
	p, ok := rt.programs[program]
	rt.programsMu.RUnlock()
	if !ok {
		return 0, errors.Wrapf(device.ErrUnknownProgram, "emulated: %q", program)
	}

	cmd := &command{
		program: p,
		name:    program,
		dims:    append([]int(nil), args.Dims...),
		done:    make(chan struct{}),
	}
	for _, img := range args.Inputs {
		own, err := rt.own(img)
		if err != nil {
			return 0, err
		}
		cmd.inputs = append(cmd.inputs, own.texels())
	}
	for _, img := range args.Outputs {
		own, err := rt.own(img)
		if err != nil {
			return 0, err
		}
		cmd.outputs = append(cmd.outputs, own.texels())
	}

	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return 0, device.ErrClosed
	}
	rt.nextHandle++
	cmd.handle = rt.nextHandle
	rt.pending[cmd.handle] = cmd
	// The queue goroutine never takes mu, so sending under it cannot deadlock.
	rt.queue <- cmd
	rt.mu.Unlock()

	klog.V(4).Infof("emulated: enqueued %q as #%d dims=%v", program, cmd.handle, cmd.dims)
	return cmd.handle, nil
}

func (rt *Runtime) run() {
	defer rt.worker.Done()
	for cmd := range rt.queue {
		cmd.err = rt.execute(cmd)
		close(cmd.done)
	}
}

func (rt *Runtime) execute(cmd *command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("emulated: program %q panicked: %v", cmd.name, r)
		}
	}()
	return cmd.program(cmd.inputs, cmd.outputs, cmd.dims)
}

// Await blocks until the command completes and returns its error.
func (rt *Runtime) Await(h device.Handle) error {
	rt.mu.Lock()
	cmd, ok := rt.pending[h]
	if ok {
		delete(rt.pending, h)
	}
	rt.mu.Unlock()
	if !ok {
		return errors.Wrapf(device.ErrUnknownHandle, "emulated: #%d", h)
	}
	<-cmd.done
	if cmd.err != nil {
		return errors.WithMessagef(cmd.err, "command #%d (%s)", h, cmd.name)
	}
	return nil
}

// Finish blocks until every command enqueued so far has completed.
// Command errors are reported by Await only, so a failing program never surfaces
// in an unrelated caller's read-back. Every handle must still be awaited.
func (rt *Runtime) Finish() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return device.ErrClosed
	}
	cmds := make([]*command, 0, len(rt.pending))
	for _, cmd := range rt.pending {
		cmds = append(cmds, cmd)
	}
	rt.mu.Unlock()

	for _, cmd := range cmds {
		<-cmd.done
	}
	return nil
}

// ReadBack copies img out once pending commands have drained.
func (rt *Runtime) ReadBack(img device.Image) ([]byte, error) {
	own, err := rt.own(img)
	if err != nil {
		return nil, err
	}
	if err := rt.Finish(); err != nil {
		return nil, err
	}
	out := make([]byte, len(own.data))
	copy(out, own.data)
	return out, nil
}

// Close drains the queue and stops the worker.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.mu.Unlock()

	err := rt.Finish()

	rt.mu.Lock()
	rt.closed = true
	close(rt.queue)
	rt.mu.Unlock()
	rt.worker.Wait()
	return err
}

// MemoryStats returns current, peak bytes and live image count.
func (rt *Runtime) MemoryStats() (allocated, peak uint64, images int64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.stats.allocatedBytes, rt.stats.peakBytes, rt.stats.activeImages
}

// String summarizes memory usage, e.g. "emulated: 3 images, 1.2 MiB (peak 4.0 MiB)".
func (rt *Runtime) String() string {
	allocated, peak, images := rt.MemoryStats()
	return fmt.Sprintf("emulated: %d images, %s (peak %s)", images, humanize.IBytes(allocated), humanize.IBytes(peak))
}
