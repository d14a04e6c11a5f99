// Package device defines the narrow interface the layout converter and the harness use
// to talk to a device runtime: opaque image creation, upload, kernel enqueue, await and
// read-back. Runtime internals (queues, shader compilation, drivers) stay behind it.
package device

import (
	"errors"
	"fmt"

	"github.com/born-ml/opcheck/internal/tensor"
)

// TexelChannels is the number of channel lanes packed into one image texel (RGBA).
const TexelChannels = 4

// Common errors.
var (
	ErrUnavailable    = errors.New("device runtime not available")
	ErrClosed         = errors.New("device runtime closed")
	ErrUnknownProgram = errors.New("unknown device program")
	ErrUnknownHandle  = errors.New("unknown command handle")
	ErrForeignImage   = errors.New("image belongs to another runtime")
	ErrImageTooLarge  = errors.New("image exceeds device limits")
)

// ImageShape is the 2-D texel extent of an opaque image.
type ImageShape struct {
	Width  int
	Height int
}

// Texels returns the number of texels.
func (s ImageShape) Texels() int {
	return s.Width * s.Height
}

// String formats the extent as WxH.
func (s ImageShape) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Limits are the addressing limits of a runtime's image memory.
type Limits struct {
	MaxImageWidth  int
	MaxImageHeight int
}

// DefaultLimits mirrors the common OpenCL/WebGPU 2-D texture limit.
func DefaultLimits() Limits {
	return Limits{MaxImageWidth: 16384, MaxImageHeight: 16384}
}

// Fits reports whether s can be allocated under l.
func (l Limits) Fits(s ImageShape) bool {
	return s.Width <= l.MaxImageWidth && s.Height <= l.MaxImageHeight
}

// Image is runtime-owned opaque memory holding Width*Height texels of
// TexelChannels lanes each.
type Image interface {
	tensor.DeviceStorage
	Shape() ImageShape
	DType() tensor.DataType
}

// ImageByteSize is the byte size of an image of shape s holding dtype lanes.
func ImageByteSize(s ImageShape, dtype tensor.DataType) int {
	return s.Texels() * TexelChannels * dtype.Size()
}

// Args are the arguments of one enqueued program.
type Args struct {
	Inputs  []Image
	Outputs []Image
	// Dims is the logical (N, H, W, C) extent the program iterates over.
	Dims []int
}

// Handle identifies an enqueued command until it is awaited.
type Handle uint64

// Runtime is the device runtime collaborator.
//
// Enqueue may return before the program has run. Await blocks on one command,
// Finish on every command enqueued so far, and ReadBack never observes an image
// before all commands enqueued ahead of it have completed.
type Runtime interface {
	// Name identifies the runtime, e.g. "emulated" or "webgpu".
	Name() string
	// Limits returns the image addressing limits.
	Limits() Limits

	// CreateImage allocates opaque memory. Contents are undefined until written.
	CreateImage(shape ImageShape, dtype tensor.DataType) (Image, error)
	// Write uploads texels (in row-major texel order) into img.
	Write(img Image, texels []byte) error
	// Enqueue schedules program on the device queue.
	Enqueue(program string, args Args) (Handle, error)
	// Await blocks until the command completes and returns its error.
	Await(h Handle) error
	// ReadBack copies img to host memory once pending work has drained.
	ReadBack(img Image) ([]byte, error)
	// Finish blocks until the queue is empty.
	Finish() error

	// Close releases the runtime. Images must not be used afterwards.
	Close() error
}
