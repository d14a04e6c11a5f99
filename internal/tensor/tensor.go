package tensor

import (
	"fmt"
	"strings"
	"unsafe"
)

// DeviceStorage is the handle a device runtime returns for opaque memory.
// The tensor package never looks inside it.
type DeviceStorage interface {
	// ByteSize returns the allocated size of the opaque memory.
	ByteSize() int
	// Release returns the memory to the runtime.
	Release()
}

// Tensor is a typed, shaped, backend-tagged multidimensional array.
//
// Host tensors (HostLinear, HostAlternate) own a linear byte buffer. DeviceOpaque
// tensors own a DeviceStorage handle and carry no host data; their contents are
// reachable only through a layout conversion.
//
// The shape of a Tensor never changes after allocation.
type Tensor struct {
	name    string
	shape   Shape
	dtype   DataType
	backend Backend

	data    []byte        // Host backends only
	storage DeviceStorage // DeviceOpaque only
}

// Allocate creates a zero-filled host tensor.
//
// It fails with ErrInvalidShape for negative dimensions or overflowing sizes, and with
// ErrBackendMismatch for DeviceOpaque: device memory is created by the layout
// converter, which owns the runtime.
func Allocate(name string, shape Shape, dtype DataType, backend Backend) (*Tensor, error) {
	if dtype.Size() == 0 {
		return nil, &ShapeError{Shape: shape, Details: fmt.Sprintf("unsupported data type %d", dtype)}
	}
	if err := shape.Validate(dtype.Size()); err != nil {
		return nil, err
	}
	if !backend.IsHost() {
		return nil, &BackendError{Op: "allocate", Tensor: name, Want: HostLinear, Got: backend,
			Details: "device tensors are allocated by the layout converter"}
	}

	return &Tensor{
		name:    name,
		shape:   shape.Clone(),
		dtype:   dtype,
		backend: backend,
		data:    make([]byte, shape.NumElements()*dtype.Size()),
	}, nil
}

// NewDevice wraps runtime-owned storage in a DeviceOpaque tensor.
func NewDevice(name string, shape Shape, dtype DataType, storage DeviceStorage) (*Tensor, error) {
	if err := shape.Validate(dtype.Size()); err != nil {
		return nil, err
	}
	if storage == nil {
		return nil, fmt.Errorf("tensor %q: nil device storage", name)
	}
	return &Tensor{
		name:    name,
		shape:   shape.Clone(),
		dtype:   dtype,
		backend: DeviceOpaque,
		storage: storage,
	}, nil
}

// Name returns the lookup key of the tensor.
func (t *Tensor) Name() string {
	return t.name
}

// Shape returns the tensor's shape. Callers must not modify it.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// DType returns the tensor's data type.
func (t *Tensor) DType() DataType {
	return t.dtype
}

// Backend returns the backend tag.
func (t *Tensor) Backend() Backend {
	return t.backend
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	return t.shape.NumElements()
}

// ByteSize returns the logical data size in bytes (excluding any device padding).
func (t *Tensor) ByteSize() int {
	return t.NumElements() * t.dtype.Size()
}

// Storage returns the device handle, or nil for host tensors.
func (t *Tensor) Storage() DeviceStorage {
	return t.storage
}

// Data returns the raw host bytes, or nil for device tensors.
// WARNING: Direct access to underlying memory. Use with caution.
func (t *Tensor) Data() []byte {
	return t.data
}

// AsFloat32 interprets the data as []float32.
// Panics if the tensor's dtype is not Float32 or the tensor is not on a host backend.
func (t *Tensor) AsFloat32() []float32 {
	if t.dtype != Float32 {
		panic(fmt.Sprintf("tensor %q dtype is %s, not float32", t.name, t.dtype))
	}
	if !t.backend.IsHost() {
		panic(fmt.Sprintf("tensor %q lives on %s", t.name, t.backend))
	}
	if len(t.data) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy performance, bounds checked by NumElements()
	return unsafe.Slice((*float32)(unsafe.Pointer(&t.data[0])), t.NumElements())
}

// AsFloat64 interprets the data as []float64.
// Panics if the tensor's dtype is not Float64 or the tensor is not on a host backend.
func (t *Tensor) AsFloat64() []float64 {
	if t.dtype != Float64 {
		panic(fmt.Sprintf("tensor %q dtype is %s, not float64", t.name, t.dtype))
	}
	if !t.backend.IsHost() {
		panic(fmt.Sprintf("tensor %q lives on %s", t.name, t.backend))
	}
	if len(t.data) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy performance, bounds checked by NumElements()
	return unsafe.Slice((*float64)(unsafe.Pointer(&t.data[0])), t.NumElements())
}

// At returns element i of a host tensor widened to float64.
func (t *Tensor) At(i int) float64 {
	switch t.dtype {
	case Float32:
		return float64(t.AsFloat32()[i])
	default:
		return t.AsFloat64()[i]
	}
}

// Release frees the tensor's memory. Device storage is returned to its runtime.
// Releasing twice is a no-op.
func (t *Tensor) Release() {
	if t.storage != nil {
		t.storage.Release()
		t.storage = nil
	}
	t.data = nil
}

// String gives a short description, with the first few values for host tensors.
func (t *Tensor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tensor(%q, %s, %s, %s", t.name, t.shape, t.dtype, t.backend)
	if t.backend.IsHost() && t.data != nil {
		n := min(t.NumElements(), 8)
		b.WriteString(", [")
		for i := 0; i < n; i++ {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%g", t.At(i))
		}
		if n < t.NumElements() {
			b.WriteString(" ...")
		}
		b.WriteString("]")
	}
	b.WriteString(")")
	return b.String()
}
