package tensor

import (
	"fmt"
	"math/rand/v2"
)

// FromFloat32 creates a HostLinear float32 tensor, copying data.
//
// Example:
//
//	t, err := tensor.FromFloat32("Input", tensor.Shape{1, 1, 2, 4}, []float32{1, 1, 1, 1, 1, 2, 3, 4})
func FromFloat32(name string, shape Shape, data []float32) (*Tensor, error) {
	t, err := Allocate(name, shape, Float32, HostLinear)
	if err != nil {
		return nil, err
	}
	if len(data) != t.NumElements() {
		return nil, &ShapeError{Shape: shape, Details: fmt.Sprintf("requires %d elements, but got %d", t.NumElements(), len(data))}
	}
	copy(t.AsFloat32(), data)
	return t, nil
}

// FromFloat64 creates a HostLinear float64 tensor, copying data.
func FromFloat64(name string, shape Shape, data []float64) (*Tensor, error) {
	t, err := Allocate(name, shape, Float64, HostLinear)
	if err != nil {
		return nil, err
	}
	if len(data) != t.NumElements() {
		return nil, &ShapeError{Shape: shape, Details: fmt.Sprintf("requires %d elements, but got %d", t.NumElements(), len(data))}
	}
	copy(t.AsFloat64(), data)
	return t, nil
}

// Copy produces a new tensor named name with the same shape, type and backend and a
// deep copy of the data.
//
// Device tensors cannot be copied here: moving data off (or across) a device is a
// layout conversion, so Copy fails with ErrBackendMismatch.
func Copy(src *Tensor, name string) (*Tensor, error) {
	if !src.backend.IsHost() {
		return nil, &BackendError{Op: "copy", Tensor: src.name, Want: HostLinear, Got: src.backend,
			Details: "use the layout converter for device tensors"}
	}
	dst, err := Allocate(name, src.shape, src.dtype, src.backend)
	if err != nil {
		return nil, err
	}
	copy(dst.data, src.data)
	return dst, nil
}

// Distribution draws one sample from a random source.
type Distribution interface {
	Sample(r *rand.Rand) float64
}

// Uniform samples from [Low, High).
type Uniform struct {
	Low, High float64
}

// Sample implements Distribution.
func (u Uniform) Sample(r *rand.Rand) float64 {
	return u.Low + r.Float64()*(u.High-u.Low)
}

// Normal samples from a normal distribution with the given mean and standard deviation.
type Normal struct {
	Mean, Std float64
}

// Sample implements Distribution.
func (n Normal) Sample(r *rand.Rand) float64 {
	return n.Mean + r.NormFloat64()*n.Std
}

// StandardNormal is N(0, 1), the default distribution for random test inputs.
var StandardNormal Distribution = Normal{Mean: 0, Std: 1}

// NewRand returns the deterministic generator used by FillRandom for seed.
func NewRand(seed uint64) *rand.Rand {
	//nolint:gosec // G404: reproducible test data, not security sensitive
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// FillRandom overwrites a host tensor with samples from dist.
// The same seed always produces the same values for the same shape and dtype.
func FillRandom(t *Tensor, dist Distribution, seed uint64) error {
	if !t.backend.IsHost() {
		return &BackendError{Op: "fill-random", Tensor: t.name, Want: HostLinear, Got: t.backend}
	}
	if dist == nil {
		dist = StandardNormal
	}
	r := NewRand(seed)
	switch t.dtype {
	case Float32:
		data := t.AsFloat32()
		for i := range data {
			data[i] = float32(dist.Sample(r))
		}
	case Float64:
		data := t.AsFloat64()
		for i := range data {
			data[i] = dist.Sample(r)
		}
	default:
		return fmt.Errorf("fill-random: unsupported dtype %s", t.dtype)
	}
	return nil
}
