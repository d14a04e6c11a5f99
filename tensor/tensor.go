// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/born-ml/opcheck/internal/tensor"
)

// Type aliases for public API

// Tensor is a named, shaped, typed tensor on one backend.
type Tensor = tensor.Tensor

// Shape represents the dimensions of a tensor.
// Example: Shape{1, 64, 64, 3} is one 64x64 image with three channels.
type Shape = tensor.Shape

// DataType represents the element type of a tensor.
type DataType = tensor.DataType

// Data type constants.
const (
	Float32 DataType = tensor.Float32
	Float64 DataType = tensor.Float64
)

// DeviceStorage is the memory handle of a DeviceOpaque tensor.
type DeviceStorage = tensor.DeviceStorage

// Distribution draws random tensor elements.
type Distribution = tensor.Distribution

// Distributions.
type (
	Normal  = tensor.Normal
	Uniform = tensor.Uniform
)

// StandardNormal is N(0, 1).
var StandardNormal = tensor.StandardNormal

// Errors returned by tensor operations. Use errors.Is to match them.
var (
	ErrInvalidShape    = tensor.ErrInvalidShape
	ErrBackendMismatch = tensor.ErrBackendMismatch
	ErrShapeMismatch   = tensor.ErrShapeMismatch
)

// Allocate creates a zero-filled host tensor.
func Allocate(name string, shape Shape, dtype DataType, backend Backend) (*Tensor, error) {
	return tensor.Allocate(name, shape, dtype, backend)
}

// FromFloat32 creates a HostLinear float32 tensor, copying data.
func FromFloat32(name string, shape Shape, data []float32) (*Tensor, error) {
	return tensor.FromFloat32(name, shape, data)
}

// FromFloat64 creates a HostLinear float64 tensor, copying data.
func FromFloat64(name string, shape Shape, data []float64) (*Tensor, error) {
	return tensor.FromFloat64(name, shape, data)
}

// Copy returns a deep copy of a host tensor under a new name.
func Copy(src *Tensor, name string) (*Tensor, error) {
	return tensor.Copy(src, name)
}

// FillRandom fills a host tensor from dist, deterministically for a given seed.
func FillRandom(t *Tensor, dist Distribution, seed uint64) error {
	return tensor.FillRandom(t, dist, seed)
}
