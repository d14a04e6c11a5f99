package tensor

import (
	"fmt"
	"math"
)

// Shape represents the dimensions of a tensor.
type Shape []int

// NumElements returns the total number of elements in the tensor.
// A zero-sized dimension yields zero elements.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // Scalar has 1 element
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks that every dimension is non-negative and that the element count,
// scaled by elemSize bytes, fits in an int.
func (s Shape) Validate(elemSize int) error {
	n := 1
	for i, dim := range s {
		if dim < 0 {
			return &ShapeError{Shape: s, Details: fmt.Sprintf("dimension %d is negative (%d)", i, dim)}
		}
		if dim != 0 && n > math.MaxInt/dim {
			return &ShapeError{Shape: s, Details: "element count overflows"}
		}
		n *= dim
	}
	if elemSize > 0 && n > math.MaxInt/elemSize {
		return &ShapeError{Shape: s, Details: fmt.Sprintf("byte size of %d elements overflows", n)}
	}
	return nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// ComputeStrides calculates row-major strides for the shape.
// Strides define memory layout: stride[i] = product of all dimensions after i.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}

	strides[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s[i+1]
	}
	return strides
}

// Permute returns the shape reordered by axes: result[i] = s[axes[i]].
func (s Shape) Permute(axes ...int) (Shape, error) {
	if len(axes) != len(s) {
		return nil, fmt.Errorf("permute: %d axes given for rank %d", len(axes), len(s))
	}
	seen := make([]bool, len(s))
	out := make(Shape, len(s))
	for i, axis := range axes {
		if axis < 0 || axis >= len(s) || seen[axis] {
			return nil, fmt.Errorf("permute: invalid axes %v for rank %d", axes, len(s))
		}
		seen[axis] = true
		out[i] = s[axis]
	}
	return out, nil
}

// Rank returns the number of dimensions.
func (s Shape) Rank() int {
	return len(s)
}

// String formats the shape as (d0, d1, ...).
func (s Shape) String() string {
	out := "("
	for i, dim := range s {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprint(dim)
	}
	return out + ")"
}

// Unravel converts a flat row-major index into per-axis coordinates.
func (s Shape) Unravel(index int) []int {
	coords := make([]int, len(s))
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == 0 {
			return coords
		}
		coords[i] = index % s[i]
		index /= s[i]
	}
	return coords
}
