package tensor

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors.
var (
	ErrInvalidShape    = errors.New("invalid shape")
	ErrBackendMismatch = errors.New("backend mismatch")
	ErrShapeMismatch   = errors.New("shape mismatch")
)

// ShapeError reports a malformed shape in an allocation request.
type ShapeError struct {
	Shape   Shape
	Details string
}

// Error implements the error interface.
func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s %v: %s", ErrInvalidShape, []int(e.Shape), e.Details)
}

// Unwrap makes errors.Is(err, ErrInvalidShape) hold.
func (e *ShapeError) Unwrap() error { return ErrInvalidShape }

// MismatchError reports shapes rejected by an operator's shape rule, or an output
// slot whose existing shape does not match the inferred one.
type MismatchError struct {
	Op      string  // Operator type
	Tensor  string  // Tensor name, when a single tensor is at fault
	Shapes  []Shape // Offending shapes (inputs, or existing output)
	Want    Shape   // Expected shape, if known
	Details string
}

// Error implements the error interface.
func (e *MismatchError) Error() string {
	var b strings.Builder
	b.WriteString(ErrShapeMismatch.Error())
	if e.Op != "" {
		fmt.Fprintf(&b, ": op %q", e.Op)
	}
	if e.Tensor != "" {
		fmt.Fprintf(&b, ": tensor %q", e.Tensor)
	}
	if len(e.Shapes) > 0 {
		b.WriteString(": shapes")
		for _, s := range e.Shapes {
			b.WriteString(" ")
			b.WriteString(s.String())
		}
	}
	if e.Want != nil {
		fmt.Fprintf(&b, ", want %s", e.Want)
	}
	if e.Details != "" {
		b.WriteString(": ")
		b.WriteString(e.Details)
	}
	return b.String()
}

// Unwrap makes errors.Is(err, ErrShapeMismatch) hold.
func (e *MismatchError) Unwrap() error { return ErrShapeMismatch }

// BackendError reports an operation applied to a tensor on the wrong backend,
// typically a skipped layout conversion.
type BackendError struct {
	Op      string
	Tensor  string
	Want    Backend
	Got     Backend
	Details string
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.Details != "" && e.Tensor == "" {
		return fmt.Sprintf("%s: %s", ErrBackendMismatch, e.Details)
	}
	msg := fmt.Sprintf("%s: tensor %q is %s, want %s", ErrBackendMismatch, e.Tensor, e.Got, e.Want)
	if e.Op != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Op)
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

// Unwrap makes errors.Is(err, ErrBackendMismatch) hold.
func (e *BackendError) Unwrap() error { return ErrBackendMismatch }
