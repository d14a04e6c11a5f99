// Package oracle decides whether two tensors agree under a tolerance.
//
// A numeric disagreement is a Verdict, never an error: errors are reserved for
// comparisons that cannot be made at all, such as device tensors.
package oracle

import (
	"fmt"
	"math"

	"github.com/born-ml/opcheck/internal/tensor"
)

// Tolerance bounds |expected - actual| by Abs + Rel*|expected|.
type Tolerance struct {
	Abs float64 `yaml:"abs" json:"abs"`
	Rel float64 `yaml:"rel" json:"rel"`
}

// Exact requires bitwise-equal values (NaN never matches).
var Exact = Tolerance{}

// DefaultTolerance is the near-zero absolute tolerance of exact-agreement checks.
var DefaultTolerance = Tolerance{Abs: 1e-6}

// operatorTolerances are the cross-backend tolerances of reference operators.
var operatorTolerances = map[string]Tolerance{
	"Softmax": {Abs: 1e-5, Rel: 1e-5},
	"Relu":    Exact,
}

// OperatorTolerance returns the tolerance conformance runs use for opType, falling
// back to DefaultTolerance.
func OperatorTolerance(opType string) Tolerance {
	if tol, ok := operatorTolerances[opType]; ok {
		return tol
	}
	return DefaultTolerance
}

// Allows reports whether actual is within tolerance of expected.
func (tol Tolerance) Allows(expected, actual float64) bool {
	if math.IsNaN(expected) || math.IsNaN(actual) {
		return false
	}
	if expected == actual {
		// Covers equal infinities, where the difference is NaN.
		return true
	}
	if math.IsInf(expected, 0) || math.IsInf(actual, 0) {
		// Rel*|Inf| would admit any value.
		return false
	}
	return math.Abs(expected-actual) <= tol.Abs+tol.Rel*math.Abs(expected)
}

// String formats the tolerance.
func (tol Tolerance) String() string {
	return fmt.Sprintf("abs=%g rel=%g", tol.Abs, tol.Rel)
}

// Kind classifies a Verdict.
type Kind int

// Verdict kinds.
const (
	Equal Kind = iota
	Unequal
	ShapeMismatch
)

// String names the kind.
func (k Kind) String() string {
	switch k {
	case Equal:
		return "equal"
	case Unequal:
		return "unequal"
	case ShapeMismatch:
		return "shape-mismatch"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Verdict is the outcome of a comparison.
type Verdict struct {
	Kind Kind `json:"kind"`

	// First mismatch, for Unequal.
	Index    int     `json:"index"`
	Coord    []int   `json:"coord,omitempty"`
	Expected float64 `json:"expected"`
	Actual   float64 `json:"actual"`

	// Set for ShapeMismatch.
	ExpectedShape tensor.Shape `json:"expected_shape,omitempty"`
	ActualShape   tensor.Shape `json:"actual_shape,omitempty"`

	// Statistics over every compared element (finite differences only).
	Compared   int     `json:"compared"`
	Mismatches int     `json:"mismatches"`
	MaxAbsDiff float64 `json:"max_abs_diff"`
}

// OK reports whether the verdict is Equal.
func (v Verdict) OK() bool { return v.Kind == Equal }

// String formats the verdict for test failures and logs.
func (v Verdict) String() string {
	switch v.Kind {
	case Equal:
		return fmt.Sprintf("equal (%d elements, max |diff| %.3g)", v.Compared, v.MaxAbsDiff)
	case ShapeMismatch:
		return fmt.Sprintf("shape mismatch: expected %s, actual %s", v.ExpectedShape, v.ActualShape)
	default:
		return fmt.Sprintf("unequal at index %d %v: expected %.9g, actual %.9g (%d of %d elements differ, max |diff| %.3g)",
			v.Index, v.Coord, v.Expected, v.Actual, v.Mismatches, v.Compared, v.MaxAbsDiff)
	}
}

// Compare checks expected against actual element by element.
//
// Both tensors must be host tensors on the same backend tag; anything else is a
// caller error wrapping tensor.ErrBackendMismatch. Mixed dtypes are compared after
// widening to float64.
func Compare(expected, actual *tensor.Tensor, tol Tolerance) (Verdict, error) {
	for _, t := range []*tensor.Tensor{expected, actual} {
		if !t.Backend().IsHost() {
			return Verdict{}, &tensor.BackendError{Op: "compare", Tensor: t.Name(), Want: tensor.HostLinear, Got: t.Backend(),
				Details: "convert device tensors to host before comparing"}
		}
	}
	if expected.Backend() != actual.Backend() {
		return Verdict{}, &tensor.BackendError{Op: "compare", Tensor: actual.Name(), Want: expected.Backend(), Got: actual.Backend()}
	}
	if tol.Abs < 0 || tol.Rel < 0 || math.IsNaN(tol.Abs) || math.IsNaN(tol.Rel) {
		return Verdict{}, fmt.Errorf("compare: invalid tolerance %s", tol)
	}

	if !expected.Shape().Equal(actual.Shape()) {
		return Verdict{
			Kind:          ShapeMismatch,
			ExpectedShape: expected.Shape().Clone(),
			ActualShape:   actual.Shape().Clone(),
		}, nil
	}

	v := Verdict{Kind: Equal, Compared: expected.NumElements()}
	for i := 0; i < v.Compared; i++ {
		e, a := expected.At(i), actual.At(i)
		if d := math.Abs(e - a); !math.IsNaN(d) && !math.IsInf(d, 0) {
			v.MaxAbsDiff = max(v.MaxAbsDiff, d)
		}
		if tol.Allows(e, a) {
			continue
		}
		v.Mismatches++
		if v.Kind == Equal {
			v.Kind = Unequal
			v.Index = i
			v.Coord = expected.Shape().Unravel(i)
			v.Expected = e
			v.Actual = a
		}
	}
	return v, nil
}
