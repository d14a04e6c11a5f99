// Package invocation describes one operator call before it runs: the operator type,
// ordered input and output tensor names, the target backend and attributes.
//
// A descriptor holds names only, never tensor data, so it can be built once and
// run against any number of workspaces:
//
//	inv, err := invocation.NewBuilder("Softmax").
//		Name("SoftmaxTest").
//		Input("Input").
//		Output("Output").
//		Backend(tensor.DeviceOpaque).
//		Finalize()
package invocation

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/born-ml/opcheck/internal/tensor"
)

// ErrIncompleteInvocation is returned by Finalize when the operator type or the
// outputs are missing.
var ErrIncompleteInvocation = errors.New("incomplete invocation")

// AttrKind tags the value held by an Attribute.
type AttrKind int

// Attribute kinds.
const (
	AttrInt AttrKind = iota
	AttrFloat
	AttrString
)

// Attribute is a named scalar operator parameter, e.g. "axis".
type Attribute struct {
	Name string
	Kind AttrKind
	I    int64   // AttrInt value
	F    float64 // AttrFloat value
	S    string  // AttrString value
}

// String formats the attribute as name=value.
func (a Attribute) String() string {
	switch a.Kind {
	case AttrInt:
		return fmt.Sprintf("%s=%d", a.Name, a.I)
	case AttrFloat:
		return fmt.Sprintf("%s=%g", a.Name, a.F)
	default:
		return fmt.Sprintf("%s=%q", a.Name, a.S)
	}
}

// Invocation is an immutable operator call descriptor.
type Invocation struct {
	opType  string
	name    string
	inputs  []string
	outputs []string
	backend tensor.Backend
	attrs   []Attribute
}

// OpType returns the operator type, e.g. "Softmax".
func (inv *Invocation) OpType() string { return inv.opType }

// Name returns the optional node name, or the operator type if none was given.
func (inv *Invocation) Name() string {
	if inv.name == "" {
		return inv.opType
	}
	return inv.name
}

// Backend returns the target backend.
func (inv *Invocation) Backend() tensor.Backend { return inv.backend }

// Inputs returns a copy of the ordered input names.
func (inv *Invocation) Inputs() []string { return slices.Clone(inv.inputs) }

// Outputs returns a copy of the ordered output names.
func (inv *Invocation) Outputs() []string { return slices.Clone(inv.outputs) }

// NumInputs returns the number of inputs.
func (inv *Invocation) NumInputs() int { return len(inv.inputs) }

// NumOutputs returns the number of outputs.
func (inv *Invocation) NumOutputs() int { return len(inv.outputs) }

// Attributes returns a copy of the attributes in declaration order.
func (inv *Invocation) Attributes() []Attribute { return slices.Clone(inv.attrs) }

func (inv *Invocation) attr(name string, kind AttrKind) (Attribute, bool) {
	// Later declarations override earlier ones.
	for i := len(inv.attrs) - 1; i >= 0; i-- {
		if inv.attrs[i].Name == name && inv.attrs[i].Kind == kind {
			return inv.attrs[i], true
		}
	}
	return Attribute{}, false
}

// AttrInt returns an integer attribute or defaultVal.
func (inv *Invocation) AttrInt(name string, defaultVal int64) int64 {
	if a, ok := inv.attr(name, AttrInt); ok {
		return a.I
	}
	return defaultVal
}

// AttrFloat returns a float attribute or defaultVal.
func (inv *Invocation) AttrFloat(name string, defaultVal float64) float64 {
	if a, ok := inv.attr(name, AttrFloat); ok {
		return a.F
	}
	return defaultVal
}

// AttrString returns a string attribute or defaultVal.
func (inv *Invocation) AttrString(name, defaultVal string) string {
	if a, ok := inv.attr(name, AttrString); ok {
		return a.S
	}
	return defaultVal
}

// WithBackend returns a copy of inv targeting backend b.
func (inv *Invocation) WithBackend(b tensor.Backend) *Invocation {
	cp := inv.clone()
	cp.backend = b
	return cp
}

func (inv *Invocation) clone() *Invocation {
	return &Invocation{
		opType:  inv.opType,
		name:    inv.name,
		inputs:  slices.Clone(inv.inputs),
		outputs: slices.Clone(inv.outputs),
		backend: inv.backend,
		attrs:   slices.Clone(inv.attrs),
	}
}

// String formats the call, e.g. `Softmax "SoftmaxTest" (Input) -> (Output) on device-opaque`.
func (inv *Invocation) String() string {
	var b strings.Builder
	b.WriteString(inv.opType)
	if inv.name != "" {
		fmt.Fprintf(&b, " %q", inv.name)
	}
	fmt.Fprintf(&b, " (%s) -> (%s) on %s", strings.Join(inv.inputs, ", "), strings.Join(inv.outputs, ", "), inv.backend)
	if len(inv.attrs) > 0 {
		parts := make([]string, len(inv.attrs))
		for i, a := range inv.attrs {
			parts[i] = a.String()
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(parts, " "))
	}
	return b.String()
}
