package invocation

import (
	"github.com/born-ml/opcheck/internal/tensor"
)

// Builder accumulates an Invocation. Methods return the builder so calls chain;
// nothing is validated until Finalize. The zero backend is tensor.HostLinear.
type Builder struct {
	inv Invocation
}

// NewBuilder starts a descriptor for opType.
func NewBuilder(opType string) *Builder {
	return &Builder{inv: Invocation{opType: opType}}
}

// Name sets the node name used in logs and errors.
func (b *Builder) Name(name string) *Builder {
	b.inv.name = name
	return b
}

// Input appends input names in order.
func (b *Builder) Input(names ...string) *Builder {
	b.inv.inputs = append(b.inv.inputs, names...)
	return b
}

// Output appends output names in order.
func (b *Builder) Output(names ...string) *Builder {
	b.inv.outputs = append(b.inv.outputs, names...)
	return b
}

// Backend sets the target backend.
func (b *Builder) Backend(backend tensor.Backend) *Builder {
	b.inv.backend = backend
	return b
}

// AttrInt adds an integer attribute.
func (b *Builder) AttrInt(name string, v int64) *Builder {
	b.inv.attrs = append(b.inv.attrs, Attribute{Name: name, Kind: AttrInt, I: v})
	return b
}

// AttrFloat adds a float attribute.
func (b *Builder) AttrFloat(name string, v float64) *Builder {
	b.inv.attrs = append(b.inv.attrs, Attribute{Name: name, Kind: AttrFloat, F: v})
	return b
}

// AttrString adds a string attribute.
func (b *Builder) AttrString(name, v string) *Builder {
	b.inv.attrs = append(b.inv.attrs, Attribute{Name: name, Kind: AttrString, S: v})
	return b
}

// Finalize validates and returns an immutable copy of the descriptor.
// The builder can keep being used; later calls do not affect issued descriptors.
func (b *Builder) Finalize() (*Invocation, error) {
	if b.inv.opType == "" {
		return nil, &Error{Details: "missing operator type"}
	}
	if len(b.inv.outputs) == 0 {
		return nil, &Error{OpType: b.inv.opType, Details: "no outputs"}
	}
	for _, names := range [][]string{b.inv.inputs, b.inv.outputs} {
		for _, n := range names {
			if n == "" {
				return nil, &Error{OpType: b.inv.opType, Details: "empty tensor name"}
			}
		}
	}
	return b.inv.clone(), nil
}

// Error reports an invalid descriptor.
type Error struct {
	OpType  string
	Details string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.OpType == "" {
		return ErrIncompleteInvocation.Error() + ": " + e.Details
	}
	return ErrIncompleteInvocation.Error() + ": " + e.OpType + ": " + e.Details
}

// Unwrap makes errors.Is(err, ErrIncompleteInvocation) hold.
func (e *Error) Unwrap() error { return ErrIncompleteInvocation }
