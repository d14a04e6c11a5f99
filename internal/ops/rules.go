package ops

import (
	"fmt"

	"github.com/born-ml/opcheck/internal/ops/invocation"
	"github.com/born-ml/opcheck/internal/tensor"
)

// ChannelAxis returns the channel axis of a rank-r tensor on backend: 1 for the
// channel-first host-alternate layout of 4-D tensors, the last axis otherwise.
func ChannelAxis(backend tensor.Backend, rank int) int {
	if backend == tensor.HostAlternate && rank == 4 {
		return 1
	}
	return rank - 1
}

// AxisAttr names the integer attribute selecting a reduction axis.
const AxisAttr = "axis"

// SoftmaxAxis resolves the softmax axis of inv for an input of shape on backend.
// A missing axis attribute selects the channel axis and negative values count from
// the end. Only host-linear softmax normalizes over an arbitrary axis; the other
// backends accept their channel axis alone.
func SoftmaxAxis(inv *invocation.Invocation, backend tensor.Backend, shape tensor.Shape) (int, error) {
	rank := shape.Rank()
	channel := ChannelAxis(backend, rank)
	requested := inv.AttrInt(AxisAttr, int64(channel))
	axis := int(requested)
	if axis < 0 {
		axis += rank
	}
	switch {
	case axis < 0 || axis >= rank:
		return 0, &tensor.MismatchError{Op: inv.OpType(), Shapes: []tensor.Shape{shape},
			Details: fmt.Sprintf("axis %d out of range for rank %d", requested, rank)}
	case axis != channel && backend != tensor.HostLinear:
		return 0, &tensor.MismatchError{Op: inv.OpType(), Shapes: []tensor.Shape{shape},
			Details: fmt.Sprintf("%s softmax runs over channel axis %d only, got axis %d", backend, channel, requested)}
	}
	return axis, nil
}

func expectInputs(inv *invocation.Invocation, inputs []tensor.Shape, n int) error {
	if len(inputs) != n {
		return &tensor.MismatchError{Op: inv.OpType(), Shapes: inputs,
			Details: fmt.Sprintf("got %d inputs, want %d", len(inputs), n)}
	}
	return nil
}

// SameShape is the rule of unary elementwise operators: one input, every output
// shaped like it.
func SameShape(inv *invocation.Invocation, inputs []tensor.Shape) ([]tensor.Shape, error) {
	if err := expectInputs(inv, inputs, 1); err != nil {
		return nil, err
	}
	out := make([]tensor.Shape, inv.NumOutputs())
	for i := range out {
		out[i] = inputs[0].Clone()
	}
	return out, nil
}

// SoftmaxRule accepts one input of rank >= 1 with a non-empty softmax axis (see
// SoftmaxAxis) and produces one output of the same shape. Host-alternate and
// device inputs must be 4-D.
func SoftmaxRule(inv *invocation.Invocation, inputs []tensor.Shape) ([]tensor.Shape, error) {
	if err := expectInputs(inv, inputs, 1); err != nil {
		return nil, err
	}
	if inv.NumOutputs() != 1 {
		return nil, &tensor.MismatchError{Op: inv.OpType(), Shapes: inputs,
			Details: fmt.Sprintf("got %d outputs, want 1", inv.NumOutputs())}
	}
	in := inputs[0]
	switch {
	case in.Rank() == 0:
		return nil, &tensor.MismatchError{Op: inv.OpType(), Shapes: inputs, Details: "scalar input"}
	case inv.Backend() != tensor.HostLinear && in.Rank() != 4:
		return nil, &tensor.MismatchError{Op: inv.OpType(), Shapes: inputs,
			Details: fmt.Sprintf("%s input must be 4-D", inv.Backend())}
	}
	axis, err := SoftmaxAxis(inv, inv.Backend(), in)
	if err != nil {
		return nil, err
	}
	if in[axis] == 0 {
		return nil, &tensor.MismatchError{Op: inv.OpType(), Shapes: inputs,
			Details: fmt.Sprintf("empty softmax axis %d", axis)}
	}
	return []tensor.Shape{in.Clone()}, nil
}
