package ops

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/born-ml/opcheck/internal/device"
	"github.com/born-ml/opcheck/internal/ops/invocation"
	"github.com/born-ml/opcheck/internal/tensor"
)

// Plan is a resolved, validated invocation ready to run.
type Plan struct {
	Kernel       Kernel
	OutputShapes []tensor.Shape
	OutputDType  tensor.DataType
}

// Dispatcher resolves invocations against a Registry.
type Dispatcher struct {
	registry *Registry
	ctx      *Context
}

// NewDispatcher creates a dispatcher over registry. rt is handed to kernels through
// Context and may be nil when no device kernels run.
func NewDispatcher(registry *Registry, rt device.Runtime) *Dispatcher {
	return &Dispatcher{registry: registry, ctx: &Context{Runtime: rt}}
}

// Registry returns the underlying registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Context returns the context passed to kernels.
func (d *Dispatcher) Context() *Context { return d.ctx }

// Prepare resolves the kernel of inv and runs the operator's shape rule on the input
// shapes. No kernel code runs here. Without a shape rule every output takes the shape
// of input 0.
func (d *Dispatcher) Prepare(inv *invocation.Invocation, inputs []*tensor.Tensor) (*Plan, error) {
	kernel, err := d.registry.Resolve(inv.OpType(), inv.Backend())
	if err != nil {
		return nil, err
	}

	shapes := make([]tensor.Shape, len(inputs))
	dtype := tensor.Float32
	for i, in := range inputs {
		shapes[i] = in.Shape()
		if i == 0 {
			dtype = in.DType()
		} else if in.DType() != dtype {
			return nil, &tensor.MismatchError{Op: inv.OpType(), Tensor: in.Name(), Shapes: shapes[:i+1],
				Details: fmt.Sprintf("dtype %s, want %s", in.DType(), dtype)}
		}
	}

	var out []tensor.Shape
	if rule, ok := d.registry.ShapeRule(inv.OpType()); ok {
		out, err = rule(inv, shapes)
		if err != nil {
			return nil, shapeRuleError(inv, shapes, err)
		}
	} else {
		if len(shapes) == 0 {
			return nil, &tensor.MismatchError{Op: inv.OpType(), Details: "no shape rule and no inputs to infer outputs from"}
		}
		out = make([]tensor.Shape, inv.NumOutputs())
		for i := range out {
			out[i] = shapes[0].Clone()
		}
	}
	if len(out) != inv.NumOutputs() {
		return nil, &tensor.MismatchError{Op: inv.OpType(), Shapes: shapes,
			Details: fmt.Sprintf("shape rule produced %d outputs, invocation names %d", len(out), inv.NumOutputs())}
	}
	for _, s := range out {
		if err := s.Validate(dtype.Size()); err != nil {
			return nil, shapeRuleError(inv, shapes, err)
		}
	}

	klog.V(5).Infof("ops: %s resolved, outputs %v", inv, out)
	return &Plan{Kernel: kernel, OutputShapes: out, OutputDType: dtype}, nil
}

// shapeRuleError makes sure rule failures carry the operator name and input shapes.
func shapeRuleError(inv *invocation.Invocation, shapes []tensor.Shape, err error) error {
	var me *tensor.MismatchError
	if errors.As(err, &me) {
		if me.Op == "" {
			cp := *me
			cp.Op = inv.OpType()
			if cp.Shapes == nil {
				cp.Shapes = shapes
			}
			return &cp
		}
		return me
	}
	return &tensor.MismatchError{Op: inv.OpType(), Shapes: shapes, Details: err.Error()}
}

// Invoke runs the planned kernel. Kernel errors and panics come back as *ComputeError.
func (d *Dispatcher) Invoke(plan *Plan, inv *invocation.Invocation, inputs, outputs []*tensor.Tensor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ComputeError{OpType: inv.OpType(), Backend: inv.Backend(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := plan.Kernel(d.ctx, inv, inputs, outputs); err != nil {
		return &ComputeError{OpType: inv.OpType(), Backend: inv.Backend(), Err: err}
	}
	return nil
}

// ComputeError wraps a kernel failure. errors.Is matches both ErrCompute and the cause.
type ComputeError struct {
	OpType  string
	Backend tensor.Backend
	Err     error
}

// Error implements the error interface.
func (e *ComputeError) Error() string {
	return fmt.Sprintf("%s: %s on %s: %v", ErrCompute, e.OpType, e.Backend, e.Err)
}

// Unwrap returns ErrCompute and the kernel's error.
func (e *ComputeError) Unwrap() []error { return []error{ErrCompute, e.Err} }
