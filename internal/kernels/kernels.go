// Package kernels is the reference kernel set: Softmax and Relu on every backend.
//
// Host kernels compute directly on linear buffers. Device kernels only enqueue a
// named program on the device runtime and await it; the program bodies live in
// Programs (emulated runtime) and Shaders (WGSL for the WebGPU runtime), and both
// read and write the texel layout produced by package layout.
package kernels

import (
	"github.com/pkg/errors"

	"github.com/born-ml/opcheck/internal/device"
	"github.com/born-ml/opcheck/internal/device/emulated"
	"github.com/born-ml/opcheck/internal/ops"
	"github.com/born-ml/opcheck/internal/ops/invocation"
	"github.com/born-ml/opcheck/internal/parallel"
	"github.com/born-ml/opcheck/internal/tensor"
)

// Operator types.
const (
	OpSoftmax = "Softmax"
	OpRelu    = "Relu"
)

// Device program names.
const (
	ProgramSoftmax = "softmax_image"
	ProgramRelu    = "relu_image"
)

// hostParallel is the loop configuration of host kernels and emulated programs.
var hostParallel = parallel.DefaultConfig()

// Register installs every reference kernel and shape rule into reg.
func Register(reg *ops.Registry) {
	reg.RegisterShapeRule(OpSoftmax, ops.SoftmaxRule)
	reg.Register(OpSoftmax, tensor.HostLinear, softmaxLinear)
	reg.Register(OpSoftmax, tensor.HostAlternate, softmaxAlternate)
	reg.Register(OpSoftmax, tensor.DeviceOpaque, DeviceKernel(ProgramSoftmax))

	reg.RegisterShapeRule(OpRelu, ops.SameShape)
	reg.Register(OpRelu, tensor.HostLinear, reluHost)
	reg.Register(OpRelu, tensor.HostAlternate, reluHost)
	reg.Register(OpRelu, tensor.DeviceOpaque, DeviceKernel(ProgramRelu))
}

// Programs returns the emulated-runtime programs of the device kernels.
func Programs() map[string]emulated.Program {
	return map[string]emulated.Program{
		ProgramSoftmax: softmaxImage,
		ProgramRelu:    reluImage,
	}
}

// Shaders returns the WGSL sources of the device kernels.
func Shaders() map[string]string {
	return map[string]string{
		ProgramSoftmax: softmaxShader,
		ProgramRelu:    reluShader,
	}
}

// DeviceKernel returns a kernel that runs program over the (N, H, W, C) extent of
// input 0 and waits for it. Command errors surface here.
func DeviceKernel(program string) ops.Kernel {
	return func(ctx *ops.Context, inv *invocation.Invocation, inputs, outputs []*tensor.Tensor) error {
		if ctx == nil || ctx.Runtime == nil {
			return errors.Wrapf(device.ErrUnavailable, "%s: no device runtime", program)
		}
		if len(inputs) == 0 || len(outputs) == 0 {
			return errors.Errorf("%s: need at least one input and one output", program)
		}
		var args device.Args
		for _, group := range []struct {
			tensors []*tensor.Tensor
			dst     *[]device.Image
		}{{inputs, &args.Inputs}, {outputs, &args.Outputs}} {
			for _, t := range group.tensors {
				img, err := imageOf(inv, t)
				if err != nil {
					return err
				}
				*group.dst = append(*group.dst, img)
			}
		}
		shape := inputs[0].Shape()
		if shape.Rank() != 4 {
			return errors.Errorf("%s: input %q has shape %s, want (N, H, W, C)", program, inputs[0].Name(), shape)
		}
		args.Dims = []int(shape.Clone())

		h, err := ctx.Runtime.Enqueue(program, args)
		if err != nil {
			return err
		}
		return ctx.Runtime.Await(h)
	}
}

func imageOf(inv *invocation.Invocation, t *tensor.Tensor) (device.Image, error) {
	if t.Backend() != tensor.DeviceOpaque {
		return nil, &tensor.BackendError{Op: inv.OpType(), Tensor: t.Name(), Want: tensor.DeviceOpaque, Got: t.Backend()}
	}
	img, ok := t.Storage().(device.Image)
	if !ok {
		return nil, errors.Wrapf(device.ErrForeignImage, "tensor %q", t.Name())
	}
	return img, nil
}

// hostOperands checks a unary host kernel's operands.
func hostOperands(inv *invocation.Invocation, inputs, outputs []*tensor.Tensor) (in, out *tensor.Tensor, err error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, nil, errors.Errorf("%s: got %d inputs and %d outputs, want 1 and 1", inv.OpType(), len(inputs), len(outputs))
	}
	in, out = inputs[0], outputs[0]
	for _, t := range []*tensor.Tensor{in, out} {
		if !t.Backend().IsHost() {
			return nil, nil, &tensor.BackendError{Op: inv.OpType(), Tensor: t.Name(), Want: inv.Backend(), Got: t.Backend()}
		}
	}
	if !in.Shape().Equal(out.Shape()) {
		return nil, nil, &tensor.MismatchError{Op: inv.OpType(), Tensor: out.Name(),
			Shapes: []tensor.Shape{out.Shape()}, Want: in.Shape()}
	}
	if in.DType() != out.DType() {
		return nil, nil, errors.Errorf("%s: output dtype %s, input %s", inv.OpType(), out.DType(), in.DType())
	}
	return in, out, nil
}
