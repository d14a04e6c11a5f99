package kernels

import (
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/opcheck/internal/ops"
	"github.com/born-ml/opcheck/internal/ops/invocation"
	"github.com/born-ml/opcheck/internal/parallel"
	"github.com/born-ml/opcheck/internal/tensor"
)

type float interface {
	~float32 | ~float64
}

func softmaxLinear(_ *ops.Context, inv *invocation.Invocation, inputs, outputs []*tensor.Tensor) error {
	return softmaxHost(inv, inputs, outputs)
}

func softmaxAlternate(_ *ops.Context, inv *invocation.Invocation, inputs, outputs []*tensor.Tensor) error {
	return softmaxHost(inv, inputs, outputs)
}

// softmaxHost normalizes over the axis chosen by ops.SoftmaxAxis: by default the
// last axis for host-linear and axis 1 for 4-D host-alternate.
func softmaxHost(inv *invocation.Invocation, inputs, outputs []*tensor.Tensor) error {
	in, out, err := hostOperands(inv, inputs, outputs)
	if err != nil {
		return err
	}
	shape := in.Shape()
	if shape.Rank() == 0 {
		return errors.New("softmax: scalar input")
	}
	axis, err := ops.SoftmaxAxis(inv, in.Backend(), shape)
	if err != nil {
		return err
	}

	// Rows share a softmax; elements of a row are inner apart.
	dim := shape[axis]
	inner := 1
	for _, d := range shape[axis+1:] {
		inner *= d
	}
	outer := 1
	for _, d := range shape[:axis] {
		outer *= d
	}

	switch in.DType() {
	case tensor.Float32:
		softmax(in.AsFloat32(), out.AsFloat32(), outer, dim, inner, hostParallel)
	case tensor.Float64:
		softmax(in.AsFloat64(), out.AsFloat64(), outer, dim, inner, hostParallel)
	default:
		return errors.Errorf("softmax: unsupported dtype %s", in.DType())
	}
	return nil
}

// softmax computes exp(x - max) / sum(exp(x - max)) over each of the outer*inner rows.
func softmax[T float](src, dst []T, outer, dim, inner int, cfg parallel.Config) {
	if dim == 0 {
		return
	}
	parallel.For(outer*inner, func(row int) {
		base := (row/inner)*dim*inner + row%inner

		// Find max for numerical stability
		maxVal := T(math.Inf(-1))
		for i := 0; i < dim; i++ {
			if v := src[base+i*inner]; v > maxVal {
				maxVal = v
			}
		}

		var sum T
		for i := 0; i < dim; i++ {
			idx := base + i*inner
			e := T(math.Exp(float64(src[idx] - maxVal)))
			dst[idx] = e
			sum += e
		}

		for i := 0; i < dim; i++ {
			dst[base+i*inner] /= sum
		}
	}, cfg)
}
