package kernels

import (
	"github.com/pkg/errors"

	"github.com/born-ml/opcheck/internal/ops"
	"github.com/born-ml/opcheck/internal/ops/invocation"
	"github.com/born-ml/opcheck/internal/parallel"
	"github.com/born-ml/opcheck/internal/tensor"
)

// reluHost computes max(0, x). Elementwise, so the same kernel serves both host layouts.
func reluHost(_ *ops.Context, inv *invocation.Invocation, inputs, outputs []*tensor.Tensor) error {
	in, out, err := hostOperands(inv, inputs, outputs)
	if err != nil {
		return err
	}
	switch in.DType() {
	case tensor.Float32:
		relu(in.AsFloat32(), out.AsFloat32(), hostParallel)
	case tensor.Float64:
		relu(in.AsFloat64(), out.AsFloat64(), hostParallel)
	default:
		return errors.Errorf("relu: unsupported dtype %s", in.DType())
	}
	return nil
}

func relu[T float](src, dst []T, cfg parallel.Config) {
	parallel.ForRange(len(src), func(start, end int) {
		for i := start; i < end; i++ {
			if v := src[i]; v > 0 {
				dst[i] = v
			} else {
				dst[i] = 0
			}
		}
	}, cfg)
}
