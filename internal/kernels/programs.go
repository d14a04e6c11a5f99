package kernels

import (
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/opcheck/internal/device"
	"github.com/born-ml/opcheck/internal/device/emulated"
	"github.com/born-ml/opcheck/internal/parallel"
	"github.com/born-ml/opcheck/internal/tensor"
)

// texelGeometry is the addressing of an (N, H, W, C) image: pixel (row, x) has its
// channel block b at texel row*width + b*w + x.
type texelGeometry struct {
	n, h, w, c int
	blocks     int
	width      int
}

func (g texelGeometry) texel(row, x, b int) int {
	return (row*g.width + b*g.w + x) * device.TexelChannels
}

func unaryImageArgs(name string, inputs, outputs []*emulated.Texels, dims []int) (texelGeometry, error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return texelGeometry{}, errors.Errorf("%s: got %d inputs and %d outputs, want 1 and 1", name, len(inputs), len(outputs))
	}
	if len(dims) != 4 {
		return texelGeometry{}, errors.Errorf("%s: dims %v, want (N, H, W, C)", name, dims)
	}
	g := texelGeometry{n: dims[0], h: dims[1], w: dims[2], c: dims[3]}
	g.blocks = (g.c + device.TexelChannels - 1) / device.TexelChannels
	g.width = g.w * g.blocks

	want := device.ImageShape{Width: g.width, Height: g.n * g.h}
	in, out := inputs[0], outputs[0]
	if in.Shape != want || out.Shape != want {
		return texelGeometry{}, errors.Errorf("%s: images %s -> %s, want %s for dims %v", name, in.Shape, out.Shape, want, dims)
	}
	if in.DType != out.DType {
		return texelGeometry{}, errors.Errorf("%s: image dtypes %s -> %s", name, in.DType, out.DType)
	}
	return g, nil
}

// softmaxImage normalizes every pixel's C lanes. Padding lanes of the output are zero.
func softmaxImage(inputs, outputs []*emulated.Texels, dims []int) error {
	g, err := unaryImageArgs(ProgramSoftmax, inputs, outputs, dims)
	if err != nil {
		return err
	}
	switch inputs[0].DType {
	case tensor.Float32:
		softmaxTexels(inputs[0].Float32(), outputs[0].Float32(), g)
	case tensor.Float64:
		softmaxTexels(inputs[0].Float64(), outputs[0].Float64(), g)
	default:
		return errors.Errorf("%s: unsupported dtype %s", ProgramSoftmax, inputs[0].DType)
	}
	return nil
}

func softmaxTexels[T float](src, dst []T, g texelGeometry) {
	if g.c == 0 {
		return
	}
	parallel.ForRows(g.n, g.h, func(n, h int) {
		row := n*g.h + h
		for x := 0; x < g.w; x++ {
			maxVal := T(math.Inf(-1))
			for b := 0; b < g.blocks; b++ {
				t := g.texel(row, x, b)
				for l := 0; l < device.TexelChannels && b*device.TexelChannels+l < g.c; l++ {
					maxVal = max(maxVal, src[t+l])
				}
			}

			var sum T
			for b := 0; b < g.blocks; b++ {
				t := g.texel(row, x, b)
				for l := 0; l < device.TexelChannels; l++ {
					if b*device.TexelChannels+l >= g.c {
						dst[t+l] = 0
						continue
					}
					e := T(math.Exp(float64(src[t+l] - maxVal)))
					dst[t+l] = e
					sum += e
				}
			}

			for b := 0; b < g.blocks; b++ {
				t := g.texel(row, x, b)
				for l := 0; l < device.TexelChannels; l++ {
					dst[t+l] /= sum
				}
			}
		}
	}, hostParallel)
}

// reluImage clamps every lane at zero. Zero padding lanes stay zero.
func reluImage(inputs, outputs []*emulated.Texels, dims []int) error {
	if _, err := unaryImageArgs(ProgramRelu, inputs, outputs, dims); err != nil {
		return err
	}
	switch inputs[0].DType {
	case tensor.Float32:
		relu(inputs[0].Float32(), outputs[0].Float32(), hostParallel)
	case tensor.Float64:
		relu(inputs[0].Float64(), outputs[0].Float64(), hostParallel)
	default:
		return errors.Errorf("%s: unsupported dtype %s", ProgramRelu, inputs[0].DType)
	}
	return nil
}
