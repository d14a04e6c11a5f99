package kernels

import (
	"math"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/opcheck/internal/device"
	"github.com/born-ml/opcheck/internal/device/emulated"
	"github.com/born-ml/opcheck/internal/layout"
	"github.com/born-ml/opcheck/internal/ops"
	"github.com/born-ml/opcheck/internal/ops/invocation"
	"github.com/born-ml/opcheck/internal/tensor"
)

var simpleInput = []float32{1, 1, 1, 1, 1, 2, 3, 4}

var simpleExpected = []float32{0.25, 0.25, 0.25, 0.25, 0.0320586, 0.08714432, 0.23688282, 0.64391426}

func unary(t *testing.T, op string, backend tensor.Backend) *invocation.Invocation {
	t.Helper()
	return must.M1(invocation.NewBuilder(op).Input("in").Output("out").Backend(backend).Finalize())
}

func run(t *testing.T, k ops.Kernel, ctx *ops.Context, inv *invocation.Invocation, in, out *tensor.Tensor) {
	t.Helper()
	require.NoError(t, k(ctx, inv, []*tensor.Tensor{in}, []*tensor.Tensor{out}))
}

func TestSoftmaxLinear(t *testing.T) {
	in := must.M1(tensor.FromFloat32("in", tensor.Shape{1, 1, 2, 4}, simpleInput))
	out := must.M1(tensor.Allocate("out", in.Shape(), tensor.Float32, tensor.HostLinear))

	run(t, softmaxLinear, nil, unary(t, OpSoftmax, tensor.HostLinear), in, out)
	assert.InDeltaSlice(t, simpleExpected, out.AsFloat32(), 1e-5)
}

func TestSoftmaxLinearAxis(t *testing.T) {
	in := must.M1(tensor.FromFloat32("in", tensor.Shape{2, 1, 1, 2}, []float32{0, 0, 5, 5}))
	out := must.M1(tensor.Allocate("out", in.Shape(), tensor.Float32, tensor.HostLinear))

	inv := must.M1(invocation.NewBuilder(OpSoftmax).Input("in").Output("out").AttrInt(ops.AxisAttr, 0).Finalize())
	run(t, softmaxLinear, nil, inv, in, out)
	small := float32(1 / (1 + math.Exp(5)))
	assert.InDeltaSlice(t, []float32{small, small, 1 - small, 1 - small}, out.AsFloat32(), 1e-6)

	// The last axis, spelled negatively, is the default.
	inv = must.M1(invocation.NewBuilder(OpSoftmax).Input("in").Output("out").AttrInt(ops.AxisAttr, -1).Finalize())
	run(t, softmaxLinear, nil, inv, in, out)
	assert.InDeltaSlice(t, []float32{0.5, 0.5, 0.5, 0.5}, out.AsFloat32(), 1e-6)
}

func TestSoftmaxAlternateRejectsOtherAxes(t *testing.T) {
	in := must.M1(tensor.Allocate("in", tensor.Shape{1, 3, 2, 2}, tensor.Float32, tensor.HostAlternate))
	out := must.M1(tensor.Allocate("out", in.Shape(), tensor.Float32, tensor.HostAlternate))
	inv := must.M1(invocation.NewBuilder(OpSoftmax).Input("in").Output("out").Backend(tensor.HostAlternate).
		AttrInt(ops.AxisAttr, 3).Finalize())

	err := softmaxAlternate(nil, inv, []*tensor.Tensor{in}, []*tensor.Tensor{out})
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestSoftmaxFloat64RowsSumToOne(t *testing.T) {
	in := must.M1(tensor.Allocate("in", tensor.Shape{3, 7}, tensor.Float64, tensor.HostLinear))
	require.NoError(t, tensor.FillRandom(in, tensor.Normal{Mean: 0, Std: 20}, 1))
	out := must.M1(tensor.Allocate("out", in.Shape(), tensor.Float64, tensor.HostLinear))

	run(t, softmaxLinear, nil, unary(t, OpSoftmax, tensor.HostLinear), in, out)
	data := out.AsFloat64()
	for r := 0; r < 3; r++ {
		var sum float64
		for _, v := range data[r*7 : (r+1)*7] {
			require.False(t, math.IsNaN(v))
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}
}

func TestSoftmaxAlternateMatchesLinear(t *testing.T) {
	conv := layout.NewConverter(nil)
	in := must.M1(tensor.Allocate("in", tensor.Shape{2, 5, 3, 6}, tensor.Float32, tensor.HostLinear))
	require.NoError(t, tensor.FillRandom(in, nil, 5))

	want := must.M1(tensor.Allocate("want", in.Shape(), tensor.Float32, tensor.HostLinear))
	run(t, softmaxLinear, nil, unary(t, OpSoftmax, tensor.HostLinear), in, want)

	alt := must.M1(conv.ToAlternateChannelOrder(in, "in/nchw"))
	altOut := must.M1(tensor.Allocate("out/nchw", alt.Shape(), tensor.Float32, tensor.HostAlternate))
	run(t, softmaxAlternate, nil, unary(t, OpSoftmax, tensor.HostAlternate), alt, altOut)

	got := must.M1(conv.FromAlternateChannelOrder(altOut, "out"))
	assert.Equal(t, want.AsFloat32(), got.AsFloat32())
}

func TestSoftmaxImage(t *testing.T) {
	rt := emulated.New(device.DefaultLimits())
	defer func() { _ = rt.Close() }()
	rt.RegisterPrograms(Programs())
	conv := layout.NewConverter(rt)
	ctx := &ops.Context{Runtime: rt}

	for _, shape := range []tensor.Shape{{1, 1, 2, 4}, {2, 3, 5, 13}, {1, 4, 4, 1}} {
		t.Run(shape.String(), func(t *testing.T) {
			in := must.M1(tensor.Allocate("in", shape, tensor.Float32, tensor.HostLinear))
			if shape.NumElements() == len(simpleInput) {
				copy(in.AsFloat32(), simpleInput)
			} else {
				require.NoError(t, tensor.FillRandom(in, nil, 9))
			}
			want := must.M1(tensor.Allocate("want", shape, tensor.Float32, tensor.HostLinear))
			run(t, softmaxLinear, nil, unary(t, OpSoftmax, tensor.HostLinear), in, want)

			img := must.M1(conv.ToDeviceOpaque(in, "in/image"))
			defer img.Release()
			outImg := must.M1(conv.Allocate("out/image", shape, tensor.Float32, tensor.DeviceOpaque))
			defer outImg.Release()
			run(t, DeviceKernel(ProgramSoftmax), ctx, unary(t, OpSoftmax, tensor.DeviceOpaque), img, outImg)

			got := must.M1(conv.FromDeviceOpaque(outImg, "out"))
			assert.InDeltaSlice(t, want.AsFloat32(), got.AsFloat32(), 1e-6)

			// Padding lanes of the result stay zero.
			raw := must.M1(rt.ReadBack(outImg.Storage().(device.Image)))
			lanes := (&emulated.Texels{DType: tensor.Float32, Data: raw}).Float32()
			c := shape[3]
			if rem := c % device.TexelChannels; rem != 0 {
				blocks := (c + 3) / 4
				w := shape[2]
				last := ((blocks-1)*w + 0) * device.TexelChannels
				for l := rem; l < device.TexelChannels; l++ {
					assert.Zero(t, lanes[last+l])
				}
			}
		})
	}
}

func TestRelu(t *testing.T) {
	rt := emulated.New(device.DefaultLimits())
	defer func() { _ = rt.Close() }()
	rt.RegisterPrograms(Programs())
	conv := layout.NewConverter(rt)

	in := must.M1(tensor.FromFloat32("in", tensor.Shape{1, 1, 2, 3}, []float32{-1, 0, 2, 3.5, -0.5, 7}))
	want := []float32{0, 0, 2, 3.5, 0, 7}

	out := must.M1(tensor.Allocate("out", in.Shape(), tensor.Float32, tensor.HostLinear))
	run(t, reluHost, nil, unary(t, OpRelu, tensor.HostLinear), in, out)
	assert.Equal(t, want, out.AsFloat32())

	img := must.M1(conv.ToDeviceOpaque(in, "in/image"))
	outImg := must.M1(conv.Allocate("out/image", in.Shape(), tensor.Float32, tensor.DeviceOpaque))
	run(t, DeviceKernel(ProgramRelu), &ops.Context{Runtime: rt}, unary(t, OpRelu, tensor.DeviceOpaque), img, outImg)
	assert.Equal(t, want, must.M1(conv.FromDeviceOpaque(outImg, "out")).AsFloat32())
}

func TestHostKernelErrors(t *testing.T) {
	inv := unary(t, OpSoftmax, tensor.HostLinear)
	in := must.M1(tensor.Allocate("in", tensor.Shape{2, 3}, tensor.Float32, tensor.HostLinear))
	wrongShape := must.M1(tensor.Allocate("out", tensor.Shape{3, 2}, tensor.Float32, tensor.HostLinear))
	wrongType := must.M1(tensor.Allocate("out", tensor.Shape{2, 3}, tensor.Float64, tensor.HostLinear))

	err := softmaxLinear(nil, inv, []*tensor.Tensor{in}, []*tensor.Tensor{wrongShape})
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)
	require.Error(t, softmaxLinear(nil, inv, []*tensor.Tensor{in}, []*tensor.Tensor{wrongType}))
	require.Error(t, softmaxLinear(nil, inv, []*tensor.Tensor{in}, nil))
}

func TestDeviceKernelErrors(t *testing.T) {
	inv := unary(t, OpSoftmax, tensor.DeviceOpaque)
	in := must.M1(tensor.Allocate("in", tensor.Shape{1, 1, 1, 4}, tensor.Float32, tensor.HostLinear))

	err := DeviceKernel(ProgramSoftmax)(&ops.Context{}, inv, []*tensor.Tensor{in}, []*tensor.Tensor{in})
	require.ErrorIs(t, err, device.ErrUnavailable)

	rt := emulated.New(device.DefaultLimits())
	defer func() { _ = rt.Close() }()
	err = DeviceKernel(ProgramSoftmax)(&ops.Context{Runtime: rt}, inv, []*tensor.Tensor{in}, []*tensor.Tensor{in})
	require.ErrorIs(t, err, tensor.ErrBackendMismatch)

	// Programs not registered on the runtime.
	conv := layout.NewConverter(rt)
	img := must.M1(conv.ToDeviceOpaque(in, "img"))
	out := must.M1(conv.Allocate("out", in.Shape(), tensor.Float32, tensor.DeviceOpaque))
	err = DeviceKernel(ProgramSoftmax)(&ops.Context{Runtime: rt}, inv, []*tensor.Tensor{img}, []*tensor.Tensor{out})
	require.ErrorIs(t, err, device.ErrUnknownProgram)
}

func TestRegister(t *testing.T) {
	reg := ops.NewRegistry()
	Register(reg)
	assert.Equal(t, []string{OpRelu, OpSoftmax}, reg.Operators())
	for _, op := range reg.Operators() {
		assert.Equal(t, tensor.Backends, reg.Backends(op))
		_, ok := reg.ShapeRule(op)
		assert.True(t, ok)
	}
	assert.ElementsMatch(t, []string{ProgramSoftmax, ProgramRelu}, keys(Shaders()))
	assert.ElementsMatch(t, []string{ProgramSoftmax, ProgramRelu}, keys(Programs()))
	for name, src := range Shaders() {
		assert.Contains(t, src, "fn main", name)
		assert.Contains(t, src, "@workgroup_size(64)", name)
	}
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
