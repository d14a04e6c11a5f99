package layout

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/opcheck/internal/device"
	"github.com/born-ml/opcheck/internal/device/emulated"
	"github.com/born-ml/opcheck/internal/parallel"
	"github.com/born-ml/opcheck/internal/tensor"
)

func newConverter(t *testing.T, limits device.Limits) *Converter {
	t.Helper()
	rt := emulated.New(limits)
	t.Cleanup(func() { _ = rt.Close() })
	return NewConverter(rt)
}

func iota32(name string, shape tensor.Shape) *tensor.Tensor {
	data := make([]float32, shape.NumElements())
	for i := range data {
		data[i] = float32(i)
	}
	return must.M1(tensor.FromFloat32(name, shape, data))
}

func TestImageShapeFor(t *testing.T) {
	tests := []struct {
		shape tensor.Shape
		want  device.ImageShape
	}{
		{tensor.Shape{1, 1, 2, 4}, device.ImageShape{Width: 2, Height: 1}},
		{tensor.Shape{1, 1, 2, 5}, device.ImageShape{Width: 4, Height: 1}},
		{tensor.Shape{5, 211, 107, 1}, device.ImageShape{Width: 107, Height: 1055}},
		{tensor.Shape{1, 113, 107, 13}, device.ImageShape{Width: 428, Height: 113}},
		{tensor.Shape{8, 128, 128, 8}, device.ImageShape{Width: 256, Height: 1024}},
		{tensor.Shape{1, 3, 3, 0}, device.ImageShape{Width: 0, Height: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.shape.String(), func(t *testing.T) {
			got, err := ImageShapeFor(tt.shape)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ImageShapeFor(tensor.Shape{2, 3, 4})
	require.ErrorIs(t, err, ErrUnsupportedShape)
	_, err = ImageShapeFor(tensor.Shape{1, -1, 2, 3})
	require.ErrorIs(t, err, tensor.ErrInvalidShape)
}

func TestTexelPlacement(t *testing.T) {
	c := newConverter(t, device.DefaultLimits())
	src := iota32("x", tensor.Shape{1, 1, 2, 5})

	img := must.M1(c.ToDeviceOpaque(src, "x/image"))
	defer img.Release()
	assert.Equal(t, tensor.DeviceOpaque, img.Backend())
	assert.True(t, img.Shape().Equal(src.Shape()))

	raw := must.M1(c.Runtime().ReadBack(img.Storage().(device.Image)))
	texels := (&emulated.Texels{DType: tensor.Float32, Data: raw}).Float32()
	// Texel x = block*W + w; the second block holds channel 4 and three zero lanes.
	assert.Equal(t, []float32{
		0, 1, 2, 3,
		5, 6, 7, 8,
		4, 0, 0, 0,
		9, 0, 0, 0,
	}, texels)
}

func TestDeviceRoundTrip(t *testing.T) {
	c := newConverter(t, device.DefaultLimits())

	shapes := []tensor.Shape{
		{1, 1, 2, 4},
		{1, 1, 1, 1},
		{5, 211, 107, 1},
		{1, 113, 107, 13},
		{2, 7, 9, 3},
		{1, 4, 4, 16},
		{2, 0, 3, 3},
	}
	for i, shape := range shapes {
		t.Run(shape.String(), func(t *testing.T) {
			src := must.M1(tensor.Allocate("src", shape, tensor.Float32, tensor.HostLinear))
			require.NoError(t, tensor.FillRandom(src, tensor.Uniform{Low: -10, High: 10}, uint64(i)))
			before := bytes.Clone(src.Data())

			img := must.M1(c.ToDeviceOpaque(src, "img"))
			back := must.M1(c.FromDeviceOpaque(img, "back"))
			img.Release()

			assert.Equal(t, tensor.HostLinear, back.Backend())
			assert.True(t, back.Shape().Equal(shape))
			assert.Equal(t, before, back.Data(), "round trip must be bit-exact")
			assert.Equal(t, before, src.Data(), "source must not be mutated")
		})
	}
}

func TestDeviceRoundTripFloat64(t *testing.T) {
	c := newConverter(t, device.DefaultLimits())
	src := must.M1(tensor.Allocate("src", tensor.Shape{3, 5, 6, 7}, tensor.Float64, tensor.HostLinear))
	require.NoError(t, tensor.FillRandom(src, tensor.StandardNormal, 7))

	back := must.M1(c.Convert(must.M1(c.ToDeviceOpaque(src, "img")), tensor.HostLinear, "back"))
	assert.Equal(t, src.AsFloat64(), back.AsFloat64())
}

func TestToDeviceOpaqueErrors(t *testing.T) {
	c := newConverter(t, device.Limits{MaxImageWidth: 64, MaxImageHeight: 64})

	_, err := c.ToDeviceOpaque(iota32("rank3", tensor.Shape{2, 3, 4}), "img")
	require.ErrorIs(t, err, ErrUnsupportedShape)

	// Width = 20 * ceil(13/4) = 80 texels.
	_, err = c.ToDeviceOpaque(iota32("wide", tensor.Shape{1, 2, 20, 13}), "img")
	require.ErrorIs(t, err, ErrUnsupportedShape)
	var use *UnsupportedShapeError
	require.ErrorAs(t, err, &use)
	assert.Contains(t, use.Details, "80x2")

	// Height = 5 * 13 = 65 rows.
	_, err = c.ToDeviceOpaque(iota32("tall", tensor.Shape{5, 13, 2, 1}), "img")
	require.ErrorIs(t, err, ErrUnsupportedShape)

	alt := must.M1(tensor.Allocate("alt", tensor.Shape{1, 1, 1, 1}, tensor.Float32, tensor.HostAlternate))
	_, err = c.ToDeviceOpaque(alt, "img")
	require.ErrorIs(t, err, tensor.ErrBackendMismatch)

	_, err = NewConverter(nil).ToDeviceOpaque(iota32("x", tensor.Shape{1, 1, 1, 1}), "img")
	require.ErrorIs(t, err, device.ErrUnavailable)
}

func TestFromDeviceOpaqueRejectsHost(t *testing.T) {
	c := newConverter(t, device.DefaultLimits())
	_, err := c.FromDeviceOpaque(iota32("x", tensor.Shape{1, 1, 1, 1}), "back")
	require.ErrorIs(t, err, tensor.ErrBackendMismatch)
}

func TestAlternateChannelOrder(t *testing.T) {
	c := NewConverter(nil)
	shape := tensor.Shape{2, 3, 4, 5}
	src := iota32("x", shape)

	alt := must.M1(c.ToAlternateChannelOrder(src, "x/nchw"))
	assert.Equal(t, tensor.HostAlternate, alt.Backend())
	assert.Equal(t, tensor.Shape{2, 5, 3, 4}, alt.Shape())

	nhwc := src.AsFloat32()
	nchw := alt.AsFloat32()
	for i := range nhwc {
		coord := shape.Unravel(i)
		n, h, w, ch := coord[0], coord[1], coord[2], coord[3]
		j := ((n*5+ch)*3+h)*4 + w
		require.Equal(t, nhwc[i], nchw[j], "element %v", coord)
	}

	back := must.M1(c.FromAlternateChannelOrder(alt, "x/nhwc"))
	assert.Equal(t, tensor.HostLinear, back.Backend())
	assert.Equal(t, src.Data(), back.Data())

	_, err := c.ToAlternateChannelOrder(alt, "again")
	require.ErrorIs(t, err, tensor.ErrBackendMismatch)
	_, err = c.ToAlternateChannelOrder(iota32("v", tensor.Shape{4}), "v")
	require.ErrorIs(t, err, ErrUnsupportedShape)
}

func TestConvertAllPairs(t *testing.T) {
	c := newConverter(t, device.DefaultLimits())
	src := must.M1(tensor.Allocate("src", tensor.Shape{2, 5, 3, 6}, tensor.Float32, tensor.HostLinear))
	require.NoError(t, tensor.FillRandom(src, tensor.StandardNormal, 11))

	for _, from := range tensor.Backends {
		for _, to := range tensor.Backends {
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				a := must.M1(c.Convert(src, from, "a"))
				defer a.Release()
				b := must.M1(c.Convert(a, to, "b"))
				defer b.Release()
				assert.Equal(t, to, b.Backend())

				back := must.M1(c.Convert(b, tensor.HostLinear, "back"))
				assert.Equal(t, src.Data(), back.Data())
			})
		}
	}
}

func TestAllocateDevice(t *testing.T) {
	c := newConverter(t, device.Limits{MaxImageWidth: 8, MaxImageHeight: 8})

	out := must.M1(c.Allocate("out", tensor.Shape{2, 4, 2, 9}, tensor.Float32, tensor.DeviceOpaque))
	defer out.Release()
	img := out.Storage().(device.Image)
	assert.Equal(t, device.ImageShape{Width: 6, Height: 8}, img.Shape())

	_, err := c.Allocate("big", tensor.Shape{1, 9, 1, 1}, tensor.Float32, tensor.DeviceOpaque)
	require.ErrorIs(t, err, ErrUnsupportedShape)

	host := must.M1(c.Allocate("host", tensor.Shape{2, 2}, tensor.Float64, tensor.HostLinear))
	assert.Equal(t, 32, host.ByteSize())
}

func TestSequentialMatchesParallel(t *testing.T) {
	c := newConverter(t, device.DefaultLimits())
	seq := c.WithParallel(parallel.Sequential())
	src := must.M1(tensor.Allocate("src", tensor.Shape{4, 33, 17, 7}, tensor.Float32, tensor.HostLinear))
	require.NoError(t, tensor.FillRandom(src, tensor.StandardNormal, 3))

	a := must.M1(c.ToAlternateChannelOrder(src, "a"))
	b := must.M1(seq.ToAlternateChannelOrder(src, "b"))
	assert.Equal(t, a.Data(), b.Data())
}
