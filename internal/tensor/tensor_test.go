package tensor

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocate(t *testing.T) {
	x, err := Allocate("x", Shape{2, 3, 4, 5}, Float32, HostLinear)
	require.NoError(t, err)
	assert.Equal(t, "x", x.Name())
	assert.Equal(t, 120, x.NumElements())
	assert.Equal(t, 480, x.ByteSize())
	assert.Equal(t, HostLinear, x.Backend())
	for _, v := range x.AsFloat32() {
		assert.Zero(t, v)
	}
}

func TestAllocateZeroSized(t *testing.T) {
	x, err := Allocate("empty", Shape{1, 0, 4, 2}, Float64, HostAlternate)
	require.NoError(t, err)
	assert.Equal(t, 0, x.NumElements())
	assert.Empty(t, x.AsFloat64())
}

func TestAllocateInvalidShape(t *testing.T) {
	t.Run("Negative", func(t *testing.T) {
		_, err := Allocate("x", Shape{1, -2, 3}, Float32, HostLinear)
		require.ErrorIs(t, err, ErrInvalidShape)
		var shapeErr *ShapeError
		require.True(t, errors.As(err, &shapeErr))
		assert.Contains(t, shapeErr.Details, "negative")
	})

	t.Run("Overflow", func(t *testing.T) {
		_, err := Allocate("x", Shape{math.MaxInt / 2, 4}, Float32, HostLinear)
		require.ErrorIs(t, err, ErrInvalidShape)
	})

	t.Run("ByteOverflow", func(t *testing.T) {
		_, err := Allocate("x", Shape{math.MaxInt / 4}, Float64, HostLinear)
		require.ErrorIs(t, err, ErrInvalidShape)
	})
}

func TestAllocateDeviceRejected(t *testing.T) {
	_, err := Allocate("x", Shape{1, 2, 2, 4}, Float32, DeviceOpaque)
	require.ErrorIs(t, err, ErrBackendMismatch)
}

func TestShapeImmutableAfterAllocate(t *testing.T) {
	shape := Shape{1, 2, 3, 4}
	x, err := Allocate("x", shape, Float32, HostLinear)
	require.NoError(t, err)
	shape[0] = 9
	assert.Equal(t, Shape{1, 2, 3, 4}, x.Shape())
}

func TestCopy(t *testing.T) {
	src, err := FromFloat32("src", Shape{2, 2}, []float32{1, 2, 3, 4})
	require.NoError(t, err)

	dst, err := Copy(src, "dst")
	require.NoError(t, err)
	assert.Equal(t, "dst", dst.Name())
	assert.Equal(t, src.Shape(), dst.Shape())
	assert.Equal(t, src.Backend(), dst.Backend())
	assert.Equal(t, []float32{1, 2, 3, 4}, dst.AsFloat32())

	// Deep copy: source changes do not leak.
	src.AsFloat32()[0] = 42
	assert.Equal(t, float32(1), dst.AsFloat32()[0])
}

type fakeStorage struct{ released int }

func (f *fakeStorage) ByteSize() int { return 64 }
func (f *fakeStorage) Release()      { f.released++ }

func TestCopyDeviceIsBackendMismatch(t *testing.T) {
	storage := &fakeStorage{}
	dev, err := NewDevice("img", Shape{1, 2, 2, 4}, Float32, storage)
	require.NoError(t, err)

	_, err = Copy(dev, "copy")
	require.ErrorIs(t, err, ErrBackendMismatch)

	dev.Release()
	dev.Release()
	assert.Equal(t, 1, storage.released)
}

func TestFillRandomDeterministic(t *testing.T) {
	a, _ := Allocate("a", Shape{3, 7, 5}, Float32, HostLinear)
	b, _ := Allocate("b", Shape{3, 7, 5}, Float32, HostLinear)
	c, _ := Allocate("c", Shape{3, 7, 5}, Float32, HostLinear)

	require.NoError(t, FillRandom(a, StandardNormal, 7))
	require.NoError(t, FillRandom(b, StandardNormal, 7))
	require.NoError(t, FillRandom(c, StandardNormal, 8))

	assert.Equal(t, a.AsFloat32(), b.AsFloat32())
	assert.NotEqual(t, a.AsFloat32(), c.AsFloat32())
}

func TestFillRandomUniformRange(t *testing.T) {
	x, _ := Allocate("x", Shape{1000}, Float64, HostLinear)
	require.NoError(t, FillRandom(x, Uniform{Low: -2, High: 3}, 1))
	for _, v := range x.AsFloat64() {
		assert.GreaterOrEqual(t, v, -2.0)
		assert.Less(t, v, 3.0)
	}
}

func TestFromFloat32LengthMismatch(t *testing.T) {
	_, err := FromFloat32("x", Shape{2, 2}, []float32{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidShape)
}

func TestShapeHelpers(t *testing.T) {
	s := Shape{5, 211, 107, 1}
	assert.Equal(t, []int{211 * 107, 107, 1, 1}, s.ComputeStrides())

	p, err := s.Permute(0, 3, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, Shape{5, 1, 211, 107}, p)

	_, err = s.Permute(0, 0, 1, 2)
	require.Error(t, err)

	assert.Equal(t, []int{1, 2, 3, 0}, s.Unravel(1*211*107+2*107+3))
	assert.Equal(t, "(5, 211, 107, 1)", s.String())
}

func TestParseBackend(t *testing.T) {
	for in, want := range map[string]Backend{
		"cpu":            HostLinear,
		"host-linear":    HostLinear,
		"NEON":           HostAlternate,
		"host-alternate": HostAlternate,
		"gpu":            DeviceOpaque,
		"device-opaque":  DeviceOpaque,
	} {
		got, ok := ParseBackend(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseBackend("tpu")
	assert.False(t, ok)

	var b Backend
	require.NoError(t, b.UnmarshalText([]byte("opencl")))
	assert.Equal(t, DeviceOpaque, b)
	require.ErrorIs(t, b.UnmarshalText([]byte("tpu")), ErrBackendMismatch)
}
