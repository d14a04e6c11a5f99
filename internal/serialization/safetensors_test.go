package serialization

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/opcheck/internal/tensor"
)

func sampleTensors(t *testing.T) []*tensor.Tensor {
	t.Helper()
	weight := must.M1(tensor.FromFloat32("weight", tensor.Shape{2, 3}, []float32{1, 2, 3, 4, 5, 6}))
	bias := must.M1(tensor.FromFloat64("bias", tensor.Shape{3}, []float64{0.1, 0.2, 0.3}))
	alt := must.M1(tensor.Allocate("nchw", tensor.Shape{1, 2, 1, 1}, tensor.Float32, tensor.HostAlternate))
	copy(alt.AsFloat32(), []float32{-1, 1})
	return []*tensor.Tensor{weight, bias, alt}
}

func TestSafeTensorsRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSafeTensors(&buf, sampleTensors(t), map[string]string{"case": "Softmax"}))

	f := must.M1(ReadSafeTensors(&buf))
	defer f.Release()
	assert.Equal(t, "Softmax", f.Metadata["case"])
	assert.NotEmpty(t, f.Metadata[metadataChecksum])

	// Alphabetical data order.
	names := []string{}
	for _, x := range f.Tensors {
		names = append(names, x.Name())
	}
	assert.Equal(t, []string{"bias", "nchw", "weight"}, names)

	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, f.Tensor("weight").AsFloat32())
	assert.Equal(t, tensor.Shape{2, 3}, f.Tensor("weight").Shape())
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, f.Tensor("bias").AsFloat64())
	assert.Equal(t, tensor.HostAlternate, f.Tensor("nchw").Backend())
	assert.Equal(t, tensor.HostLinear, f.Tensor("weight").Backend())
	assert.Nil(t, f.Tensor("missing"))
}

func TestSafeTensorsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit.safetensors")
	require.NoError(t, WriteFile(path, sampleTensors(t), nil))
	f := must.M1(ReadFile(path))
	assert.Len(t, f.Tensors, 3)

	_, err := ReadFile(filepath.Join(t.TempDir(), "missing.safetensors"))
	require.Error(t, err)
}

func TestSafeTensorsChecksum(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSafeTensors(&buf, sampleTensors(t), nil))
	data := buf.Bytes()
	data[len(data)-1] ^= 0xff

	_, err := ReadSafeTensors(bytes.NewReader(data))
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestWriteRejects(t *testing.T) {
	x := must.M1(tensor.FromFloat32("a/b", tensor.Shape{1}, []float32{1}))
	require.ErrorIs(t, WriteSafeTensors(&bytes.Buffer{}, []*tensor.Tensor{x}, nil), ErrInvalidTensorName)

	a := must.M1(tensor.FromFloat32("same", tensor.Shape{1}, []float32{1}))
	b := must.M1(tensor.FromFloat32("same", tensor.Shape{1}, []float32{2}))
	require.ErrorIs(t, WriteSafeTensors(&bytes.Buffer{}, []*tensor.Tensor{a, b}, nil), ErrInvalidTensorName)

	dev := must.M1(tensor.NewDevice("dev", tensor.Shape{1}, tensor.Float32, nopStorage{}))
	require.ErrorIs(t, WriteSafeTensors(&bytes.Buffer{}, []*tensor.Tensor{dev}, nil), tensor.ErrBackendMismatch)
}

func rawFile(header string, data []byte) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(header)))
	buf.WriteString(header)
	buf.Write(data)
	return buf.Bytes()
}

func TestReadRejects(t *testing.T) {
	tests := []struct {
		name   string
		file   []byte
		target error
	}{
		{"not json", rawFile("{", nil), ErrInvalidHeader},
		{"out of bounds", rawFile(`{"x":{"dtype":"F32","shape":[2],"data_offsets":[0,8]}}`, make([]byte, 4)), ErrOutOfBounds},
		{"negative", rawFile(`{"x":{"dtype":"F32","shape":[1],"data_offsets":[-4,0]}}`, make([]byte, 4)), ErrNegativeOffset},
		{"overlap", rawFile(`{"x":{"dtype":"F32","shape":[2],"data_offsets":[0,8]},"y":{"dtype":"F32","shape":[1],"data_offsets":[4,8]}}`, make([]byte, 8)), ErrOffsetOverlap},
		{"bad name", rawFile(`{"../x":{"dtype":"F32","shape":[1],"data_offsets":[0,4]}}`, make([]byte, 4)), ErrInvalidTensorName},
		{"dtype", rawFile(`{"x":{"dtype":"BF16","shape":[2],"data_offsets":[0,4]}}`, make([]byte, 4)), ErrUnsupportedDType},
		{"size", rawFile(`{"x":{"dtype":"F32","shape":[3],"data_offsets":[0,4]}}`, make([]byte, 4)), ErrInvalidHeader},
		{"backend", rawFile(`{"x":{"dtype":"F32","shape":[1],"data_offsets":[0,4]},"__metadata__":{"x.backend":"gpu"}}`, make([]byte, 4)), ErrInvalidHeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadSafeTensors(bytes.NewReader(tt.file))
			require.ErrorIs(t, err, tt.target)
		})
	}

	var huge bytes.Buffer
	_ = binary.Write(&huge, binary.LittleEndian, uint64(MaxHeaderSize+1))
	_, err := ReadSafeTensors(&huge)
	require.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestValidateTensorName(t *testing.T) {
	require.NoError(t, ValidateTensorName("actual.device-opaque"))
	for _, bad := range []string{"", "a/b", `a\b`, "..", "a\x00", metadataKey} {
		require.ErrorIs(t, ValidateTensorName(bad), ErrInvalidTensorName, "%q", bad)
	}
}

type nopStorage struct{}

func (nopStorage) ByteSize() int { return 0 }
func (nopStorage) Release()      {}
