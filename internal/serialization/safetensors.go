package serialization

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/born-ml/opcheck/internal/tensor"
)

// metadataKey is the reserved header entry holding string metadata.
const metadataKey = "__metadata__"

// backendSuffix marks the metadata entry recording a non-linear tensor backend,
// e.g. "output.backend": "host-alternate".
const backendSuffix = ".backend"

// SafeTensorHeader represents a tensor in the SafeTensors header.
type SafeTensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// File is a decoded SafeTensors file.
type File struct {
	Tensors  []*tensor.Tensor // In data order
	Metadata map[string]string
}

// Tensor returns the tensor called name, or nil.
func (f *File) Tensor(name string) *tensor.Tensor {
	for _, t := range f.Tensors {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// Release releases every tensor of the file.
func (f *File) Release() {
	for _, t := range f.Tensors {
		t.Release()
	}
}

// WriteSafeTensors writes host tensors to w, in alphabetical order by name.
// Tensor names must be unique and pass ValidateTensorName.
func WriteSafeTensors(w io.Writer, tensors []*tensor.Tensor, metadata map[string]string) error {
	sorted := slices.Clone(tensors)
	slices.SortFunc(sorted, func(a, b *tensor.Tensor) int { return strings.Compare(a.Name(), b.Name()) })

	header := make(map[string]any, len(sorted)+1)
	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	var offset int64
	chunks := make([][]byte, 0, len(sorted))
	for i, t := range sorted {
		if err := ValidateTensorName(t.Name()); err != nil {
			return err
		}
		if i > 0 && sorted[i-1].Name() == t.Name() {
			return &ValidationError{Err: ErrInvalidTensorName, Tensor: t.Name(), Details: "duplicate name"}
		}
		if !t.Backend().IsHost() {
			return &tensor.BackendError{Op: "serialize", Tensor: t.Name(), Want: tensor.HostLinear, Got: t.Backend(),
				Details: "convert device tensors to host before writing"}
		}
		dtype, err := dtypeToSafeTensors(t.DType())
		if err != nil {
			return err
		}
		if t.Backend() != tensor.HostLinear {
			meta[t.Name()+backendSuffix] = t.Backend().String()
		}

		shape := make([]int64, t.Shape().Rank())
		for d, dim := range t.Shape() {
			shape[d] = int64(dim)
		}
		size := int64(t.ByteSize())
		header[t.Name()] = SafeTensorHeader{DType: dtype, Shape: shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
		chunks = append(chunks, t.Data())
	}
	meta[metadataChecksum] = ComputeChecksum(chunks...)
	header[metadataKey] = meta

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "serialization: marshal header")
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return errors.Wrap(err, "serialization: write header size")
	}
	if _, err := w.Write(headerJSON); err != nil {
		return errors.Wrap(err, "serialization: write header")
	}
	for i, c := range chunks {
		if _, err := w.Write(c); err != nil {
			return errors.Wrapf(err, "serialization: write tensor %s", sorted[i].Name())
		}
	}
	return nil
}

// WriteFile writes tensors to a SafeTensors file at path.
func WriteFile(path string, tensors []*tensor.Tensor, metadata map[string]string) error {
	//nolint:gosec // G304: path is chosen by the user
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "serialization: create file")
	}
	if err := WriteSafeTensors(f, tensors, metadata); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "serialization: close %s", path)
}

// ReadSafeTensors decodes a SafeTensors stream into host tensors.
func ReadSafeTensors(r io.Reader) (*File, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, errors.Wrap(err, "serialization: read header size")
	}
	if headerSize > MaxHeaderSize {
		return nil, &ValidationError{Err: ErrHeaderTooLarge, Details: fmt.Sprintf("%d bytes, max %d", headerSize, MaxHeaderSize)}
	}
	headerJSON := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, errors.Wrap(err, "serialization: read header")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "serialization: read data")
	}

	metas, metadata, err := parseHeader(headerJSON)
	if err != nil {
		return nil, err
	}
	if err := ValidateTensorOffsets(metas, int64(len(data))); err != nil {
		return nil, err
	}
	if sum, ok := metadata[metadataChecksum]; ok {
		if err := ValidateChecksum(data, sum); err != nil {
			return nil, err
		}
	}

	f := &File{Metadata: metadata}
	for _, m := range metas {
		t, err := m.tensor(data, metadata)
		if err != nil {
			f.Release()
			return nil, err
		}
		f.Tensors = append(f.Tensors, t)
	}
	return f, nil
}

// ReadFile decodes the SafeTensors file at path.
func ReadFile(path string) (*File, error) {
	//nolint:gosec // G304: path is chosen by the user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "serialization: read file")
	}
	f, err := ReadSafeTensors(bytes.NewReader(data))
	return f, errors.WithMessage(err, path)
}

// parseHeader returns the tensor entries in data order plus the metadata.
func parseHeader(headerJSON []byte) ([]TensorMeta, map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &raw); err != nil {
		return nil, nil, &ValidationError{Err: ErrInvalidHeader, Details: err.Error()}
	}
	if len(raw) > MaxTensorCount+1 {
		return nil, nil, &ValidationError{Err: ErrTooManyTensors, Details: fmt.Sprintf("got %d, max %d", len(raw), MaxTensorCount)}
	}

	metadata := map[string]string{}
	var metas []TensorMeta
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &metadata); err != nil {
				return nil, nil, &ValidationError{Err: ErrInvalidHeader, Details: "metadata: " + err.Error()}
			}
			continue
		}
		if err := ValidateTensorName(name); err != nil {
			return nil, nil, err
		}
		var h SafeTensorHeader
		if err := json.Unmarshal(msg, &h); err != nil {
			return nil, nil, &ValidationError{Err: ErrInvalidHeader, Tensor: name, Details: err.Error()}
		}
		shape := make([]int, len(h.Shape))
		for i, d := range h.Shape {
			shape[i] = int(d)
		}
		metas = append(metas, TensorMeta{
			Name:   name,
			DType:  h.DType,
			Shape:  shape,
			Offset: h.DataOffsets[0],
			Size:   h.DataOffsets[1] - h.DataOffsets[0],
		})
	}
	slices.SortFunc(metas, func(a, b TensorMeta) int {
		return cmp.Or(cmp.Compare(a.Offset, b.Offset), strings.Compare(a.Name, b.Name))
	})
	return metas, metadata, nil
}

// tensor materializes m from the data section.
func (m TensorMeta) tensor(data []byte, metadata map[string]string) (*tensor.Tensor, error) {
	dtype, err := dtypeFromSafeTensors(m.DType)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor %q", m.Name)
	}
	backend := tensor.HostLinear
	if s, ok := metadata[m.Name+backendSuffix]; ok {
		b, ok := tensor.ParseBackend(s)
		if !ok || !b.IsHost() {
			return nil, &ValidationError{Err: ErrInvalidHeader, Tensor: m.Name, Details: "backend " + s}
		}
		backend = b
	}
	t, err := tensor.Allocate(m.Name, tensor.Shape(m.Shape), dtype, backend)
	if err != nil {
		return nil, err
	}
	if int64(t.ByteSize()) != m.Size {
		t.Release()
		return nil, &ValidationError{Err: ErrInvalidHeader, Tensor: m.Name,
			Details: fmt.Sprintf("shape %s of %s needs %d bytes, data_offsets span %d", t.Shape(), dtype, t.ByteSize(), m.Size)}
	}
	copy(t.Data(), data[m.Offset:m.Offset+m.Size])
	return t, nil
}

// dtypeToSafeTensors converts tensor.DataType to SafeTensors dtype string.
func dtypeToSafeTensors(dt tensor.DataType) (string, error) {
	switch dt {
	case tensor.Float32:
		return "F32", nil
	case tensor.Float64:
		return "F64", nil
	default:
		return "", errors.Wrapf(ErrUnsupportedDType, "%s", dt)
	}
}

func dtypeFromSafeTensors(s string) (tensor.DataType, error) {
	switch s {
	case "F32":
		return tensor.Float32, nil
	case "F64":
		return tensor.Float64, nil
	default:
		return 0, errors.Wrapf(ErrUnsupportedDType, "%q", s)
	}
}
