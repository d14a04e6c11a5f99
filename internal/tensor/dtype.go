// Package tensor provides the backend-tagged tensor shared by every layer of opcheck:
// element type, shape, backend tag and the host or device storage behind it.
package tensor

// DataType represents runtime type information for tensors.
type DataType int

// Supported data types for tensors.
// Only full-precision floating point is carried.
const (
	Float32 DataType = iota
	Float64
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "unknown"
	}
}

// ParseDataType maps "float32"/"float64" (and the f32/f64 short forms) to a DataType.
func ParseDataType(s string) (DataType, bool) {
	switch s {
	case "float32", "f32", "":
		return Float32, true
	case "float64", "f64":
		return Float64, true
	default:
		return 0, false
	}
}
