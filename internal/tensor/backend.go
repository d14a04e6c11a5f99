package tensor

import "strings"

// Backend tags where a tensor lives and how its memory is laid out.
// The three tags are a closed set; conversions between them are total functions
// over pairs of tags (see package layout).
type Backend int

const (
	// HostLinear is a linear host buffer in channel-last (NHWC) order.
	HostLinear Backend = iota
	// HostAlternate is a linear host buffer in channel-first (NCHW) order,
	// feeding the SIMD-friendly kernel variants.
	HostAlternate
	// DeviceOpaque is backend-managed image memory, not addressable by the host.
	DeviceOpaque
)

// Backends lists every backend tag.
var Backends = []Backend{HostLinear, HostAlternate, DeviceOpaque}

// String returns the canonical tag name.
func (b Backend) String() string {
	switch b {
	case HostLinear:
		return "host-linear"
	case HostAlternate:
		return "host-alternate"
	case DeviceOpaque:
		return "device-opaque"
	default:
		return "unknown"
	}
}

// IsHost reports whether the tensor data is directly addressable by the host.
func (b Backend) IsHost() bool {
	return b == HostLinear || b == HostAlternate
}

// ParseBackend accepts the canonical names as well as the cpu/neon/gpu short forms.
func ParseBackend(s string) (Backend, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "host-linear", "cpu", "nhwc":
		return HostLinear, true
	case "host-alternate", "neon", "simd", "nchw":
		return HostAlternate, true
	case "device-opaque", "gpu", "opencl", "image":
		return DeviceOpaque, true
	default:
		return 0, false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (b Backend) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Backend) UnmarshalText(text []byte) error {
	parsed, ok := ParseBackend(string(text))
	if !ok {
		return &BackendError{Details: "unknown backend " + string(text)}
	}
	*b = parsed
	return nil
}
