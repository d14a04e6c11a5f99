//go:build !windows

package webgpu

import (
	"github.com/pkg/errors"

	"github.com/born-ml/opcheck/internal/device"
)

// Runtime is never constructed on this platform.
type Runtime struct {
	device.Runtime
}

// New always fails with device.ErrUnavailable on this platform.
func New(device.Limits) (*Runtime, error) {
	return nil, errors.Wrap(device.ErrUnavailable, "webgpu: native runtime is only wired on windows")
}

// IsAvailable reports false on this platform.
func IsAvailable() bool { return false }

// RegisterShaders is a no-op on this platform.
func (rt *Runtime) RegisterShaders(map[string]string) {}

// Description names the runtime.
func (rt *Runtime) Description() string { return "WebGPU (unavailable)" }
