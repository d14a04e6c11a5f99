// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import "github.com/born-ml/opcheck/internal/tensor"

// Backend tags where a tensor lives and how its memory is laid out.
type Backend = tensor.Backend

// Backend tags.
const (
	HostLinear    Backend = tensor.HostLinear
	HostAlternate Backend = tensor.HostAlternate
	DeviceOpaque  Backend = tensor.DeviceOpaque
)

// Backends lists every backend tag, host-linear first.
func Backends() []Backend {
	return append([]Backend(nil), tensor.Backends...)
}

// ParseBackend accepts the canonical tag names and the cpu, neon and gpu short forms.
func ParseBackend(s string) (Backend, bool) {
	return tensor.ParseBackend(s)
}
