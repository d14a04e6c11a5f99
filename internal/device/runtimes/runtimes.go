// Package runtimes opens a device runtime by name with the reference kernel programs
// installed.
package runtimes

import (
	"slices"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/opcheck/internal/device"
	"github.com/born-ml/opcheck/internal/device/emulated"
	"github.com/born-ml/opcheck/internal/device/webgpu"
	"github.com/born-ml/opcheck/internal/kernels"
)

// Runtime names.
const (
	Emulated = "emulated"
	WebGPU   = "webgpu"
	// Auto picks WebGPU when an adapter is present and falls back to Emulated.
	Auto = "auto"
)

// Names lists the accepted runtime names.
func Names() []string {
	return []string{Auto, Emulated, WebGPU}
}

// Info describes one runtime for listings.
type Info struct {
	Name        string
	Available   bool
	Description string
}

// List reports which runtimes can be opened on this machine.
func List() []Info {
	gpu := Info{Name: WebGPU, Available: webgpu.IsAvailable(), Description: "WebGPU compute shaders (go-webgpu)"}
	if !gpu.Available {
		gpu.Description += ", no adapter"
	}
	return []Info{
		{Name: Emulated, Available: true, Description: "host-emulated image memory with an async command queue"},
		gpu,
	}
}

// Open creates the runtime called name. The caller owns it and must Close it.
func Open(name string, limits device.Limits) (device.Runtime, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "", Auto:
		if webgpu.IsAvailable() {
			rt, err := openWebGPU(limits)
			if err == nil {
				return rt, nil
			}
			klog.Warningf("runtimes: webgpu available but failed to open, using emulated: %v", err)
		}
		return openEmulated(limits), nil
	case Emulated:
		return openEmulated(limits), nil
	case WebGPU:
		return openWebGPU(limits)
	default:
		return nil, errors.Wrapf(device.ErrUnavailable, "unknown runtime %q (known: %s)",
			name, strings.Join(slices.Sorted(slices.Values(Names())), ", "))
	}
}

func openEmulated(limits device.Limits) device.Runtime {
	rt := emulated.New(limits)
	rt.RegisterPrograms(kernels.Programs())
	klog.V(1).Infof("runtimes: using %s", rt.Name())
	return rt
}

func openWebGPU(limits device.Limits) (device.Runtime, error) {
	rt, err := webgpu.New(limits)
	if err != nil {
		return nil, err
	}
	rt.RegisterShaders(kernels.Shaders())
	klog.V(1).Infof("runtimes: using %s", rt.Description())
	return rt, nil
}
