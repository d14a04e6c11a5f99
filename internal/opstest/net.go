// Package opstest is the declaration surface for operator conformance tests.
//
// A Net bundles a kernel registry, a device runtime, a workspace and a harness, so
// a test reads as a sequence of named steps:
//
//	net := opstest.NewNet(t)
//	net.AddInputFromArray("Input", tensor.Shape{1, 1, 2, 4}, data)
//	net.BufferToImage("Input", "InputImage")
//	net.RunOp(softmax.WithBackend(tensor.DeviceOpaque))
//	net.ImageToBuffer("OutputImage", "Output")
//	opstest.ExpectTensorNear(t, expected, net.GetOutput("Output"), tol)
//
// Every step fails the test through testify's require on error.
package opstest

import (
	"os"
	"strings"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/opcheck/internal/config"
	"github.com/born-ml/opcheck/internal/device"
	"github.com/born-ml/opcheck/internal/device/runtimes"
	"github.com/born-ml/opcheck/internal/harness"
	"github.com/born-ml/opcheck/internal/kernels"
	"github.com/born-ml/opcheck/internal/layout"
	"github.com/born-ml/opcheck/internal/ops"
	"github.com/born-ml/opcheck/internal/ops/invocation"
	"github.com/born-ml/opcheck/internal/oracle"
	"github.com/born-ml/opcheck/internal/tensor"
	"github.com/born-ml/opcheck/internal/workspace"
)

// Net is a test network: named tensors plus everything needed to run operators on them.
type Net struct {
	t        testing.TB
	registry *ops.Registry
	runtime  device.Runtime
	ws       *workspace.Workspace
	h        *harness.Harness
}

// NewNet builds a Net on the emulated device runtime, or on the runtime named by
// the OPCHECK_DEVICE environment variable. An explicitly requested runtime that is
// not available on this machine skips the test.
func NewNet(t testing.TB) *Net {
	t.Helper()
	name := runtimes.Emulated
	if v := strings.TrimSpace(os.Getenv(config.EnvDevice)); v != "" {
		name = v
	}
	rt, err := runtimes.Open(name, device.DefaultLimits())
	if err != nil {
		t.Skipf("device runtime %q: %v", name, err)
	}
	return NewNetWithRuntime(t, rt)
}

// NewNetWithRuntime builds a Net on rt, which the Net closes at test cleanup.
func NewNetWithRuntime(t testing.TB, rt device.Runtime) *Net {
	t.Helper()
	reg := ops.NewRegistry()
	kernels.Register(reg)
	n := &Net{
		t:        t,
		registry: reg,
		runtime:  rt,
		ws:       workspace.New(),
		h:        harness.New(ops.NewDispatcher(reg, rt), layout.NewConverter(rt)),
	}
	t.Cleanup(func() {
		n.ws.Clear()
		if err := rt.Close(); err != nil {
			t.Errorf("closing %s runtime: %v", rt.Name(), err)
		}
	})
	return n
}

// Registry returns the kernel registry, for tests that install extra kernels.
func (n *Net) Registry() *ops.Registry { return n.registry }

// Runtime returns the device runtime.
func (n *Net) Runtime() device.Runtime { return n.runtime }

// Workspace returns the Net's workspace.
func (n *Net) Workspace() *workspace.Workspace { return n.ws }

// Harness returns the harness running the Net's operators.
func (n *Net) Harness() *harness.Harness { return n.h }

// AddInputFromArray adds a host-linear float32 tensor.
func (n *Net) AddInputFromArray(name string, shape tensor.Shape, data []float32) {
	n.t.Helper()
	in, err := tensor.FromFloat32(name, shape, data)
	require.NoError(n.t, err, "input %q", name)
	require.NoError(n.t, n.ws.Add(in))
}

// AddRandomInput adds a host-linear tensor filled from the standard normal
// distribution with the given seed.
func (n *Net) AddRandomInput(name string, shape tensor.Shape, dtype tensor.DataType, seed uint64) {
	n.t.Helper()
	n.AddRandomInputFrom(name, shape, dtype, tensor.StandardNormal, seed)
}

// AddRandomInputFrom is AddRandomInput with an explicit distribution.
func (n *Net) AddRandomInputFrom(name string, shape tensor.Shape, dtype tensor.DataType, dist tensor.Distribution, seed uint64) {
	n.t.Helper()
	in, err := tensor.Allocate(name, shape, dtype, tensor.HostLinear)
	require.NoError(n.t, err, "input %q", name)
	require.NoError(n.t, tensor.FillRandom(in, dist, seed))
	require.NoError(n.t, n.ws.Add(in))
}

// RunOp runs inv against the workspace.
func (n *Net) RunOp(inv *invocation.Invocation) {
	n.t.Helper()
	require.NoError(n.t, n.h.Run(inv, n.ws), "running %s", inv)
}

// RunOpErr runs inv and returns its error, for negative tests.
func (n *Net) RunOpErr(inv *invocation.Invocation) error {
	return n.h.Run(inv, n.ws)
}

// BufferToImage uploads host-linear src into a device-opaque tensor dst.
func (n *Net) BufferToImage(src, dst string) {
	n.t.Helper()
	require.NoError(n.t, n.h.BufferToImage(n.ws, src, dst))
}

// ImageToBuffer reads device-opaque src back into a host-linear tensor dst.
func (n *Net) ImageToBuffer(src, dst string) {
	n.t.Helper()
	require.NoError(n.t, n.h.ImageToBuffer(n.ws, src, dst))
}

// FillNHWCInputToNCHWInput writes the channel-first copy of src under dst.
func (n *Net) FillNHWCInputToNCHWInput(dst, src string) {
	n.t.Helper()
	require.NoError(n.t, n.h.ToAlternate(n.ws, src, dst))
}

// TransposeNCHWToNHWC writes the channel-last copy of src under dst.
func (n *Net) TransposeNCHWToNHWC(src, dst string) {
	n.t.Helper()
	require.NoError(n.t, n.h.FromAlternate(n.ws, src, dst))
}

// GetOutput returns the tensor named name.
func (n *Net) GetOutput(name string) *tensor.Tensor {
	n.t.Helper()
	out, err := n.ws.Get(name)
	require.NoError(n.t, err)
	return out
}

// Expected builds a host-linear expectation tensor.
func Expected(shape tensor.Shape, data ...float32) *tensor.Tensor {
	return must.M1(tensor.FromFloat32("expected", shape, data))
}

// ExpectTensorNear fails the test unless actual agrees with expected within tol.
func ExpectTensorNear(t testing.TB, expected, actual *tensor.Tensor, tol oracle.Tolerance) {
	t.Helper()
	v, err := oracle.Compare(expected, actual, tol)
	require.NoError(t, err)
	require.True(t, v.OK(), "%s vs %s (%s): %s", expected.Name(), actual.Name(), tol, v)
}
