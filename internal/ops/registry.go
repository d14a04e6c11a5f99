// Package ops maps (operator type, backend) pairs to kernels and validates operands
// before a kernel runs.
//
// There is no process-wide registry: callers build a Registry, register kernels
// (see package kernels for the reference set) and hand it to a Dispatcher.
package ops

import (
	"errors"
	"slices"
	"sync"

	"github.com/born-ml/opcheck/internal/device"
	"github.com/born-ml/opcheck/internal/ops/invocation"
	"github.com/born-ml/opcheck/internal/tensor"
)

// Dispatch errors.
var (
	ErrUnknownOperator    = errors.New("unknown operator")
	ErrUnsupportedBackend = errors.New("operator not supported on backend")
	ErrCompute            = errors.New("kernel failed")
)

// Context carries what a kernel may need beyond its tensors.
type Context struct {
	// Runtime is the device runtime for DeviceOpaque kernels; nil on host-only setups.
	Runtime device.Runtime
}

// Kernel computes outputs from inputs. Outputs are pre-allocated by the caller with
// the shapes inferred by the operator's ShapeRule, on the invocation's backend.
type Kernel func(ctx *Context, inv *invocation.Invocation, inputs, outputs []*tensor.Tensor) error

// ShapeRule infers output shapes from input shapes, or rejects the inputs.
type ShapeRule func(inv *invocation.Invocation, inputs []tensor.Shape) ([]tensor.Shape, error)

// Registry maps operator types and backends to kernels.
//
// Register overwrites silently: the last registration for a pair wins. That is what
// lets tests stub a kernel, and also what makes registering from two places a bug.
// Registration is not meant to race with dispatch.
type Registry struct {
	mu      sync.RWMutex
	kernels map[string]map[tensor.Backend]Kernel
	rules   map[string]ShapeRule
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		kernels: make(map[string]map[tensor.Backend]Kernel),
		rules:   make(map[string]ShapeRule),
	}
}

// Register installs kernel for (opType, backend), replacing any previous one.
func (r *Registry) Register(opType string, backend tensor.Backend, kernel Kernel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byBackend, ok := r.kernels[opType]
	if !ok {
		byBackend = make(map[tensor.Backend]Kernel)
		r.kernels[opType] = byBackend
	}
	byBackend[backend] = kernel
}

// RegisterShapeRule installs the shape-inference rule of opType.
func (r *Registry) RegisterShapeRule(opType string, rule ShapeRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[opType] = rule
}

// Resolve returns the kernel for (opType, backend). It never falls back to another
// backend: a known operator missing on backend fails with ErrUnsupportedBackend.
func (r *Registry) Resolve(opType string, backend tensor.Backend) (Kernel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byBackend, ok := r.kernels[opType]
	if !ok || len(byBackend) == 0 {
		return nil, &DispatchError{Err: ErrUnknownOperator, OpType: opType, Backend: backend}
	}
	k, ok := byBackend[backend]
	if !ok || k == nil {
		return nil, &DispatchError{Err: ErrUnsupportedBackend, OpType: opType, Backend: backend}
	}
	return k, nil
}

// ShapeRule returns the rule of opType, if any.
func (r *Registry) ShapeRule(opType string) (ShapeRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[opType]
	return rule, ok
}

// Operators returns the registered operator types, sorted.
func (r *Registry) Operators() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]string, 0, len(r.kernels))
	for op := range r.kernels {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	return ops
}

// Backends returns the backends opType has kernels for, in tag order.
func (r *Registry) Backends(opType string) []tensor.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []tensor.Backend
	for _, b := range tensor.Backends {
		if _, ok := r.kernels[opType][b]; ok {
			out = append(out, b)
		}
	}
	return out
}

// DispatchError reports a failed (operator, backend) resolution.
type DispatchError struct {
	Err     error // ErrUnknownOperator or ErrUnsupportedBackend
	OpType  string
	Backend tensor.Backend
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	return e.Err.Error() + ": " + e.OpType + " on " + e.Backend.String()
}

// Unwrap returns the sentinel.
func (e *DispatchError) Unwrap() error { return e.Err }
