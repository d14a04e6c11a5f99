// Package harness runs an invocation against a workspace.
//
// A run resolves its inputs by name, validates them through the dispatcher, computes
// into freshly allocated staging outputs and only then commits every output to the
// workspace. A failed run leaves the workspace exactly as it was.
package harness

import (
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/born-ml/opcheck/internal/layout"
	"github.com/born-ml/opcheck/internal/ops"
	"github.com/born-ml/opcheck/internal/ops/invocation"
	"github.com/born-ml/opcheck/internal/tensor"
	"github.com/born-ml/opcheck/internal/workspace"
)

// ErrMissingInput is returned when an input name is absent from the workspace.
var ErrMissingInput = errors.New("missing input")

// MissingInputError names the absent input. It matches both ErrMissingInput and
// workspace.ErrNotFound.
type MissingInputError struct {
	OpType string
	Name   string
}

// Error implements the error interface.
func (e *MissingInputError) Error() string {
	return fmt.Sprintf("%s: %s needs %q", ErrMissingInput, e.OpType, e.Name)
}

// Unwrap returns both sentinels.
func (e *MissingInputError) Unwrap() []error {
	return []error{ErrMissingInput, workspace.ErrNotFound}
}

// Harness executes invocations synchronously.
type Harness struct {
	dispatcher *ops.Dispatcher
	converter  *layout.Converter
}

// New creates a harness. The converter allocates outputs and must share the
// dispatcher's device runtime.
func New(dispatcher *ops.Dispatcher, converter *layout.Converter) *Harness {
	return &Harness{dispatcher: dispatcher, converter: converter}
}

// Dispatcher returns the dispatcher.
func (h *Harness) Dispatcher() *ops.Dispatcher { return h.dispatcher }

// Converter returns the layout converter.
func (h *Harness) Converter() *layout.Converter { return h.converter }

// Run executes inv against ws and writes its outputs. Existing outputs must already
// have the inferred shape, dtype and the invocation's backend; absent ones are created.
// For device-opaque runs, Run returns only after the device queue has drained.
func (h *Harness) Run(inv *invocation.Invocation, ws *workspace.Workspace) error {
	start := time.Now()

	inputs := make([]*tensor.Tensor, 0, inv.NumInputs())
	for _, name := range inv.Inputs() {
		t, err := ws.Get(name)
		if err != nil {
			return &MissingInputError{OpType: inv.OpType(), Name: name}
		}
		if t.Backend() != inv.Backend() {
			return &tensor.BackendError{Op: inv.OpType(), Tensor: name, Want: inv.Backend(), Got: t.Backend(),
				Details: "convert inputs before running"}
		}
		inputs = append(inputs, t)
	}

	plan, err := h.dispatcher.Prepare(inv, inputs)
	if err != nil {
		return err
	}

	names := inv.Outputs()
	seen := make(map[string]bool, len(names))
	for i, name := range names {
		if seen[name] {
			return &tensor.MismatchError{Op: inv.OpType(), Tensor: name, Details: "output named twice"}
		}
		seen[name] = true
		existing, err := ws.Get(name)
		if err != nil {
			continue
		}
		want := plan.OutputShapes[i]
		switch {
		case !existing.Shape().Equal(want):
			return &tensor.MismatchError{Op: inv.OpType(), Tensor: name, Shapes: []tensor.Shape{existing.Shape()}, Want: want}
		case existing.Backend() != inv.Backend():
			return &tensor.MismatchError{Op: inv.OpType(), Tensor: name, Shapes: []tensor.Shape{existing.Shape()}, Want: want,
				Details: fmt.Sprintf("existing output is %s, run targets %s", existing.Backend(), inv.Backend())}
		case existing.DType() != plan.OutputDType:
			return &tensor.MismatchError{Op: inv.OpType(), Tensor: name, Shapes: []tensor.Shape{existing.Shape()}, Want: want,
				Details: fmt.Sprintf("existing output is %s, kernel produces %s", existing.DType(), plan.OutputDType)}
		}
	}

	staged := make([]*tensor.Tensor, 0, len(names))
	committed := false
	defer func() {
		if committed {
			return
		}
		for _, t := range staged {
			t.Release()
		}
	}()
	for i, name := range names {
		t, err := h.converter.Allocate(name, plan.OutputShapes[i], plan.OutputDType, inv.Backend())
		if err != nil {
			return err
		}
		staged = append(staged, t)
		klog.V(4).Infof("harness: staged %s %s on %s", name, plan.OutputShapes[i], inv.Backend())
	}

	if err := h.dispatcher.Invoke(plan, inv, inputs, staged); err != nil {
		return err
	}
	if inv.Backend() == tensor.DeviceOpaque {
		if rt := h.dispatcher.Context().Runtime; rt != nil {
			if err := rt.Finish(); err != nil {
				return &ops.ComputeError{OpType: inv.OpType(), Backend: inv.Backend(), Err: err}
			}
		}
	}

	for _, t := range staged {
		ws.Put(t)
	}
	committed = true
	klog.V(2).Infof("harness: %s in workspace %s took %s", inv, ws.ID(), time.Since(start))
	return nil
}
