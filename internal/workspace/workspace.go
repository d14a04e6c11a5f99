// Package workspace holds the named tensors of one run.
//
// A Workspace exclusively owns its tensors: Remove, Clear and Put (on replace)
// release them. It is not safe for concurrent mutation; parallel units each get
// their own.
package workspace

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/born-ml/opcheck/internal/tensor"
)

// Lookup errors.
var (
	ErrNotFound      = errors.New("tensor not found")
	ErrDuplicateName = errors.New("duplicate tensor name")
)

// Workspace maps tensor names to tensors.
type Workspace struct {
	id      uuid.UUID
	tensors map[string]*tensor.Tensor
}

// New creates an empty workspace with a fresh ID.
func New() *Workspace {
	return &Workspace{id: uuid.New(), tensors: make(map[string]*tensor.Tensor)}
}

// ID identifies the workspace in logs and reports.
func (ws *Workspace) ID() uuid.UUID { return ws.id }

// Add stores t under its own name. It fails if the name is taken.
func (ws *Workspace) Add(t *tensor.Tensor) error {
	if t == nil {
		return errors.New("workspace: nil tensor")
	}
	if _, ok := ws.tensors[t.Name()]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateName, t.Name())
	}
	ws.tensors[t.Name()] = t
	return nil
}

// Put stores t under its name, releasing any tensor it replaces.
func (ws *Workspace) Put(t *tensor.Tensor) {
	if old, ok := ws.tensors[t.Name()]; ok && old != t {
		old.Release()
	}
	ws.tensors[t.Name()] = t
}

// Get returns the tensor named name.
func (ws *Workspace) Get(name string) (*tensor.Tensor, error) {
	t, ok := ws.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return t, nil
}

// Has reports whether name is present.
func (ws *Workspace) Has(name string) bool {
	_, ok := ws.tensors[name]
	return ok
}

// Remove releases and forgets the tensor named name.
func (ws *Workspace) Remove(name string) error {
	t, ok := ws.tensors[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	delete(ws.tensors, name)
	t.Release()
	return nil
}

// Names returns the tensor names, sorted.
func (ws *Workspace) Names() []string {
	names := make([]string, 0, len(ws.tensors))
	for n := range ws.tensors {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Len returns the number of tensors.
func (ws *Workspace) Len() int { return len(ws.tensors) }

// Clear releases every tensor. The workspace stays usable.
func (ws *Workspace) Clear() {
	if len(ws.tensors) > 0 {
		klog.V(4).Infof("workspace %s: releasing %d tensors", ws.id, len(ws.tensors))
	}
	for name, t := range ws.tensors {
		t.Release()
		delete(ws.tensors, name)
	}
}
