package harness

import (
	"github.com/born-ml/opcheck/internal/tensor"
	"github.com/born-ml/opcheck/internal/workspace"
)

// Transfer converts the tensor named src to backend and stores it as dst,
// replacing any tensor already named dst. The source stays in the workspace.
func (h *Harness) Transfer(ws *workspace.Workspace, src, dst string, backend tensor.Backend) error {
	t, err := ws.Get(src)
	if err != nil {
		return &MissingInputError{OpType: "transfer", Name: src}
	}
	out, err := h.converter.Convert(t, backend, dst)
	if err != nil {
		return err
	}
	ws.Put(out)
	return nil
}

// BufferToImage uploads host-linear src into a device image named dst.
func (h *Harness) BufferToImage(ws *workspace.Workspace, src, dst string) error {
	return h.transferFrom(ws, src, dst, tensor.HostLinear, tensor.DeviceOpaque)
}

// ImageToBuffer reads device image src back into host-linear dst. It waits for all
// enqueued device work first.
func (h *Harness) ImageToBuffer(ws *workspace.Workspace, src, dst string) error {
	return h.transferFrom(ws, src, dst, tensor.DeviceOpaque, tensor.HostLinear)
}

// ToAlternate permutes host-linear (NHWC) src into host-alternate (NCHW) dst.
func (h *Harness) ToAlternate(ws *workspace.Workspace, src, dst string) error {
	return h.transferFrom(ws, src, dst, tensor.HostLinear, tensor.HostAlternate)
}

// FromAlternate permutes host-alternate (NCHW) src back into host-linear (NHWC) dst.
func (h *Harness) FromAlternate(ws *workspace.Workspace, src, dst string) error {
	return h.transferFrom(ws, src, dst, tensor.HostAlternate, tensor.HostLinear)
}

// transferFrom is Transfer restricted to sources on backend from.
func (h *Harness) transferFrom(ws *workspace.Workspace, src, dst string, from, to tensor.Backend) error {
	t, err := ws.Get(src)
	if err != nil {
		return &MissingInputError{OpType: "transfer", Name: src}
	}
	if t.Backend() != from {
		return &tensor.BackendError{Op: "transfer", Tensor: src, Want: from, Got: t.Backend()}
	}
	return h.Transfer(ws, src, dst, to)
}
