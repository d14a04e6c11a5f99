package layout

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/opcheck/internal/device"
	"github.com/born-ml/opcheck/internal/parallel"
	"github.com/born-ml/opcheck/internal/tensor"
)

// Converter moves tensors between backend layouts. It holds no mutable state
// besides the device runtime handle, so one Converter can serve many workspaces.
type Converter struct {
	rt  device.Runtime
	cfg parallel.Config
}

// NewConverter returns a Converter bound to rt. rt may be nil, in which case only
// host conversions are available and device requests fail with device.ErrUnavailable.
func NewConverter(rt device.Runtime) *Converter {
	return &Converter{rt: rt, cfg: parallel.DefaultConfig()}
}

// WithParallel returns a copy of c using cfg for its packing loops.
func (c *Converter) WithParallel(cfg parallel.Config) *Converter {
	cp := *c
	cp.cfg = cfg
	return &cp
}

// Runtime returns the device runtime, or nil.
func (c *Converter) Runtime() device.Runtime {
	return c.rt
}

func (c *Converter) runtime() (device.Runtime, error) {
	if c.rt == nil {
		return nil, errors.Wrap(device.ErrUnavailable, "layout: converter has no device runtime")
	}
	return c.rt, nil
}

// imageShape computes the image extent of shape and checks it against the limits of rt.
func imageShape(rt device.Runtime, shape tensor.Shape) (device.ImageShape, error) {
	img, err := ImageShapeFor(shape)
	if err != nil {
		return device.ImageShape{}, err
	}
	if limits := rt.Limits(); !limits.Fits(img) {
		return device.ImageShape{}, &UnsupportedShapeError{Shape: shape, Backend: tensor.DeviceOpaque,
			Details: fmt.Sprintf("image %s exceeds %s limit %dx%d",
				img, rt.Name(), limits.MaxImageWidth, limits.MaxImageHeight)}
	}
	return img, nil
}

func requireBackend(op string, src *tensor.Tensor, want tensor.Backend) error {
	if src.Backend() != want {
		return &tensor.BackendError{Op: op, Tensor: src.Name(), Want: want, Got: src.Backend()}
	}
	return nil
}

// Allocate creates a zeroed host tensor or an uninitialized device image tensor.
// Device shapes follow the same rules as ToDeviceOpaque.
func (c *Converter) Allocate(name string, shape tensor.Shape, dtype tensor.DataType, backend tensor.Backend) (*tensor.Tensor, error) {
	if backend.IsHost() {
		return tensor.Allocate(name, shape, dtype, backend)
	}
	rt, err := c.runtime()
	if err != nil {
		return nil, err
	}
	if err := shape.Validate(dtype.Size()); err != nil {
		return nil, err
	}
	ishape, err := imageShape(rt, shape)
	if err != nil {
		return nil, err
	}
	img, err := rt.CreateImage(ishape, dtype)
	if err != nil {
		return nil, errors.WithMessagef(err, "layout: allocate %q", name)
	}
	t, err := tensor.NewDevice(name, shape, dtype, img)
	if err != nil {
		img.Release()
		return nil, err
	}
	return t, nil
}

// ToDeviceOpaque packs a host-linear (N, H, W, C) tensor into a device image.
func (c *Converter) ToDeviceOpaque(src *tensor.Tensor, name string) (*tensor.Tensor, error) {
	if err := requireBackend("to-device", src, tensor.HostLinear); err != nil {
		return nil, err
	}
	rt, err := c.runtime()
	if err != nil {
		return nil, err
	}
	ishape, err := imageShape(rt, src.Shape())
	if err != nil {
		return nil, err
	}

	elem := src.DType().Size()
	texels := make([]byte, device.ImageByteSize(ishape, src.DType()))
	packImage(texels, src.Data(), src.Shape(), ishape, elem, c.cfg)

	img, err := rt.CreateImage(ishape, src.DType())
	if err != nil {
		return nil, errors.WithMessagef(err, "layout: image for %q", name)
	}
	if err := rt.Write(img, texels); err != nil {
		img.Release()
		return nil, errors.WithMessagef(err, "layout: upload %q", name)
	}
	klog.V(4).Infof("layout: %q %s -> image %s (%s)", src.Name(), src.Shape(), ishape, name)

	dst, err := tensor.NewDevice(name, src.Shape(), src.DType(), img)
	if err != nil {
		img.Release()
		return nil, err
	}
	return dst, nil
}

// FromDeviceOpaque unpacks a device image back into a host-linear tensor. It waits
// for all device work enqueued so far, so it never observes a partially written image.
func (c *Converter) FromDeviceOpaque(src *tensor.Tensor, name string) (*tensor.Tensor, error) {
	if err := requireBackend("from-device", src, tensor.DeviceOpaque); err != nil {
		return nil, err
	}
	rt, err := c.runtime()
	if err != nil {
		return nil, err
	}
	img, ok := src.Storage().(device.Image)
	if !ok {
		return nil, errors.Wrapf(device.ErrForeignImage, "layout: tensor %q has no image storage", src.Name())
	}
	ishape, err := ImageShapeFor(src.Shape())
	if err != nil {
		return nil, err
	}
	if img.Shape() != ishape {
		return nil, errors.Errorf("layout: tensor %q %s is backed by image %s, want %s",
			src.Name(), src.Shape(), img.Shape(), ishape)
	}

	texels, err := rt.ReadBack(img)
	if err != nil {
		return nil, errors.WithMessagef(err, "layout: read back %q", src.Name())
	}
	if want := device.ImageByteSize(ishape, src.DType()); len(texels) < want {
		return nil, errors.Errorf("layout: read back %q: got %d bytes, want %d", src.Name(), len(texels), want)
	}

	dst, err := tensor.Allocate(name, src.Shape(), src.DType(), tensor.HostLinear)
	if err != nil {
		return nil, err
	}
	unpackImage(dst.Data(), texels, src.Shape(), ishape, src.DType().Size(), c.cfg)
	klog.V(4).Infof("layout: image %q %s -> %s (%s)", src.Name(), ishape, src.Shape(), name)
	return dst, nil
}

// ToAlternateChannelOrder permutes a host-linear NHWC tensor into a host-alternate
// NCHW tensor. The result's shape is (N, C, H, W).
func (c *Converter) ToAlternateChannelOrder(src *tensor.Tensor, name string) (*tensor.Tensor, error) {
	if err := requireBackend("to-alternate", src, tensor.HostLinear); err != nil {
		return nil, err
	}
	shape, err := AlternateShape(src.Shape())
	if err != nil {
		return nil, err
	}
	dst, err := tensor.Allocate(name, shape, src.DType(), tensor.HostAlternate)
	if err != nil {
		return nil, err
	}
	nhwcToNCHW(dst.Data(), src.Data(), src.Shape(), src.DType().Size(), c.cfg)
	return dst, nil
}

// FromAlternateChannelOrder is the inverse of ToAlternateChannelOrder.
func (c *Converter) FromAlternateChannelOrder(src *tensor.Tensor, name string) (*tensor.Tensor, error) {
	if err := requireBackend("from-alternate", src, tensor.HostAlternate); err != nil {
		return nil, err
	}
	shape, err := LinearShape(src.Shape())
	if err != nil {
		return nil, err
	}
	dst, err := tensor.Allocate(name, shape, src.DType(), tensor.HostLinear)
	if err != nil {
		return nil, err
	}
	nchwToNHWC(dst.Data(), src.Data(), shape, src.DType().Size(), c.cfg)
	return dst, nil
}

// Convert moves src to backend. Host-linear is the hub: alternate <-> device goes
// through an intermediate linear tensor which is released before returning.
// Converting to the tensor's own backend returns a copy (or, for device tensors,
// a fresh image holding the same texels).
func (c *Converter) Convert(src *tensor.Tensor, to tensor.Backend, name string) (*tensor.Tensor, error) {
	from := src.Backend()
	switch {
	case from == to && from.IsHost():
		return tensor.Copy(src, name)
	case from == tensor.HostLinear && to == tensor.HostAlternate:
		return c.ToAlternateChannelOrder(src, name)
	case from == tensor.HostAlternate && to == tensor.HostLinear:
		return c.FromAlternateChannelOrder(src, name)
	case from == tensor.HostLinear && to == tensor.DeviceOpaque:
		return c.ToDeviceOpaque(src, name)
	case from == tensor.DeviceOpaque && to == tensor.HostLinear:
		return c.FromDeviceOpaque(src, name)
	}

	// Two hops via host-linear.
	var hub *tensor.Tensor
	var err error
	switch from {
	case tensor.HostAlternate:
		hub, err = c.FromAlternateChannelOrder(src, name+"/linear")
	case tensor.DeviceOpaque:
		hub, err = c.FromDeviceOpaque(src, name+"/linear")
	default:
		return nil, errors.Errorf("layout: no conversion from %s to %s", from, to)
	}
	if err != nil {
		return nil, err
	}
	defer hub.Release()
	return c.Convert(hub, to, name)
}
