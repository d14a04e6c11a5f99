// Package layout converts tensors between the three backend layouts.
//
// Host-linear (NHWC) is the hub: every other layout converts to and from it.
//
//	HostLinear    (N, H, W, C)   element (n,h,w,c) at ((n*H+h)*W+w)*C + c
//	HostAlternate (N, C, H, W)   element (n,h,w,c) at ((n*C+c)*H+h)*W + w
//	DeviceOpaque  image of ceil(C/4)*W x N*H texels, element (n,h,w,c) in texel
//	              (x = (c/4)*W + w, y = n*H + h), lane c%4; unused lanes are zero
//
// Conversions are pure: the source tensor is never modified, and they copy element
// bytes rather than values, so round trips are bit-exact for any dtype.
package layout

import (
	"errors"
	"fmt"

	"github.com/born-ml/opcheck/internal/device"
	"github.com/born-ml/opcheck/internal/parallel"
	"github.com/born-ml/opcheck/internal/tensor"
)

// ErrUnsupportedShape is returned when a shape cannot be represented in a layout,
// e.g. an image extent beyond the device limits.
var ErrUnsupportedShape = errors.New("unsupported shape")

// UnsupportedShapeError details why a shape was refused.
type UnsupportedShapeError struct {
	Shape   tensor.Shape
	Backend tensor.Backend
	Details string
}

// Error implements the error interface.
func (e *UnsupportedShapeError) Error() string {
	return fmt.Sprintf("%s %s for %s: %s", ErrUnsupportedShape, e.Shape, e.Backend, e.Details)
}

// Unwrap makes errors.Is(err, ErrUnsupportedShape) hold.
func (e *UnsupportedShapeError) Unwrap() error { return ErrUnsupportedShape }

// dims4 unpacks a rank-4 shape or reports it as unsupported for backend.
func dims4(shape tensor.Shape, backend tensor.Backend) (n, h, w, c int, err error) {
	if len(shape) != 4 {
		return 0, 0, 0, 0, &UnsupportedShapeError{Shape: shape, Backend: backend,
			Details: fmt.Sprintf("rank %d, want 4 (N, H, W, C)", len(shape))}
	}
	return shape[0], shape[1], shape[2], shape[3], nil
}

// ImageShapeFor returns the texel extent of the image holding an (N, H, W, C) tensor.
func ImageShapeFor(shape tensor.Shape) (device.ImageShape, error) {
	n, h, w, c, err := dims4(shape, tensor.DeviceOpaque)
	if err != nil {
		return device.ImageShape{}, err
	}
	if err := shape.Validate(0); err != nil {
		return device.ImageShape{}, err
	}
	blocks := (c + device.TexelChannels - 1) / device.TexelChannels
	return device.ImageShape{Width: w * blocks, Height: n * h}, nil
}

// AlternateShape maps an NHWC shape to its NCHW counterpart.
func AlternateShape(shape tensor.Shape) (tensor.Shape, error) {
	if _, _, _, _, err := dims4(shape, tensor.HostAlternate); err != nil {
		return nil, err
	}
	return shape.Permute(0, 3, 1, 2)
}

// LinearShape maps an NCHW shape back to NHWC.
func LinearShape(shape tensor.Shape) (tensor.Shape, error) {
	if _, _, _, _, err := dims4(shape, tensor.HostLinear); err != nil {
		return nil, err
	}
	return shape.Permute(0, 2, 3, 1)
}

// packImage copies NHWC element bytes into texel order.
func packImage(dst, src []byte, shape tensor.Shape, img device.ImageShape, elem int, cfg parallel.Config) {
	n, h, w, c := shape[0], shape[1], shape[2], shape[3]
	blocks := (c + device.TexelChannels - 1) / device.TexelChannels
	texel := device.TexelChannels * elem
	parallel.ForRows(n, h, func(bn, bh int) {
		row := bn*h + bh
		for x := 0; x < w; x++ {
			srcPixel := (row*w + x) * c * elem
			for b := 0; b < blocks; b++ {
				lanes := min(device.TexelChannels, c-b*device.TexelChannels)
				s := srcPixel + b*device.TexelChannels*elem
				d := (row*img.Width + b*w + x) * texel
				copy(dst[d:d+lanes*elem], src[s:s+lanes*elem])
			}
		}
	}, cfg)
}

// unpackImage is the inverse of packImage; padding lanes are dropped.
func unpackImage(dst, src []byte, shape tensor.Shape, img device.ImageShape, elem int, cfg parallel.Config) {
	n, h, w, c := shape[0], shape[1], shape[2], shape[3]
	blocks := (c + device.TexelChannels - 1) / device.TexelChannels
	texel := device.TexelChannels * elem
	parallel.ForRows(n, h, func(bn, bh int) {
		row := bn*h + bh
		for x := 0; x < w; x++ {
			dstPixel := (row*w + x) * c * elem
			for b := 0; b < blocks; b++ {
				lanes := min(device.TexelChannels, c-b*device.TexelChannels)
				d := dstPixel + b*device.TexelChannels*elem
				s := (row*img.Width + b*w + x) * texel
				copy(dst[d:d+lanes*elem], src[s:s+lanes*elem])
			}
		}
	}, cfg)
}

// nhwcToNCHW permutes element bytes from channel-last to channel-first.
func nhwcToNCHW(dst, src []byte, shape tensor.Shape, elem int, cfg parallel.Config) {
	n, h, w, c := shape[0], shape[1], shape[2], shape[3]
	parallel.ForRows(n, h, func(bn, bh int) {
		for x := 0; x < w; x++ {
			s := ((bn*h+bh)*w + x) * c * elem
			for ch := 0; ch < c; ch++ {
				d := (((bn*c+ch)*h+bh)*w + x) * elem
				copy(dst[d:d+elem], src[s+ch*elem:s+(ch+1)*elem])
			}
		}
	}, cfg)
}

// nchwToNHWC permutes element bytes from channel-first back to channel-last.
// shape is the NHWC (logical) shape.
func nchwToNHWC(dst, src []byte, shape tensor.Shape, elem int, cfg parallel.Config) {
	n, h, w, c := shape[0], shape[1], shape[2], shape[3]
	parallel.ForRows(n, h, func(bn, bh int) {
		for x := 0; x < w; x++ {
			d := ((bn*h+bh)*w + x) * c * elem
			for ch := 0; ch < c; ch++ {
				s := (((bn*c+ch)*h+bh)*w + x) * elem
				copy(dst[d+ch*elem:d+(ch+1)*elem], src[s:s+elem])
			}
		}
	}, cfg)
}
