// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor is the public view of opcheck tensors.
//
// # Overview
//
// A Tensor is a named, shaped, typed block of elements tagged with the backend that
// owns its memory:
//   - HostLinear: host memory, channel-last (NHWC) order. The reference backend.
//   - HostAlternate: host memory, channel-first (NCHW) order.
//   - DeviceOpaque: image memory owned by a device runtime, readable only through
//     a conversion back to a host backend.
//
// # Basic Usage
//
//	x, err := tensor.FromFloat32("Input", tensor.Shape{1, 1, 2, 4}, []float32{1, 1, 1, 1, 1, 2, 3, 4})
//	if err != nil {
//	    return err
//	}
//	defer x.Release()
//
//	noise, _ := tensor.Allocate("Noise", tensor.Shape{1, 64, 64, 3}, tensor.Float32, tensor.HostLinear)
//	_ = tensor.FillRandom(noise, tensor.StandardNormal, 42)
//
// # Supported Data Types
//
// Float32 and Float64. Conversions between backends copy element bytes, so a round
// trip through any backend is bit-exact.
package tensor
