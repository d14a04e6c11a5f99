// Package webgpu implements device.Runtime on a real GPU through go-webgpu
// (github.com/go-webgpu/webgpu), zero-CGO bindings over wgpu-native.
//
// Images are storage buffers holding vec4<f32> texels in row-major texel order, so
// the addressing matches the emulated runtime exactly and the same layout converter
// feeds both. Programs are WGSL compute shaders registered by name; each dispatch
// runs one invocation per (n, h, w) pixel.
//
// The native runtime is only wired on windows, like the rest of the WebGPU code it
// grew out of; elsewhere New returns device.ErrUnavailable.
package webgpu

// workgroupSize is the x extent of every program's @workgroup_size.
const workgroupSize = 64

// maxWorkgroupsPerDim is the WebGPU default limit per dispatch dimension.
const maxWorkgroupsPerDim = 65535

// paramsSize is the byte size of the uniform Params block shared by all programs:
// n, h, w, c, blocks, width, and two padding words.
const paramsSize = 32

// dispatchGrid splits pixels invocations into an (x, y) workgroup grid that respects
// the per-dimension limit. Shaders recover the pixel as gid.y*nwg.x*64 + gid.x.
func dispatchGrid(pixels int) (x, y uint32) {
	groups := (pixels + workgroupSize - 1) / workgroupSize
	if groups == 0 {
		return 0, 0
	}
	gx := min(groups, maxWorkgroupsPerDim)
	gy := (groups + gx - 1) / gx
	//nolint:gosec // G115: bounded by maxWorkgroupsPerDim
	return uint32(gx), uint32(gy)
}
