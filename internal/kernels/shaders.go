package kernels

// WGSL programs for the WebGPU runtime. Images are array<vec4<f32>> in row-major
// texel order; one invocation handles one (n, h, w) pixel and walks its channel
// blocks, which sit params.w texels apart. Bindings are inputs, outputs, then the
// shared Params uniform.

// softmaxShader applies softmax across the C lanes of each pixel, max-shifted for
// numerical stability. Lanes at or beyond C are written as zero.
const softmaxShader = `
@group(0) @binding(0) var<storage, read> input: array<vec4<f32>>;
@group(0) @binding(1) var<storage, read_write> result: array<vec4<f32>>;

struct Params {
    n: u32,
    h: u32,
    w: u32,
    c: u32,
    blocks: u32,
    width: u32,
    _pad0: u32,
    _pad1: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

fn lanes(block: u32) -> vec4<bool> {
    let base = block * 4u;
    return vec4<bool>(base < params.c, base + 1u < params.c, base + 2u < params.c, base + 3u < params.c);
}

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>, @builtin(num_workgroups) nwg: vec3<u32>) {
    let pixel = gid.y * nwg.x * 64u + gid.x;
    if (pixel >= params.n * params.h * params.w) {
        return;
    }
    let row = pixel / params.w;
    let x = pixel % params.w;
    let first = row * params.width + x;

    // Find max for numerical stability
    let lowest = vec4<f32>(-3.4028235e38);
    var max_val: f32 = -3.4028235e38;
    for (var b: u32 = 0u; b < params.blocks; b = b + 1u) {
        let v = select(lowest, input[first + b * params.w], lanes(b));
        max_val = max(max_val, max(max(v.x, v.y), max(v.z, v.w)));
    }

    // Compute exp(x - max) and sum
    var sum: f32 = 0.0;
    for (var b: u32 = 0u; b < params.blocks; b = b + 1u) {
        let idx = first + b * params.w;
        let e = select(vec4<f32>(0.0), exp(input[idx] - vec4<f32>(max_val)), lanes(b));
        result[idx] = e;
        sum = sum + e.x + e.y + e.z + e.w;
    }

    // Normalize
    for (var b: u32 = 0u; b < params.blocks; b = b + 1u) {
        let idx = first + b * params.w;
        result[idx] = result[idx] / sum;
    }
}
`

// reluShader applies ReLU to every lane: result = max(0, x).
const reluShader = `
@group(0) @binding(0) var<storage, read> input: array<vec4<f32>>;
@group(0) @binding(1) var<storage, read_write> result: array<vec4<f32>>;

struct Params {
    n: u32,
    h: u32,
    w: u32,
    c: u32,
    blocks: u32,
    width: u32,
    _pad0: u32,
    _pad1: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>, @builtin(num_workgroups) nwg: vec3<u32>) {
    let pixel = gid.y * nwg.x * 64u + gid.x;
    if (pixel >= params.n * params.h * params.w) {
        return;
    }
    let first = (pixel / params.w) * params.width + pixel % params.w;
    for (var b: u32 = 0u; b < params.blocks; b = b + 1u) {
        let idx = first + b * params.w;
        result[idx] = max(vec4<f32>(0.0), input[idx]);
    }
}
`
