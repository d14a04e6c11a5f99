//go:build windows

package webgpu

import (
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"
)

// sizeClass buckets image buffers for reuse.
type sizeClass int

const (
	smallClass  sizeClass = iota // < 64KB: a few image rows
	mediumClass                  // < 4MB: typical single-batch images
	largeClass                   // multi-batch images
)

const (
	smallThreshold  = 64 * 1024
	mediumThreshold = 4 * 1024 * 1024
	maxPerClass     = 32
)

type pooledBuffer struct {
	buffer *wgpu.Buffer
	size   uint64
	usage  wgpu.BufferUsage
}

// BufferPool recycles image storage buffers between harness runs. Conformance
// suites allocate the same few image shapes over and over.
type BufferPool struct {
	device *wgpu.Device

	mu      sync.Mutex
	classes [3][]*pooledBuffer

	hits, misses uint64
}

// NewBufferPool creates a new buffer pool for the given device.
func NewBufferPool(device *wgpu.Device) *BufferPool {
	return &BufferPool{device: device}
}

func classify(size uint64) sizeClass {
	switch {
	case size < smallThreshold:
		return smallClass
	case size < mediumThreshold:
		return mediumClass
	default:
		return largeClass
	}
}

// Acquire returns a pooled buffer of at least size bytes with usage, or a new one.
func (p *BufferPool) Acquire(size uint64, usage wgpu.BufferUsage) *wgpu.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	class := classify(size)
	free := p.classes[class]
	for i, pb := range free {
		// Exact size keeps binding ranges and read-back sizes trivially correct.
		if pb.size == size && pb.usage&usage == usage {
			p.classes[class] = append(free[:i], free[i+1:]...)
			p.hits++
			return pb.buffer
		}
	}

	p.misses++
	return p.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: usage,
		Size:  size,
	})
}

// Release returns a buffer to the pool, or frees it if its class is full.
func (p *BufferPool) Release(buffer *wgpu.Buffer, size uint64, usage wgpu.BufferUsage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	class := classify(size)
	if len(p.classes[class]) >= maxPerClass {
		buffer.Release()
		return
	}
	p.classes[class] = append(p.classes[class], &pooledBuffer{buffer: buffer, size: size, usage: usage})
}

// Clear releases all pooled buffers.
func (p *BufferPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for class := range p.classes {
		for _, pb := range p.classes[class] {
			pb.buffer.Release()
		}
		p.classes[class] = nil
	}
}

// Stats returns pool hits, misses and the number of idle buffers.
func (p *BufferPool) Stats() (hits, misses uint64, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, free := range p.classes {
		idle += len(free)
	}
	return p.hits, p.misses, idle
}
