// Package device provides the host-side memory pieces of a device backend:
// a pooled host allocator and an in-memory reference device.
package device

import (
	"fmt"
	"sync"
	"unsafe"
)

// DefaultChunkSize is the size of each chunk a MemoryPool reserves.
const DefaultChunkSize = 1 << 20

// MemoryPool is a bump allocator over large host chunks. Memory handed out
// stays valid and in place until the pool is reset; Release only updates
// accounting.
type MemoryPool struct {
	mu        sync.Mutex
	chunkSize int
	chunks    [][]byte
	off       int // bump offset into the last chunk

	allocated int
	released  int
}

// NewMemoryPool returns a pool reserving chunks of chunkSize bytes.
func NewMemoryPool(chunkSize int) *MemoryPool {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &MemoryPool{chunkSize: chunkSize}
}

// Allocate returns size zeroed bytes whose address is a multiple of align.
func (p *MemoryPool) Allocate(size, align int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("allocation size must be positive, got %d", size)
	}
	if align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("alignment must be a power of two, got %d", align)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.bump(size, align); ok {
		return b, nil
	}

	// Start a new chunk large enough for the request plus worst case padding.
	p.chunks = append(p.chunks, make([]byte, max(p.chunkSize, size+align)))
	p.off = 0
	b, _ := p.bump(size, align)
	return b, nil
}

func (p *MemoryPool) bump(size, align int) ([]byte, bool) {
	if len(p.chunks) == 0 {
		return nil, false
	}
	chunk := p.chunks[len(p.chunks)-1]
	base := uintptr(unsafe.Pointer(&chunk[0]))
	addr := (base + uintptr(p.off) + uintptr(align) - 1) &^ (uintptr(align) - 1)
	start := int(addr - base)
	if start+size > len(chunk) {
		return nil, false
	}
	p.off = start + size
	p.allocated += size
	return chunk[start : start+size : start+size], true
}

// Release returns b to the pool's accounting.
func (p *MemoryPool) Release(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released += len(b)
}

// InUse returns the number of bytes allocated and not released.
func (p *MemoryPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated - p.released
}

// Reset drops every chunk. Memory handed out before must no longer be used.
func (p *MemoryPool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = nil
	p.off = 0
	p.allocated = 0
	p.released = 0
}
