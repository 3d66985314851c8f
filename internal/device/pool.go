// Package device models the device memory allocator consumed by the
// convolution engine: transient and durable scratch buffers plus a query of
// free and total device memory.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrOutOfMemory is matched by errors.Is for every allocation failure.
var ErrOutOfMemory = errors.New("device: out of memory")

// ErrNoMem is returned when an allocation does not fit in free device memory.
type ErrNoMem struct {
	Requested uint64
	Free      uint64
}

func (e ErrNoMem) Error() string {
	return fmt.Sprintf("insufficient device memory: requested %d bytes, %d free", e.Requested, e.Free)
}

func (e ErrNoMem) Unwrap() error { return ErrOutOfMemory }

// Allocator is the allocation capability the convolution kernel consumes.
type Allocator interface {
	// Acquire returns a transient buffer. Its memory goes back to the device
	// as soon as it is released and is never cached.
	Acquire(size uint64) (*Buffer, error)

	// AcquireDurable returns a buffer that is kept for reuse after release.
	AcquireDurable(size uint64) (*Buffer, error)

	// MemInfo reports free and total device memory in bytes.
	MemInfo() (free, total uint64)
}

// SizeClass represents different buffer size categories for pooling.
type SizeClass int

const (
	// SmallBuffer for buffers < 4KB.
	SmallBuffer SizeClass = iota
	// MediumBuffer for buffers 4KB-1MB.
	MediumBuffer
	// LargeBuffer for buffers > 1MB.
	LargeBuffer
)

const (
	smallThreshold  = 4 * 1024    // 4KB
	mediumThreshold = 1024 * 1024 // 1MB
	maxPoolSize     = 100         // Max buffers per category
)

// Stats is a snapshot of pool usage.
type Stats struct {
	Allocated uint64 // buffers created
	Released  uint64 // Release calls
	Hits      uint64 // durable requests served from the pool
	Misses    uint64 // durable requests that allocated
	Pooled    int    // buffers parked in the pool
	Live      int    // buffers handed out and not yet released
	InUse     uint64 // bytes reserved, live and pooled
}

// Pool is a host-memory simulation of a device heap with a fixed capacity.
// Durable buffers are categorized by size and reused; transient buffers
// return their memory immediately.
type Pool struct {
	capacity uint64
	mem      *semaphore.Weighted

	mu     sync.Mutex
	small  []*Buffer
	medium []*Buffer
	large  []*Buffer
	inUse  uint64
	stats  Stats
}

// NewPool creates a pool backed by capacity bytes of device memory.
func NewPool(capacity uint64) *Pool {
	return &Pool{
		capacity: capacity,
		mem:      semaphore.NewWeighted(int64(capacity)),
		small:    make([]*Buffer, 0, maxPoolSize),
		medium:   make([]*Buffer, 0, maxPoolSize),
		large:    make([]*Buffer, 0, maxPoolSize),
	}
}

// Acquire implements Allocator.
func (p *Pool) Acquire(size uint64) (*Buffer, error) {
	return p.allocate(size, false)
}

// AcquireDurable implements Allocator. A pooled buffer of at least size
// bytes is reused when one is available.
func (p *Pool) AcquireDurable(size uint64) (*Buffer, error) {
	if size == 0 {
		return &Buffer{durable: true}, nil
	}

	p.mu.Lock()
	category := categorize(size)
	pool := p.getPool(category)
	for i, b := range pool {
		if uint64(len(b.data)) >= size {
			p.removeFromPool(category, i)
			p.stats.Hits++
			p.stats.Live++
			p.mu.Unlock()
			// The parked handle stays released; the caller gets its own.
			reused := &Buffer{data: b.data, size: size, durable: true, pool: p}
			b.data = nil
			return reused, nil
		}
	}
	p.stats.Misses++
	p.mu.Unlock()

	return p.allocate(size, true)
}

// MemInfo implements Allocator.
func (p *Pool) MemInfo() (free, total uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - p.inUse, p.capacity
}

func (p *Pool) allocate(size uint64, durable bool) (*Buffer, error) {
	if size == 0 {
		return &Buffer{durable: durable}, nil
	}

	if !p.reserve(size) {
		// Parked buffers hold memory nobody is using; give it back and retry.
		p.Clear()
		if !p.reserve(size) {
			free, _ := p.MemInfo()
			slog.Debug("device allocation failed", "requested", size, "free", free, "durable", durable)
			return nil, ErrNoMem{Requested: size, Free: free}
		}
	}

	p.mu.Lock()
	p.stats.Allocated++
	p.stats.Live++
	p.mu.Unlock()

	return &Buffer{
		data:    make([]byte, size),
		size:    size,
		durable: durable,
		pool:    p,
	}, nil
}

func (p *Pool) reserve(size uint64) bool {
	if size > p.capacity || !p.mem.TryAcquire(int64(size)) {
		return false
	}
	p.mu.Lock()
	p.inUse += size
	p.mu.Unlock()
	return true
}

func (p *Pool) free(size uint64) {
	p.mu.Lock()
	p.inUse -= size
	p.mu.Unlock()
	p.mem.Release(int64(size))
}

// release returns a buffer to the pool for reuse.
// Transient buffers and buffers that do not fit in a full pool are freed.
func (p *Pool) release(b *Buffer) {
	p.mu.Lock()
	p.stats.Released++
	p.stats.Live--

	if b.durable {
		category := categorize(uint64(len(b.data)))
		if len(p.getPool(category)) < maxPoolSize {
			p.addToPool(category, b)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	p.free(uint64(len(b.data)))
	b.data = nil
}

// Clear frees all pooled buffers.
func (p *Pool) Clear() {
	p.mu.Lock()
	var freed uint64
	for _, pool := range [][]*Buffer{p.small, p.medium, p.large} {
		for _, b := range pool {
			freed += uint64(len(b.data))
			b.data = nil
		}
	}
	p.small = p.small[:0]
	p.medium = p.medium[:0]
	p.large = p.large[:0]
	p.mu.Unlock()

	if freed > 0 {
		p.free(freed)
	}
}

// Stats returns statistics about pool usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.Pooled = len(p.small) + len(p.medium) + len(p.large)
	s.InUse = p.inUse
	return s
}

// categorize determines the size category for a buffer.
func categorize(size uint64) SizeClass {
	if size < smallThreshold {
		return SmallBuffer
	}
	if size < mediumThreshold {
		return MediumBuffer
	}
	return LargeBuffer
}

func (p *Pool) getPool(category SizeClass) []*Buffer {
	switch category {
	case SmallBuffer:
		return p.small
	case MediumBuffer:
		return p.medium
	case LargeBuffer:
		return p.large
	default:
		return nil
	}
}

func (p *Pool) addToPool(category SizeClass, b *Buffer) {
	switch category {
	case SmallBuffer:
		p.small = append(p.small, b)
	case MediumBuffer:
		p.medium = append(p.medium, b)
	case LargeBuffer:
		p.large = append(p.large, b)
	}
}

func (p *Pool) removeFromPool(category SizeClass, i int) {
	switch category {
	case SmallBuffer:
		p.small = append(p.small[:i], p.small[i+1:]...)
	case MediumBuffer:
		p.medium = append(p.medium[:i], p.medium[i+1:]...)
	case LargeBuffer:
		p.large = append(p.large[:i], p.large[i+1:]...)
	}
}
