package loadgen

import (
	"errors"
	"fmt"
	"log"
	"math"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/darwin-demo/store/observability"
)

// ErrMemoryLimit is returned by an Allocator that refuses a chunk.
var ErrMemoryLimit = errors.New("loadgen: memory limit reached")

const (
	MemoryReleased  = "memory_released"
	MemoryAllocated = "memory_allocated"
	MemoryPartial   = "memory_partial"

	pageSize = 4096
)

// Allocator returns a buffer of size bytes or an error.
type Allocator func(size int) ([]byte, error)

// RuntimeAllocator refuses chunks that would push the heap past the Go
// runtime memory limit (GOMEMLIMIT).
func RuntimeAllocator(size int) ([]byte, error) {
	limit := debug.SetMemoryLimit(-1)
	if limit != math.MaxInt64 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if int64(ms.HeapAlloc)+int64(size) > limit {
			return nil, ErrMemoryLimit
		}
	}
	return make([]byte, size), nil
}

// MemoryResult describes the outcome of Allocate.
type MemoryResult struct {
	Status      string `json:"status"`
	AllocatedMB int    `json:"memory_load_mb"`
	RequestedMB int    `json:"requested_mb"`
	Chunks      int    `json:"chunks"`
	Error       string `json:"error,omitempty"`
}

// MemoryHog holds memory in fixed-size chunks.
type MemoryHog struct {
	mu      sync.Mutex
	chunks  [][]byte
	chunkMB int
	alloc   Allocator
}

// NewMemoryHog returns a hog allocating chunkMB at a time. A nil alloc
// uses RuntimeAllocator.
func NewMemoryHog(chunkMB int, alloc Allocator) *MemoryHog {
	if chunkMB <= 0 {
		chunkMB = 10
	}
	if alloc == nil {
		alloc = RuntimeAllocator
	}
	return &MemoryHog{chunkMB: chunkMB, alloc: alloc}
}

// Allocate releases anything held, then holds mb megabytes rounded down to
// whole chunks. Every page of each chunk is written so it is resident.
func (m *MemoryHog) Allocate(mb int) MemoryResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseLocked()
	if mb <= 0 {
		return MemoryResult{Status: MemoryReleased}
	}

	size := m.chunkMB * 1024 * 1024
	needed := mb / m.chunkMB
	for i := 0; i < needed; i++ {
		chunk, err := m.alloc(size)
		if err != nil {
			got := m.heldMBLocked()
			log.Printf("[LOADGEN] Memory allocation partial: got %dMB of requested %dMB: %v", got, mb, err)
			return MemoryResult{
				Status:      MemoryPartial,
				AllocatedMB: got,
				RequestedMB: mb,
				Chunks:      len(m.chunks),
				Error:       err.Error(),
			}
		}
		for j := 0; j < len(chunk); j += pageSize {
			chunk[j] = byte(i)
		}
		m.chunks = append(m.chunks, chunk)
		observability.MemoryAllocatedMB.Set(float64(m.heldMBLocked()))
	}

	got := m.heldMBLocked()
	log.Printf("[LOADGEN] Allocated %dMB of memory (%d chunks)", got, len(m.chunks))
	return MemoryResult{Status: MemoryAllocated, AllocatedMB: got, RequestedMB: mb, Chunks: len(m.chunks)}
}

// Release frees all held memory.
func (m *MemoryHog) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
}

func (m *MemoryHog) releaseLocked() {
	if len(m.chunks) > 0 {
		log.Printf("[LOADGEN] Released %dMB of memory", m.heldMBLocked())
	}
	m.chunks = nil
	observability.MemoryAllocatedMB.Set(0)
}

func (m *MemoryHog) heldMBLocked() int {
	return len(m.chunks) * m.chunkMB
}

// Held returns the chunk count and megabytes currently held.
func (m *MemoryHog) Held() (chunks, mb int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks), m.heldMBLocked()
}

// ChunkMB is the allocation granularity.
func (m *MemoryHog) ChunkMB() int {
	return m.chunkMB
}

// String implements fmt.Stringer.
func (r MemoryResult) String() string {
	return fmt.Sprintf("%s: %d/%dMB in %d chunks", r.Status, r.AllocatedMB, r.RequestedMB, r.Chunks)
}
