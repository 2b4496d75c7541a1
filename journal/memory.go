package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryBackend keeps reports in process memory. It backs the journal when
// JOURNAL_BACKEND=memory and applies the same eviction rule as Postgres.
type MemoryBackend struct {
	mu      sync.RWMutex
	reports []Report // newest received first
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Connect(ctx context.Context) error      { return nil }
func (m *MemoryBackend) EnsureSchema(ctx context.Context) error { return nil }
func (m *MemoryBackend) Close()                                 {}

func (m *MemoryBackend) InsertAndEvict(ctx context.Context, r Report, maxRuns int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.reports {
		if existing.ID == r.ID {
			return fmt.Errorf("insert report %s: duplicate id: %w", r.ID, ErrRejected)
		}
	}

	reports := append([]Report{r}, m.reports...)
	// Replayed reports may be older than what is already stored.
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].ReceivedAt.After(reports[j].ReceivedAt)
	})
	m.reports = TrimRuns(reports, maxRuns)
	return nil
}

func (m *MemoryBackend) ListRuns(ctx context.Context, maxRuns int) ([]Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return TrimRuns(m.reports, maxRuns), nil
}

func (m *MemoryBackend) Latest(ctx context.Context) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.reports) == 0 {
		return nil, nil
	}
	r := m.reports[0]
	return &r, nil
}
