package journal

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/darwin-demo/store/observability"
)

// Config tunes the journal.
type Config struct {
	MaxRuns      int
	InitAttempts int
	InitDelay    time.Duration
}

// DefaultConfig returns the production journal settings.
func DefaultConfig() Config {
	return Config{
		MaxRuns:      MaxRuns,
		InitAttempts: 5,
		InitDelay:    2 * time.Second,
	}
}

// Journal stores test reports in a Backend and falls back to process memory
// whenever the backend fails. Callers never see backend errors: reads and
// writes are served from memory until Init succeeds again, at which point
// the buffered reports are replayed into the backend.
type Journal struct {
	backend Backend
	cfg     Config

	mu          sync.RWMutex
	fallback    bool
	initialized bool
	memory      []Report // newest first, trimmed to MaxRuns runs

	recoveryMu   sync.Mutex
	stopRecovery context.CancelFunc
	recoveryDone chan struct{}
}

// New returns a journal over backend. It serves from memory until Init.
func New(backend Backend, cfg Config) *Journal {
	def := DefaultConfig()
	if cfg.MaxRuns <= 0 {
		cfg.MaxRuns = def.MaxRuns
	}
	if cfg.InitAttempts <= 0 {
		cfg.InitAttempts = def.InitAttempts
	}
	if cfg.InitDelay < 0 {
		cfg.InitDelay = 0
	}
	observability.JournalFallbackActive.Set(1)
	return &Journal{backend: backend, cfg: cfg, fallback: true}
}

// Init connects the backend with bounded retries and ensures the schema.
// It reports whether the journal is now serving from the backend.
func (j *Journal) Init(ctx context.Context) bool {
	return j.init(ctx, j.cfg.InitAttempts)
}

func (j *Journal) init(ctx context.Context, attempts int) bool {
	j.mu.Lock()
	j.initialized = true
	j.mu.Unlock()

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = j.backend.Connect(ctx); err == nil {
			log.Printf("[JOURNAL] Backend connected (attempt %d)", attempt)
			break
		}
		if attempt < attempts {
			log.Printf("[JOURNAL] Connect attempt %d/%d failed: %v. Retrying...", attempt, attempts, err)
			select {
			case <-ctx.Done():
				attempts = attempt
			case <-time.After(j.cfg.InitDelay):
			}
		}
	}
	if err == nil {
		err = j.backend.EnsureSchema(ctx)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err != nil {
		j.enterFallbackLocked("init", err)
		return false
	}
	if !j.replayLocked(ctx) {
		return false
	}

	if j.fallback {
		log.Printf("[JOURNAL] Backend available, leaving in-memory fallback")
	}
	j.fallback = false
	observability.JournalFallbackActive.Set(0)
	return true
}

// replayLocked writes buffered fallback reports into the backend, oldest
// first. Reports the backend rejects are dropped; on any other failure the
// failed report and everything newer stay buffered.
func (j *Journal) replayLocked(ctx context.Context) bool {
	if len(j.memory) == 0 {
		return true
	}
	log.Printf("[JOURNAL] Replaying %d fallback reports into backend...", len(j.memory))

	for i := len(j.memory) - 1; i >= 0; i-- {
		err := j.backend.InsertAndEvict(ctx, j.memory[i], j.cfg.MaxRuns)
		if errors.Is(err, ErrRejected) {
			log.Printf("[JOURNAL] Dropping report %s rejected during replay: %v", j.memory[i].ID, err)
			observability.JournalBackendErrors.WithLabelValues("rejected").Inc()
			continue
		}
		if err != nil {
			log.Printf("[JOURNAL] Replay of report %s failed: %v", j.memory[i].ID, err)
			observability.JournalBackendErrors.WithLabelValues("replay").Inc()
			j.memory = j.memory[:i+1]
			return false
		}
		observability.JournalReplayed.Inc()
	}
	j.memory = nil
	return true
}

func (j *Journal) enterFallbackLocked(op string, err error) {
	observability.JournalBackendErrors.WithLabelValues(op).Inc()
	if !j.fallback {
		log.Printf("[JOURNAL] Backend %s failed: %v. Switching to in-memory fallback", op, err)
	} else {
		log.Printf("[JOURNAL] Backend %s failed: %v. Staying in in-memory fallback", op, err)
	}
	j.fallback = true
	observability.JournalFallbackActive.Set(1)
}

func (j *Journal) storeFallbackLocked(r Report) {
	j.memory = TrimRuns(append([]Report{r}, j.memory...), j.cfg.MaxRuns)
	observability.JournalInserts.WithLabelValues("fallback").Inc()
}

// Fallback reports whether reports are currently kept in memory.
func (j *Journal) Fallback() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.fallback
}

// Insert stores r and evicts runs beyond MaxRuns. It always returns r.
func (j *Journal) Insert(ctx context.Context, r Report) Report {
	j.mu.Lock()
	if j.fallback {
		j.storeFallbackLocked(r)
		j.mu.Unlock()
		return r
	}
	j.mu.Unlock()

	err := j.backend.InsertAndEvict(ctx, r, j.cfg.MaxRuns)
	if errors.Is(err, ErrRejected) {
		log.Printf("[JOURNAL] Report %s rejected by backend: %v", r.ID, err)
		observability.JournalBackendErrors.WithLabelValues("rejected").Inc()
		return r
	}
	if err != nil {
		j.mu.Lock()
		j.enterFallbackLocked("insert", err)
		j.storeFallbackLocked(r)
		j.mu.Unlock()
		return r
	}
	observability.JournalInserts.WithLabelValues("store").Inc()
	return r
}

func (j *Journal) fallbackList() []Report {
	out := make([]Report, len(j.memory))
	copy(out, j.memory)
	return TrimRuns(out, j.cfg.MaxRuns)
}

// List returns every report of the newest MaxRuns runs, newest first.
func (j *Journal) List(ctx context.Context) []Report {
	j.mu.RLock()
	if j.fallback {
		defer j.mu.RUnlock()
		return j.fallbackList()
	}
	j.mu.RUnlock()

	reports, err := j.backend.ListRuns(ctx, j.cfg.MaxRuns)
	if err != nil {
		j.mu.Lock()
		defer j.mu.Unlock()
		j.enterFallbackLocked("list", err)
		return j.fallbackList()
	}
	return reports
}

// Latest returns the most recently received report, or nil.
func (j *Journal) Latest(ctx context.Context) *Report {
	j.mu.RLock()
	if j.fallback {
		defer j.mu.RUnlock()
		return j.fallbackLatest()
	}
	j.mu.RUnlock()

	r, err := j.backend.Latest(ctx)
	if err != nil {
		j.mu.Lock()
		defer j.mu.Unlock()
		j.enterFallbackLocked("latest", err)
		return j.fallbackLatest()
	}
	return r
}

func (j *Journal) fallbackLatest() *Report {
	if len(j.memory) == 0 {
		return nil
	}
	r := j.memory[0]
	return &r
}

// StartRecovery re-runs a single connect attempt every interval while the
// journal is in fallback mode. It stops when ctx is done or on Close.
func (j *Journal) StartRecovery(ctx context.Context, interval time.Duration) {
	j.recoveryMu.Lock()
	defer j.recoveryMu.Unlock()
	if j.stopRecovery != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	j.stopRecovery = cancel
	j.recoveryDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if j.Fallback() && j.init(ctx, 1) {
					log.Printf("[JOURNAL] Recovered from fallback")
				}
			}
		}
	}()
}

// Close stops recovery and releases the backend. It is a no-op on a journal
// that was never initialized.
func (j *Journal) Close() {
	j.recoveryMu.Lock()
	if j.stopRecovery != nil {
		j.stopRecovery()
		<-j.recoveryDone
		j.stopRecovery = nil
	}
	j.recoveryMu.Unlock()

	j.mu.RLock()
	initialized := j.initialized
	j.mu.RUnlock()
	if initialized {
		j.backend.Close()
	}
}
