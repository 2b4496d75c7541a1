package chaosstate

import (
	"context"
	"log"
	"time"

	"github.com/darwin-demo/store/observability"
)

const (
	// MaxRetries bounds read and read-modify-write attempts.
	MaxRetries = 3
	// RetryDelay is the first backoff delay; it doubles per attempt.
	RetryDelay = 10 * time.Millisecond
)

// Reader returns the current chaos state. Implementations never fail: an
// absent, corrupt or unreachable state reads as Default().
type Reader interface {
	Read(ctx context.Context) State
}

// Recorder counts one request outcome into the rolling window.
type Recorder interface {
	RecordRequest(ctx context.Context, isError bool) error
}

// Store is a chaos state medium shared across processes.
//
// Update is NOT atomic across processes. Two writers racing on the same
// persisted state can lose each other's changes; retries narrow the window
// but do not close it. Callers must treat the state as best-effort.
type Store interface {
	Reader
	Recorder
	Write(ctx context.Context, s State) error
	Update(ctx context.Context, fn func(*State)) (State, error)
}

// Set applies a partial settings update through Update.
func Set(ctx context.Context, st Store, p Patch) (State, error) {
	return st.Update(ctx, p.Apply)
}

// Reset overwrites the shared state with defaults.
func Reset(ctx context.Context, st Store) (State, error) {
	s := Default()
	if err := st.Write(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

// backoff returns the delay before retry number attempt (0-based).
func backoff(attempt int) time.Duration {
	return RetryDelay * time.Duration(1<<attempt)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// readWithRetry calls attempt until it succeeds or retries are exhausted,
// in which case the default state is returned.
func readWithRetry(ctx context.Context, backend string, attempt func() (State, error)) State {
	for i := 0; i < MaxRetries; i++ {
		s, err := attempt()
		if err == nil {
			return s
		}
		if i < MaxRetries-1 {
			observability.StateStoreRetries.WithLabelValues(backend, "read").Inc()
			sleepCtx(ctx, backoff(i))
		}
	}
	return Default()
}

// updateWithRetry runs read-modify-write cycles with exponential backoff.
// After MaxRetries failures it writes fn applied to a fresh default state.
func updateWithRetry(ctx context.Context, backend string, cycle func() (State, error), write func(State) error, fn func(*State)) (State, error) {
	var lastErr error
	for i := 0; i < MaxRetries; i++ {
		s, err := cycle()
		if err == nil {
			return s, nil
		}
		lastErr = err
		if i < MaxRetries-1 {
			observability.StateStoreRetries.WithLabelValues(backend, "update").Inc()
			sleepCtx(ctx, backoff(i))
		}
	}

	log.Printf("[STATE] %s update failed after %d attempts (%v), writing from defaults", backend, MaxRetries, lastErr)
	observability.StateStoreLastResort.WithLabelValues(backend).Inc()
	s := Default()
	fn(&s)
	if err := write(s); err != nil {
		return s, err
	}
	return s, nil
}
