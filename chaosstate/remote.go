package chaosstate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/darwin-demo/store/observability"
)

const (
	// DefaultRemoteTTL is how long a fetched state is served from cache.
	DefaultRemoteTTL = time.Second
	// DefaultRemoteTimeout bounds every call to the chaos controller.
	DefaultRemoteTimeout = 2 * time.Second
)

// RemoteConfig configures a RemoteStore.
type RemoteConfig struct {
	BaseURL string
	TTL     time.Duration
	Timeout time.Duration
	// HTTPClient overrides the default client (its Timeout is left as is).
	HTTPClient *http.Client
}

// RemoteStore reads the chaos state owned by the controller over HTTP.
// A fetched state is cached for TTL and never served past it. Any failure
// yields Default(), so an unreachable controller means no chaos.
type RemoteStore struct {
	baseURL string
	ttl     time.Duration
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
	flight  singleflight.Group

	mu        sync.Mutex
	cached    State
	fetchedAt time.Time
}

// NewRemoteStore returns a polling reader for the controller at cfg.BaseURL.
func NewRemoteStore(cfg RemoteConfig) *RemoteStore {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultRemoteTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRemoteTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "chaos-controller",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[STATE] Circuit %s: %s -> %s", name, from, to)
		},
	})

	return &RemoteStore{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		ttl:     cfg.TTL,
		client:  client,
		breaker: breaker,
		now:     time.Now,
	}
}

// Read returns the cached state, fetching a fresh one once the TTL expired.
// Concurrent readers of an expired cache share a single fetch; the cache
// lock is not held while it runs.
func (r *RemoteStore) Read(ctx context.Context) State {
	r.mu.Lock()
	if !r.fetchedAt.IsZero() && r.now().Sub(r.fetchedAt) < r.ttl {
		st := r.cached
		r.mu.Unlock()
		observability.RemoteStateFetches.WithLabelValues("cache_hit").Inc()
		return st
	}
	r.mu.Unlock()

	v, _, _ := r.flight.Do("state", func() (interface{}, error) {
		started := r.now()
		// A cancelled caller must not poison the cache for everyone else.
		st, err := r.fetch(context.WithoutCancel(ctx))
		if err != nil {
			log.Printf("[STATE] Chaos controller unreachable, injecting nothing: %v", err)
			observability.RemoteStateFetches.WithLabelValues("fallback").Inc()
			st = Default()
		} else {
			observability.RemoteStateFetches.WithLabelValues("fetched").Inc()
		}

		r.mu.Lock()
		r.cached = st
		r.fetchedAt = started
		r.mu.Unlock()
		return st, nil
	})
	return v.(State)
}

// Invalidate drops the cached state so the next Read fetches.
func (r *RemoteStore) Invalidate() {
	r.mu.Lock()
	r.fetchedAt = time.Time{}
	r.mu.Unlock()
}

func (r *RemoteStore) fetch(ctx context.Context) (State, error) {
	res, err := r.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/state", nil)
		if err != nil {
			return nil, err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("chaos controller returned %d", resp.StatusCode)
		}
		var st State
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return nil, fmt.Errorf("decode chaos state: %w", err)
		}
		return st, nil
	})
	if err != nil {
		return Default(), err
	}
	return res.(State), nil
}

type recordRequest struct {
	IsError bool `json:"is_error"`
}

// RecordRequest reports one request outcome to the controller, which owns
// the rolling window.
func (r *RemoteStore) RecordRequest(ctx context.Context, isError bool) error {
	body, err := json.Marshal(recordRequest{IsError: isError})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/record", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		observability.RemoteRecordFailures.Inc()
		return fmt.Errorf("record request outcome: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		observability.RemoteRecordFailures.Inc()
		return fmt.Errorf("record request outcome: controller returned %d", resp.StatusCode)
	}
	return nil
}
