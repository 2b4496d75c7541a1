package idempotency

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func counterHandler(calls *int, status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"call":%d}`, *calls)
	}
}

func TestWrap_ReplaysFirstResponse(t *testing.T) {
	s := NewStore(time.Minute)
	calls := 0
	h := s.Wrap(counterHandler(&calls, http.StatusCreated))

	var bodies []string
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/test-report", nil)
		req.Header.Set(HeaderKey, "push-1")
		w := httptest.NewRecorder()
		h(w, req)
		if w.Code != http.StatusCreated {
			t.Fatalf("attempt %d: expected 201, got %d", i, w.Code)
		}
		bodies = append(bodies, w.Body.String())
	}

	if calls != 1 {
		t.Errorf("handler should run once, ran %d times", calls)
	}
	for _, b := range bodies {
		if b != `{"call":1}` {
			t.Errorf("replayed body differs: %s", b)
		}
	}
}

func TestWrap_NoKeyPassesThrough(t *testing.T) {
	s := NewStore(0)
	calls := 0
	h := s.Wrap(counterHandler(&calls, http.StatusOK))
	for i := 0; i < 2; i++ {
		h(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	}
	if calls != 2 {
		t.Errorf("expected 2 calls without a key, got %d", calls)
	}
}

func TestWrap_FailuresAreNotRecorded(t *testing.T) {
	s := NewStore(time.Minute)
	calls := 0
	h := s.Wrap(counterHandler(&calls, http.StatusBadRequest))
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set(HeaderKey, "bad")
		h(httptest.NewRecorder(), req)
	}
	if calls != 2 {
		t.Errorf("rejected requests must be retryable, got %d calls", calls)
	}
}

func TestStore_TTL(t *testing.T) {
	s := NewStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Set(context.Background(), "k", Response{StatusCode: 201})
	if _, ok := s.Get(context.Background(), "k"); !ok {
		t.Fatal("fresh entry missing")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := s.Get(context.Background(), "k"); ok {
		t.Error("expired entry replayed")
	}
}

func TestStore_SetSweepsExpiredEntries(t *testing.T) {
	s := NewStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		s.Set(context.Background(), fmt.Sprintf("old-%d", i), Response{StatusCode: 201})
	}
	now = now.Add(2 * time.Minute)
	s.Set(context.Background(), "new", Response{StatusCode: 201})

	if len(s.cache) != 1 {
		t.Errorf("expected expired entries swept, %d left", len(s.cache))
	}
}

func TestWrap_ReleasesKeyLocks(t *testing.T) {
	s := NewStore(time.Minute)
	calls := 0
	h := s.Wrap(counterHandler(&calls, http.StatusCreated))

	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.Header.Set(HeaderKey, fmt.Sprintf("key-%d", i%5))
			mu.Lock()
			defer mu.Unlock()
			h(httptest.NewRecorder(), req)
		}(i)
	}
	wg.Wait()

	if calls != 5 {
		t.Errorf("expected one call per distinct key, got %d", calls)
	}
	if len(s.locks) != 0 {
		t.Errorf("expected key locks released, %d left", len(s.locks))
	}
}
