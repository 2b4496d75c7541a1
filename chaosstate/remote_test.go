package chaosstate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newControllerStub(t *testing.T, st State, status *atomic.Int32, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/state" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		if code := int(status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		json.NewEncoder(w).Encode(st)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteStore_CachesWithinTTL(t *testing.T) {
	var status, hits atomic.Int32
	status.Store(http.StatusOK)
	want := State{LatencyMS: 300, ErrorRate: 0.1}
	srv := newControllerStub(t, want, &status, &hits)

	r := NewRemoteStore(RemoteConfig{BaseURL: srv.URL, TTL: time.Second})
	now := time.Now()
	r.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		if got := r.Read(context.Background()); !got.Equal(want) {
			t.Fatalf("read %d: got %+v", i, got)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 fetch within TTL, got %d", hits.Load())
	}

	// Past the TTL the cached value is never served.
	now = now.Add(1500 * time.Millisecond)
	r.Read(context.Background())
	if hits.Load() != 2 {
		t.Errorf("expected a refetch after TTL, got %d fetches", hits.Load())
	}
}

func TestRemoteStore_InvalidateForcesFetch(t *testing.T) {
	var status, hits atomic.Int32
	status.Store(http.StatusOK)
	srv := newControllerStub(t, State{CPULoad: true}, &status, &hits)

	r := NewRemoteStore(RemoteConfig{BaseURL: srv.URL, TTL: time.Hour})
	r.Read(context.Background())
	r.Invalidate()
	r.Read(context.Background())
	if hits.Load() != 2 {
		t.Errorf("expected 2 fetches, got %d", hits.Load())
	}
}

func TestRemoteStore_FallbackToDefaults(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		var status, hits atomic.Int32
		status.Store(http.StatusInternalServerError)
		srv := newControllerStub(t, State{ErrorRate: 1}, &status, &hits)

		r := NewRemoteStore(RemoteConfig{BaseURL: srv.URL})
		if got := r.Read(context.Background()); !got.Equal(Default()) {
			t.Errorf("expected defaults on 500, got %+v", got)
		}
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		r := NewRemoteStore(RemoteConfig{BaseURL: url})
		if got := r.Read(context.Background()); !got.Equal(Default()) {
			t.Errorf("expected defaults when unreachable, got %+v", got)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		t.Cleanup(srv.Close)
		t.Cleanup(func() { close(release) })

		r := NewRemoteStore(RemoteConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
		start := time.Now()
		got := r.Read(context.Background())
		if !got.Equal(Default()) {
			t.Errorf("expected defaults on timeout, got %+v", got)
		}
		if time.Since(start) > 2*time.Second {
			t.Error("read was not bounded by the configured timeout")
		}
	})
}

func TestRemoteStore_RecoversAfterFallback(t *testing.T) {
	var status, hits atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	want := State{MemoryLoadMB: 64}
	srv := newControllerStub(t, want, &status, &hits)

	r := NewRemoteStore(RemoteConfig{BaseURL: srv.URL, TTL: time.Second})
	now := time.Now()
	r.now = func() time.Time { return now }

	if got := r.Read(context.Background()); !got.Equal(Default()) {
		t.Fatalf("expected defaults while controller is down, got %+v", got)
	}

	status.Store(http.StatusOK)
	now = now.Add(2 * time.Second)
	if got := r.Read(context.Background()); !got.Equal(want) {
		t.Errorf("expected fresh state after recovery, got %+v", got)
	}
}

func TestRemoteStore_RecordRequest(t *testing.T) {
	var received []bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/record" {
			http.Error(w, "unexpected", http.StatusBadRequest)
			return
		}
		var body struct {
			IsError bool `json:"is_error"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		received = append(received, body.IsError)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r := NewRemoteStore(RemoteConfig{BaseURL: srv.URL + "/"})
	if err := r.RecordRequest(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordRequest(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if len(received) != 2 || !received[0] || received[1] {
		t.Errorf("unexpected outcomes received: %v", received)
	}
}

func TestRemoteStore_RecordRequestFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRemoteStore(RemoteConfig{BaseURL: srv.URL})
	if err := r.RecordRequest(context.Background(), false); err == nil {
		t.Error("expected an error when the controller rejects the record")
	}
}

func TestRemoteStore_SlowFetchIsShared(t *testing.T) {
	var hits atomic.Int32
	gate := make(chan struct{})
	want := State{LatencyMS: 50}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-gate
		json.NewEncoder(w).Encode(want)
	}))
	t.Cleanup(srv.Close)

	r := NewRemoteStore(RemoteConfig{BaseURL: srv.URL, TTL: time.Minute, Timeout: 5 * time.Second})

	results := make(chan State, 10)
	go func() { results <- r.Read(context.Background()) }()
	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("fetch never reached the controller")
		}
		time.Sleep(time.Millisecond)
	}

	// The cache lock is free while the fetch is in flight.
	invalidated := make(chan struct{})
	go func() {
		r.Invalidate()
		close(invalidated)
	}()
	select {
	case <-invalidated:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Invalidate blocked behind an in-flight fetch")
	}

	for i := 0; i < 9; i++ {
		go func() { results <- r.Read(context.Background()) }()
	}
	close(gate)
	for i := 0; i < 10; i++ {
		if got := <-results; !got.Equal(want) {
			t.Errorf("reader %d got %+v", i, got)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("expected concurrent readers to share one fetch, got %d", hits.Load())
	}
}
