package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/darwin-demo/store/chaosstate"
)

func newStateFile(t *testing.T, st chaosstate.State) *chaosstate.FileStore {
	t.Helper()
	s := chaosstate.NewFileStore(filepath.Join(t.TempDir(), "chaos_state.json"))
	if err := s.Write(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	return s
}

// countingRecorder records outcomes in memory.
type countingRecorder struct {
	mu       sync.Mutex
	requests int
	errors   int
}

func (c *countingRecorder) RecordRequest(_ context.Context, isError bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++
	if isError {
		c.errors++
	}
	return nil
}

type staticReader chaosstate.State

func (s staticReader) Read(context.Context) chaosstate.State { return chaosstate.State(s) }

func okHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Write([]byte(`{"ok":true}`))
	})
}

func TestChaos_FullErrorRateFailsEveryRequest(t *testing.T) {
	store := newStateFile(t, chaosstate.State{ErrorRate: 1.0})
	calls := 0
	h := Chaos(ChaosOptions{Enabled: true}, store, store)(okHandler(&calls))

	for i := 1; i <= 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/products", nil))

		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("request %d: expected 500, got %d", i, rec.Code)
		}
		if rec.Body.String() != InjectedErrorBody {
			t.Errorf("unexpected body %q", rec.Body.String())
		}
		st := store.Read(context.Background())
		if st.RequestCount != i || st.ErrorCount != i {
			t.Errorf("request %d: expected counters %d/%d, got %d/%d", i, i, i, st.RequestCount, st.ErrorCount)
		}
	}
	if calls != 0 {
		t.Errorf("downstream must not run for injected errors, ran %d times", calls)
	}
}

func TestChaos_SampleBelowRateInjects(t *testing.T) {
	rec := &countingRecorder{}
	calls := 0
	opts := ChaosOptions{Enabled: true, Rand: func() float64 { return 0.49 }}
	h := Chaos(opts, staticReader{ErrorRate: 0.5}, rec)(okHandler(&calls))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError || calls != 0 {
		t.Fatalf("expected injected failure, got %d (calls=%d)", w.Code, calls)
	}

	opts.Rand = func() float64 { return 0.5 }
	h = Chaos(opts, staticReader{ErrorRate: 0.5}, rec)(okHandler(&calls))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK || calls != 1 {
		t.Fatalf("sample at the rate should pass, got %d (calls=%d)", w.Code, calls)
	}

	if rec.requests != 2 || rec.errors != 1 {
		t.Errorf("expected 2 requests / 1 error recorded, got %d/%d", rec.requests, rec.errors)
	}
}

func TestChaos_DownstreamErrorsAreCounted(t *testing.T) {
	rec := &countingRecorder{}
	h := Chaos(ChaosOptions{Enabled: true}, staticReader{}, rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("downstream status not passed through: %d", w.Code)
	}
	if rec.requests != 1 || rec.errors != 1 {
		t.Errorf("expected 1/1, got %d/%d", rec.requests, rec.errors)
	}
}

func TestChaos_ClientErrorsAreNotErrors(t *testing.T) {
	rec := &countingRecorder{}
	h := Chaos(ChaosOptions{Enabled: true}, staticReader{}, rec)(http.NotFoundHandler())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.requests != 1 || rec.errors != 0 {
		t.Errorf("404 should count as success, got %d/%d", rec.requests, rec.errors)
	}
}

func TestChaos_DisabledPassesThrough(t *testing.T) {
	rec := &countingRecorder{}
	calls := 0
	h := Chaos(ChaosOptions{Enabled: false}, staticReader{ErrorRate: 1, LatencyMS: 5000}, rec)(okHandler(&calls))

	start := time.Now()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK || calls != 1 {
		t.Fatalf("disabled middleware altered the request: %d", w.Code)
	}
	if time.Since(start) > time.Second {
		t.Error("disabled middleware injected latency")
	}
	if rec.requests != 0 {
		t.Error("disabled middleware should not record outcomes")
	}
}

func TestChaos_SkipPrefixes(t *testing.T) {
	rec := &countingRecorder{}
	calls := 0
	opts := ChaosOptions{Enabled: true, SkipPrefixes: []string{"/metrics"}}
	h := Chaos(opts, staticReader{ErrorRate: 1}, rec)(okHandler(&calls))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || rec.requests != 0 {
		t.Errorf("skipped path was touched: code=%d recorded=%d", w.Code, rec.requests)
	}
}

func TestChaos_LatencyInjected(t *testing.T) {
	rec := &countingRecorder{}
	calls := 0
	h := Chaos(ChaosOptions{Enabled: true}, staticReader{LatencyMS: 50}, rec)(okHandler(&calls))

	start := time.Now()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("expected at least 50ms latency, got %v", elapsed)
	}
	if calls != 1 || rec.requests != 1 {
		t.Errorf("expected one downstream call and one record, got %d/%d", calls, rec.requests)
	}
}

func TestChaos_LatencyHonoursCancellation(t *testing.T) {
	rec := &countingRecorder{}
	calls := 0
	h := Chaos(ChaosOptions{Enabled: true}, staticReader{LatencyMS: 30000}, rec)(okHandler(&calls))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)

	start := time.Now()
	h.ServeHTTP(httptest.NewRecorder(), req)
	if time.Since(start) > 5*time.Second {
		t.Fatal("latency ignored request cancellation")
	}
	if calls != 0 {
		t.Error("downstream ran for a cancelled request")
	}
	if rec.requests != 1 {
		t.Errorf("cancelled request should still be recorded once, got %d", rec.requests)
	}
}

func TestChaos_LatencyScopedPerRequest(t *testing.T) {
	slow := &countingRecorder{}
	calls := 0
	slowH := Chaos(ChaosOptions{Enabled: true}, staticReader{LatencyMS: 300}, slow)(okHandler(&calls))
	fastH := Chaos(ChaosOptions{Enabled: true}, staticReader{}, &countingRecorder{})(http.NotFoundHandler())

	go slowH.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	start := time.Now()
	fastH.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if time.Since(start) > 200*time.Millisecond {
		t.Error("a slow request delayed an unrelated one")
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	calls := 0
	h := CORSMiddleware(okHandler(&calls))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/settings", nil))
	if w.Code != http.StatusOK || calls != 0 {
		t.Errorf("preflight should short-circuit, code=%d calls=%d", w.Code, calls)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing allow-origin header")
	}
}
