package middleware

import (
	"context"
	"log"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/darwin-demo/store/chaosstate"
	"github.com/darwin-demo/store/observability"
)

// InjectedErrorBody is returned for requests failed by error injection.
const InjectedErrorBody = `{"error": "Chaos injection - simulated failure"}`

// ChaosOptions configures the chaos middleware.
type ChaosOptions struct {
	// Enabled false passes every request through untouched.
	Enabled bool
	// Rand returns a uniform sample in [0,1). Defaults to math/rand/v2.
	Rand func() float64
	// SkipPrefixes are paths that bypass injection and accounting.
	SkipPrefixes []string
}

// Chaos injects latency and errors according to the shared chaos state and
// records each request outcome into the rolling window exactly once.
func Chaos(opts ChaosOptions, reader chaosstate.Reader, recorder chaosstate.Recorder) func(http.Handler) http.Handler {
	random := opts.Rand
	if random == nil {
		random = rand.Float64
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !opts.Enabled || skipped(r.URL.Path, opts.SkipPrefixes) {
				observability.ChaosRequests.WithLabelValues("bypass").Inc()
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			state := reader.Read(ctx)
			// The outcome is recorded even if the client goes away mid-request.
			recordCtx := context.WithoutCancel(ctx)

			if d := state.Latency(); d > 0 {
				observability.ChaosInjectedLatency.Observe(d.Seconds())
				if !sleep(ctx, d) {
					record(recordCtx, recorder, false)
					observability.ChaosRequests.WithLabelValues("ok").Inc()
					return
				}
			}

			if state.ErrorRate > 0 && random() < state.ErrorRate {
				record(recordCtx, recorder, true)
				observability.ChaosRequests.WithLabelValues("injected_error").Inc()
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(InjectedErrorBody))
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if p := recover(); p != nil {
					record(recordCtx, recorder, true)
					observability.ChaosRequests.WithLabelValues("error").Inc()
					panic(p)
				}
			}()
			next.ServeHTTP(sw, r)

			isError := sw.status >= http.StatusInternalServerError
			record(recordCtx, recorder, isError)
			if isError {
				observability.ChaosRequests.WithLabelValues("error").Inc()
			} else {
				observability.ChaosRequests.WithLabelValues("ok").Inc()
			}
		})
	}
}

func skipped(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func record(ctx context.Context, recorder chaosstate.Recorder, isError bool) {
	if err := recorder.RecordRequest(ctx, isError); err != nil {
		log.Printf("[CHAOS] Failed to record request outcome: %v", err)
	}
}

// statusWriter captures the status code written downstream.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
