package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/darwin-demo/store/chaos_controller/loadgen"
	"github.com/darwin-demo/store/chaosstate"
	"github.com/darwin-demo/store/idempotency"
	"github.com/darwin-demo/store/journal"
	"github.com/darwin-demo/store/middleware"
)

// DefaultAttackLatencyMS and DefaultAttackErrorRate apply when the legacy
// attack endpoints are called without a value.
const (
	DefaultAttackLatencyMS = 500
	DefaultAttackErrorRate = 0.5
)

type API struct {
	ctrl    *Controller
	store   chaosstate.Store
	journal *journal.Journal
	hub     *StatusHub

	idempotency   *idempotency.Store
	reportLimiter *TokenBucketLimiter
	reports       *reportValidator

	// apiToken guards chaos mutations when set.
	apiToken string
}

func NewAPI(ctrl *Controller, store chaosstate.Store, j *journal.Journal, hub *StatusHub, idem *idempotency.Store, reportLimiter *TokenBucketLimiter) *API {
	return &API{
		ctrl:          ctrl,
		store:         store,
		journal:       j,
		hub:           hub,
		idempotency:   idem,
		reportLimiter: reportLimiter,
		reports:       newReportValidator(),
	}
}

// Routes registers every controller endpoint on a new mux.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	protect := middleware.TokenAuth(a.apiToken)

	mux.HandleFunc("GET /{$}", a.handleIndex)
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.Handle("POST /api/settings", protect(http.HandlerFunc(a.handleSettings)))
	mux.HandleFunc("GET /api/state", a.handleState)
	mux.HandleFunc("POST /api/record", a.handleRecord)
	mux.HandleFunc("GET /api/stream", a.handleStream)

	mux.Handle("POST /api/attack/cpu", protect(http.HandlerFunc(a.handleAttackCPU)))
	mux.Handle("POST /api/attack/memory", protect(http.HandlerFunc(a.handleAttackMemory)))
	mux.Handle("POST /api/attack/latency", protect(http.HandlerFunc(a.handleAttackLatency)))
	mux.Handle("POST /api/attack/errors", protect(http.HandlerFunc(a.handleAttackErrors)))
	mux.Handle("POST /api/reset", protect(http.HandlerFunc(a.handleReset)))

	push := a.reportLimiter.limit("test_report", a.idempotency.Wrap(a.handlePushReport))
	mux.HandleFunc("POST /api/test-report", push)
	mux.HandleFunc("POST /api/test-reports", push)
	mux.HandleFunc("GET /api/test-reports", a.handleListReports)
	mux.HandleFunc("GET /api/test-reports/latest", a.handleLatestReport)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeApplyError maps controller errors onto HTTP status codes.
func writeApplyError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error": verr.Error(),
			"field": verr.Field,
		})
	case errors.Is(err, ErrChaosDisabled):
		writeError(w, http.StatusForbidden, "Chaos mode is disabled")
	case errors.Is(err, loadgen.ErrStillStopping):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Printf("[API] Settings failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

const indexHTML = `<!doctype html>
<html><head><title>Chaos Controller</title></head>
<body><h1>Chaos Controller</h1>
<p>Status stream at <code>/api/stream</code>, settings at <code>POST /api/settings</code>.</p>
</body></html>
`

func (a *API) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexHTML))
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "controller_online",
		"journal_fallback": a.journal.Fallback(),
		"stream_clients":   a.hub.ClientCount(),
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.Status(r.Context()))
}

func (a *API) handleSettings(w http.ResponseWriter, r *http.Request) {
	var s Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	res, err := a.ctrl.Apply(r.Context(), s)
	if err != nil {
		writeApplyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleState serves the raw state to backends polling with RemoteStore.
func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.Read(r.Context()))
}

// handleRecord counts an outcome reported by a polling backend.
func (a *API) handleRecord(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IsError bool `json:"is_error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := a.store.RecordRequest(r.Context(), body.IsError); err != nil {
		log.Printf("[STATE] Record failed: %v", err)
		writeError(w, http.StatusServiceUnavailable, "record failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// queryInt reads an optional integer query parameter. ok is false when the
// parameter is absent.
func queryInt(r *http.Request, name string) (v int, ok bool, err error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false, nil
	}
	v, err = strconv.Atoi(raw)
	return v, true, err
}

func queryFloat(r *http.Request, name string) (v float64, ok bool, err error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false, nil
	}
	v, err = strconv.ParseFloat(raw, 64)
	return v, true, err
}

// handleAttackCPU starts N load workers, or toggles the default count when
// threads is absent.
func (a *API) handleAttackCPU(w http.ResponseWriter, r *http.Request) {
	n, ok, err := queryInt(r, "threads")
	if err != nil {
		writeError(w, http.StatusBadRequest, "threads must be an integer")
		return
	}

	var res ApplyResult
	if ok {
		res, err = a.ctrl.Apply(r.Context(), Settings{CPUIntensity: &n})
	} else {
		res, err = a.ctrl.Toggle(r.Context())
	}
	if err != nil {
		writeApplyError(w, err)
		return
	}

	status := "cpu_attack_stopped"
	if res.Chaos.CPULoad {
		status = "cpu_attack_started"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"cpu_load": res.Chaos.CPULoad,
		"threads":  res.Settings.CPUThreads,
	})
}

func (a *API) handleAttackMemory(w http.ResponseWriter, r *http.Request) {
	mb, _, err := queryInt(r, "mb")
	if err != nil {
		writeError(w, http.StatusBadRequest, "mb must be an integer")
		return
	}
	res, err := a.ctrl.Apply(r.Context(), Settings{MemoryMB: &mb})
	if err != nil {
		writeApplyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Memory)
}

func (a *API) handleAttackLatency(w http.ResponseWriter, r *http.Request) {
	ms, ok, err := queryInt(r, "ms")
	if err != nil {
		writeError(w, http.StatusBadRequest, "ms must be an integer")
		return
	}
	if !ok {
		ms = DefaultAttackLatencyMS
	}
	res, err := a.ctrl.Apply(r.Context(), Settings{LatencyMS: &ms})
	if err != nil {
		writeApplyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "latency_set",
		"latency_ms": res.Chaos.LatencyMS,
	})
}

func (a *API) handleAttackErrors(w http.ResponseWriter, r *http.Request) {
	rate, ok, err := queryFloat(r, "rate")
	if err != nil {
		writeError(w, http.StatusBadRequest, "rate must be a number")
		return
	}
	if !ok {
		rate = DefaultAttackErrorRate
	}
	res, err := a.ctrl.Apply(r.Context(), Settings{ErrorRate: &rate})
	if err != nil {
		writeApplyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "error_rate_set",
		"error_rate": res.Chaos.ErrorRate,
	})
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	res, err := a.ctrl.Reset(r.Context())
	if err != nil {
		writeApplyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "reset_complete",
		"chaos":  res.Chaos,
	})
}
