package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/darwin-demo/store/chaosstate"
	"github.com/darwin-demo/store/middleware"
	"github.com/darwin-demo/store/store_api/catalog"
)

const serviceName = "darwin-store"

type API struct {
	catalog catalog.Catalog
	state   chaosstate.Reader
	version string
}

func NewAPI(c catalog.Catalog, state chaosstate.Reader, version string) *API {
	return &API{catalog: c, state: state, version: version}
}

// Handler returns the store routes wrapped in chaos injection and CORS.
// /metrics is exempt from chaos so scrapes see the real process.
func (a *API) Handler(chaos middleware.ChaosOptions, recorder chaosstate.Recorder) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /api/chaos/error-rate", a.handleErrorRate)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /products", a.handleProducts)
	mux.HandleFunc("GET /orders", a.handleOrders)

	chaos.SkipPrefixes = append(chaos.SkipPrefixes, "/metrics")
	return middleware.CORSMiddleware(middleware.Chaos(chaos, a.state, recorder)(mux))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "store_online",
		"service": serviceName,
		"version": a.version,
	})
}

// handleErrorRate reports the observed error percentage of the current window.
func (a *API) handleErrorRate(w http.ResponseWriter, r *http.Request) {
	st := a.state.Read(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"error_rate_pct": st.ErrorRatePct(),
		"request_count":  st.RequestCount,
		"error_count":    st.ErrorCount,
		"window_start":   st.WindowStart,
	})
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.catalog.Products(r.Context())
	if err != nil {
		log.Printf("[CATALOG] %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "catalog unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (a *API) handleOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	orders, err := a.catalog.Orders(r.Context(), page, limit)
	if err != nil {
		log.Printf("[CATALOG] %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "catalog unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, orders)
}
