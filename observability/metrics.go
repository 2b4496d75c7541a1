package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Chaos State Store ===

	// StateStoreRetries tracks backoff retries on the shared chaos state.
	StateStoreRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "darwin_state_store_retries_total",
		Help: "Retries on the shared chaos state after a failed read or write",
	}, []string{"backend", "op"}) // op: read, update

	// StateStoreLastResort tracks read-modify-write cycles that gave up on the
	// persisted value and wrote a fresh default state instead.
	// A non-zero rate means concurrent updates are being lost.
	StateStoreLastResort = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "darwin_state_store_last_resort_writes_total",
		Help: "Read-modify-write cycles that fell back to a default state",
	}, []string{"backend"})

	// StateStoreCorruptReads tracks persisted states that could not be decoded.
	StateStoreCorruptReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "darwin_state_store_corrupt_reads_total",
		Help: "Persisted chaos states that could not be decoded",
	}, []string{"backend"})

	// RemoteStateFetches tracks how the polling backend obtained its state.
	RemoteStateFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "darwin_remote_state_fetches_total",
		Help: "Chaos state lookups by the polling backend",
	}, []string{"result"}) // cache_hit, fetched, fallback

	// RemoteRecordFailures tracks outcome reports the controller never received.
	RemoteRecordFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "darwin_remote_record_failures_total",
		Help: "Request outcomes that could not be reported to the chaos controller",
	})

	// === Chaos Middleware ===

	// ChaosRequests tracks requests seen by the chaos middleware.
	ChaosRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "darwin_chaos_requests_total",
		Help: "Requests passed through the chaos middleware by outcome",
	}, []string{"outcome"}) // ok, error, injected_error, bypass

	// ChaosInjectedLatency tracks latency added by the middleware.
	ChaosInjectedLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "darwin_chaos_injected_latency_seconds",
		Help:    "Latency injected into requests by the chaos middleware",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	// === Report Journal ===

	// JournalFallbackActive is 1 while the journal serves from memory.
	JournalFallbackActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "darwin_journal_fallback_active",
		Help: "Whether the test-report journal is in in-memory fallback mode (1 = fallback)",
	})

	// JournalInserts tracks stored reports by the path that stored them.
	JournalInserts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "darwin_journal_inserts_total",
		Help: "Test reports stored by the journal",
	}, []string{"mode"}) // store, fallback

	// JournalBackendErrors tracks backend failures and rejected reports.
	JournalBackendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "darwin_journal_backend_errors_total",
		Help: "Journal backend failures by operation",
	}, []string{"op"}) // init, insert, list, latest, replay, rejected

	// JournalReplayed tracks fallback reports written back after recovery.
	JournalReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "darwin_journal_replayed_reports_total",
		Help: "Fallback reports replayed into the backend after recovery",
	})

	// === Load Generation ===

	// LoadWorkersActive tracks live load workers.
	LoadWorkersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "darwin_load_workers_active",
		Help: "Currently running load generation workers",
	}, []string{"kind"}) // cpu, http

	// LoadRequests tracks requests issued by the HTTP load generator.
	LoadRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "darwin_load_requests_total",
		Help: "Requests issued by the HTTP load generator",
	}, []string{"target", "status"})

	// MemoryAllocatedMB tracks memory held by the memory pressure attack.
	MemoryAllocatedMB = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "darwin_memory_allocated_mb",
		Help: "Megabytes currently held by the memory pressure attack",
	})

	// === Controller API ===

	// SettingsApplied tracks settings fields applied by the controller.
	SettingsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "darwin_settings_applied_total",
		Help: "Chaos settings fields applied by the controller",
	}, []string{"field"})

	// APIRateLimited tracks API requests rejected by rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "darwin_api_rate_limited_total",
		Help: "API requests rejected by rate limiter",
	}, []string{"endpoint"})

	// StreamClients tracks connected status stream clients.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "darwin_stream_clients",
		Help: "Current number of connected status stream clients",
	})
)
