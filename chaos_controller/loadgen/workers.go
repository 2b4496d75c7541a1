package loadgen

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/darwin-demo/store/observability"
)

// CPUBurner spins in a tight arithmetic loop until stopped.
type CPUBurner struct{}

func (CPUBurner) Kind() string { return "cpu" }

func (CPUBurner) Run(ctx context.Context, id int) {
	var sink uint64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		for x := uint64(0); x < 50000; x++ {
			sink += x * x * x
		}
		_ = sink
	}
}

// DefaultTargets are read-only endpoints; load never mutates store data.
var DefaultTargets = []string{"/products", "/orders"}

// HTTPLoader issues paced GET requests against the store backend.
type HTTPLoader struct {
	BaseURL string
	Targets []string
	// RPS is the per-worker request rate.
	RPS    float64
	Client *http.Client
}

// NewHTTPLoader returns a loader for baseURL with the default targets.
func NewHTTPLoader(baseURL string, rps float64) *HTTPLoader {
	return &HTTPLoader{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Targets: DefaultTargets,
		RPS:     rps,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (h *HTTPLoader) Kind() string { return "http" }

func (h *HTTPLoader) Run(ctx context.Context, id int) {
	limiter := rate.NewLimiter(rate.Limit(h.RPS), 1)
	targets := h.Targets
	if len(targets) == 0 {
		targets = DefaultTargets
	}

	for i := id; ; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		target := targets[i%len(targets)]
		h.get(ctx, target)
	}
}

func (h *HTTPLoader) get(ctx context.Context, target string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+target, nil)
	if err != nil {
		observability.LoadRequests.WithLabelValues(target, "error").Inc()
		return
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			observability.LoadRequests.WithLabelValues(target, "error").Inc()
		}
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	observability.LoadRequests.WithLabelValues(target, strconv.Itoa(resp.StatusCode)).Inc()
}
