package main

import (
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/darwin-demo/store/observability"
)

// TokenBucketLimiter keeps one token bucket per client key.
type TokenBucketLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// NewTokenBucketLimiter allows r requests per second with burst b per key.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Reserve reports whether key may proceed now, and otherwise how long to wait.
func (l *TokenBucketLimiter) Reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}

	r := limiter.Reserve()
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limit rejects requests over the per-client rate with 429 and Retry-After.
func (l *TokenBucketLimiter) limit(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, delay := l.Reserve(clientKey(r))
		if !ok {
			writeRateLimitError(w, endpoint, delay)
			return
		}
		next(w, r)
	}
}

// writeRateLimitError writes a 429 response with a jittered Retry-After.
func writeRateLimitError(w http.ResponseWriter, endpoint string, delay time.Duration) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()

	// Jitter: wait + 0-1000ms, rounded up to whole seconds
	retryAfter := delay + time.Duration(rand.Intn(1000))*time.Millisecond
	secs := int((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too Many Requests"})
}
