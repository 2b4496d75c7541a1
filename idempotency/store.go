// Package idempotency replays the first response recorded for a client
// supplied idempotency key.
package idempotency

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"
)

// HeaderKey carries the client's idempotency key.
const HeaderKey = "X-Idempotency-Key"

// DefaultTTL is how long a recorded response is replayed.
const DefaultTTL = time.Hour

type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string][]string
}

type entry struct {
	resp      Response
	timestamp time.Time
}

// Store keeps recorded responses in memory. Expired entries are swept on
// every Set; per-key locks live only while a request holds them.
type Store struct {
	mu    sync.Mutex
	cache map[string]entry
	locks map[string]*keyLock
	ttl   time.Duration
	now   func() time.Time
}

// keyLock serializes concurrent requests carrying the same key.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		cache: make(map[string]entry),
		locks: make(map[string]*keyLock),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (s *Store) Get(_ context.Context, key string) (Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	if !ok {
		return Response{}, false
	}
	if s.now().Sub(e.timestamp) > s.ttl {
		delete(s.cache, key)
		return Response{}, false
	}
	return e.resp, true
}

func (s *Store) Set(_ context.Context, key string, resp Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.cache {
		if now.Sub(e.timestamp) > s.ttl {
			delete(s.cache, k)
		}
	}
	s.cache[key] = entry{resp: resp, timestamp: now}
}

func (s *Store) lock(key string) func() {
	s.mu.Lock()
	kl, ok := s.locks[key]
	if !ok {
		kl = &keyLock{}
		s.locks[key] = kl
	}
	kl.refs++
	s.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		s.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// Wrap replays the stored response when the request carries a known key and
// records the response otherwise. Requests without a key pass through. Only
// successful (2xx) responses are recorded, so a rejected push can be retried
// with the same key.
func (s *Store) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderKey)
		if key == "" {
			next(w, r)
			return
		}
		unlock := s.lock(key)
		defer unlock()

		if resp, found := s.Get(r.Context(), key); found {
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		if rec.statusCode >= 200 && rec.statusCode < 300 {
			s.Set(r.Context(), key, Response{
				StatusCode: rec.statusCode,
				Body:       rec.body.Bytes(),
				Headers:    w.Header().Clone(),
			})
		}
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
