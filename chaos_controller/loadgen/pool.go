// Package loadgen generates synthetic load for chaos experiments: a pool of
// CPU or HTTP workers and a memory hog.
package loadgen

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/darwin-demo/store/observability"
)

// DefaultStopTimeout bounds how long Start waits for the previous
// generation of workers to exit.
const DefaultStopTimeout = 2 * time.Second

// ErrStillStopping is returned by Start while workers of an earlier
// generation have not exited yet.
var ErrStillStopping = errors.New("loadgen: previous workers still stopping")

// Worker is one unit of load. Run must return promptly once ctx is done.
type Worker interface {
	Kind() string
	Run(ctx context.Context, id int)
}

// Pool runs a single generation of identical workers sharing one stop
// signal. It is idle until Start and returns to idle on Stop.
type Pool struct {
	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	kind     string
	size     int
	draining <-chan struct{} // closed once the last stopped generation exits

	// StopTimeout bounds how long Start waits for the previous generation.
	StopTimeout time.Duration

	active atomic.Int32
}

// NewPool returns an idle pool.
func NewPool() *Pool {
	return &Pool{StopTimeout: DefaultStopTimeout}
}

// Start stops and joins the current generation, then launches exactly n
// workers. n <= 0 leaves the pool idle. If the previous generation does not
// exit within StopTimeout, nothing is started and ErrStillStopping is
// returned.
func (p *Pool) Start(n int, w Worker) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	joined := p.stopLocked(p.StopTimeout)
	if n <= 0 {
		return nil
	}
	if !joined {
		return ErrStillStopping
	}

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	p.cancel = cancel
	p.wg = wg
	p.kind = w.Kind()
	p.size = n

	p.active.Add(int32(n))
	observability.LoadWorkersActive.WithLabelValues(p.kind).Add(float64(n))
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			defer p.active.Add(-1)
			defer observability.LoadWorkersActive.WithLabelValues(w.Kind()).Dec()
			w.Run(ctx, id)
		}(i)
	}
	log.Printf("[LOADGEN] Started %d %s workers", n, p.kind)
	return nil
}

// Stop signals all workers and waits up to timeout for them to exit. It
// reports whether every worker was joined.
func (p *Pool) Stop(timeout time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopLocked(timeout)
}

func (p *Pool) stopLocked(timeout time.Duration) bool {
	if p.cancel != nil {
		p.cancel()
		wg := p.wg
		log.Printf("[LOADGEN] Stopping %d %s workers", p.size, p.kind)
		p.cancel, p.wg, p.kind, p.size = nil, nil, "", 0

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		p.draining = done
	}
	if p.draining == nil {
		return true
	}

	select {
	case <-p.draining:
		p.draining = nil
		return true
	case <-time.After(timeout):
		log.Printf("[LOADGEN] Workers did not stop within %v, %d still running", timeout, p.active.Load())
		return false
	}
}

// Active returns the number of live workers.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Size returns the worker count of the current generation.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Running reports whether a generation is active.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}
