package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/darwin-demo/store/chaos_controller/loadgen"
	"github.com/darwin-demo/store/chaosstate"
	"github.com/darwin-demo/store/config"
	"github.com/darwin-demo/store/observability"
)

// MaxLatencyMS caps injected latency.
const MaxLatencyMS = 30000

// ErrChaosDisabled refuses error injection when CHAOS_MODE=disabled.
var ErrChaosDisabled = errors.New("chaos mode is disabled")

// ValidationError rejects a settings request; nothing was applied.
type ValidationError struct {
	Field string
	Value interface{}
	Min   interface{}
	Max   interface{}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s must be between %v and %v (got %v)", e.Field, e.Min, e.Max, e.Value)
}

// Settings is a partial chaos settings request. Absent fields are left as is.
type Settings struct {
	CPUIntensity *int     `json:"cpu_intensity,omitempty"`
	CPUThreads   *int     `json:"cpu_threads,omitempty"` // older UI name for cpu_intensity
	MemoryMB     *int     `json:"memory_mb,omitempty"`
	LatencyMS    *int     `json:"latency_ms,omitempty"`
	ErrorRate    *float64 `json:"error_rate,omitempty"`
	Reset        bool     `json:"reset,omitempty"`
}

func (s Settings) intensity() *int {
	if s.CPUIntensity != nil {
		return s.CPUIntensity
	}
	return s.CPUThreads
}

// Validate checks every present field against its range.
func (s Settings) Validate(maxIntensity, memoryCapMB int) error {
	if n := s.intensity(); n != nil && (*n < 0 || *n > maxIntensity) {
		return &ValidationError{Field: "cpu_intensity", Value: *n, Min: 0, Max: maxIntensity}
	}
	if s.MemoryMB != nil && (*s.MemoryMB < 0 || *s.MemoryMB > memoryCapMB) {
		return &ValidationError{Field: "memory_mb", Value: *s.MemoryMB, Min: 0, Max: memoryCapMB}
	}
	if s.LatencyMS != nil && (*s.LatencyMS < 0 || *s.LatencyMS > MaxLatencyMS) {
		return &ValidationError{Field: "latency_ms", Value: *s.LatencyMS, Min: 0, Max: MaxLatencyMS}
	}
	// The negated form also rejects NaN.
	if s.ErrorRate != nil && !(*s.ErrorRate >= 0 && *s.ErrorRate <= 1) {
		return &ValidationError{Field: "error_rate", Value: *s.ErrorRate, Min: 0.0, Max: 1.0}
	}
	return nil
}

// CurrentSettings is the effective settings view returned to clients.
type CurrentSettings struct {
	CPUThreads int     `json:"cpu_threads"`
	MemoryMB   int     `json:"memory_mb"`
	LatencyMS  int     `json:"latency_ms"`
	ErrorRate  float64 `json:"error_rate"`
}

// ApplyResult is the response to a settings request.
type ApplyResult struct {
	Status   string                `json:"status"` // applied, reset
	Applied  []string              `json:"applied"`
	Settings CurrentSettings       `json:"settings"`
	Chaos    chaosstate.State      `json:"chaos"`
	Memory   *loadgen.MemoryResult `json:"memory,omitempty"`
}

// Status is the controller status document.
type Status struct {
	Chaos             chaosstate.State `json:"chaos"`
	LoadMode          string           `json:"load_mode"`
	CPUThreadsActive  int              `json:"cpu_threads_active"`
	CPUThreadsTotal   int              `json:"cpu_threads_total"`
	DefaultWorkers    int              `json:"default_workers"`
	MemoryChunks      int              `json:"memory_chunks"`
	MemoryAllocatedMB int              `json:"memory_allocated_mb"`
	ErrorRatePct      float64          `json:"observed_error_rate_pct"`
	ChaosEnabled      bool             `json:"chaos_enabled"`
}

// Controller applies chaos settings to the load pool, the memory hog and
// the shared state.
type Controller struct {
	cfg          config.ControllerConfig
	chaosEnabled bool
	store        chaosstate.Store
	pool         *loadgen.Pool
	memory       *loadgen.MemoryHog
	newWorker    func() loadgen.Worker

	// mu serializes settings changes.
	mu sync.Mutex
}

// NewController wires a controller. newWorker builds the load worker used
// for cpu_intensity.
func NewController(cfg config.ControllerConfig, chaosEnabled bool, store chaosstate.Store, memory *loadgen.MemoryHog, newWorker func() loadgen.Worker) *Controller {
	return &Controller{
		cfg:          cfg,
		chaosEnabled: chaosEnabled,
		store:        store,
		pool:         loadgen.NewPool(),
		memory:       memory,
		newWorker:    newWorker,
	}
}

// WorkerFactory returns the worker constructor for the configured load mode.
func WorkerFactory(cfg config.ControllerConfig) func() loadgen.Worker {
	if cfg.LoadMode == config.LoadModeCPU {
		return func() loadgen.Worker { return loadgen.CPUBurner{} }
	}
	return func() loadgen.Worker { return loadgen.NewHTTPLoader(cfg.BackendURL, cfg.LoadRPS) }
}

// Apply validates s and applies every present field. Validation failures
// return *ValidationError and change nothing.
func (c *Controller) Apply(ctx context.Context, s Settings) (ApplyResult, error) {
	if s.Reset {
		return c.Reset(ctx)
	}
	if err := s.Validate(c.cfg.MaxIntensity, c.cfg.MemoryCapMB); err != nil {
		return ApplyResult{}, err
	}
	if !c.chaosEnabled && s.ErrorRate != nil && *s.ErrorRate > 0 {
		return ApplyResult{}, ErrChaosDisabled
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var patch chaosstate.Patch
	result := ApplyResult{Status: "applied", Applied: []string{}}

	if n := s.intensity(); n != nil {
		if err := c.pool.Start(*n, c.newWorker()); err != nil {
			return ApplyResult{}, err
		}
		on := *n > 0
		patch.CPULoad = &on
		result.Applied = append(result.Applied, "cpu_intensity")
	}
	if s.MemoryMB != nil {
		res := c.memory.Allocate(*s.MemoryMB)
		patch.MemoryLoadMB = &res.AllocatedMB
		result.Memory = &res
		result.Applied = append(result.Applied, "memory_mb")
	}
	if s.LatencyMS != nil {
		patch.LatencyMS = s.LatencyMS
		result.Applied = append(result.Applied, "latency_ms")
	}
	if s.ErrorRate != nil {
		patch.ErrorRate = s.ErrorRate
		result.Applied = append(result.Applied, "error_rate")
	}

	st := c.store.Read(ctx)
	if !patch.Empty() {
		var err error
		if st, err = chaosstate.Set(ctx, c.store, patch); err != nil {
			return ApplyResult{}, fmt.Errorf("persist chaos state: %w", err)
		}
	}
	for _, f := range result.Applied {
		observability.SettingsApplied.WithLabelValues(f).Inc()
	}
	if len(result.Applied) > 0 {
		log.Printf("[CHAOS] Applied %v: cpu_load=%v memory=%dMB latency=%dms error_rate=%.2f",
			result.Applied, st.CPULoad, st.MemoryLoadMB, st.LatencyMS, st.ErrorRate)
	}

	result.Chaos = st
	result.Settings = c.currentLocked(st)
	return result, nil
}

// Reset stops all load, releases memory and restores the default state.
func (c *Controller) Reset(ctx context.Context) (ApplyResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pool.Stop(loadgen.DefaultStopTimeout)
	c.memory.Release()
	st, err := chaosstate.Reset(ctx, c.store)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("reset chaos state: %w", err)
	}
	observability.SettingsApplied.WithLabelValues("reset").Inc()
	log.Printf("[CHAOS] All chaos reset to defaults")

	return ApplyResult{
		Status:   "reset",
		Applied:  []string{"reset"},
		Chaos:    st,
		Settings: c.currentLocked(st),
	}, nil
}

func (c *Controller) currentLocked(st chaosstate.State) CurrentSettings {
	_, mb := c.memory.Held()
	return CurrentSettings{
		CPUThreads: c.pool.Size(),
		MemoryMB:   mb,
		LatencyMS:  st.LatencyMS,
		ErrorRate:  st.ErrorRate,
	}
}

// Status reports the shared state and local resource usage.
func (c *Controller) Status(ctx context.Context) Status {
	st := c.store.Read(ctx)
	chunks, mb := c.memory.Held()
	return Status{
		Chaos:             st,
		LoadMode:          c.cfg.LoadMode,
		CPUThreadsActive:  c.pool.Active(),
		CPUThreadsTotal:   c.pool.Size(),
		DefaultWorkers:    c.cfg.DefaultWorkers,
		MemoryChunks:      chunks,
		MemoryAllocatedMB: mb,
		ErrorRatePct:      st.ErrorRatePct(),
		ChaosEnabled:      c.chaosEnabled,
	}
}

// Toggle flips CPU load on with the default worker count, or off.
func (c *Controller) Toggle(ctx context.Context) (ApplyResult, error) {
	n := c.cfg.DefaultWorkers
	if c.store.Read(ctx).CPULoad {
		n = 0
	}
	return c.Apply(ctx, Settings{CPUIntensity: &n})
}

// Shutdown stops all workers and releases memory without touching the
// shared state.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool.Stop(loadgen.DefaultStopTimeout)
	c.memory.Release()
}
