// Package chaosstate holds the chaos injection record shared between the
// Store API and the Chaos Controller, and the stores that carry it across
// process boundaries.
package chaosstate

import (
	"time"
)

// WindowLength is the span of the rolling request/error window.
const WindowLength = 60 * time.Second

// State is the chaos injection record. Field names are the persisted
// representation and must not change.
type State struct {
	CPULoad      bool      `json:"cpu_load"`
	MemoryLoadMB int       `json:"memory_load_mb"`
	LatencyMS    int       `json:"latency_ms"`
	ErrorRate    float64   `json:"error_rate"` // 0.0-1.0
	RequestCount int       `json:"request_count"`
	ErrorCount   int       `json:"error_count"`
	WindowStart  time.Time `json:"window_start"`
}

// Default returns the all-zero state: no chaos injected.
func Default() State {
	return State{}
}

// Equal reports whether two states carry the same values.
// WindowStart is compared as an instant.
func (s State) Equal(o State) bool {
	return s.CPULoad == o.CPULoad &&
		s.MemoryLoadMB == o.MemoryLoadMB &&
		s.LatencyMS == o.LatencyMS &&
		s.ErrorRate == o.ErrorRate &&
		s.RequestCount == o.RequestCount &&
		s.ErrorCount == o.ErrorCount &&
		s.WindowStart.Equal(o.WindowStart)
}

// Latency returns the injected latency as a duration.
func (s State) Latency() time.Duration {
	return time.Duration(s.LatencyMS) * time.Millisecond
}

// ErrorRatePct returns the observed error rate of the current window as a
// percentage, or 0 when no requests were recorded.
func (s State) ErrorRatePct() float64 {
	if s.RequestCount == 0 {
		return 0
	}
	return float64(s.ErrorCount) / float64(s.RequestCount) * 100
}

// Record counts one request into the rolling window, resetting the window
// first when it is older than WindowLength.
func (s *State) Record(now time.Time, isError bool) {
	if now.Sub(s.WindowStart) > WindowLength {
		s.RequestCount = 0
		s.ErrorCount = 0
		s.WindowStart = now
	}
	s.RequestCount++
	if isError {
		s.ErrorCount++
	}
}

// Patch is a partial update of the injection settings. Nil fields are left
// untouched; the window counters are never patched.
type Patch struct {
	CPULoad      *bool
	MemoryLoadMB *int
	LatencyMS    *int
	ErrorRate    *float64
}

// Apply copies the present fields of p onto s.
func (p Patch) Apply(s *State) {
	if p.CPULoad != nil {
		s.CPULoad = *p.CPULoad
	}
	if p.MemoryLoadMB != nil {
		s.MemoryLoadMB = *p.MemoryLoadMB
	}
	if p.LatencyMS != nil {
		s.LatencyMS = *p.LatencyMS
	}
	if p.ErrorRate != nil {
		s.ErrorRate = *p.ErrorRate
	}
}

// Empty reports whether the patch carries no fields.
func (p Patch) Empty() bool {
	return p.CPULoad == nil && p.MemoryLoadMB == nil && p.LatencyMS == nil && p.ErrorRate == nil
}
