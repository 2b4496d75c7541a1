// Package journal keeps CI test reports for the most recent deployment runs.
//
// A run is identified by its git SHA; a report pushed without one is a run of
// its own. Only the newest MaxRuns runs survive, and a run's suites are kept or
// evicted together. Reports live in PostgreSQL when it is reachable and in
// process memory otherwise.
package journal

import "time"

// MaxRuns is how many deployment runs the journal retains.
const MaxRuns = 7

// DefaultSuite is assigned to reports pushed without a suite name.
const DefaultSuite = "post-deploy"

// TestCase is one test inside a report.
type TestCase struct {
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	DurationMS float64 `json:"duration_ms"`
}

// Report is a stored test report. It is immutable once inserted.
type Report struct {
	ID         string     `json:"id"`
	ReceivedAt time.Time  `json:"received_at"`
	Suite      string     `json:"suite"`
	Total      int        `json:"total"`
	Passed     int        `json:"passed"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	DurationMS float64    `json:"duration_ms"`
	Tests      []TestCase `json:"tests"`
	GitSHA     string     `json:"git_sha,omitempty"`
	ImageTag   string     `json:"image_tag,omitempty"`
}

// RunKey groups reports into deployment runs.
func (r Report) RunKey() string {
	if r.GitSHA != "" {
		return r.GitSHA
	}
	return r.ID
}

// Run is every stored suite of one deployment run, with summed totals.
type Run struct {
	RunKey     string    `json:"run_key"`
	GitSHA     string    `json:"git_sha,omitempty"`
	ImageTag   string    `json:"image_tag,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	Suites     []string  `json:"suites"`
	Total      int       `json:"total"`
	Passed     int       `json:"passed"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	DurationMS float64   `json:"duration_ms"`
	Reports    []Report  `json:"reports"`
}
