package journal

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ReportInput is a test report as pushed by CI. Any client supplied id is
// ignored.
type ReportInput struct {
	ID         string     `json:"id,omitempty"`
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

// NewID returns a fresh 12 character report id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NewReport stamps in with a server id and receive time.
func NewReport(in ReportInput, now time.Time) Report {
	suite := in.Suite
	if suite == "" {
		suite = DefaultSuite
	}
	tests := in.Tests
	if tests == nil {
		tests = []TestCase{}
	}
	return Report{
		ID:         NewID(),
		ReceivedAt: now.UTC(),
		Suite:      suite,
		Total:      in.Total,
		Passed:     in.Passed,
		Failed:     in.Failed,
		Skipped:    in.Skipped,
		DurationMS: in.DurationMS,
		Tests:      tests,
		GitSHA:     in.GitSHA,
		ImageTag:   in.ImageTag,
	}
}

// TrimRuns keeps the reports of the first maxRuns run keys seen in a
// newest-first list. Order is preserved.
func TrimRuns(reports []Report, maxRuns int) []Report {
	keep := make(map[string]bool, maxRuns)
	out := make([]Report, 0, len(reports))
	for _, r := range reports {
		key := r.RunKey()
		if !keep[key] {
			if len(keep) >= maxRuns {
				continue
			}
			keep[key] = true
		}
		out = append(out, r)
	}
	return out
}

// GroupRuns folds a newest-first report list into runs, newest first.
func GroupRuns(reports []Report) []Run {
	index := make(map[string]int)
	runs := make([]Run, 0)
	for _, r := range reports {
		key := r.RunKey()
		i, ok := index[key]
		if !ok {
			i = len(runs)
			index[key] = i
			runs = append(runs, Run{
				RunKey:     key,
				GitSHA:     r.GitSHA,
				ImageTag:   r.ImageTag,
				ReceivedAt: r.ReceivedAt,
			})
		}
		run := &runs[i]
		if !containsString(run.Suites, r.Suite) {
			run.Suites = append(run.Suites, r.Suite)
		}
		if run.ImageTag == "" {
			run.ImageTag = r.ImageTag
		}
		if r.ReceivedAt.After(run.ReceivedAt) {
			run.ReceivedAt = r.ReceivedAt
		}
		run.Total += r.Total
		run.Passed += r.Passed
		run.Failed += r.Failed
		run.Skipped += r.Skipped
		run.DurationMS += r.DurationMS
		run.Reports = append(run.Reports, r)
	}
	return runs
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
