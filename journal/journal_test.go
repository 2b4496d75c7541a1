package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// FaultInjectionBackend wraps a Backend to simulate database failures.
type FaultInjectionBackend struct {
	Backend
	mu     sync.Mutex
	fail   bool
	closed int
}

func (f *FaultInjectionBackend) SetFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *FaultInjectionBackend) shouldFail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

var errSimulated = errors.New("simulated db error")

func (f *FaultInjectionBackend) Connect(ctx context.Context) error {
	if f.shouldFail() {
		return errSimulated
	}
	return f.Backend.Connect(ctx)
}

func (f *FaultInjectionBackend) InsertAndEvict(ctx context.Context, r Report, maxRuns int) error {
	if f.shouldFail() {
		return errSimulated
	}
	return f.Backend.InsertAndEvict(ctx, r, maxRuns)
}

func (f *FaultInjectionBackend) ListRuns(ctx context.Context, maxRuns int) ([]Report, error) {
	if f.shouldFail() {
		return nil, errSimulated
	}
	return f.Backend.ListRuns(ctx, maxRuns)
}

func (f *FaultInjectionBackend) Latest(ctx context.Context) (*Report, error) {
	if f.shouldFail() {
		return nil, errSimulated
	}
	return f.Backend.Latest(ctx)
}

func (f *FaultInjectionBackend) Close() {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
}

func testConfig() Config {
	return Config{MaxRuns: MaxRuns, InitAttempts: 2, InitDelay: time.Millisecond}
}

func newTestJournal(t *testing.T) (*Journal, *FaultInjectionBackend) {
	t.Helper()
	fb := &FaultInjectionBackend{Backend: NewMemoryBackend()}
	j := New(fb, testConfig())
	if !j.Init(context.Background()) {
		t.Fatal("Init against healthy backend failed")
	}
	return j, fb
}

// clock hands out strictly increasing receive times.
type clock struct{ t time.Time }

func (c *clock) next() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func insertRun(j *Journal, c *clock, sha string, suites ...string) {
	for _, s := range suites {
		r := NewReport(ReportInput{Suite: s, GitSHA: sha, Total: 1, Passed: 1}, c.next())
		j.Insert(context.Background(), r)
	}
}

func runKeys(reports []Report) []string {
	var keys []string
	seen := map[string]bool{}
	for _, r := range reports {
		if !seen[r.RunKey()] {
			seen[r.RunKey()] = true
			keys = append(keys, r.RunKey())
		}
	}
	return keys
}

func exerciseFIFO(t *testing.T, j *Journal) {
	t.Helper()
	c := newClock()
	for i := 0; i < 12; i++ {
		insertRun(j, c, fmt.Sprintf("sha%04d", i), "api")
	}

	keys := runKeys(j.List(context.Background()))
	if len(keys) != MaxRuns {
		t.Fatalf("expected %d runs, got %d: %v", MaxRuns, len(keys), keys)
	}
	for i, k := range keys {
		if want := fmt.Sprintf("sha%04d", 11-i); k != want {
			t.Errorf("position %d: expected %s, got %s", i, want, k)
		}
	}
}

func TestJournal_FIFOByRun(t *testing.T) {
	t.Run("store mode", func(t *testing.T) {
		j, _ := newTestJournal(t)
		exerciseFIFO(t, j)
	})
	t.Run("fallback mode", func(t *testing.T) {
		fb := &FaultInjectionBackend{Backend: NewMemoryBackend()}
		fb.SetFail(true)
		j := New(fb, testConfig())
		if j.Init(context.Background()) {
			t.Fatal("Init should fail against a broken backend")
		}
		exerciseFIFO(t, j)
	})
}

// Eight runs sha0000..sha0007, each with three suites: the oldest run is
// evicted as a whole and every surviving run keeps all three suites.
func TestJournal_EightRunsEvictsOldestWholeRun(t *testing.T) {
	j, _ := newTestJournal(t)
	c := newClock()
	for i := 0; i < 8; i++ {
		insertRun(j, c, fmt.Sprintf("sha%04d", i), "api", "ui", "smoke")
	}

	reports := j.List(context.Background())
	if len(reports) != 7*3 {
		t.Fatalf("expected 21 reports, got %d", len(reports))
	}
	for _, r := range reports {
		if r.GitSHA == "sha0000" {
			t.Fatal("sha0000 should have been evicted")
		}
	}

	runs := GroupRuns(reports)
	if len(runs) != MaxRuns {
		t.Fatalf("expected %d runs, got %d", MaxRuns, len(runs))
	}
	if runs[0].RunKey != "sha0007" {
		t.Errorf("newest run should be first, got %s", runs[0].RunKey)
	}
	for _, run := range runs {
		if len(run.Suites) != 3 {
			t.Errorf("run %s lost suites: %v", run.RunKey, run.Suites)
		}
	}
}

func TestJournal_ListOrderNewestFirst(t *testing.T) {
	j, _ := newTestJournal(t)
	c := newClock()
	insertRun(j, c, "", "a")
	insertRun(j, c, "", "b")
	insertRun(j, c, "", "c")

	reports := j.List(context.Background())
	for i := 1; i < len(reports); i++ {
		if reports[i].ReceivedAt.After(reports[i-1].ReceivedAt) {
			t.Fatalf("reports not newest first: %v", reports)
		}
	}
	if reports[0].Suite != "c" {
		t.Errorf("expected newest report first, got %s", reports[0].Suite)
	}
}

func TestJournal_FallbackTransparency(t *testing.T) {
	j, fb := newTestJournal(t)
	c := newClock()
	ctx := context.Background()

	insertRun(j, c, "before", "api")

	fb.SetFail(true)
	r := NewReport(ReportInput{Suite: "api", GitSHA: "during"}, c.next())
	got := j.Insert(ctx, r)
	if got.ID != r.ID {
		t.Fatal("Insert must return the report even when the backend fails")
	}
	if !j.Fallback() {
		t.Fatal("journal should be in fallback mode after a failed insert")
	}

	list := j.List(ctx)
	if len(list) != 1 || list[0].ID != r.ID {
		t.Fatalf("fallback list should contain the failed insert, got %v", list)
	}
	latest := j.Latest(ctx)
	if latest == nil || latest.ID != r.ID {
		t.Fatalf("fallback latest should be the failed insert, got %v", latest)
	}
}

func TestJournal_ReadFailureSwitchesToFallback(t *testing.T) {
	j, fb := newTestJournal(t)
	insertRun(j, newClock(), "x", "api")

	fb.SetFail(true)
	if got := j.List(context.Background()); len(got) != 0 {
		t.Errorf("fallback list should start empty, got %d reports", len(got))
	}
	if !j.Fallback() {
		t.Error("list failure should switch to fallback")
	}
	if j.Latest(context.Background()) != nil {
		t.Error("empty fallback should have no latest report")
	}
}

func TestJournal_RecoveryReplaysFallbackReports(t *testing.T) {
	fb := &FaultInjectionBackend{Backend: NewMemoryBackend()}
	fb.SetFail(true)
	j := New(fb, testConfig())
	ctx := context.Background()
	if j.Init(ctx) {
		t.Fatal("expected init failure")
	}

	c := newClock()
	insertRun(j, c, "r1", "api", "ui")
	insertRun(j, c, "r2", "api")

	fb.SetFail(false)
	if !j.Init(ctx) {
		t.Fatal("expected recovery")
	}
	if j.Fallback() {
		t.Fatal("journal should have left fallback")
	}

	stored, err := fb.Backend.ListRuns(ctx, MaxRuns)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 3 {
		t.Fatalf("expected 3 replayed reports, got %d", len(stored))
	}
	if keys := runKeys(stored); len(keys) != 2 || keys[0] != "r2" {
		t.Errorf("replay lost ordering: %v", keys)
	}
}

func TestJournal_StartRecovery(t *testing.T) {
	fb := &FaultInjectionBackend{Backend: NewMemoryBackend()}
	fb.SetFail(true)
	j := New(fb, testConfig())
	ctx := context.Background()
	j.Init(ctx)
	insertRun(j, newClock(), "pending", "api")

	j.StartRecovery(ctx, 10*time.Millisecond)
	defer j.Close()

	fb.SetFail(false)
	deadline := time.Now().Add(2 * time.Second)
	for j.Fallback() {
		if time.Now().After(deadline) {
			t.Fatal("recovery loop never left fallback")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if latest := j.Latest(ctx); latest == nil || latest.GitSHA != "pending" {
		t.Errorf("replayed report not visible after recovery: %v", latest)
	}
}

func TestJournal_CloseWithoutInitIsNoop(t *testing.T) {
	fb := &FaultInjectionBackend{Backend: NewMemoryBackend()}
	j := New(fb, testConfig())
	j.Close()
	if fb.closed != 0 {
		t.Error("Close on an uninitialized journal must not touch the backend")
	}

	j2, fb2 := newTestJournal(t)
	j2.Close()
	if fb2.closed != 1 {
		t.Errorf("expected backend closed once, got %d", fb2.closed)
	}
}

func TestJournal_ConcurrentInserts(t *testing.T) {
	j, _ := newTestJournal(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			j.Insert(context.Background(), NewReport(ReportInput{GitSHA: fmt.Sprintf("c%02d", i)}, time.Now()))
		}(i)
	}
	wg.Wait()

	if keys := runKeys(j.List(context.Background())); len(keys) != MaxRuns {
		t.Errorf("expected %d runs after concurrent inserts, got %d", MaxRuns, len(keys))
	}
}

// columnLimitBackend rejects reports whose suite would overflow a
// VARCHAR(100) column.
type columnLimitBackend struct {
	*MemoryBackend
}

func (b columnLimitBackend) InsertAndEvict(ctx context.Context, r Report, maxRuns int) error {
	if len(r.Suite) > 100 {
		return fmt.Errorf("insert report %s: value too long: %w", r.ID, ErrRejected)
	}
	return b.MemoryBackend.InsertAndEvict(ctx, r, maxRuns)
}

func TestJournal_RecoverySkipsRejectedReports(t *testing.T) {
	fb := &FaultInjectionBackend{Backend: columnLimitBackend{NewMemoryBackend()}}
	fb.SetFail(true)
	j := New(fb, testConfig())
	ctx := context.Background()
	if j.Init(ctx) {
		t.Fatal("expected init failure")
	}

	c := newClock()
	insertRun(j, c, "before", "api")
	insertRun(j, c, "oversized", strings.Repeat("s", 120))
	insertRun(j, c, "after", "api")

	fb.SetFail(false)
	for tick := 0; tick < 3 && j.Fallback(); tick++ {
		j.init(ctx, 1)
	}
	if j.Fallback() {
		t.Fatal("a rejected report must not keep the journal in fallback")
	}

	stored, err := fb.Backend.ListRuns(ctx, MaxRuns)
	if err != nil {
		t.Fatal(err)
	}
	if keys := runKeys(stored); len(keys) != 2 || keys[0] != "after" || keys[1] != "before" {
		t.Errorf("expected healthy reports replayed, got %v", keys)
	}

	insertRun(j, c, "next", "api")
	if latest := j.Latest(ctx); latest == nil || latest.GitSHA != "next" {
		t.Errorf("new report not stored in backend: %v", latest)
	}
}

func TestJournal_RejectedInsertKeepsStoreMode(t *testing.T) {
	j, _ := newTestJournal(t)
	j.backend = columnLimitBackend{NewMemoryBackend()}
	c := newClock()

	insertRun(j, c, "oversized", strings.Repeat("s", 120))
	if j.Fallback() {
		t.Fatal("a rejected insert must not switch to fallback")
	}
	insertRun(j, c, "ok", "api")
	if keys := runKeys(j.List(context.Background())); len(keys) != 1 || keys[0] != "ok" {
		t.Errorf("unexpected runs: %v", keys)
	}
}

func TestJournal_ReplayDropsDuplicateIDs(t *testing.T) {
	fb := &FaultInjectionBackend{Backend: NewMemoryBackend()}
	j := New(fb, testConfig())
	ctx := context.Background()

	// The commit landed but the acknowledgement was lost.
	r := NewReport(ReportInput{GitSHA: "acked", Suite: "api"}, newClock().next())
	if err := fb.Backend.InsertAndEvict(ctx, r, MaxRuns); err != nil {
		t.Fatal(err)
	}
	j.mu.Lock()
	j.memory = []Report{r}
	j.mu.Unlock()

	if !j.Init(ctx) {
		t.Fatal("duplicate report must not block recovery")
	}
	stored, _ := fb.Backend.ListRuns(ctx, MaxRuns)
	if len(stored) != 1 {
		t.Errorf("expected the report stored once, got %d", len(stored))
	}
}
