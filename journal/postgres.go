package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS test_reports (
	id VARCHAR(12) PRIMARY KEY,
	received_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	suite VARCHAR(100) NOT NULL DEFAULT 'post-deploy',
	total INTEGER NOT NULL DEFAULT 0,
	passed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	duration_ms REAL NOT NULL DEFAULT 0,
	tests JSONB NOT NULL DEFAULT '[]',
	git_sha VARCHAR(255),
	image_tag VARCHAR(255)
);
CREATE INDEX IF NOT EXISTS idx_test_reports_received_at ON test_reports (received_at DESC);
`

// latestRunsSQL selects the run keys of the newest $1 runs, ranked by the
// newest report in each run.
const latestRunsSQL = `
	SELECT run_key FROM (
		SELECT COALESCE(git_sha, id) AS run_key, MAX(received_at) AS latest_at
		FROM test_reports
		GROUP BY COALESCE(git_sha, id)
		ORDER BY latest_at DESC
		LIMIT $1
	) latest_runs`

const reportColumns = `id, received_at, suite, total, passed, failed, skipped, duration_ms, tests, git_sha, image_tag`

// PostgresBackend stores reports in the test_reports table.
type PostgresBackend struct {
	connString string

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// NewPostgresBackend returns a backend for connString. No connection is made
// until Connect.
func NewPostgresBackend(connString string) *PostgresBackend {
	return &PostgresBackend{connString: connString}
}

func (s *PostgresBackend) getPool() (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil, errors.New("journal: postgres not connected")
	}
	return s.pool, nil
}

// Connect opens the pool on first use and pings it.
func (s *PostgresBackend) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		return s.pool.Ping(ctx)
	}

	config, err := pgxpool.ParseConfig(s.connString)
	if err != nil {
		return fmt.Errorf("parse database config: %w", err)
	}
	config.MaxConns = 5
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return err
	}
	s.pool = pool
	return nil
}

// EnsureSchema creates the reports table if needed.
func (s *PostgresBackend) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create test_reports: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isDataError reports whether err is a data exception (class 22) or an
// integrity constraint violation (class 23).
func isDataError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")
}

func (s *PostgresBackend) InsertAndEvict(ctx context.Context, r Report, maxRuns int) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tests := r.Tests
	if tests == nil {
		tests = []TestCase{}
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO test_reports (`+reportColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			r.ID, r.ReceivedAt, r.Suite, r.Total, r.Passed, r.Failed, r.Skipped,
			r.DurationMS, tests, nullIfEmpty(r.GitSHA), nullIfEmpty(r.ImageTag),
		)
		if isDataError(err) {
			return fmt.Errorf("insert report %s: %w: %w", r.ID, ErrRejected, err)
		}
		if err != nil {
			return fmt.Errorf("insert report %s: %w", r.ID, err)
		}

		_, err = tx.Exec(ctx, `
			DELETE FROM test_reports
			WHERE COALESCE(git_sha, id) NOT IN (`+latestRunsSQL+`)`, maxRuns)
		if err != nil {
			return fmt.Errorf("evict old runs: %w", err)
		}
		return nil
	})
}

func scanReport(row pgx.Row) (Report, error) {
	var r Report
	var gitSHA, imageTag *string
	err := row.Scan(&r.ID, &r.ReceivedAt, &r.Suite, &r.Total, &r.Passed, &r.Failed,
		&r.Skipped, &r.DurationMS, &r.Tests, &gitSHA, &imageTag)
	if err != nil {
		return Report{}, err
	}
	if gitSHA != nil {
		r.GitSHA = *gitSHA
	}
	if imageTag != nil {
		r.ImageTag = *imageTag
	}
	if r.Tests == nil {
		r.Tests = []TestCase{}
	}
	r.ReceivedAt = r.ReceivedAt.UTC()
	return r, nil
}

func (s *PostgresBackend) ListRuns(ctx context.Context, maxRuns int) ([]Report, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `
		SELECT `+reportColumns+`
		FROM test_reports
		WHERE COALESCE(git_sha, id) IN (`+latestRunsSQL+`)
		ORDER BY received_at DESC, suite`, maxRuns)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := make([]Report, 0)
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func (s *PostgresBackend) Latest(ctx context.Context) (*Report, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	r, err := scanReport(pool.QueryRow(ctx, `
		SELECT `+reportColumns+`
		FROM test_reports
		ORDER BY received_at DESC
		LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Close closes the connection pool.
func (s *PostgresBackend) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}
