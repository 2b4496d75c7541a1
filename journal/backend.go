package journal

import (
	"context"
	"errors"
)

// ErrRejected marks a report the backend will never accept, such as a
// duplicate id or a value too long for its column. Retrying it cannot succeed.
var ErrRejected = errors.New("journal: report rejected by backend")

// Backend is the durable side of the journal.
type Backend interface {
	// Connect establishes (or re-checks) the connection.
	Connect(ctx context.Context) error
	EnsureSchema(ctx context.Context) error
	// InsertAndEvict stores r and drops every report outside the newest
	// maxRuns runs, atomically. Errors for reports that can never be stored
	// wrap ErrRejected.
	InsertAndEvict(ctx context.Context, r Report, maxRuns int) error
	// ListRuns returns all reports of the newest maxRuns runs, newest first.
	ListRuns(ctx context.Context, maxRuns int) ([]Report, error)
	// Latest returns the most recently received report, or nil.
	Latest(ctx context.Context) (*Report, error)
	Close()
}
