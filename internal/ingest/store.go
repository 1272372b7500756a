package ingest

import (
	"context"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
)

// WindowStatus is the persisted state of one ingestion window.
type WindowStatus string

const (
	WindowCommitted WindowStatus = "committed"
	WindowFailed    WindowStatus = "failed"
)

// WindowKey identifies one (region, source, window) pull.
type WindowKey struct {
	RegionID string
	Source   domain.SourceSystem
	Window   domain.TimeWindow
}

// Commit is everything written for a successful window.
type Commit struct {
	Key     WindowKey
	RunID   string
	Records []domain.DisturbanceRecord
}

// WindowStore persists records and window state.
type WindowStore interface {
	// CommitWindow inserts the records, skipping existing dedup keys, and
	// marks the window committed in the same transaction. It returns the
	// number of records actually inserted.
	CommitWindow(ctx context.Context, c Commit) (int, error)

	// MarkWindowFailed records the window as failed so the next run retries it.
	MarkWindowFailed(ctx context.Context, key WindowKey, runID, reason string) error

	// FailedWindows lists windows still failed for the region and source,
	// oldest first.
	FailedWindows(ctx context.Context, regionID string, source domain.SourceSystem) ([]domain.TimeWindow, error)

	// Frontier is the latest window end recorded for the region and source
	// in any status. ok is false when nothing was ever planned.
	Frontier(ctx context.Context, regionID string, source domain.SourceSystem) (end time.Time, ok bool, err error)
}

// Archiver keeps a copy of each committed window's records. Archive
// failures never fail the window.
type Archiver interface {
	Archive(ctx context.Context, key WindowKey, records []domain.DisturbanceRecord) error
}
