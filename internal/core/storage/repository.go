package storage

import (
	"context"
	"errors"
	"time"

	"github.com/aevon-lab/tally/internal/core/aggregation"
)

// ErrNotFound is returned when a lookup finds no row, e.g. a snapshot source without a watermark.
var ErrNotFound = errors.New("not found")

// ProcessedFile records that a raw file identity token has been ingested.
type ProcessedFile struct {
	Token      string
	Source     string
	Date       time.Time // folder date, UTC midnight
	Path       string
	Rows       int64
	IngestedAt time.Time
}

// Catalog tracks ingestion progress: admitted files and snapshot watermarks.
type Catalog interface {
	// IsProcessed reports whether token has already been ingested.
	IsProcessed(ctx context.Context, token string) (bool, error)

	// RecordProcessed stores f. Recording an existing token is a no-op.
	RecordProcessed(ctx context.Context, f ProcessedFile) error

	// DeleteProcessed removes the records of source whose date lies in [from, to].
	// Returns the number of records removed.
	DeleteProcessed(ctx context.Context, source string, from, to time.Time) (int64, error)

	// ListProcessed returns the records of source ordered by date then path.
	ListProcessed(ctx context.Context, source string) ([]ProcessedFile, error)

	// Watermark returns the snapshot watermark of source, or ErrNotFound.
	Watermark(ctx context.Context, source string) (time.Time, error)

	// AdvanceWatermark sets the watermark of source to max(current, wm).
	AdvanceWatermark(ctx context.Context, source string, wm time.Time) error
}

// AggregateStore holds the daily rollup tables.
// Replacement of one (source, date) is atomic: readers never see stale and fresh rows mixed.
type AggregateStore interface {
	// ReplacePageViews deletes the page_views_daily row of (source, day) and inserts row.
	// A nil row only deletes.
	ReplacePageViews(ctx context.Context, source string, day time.Time, row *aggregation.PageViewDaily) error

	// ReplaceSearches deletes every searches_daily row of (source, day) and inserts rows.
	ReplaceSearches(ctx context.Context, source string, day time.Time, rows []aggregation.SearchDaily) error

	// PageViews lists page_views_daily rows ordered by source then date. Empty source means all.
	PageViews(ctx context.Context, source string) ([]aggregation.PageViewDaily, error)

	// Searches lists searches_daily rows ordered by source, date, query. Empty source means all.
	Searches(ctx context.Context, source string) ([]aggregation.SearchDaily, error)
}

// Store is a complete persistence backend.
type Store interface {
	Catalog
	AggregateStore
	Ping(ctx context.Context) error
	Close() error
}
