package postgres

import (
	"fmt"
	"time"

	"github.com/aevon-lab/tally/internal/core/aggregation"
	"github.com/aevon-lab/tally/internal/core/storage"
)

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanProcessedFile scans a processed_files row.
// Compatible with both sql.Row (single) and sql.Rows (multiple).
func scanProcessedFile(row scanner) (storage.ProcessedFile, error) {
	var f storage.ProcessedFile
	if err := row.Scan(&f.Token, &f.Source, &f.Date, &f.Path, &f.Rows, &f.IngestedAt); err != nil {
		return storage.ProcessedFile{}, fmt.Errorf("failed to scan processed file row: %w", err)
	}
	f.Date = dateOf(f.Date)
	f.IngestedAt = f.IngestedAt.UTC()
	return f, nil
}

// scanPageViews scans a page_views_daily row.
func scanPageViews(row scanner) (aggregation.PageViewDaily, error) {
	var r aggregation.PageViewDaily
	if err := row.Scan(&r.Source, &r.Date, &r.Views, &r.UniqIPs); err != nil {
		return aggregation.PageViewDaily{}, fmt.Errorf("failed to scan page_views_daily row: %w", err)
	}
	r.Date = dateOf(r.Date)
	return r, nil
}

func scanSearch(row scanner) (aggregation.SearchDaily, error) {
	var r aggregation.SearchDaily
	if err := row.Scan(&r.Source, &r.Date, &r.Query, &r.Count); err != nil {
		return aggregation.SearchDaily{}, fmt.Errorf("failed to scan searches_daily row: %w", err)
	}
	r.Date = dateOf(r.Date)
	return r, nil
}

// dateOf keeps the calendar date of t and drops its zone. lib/pq decodes DATE
// values with a fixed zone, and a UTC conversion could shift the day.
func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
