package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/tally/internal/core/aggregation"
)

// AggregateAdapter implements storage.AggregateStore using PostgreSQL.
// Each per-date replacement is one transaction, so a crash never leaves
// stale and fresh rows mixed for the same date.
type AggregateAdapter struct {
	db *sql.DB
}

// NewAggregateAdapter creates a new AggregateAdapter sharing the given connection.
func NewAggregateAdapter(db *sql.DB) *AggregateAdapter {
	return &AggregateAdapter{db: db}
}

// ReplacePageViews deletes the (source, day) row and inserts row in one transaction.
func (a *AggregateAdapter) ReplacePageViews(
	ctx context.Context,
	source string,
	day time.Time,
	row *aggregation.PageViewDaily,
) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("page_views_daily replace: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, queryDeletePageViewsDay, source, day); err != nil {
		return fmt.Errorf("page_views_daily replace: delete %s: %w", day.Format("2006-01-02"), err)
	}

	if row != nil {
		if _, err := tx.ExecContext(ctx, queryInsertPageViews, source, day, row.Views, row.UniqIPs); err != nil {
			return fmt.Errorf("page_views_daily replace: insert %s: %w", day.Format("2006-01-02"), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("page_views_daily replace: commit: %w", err)
	}

	slog.Debug("[Postgres] Replaced page views",
		"source", source,
		"dt", day.Format("2006-01-02"),
		"deleted_only", row == nil)
	return nil
}

// ReplaceSearches deletes every (source, day) row and inserts rows in one transaction.
func (a *AggregateAdapter) ReplaceSearches(
	ctx context.Context,
	source string,
	day time.Time,
	rows []aggregation.SearchDaily,
) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("searches_daily replace: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, queryDeleteSearchesDay, source, day); err != nil {
		return fmt.Errorf("searches_daily replace: delete %s: %w", day.Format("2006-01-02"), err)
	}

	if len(rows) > 0 {
		insertStmt, err := tx.PrepareContext(ctx, queryInsertSearch)
		if err != nil {
			return fmt.Errorf("searches_daily replace: prepare insert: %w", err)
		}
		defer insertStmt.Close()

		for _, r := range rows {
			if _, err := insertStmt.ExecContext(ctx, source, day, r.Query, r.Count); err != nil {
				return fmt.Errorf("searches_daily replace: insert %q: %w", r.Query, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("searches_daily replace: commit: %w", err)
	}

	slog.Debug("[Postgres] Replaced searches",
		"source", source,
		"dt", day.Format("2006-01-02"),
		"queries", len(rows))
	return nil
}

// PageViews lists page_views_daily rows for source (all sources when empty).
func (a *AggregateAdapter) PageViews(ctx context.Context, source string) ([]aggregation.PageViewDaily, error) {
	rows, err := a.db.QueryContext(ctx, querySelectPageViews, source)
	if err != nil {
		return nil, fmt.Errorf("query page_views_daily: %w", err)
	}
	defer rows.Close()

	var out []aggregation.PageViewDaily
	for rows.Next() {
		r, err := scanPageViews(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page_views_daily: %w", err)
	}
	return out, nil
}

// Searches lists searches_daily rows for source (all sources when empty).
func (a *AggregateAdapter) Searches(ctx context.Context, source string) ([]aggregation.SearchDaily, error) {
	rows, err := a.db.QueryContext(ctx, querySelectSearches, source)
	if err != nil {
		return nil, fmt.Errorf("query searches_daily: %w", err)
	}
	defer rows.Close()

	var out []aggregation.SearchDaily
	for rows.Next() {
		r, err := scanSearch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate searches_daily: %w", err)
	}
	return out, nil
}
