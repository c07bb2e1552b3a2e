package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aevon-lab/tally/internal/core/aggregation"
	"github.com/aevon-lab/tally/internal/core/record"
	"github.com/aevon-lab/tally/internal/core/source"
	"github.com/aevon-lab/tally/internal/core/storage"
	"github.com/aevon-lab/tally/internal/lake"
)

const defaultWorkerCount = 4

// UpdaterOptions controls the per-day recompute fan-out.
type UpdaterOptions struct {
	WorkerCount int
}

// DefaultUpdaterOptions returns safe defaults for a single-host run.
func DefaultUpdaterOptions() UpdaterOptions {
	return UpdaterOptions{WorkerCount: defaultWorkerCount}
}

func (o UpdaterOptions) normalized() UpdaterOptions {
	n := o
	if n.WorkerCount <= 0 {
		n.WorkerCount = defaultWorkerCount
	}
	return n
}

// Result summarizes one source's aggregate refresh.
type Result struct {
	Source   string `json:"source"`
	Days     int    `json:"days"`
	Rows     int    `json:"rows"`
	Removed  int    `json:"removed"`
	FirstDay string `json:"first_day,omitempty"`
	LastDay  string `json:"last_day,omitempty"`
}

// Updater recomputes daily aggregates from partitions, one affected day at a time.
// Days not handed to Update are never read or written.
type Updater struct {
	lake  *lake.Lake
	store storage.AggregateStore
	opts  UpdaterOptions
}

// NewUpdater creates an updater over lk writing into store.
func NewUpdater(lk *lake.Lake, store storage.AggregateStore, opts UpdaterOptions) *Updater {
	return &Updater{lake: lk, store: store, opts: opts.normalized()}
}

type dayOutcome struct {
	rows    int
	removed bool
	err     error
}

// Update replaces the aggregate rows of src for each day in days.
// A day whose partition no longer exists has its aggregate rows removed.
func (u *Updater) Update(ctx context.Context, src source.Source, days []time.Time) (Result, error) {
	res := Result{Source: src.Name()}
	if len(days) == 0 {
		slog.Debug("[Aggregates] No affected days", "source", src.Name())
		return res, nil
	}

	workerCount := minInt(u.opts.WorkerCount, len(days))
	jobs := make(chan time.Time, len(days))
	results := make(chan dayOutcome, len(days))

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			for day := range jobs {
				if err := ctx.Err(); err != nil {
					results <- dayOutcome{err: err}
					continue
				}
				rows, removed, err := u.updateDay(ctx, src, day)
				results <- dayOutcome{rows: rows, removed: removed, err: err}
			}
		}()
	}

	for _, d := range days {
		jobs <- record.Day(d)
	}
	close(jobs)

	wg.Wait()
	close(results)

	var errs []error
	for out := range results {
		if out.err != nil {
			errs = append(errs, out.err)
			continue
		}
		res.Days++
		res.Rows += out.rows
		if out.removed {
			res.Removed++
		}
	}
	if err := errors.Join(errs...); err != nil {
		return res, fmt.Errorf("update aggregates for %s: %w", src.Name(), err)
	}

	first, last := bounds(days)
	res.FirstDay = record.FormatDay(first)
	res.LastDay = record.FormatDay(last)

	slog.Info("[Aggregates] Refresh complete",
		"source", src.Name(),
		"days", res.Days,
		"rows", res.Rows,
		"removed", res.Removed,
		"range", res.FirstDay+".."+res.LastDay,
	)
	return res, nil
}

func (u *Updater) updateDay(ctx context.Context, src source.Source, day time.Time) (int, bool, error) {
	events, err := u.lake.Read(src.Name(), day)
	missing := errors.Is(err, lake.ErrNoPartition)
	if err != nil && !missing {
		return 0, false, err
	}

	switch src.Kind() {
	case record.KindPageViews:
		var row *aggregation.PageViewDaily
		if !missing {
			pv := aggregation.PageViews(src.Name(), day, events)
			row = &pv
		}
		if err := u.store.ReplacePageViews(ctx, src.Name(), day, row); err != nil {
			return 0, false, err
		}
		if row == nil {
			return 0, true, nil
		}
		return 1, false, nil

	case record.KindSearch:
		var rows []aggregation.SearchDaily
		if !missing {
			rows = aggregation.Searches(src.Name(), day, events)
		}
		if err := u.store.ReplaceSearches(ctx, src.Name(), day, rows); err != nil {
			return 0, false, err
		}
		return len(rows), missing, nil

	default:
		return 0, false, fmt.Errorf("source %q: unknown kind %q", src.Name(), src.Kind())
	}
}

func bounds(days []time.Time) (time.Time, time.Time) {
	first, last := record.Day(days[0]), record.Day(days[0])
	for _, d := range days[1:] {
		d = record.Day(d)
		if d.Before(first) {
			first = d
		}
		if d.After(last) {
			last = d
		}
	}
	return first, last
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
