// Package report materializes the fixed set of CSV reports from finished aggregates.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aevon-lab/tally/internal/core/aggregation"
	"github.com/aevon-lab/tally/internal/core/source"
	"github.com/aevon-lab/tally/internal/core/storage"
	"github.com/aevon-lab/tally/internal/lake"
	"github.com/natefinch/atomic"
	"golang.org/x/sync/errgroup"
)

const defaultWorkers = 4

// Table is a rendered report: a header and its rows.
type Table struct {
	Header []string
	Rows   [][]string
}

// Dataset is the read-only input every report is computed from.
type Dataset struct {
	PageViews []aggregation.PageViewDaily
	Searches  []aggregation.SearchDaily
	Hourly    HourlyCounts
	Today     time.Time
}

// Definition is one named report.
type Definition struct {
	Name  string
	Build func(ds *Dataset) Table
}

// Written describes a report file produced by a run.
type Written struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Rows int    `json:"rows"`
}

// Generator renders every Definition into dir.
type Generator struct {
	lake    *lake.Lake
	store   storage.AggregateStore
	dir     string
	workers int
	now     func() time.Time
	defs    []Definition
}

// NewGenerator creates a generator writing into dir. now defaults to time.Now.
func NewGenerator(lk *lake.Lake, store storage.AggregateStore, dir string, workers int, now func() time.Time) *Generator {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if now == nil {
		now = time.Now
	}
	return &Generator{
		lake:    lk,
		store:   store,
		dir:     dir,
		workers: workers,
		now:     now,
		defs:    Definitions(),
	}
}

// Load reads the aggregates and the hourly partition counts once for all reports.
func (g *Generator) Load(ctx context.Context, sources []source.Source) (*Dataset, error) {
	views, err := g.store.PageViews(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("load page views: %w", err)
	}
	searches, err := g.store.Searches(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("load searches: %w", err)
	}
	hourly, err := CountHours(g.lake, sources)
	if err != nil {
		return nil, fmt.Errorf("count hours: %w", err)
	}
	return &Dataset{
		PageViews: views,
		Searches:  searches,
		Hourly:    hourly,
		Today:     g.now().UTC(),
	}, nil
}

// Generate writes every report. Reports are built concurrently and each file is
// replaced atomically, so a reader never sees a partial report.
func (g *Generator) Generate(ctx context.Context, sources []source.Source) ([]Written, error) {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create reports dir %s: %w", g.dir, err)
	}

	ds, err := g.Load(ctx, sources)
	if err != nil {
		return nil, err
	}

	written := make([]Written, len(g.defs))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.workers)
	for i, def := range g.defs {
		i, def := i, def
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			table := def.Build(ds)
			path := filepath.Join(g.dir, def.Name+".csv")
			if err := WriteCSV(path, table); err != nil {
				return fmt.Errorf("report %s: %w", def.Name, err)
			}
			written[i] = Written{Name: def.Name, Path: path, Rows: len(table.Rows)}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(written, func(i, j int) bool { return written[i].Name < written[j].Name })
	slog.Info("[Reports] Reports written", "count", len(written), "dir", g.dir)
	return written, nil
}

// WriteCSV renders t and atomically replaces path with it.
func WriteCSV(path string, t Table) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.Header); err != nil {
		return err
	}
	if err := w.WriteAll(t.Rows); err != nil {
		return err
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
