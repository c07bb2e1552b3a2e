package ingestion

import (
	"context"
	"errors"
	"log/slog"

	coreerrors "github.com/aevon-lab/tally/internal/core/errors"
	"github.com/aevon-lab/tally/internal/core/record"
	"github.com/aevon-lab/tally/internal/core/source"
	"github.com/aevon-lab/tally/internal/lake"
)

// DailyShardIngester admits new files from <raw_dir>/<source>/dt=YYYY-MM-DD/.
type DailyShardIngester struct {
	svc *Service
	src source.DailyShard
}

// Ingest admits every unseen file exactly once. The result is returned even when
// err is non-nil so callers can report what was done before the failure.
func (d *DailyShardIngester) Ingest(ctx context.Context, opts Options) (*SourceResult, error) {
	res := newSourceResult(d.src)
	name := d.src.Name()

	parser := d.src.Parser()
	files, err := Discover(d.svc.rawDir, name, parser.Accepts)
	if err != nil {
		return res, &coreerrors.SourceError{Source: name, Phase: "discover", Err: err}
	}

	keep := opts.keep()

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		inRange := opts.Range == nil || opts.Range.Contains(f.Day)

		token, seen, err := d.svc.tracker.Check(ctx, name, f.Path)
		if err != nil {
			if coreerrors.IsFileError(err) {
				slog.Warn("[Ingest] Skipping unreadable file", "source", name, "path", f.Path, "error", err)
				res.record(FileOutcome{Path: f.Path, Day: record.FormatDay(f.Day), Status: StatusFailed, Reason: err.Error()})
				continue
			}
			return res, &coreerrors.SourceError{Source: name, Phase: "identity", Err: err}
		}

		// Outside the requested range only already admitted files are replayed,
		// and only when their partitions were rebuilt.
		replay := false
		switch {
		case !inRange && !(seen && opts.Rebuild):
			continue
		case !inRange:
			replay = true
		case seen:
			res.record(FileOutcome{Path: f.Path, Day: record.FormatDay(f.Day), Status: StatusSkipped, Reason: "already ingested"})
			continue
		}

		parsed, err := parser.ParseFile(f.Path)
		if err != nil {
			if errors.Is(err, record.ErrColumnMapping) {
				return res, &coreerrors.SourceError{Source: name, Phase: "parse", Err: err}
			}
			fe := &coreerrors.FileError{Source: name, Path: f.Path, Err: err}
			slog.Warn("[Ingest] File failed to parse", "source", name, "path", f.Path, "error", err)
			res.record(FileOutcome{
				Path:      f.Path,
				Day:       record.FormatDay(f.Day),
				Status:    StatusFailed,
				Malformed: parsed.Malformed,
				Reason:    fe.Error(),
			})
			continue
		}

		written, err := d.svc.lake.Write(name, d.src.NaturalKey(), parsed.Events, keep)
		if errors.Is(err, lake.ErrInvalidRow) {
			fe := &coreerrors.FileError{Source: name, Path: f.Path, Err: err}
			slog.Warn("[Ingest] File rejected by partition writer", "source", name, "path", f.Path, "error", err)
			res.record(FileOutcome{
				Path:      f.Path,
				Day:       record.FormatDay(f.Day),
				Status:    StatusFailed,
				Malformed: parsed.Malformed,
				Reason:    fe.Error(),
			})
			continue
		}
		if err != nil {
			return res, coreerrors.Fatalf("partition write for %s: %v", f.Path, err)
		}
		res.merge(written)

		if replay {
			slog.Info("[Ingest] Replayed admitted file into rebuilt range",
				"source", name, "path", f.Path, "rows", written.Added)
			continue
		}

		if err := d.svc.tracker.Register(ctx, token, name, f.Day, f.Path, int64(len(parsed.Events))); err != nil {
			return res, &coreerrors.SourceError{Source: name, Phase: "register", Err: err}
		}

		res.record(FileOutcome{
			Path:       f.Path,
			Day:        record.FormatDay(f.Day),
			Status:     StatusIngested,
			Rows:       written.Added,
			Malformed:  parsed.Malformed,
			Duplicates: written.Duplicates,
		})
		slog.Info("[Ingest] File ingested",
			"source", name,
			"path", f.Path,
			"rows", written.Added,
			"malformed", parsed.Malformed,
			"duplicates", written.Duplicates,
			"partitions", len(written.Days))
	}

	return res, nil
}
