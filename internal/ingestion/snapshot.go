package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aevon-lab/tally/internal/core/aggregation"
	coreerrors "github.com/aevon-lab/tally/internal/core/errors"
	"github.com/aevon-lab/tally/internal/core/record"
	"github.com/aevon-lab/tally/internal/core/source"
	"github.com/aevon-lab/tally/internal/core/storage"
	"github.com/aevon-lab/tally/internal/lake"
)

// ErrMissingSnapshot is returned when a snapshot file is absent or unreadable.
var ErrMissingSnapshot = errors.New("missing snapshot")

// SnapshotDiffer turns a cumulative snapshot into daily partitions by emitting
// only rows strictly newer than the stored watermark.
type SnapshotDiffer struct {
	svc *Service
	src source.Snapshot
}

// Ingest reads the snapshot, keeps rows with ts > watermark, writes them and
// then advances the watermark. The watermark is persisted last, so a failure
// before it leaves the rows to be picked up by the next run.
func (s *SnapshotDiffer) Ingest(ctx context.Context, opts Options) (*SourceResult, error) {
	res := newSourceResult(s.src)
	name := s.src.Name()

	if _, err := os.Stat(s.src.Path); err != nil {
		return res, &coreerrors.SourceError{
			Source: name,
			Phase:  "snapshot",
			Err:    fmt.Errorf("%w: %s: %v", ErrMissingSnapshot, s.src.Path, err),
		}
	}

	var (
		watermark time.Time
		hasMark   bool
	)
	wm, err := s.svc.catalog.Watermark(ctx, name)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return res, &coreerrors.SourceError{Source: name, Phase: "watermark", Err: err}
	default:
		watermark, hasMark = wm, true
		res.Watermark = wm
	}

	parsed, err := s.src.Parser().ParseFile(s.src.Path)
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			err = fmt.Errorf("%w: %s: %v", ErrMissingSnapshot, s.src.Path, err)
		}
		return res, &coreerrors.SourceError{Source: name, Phase: "snapshot", Err: err}
	}

	fresh, newMark := Diff(parsed.Events, watermark, hasMark)
	if opts.Rebuild && opts.Range != nil && hasMark {
		// Rows at or below the watermark were consumed before the range was removed.
		fresh = append(fresh, consumedIn(parsed.Events, watermark, *opts.Range)...)
	}

	written, err := s.svc.lake.Write(name, s.src.NaturalKey(), fresh, nil)
	if errors.Is(err, lake.ErrInvalidRow) {
		return res, &coreerrors.SourceError{Source: name, Phase: "partition", Err: err}
	}
	if err != nil {
		return res, coreerrors.Fatalf("partition write for snapshot %s: %v", s.src.Path, err)
	}
	res.merge(written)

	outcome := FileOutcome{
		Path:       s.src.Path,
		Status:     StatusIngested,
		Rows:       written.Added,
		Malformed:  parsed.Malformed,
		Duplicates: written.Duplicates,
	}
	if len(fresh) == 0 {
		outcome.Status = StatusSkipped
		outcome.Reason = "no rows newer than watermark"
	}
	res.record(outcome)

	if len(fresh) > 0 && newMark.After(watermark) {
		if err := s.svc.catalog.AdvanceWatermark(ctx, name, newMark); err != nil {
			return res, &coreerrors.SourceError{Source: name, Phase: "watermark", Err: err}
		}
		res.Watermark = newMark
	}

	slog.Info("[Snapshot] Diff applied",
		"source", name,
		"rows_total", parsed.Total,
		"rows_new", len(fresh),
		"rows_added", written.Added,
		"watermark", res.Watermark)
	return res, nil
}

// Diff returns the events strictly newer than watermark (all events when useMark is
// false) and the maximum timestamp among them. Events equal to the watermark are
// excluded, so a new row sharing the exact watermark timestamp is not emitted.
func Diff(events []record.Event, watermark time.Time, useMark bool) ([]record.Event, time.Time) {
	var (
		fresh   []record.Event
		newMark = watermark
	)
	mark := watermark.UnixMicro()
	for _, e := range events {
		if useMark && e.TS <= mark {
			continue
		}
		fresh = append(fresh, e)
		if t := e.Time(); t.After(newMark) {
			newMark = t
		}
	}
	return fresh, newMark
}

// consumedIn returns the events at or below watermark whose date lies in r.
func consumedIn(events []record.Event, watermark time.Time, r aggregation.DateRange) []record.Event {
	var out []record.Event
	mark := watermark.UnixMicro()
	for _, e := range events {
		if e.TS > mark {
			continue
		}
		if day, err := e.Day(); err == nil && r.Contains(day) {
			out = append(out, e)
		}
	}
	return out
}
