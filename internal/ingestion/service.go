package ingestion

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aevon-lab/tally/internal/core/aggregation"
	"github.com/aevon-lab/tally/internal/core/identity"
	"github.com/aevon-lab/tally/internal/core/source"
	"github.com/aevon-lab/tally/internal/core/storage"
	"github.com/aevon-lab/tally/internal/lake"
)

// File outcome statuses.
const (
	StatusIngested = "ingested"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
)

// FileOutcome is what happened to one raw file (or one snapshot read).
type FileOutcome struct {
	Path       string `json:"path"`
	Day        string `json:"dt,omitempty"`
	Status     string `json:"status"`
	Rows       int    `json:"rows"`
	Malformed  int    `json:"malformed,omitempty"`
	Duplicates int    `json:"duplicates,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// SourceResult collects the ingestion outcome of one source.
type SourceResult struct {
	Source     string
	Strategy   source.Strategy
	Files      []FileOutcome
	New        int
	Skipped    int
	Failed     int
	RowsAdded  int
	Malformed  int
	Duplicates int
	OutOfRange int
	Watermark  time.Time // snapshot sources only; zero when none

	affected map[time.Time]struct{}
}

func newSourceResult(src source.Source) *SourceResult {
	return &SourceResult{
		Source:   src.Name(),
		Strategy: src.Strategy(),
		affected: make(map[time.Time]struct{}),
	}
}

// Affected returns the days whose partition changed, ascending.
func (r *SourceResult) Affected() []time.Time {
	days := make([]time.Time, 0, len(r.affected))
	for d := range r.affected {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

func (r *SourceResult) record(out FileOutcome) {
	r.Files = append(r.Files, out)
	switch out.Status {
	case StatusIngested:
		r.New++
	case StatusSkipped:
		r.Skipped++
	case StatusFailed:
		r.Failed++
	}
	r.Malformed += out.Malformed
}

func (r *SourceResult) merge(w lake.WriteResult) {
	r.RowsAdded += w.Added
	r.Duplicates += w.Duplicates
	r.OutOfRange += w.OutOfRange
	for _, d := range w.Days {
		if d.Added > 0 {
			r.affected[d.Day] = struct{}{}
		}
	}
}

// Options restricts an ingestion pass.
type Options struct {
	// Range limits ingestion to rows whose derived date falls inside it. Nil means no limit.
	Range *aggregation.DateRange

	// Rebuild means the range's partitions were removed: rows in range are recovered
	// from already admitted files (and from the whole snapshot) without re-registering them.
	Rebuild bool
}

func (o Options) keep() func(time.Time) bool {
	if o.Range == nil {
		return nil
	}
	r := *o.Range
	return r.Contains
}

// Strategy ingests one source. There is one implementation per source variant.
// A returned error fails the whole source; file-level problems are recorded in the result.
type Strategy interface {
	Ingest(ctx context.Context, opts Options) (*SourceResult, error)
}

// Service wires the lake, the identity tracker and the catalog into per-source strategies.
type Service struct {
	rawDir  string
	lake    *lake.Lake
	tracker *identity.Tracker
	catalog storage.Catalog
}

// NewService creates an ingestion service reading daily shards from rawDir.
func NewService(rawDir string, lk *lake.Lake, tracker *identity.Tracker, catalog storage.Catalog) *Service {
	if lk == nil {
		panic("ingestion: lake must not be nil")
	}
	if tracker == nil {
		panic("ingestion: tracker must not be nil")
	}
	if catalog == nil {
		panic("ingestion: catalog must not be nil")
	}
	return &Service{
		rawDir:  rawDir,
		lake:    lk,
		tracker: tracker,
		catalog: catalog,
	}
}

// For returns the strategy matching the source variant.
func (s *Service) For(src source.Source) (Strategy, error) {
	switch v := src.(type) {
	case source.DailyShard:
		return &DailyShardIngester{svc: s, src: v}, nil
	case source.Snapshot:
		return &SnapshotDiffer{svc: s, src: v}, nil
	default:
		return nil, fmt.Errorf("source %q: no ingestion strategy for %T", src.Name(), src)
	}
}

// Ingest runs the strategy of src.
func (s *Service) Ingest(ctx context.Context, src source.Source, opts Options) (*SourceResult, error) {
	strategy, err := s.For(src)
	if err != nil {
		return nil, err
	}
	return strategy.Ingest(ctx, opts)
}
