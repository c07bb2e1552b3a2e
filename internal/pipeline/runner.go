package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/aevon-lab/tally/internal/aggregation"
	"github.com/aevon-lab/tally/internal/anomaly"
	coreagg "github.com/aevon-lab/tally/internal/core/aggregation"
	coreerrors "github.com/aevon-lab/tally/internal/core/errors"
	"github.com/aevon-lab/tally/internal/core/record"
	"github.com/aevon-lab/tally/internal/core/source"
	"github.com/aevon-lab/tally/internal/ingestion"
	"github.com/aevon-lab/tally/internal/report"
	"github.com/google/uuid"
)

// Mode selects what a run does.
type Mode string

const (
	ModeRefresh   Mode = "refresh"   // full incremental run over every source
	ModeSnapshot  Mode = "snapshot"  // snapshot sources only, then the downstream phases
	ModeReprocess Mode = "reprocess" // force reprocess one source over a date range
	ModeValidate  Mode = "validate"  // read-only consistency checks
)

// Phase names, also used as timing keys with an "_s" suffix.
const (
	PhaseIngest     = "ingest"
	PhaseAggregates = "aggregates"
	PhaseAnomalies  = "anomalies"
	PhaseReports    = "reports"
	PhaseValidation = "validation"
)

// Request describes one run.
type Request struct {
	Mode Mode

	// Source and Range scope a reprocess run.
	Source string
	Range  *coreagg.DateRange

	// DeletePartitions removes the range's partitions before re-ingesting.
	// Snapshot sources always rebuild their range.
	DeletePartitions bool
}

// Options are the run settings that do not change between runs.
type Options struct {
	RawDir           string
	ReportsDir       string
	Anomaly          anomaly.Config
	FreshnessDays    int
	ReportWorkers    int
	AggregateWorkers int
}

// Runner sequences the phases of a run inside a Session.
type Runner struct {
	opts     Options
	detector *anomaly.Detector
}

// NewRunner creates a runner.
func NewRunner(opts Options) *Runner {
	return &Runner{opts: opts, detector: anomaly.NewDetector(opts.Anomaly)}
}

type run struct {
	*Runner
	sess     *Session
	req      Request
	summary  *Summary
	affected map[string][]time.Time
}

// Run executes req. A summary is returned for every run, including failed ones;
// the error is non-nil only for fatal failures.
func (r *Runner) Run(ctx context.Context, sess *Session, req Request) (*Summary, error) {
	started := sess.Now()
	summary := &Summary{
		RunID:      uuid.NewString(),
		Mode:       req.Mode,
		Status:     StatusOK,
		StartedAt:  started,
		Source:     req.Source,
		Sources:    []SourceSummary{},
		Aggregates: []aggregation.Result{},
		Anomalies:  AnomalySummary{BySeverity: anomaly.CountBySeverity(nil)},
		Reports:    []report.Written{},
		Timings:    map[string]float64{},
		Errors:     []string{},
	}
	if req.Range != nil {
		summary.Range = req.Range.String()
	}

	rn := &run{Runner: r, sess: sess, req: req, summary: summary, affected: map[string][]time.Time{}}

	slog.Info("[Pipeline] Run started", "run_id", summary.RunID, "mode", req.Mode, "source", req.Source, "range", summary.Range)

	err := rn.execute(ctx)

	summary.FinishedAt = sess.Now()
	summary.Timings["total_s"] = seconds(summary.FinishedAt.Sub(started))
	if err != nil {
		summary.Status = StatusFailed
		summary.Errors = append(summary.Errors, err.Error())
	}
	RunsTotal.WithLabelValues(string(req.Mode), summary.Status).Inc()

	if err == nil {
		LastSuccess.Set(float64(summary.FinishedAt.Unix()))
	}
	if req.Mode != ModeValidate {
		if werr := WriteJSON(r.opts.ReportsDir, SummaryFile, summary); werr != nil {
			slog.Error("[Pipeline] Failed to write run summary", "error", werr)
			if err == nil {
				err = coreerrors.Fatal(werr)
				summary.Status = StatusFailed
			}
		}
	}

	slog.Info("[Pipeline] Run finished",
		"run_id", summary.RunID,
		"mode", req.Mode,
		"status", summary.Status,
		"total_s", summary.Timings["total_s"],
	)
	return summary, err
}

func (rn *run) execute(ctx context.Context) error {
	if err := os.MkdirAll(rn.opts.ReportsDir, 0o755); err != nil {
		return coreerrors.Fatalf("reports dir %s is not writable: %v", rn.opts.ReportsDir, err)
	}

	if rn.req.Mode == ModeValidate {
		return rn.phase(PhaseValidation, rn.validate(ctx))
	}

	sources, err := rn.selectSources()
	if err != nil {
		return err
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{PhaseIngest, func() error { return rn.ingest(ctx, sources) }},
		{PhaseAggregates, func() error { return rn.aggregate(ctx) }},
		{PhaseAnomalies, func() error { return rn.anomalies(ctx) }},
		{PhaseReports, func() error { return rn.reports(ctx) }},
		{PhaseValidation, rn.validate(ctx)},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := rn.phase(step.name, step.fn); err != nil {
			return err
		}
	}
	return nil
}

// phase runs fn and records its elapsed time as <name>_s.
func (rn *run) phase(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	rn.summary.Timings[name+"_s"] = seconds(elapsed)
	PhaseDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if err != nil {
		return fmt.Errorf("%s phase: %w", name, err)
	}
	return nil
}

func (rn *run) selectSources() ([]source.Source, error) {
	switch rn.req.Mode {
	case ModeRefresh:
		return rn.sess.Registry.All(), nil
	case ModeSnapshot:
		var out []source.Source
		for _, src := range rn.sess.Registry.All() {
			if src.Strategy() == source.StrategySnapshot {
				out = append(out, src)
			}
		}
		return out, nil
	case ModeReprocess:
		if rn.req.Source == "" || rn.req.Range == nil {
			return nil, coreerrors.Fatalf("reprocess requires a source and a date range")
		}
		src, err := rn.sess.Registry.Get(rn.req.Source)
		if err != nil {
			return nil, coreerrors.Fatal(err)
		}
		return []source.Source{src}, nil
	default:
		return nil, coreerrors.Fatalf("unknown run mode %q", rn.req.Mode)
	}
}

func (rn *run) ingest(ctx context.Context, sources []source.Source) error {
	svc := ingestion.NewService(rn.opts.RawDir, rn.sess.Lake, rn.sess.Tracker, rn.sess.Store)

	for _, src := range sources {
		opts := ingestion.Options{}
		var forced []time.Time
		if rn.req.Mode == ModeReprocess {
			var err error
			opts, forced, err = rn.prepareReprocess(ctx, src)
			if err != nil {
				return err
			}
		}

		res, err := svc.Ingest(ctx, src, opts)
		if res == nil {
			res = &ingestion.SourceResult{Source: src.Name(), Strategy: src.Strategy()}
		}
		ss := newSourceSummary(res)
		if days, lerr := rn.sess.Lake.Days(src.Name()); lerr == nil && len(days) > 0 {
			ss.LatestDate = record.FormatDay(days[len(days)-1])
		}

		// Partitions changed before a failure still need their aggregates refreshed.
		rn.affected[src.Name()] = mergeDays(res.Affected(), forced)

		for _, f := range res.Files {
			FilesTotal.WithLabelValues(src.Name(), f.Status).Inc()
		}
		RowsIngested.WithLabelValues(src.Name()).Add(float64(res.RowsAdded))

		if err != nil {
			if errors.Is(err, coreerrors.ErrFatal) || errors.Is(err, context.Canceled) {
				rn.summary.Sources = append(rn.summary.Sources, ss)
				return err
			}
			ss.Status = StatusFailed
			ss.Error = err.Error()
			rn.summary.Errors = append(rn.summary.Errors, err.Error())
			SourceFailures.WithLabelValues(src.Name()).Inc()
			slog.Error("[Pipeline] Source failed", "source", src.Name(), "error", err)
		}
		if ss.Status != StatusOK {
			rn.summary.Status = StatusPartial
		}
		rn.summary.Sources = append(rn.summary.Sources, ss)
	}
	return nil
}

// prepareReprocess forgets the range's admitted files, removes its partitions when
// needed and returns the ingestion options plus the days that must be recomputed.
// Partitions are always rebuilt for snapshot sources and for sources without a
// natural key, since re-merging their rows into a kept partition would duplicate them.
func (rn *run) prepareReprocess(ctx context.Context, src source.Source) (ingestion.Options, []time.Time, error) {
	rng := *rn.req.Range
	rebuild := rn.req.DeletePartitions ||
		src.Strategy() == source.StrategySnapshot ||
		len(src.NaturalKey()) == 0

	removed, err := rn.sess.Store.DeleteProcessed(ctx, src.Name(), rng.From, rng.To)
	if err != nil {
		return ingestion.Options{}, nil, coreerrors.Fatal(fmt.Errorf("forget processed files of %s: %w", src.Name(), err))
	}

	partitions := 0
	if rebuild {
		for _, d := range rng.Days() {
			ok, err := rn.sess.Lake.Remove(src.Name(), d)
			if err != nil {
				return ingestion.Options{}, nil, coreerrors.Fatal(err)
			}
			if ok {
				partitions++
			}
		}
	}

	slog.Info("[Pipeline] Reprocess prepared",
		"source", src.Name(),
		"range", rng.String(),
		"records_removed", removed,
		"partitions_removed", partitions,
		"rebuild", rebuild,
	)
	return ingestion.Options{Range: &rng, Rebuild: rebuild}, rng.Days(), nil
}

func (rn *run) aggregate(ctx context.Context) error {
	updater := aggregation.NewUpdater(rn.sess.Lake, rn.sess.Store, aggregation.UpdaterOptions{WorkerCount: rn.opts.AggregateWorkers})
	for _, src := range rn.sess.Registry.All() {
		days, ok := rn.affected[src.Name()]
		if !ok || len(days) == 0 {
			continue
		}
		res, err := updater.Update(ctx, src, days)
		if err != nil {
			return coreerrors.Fatal(err)
		}
		rn.summary.Aggregates = append(rn.summary.Aggregates, res)
	}
	return nil
}

func (rn *run) anomalies(ctx context.Context) error {
	flags, series, err := rn.detector.Detect(ctx, rn.sess.Store)
	if err != nil {
		return coreerrors.Fatal(err)
	}

	bySeverity := anomaly.CountBySeverity(flags)
	rn.summary.Anomalies = AnomalySummary{Count: len(flags), BySeverity: bySeverity}
	for sev, n := range bySeverity {
		AnomalyFlags.WithLabelValues(sev).Set(float64(n))
	}

	out := AnomalyFile{
		GeneratedAt: rn.sess.Now(),
		Config:      rn.detector.Config(),
		Series:      seriesInfo(series),
		Flags:       flags,
	}
	if err := WriteJSON(rn.opts.ReportsDir, AnomaliesFile, out); err != nil {
		return coreerrors.Fatal(err)
	}
	if len(flags) > 0 {
		slog.Warn("[Pipeline] Anomalies flagged", "count", len(flags), "critical", bySeverity[anomaly.SeverityCritical])
	}
	return nil
}

func (rn *run) reports(ctx context.Context) error {
	gen := report.NewGenerator(rn.sess.Lake, rn.sess.Store, rn.opts.ReportsDir, rn.opts.ReportWorkers, rn.sess.Now)
	written, err := gen.Generate(ctx, rn.sess.Registry.All())
	if err != nil {
		return coreerrors.Fatal(err)
	}
	rn.summary.Reports = written
	return nil
}

// validate returns the validation phase. It never mutates the lake or the store.
func (rn *run) validate(ctx context.Context) func() error {
	return func() error {
		v := aggregation.NewValidator(rn.sess.Lake, rn.sess.Store, rn.opts.FreshnessDays, rn.sess.Now)
		res, err := v.Validate(ctx, rn.sess.Registry.All())
		if err != nil {
			return coreerrors.Fatal(err)
		}
		rn.summary.Validation = res
		if res.OK {
			ValidationOK.Set(1)
		} else {
			ValidationOK.Set(0)
		}
		if err := WriteJSON(rn.opts.ReportsDir, ValidationFile, res); err != nil {
			return coreerrors.Fatal(err)
		}
		return nil
	}
}

func mergeDays(a, b []time.Time) []time.Time {
	seen := make(map[time.Time]struct{}, len(a)+len(b))
	var out []time.Time
	for _, list := range [][]time.Time{a, b} {
		for _, d := range list {
			d = record.Day(d)
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
