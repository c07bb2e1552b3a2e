package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/aevon-lab/tally/internal/aggregation"
	"github.com/aevon-lab/tally/internal/anomaly"
	"github.com/aevon-lab/tally/internal/core/record"
	"github.com/aevon-lab/tally/internal/ingestion"
	"github.com/aevon-lab/tally/internal/report"
	"github.com/natefinch/atomic"
	"github.com/shopspring/decimal"
)

// Output file names inside the reports directory.
const (
	SummaryFile    = "run_summary.json"
	ValidationFile = "validation.json"
	AnomaliesFile  = "anomalies.json"
)

// Run statuses.
const (
	StatusOK      = "ok"
	StatusPartial = "partial" // at least one file or source failed
	StatusFailed  = "failed"  // aborted by a fatal error
)

// SourceSummary is the ingestion outcome of one source.
type SourceSummary struct {
	Source        string                  `json:"source"`
	Strategy      string                  `json:"strategy"`
	Status        string                  `json:"status"`
	NewFiles      int                     `json:"new_files"`
	SkippedFiles  int                     `json:"skipped_files"`
	FailedFiles   int                     `json:"failed_files"`
	RowsAdded     int                     `json:"rows_added"`
	Malformed     int                     `json:"malformed_rows"`
	Duplicates    int                     `json:"duplicate_rows"`
	OutOfRange    int                     `json:"out_of_range_rows"`
	AffectedDates []string                `json:"affected_dates"`
	LatestDate    string                  `json:"latest_dt,omitempty"`
	Watermark     string                  `json:"watermark,omitempty"`
	Error         string                  `json:"error,omitempty"`
	Files         []ingestion.FileOutcome `json:"files"`
}

// AnomalySummary counts the flags of a run.
type AnomalySummary struct {
	Count      int            `json:"count"`
	BySeverity map[string]int `json:"by_severity"`
}

// Summary is the structured record every run produces, even on partial failure.
type Summary struct {
	RunID      string                  `json:"run_id"`
	Mode       Mode                    `json:"mode"`
	Status     string                  `json:"status"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Source     string                  `json:"source,omitempty"`
	Range      string                  `json:"range,omitempty"`
	Sources    []SourceSummary         `json:"sources"`
	Aggregates []aggregation.Result    `json:"aggregates"`
	Anomalies  AnomalySummary          `json:"anomalies"`
	Reports    []report.Written        `json:"reports"`
	Validation *aggregation.Validation `json:"validation,omitempty"`
	Timings    map[string]float64      `json:"timings"`
	Errors     []string                `json:"errors"`
}

func newSourceSummary(res *ingestion.SourceResult) SourceSummary {
	s := SourceSummary{
		Source:        res.Source,
		Strategy:      string(res.Strategy),
		Status:        StatusOK,
		NewFiles:      res.New,
		SkippedFiles:  res.Skipped,
		FailedFiles:   res.Failed,
		RowsAdded:     res.RowsAdded,
		Malformed:     res.Malformed,
		Duplicates:    res.Duplicates,
		OutOfRange:    res.OutOfRange,
		AffectedDates: []string{},
		Files:         res.Files,
	}
	if s.Files == nil {
		s.Files = []ingestion.FileOutcome{}
	}
	for _, d := range res.Affected() {
		s.AffectedDates = append(s.AffectedDates, record.FormatDay(d))
	}
	if !res.Watermark.IsZero() {
		s.Watermark = res.Watermark.UTC().Format(time.RFC3339Nano)
	}
	if res.Failed > 0 {
		s.Status = StatusPartial
	}
	return s
}

// AnomalyFile is the content of anomalies.json.
type AnomalyFile struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Config      anomaly.Config `json:"config"`
	Series      []SeriesInfo   `json:"series"`
	Flags       []anomaly.Flag `json:"flags"`
}

// SeriesInfo describes one scanned series.
type SeriesInfo struct {
	Source    string `json:"source"`
	Metric    string `json:"metric"`
	Points    int    `json:"points"`
	LatestDay string `json:"latest_dt,omitempty"`
}

func seriesInfo(series []anomaly.Series) []SeriesInfo {
	out := make([]SeriesInfo, 0, len(series))
	for _, s := range series {
		info := SeriesInfo{Source: s.Source, Metric: s.Metric, Points: len(s.Points)}
		if d := s.LatestDay(); !d.IsZero() {
			info.LatestDay = record.FormatDay(d)
		}
		out = append(out, info)
	}
	return out
}

// WriteJSON atomically replaces dir/name with v as indented JSON.
func WriteJSON(dir, name string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	b = append(b, '\n')
	path := filepath.Join(dir, name)
	if err := atomic.WriteFile(path, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func seconds(d time.Duration) float64 {
	return decimal.NewFromFloat(d.Seconds()).Round(3).InexactFloat64()
}
