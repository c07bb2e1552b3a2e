// Package anomaly flags daily aggregate values that deviate sharply from their trailing history.
package anomaly

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/aevon-lab/tally/internal/core/aggregation"
	"github.com/aevon-lab/tally/internal/core/record"
	"github.com/aevon-lab/tally/internal/core/storage"
	"github.com/shopspring/decimal"
)

// madScale makes the median absolute deviation comparable to a standard deviation.
const madScale = 0.6745

// Severities and directions of a flag.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"

	DirectionSpike = "spike"
	DirectionDrop  = "drop"

	MethodMAD    = "mad"
	MethodStddev = "pstdev"
)

// Config tunes the detector.
type Config struct {
	Window      int     `json:"window"`       // trailing days used as baseline
	MinBaseline int     `json:"min_baseline"` // fewer baseline points than this yields no flag
	Threshold   float64 `json:"threshold"`    // |score| at which a day is flagged
}

// DefaultConfig returns the default detector tuning.
func DefaultConfig() Config {
	return Config{Window: 28, MinBaseline: 7, Threshold: 6}
}

// Flag is one anomalous day of one series.
type Flag struct {
	Source    string  `json:"source"`
	Metric    string  `json:"metric"`
	Date      string  `json:"dt"`
	Value     float64 `json:"value"`
	Median    float64 `json:"baseline_median"`
	Score     float64 `json:"score"`
	Method    string  `json:"method"`
	Baseline  int     `json:"baseline_points"`
	Severity  string  `json:"severity"`
	Direction string  `json:"direction"`
}

// Series identifies one daily series and its points.
type Series struct {
	Source string
	Metric string
	Points []aggregation.Point
}

// Detector scores daily series against a trailing baseline. It is advisory only.
type Detector struct {
	cfg Config
}

// NewDetector creates a detector; zero fields of cfg take their defaults.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinBaseline <= 0 {
		cfg.MinBaseline = def.MinBaseline
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	return &Detector{cfg: cfg}
}

// Config returns the effective tuning.
func (d *Detector) Config() Config { return d.cfg }

// Scan flags every day of s whose score reaches the threshold.
// The baseline of a day is the points dated within the Window days before it.
func (d *Detector) Scan(s Series) []Flag {
	points := append([]aggregation.Point(nil), s.Points...)
	aggregation.SortPoints(points)

	var flags []Flag
	for i, p := range points {
		from := p.Date.AddDate(0, 0, -d.cfg.Window)
		var baseline []float64
		for j := i - 1; j >= 0 && !points[j].Date.Before(from); j-- {
			if points[j].Date.Before(p.Date) {
				baseline = append(baseline, points[j].Value)
			}
		}
		if len(baseline) < d.cfg.MinBaseline {
			continue
		}

		score, med, method := Score(p.Value, baseline)
		score = round3(score)
		abs := math.Abs(score)
		if abs < d.cfg.Threshold {
			continue
		}

		f := Flag{
			Source:    s.Source,
			Metric:    s.Metric,
			Date:      record.FormatDay(p.Date),
			Value:     p.Value,
			Median:    round3(med),
			Score:     score,
			Method:    method,
			Baseline:  len(baseline),
			Severity:  SeverityWarning,
			Direction: DirectionSpike,
		}
		if abs >= 2*d.cfg.Threshold {
			f.Severity = SeverityCritical
		}
		if score < 0 {
			f.Direction = DirectionDrop
		}
		flags = append(flags, f)
	}
	return flags
}

// Detect loads the daily series from store and scans each of them.
// Flags are ordered by date, then source, then metric.
func (d *Detector) Detect(ctx context.Context, store storage.AggregateStore) ([]Flag, []Series, error) {
	views, err := store.PageViews(ctx, "")
	if err != nil {
		return nil, nil, fmt.Errorf("load page views: %w", err)
	}
	searches, err := store.Searches(ctx, "")
	if err != nil {
		return nil, nil, fmt.Errorf("load searches: %w", err)
	}

	var series []Series
	for src, pts := range aggregation.DailyViews(views) {
		series = append(series, Series{Source: src, Metric: aggregation.MetricViews, Points: pts})
	}
	for src, pts := range aggregation.DailySearchTotals(searches) {
		series = append(series, Series{Source: src, Metric: aggregation.MetricSearches, Points: pts})
	}
	sort.Slice(series, func(i, j int) bool {
		if series[i].Source != series[j].Source {
			return series[i].Source < series[j].Source
		}
		return series[i].Metric < series[j].Metric
	})

	flags := []Flag{}
	for _, s := range series {
		flags = append(flags, d.Scan(s)...)
	}
	sort.SliceStable(flags, func(i, j int) bool {
		if flags[i].Date != flags[j].Date {
			return flags[i].Date < flags[j].Date
		}
		if flags[i].Source != flags[j].Source {
			return flags[i].Source < flags[j].Source
		}
		return flags[i].Metric < flags[j].Metric
	})
	return flags, series, nil
}

// Score returns the modified z-score of v against baseline, the baseline median
// and the method used. A zero MAD falls back to the population standard deviation,
// and a zero deviation to 1.
func Score(v float64, baseline []float64) (float64, float64, string) {
	med := median(baseline)
	dev := make([]float64, len(baseline))
	for i, b := range baseline {
		dev[i] = math.Abs(b - med)
	}
	if mad := median(dev); mad != 0 {
		return madScale * (v - med) / mad, med, MethodMAD
	}

	sd := pstdev(baseline)
	if sd == 0 {
		sd = 1
	}
	return (v - med) / sd, med, MethodStddev
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func pstdev(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var mean float64
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))

	var ss float64
	for _, v := range vals {
		ss += (v - mean) * (v - mean)
	}
	return math.Sqrt(ss / float64(len(vals)))
}

func round3(f float64) float64 {
	return decimal.NewFromFloat(f).Round(3).InexactFloat64()
}

// CountBySeverity tallies flags per severity.
func CountBySeverity(flags []Flag) map[string]int {
	out := map[string]int{SeverityWarning: 0, SeverityCritical: 0}
	for _, f := range flags {
		out[f.Severity]++
	}
	return out
}

// LatestDay returns the newest date of s, or the zero time for an empty series.
func (s Series) LatestDay() time.Time {
	if len(s.Points) == 0 {
		return time.Time{}
	}
	latest := s.Points[0].Date
	for _, p := range s.Points[1:] {
		if p.Date.After(latest) {
			latest = p.Date
		}
	}
	return latest
}
