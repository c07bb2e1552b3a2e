package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aevon-lab/tally/internal/core/aggregation"
	"github.com/aevon-lab/tally/internal/core/record"
	"github.com/aevon-lab/tally/internal/core/source"
	"github.com/aevon-lab/tally/internal/core/storage"
	"github.com/aevon-lab/tally/internal/lake"
)

// Mismatch is a day whose partition and aggregates disagree.
type Mismatch struct {
	Source    string `json:"source"`
	Date      string `json:"dt"`
	Partition int64  `json:"partition_rows"`
	Aggregate int64  `json:"aggregate_rows"`
}

// DayRef points at one (source, date).
type DayRef struct {
	Source string `json:"source"`
	Date   string `json:"dt"`
}

// Freshness reports how old the newest page-view partition is.
type Freshness struct {
	Applicable bool   `json:"applicable"`
	LatestDay  string `json:"latest_dt,omitempty"`
	AgeDays    int    `json:"age_days"`
	LimitDays  int    `json:"limit_days"`
	Fresh      bool   `json:"fresh"`
}

// Validation is the outcome of a read-only consistency check.
type Validation struct {
	CheckedPartitions int        `json:"checked_partitions"`
	Mismatches        []Mismatch `json:"mismatches"`
	OrphanAggregates  []DayRef   `json:"orphan_aggregates"`
	MissingAggregates []DayRef   `json:"missing_aggregates"`
	Freshness         Freshness  `json:"freshness"`
	OK                bool       `json:"ok"`
}

// Validator compares partitions against the aggregate tables. It never writes.
type Validator struct {
	lake          *lake.Lake
	store         storage.AggregateStore
	freshnessDays int
	now           func() time.Time
}

// NewValidator creates a validator. now defaults to time.Now.
func NewValidator(lk *lake.Lake, store storage.AggregateStore, freshnessDays int, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{lake: lk, store: store, freshnessDays: freshnessDays, now: now}
}

// Validate checks every partition of every source.
func (v *Validator) Validate(ctx context.Context, sources []source.Source) (*Validation, error) {
	out := &Validation{
		Mismatches:        []Mismatch{},
		OrphanAggregates:  []DayRef{},
		MissingAggregates: []DayRef{},
		Freshness:         Freshness{LimitDays: v.freshnessDays},
	}

	var latest time.Time
	for _, src := range sources {
		days, err := v.lake.Days(src.Name())
		if err != nil {
			return nil, fmt.Errorf("list partitions of %s: %w", src.Name(), err)
		}

		var expected, actual map[time.Time]int64
		switch src.Kind() {
		case record.KindPageViews:
			out.Freshness.Applicable = true
			if n := len(days); n > 0 && days[n-1].After(latest) {
				latest = days[n-1]
			}
			expected, err = v.partitionCounts(src.Name(), days)
			if err != nil {
				return nil, err
			}
			actual, err = v.viewCounts(ctx, src.Name())
		case record.KindSearch:
			expected, err = v.qualifyingCounts(src.Name(), days)
			if err != nil {
				return nil, err
			}
			actual, err = v.searchCounts(ctx, src.Name())
		default:
			return nil, fmt.Errorf("source %q: unknown kind %q", src.Name(), src.Kind())
		}
		if err != nil {
			return nil, err
		}

		out.CheckedPartitions += len(days)
		v.compare(out, src, expected, actual)
	}

	if out.Freshness.Applicable && !latest.IsZero() {
		today := record.Day(v.now())
		age := int(today.Sub(latest).Hours() / 24)
		out.Freshness.LatestDay = record.FormatDay(latest)
		out.Freshness.AgeDays = age
		out.Freshness.Fresh = age <= v.freshnessDays
	}

	out.OK = len(out.Mismatches) == 0 &&
		len(out.OrphanAggregates) == 0 &&
		len(out.MissingAggregates) == 0 &&
		(!out.Freshness.Applicable || out.Freshness.Fresh)

	slog.Info("[Aggregates] Validation complete",
		"partitions", out.CheckedPartitions,
		"mismatches", len(out.Mismatches),
		"orphans", len(out.OrphanAggregates),
		"missing", len(out.MissingAggregates),
		"fresh", out.Freshness.Fresh,
		"ok", out.OK,
	)
	return out, nil
}

func (v *Validator) compare(out *Validation, src source.Source, expected, actual map[time.Time]int64) {
	for _, day := range sortedDays(expected) {
		want := expected[day]
		got, ok := actual[day]
		if !ok {
			// A search partition with no qualifying query legitimately has no rows.
			if src.Kind() == record.KindSearch && want == 0 {
				continue
			}
			out.MissingAggregates = append(out.MissingAggregates, DayRef{Source: src.Name(), Date: record.FormatDay(day)})
			continue
		}
		if got != want {
			out.Mismatches = append(out.Mismatches, Mismatch{
				Source:    src.Name(),
				Date:      record.FormatDay(day),
				Partition: want,
				Aggregate: got,
			})
		}
	}
	for _, day := range sortedDays(actual) {
		if _, ok := expected[day]; !ok {
			out.OrphanAggregates = append(out.OrphanAggregates, DayRef{Source: src.Name(), Date: record.FormatDay(day)})
		}
	}
}

func (v *Validator) partitionCounts(name string, days []time.Time) (map[time.Time]int64, error) {
	counts := make(map[time.Time]int64, len(days))
	for _, d := range days {
		n, err := v.lake.Count(name, d)
		if err != nil {
			return nil, err
		}
		counts[d] = n
	}
	return counts, nil
}

func (v *Validator) qualifyingCounts(name string, days []time.Time) (map[time.Time]int64, error) {
	counts := make(map[time.Time]int64, len(days))
	for _, d := range days {
		events, err := v.lake.Read(name, d)
		if err != nil {
			return nil, err
		}
		counts[d] = aggregation.QualifyingSearchRows(events)
	}
	return counts, nil
}

func (v *Validator) viewCounts(ctx context.Context, name string) (map[time.Time]int64, error) {
	rows, err := v.store.PageViews(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load page views of %s: %w", name, err)
	}
	counts := make(map[time.Time]int64, len(rows))
	for _, r := range rows {
		counts[record.Day(r.Date)] = r.Views
	}
	return counts, nil
}

func (v *Validator) searchCounts(ctx context.Context, name string) (map[time.Time]int64, error) {
	rows, err := v.store.Searches(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load searches of %s: %w", name, err)
	}
	counts := make(map[time.Time]int64)
	for _, r := range rows {
		counts[record.Day(r.Date)] += r.Count
	}
	return counts, nil
}

func sortedDays(m map[time.Time]int64) []time.Time {
	days := make([]time.Time, 0, len(m))
	for d := range m {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}
