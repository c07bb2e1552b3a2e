package aggregation

import (
	"time"
)

// Metric names a daily series.
const (
	MetricViews    = "views"
	MetricSearches = "searches"
)

// PageViewDaily is one page_views_daily row.
type PageViewDaily struct {
	Source  string
	Date    time.Time // UTC midnight
	Views   int64     // rows in the partition
	UniqIPs int64     // distinct non-empty ip values
}

// SearchDaily is one searches_daily row, keyed by (source, date, normalized query).
type SearchDaily struct {
	Source string
	Date   time.Time
	Query  string
	Count  int64
}

// Point is one value of a daily series.
type Point struct {
	Date  time.Time
	Value float64
}

// DailySearchTotals folds search rows into one total per (source, date), ordered by date.
func DailySearchTotals(rows []SearchDaily) map[string][]Point {
	totals := make(map[string]map[time.Time]int64)
	for _, r := range rows {
		bySource, ok := totals[r.Source]
		if !ok {
			bySource = make(map[time.Time]int64)
			totals[r.Source] = bySource
		}
		bySource[r.Date] += r.Count
	}

	out := make(map[string][]Point, len(totals))
	for src, byDay := range totals {
		series := make([]Point, 0, len(byDay))
		for d, c := range byDay {
			series = append(series, Point{Date: d, Value: float64(c)})
		}
		SortPoints(series)
		out[src] = series
	}
	return out
}

// DailyViews returns the views series per source, ordered by date.
func DailyViews(rows []PageViewDaily) map[string][]Point {
	out := make(map[string][]Point)
	for _, r := range rows {
		out[r.Source] = append(out[r.Source], Point{Date: r.Date, Value: float64(r.Views)})
	}
	for src := range out {
		SortPoints(out[src])
	}
	return out
}
