package aggregation

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aevon-lab/tally/internal/core/record"
)

// MinQueryLength is the shortest normalized query that reaches the aggregates.
const MinQueryLength = 2

// NormalizeQuery lower-cases q, trims it and collapses inner whitespace runs to one space.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// QualifyingQuery normalizes q and reports whether it passes the quality filters:
// not empty, not the literal "null", at least MinQueryLength characters.
func QualifyingQuery(q string) (string, bool) {
	n := NormalizeQuery(q)
	if n == "" || n == "null" || utf8.RuneCountInString(n) < MinQueryLength {
		return "", false
	}
	return n, true
}

// PageViews computes the page_views_daily row for one partition.
func PageViews(source string, day time.Time, events []record.Event) PageViewDaily {
	ips := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e.IP != "" {
			ips[e.IP] = struct{}{}
		}
	}
	return PageViewDaily{
		Source:  source,
		Date:    record.Day(day),
		Views:   int64(len(events)),
		UniqIPs: int64(len(ips)),
	}
}

// Searches computes the searches_daily rows for one partition, ordered by query.
func Searches(source string, day time.Time, events []record.Event) []SearchDaily {
	counts := make(map[string]int64)
	for _, e := range events {
		if q, ok := QualifyingQuery(e.Query); ok {
			counts[q]++
		}
	}

	rows := make([]SearchDaily, 0, len(counts))
	for q, c := range counts {
		rows = append(rows, SearchDaily{
			Source: source,
			Date:   record.Day(day),
			Query:  q,
			Count:  c,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Query < rows[j].Query })
	return rows
}

// QualifyingSearchRows counts the events whose query survives the quality filters.
// The sum of a day's searches_daily counts must equal this number.
func QualifyingSearchRows(events []record.Event) int64 {
	var n int64
	for _, e := range events {
		if _, ok := QualifyingQuery(e.Query); ok {
			n++
		}
	}
	return n
}

// SortPoints orders a series by date.
func SortPoints(series []Point) {
	sort.Slice(series, func(i, j int) bool { return series[i].Date.Before(series[j].Date) })
}
