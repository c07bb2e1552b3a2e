package report

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aevon-lab/tally/internal/core/aggregation"
	"github.com/aevon-lab/tally/internal/core/record"
	"github.com/aevon-lab/tally/internal/core/source"
	"github.com/aevon-lab/tally/internal/lake"
)

// TopQueriesLimit caps the top_queries reports.
const TopQueriesLimit = 100

// RecentDays is the trailing window of top_queries_30d, today included.
const RecentDays = 30

// Definitions returns the named reports in a stable order.
func Definitions() []Definition {
	return []Definition{
		{Name: "busiest_days_of_week", Build: busiestDaysOfWeek},
		{Name: "busiest_hours_utc", Build: busiestHoursUTC},
		{Name: "visits_pages_daily", Build: visitsPagesDaily},
		{Name: "searches_daily", Build: searchesDaily},
		{Name: "top_queries_all_time", Build: topQueriesAllTime},
		{Name: "top_queries_30d", Build: topQueries30d},
		{Name: "searches_summary", Build: searchesSummary},
		{Name: "searches_distinct_daily", Build: searchesDistinctDaily},
	}
}

// HourlyCounts holds row counts per UTC hour of day.
type HourlyCounts struct {
	Visits   [24]int64
	Searches [24]int64
}

// CountHours scans every partition of sources. Search rows count only when their
// query qualifies, so the totals reconcile with searches_daily.
func CountHours(lk *lake.Lake, sources []source.Source) (HourlyCounts, error) {
	var hc HourlyCounts
	for _, src := range sources {
		days, err := lk.Days(src.Name())
		if err != nil {
			return hc, err
		}
		for _, d := range days {
			events, err := lk.Read(src.Name(), d)
			if err != nil {
				return hc, err
			}
			for _, e := range events {
				h := e.Time().Hour()
				switch src.Kind() {
				case record.KindPageViews:
					hc.Visits[h]++
				case record.KindSearch:
					if _, ok := aggregation.QualifyingQuery(e.Query); ok {
						hc.Searches[h]++
					}
				}
			}
		}
	}
	return hc, nil
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func busiestDaysOfWeek(ds *Dataset) Table {
	var visits, searches [7]int64
	for _, r := range ds.PageViews {
		visits[r.Date.Weekday()] += r.Views
	}
	for _, r := range ds.Searches {
		searches[r.Date.Weekday()] += r.Count
	}

	t := Table{Header: []string{"dow_num", "dow", "visits", "searches"}}
	for i := 0; i < 7; i++ {
		t.Rows = append(t.Rows, []string{
			strconv.Itoa(i),
			time.Weekday(i).String()[:3],
			itoa(visits[i]),
			itoa(searches[i]),
		})
	}
	return t
}

func busiestHoursUTC(ds *Dataset) Table {
	t := Table{Header: []string{"hour_utc", "visits", "searches"}}
	for h := 0; h < 24; h++ {
		t.Rows = append(t.Rows, []string{
			fmt.Sprintf("%02d", h),
			itoa(ds.Hourly.Visits[h]),
			itoa(ds.Hourly.Searches[h]),
		})
	}
	return t
}

func visitsPagesDaily(ds *Dataset) Table {
	byDay := make(map[time.Time]int64)
	for _, r := range ds.PageViews {
		byDay[r.Date] += r.Views
	}

	t := Table{Header: []string{"dt", "cnt"}}
	for _, d := range sortedDays(byDay) {
		t.Rows = append(t.Rows, []string{record.FormatDay(d), itoa(byDay[d])})
	}
	return t
}

type dayQuery struct {
	day   time.Time
	query string
}

func searchesDaily(ds *Dataset) Table {
	counts := make(map[dayQuery]int64)
	for _, r := range ds.Searches {
		counts[dayQuery{day: r.Date, query: r.Query}] += r.Count
	}

	keys := make([]dayQuery, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if !a.day.Equal(b.day) {
			return a.day.Before(b.day)
		}
		if counts[a] != counts[b] {
			return counts[a] > counts[b]
		}
		return a.query < b.query
	})

	t := Table{Header: []string{"dt", "query", "cnt"}}
	for _, k := range keys {
		t.Rows = append(t.Rows, []string{record.FormatDay(k.day), k.query, itoa(counts[k])})
	}
	return t
}

func topQueries(rows []aggregation.SearchDaily, since time.Time) Table {
	counts := make(map[string]int64)
	for _, r := range rows {
		if !since.IsZero() && r.Date.Before(since) {
			continue
		}
		counts[r.Query] += r.Count
	}

	queries := make([]string, 0, len(counts))
	for q := range counts {
		queries = append(queries, q)
	}
	sort.Slice(queries, func(i, j int) bool {
		if counts[queries[i]] != counts[queries[j]] {
			return counts[queries[i]] > counts[queries[j]]
		}
		return queries[i] < queries[j]
	})
	if len(queries) > TopQueriesLimit {
		queries = queries[:TopQueriesLimit]
	}

	t := Table{Header: []string{"query", "cnt"}}
	for _, q := range queries {
		t.Rows = append(t.Rows, []string{q, itoa(counts[q])})
	}
	return t
}

func topQueriesAllTime(ds *Dataset) Table {
	return topQueries(ds.Searches, time.Time{})
}

func topQueries30d(ds *Dataset) Table {
	since := record.Day(ds.Today).AddDate(0, 0, -(RecentDays - 1))
	return topQueries(ds.Searches, since)
}

func searchesSummary(ds *Dataset) Table {
	days := make(map[time.Time]struct{})
	queries := make(map[string]struct{})
	var total int64
	for _, r := range ds.Searches {
		days[r.Date] = struct{}{}
		queries[r.Query] = struct{}{}
		total += r.Count
	}

	return Table{
		Header: []string{"days", "query_day_rows", "total_searches", "distinct_queries"},
		Rows: [][]string{{
			strconv.Itoa(len(days)),
			strconv.Itoa(len(ds.Searches)),
			itoa(total),
			strconv.Itoa(len(queries)),
		}},
	}
}

func searchesDistinctDaily(ds *Dataset) Table {
	distinct := make(map[time.Time]map[string]struct{})
	totals := make(map[time.Time]int64)
	for _, r := range ds.Searches {
		qs, ok := distinct[r.Date]
		if !ok {
			qs = make(map[string]struct{})
			distinct[r.Date] = qs
		}
		qs[r.Query] = struct{}{}
		totals[r.Date] += r.Count
	}

	t := Table{Header: []string{"dt", "distinct_queries", "total_searches"}}
	for _, d := range sortedDays(totals) {
		t.Rows = append(t.Rows, []string{
			record.FormatDay(d),
			strconv.Itoa(len(distinct[d])),
			itoa(totals[d]),
		})
	}
	return t
}

func sortedDays(m map[time.Time]int64) []time.Time {
	days := make([]time.Time, 0, len(m))
	for d := range m {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}
