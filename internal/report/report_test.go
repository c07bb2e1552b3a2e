package report

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/aevon-lab/tally/internal/aggregation"
	coreagg "github.com/aevon-lab/tally/internal/core/aggregation"
	"github.com/aevon-lab/tally/internal/core/record"
	"github.com/aevon-lab/tally/internal/core/source"
	badgerstore "github.com/aevon-lab/tally/internal/core/storage/badger"
	"github.com/aevon-lab/tally/internal/lake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pages = source.DailyShard{Common: source.Common{SourceName: "page_count", SourceKind: record.KindPageViews}}
	logs  = source.DailyShard{Common: source.Common{
		SourceName: "search_logs",
		SourceKind: record.KindSearch,
		Key:        source.DefaultNaturalKey(record.KindSearch),
	}}
)

func event(ts, ip, url, query string) record.Event {
	t, err := record.ParseTimestamp(ts)
	if err != nil {
		panic(err)
	}
	return record.Event{TS: t.UnixMicro(), Dt: record.FormatDay(t), IP: ip, URL: url, Query: query}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func sumColumn(t *testing.T, rows [][]string, col int) int64 {
	t.Helper()
	var total int64
	for _, r := range rows[1:] {
		n, err := strconv.ParseInt(r[col], 10, 64)
		require.NoError(t, err)
		total += n
	}
	return total
}

type fixture struct {
	lake  *lake.Lake
	store *badgerstore.Store
	gen   *Generator
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()

	store, err := badgerstore.Open(badgerstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	lk := lake.New(filepath.Join(root, "lake"))
	pageEvents := []record.Event{
		event("2025-01-06T08:00:00Z", "1.1.1.1", "/a", ""), // Monday
		event("2025-01-06T08:30:00Z", "1.1.1.2", "/b", ""),
		event("2025-01-07T23:10:00Z", "1.1.1.1", "/a", ""), // Tuesday
	}
	searchEvents := []record.Event{
		event("2025-01-06T09:00:00Z", "2.2.2.1", "", "Hello World"),
		event("2025-01-06T09:01:00Z", "2.2.2.2", "", "hello world"),
		event("2025-01-06T10:00:00Z", "2.2.2.3", "", "null"),
		event("2025-02-20T10:00:00Z", "2.2.2.4", "", "golang"),
	}
	_, err = lk.Write(pages.Name(), pages.NaturalKey(), pageEvents, nil)
	require.NoError(t, err)
	_, err = lk.Write(logs.Name(), logs.NaturalKey(), searchEvents, nil)
	require.NoError(t, err)

	u := aggregation.NewUpdater(lk, store, aggregation.DefaultUpdaterOptions())
	for _, src := range []source.Source{pages, logs} {
		days, err := lk.Days(src.Name())
		require.NoError(t, err)
		_, err = u.Update(ctx, src, days)
		require.NoError(t, err)
	}

	dir := filepath.Join(root, "reports")
	now := func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &fixture{lake: lk, store: store, dir: dir, gen: NewGenerator(lk, store, dir, 2, now)}
}

func TestGenerate_WritesEveryReport(t *testing.T) {
	f := newFixture(t)

	written, err := f.gen.Generate(context.Background(), []source.Source{pages, logs})
	require.NoError(t, err)
	require.Len(t, written, len(Definitions()))
	for _, w := range written {
		assert.FileExists(t, w.Path)
	}

	days := readCSV(t, filepath.Join(f.dir, "busiest_days_of_week.csv"))
	require.Len(t, days, 8)
	assert.Equal(t, []string{"dow_num", "dow", "visits", "searches"}, days[0])
	assert.Equal(t, []string{"1", "Mon", "2", "2"}, days[2])
	assert.Equal(t, []string{"2", "Tue", "1", "0"}, days[3])

	hours := readCSV(t, filepath.Join(f.dir, "busiest_hours_utc.csv"))
	require.Len(t, hours, 25)
	assert.Equal(t, []string{"08", "2", "0"}, hours[9])
	assert.Equal(t, []string{"09", "0", "2"}, hours[10])

	// Day-of-week and hour-of-day totals reconcile with the daily reports.
	visits := readCSV(t, filepath.Join(f.dir, "visits_pages_daily.csv"))
	searches := readCSV(t, filepath.Join(f.dir, "searches_daily.csv"))
	assert.Equal(t, sumColumn(t, visits, 1), sumColumn(t, days, 2))
	assert.Equal(t, sumColumn(t, visits, 1), sumColumn(t, hours, 1))
	assert.Equal(t, sumColumn(t, searches, 2), sumColumn(t, days, 3))
	assert.Equal(t, sumColumn(t, searches, 2), sumColumn(t, hours, 2))

	assert.Equal(t, [][]string{
		{"dt", "query", "cnt"},
		{"2025-01-06", "hello world", "2"},
		{"2025-02-20", "golang", "1"},
	}, searches)

	assert.Equal(t, [][]string{
		{"query", "cnt"},
		{"hello world", "2"},
		{"golang", "1"},
	}, readCSV(t, filepath.Join(f.dir, "top_queries_all_time.csv")))

	// Only 2025-02-20 falls inside the 30 days ending 2025-03-01.
	assert.Equal(t, [][]string{
		{"query", "cnt"},
		{"golang", "1"},
	}, readCSV(t, filepath.Join(f.dir, "top_queries_30d.csv")))

	assert.Equal(t, [][]string{
		{"days", "query_day_rows", "total_searches", "distinct_queries"},
		{"2", "2", "3", "2"},
	}, readCSV(t, filepath.Join(f.dir, "searches_summary.csv")))

	assert.Equal(t, [][]string{
		{"dt", "distinct_queries", "total_searches"},
		{"2025-01-06", "1", "2"},
		{"2025-02-20", "1", "1"},
	}, readCSV(t, filepath.Join(f.dir, "searches_distinct_daily.csv")))
}

func TestGenerate_RerunIsByteIdentical(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sources := []source.Source{pages, logs}

	first, err := f.gen.Generate(ctx, sources)
	require.NoError(t, err)
	before := make(map[string][]byte)
	for _, w := range first {
		b, err := os.ReadFile(w.Path)
		require.NoError(t, err)
		before[w.Name] = b
	}

	second, err := f.gen.Generate(ctx, sources)
	require.NoError(t, err)
	for _, w := range second {
		b, err := os.ReadFile(w.Path)
		require.NoError(t, err)
		assert.Equal(t, before[w.Name], b, w.Name)
	}
}

func TestTopQueries_Limit(t *testing.T) {
	ds := &Dataset{}
	day := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < TopQueriesLimit+20; i++ {
		ds.Searches = append(ds.Searches, coreagg.SearchDaily{
			Source: "search_logs",
			Date:   day,
			Query:  "q" + strconv.Itoa(i),
			Count:  int64(i + 1),
		})
	}

	tbl := topQueriesAllTime(ds)
	require.Len(t, tbl.Rows, TopQueriesLimit)
	assert.Equal(t, []string{"q119", "120"}, tbl.Rows[0])
}
