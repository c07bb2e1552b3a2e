package ingestion

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aevon-lab/tally/internal/core/aggregation"
	coreerrors "github.com/aevon-lab/tally/internal/core/errors"
	"github.com/aevon-lab/tally/internal/core/identity"
	"github.com/aevon-lab/tally/internal/core/record"
	"github.com/aevon-lab/tally/internal/core/source"
	badgerstore "github.com/aevon-lab/tally/internal/core/storage/badger"
	"github.com/aevon-lab/tally/internal/lake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	raw   string
	lake  *lake.Lake
	store *badgerstore.Store
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := badgerstore.Open(badgerstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	raw := t.TempDir()
	lk := lake.New(t.TempDir())
	svc := NewService(raw, lk, identity.NewTracker(store, identity.StrategyStat), store)
	return &fixture{raw: raw, lake: lk, store: store, svc: svc}
}

func (f *fixture) writeRaw(t *testing.T, src, dt, name, content string) string {
	t.Helper()
	dir := filepath.Join(f.raw, src, "dt="+dt)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func pageSource() source.DailyShard {
	return source.DailyShard{Common: source.Common{SourceName: "page_count", SourceKind: record.KindPageViews}}
}

func searchSnapshot(path string) source.Snapshot {
	return source.Snapshot{
		Common: source.Common{
			SourceName: "search_logs",
			SourceKind: record.KindSearch,
			Key:        source.DefaultNaturalKey(record.KindSearch),
		},
		Path: path,
	}
}

func day(s string) time.Time {
	d, err := record.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

const mixedPageViews = "timestamp,ip,url\n" +
	"2025-01-01T08:00:00Z,1.1.1.1,/a\n" +
	"2025-01-01T09:00:00Z,1.1.1.2,/b\n" +
	"2025-01-01T10:00:00Z,1.1.1.1,/a\n" +
	"2025-01-02T08:00:00Z,1.1.1.3,/c\n" +
	"2025-01-02T09:00:00Z,1.1.1.3,/c\n"

func TestDiscover(t *testing.T) {
	f := newFixture(t)
	b := f.writeRaw(t, "page_count", "2025-01-02", "b.csv", "ts,ip\n")
	a2 := f.writeRaw(t, "page_count", "2025-01-01", "z.csv", "ts,ip\n")
	a1 := f.writeRaw(t, "page_count", "2025-01-01", "a.CSV", "ts,ip\n")
	f.writeRaw(t, "page_count", "2025-01-01", "notes.txt", "")
	require.NoError(t, os.MkdirAll(filepath.Join(f.raw, "page_count", "incoming"), 0o755))

	files, err := Discover(f.raw, "page_count", nil)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, []string{a1, a2, b}, []string{files[0].Path, files[1].Path, files[2].Path})
	assert.Equal(t, day("2025-01-01"), files[0].Day)

	none, err := Discover(f.raw, "missing", nil)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestDailyShard_MixedDatesAndExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeRaw(t, "page_count", "2025-01-01", "morning.csv", mixedPageViews)

	res, err := f.svc.Ingest(ctx, pageSource(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.New)
	assert.Equal(t, 5, res.RowsAdded)
	assert.Equal(t, []time.Time{day("2025-01-01"), day("2025-01-02")}, res.Affected())

	n1, err := f.lake.Count("page_count", day("2025-01-01"))
	require.NoError(t, err)
	n2, err := f.lake.Count("page_count", day("2025-01-02"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n1)
	assert.Equal(t, int64(2), n2)

	// Same path, size and mtime: skipped, partitions unchanged.
	res, err = f.svc.Ingest(ctx, pageSource(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.New)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Affected())

	n1, err = f.lake.Count("page_count", day("2025-01-01"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n1)
}

func TestDailyShard_BadFilesDoNotStopTheRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeRaw(t, "page_count", "2025-01-01", "a_bad.csv", "timestamp,ip\nnope,1.1.1.1\n")
	f.writeRaw(t, "page_count", "2025-01-01", "b_nocols.csv", "when,who\n2025-01-01,1.1.1.1\n")
	f.writeRaw(t, "page_count", "2025-01-01", "c_good.csv", "timestamp,ip\n2025-01-01T08:00:00Z,1.1.1.1\nbroken,1.1.1.2\n")

	res, err := f.svc.Ingest(ctx, pageSource(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 1, res.New)
	assert.Equal(t, 2, res.Malformed, "one from the unparseable file, one from the good file")
	assert.Equal(t, StatusFailed, res.Files[0].Status)
	assert.Contains(t, res.Files[1].Reason, "required column missing")

	// Failed files are not registered, so they are retried next run.
	files, err := f.store.ListProcessed(ctx, "page_count")
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestDailyShard_OddTimestampsAreRowLevel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeRaw(t, "page_count", "2025-01-01", "a.csv", "timestamp,ip\n"+
		"2025-01-01T08:00:00Z,1.1.1.1\n"+
		"1735693200000000,1.1.1.2\n"+
		"0000-01-01T00:00:00Z,1.1.1.3\n")
	f.writeRaw(t, "page_count", "2025-01-01", "b.csv", "timestamp,ip\n2025-01-01T09:00:00Z,1.1.1.4\n")

	res, err := f.svc.Ingest(ctx, pageSource(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.New)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 1, res.Malformed)
	assert.Equal(t, []time.Time{day("2025-01-01")}, res.Affected())

	n, err := f.lake.Count("page_count", day("2025-01-01"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestDailyShard_SearchLogFormats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeRaw(t, "search_logs", "2025-01-01", "app.log",
		"INFO:root:2025-01-01 10:00:00 - IP: 1.1.1.1 - Query: Hello\n"+
			"INFO:root:2025-01-01 10:05:00 - IP: 1.1.1.2 - Query: lamp\n")
	f.writeRaw(t, "search_logs", "2025-01-01", "events.jsonl",
		`{"timestamp":"2025-01-01T11:00:00Z","ip":"1.1.1.3","url":"/search?q=desk"}`+"\n")
	f.writeRaw(t, "search_logs", "2025-01-01", "notes.md", "ignored")

	src := source.DailyShard{Common: source.Common{
		SourceName: "search_logs",
		SourceKind: record.KindSearch,
		Key:        source.DefaultNaturalKey(record.KindSearch),
		Format:     record.FormatAuto,
	}}
	res, err := f.svc.Ingest(ctx, src, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.New)
	assert.Equal(t, 3, res.RowsAdded)

	rows, err := f.lake.Read("search_logs", day("2025-01-01"))
	require.NoError(t, err)
	queries := make([]string, 0, len(rows))
	for _, r := range rows {
		queries = append(queries, r.Query)
	}
	assert.ElementsMatch(t, []string{"Hello", "lamp", "desk"}, queries)
}

func TestDailyShard_ColumnMappingFailsSource(t *testing.T) {
	f := newFixture(t)
	f.writeRaw(t, "page_count", "2025-01-01", "a.csv", mixedPageViews)

	src := pageSource()
	src.Columns = map[string]string{record.ColIP: "client_address"}

	_, err := f.svc.Ingest(context.Background(), src, Options{})
	require.Error(t, err)
	require.True(t, coreerrors.IsSourceError(err))
	require.ErrorIs(t, err, record.ErrColumnMapping)
}

func TestDailyShard_RebuildRange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeRaw(t, "page_count", "2025-01-01", "a.csv", mixedPageViews)
	f.writeRaw(t, "page_count", "2025-01-02", "b.csv", "timestamp,ip\n2025-01-02T12:00:00Z,9.9.9.9\n")

	_, err := f.svc.Ingest(ctx, pageSource(), Options{})
	require.NoError(t, err)

	// Force reprocess of 2025-01-02: forget its file and drop its partition.
	r, err := aggregation.ParseDateRange("2025-01-02", "")
	require.NoError(t, err)
	_, err = f.store.DeleteProcessed(ctx, "page_count", r.From, r.To)
	require.NoError(t, err)
	_, err = f.lake.Remove("page_count", r.From)
	require.NoError(t, err)

	res, err := f.svc.Ingest(ctx, pageSource(), Options{Range: &r, Rebuild: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.New, "b.csv re-admitted")
	assert.Equal(t, 3, res.RowsAdded, "2 rows replayed from a.csv plus 1 from b.csv")
	assert.Equal(t, 3, res.OutOfRange, "a.csv rows dated 2025-01-01 dropped")
	assert.Equal(t, []time.Time{day("2025-01-02")}, res.Affected())

	n1, err := f.lake.Count("page_count", day("2025-01-01"))
	require.NoError(t, err)
	n2, err := f.lake.Count("page_count", day("2025-01-02"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n1, "untouched")
	assert.Equal(t, int64(3), n2)
}

func TestSnapshot_Monotonicity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "search_logs.csv")
	require.NoError(t, os.WriteFile(path, []byte("timestamp,ip,query\n"+
		"2025-01-01T10:00:00Z,1.1.1.1,hello\n"+
		"2025-01-01T11:00:00Z,1.1.1.2,world\n"), 0o644))

	src := searchSnapshot(path)

	res, err := f.svc.Ingest(ctx, src, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsAdded)
	wm1, err := f.store.Watermark(ctx, "search_logs")
	require.NoError(t, err)
	assert.True(t, wm1.Equal(time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC)))

	// No new rows: nothing written, watermark unchanged.
	res, err = f.svc.Ingest(ctx, src, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.RowsAdded)
	assert.Empty(t, res.Affected())
	assert.Equal(t, StatusSkipped, res.Files[0].Status)
	wm2, err := f.store.Watermark(ctx, "search_logs")
	require.NoError(t, err)
	assert.True(t, wm2.Equal(wm1))

	// Append: one row after the watermark, one tied with it (excluded).
	require.NoError(t, os.WriteFile(path, []byte("timestamp,ip,query\n"+
		"2025-01-01T10:00:00Z,1.1.1.1,hello\n"+
		"2025-01-01T11:00:00Z,1.1.1.2,world\n"+
		"2025-01-01T11:00:00Z,1.1.1.9,same instant\n"+
		"2025-01-02T09:00:00Z,1.1.1.3,tomorrow\n"), 0o644))

	res, err = f.svc.Ingest(ctx, src, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowsAdded)
	assert.Equal(t, []time.Time{day("2025-01-02")}, res.Affected())
	wm3, err := f.store.Watermark(ctx, "search_logs")
	require.NoError(t, err)
	assert.True(t, wm3.Equal(time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)))
}

func TestSnapshot_MissingFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wm := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.AdvanceWatermark(ctx, "search_logs", wm))

	_, err := f.svc.Ingest(ctx, searchSnapshot(filepath.Join(t.TempDir(), "gone.csv")), Options{})
	require.ErrorIs(t, err, ErrMissingSnapshot)
	require.True(t, coreerrors.IsSourceError(err))

	got, err := f.store.Watermark(ctx, "search_logs")
	require.NoError(t, err)
	require.True(t, got.Equal(wm))
}

func TestSnapshot_RebuildRecoversConsumedRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "search_logs.csv")
	require.NoError(t, os.WriteFile(path, []byte("timestamp,ip,query\n"+
		"2025-01-01T10:00:00Z,1.1.1.1,hello\n"+
		"2025-01-02T10:00:00Z,1.1.1.2,world\n"), 0o644))
	src := searchSnapshot(path)

	_, err := f.svc.Ingest(ctx, src, Options{})
	require.NoError(t, err)

	r, err := aggregation.ParseDateRange("2025-01-01", "")
	require.NoError(t, err)
	_, err = f.lake.Remove("search_logs", r.From)
	require.NoError(t, err)

	res, err := f.svc.Ingest(ctx, src, Options{Range: &r, Rebuild: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowsAdded)
	assert.Equal(t, []time.Time{day("2025-01-01")}, res.Affected())

	n, err := f.lake.Count("search_logs", day("2025-01-02"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDiff(t *testing.T) {
	mk := func(h int) record.Event {
		ts := time.Date(2025, 1, 1, h, 0, 0, 0, time.UTC)
		return record.Event{TS: ts.UnixMicro(), Dt: "2025-01-01"}
	}
	events := []record.Event{mk(9), mk(10), mk(11)}
	mark := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	fresh, newMark := Diff(events, mark, true)
	require.Len(t, fresh, 1)
	require.True(t, newMark.Equal(time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC)))

	all, _ := Diff(events, time.Time{}, false)
	require.Len(t, all, 3)

	none, unchanged := Diff(events[:2], mark, true)
	require.Empty(t, none)
	require.True(t, unchanged.Equal(mark))
}

func TestService_ForUnknownVariant(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.For(fakeSource{})
	require.ErrorContains(t, err, "no ingestion strategy")
}

type fakeSource struct{ source.Common }

func (fakeSource) Strategy() source.Strategy { return "stream" }
func (fakeSource) Parser() record.Parser     { return record.Parser{} }
