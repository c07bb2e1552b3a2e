package aggregation

import (
	"testing"
	"time"

	"github.com/aevon-lab/tally/internal/core/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQualifyingQuery(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{name: "collapses whitespace", input: "  Hello   World  ", want: "hello world", wantOK: true},
		{name: "already normal", input: "hello world", want: "hello world", wantOK: true},
		{name: "tabs and newlines", input: "go\t\nlang", want: "go lang", wantOK: true},
		{name: "single char excluded", input: "x", wantOK: false},
		{name: "single char after trim excluded", input: "  x  ", wantOK: false},
		{name: "null excluded", input: "null", wantOK: false},
		{name: "null any case excluded", input: " NuLL ", wantOK: false},
		{name: "empty excluded", input: "", wantOK: false},
		{name: "whitespace only excluded", input: "   ", wantOK: false},
		{name: "two chars kept", input: "Go", want: "go", wantOK: true},
		{name: "multibyte counted as runes", input: "日本", want: "日本", wantOK: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := QualifyingQuery(tc.input)
			require.Equal(t, tc.wantOK, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestPageViews(t *testing.T) {
	day := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []record.Event{
		{IP: "1.1.1.1"}, {IP: "1.1.1.1"}, {IP: "2.2.2.2"},
	}

	row := PageViews("page_count", day, events)
	assert.Equal(t, "page_count", row.Source)
	assert.Equal(t, day, row.Date)
	assert.Equal(t, int64(3), row.Views)
	assert.Equal(t, int64(2), row.UniqIPs)
}

func TestSearches_NormalizesAndFilters(t *testing.T) {
	day := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []record.Event{
		{Query: "  Hello   World  "},
		{Query: "hello world"},
		{Query: "x"},
		{Query: "NULL"},
		{Query: ""},
		{Query: "analytics"},
	}

	rows := Searches("search_logs", day, events)
	require.Len(t, rows, 2)
	assert.Equal(t, "analytics", rows[0].Query)
	assert.Equal(t, int64(1), rows[0].Count)
	assert.Equal(t, "hello world", rows[1].Query)
	assert.Equal(t, int64(2), rows[1].Count)

	assert.Equal(t, int64(3), QualifyingSearchRows(events))
}

func TestDailySearchTotals(t *testing.T) {
	d1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)
	rows := []SearchDaily{
		{Source: "s", Date: d2, Query: "b", Count: 4},
		{Source: "s", Date: d1, Query: "a", Count: 2},
		{Source: "s", Date: d1, Query: "b", Count: 3},
	}

	series := DailySearchTotals(rows)["s"]
	require.Len(t, series, 2)
	assert.Equal(t, Point{Date: d1, Value: 5}, series[0])
	assert.Equal(t, Point{Date: d2, Value: 4}, series[1])
}
