package aggregation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDateRange(t *testing.T) {
	tests := []struct {
		name      string
		from, to  string
		wantDays  int
		wantError bool
	}{
		{name: "single day", from: "2025-01-01", wantDays: 1},
		{name: "three days", from: "2025-01-01", to: "2025-01-03", wantDays: 3},
		{name: "across month", from: "2025-01-31", to: "2025-02-01", wantDays: 2},
		{name: "empty from invalid", from: "", wantError: true},
		{name: "bad from invalid", from: "01/01/2025", wantError: true},
		{name: "bad to invalid", from: "2025-01-01", to: "tomorrow", wantError: true},
		{name: "reversed invalid", from: "2025-01-03", to: "2025-01-01", wantError: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, err := ParseDateRange(tc.from, tc.to)
			if tc.wantError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, r.Days(), tc.wantDays)
		})
	}
}

func TestDateRange_Contains(t *testing.T) {
	r, err := ParseDateRange("2025-01-01", "2025-01-02")
	require.NoError(t, err)

	require.True(t, r.Contains(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.True(t, r.Contains(time.Date(2025, 1, 2, 23, 59, 59, 0, time.UTC)))
	require.False(t, r.Contains(time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC)))
	require.False(t, r.Contains(time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, "2025-01-01..2025-01-02", r.String())
}
