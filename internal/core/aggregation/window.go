package aggregation

import (
	"fmt"
	"time"

	"github.com/aevon-lab/tally/internal/core/record"
)

// DateRange is an inclusive range of UTC days.
type DateRange struct {
	From time.Time
	To   time.Time
}

// ParseDateRange parses YYYY-MM-DD bounds. An empty to means a single day.
func ParseDateRange(from, to string) (DateRange, error) {
	if from == "" {
		return DateRange{}, fmt.Errorf("date range: from must not be empty")
	}
	start, err := record.ParseDay(from)
	if err != nil {
		return DateRange{}, fmt.Errorf("date range: invalid from %q: %w", from, err)
	}
	end := start
	if to != "" {
		end, err = record.ParseDay(to)
		if err != nil {
			return DateRange{}, fmt.Errorf("date range: invalid to %q: %w", to, err)
		}
	}
	if end.Before(start) {
		return DateRange{}, fmt.Errorf("date range: to %s is before from %s", to, from)
	}
	return DateRange{From: start, To: end}, nil
}

// Contains reports whether day falls inside the range.
func (r DateRange) Contains(day time.Time) bool {
	d := record.Day(day)
	return !d.Before(r.From) && !d.After(r.To)
}

// Days lists every day in the range in order.
func (r DateRange) Days() []time.Time {
	var out []time.Time
	for d := r.From; !d.After(r.To); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

func (r DateRange) String() string {
	return record.FormatDay(r.From) + ".." + record.FormatDay(r.To)
}
