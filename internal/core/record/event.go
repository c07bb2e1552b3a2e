package record

import (
	"fmt"
	"time"
)

// Kind is the row schema a source produces.
type Kind string

const (
	KindPageViews Kind = "page_views"
	KindSearch    Kind = "search"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindPageViews || k == KindSearch
}

// Logical column names. These are the names used in natural keys, explicit column
// mappings and the partition files themselves.
const (
	ColTimestamp = "ts"
	ColDate      = "dt"
	ColIP        = "ip"
	ColURL       = "url"
	ColUserAgent = "user_agent"
	ColQuery     = "query"
	ColCountry   = "country"
	ColDevice    = "device"
	ColOS        = "os"
	ColBrowser   = "browser"
)

// Columns lists every logical column in partition order.
var Columns = []string{
	ColTimestamp, ColDate, ColIP, ColURL, ColUserAgent,
	ColQuery, ColCountry, ColDevice, ColOS, ColBrowser,
}

// DateLayout is the on-disk date format for dt values and partition names.
const DateLayout = "2006-01-02"

// Event is one raw row as stored in a day partition.
// Page-view sources fill URL and UserAgent; search sources fill Query.
// Country, Device, OS and Browser are enrichment columns produced upstream
// (GeoIP join, user-agent parsing) and are carried through untouched.
type Event struct {
	TS        int64  `parquet:"ts"` // unix microseconds, UTC
	Dt        string `parquet:"dt"` // derived event date, YYYY-MM-DD
	IP        string `parquet:"ip"`
	URL       string `parquet:"url"`
	UserAgent string `parquet:"user_agent"`
	Query     string `parquet:"query"`
	Country   string `parquet:"country"`
	Device    string `parquet:"device"`
	OS        string `parquet:"os"`
	Browser   string `parquet:"browser"`
}

// Time returns the event timestamp in UTC.
func (e Event) Time() time.Time {
	return time.UnixMicro(e.TS).UTC()
}

// Day returns the derived event date at UTC midnight.
func (e Event) Day() (time.Time, error) {
	d, err := ParseDay(e.Dt)
	if err != nil {
		return time.Time{}, fmt.Errorf("event dt: %w", err)
	}
	return d, nil
}

// Field returns the string form of a logical column, used for natural-key hashing.
func (e Event) Field(col string) string {
	switch col {
	case ColTimestamp:
		return fmt.Sprintf("%d", e.TS)
	case ColDate:
		return e.Dt
	case ColIP:
		return e.IP
	case ColURL:
		return e.URL
	case ColUserAgent:
		return e.UserAgent
	case ColQuery:
		return e.Query
	case ColCountry:
		return e.Country
	case ColDevice:
		return e.Device
	case ColOS:
		return e.OS
	case ColBrowser:
		return e.Browser
	}
	return ""
}

// KnownColumn reports whether col is a logical column name.
func KnownColumn(col string) bool {
	for _, c := range Columns {
		if c == col {
			return true
		}
	}
	return false
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD value into midnight UTC.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return Day(t), nil
}

// FormatDay renders a day as YYYY-MM-DD.
func FormatDay(t time.Time) string {
	return t.UTC().Format(DateLayout)
}
