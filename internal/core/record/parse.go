package record

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrColumnMapping is returned when an explicitly configured column does not
	// exist in the file header. It is a source configuration problem, not a file problem.
	ErrColumnMapping = errors.New("configured column not found in header")

	// ErrMissingColumns is returned when a required column cannot be resolved from the header.
	ErrMissingColumns = errors.New("required column missing from header")

	// ErrUnparseable is returned when a file has data rows but none of them parse.
	ErrUnparseable = errors.New("no parseable rows")
)

// headerAliases lists accepted header names per logical column, in preference order.
var headerAliases = map[string][]string{
	ColTimestamp: {"timestamp", "ts", "event_ts", "time", "datetime"},
	ColDate:      {"dt", "date"},
	ColIP:        {"ip", "client_ip", "ip_address", "remote_addr"},
	ColURL:       {"url", "path", "page", "page_url"},
	ColUserAgent: {"user_agent", "ua", "useragent", "user-agent"},
	ColQuery:     {"query", "q", "search", "term", "keyword"},
	ColCountry:   {"country", "country_code"},
	ColDevice:    {"device", "device_type"},
	ColOS:        {"os"},
	ColBrowser:   {"browser"},
}

// CanonicalColumn resolves a logical column name or one of its accepted header
// aliases (case-insensitive) to the logical name.
func CanonicalColumn(name string) (string, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if KnownColumn(name) {
		return name, true
	}
	for _, col := range Columns {
		for _, alias := range headerAliases[col] {
			if alias == name {
				return col, true
			}
		}
	}
	return "", false
}

// requiredColumns are the header columns a file of the given kind must carry.
var requiredColumns = map[Kind][]string{
	KindPageViews: {ColTimestamp, ColIP},
	KindSearch:    {ColTimestamp, ColQuery},
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
}

// Parser turns raw files into events for one source.
type Parser struct {
	Kind Kind

	// Format selects the file layout. Empty means CSV. Line formats apply to
	// search sources only.
	Format Format

	// Mapping overrides header resolution for logical columns (logical -> header name).
	// A mapped header that is absent fails with ErrColumnMapping.
	Mapping map[string]string
}

// ParseResult is the outcome of parsing one raw file.
type ParseResult struct {
	Events    []Event
	Total     int // data rows read, excluding the header
	Malformed int // rows skipped for bad timestamps or missing required values
}

// ParseFile opens path and parses it.
func (p Parser) ParseFile(path string) (ParseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ParseResult{}, err
	}
	defer f.Close()
	return p.Parse(f)
}

// Parse reads rows from r. Malformed rows are skipped and counted.
func (p Parser) Parse(r io.Reader) (ParseResult, error) {
	format := p.Format
	if p.Kind != KindSearch || format == "" {
		format = FormatCSV
	}
	if format == FormatAuto {
		br := bufio.NewReader(r)
		sample, err := br.Peek(detectSample)
		if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
			return ParseResult{}, fmt.Errorf("read sample: %w", err)
		}
		format = DetectFormat(sample)
		r = br
	}
	if format != FormatCSV {
		return p.parseLines(r, format)
	}
	return p.parseCSV(r)
}

// Accepts reports whether a raw file name has an extension this parser reads.
func (p Parser) Accepts(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if p.Kind != KindSearch || p.Format == "" || p.Format == FormatCSV {
		return ext == ".csv"
	}
	switch ext {
	case ".csv", ".log", ".txt", ".json", ".jsonl", ".ndjson":
		return true
	}
	return false
}

func (p Parser) parseCSV(r io.Reader) (ParseResult, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return ParseResult{}, nil
	}
	if err != nil {
		return ParseResult{}, fmt.Errorf("read header: %w", err)
	}

	index, err := p.resolve(header)
	if err != nil {
		return ParseResult{}, err
	}

	var res ParseResult
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				res.Total++
				res.Malformed++
				continue
			}
			return res, fmt.Errorf("read row %d: %w", res.Total+1, err)
		}
		res.Total++

		evt, ok := p.build(row, index)
		if !ok {
			res.Malformed++
			continue
		}
		res.Events = append(res.Events, evt)
	}

	if res.Total > 0 && len(res.Events) == 0 {
		return res, fmt.Errorf("%w: %d rows malformed", ErrUnparseable, res.Malformed)
	}
	return res, nil
}

func (p Parser) resolve(header []string) (map[string]int, error) {
	positions := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := positions[h]; !dup {
			positions[h] = i
		}
	}

	index := make(map[string]int, len(Columns))
	for _, col := range Columns {
		if mapped, ok := p.Mapping[col]; ok {
			pos, found := positions[strings.ToLower(mapped)]
			if !found {
				return nil, fmt.Errorf("%w: %s -> %q", ErrColumnMapping, col, mapped)
			}
			index[col] = pos
			continue
		}
		for _, alias := range headerAliases[col] {
			if pos, found := positions[alias]; found {
				index[col] = pos
				break
			}
		}
	}

	var missing []string
	for _, col := range requiredColumns[p.Kind] {
		if _, ok := index[col]; ok {
			continue
		}
		// Search queries can be recovered from a URL column.
		if _, hasURL := index[ColURL]; col == ColQuery && hasURL {
			continue
		}
		missing = append(missing, col)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	return index, nil
}

func (p Parser) build(row []string, index map[string]int) (Event, bool) {
	get := func(col string) string {
		pos, ok := index[col]
		if !ok || pos >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[pos])
	}

	ts, err := ParseTimestamp(get(ColTimestamp))
	if err != nil {
		return Event{}, false
	}

	evt := Event{
		TS:        ts.UnixMicro(),
		IP:        get(ColIP),
		URL:       get(ColURL),
		UserAgent: get(ColUserAgent),
		Query:     get(ColQuery),
		Country:   get(ColCountry),
		Device:    get(ColDevice),
		OS:        get(ColOS),
		Browser:   get(ColBrowser),
	}
	if p.Kind == KindPageViews && evt.IP == "" {
		return Event{}, false
	}
	if p.Kind == KindSearch && evt.Query == "" {
		q, ok := QueryFromURL(evt.URL)
		if !ok {
			return Event{}, false
		}
		evt.Query = q
	}

	// An explicit dt column wins; otherwise the date comes from the timestamp.
	if dt := get(ColDate); dt != "" {
		if len(dt) > len(DateLayout) {
			dt = dt[:len(DateLayout)]
		}
		if day, err := ParseDay(dt); err == nil {
			evt.Dt = FormatDay(day)
		}
	}
	if evt.Dt == "" {
		evt.Dt = FormatDay(ts)
	}
	return evt, true
}

// ParseTimestamp accepts RFC 3339, common space-separated layouts, bare dates
// (interpreted as midday UTC) and unix epochs in seconds, milliseconds,
// microseconds or nanoseconds, told apart by digit count.
// Values without a zone are taken as UTC. Years outside 1..9999 are rejected.
func ParseTimestamp(raw string) (time.Time, error) {
	t, err := parseTimestamp(strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, err
	}
	if y := t.Year(); y < 1 || y > 9999 {
		return time.Time{}, fmt.Errorf("timestamp %q out of range", raw)
	}
	return t, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("empty timestamp")
	}

	if isDigits(raw) {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		switch {
		case len(raw) <= 10:
			return time.Unix(n, 0).UTC(), nil
		case len(raw) <= 13:
			return time.UnixMilli(n).UTC(), nil
		case len(raw) <= 16:
			return time.UnixMicro(n).UTC(), nil
		default:
			return time.Unix(0, n).UTC(), nil
		}
	}

	if len(raw) == len(DateLayout) {
		if d, err := ParseDay(raw); err == nil {
			return d.Add(12 * time.Hour), nil
		}
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
