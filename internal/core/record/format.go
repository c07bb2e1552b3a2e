package record

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
)

// Format is the layout of a raw file.
type Format string

const (
	// FormatAuto picks one of the other formats from the start of the file.
	FormatAuto Format = "auto"
	// FormatCSV is a headed CSV file resolved through header aliases.
	FormatCSV Format = "csv"
	// FormatStructured is application log output of the form
	// "INFO:root:<timestamp> - IP: <ip> - Query: <query>".
	FormatStructured Format = "structured"
	// FormatJSONLines is one JSON object per line.
	FormatJSONLines Format = "jsonl"
	// FormatText is free text with a timestamp and a search URL or query=value token.
	FormatText Format = "text"
)

// Valid reports whether f is a known format. The empty format means CSV.
func (f Format) Valid() bool {
	switch f {
	case "", FormatAuto, FormatCSV, FormatStructured, FormatJSONLines, FormatText:
		return true
	}
	return false
}

const (
	structuredPrefix = "INFO:root:"
	structuredIP     = " - IP:"
	structuredQuery  = " - Query:"

	// detectSample is how much of a file DetectFormat looks at.
	detectSample = 1000
)

// urlQueryParams are the URL parameters that carry a search query, in preference order.
var urlQueryParams = []string{"q", "query", "term", "search", "keyword"}

// textQueryTokens are the key=value prefixes accepted in free text lines.
var textQueryTokens = []string{"query=", "q=", "search="}

var (
	textTimestamp = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})?`)
	textURL       = regexp.MustCompile(`https?://\S+`)
	logMillis     = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}),(\d{3})$`)
)

// DetectFormat classifies a file from its leading bytes.
func DetectFormat(sample []byte) Format {
	if len(sample) > detectSample {
		sample = sample[:detectSample]
	}
	s := bytes.TrimSpace(sample)
	switch {
	case bytes.HasPrefix(s, []byte(structuredPrefix)) &&
		bytes.Contains(s, []byte(structuredIP)) &&
		bytes.Contains(s, []byte(structuredQuery)):
		return FormatStructured
	case bytes.HasPrefix(s, []byte("{")):
		return FormatJSONLines
	case bytes.Count(s, []byte(",")) > bytes.Count(s, []byte("\n")):
		return FormatCSV
	default:
		return FormatText
	}
}

// QueryFromURL returns the search query carried by a URL or a bare path with a
// query string.
func QueryFromURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if !strings.Contains(raw, "://") {
		raw = "http://local" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	params := u.Query()
	for _, name := range urlQueryParams {
		if v := strings.TrimSpace(params.Get(name)); v != "" {
			return v, true
		}
	}
	return "", false
}

// parseLines reads a line-oriented search log. Blank lines are ignored and every
// other line that yields no event is counted as malformed.
func (p Parser) parseLines(r io.Reader, format Format) (ParseResult, error) {
	var lineFn func(string) (Event, bool)
	switch format {
	case FormatStructured:
		lineFn = p.structuredLine
	case FormatJSONLines:
		lineFn = p.jsonLine
	default:
		lineFn = p.textLine
	}

	var res ParseResult
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		if line == "" {
			continue
		}
		res.Total++
		evt, ok := lineFn(line)
		if !ok {
			res.Malformed++
			continue
		}
		res.Events = append(res.Events, evt)
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("read line %d: %w", res.Total+1, err)
	}

	if res.Total > 0 && len(res.Events) == 0 {
		return res, fmt.Errorf("%w: %d %s lines malformed", ErrUnparseable, res.Malformed, format)
	}
	return res, nil
}

func (p Parser) structuredLine(line string) (Event, bool) {
	rest, ok := strings.CutPrefix(line, structuredPrefix)
	if !ok {
		return Event{}, false
	}
	ts, remainder, ok := strings.Cut(rest, structuredIP)
	if !ok {
		return Event{}, false
	}
	ip, query, ok := strings.Cut(remainder, structuredQuery)
	if !ok {
		return Event{}, false
	}
	ts = strings.TrimSpace(ts)
	if m := logMillis.FindStringSubmatch(ts); m != nil {
		ts = m[1] + "." + m[2]
	}
	return p.searchEvent(ts, strings.TrimSpace(ip), strings.TrimSpace(query), "")
}

func (p Parser) jsonLine(line string) (Event, bool) {
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return Event{}, false
	}

	field := func(col string) string {
		if key, ok := p.Mapping[col]; ok {
			return jsonString(obj[key])
		}
		for _, alias := range headerAliases[col] {
			if v := jsonString(obj[alias]); v != "" {
				return v
			}
		}
		return ""
	}

	evt, ok := p.searchEvent(field(ColTimestamp), field(ColIP), field(ColQuery), field(ColURL))
	if !ok {
		return Event{}, false
	}
	evt.UserAgent = field(ColUserAgent)
	evt.Country = field(ColCountry)
	evt.Device = field(ColDevice)
	evt.OS = field(ColOS)
	evt.Browser = field(ColBrowser)
	return evt, true
}

func (p Parser) textLine(line string) (Event, bool) {
	ts := textTimestamp.FindString(line)
	if ts == "" {
		return Event{}, false
	}

	var query string
	if u := textURL.FindString(line); u != "" {
		query, _ = QueryFromURL(u)
	}
	if query == "" {
		for _, tok := range strings.Fields(line) {
			for _, prefix := range textQueryTokens {
				if v, ok := strings.CutPrefix(tok, prefix); ok {
					query = strings.Trim(v, `"`)
					break
				}
			}
			if query != "" {
				break
			}
		}
	}
	return p.searchEvent(ts, "", query, "")
}

// searchEvent builds a search event. A missing query falls back to the search
// parameter of rawURL.
func (p Parser) searchEvent(rawTS, ip, query, rawURL string) (Event, bool) {
	if query == "" && rawURL != "" {
		query, _ = QueryFromURL(rawURL)
	}
	if query == "" {
		return Event{}, false
	}
	ts, err := ParseTimestamp(rawTS)
	if err != nil {
		return Event{}, false
	}
	return Event{
		TS:    ts.UnixMicro(),
		Dt:    FormatDay(ts),
		IP:    ip,
		URL:   rawURL,
		Query: query,
	}, true
}

// jsonString renders a decoded JSON scalar as text.
func jsonString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case bool:
		return fmt.Sprintf("%t", x)
	default:
		return ""
	}
}
