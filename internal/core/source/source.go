package source

import (
	"github.com/aevon-lab/tally/internal/core/record"
)

// Strategy names the ingestion path of a source.
type Strategy string

const (
	StrategyDailyShard Strategy = "daily_shard"
	StrategySnapshot   Strategy = "snapshot"
)

// Source is a configured input. It is implemented by DailyShard and Snapshot only;
// callers switch on the concrete type or hand it to the matching ingestion strategy.
type Source interface {
	Name() string
	Kind() record.Kind
	Strategy() Strategy
	// NaturalKey lists the logical columns that identify a unique event.
	// Empty means the source has no natural key and partitions append without dedup.
	NaturalKey() []string
	// Parser returns the CSV parser configured for this source.
	Parser() record.Parser
	// Fingerprint is the SHA-256 of the definition file.
	Fingerprint() string
}

// Common holds the fields shared by every variant.
type Common struct {
	SourceName string
	SourceKind record.Kind
	Key        []string
	Columns    map[string]string
	Format     record.Format
	Digest     string
}

// DailyShard is a source whose raw files arrive as <raw_dir>/<name>/dt=YYYY-MM-DD/*.csv.
type DailyShard struct {
	Common
}

// Snapshot is a source delivered as one cumulative file that grows over time.
type Snapshot struct {
	Common
	Path       string // snapshot file location
	TimeColumn string // header name holding the watermark timestamp
}

func (c Common) Name() string         { return c.SourceName }
func (c Common) Kind() record.Kind    { return c.SourceKind }
func (c Common) NaturalKey() []string { return c.Key }
func (c Common) Fingerprint() string  { return c.Digest }

func (d DailyShard) Strategy() Strategy { return StrategyDailyShard }

func (d DailyShard) Parser() record.Parser {
	return record.Parser{Kind: d.SourceKind, Format: d.Format, Mapping: d.Columns}
}

func (s Snapshot) Strategy() Strategy { return StrategySnapshot }

// Parser maps the configured time column onto the logical timestamp column.
func (s Snapshot) Parser() record.Parser {
	mapping := make(map[string]string, len(s.Columns)+1)
	for k, v := range s.Columns {
		mapping[k] = v
	}
	if s.TimeColumn != "" {
		mapping[record.ColTimestamp] = s.TimeColumn
	}
	return record.Parser{Kind: s.SourceKind, Format: s.Format, Mapping: mapping}
}

// DefaultNaturalKey is the key used when a definition does not declare one.
func DefaultNaturalKey(kind record.Kind) []string {
	if kind == record.KindSearch {
		return []string{record.ColTimestamp, record.ColIP, record.ColQuery}
	}
	return nil
}
