package source

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aevon-lab/tally/internal/core/record"
	"gopkg.in/yaml.v3"
)

// rawSource is the on-disk YAML shape.
type rawSource struct {
	Name       string            `yaml:"name"`
	Kind       string            `yaml:"kind"`
	Strategy   string            `yaml:"strategy"`
	NaturalKey []string          `yaml:"natural_key"`
	Columns    map[string]string `yaml:"columns"`
	Format     string            `yaml:"format"`
	Snapshot   *struct {
		Path       string `yaml:"path"`
		TimeColumn string `yaml:"time_column"`
	} `yaml:"snapshot"`
}

// Registry holds the configured sources keyed by name.
type Registry struct {
	dir     string
	sources map[string]Source
}

// NewRegistry builds a registry from already constructed sources. Used by tests and
// by callers that assemble sources programmatically.
func NewRegistry(sources ...Source) (*Registry, error) {
	r := &Registry{sources: make(map[string]Source, len(sources))}
	for _, s := range sources {
		if _, exists := r.sources[s.Name()]; exists {
			return nil, fmt.Errorf("source %q: duplicate source name", s.Name())
		}
		r.sources[s.Name()] = s
	}
	return r, nil
}

// LoadRegistry eagerly loads every *.yaml / *.yml definition in dir.
// A missing directory yields an empty registry. Any malformed definition fails the load.
func LoadRegistry(dir string) (*Registry, error) {
	r := &Registry{
		dir:     dir,
		sources: make(map[string]Source),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	info, err := os.Stat(r.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("source config dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source config path %q is not a directory", r.dir)
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading source config dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading source file %s: %w", path, err)
		}

		var raw rawSource
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parsing source file %s: %w", path, err)
		}
		if raw.Name == "" {
			continue // comment-only file
		}

		src, err := build(raw, fmt.Sprintf("%x", sha256.Sum256(data)))
		if err != nil {
			return err
		}
		if _, exists := r.sources[src.Name()]; exists {
			return fmt.Errorf("source %q: duplicate source name (check multiple YAML files)", src.Name())
		}
		r.sources[src.Name()] = src
	}
	return nil
}

func build(raw rawSource, digest string) (Source, error) {
	kind := record.Kind(raw.Kind)
	if !kind.Valid() {
		return nil, fmt.Errorf("source %q: unsupported kind %q", raw.Name, raw.Kind)
	}
	if strings.ContainsAny(raw.Name, `/\ `) {
		return nil, fmt.Errorf("source %q: name must not contain path separators or spaces", raw.Name)
	}

	// Natural keys and mappings may name a column by any of its header aliases.
	key := DefaultNaturalKey(kind)
	if raw.NaturalKey != nil {
		key = make([]string, 0, len(raw.NaturalKey))
		for _, name := range raw.NaturalKey {
			col, ok := record.CanonicalColumn(name)
			if !ok {
				return nil, fmt.Errorf("source %q: unknown natural key column %q", raw.Name, name)
			}
			key = append(key, col)
		}
	}
	var columns map[string]string
	if len(raw.Columns) > 0 {
		columns = make(map[string]string, len(raw.Columns))
		for name, header := range raw.Columns {
			col, ok := record.CanonicalColumn(name)
			if !ok {
				return nil, fmt.Errorf("source %q: unknown mapped column %q", raw.Name, name)
			}
			if _, dup := columns[col]; dup {
				return nil, fmt.Errorf("source %q: column %q mapped twice", raw.Name, col)
			}
			columns[col] = header
		}
	}

	format := record.Format(raw.Format)
	if !format.Valid() {
		return nil, fmt.Errorf("source %q: unsupported format %q", raw.Name, raw.Format)
	}
	switch {
	case kind == record.KindSearch && format == "":
		format = record.FormatAuto
	case kind != record.KindSearch && format != "" && format != record.FormatCSV:
		return nil, fmt.Errorf("source %q: format %q is only supported for search sources", raw.Name, raw.Format)
	}

	common := Common{
		SourceName: raw.Name,
		SourceKind: kind,
		Key:        key,
		Columns:    columns,
		Format:     format,
		Digest:     digest,
	}

	switch Strategy(raw.Strategy) {
	case StrategyDailyShard, "":
		if raw.Snapshot != nil {
			return nil, fmt.Errorf("source %q: snapshot block requires strategy %q", raw.Name, StrategySnapshot)
		}
		return DailyShard{Common: common}, nil
	case StrategySnapshot:
		if raw.Snapshot == nil || raw.Snapshot.Path == "" {
			return nil, fmt.Errorf("source %q: snapshot.path is required", raw.Name)
		}
		return Snapshot{
			Common:     common,
			Path:       raw.Snapshot.Path,
			TimeColumn: raw.Snapshot.TimeColumn,
		}, nil
	default:
		return nil, fmt.Errorf("source %q: unsupported strategy %q", raw.Name, raw.Strategy)
	}
}

// Get returns the source with the given name.
func (r *Registry) Get(name string) (Source, error) {
	s, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("source %q not found", name)
	}
	return s, nil
}

// All returns every source ordered by name, so runs process sources deterministically.
func (r *Registry) All() []Source {
	out := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// OfKind returns the sources producing rows of kind, ordered by name.
func (r *Registry) OfKind(kind record.Kind) []Source {
	var out []Source
	for _, s := range r.All() {
		if s.Kind() == kind {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of configured sources.
func (r *Registry) Len() int { return len(r.sources) }
