package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/aevon-lab/tally/internal/core/identity"
	"github.com/aevon-lab/tally/internal/core/source"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Database backends.
const (
	DatabasePostgres = "postgres"
	DatabaseBadger   = "badger"
)

// Config represents the top-level application config plus the resolved source registry.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Lake     LakeConfig     `koanf:"lake"`
	Sources  SourcesConfig  `koanf:"sources"`
	Anomaly  AnomalyConfig  `koanf:"anomaly"`
	Pipeline PipelineConfig `koanf:"pipeline"`

	// Registry is populated by Load after parsing source definitions.
	Registry *source.Registry `koanf:"-"`
}

type ServerConfig struct {
	Port int    `koanf:"port"`
	Host string `koanf:"host"`
	Mode string `koanf:"mode"` // debug | release
}

type DatabaseConfig struct {
	Type           string `koanf:"type"` // postgres | badger
	DSN            string `koanf:"dsn"`
	MaxOpenConns   int    `koanf:"max_open_conns"`
	MaxIdleConns   int    `koanf:"max_idle_conns"`
	AutoMigrate    bool   `koanf:"auto_migrate"`
	BadgerPath     string `koanf:"badger_path"`
	BadgerInMemory bool   `koanf:"badger_in_memory"`
}

type LakeConfig struct {
	RawDir     string `koanf:"raw_dir"`
	LakeDir    string `koanf:"lake_dir"`
	ReportsDir string `koanf:"reports_dir"`
	Identity   string `koanf:"identity"` // stat | content
}

type SourcesConfig struct {
	ConfigDir      string `koanf:"config_dir"`
	RequireSources bool   `koanf:"require_sources"`
}

type AnomalyConfig struct {
	Window      int     `koanf:"window"`
	MinBaseline int     `koanf:"min_baseline"`
	Threshold   float64 `koanf:"threshold"`
}

type PipelineConfig struct {
	Interval         string `koanf:"interval"` // parsed and validated on startup
	FreshnessDays    int    `koanf:"freshness_days"`
	ReportWorkers    int    `koanf:"report_workers"`
	AggregateWorkers int    `koanf:"aggregate_workers"`
}

// EffectiveInterval returns the scheduler period. Validate guarantees it parses.
func (c PipelineConfig) EffectiveInterval() time.Duration {
	d, err := time.ParseDuration(c.Interval)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	switch c.Database.Type {
	case DatabasePostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required")
		}
		if c.Database.MaxOpenConns <= 0 {
			return fmt.Errorf("database.max_open_conns must be > 0")
		}
		if c.Database.MaxIdleConns <= 0 {
			return fmt.Errorf("database.max_idle_conns must be > 0")
		}
	case DatabaseBadger:
		if !c.Database.BadgerInMemory && strings.TrimSpace(c.Database.BadgerPath) == "" {
			return fmt.Errorf("database.badger_path is required unless database.badger_in_memory is set")
		}
	default:
		return fmt.Errorf("unsupported database.type %q", c.Database.Type)
	}

	if strings.TrimSpace(c.Lake.RawDir) == "" {
		return fmt.Errorf("lake.raw_dir is required")
	}
	if strings.TrimSpace(c.Lake.LakeDir) == "" {
		return fmt.Errorf("lake.lake_dir is required")
	}
	if strings.TrimSpace(c.Lake.ReportsDir) == "" {
		return fmt.Errorf("lake.reports_dir is required")
	}
	if !identity.Strategy(c.Lake.Identity).Valid() {
		return fmt.Errorf("invalid lake.identity %q (must be stat or content)", c.Lake.Identity)
	}

	if strings.TrimSpace(c.Sources.ConfigDir) == "" {
		return fmt.Errorf("sources.config_dir is required")
	}

	if c.Anomaly.Window <= 0 {
		return fmt.Errorf("anomaly.window must be > 0")
	}
	if c.Anomaly.MinBaseline <= 0 || c.Anomaly.MinBaseline > c.Anomaly.Window {
		return fmt.Errorf("anomaly.min_baseline must be in 1..%d", c.Anomaly.Window)
	}
	if c.Anomaly.Threshold <= 0 {
		return fmt.Errorf("anomaly.threshold must be > 0")
	}

	interval, err := time.ParseDuration(c.Pipeline.Interval)
	if err != nil {
		return fmt.Errorf("invalid pipeline.interval %q: %w", c.Pipeline.Interval, err)
	}
	if interval <= 0 {
		return fmt.Errorf("pipeline.interval must be > 0")
	}
	if c.Pipeline.FreshnessDays < 0 {
		return fmt.Errorf("pipeline.freshness_days must be >= 0")
	}
	if c.Pipeline.ReportWorkers <= 0 {
		return fmt.Errorf("pipeline.report_workers must be > 0")
	}
	if c.Pipeline.AggregateWorkers <= 0 {
		return fmt.Errorf("pipeline.aggregate_workers must be > 0")
	}

	return nil
}

// Load parses config from defaults, file and env, validates it, then loads the source registry.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                8080,
		"server.host":                "0.0.0.0",
		"server.mode":                "release",
		"database.type":              DatabaseBadger,
		"database.dsn":               "",
		"database.max_open_conns":    10,
		"database.max_idle_conns":    10,
		"database.auto_migrate":      true,
		"database.badger_path":       "./data/catalog",
		"database.badger_in_memory":  false,
		"lake.raw_dir":               "./data/raw",
		"lake.lake_dir":              "./data/lake",
		"lake.reports_dir":           "./reports",
		"lake.identity":              string(identity.StrategyStat),
		"sources.config_dir":         "./config/sources",
		"sources.require_sources":    true,
		"anomaly.window":             28,
		"anomaly.min_baseline":       7,
		"anomaly.threshold":          6.0,
		"pipeline.interval":          "1h",
		"pipeline.freshness_days":    2,
		"pipeline.report_workers":    4,
		"pipeline.aggregate_workers": 4,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("TALLY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "TALLY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry, err := source.LoadRegistry(cfg.Sources.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load source definitions: %w", err)
	}
	if cfg.Sources.RequireSources && registry.Len() == 0 {
		return nil, fmt.Errorf("no source definitions found in %q", cfg.Sources.ConfigDir)
	}
	cfg.Registry = registry

	return &cfg, nil
}
