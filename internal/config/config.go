package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults used across the import pipeline.
const (
	DefaultSQLTimeout  = 300 * time.Second
	DefaultChunkSize   = 50000
	DefaultMaxRetries  = 3
	DefaultPoolSize    = 5
	DefaultPoolOverflow = 10
	DefaultPoolTimeout = 30 * time.Second
)

// Target describes the consolidated database every manifest loads into.
type Target struct {
	DSN      string `mapstructure:"dsn"`
	Driver   string `mapstructure:"driver"`
	Database string `mapstructure:"database"`
}

// Pool bounds connection usage: Size steady-state connections plus Overflow
// burst capacity; acquisition blocks up to Timeout.
type Pool struct {
	Size     int           `mapstructure:"size"`
	Overflow int           `mapstructure:"overflow"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Source names one legacy database and the manifest CSV that drives its import.
type Source struct {
	Name         string `mapstructure:"name"`
	ManifestFile string `mapstructure:"manifest"`
}

// Config is the fully resolved runtime configuration. It is constructed once
// in the command layer and passed down; nothing reads viper below this point.
type Config struct {
	Target Target `mapstructure:"target"`

	CSVDir string `mapstructure:"csv_dir"`
	LogDir string `mapstructure:"log_dir"`

	ChunkSize           int           `mapstructure:"chunk_size"`
	SQLTimeout          time.Duration `mapstructure:"sql_timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	StrictRowCount      bool          `mapstructure:"strict_row_count"`
	IncludeEmptyTables  bool          `mapstructure:"include_empty_tables"`
	AlwaysIncludeTables []string      `mapstructure:"always_include_tables"`
	FailFast            bool          `mapstructure:"fail_fast"`

	// Resume honors prior checkpoint state. Off by default: a fresh run clears
	// the namespace first so completed records never suppress a re-import.
	Resume bool `mapstructure:"resume"`

	Pool    Pool     `mapstructure:"pool"`
	Sources []Source `mapstructure:"sources"`
}

// SetDefaults registers defaults and environment bindings on v. Precedence is
// flag > env > config file > default.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("target.driver", "sqlserver")
	v.SetDefault("csv_dir", ".")
	v.SetDefault("log_dir", ".")
	v.SetDefault("chunk_size", DefaultChunkSize)
	v.SetDefault("sql_timeout", DefaultSQLTimeout)
	v.SetDefault("max_retries", DefaultMaxRetries)
	v.SetDefault("strict_row_count", false)
	v.SetDefault("include_empty_tables", false)
	v.SetDefault("fail_fast", false)
	v.SetDefault("resume", false)
	v.SetDefault("pool.size", DefaultPoolSize)
	v.SetDefault("pool.overflow", DefaultPoolOverflow)
	v.SetDefault("pool.timeout", DefaultPoolTimeout)
	v.SetDefault("sources", []map[string]any{
		{"name": "Justice", "manifest": "EJ_Justice_Selects_ALL.csv"},
		{"name": "Operations", "manifest": "EJ_Operations_Selects_ALL.csv"},
		{"name": "Financial", "manifest": "EJ_Financial_Selects_ALL.csv"},
	})

	v.BindEnv("target.dsn", "TARGET_DSN", "MSSQL_TARGET_CONN_STR")
	v.BindEnv("target.driver", "TARGET_DRIVER")
	v.BindEnv("csv_dir", "EJ_CSV_DIR")
	v.BindEnv("log_dir", "EJ_LOG_DIR")
	v.BindEnv("sql_timeout", "SQL_TIMEOUT")
	v.BindEnv("chunk_size", "CSV_CHUNK_SIZE")
	v.BindEnv("include_empty_tables", "INCLUDE_EMPTY_TABLES")
	v.BindEnv("strict_row_count", "STRICT_ROW_COUNT")
	v.BindEnv("resume", "RESUME")
}

// Load unmarshals and validates the resolved configuration.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if cfg.Target.DSN == "" {
		return nil, fmt.Errorf("target.dsn is required (flag, config file or TARGET_DSN)")
	}
	if cfg.Target.Database == "" {
		cfg.Target.Database = ParseDatabaseName(cfg.Target.DSN)
	}
	if cfg.Target.Database == "" {
		return nil, fmt.Errorf("target.database is required and could not be derived from the DSN")
	}
	if cfg.SQLTimeout <= 0 {
		return nil, fmt.Errorf("sql_timeout must be positive")
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk_size must be positive")
	}
	if cfg.MaxRetries <= 0 {
		return nil, fmt.Errorf("max_retries must be positive")
	}
	if cfg.Pool.Size <= 0 {
		return nil, fmt.Errorf("pool.size must be positive")
	}
	if cfg.Pool.Overflow < 0 {
		return nil, fmt.Errorf("pool.overflow cannot be negative")
	}
	if cfg.Pool.Timeout <= 0 {
		return nil, fmt.Errorf("pool.timeout must be positive")
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("at least one source database must be configured")
	}

	return &cfg, nil
}

// SourceByName returns the configured source with the given name, case-insensitive.
func (c *Config) SourceByName(name string) (Source, bool) {
	for _, s := range c.Sources {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return Source{}, false
}

// OverrideSet returns the always-include override patterns, lowercased.
// Patterns may be schema.table, database.schema.table or source.schema.table.
func (c *Config) OverrideSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.AlwaysIncludeTables))
	for _, t := range c.AlwaysIncludeTables {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}

// ParseDatabaseName extracts the database name from an ODBC-style connection
// string ("...;database=Foo;...") or a URL-style DSN with a ?database= query.
func ParseDatabaseName(dsn string) string {
	for _, sep := range []string{";", "&", "?"} {
		for _, part := range strings.Split(dsn, sep) {
			kv := strings.SplitN(part, "=", 2)
			if len(kv) == 2 && strings.EqualFold(strings.TrimSpace(kv[0]), "database") {
				return strings.TrimSpace(kv[1])
			}
		}
	}
	return ""
}
