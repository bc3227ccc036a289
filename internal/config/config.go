// Package config loads the agent settings.
//
// Settings come from four layers, highest priority first: command-line
// flags, LIVEDATA_* environment variables, a YAML or TOML config file, and
// built-in defaults. The cleanup interval is clamped to [5,15] minutes after
// all layers are applied.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/xtxerr/livedata/internal/storage/types"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "LIVEDATA"

// Settings is the complete agent configuration.
type Settings struct {
	// DataDir holds the store file, its backup and the optional SQL trace.
	DataDir string `yaml:"data_dir" toml:"data_dir" envconfig:"DATA_DIR"`

	// Retention, flat to stay compatible with existing config.toml files.
	LogRetentionDays       int     `yaml:"log_retention_days" toml:"log_retention_days" envconfig:"LOG_RETENTION_DAYS"`
	LogMaxSizeGB           float64 `yaml:"log_max_size_gb" toml:"log_max_size_gb" envconfig:"LOG_MAX_SIZE_GB"`
	ProcessRetentionDays   int     `yaml:"process_retention_days" toml:"process_retention_days" envconfig:"PROCESS_RETENTION_DAYS"`
	ProcessMaxSizeGB       float64 `yaml:"process_max_size_gb" toml:"process_max_size_gb" envconfig:"PROCESS_MAX_SIZE_GB"`
	CleanupIntervalMinutes int     `yaml:"cleanup_interval_minutes" toml:"cleanup_interval_minutes" envconfig:"RETENTION_CLEANUP_INTERVAL"`

	Ingest  IngestConfig  `yaml:"ingest" toml:"ingest" envconfig:"INGEST"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics" envconfig:"METRICS"`
	Archive ArchiveConfig `yaml:"archive" toml:"archive" envconfig:"ARCHIVE"`
	Store   StoreConfig   `yaml:"store" toml:"store" envconfig:"STORE"`
	Status  StatusConfig  `yaml:"status" toml:"status" envconfig:"STATUS"`
	Log     LogConfig     `yaml:"log" toml:"log" envconfig:"LOG"`

	// Path is the file the settings were read from.
	Path string `yaml:"-" toml:"-" ignored:"true"`
}

// IngestConfig configures the journal ingestion loop.
type IngestConfig struct {
	// Follow skips the startup backfill and only tails new records.
	Follow bool `yaml:"follow" toml:"follow" envconfig:"FOLLOW"`

	// BackfillMinutes is how far back the startup backfill reaches.
	BackfillMinutes int `yaml:"backfill_minutes" toml:"backfill_minutes" envconfig:"BACKFILL_MINUTES"`

	// HeartbeatSeconds is the interval of the buffer statistics log line.
	HeartbeatSeconds int `yaml:"heartbeat_seconds" toml:"heartbeat_seconds" envconfig:"HEARTBEAT_SECONDS"`
}

// MetricsConfig configures process sampling.
type MetricsConfig struct {
	Enabled         bool `yaml:"enabled" toml:"enabled" envconfig:"ENABLED"`
	IntervalSeconds int  `yaml:"interval_seconds" toml:"interval_seconds" envconfig:"INTERVAL_SECONDS"`
}

// ArchiveConfig configures the Parquet export of evicted log minutes.
type ArchiveConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled" envconfig:"ENABLED"`

	// Dir defaults to <data_dir>/archive.
	Dir string `yaml:"dir" toml:"dir" envconfig:"DIR"`

	// Compression is one of none, snappy, zstd, lz4, gzip.
	Compression string `yaml:"compression" toml:"compression" envconfig:"COMPRESSION"`

	// Hostname names the per-host archive directory; defaults to os.Hostname.
	Hostname string `yaml:"hostname" toml:"hostname" envconfig:"HOSTNAME"`

	// RetentionDays prunes archive files older than this; 0 keeps them forever.
	RetentionDays int `yaml:"retention_days" toml:"retention_days" envconfig:"RETENTION_DAYS"`
}

// StoreConfig configures the embedded store.
type StoreConfig struct {
	// Backup writes a compressed copy of an existing store before opening it.
	Backup bool `yaml:"backup" toml:"backup" envconfig:"BACKUP"`

	// SQLTrace appends every mutating statement to <data_dir>/trace.sql.
	SQLTrace bool `yaml:"sql_trace" toml:"sql_trace" envconfig:"SQL_TRACE"`

	// DeferCheckpoint skips the final checkpoint at shutdown.
	DeferCheckpoint bool `yaml:"defer_checkpoint" toml:"defer_checkpoint" envconfig:"DEFER_CHECKPOINT"`

	// MemoryLimit is passed to DuckDB as memory_limit when set, e.g. "512MB".
	MemoryLimit string `yaml:"memory_limit" toml:"memory_limit" envconfig:"MEMORY_LIMIT"`
}

// StatusConfig configures the optional HTTP status listener.
type StatusConfig struct {
	// Listen is the listen address, e.g. "127.0.0.1:9480". Empty disables it.
	Listen string `yaml:"listen" toml:"listen" envconfig:"LISTEN"`
}

// LogConfig configures process logging.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" toml:"format" envconfig:"FORMAT"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultSettings returns the built-in defaults.
func DefaultSettings() *Settings {
	return &Settings{
		DataDir:                "./data",
		LogRetentionDays:       30,
		LogMaxSizeGB:           1.0,
		ProcessRetentionDays:   7,
		ProcessMaxSizeGB:       0.5,
		CleanupIntervalMinutes: 10,
		Ingest: IngestConfig{
			BackfillMinutes:  60,
			HeartbeatSeconds: 30,
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			IntervalSeconds: 5,
		},
		Archive: ArchiveConfig{
			Compression: "snappy",
		},
		Store: StoreConfig{
			Backup: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// DefaultPath returns $HOME/.livedata/config.toml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".livedata", "config.toml")
}

// =============================================================================
// Loading
// =============================================================================

// Load reads settings from path on top of the defaults.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	s := DefaultSettings()
	if err := decode(path, data, s); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	s.Path = path
	return s, nil
}

// LoadOrCreate loads path, writing a default config file first if it does
// not exist.
func LoadOrCreate(path string) (*Settings, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		s := DefaultSettings()
		if err := s.Write(path); err != nil {
			return nil, err
		}
		s.Path = path
		return s, nil
	}
	return Load(path)
}

// Write serializes the settings to path in the format implied by its extension.
func (s *Settings) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(s)
	} else {
		data, err = toml.Marshal(s)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func decode(path string, data []byte, s *Settings) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, s)
	}
	return toml.Unmarshal(data, s)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// ApplyEnv overrides settings from LIVEDATA_* environment variables.
// Unset variables leave the current value untouched.
func (s *Settings) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, s); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// Normalize clamps the cleanup interval and fills derived defaults.
func (s *Settings) Normalize() {
	s.CleanupIntervalMinutes = types.ClampCleanupInterval(s.CleanupIntervalMinutes)
	if s.Archive.Dir == "" {
		s.Archive.Dir = filepath.Join(s.DataDir, "archive")
	}
	if s.Archive.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			s.Archive.Hostname = h
		} else {
			s.Archive.Hostname = "localhost"
		}
	}
}

// =============================================================================
// Derived values
// =============================================================================

// Policy converts the retention settings into a RetentionPolicy.
func (s *Settings) Policy() types.RetentionPolicy {
	return types.RetentionPolicy{
		LogRetentionDays:       s.LogRetentionDays,
		LogMaxSizeBytes:        types.FromGB(s.LogMaxSizeGB),
		ProcessRetentionDays:   s.ProcessRetentionDays,
		ProcessMaxSizeBytes:    types.FromGB(s.ProcessMaxSizeGB),
		CleanupIntervalMinutes: types.ClampCleanupInterval(s.CleanupIntervalMinutes),
	}
}

// StorePath is the DuckDB file under the data directory.
func (s *Settings) StorePath() string {
	return filepath.Join(s.DataDir, "livedata.duckdb")
}

// TracePath is the SQL trace file under the data directory.
func (s *Settings) TracePath() string {
	return filepath.Join(s.DataDir, "trace.sql")
}
