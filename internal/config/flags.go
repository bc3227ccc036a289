package config

import (
	"github.com/spf13/pflag"

	"github.com/xtxerr/livedata/internal/errors"
)

// Flag names shared by RegisterFlags and ApplyFlags.
const (
	FlagConfig               = "config"
	FlagDataDir              = "data-dir"
	FlagFollow               = "follow"
	FlagProcessInterval      = "process-interval"
	FlagLogRetentionDays     = "log-retention-days"
	FlagLogMaxSizeGB         = "log-max-size-gb"
	FlagProcessRetentionDays = "process-retention-days"
	FlagProcessMaxSizeGB     = "process-max-size-gb"
	FlagCleanupInterval      = "cleanup-interval"
	FlagSQLTrace             = "sql-trace"
	FlagListen               = "listen"
	FlagArchive              = "archive"
	FlagDeferCheckpoint      = "defer-checkpoint"
	FlagLogLevel             = "log-level"
	FlagLogFormat            = "log-format"
)

// RegisterFlags defines the command-line overrides on fs.
// Defaults shown in usage come from DefaultSettings; only flags the user
// sets are applied.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultSettings()

	fs.String(FlagConfig, DefaultPath(), "config file (.toml, .yaml or .yml)")
	fs.StringP(FlagDataDir, "d", d.DataDir, "directory holding the store file")
	fs.BoolP(FlagFollow, "f", false, "skip the startup backfill and only tail new records")
	fs.IntP(FlagProcessInterval, "p", d.Metrics.IntervalSeconds, "process sampling interval in seconds")
	fs.Int(FlagLogRetentionDays, d.LogRetentionDays, "days of log records to keep")
	fs.Float64(FlagLogMaxSizeGB, d.LogMaxSizeGB, "log table size budget in GB")
	fs.Int(FlagProcessRetentionDays, d.ProcessRetentionDays, "days of process metrics to keep")
	fs.Float64(FlagProcessMaxSizeGB, d.ProcessMaxSizeGB, "process metrics size budget in GB")
	fs.Int(FlagCleanupInterval, d.CleanupIntervalMinutes, "retention interval in minutes (clamped to 5-15)")
	fs.Bool(FlagSQLTrace, false, "append executed SQL to <data-dir>/trace.sql")
	fs.String(FlagListen, "", "status listener address, e.g. 127.0.0.1:9480")
	fs.Bool(FlagArchive, false, "export evicted log minutes to Parquet")
	fs.Bool(FlagDeferCheckpoint, false, "skip the final checkpoint on shutdown")
	fs.String(FlagLogLevel, d.Log.Level, "log level (debug, info, warn, error)")
	fs.String(FlagLogFormat, d.Log.Format, "log format (auto, text, json)")
}

// ApplyFlags copies every flag the user set on fs into s.
func ApplyFlags(fs *pflag.FlagSet, s *Settings) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	fs.Visit(func(f *pflag.Flag) {
		var err error
		switch f.Name {
		case FlagDataDir:
			s.DataDir, err = fs.GetString(f.Name)
		case FlagFollow:
			s.Ingest.Follow, err = fs.GetBool(f.Name)
		case FlagProcessInterval:
			s.Metrics.IntervalSeconds, err = fs.GetInt(f.Name)
		case FlagLogRetentionDays:
			s.LogRetentionDays, err = fs.GetInt(f.Name)
		case FlagLogMaxSizeGB:
			s.LogMaxSizeGB, err = fs.GetFloat64(f.Name)
		case FlagProcessRetentionDays:
			s.ProcessRetentionDays, err = fs.GetInt(f.Name)
		case FlagProcessMaxSizeGB:
			s.ProcessMaxSizeGB, err = fs.GetFloat64(f.Name)
		case FlagCleanupInterval:
			s.CleanupIntervalMinutes, err = fs.GetInt(f.Name)
		case FlagSQLTrace:
			s.Store.SQLTrace, err = fs.GetBool(f.Name)
		case FlagListen:
			s.Status.Listen, err = fs.GetString(f.Name)
		case FlagArchive:
			s.Archive.Enabled, err = fs.GetBool(f.Name)
		case FlagDeferCheckpoint:
			s.Store.DeferCheckpoint, err = fs.GetBool(f.Name)
		case FlagLogLevel:
			s.Log.Level, err = fs.GetString(f.Name)
		case FlagLogFormat:
			s.Log.Format, err = fs.GetString(f.Name)
		}
		keep(err)
	})
	return firstErr
}

// Resolve builds the effective settings from parsed flags: config file,
// then environment, then flags, then normalization and validation.
func Resolve(fs *pflag.FlagSet) (*Settings, error) {
	path, err := fs.GetString(FlagConfig)
	if err != nil {
		return nil, err
	}

	s, err := LoadOrCreate(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidConfig, err)
	}
	if err := s.ApplyEnv(); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidConfig, err)
	}
	if err := ApplyFlags(fs, s); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidConfig, err)
	}
	s.Normalize()

	if err := s.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidConfig, err)
	}
	return s, nil
}
