package config

import (
	"errors"
	"fmt"

	"github.com/xtxerr/livedata/internal/logging"
	"github.com/xtxerr/livedata/internal/validation"
)

// Validate checks the settings for errors.
func (s *Settings) Validate() error {
	var errs []error

	if s.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	if s.LogRetentionDays < 0 {
		errs = append(errs, errors.New("log_retention_days must not be negative"))
	}
	if s.ProcessRetentionDays < 0 {
		errs = append(errs, errors.New("process_retention_days must not be negative"))
	}
	if s.LogMaxSizeGB < 0 {
		errs = append(errs, errors.New("log_max_size_gb must not be negative"))
	}
	if s.ProcessMaxSizeGB < 0 {
		errs = append(errs, errors.New("process_max_size_gb must not be negative"))
	}

	if err := s.Ingest.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ingest: %w", err))
	}
	if err := s.Metrics.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	}
	if err := s.Archive.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	}
	if s.Status.Listen != "" {
		if err := validation.ValidateListenAddr(s.Status.Listen); err != nil {
			errs = append(errs, fmt.Errorf("status: %w", err))
		}
	}
	if err := s.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the ingest configuration.
func (c *IngestConfig) Validate() error {
	var errs []error

	if c.BackfillMinutes < 0 {
		errs = append(errs, errors.New("backfill_minutes must not be negative"))
	}
	if c.HeartbeatSeconds <= 0 {
		errs = append(errs, errors.New("heartbeat_seconds must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the metrics configuration.
func (c *MetricsConfig) Validate() error {
	if c.Enabled && c.IntervalSeconds <= 0 {
		return errors.New("interval_seconds must be positive when enabled")
	}
	return nil
}

// Validate checks the archive configuration.
func (c *ArchiveConfig) Validate() error {
	var errs []error

	switch c.Compression {
	case "", "none", "snappy", "zstd", "lz4", "gzip":
	default:
		errs = append(errs, fmt.Errorf("unknown compression %q", c.Compression))
	}
	if c.RetentionDays < 0 {
		errs = append(errs, errors.New("retention_days must not be negative"))
	}
	if c.Hostname != "" {
		if err := validation.ValidateHostname(c.Hostname); err != nil {
			errs = append(errs, fmt.Errorf("hostname: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the log configuration.
func (c *LogConfig) Validate() error {
	var errs []error

	if _, err := logging.ParseLevel(c.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseFormat(c.Format); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
