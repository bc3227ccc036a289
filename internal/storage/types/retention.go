package types

import (
	"fmt"
	"time"
)

// Cleanup interval bounds in minutes.
const (
	MinCleanupIntervalMinutes = 5
	MaxCleanupIntervalMinutes = 15
)

// RetentionPolicy bounds the store by age and size.
// A zero day count or byte budget disables that bound.
type RetentionPolicy struct {
	LogRetentionDays       int
	LogMaxSizeBytes        int64
	ProcessRetentionDays   int
	ProcessMaxSizeBytes    int64
	CleanupIntervalMinutes int
}

// ClampCleanupInterval clamps n to [5,15] minutes. Out-of-range values are
// never rejected.
func ClampCleanupInterval(n int) int {
	if n < MinCleanupIntervalMinutes {
		return MinCleanupIntervalMinutes
	}
	if n > MaxCleanupIntervalMinutes {
		return MaxCleanupIntervalMinutes
	}
	return n
}

// CleanupInterval returns the clamped interval as a duration.
func (p RetentionPolicy) CleanupInterval() time.Duration {
	return time.Duration(ClampCleanupInterval(p.CleanupIntervalMinutes)) * time.Minute
}

// LogCutoff returns the oldest timestamp logs may keep, and false when
// the age bound is disabled.
func (p RetentionPolicy) LogCutoff(now time.Time) (time.Time, bool) {
	return cutoff(now, p.LogRetentionDays)
}

// ProcessCutoff is LogCutoff for process metrics.
func (p RetentionPolicy) ProcessCutoff(now time.Time) (time.Time, bool) {
	return cutoff(now, p.ProcessRetentionDays)
}

func cutoff(now time.Time, days int) (time.Time, bool) {
	if days <= 0 {
		return time.Time{}, false
	}
	return now.UTC().Add(-time.Duration(days) * 24 * time.Hour), true
}

// FromGB converts a size in (binary) gigabytes to bytes.
func FromGB(gb float64) int64 {
	return int64(gb * (1 << 30))
}

// BufferStats is a point-in-time projection of the log table.
// Oldest and newest minutes are nil when the table is empty.
type BufferStats struct {
	TotalRecords        int64
	DistinctMinuteCount int64
	OldestMinute        *time.Time
	NewestMinute        *time.Time
}

// Span returns the covered time window, or zero when empty.
func (s BufferStats) Span() time.Duration {
	if s.OldestMinute == nil || s.NewestMinute == nil {
		return 0
	}
	return s.NewestMinute.Sub(*s.OldestMinute) + time.Minute
}

// CleanupStats reports one retention pass.
type CleanupStats struct {
	LogsDeleted    int64
	MetricsDeleted int64
	// FinalSize is the on-disk store size after the last checkpoint.
	FinalSize   int64
	LogSize     int64
	MetricsSize int64

	Iterations       int
	LogSoftLimit     bool
	MetricsSoftLimit bool
	CheckpointFailed bool
	// MinutesArchived counts log minutes exported before eviction.
	MinutesArchived int
}

// TotalDeleted returns the rows removed across both tables.
func (s CleanupStats) TotalDeleted() int64 {
	return s.LogsDeleted + s.MetricsDeleted
}

// SoftLimitHit reports whether any table stayed over budget.
func (s CleanupStats) SoftLimitHit() bool {
	return s.LogSoftLimit || s.MetricsSoftLimit
}

// FormatBytes renders a byte count with a binary unit suffix.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
