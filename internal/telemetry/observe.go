package telemetry

import (
	"time"

	"github.com/xtxerr/livedata/internal/storage/types"
)

// ObserveCleanup records the outcome of one retention pass.
func (m *Metrics) ObserveCleanup(stats types.CleanupStats, took time.Duration, err error) {
	m.RetentionRuns.Inc()
	m.RetentionDuration.Observe(took.Seconds())
	if err != nil {
		m.RetentionFailures.Inc()
	}

	m.RetentionRowsDeleted.WithLabelValues(TableLogs).Add(float64(stats.LogsDeleted))
	m.RetentionRowsDeleted.WithLabelValues(TableMetrics).Add(float64(stats.MetricsDeleted))
	if stats.LogSoftLimit {
		m.RetentionSoftLimits.WithLabelValues(TableLogs).Inc()
	}
	if stats.MetricsSoftLimit {
		m.RetentionSoftLimits.WithLabelValues(TableMetrics).Inc()
	}
	m.MinutesArchived.Add(float64(stats.MinutesArchived))

	if err == nil {
		m.TableSizeBytes.WithLabelValues(TableLogs).Set(float64(stats.LogSize))
		m.TableSizeBytes.WithLabelValues(TableMetrics).Set(float64(stats.MetricsSize))
	}
	if stats.FinalSize > 0 {
		m.StoreSizeBytes.Set(float64(stats.FinalSize))
	}
}

// ObserveBuffer records the log table projection and file size.
func (m *Metrics) ObserveBuffer(stats types.BufferStats, fileSize int64) {
	m.BufferRecords.Set(float64(stats.TotalRecords))
	m.BufferMinutes.Set(float64(stats.DistinctMinuteCount))
	m.StoreSizeBytes.Set(float64(fileSize))
}
