// Package telemetry holds the Prometheus metrics of the agent.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "livedata"

// Table label values.
const (
	TableLogs    = "logs"
	TableMetrics = "metrics"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Ingestion metrics
	RecordsIngested   prometheus.Counter
	RecordsFailed     prometheus.Counter
	RecordsBackfilled prometheus.Counter
	RecordsMalformed  prometheus.Counter
	JournalWaits      *prometheus.CounterVec

	// Process metrics pipeline
	BatchesSampled   prometheus.Counter
	BatchesDropped   prometheus.Counter
	BatchesWritten   prometheus.Counter
	BatchesFailed    prometheus.Counter
	SampleErrors     prometheus.Counter
	ChannelDepth     prometheus.Gauge
	ProcessesSampled prometheus.Gauge

	// Retention metrics
	RetentionRuns        prometheus.Counter
	RetentionFailures    prometheus.Counter
	RetentionRowsDeleted *prometheus.CounterVec
	RetentionSoftLimits  *prometheus.CounterVec
	RetentionDuration    prometheus.Histogram
	MinutesArchived      prometheus.Counter

	// Store metrics
	StoreSizeBytes prometheus.Gauge
	TableSizeBytes *prometheus.GaugeVec
	BufferRecords  prometheus.Gauge
	BufferMinutes  prometheus.Gauge

	registry *prometheus.Registry
}

// New registers every metric, plus the Go runtime and process collectors,
// on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RecordsIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_ingested_total",
			Help:      "Log records stored by live tailing",
		}),
		RecordsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_failed_total",
			Help:      "Log records that could not be stored",
		}),
		RecordsBackfilled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_backfilled_total",
			Help:      "Log records stored by the startup backfill",
		}),
		RecordsMalformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_malformed_total",
			Help:      "Journal entries skipped because they could not be read",
		}),
		JournalWaits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_waits_total",
			Help:      "Journal wait outcomes",
		}, []string{"result"}),

		BatchesSampled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "batches_sampled_total",
			Help:      "Process snapshots taken",
		}),
		BatchesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "batches_dropped_total",
			Help:      "Process snapshots dropped because the channel was full or closed",
		}),
		BatchesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "batches_written_total",
			Help:      "Process snapshots stored",
		}),
		BatchesFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "batches_failed_total",
			Help:      "Process snapshots that could not be stored",
		}),
		SampleErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "sample_errors_total",
			Help:      "Failed process table reads",
		}),
		ChannelDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "channel_depth",
			Help:      "Snapshots waiting for the writer",
		}),
		ProcessesSampled: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "last_snapshot_processes",
			Help:      "Processes in the latest snapshot",
		}),

		RetentionRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "runs_total",
			Help:      "Retention passes started",
		}),
		RetentionFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "failures_total",
			Help:      "Retention passes that ended with an error",
		}),
		RetentionRowsDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "rows_deleted_total",
			Help:      "Rows removed by retention",
		}, []string{"table"}),
		RetentionSoftLimits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "soft_limits_total",
			Help:      "Passes that ended over the size budget",
		}, []string{"table"}),
		RetentionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "duration_seconds",
			Help:      "Retention pass duration",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		MinutesArchived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "minutes_archived_total",
			Help:      "Log minutes exported to Parquet before deletion",
		}),

		StoreSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "size_bytes",
			Help:      "On-disk size of the store file and its WAL",
		}),
		TableSizeBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "table_size_bytes",
			Help:      "Checkpointed size of each table after retention",
		}, []string{"table"}),
		BufferRecords: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "log_records",
			Help:      "Log records currently stored",
		}),
		BufferMinutes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "log_minutes",
			Help:      "Distinct log minutes currently stored",
		}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
