package procmon

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/xtxerr/livedata/internal/logging"
	"github.com/xtxerr/livedata/internal/storage/types"
	"github.com/xtxerr/livedata/internal/telemetry"
)

// MetricsStore persists process snapshots.
type MetricsStore interface {
	AddProcessMetrics(ctx context.Context, batch types.ProcessMetricsBatch) error
}

// Writer is the single consumer of a Pipeline.
type Writer struct {
	store   MetricsStore
	pipe    *Pipeline
	metrics *telemetry.Metrics
	log     *slog.Logger

	written atomic.Uint64
	failed  atomic.Uint64
}

// NewWriter returns a writer draining pipe into store.
func NewWriter(store MetricsStore, pipe *Pipeline, m *telemetry.Metrics) *Writer {
	return &Writer{
		store:   store,
		pipe:    pipe,
		metrics: m,
		log:     logging.Component("procmon"),
	}
}

// Run writes snapshots until the pipeline is closed and drained.
// Write failures are logged and the loop continues.
func (w *Writer) Run(ctx context.Context) {
	for batch := range w.pipe.Batches() {
		w.metrics.ChannelDepth.Set(float64(w.pipe.Len()))

		if err := w.store.AddProcessMetrics(ctx, batch); err != nil {
			w.failed.Add(1)
			w.metrics.BatchesFailed.Inc()
			w.log.Error("write process metrics",
				"error", err,
				"processes", batch.Len())
			continue
		}
		w.written.Add(1)
		w.metrics.BatchesWritten.Inc()
	}
	w.log.Info("process metrics writer stopped",
		"written", w.written.Load(),
		"failed", w.failed.Load())
}

// Written returns the number of snapshots persisted.
func (w *Writer) Written() uint64 {
	return w.written.Load()
}

// Failed returns the number of snapshots that could not be persisted.
func (w *Writer) Failed() uint64 {
	return w.failed.Load()
}
