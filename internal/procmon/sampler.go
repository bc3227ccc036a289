package procmon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xtxerr/livedata/internal/logging"
	"github.com/xtxerr/livedata/internal/shutdown"
	"github.com/xtxerr/livedata/internal/storage/types"
	"github.com/xtxerr/livedata/internal/telemetry"
)

// DefaultInterval is the sampling cadence when none is configured.
const DefaultInterval = 5 * time.Second

// Sampler snapshots the process table every interval and offers each
// snapshot to the pipeline. The first snapshot is taken immediately.
type Sampler struct {
	src      ProcessSource
	pipe     *Pipeline
	interval time.Duration
	token    *shutdown.Token
	metrics  *telemetry.Metrics
	log      *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	latest  types.ProcessMetricsBatch
	summary Summary
	ticks   uint64
}

// NewSampler wires a sampler. A non-positive interval uses DefaultInterval.
func NewSampler(src ProcessSource, pipe *Pipeline, interval time.Duration, token *shutdown.Token, m *telemetry.Metrics) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		src:      src,
		pipe:     pipe,
		interval: interval,
		token:    token,
		metrics:  m,
		log:      logging.Component("procmon"),
		now:      time.Now,
	}
}

// Run samples until the token is triggered.
func (s *Sampler) Run() {
	ctx, cancel := s.token.Context(context.Background())
	defer cancel()

	s.log.Info("process sampler started", "interval", s.interval)
	defer s.log.Info("process sampler stopped", "dropped", s.pipe.Dropped())

	for !s.token.Requested() {
		s.Tick(ctx)
		if !s.token.Sleep(s.interval) {
			return
		}
	}
}

// Tick takes one snapshot and offers it to the pipeline. Snapshot errors
// are logged and the tick is skipped.
func (s *Sampler) Tick(ctx context.Context) {
	samples, err := s.src.Snapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.SampleErrors.Inc()
			s.log.Warn("process snapshot failed", "error", err)
		}
		return
	}

	batch := types.ProcessMetricsBatch{Timestamp: s.now().UTC(), Samples: samples}
	summary, err := Summarize(batch)
	if err != nil {
		s.log.Debug("summarize snapshot", "error", err)
	}

	s.mu.Lock()
	s.latest = batch
	s.summary = summary
	s.ticks++
	s.mu.Unlock()

	s.metrics.BatchesSampled.Inc()
	s.metrics.ProcessesSampled.Set(float64(batch.Len()))
	s.pipe.Offer(batch)
}

// Latest returns the most recent snapshot and whether one exists.
func (s *Sampler) Latest() (types.ProcessMetricsBatch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.ticks > 0
}

// Summary returns the summary of the most recent snapshot.
func (s *Sampler) Summary() (Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summary, s.ticks > 0
}
