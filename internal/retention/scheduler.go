// Package retention runs the store retention pass on a fixed interval.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xtxerr/livedata/internal/errors"
	"github.com/xtxerr/livedata/internal/logging"
	"github.com/xtxerr/livedata/internal/shutdown"
	"github.com/xtxerr/livedata/internal/storage/archive"
	"github.com/xtxerr/livedata/internal/storage/types"
	"github.com/xtxerr/livedata/internal/telemetry"
)

// Enforcer applies a retention policy to the store.
type Enforcer interface {
	EnforceRetention(ctx context.Context, policy types.RetentionPolicy) (types.CleanupStats, error)
}

// Pruner removes archive files older than a cutoff.
type Pruner interface {
	Prune(cutoff time.Time, dryRun bool) (archive.PruneResult, error)
}

// Options configures a Scheduler.
type Options struct {
	Policy types.RetentionPolicy

	// Archive is pruned after each pass when ArchiveRetentionDays > 0.
	Archive              Pruner
	ArchiveRetentionDays int
}

// Stats are cumulative scheduler statistics.
type Stats struct {
	LastRunTime   time.Time
	LastDuration  time.Duration
	LastError     string
	Last          types.CleanupStats
	Runs          int64
	Failures      int64
	RowsDeleted   int64
	SoftLimitHits int64
	FilesPruned   int64
}

// Scheduler runs EnforceRetention every policy interval until shutdown.
type Scheduler struct {
	store   Enforcer
	opts    Options
	token   *shutdown.Token
	metrics *telemetry.Metrics
	log     *slog.Logger
	now     func() time.Time
	every   time.Duration

	mu    sync.RWMutex
	stats Stats
}

// New wires a scheduler.
func New(store Enforcer, token *shutdown.Token, m *telemetry.Metrics, opts Options) *Scheduler {
	return &Scheduler{
		store:   store,
		opts:    opts,
		token:   token,
		metrics: m,
		log:     logging.Component("retention"),
		now:     time.Now,
	}
}

// Interval returns the clamped cleanup interval.
func (s *Scheduler) Interval() time.Duration {
	if s.every > 0 {
		return s.every
	}
	return s.opts.Policy.CleanupInterval()
}

// Run waits one interval, runs a pass and repeats until the token is
// triggered. Failed passes are retried on the next cycle. A pass that has
// started runs to completion; the token is only checked between passes.
func (s *Scheduler) Run() {
	s.log.Info("retention scheduler started", "interval", s.Interval())
	defer s.log.Info("retention scheduler stopped")

	for s.token.Sleep(s.Interval()) {
		s.RunOnce(context.Background())
	}
}

// RunOnce executes one retention pass and records its outcome.
func (s *Scheduler) RunOnce(ctx context.Context) (types.CleanupStats, error) {
	start := s.now()
	stats, err := s.store.EnforceRetention(ctx, s.opts.Policy)
	took := s.now().Sub(start)

	s.metrics.ObserveCleanup(stats, took, err)
	s.record(start, took, stats, err)

	switch {
	case err == nil:
	case errors.Is(err, errors.ErrCheckpoint):
		s.log.Warn("retention checkpoint failed, retrying next cycle",
			"error", err,
			"logs_deleted", stats.LogsDeleted,
			"metrics_deleted", stats.MetricsDeleted)
		return stats, err
	case ctx.Err() != nil:
		s.log.Info("retention pass interrupted", "error", err)
		return stats, err
	default:
		s.log.Error("retention pass failed", "error", err)
		return stats, err
	}

	if stats.LogSoftLimit {
		s.log.Warn("log table still over budget",
			"size", types.FormatBytes(stats.LogSize),
			"budget", types.FormatBytes(s.opts.Policy.LogMaxSizeBytes))
	}
	if stats.MetricsSoftLimit {
		s.log.Warn("process metrics table still over budget",
			"size", types.FormatBytes(stats.MetricsSize),
			"budget", types.FormatBytes(s.opts.Policy.ProcessMaxSizeBytes))
	}

	s.log.Info("retention pass complete",
		"logs_deleted", stats.LogsDeleted,
		"metrics_deleted", stats.MetricsDeleted,
		"minutes_archived", stats.MinutesArchived,
		"iterations", stats.Iterations,
		"size", types.FormatBytes(stats.FinalSize),
		"took", took)

	s.pruneArchive()
	return stats, nil
}

func (s *Scheduler) pruneArchive() {
	if s.opts.Archive == nil || s.opts.ArchiveRetentionDays <= 0 {
		return
	}
	cutoff := s.now().UTC().Add(-time.Duration(s.opts.ArchiveRetentionDays) * 24 * time.Hour)
	res, err := s.opts.Archive.Prune(cutoff, false)
	if err != nil {
		s.log.Warn("prune archive", "error", err)
		return
	}
	for _, e := range res.Errors {
		s.log.Warn("prune archive file", "error", e)
	}

	s.mu.Lock()
	s.stats.FilesPruned += int64(res.FilesDeleted)
	s.mu.Unlock()
}

func (s *Scheduler) record(start time.Time, took time.Duration, stats types.CleanupStats, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.LastRunTime = start
	s.stats.LastDuration = took
	s.stats.Last = stats
	s.stats.Runs++
	s.stats.RowsDeleted += stats.TotalDeleted()
	if stats.SoftLimitHit() {
		s.stats.SoftLimitHits++
	}
	s.stats.LastError = ""
	if err != nil {
		s.stats.Failures++
		s.stats.LastError = err.Error()
	}
}

// Stats returns a snapshot of the scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
