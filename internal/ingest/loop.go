// Package ingest moves journal records into the store.
//
// A run has two phases. The backfill phase copies the recent window inside
// one transaction, newest first. The live phase then waits for journal
// changes and appends every new record in its own auto-committed insert
// until shutdown is requested.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/xtxerr/livedata/internal/errors"
	"github.com/xtxerr/livedata/internal/journal"
	"github.com/xtxerr/livedata/internal/logging"
	"github.com/xtxerr/livedata/internal/shutdown"
	"github.com/xtxerr/livedata/internal/storage"
	"github.com/xtxerr/livedata/internal/storage/types"
	"github.com/xtxerr/livedata/internal/telemetry"
)

// Loop timing defaults.
const (
	DefaultBackfillWindow = time.Hour
	DefaultHeartbeat      = 30 * time.Second
	DefaultWaitTimeout    = 100 * time.Millisecond
	DefaultIdleSleep      = 10 * time.Millisecond
)

// Store is the part of the storage engine the loop writes through.
type Store interface {
	WithTransaction(ctx context.Context, fn func(*storage.Batch) error) error
	AddRecord(ctx context.Context, rec types.LogRecord) error
	BufferStats(ctx context.Context) (types.BufferStats, error)
	FileSize() int64
}

// Options tunes a Loop. Zero durations take the defaults.
type Options struct {
	// Follow skips the backfill phase.
	Follow bool

	BackfillWindow time.Duration
	Heartbeat      time.Duration
	WaitTimeout    time.Duration
	IdleSleep      time.Duration
}

func (o *Options) applyDefaults() {
	if o.BackfillWindow <= 0 {
		o.BackfillWindow = DefaultBackfillWindow
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = DefaultWaitTimeout
	}
	if o.IdleSleep <= 0 {
		o.IdleSleep = DefaultIdleSleep
	}
}

// Phase is the current stage of a run.
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseBackfill
	PhaseLive
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseBackfill:
		return "backfill"
	case PhaseLive:
		return "live"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Counters are cumulative loop counters.
type Counters struct {
	Backfilled uint64
	Ingested   uint64
	Failed     uint64
}

// Loop is the ingestion loop. It runs on a single goroutine.
type Loop struct {
	src     *journal.Source
	store   Store
	token   *shutdown.Token
	metrics *telemetry.Metrics
	opts    Options
	log     *slog.Logger
	now     func() time.Time

	phase      atomic.Int32
	backfilled atomic.Uint64
	ingested   atomic.Uint64
	failed     atomic.Uint64

	// malformedSeen is the source counter already reported to metrics.
	malformedSeen uint64
}

// New wires a loop.
func New(src *journal.Source, store Store, token *shutdown.Token, m *telemetry.Metrics, opts Options) *Loop {
	opts.applyDefaults()
	return &Loop{
		src:     src,
		store:   store,
		token:   token,
		metrics: m,
		opts:    opts,
		log:     logging.Component("ingest"),
		now:     time.Now,
	}
}

// Run executes the backfill phase, positions the source and runs the live
// phase until the token is triggered. Only a failed backfill or a failed
// repositioning is returned; per-record errors are logged and counted.
func (l *Loop) Run(ctx context.Context) error {
	defer l.phase.Store(int32(PhaseStopped))

	if l.opts.Follow {
		l.log.Info("follow mode, skipping backfill")
	} else if err := l.Backfill(ctx); err != nil {
		return err
	}

	if err := l.src.Resume(); err != nil {
		return errors.Wrap(errors.ErrSourceOpen, fmt.Errorf("position journal: %w", err))
	}

	l.phase.Store(int32(PhaseLive))
	l.log.Info("live ingestion started")
	l.live(ctx)

	c := l.Counters()
	l.log.Info("live ingestion stopped",
		"backfilled", c.Backfilled,
		"ingested", c.Ingested,
		"failed", c.Failed)
	return nil
}

// =============================================================================
// Backfill phase
// =============================================================================

// Backfill copies every record of the last BackfillWindow in one
// transaction. Any failure rolls back and returns ErrBackfill.
func (l *Loop) Backfill(ctx context.Context) error {
	l.phase.Store(int32(PhaseBackfill))
	start := l.now()
	cutoff := start.Add(-l.opts.BackfillWindow)

	var n int
	err := l.store.WithTransaction(ctx, func(b *storage.Batch) error {
		var err error
		n, err = l.src.Backfill(cutoff, b.AddRecord)
		return err
	})
	if err != nil {
		return errors.Wrap(errors.ErrBackfill, err)
	}

	l.backfilled.Add(uint64(n))
	l.metrics.RecordsBackfilled.Add(float64(n))
	l.syncSourceStats()
	l.log.Info("backfill complete",
		"records", n,
		"window", l.opts.BackfillWindow,
		"took", time.Since(start))
	return nil
}

// =============================================================================
// Live phase
// =============================================================================

func (l *Loop) live(ctx context.Context) {
	// Entries appended before the first wait may not raise a change event.
	l.drain(ctx)

	lastBeat := l.now()
	for !l.token.Requested() {
		r := l.src.Wait(l.opts.WaitTimeout)
		l.metrics.JournalWaits.WithLabelValues(r.String()).Inc()

		switch r {
		case journal.Appended, journal.Invalidated:
			l.drain(ctx)
		}

		if now := l.now(); now.Sub(lastBeat) >= l.opts.Heartbeat {
			l.heartbeat(ctx)
			lastBeat = now
		}

		if !l.token.Sleep(l.opts.IdleSleep) {
			return
		}
	}
}

// drain appends every available record.
func (l *Loop) drain(ctx context.Context) {
	for !l.token.Requested() {
		rec, ok := l.src.NextRecord()
		if !ok {
			break
		}
		if err := l.store.AddRecord(ctx, rec); err != nil {
			l.failed.Add(1)
			l.metrics.RecordsFailed.Inc()
			l.log.Error("add record",
				"error", err,
				"timestamp", rec.Timestamp)
			continue
		}
		l.ingested.Add(1)
		l.metrics.RecordsIngested.Inc()
	}
	l.syncSourceStats()
}

func (l *Loop) heartbeat(ctx context.Context) {
	stats, err := l.store.BufferStats(ctx)
	if err != nil {
		l.log.Warn("buffer stats", "error", err)
		return
	}
	size := l.store.FileSize()
	l.metrics.ObserveBuffer(stats, size)

	attrs := []any{
		"records", stats.TotalRecords,
		"minutes", stats.DistinctMinuteCount,
		"size", types.FormatBytes(size),
		"ingested", l.ingested.Load(),
		"failed", l.failed.Load(),
	}
	if stats.OldestMinute != nil && stats.NewestMinute != nil {
		attrs = append(attrs,
			"oldest", stats.OldestMinute.Format(time.RFC3339),
			"newest", stats.NewestMinute.Format(time.RFC3339))
	}
	l.log.Info("buffer", attrs...)
}

func (l *Loop) syncSourceStats() {
	m := l.src.Stats().Malformed
	if m > l.malformedSeen {
		l.metrics.RecordsMalformed.Add(float64(m - l.malformedSeen))
		l.malformedSeen = m
	}
}

// Phase returns the current stage. Safe for concurrent use.
func (l *Loop) Phase() Phase {
	return Phase(l.phase.Load())
}

// Counters returns a snapshot of the loop counters. Safe for concurrent use.
func (l *Loop) Counters() Counters {
	return Counters{
		Backfilled: l.backfilled.Load(),
		Ingested:   l.ingested.Load(),
		Failed:     l.failed.Load(),
	}
}
