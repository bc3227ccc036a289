// Package lifecycle starts the agent's subsystems in order, runs ingestion
// on the calling goroutine and tears everything down in reverse once
// shutdown is requested.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/xtxerr/livedata/internal/config"
	"github.com/xtxerr/livedata/internal/errors"
	"github.com/xtxerr/livedata/internal/ingest"
	"github.com/xtxerr/livedata/internal/journal"
	"github.com/xtxerr/livedata/internal/logging"
	"github.com/xtxerr/livedata/internal/procmon"
	"github.com/xtxerr/livedata/internal/retention"
	"github.com/xtxerr/livedata/internal/shutdown"
	"github.com/xtxerr/livedata/internal/statusapi"
	"github.com/xtxerr/livedata/internal/storage"
	"github.com/xtxerr/livedata/internal/storage/archive"
	"github.com/xtxerr/livedata/internal/storage/backup"
	"github.com/xtxerr/livedata/internal/storage/types"
	"github.com/xtxerr/livedata/internal/telemetry"
)

// finalizeTimeout bounds the shutdown checkpoint and statistics query.
const finalizeTimeout = 30 * time.Second

// Options configures a Coordinator. Only Settings is required.
type Options struct {
	Settings *config.Settings

	// Source replaces the system journal.
	Source *journal.Source

	// Processes replaces the gopsutil process source.
	Processes procmon.ProcessSource

	Metrics *telemetry.Metrics
	Token   *shutdown.Token
}

// Coordinator owns every subsystem of one agent run.
type Coordinator struct {
	settings *config.Settings
	token    *shutdown.Token
	metrics  *telemetry.Metrics
	log      *slog.Logger

	procSource procmon.ProcessSource
	source     *journal.Source
	traceFile  io.WriteCloser
	archiver   *archive.Archiver
	engine     *storage.Engine

	pipeline  *procmon.Pipeline
	sampler   *procmon.Sampler
	writer    *procmon.Writer
	retention *retention.Scheduler
	status    atomic.Pointer[statusapi.Server]
	ingest    *ingest.Loop

	metricsWG   sync.WaitGroup
	retentionWG sync.WaitGroup
	stopOnce    sync.Once
}

// New prepares a coordinator. Nothing is opened until Run.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		settings:   opts.Settings,
		token:      opts.Token,
		metrics:    opts.Metrics,
		source:     opts.Source,
		procSource: opts.Processes,
		log:        logging.Component("lifecycle"),
	}
	if c.token == nil {
		c.token = shutdown.New()
	}
	if c.metrics == nil {
		c.metrics = telemetry.New()
	}
	return c
}

// Token returns the shared cancellation token.
func (c *Coordinator) Token() *shutdown.Token {
	return c.token
}

// Run starts the agent and blocks until shutdown is requested by a signal,
// by ctx or by the token, then stops everything. It returns the first
// fatal error; a nil return means a clean shutdown.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.start(ctx); err != nil {
		c.log.Error("startup failed", "error", err)
		c.stop()
		return err
	}

	release := c.watchSignals(ctx)
	defer release()

	err := c.ingest.Run(context.Background())
	if err != nil {
		c.log.Error("ingestion failed", "error", err)
	}
	c.stop()
	return err
}

// =============================================================================
// Startup
// =============================================================================

func (c *Coordinator) start(ctx context.Context) error {
	s := c.settings
	storePath := s.StorePath()

	c.log.Info("starting",
		"data_dir", s.DataDir,
		"follow", s.Ingest.Follow,
		"metrics", s.Metrics.Enabled,
		"archive", s.Archive.Enabled)

	if s.Store.Backup {
		if _, err := backup.Create(storePath); err != nil {
			c.log.Warn("store backup failed, continuing", "error", err)
		}
	}

	opts := storage.DefaultOptions(storePath)
	opts.MemoryLimit = s.Store.MemoryLimit
	if s.Store.SQLTrace {
		if err := os.MkdirAll(s.DataDir, 0o755); err != nil {
			return errors.Wrap(errors.ErrStoreOpen, err)
		}
		f, err := os.OpenFile(s.TracePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrap(errors.ErrStoreOpen, fmt.Errorf("open sql trace: %w", err))
		}
		c.traceFile = f
		opts.Trace = f
	}
	if s.Archive.Enabled {
		a, err := archive.New(archive.Options{
			Dir:         s.Archive.Dir,
			Hostname:    s.Archive.Hostname,
			Compression: archive.ParseCompressionType(s.Archive.Compression),
		})
		if err != nil {
			c.log.Warn("archive disabled", "error", err)
		} else {
			c.archiver = a
			opts.Archiver = a
		}
	}

	engine, err := storage.Open(ctx, opts)
	if err != nil {
		return err
	}
	c.engine = engine

	if c.source == nil {
		src, err := journal.OpenSystem()
		if err != nil {
			return err
		}
		c.source = src
	}

	// Retention runs once before anything writes.
	ropts := retention.Options{Policy: s.Policy()}
	if c.archiver != nil {
		ropts.Archive = c.archiver
		ropts.ArchiveRetentionDays = s.Archive.RetentionDays
	}
	c.retention = retention.New(c.engine, c.token, c.metrics, ropts)
	if _, err := c.retention.RunOnce(ctx); err != nil {
		if !errors.Is(err, errors.ErrCheckpoint) {
			return fmt.Errorf("initial retention: %w", err)
		}
		c.log.Warn("initial retention checkpoint skipped", "error", err)
	}

	// Everything Runtime reads exists before the status listener serves it.
	c.ingest = ingest.New(c.source, c.engine, c.token, c.metrics, ingest.Options{
		Follow:         s.Ingest.Follow,
		BackfillWindow: time.Duration(s.Ingest.BackfillMinutes) * time.Minute,
		Heartbeat:      time.Duration(s.Ingest.HeartbeatSeconds) * time.Second,
	})

	if s.Metrics.Enabled {
		c.startMetrics()
	}

	c.retentionWG.Add(1)
	go func() {
		defer c.retentionWG.Done()
		c.retention.Run()
	}()

	if s.Status.Listen != "" {
		c.startStatus()
	}
	return nil
}

func (c *Coordinator) startMetrics() {
	if c.procSource == nil {
		c.procSource = procmon.NewGopsutilSource()
	}
	interval := time.Duration(c.settings.Metrics.IntervalSeconds) * time.Second

	c.pipeline = procmon.NewPipeline(procmon.DefaultCapacity, c.metrics)
	c.sampler = procmon.NewSampler(c.procSource, c.pipeline, interval, c.token, c.metrics)
	c.writer = procmon.NewWriter(c.engine, c.pipeline, c.metrics)

	c.metricsWG.Add(2)
	go func() {
		defer c.metricsWG.Done()
		c.sampler.Run()
	}()
	go func() {
		defer c.metricsWG.Done()
		c.writer.Run(context.Background())
	}()
}

func (c *Coordinator) startStatus() {
	opts := statusapi.Options{
		Addr:     c.settings.Status.Listen,
		Hostname: c.settings.Archive.Hostname,
		Store:    c.engine,
		Registry: c.metrics.Registry(),
		Runtime:  c.Runtime,
	}
	if c.sampler != nil {
		opts.Processes = c.sampler
	}
	srv := statusapi.New(opts)
	if err := srv.Start(); err != nil {
		c.log.Error("status listener disabled", "error", err)
		return
	}
	c.status.Store(srv)
}

// watchSignals triggers the token on SIGINT, SIGTERM or ctx cancellation.
func (c *Coordinator) watchSignals(ctx context.Context) (release func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigs:
			c.log.Info("shutdown requested", "signal", sig.String())
			c.token.Trigger()
		case <-ctx.Done():
			c.log.Info("shutdown requested", "reason", ctx.Err())
			c.token.Trigger()
		case <-c.token.Done():
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// =============================================================================
// Shutdown
// =============================================================================

// stop tears down whatever start brought up. Safe to call more than once.
func (c *Coordinator) stop() {
	c.stopOnce.Do(func() {
		start := time.Now()
		c.token.Trigger()

		if c.pipeline != nil {
			c.pipeline.Close()
		}
		c.metricsWG.Wait()
		c.retentionWG.Wait()

		if srv := c.status.Load(); srv != nil {
			if err := srv.Stop(); err != nil {
				c.log.Warn("stop status listener", "error", err)
			}
		}

		if c.engine != nil {
			c.finalize()
		}
		if c.source != nil {
			if err := c.source.Close(); err != nil {
				c.log.Warn("close journal", "error", err)
			}
		}
		if c.traceFile != nil {
			c.traceFile.Close()
		}

		c.log.Info("stopped", "took", time.Since(start))
	})
}

func (c *Coordinator) finalize() {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if c.settings.Store.DeferCheckpoint {
		c.log.Info("final checkpoint deferred")
	} else if err := c.engine.Checkpoint(ctx); err != nil {
		c.log.Warn("final checkpoint failed", "error", err)
	}

	if stats, err := c.engine.BufferStats(ctx); err == nil {
		attrs := []any{
			"records", stats.TotalRecords,
			"minutes", stats.DistinctMinuteCount,
			"size", types.FormatBytes(c.engine.FileSize()),
		}
		if c.ingest != nil {
			cnt := c.ingest.Counters()
			attrs = append(attrs, "backfilled", cnt.Backfilled, "ingested", cnt.Ingested, "failed", cnt.Failed)
		}
		if c.pipeline != nil {
			attrs = append(attrs, "metrics_dropped", c.pipeline.Dropped())
		}
		c.log.Info("final buffer", attrs...)
	}

	if err := c.engine.Close(); err != nil {
		c.log.Warn("close store", "error", err)
	}
}

// =============================================================================
// Status
// =============================================================================

// Runtime reports live counters for the status listener.
func (c *Coordinator) Runtime() statusapi.Runtime {
	var rt statusapi.Runtime
	if c.ingest != nil {
		cnt := c.ingest.Counters()
		rt.Phase = c.ingest.Phase().String()
		rt.Backfilled, rt.Ingested, rt.Failed = cnt.Backfilled, cnt.Ingested, cnt.Failed
	} else {
		rt.Phase = ingest.PhaseStarting.String()
	}
	if c.pipeline != nil {
		rt.MetricsQueued = c.pipeline.Len()
		rt.MetricsDropped = c.pipeline.Dropped()
	}
	if c.writer != nil {
		rt.MetricsWritten = c.writer.Written()
	}
	if c.retention != nil {
		rt.Retention = c.retention.Stats()
	}
	return rt
}

// StatusAddr returns the bound status listener address, or "".
func (c *Coordinator) StatusAddr() string {
	srv := c.status.Load()
	if srv == nil {
		return ""
	}
	return srv.Addr()
}
