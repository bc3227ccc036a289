package retention

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xtxerr/livedata/internal/errors"
	"github.com/xtxerr/livedata/internal/shutdown"
	"github.com/xtxerr/livedata/internal/storage"
	"github.com/xtxerr/livedata/internal/storage/archive"
	"github.com/xtxerr/livedata/internal/storage/types"
	"github.com/xtxerr/livedata/internal/telemetry"
)

type fakeEnforcer struct {
	mu     sync.Mutex
	calls  int
	stats  types.CleanupStats
	errs   []error
	policy types.RetentionPolicy
}

func (f *fakeEnforcer) EnforceRetention(ctx context.Context, policy types.RetentionPolicy) (types.CleanupStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.policy = policy
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	return f.stats, err
}

func (f *fakeEnforcer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePruner struct {
	cutoff time.Time
	calls  int
}

func (f *fakePruner) Prune(cutoff time.Time, dryRun bool) (archive.PruneResult, error) {
	f.calls++
	f.cutoff = cutoff
	return archive.PruneResult{FilesDeleted: 3}, nil
}

func TestRunOnce_RecordsOutcome(t *testing.T) {
	store := &fakeEnforcer{stats: types.CleanupStats{LogsDeleted: 5, MetricsDeleted: 2, LogSoftLimit: true}}
	m := telemetry.New()
	policy := types.RetentionPolicy{LogRetentionDays: 30, CleanupIntervalMinutes: 10}
	s := New(store, shutdown.New(), m, Options{Policy: policy})

	stats, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.TotalDeleted() != 7 {
		t.Errorf("TotalDeleted = %d", stats.TotalDeleted())
	}
	if store.policy != policy {
		t.Errorf("policy = %+v, want %+v", store.policy, policy)
	}

	got := s.Stats()
	if got.Runs != 1 || got.RowsDeleted != 7 || got.SoftLimitHits != 1 || got.Failures != 0 {
		t.Errorf("Stats = %+v", got)
	}
	if got.LastRunTime.IsZero() {
		t.Error("LastRunTime not set")
	}
	if v := testutil.ToFloat64(m.RetentionRuns); v != 1 {
		t.Errorf("RetentionRuns = %v", v)
	}
}

func TestRunOnce_FailureIsRetried(t *testing.T) {
	checkpoint := fmt.Errorf("%w: disk busy", errors.ErrCheckpoint)
	store := &fakeEnforcer{errs: []error{checkpoint, errors.New("io error")}}
	m := telemetry.New()
	s := New(store, shutdown.New(), m, Options{})

	for i, want := range []error{checkpoint, store.errs[1], nil} {
		_, err := s.RunOnce(context.Background())
		if (want == nil) != (err == nil) {
			t.Fatalf("pass %d: err = %v, want %v", i, err, want)
		}
	}

	got := s.Stats()
	if got.Runs != 3 || got.Failures != 2 {
		t.Errorf("Stats = %+v", got)
	}
	if got.LastError != "" {
		t.Errorf("LastError = %q after successful pass", got.LastError)
	}
	if v := testutil.ToFloat64(m.RetentionFailures); v != 2 {
		t.Errorf("RetentionFailures = %v", v)
	}
}

func TestRunOnce_PrunesArchive(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	pruner := &fakePruner{}
	s := New(&fakeEnforcer{}, shutdown.New(), telemetry.New(), Options{
		Archive:              pruner,
		ArchiveRetentionDays: 90,
	})
	s.now = func() time.Time { return now }

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if pruner.calls != 1 || !pruner.cutoff.Equal(now.AddDate(0, 0, -90)) {
		t.Errorf("pruner calls=%d cutoff=%v", pruner.calls, pruner.cutoff)
	}
	if s.Stats().FilesPruned != 3 {
		t.Errorf("FilesPruned = %d", s.Stats().FilesPruned)
	}

	// Failed passes do not prune.
	failing := New(&fakeEnforcer{errs: []error{errors.New("boom")}}, shutdown.New(), telemetry.New(), Options{
		Archive:              pruner,
		ArchiveRetentionDays: 90,
	})
	failing.RunOnce(context.Background())
	if pruner.calls != 1 {
		t.Errorf("pruner called after failed pass")
	}
}

func TestRun_RepeatsUntilShutdown(t *testing.T) {
	store := &fakeEnforcer{}
	token := shutdown.New()
	s := New(store, token, telemetry.New(), Options{})
	s.every = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for store.Calls() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.Calls() < 3 {
		t.Fatalf("calls = %d, want at least 3", store.Calls())
	}

	token.Trigger()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRun_StopsWithinPollBound(t *testing.T) {
	store := &fakeEnforcer{}
	token := shutdown.New()
	s := New(store, token, telemetry.New(), Options{
		Policy: types.RetentionPolicy{CleanupIntervalMinutes: 15},
	})
	if s.Interval() != 15*time.Minute {
		t.Fatalf("Interval = %v", s.Interval())
	}

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	token.Trigger()
	<-done
	if took := time.Since(start); took > 150*time.Millisecond {
		t.Errorf("stop took %v", took)
	}
	if store.Calls() != 0 {
		t.Errorf("pass ran before the first interval elapsed")
	}
}

// gatedEnforcer holds each pass open until released and records whether
// the pass context was cancelled meanwhile.
type gatedEnforcer struct {
	entered  chan struct{}
	release  chan struct{}
	canceled chan bool
}

func (g *gatedEnforcer) EnforceRetention(ctx context.Context, policy types.RetentionPolicy) (types.CleanupStats, error) {
	g.entered <- struct{}{}
	<-g.release
	g.canceled <- ctx.Err() != nil
	return types.CleanupStats{}, ctx.Err()
}

func TestRun_PassOutlivesShutdownRequest(t *testing.T) {
	store := &gatedEnforcer{
		entered:  make(chan struct{}, 1),
		release:  make(chan struct{}),
		canceled: make(chan bool, 1),
	}
	token := shutdown.New()
	s := New(store, token, telemetry.New(), Options{})
	s.every = 5 * time.Millisecond

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	select {
	case <-store.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("no pass started")
	}
	token.Trigger()
	time.Sleep(20 * time.Millisecond)
	close(store.release)

	if <-store.canceled {
		t.Error("pass context cancelled by shutdown request")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after the pass")
	}
	if got := s.Stats(); got.Runs != 1 || got.Failures != 0 {
		t.Errorf("Stats = %+v, want one clean pass", got)
	}
}

func TestRunOnce_RealStore(t *testing.T) {
	ctx := context.Background()
	e, err := storage.Open(ctx, storage.DefaultOptions(filepath.Join(t.TempDir(), "livedata.duckdb")))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	now := time.Now().UTC()
	for _, ts := range []time.Time{now.AddDate(0, 0, -10), now.Add(-time.Hour)} {
		if err := e.AddRecord(ctx, types.NewLogRecord(ts, map[string]string{"MESSAGE": "m"})); err != nil {
			t.Fatalf("AddRecord: %v", err)
		}
	}

	s := New(e, shutdown.New(), telemetry.New(), Options{
		Policy: types.RetentionPolicy{LogRetentionDays: 7},
	})
	stats, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.LogsDeleted != 1 {
		t.Errorf("LogsDeleted = %d, want 1", stats.LogsDeleted)
	}
	if stats.FinalSize <= 0 {
		t.Errorf("FinalSize = %d", stats.FinalSize)
	}
}
