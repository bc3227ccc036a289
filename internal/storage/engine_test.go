package storage

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/livedata/internal/errors"
	"github.com/xtxerr/livedata/internal/storage/types"
)

func newTestEngine(t *testing.T, mutate ...func(*Options)) *Engine {
	t.Helper()

	opts := DefaultOptions(filepath.Join(t.TempDir(), "livedata.duckdb"))
	for _, m := range mutate {
		m(&opts)
	}

	e, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func record(ts time.Time, fields map[string]string) types.LogRecord {
	if fields == nil {
		fields = map[string]string{}
	}
	if _, ok := fields["MESSAGE"]; !ok {
		fields["MESSAGE"] = "message at " + ts.Format(time.RFC3339Nano)
	}
	return types.NewLogRecord(ts, fields)
}

func TestOpen_AppliesSchema(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	v, err := e.Version(ctx)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != SchemaVersion {
		t.Errorf("schema version = %d, want %d", v, SchemaVersion)
	}

	for _, table := range []string{LogsTable, MetricsTable} {
		if _, err := e.countRows(ctx, table); err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livedata.duckdb")
	ctx := context.Background()

	e, err := Open(ctx, DefaultOptions(path))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.AddRecord(ctx, record(time.Now(), nil)); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e, err = Open(ctx, DefaultOptions(path))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e.Close()

	stats, err := e.BufferStats(ctx)
	if err != nil {
		t.Fatalf("BufferStats: %v", err)
	}
	if stats.TotalRecords != 1 {
		t.Errorf("records after reopen = %d, want 1", stats.TotalRecords)
	}
	if v, _ := e.Version(ctx); v != SchemaVersion {
		t.Errorf("migrations re-applied, version = %d", v)
	}
}

func TestBufferStats_TwoMinutes(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	m := time.Date(2024, 6, 1, 10, 15, 0, 0, time.UTC)
	err := e.WithTransaction(ctx, func(b *Batch) error {
		for i := 0; i < 100; i++ {
			ts := m.Add(time.Duration(i) * time.Second)
			if err := b.AddRecord(record(ts, nil)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTransaction: %v", err)
	}

	stats, err := e.BufferStats(ctx)
	if err != nil {
		t.Fatalf("BufferStats: %v", err)
	}
	if stats.TotalRecords != 100 {
		t.Errorf("TotalRecords = %d, want 100", stats.TotalRecords)
	}
	if stats.DistinctMinuteCount != 2 {
		t.Errorf("DistinctMinuteCount = %d, want 2", stats.DistinctMinuteCount)
	}
	if stats.OldestMinute == nil || !stats.OldestMinute.Equal(m) {
		t.Errorf("OldestMinute = %v, want %v", stats.OldestMinute, m)
	}
	if stats.NewestMinute == nil || !stats.NewestMinute.Equal(m.Add(time.Minute)) {
		t.Errorf("NewestMinute = %v", stats.NewestMinute)
	}
}

func TestBufferStats_Empty(t *testing.T) {
	e := newTestEngine(t)

	stats, err := e.BufferStats(context.Background())
	if err != nil {
		t.Fatalf("BufferStats: %v", err)
	}
	if stats.TotalRecords != 0 || stats.OldestMinute != nil || stats.NewestMinute != nil {
		t.Errorf("unexpected stats for empty store: %+v", stats)
	}
}

func TestBufferStats_Concurrent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if err := e.AddRecord(ctx, record(time.Now(), nil)); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := e.BufferStats(ctx)
			if err == nil && s.TotalRecords != 1 {
				err = fmt.Errorf("TotalRecords = %d", s.TotalRecords)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
}

func TestAddRecord_FieldRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	ts := time.Date(2024, 6, 1, 10, 15, 42, 123456000, time.UTC)
	fields := map[string]string{
		"MESSAGE":              "disk nearly full",
		"PRIORITY":             "4",
		"_HOSTNAME":            "db-1",
		"_SYSTEMD_UNIT":        "postgresql.service",
		"_PID":                 "812",
		"_UID":                 "not-numeric",
		"CODE_FILE":            "src/disk.c",
		"__REALTIME_TIMESTAMP": "1717236942123456",
	}
	if err := e.AddRecord(ctx, types.NewLogRecord(ts, fields)); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}

	got, err := e.EntriesForMinute(ctx, ts)
	if err != nil {
		t.Fatalf("EntriesForMinute: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	if !got[0].Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", got[0].Timestamp, ts)
	}
	for k, v := range fields {
		if got[0].Fields[k] != v {
			t.Errorf("field %s = %q, want %q", k, got[0].Fields[k], v)
		}
	}
	if len(got[0].Fields) != len(fields) {
		t.Errorf("got %d fields, want %d", len(got[0].Fields), len(fields))
	}

	// The unparseable _UID lives only in the side-value.
	var (
		uid   *int64
		extra string
	)
	row := e.db.QueryRowContext(ctx, "SELECT _uid, extra_fields FROM journal_logs")
	if err := row.Scan(&uid, &extra); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if uid != nil {
		t.Errorf("typed _uid column should be NULL, got %d", *uid)
	}
	if !strings.Contains(extra, `"_UID":"not-numeric"`) || strings.Contains(extra, "_PID") {
		t.Errorf("unexpected side-value %s", extra)
	}
}

func TestBatch_RollbackDiscardsAll(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	boom := errors.New("visit failed")
	err := e.WithTransaction(ctx, func(b *Batch) error {
		for i := 0; i < 10; i++ {
			if err := b.AddRecord(record(now.Add(time.Duration(i)*time.Millisecond), nil)); err != nil {
				return err
			}
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected visit error, got %v", err)
	}

	stats, err := e.BufferStats(ctx)
	if err != nil {
		t.Fatalf("BufferStats: %v", err)
	}
	if stats.TotalRecords != 0 {
		t.Errorf("rolled back batch left %d records", stats.TotalRecords)
	}

	// The write mutex was released: a plain write succeeds.
	if err := e.AddRecord(ctx, record(now, nil)); err != nil {
		t.Fatalf("AddRecord after rollback: %v", err)
	}
}

func TestBatch_PanicRollsBack(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		e.WithTransaction(ctx, func(b *Batch) error {
			b.AddRecord(record(time.Now(), nil))
			panic("boom")
		})
	}()

	if n, _ := e.countRows(ctx, LogsTable); n != 0 {
		t.Errorf("panicking batch left %d rows", n)
	}
	if err := e.AddRecord(ctx, record(time.Now(), nil)); err != nil {
		t.Fatalf("write after panic: %v", err)
	}
}

func TestBatch_FinishedTwice(t *testing.T) {
	e := newTestEngine(t)

	b, err := e.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := b.AddRecord(record(time.Now(), nil)); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	if b.Len() != 1 {
		t.Errorf("Len = %d", b.Len())
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := b.Commit(); !errors.Is(err, errors.ErrTransactionDone) {
		t.Errorf("second Commit = %v", err)
	}
	if err := b.AddRecord(record(time.Now(), nil)); !errors.Is(err, errors.ErrTransactionDone) {
		t.Errorf("AddRecord after Commit = %v", err)
	}
	if err := b.Rollback(); err != nil {
		t.Errorf("Rollback after Commit should be a no-op, got %v", err)
	}
}

func TestBatch_BlocksOtherWriters(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	b, err := e.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- e.AddRecord(ctx, record(time.Now(), nil))
	}()

	select {
	case <-done:
		t.Fatal("autocommit write ran while a batch was open")
	case <-time.After(50 * time.Millisecond):
	}

	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AddRecord: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("writer still blocked after commit")
	}
}

func TestAddProcessMetrics(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.AddProcessMetrics(ctx, types.ProcessMetricsBatch{Timestamp: time.Now()}); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if n, _ := e.CountMetrics(ctx); n != 0 {
		t.Fatalf("empty batch inserted %d rows", n)
	}

	user := "1000"
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	batch := types.ProcessMetricsBatch{Timestamp: ts}
	for i := 0; i < 250; i++ {
		s := types.ProcessSample{
			PID:            int32(i + 1),
			Name:           fmt.Sprintf("proc-%d", i),
			CPUPercent:     float64(i) / 10,
			MemoryBytes:    uint64(i) * 4096,
			RuntimeSeconds: uint64(i),
		}
		if i%2 == 0 {
			s.UserID = &user
		}
		batch.Samples = append(batch.Samples, s)
	}

	if err := e.AddProcessMetrics(ctx, batch); err != nil {
		t.Fatalf("AddProcessMetrics: %v", err)
	}
	if n, _ := e.CountMetrics(ctx); n != 250 {
		t.Errorf("stored %d rows, want 250", n)
	}

	latest, err := e.LatestProcesses(ctx, 5)
	if err != nil {
		t.Fatalf("LatestProcesses: %v", err)
	}
	if len(latest.Samples) != 5 {
		t.Fatalf("got %d samples, want 5", len(latest.Samples))
	}
	if !latest.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", latest.Timestamp, ts)
	}
	top := latest.Samples[0]
	if top.PID != 250 || top.Name != "proc-249" || top.MemoryBytes != 249*4096 {
		t.Errorf("unexpected top sample %+v", top)
	}
	if top.UserID != nil {
		t.Errorf("odd index should have no user, got %v", *top.UserID)
	}
	if latest.Samples[1].UserID == nil || *latest.Samples[1].UserID != "1000" {
		t.Error("user id not round-tripped")
	}
}

func TestDeleteMinute(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	m := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		if err := e.AddRecord(ctx, record(m.Add(time.Duration(i)*20*time.Second), nil)); err != nil {
			t.Fatalf("AddRecord: %v", err)
		}
	}

	if n, _ := e.CountForMinute(ctx, m); n != 3 {
		t.Fatalf("CountForMinute = %d, want 3", n)
	}

	n, err := e.DeleteMinute(ctx, m.Add(30*time.Second))
	if err != nil {
		t.Fatalf("DeleteMinute: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted %d, want 3", n)
	}
	if total, _ := e.countRows(ctx, LogsTable); total != 3 {
		t.Errorf("remaining %d, want 3", total)
	}
}

func TestTrace(t *testing.T) {
	var buf bytes.Buffer
	e := newTestEngine(t, func(o *Options) { o.Trace = &buf })
	ctx := context.Background()

	if err := e.AddRecord(ctx, record(time.Now(), map[string]string{"MESSAGE": "it's traced"})); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	if err := e.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"CREATE TABLE IF NOT EXISTS journal_logs", "INSERT INTO journal_logs", "'it''s traced'", "CHECKPOINT;"} {
		if !strings.Contains(out, want) {
			t.Errorf("trace missing %q", want)
		}
	}
}

func TestClosed(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	ctx := context.Background()
	if err := e.AddRecord(ctx, record(time.Now(), nil)); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("AddRecord after Close = %v", err)
	}
	if _, err := e.BufferStats(ctx); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("BufferStats after Close = %v", err)
	}
	if _, err := e.EnforceRetention(ctx, types.RetentionPolicy{}); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("EnforceRetention after Close = %v", err)
	}
}

func TestTableSize(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.TableSize(ctx, "samples"); !errors.Is(err, errors.ErrUnknownTable) {
		t.Errorf("unknown table error = %v", err)
	}

	err := e.WithTransaction(ctx, func(b *Batch) error {
		now := time.Now()
		for i := 0; i < 2000; i++ {
			if err := b.AddRecord(record(now.Add(-time.Duration(i)*time.Second), nil)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := e.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	size, err := e.TableSize(ctx, LogsTable)
	if err != nil {
		t.Fatalf("TableSize: %v", err)
	}
	if size <= 0 {
		t.Errorf("checkpointed table size = %d, want > 0", size)
	}
	if e.FileSize() <= 0 {
		t.Errorf("FileSize = %d, want > 0", e.FileSize())
	}
}

func TestProcessSnapshot(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		batch := types.ProcessMetricsBatch{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Samples:   []types.ProcessSample{{PID: int32(i + 1), Name: "p"}},
		}
		if err := e.AddProcessMetrics(ctx, batch); err != nil {
			t.Fatalf("AddProcessMetrics: %v", err)
		}
	}

	tests := []struct {
		name    string
		at      time.Time
		wantPID int32
	}{
		{"exact", base.Add(time.Minute), 2},
		{"between", base.Add(90 * time.Second), 2},
		{"after last", base.Add(time.Hour), 3},
		{"before first", base.Add(-time.Second), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.ProcessSnapshot(ctx, tt.at, 0)
			if err != nil {
				t.Fatalf("ProcessSnapshot: %v", err)
			}
			if tt.wantPID == 0 {
				if got.Len() != 0 {
					t.Errorf("got %d samples, want none", got.Len())
				}
				return
			}
			if got.Len() != 1 || got.Samples[0].PID != tt.wantPID {
				t.Errorf("samples = %+v, want pid %d", got.Samples, tt.wantPID)
			}
		})
	}
}
