package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/livedata/internal/storage"
	"github.com/xtxerr/livedata/internal/storage/types"
)

func newArchiver(t *testing.T, c CompressionType) *Archiver {
	t.Helper()
	a, err := New(Options{Dir: t.TempDir(), Hostname: "web-1", Compression: c})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestPathFor(t *testing.T) {
	a := newArchiver(t, CompressionSnappy)
	minute := time.Date(2024, 3, 7, 9, 5, 42, 0, time.UTC)

	got := a.PathFor(minute)
	want := filepath.Join(a.dir, "web-1", "2024", "03", "07", "20240307-0905-journal.parquet")
	if got != want {
		t.Errorf("PathFor = %q, want %q", got, want)
	}

	// Non-UTC input maps to the same UTC minute.
	loc := time.FixedZone("plus2", 2*3600)
	if p := a.PathFor(minute.In(loc)); p != want {
		t.Errorf("PathFor(local) = %q, want %q", p, want)
	}
}

func TestArchiveMinute_RoundTrip(t *testing.T) {
	for _, c := range []CompressionType{CompressionNone, CompressionSnappy, CompressionZstd, CompressionGzip} {
		a := newArchiver(t, c)
		minute := time.Date(2024, 3, 7, 9, 5, 0, 0, time.UTC)

		records := []types.LogRecord{
			types.NewLogRecord(minute.Add(time.Second), map[string]string{
				"MESSAGE":    "kernel panic",
				"PRIORITY":   "0",
				"_HOSTNAME":  "web-1",
				"_PID":       "1",
				"_UID":       "not-a-number",
				"CUSTOM_KEY": "custom value",
			}),
			types.NewLogRecord(minute.Add(2*time.Second+500*time.Microsecond), map[string]string{
				"MESSAGE": "second",
			}),
		}

		wrote, err := a.ArchiveMinute(context.Background(), minute, records)
		if err != nil || !wrote {
			t.Fatalf("ArchiveMinute = %v, %v", wrote, err)
		}

		got, err := ReadFile(a.PathFor(minute))
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		if len(got) != len(records) {
			t.Fatalf("read %d records, want %d", len(got), len(records))
		}
		for i := range records {
			if !got[i].Timestamp.Equal(records[i].Timestamp) {
				t.Errorf("record %d timestamp = %v, want %v", i, got[i].Timestamp, records[i].Timestamp)
			}
			if len(got[i].Fields) != len(records[i].Fields) {
				t.Errorf("record %d fields = %v, want %v", i, got[i].Fields, records[i].Fields)
			}
			for k, v := range records[i].Fields {
				if got[i].Fields[k] != v {
					t.Errorf("record %d field %s = %q, want %q", i, k, got[i].Fields[k], v)
				}
			}
		}
		if p := got[0].Priority(); p != 0 {
			t.Errorf("priority 0 not preserved, got %d", p)
		}
	}
}

func TestArchiveMinute_SkipsExisting(t *testing.T) {
	a := newArchiver(t, CompressionSnappy)
	minute := time.Date(2024, 3, 7, 9, 5, 0, 0, time.UTC)
	recs := []types.LogRecord{types.NewLogRecord(minute, map[string]string{"MESSAGE": "first"})}

	if wrote, err := a.ArchiveMinute(context.Background(), minute, recs); err != nil || !wrote {
		t.Fatalf("first ArchiveMinute = %v, %v", wrote, err)
	}
	info, err := os.Stat(a.PathFor(minute))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !a.Archived(minute) || a.Archived(minute.Add(time.Minute)) {
		t.Error("Archived should report only the written minute")
	}

	again := []types.LogRecord{types.NewLogRecord(minute, map[string]string{"MESSAGE": "overwrite attempt"})}
	wrote, err := a.ArchiveMinute(context.Background(), minute, again)
	if err != nil || wrote {
		t.Fatalf("second ArchiveMinute = %v, %v; want skip", wrote, err)
	}

	after, _ := os.Stat(a.PathFor(minute))
	if !after.ModTime().Equal(info.ModTime()) || after.Size() != info.Size() {
		t.Error("existing archive was rewritten")
	}
	if st := a.Stats(); st.MinutesWritten != 1 || st.MinutesSkipped != 1 || st.RowsWritten != 1 {
		t.Errorf("Stats = %+v", st)
	}
	if _, err := os.Stat(a.PathFor(minute) + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestArchiveMinute_Empty(t *testing.T) {
	a := newArchiver(t, CompressionSnappy)
	minute := time.Date(2024, 3, 7, 9, 5, 0, 0, time.UTC)

	wrote, err := a.ArchiveMinute(context.Background(), minute, nil)
	if err != nil || wrote {
		t.Fatalf("ArchiveMinute(nil) = %v, %v", wrote, err)
	}
	if _, err := os.Stat(a.PathFor(minute)); !os.IsNotExist(err) {
		t.Error("empty minute should not create a file")
	}
}

func TestParseCompressionType(t *testing.T) {
	tests := []struct {
		in   string
		want CompressionType
	}{
		{"", CompressionNone},
		{"none", CompressionNone},
		{"snappy", CompressionSnappy},
		{"zstd", CompressionZstd},
		{"lz4", CompressionLZ4},
		{"gzip", CompressionGzip},
		{"brotli", CompressionSnappy},
	}
	for _, tt := range tests {
		if got := ParseCompressionType(tt.in); got != tt.want {
			t.Errorf("ParseCompressionType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_SanitizesHostname(t *testing.T) {
	a, err := New(Options{Dir: t.TempDir(), Hostname: "../evil/host"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := a.PathFor(time.Now())
	if rel, err := filepath.Rel(a.dir, p); err != nil || rel == "" || rel[0] == '.' {
		t.Errorf("path %q escapes archive dir", p)
	}
}

func TestRetentionArchivesEvictedMinutes(t *testing.T) {
	a := newArchiver(t, CompressionSnappy)
	ctx := context.Background()

	opts := storage.DefaultOptions(filepath.Join(t.TempDir(), "livedata.duckdb"))
	opts.Archiver = a
	e, err := storage.Open(ctx, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	now := time.Now().UTC()
	old := types.MinuteKey(now.AddDate(0, 0, -10))
	for i := 0; i < 3; i++ {
		rec := types.NewLogRecord(old.Add(time.Duration(i)*time.Second), map[string]string{"MESSAGE": "old"})
		if err := e.AddRecord(ctx, rec); err != nil {
			t.Fatalf("AddRecord: %v", err)
		}
	}
	if err := e.AddRecord(ctx, types.NewLogRecord(now, map[string]string{"MESSAGE": "new"})); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}

	stats, err := e.EnforceRetention(ctx, types.RetentionPolicy{LogRetentionDays: 7})
	if err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}
	if stats.LogsDeleted != 3 || stats.MinutesArchived != 1 {
		t.Errorf("stats = %+v", stats)
	}

	got, err := ReadFile(a.PathFor(old))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != 3 || got[0].Message() != "old" {
		t.Errorf("archived records = %+v", got)
	}
}
