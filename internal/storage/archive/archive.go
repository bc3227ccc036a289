// Package archive exports whole log minutes to Parquet files before
// retention deletes them.
//
// Files are laid out per host and day:
//
//	<dir>/<hostname>/YYYY/MM/DD/YYYYMMDD-HHMM-journal.parquet
//
// A minute that already has a file is skipped, so re-running retention
// over the same data never overwrites an archive.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/xtxerr/livedata/internal/logging"
	"github.com/xtxerr/livedata/internal/storage/types"
)

// DataSource names the archived stream in file names.
const DataSource = "journal"

// Options configures an Archiver.
type Options struct {
	Dir         string
	Hostname    string
	Compression CompressionType
}

// Archiver writes one Parquet file per log minute.
type Archiver struct {
	dir         string
	hostname    string
	compression CompressionType
	log         *slog.Logger

	written atomic.Int64
	skipped atomic.Int64
	rows    atomic.Int64
}

// New creates the archive root directory.
func New(opts Options) (*Archiver, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	host := sanitizeHost(opts.Hostname)
	if host == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolve hostname: %w", err)
		}
		host = sanitizeHost(h)
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	a := &Archiver{
		dir:         opts.Dir,
		hostname:    host,
		compression: opts.Compression,
		log:         logging.Component("archive"),
	}
	a.log.Info("archive enabled", "dir", opts.Dir, "hostname", host)
	return a, nil
}

func sanitizeHost(h string) string {
	h = strings.TrimSpace(h)
	return strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(h)
}

// Hostname returns the host directory name.
func (a *Archiver) Hostname() string {
	return a.hostname
}

// PathFor returns the file that holds minute.
func (a *Archiver) PathFor(minute time.Time) string {
	m := types.MinuteKey(minute)
	return filepath.Join(a.dir, a.hostname,
		m.Format("2006"), m.Format("01"), m.Format("02"),
		m.Format("20060102-1504")+"-"+DataSource+".parquet")
}

// Archived reports whether the minute's file already exists.
func (a *Archiver) Archived(minute time.Time) bool {
	_, err := os.Stat(a.PathFor(minute))
	return err == nil
}

// ArchiveMinute writes records to the minute's file. It reports false
// without error when the file already exists or there is nothing to write.
// The file appears atomically: it is written under a temporary name and
// renamed once complete.
func (a *Archiver) ArchiveMinute(ctx context.Context, minute time.Time, records []types.LogRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	path := a.PathFor(minute)
	if _, err := os.Stat(path); err == nil {
		a.skipped.Add(1)
		a.log.Debug("archive file exists, skipping", "path", path)
		return false, nil
	}
	if len(records) == 0 {
		return false, nil
	}

	tmp := path + ".tmp"
	w, err := NewMinuteWriter(tmp, a.compression)
	if err != nil {
		return false, err
	}
	if err := w.Write(records); err != nil {
		w.Close()
		os.Remove(tmp)
		return false, err
	}
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return false, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("publish archive file: %w", err)
	}

	a.written.Add(1)
	a.rows.Add(int64(len(records)))
	a.log.Debug("archived minute", "minute", types.MinuteKey(minute), "records", len(records), "path", path)
	return true, nil
}

// Stats are cumulative archive counters.
type Stats struct {
	MinutesWritten int64
	MinutesSkipped int64
	RowsWritten    int64
}

// Stats returns a snapshot of the counters.
func (a *Archiver) Stats() Stats {
	return Stats{
		MinutesWritten: a.written.Load(),
		MinutesSkipped: a.skipped.Load(),
		RowsWritten:    a.rows.Load(),
	}
}
