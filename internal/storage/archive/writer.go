package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/livedata/internal/storage/types"
)

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")

// MinuteWriter writes log records to one Parquet file.
type MinuteWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[LogRow]
	rowCount int64
	closed   bool
}

// NewMinuteWriter creates path and its parent directories.
func NewMinuteWriter(path string, compression CompressionType) (*MinuteWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[LogRow](f, parquet.Compression(compression.codec()))

	return &MinuteWriter{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write appends records to the file.
func (w *MinuteWriter) Write(records []types.LogRecord) error {
	if len(records) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]LogRow, len(records))
	for i := range records {
		rows[i] = RowFromRecord(records[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rowCount += int64(n)
	return nil
}

// Close flushes the footer and closes the file.
func (w *MinuteWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("sync file: %w", err)
	}
	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *MinuteWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *MinuteWriter) Path() string {
	return w.path
}

// ReadFile reads every record of an archived minute.
func ReadFile(path string) ([]types.LogRecord, error) {
	rows, err := parquet.ReadFile[LogRow](path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	records := make([]types.LogRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].Record()
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
