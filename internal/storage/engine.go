package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/livedata/internal/errors"
	"github.com/xtxerr/livedata/internal/logging"
	"github.com/xtxerr/livedata/internal/storage/types"
)

// Table names.
const (
	LogsTable    = "journal_logs"
	MetricsTable = "process_metrics"
)

// =============================================================================
// Options
// =============================================================================

// Options configures an Engine.
type Options struct {
	// Path is the database file. Empty opens an in-memory database.
	Path string

	// MemoryLimit is passed to DuckDB as memory_limit, e.g. "512MB".
	MemoryLimit string

	// MaxOpenConns bounds the read pool. Writes are serialized regardless.
	MaxOpenConns int

	// Trace receives every mutating statement when non-nil.
	Trace io.Writer

	// Archiver receives log minutes before retention deletes them.
	Archiver Archiver
}

// DefaultOptions returns Options for path with sensible defaults.
func DefaultOptions(path string) Options {
	return Options{
		Path:         path,
		MaxOpenConns: 8,
	}
}

// Archiver exports a whole log minute before it is evicted.
// ArchiveMinute reports false when the minute was already archived.
type Archiver interface {
	Archived(minute time.Time) bool
	ArchiveMinute(ctx context.Context, minute time.Time, records []types.LogRecord) (bool, error)
}

// =============================================================================
// Engine
// =============================================================================

// Engine is the embedded store for log records and process metrics.
//
// Every mutation runs under one write mutex, so at most one write
// transaction is in flight. Reads use the shared connection pool and do
// not take the mutex.
type Engine struct {
	db   *sql.DB
	path string

	writeMu sync.Mutex
	closed  atomic.Bool

	stats    singleflight.Group
	trace    *tracer
	archiver Archiver
	log      *slog.Logger

	insertLogSQL string

	// sizeScale holds the float64 bits of the calibrated size ratio.
	sizeScale atomic.Uint64

	// Overridable in tests.
	now       func() time.Time
	tableSize func(ctx context.Context, table string) (int64, error)
}

// Open opens or creates the store and applies pending schema migrations.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, errors.Wrap(errors.ErrStoreOpen, fmt.Errorf("create data directory: %w", err))
		}
	}

	db, err := sql.Open("duckdb", dsn(opts))
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreOpen, err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrStoreOpen, fmt.Errorf("ping database: %w", err))
	}

	e := &Engine{
		db:           db,
		path:         opts.Path,
		archiver:     opts.Archiver,
		log:          logging.Component("storage"),
		insertLogSQL: buildInsertLogSQL(),
		now:          time.Now,
	}
	if opts.Trace != nil {
		e.trace = &tracer{w: opts.Trace}
	}
	e.tableSize = e.estimateTableSize

	if err := e.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrStoreOpen, err)
	}

	e.log.Info("store opened", "path", displayPath(opts.Path))
	return e, nil
}

func dsn(opts Options) string {
	if opts.MemoryLimit == "" {
		return opts.Path
	}
	q := url.Values{}
	q.Set("memory_limit", opts.MemoryLimit)
	return opts.Path + "?" + q.Encode()
}

func displayPath(p string) string {
	if p == "" {
		return ":memory:"
	}
	return p
}

// Path returns the database file path.
func (e *Engine) Path() string {
	return e.path
}

// Close closes the database. Subsequent calls are no-ops.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return errors.ErrClosed
	}
	return nil
}

// exec runs a mutating statement outside a transaction. Callers hold writeMu.
func (e *Engine) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	e.trace.statement(query, args)
	return e.db.ExecContext(ctx, query, args...)
}

func execTx(ctx context.Context, tx *sql.Tx, t *tracer, query string, args ...any) (sql.Result, error) {
	t.statement(query, args)
	return tx.ExecContext(ctx, query, args...)
}

// =============================================================================
// Checkpoint
// =============================================================================

// Checkpoint flushes the write-ahead log into the database file so size
// measurements reflect logical content.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.checkpointLocked(ctx)
}

func (e *Engine) checkpointLocked(ctx context.Context) error {
	if _, err := e.exec(ctx, "CHECKPOINT"); err != nil {
		return errors.Wrap(errors.ErrCheckpoint, err)
	}
	return nil
}

// =============================================================================
// Schema
// =============================================================================

// migrations[i] upgrades the schema from version i to i+1.
var migrations = [][]string{
	{
		createLogsTableSQL(),
		`CREATE INDEX IF NOT EXISTS idx_logs_minute_key ON journal_logs(minute_key)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON journal_logs(timestamp)`,
		`CREATE TABLE IF NOT EXISTS process_metrics (
			timestamp    TIMESTAMP NOT NULL,
			pid          INTEGER NOT NULL,
			name         VARCHAR NOT NULL,
			cpu_usage    DOUBLE NOT NULL,
			mem_bytes    BIGINT NOT NULL,
			user_id      VARCHAR,
			runtime_secs BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON process_metrics(timestamp)`,
	},
}

// SchemaVersion is the version a freshly migrated store reports.
var SchemaVersion = len(migrations)

func createLogsTableSQL() string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS journal_logs (\n")
	b.WriteString("\ttimestamp TIMESTAMP NOT NULL,\n")
	b.WriteString("\tminute_key TIMESTAMP NOT NULL,\n")
	for _, spec := range types.Schema.Specs() {
		fmt.Fprintf(&b, "\t%s %s,\n", spec.Column, spec.Kind.SQLType())
	}
	b.WriteString("\textra_fields VARCHAR\n)")
	return b.String()
}

func buildInsertLogSQL() string {
	cols := append([]string{"timestamp", "minute_key"}, types.Schema.Columns()...)
	cols = append(cols, "extra_fields")
	return fmt.Sprintf("INSERT INTO journal_logs (%s) VALUES (%s)",
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
}

func (e *Engine) migrate(ctx context.Context) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if _, err := e.exec(ctx, `CREATE TABLE IF NOT EXISTS _schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema version table: %w", err)
	}

	var current int
	err := e.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM _schema_version`).Scan(&current)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for v := current; v < len(migrations); v++ {
		err := e.withTxLocked(ctx, func(tx *sql.Tx) error {
			for _, stmt := range migrations[v] {
				if _, err := execTx(ctx, tx, e.trace, stmt); err != nil {
					return err
				}
			}
			_, err := execTx(ctx, tx, e.trace, `INSERT INTO _schema_version (version) VALUES (?)`, v+1)
			return err
		})
		if err != nil {
			return fmt.Errorf("migrate schema to version %d: %w", v+1, err)
		}
		e.log.Info("schema migrated", "version", v+1)
	}
	return nil
}

// Version returns the applied schema version.
func (e *Engine) Version(ctx context.Context) (int, error) {
	var v int
	err := e.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM _schema_version`).Scan(&v)
	return v, err
}

// withTxLocked runs fn in a transaction, rolling back on error or panic.
// Callers hold writeMu.
func (e *Engine) withTxLocked(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
