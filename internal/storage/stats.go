package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/xtxerr/livedata/internal/errors"
	"github.com/xtxerr/livedata/internal/storage/types"
)

// defaultBlockSize is DuckDB's block size when the pragma cannot report one.
const defaultBlockSize = 256 * 1024

// BufferStats recomputes the log table projection. Concurrent callers share
// one in-flight computation; results are never cached.
func (e *Engine) BufferStats(ctx context.Context) (types.BufferStats, error) {
	if err := e.checkOpen(); err != nil {
		return types.BufferStats{}, err
	}

	v, err, _ := e.stats.Do("buffer-stats", func() (any, error) {
		return e.computeBufferStats(ctx)
	})
	if err != nil {
		return types.BufferStats{}, err
	}
	return v.(types.BufferStats), nil
}

func (e *Engine) computeBufferStats(ctx context.Context) (types.BufferStats, error) {
	var (
		s              types.BufferStats
		oldest, newest sql.NullTime
	)
	err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT minute_key), MIN(minute_key), MAX(minute_key) FROM journal_logs`,
	).Scan(&s.TotalRecords, &s.DistinctMinuteCount, &oldest, &newest)
	if err != nil {
		return types.BufferStats{}, fmt.Errorf("buffer stats: %w", err)
	}

	if oldest.Valid {
		t := oldest.Time.UTC()
		s.OldestMinute = &t
	}
	if newest.Valid {
		t := newest.Time.UTC()
		s.NewestMinute = &t
	}
	return s, nil
}

func (e *Engine) countRows(ctx context.Context, table string) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	var n int64
	if err := e.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func checkTable(table string) error {
	switch table {
	case LogsTable, MetricsTable:
		return nil
	}
	return fmt.Errorf("%w: %s", errors.ErrUnknownTable, table)
}

// TableSize estimates the bytes a table occupies in the checkpointed file.
// Callers should checkpoint first for the value to reflect recent writes.
func (e *Engine) TableSize(ctx context.Context, table string) (int64, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.tableSize(ctx, table)
}

// =============================================================================
// Size estimate
// =============================================================================

// DuckDB keeps no per-table byte count, and the blocks a table touches do
// not shrink when rows are deleted. A table's size is the logical width of
// its rows scaled by the ratio of used file bytes to logical bytes across
// both tables. Retention recalibrates the ratio once per pass and holds it
// while evicting.

// rowWidth holds per-table SQL expressions for the logical bytes of a row.
var rowWidth = map[string]string{
	LogsTable:    logRowWidth(),
	MetricsTable: "8 + 4 + strlen(name) + 8 + 8 + COALESCE(strlen(user_id), 0) + 8",
}

func logRowWidth() string {
	terms := []string{"16"} // timestamp, minute_key
	for _, spec := range types.Schema.Specs() {
		if spec.Kind == types.KindString {
			terms = append(terms, fmt.Sprintf("COALESCE(strlen(%s), 0)", spec.Column))
		} else {
			terms = append(terms, "8")
		}
	}
	terms = append(terms, "COALESCE(strlen(extra_fields), 0)")
	return strings.Join(terms, " + ")
}

// estimateTableSize is the default tableSize.
func (e *Engine) estimateTableSize(ctx context.Context, table string) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}

	scale := math.Float64frombits(e.sizeScale.Load())
	if scale <= 0 {
		var err error
		if scale, err = e.calibrateSize(ctx); err != nil {
			return 0, err
		}
	}

	logical, err := e.logicalBytes(ctx, table)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(float64(logical) * scale)), nil
}

// calibrateSize recomputes the file-bytes-per-logical-byte ratio and keeps
// it for later estimates. An empty or in-memory store calibrates to one.
func (e *Engine) calibrateSize(ctx context.Context) (float64, error) {
	used, err := e.usedBytes(ctx)
	if err != nil {
		return 0, err
	}

	var logical int64
	for _, table := range []string{LogsTable, MetricsTable} {
		n, err := e.logicalBytes(ctx, table)
		if err != nil {
			return 0, err
		}
		logical += n
	}

	scale := 1.0
	if used > 0 && logical > 0 {
		scale = float64(used) / float64(logical)
	}
	e.sizeScale.Store(math.Float64bits(scale))
	e.log.Debug("size estimate calibrated",
		"used", types.FormatBytes(used),
		"logical", types.FormatBytes(logical),
		"scale", scale)
	return scale, nil
}

func (e *Engine) logicalBytes(ctx context.Context, table string) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	var n int64
	query := fmt.Sprintf("SELECT CAST(COALESCE(SUM(%s), 0) AS BIGINT) FROM %s", rowWidth[table], table)
	if err := e.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("logical size %s: %w", table, err)
	}
	return n, nil
}

// usedBytes returns the bytes of the file's blocks that hold live data.
func (e *Engine) usedBytes(ctx context.Context) (int64, error) {
	var blockSize, used sql.NullInt64
	err := e.db.QueryRowContext(ctx,
		`SELECT block_size, used_blocks FROM pragma_database_size() LIMIT 1`,
	).Scan(&blockSize, &used)
	if err != nil {
		return 0, fmt.Errorf("database size: %w", err)
	}
	size := blockSize.Int64
	if !blockSize.Valid || size <= 0 {
		size = defaultBlockSize
	}
	return used.Int64 * size, nil
}

// FileSize returns the on-disk bytes of the database file and its WAL.
// An in-memory store reports zero.
func (e *Engine) FileSize() int64 {
	if e.path == "" {
		return 0
	}

	var total int64
	for _, p := range []string{e.path, e.path + ".wal"} {
		n, err := diskUsage(p)
		if err != nil {
			if !os.IsNotExist(err) {
				e.log.Debug("stat store file", "path", p, "error", err)
			}
			continue
		}
		total += n
	}
	return total
}
