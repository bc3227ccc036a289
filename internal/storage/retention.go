package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/xtxerr/livedata/internal/errors"
	"github.com/xtxerr/livedata/internal/storage/types"
)

// Size eviction bounds.
const (
	// MaxEvictionIterations caps delete-checkpoint-measure rounds per table.
	MaxEvictionIterations = 20

	// EvictFraction is the minimum share of remaining rows removed per round,
	// rounded up to whole minutes.
	EvictFraction = 0.10
)

// retentionTable describes how to bucket a table into minutes.
type retentionTable struct {
	name       string
	minuteExpr string
}

var (
	logsRetention    = retentionTable{name: LogsTable, minuteExpr: "minute_key"}
	metricsRetention = retentionTable{name: MetricsTable, minuteExpr: "date_trunc('minute', timestamp)"}
)

// EnforceRetention purges rows older than the policy horizons, then evicts
// the oldest whole minutes of each table until it fits its size budget or
// MaxEvictionIterations rounds have run. Staying over budget is reported in
// the returned stats, never as an error.
//
// A checkpoint failure aborts the pass with ErrCheckpoint and
// CheckpointFailed set; the next scheduled pass retries.
func (e *Engine) EnforceRetention(ctx context.Context, policy types.RetentionPolicy) (types.CleanupStats, error) {
	var stats types.CleanupStats
	if err := e.checkOpen(); err != nil {
		return stats, err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	now := e.now().UTC()

	// Age purge.
	if cutoff, ok := policy.LogCutoff(now); ok {
		stats.MinutesArchived += e.archiveThrough(ctx, types.MinuteKey(cutoff))
		n, err := e.deleteBefore(ctx, LogsTable, cutoff)
		if err != nil {
			return stats, err
		}
		stats.LogsDeleted += n
	}
	if cutoff, ok := policy.ProcessCutoff(now); ok {
		n, err := e.deleteBefore(ctx, MetricsTable, cutoff)
		if err != nil {
			return stats, err
		}
		stats.MetricsDeleted += n
	}

	if err := e.checkpointLocked(ctx); err != nil {
		stats.CheckpointFailed = true
		stats.FinalSize = e.FileSize()
		return stats, err
	}

	// Size purge.
	if _, err := e.calibrateSize(ctx); err != nil {
		e.log.Warn("size calibration failed, using previous estimate", "error", err)
	}
	logs, err := e.evictToBudget(ctx, logsRetention, policy.LogMaxSizeBytes)
	stats.LogsDeleted += logs.deleted
	stats.LogSize = logs.size
	stats.LogSoftLimit = logs.soft
	stats.Iterations += logs.iterations
	stats.MinutesArchived += logs.archived
	if err != nil {
		stats.CheckpointFailed = errors.Is(err, errors.ErrCheckpoint)
		stats.FinalSize = e.FileSize()
		return stats, err
	}

	metrics, err := e.evictToBudget(ctx, metricsRetention, policy.ProcessMaxSizeBytes)
	stats.MetricsDeleted += metrics.deleted
	stats.MetricsSize = metrics.size
	stats.MetricsSoftLimit = metrics.soft
	stats.Iterations += metrics.iterations
	if err != nil {
		stats.CheckpointFailed = errors.Is(err, errors.ErrCheckpoint)
		stats.FinalSize = e.FileSize()
		return stats, err
	}

	stats.FinalSize = e.FileSize()
	return stats, nil
}

func (e *Engine) deleteBefore(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	res, err := e.exec(ctx, "DELETE FROM "+table+" WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", table, err)
	}
	return n, nil
}

type evictResult struct {
	deleted    int64
	size       int64
	iterations int
	archived   int
	soft       bool
}

// evictToBudget runs bounded eviction rounds on one table. A budget of zero
// disables it. Callers hold writeMu and have just checkpointed.
func (e *Engine) evictToBudget(ctx context.Context, tbl retentionTable, budget int64) (evictResult, error) {
	var r evictResult

	size, err := e.tableSize(ctx, tbl.name)
	if err != nil {
		return r, err
	}
	r.size = size
	if budget <= 0 {
		return r, nil
	}

	for r.size > budget {
		if r.iterations >= MaxEvictionIterations {
			r.soft = true
			break
		}
		if err := ctx.Err(); err != nil {
			return r, err
		}

		remaining, err := e.countRows(ctx, tbl.name)
		if err != nil {
			return r, err
		}
		if remaining == 0 {
			r.soft = true
			break
		}

		n, archived, err := e.evictOldest(ctx, tbl, remaining)
		if err != nil {
			return r, err
		}
		r.deleted += n
		r.archived += archived
		r.iterations++

		if err := e.checkpointLocked(ctx); err != nil {
			return r, err
		}
		if r.size, err = e.tableSize(ctx, tbl.name); err != nil {
			return r, err
		}
	}

	if r.soft {
		e.log.Warn("size budget not reached",
			"table", tbl.name,
			"size", types.FormatBytes(r.size),
			"budget", types.FormatBytes(budget),
			"iterations", r.iterations)
	}
	return r, nil
}

// evictOldest deletes the oldest whole minutes that together hold at least
// EvictFraction of remaining rows, and always at least one minute.
func (e *Engine) evictOldest(ctx context.Context, tbl retentionTable, remaining int64) (int64, int, error) {
	target := int64(math.Ceil(float64(remaining) * EvictFraction))
	if target < 1 {
		target = 1
	}

	query := fmt.Sprintf(`WITH minutes AS (
			SELECT %[1]s AS minute, COUNT(*) AS n FROM %[2]s GROUP BY 1
		), running AS (
			SELECT minute, COALESCE(SUM(n) OVER (ORDER BY minute ROWS BETWEEN UNBOUNDED PRECEDING AND 1 PRECEDING), 0) AS before
			FROM minutes
		)
		SELECT MAX(minute) FROM running WHERE before < ?`, tbl.minuteExpr, tbl.name)

	var boundary sql.NullTime
	if err := e.db.QueryRowContext(ctx, query, target).Scan(&boundary); err != nil {
		return 0, 0, fmt.Errorf("find eviction boundary in %s: %w", tbl.name, err)
	}
	if !boundary.Valid {
		return 0, 0, nil
	}
	last := boundary.Time.UTC()

	archived := 0
	if tbl.name == LogsTable {
		archived = e.archiveThrough(ctx, last)
	}

	res, err := e.exec(ctx, "DELETE FROM "+tbl.name+" WHERE timestamp < ?", last.Add(time.Minute))
	if err != nil {
		return 0, archived, fmt.Errorf("evict %s: %w", tbl.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, archived, fmt.Errorf("evict %s: %w", tbl.name, err)
	}
	e.log.Debug("evicted oldest minutes", "table", tbl.name, "through", last, "rows", n)
	return n, archived, nil
}

// archiveThrough hands every not yet archived log minute up to and
// including last to the archiver. Archive failures are logged; eviction
// proceeds regardless.
func (e *Engine) archiveThrough(ctx context.Context, last time.Time) int {
	if e.archiver == nil {
		return 0
	}

	rows, err := e.db.QueryContext(ctx,
		"SELECT DISTINCT minute_key FROM journal_logs WHERE minute_key <= ? ORDER BY minute_key", last)
	if err != nil {
		e.log.Warn("list minutes to archive", "error", err)
		return 0
	}
	var minutes []time.Time
	for rows.Next() {
		var m time.Time
		if err := rows.Scan(&m); err != nil {
			e.log.Warn("scan minute to archive", "error", err)
			break
		}
		minutes = append(minutes, m.UTC())
	}
	rows.Close()

	archived := 0
	for _, m := range minutes {
		if e.archiver.Archived(m) {
			continue
		}
		records, err := e.EntriesForMinute(ctx, m)
		if err != nil {
			e.log.Warn("read minute to archive", "minute", m, "error", err)
			continue
		}
		wrote, err := e.archiver.ArchiveMinute(ctx, m, records)
		if err != nil {
			e.log.Warn("archive minute", "minute", m, "error", err)
			continue
		}
		if wrote {
			archived++
		}
	}
	return archived
}
