package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/livedata/internal/storage/types"
)

// metricsRowsPerInsert bounds the rows of one multi-row INSERT.
const metricsRowsPerInsert = 100

const metricsColumns = 7

// AddProcessMetrics appends one row per sample, all stamped with the batch
// timestamp, inside one transaction, then checkpoints. An empty batch is a
// no-op.
func (e *Engine) AddProcessMetrics(ctx context.Context, batch types.ProcessMetricsBatch) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if len(batch.Samples) == 0 {
		return nil
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	ts := batch.Timestamp.UTC()
	err := e.withTxLocked(ctx, func(tx *sql.Tx) error {
		for i := 0; i < len(batch.Samples); i += metricsRowsPerInsert {
			end := min(i+metricsRowsPerInsert, len(batch.Samples))
			query, args := buildMetricsInsert(ts, batch.Samples[i:end])
			if _, err := execTx(ctx, tx, e.trace, query, args...); err != nil {
				return fmt.Errorf("insert process metrics: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return e.checkpointLocked(ctx)
}

func buildMetricsInsert(ts time.Time, samples []types.ProcessSample) (string, []any) {
	var query strings.Builder
	query.Grow(96 + len(samples)*24)
	query.WriteString(`INSERT INTO process_metrics (timestamp, pid, name, cpu_usage, mem_bytes, user_id, runtime_secs) VALUES `)

	args := make([]any, 0, len(samples)*metricsColumns)
	for i, s := range samples {
		if i > 0 {
			query.WriteString(", ")
		}
		query.WriteString("(?, ?, ?, ?, ?, ?, ?)")

		var user any
		if s.UserID != nil {
			user = *s.UserID
		}
		args = append(args, ts, s.PID, s.Name, s.CPUPercent, int64(s.MemoryBytes), user, int64(s.RuntimeSeconds))
	}
	return query.String(), args
}

// LatestProcesses returns the most recent stored batch, ordered by CPU
// usage, truncated to limit rows when limit > 0.
func (e *Engine) LatestProcesses(ctx context.Context, limit int) (types.ProcessMetricsBatch, error) {
	return e.processBatch(ctx, `SELECT MAX(timestamp) FROM process_metrics`, nil, limit)
}

// ProcessSnapshot returns the newest stored batch taken at or before at.
// The batch is empty when nothing was sampled by then.
func (e *Engine) ProcessSnapshot(ctx context.Context, at time.Time, limit int) (types.ProcessMetricsBatch, error) {
	return e.processBatch(ctx, `SELECT MAX(timestamp) FROM process_metrics WHERE timestamp <= ?`, []any{at.UTC()}, limit)
}

// processBatch loads the rows of the batch whose timestamp is selected by
// pick, ordered by CPU usage.
func (e *Engine) processBatch(ctx context.Context, pick string, args []any, limit int) (types.ProcessMetricsBatch, error) {
	if err := e.checkOpen(); err != nil {
		return types.ProcessMetricsBatch{}, err
	}

	query := `SELECT timestamp, pid, name, cpu_usage, mem_bytes, user_id, runtime_secs
		FROM process_metrics
		WHERE timestamp = (` + pick + `)
		ORDER BY cpu_usage DESC, pid`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return types.ProcessMetricsBatch{}, fmt.Errorf("query process batch: %w", err)
	}
	defer rows.Close()

	var batch types.ProcessMetricsBatch
	for rows.Next() {
		var (
			s       types.ProcessSample
			ts      time.Time
			mem     int64
			runtime int64
			user    sql.NullString
		)
		if err := rows.Scan(&ts, &s.PID, &s.Name, &s.CPUPercent, &mem, &user, &runtime); err != nil {
			return types.ProcessMetricsBatch{}, fmt.Errorf("scan process row: %w", err)
		}
		s.MemoryBytes = uint64(mem)
		s.RuntimeSeconds = uint64(runtime)
		if user.Valid {
			u := user.String
			s.UserID = &u
		}
		batch.Timestamp = ts.UTC()
		batch.Samples = append(batch.Samples, s)
	}
	return batch, rows.Err()
}

// CountMetrics returns the number of stored process rows.
func (e *Engine) CountMetrics(ctx context.Context) (int64, error) {
	return e.countRows(ctx, MetricsTable)
}
