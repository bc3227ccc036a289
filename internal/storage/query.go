package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/livedata/internal/errors"
	"github.com/xtxerr/livedata/internal/storage/types"
	"github.com/xtxerr/livedata/internal/validation"
)

// Query limits.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 10000
)

// sortColumns is the allow-list of sortable columns keyed by public name.
var sortColumns = map[string]string{
	"timestamp": "timestamp",
	"hostname":  "_hostname",
	"host":      "_hostname",
	"unit":      "_systemd_unit",
	"priority":  "priority",
	"pri":       "priority",
	"comm":      "_comm",
}

// SortKeys returns the accepted sort names.
func SortKeys() []string {
	return []string{"timestamp", "hostname", "unit", "priority", "comm"}
}

// LogQuery is a validated, parameterized log search.
// Zero Start or End leaves that side of the range open.
type LogQuery struct {
	Start       time.Time
	End         time.Time
	Text        string
	Hostnames   []string
	Units       []string
	MaxPriority *int
	Limit       int
	Offset      int
	Sort        string
	Ascending   bool
}

// Normalize applies defaults and checks every filter.
func (q *LogQuery) Normalize() error {
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	if q.Limit > MaxQueryLimit {
		q.Limit = MaxQueryLimit
	}
	if q.Offset < 0 {
		return fmt.Errorf("%w: negative offset", errors.ErrInvalidQuery)
	}
	if q.Sort == "" {
		q.Sort = "timestamp"
	}
	q.Sort = strings.ToLower(q.Sort)
	if _, ok := sortColumns[q.Sort]; !ok {
		return fmt.Errorf("%w: unknown sort column %q", errors.ErrInvalidQuery, q.Sort)
	}
	if q.MaxPriority != nil && (*q.MaxPriority < 0 || *q.MaxPriority > 7) {
		return fmt.Errorf("%w: priority %d out of range 0-7", errors.ErrInvalidQuery, *q.MaxPriority)
	}
	if !q.Start.IsZero() && !q.End.IsZero() && q.End.Before(q.Start) {
		return fmt.Errorf("%w: end before start", errors.ErrInvalidQuery)
	}
	return nil
}

// where renders the filter clause and its bound arguments.
func (q *LogQuery) where() (string, []any) {
	var (
		conds []string
		args  []any
	)

	if !q.Start.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, q.Start.UTC())
	}
	if !q.End.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, q.End.UTC())
	}
	if q.Text != "" {
		conds = append(conds, `message ILIKE ? ESCAPE '\'`)
		args = append(args, validation.LikeContains(q.Text))
	}
	if in, inArgs := inList("_hostname", q.Hostnames); in != "" {
		conds = append(conds, in)
		args = append(args, inArgs...)
	}
	if in, inArgs := inList("_systemd_unit", q.Units); in != "" {
		conds = append(conds, in)
		args = append(args, inArgs...)
	}
	if q.MaxPriority != nil {
		conds = append(conds, "priority <= ?")
		args = append(args, int64(*q.MaxPriority))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func inList(column string, values []string) (string, []any) {
	var args []any
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			args = append(args, v)
		}
	}
	if len(args) == 0 {
		return "", nil
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")), args
}

// LogRow is one search result.
type LogRow struct {
	Timestamp time.Time
	Hostname  string
	Unit      string
	Priority  *int
	PID       *int64
	Comm      string
	Message   string
}

// LogPage is one page of search results plus the unpaginated match count.
type LogPage struct {
	Rows   []LogRow
	Total  int64
	Limit  int
	Offset int
}

// QueryLogs runs a parameterized search. Only allow-listed identifiers are
// interpolated; every value is a bound parameter.
func (e *Engine) QueryLogs(ctx context.Context, q LogQuery) (LogPage, error) {
	if err := e.checkOpen(); err != nil {
		return LogPage{}, err
	}
	if err := q.Normalize(); err != nil {
		return LogPage{}, err
	}

	where, args := q.where()

	var page LogPage
	page.Limit, page.Offset = q.Limit, q.Offset

	if err := e.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM journal_logs"+where, args...).Scan(&page.Total); err != nil {
		return LogPage{}, fmt.Errorf("count logs: %w", err)
	}

	dir := "DESC"
	if q.Ascending {
		dir = "ASC"
	}
	query := fmt.Sprintf(`SELECT timestamp, _hostname, _systemd_unit, priority, _pid, _comm, message
		FROM journal_logs%s ORDER BY %s %s, timestamp %s LIMIT ? OFFSET ?`,
		where, sortColumns[q.Sort], dir, dir)
	args = append(args, q.Limit, q.Offset)

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return LogPage{}, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r                     LogRow
			host, unit, comm, msg sql.NullString
			prio, pid             sql.NullInt64
		)
		if err := rows.Scan(&r.Timestamp, &host, &unit, &prio, &pid, &comm, &msg); err != nil {
			return LogPage{}, fmt.Errorf("scan log row: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		r.Hostname, r.Unit, r.Comm, r.Message = host.String, unit.String, comm.String, msg.String
		if prio.Valid {
			p := int(prio.Int64)
			r.Priority = &p
		}
		if pid.Valid {
			p := pid.Int64
			r.PID = &p
		}
		page.Rows = append(page.Rows, r)
	}
	return page, rows.Err()
}

// QueryByTimeRange returns records in [start, end), newest first.
func (e *Engine) QueryByTimeRange(ctx context.Context, start, end time.Time, limit int) (LogPage, error) {
	return e.QueryLogs(ctx, LogQuery{Start: start, End: end, Limit: limit})
}

// QueryText returns records whose message contains text, case-insensitively.
func (e *Engine) QueryText(ctx context.Context, text string, limit int) (LogPage, error) {
	return e.QueryLogs(ctx, LogQuery{Text: text, Limit: limit})
}

// QueryHost returns records from one host.
func (e *Engine) QueryHost(ctx context.Context, hostname string, limit int) (LogPage, error) {
	return e.QueryLogs(ctx, LogQuery{Hostnames: []string{hostname}, Limit: limit})
}

// QueryUnit returns records from one systemd unit.
func (e *Engine) QueryUnit(ctx context.Context, unit string, limit int) (LogPage, error) {
	return e.QueryLogs(ctx, LogQuery{Units: []string{unit}, Limit: limit})
}

// QueryPriority returns records at maxPriority or more severe.
func (e *Engine) QueryPriority(ctx context.Context, maxPriority, limit int) (LogPage, error) {
	return e.QueryLogs(ctx, LogQuery{MaxPriority: &maxPriority, Limit: limit})
}

// =============================================================================
// Filter values
// =============================================================================

// FilterValues lists the distinct values a search can filter on.
type FilterValues struct {
	Hostnames  []string
	Units      []string
	Priorities []PriorityOption
}

// PriorityOption is one selectable priority.
type PriorityOption struct {
	Value int
	Label string
}

// FilterValues returns distinct hostnames and units plus the priority scale.
func (e *Engine) FilterValues(ctx context.Context) (FilterValues, error) {
	if err := e.checkOpen(); err != nil {
		return FilterValues{}, err
	}

	var (
		fv  FilterValues
		err error
	)
	if fv.Hostnames, err = e.distinct(ctx, "_hostname"); err != nil {
		return FilterValues{}, err
	}
	if fv.Units, err = e.distinct(ctx, "_systemd_unit"); err != nil {
		return FilterValues{}, err
	}
	for p := 0; p <= 7; p++ {
		fv.Priorities = append(fv.Priorities, PriorityOption{
			Value: p,
			Label: fmt.Sprintf("%d - %s", p, types.PriorityLabel(p)),
		})
	}
	return fv, nil
}

func (e *Engine) distinct(ctx context.Context, column string) ([]string, error) {
	query := fmt.Sprintf("SELECT DISTINCT %[1]s FROM journal_logs WHERE %[1]s IS NOT NULL ORDER BY %[1]s", column)
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("distinct %s: %w", column, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// =============================================================================
// Minute primitives
// =============================================================================

// EntriesForMinute returns every record of one minute in timestamp order,
// with the full field map rebuilt.
func (e *Engine) EntriesForMinute(ctx context.Context, minute time.Time) ([]types.LogRecord, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	cols := strings.Join(types.Schema.Columns(), ", ")
	rows, err := e.db.QueryContext(ctx,
		"SELECT timestamp, "+cols+", extra_fields FROM journal_logs WHERE minute_key = ? ORDER BY timestamp",
		types.MinuteKey(minute))
	if err != nil {
		return nil, fmt.Errorf("query minute: %w", err)
	}
	defer rows.Close()

	var out []types.LogRecord
	for rows.Next() {
		var (
			ts    time.Time
			extra sql.NullString
		)
		targets := types.Schema.ScanTargets()
		dest := make([]any, 0, len(targets)+2)
		dest = append(dest, &ts)
		dest = append(dest, targets...)
		dest = append(dest, &extra)

		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan minute row: %w", err)
		}

		side, err := types.DecodeExtra(extra.String)
		if err != nil {
			e.log.Warn("undecodable extra fields", "minute", minute, "error", err)
			side = map[string]string{}
		}
		out = append(out, types.NewLogRecord(ts, types.Schema.FieldsFromScan(targets, side)))
	}
	return out, rows.Err()
}

// CountForMinute returns the number of records in one minute.
func (e *Engine) CountForMinute(ctx context.Context, minute time.Time) (int64, error) {
	var n int64
	err := e.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM journal_logs WHERE minute_key = ?", types.MinuteKey(minute)).Scan(&n)
	return n, err
}

// DeleteMinute removes every record of one minute and returns the count.
func (e *Engine) DeleteMinute(ctx context.Context, minute time.Time) (int64, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	res, err := e.exec(ctx, "DELETE FROM journal_logs WHERE minute_key = ?", types.MinuteKey(minute))
	if err != nil {
		return 0, fmt.Errorf("delete minute: %w", err)
	}
	return res.RowsAffected()
}
