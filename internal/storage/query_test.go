package storage

import (
	"context"
	"testing"
	"time"

	"github.com/xtxerr/livedata/internal/errors"
	"github.com/xtxerr/livedata/internal/storage/types"
)

func seedQueryFixture(t *testing.T, e *Engine) time.Time {
	t.Helper()
	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	rows := []map[string]string{
		{"MESSAGE": "connection refused", "PRIORITY": "3", "_HOSTNAME": "web-1", "_SYSTEMD_UNIT": "nginx.service", "_COMM": "nginx", "_PID": "100"},
		{"MESSAGE": "request served", "PRIORITY": "6", "_HOSTNAME": "web-1", "_SYSTEMD_UNIT": "nginx.service", "_COMM": "nginx", "_PID": "100"},
		{"MESSAGE": "100% disk used", "PRIORITY": "2", "_HOSTNAME": "db-1", "_SYSTEMD_UNIT": "postgresql.service", "_COMM": "postgres", "_PID": "200"},
		{"MESSAGE": "checkpoint_complete", "PRIORITY": "6", "_HOSTNAME": "db-1", "_SYSTEMD_UNIT": "postgresql.service", "_COMM": "postgres"},
		{"MESSAGE": "Connection reset", "PRIORITY": "4", "_HOSTNAME": "web-2", "_SYSTEMD_UNIT": "nginx.service", "_COMM": "nginx"},
		{"MESSAGE": "kernel boot"},
	}

	ctx := context.Background()
	for i, f := range rows {
		if err := e.AddRecord(ctx, types.NewLogRecord(base.Add(time.Duration(i)*time.Minute), f)); err != nil {
			t.Fatalf("AddRecord: %v", err)
		}
	}
	return base
}

func messages(page LogPage) []string {
	out := make([]string, len(page.Rows))
	for i, r := range page.Rows {
		out[i] = r.Message
	}
	return out
}

func TestQueryLogs_Filters(t *testing.T) {
	e := newTestEngine(t)
	base := seedQueryFixture(t, e)
	ctx := context.Background()
	two := 3

	tests := []struct {
		name  string
		query LogQuery
		want  []string
	}{
		{"all newest first", LogQuery{}, []string{"kernel boot", "Connection reset", "checkpoint_complete", "100% disk used", "request served", "connection refused"}},
		{"time range half open", LogQuery{Start: base.Add(time.Minute), End: base.Add(3 * time.Minute), Ascending: true}, []string{"request served", "100% disk used"}},
		{"text case insensitive", LogQuery{Text: "connection", Ascending: true}, []string{"connection refused", "Connection reset"}},
		{"text percent is literal", LogQuery{Text: "100%"}, []string{"100% disk used"}},
		{"text underscore is literal", LogQuery{Text: "t_c"}, []string{"checkpoint_complete"}},
		{"hosts", LogQuery{Hostnames: []string{"web-1", " web-2 ", ""}, Ascending: true}, []string{"connection refused", "request served", "Connection reset"}},
		{"units", LogQuery{Units: []string{"postgresql.service"}, Ascending: true}, []string{"100% disk used", "checkpoint_complete"}},
		{"priority at most", LogQuery{MaxPriority: &two, Ascending: true}, []string{"connection refused", "100% disk used"}},
		{"injection attempt is data", LogQuery{Text: "'; DROP TABLE journal_logs; --"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := e.QueryLogs(ctx, tt.query)
			if err != nil {
				t.Fatalf("QueryLogs: %v", err)
			}
			got := messages(page)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("row %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
			if page.Total != int64(len(tt.want)) {
				t.Errorf("Total = %d, want %d", page.Total, len(tt.want))
			}
		})
	}

	if n, err := e.countRows(ctx, LogsTable); err != nil || n != 6 {
		t.Errorf("table damaged after queries: n=%d err=%v", n, err)
	}
}

func TestQueryLogs_SortAndPaging(t *testing.T) {
	e := newTestEngine(t)
	seedQueryFixture(t, e)
	ctx := context.Background()

	page, err := e.QueryLogs(ctx, LogQuery{Sort: "priority", Ascending: true, Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("QueryLogs: %v", err)
	}
	if page.Total != 6 {
		t.Errorf("Total = %d, want 6", page.Total)
	}
	// NULL priority sorts last in ascending order.
	got := messages(page)
	if len(got) != 2 || got[0] != "connection refused" || got[1] != "Connection reset" {
		t.Errorf("page = %v", got)
	}

	row := page.Rows[0]
	if row.Priority == nil || *row.Priority != 3 || row.PID == nil || *row.PID != 100 {
		t.Errorf("typed columns not scanned: %+v", row)
	}
	if row.Hostname != "web-1" || row.Unit != "nginx.service" || row.Comm != "nginx" {
		t.Errorf("string columns not scanned: %+v", row)
	}

	for _, key := range append(SortKeys(), "host", "pri", "HOSTNAME") {
		if _, err := e.QueryLogs(ctx, LogQuery{Sort: key}); err != nil {
			t.Errorf("sort %q rejected: %v", key, err)
		}
	}
}

func TestQueryLogs_Invalid(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	bad := 9
	now := time.Now()

	tests := []struct {
		name  string
		query LogQuery
	}{
		{"sort column", LogQuery{Sort: "message; DROP TABLE journal_logs"}},
		{"offset", LogQuery{Offset: -1}},
		{"priority", LogQuery{MaxPriority: &bad}},
		{"range", LogQuery{Start: now, End: now.Add(-time.Hour)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.QueryLogs(ctx, tt.query); !errors.Is(err, errors.ErrInvalidQuery) {
				t.Errorf("expected ErrInvalidQuery, got %v", err)
			}
		})
	}
}

func TestLogQuery_LimitClamp(t *testing.T) {
	q := LogQuery{Limit: 50000}
	if err := q.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if q.Limit != MaxQueryLimit {
		t.Errorf("Limit = %d, want %d", q.Limit, MaxQueryLimit)
	}

	q = LogQuery{}
	q.Normalize()
	if q.Limit != DefaultQueryLimit || q.Sort != "timestamp" {
		t.Errorf("defaults not applied: %+v", q)
	}
}

func TestQueryWrappers(t *testing.T) {
	e := newTestEngine(t)
	base := seedQueryFixture(t, e)
	ctx := context.Background()

	check := func(name string, page LogPage, err error, want int64) {
		t.Helper()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if page.Total != want {
			t.Errorf("%s: Total = %d, want %d", name, page.Total, want)
		}
	}

	page, err := e.QueryByTimeRange(ctx, base, base.Add(2*time.Minute), 10)
	check("time range", page, err, 2)
	page, err = e.QueryText(ctx, "DISK", 10)
	check("text", page, err, 1)
	page, err = e.QueryHost(ctx, "db-1", 10)
	check("host", page, err, 2)
	page, err = e.QueryUnit(ctx, "nginx.service", 10)
	check("unit", page, err, 3)
	page, err = e.QueryPriority(ctx, 4, 10)
	check("priority", page, err, 3)
}

func TestFilterValues(t *testing.T) {
	e := newTestEngine(t)
	seedQueryFixture(t, e)

	fv, err := e.FilterValues(context.Background())
	if err != nil {
		t.Fatalf("FilterValues: %v", err)
	}

	wantHosts := []string{"db-1", "web-1", "web-2"}
	if len(fv.Hostnames) != len(wantHosts) {
		t.Fatalf("Hostnames = %v", fv.Hostnames)
	}
	for i, h := range wantHosts {
		if fv.Hostnames[i] != h {
			t.Errorf("Hostnames[%d] = %q, want %q", i, fv.Hostnames[i], h)
		}
	}
	if len(fv.Units) != 2 || fv.Units[0] != "nginx.service" {
		t.Errorf("Units = %v", fv.Units)
	}
	if len(fv.Priorities) != 8 || fv.Priorities[3].Label != "3 - Error" {
		t.Errorf("Priorities = %v", fv.Priorities)
	}
}
