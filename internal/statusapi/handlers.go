package statusapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/livedata/internal/errors"
	"github.com/xtxerr/livedata/internal/procmon"
	"github.com/xtxerr/livedata/internal/retention"
	"github.com/xtxerr/livedata/internal/storage"
	"github.com/xtxerr/livedata/internal/storage/types"
)

// defaultProcessLimit caps /api/processes when no limit is given.
const defaultProcessLimit = 50

// Runtime is the live state reported by the coordinator.
type Runtime struct {
	Phase          string          `json:"phase"`
	Backfilled     uint64          `json:"backfilled"`
	Ingested       uint64          `json:"ingested"`
	Failed         uint64          `json:"failed"`
	MetricsQueued  int             `json:"metrics_queued"`
	MetricsDropped uint64          `json:"metrics_dropped"`
	MetricsWritten uint64          `json:"metrics_written"`
	Retention      retention.Stats `json:"-"`
}

// =============================================================================
// Response bodies
// =============================================================================

type healthResponse struct {
	Status string `json:"status"`
	Phase  string `json:"phase,omitempty"`
	Uptime string `json:"uptime"`
}

type bufferResponse struct {
	TotalRecords        int64      `json:"total_records"`
	DistinctMinuteCount int64      `json:"distinct_minutes"`
	OldestMinute        *time.Time `json:"oldest_minute"`
	NewestMinute        *time.Time `json:"newest_minute"`
	Span                string     `json:"span"`
}

type retentionResponse struct {
	LastRun       *time.Time `json:"last_run,omitempty"`
	LastDuration  string     `json:"last_duration,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Runs          int64      `json:"runs"`
	Failures      int64      `json:"failures"`
	RowsDeleted   int64      `json:"rows_deleted"`
	SoftLimitHits int64      `json:"soft_limit_hits"`
	FilesPruned   int64      `json:"files_pruned"`
}

type statsResponse struct {
	Hostname  string            `json:"hostname"`
	Uptime    string            `json:"uptime"`
	Buffer    bufferResponse    `json:"buffer"`
	DBSize    int64             `json:"db_size_bytes"`
	DBSizeStr string            `json:"db_size"`
	Runtime   *Runtime          `json:"runtime,omitempty"`
	Retention retentionResponse `json:"retention"`
}

type processResponse struct {
	PID            int32   `json:"pid"`
	Name           string  `json:"name"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryBytes    uint64  `json:"memory_bytes"`
	UserID         *string `json:"user_id,omitempty"`
	RuntimeSeconds uint64  `json:"runtime_secs"`
}

type summaryResponse struct {
	Processes   int     `json:"processes"`
	TotalMemory uint64  `json:"total_memory_bytes"`
	CPUTotal    float64 `json:"cpu_total"`
	CPUMax      float64 `json:"cpu_max"`
	CPUP50      float64 `json:"cpu_p50"`
	CPUP90      float64 `json:"cpu_p90"`
	CPUP99      float64 `json:"cpu_p99"`
}

type processesResponse struct {
	Timestamp *time.Time        `json:"timestamp"`
	Source    string            `json:"source"`
	Summary   *summaryResponse  `json:"summary,omitempty"`
	Processes []processResponse `json:"processes"`
}

type logRowResponse struct {
	Timestamp     time.Time `json:"timestamp"`
	Hostname      string    `json:"hostname"`
	Unit          string    `json:"unit"`
	Priority      *int      `json:"priority"`
	PriorityLabel string    `json:"priority_label,omitempty"`
	PID           *int64    `json:"pid"`
	Comm          string    `json:"comm"`
	Message       string    `json:"message"`
}

type searchResponse struct {
	Rows   []logRowResponse `json:"rows"`
	Total  int64            `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

type priorityResponse struct {
	Value int    `json:"value"`
	Label string `json:"label"`
}

type filtersResponse struct {
	Hostnames  []string           `json:"hostnames"`
	Units      []string           `json:"units"`
	Priorities []priorityResponse `json:"priorities"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Uptime: s.uptime()}
	if s.opts.Runtime != nil {
		resp.Phase = s.opts.Runtime().Phase
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.opts.Store.BufferStats(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	size := s.opts.Store.FileSize()

	resp := statsResponse{
		Hostname: s.opts.Hostname,
		Uptime:   s.uptime(),
		Buffer: bufferResponse{
			TotalRecords:        stats.TotalRecords,
			DistinctMinuteCount: stats.DistinctMinuteCount,
			OldestMinute:        stats.OldestMinute,
			NewestMinute:        stats.NewestMinute,
			Span:                stats.Span().String(),
		},
		DBSize:    size,
		DBSizeStr: types.FormatBytes(size),
	}
	if s.opts.Runtime != nil {
		rt := s.opts.Runtime()
		resp.Runtime = &rt
		resp.Retention = retentionBody(rt.Retention)
	}
	respondJSON(w, http.StatusOK, resp)
}

func retentionBody(st retention.Stats) retentionResponse {
	r := retentionResponse{
		LastError:     st.LastError,
		Runs:          st.Runs,
		Failures:      st.Failures,
		RowsDeleted:   st.RowsDeleted,
		SoftLimitHits: st.SoftLimitHits,
		FilesPruned:   st.FilesPruned,
	}
	if !st.LastRunTime.IsZero() {
		t := st.LastRunTime.UTC()
		r.LastRun = &t
		r.LastDuration = st.LastDuration.String()
	}
	return r
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultProcessLimit)
	if err != nil || limit <= 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
		return
	}

	var (
		batch   types.ProcessMetricsBatch
		summary *procmon.Summary
		source  = "memory"
	)

	// at= selects a historical snapshot from the store.
	if raw := r.URL.Query().Get("at"); raw != "" {
		at, err := types.ParseTime(raw, s.now())
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("at: %w", err))
			return
		}
		batch, err = s.opts.Store.ProcessSnapshot(r.Context(), at, limit)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err)
			return
		}
		s.writeProcesses(w, "store", batch, nil, limit)
		return
	}

	if s.opts.Processes != nil {
		if b, ok := s.opts.Processes.Latest(); ok {
			batch = b
			if sum, ok := s.opts.Processes.Summary(); ok {
				summary = &sum
			}
		}
	}
	if batch.Len() == 0 {
		source = "store"
		batch, err = s.opts.Store.LatestProcesses(r.Context(), limit)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err)
			return
		}
	}
	s.writeProcesses(w, source, batch, summary, limit)
}

func (s *Server) writeProcesses(w http.ResponseWriter, source string, batch types.ProcessMetricsBatch, summary *procmon.Summary, limit int) {
	resp := processesResponse{Source: source, Processes: []processResponse{}}
	if !batch.Timestamp.IsZero() {
		ts := batch.Timestamp.UTC()
		resp.Timestamp = &ts
	}
	if summary != nil {
		resp.Summary = &summaryResponse{
			Processes:   summary.Processes,
			TotalMemory: summary.TotalMemory,
			CPUTotal:    summary.CPUTotal,
			CPUMax:      summary.CPUMax,
			CPUP50:      summary.CPUP50,
			CPUP90:      summary.CPUP90,
			CPUP99:      summary.CPUP99,
		}
	}

	for _, p := range topByCPU(batch.Samples, limit) {
		resp.Processes = append(resp.Processes, processResponse{
			PID:            p.PID,
			Name:           p.Name,
			CPUPercent:     p.CPUPercent,
			MemoryBytes:    p.MemoryBytes,
			UserID:         p.UserID,
			RuntimeSeconds: p.RuntimeSeconds,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseSearch(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	page, err := s.opts.Store.QueryLogs(r.Context(), q)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errors.ErrInvalidQuery) {
			status = http.StatusBadRequest
		}
		s.respondError(w, status, err)
		return
	}

	resp := searchResponse{
		Rows:   make([]logRowResponse, 0, len(page.Rows)),
		Total:  page.Total,
		Limit:  page.Limit,
		Offset: page.Offset,
	}
	for _, row := range page.Rows {
		out := logRowResponse{
			Timestamp: row.Timestamp.UTC(),
			Hostname:  row.Hostname,
			Unit:      row.Unit,
			Priority:  row.Priority,
			PID:       row.PID,
			Comm:      row.Comm,
			Message:   row.Message,
		}
		if row.Priority != nil {
			out.PriorityLabel = types.PriorityLabel(*row.Priority)
		}
		resp.Rows = append(resp.Rows, out)
	}
	respondJSON(w, http.StatusOK, resp)
}

// parseSearch maps query parameters onto a LogQuery. Hosts and units may be
// repeated or comma-separated.
func (s *Server) parseSearch(r *http.Request) (storage.LogQuery, error) {
	v := r.URL.Query()
	now := s.now()
	var q storage.LogQuery

	if raw := v.Get("start"); raw != "" {
		t, err := types.ParseTime(raw, now)
		if err != nil {
			return q, err
		}
		q.Start = t
	}
	if raw := v.Get("end"); raw != "" {
		t, err := types.ParseTime(raw, now)
		if err != nil {
			return q, err
		}
		q.End = t
	}

	q.Text = v.Get("q")
	q.Hostnames = splitList(v["host"])
	q.Units = splitList(v["unit"])
	q.Sort = v.Get("sort")
	q.Ascending = strings.EqualFold(v.Get("order"), "asc")

	if raw := v.Get("priority"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			return q, errors.New("priority must be an integer")
		}
		q.MaxPriority = &p
	}

	var err error
	if q.Limit, err = intParam(r, "limit", storage.DefaultQueryLimit); err != nil {
		return q, errors.New("limit must be an integer")
	}
	if q.Offset, err = intParam(r, "offset", 0); err != nil {
		return q, errors.New("offset must be an integer")
	}
	return q, nil
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	fv, err := s.opts.Store.FilterValues(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	resp := filtersResponse{
		Hostnames:  nonNil(fv.Hostnames),
		Units:      nonNil(fv.Units),
		Priorities: make([]priorityResponse, 0, len(fv.Priorities)),
	}
	for _, p := range fv.Priorities {
		resp.Priorities = append(resp.Priorities, priorityResponse{Value: p.Value, Label: p.Label})
	}
	respondJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Server) uptime() string {
	return s.now().Sub(s.started).Truncate(time.Second).String()
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.Error("status request failed", "error", err)
	}
	respondJSON(w, status, errorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
	})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func topByCPU(samples []types.ProcessSample, limit int) []types.ProcessSample {
	out := make([]types.ProcessSample, len(samples))
	copy(out, samples)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CPUPercent > out[j].CPUPercent })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
