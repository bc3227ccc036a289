// Package statusapi serves the optional local HTTP status listener.
//
// Routes:
//
//	GET /healthz          liveness and ingest phase
//	GET /metrics          Prometheus exposition
//	GET /api/stats        buffer statistics, store size and runtime counters
//	GET /api/processes    latest process snapshot and its summary, or ?at= a stored one
//	GET /api/search       parameterized log search
//	GET /api/filters      distinct hostnames, units and priorities
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/livedata/internal/logging"
	"github.com/xtxerr/livedata/internal/procmon"
	"github.com/xtxerr/livedata/internal/storage"
	"github.com/xtxerr/livedata/internal/storage/types"
)

// Server timeouts.
const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Store is the read side of the storage engine.
type Store interface {
	BufferStats(ctx context.Context) (types.BufferStats, error)
	FileSize() int64
	QueryLogs(ctx context.Context, q storage.LogQuery) (storage.LogPage, error)
	FilterValues(ctx context.Context) (storage.FilterValues, error)
	LatestProcesses(ctx context.Context, limit int) (types.ProcessMetricsBatch, error)
	ProcessSnapshot(ctx context.Context, at time.Time, limit int) (types.ProcessMetricsBatch, error)
}

// Snapshots exposes the sampler's in-memory view.
type Snapshots interface {
	Latest() (types.ProcessMetricsBatch, bool)
	Summary() (procmon.Summary, bool)
}

// Options configures a Server.
type Options struct {
	Addr     string
	Hostname string
	Store    Store

	// Processes is nil when process sampling is disabled; the latest
	// persisted snapshot is served instead.
	Processes Snapshots

	// Registry is served on /metrics.
	Registry *prometheus.Registry

	// Runtime reports live counters for /api/stats and /healthz.
	Runtime func() Runtime
}

// Server is the HTTP status listener.
type Server struct {
	opts    Options
	router  *mux.Router
	log     *slog.Logger
	started time.Time
	now     func() time.Time

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
}

// New builds the router. Start binds the listener.
func New(opts Options) *Server {
	s := &Server{
		opts:    opts,
		router:  mux.NewRouter(),
		log:     logging.Component("statusapi"),
		started: time.Now(),
		now:     time.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.opts.Registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/processes", s.handleProcesses).Methods(http.MethodGet)
	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/filters", s.handleFilters).Methods(http.MethodGet)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds Addr and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return fmt.Errorf("status listener already running")
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}

	s.ln = ln
	s.done = make(chan struct{})
	s.srv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("status listener failed", "error", err)
		}
	}(s.srv, s.done)

	s.log.Info("status listener started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the listener down, waiting briefly for in-flight requests.
// Safe to call when not started.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.ln = nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	<-done
	s.log.Info("status listener stopped")
	return err
}
