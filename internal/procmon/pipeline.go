package procmon

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/xtxerr/livedata/internal/logging"
	"github.com/xtxerr/livedata/internal/storage/types"
	"github.com/xtxerr/livedata/internal/telemetry"
)

// DefaultCapacity is the number of snapshots the channel buffers.
const DefaultCapacity = 32

// dropWarnInterval spaces out drop warnings while the writer is behind.
const dropWarnInterval = 10 * time.Second

// =============================================================================
// Pressure
// =============================================================================

// Pressure summarizes channel occupancy.
type Pressure int

const (
	// PressureNormal - under half full.
	PressureNormal Pressure = iota

	// PressureWarning - the writer is falling behind.
	PressureWarning

	// PressureCritical - close to dropping.
	PressureCritical

	// PressureFull - new snapshots are being dropped.
	PressureFull
)

func (p Pressure) String() string {
	switch p {
	case PressureNormal:
		return "normal"
	case PressureWarning:
		return "warning"
	case PressureCritical:
		return "critical"
	case PressureFull:
		return "full"
	default:
		return "unknown"
	}
}

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline is the bounded channel between the sampler and the writer.
// Offer never blocks; a full or closed channel drops the snapshot.
type Pipeline struct {
	ch chan types.ProcessMetricsBatch

	// mu orders sends against Close.
	mu     sync.RWMutex
	closed bool

	accepted atomic.Uint64
	dropped  atomic.Uint64

	warn    *rate.Limiter
	metrics *telemetry.Metrics
	log     *slog.Logger
}

// NewPipeline returns a pipeline buffering up to capacity snapshots.
func NewPipeline(capacity int, m *telemetry.Metrics) *Pipeline {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pipeline{
		ch:      make(chan types.ProcessMetricsBatch, capacity),
		warn:    rate.NewLimiter(rate.Every(dropWarnInterval), 1),
		metrics: m,
		log:     logging.Component("procmon"),
	}
}

// Offer enqueues batch without blocking. It reports false when the batch
// was dropped.
func (p *Pipeline) Offer(batch types.ProcessMetricsBatch) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.drop("closed")
		return false
	}

	select {
	case p.ch <- batch:
		p.accepted.Add(1)
		p.metrics.ChannelDepth.Set(float64(len(p.ch)))
		return true
	default:
		p.drop("full")
		return false
	}
}

func (p *Pipeline) drop(reason string) {
	n := p.dropped.Add(1)
	p.metrics.BatchesDropped.Inc()
	if p.warn.Allow() {
		p.log.Warn("process metrics batch dropped",
			"reason", reason,
			"dropped_total", n,
			"capacity", cap(p.ch))
	}
}

// Close closes the channel so the writer drains and exits.
// Subsequent calls are no-ops.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
}

// Batches returns the receive side of the channel.
func (p *Pipeline) Batches() <-chan types.ProcessMetricsBatch {
	return p.ch
}

// Len returns the number of buffered snapshots.
func (p *Pipeline) Len() int {
	return len(p.ch)
}

// Cap returns the channel capacity.
func (p *Pipeline) Cap() int {
	return cap(p.ch)
}

// Accepted returns the number of snapshots enqueued so far.
func (p *Pipeline) Accepted() uint64 {
	return p.accepted.Load()
}

// Dropped returns the number of snapshots dropped so far. It never decreases.
func (p *Pipeline) Dropped() uint64 {
	return p.dropped.Load()
}

// Pressure classifies the current occupancy.
func (p *Pipeline) Pressure() Pressure {
	usage := float64(len(p.ch)) / float64(cap(p.ch))
	switch {
	case usage >= 1:
		return PressureFull
	case usage >= 0.8:
		return PressureCritical
	case usage >= 0.5:
		return PressureWarning
	default:
		return PressureNormal
	}
}
