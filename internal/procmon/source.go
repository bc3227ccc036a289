// Package procmon samples the process table on a fixed cadence and hands
// the snapshots to a single store writer through a bounded channel.
//
// Process metrics are best effort. When the writer falls behind, new
// snapshots are dropped instead of blocking the sampler.
package procmon

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/xtxerr/livedata/internal/storage/types"
)

// ProcessSource reads one snapshot of the process table.
type ProcessSource interface {
	Snapshot(ctx context.Context) ([]types.ProcessSample, error)
}

// GopsutilSource reads the local process table with gopsutil.
//
// CPU usage is measured between consecutive snapshots, so the first
// snapshot of a process reports zero.
type GopsutilSource struct {
	mu    sync.Mutex
	procs map[int32]trackedProcess
	now   func() time.Time
}

type trackedProcess struct {
	proc    *process.Process
	created int64
}

// NewGopsutilSource returns a source with an empty CPU baseline.
func NewGopsutilSource() *GopsutilSource {
	return &GopsutilSource{
		procs: make(map[int32]trackedProcess),
		now:   time.Now,
	}
}

// Snapshot lists every process still readable at the time of the call.
// Processes that exit mid-scan are left out.
func (s *GopsutilSource) Snapshot(ctx context.Context) ([]types.ProcessSample, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	seen := make(map[int32]trackedProcess, len(procs))
	samples := make([]types.ProcessSample, 0, len(procs))

	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		created, err := p.CreateTimeWithContext(ctx)
		if err != nil {
			continue
		}
		// Reuse the previous handle so CPU is measured against the last call.
		// A different start time means the PID was recycled.
		if prev, ok := s.procs[p.Pid]; ok && prev.created == created {
			p = prev.proc
		}
		seen[p.Pid] = trackedProcess{proc: p, created: created}

		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}

		sample := types.ProcessSample{PID: p.Pid, Name: name}
		if cpu, err := p.PercentWithContext(ctx, 0); err == nil && cpu > 0 {
			sample.CPUPercent = cpu
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			sample.MemoryBytes = mem.RSS
		}
		if uids, err := p.UidsWithContext(ctx); err == nil && len(uids) > 0 {
			uid := strconv.FormatInt(int64(uids[0]), 10)
			sample.UserID = &uid
		}
		if age := now.Sub(time.UnixMilli(created)); age > 0 {
			sample.RuntimeSeconds = uint64(age / time.Second)
		}

		samples = append(samples, sample)
	}

	s.procs = seen
	return samples, nil
}
