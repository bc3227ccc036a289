package journal

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/xtxerr/livedata/internal/errors"
	"github.com/xtxerr/livedata/internal/logging"
	"github.com/xtxerr/livedata/internal/storage/types"
)

// MaxBackfillScan bounds how many entries Backfill steps over.
const MaxBackfillScan = 10000

// position is the logical cursor mode.
type position int

const (
	positionHead position = iota
	positionTail
	positionScan
)

// Stats are cumulative Source counters.
type Stats struct {
	Read          uint64
	Malformed     uint64
	Invalidations uint64
}

// Source converts journal entries into log records.
//
// A Source is driven by one goroutine; Stats may be read concurrently.
type Source struct {
	d   Driver
	pos position

	// boundary is the cursor of the newest entry seen by the last backfill.
	boundary string

	read          atomic.Uint64
	malformed     atomic.Uint64
	invalidations atomic.Uint64

	now func() time.Time
	log *slog.Logger
}

// Open wraps an opened driver.
func Open(d Driver) (*Source, error) {
	if d == nil {
		return nil, errors.Wrap(errors.ErrSourceOpen, fmt.Errorf("no journal driver"))
	}
	return &Source{
		d:   d,
		pos: positionHead,
		now: time.Now,
		log: logging.Component("journal"),
	}, nil
}

// OpenSystem opens the local systemd journal.
func OpenSystem() (*Source, error) {
	d, err := openSystemDriver()
	if err != nil {
		return nil, errors.Wrap(errors.ErrSourceOpen, err)
	}
	s, err := Open(d)
	if err != nil {
		return nil, err
	}
	s.log.Info("journal opened")
	return s, nil
}

// Close releases the driver.
func (s *Source) Close() error {
	return s.d.Close()
}

// SeekToTail positions the cursor past the newest entry.
func (s *Source) SeekToTail() error {
	if err := s.d.SeekTail(); err != nil {
		return fmt.Errorf("seek to tail: %w", err)
	}
	s.pos = positionTail
	return nil
}

// PreviousSkip moves the cursor back n entries and returns how many it moved.
func (s *Source) PreviousSkip(n uint64) (uint64, error) {
	moved, err := s.d.PreviousSkip(n)
	if err != nil {
		return moved, fmt.Errorf("skip back %d: %w", n, err)
	}
	if moved > 0 {
		s.pos = positionScan
	}
	return moved, nil
}

// Resume positions the cursor so the next NextRecord returns the first
// entry not yet delivered. After a backfill that is the entry following the
// newest backfilled one; otherwise it is the first entry appended from now on.
func (s *Source) Resume() error {
	if s.boundary != "" {
		err := s.resumeAt(s.boundary)
		s.boundary = ""
		if err == nil {
			return nil
		}
		s.log.Warn("backfill boundary lost, resuming at tail", "error", err)
	}

	if err := s.SeekToTail(); err != nil {
		return err
	}
	if _, err := s.PreviousSkip(1); err != nil {
		return err
	}
	return nil
}

// resumeAt lands on the entry named by cursor so the next read moves past it.
func (s *Source) resumeAt(cursor string) error {
	if err := s.d.SeekCursor(cursor); err != nil {
		return err
	}
	n, err := s.d.Next()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("cursor entry no longer present")
	}
	got, err := s.d.Cursor()
	if err != nil {
		return err
	}
	if got != cursor {
		return fmt.Errorf("cursor entry no longer present")
	}
	s.pos = positionScan
	return nil
}

// Wait blocks up to timeout for journal changes. Driver errors are logged
// and reported as NoChange.
func (s *Source) Wait(timeout time.Duration) WaitResult {
	r, err := s.d.Wait(timeout)
	if err != nil {
		s.log.Warn("wait for journal changes", "error", err)
		return NoChange
	}
	if r == Invalidated {
		s.invalidations.Add(1)
		s.log.Debug("journal invalidated")
	}
	return r
}

// NextRecord returns the next record without blocking. It reports false
// when no entry is available. Malformed entries are counted and skipped.
func (s *Source) NextRecord() (types.LogRecord, bool) {
	for {
		n, err := s.d.Next()
		if err != nil {
			s.log.Warn("advance journal cursor", "error", err)
			return types.LogRecord{}, false
		}
		if n == 0 {
			return types.LogRecord{}, false
		}
		s.pos = positionScan

		e, err := s.d.GetEntry()
		if err != nil {
			s.malformed.Add(1)
			s.log.Debug("skipping malformed entry", "error", err)
			continue
		}
		s.read.Add(1)
		return s.toRecord(e), true
	}
}

// Backfill walks backward from the tail and visits every record with
// Timestamp >= cutoff, newest first. It stops at the first older record or
// after MaxBackfillScan entries. A visit error aborts the backfill and is
// returned unchanged.
func (s *Source) Backfill(cutoff time.Time, visit func(types.LogRecord) error) (int, error) {
	s.boundary = ""
	if err := s.SeekToTail(); err != nil {
		return 0, err
	}

	var (
		visited int
		steps   int
	)
	for steps < MaxBackfillScan {
		n, err := s.d.Previous()
		if err != nil {
			return visited, fmt.Errorf("step back: %w", err)
		}
		if n == 0 {
			break
		}
		s.pos = positionScan
		steps++

		if s.boundary == "" {
			if c, err := s.d.Cursor(); err == nil {
				s.boundary = c
			}
		}

		e, err := s.d.GetEntry()
		if err != nil {
			s.malformed.Add(1)
			s.log.Debug("skipping malformed entry", "error", err)
			continue
		}
		s.read.Add(1)

		rec := s.toRecord(e)
		if rec.Timestamp.Before(cutoff) {
			break
		}
		if err := visit(rec); err != nil {
			return visited, err
		}
		visited++
	}

	if steps >= MaxBackfillScan {
		s.log.Warn("backfill scan ceiling reached", "steps", steps, "visited", visited)
	}
	return visited, nil
}

func (s *Source) toRecord(e Entry) types.LogRecord {
	ts, ok := types.TimestampFromFields(e.Fields)
	if !ok && e.RealtimeUsec > 0 {
		ts, ok = time.UnixMicro(int64(e.RealtimeUsec)), true
	}
	if !ok {
		ts = s.now()
	}
	return types.NewLogRecord(ts, e.Fields)
}

// AtTail reports whether the cursor was last positioned by SeekToTail.
func (s *Source) AtTail() bool {
	return s.pos == positionTail
}

// Stats returns a snapshot of the counters.
func (s *Source) Stats() Stats {
	return Stats{
		Read:          s.read.Load(),
		Malformed:     s.malformed.Load(),
		Invalidations: s.invalidations.Load(),
	}
}
