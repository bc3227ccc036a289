package journal

import (
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/xtxerr/livedata/internal/errors"
	"github.com/xtxerr/livedata/internal/storage/types"
)

// MemoryDriver is an in-memory Driver with sd-journal cursor semantics.
// Entries are appended in order; the stream never reorders or forgets them.
//
// Like sd-journal, reading forward straight after SeekTail skips the first
// entry appended afterwards. Step back with PreviousSkip(1) first.
type MemoryDriver struct {
	mu      sync.Mutex
	entries []memEntry

	// cur is the current entry index. -1 is before the head and
	// len(entries) is past the tail.
	cur int

	appended    bool
	invalidated bool
	changed     chan struct{}
	closed      bool
}

type memEntry struct {
	entry  Entry
	broken bool
}

// NewMemoryDriver returns a driver positioned at the head of entries.
func NewMemoryDriver(entries ...Entry) *MemoryDriver {
	d := &MemoryDriver{cur: -1, changed: make(chan struct{})}
	for _, e := range entries {
		d.entries = append(d.entries, memEntry{entry: e})
	}
	return d
}

// EntryAt builds an entry stamped with ts in __REALTIME_TIMESTAMP.
func EntryAt(ts time.Time, fields map[string]string) Entry {
	f := maps.Clone(fields)
	if f == nil {
		f = make(map[string]string)
	}
	usec := ts.UnixMicro()
	f[types.FieldRealtimeTimestamp] = strconv.FormatInt(usec, 10)
	return Entry{Fields: f, RealtimeUsec: uint64(usec)}
}

// Append adds entries to the tail and wakes waiters.
func (d *MemoryDriver) Append(entries ...Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range entries {
		d.entries = append(d.entries, memEntry{entry: e})
	}
	d.signalLocked(false)
}

// AppendBroken adds an entry whose GetEntry fails.
func (d *MemoryDriver) AppendBroken() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, memEntry{broken: true})
	d.signalLocked(false)
}

// Invalidate simulates a journal file rotation.
func (d *MemoryDriver) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signalLocked(true)
}

func (d *MemoryDriver) signalLocked(invalidate bool) {
	if invalidate {
		d.invalidated = true
	} else {
		d.appended = true
	}
	close(d.changed)
	d.changed = make(chan struct{})
}

// Len returns the number of entries in the stream.
func (d *MemoryDriver) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *MemoryDriver) SeekTail() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.ErrSourceClosed
	}
	if len(d.entries) == 0 {
		// Head and tail coincide on an empty stream.
		d.cur = -1
		return nil
	}
	d.cur = len(d.entries)
	return nil
}

func (d *MemoryDriver) Previous() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.previousLocked()
}

func (d *MemoryDriver) previousLocked() (uint64, error) {
	if d.closed {
		return 0, errors.ErrSourceClosed
	}
	if d.cur-1 < 0 || d.cur-1 >= len(d.entries) {
		return 0, nil
	}
	d.cur--
	return 1, nil
}

func (d *MemoryDriver) PreviousSkip(n uint64) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var moved uint64
	for moved < n {
		step, err := d.previousLocked()
		if err != nil {
			return moved, err
		}
		if step == 0 {
			break
		}
		moved++
	}
	return moved, nil
}

func (d *MemoryDriver) Next() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, errors.ErrSourceClosed
	}
	if d.cur+1 >= len(d.entries) {
		return 0, nil
	}
	d.cur++
	return 1, nil
}

func (d *MemoryDriver) Wait(timeout time.Duration) (WaitResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return NoChange, errors.ErrSourceClosed
		}
		if d.invalidated {
			d.invalidated, d.appended = false, false
			d.mu.Unlock()
			return Invalidated, nil
		}
		if d.appended {
			d.appended = false
			d.mu.Unlock()
			return Appended, nil
		}
		changed := d.changed
		d.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return NoChange, nil
		}
	}
}

func (d *MemoryDriver) GetEntry() (Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return Entry{}, errors.ErrSourceClosed
	}
	if d.cur < 0 || d.cur >= len(d.entries) {
		return Entry{}, fmt.Errorf("no entry at cursor position %d", d.cur)
	}
	e := d.entries[d.cur]
	if e.broken {
		return Entry{}, fmt.Errorf("%w: entry %d", errors.ErrMalformedRecord, d.cur)
	}
	return Entry{Fields: maps.Clone(e.entry.Fields), RealtimeUsec: e.entry.RealtimeUsec}, nil
}

func (d *MemoryDriver) Cursor() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur < 0 || d.cur >= len(d.entries) {
		return "", fmt.Errorf("no entry at cursor position %d", d.cur)
	}
	return "mem;i=" + strconv.Itoa(d.cur), nil
}

func (d *MemoryDriver) SeekCursor(cursor string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.ErrSourceClosed
	}

	var idx int
	if _, err := fmt.Sscanf(cursor, "mem;i=%d", &idx); err != nil {
		return fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	if idx < 0 || idx >= len(d.entries) {
		return fmt.Errorf("cursor %q out of range", cursor)
	}
	d.cur = idx - 1
	return nil
}

func (d *MemoryDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.changed)
		d.changed = make(chan struct{})
	}
	return nil
}
