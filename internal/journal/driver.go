// Package journal reads structured records from a cursor-addressable log
// stream such as the systemd journal.
//
// A Driver exposes the raw cursor API. Source wraps a Driver with the
// record conversion, backfill and live-resume logic the ingestion loop
// needs.
package journal

import "time"

// WaitResult is the outcome of a bounded wait for journal changes.
type WaitResult int

const (
	// NoChange means the timeout elapsed without new entries.
	NoChange WaitResult = iota
	// Appended means entries were added to the journal.
	Appended
	// Invalidated means journal files were added, removed or rotated.
	Invalidated
)

func (r WaitResult) String() string {
	switch r {
	case NoChange:
		return "no_change"
	case Appended:
		return "appended"
	case Invalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Entry is one raw journal entry.
type Entry struct {
	Fields map[string]string

	// RealtimeUsec is the driver-reported wall clock in microseconds since
	// the epoch, or zero when unknown.
	RealtimeUsec uint64
}

// Driver mirrors the sd-journal cursor API.
//
// Next and Previous move one entry and return the number of entries moved
// (0 at either end). After SeekTail the cursor sits past the newest entry;
// callers step back with Previous or PreviousSkip before reading forward.
// After SeekCursor the next call to Next lands on the entry the cursor names.
type Driver interface {
	SeekTail() error
	PreviousSkip(n uint64) (uint64, error)
	Previous() (uint64, error)
	Next() (uint64, error)
	Wait(timeout time.Duration) (WaitResult, error)
	GetEntry() (Entry, error)
	Cursor() (string, error)
	SeekCursor(cursor string) error
	Close() error
}
