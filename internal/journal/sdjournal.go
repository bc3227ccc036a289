//go:build linux && cgo

package journal

import (
	"fmt"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/sdjournal"
)

// systemDriver reads the local systemd journal through libsystemd.
type systemDriver struct {
	j *sdjournal.Journal
}

func openSystemDriver() (Driver, error) {
	j, err := sdjournal.NewJournal()
	if err != nil {
		return nil, fmt.Errorf("open systemd journal: %w", err)
	}
	return &systemDriver{j: j}, nil
}

func (d *systemDriver) SeekTail() error {
	return d.j.SeekTail()
}

func (d *systemDriver) PreviousSkip(n uint64) (uint64, error) {
	return d.j.PreviousSkip(n)
}

func (d *systemDriver) Previous() (uint64, error) {
	return d.j.Previous()
}

func (d *systemDriver) Next() (uint64, error) {
	return d.j.Next()
}

func (d *systemDriver) Wait(timeout time.Duration) (WaitResult, error) {
	switch r := d.j.Wait(timeout); r {
	case sdjournal.SD_JOURNAL_NOP:
		return NoChange, nil
	case sdjournal.SD_JOURNAL_APPEND:
		return Appended, nil
	case sdjournal.SD_JOURNAL_INVALIDATE:
		return Invalidated, nil
	default:
		if r < 0 {
			return NoChange, fmt.Errorf("wait for journal: %w", syscall.Errno(-r))
		}
		return NoChange, nil
	}
}

func (d *systemDriver) GetEntry() (Entry, error) {
	e, err := d.j.GetEntry()
	if err != nil {
		return Entry{}, err
	}
	return Entry{Fields: e.Fields, RealtimeUsec: e.RealtimeTimestamp}, nil
}

func (d *systemDriver) Cursor() (string, error) {
	return d.j.GetCursor()
}

func (d *systemDriver) SeekCursor(cursor string) error {
	return d.j.SeekCursor(cursor)
}

func (d *systemDriver) Close() error {
	return d.j.Close()
}
