// Package errors holds the sentinel errors shared across the agent and
// helpers for classifying them.
//
// Fatal errors abort startup. Everything else is contained in the
// subsystem that produced it and reported through logs and metrics.
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Startup errors
	ErrSourceOpen = errors.New("log source open failed")
	ErrStoreOpen  = errors.New("store open failed")
	ErrBackfill   = errors.New("backfill failed")

	// Storage errors
	ErrCheckpoint      = errors.New("checkpoint failed")
	ErrTransactionDone = errors.New("transaction already finished")
	ErrClosed          = errors.New("store closed")
	ErrInvalidQuery    = errors.New("invalid query")
	ErrUnknownTable    = errors.New("unknown table")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")

	// Source errors
	ErrMalformedRecord = errors.New("malformed record")
	ErrSourceClosed    = errors.New("log source closed")
)

// ============================================================================
// Category checks
// ============================================================================

// IsFatal reports whether err must abort startup.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSourceOpen) ||
		errors.Is(err, ErrStoreOpen) ||
		errors.Is(err, ErrBackfill) ||
		errors.Is(err, ErrInvalidConfig)
}

// IsRetryable reports whether the operation may succeed on the next cycle.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCheckpoint)
}

// ============================================================================
// Wrapping
// ============================================================================

// Wrap annotates err with sentinel so errors.Is matches both.
// Returns nil if err is nil.
func Wrap(sentinel, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// Re-exports so callers need a single errors import.
var (
	Is   = errors.Is
	As   = errors.As
	New  = errors.New
	Join = errors.Join
)
