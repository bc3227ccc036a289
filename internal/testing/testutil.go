// Package testing holds polling and timeout helpers for tests that drive
// background goroutines.
//
// Never call t.Fatal from a goroutine other than the test's own; return an
// error through WithTimeout instead.
package testing

import (
	"fmt"
	"testing"
	"time"
)

// Polling defaults used by WaitFor.
const (
	DefaultTimeout  = 5 * time.Second
	DefaultInterval = 5 * time.Millisecond
)

// =============================================================================
// Polling
// =============================================================================

// Eventually waits for a condition to become true.
//
// Example:
//
//	err := testing.Eventually(5*time.Second, 10*time.Millisecond, func() bool {
//	    return loop.Phase() == ingest.PhaseLive
//	})
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("condition not met within %v", timeout)
		}
		time.Sleep(interval)
	}
}

// WaitFor polls cond with the defaults and fails the test if it never holds.
// It must be called from the test goroutine.
func WaitFor(tb testing.TB, what string, cond func() bool) {
	tb.Helper()
	if err := Eventually(DefaultTimeout, DefaultInterval, cond); err != nil {
		tb.Fatalf("timed out waiting for %s: %v", what, err)
	}
}

// =============================================================================
// Timeout Helper
// =============================================================================

// WithTimeout runs fn and returns its error, or a timeout error if it does
// not finish in time. fn keeps running in the background after a timeout.
//
// Example:
//
//	err := testing.WithTimeout(time.Second, func() error {
//	    return coordinator.Run(ctx)
//	})
func WithTimeout(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("operation timed out after %v", timeout)
	}
}

// Timed runs fn and reports how long it took along with its error.
func Timed(fn func() error) (time.Duration, error) {
	start := time.Now()
	err := fn()
	return time.Since(start), err
}
