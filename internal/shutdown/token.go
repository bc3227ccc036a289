// Package shutdown provides the cooperative cancellation token shared by
// every long-running loop in the agent.
//
// The coordinator creates one Token and passes it by reference into each
// component. Loops poll Requested or block in Sleep, which returns early
// once the token is triggered.
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PollInterval is the longest a cooperating loop may go without checking
// the token.
const PollInterval = 100 * time.Millisecond

// Token is a one-shot cancellation flag. The zero value is not usable; use New.
type Token struct {
	flag atomic.Bool
	done chan struct{}
	once sync.Once
}

// New returns an untriggered token.
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Trigger requests shutdown. Safe to call more than once and from any goroutine.
func (t *Token) Trigger() {
	t.once.Do(func() {
		t.flag.Store(true)
		close(t.done)
	})
}

// Requested reports whether shutdown was requested.
func (t *Token) Requested() bool {
	return t.flag.Load()
}

// Done returns a channel that is closed once shutdown is requested.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Sleep waits for d or until shutdown, whichever comes first.
// It reports false if it returned because of shutdown.
func (t *Token) Sleep(d time.Duration) bool {
	if d <= 0 {
		return !t.Requested()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return !t.Requested()
	case <-t.done:
		return false
	}
}

// Context returns a context cancelled when the token is triggered.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
