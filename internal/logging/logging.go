// Package logging provides structured logging for the livedata agent.
//
// This package wraps the standard library's log/slog package so every
// component logs through one configured handler. Output is human-readable
// text on a terminal and JSON otherwise, unless a format is forced.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, logging.FormatAuto)
//
//	// Get a component logger
//	log := logging.Component("ingest")
//	log.Info("backfill complete", "records", n)
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/term"
)

// Format selects the handler used for log output.
type Format int

const (
	// FormatAuto picks text for a terminal and JSON otherwise.
	FormatAuto Format = iota
	FormatText
	FormatJSON
)

// ParseFormat parses "auto", "text" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return FormatAuto, nil
	case "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatAuto, fmt.Errorf("unknown log format %q", s)
	}
}

// ParseLevel parses a slog level name such as "debug" or "warn".
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

var (
	mu     sync.RWMutex
	logger *slog.Logger
	runID  = uuid.NewString()
)

// Init initializes the global logger writing to stdout.
func Init(level slog.Level, format Format) {
	InitWriter(os.Stdout, level, format)
}

// InitWriter initializes the global logger writing to w.
// FormatAuto resolves to text only when w is a terminal.
func InitWriter(w io.Writer, level slog.Level, format Format) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if resolveJSON(w, format) {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	InitWithHandler(handler)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	l := slog.New(handler).With("run_id", runID)

	mu.Lock()
	logger = l
	mu.Unlock()

	slog.SetDefault(l)
}

func resolveJSON(w io.Writer, format Format) bool {
	switch format {
	case FormatJSON:
		return true
	case FormatText:
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return true
	}
	return !term.IsTerminal(int(f.Fd()))
}

// RunID returns the identifier attached to every record of this process.
func RunID() string {
	return runID
}

func current() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l == nil {
		Init(slog.LevelInfo, FormatAuto)
		mu.RLock()
		l = logger
		mu.RUnlock()
	}
	return l
}

// Logger returns the global logger, initializing it with defaults if needed.
func Logger() *slog.Logger {
	return current()
}

// With returns a new logger with additional attributes.
func With(args ...any) *slog.Logger {
	return current().With(args...)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// Example:
//
//	log := logging.Component("retention")
//	log.Info("cycle done") // Output: time=... level=INFO msg="cycle done" run_id=... component=retention
func Component(name string) *slog.Logger {
	return current().With("component", name)
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Info logs at info level.
func Info(msg string, args ...any) {
	current().Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	current().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	current().Error(msg, args...)
}
