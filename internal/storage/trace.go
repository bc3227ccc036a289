package storage

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// tracer appends executed statements to a writer, one per line.
// A nil tracer discards everything.
type tracer struct {
	mu sync.Mutex
	w  io.Writer
}

func (t *tracer) statement(query string, args []any) {
	if t == nil {
		return
	}

	var b strings.Builder
	b.WriteString(strings.Join(strings.Fields(query), " "))
	b.WriteByte(';')
	if len(args) > 0 {
		b.WriteString(" -- ")
		for i, a := range args {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(traceArg(a))
		}
	}
	b.WriteByte('\n')

	t.mu.Lock()
	io.WriteString(t.w, b.String())
	t.mu.Unlock()
}

func traceArg(a any) string {
	switch v := a.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case time.Time:
		return "'" + v.UTC().Format("2006-01-02 15:04:05.999999") + "'"
	default:
		return fmt.Sprint(v)
	}
}
