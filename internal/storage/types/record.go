package types

import (
	"strconv"
	"strings"
	"time"
)

// Well-known journal field names.
const (
	FieldMessage           = "MESSAGE"
	FieldPriority          = "PRIORITY"
	FieldHostname          = "_HOSTNAME"
	FieldSystemdUnit       = "_SYSTEMD_UNIT"
	FieldPID               = "_PID"
	FieldComm              = "_COMM"
	FieldCursor            = "__CURSOR"
	FieldRealtimeTimestamp = "__REALTIME_TIMESTAMP"
)

// LogRecord is one structured log entry.
// Timestamp is UTC with microsecond precision; field keys are case-sensitive.
type LogRecord struct {
	Timestamp time.Time
	Fields    map[string]string
}

// NewLogRecord builds a record, normalizing the timestamp to UTC microseconds.
func NewLogRecord(ts time.Time, fields map[string]string) LogRecord {
	if fields == nil {
		fields = map[string]string{}
	}
	return LogRecord{
		Timestamp: ts.UTC().Truncate(time.Microsecond),
		Fields:    fields,
	}
}

// MinuteKey truncates t to the start of its UTC minute.
// MinuteKey(MinuteKey(t)) == MinuteKey(t) for all t.
func MinuteKey(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// MinuteKey returns the retention bucket of the record.
func (r LogRecord) MinuteKey() time.Time {
	return MinuteKey(r.Timestamp)
}

// Field returns a field value and whether it was present.
func (r LogRecord) Field(name string) (string, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

func (r LogRecord) Message() string  { return r.Fields[FieldMessage] }
func (r LogRecord) Hostname() string { return r.Fields[FieldHostname] }
func (r LogRecord) Unit() string     { return r.Fields[FieldSystemdUnit] }
func (r LogRecord) Comm() string     { return r.Fields[FieldComm] }
func (r LogRecord) Cursor() string   { return r.Fields[FieldCursor] }

// Priority returns the syslog priority, or -1 when absent or malformed.
func (r LogRecord) Priority() int {
	p, err := strconv.Atoi(strings.TrimSpace(r.Fields[FieldPriority]))
	if err != nil {
		return -1
	}
	return p
}

// TimestampFromFields reads the microsecond epoch in __REALTIME_TIMESTAMP.
func TimestampFromFields(fields map[string]string) (time.Time, bool) {
	raw, ok := fields[FieldRealtimeTimestamp]
	if !ok {
		return time.Time{}, false
	}
	usec, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || usec <= 0 {
		return time.Time{}, false
	}
	return time.UnixMicro(usec).UTC(), true
}
