package archive

import (
	"maps"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/livedata/internal/storage/types"
)

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// ParseCompressionType parses a compression name. Unknown names fall back
// to snappy.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "none", "":
		return CompressionNone
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	default:
		return CompressionSnappy
	}
}

func (c CompressionType) codec() compress.Codec {
	switch c {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// LogRow is one archived log record. Pointer fields are optional columns;
// every field without a typed column is kept in ExtraFields.
type LogRow struct {
	TimestampUs      int64   `parquet:"timestamp_us"`
	MinuteKeyUs      int64   `parquet:"minute_key_us"`
	Message          *string `parquet:"message"`
	Priority         *int64  `parquet:"priority"`
	SyslogFacility   *int64  `parquet:"syslog_facility"`
	SyslogIdentifier *string `parquet:"syslog_identifier"`
	Hostname         *string `parquet:"hostname"`
	SystemdUnit      *string `parquet:"systemd_unit"`
	PID              *int64  `parquet:"pid"`
	UID              *int64  `parquet:"uid"`
	GID              *int64  `parquet:"gid"`
	Comm             *string `parquet:"comm"`
	Exe              *string `parquet:"exe"`
	ExtraFields      *string `parquet:"extra_fields"`
}

// rowColumn binds a journal field to its typed LogRow slot.
type rowColumn struct {
	field string
	str   func(*LogRow) **string
	num   func(*LogRow) **int64
}

var rowColumns = []rowColumn{
	{field: types.FieldMessage, str: func(r *LogRow) **string { return &r.Message }},
	{field: types.FieldPriority, num: func(r *LogRow) **int64 { return &r.Priority }},
	{field: "SYSLOG_FACILITY", num: func(r *LogRow) **int64 { return &r.SyslogFacility }},
	{field: "SYSLOG_IDENTIFIER", str: func(r *LogRow) **string { return &r.SyslogIdentifier }},
	{field: types.FieldHostname, str: func(r *LogRow) **string { return &r.Hostname }},
	{field: types.FieldSystemdUnit, str: func(r *LogRow) **string { return &r.SystemdUnit }},
	{field: types.FieldPID, num: func(r *LogRow) **int64 { return &r.PID }},
	{field: "_UID", num: func(r *LogRow) **int64 { return &r.UID }},
	{field: "_GID", num: func(r *LogRow) **int64 { return &r.GID }},
	{field: types.FieldComm, str: func(r *LogRow) **string { return &r.Comm }},
	{field: "_EXE", str: func(r *LogRow) **string { return &r.Exe }},
}

// RowFromRecord converts a record. Integer fields that do not parse stay in
// ExtraFields under their original name.
func RowFromRecord(rec types.LogRecord) LogRow {
	row := LogRow{
		TimestampUs: rec.Timestamp.UnixMicro(),
		MinuteKeyUs: rec.MinuteKey().UnixMicro(),
	}

	rest := maps.Clone(rec.Fields)
	for _, c := range rowColumns {
		v, ok := rest[c.field]
		if !ok {
			continue
		}
		if c.str != nil {
			*c.str(&row) = &v
			delete(rest, c.field)
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		*c.num(&row) = &n
		delete(rest, c.field)
	}

	if raw := types.EncodeExtra(rest); raw != "" {
		row.ExtraFields = &raw
	}
	return row
}

// Record rebuilds the log record.
func (r *LogRow) Record() (types.LogRecord, error) {
	fields := map[string]string{}
	if r.ExtraFields != nil {
		extra, err := types.DecodeExtra(*r.ExtraFields)
		if err != nil {
			return types.LogRecord{}, err
		}
		fields = extra
	}

	for _, c := range rowColumns {
		if c.str != nil {
			if p := *c.str(r); p != nil {
				fields[c.field] = *p
			}
			continue
		}
		if p := *c.num(r); p != nil {
			fields[c.field] = strconv.FormatInt(*p, 10)
		}
	}
	return types.NewLogRecord(time.UnixMicro(r.TimestampUs), fields), nil
}
