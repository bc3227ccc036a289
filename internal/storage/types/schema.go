package types

import (
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/valyala/fastjson"
)

// Kind is the storage type of a known field.
type Kind int

const (
	KindString Kind = iota
	KindInt
	// KindTimestamp is a 64-bit microsecond epoch.
	KindTimestamp
)

// SQLType returns the DuckDB column type for the kind.
func (k Kind) SQLType() string {
	switch k {
	case KindInt, KindTimestamp:
		return "BIGINT"
	default:
		return "VARCHAR"
	}
}

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindTimestamp:
		return "timestamp"
	default:
		return "string"
	}
}

// KnownFields holds the typed values of allow-listed fields.
// A nil pointer means the field was absent from the record.
type KnownFields struct {
	Message            *string
	Priority           *int64
	SyslogFacility     *int64
	SyslogIdentifier   *string
	Hostname           *string
	SystemdUnit        *string
	PID                *int64
	UID                *int64
	GID                *int64
	Comm               *string
	Exe                *string
	Cmdline            *string
	Transport          *string
	BootID             *string
	MachineID          *string
	Cursor             *string
	RealtimeUsec       *int64
	SourceRealtimeUsec *int64
}

// FieldSpec maps one journal field to one typed column.
type FieldSpec struct {
	Field  string
	Column string
	Kind   Kind

	set    func(*KnownFields, string) bool
	get    func(*KnownFields) any
	format func(*KnownFields) (string, bool)
}

func stringSpec(field, column string, slot func(*KnownFields) **string) FieldSpec {
	return FieldSpec{
		Field:  field,
		Column: column,
		Kind:   KindString,
		set: func(k *KnownFields, v string) bool {
			*slot(k) = &v
			return true
		},
		get: func(k *KnownFields) any {
			if p := *slot(k); p != nil {
				return *p
			}
			return nil
		},
		format: func(k *KnownFields) (string, bool) {
			if p := *slot(k); p != nil {
				return *p, true
			}
			return "", false
		},
	}
}

func intSpec(field, column string, kind Kind, slot func(*KnownFields) **int64) FieldSpec {
	return FieldSpec{
		Field:  field,
		Column: column,
		Kind:   kind,
		set: func(k *KnownFields, v string) bool {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return false
			}
			*slot(k) = &n
			return true
		},
		get: func(k *KnownFields) any {
			if p := *slot(k); p != nil {
				return *p
			}
			return nil
		},
		format: func(k *KnownFields) (string, bool) {
			if p := *slot(k); p != nil {
				return strconv.FormatInt(*p, 10), true
			}
			return "", false
		},
	}
}

// FieldSchema is the fixed allow-list of typed fields.
type FieldSchema struct {
	specs   []FieldSpec
	byField map[string]int
	byCol   map[string]int
}

// Schema is the journal field allow-list, in column order.
var Schema = newFieldSchema(
	stringSpec("MESSAGE", "message", func(k *KnownFields) **string { return &k.Message }),
	intSpec("PRIORITY", "priority", KindInt, func(k *KnownFields) **int64 { return &k.Priority }),
	intSpec("SYSLOG_FACILITY", "syslog_facility", KindInt, func(k *KnownFields) **int64 { return &k.SyslogFacility }),
	stringSpec("SYSLOG_IDENTIFIER", "syslog_identifier", func(k *KnownFields) **string { return &k.SyslogIdentifier }),
	stringSpec("_HOSTNAME", "_hostname", func(k *KnownFields) **string { return &k.Hostname }),
	stringSpec("_SYSTEMD_UNIT", "_systemd_unit", func(k *KnownFields) **string { return &k.SystemdUnit }),
	intSpec("_PID", "_pid", KindInt, func(k *KnownFields) **int64 { return &k.PID }),
	intSpec("_UID", "_uid", KindInt, func(k *KnownFields) **int64 { return &k.UID }),
	intSpec("_GID", "_gid", KindInt, func(k *KnownFields) **int64 { return &k.GID }),
	stringSpec("_COMM", "_comm", func(k *KnownFields) **string { return &k.Comm }),
	stringSpec("_EXE", "_exe", func(k *KnownFields) **string { return &k.Exe }),
	stringSpec("_CMDLINE", "_cmdline", func(k *KnownFields) **string { return &k.Cmdline }),
	stringSpec("_TRANSPORT", "_transport", func(k *KnownFields) **string { return &k.Transport }),
	stringSpec("_BOOT_ID", "_boot_id", func(k *KnownFields) **string { return &k.BootID }),
	stringSpec("_MACHINE_ID", "_machine_id", func(k *KnownFields) **string { return &k.MachineID }),
	stringSpec("__CURSOR", "__cursor", func(k *KnownFields) **string { return &k.Cursor }),
	intSpec("__REALTIME_TIMESTAMP", "__realtime_timestamp", KindTimestamp, func(k *KnownFields) **int64 { return &k.RealtimeUsec }),
	intSpec("_SOURCE_REALTIME_TIMESTAMP", "_source_realtime_timestamp", KindTimestamp, func(k *KnownFields) **int64 { return &k.SourceRealtimeUsec }),
)

func newFieldSchema(specs ...FieldSpec) *FieldSchema {
	s := &FieldSchema{
		specs:   specs,
		byField: make(map[string]int, len(specs)),
		byCol:   make(map[string]int, len(specs)),
	}
	for i, spec := range specs {
		if _, dup := s.byField[spec.Field]; dup {
			panic(fmt.Sprintf("types: duplicate schema field %s", spec.Field))
		}
		s.byField[spec.Field] = i
		s.byCol[spec.Column] = i
	}
	return s
}

// Specs returns the allow-list in column order.
func (s *FieldSchema) Specs() []FieldSpec {
	out := make([]FieldSpec, len(s.specs))
	copy(out, s.specs)
	return out
}

// Columns returns the typed column names in order.
func (s *FieldSchema) Columns() []string {
	cols := make([]string, len(s.specs))
	for i, spec := range s.specs {
		cols[i] = spec.Column
	}
	return cols
}

// Lookup returns the spec of a journal field name.
func (s *FieldSchema) Lookup(field string) (FieldSpec, bool) {
	i, ok := s.byField[field]
	if !ok {
		return FieldSpec{}, false
	}
	return s.specs[i], true
}

// HasColumn reports whether column is one of the typed columns.
func (s *FieldSchema) HasColumn(column string) bool {
	_, ok := s.byCol[column]
	return ok
}

// Split assigns every field to exactly one place: its typed slot when the
// field is allow-listed and its value parses for the column kind, otherwise
// the returned extra map under its original name.
func (s *FieldSchema) Split(fields map[string]string) (KnownFields, map[string]string) {
	var known KnownFields
	extra := make(map[string]string)

	for name, value := range fields {
		i, ok := s.byField[name]
		if ok && s.specs[i].set(&known, value) {
			continue
		}
		extra[name] = value
	}
	return known, extra
}

// Values returns the typed column values in column order, nil for absent fields.
func (s *FieldSchema) Values(k *KnownFields) []any {
	vals := make([]any, len(s.specs))
	for i, spec := range s.specs {
		vals[i] = spec.get(k)
	}
	return vals
}

// Merge reverses Split, rebuilding the flat field map.
func (s *FieldSchema) Merge(k *KnownFields, extra map[string]string) map[string]string {
	fields := make(map[string]string, len(extra)+len(s.specs))
	for name, v := range extra {
		fields[name] = v
	}
	for _, spec := range s.specs {
		if v, ok := spec.format(k); ok {
			fields[spec.Field] = v
		}
	}
	return fields
}

// ScanTargets returns one nullable scan destination per typed column.
func (s *FieldSchema) ScanTargets() []any {
	targets := make([]any, len(s.specs))
	for i, spec := range s.specs {
		if spec.Kind == KindString {
			targets[i] = new(sql.NullString)
		} else {
			targets[i] = new(sql.NullInt64)
		}
	}
	return targets
}

// FieldsFromScan rebuilds the flat field map from scanned typed columns and
// the decoded side-value.
func (s *FieldSchema) FieldsFromScan(targets []any, extra map[string]string) map[string]string {
	var known KnownFields
	for i, spec := range s.specs {
		switch v := targets[i].(type) {
		case *sql.NullString:
			if v.Valid {
				spec.set(&known, v.String)
			}
		case *sql.NullInt64:
			if v.Valid {
				spec.set(&known, strconv.FormatInt(v.Int64, 10))
			}
		}
	}
	return s.Merge(&known, extra)
}

// =============================================================================
// Side-value encoding
// =============================================================================

// EncodeExtra serializes the extra fields as a JSON object with sorted keys.
// It returns "" for an empty map.
func EncodeExtra(extra map[string]string) string {
	if len(extra) == 0 {
		return ""
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var a fastjson.Arena
	obj := a.NewObject()
	for _, k := range keys {
		obj.Set(k, a.NewString(extra[k]))
	}
	return string(obj.MarshalTo(nil))
}

// DecodeExtra parses a side-value produced by EncodeExtra.
// Non-string members are kept in their JSON form.
func DecodeExtra(raw string) (map[string]string, error) {
	out := make(map[string]string)
	if raw == "" {
		return out, nil
	}

	var p fastjson.Parser
	v, err := p.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse extra fields: %w", err)
	}
	obj, err := v.Object()
	if err != nil {
		return nil, fmt.Errorf("extra fields: %w", err)
	}
	obj.Visit(func(key []byte, val *fastjson.Value) {
		if val.Type() == fastjson.TypeString {
			out[string(key)] = string(val.GetStringBytes())
			return
		}
		out[string(key)] = string(val.MarshalTo(nil))
	})
	return out, nil
}
