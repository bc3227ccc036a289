package types

import (
	"testing"
	"time"
)

func TestMinuteKey_Idempotent(t *testing.T) {
	loc := time.FixedZone("UTC+5:30", 5*3600+1800)
	instants := []time.Time{
		time.Date(2024, 3, 10, 12, 34, 56, 789_000_000, time.UTC),
		time.Date(2024, 3, 10, 12, 34, 0, 0, time.UTC),
		time.Date(1999, 12, 31, 23, 59, 59, 999_999_999, time.UTC),
		time.Date(2024, 3, 10, 18, 4, 30, 1000, loc),
		time.Unix(0, 0),
	}

	for _, ts := range instants {
		k := MinuteKey(ts)
		if !MinuteKey(k).Equal(k) {
			t.Errorf("MinuteKey not idempotent for %v", ts)
		}
		if k.Second() != 0 || k.Nanosecond() != 0 {
			t.Errorf("MinuteKey(%v) = %v has sub-minute component", ts, k)
		}
		if k.Location() != time.UTC {
			t.Errorf("MinuteKey(%v) not in UTC", ts)
		}
		if k.After(ts) || ts.Sub(k) >= time.Minute {
			t.Errorf("MinuteKey(%v) = %v not the start of its minute", ts, k)
		}
	}
}

func TestMinuteKey_Monotonic(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := MinuteKey(base)
	for i := 1; i < 500; i++ {
		ts := base.Add(time.Duration(i) * 7919 * time.Millisecond)
		k := MinuteKey(ts)
		if k.Before(prev) {
			t.Fatalf("MinuteKey went backwards at %v", ts)
		}
		prev = k
	}
}

func TestTimestampFromFields(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		want   time.Time
		ok     bool
	}{
		{"present", map[string]string{FieldRealtimeTimestamp: "1700000000123456"}, time.UnixMicro(1700000000123456).UTC(), true},
		{"absent", map[string]string{}, time.Time{}, false},
		{"garbage", map[string]string{FieldRealtimeTimestamp: "yesterday"}, time.Time{}, false},
		{"zero", map[string]string{FieldRealtimeTimestamp: "0"}, time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := TimestampFromFields(tt.fields)
			if ok != tt.ok || !got.Equal(tt.want) {
				t.Errorf("got (%v, %v), want (%v, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestLogRecord_Accessors(t *testing.T) {
	rec := NewLogRecord(time.Date(2024, 5, 1, 10, 0, 30, 123_456_789, time.UTC), map[string]string{
		FieldMessage:     "hello",
		FieldPriority:    " 3 ",
		FieldHostname:    "web-1",
		FieldSystemdUnit: "nginx.service",
	})

	if rec.Timestamp.Nanosecond() != 123_456_000 {
		t.Errorf("timestamp not truncated to microseconds: %v", rec.Timestamp)
	}
	if rec.Message() != "hello" || rec.Hostname() != "web-1" || rec.Unit() != "nginx.service" {
		t.Errorf("unexpected accessors: %+v", rec)
	}
	if rec.Priority() != 3 {
		t.Errorf("Priority() = %d, want 3", rec.Priority())
	}
	if NewLogRecord(time.Now(), nil).Priority() != -1 {
		t.Error("missing priority should be -1")
	}
}
