package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var priorityLabels = [...]string{
	"Emergency", "Alert", "Critical", "Error",
	"Warning", "Notice", "Info", "Debug",
}

// PriorityLabel names a syslog priority (0-7).
func PriorityLabel(p int) string {
	if p < 0 || p >= len(priorityLabels) {
		return "Unknown"
	}
	return priorityLabels[p]
}

// ParseTime accepts "now", a relative offset such as "-15m", "-1h" or "-7d",
// or an RFC 3339 timestamp.
func ParseTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "now" {
		return now.UTC(), nil
	}

	if rest, ok := strings.CutPrefix(s, "-"); ok && rest != "" {
		unit := rest[len(rest)-1]
		n, err := strconv.ParseInt(rest[:len(rest)-1], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid relative time %q", s)
		}
		var d time.Duration
		switch unit {
		case 'd':
			d = 24 * time.Hour
		case 'h':
			d = time.Hour
		case 'm':
			d = time.Minute
		case 's':
			d = time.Second
		default:
			return time.Time{}, fmt.Errorf("invalid relative time unit in %q", s)
		}
		return now.UTC().Add(-time.Duration(n) * d), nil
	}

	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return t.UTC(), nil
}
