package transform

import (
	"fmt"
	"strings"
	"time"
)

const naiveLayout = "2006-01-02T15:04:05.999999999"

// layouts accepted for timestamp_coleta; naive ones are read in the engine's location
var timestampLayouts = []string{
	time.RFC3339Nano,
	naiveLayout,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 collection timestamp.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// DaysSince returns the whole days elapsed from collected to now, rounded down.
// A collection time in the future yields 0 and clamped=true.
func DaysSince(collected, now time.Time) (days int64, clamped bool) {
	d := now.Sub(collected)
	if d < 0 {
		return 0, true
	}
	return int64(d / (24 * time.Hour)), false
}
