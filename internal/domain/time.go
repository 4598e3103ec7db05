package domain

import (
	"fmt"
	"strings"
	"time"
)

// Quantize maps a due time onto the time index granularity (whole seconds).
func Quantize(t time.Time) int64 { return t.Unix() }

// FromIndex is the inverse of Quantize.
func FromIndex(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

// CheckDueTime rejects the zero time, which names no instant.
func CheckDueTime(t time.Time) error {
	if t.IsZero() {
		return fmt.Errorf("%w: due time must be a timezone-aware instant, got zero time", ErrInvalidArgument)
	}
	return nil
}

var offsetLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z07:00",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseDueTime parses s as a due time. "now" (or "") yields the current time.
// A timestamp without a UTC offset is interpreted in loc; with a nil loc it
// is rejected with ErrInvalidArgument.
func ParseDueTime(s string, loc *time.Location, now func() time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "now") {
		return now(), nil
	}
	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range naiveLayouts {
		if _, err := time.Parse(layout, s); err != nil {
			continue
		}
		if loc == nil {
			return time.Time{}, fmt.Errorf("%w: timestamp %q has no UTC offset", ErrInvalidArgument, s)
		}
		return time.ParseInLocation(layout, s, loc)
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse timestamp %q", ErrInvalidArgument, s)
}
