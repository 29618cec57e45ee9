package storage

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the canonical text form of a calendar date.
const DateLayout = "2006-01-02"

// NormalizeKey converts a dimension key value to a canonical string form,
// suitable for in-memory cache keys (e.g. "Ontario" or "2024-01-01").
//
// Backends must not assume a particular underlying type for keys; this helper
// keeps lookup caches consistent across backends. Dates normalize to their
// calendar day whether the driver returned time.Time or text.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return normalizeText(t)
	case []byte:
		return normalizeText(string(t))
	case time.Time:
		return t.Format(DateLayout)
	case int64:
		return fmt.Sprintf("%d", t)
	case int:
		return fmt.Sprintf("%d", t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// normalizeText trims and collapses text that a driver returned for a date
// column ("2024-01-01T00:00:00Z", "2024-01-01 00:00:00") to its calendar day.
func normalizeText(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > len(DateLayout) && (s[len(DateLayout)] == 'T' || s[len(DateLayout)] == ' ') {
		if _, err := time.Parse(DateLayout, s[:len(DateLayout)]); err == nil {
			return s[:len(DateLayout)]
		}
	}
	return s
}

// AsDate converts a scanned date column value to a UTC calendar date.
func AsDate(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case string:
		return parseDay(t)
	case []byte:
		return parseDay(string(t))
	case nil:
		return time.Time{}, fmt.Errorf("AsDate: null date")
	default:
		return time.Time{}, fmt.Errorf("AsDate: unsupported type %T", v)
	}
}

func parseDay(s string) (time.Time, error) {
	s = normalizeText(s)
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("AsDate: %w", err)
	}
	return d, nil
}
