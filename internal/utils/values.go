package utils

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JSONSafe projects a value to the wire representation: timestamps as
// ISO-8601 UTC, UUIDs as canonical strings, integers as int64, byte slices
// as strings. Maps and slices are passed through json re-encoding.
func JSONSafe(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339Nano)
	case uuid.UUID:
		return t.String()
	case []byte:
		return string(t)
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	case string, bool, int64, float64:
		return t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			return string(b)
		}
		return out
	}
}

// Canonical renders a value as a comparable string so that int64(5),
// float64(5) and "5" from different decoders compare equal, and timestamps
// compare by instant regardless of zone.
func Canonical(v any) string {
	switch t := JSONSafe(v).(type) {
	case nil:
		return ""
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC().Format(time.RFC3339Nano)
		}
		return t
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// ValuesEqual compares two field values on their canonical projections.
func ValuesEqual(a, b any) bool {
	return Canonical(a) == Canonical(b)
}

// IsBlank reports whether a value counts as empty for conflict auto-choice:
// nil, empty string, or the literal "none" (any case).
func IsBlank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := JSONSafe(v).(string); ok {
		s = strings.TrimSpace(strings.ToLower(s))
		return s == "" || s == "none"
	}
	return false
}

// ParseTime accepts the timestamp shapes peers send: RFC3339 with or without
// sub-second precision, or a bare "2006-01-02 15:04:05" in UTC.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
