package pool

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTimestamp is returned when a value cannot be parsed as a
// timestamp in any supported form.
var ErrInvalidTimestamp = errors.New("invalid timestamp")

// Common timestamp layouts ordered by likelihood
var commonLayouts = []string{
	"2006-01-02T15:04:05.000Z07:00", // ISO 8601 with millis
	"2006-01-02T15:04:05Z07:00",     // ISO 8601
	"2006-01-02T15:04:05.000Z",      // ISO 8601 UTC with millis
	"2006-01-02T15:04:05Z",          // ISO 8601 UTC
	"2006-01-02T15:04:05",           // ISO 8601 local
	"2006-01-02 15:04:05.000",       // Space separator with millis
	"2006-01-02 15:04:05",           // Space separator
	"2006-01-02",                    // Date only
	"02/01/2006 15:04:05",           // DD/MM/YYYY
	"01/02/2006 15:04:05",           // MM/DD/YYYY
	"2006/01/02 15:04:05",           // YYYY/MM/DD
	time.RFC3339,
	time.RFC3339Nano,
}

// Magnitude cutoffs for bare numeric timestamps. Anything at or above a
// cutoff is interpreted at that precision.
const (
	nanosCutoff  = 1e17 // >= ~1973 in ns
	microsCutoff = 1e14 // >= ~1973 in us
	millisCutoff = 1e11 // >= ~1973 in ms
)

// ParseTimestampNanos parses a timestamp string to nanoseconds since the
// Unix epoch. Textual values go through the common layouts; bare numbers
// are scaled by magnitude, so epoch seconds, milliseconds, microseconds
// and nanoseconds all work without a precision hint.
func ParseTimestampNanos(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidTimestamp
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return scaleEpoch(n), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		// Fractional epoch seconds.
		return int64(f * float64(time.Second)), nil
	}

	for _, layout := range commonLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixNano(), nil
		}
	}

	return 0, ErrInvalidTimestamp
}

func scaleEpoch(n int64) int64 {
	switch {
	case n >= nanosCutoff:
		return n
	case n >= microsCutoff:
		return n * int64(time.Microsecond)
	case n >= millisCutoff:
		return n * int64(time.Millisecond)
	default:
		return n * int64(time.Second)
	}
}
