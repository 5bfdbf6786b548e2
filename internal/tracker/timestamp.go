package tracker

import (
	"fmt"
	"strings"
	"time"
)

const (
	// TimestampLayout is the canonical text encoding of stored instants: UTC with millisecond
	// precision. It is fixed width so string order matches chronological order.
	TimestampLayout = "2006-01-02T15:04:05.000Z"
	// DateLayout is the canonical text encoding of calendar dates.
	DateLayout = "2006-01-02"
)

// FormatTimestamp encodes an instant in the canonical layout.
func FormatTimestamp(value time.Time) string {
	return value.UTC().Format(TimestampLayout)
}

// ParseTimestamp decodes any RFC 3339 instant and returns it in UTC.
func ParseTimestamp(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	parsed, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", ErrValidation, value)
	}
	return parsed.UTC(), nil
}

// CanonicalTimestamp re-encodes an RFC 3339 instant in the canonical layout.
func CanonicalTimestamp(value string) (string, error) {
	parsed, err := ParseTimestamp(value)
	if err != nil {
		return "", err
	}
	return FormatTimestamp(parsed), nil
}

// ParseDate decodes a calendar date in the canonical layout.
func ParseDate(value string) (time.Time, error) {
	parsed, err := time.Parse(DateLayout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", ErrValidation, value)
	}
	return parsed, nil
}

// FormatDate encodes the calendar day of value in the canonical layout.
func FormatDate(value time.Time) string {
	return value.Format(DateLayout)
}
