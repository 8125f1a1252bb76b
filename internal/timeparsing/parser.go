// Package timeparsing provides layered parsing for axis bound
// expressions, as accepted by --begin and --end.
//
// The parsing is layered:
//  1. Compact offset relative to now (-1d, +6h, 30m)
//  2. Absolute timestamp (RFC3339, date-only, and spaced variants)
//  3. Bare integer for integer axes
package timeparsing

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mrsm-io/mrsm/internal/meta"
)

// offsetRe matches compact offset patterns: [+-]?(\d+)(s|m|h|d|w).
// Examples: -1d, +6h, 30m, 2w. No sign means forward from now.
var offsetRe = regexp.MustCompile(`^([+-]?)(\d+)(s|m|h|d|w)$`)

var absoluteLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseBound turns a bound expression into an axis value: a UTC
// timestamp for offset and absolute forms, an int64 for bare integers,
// nil when empty.
func ParseBound(s string, now time.Time) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, ok := parseOffset(s, now); ok {
		return t, nil
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	return nil, meta.Errorf(meta.KindConfig, "parse bound",
		"unrecognized datetime, offset, or integer %q", s)
}

func parseOffset(s string, now time.Time) (time.Time, bool) {
	m := offsetRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	amount, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, false
	}
	if m[1] == "-" {
		amount = -amount
	}
	return addOffset(now.UTC(), amount, m[3]), true
}

// addOffset applies the signed amount in the given unit. Days and weeks
// go through AddDate so the result lands on calendar boundaries.
func addOffset(base time.Time, amount int, unit string) time.Time {
	switch unit {
	case "s":
		return base.Add(time.Duration(amount) * time.Second)
	case "m":
		return base.Add(time.Duration(amount) * time.Minute)
	case "h":
		return base.Add(time.Duration(amount) * time.Hour)
	case "d":
		return base.AddDate(0, 0, amount)
	default: // w
		return base.AddDate(0, 0, amount*7)
	}
}
