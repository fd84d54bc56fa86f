package domain

import (
	"fmt"
	"regexp"
	"time"
)

// DateLayout is the only accepted wire format for calendar dates.
const DateLayout = "2006-01-02"

var dateShape = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ParseDate parses a YYYY-MM-DD calendar date into UTC midnight.
func ParseDate(s string) (time.Time, error) {
	if !dateShape.MatchString(s) {
		return time.Time{}, fmt.Errorf("%w: %q must match YYYY-MM-DD", ErrInvalidDateFormat, s)
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not a calendar date", ErrInvalidDate, s)
	}
	return t, nil
}

func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// DateOf drops the clock part of t, keeping its wall-clock calendar day.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
