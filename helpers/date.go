package helpers

import (
	"fmt"
	"time"
)

// DateLayout is the canonical day format used for archive keys and CLI arguments.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD day in loc and returns its midnight.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (expected YYYY-MM-DD): %w", s, err)
	}
	return t, nil
}

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DatesBetween returns every day from from to to, both inclusive.
// It returns nil when to is before from.
func DatesBetween(from, to time.Time) []time.Time {
	from = StartOfDay(from)
	to = StartOfDay(to)
	if to.Before(from) {
		return nil
	}
	var days []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// FormatDate renders a day as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}
