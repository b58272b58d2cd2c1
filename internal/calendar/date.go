package calendar

import (
	"errors"
	"fmt"
	"time"
)

const DateLayout = "2006-01-02"

var ErrInvalidDate = errors.New("invalid date")

// Date normalises t to midnight UTC of its civil date. All dates stored and
// compared by the scheduling code go through this.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string into a normalised civil date.
func ParseDate(raw string) (time.Time, error) {
	t, err := time.Parse(DateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, raw)
	}
	return Date(t), nil
}

// Today returns the current civil date in loc.
func Today(now time.Time, loc *time.Location) time.Time {
	return Date(now.In(loc))
}

// Span counts the civil dates in [start, end] without enumerating them. It is
// zero or negative when end is before start.
func Span(start, end time.Time) int {
	return int(Date(end).Sub(Date(start))/(24*time.Hour)) + 1
}

// Days enumerates every civil date in [start, end]. It returns nil when end is
// before start.
func Days(start, end time.Time) []time.Time {
	start, end = Date(start), Date(end)
	if end.Before(start) {
		return nil
	}
	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}
