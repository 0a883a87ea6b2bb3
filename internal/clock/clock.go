package clock

import (
	"fmt"
	"time"
)

const dayFormat = "2006-01-02"

// Clock supplies the clinic's local time. Everything that checks an
// admission window or computes "today" goes through it, so tests can
// pin the hands.
type Clock interface {
	Now() time.Time
}

type clinicClock struct {
	loc *time.Location
}

func New(timezone string) (Clock, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load clinic timezone %q: %w", timezone, err)
	}
	return clinicClock{loc: loc}, nil
}

func (c clinicClock) Now() time.Time {
	return time.Now().In(c.loc)
}

// Fixed returns a clock stuck at t, for tests.
func Fixed(t time.Time) Clock {
	return fixedClock{t: t}
}

type fixedClock struct {
	t time.Time
}

func (f fixedClock) Now() time.Time {
	return f.t
}

func Today(c Clock) string {
	return c.Now().Format(dayFormat)
}

func ParseDay(day string) (time.Time, error) {
	t, err := time.Parse(dayFormat, day)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q: %w", day, err)
	}
	return t, nil
}

func FormatDay(t time.Time) string {
	return t.Format(dayFormat)
}

// NextBusinessDay returns the first working day after day. The clinic
// works Monday through Saturday.
func NextBusinessDay(day string) (string, error) {
	t, err := ParseDay(day)
	if err != nil {
		return "", err
	}
	t = t.AddDate(0, 0, 1)
	for t.Weekday() == time.Sunday {
		t = t.AddDate(0, 0, 1)
	}
	return FormatDay(t), nil
}

// MinutesOfDay parses a "HH:MM" time-of-day string.
func MinutesOfDay(value string) (int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", value, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
