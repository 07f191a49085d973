package period

import (
	"errors"
	"strings"
	"time"
)

const layout = "2006-01"

// ID identifies a calendar month in UTC, formatted as YYYY-MM.
type ID string

var ErrInvalidPeriod = errors.New("invalid_period")

// Of returns the period containing t.
func Of(t time.Time) ID {
	return ID(t.UTC().Format(layout))
}

func Parse(raw string) (ID, error) {
	raw = strings.TrimSpace(raw)
	if _, err := time.Parse(layout, raw); err != nil {
		return "", ErrInvalidPeriod
	}
	return ID(raw), nil
}

func (p ID) Valid() bool {
	_, err := time.Parse(layout, string(p))
	return err == nil
}

func (p ID) String() string { return string(p) }

// Start returns the first instant of the period.
func (p ID) Start() time.Time {
	t, err := time.Parse(layout, string(p))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// End returns the first instant after the period.
func (p ID) End() time.Time {
	start := p.Start()
	if start.IsZero() {
		return start
	}
	return start.AddDate(0, 1, 0)
}

func (p ID) Next() ID {
	return Of(p.End())
}

func (p ID) Prev() ID {
	start := p.Start()
	if start.IsZero() {
		return ""
	}
	return Of(start.AddDate(0, -1, 0))
}

// Before reports whether p is strictly earlier than other.
func (p ID) Before(other ID) bool {
	return string(p) < string(other)
}

// Contains reports whether t falls inside the period.
func (p ID) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(p.Start()) && t.Before(p.End())
}
