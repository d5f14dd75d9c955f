package ingest

import (
	"fmt"
	"time"
)

// Window is the span of local time in which a scheduled run may collect.
// Runs started outside it exit without touching the ledger.
type Window struct {
	Nominal time.Duration // offset from local midnight
	Before  time.Duration
	After   time.Duration
	Loc     *time.Location
}

// DefaultWindow is 09:00 local, from 30 minutes before to an hour after.
func DefaultWindow(loc *time.Location) Window {
	return Window{
		Nominal: 9 * time.Hour,
		Before:  30 * time.Minute,
		After:   60 * time.Minute,
		Loc:     loc,
	}
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (w Window) bounds(t time.Time) (time.Time, time.Time) {
	loc := w.Loc
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	h := int(w.Nominal / time.Hour)
	m := int((w.Nominal % time.Hour) / time.Minute)
	nominal := time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, loc)
	return nominal.Add(-w.Before), nominal.Add(w.After)
}

// Contains reports whether t falls inside the window on its local day.
// Both ends are inclusive.
func (w Window) Contains(t time.Time) bool {
	start, end := w.bounds(t)
	return !t.Before(start) && !t.After(end)
}

func (w Window) String() string {
	start, end := w.bounds(time.Now())
	return fmt.Sprintf("%s-%s %s", start.Format("15:04"), end.Format("15:04"), start.Location())
}

// Clock returns the nominal time as "HH:MM".
func (w Window) Clock() string {
	h := int(w.Nominal / time.Hour)
	m := int((w.Nominal % time.Hour) / time.Minute)
	return fmt.Sprintf("%02d:%02d", h, m)
}
