package preferences

import (
	"fmt"
	"strings"
	"time"
)

// QuietHours is a daily local-time window during which interactive channels
// are held back. A window whose start equals its end is disabled.
type QuietHours struct {
	StartMinutes int
	EndMinutes   int
	location     *time.Location
	enabled      bool
}

// ParseQuietHours returns a quiet-hours window from HH:MM strings. Two empty
// strings yield a disabled window.
func ParseQuietHours(start, end string, loc *time.Location) (QuietHours, error) {
	if loc == nil {
		loc = time.UTC
	}
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" && end == "" {
		return QuietHours{location: loc}, nil
	}
	startMin, err := parseClock(start)
	if err != nil {
		return QuietHours{}, fmt.Errorf("preferences: parse quiet hours start: %w", err)
	}
	endMin, err := parseClock(end)
	if err != nil {
		return QuietHours{}, fmt.Errorf("preferences: parse quiet hours end: %w", err)
	}
	return QuietHours{
		StartMinutes: startMin,
		EndMinutes:   endMin,
		location:     loc,
		enabled:      startMin != endMin,
	}, nil
}

func parseClock(v string) (int, error) {
	if v == "" {
		return 0, fmt.Errorf("empty clock")
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Enabled reports whether the window suppresses anything
func (q QuietHours) Enabled() bool {
	return q.enabled
}

// Contains reports whether t falls inside [start, end), wrapping midnight
func (q QuietHours) Contains(t time.Time) bool {
	if !q.enabled {
		return false
	}
	local := t.In(q.location)
	minutes := local.Hour()*60 + local.Minute()
	if q.StartMinutes < q.EndMinutes {
		return minutes >= q.StartMinutes && minutes < q.EndMinutes
	}
	// Window crosses midnight.
	return minutes >= q.StartMinutes || minutes < q.EndMinutes
}

// NextEnd returns the first quiet-hours end boundary strictly after t
func (q QuietHours) NextEnd(t time.Time) time.Time {
	local := t.In(q.location)
	end := time.Date(local.Year(), local.Month(), local.Day(), q.EndMinutes/60, q.EndMinutes%60, 0, 0, q.location)
	if !end.After(local) {
		end = time.Date(local.Year(), local.Month(), local.Day()+1, q.EndMinutes/60, q.EndMinutes%60, 0, 0, q.location)
	}
	return end
}
