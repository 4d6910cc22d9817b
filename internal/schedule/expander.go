// Package schedule expands a medication's dosing description into the
// concrete dose times that fall inside the lookahead horizon.
package schedule

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

// Config holds expansion configuration
type Config struct {
	// HorizonDays is how many days ahead of today are expanded
	HorizonDays int
	// DayAnchor is the offset from midnight of the first evenly spaced dose
	DayAnchor time.Duration
	// DayWindow is the span the evenly spaced doses are spread across
	DayWindow time.Duration
	// Location is used when no per-patient timezone is supplied
	Location *time.Location
}

// DefaultConfig returns a 7 day horizon with the first dose at 08:00 UTC
func DefaultConfig() Config {
	return Config{
		HorizonDays: 7,
		DayAnchor:   8 * time.Hour,
		DayWindow:   24 * time.Hour,
		Location:    time.UTC,
	}
}

// Expander turns medications into dose times
type Expander struct {
	config Config
	logger *zap.Logger
}

// NewExpander creates a new expander
func NewExpander(cfg Config, logger *zap.Logger) *Expander {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = def.HorizonDays
	}
	if cfg.DayAnchor < 0 || cfg.DayAnchor >= 24*time.Hour {
		cfg.DayAnchor = def.DayAnchor
	}
	if cfg.DayWindow <= 0 {
		cfg.DayWindow = def.DayWindow
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	return &Expander{config: cfg, logger: logger}
}

// HorizonDays returns the configured horizon
func (e *Expander) HorizonDays() int {
	return e.config.HorizonDays
}

// Expand returns the dose times of med in the configured location
func (e *Expander) Expand(med reminder.Medication, now time.Time) []time.Time {
	return e.ExpandIn(med, now, e.config.Location)
}

// ExpandIn returns the ordered dose times of med within
// [max(startDate, today), min(endDate, today+horizon)) evaluated in loc.
// The result is finite and recomputed from scratch on every call.
func (e *Expander) ExpandIn(med reminder.Medication, now time.Time, loc *time.Location) []time.Time {
	return e.ExpandSince(med, now, now, loc)
}

// ExpandSince is ExpandIn with the window opened at the start of the day of
// since instead of today. The horizon still counts from today.
func (e *Expander) ExpandSince(med reminder.Medication, since, now time.Time, loc *time.Location) []time.Time {
	if loc == nil {
		loc = e.config.Location
	}
	if since.After(now) {
		since = now
	}
	if med.FrequencyPerDay <= 0 {
		e.logger.Warn("medication has no doses per day, skipping",
			zap.String("medication_id", med.ID),
			zap.Int("frequency_per_day", med.FrequencyPerDay))
		return nil
	}

	offsets := e.doseOffsets(med)
	if len(offsets) == 0 {
		return nil
	}

	today := startOfDay(now.In(loc))
	from := startOfDay(since.In(loc))
	if start := med.StartDate.In(loc); !med.StartDate.IsZero() && start.After(from) {
		from = start
	}
	until := today.AddDate(0, 0, e.config.HorizonDays)
	if med.EndDate != nil {
		if end := med.EndDate.In(loc); end.Before(until) {
			until = end
		}
	}
	if !from.Before(until) {
		return nil
	}

	var times []time.Time
	for day := startOfDay(from); day.Before(until); day = day.AddDate(0, 0, 1) {
		for _, off := range offsets {
			t := off.on(day)
			if t.Before(from) || !t.Before(until) {
				continue
			}
			times = append(times, t)
		}
	}

	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	return times
}

// clockTime is a wall-clock offset from midnight. Hours may exceed 23 when an
// evenly spaced dose spills into the next day.
type clockTime struct {
	hour, minute, second int
}

func (c clockTime) on(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.hour, c.minute, c.second, 0, day.Location())
}

func (c clockTime) seconds() int {
	return c.hour*3600 + c.minute*60 + c.second
}

func (e *Expander) doseOffsets(med reminder.Medication) []clockTime {
	if len(med.DoseTimes) > 0 {
		offsets := parseDoseTimes(med.DoseTimes, func(raw string, err error) {
			e.logger.Warn("skipping malformed dose time",
				zap.String("medication_id", med.ID),
				zap.String("dose_time", raw),
				zap.Error(err))
		})
		if len(offsets) > 0 {
			if len(offsets) != med.FrequencyPerDay {
				e.logger.Debug("dose times do not match frequency, using dose times",
					zap.String("medication_id", med.ID),
					zap.Int("dose_times", len(offsets)),
					zap.Int("frequency_per_day", med.FrequencyPerDay))
			}
			return offsets
		}
		e.logger.Warn("no usable dose times, falling back to even spacing",
			zap.String("medication_id", med.ID))
	}
	return e.evenOffsets(med.FrequencyPerDay)
}

func (e *Expander) evenOffsets(n int) []clockTime {
	step := e.config.DayWindow / time.Duration(n)
	offsets := make([]clockTime, 0, n)
	for i := 0; i < n; i++ {
		d := e.config.DayAnchor + time.Duration(i)*step
		total := int(d / time.Second)
		offsets = append(offsets, clockTime{hour: total / 3600, minute: total % 3600 / 60, second: total % 60})
	}
	return offsets
}

// parseDoseTimes parses HH:mm or HH:mm:ss entries, sorted and de-duplicated
func parseDoseTimes(raw []string, onError func(string, error)) []clockTime {
	seen := make(map[int]bool, len(raw))
	var out []clockTime
	for _, r := range raw {
		ct, err := parseClock(r)
		if err != nil {
			if onError != nil {
				onError(r, err)
			}
			continue
		}
		if seen[ct.seconds()] {
			continue
		}
		seen[ct.seconds()] = true
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seconds() < out[j].seconds() })
	return out
}

// ParseAnchor parses an HH:mm day anchor into an offset from midnight
func ParseAnchor(s string) (time.Duration, error) {
	ct, err := parseClock(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(ct.seconds()) * time.Second, nil
}

// parseClock parses an HH:mm or HH:mm:ss wall-clock time
func parseClock(s string) (clockTime, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return clockTime{hour: t.Hour(), minute: t.Minute(), second: t.Second()}, nil
		}
	}
	return clockTime{}, fmt.Errorf("invalid clock time %q", s)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
