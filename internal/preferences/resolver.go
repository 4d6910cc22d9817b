package preferences

import (
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

// ChannelTime is when a reminder fires on one channel
type ChannelTime struct {
	Channel reminder.Channel
	FireAt  time.Time
	Shifted bool
}

// Resolver applies preferences to dose times
type Resolver struct {
	logger *zap.Logger
}

// NewResolver creates a new resolver
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger}
}

// Resolve returns the fire time of doseTime on every enabled channel. Lead
// time is subtracted first; if the result lands in quiet hours, interactive
// channels move to the end of the window while email and SMS keep it. With no
// channels enabled the dose yields nothing.
func (r *Resolver) Resolve(doseTime time.Time, prefs reminder.Preferences) []ChannelTime {
	if len(prefs.EnabledChannels) == 0 {
		return nil
	}

	quiet, err := ParseQuietHours(prefs.QuietHoursStart, prefs.QuietHoursEnd, Location(prefs))
	if err != nil {
		r.logger.Warn("ignoring invalid quiet hours",
			zap.String("start", prefs.QuietHoursStart),
			zap.String("end", prefs.QuietHoursEnd),
			zap.Error(err))
		quiet = QuietHours{}
	}

	fireAt := doseTime
	if prefs.LeadTimeMinutes > 0 {
		fireAt = doseTime.Add(-time.Duration(prefs.LeadTimeMinutes) * time.Minute)
	}
	inQuiet := quiet.Contains(fireAt)

	out := make([]ChannelTime, 0, len(prefs.EnabledChannels))
	for _, ch := range reminder.AllChannels {
		if !prefs.Enabled(ch) {
			continue
		}
		ct := ChannelTime{Channel: ch, FireAt: fireAt}
		if inQuiet && ch.Interactive() {
			ct.FireAt = quiet.NextEnd(fireAt)
			ct.Shifted = true
		}
		out = append(out, ct)
	}
	return out
}
