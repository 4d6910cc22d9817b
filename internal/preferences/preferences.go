// Package preferences resolves patient notification settings into the
// channels and fire times of each reminder, and persists those settings.
package preferences

import (
	"fmt"
	"time"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

// Defaults returns the settings used for any field a patient has not set
func Defaults() reminder.Preferences {
	return reminder.Preferences{
		EnabledChannels: []reminder.Channel{reminder.ChannelBrowser},
		QuietHoursStart: "22:00",
		QuietHoursEnd:   "07:00",
		LeadTimeMinutes: 0,
		SnoozeMinutes:   10,
		Timezone:        "UTC",
	}
}

// Merge fills unset fields of stored from Defaults. A nil channel list is
// unset; an empty non-nil list means every channel was switched off.
func Merge(stored reminder.Preferences) reminder.Preferences {
	def := Defaults()
	out := stored
	if out.EnabledChannels == nil {
		out.EnabledChannels = def.EnabledChannels
	}
	if out.QuietHoursStart == "" && out.QuietHoursEnd == "" {
		out.QuietHoursStart = def.QuietHoursStart
		out.QuietHoursEnd = def.QuietHoursEnd
	}
	if out.LeadTimeMinutes < 0 {
		out.LeadTimeMinutes = def.LeadTimeMinutes
	}
	if out.SnoozeMinutes <= 0 {
		out.SnoozeMinutes = def.SnoozeMinutes
	}
	if out.Timezone == "" {
		out.Timezone = def.Timezone
	}
	out.EnabledChannels = dedupChannels(out.EnabledChannels)
	return out
}

// Validate rejects settings that cannot be resolved
func Validate(p reminder.Preferences) error {
	for _, ch := range p.EnabledChannels {
		if _, err := reminder.ParseChannel(string(ch)); err != nil {
			return fmt.Errorf("%w: %v", reminder.ErrValidationFailure, err)
		}
	}
	if (p.QuietHoursStart == "") != (p.QuietHoursEnd == "") {
		return fmt.Errorf("%w: quiet hours need both start and end", reminder.ErrValidationFailure)
	}
	if _, err := ParseQuietHours(p.QuietHoursStart, p.QuietHoursEnd, time.UTC); err != nil {
		return fmt.Errorf("%w: %v", reminder.ErrValidationFailure, err)
	}
	if p.LeadTimeMinutes < 0 || p.LeadTimeMinutes > 24*60 {
		return fmt.Errorf("%w: lead time must be between 0 and 1440 minutes", reminder.ErrValidationFailure)
	}
	if p.SnoozeMinutes < 0 || p.SnoozeMinutes > 24*60 {
		return fmt.Errorf("%w: snooze must be between 0 and 1440 minutes", reminder.ErrValidationFailure)
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("%w: timezone: %v", reminder.ErrValidationFailure, err)
		}
	}
	return nil
}

// Location returns the patient's timezone, UTC if unknown
func Location(p reminder.Preferences) *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Without returns a copy of p with ch removed from the enabled set
func Without(p reminder.Preferences, ch reminder.Channel) reminder.Preferences {
	out := p
	out.EnabledChannels = make([]reminder.Channel, 0, len(p.EnabledChannels))
	for _, c := range p.EnabledChannels {
		if c != ch {
			out.EnabledChannels = append(out.EnabledChannels, c)
		}
	}
	return out
}

func dedupChannels(in []reminder.Channel) []reminder.Channel {
	out := make([]reminder.Channel, 0, len(in))
	seen := make(map[reminder.Channel]bool, len(in))
	for _, ch := range in {
		if seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}
