package preferences

import (
	"testing"
	"time"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

func at(day, hour, minute int) time.Time {
	return time.Date(2025, 3, day, hour, minute, 0, 0, time.UTC)
}

func prefsWith(channels ...reminder.Channel) reminder.Preferences {
	return reminder.Preferences{
		EnabledChannels: channels,
		QuietHoursStart: "22:00",
		QuietHoursEnd:   "07:00",
		Timezone:        "UTC",
	}
}

func byChannel(cts []ChannelTime) map[reminder.Channel]ChannelTime {
	out := make(map[reminder.Channel]ChannelTime, len(cts))
	for _, ct := range cts {
		out[ct.Channel] = ct
	}
	return out
}

func TestResolveShiftsInteractiveChannelsOutOfQuietHours(t *testing.T) {
	r := NewResolver(nil)
	got := byChannel(r.Resolve(at(1, 23, 0), prefsWith(reminder.AllChannels...)))

	if len(got) != 4 {
		t.Fatalf("expected 4 channels, got %d", len(got))
	}
	for _, ch := range []reminder.Channel{reminder.ChannelBrowser, reminder.ChannelPush} {
		if !got[ch].FireAt.Equal(at(2, 7, 0)) || !got[ch].Shifted {
			t.Errorf("%s: expected shift to 07:00 next day, got %v", ch, got[ch].FireAt)
		}
	}
	for _, ch := range []reminder.Channel{reminder.ChannelEmail, reminder.ChannelSMS} {
		if !got[ch].FireAt.Equal(at(1, 23, 0)) || got[ch].Shifted {
			t.Errorf("%s: expected unchanged time, got %v", ch, got[ch].FireAt)
		}
	}
}

func TestResolveQuietHoursBoundaries(t *testing.T) {
	r := NewResolver(nil)
	tests := []struct {
		name string
		dose time.Time
		want time.Time
	}{
		{"before window", at(1, 21, 59), at(1, 21, 59)},
		{"window start is quiet", at(1, 22, 0), at(2, 7, 0)},
		{"after midnight", at(2, 3, 15), at(2, 7, 0)},
		{"window end is not quiet", at(2, 7, 0), at(2, 7, 0)},
		{"daytime", at(2, 12, 0), at(2, 12, 0)},
	}
	for _, tt := range tests {
		got := r.Resolve(tt.dose, prefsWith(reminder.ChannelBrowser))
		if len(got) != 1 || !got[0].FireAt.Equal(tt.want) {
			t.Errorf("%s: expected %v, got %+v", tt.name, tt.want, got)
		}
	}
}

func TestResolveNonWrappingWindow(t *testing.T) {
	r := NewResolver(nil)
	p := prefsWith(reminder.ChannelPush)
	p.QuietHoursStart, p.QuietHoursEnd = "13:00", "15:00"

	got := r.Resolve(at(1, 14, 0), p)
	if len(got) != 1 || !got[0].FireAt.Equal(at(1, 15, 0)) {
		t.Fatalf("expected 15:00 same day, got %+v", got)
	}
}

func TestResolveAppliesLeadTimeBeforeQuietHours(t *testing.T) {
	r := NewResolver(nil)
	p := prefsWith(reminder.ChannelBrowser, reminder.ChannelEmail)
	p.LeadTimeMinutes = 30

	got := byChannel(r.Resolve(at(2, 8, 0), p))
	if !got[reminder.ChannelBrowser].FireAt.Equal(at(2, 7, 30)) {
		t.Errorf("expected lead time to move browser to 07:30, got %v", got[reminder.ChannelBrowser].FireAt)
	}

	got = byChannel(r.Resolve(at(2, 7, 15), p))
	if !got[reminder.ChannelBrowser].FireAt.Equal(at(2, 7, 0)) {
		t.Errorf("expected 06:45 to shift to 07:00, got %v", got[reminder.ChannelBrowser].FireAt)
	}
	if !got[reminder.ChannelEmail].FireAt.Equal(at(2, 6, 45)) {
		t.Errorf("expected email at 06:45, got %v", got[reminder.ChannelEmail].FireAt)
	}
}

func TestResolveRespectsTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	r := NewResolver(nil)
	p := prefsWith(reminder.ChannelPush)
	p.Timezone = "America/Chicago"

	dose := time.Date(2025, 3, 1, 23, 30, 0, 0, loc)
	got := r.Resolve(dose, p)
	want := time.Date(2025, 3, 2, 7, 0, 0, 0, loc)
	if len(got) != 1 || !got[0].FireAt.Equal(want) {
		t.Fatalf("expected %v, got %+v", want, got)
	}
}

func TestResolveDropsDoseWithoutChannels(t *testing.T) {
	r := NewResolver(nil)
	if got := r.Resolve(at(1, 9, 0), prefsWith()); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestResolveDisabledQuietHours(t *testing.T) {
	r := NewResolver(nil)
	p := prefsWith(reminder.ChannelBrowser)
	p.QuietHoursStart, p.QuietHoursEnd = "00:00", "00:00"

	got := r.Resolve(at(1, 23, 0), p)
	if len(got) != 1 || !got[0].FireAt.Equal(at(1, 23, 0)) {
		t.Fatalf("expected no shift, got %+v", got)
	}
}

func TestMergeAndValidate(t *testing.T) {
	merged := Merge(reminder.Preferences{LeadTimeMinutes: 15})
	if len(merged.EnabledChannels) != 1 || merged.EnabledChannels[0] != reminder.ChannelBrowser {
		t.Errorf("expected default channels, got %v", merged.EnabledChannels)
	}
	if merged.QuietHoursStart != "22:00" || merged.SnoozeMinutes != 10 || merged.LeadTimeMinutes != 15 {
		t.Errorf("unexpected merge result: %+v", merged)
	}

	off := Merge(reminder.Preferences{EnabledChannels: []reminder.Channel{}})
	if len(off.EnabledChannels) != 0 {
		t.Errorf("explicitly empty channel set must stay empty, got %v", off.EnabledChannels)
	}

	bad := []reminder.Preferences{
		{EnabledChannels: []reminder.Channel{"pager"}},
		{QuietHoursStart: "22:00"},
		{QuietHoursStart: "25:00", QuietHoursEnd: "07:00"},
		{LeadTimeMinutes: -5},
		{Timezone: "Mars/Olympus"},
	}
	for i, p := range bad {
		if err := Validate(p); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
	if err := Validate(prefsWith(reminder.ChannelEmail)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestWithout(t *testing.T) {
	p := Without(prefsWith(reminder.ChannelBrowser, reminder.ChannelPush), reminder.ChannelBrowser)
	if p.Enabled(reminder.ChannelBrowser) || !p.Enabled(reminder.ChannelPush) {
		t.Fatalf("unexpected channels: %v", p.EnabledChannels)
	}
}
