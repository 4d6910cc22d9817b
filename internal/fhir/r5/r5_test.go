package r5

import "testing"

func TestDailyFrequency(t *testing.T) {
	tests := []struct {
		name    string
		repeat  *TimingRepeat
		want    int
		wantErr bool
	}{
		{"twice daily", &TimingRepeat{Frequency: 2, Period: 1, PeriodUnit: "d"}, 2, false},
		{"every 8 hours", &TimingRepeat{Frequency: 1, Period: 8, PeriodUnit: "h"}, 3, false},
		{"every other day", &TimingRepeat{Frequency: 1, Period: 2, PeriodUnit: "d"}, 1, false},
		{"weekly", &TimingRepeat{Frequency: 1, Period: 1, PeriodUnit: "wk"}, 1, false},
		{"time of day wins", &TimingRepeat{Frequency: 1, TimeOfDay: []string{"08:00:00", "20:00:00", "13:00:00"}}, 3, false},
		{"defaults", &TimingRepeat{}, 1, false},
		{"unknown unit", &TimingRepeat{Frequency: 1, Period: 1, PeriodUnit: "fortnight"}, 0, true},
		{"nil", nil, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.repeat.DailyFrequency()
			if (err != nil) != tt.wantErr {
				t.Fatalf("DailyFrequency() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("DailyFrequency() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestReferenceID(t *testing.T) {
	tests := map[string]string{
		"Patient/123":         "123",
		"urn:uuid:abc":        "abc",
		"bare":                "bare",
		"https://x/Patient/9": "9",
	}
	for ref, want := range tests {
		if got := (Reference{Reference: ref}).ID(); got != want {
			t.Errorf("ID(%q) = %q, want %q", ref, got, want)
		}
	}
}

func TestDoseText(t *testing.T) {
	d := Dosage{Text: "one tablet", DoseAndRate: []DoseAndRate{{DoseQuantity: &Quantity{Value: 2.5, Unit: "mL"}}}}
	if got := d.DoseText(); got != "2.5 mL" {
		t.Errorf("DoseText() = %q", got)
	}
	if got := (Dosage{Text: "one tablet"}).DoseText(); got != "one tablet" {
		t.Errorf("DoseText() fallback = %q", got)
	}
}
