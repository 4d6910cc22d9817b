package r5

import (
	"fmt"
	"strconv"
	"time"
)

// MedicationRequest is a FHIR R5 MedicationRequest: one prescribed medication
// with its dosing instructions.
type MedicationRequest struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`

	Status string `json:"status"`
	Intent string `json:"intent"`

	Medication CodeableReference `json:"medication"`
	Subject    Reference         `json:"subject"`
	AuthoredOn *time.Time        `json:"authoredOn,omitempty"`

	// GroupIdentifier ties together requests written at the same time
	GroupIdentifier *Identifier `json:"groupIdentifier,omitempty"`

	RenderedDosageInstruction string           `json:"renderedDosageInstruction,omitempty"`
	DosageInstruction         []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest           *DispenseRequest `json:"dispenseRequest,omitempty"`
}

// DispenseRequest holds the dispensing terms of the prescription.
type DispenseRequest struct {
	ValidityPeriod         *Period   `json:"validityPeriod,omitempty"`
	NumberOfRepeatsAllowed int       `json:"numberOfRepeatsAllowed,omitempty"`
	Quantity               *Quantity `json:"quantity,omitempty"`
	ExpectedSupplyDuration *Duration `json:"expectedSupplyDuration,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence    int           `json:"sequence,omitempty"`
	Text        string        `json:"text,omitempty"`
	Timing      *Timing       `json:"timing,omitempty"`
	AsNeeded    bool          `json:"asNeeded,omitempty"`
	DoseAndRate []DoseAndRate `json:"doseAndRate,omitempty"`
}

// DoseAndRate contains the amount given per administration.
type DoseAndRate struct {
	DoseQuantity *Quantity `json:"doseQuantity,omitempty"`
}

// Timing contains timing information for dosage.
type Timing struct {
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
}

// TimingRepeat describes a repeating schedule. The reminder engine reads
// frequency per period, explicit times of day and the bounds.
type TimingRepeat struct {
	BoundsPeriod *Period  `json:"boundsPeriod,omitempty"`
	Frequency    int      `json:"frequency,omitempty"`
	Period       float64  `json:"period,omitempty"`
	PeriodUnit   string   `json:"periodUnit,omitempty"` // s | min | h | d | wk | mo | a
	TimeOfDay    []string `json:"timeOfDay,omitempty"`
}

// PatientID returns the id of the subject reference.
func (m *MedicationRequest) PatientID() string {
	return m.Subject.ID()
}

// MedicationCode returns the RxNorm code when present, else NDC, else the
// first coding.
func (m *MedicationRequest) MedicationCode() (system, code string) {
	if m.Medication.Concept == nil {
		return "", ""
	}
	codings := m.Medication.Concept.Coding
	for _, want := range []string{SystemRxNorm, SystemNDC} {
		for _, c := range codings {
			if c.System == want {
				return c.System, c.Code
			}
		}
	}
	if len(codings) > 0 {
		return codings[0].System, codings[0].Code
	}
	return "", ""
}

// MedicationDisplay returns the medication's display name.
func (m *MedicationRequest) MedicationDisplay() string {
	if c := m.Medication.Concept; c != nil {
		if c.Text != "" {
			return c.Text
		}
		for _, coding := range c.Coding {
			if coding.Display != "" {
				return coding.Display
			}
		}
	}
	if r := m.Medication.Reference; r != nil {
		return r.Display
	}
	return ""
}

// RefillsAllowed returns the number of authorized repeats.
func (m *MedicationRequest) RefillsAllowed() int {
	if m.DispenseRequest == nil {
		return 0
	}
	return m.DispenseRequest.NumberOfRepeatsAllowed
}

// ScheduledDosage returns the first dosage that is not as-needed. PRN doses
// have no schedule to remind about.
func (m *MedicationRequest) ScheduledDosage() (Dosage, bool) {
	for _, d := range m.DosageInstruction {
		if !d.AsNeeded && d.Timing != nil && d.Timing.Repeat != nil {
			return d, true
		}
	}
	return Dosage{}, false
}

// DoseText renders the dose quantity ("500 mg"), falling back to the dosage text.
func (d Dosage) DoseText() string {
	for _, dr := range d.DoseAndRate {
		if q := dr.DoseQuantity; q != nil && q.Value > 0 {
			value := strconv.FormatFloat(q.Value, 'f', -1, 64)
			if q.Unit == "" {
				return value
			}
			return value + " " + q.Unit
		}
	}
	return d.Text
}

// DailyFrequency converts frequency per period into doses per day. Periods
// longer than a day round up to one dose a day; sub-daily periods multiply.
func (r *TimingRepeat) DailyFrequency() (int, error) {
	if r == nil {
		return 0, fmt.Errorf("timing has no repeat")
	}
	if len(r.TimeOfDay) > 0 {
		return len(r.TimeOfDay), nil
	}
	freq := r.Frequency
	if freq <= 0 {
		freq = 1
	}
	period := r.Period
	if period <= 0 {
		period = 1
	}

	var perDay float64
	switch r.PeriodUnit {
	case "h":
		perDay = float64(freq) * 24 / period
	case "min":
		perDay = float64(freq) * 24 * 60 / period
	case "d", "":
		perDay = float64(freq) / period
	case "wk", "mo", "a":
		perDay = 1
	default:
		return 0, fmt.Errorf("unsupported period unit %q", r.PeriodUnit)
	}
	if perDay < 1 {
		return 1, nil
	}
	return int(perDay + 0.5), nil
}
