package prescriptions

import (
	"sort"
	"time"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/internal/fhir/r5"
)

// FromMedicationRequests groups requests written together (same group
// identifier) into prescriptions. A group is ACTIVE when any of its requests
// is. Requests with only as-needed dosing are dropped since there is nothing
// to schedule.
func FromMedicationRequests(reqs []r5.MedicationRequest, now time.Time) []reminder.Prescription {
	byGroup := make(map[string]*reminder.Prescription)
	var order []string

	for i := range reqs {
		mr := &reqs[i]
		med, ok := toMedication(mr)
		if !ok {
			continue
		}

		groupID := mr.ID
		if mr.GroupIdentifier != nil && mr.GroupIdentifier.Value != "" {
			groupID = mr.GroupIdentifier.Value
		}
		status := mapStatus(mr, now)
		p, exists := byGroup[groupID]
		if !exists {
			p = &reminder.Prescription{ID: groupID, Status: status}
			byGroup[groupID] = p
			order = append(order, groupID)
		}
		// an active group carries only its active medications
		switch {
		case status == reminder.PrescriptionActive && p.Status != reminder.PrescriptionActive:
			p.Status = status
			p.Medications = []reminder.Medication{med}
		case status == reminder.PrescriptionActive || p.Status != reminder.PrescriptionActive:
			p.Medications = append(p.Medications, med)
		}

		if mr.AuthoredOn != nil && (p.IssueDate.IsZero() || mr.AuthoredOn.Before(p.IssueDate)) {
			p.IssueDate = *mr.AuthoredOn
		}
		if end := validityEnd(mr); end != nil && end.After(p.ExpiryDate) {
			p.ExpiryDate = *end
		}
	}

	out := make([]reminder.Prescription, 0, len(order))
	for _, id := range order {
		p := byGroup[id]
		sort.SliceStable(p.Medications, func(i, j int) bool { return p.Medications[i].ID < p.Medications[j].ID })
		out = append(out, *p)
	}
	return out
}

func toMedication(mr *r5.MedicationRequest) (reminder.Medication, bool) {
	dosage, ok := mr.ScheduledDosage()
	if !ok {
		return reminder.Medication{}, false
	}
	perDay, err := dosage.Timing.Repeat.DailyFrequency()
	if err != nil {
		return reminder.Medication{}, false
	}

	med := reminder.Medication{
		ID:               mr.ID,
		Name:             mr.MedicationDisplay(),
		Dosage:           dosage.DoseText(),
		FrequencyPerDay:  perDay,
		DoseTimes:        append([]string(nil), dosage.Timing.Repeat.TimeOfDay...),
		RefillsRemaining: mr.RefillsAllowed(),
	}
	if med.Name == "" {
		_, med.Name = mr.MedicationCode()
	}

	bounds := dosage.Timing.Repeat.BoundsPeriod
	switch {
	case bounds != nil && bounds.Start != nil:
		med.StartDate = *bounds.Start
	case mr.DispenseRequest != nil && mr.DispenseRequest.ValidityPeriod != nil && mr.DispenseRequest.ValidityPeriod.Start != nil:
		med.StartDate = *mr.DispenseRequest.ValidityPeriod.Start
	case mr.AuthoredOn != nil:
		med.StartDate = *mr.AuthoredOn
	}
	if bounds != nil && bounds.End != nil {
		end := *bounds.End
		med.EndDate = &end
	}
	return med, true
}

func mapStatus(mr *r5.MedicationRequest, now time.Time) reminder.PrescriptionStatus {
	switch mr.Status {
	case r5.StatusActive:
		if end := validityEnd(mr); end != nil && now.After(*end) {
			return reminder.PrescriptionExpired
		}
		return reminder.PrescriptionActive
	case r5.StatusCompleted:
		return reminder.PrescriptionCompleted
	default:
		return reminder.PrescriptionCancelled
	}
}

func validityEnd(mr *r5.MedicationRequest) *time.Time {
	if mr.DispenseRequest == nil || mr.DispenseRequest.ValidityPeriod == nil {
		return nil
	}
	return mr.DispenseRequest.ValidityPeriod.End
}
