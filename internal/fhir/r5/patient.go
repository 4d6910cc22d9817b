package r5

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Patient is the subset of a FHIR R5 Patient used for contact addresses.
type Patient struct {
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id,omitempty"`
	Active       bool           `json:"active,omitempty"`
	Name         []HumanName    `json:"name,omitempty"`
	Telecom      []ContactPoint `json:"telecom,omitempty"`
}

// Email returns the best ranked current email address.
func (p *Patient) Email() string {
	return p.bestTelecom(func(t ContactPoint) bool { return t.System == "email" })
}

// MobilePhone returns the best ranked number that can receive SMS: an "sms"
// contact point or a phone marked mobile.
func (p *Patient) MobilePhone() string {
	return p.bestTelecom(func(t ContactPoint) bool {
		return t.System == "sms" || (t.System == "phone" && t.Use == "mobile")
	})
}

func (p *Patient) bestTelecom(match func(ContactPoint) bool) string {
	var candidates []ContactPoint
	for _, t := range p.Telecom {
		if t.Value != "" && t.Use != "old" && match(t) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := candidates[i].Rank, candidates[j].Rank
		// rank 0 means unranked and sorts last
		if ri == 0 {
			return false
		}
		return rj == 0 || ri < rj
	})
	return candidates[0].Value
}

// Bundle is a searchset Bundle. Entries are decoded lazily by resource type.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type,omitempty"`
	Total        int           `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleLink is a paging link
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry carries one raw resource
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource"`
}

// Next returns the URL of the next page, if any.
func (b *Bundle) Next() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// MedicationRequests decodes the MedicationRequest entries, skipping other
// resource types such as included Patients or OperationOutcomes.
func (b *Bundle) MedicationRequests() ([]MedicationRequest, error) {
	var out []MedicationRequest
	for i, e := range b.Entry {
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(e.Resource, &head); err != nil {
			return nil, fmt.Errorf("bundle entry %d: %w", i, err)
		}
		if head.ResourceType != "MedicationRequest" {
			continue
		}
		var mr MedicationRequest
		if err := json.Unmarshal(e.Resource, &mr); err != nil {
			return nil, fmt.Errorf("bundle entry %d: %w", i, err)
		}
		out = append(out, mr)
	}
	return out, nil
}
