package dispatch

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

// Notification is the rendered content of a reminder
type Notification struct {
	Tag           string           `json:"tag"`
	Title         string           `json:"title"`
	Body          string           `json:"body"`
	PatientID     string           `json:"patientId"`
	MedicationID  string           `json:"medicationId"`
	Channel       reminder.Channel `json:"channel"`
	ScheduledTime time.Time        `json:"scheduledTime"`
	Actions       []string         `json:"actions,omitempty"`
}

const (
	defaultTitle = `Time for {{.MedicationName}}`
	defaultBody  = `Take {{if .Dosage}}{{.Dosage}} of {{end}}{{.MedicationName}} (due {{.ScheduledTime.Format "15:04"}})`
)

// Renderer turns occurrences into notification text
type Renderer struct {
	title *template.Template
	body  *template.Template
}

// NewRenderer parses custom templates. Empty strings select the defaults.
func NewRenderer(title, body string) (*Renderer, error) {
	if title == "" {
		title = defaultTitle
	}
	if body == "" {
		body = defaultBody
	}
	t, err := template.New("title").Option("missingkey=error").Parse(title)
	if err != nil {
		return nil, fmt.Errorf("parse title template: %w", err)
	}
	b, err := template.New("body").Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	return &Renderer{title: t, body: b}, nil
}

// DefaultRenderer uses the built-in templates
func DefaultRenderer() *Renderer {
	r, err := NewRenderer("", "")
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Renderer) Render(occ reminder.Occurrence) (Notification, error) {
	var title, body bytes.Buffer
	if err := r.title.Execute(&title, occ); err != nil {
		return Notification{}, fmt.Errorf("render title: %w", err)
	}
	if err := r.body.Execute(&body, occ); err != nil {
		return Notification{}, fmt.Errorf("render body: %w", err)
	}

	n := Notification{
		Tag:           occ.DedupKey,
		Title:         title.String(),
		Body:          body.String(),
		PatientID:     occ.PatientID,
		MedicationID:  occ.MedicationID,
		Channel:       occ.Channel,
		ScheduledTime: occ.ScheduledTime,
	}
	if occ.Channel.Interactive() {
		n.Actions = []string{"taken", "snooze"}
	}
	return n, nil
}
