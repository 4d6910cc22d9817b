package prescriptions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/internal/fhir/r5"
	"github.com/drfirst/go-medremind/pkg/circuitbreaker"
)

const fhirJSON = "application/fhir+json"

var tracer = otel.Tracer("prescriptions")

// ErrNotFound is returned for an unknown patient
var ErrNotFound = errors.New("prescriptions: not found")

// HTTPSourceConfig configures the FHIR client
type HTTPSourceConfig struct {
	// BaseURL is the FHIR base, e.g. https://ehr.example.com/fhir
	BaseURL string
	// Token, when set, is sent as a bearer token
	Token    string
	Timeout  time.Duration
	MaxPages int
	MaxTries uint
}

func DefaultHTTPSourceConfig() HTTPSourceConfig {
	return HTTPSourceConfig{
		Timeout:  10 * time.Second,
		MaxPages: 10,
		MaxTries: 3,
	}
}

// HTTPSource reads MedicationRequest and Patient resources over the FHIR REST
// API. Calls share one circuit breaker so an unavailable prescribing system
// fails fast; the session then keeps its last good result.
type HTTPSource struct {
	cfg      HTTPSourceConfig
	client   *http.Client
	breakers *circuitbreaker.Manager
	logger   *zap.Logger
	now      func() time.Time
}

func NewHTTPSource(cfg HTTPSourceConfig, breakers *circuitbreaker.Manager, logger *zap.Logger) *HTTPSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultHTTPSourceConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = def.MaxTries
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPSource{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		breakers: breakers,
		logger:   logger,
		now:      time.Now,
	}
}

// ListActivePrescriptions fetches the patient's active MedicationRequests,
// following Bundle paging, and maps them to prescriptions.
func (s *HTTPSource) ListActivePrescriptions(ctx context.Context, patientID string) ([]reminder.Prescription, error) {
	ctx, span := tracer.Start(ctx, "prescriptions.list_active")
	defer span.End()
	span.SetAttributes(attribute.String("patient_id", patientID))

	q := url.Values{}
	q.Set("subject", "Patient/"+patientID)
	q.Set("status", r5.StatusActive)
	next := s.cfg.BaseURL + "/MedicationRequest?" + q.Encode()

	var reqs []r5.MedicationRequest
	for page := 0; next != "" && page < s.cfg.MaxPages; page++ {
		body, err := s.get(ctx, next)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fetch failed")
			return nil, err
		}
		batch, nextURL, err := decodeRequests(body)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		reqs = append(reqs, batch...)
		next = nextURL
	}
	if next != "" {
		s.logger.Warn("medication request paging truncated",
			zap.String("patient_id", patientID),
			zap.Int("max_pages", s.cfg.MaxPages))
	}

	rx := ActiveOnly(FromMedicationRequests(reqs, s.now()))
	span.SetAttributes(attribute.Int("prescriptions", len(rx)))
	return rx, nil
}

// PatientContact reads the Patient resource's email and mobile number
func (s *HTTPSource) PatientContact(ctx context.Context, patientID string) (reminder.Contact, error) {
	ctx, span := tracer.Start(ctx, "prescriptions.patient_contact")
	defer span.End()

	body, err := s.get(ctx, s.cfg.BaseURL+"/Patient/"+url.PathEscape(patientID))
	if err != nil {
		span.RecordError(err)
		return reminder.Contact{}, err
	}
	var p r5.Patient
	if err := json.Unmarshal(body, &p); err != nil {
		return reminder.Contact{}, fmt.Errorf("decode patient: %w", err)
	}
	return reminder.Contact{Email: p.Email(), Phone: p.MobilePhone()}, nil
}

func (s *HTTPSource) get(ctx context.Context, target string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond

	return backoff.Retry(ctx, func() ([]byte, error) {
		body, err := s.breakerGet(ctx, target)
		if errors.Is(err, ErrNotFound) || errors.Is(err, reminder.ErrRejected) || errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, backoff.Permanent(err)
		}
		return body, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.cfg.MaxTries))
}

func (s *HTTPSource) breakerGet(ctx context.Context, target string) ([]byte, error) {
	if s.breakers == nil {
		return s.doGet(ctx, target)
	}
	out, err := s.breakers.Execute(ctx, "prescriptions", func() (interface{}, error) {
		return s.doGet(ctx, target)
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (s *HTTPSource) doGet(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", reminder.ErrValidationFailure, err)
	}
	req.Header.Set("Accept", fhirJSON)
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", reminder.ErrTransportFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", reminder.ErrTransportFailure, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: fhir server returned %d", reminder.ErrRejected, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: fhir server returned %d", reminder.ErrTransportFailure, resp.StatusCode)
	}
	return body, nil
}

// decodeRequests accepts a searchset Bundle or a bare JSON array
func decodeRequests(body []byte) ([]r5.MedicationRequest, string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var reqs []r5.MedicationRequest
		if err := json.Unmarshal(trimmed, &reqs); err != nil {
			return nil, "", fmt.Errorf("decode medication requests: %w", err)
		}
		return reqs, "", nil
	}

	var bundle r5.Bundle
	if err := json.Unmarshal(trimmed, &bundle); err != nil {
		return nil, "", fmt.Errorf("decode bundle: %w", err)
	}
	if bundle.ResourceType != "Bundle" {
		return nil, "", fmt.Errorf("unexpected resource type %q", bundle.ResourceType)
	}
	reqs, err := bundle.MedicationRequests()
	if err != nil {
		return nil, "", err
	}
	return reqs, bundle.Next(), nil
}
