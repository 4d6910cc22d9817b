package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

var smsTracer = otel.Tracer("medremind.notify.sms")

const defaultTwilioBaseURL = "https://api.twilio.com/2010-04-01"

// SMSSender sends a plain text message to a phone number
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// TwilioConfig holds configuration for the Twilio messages API
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	Timeout    time.Duration
}

// TwilioSender posts messages to the Twilio REST API
type TwilioSender struct {
	cfg    TwilioConfig
	client *http.Client
	logger *zap.Logger
}

// NewTwilioSender returns nil when credentials are missing
func NewTwilioSender(cfg TwilioConfig, logger *zap.Logger) *TwilioSender {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTwilioBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &TwilioSender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

func (s *TwilioSender) SendSMS(ctx context.Context, to, body string) error {
	ctx, span := smsTracer.Start(ctx, "notify.twilio.send")
	defer span.End()

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", strings.TrimRight(s.cfg.BaseURL, "/"), s.cfg.AccountSID)
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", s.cfg.FromNumber)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build twilio request: %w", err)
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return fmt.Errorf("%w: twilio: %v", reminder.ErrTransportFailure, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 300 {
		s.logger.Debug("sms accepted by twilio", zap.Int("status", resp.StatusCode))
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	span.SetStatus(codes.Error, resp.Status)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: twilio status %d: %s", reminder.ErrRejected, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return fmt.Errorf("%w: twilio status %d", reminder.ErrTransportFailure, resp.StatusCode)
}

// SMS is a recorded stub send
type SMS struct {
	To   string
	Body string
}

// StubSMSSender logs instead of sending
type StubSMSSender struct {
	mu     sync.Mutex
	sent   []SMS
	logger *zap.Logger
}

func NewStubSMSSender(logger *zap.Logger) *StubSMSSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StubSMSSender{logger: logger}
}

func (s *StubSMSSender) SendSMS(ctx context.Context, to, body string) error {
	s.mu.Lock()
	s.sent = append(s.sent, SMS{To: to, Body: body})
	s.mu.Unlock()
	s.logger.Info("stub sms sender: would send sms", zap.Int("length", len(body)))
	return nil
}

func (s *StubSMSSender) Sent() []SMS {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SMS(nil), s.sent...)
}

var (
	_ SMSSender = (*TwilioSender)(nil)
	_ SMSSender = (*StubSMSSender)(nil)
)
