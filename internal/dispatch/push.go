package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/codec"
	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/pkg/circuitbreaker"
	"github.com/drfirst/go-medremind/pkg/clock"
)

// SubscriptionSource exposes the session's push subscription
type SubscriptionSource interface {
	ActiveSubscription() (reminder.PushSubscription, bool)
	HandleExpired(ctx context.Context) error
}

// PushSender posts an encrypted payload to a push endpoint
type PushSender interface {
	Send(ctx context.Context, sub reminder.PushSubscription, ciphertext []byte) error
}

// PushHandler encrypts reminders for the active subscription and hands them
// to the push transport.
type PushHandler struct {
	subs     SubscriptionSource
	sender   PushSender
	renderer *Renderer
	clock    clock.Clock
	logger   *zap.Logger
}

func NewPushHandler(subs SubscriptionSource, sender PushSender, renderer *Renderer, clk clock.Clock, logger *zap.Logger) *PushHandler {
	if renderer == nil {
		renderer = DefaultRenderer()
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PushHandler{subs: subs, sender: sender, renderer: renderer, clock: clk, logger: logger}
}

func (h *PushHandler) Channel() reminder.Channel { return reminder.ChannelPush }

func (h *PushHandler) Handle(ctx context.Context, occ reminder.Occurrence) error {
	if h.subs == nil || h.sender == nil {
		return fmt.Errorf("%w: push not configured", reminder.ErrChannelUnavailable)
	}
	sub, ok := h.subs.ActiveSubscription()
	if !ok {
		return reminder.ErrNoActiveSubscription
	}
	if sub.Expired(h.clock.Now()) {
		h.resubscribe(ctx)
		return fmt.Errorf("%w: subscription passed its expiration time", reminder.ErrSubscriptionExpired)
	}

	n, err := h.renderer.Render(occ)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %v", reminder.ErrEncryptionFailure, err)
	}
	key, err := codec.PushKey(sub)
	if err != nil {
		return err
	}
	ciphertext, err := codec.Encrypt(payload, key)
	if err != nil {
		return err
	}

	err = h.sender.Send(ctx, sub, ciphertext)
	if errors.Is(err, reminder.ErrSubscriptionExpired) {
		h.resubscribe(ctx)
	}
	return err
}

func (h *PushHandler) resubscribe(ctx context.Context) {
	if err := h.subs.HandleExpired(ctx); err != nil {
		h.logger.Warn("resubscribe after expiry failed", zap.Error(err))
	}
}

// HTTPPushSenderConfig configures delivery to push services
type HTTPPushSenderConfig struct {
	Timeout time.Duration
	// TTL is how long the push service should hold an undelivered message
	TTL time.Duration
}

func DefaultHTTPPushSenderConfig() HTTPPushSenderConfig {
	return HTTPPushSenderConfig{Timeout: 10 * time.Second, TTL: 15 * time.Minute}
}

// HTTPPushSender posts ciphertext to subscription endpoints. Each push
// service host gets its own circuit breaker.
//
// The body is this service's own AES-GCM envelope, not RFC 8291 aes128gcm,
// and requests carry no VAPID Authorization header. Endpoints must be relays
// that understand the envelope. Delivering straight to browser push services
// needs a sender built on github.com/SherClockHolmes/webpush-go instead.
type HTTPPushSender struct {
	cfg      HTTPPushSenderConfig
	client   *http.Client
	breakers *circuitbreaker.Manager
	logger   *zap.Logger
}

func NewHTTPPushSender(cfg HTTPPushSenderConfig, breakers *circuitbreaker.Manager, logger *zap.Logger) *HTTPPushSender {
	def := DefaultHTTPPushSenderConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPPushSender{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		breakers: breakers,
		logger:   logger,
	}
}

func (s *HTTPPushSender) Send(ctx context.Context, sub reminder.PushSubscription, ciphertext []byte) error {
	u, err := url.Parse(sub.Endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: bad push endpoint %q", reminder.ErrValidationFailure, sub.Endpoint)
	}

	post := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(ciphertext))
		if err != nil {
			return fmt.Errorf("build push request: %w", err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		// not a registered web push encoding; see HTTPPushSender
		req.Header.Set("Content-Encoding", "aes256gcm")
		req.Header.Set("TTL", strconv.Itoa(int(s.cfg.TTL.Seconds())))
		req.Header.Set("Urgency", "high")

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: push: %v", reminder.ErrTransportFailure, err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return fmt.Errorf("%w: push service returned %d", reminder.ErrSubscriptionExpired, resp.StatusCode)
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			return fmt.Errorf("%w: push service returned %d", reminder.ErrRejected, resp.StatusCode)
		default:
			return fmt.Errorf("%w: push service returned %d", reminder.ErrTransportFailure, resp.StatusCode)
		}
	}

	if s.breakers == nil {
		return post()
	}
	_, err = s.breakers.Execute(ctx, "push-"+u.Host, func() (interface{}, error) {
		return nil, post()
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %w", reminder.ErrTransportFailure, err)
	}
	return err
}

// BreakerSuccess counts expired subscriptions and rejected payloads as
// healthy responses from the push service.
func BreakerSuccess(err error) bool {
	return err == nil ||
		errors.Is(err, reminder.ErrSubscriptionExpired) ||
		errors.Is(err, reminder.ErrRejected)
}
