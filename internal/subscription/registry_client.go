package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

// TokenSource issues bearer tokens for a user
type TokenSource interface {
	GenerateAuthToken(userID string) (string, error)
}

// RegistryClient talks to the subscription registry over HTTP. Each call is a
// single attempt; the Manager owns retries.
type RegistryClient struct {
	baseURL string
	client  *http.Client
	tokens  TokenSource
	logger  *zap.Logger
}

// SubscriptionRequest is the body of subscribe and unsubscribe calls
type SubscriptionRequest struct {
	Subscription reminder.PushSubscription `json:"subscription"`
}

func NewRegistryClient(baseURL string, tokens TokenSource, timeout time.Duration, logger *zap.Logger) *RegistryClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		tokens:  tokens,
		logger:  logger,
	}
}

func (c *RegistryClient) Subscribe(ctx context.Context, sub reminder.PushSubscription) error {
	return c.post(ctx, "/push/subscribe", sub)
}

func (c *RegistryClient) Unsubscribe(ctx context.Context, sub reminder.PushSubscription) error {
	return c.post(ctx, "/push/unsubscribe", sub)
}

func (c *RegistryClient) post(ctx context.Context, path string, sub reminder.PushSubscription) error {
	body, err := json.Marshal(SubscriptionRequest{Subscription: sub})
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.GenerateAuthToken(sub.UserID)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: registry %s: %v", reminder.ErrTransportFailure, path, err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode < 300:
		c.logger.Debug("registry call succeeded", zap.String("path", path), zap.Int("status", resp.StatusCode))
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: registry refused token (%d)", reminder.ErrValidationFailure, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: registry %s returned %d: %s", reminder.ErrRejected, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	default:
		return fmt.Errorf("%w: registry %s returned %d", reminder.ErrTransportFailure, path, resp.StatusCode)
	}
}

var _ Registry = (*RegistryClient)(nil)
