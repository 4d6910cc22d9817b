package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

// UpsertResult says what an upsert changed
type UpsertResult string

const (
	UpsertCreated   UpsertResult = "created"
	UpsertUpdated   UpsertResult = "updated"
	UpsertUnchanged UpsertResult = "unchanged"
)

// SubscriptionRepository is the server-side push subscription registry.
// Subscriptions are keyed by endpoint; repeating a registration is a no-op.
type SubscriptionRepository struct {
	db          DB
	eventsTopic string
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewSubscriptionRepository creates a repository. Changes are recorded in the
// outbox under eventsTopic when it is not empty.
func NewSubscriptionRepository(db DB, eventsTopic string, logger *zap.Logger) *SubscriptionRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriptionRepository{
		db:          db,
		eventsTopic: eventsTopic,
		logger:      logger,
		tracer:      otel.Tracer("subscription-repository"),
	}
}

// Upsert stores sub. An identical registration returns UpsertUnchanged and
// writes nothing.
func (r *SubscriptionRepository) Upsert(ctx context.Context, sub reminder.PushSubscription) (UpsertResult, error) {
	ctx, span := r.tracer.Start(ctx, "subscriptions.upsert")
	defer span.End()

	if err := sub.Validate(); err != nil {
		return "", err
	}
	if sub.RegisteredAt.IsZero() {
		sub.RegisteredAt = time.Now().UTC()
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO push_subscriptions (endpoint, user_id, p256dh, auth, expires_at, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (endpoint) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    p256dh = EXCLUDED.p256dh,
		    auth = EXCLUDED.auth,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = NOW()
		WHERE (push_subscriptions.user_id, push_subscriptions.p256dh, push_subscriptions.auth, push_subscriptions.expires_at)
		      IS DISTINCT FROM (EXCLUDED.user_id, EXCLUDED.p256dh, EXCLUDED.auth, EXCLUDED.expires_at)
		RETURNING (xmax = 0) AS inserted
	`
	var inserted bool
	err = tx.QueryRow(ctx, query,
		sub.Endpoint,
		sub.UserID,
		sub.Keys.P256dh,
		sub.Keys.Auth,
		sub.ExpiresAt,
		sub.RegisteredAt.UTC(),
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return UpsertUnchanged, nil
	}
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("upsert subscription: %w", err)
	}

	if err := r.recordEvent(ctx, tx, reminder.EventSubscriptionRegistered, sub); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	result := UpsertUpdated
	if inserted {
		result = UpsertCreated
	}
	r.logger.Info("push subscription stored",
		zap.String("user_id", sub.UserID),
		zap.String("result", string(result)))
	return result, nil
}

// Delete removes the user's subscription for endpoint. Removing an absent
// subscription is not an error; the bool reports whether a row went away.
func (r *SubscriptionRepository) Delete(ctx context.Context, userID, endpoint string) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "subscriptions.delete")
	defer span.End()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM push_subscriptions WHERE endpoint = $1 AND user_id = $2`, endpoint, userID)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	sub := reminder.PushSubscription{Endpoint: endpoint, UserID: userID}
	if err := r.recordEvent(ctx, tx, reminder.EventSubscriptionRemoved, sub); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// ListByUser returns a user's subscriptions, newest first
func (r *SubscriptionRepository) ListByUser(ctx context.Context, userID string) ([]reminder.PushSubscription, error) {
	query := `
		SELECT endpoint, user_id, p256dh, auth, expires_at, registered_at
		FROM push_subscriptions
		WHERE user_id = $1
		ORDER BY registered_at DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []reminder.PushSubscription{}
	for rows.Next() {
		var s reminder.PushSubscription
		if err := rows.Scan(&s.Endpoint, &s.UserID, &s.Keys.P256dh, &s.Keys.Auth, &s.ExpiresAt, &s.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (r *SubscriptionRepository) recordEvent(ctx context.Context, tx pgx.Tx, eventType reminder.EventType, sub reminder.PushSubscription) error {
	if r.eventsTopic == "" {
		return nil
	}
	event, err := reminder.NewEvent("PushSubscription", sub.UserID, eventType, reminder.SubscriptionData{
		Endpoint: sub.Endpoint,
		UserID:   sub.UserID,
		At:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("build event: %w", err)
	}
	event.PatientID = sub.UserID
	entry, err := EntryFromEvent(r.eventsTopic, sub.UserID, event)
	if err != nil {
		return err
	}
	return WriteEntry(ctx, tx, entry)
}
