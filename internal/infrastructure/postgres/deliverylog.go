package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/internal/occurrence"
)

const deliveryMissed = "missed"

// ErrClaimLost is returned when another instance holds the claim on a delivery
var ErrClaimLost = errors.New("delivery claim held by another instance")

// DeliveryLogConfig holds configuration for the delivery log
type DeliveryLogConfig struct {
	// InstanceID identifies this process in claims
	InstanceID string
	// ClaimTTL is how long a claim blocks other instances before it is
	// considered abandoned
	ClaimTTL time.Duration
}

func DefaultDeliveryLogConfig() DeliveryLogConfig {
	return DeliveryLogConfig{
		InstanceID: uuid.New().String(),
		ClaimTTL:   2 * time.Minute,
	}
}

// DeliveryLog records which occurrences were sent or missed. A row per dedup
// key is the cross-instance arbiter: only the instance whose claim insert
// succeeds may send.
type DeliveryLog struct {
	db     DB
	config DeliveryLogConfig
	logger *zap.Logger
	tracer trace.Tracer
}

func NewDeliveryLog(db DB, cfg DeliveryLogConfig, logger *zap.Logger) *DeliveryLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultDeliveryLogConfig()
	if cfg.InstanceID == "" {
		cfg.InstanceID = def.InstanceID
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = def.ClaimTTL
	}
	return &DeliveryLog{db: db, config: cfg, logger: logger, tracer: otel.Tracer("delivery-log")}
}

// Claim inserts a claim row. An existing row blocks the claim unless it is a
// claim older than ClaimTTL.
func (l *DeliveryLog) Claim(ctx context.Context, occ reminder.Occurrence) (bool, error) {
	ctx, span := l.tracer.Start(ctx, "delivery_log.claim",
		trace.WithAttributes(attribute.String("dedup_key", occ.DedupKey)))
	defer span.End()

	now := time.Now().UTC()
	query := `
		INSERT INTO reminder_deliveries
			(dedup_key, patient_id, medication_id, channel, scheduled_time, status, claimed_by, claimed_at)
		VALUES ($1, $2, $3, $4, $5, 'claimed', $6, $7)
		ON CONFLICT (dedup_key) DO UPDATE
		SET claimed_by = EXCLUDED.claimed_by, claimed_at = EXCLUDED.claimed_at, updated_at = NOW()
		WHERE reminder_deliveries.status = 'claimed'
		  AND reminder_deliveries.claimed_at < $8
	`
	tag, err := l.db.Exec(ctx, query,
		occ.DedupKey,
		occ.PatientID,
		occ.MedicationID,
		string(occ.Channel),
		occ.ScheduledTime.UTC(),
		l.config.InstanceID,
		now,
		now.Add(-l.config.ClaimTTL),
	)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("claim %s: %w", occ.DedupKey, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDelivered turns this instance's claim into a delivered marker. A claim
// another instance has taken over is left alone and ErrClaimLost returned.
func (l *DeliveryLog) MarkDelivered(ctx context.Context, key string, at time.Time) error {
	query := `
		UPDATE reminder_deliveries
		SET status = 'delivered', fired_at = $2, updated_at = NOW()
		WHERE dedup_key = $1 AND claimed_by = $3
	`
	tag, err := l.db.Exec(ctx, query, key, at.UTC(), l.config.InstanceID)
	if err != nil {
		return fmt.Errorf("mark delivered %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark delivered %s: %w", key, ErrClaimLost)
	}
	return nil
}

// MarkMissed records a missed occurrence unless another instance already
// holds a row for it.
func (l *DeliveryLog) MarkMissed(ctx context.Context, occ reminder.Occurrence, at time.Time) error {
	query := `
		INSERT INTO reminder_deliveries
			(dedup_key, patient_id, medication_id, channel, scheduled_time, status, fired_at)
		VALUES ($1, $2, $3, $4, $5, 'missed', $6)
		ON CONFLICT (dedup_key) DO NOTHING
	`
	_, err := l.db.Exec(ctx, query,
		occ.DedupKey,
		occ.PatientID,
		occ.MedicationID,
		string(occ.Channel),
		occ.ScheduledTime.UTC(),
		at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark missed %s: %w", occ.DedupKey, err)
	}
	return nil
}

// Release drops this instance's claim so the occurrence can be tried again
func (l *DeliveryLog) Release(ctx context.Context, key string) error {
	query := `
		DELETE FROM reminder_deliveries
		WHERE dedup_key = $1 AND status = 'claimed' AND claimed_by = $2
	`
	if _, err := l.db.Exec(ctx, query, key, l.config.InstanceID); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// LoadMarkers returns delivered and missed markers for a patient's doses
// scheduled at or after since.
func (l *DeliveryLog) LoadMarkers(ctx context.Context, patientID string, since time.Time) ([]occurrence.Marker, error) {
	ctx, span := l.tracer.Start(ctx, "delivery_log.load_markers")
	defer span.End()

	query := `
		SELECT dedup_key, status, fired_at
		FROM reminder_deliveries
		WHERE patient_id = $1
		  AND status IN ('delivered', 'missed')
		  AND scheduled_time >= $2
	`
	rows, err := l.db.Query(ctx, query, patientID, since.UTC())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query markers: %w", err)
	}
	defer rows.Close()

	var markers []occurrence.Marker
	for rows.Next() {
		var (
			key, status string
			firedAt     *time.Time
		)
		if err := rows.Scan(&key, &status, &firedAt); err != nil {
			return nil, fmt.Errorf("scan marker: %w", err)
		}
		m := occurrence.Marker{DedupKey: key, Missed: status == deliveryMissed}
		if firedAt != nil {
			m.FiredAt = *firedAt
		}
		markers = append(markers, m)
	}
	span.SetAttributes(attribute.Int("markers", len(markers)))
	return markers, rows.Err()
}

// Prune deletes settled rows for doses scheduled before cutoff
func (l *DeliveryLog) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM reminder_deliveries
		WHERE scheduled_time < $1 AND status <> 'claimed'
	`
	tag, err := l.db.Exec(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}
