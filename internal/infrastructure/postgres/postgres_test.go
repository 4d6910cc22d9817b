package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

var dose = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func testOccurrence() reminder.Occurrence {
	med := reminder.Medication{ID: "med-1", Name: "Metformin", Dosage: "500mg", FrequencyPerDay: 2}
	return reminder.NewOccurrence("patient-1", med, dose, dose, reminder.ChannelPush)
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestDeliveryLog_Claim(t *testing.T) {
	mock := newMock(t)
	log := NewDeliveryLog(mock, DeliveryLogConfig{InstanceID: "node-a", ClaimTTL: time.Minute}, nil)
	occ := testOccurrence()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reminder_deliveries")).
		WithArgs(occ.DedupKey, "patient-1", "med-1", "push", dose, "node-a", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reminder_deliveries")).
		WithArgs(occ.DedupKey, "patient-1", "med-1", "push", dose, "node-a", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	owned, err := log.Claim(context.Background(), occ)
	require.NoError(t, err)
	assert.True(t, owned)

	owned, err = log.Claim(context.Background(), occ)
	require.NoError(t, err)
	assert.False(t, owned, "an existing row blocks the claim")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryLog_ClaimError(t *testing.T) {
	mock := newMock(t)
	log := NewDeliveryLog(mock, DeliveryLogConfig{InstanceID: "node-a"}, nil)

	mock.ExpectExec("INSERT INTO reminder_deliveries").WillReturnError(errors.New("connection reset"))

	_, err := log.Claim(context.Background(), testOccurrence())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryLog_MarkAndRelease(t *testing.T) {
	mock := newMock(t)
	log := NewDeliveryLog(mock, DeliveryLogConfig{InstanceID: "node-a"}, nil)
	occ := testOccurrence()
	at := dose.Add(time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'delivered'")).
		WithArgs(occ.DedupKey, at, "node-a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (dedup_key) DO NOTHING")).
		WithArgs(occ.DedupKey, "patient-1", "med-1", "push", dose, at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM reminder_deliveries")).
		WithArgs(occ.DedupKey, "node-a").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, log.MarkDelivered(context.Background(), occ.DedupKey, at))
	require.NoError(t, log.MarkMissed(context.Background(), occ, at))
	require.NoError(t, log.Release(context.Background(), occ.DedupKey))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryLog_MarkDeliveredAfterTakeover(t *testing.T) {
	mock := newMock(t)
	log := NewDeliveryLog(mock, DeliveryLogConfig{InstanceID: "node-a"}, nil)
	at := dose.Add(time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("WHERE dedup_key = $1 AND claimed_by = $3")).
		WithArgs("k1", at, "node-a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := log.MarkDelivered(context.Background(), "k1", at)
	require.ErrorIs(t, err, ErrClaimLost)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryLog_LoadMarkers(t *testing.T) {
	mock := newMock(t)
	log := NewDeliveryLog(mock, DeliveryLogConfig{InstanceID: "node-a"}, nil)
	since := dose.Add(-48 * time.Hour)
	fired := dose.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT dedup_key, status, fired_at")).
		WithArgs("patient-1", since).
		WillReturnRows(pgxmock.NewRows([]string{"dedup_key", "status", "fired_at"}).
			AddRow("k1", "delivered", &fired).
			AddRow("k2", "missed", &fired))

	markers, err := log.LoadMarkers(context.Background(), "patient-1", since)
	require.NoError(t, err)
	require.Len(t, markers, 2)
	assert.Equal(t, "k1", markers[0].DedupKey)
	assert.False(t, markers[0].Missed)
	assert.True(t, markers[1].Missed)
	assert.Equal(t, fired, markers[1].FiredAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryLog_Prune(t *testing.T) {
	mock := newMock(t)
	log := NewDeliveryLog(mock, DeliveryLogConfig{}, nil)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM reminder_deliveries")).
		WithArgs(dose).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	n, err := log.Prune(context.Background(), dose)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func testSubscription() reminder.PushSubscription {
	return reminder.PushSubscription{
		Endpoint:     "https://push.example.com/abc",
		Keys:         reminder.PushKeys{P256dh: "p256", Auth: "auth"},
		UserID:       "patient-1",
		RegisteredAt: dose,
	}
}

func TestSubscriptionRepository_Upsert(t *testing.T) {
	mock := newMock(t)
	repo := NewSubscriptionRepository(mock, "reminder.events", nil)
	sub := testSubscription()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO push_subscriptions")).
		WithArgs(sub.Endpoint, sub.UserID, "p256", "auth", pgxmock.AnyArg(), dose).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO event_outbox")).
		WithArgs("patient-1", "PushSubscription", "SubscriptionRegistered", pgxmock.AnyArg(), "reminder.events", "patient-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), dose))
	mock.ExpectCommit()

	result, err := repo.Upsert(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, UpsertCreated, result)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRepository_UpsertUnchanged(t *testing.T) {
	mock := newMock(t)
	repo := NewSubscriptionRepository(mock, "reminder.events", nil)
	sub := testSubscription()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO push_subscriptions")).
		WithArgs(sub.Endpoint, sub.UserID, "p256", "auth", pgxmock.AnyArg(), dose).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}))
	mock.ExpectRollback()

	result, err := repo.Upsert(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, UpsertUnchanged, result)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRepository_UpsertInvalid(t *testing.T) {
	mock := newMock(t)
	repo := NewSubscriptionRepository(mock, "", nil)

	_, err := repo.Upsert(context.Background(), reminder.PushSubscription{Endpoint: "x"})
	assert.ErrorIs(t, err, reminder.ErrValidationFailure)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRepository_Delete(t *testing.T) {
	mock := newMock(t)
	repo := NewSubscriptionRepository(mock, "", nil)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM push_subscriptions")).
		WithArgs("https://push.example.com/abc", "patient-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM push_subscriptions")).
		WithArgs("https://push.example.com/abc", "patient-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectRollback()

	removed, err := repo.Delete(context.Background(), "patient-1", "https://push.example.com/abc")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = repo.Delete(context.Background(), "patient-1", "https://push.example.com/abc")
	require.NoError(t, err)
	assert.False(t, removed, "deleting twice is not an error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRepository_ListByUser(t *testing.T) {
	mock := newMock(t)
	repo := NewSubscriptionRepository(mock, "", nil)
	expires := dose.Add(30 * 24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("FROM push_subscriptions")).
		WithArgs("patient-1").
		WillReturnRows(pgxmock.NewRows([]string{"endpoint", "user_id", "p256dh", "auth", "expires_at", "registered_at"}).
			AddRow("https://push.example.com/abc", "patient-1", "p256", "auth", &expires, dose))

	subs, err := repo.ListByUser(context.Background(), "patient-1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "p256", subs[0].Keys.P256dh)
	assert.Equal(t, dose, subs[0].RegisteredAt)
	require.NotNil(t, subs[0].ExpiresAt)
	assert.Equal(t, expires, *subs[0].ExpiresAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

type capturePublisher struct {
	topics []string
	err    error
}

func (c *capturePublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	if c.err != nil {
		return c.err
	}
	c.topics = append(c.topics, topic)
	return nil
}

func outboxRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "aggregate_id", "aggregate_type", "event_type", "payload",
		"topic", "event_key", "created_at", "retry_count", "last_error",
	})
}

func TestOutbox_ProcessBatch(t *testing.T) {
	mock := newMock(t)
	pub := &capturePublisher{}
	ob := NewOutbox(mock, pub, OutboxConfig{BatchSize: 10, MaxRetries: 3}, nil)
	var noErr *string
	lastErr := "broker down"

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM event_outbox")).
		WithArgs(10).
		WillReturnRows(outboxRows().
			AddRow(int64(1), "k1", "Reminder", "ReminderDelivered", json.RawMessage(`{}`), "reminder.events", "patient-1", dose, 0, noErr).
			AddRow(int64(2), "k2", "Reminder", "ReminderMissed", json.RawMessage(`{}`), "reminder.events", "patient-1", dose, 3, &lastErr))
	mock.ExpectExec(regexp.QuoteMeta("SET processed_at = NOW()")).WithArgs(int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("SET processed_at = NOW()")).WithArgs(int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	n, err := ob.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"reminder.events", "dead.letter"}, pub.topics)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutbox_PublishFailureCountsRetry(t *testing.T) {
	mock := newMock(t)
	pub := &capturePublisher{err: errors.New("broker down")}
	ob := NewOutbox(mock, pub, OutboxConfig{BatchSize: 10}, nil)
	var noErr *string

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM event_outbox")).
		WithArgs(10).
		WillReturnRows(outboxRows().
			AddRow(int64(1), "k1", "Reminder", "ReminderDelivered", json.RawMessage(`{}`), "reminder.events", "patient-1", dose, 0, noErr))
	mock.ExpectExec(regexp.QuoteMeta("SET retry_count = retry_count + 1")).
		WithArgs("broker down", int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	n, err := ob.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutbox_PublishEnqueuesEvent(t *testing.T) {
	mock := newMock(t)
	ob := NewOutbox(mock, nil, OutboxConfig{}, nil)

	event, err := reminder.NewReminderEvent(reminder.EventReminderDelivered, testOccurrence(), dose)
	require.NoError(t, err)
	value, err := json.Marshal(event)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_outbox")).
		WithArgs(event.AggregateID, "Reminder", "ReminderDelivered", pgxmock.AnyArg(), "reminder.events", "patient-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, ob.Publish(context.Background(), "reminder.events", "patient-1", value))
	assert.Error(t, ob.Publish(context.Background(), "reminder.events", "patient-1", []byte("nope")))
	require.NoError(t, mock.ExpectationsWereMet())
}
