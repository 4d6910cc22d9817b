package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/dispatch"
	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/internal/infrastructure/postgres"
	"github.com/drfirst/go-medremind/internal/notify"
	"github.com/drfirst/go-medremind/internal/observability/metrics"
	"github.com/drfirst/go-medremind/internal/poller"
	"github.com/drfirst/go-medremind/internal/preferences"
	"github.com/drfirst/go-medremind/internal/prescriptions"
	"github.com/drfirst/go-medremind/internal/schedule"
	"github.com/drfirst/go-medremind/internal/session"
	"github.com/drfirst/go-medremind/internal/subscription"
)

// sessionDeps are the process-wide collaborators shared by every patient
// session
type sessionDeps struct {
	session      session.Config
	subscription subscription.Config
	instanceID   string
	leaseTTL     time.Duration

	source      prescriptions.Source
	preferences preferences.Store
	expander    *schedule.Expander
	resolver    *preferences.Resolver
	renderer    *dispatch.Renderer
	pushSender  dispatch.PushSender
	gateway     notify.Gateway
	registry    subscription.Registry
	deliveries  *postgres.DeliveryLog
	events      poller.EventPublisher
	redis       *redis.Client
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// factory builds a session for the first tab of a patient. Each session gets
// its own push subscription manager and replica lease, both driven through
// the patient's tabs.
func (d *sessionDeps) factory(patientID string, tabs *session.Tabs) (*session.Session, error) {
	logger := d.logger.With(zap.String("patient_id", patientID))
	push := subscription.New(d.subscription, patientID, tabs, tabs, d.registry, d.metrics, nil, logger)

	sess, err := session.New(d.session, patientID, session.Deps{
		Source:      d.source,
		Preferences: d.preferences,
		Expander:    d.expander,
		Resolver:    d.resolver,
		NewDispatcher: func(s *session.Session) poller.Dispatcher {
			return dispatch.New(logger,
				dispatch.NewBrowserHandler(tabs, d.renderer),
				dispatch.NewPushHandler(push, d.pushSender, d.renderer, nil, logger),
				dispatch.NewGatewayHandler(reminder.ChannelEmail, d.gateway, s, d.renderer),
				dispatch.NewGatewayHandler(reminder.ChannelSMS, d.gateway, s, d.renderer),
			)
		},
		DeliveryLog: d.deliveries,
		Markers:     d.deliveries,
		Push:        push,
		Events:      d.events,
		Leader:      session.NewRedisLease(d.redis, patientID, d.instanceID, d.leaseTTL, logger),
		Metrics:     d.metrics,
	}, logger)
	if err != nil {
		push.Close()
		return nil, err
	}
	return sess, nil
}

// pruneDeliveries drops delivery rows older than the retention window until
// ctx is cancelled
func pruneDeliveries(ctx context.Context, log *postgres.DeliveryLog, retention time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := log.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("delivery log prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("pruned delivery log", zap.Int64("deleted", n))
			}
		}
	}
}
