// Package metrics provides Prometheus metrics for the reminder engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing, so components can take it as an optional dependency.
type Metrics struct {
	RemindersDispatched   *prometheus.CounterVec
	RemindersFailed       *prometheus.CounterVec
	RemindersMissed       *prometheus.CounterVec
	RemindersDeduplicated *prometheus.CounterVec
	TickDuration          prometheus.Histogram
	TrackedOccurrences    prometheus.Gauge
	ActiveSessions        prometheus.Gauge
	SubscriptionSyncFails prometheus.Counter
	GatewayMessages       *prometheus.CounterVec
	CircuitBreakerState   *prometheus.GaugeVec
	OutboxBacklog         *prometheus.GaugeVec
}

// New creates all metrics and registers them on reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		RemindersDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminders_dispatched_total",
			Help: "Reminders accepted by a delivery channel",
		}, []string{"channel"}),
		RemindersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminders_failed_total",
			Help: "Reminder delivery attempts that failed",
		}, []string{"channel", "reason"}),
		RemindersMissed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminders_missed_total",
			Help: "Reminders that passed their grace window without delivery",
		}, []string{"channel"}),
		RemindersDeduplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminders_deduplicated_total",
			Help: "Reminders skipped because another instance already delivered them",
		}, []string{"channel"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reminder_poller_tick_duration_seconds",
			Help:    "Delivery poller tick duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		TrackedOccurrences: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reminder_occurrences_tracked",
			Help: "Occurrences held across all live sessions",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reminder_sessions_active",
			Help: "Patients with a running reminder session",
		}),
		SubscriptionSyncFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_subscription_sync_failures_total",
			Help: "Failed attempts to sync a push subscription with the registry",
		}),
		GatewayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_gateway_messages_total",
			Help: "Messages handled by the notification gateway",
		}, []string{"channel", "outcome"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		OutboxBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "event_outbox_entries",
			Help: "Event outbox entries by state",
		}, []string{"state"}),
	}

	reg.MustRegister(
		m.RemindersDispatched,
		m.RemindersFailed,
		m.RemindersMissed,
		m.RemindersDeduplicated,
		m.TickDuration,
		m.TrackedOccurrences,
		m.ActiveSessions,
		m.SubscriptionSyncFails,
		m.GatewayMessages,
		m.CircuitBreakerState,
		m.OutboxBacklog,
	)

	return m
}

func (m *Metrics) Dispatched(channel string) {
	if m != nil {
		m.RemindersDispatched.WithLabelValues(channel).Inc()
	}
}

func (m *Metrics) Failed(channel, reason string) {
	if m != nil {
		m.RemindersFailed.WithLabelValues(channel, reason).Inc()
	}
}

func (m *Metrics) Missed(channel string) {
	if m != nil {
		m.RemindersMissed.WithLabelValues(channel).Inc()
	}
}

func (m *Metrics) Deduplicated(channel string) {
	if m != nil {
		m.RemindersDeduplicated.WithLabelValues(channel).Inc()
	}
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m != nil {
		m.TickDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) AddTracked(delta int) {
	if m != nil {
		m.TrackedOccurrences.Add(float64(delta))
	}
}

func (m *Metrics) SessionStarted() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

func (m *Metrics) SessionStopped() {
	if m != nil {
		m.ActiveSessions.Dec()
	}
}

func (m *Metrics) SyncFailed() {
	if m != nil {
		m.SubscriptionSyncFails.Inc()
	}
}

func (m *Metrics) Gateway(channel, outcome string) {
	if m != nil {
		m.GatewayMessages.WithLabelValues(channel, outcome).Inc()
	}
}

// BreakerState records a circuit breaker transition
func (m *Metrics) BreakerState(name, state string) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Outbox records the pending and failing event outbox entries
func (m *Metrics) Outbox(pending, failing int64) {
	if m != nil {
		m.OutboxBacklog.WithLabelValues("pending").Set(float64(pending))
		m.OutboxBacklog.WithLabelValues("failing").Set(float64(failing))
	}
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the metrics of a specific gatherer
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
