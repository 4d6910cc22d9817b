package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Dispatched("push")
	m.Dispatched("push")
	m.Missed("browser")
	m.BreakerState("fcm", "open")
	m.ObserveTick(5 * time.Millisecond)
	m.Outbox(7, 1)

	if got := testutil.ToFloat64(m.RemindersDispatched.WithLabelValues("push")); got != 2 {
		t.Errorf("expected 2 dispatched, got %v", got)
	}
	if got := testutil.ToFloat64(m.OutboxBacklog.WithLabelValues("pending")); got != 7 {
		t.Errorf("expected 7 pending outbox entries, got %v", got)
	}
	if got := testutil.ToFloat64(m.RemindersMissed.WithLabelValues("browser")); got != 1 {
		t.Errorf("expected 1 missed, got %v", got)
	}
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("fcm")); got != 1 {
		t.Errorf("expected open state 1, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Dispatched("push")
	m.Failed("sms", "transport")
	m.SessionStarted()
	m.BreakerState("x", "open")
	m.Outbox(1, 0)
}
