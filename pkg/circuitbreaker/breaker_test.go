package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errRemote = errors.New("remote down")
var errClient = errors.New("subscription gone")

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cfg := DefaultConfig("push.example")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	cfg.OnStateChange = func(name string, from, to State) { transitions = append(transitions, to) }

	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := cb.Execute(context.Background(), func() (interface{}, error) { return nil, errRemote }); !errors.Is(err, errRemote) {
			t.Fatalf("attempt %d: expected remote error, got %v", i, err)
		}
	}
	if !cb.IsOpen() {
		t.Fatal("expected breaker to be open")
	}

	called := false
	_, err = cb.Execute(context.Background(), func() (interface{}, error) {
		called = true
		return nil, nil
	})
	if !errors.Is(err, ErrOpen) || called {
		t.Errorf("expected rejection without call, got err=%v called=%v", err, called)
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("unexpected transitions: %v", transitions)
	}
}

func TestBreakerIgnoresClassifiedErrors(t *testing.T) {
	cfg := DefaultConfig("gateway")
	cfg.FailureThreshold = 2
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, errClient) }

	cb, _ := New(cfg, nil)
	for i := 0; i < 5; i++ {
		_, err := cb.Execute(context.Background(), func() (interface{}, error) { return nil, errClient })
		if !errors.Is(err, errClient) {
			t.Fatalf("expected the call's own error, got %v", err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Errorf("classified errors tripped the breaker")
	}
}

func TestManagerReusesBreakers(t *testing.T) {
	m := NewManager(DefaultConfig(""), nil)

	a, _ := m.GetOrCreate("fcm.googleapis.com")
	b, _ := m.GetOrCreate("fcm.googleapis.com")
	c, _ := m.GetOrCreate("updates.push.services.mozilla.com")
	if a != b || a == c {
		t.Fatal("manager must return one breaker per name")
	}
	if a.Name() != "fcm.googleapis.com" {
		t.Errorf("unexpected name %q", a.Name())
	}

	v, err := m.Execute(context.Background(), "fcm.googleapis.com", func() (interface{}, error) { return 7, nil })
	if err != nil || v.(int) != 7 {
		t.Errorf("unexpected execute result %v %v", v, err)
	}
	if len(m.GetHealthStatus()) != 2 {
		t.Errorf("expected 2 statuses")
	}
}
