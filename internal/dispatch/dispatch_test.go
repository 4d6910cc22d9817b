package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drfirst/go-medremind/internal/codec"
	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/internal/notify"
	"github.com/drfirst/go-medremind/pkg/circuitbreaker"
	"github.com/drfirst/go-medremind/pkg/clock"
)

var lisinopril = reminder.Medication{ID: "med-1", Name: "Lisinopril", Dosage: "10mg", FrequencyPerDay: 1}

func occurrenceFor(ch reminder.Channel) reminder.Occurrence {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return reminder.NewOccurrence("patient-1", lisinopril, at, at, ch)
}

type fakeNotifier struct {
	perm  reminder.Permission
	mu    sync.Mutex
	shown []Notification
}

func (f *fakeNotifier) Permission() reminder.Permission { return f.perm }

func (f *fakeNotifier) Show(ctx context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shown = append(f.shown, n)
	return nil
}

type fakeSubs struct {
	sub     reminder.PushSubscription
	active  bool
	expired int32
}

func (f *fakeSubs) ActiveSubscription() (reminder.PushSubscription, bool) { return f.sub, f.active }

func (f *fakeSubs) HandleExpired(ctx context.Context) error {
	atomic.AddInt32(&f.expired, 1)
	return nil
}

type staticContact reminder.Contact

func (c staticContact) Contact() reminder.Contact { return reminder.Contact(c) }

type captureGateway struct {
	msgs []notify.Message
	err  error
}

func (g *captureGateway) Send(ctx context.Context, msg notify.Message) error {
	g.msgs = append(g.msgs, msg)
	return g.err
}

func testSubscription(endpoint string) reminder.PushSubscription {
	return reminder.PushSubscription{
		Endpoint: endpoint,
		Keys: reminder.PushKeys{
			P256dh: base64.RawURLEncoding.EncodeToString(make([]byte, 65)),
			Auth:   base64.RawURLEncoding.EncodeToString([]byte("0123456789abcdef")),
		},
		UserID: "patient-1",
	}
}

func TestRenderer_Default(t *testing.T) {
	n, err := DefaultRenderer().Render(occurrenceFor(reminder.ChannelBrowser))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if n.Title != "Time for Lisinopril" {
		t.Errorf("title = %q", n.Title)
	}
	if n.Body != "Take 10mg of Lisinopril (due 08:00)" {
		t.Errorf("body = %q", n.Body)
	}
	if n.Tag == "" || len(n.Actions) != 2 {
		t.Errorf("expected tag and actions, got %+v", n)
	}

	email, _ := DefaultRenderer().Render(occurrenceFor(reminder.ChannelEmail))
	if len(email.Actions) != 0 {
		t.Errorf("email notifications carry no actions, got %v", email.Actions)
	}
}

func TestRenderer_BadTemplate(t *testing.T) {
	if _, err := NewRenderer("{{.Nope", ""); err == nil {
		t.Error("expected parse error")
	}
}

func TestDispatcher_UnknownChannel(t *testing.T) {
	d := New(nil, NewBrowserHandler(&fakeNotifier{perm: reminder.PermissionGranted}, nil))
	if !d.Has(reminder.ChannelBrowser) || d.Has(reminder.ChannelSMS) {
		t.Fatal("unexpected handler registry")
	}
	err := d.Dispatch(context.Background(), occurrenceFor(reminder.ChannelSMS))
	if !errors.Is(err, reminder.ErrChannelUnavailable) {
		t.Errorf("expected ErrChannelUnavailable, got %v", err)
	}
}

func TestBrowserHandler(t *testing.T) {
	tests := []struct {
		name     string
		notifier LocalNotifier
		wantErr  error
	}{
		{"no api", nil, reminder.ErrChannelUnavailable},
		{"denied", &fakeNotifier{perm: reminder.PermissionDenied}, reminder.ErrPermissionDenied},
		{"not asked", &fakeNotifier{perm: reminder.PermissionDefault}, reminder.ErrPermissionDenied},
		{"granted", &fakeNotifier{perm: reminder.PermissionGranted}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(nil, NewBrowserHandler(tt.notifier, nil))
			err := d.Dispatch(context.Background(), occurrenceFor(reminder.ChannelBrowser))
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				shown := tt.notifier.(*fakeNotifier).shown
				if len(shown) != 1 || shown[0].Tag != occurrenceFor(reminder.ChannelBrowser).DedupKey {
					t.Errorf("unexpected notifications: %+v", shown)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestGatewayHandler(t *testing.T) {
	gw := &captureGateway{}
	contact := staticContact{Email: "pat@example.com"}
	d := New(nil,
		NewGatewayHandler(reminder.ChannelEmail, gw, contact, nil),
		NewGatewayHandler(reminder.ChannelSMS, gw, contact, nil),
	)

	occ := occurrenceFor(reminder.ChannelEmail)
	if err := d.Dispatch(context.Background(), occ); err != nil {
		t.Fatalf("email dispatch: %v", err)
	}
	if len(gw.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(gw.msgs))
	}
	msg := gw.msgs[0]
	if msg.Key != occ.DedupKey || msg.Recipient != "pat@example.com" || msg.Subject != "Time for Lisinopril" {
		t.Errorf("unexpected message: %+v", msg)
	}

	err := d.Dispatch(context.Background(), occurrenceFor(reminder.ChannelSMS))
	if !errors.Is(err, reminder.ErrChannelUnavailable) {
		t.Errorf("missing phone should make sms unavailable, got %v", err)
	}

	gw.err = reminder.ErrRejected
	if err := d.Dispatch(context.Background(), occ); !errors.Is(err, reminder.ErrRejected) {
		t.Errorf("expected gateway error to surface, got %v", err)
	}
}

func TestPushHandler_EncryptsPayload(t *testing.T) {
	var received []byte
	var encoding, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		encoding = r.Header.Get("Content-Encoding")
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sub := testSubscription(srv.URL + "/push/abc")
	subs := &fakeSubs{sub: sub, active: true}
	h := NewPushHandler(subs, NewHTTPPushSender(HTTPPushSenderConfig{}, nil, nil), nil, nil, nil)

	occ := occurrenceFor(reminder.ChannelPush)
	if err := New(nil, h).Dispatch(context.Background(), occ); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if encoding != "aes256gcm" {
		t.Errorf("content encoding = %q", encoding)
	}
	// relay envelope, not a VAPID-signed web push request
	if auth != "" {
		t.Errorf("unexpected authorization header %q", auth)
	}
	if json.Valid(received) {
		t.Fatal("payload must not travel in cleartext")
	}

	key, err := codec.PushKey(sub)
	if err != nil {
		t.Fatalf("push key: %v", err)
	}
	plain, err := codec.Decrypt(received, key)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	var n Notification
	if err := json.Unmarshal(plain, &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n.Tag != occ.DedupKey || n.MedicationID != "med-1" {
		t.Errorf("unexpected payload: %+v", n)
	}
}

func TestPushHandler_NoSubscription(t *testing.T) {
	h := NewPushHandler(&fakeSubs{}, NewHTTPPushSender(HTTPPushSenderConfig{}, nil, nil), nil, nil, nil)
	err := h.Handle(context.Background(), occurrenceFor(reminder.ChannelPush))
	if !errors.Is(err, reminder.ErrNoActiveSubscription) {
		t.Errorf("expected ErrNoActiveSubscription, got %v", err)
	}
}

func TestPushHandler_GoneTriggersResubscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	subs := &fakeSubs{sub: testSubscription(srv.URL), active: true}
	h := NewPushHandler(subs, NewHTTPPushSender(HTTPPushSenderConfig{}, nil, nil), nil, nil, nil)

	err := h.Handle(context.Background(), occurrenceFor(reminder.ChannelPush))
	if !errors.Is(err, reminder.ErrSubscriptionExpired) {
		t.Fatalf("expected ErrSubscriptionExpired, got %v", err)
	}
	if atomic.LoadInt32(&subs.expired) != 1 {
		t.Errorf("expected one resubscribe, got %d", subs.expired)
	}
}

func TestPushHandler_ExpiredLocally(t *testing.T) {
	clk := clock.NewManaged(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	sub := testSubscription("https://push.example.com/x")
	exp := clk.Now().Add(-time.Minute)
	sub.ExpiresAt = &exp
	subs := &fakeSubs{sub: sub, active: true}

	h := NewPushHandler(subs, NewHTTPPushSender(HTTPPushSenderConfig{}, nil, nil), nil, clk, nil)
	err := h.Handle(context.Background(), occurrenceFor(reminder.ChannelPush))
	if !errors.Is(err, reminder.ErrSubscriptionExpired) {
		t.Fatalf("expected ErrSubscriptionExpired, got %v", err)
	}
	if atomic.LoadInt32(&subs.expired) != 1 {
		t.Error("expected resubscribe")
	}
}

func TestPushHandler_BadAuthKey(t *testing.T) {
	sub := testSubscription("https://push.example.com/x")
	sub.Keys.Auth = "!!!"
	h := NewPushHandler(&fakeSubs{sub: sub, active: true}, NewHTTPPushSender(HTTPPushSenderConfig{}, nil, nil), nil, nil, nil)
	err := h.Handle(context.Background(), occurrenceFor(reminder.ChannelPush))
	if !errors.Is(err, reminder.ErrEncryptionFailure) {
		t.Errorf("expected ErrEncryptionFailure, got %v", err)
	}
}

func TestHTTPPushSender_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusCreated, nil},
		{http.StatusNotFound, reminder.ErrSubscriptionExpired},
		{http.StatusGone, reminder.ErrSubscriptionExpired},
		{http.StatusRequestEntityTooLarge, reminder.ErrRejected},
		{http.StatusTooManyRequests, reminder.ErrTransportFailure},
		{http.StatusServiceUnavailable, reminder.ErrTransportFailure},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		s := NewHTTPPushSender(HTTPPushSenderConfig{}, nil, nil)
		err := s.Send(context.Background(), testSubscription(srv.URL), []byte("ct"))
		srv.Close()

		if tt.want == nil && err != nil {
			t.Errorf("status %d: unexpected error %v", tt.status, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("status %d: expected %v, got %v", tt.status, tt.want, err)
		}
	}
}

func TestHTTPPushSender_BreakerPerHost(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := circuitbreaker.DefaultConfig("")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Minute
	cfg.IsSuccessful = BreakerSuccess
	s := NewHTTPPushSender(HTTPPushSenderConfig{}, circuitbreaker.NewManager(cfg, nil), nil)

	sub := testSubscription(srv.URL)
	for i := 0; i < 2; i++ {
		_ = s.Send(context.Background(), sub, []byte("ct"))
	}
	err := s.Send(context.Background(), sub, []byte("ct"))
	if !errors.Is(err, circuitbreaker.ErrOpen) || !errors.Is(err, reminder.ErrTransportFailure) {
		t.Fatalf("expected open breaker as transport failure, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected 2 upstream calls, got %d", calls)
	}
}
