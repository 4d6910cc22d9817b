package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/drfirst/go-medremind/internal/dispatch"
	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

// Tab is one connected page. It implements session.Tab, which makes it the
// local notifier, permission requester and push transport of its patient.
type Tab struct {
	id        string
	patientID string
	conn      *websocket.Conn
	writeWait time.Duration
	logger    *zap.Logger

	sendMu sync.Mutex

	mu      sync.Mutex
	perm    reminder.Permission
	pending map[string]chan Frame
	closed  bool
	done    chan struct{}
}

func newTab(patientID string, conn *websocket.Conn, perm reminder.Permission, writeWait time.Duration, logger *zap.Logger) *Tab {
	id := uuid.New().String()
	return &Tab{
		id:        id,
		patientID: patientID,
		conn:      conn,
		writeWait: writeWait,
		logger:    logger.With(zap.String("tab_id", id)),
		perm:      perm,
		pending:   make(map[string]chan Frame),
		done:      make(chan struct{}),
	}
}

func (t *Tab) ID() string { return t.id }

// PatientID returns the authenticated patient of the tab
func (t *Tab) PatientID() string { return t.patientID }

func (t *Tab) Permission() reminder.Permission {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perm
}

func (t *Tab) setPermission(p reminder.Permission) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.perm = p
}

// Show sends a notify frame and waits for the tab to confirm it displayed
// the notification.
func (t *Tab) Show(ctx context.Context, n dispatch.Notification) error {
	_, err := t.call(ctx, Frame{Type: FrameNotify, Notification: &n})
	return err
}

// RequestPermission prompts the user in this tab
func (t *Tab) RequestPermission(ctx context.Context) (reminder.Permission, error) {
	res, err := t.call(ctx, Frame{Type: FrameRPC, Method: MethodRequestPermission})
	if res.Permission != "" {
		t.setPermission(res.Permission)
	}
	if err != nil {
		return t.Permission(), err
	}
	return t.Permission(), nil
}

// Subscribe asks the tab's push manager for a subscription
func (t *Tab) Subscribe(ctx context.Context, vapidPublicKey string) (reminder.PushSubscription, error) {
	res, err := t.call(ctx, Frame{Type: FrameRPC, Method: MethodPushSubscribe, VAPIDPublicKey: vapidPublicKey})
	if err != nil {
		return reminder.PushSubscription{}, err
	}
	if res.Subscription == nil {
		return reminder.PushSubscription{}, fmt.Errorf("%w: tab returned no subscription", reminder.ErrTransportFailure)
	}
	sub := *res.Subscription
	sub.UserID = t.patientID
	return sub, nil
}

// Unsubscribe removes the tab's push subscription
func (t *Tab) Unsubscribe(ctx context.Context) error {
	_, err := t.call(ctx, Frame{Type: FrameRPC, Method: MethodPushUnsubscribe})
	return err
}

// call sends f with a fresh id and waits for the matching rpc_result
func (t *Tab) call(ctx context.Context, f Frame) (Frame, error) {
	f.ID = uuid.New().String()
	reply := make(chan Frame, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Frame{}, fmt.Errorf("%w: tab disconnected", reminder.ErrTransportFailure)
	}
	t.pending[f.ID] = reply
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, f.ID)
		t.mu.Unlock()
	}()

	if err := t.send(f); err != nil {
		return Frame{}, err
	}

	select {
	case res := <-reply:
		return res, resultError(res)
	case <-t.done:
		return Frame{}, fmt.Errorf("%w: tab disconnected", reminder.ErrTransportFailure)
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// resolve hands an rpc_result to its waiting call
func (t *Tab) resolve(f Frame) {
	t.mu.Lock()
	reply, ok := t.pending[f.ID]
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("rpc result without pending call", zap.String("id", f.ID))
		return
	}
	select {
	case reply <- f:
	default:
		t.logger.Debug("duplicate rpc result", zap.String("id", f.ID))
	}
}

func (t *Tab) send(f Frame) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if t.writeWait > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	}
	if err := websocket.JSON.Send(t.conn, f); err != nil {
		return fmt.Errorf("%w: send %s frame: %v", reminder.ErrTransportFailure, f.Type, err)
	}
	return nil
}

// close fails every pending call
func (t *Tab) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.done)
}
