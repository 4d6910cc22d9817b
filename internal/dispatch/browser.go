package dispatch

import (
	"context"
	"fmt"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

// LocalNotifier shows a notification on the patient's device
type LocalNotifier interface {
	Permission() reminder.Permission
	Show(ctx context.Context, n Notification) error
}

// BrowserHandler delivers through the local notification API
type BrowserHandler struct {
	notifier LocalNotifier
	renderer *Renderer
}

func NewBrowserHandler(notifier LocalNotifier, renderer *Renderer) *BrowserHandler {
	if renderer == nil {
		renderer = DefaultRenderer()
	}
	return &BrowserHandler{notifier: notifier, renderer: renderer}
}

func (h *BrowserHandler) Channel() reminder.Channel { return reminder.ChannelBrowser }

func (h *BrowserHandler) Handle(ctx context.Context, occ reminder.Occurrence) error {
	if h.notifier == nil {
		return fmt.Errorf("%w: local notifications not supported", reminder.ErrChannelUnavailable)
	}
	if perm := h.notifier.Permission(); perm != reminder.PermissionGranted {
		return fmt.Errorf("%w: notification permission is %s", reminder.ErrPermissionDenied, perm)
	}
	n, err := h.renderer.Render(occ)
	if err != nil {
		return err
	}
	return h.notifier.Show(ctx, n)
}
