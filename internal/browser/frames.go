// Package browser connects patient browser tabs over a websocket. Each tab is
// the local notification API, the permission prompt and the push subscription
// API of one page; the server drives them with RPC frames.
package browser

import (
	"errors"
	"fmt"

	"github.com/drfirst/go-medremind/internal/dispatch"
	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

// Frame types
const (
	// client to server
	FrameHello      = "hello"
	FrameRPCResult  = "rpc_result"
	FrameSnooze     = "snooze"
	FramePermission = "permission"
	FramePing       = "ping"

	// server to client
	FrameWelcome = "welcome"
	FrameNotify  = "notify"
	FrameRPC     = "rpc"
	FrameSnoozed = "snoozed"
	FramePong    = "pong"
	FrameError   = "error"
)

// RPC methods sent in rpc frames
const (
	MethodRequestPermission = "request_permission"
	MethodPushSubscribe     = "push_subscribe"
	MethodPushUnsubscribe   = "push_unsubscribe"
)

// Error codes a tab reports in rpc_result frames
const (
	CodePermissionDenied = "permission_denied"
	CodeUnsupported      = "unsupported"
	CodeFailed           = "failed"
)

// Frame is the single message shape in both directions. Only the fields of
// the frame's type are set.
type Frame struct {
	Type string `json:"type"`
	// ID correlates rpc and notify frames with their rpc_result
	ID     string `json:"id,omitempty"`
	Method string `json:"method,omitempty"`

	TabID          string                     `json:"tab_id,omitempty"`
	Permission     reminder.Permission        `json:"permission,omitempty"`
	Notification   *dispatch.Notification     `json:"notification,omitempty"`
	VAPIDPublicKey string                     `json:"vapid_public_key,omitempty"`
	Subscription   *reminder.PushSubscription `json:"subscription,omitempty"`
	DedupKey       string                     `json:"dedup_key,omitempty"`
	Occurrence     *reminder.Occurrence       `json:"occurrence,omitempty"`

	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// resultError maps a failed rpc_result to the delivery error taxonomy
func resultError(f Frame) error {
	if f.ErrorCode == "" && f.Error == "" {
		return nil
	}
	msg := f.Error
	if msg == "" {
		msg = f.ErrorCode
	}
	switch f.ErrorCode {
	case CodePermissionDenied:
		return fmt.Errorf("%w: %s", reminder.ErrPermissionDenied, msg)
	case CodeUnsupported:
		return fmt.Errorf("%w: %s", reminder.ErrChannelUnavailable, msg)
	default:
		return fmt.Errorf("%w: %s", reminder.ErrTransportFailure, msg)
	}
}

// errorCode classifies err for an error frame sent to the tab
func errorCode(err error) string {
	switch {
	case errors.Is(err, reminder.ErrValidationFailure):
		return "invalid"
	case errors.Is(err, reminder.ErrPermissionDenied):
		return CodePermissionDenied
	default:
		return CodeFailed
	}
}
