package reminder

import "errors"

var (
	// ErrPermissionDenied is returned when the patient declined notifications
	ErrPermissionDenied = errors.New("notification permission denied")
	// ErrSubscriptionExpired is returned when the push service no longer accepts the subscription
	ErrSubscriptionExpired = errors.New("push subscription expired")
	// ErrTransportFailure wraps network and provider failures
	ErrTransportFailure = errors.New("transport failure")
	// ErrEncryptionFailure is returned by the payload codec
	ErrEncryptionFailure = errors.New("payload encryption failure")
	// ErrValidationFailure is returned for malformed tokens and requests
	ErrValidationFailure = errors.New("validation failure")
	// ErrChannelUnavailable is returned when the local channel API is absent
	ErrChannelUnavailable = errors.New("channel unavailable")
	// ErrNoActiveSubscription is returned by the push channel without a synced subscription
	ErrNoActiveSubscription = errors.New("no active push subscription")
	// ErrRejected is returned when a gateway refuses a message
	ErrRejected = errors.New("message rejected by gateway")
)
