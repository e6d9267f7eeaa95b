package errors

import "errors"

// Domain errors for the realtime fan-out layer. Realtime delivery is
// best-effort, so most of these are logged rather than propagated.
var (
	// Broker
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrBrokerClosed      = errors.New("broker connection closed")

	// Gateway
	ErrInvalidAuthPayload = errors.New("invalid auth payload")

	// Event validation
	ErrUnknownEventKind = errors.New("unknown event kind")
	ErrTargetRequired   = errors.New("event target is required")
)
