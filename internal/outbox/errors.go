package outbox

import "errors"

// Outbox errors.
var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrUnknownKind    = errors.New("unknown work item kind")
	ErrDrainPanic     = errors.New("drain panicked")
)
