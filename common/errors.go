package common

import (
	"errors"
	"fmt"
)

// ErrMalformedMessage indicates a queue message whose payload could not be
// deserialized. The message is negatively acknowledged; reprocessing cannot
// succeed, so it rides its receive limit to the broker's dead-letter path.
var ErrMalformedMessage = errors.New("malformed message payload")

// ErrNoLiveSession indicates a dispatch target subject has no live session.
// This is not a delivery failure; the event is routed to the offline buffer.
var ErrNoLiveSession = errors.New("no live session for subject")

// SessionPushError a write failure against one client session. Isolated to
// that session; sibling sessions and the message acknowledgement are not
// affected.
type SessionPushError struct {
	SessionID string
	Err       error
}

// Error implement error
func (e *SessionPushError) Error() string {
	return fmt.Sprintf("push to session %s failed: %s", e.SessionID, e.Err)
}

// Unwrap support errors.Is / errors.As
func (e *SessionPushError) Unwrap() error {
	return e.Err
}

// RegistryInvariantViolation an internal bug class. The connection registry
// index can no longer be trusted once this is observed.
type RegistryInvariantViolation struct {
	Invariant string
}

// Error implement error
func (e *RegistryInvariantViolation) Error() string {
	return fmt.Sprintf("registry invariant violated: %s", e.Invariant)
}
