package event

import (
	"errors"
	"fmt"
)

// Sentinel errors for event store operations.
var (
	// ErrNotFound indicates an event doesn't exist.
	ErrNotFound = errors.New("event not found")

	// ErrNotClaimable indicates an event is not PENDING and cannot be claimed.
	ErrNotClaimable = errors.New("event not claimable")

	// ErrConflict indicates a compare-and-swap save lost to another writer.
	ErrConflict = errors.New("event status conflict")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("event store closed")

	// ErrInvalidTransition is wrapped by TransitionError.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TransitionError reports a state machine transition that is not allowed.
type TransitionError struct {
	EventID int64
	From    Status
	To      Status
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %d: cannot move from %s to %s", e.EventID, e.From, e.To)
}

// Unwrap returns ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
