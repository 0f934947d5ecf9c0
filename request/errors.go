// errors.go - workflow-level error taxonomy.
//
// Ledger-level failures (insufficient funds, concurrency, storage) are
// defined in the ledger package and pass through unchanged; this file adds
// the errors specific to request state transitions.
package request

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when an actor attempts a move that
	// is not legal from the request's current status - a double-accept, a
	// confirm on a pending request, any transition out of a terminal
	// status. Surfaced as a stale-state message, never retried.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrRequestNotFound is returned for an unknown request id.
	ErrRequestNotFound = errors.New("request not found")

	// ErrTemporarilyUnavailable is returned after the bounded transparent
	// retry of a lost optimistic-concurrency race is exhausted.
	ErrTemporarilyUnavailable = errors.New("temporarily unavailable, try again")

	// ErrUnbalancedRequest is returned when the transactions referencing a
	// request fail to sum to zero at a terminal transition. It aborts the
	// atomic unit that detected it; money is never left half-settled.
	ErrUnbalancedRequest = errors.New("request transactions do not sum to zero")
)

// ValidationError reports rejected caller input before any storage work.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError reports which move was refused and what the
// request's status was at the time.
type InvalidTransitionError struct {
	RequestID string
	Action    string
	Status    Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s request %s in status %q", e.Action, e.RequestID, e.Status)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
