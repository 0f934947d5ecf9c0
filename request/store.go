/*
store.go - Persistence contracts for the request workflow

PURPOSE:
  Defines the conditional-write primitive every transition relies on, and
  the combined Storage view the Lifecycle Manager needs: request rows and
  ledger rows mutated together inside one atomic unit.

CONDITIONAL WRITES:
  UpdateRequestStatus is a compare-and-swap over the request row: the
  write only happens if the status is still what the caller read. Combined
  with the ledger's sequence check this is the whole concurrency story -
  no process-local locks are held across storage I/O, so the manager is
  safe across multiple processes.

IMPLEMENTATIONS:
  - store/sqlite, store/postgres, store/memory implement Storage.
*/
package request

import (
	"context"
	"time"

	"github.com/linkmarket/purchase-engine/ledger"
)

// Store handles persistence of purchase requests.
type Store interface {
	// InsertRequest persists a new pending request.
	InsertRequest(ctx context.Context, r *LinkPurchaseRequest) error

	// GetRequest returns a request by id, or ErrRequestNotFound.
	GetRequest(ctx context.Context, id string) (*LinkPurchaseRequest, error)

	// UpdateRequestStatus writes r's mutable fields conditioned on the
	// stored status still being `from` (compare-and-swap). Fails with
	// ErrInvalidTransition when the condition does not hold and
	// ErrRequestNotFound when the row is missing.
	UpdateRequestStatus(ctx context.Context, r *LinkPurchaseRequest, from Status) error

	// RequestsByAdvertiser returns an advertiser's requests, newest first.
	RequestsByAdvertiser(ctx context.Context, userID ledger.UserID) ([]LinkPurchaseRequest, error)

	// RequestsByPublisher returns a publisher's inbound requests, newest first.
	RequestsByPublisher(ctx context.Context, userID ledger.UserID) ([]LinkPurchaseRequest, error)

	// ExpiredPending returns pending requests whose response deadline has
	// passed as of `asOf`, oldest deadline first, capped at limit.
	ExpiredPending(ctx context.Context, asOf time.Time, limit int) ([]LinkPurchaseRequest, error)

	// ExpiredAccepted returns accepted requests whose confirmation
	// deadline has passed as of `asOf`, oldest deadline first, capped at
	// limit.
	ExpiredAccepted(ctx context.Context, asOf time.Time, limit int) ([]LinkPurchaseRequest, error)
}

// Storage is the combined view the Lifecycle Manager operates on: ledger
// rows and request rows behind one atomic-unit primitive.
type Storage interface {
	ledger.Store
	Store

	// WithTx executes fn inside one atomic unit. If fn returns an error
	// the whole unit rolls back - a transition either fully commits or
	// leaves no trace.
	WithTx(ctx context.Context, fn func(Storage) error) error
}
