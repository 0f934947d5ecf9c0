/*
store.go - Persistence interface for credit transactions

PURPOSE:
  Defines the contract between the ledger core and the database. The Store
  handles persistence while maintaining append-only semantics; the ledger
  never updates or deletes a row.

APPEND-ONLY CONTRACT:
  - AppendTransaction(): the ONLY write operation
  - No Update() or Delete() methods exist
  - Corrections are made with compensating transactions

OPTIMISTIC CONCURRENCY:
  AppendTransaction conditions the insert on (user_id, seq) uniqueness.
  The caller computes Seq = head + 1 from a fresh read inside the same
  atomic unit; if another writer appended in between, the insert fails
  with ErrConcurrentModification and the caller retries from the read.
  This is what prevents two concurrent holds from both passing a stale
  sufficient-funds check.

IMPLEMENTATIONS:
  - store/sqlite:   production single-node deployments
  - store/postgres: multi-process deployments (pgx)
  - store/memory:   tests and local development
*/
package ledger

import "context"

// Store handles persistence of credit transactions. Append-only.
type Store interface {
	// AppendTransaction persists a transaction whose Seq must be exactly
	// one past the user's current head. Fails with
	// ErrConcurrentModification if that position is already taken and
	// ErrDuplicatePairing if the pair key already exists.
	AppendTransaction(ctx context.Context, tx CreditTransaction) error

	// LedgerHead returns the sequence number and running balance of the
	// user's most recent transaction. The zero Head means no history.
	LedgerHead(ctx context.Context, userID UserID) (Head, error)

	// Transactions returns the user's full log ordered by Seq ascending.
	Transactions(ctx context.Context, userID UserID) ([]CreditTransaction, error)

	// TransactionPage returns one page of the user's log matching the
	// filter, ordered by Seq descending (most recent first), along with
	// the token for the next page. A zero token means the log is
	// exhausted. Paging by sequence token makes the scan restartable.
	TransactionPage(ctx context.Context, userID UserID, f Filter) ([]CreditTransaction, int64, error)

	// TransactionsByRequest returns every transaction referencing the
	// given purchase request, across all users. Used to assert the
	// zero-sum pairing rule at terminal transitions.
	TransactionsByRequest(ctx context.Context, requestID string) ([]CreditTransaction, error)
}

// Filter narrows a transaction history page.
type Filter struct {
	// Kinds restricts the page to the listed kinds. Empty means all.
	Kinds []Kind

	// BeforeSeq is the page token: only rows with Seq strictly below it
	// are returned. Zero means start from the head.
	BeforeSeq int64

	// Limit caps the page size. Implementations apply a default when 0.
	Limit int
}

// Matches reports whether a transaction passes the kind filter.
func (f Filter) Matches(tx CreditTransaction) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if tx.Kind == k {
			return true
		}
	}
	return false
}

// DefaultPageSize is applied by stores when Filter.Limit is zero.
const DefaultPageSize = 50
