/*
errors.go - Centralized error types for the ledger core

PURPOSE:
  All ledger error types in one place. Callers classify failures with
  errors.Is against the sentinels; structured errors carry context and
  unwrap to the matching sentinel.

ERROR CATEGORIES:
  1. Guard failures   - InsufficientFunds (user-correctable, surfaced as-is)
  2. Concurrency      - ConcurrentModification (caller retries with a fresh read)
  3. Infrastructure   - StorageUnavailable (surfaced to interactive callers,
                        retried with backoff by background processes)
  4. Invariant breaks - DuplicatePairing, CorruptLedger (never expected;
                        abort the unit of work that detected them)

SEE ALSO:
  - ledger.go: Where the sentinels are produced
  - request/errors.go: Workflow-level error taxonomy
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientFunds is returned when a debit would take a balance
	// below zero. Never retried automatically.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrConcurrentModification is returned when another transaction was
	// appended for the same user between the caller's balance read and its
	// append. The caller must retry with a fresh read.
	ErrConcurrentModification = errors.New("concurrent ledger modification")

	// ErrStorageUnavailable is returned when the ledger cannot be read or
	// written for infrastructure reasons. A balance read never silently
	// returns zero in this case.
	ErrStorageUnavailable = errors.New("ledger storage unavailable")

	// ErrDuplicatePairing is returned when a second transaction with the
	// same pair key is appended. The storage-level uniqueness is the last
	// line of defense for the one-hold/one-refund-per-request rule.
	ErrDuplicatePairing = errors.New("duplicate request pairing")

	// ErrCorruptLedger is returned by the audit walk when a row's
	// BalanceAfter does not equal the previous balance plus its amount.
	ErrCorruptLedger = errors.New("ledger corruption detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError reports a balance shortage at debit time.
type InsufficientFundsError struct {
	UserID    UserID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: available %s, requested %s",
		e.UserID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// CorruptLedgerError pinpoints the first row that breaks the running
// balance invariant.
type CorruptLedgerError struct {
	UserID   UserID
	Seq      int64
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

func (e *CorruptLedgerError) Error() string {
	return fmt.Sprintf("ledger corruption for %s at seq %d: balance_after is %s, expected %s",
		e.UserID, e.Seq, e.Actual, e.Expected)
}

func (e *CorruptLedgerError) Unwrap() error { return ErrCorruptLedger }

// StorageError wraps an infrastructure fault from a store implementation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return ErrStorageUnavailable }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry with a
// fresh read.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is caused by the caller's
// request rather than the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrDuplicatePairing)
}
