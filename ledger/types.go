/*
Package ledger provides the credit ledger core.

PURPOSE:
  This package contains the types and algorithms for tracking user credit
  balances in the marketplace. Every monetary movement - a top-up, a hold
  placed against a purchase request, a refund, a payout - is an immutable
  CreditTransaction appended to a per-user log. Balance is always a value
  derived from that log, never an independently mutable field.

KEY CONCEPTS IN THIS FILE (types.go):
  - CreditTransaction: An immutable ledger entry with a signed amount
  - Kind: What the movement represents (deposit, hold, refund, payout, ...)
  - Seq: Per-user sequence number used for optimistic concurrency
  - BalanceAfter: Running balance snapshot captured at insertion time

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified or deleted
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Auditability: Every row carries the running balance it produced, so
     the whole history is verifiable row by row
  4. Single source of truth: balance(user) = sum of amounts for that user

SEE ALSO:
  - ledger.go: Append rules and the optimistic-concurrency contract
  - balance.go: Balance reads, caching, and the audit walk
  - store.go: Persistence interface
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string

type TransactionID string

// =============================================================================
// TRANSACTION KIND
// =============================================================================

type Kind string

const (
	KindDeposit    Kind = "deposit"    // Manual top-up (card, transfer, admin credit)
	KindWithdrawal Kind = "withdrawal" // Manual withdrawal to an external destination
	KindHold       Kind = "hold"       // Funds reserved against a pending purchase request
	KindRelease    Kind = "release"    // Operator unwind of a hold outside the normal flow
	KindRefund     Kind = "refund"     // Hold returned after rejection or response expiry
	KindPayout     Kind = "payout"     // Held funds (minus commission) credited to the publisher
	KindCommission Kind = "commission" // Platform share of a confirmed request
)

// =============================================================================
// CREDIT TRANSACTION - Atomic change to a user balance
// =============================================================================

// CreditTransaction is one immutable row of the ledger. Amount is signed:
// positive credits the user, negative debits them.
//
// Seq is the position of the row within the user's log, starting at 1.
// Appends are conditioned on Seq being exactly one past the user's current
// head; a conflict means another writer got there first.
//
// BalanceAfter is the running balance at insertion time. For any user the
// rows ordered by Seq must satisfy
//
//	BalanceAfter(n) = BalanceAfter(n-1) + Amount(n)
//
// which is what makes the ledger an audit trail rather than just a log.
type CreditTransaction struct {
	ID           TransactionID
	UserID       UserID
	Seq          int64
	Kind         Kind
	Amount       decimal.Decimal
	BalanceAfter decimal.Decimal

	// ReferenceRequestID links the row to a purchase request. Empty for
	// manual movements (deposits, withdrawals, operator releases).
	ReferenceRequestID string

	// PairKey enforces the at-most-once pairing rule at the storage level:
	// a request can have at most one hold, one refund, one payout and one
	// commission row. Empty for manual movements.
	PairKey string

	Description string
	CreatedAt   time.Time
}

// IsDebit reports whether the row decreases the user's balance.
func (t CreditTransaction) IsDebit() bool { return t.Amount.IsNegative() }

// IsManual reports whether the row is unlinked to any purchase request.
func (t CreditTransaction) IsManual() bool { return t.ReferenceRequestID == "" }

// Head is the position of a user's log: the sequence number and running
// balance of the most recent transaction. The zero Head (Seq 0, balance 0)
// describes a user with no ledger history.
type Head struct {
	Seq     int64
	Balance decimal.Decimal
}
