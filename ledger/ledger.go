/*
ledger.go - Append rules for the credit ledger

PURPOSE:
  The Ledger is the single writer interface over a Store. It owns the
  read-check-append discipline: every movement reads the user's head
  inside the same atomic unit as the write, assigns the next sequence
  number, computes the running balance, and lets the store's conditional
  insert arbitrate races.

WHY NO LOCKS:
  The ledger may be driven from several processes at once (API nodes plus
  the expiry sweeper), so coordination happens through the store's
  conditional write, never through process-local mutexes. A lost race
  surfaces as ErrConcurrentModification and the caller repeats the whole
  read-check-append from a fresh head.

MANUAL MOVEMENTS:
  Deposit and Withdraw are the operator/advertiser-facing entry points for
  movements with no purchase request attached. They retry a lost race a
  bounded number of times themselves because there is no larger atomic
  unit around them to do it.

SEE ALSO:
  - store.go: The conditional-insert contract
  - request/lifecycle.go: Request-linked movements (hold, refund, payout)
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// manualRetries bounds the transparent retry of a lost append race in
// Deposit/Withdraw before the failure is surfaced.
const manualRetries = 3

type Ledger struct {
	store Store
	cache BalanceCache // optional; invalidated on every append
	now   func() time.Time
}

func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// WithCache attaches a balance cache that is invalidated on every append.
func (l *Ledger) WithCache(c BalanceCache) *Ledger {
	l.cache = c
	return l
}

// WithClock overrides the transaction timestamp source (tests).
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// =============================================================================
// ENTRY - What a caller wants appended
// =============================================================================

// Entry describes a movement before it is sequenced. Amount is signed.
type Entry struct {
	UserID             UserID
	Kind               Kind
	Amount             decimal.Decimal
	ReferenceRequestID string
	PairKey            string
	Description        string
}

// =============================================================================
// APPEND - One read-check-append attempt
// =============================================================================

// Append performs a single read-check-append attempt and returns the
// written transaction. Debits are gated on the fresh head balance; a
// shortfall fails with InsufficientFundsError. A lost race fails with
// ErrConcurrentModification and is NOT retried here - the caller owns the
// retry because the append usually sits inside a larger atomic unit.
func (l *Ledger) Append(ctx context.Context, e Entry) (CreditTransaction, error) {
	if e.Amount.IsZero() {
		return CreditTransaction{}, fmt.Errorf("ledger append: zero amount for %s", e.UserID)
	}

	head, err := l.store.LedgerHead(ctx, e.UserID)
	if err != nil {
		return CreditTransaction{}, err
	}

	balanceAfter := head.Balance.Add(e.Amount)
	if e.Amount.IsNegative() && balanceAfter.IsNegative() {
		return CreditTransaction{}, &InsufficientFundsError{
			UserID:    e.UserID,
			Available: head.Balance,
			Requested: e.Amount.Neg(),
		}
	}

	tx := CreditTransaction{
		ID:                 TransactionID(uuid.NewString()),
		UserID:             e.UserID,
		Seq:                head.Seq + 1,
		Kind:               e.Kind,
		Amount:             e.Amount,
		BalanceAfter:       balanceAfter,
		ReferenceRequestID: e.ReferenceRequestID,
		PairKey:            e.PairKey,
		Description:        e.Description,
		CreatedAt:          l.now().UTC(),
	}

	if err := l.store.AppendTransaction(ctx, tx); err != nil {
		return CreditTransaction{}, err
	}
	l.invalidate(ctx, e.UserID)
	return tx, nil
}

// =============================================================================
// MANUAL MOVEMENTS - deposits and withdrawals
// =============================================================================

// Deposit credits a user outside any purchase request. The origin (card,
// transfer, admin manual credit) is description metadata, not core logic.
func (l *Ledger) Deposit(ctx context.Context, userID UserID, amount decimal.Decimal, description string) (CreditTransaction, error) {
	if !amount.IsPositive() {
		return CreditTransaction{}, fmt.Errorf("deposit amount must be positive, got %s", amount)
	}
	return l.appendWithRetry(ctx, Entry{
		UserID:      userID,
		Kind:        KindDeposit,
		Amount:      amount,
		Description: description,
	})
}

// Withdraw debits a user outside any purchase request. Fails with
// InsufficientFundsError when the balance does not cover the amount.
func (l *Ledger) Withdraw(ctx context.Context, userID UserID, amount decimal.Decimal, description string) (CreditTransaction, error) {
	if !amount.IsPositive() {
		return CreditTransaction{}, fmt.Errorf("withdrawal amount must be positive, got %s", amount)
	}
	return l.appendWithRetry(ctx, Entry{
		UserID:      userID,
		Kind:        KindWithdrawal,
		Amount:      amount.Neg(),
		Description: description,
	})
}

func (l *Ledger) appendWithRetry(ctx context.Context, e Entry) (CreditTransaction, error) {
	var lastErr error
	for attempt := 0; attempt < manualRetries; attempt++ {
		tx, err := l.Append(ctx, e)
		if err == nil {
			return tx, nil
		}
		if !IsRetryable(err) {
			return CreditTransaction{}, err
		}
		lastErr = err
	}
	return CreditTransaction{}, lastErr
}

// =============================================================================
// HISTORY
// =============================================================================

// History returns one page of the user's transactions, most recent first,
// with the token for the next page. Zero token means exhausted.
func (l *Ledger) History(ctx context.Context, userID UserID, f Filter) ([]CreditTransaction, int64, error) {
	return l.store.TransactionPage(ctx, userID, f)
}

func (l *Ledger) invalidate(ctx context.Context, userID UserID) {
	if l.cache == nil {
		return
	}
	// Cache failures never fail the append; the cache is advisory.
	_ = l.cache.Invalidate(ctx, userID)
}
