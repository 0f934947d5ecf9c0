/*
balance.go - Balance reads and the audit walk

PURPOSE:
  A user's balance is not a stored field. It is defined as the sum of
  every transaction amount for that user, and the head row's BalanceAfter
  is that sum as long as the running-balance invariant holds. This file
  provides the read path over that definition plus the audit walk that
  re-verifies the invariant row by row.

CACHING:
  Any stored balance is only a cache of the fold. The BalanceService reads
  an attached cache first; the Ledger invalidates it on every append, and
  Audit can always reconcile the cache against the log. Cache failures
  degrade to a store read, never to a wrong answer.

FAILURE:
  Available fails with ErrStorageUnavailable when the ledger cannot be
  read. It never silently returns zero.
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// BalanceCache is an invalidatable store for derived balances. Implemented
// by cache.RedisBalanceCache; nil disables caching.
type BalanceCache interface {
	// Get returns the cached balance and whether it was present.
	Get(ctx context.Context, userID UserID) (decimal.Decimal, bool, error)

	// Set records a freshly derived balance.
	Set(ctx context.Context, userID UserID, balance decimal.Decimal) error

	// Invalidate drops the entry after a ledger append.
	Invalidate(ctx context.Context, userID UserID) error
}

// BalanceService derives current balances from the ledger fold.
type BalanceService struct {
	store Store
	cache BalanceCache
}

func NewBalanceService(store Store, cache BalanceCache) *BalanceService {
	return &BalanceService{store: store, cache: cache}
}

// Available returns the user's current balance. A user with no history has
// balance zero; a storage fault is an error, never a silent zero.
//
// Available is a read-path convenience only. Debit authorization never
// goes through here - it happens on a fresh head read inside the same
// atomic unit as the write (see Ledger.Append).
func (b *BalanceService) Available(ctx context.Context, userID UserID) (decimal.Decimal, error) {
	if b.cache != nil {
		if cached, ok, err := b.cache.Get(ctx, userID); err == nil && ok {
			return cached, nil
		}
	}

	head, err := b.store.LedgerHead(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}

	if b.cache != nil {
		// Best effort; a failed Set just means the next read hits the store.
		_ = b.cache.Set(ctx, userID, head.Balance)
	}
	return head.Balance, nil
}

// Audit replays the user's full log and verifies that sequence numbers are
// contiguous and every BalanceAfter equals the previous balance plus the
// row's amount. Returns the final balance on success and a
// CorruptLedgerError pinpointing the first bad row otherwise.
func (b *BalanceService) Audit(ctx context.Context, userID UserID) (decimal.Decimal, error) {
	txs, err := b.store.Transactions(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}

	running := decimal.Zero
	for i, tx := range txs {
		if tx.Seq != int64(i)+1 {
			return decimal.Zero, &CorruptLedgerError{
				UserID:   userID,
				Seq:      tx.Seq,
				Expected: running,
				Actual:   tx.BalanceAfter,
			}
		}
		running = running.Add(tx.Amount)
		if !tx.BalanceAfter.Equal(running) {
			return decimal.Zero, &CorruptLedgerError{
				UserID:   userID,
				Seq:      tx.Seq,
				Expected: running,
				Actual:   tx.BalanceAfter,
			}
		}
	}
	return running, nil
}
