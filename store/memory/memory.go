// Package memory provides an in-memory Storage implementation for tests
// and local development. Atomic units are simulated with a snapshot taken
// under the store lock and restored when the unit fails.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linkmarket/purchase-engine/ledger"
	"github.com/linkmarket/purchase-engine/request"
)

type Store struct {
	mu       sync.RWMutex
	txs      map[ledger.UserID][]ledger.CreditTransaction
	byReq    map[string][]ledger.CreditTransaction
	pairKeys map[string]bool
	requests map[string]request.LinkPurchaseRequest
}

func New() *Store {
	return &Store{
		txs:      make(map[ledger.UserID][]ledger.CreditTransaction),
		byReq:    make(map[string][]ledger.CreditTransaction),
		pairKeys: make(map[string]bool),
		requests: make(map[string]request.LinkPurchaseRequest),
	}
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (s *Store) AppendTransaction(_ context.Context, tx ledger.CreditTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(tx)
}

func (s *Store) appendLocked(tx ledger.CreditTransaction) error {
	log := s.txs[tx.UserID]
	if tx.Seq != int64(len(log))+1 {
		return ledger.ErrConcurrentModification
	}
	if tx.PairKey != "" && s.pairKeys[tx.PairKey] {
		return ledger.ErrDuplicatePairing
	}

	s.txs[tx.UserID] = append(log, tx)
	if tx.PairKey != "" {
		s.pairKeys[tx.PairKey] = true
	}
	if tx.ReferenceRequestID != "" {
		s.byReq[tx.ReferenceRequestID] = append(s.byReq[tx.ReferenceRequestID], tx)
	}
	return nil
}

func (s *Store) LedgerHead(_ context.Context, userID ledger.UserID) (ledger.Head, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.headLocked(userID), nil
}

func (s *Store) headLocked(userID ledger.UserID) ledger.Head {
	log := s.txs[userID]
	if len(log) == 0 {
		return ledger.Head{}
	}
	last := log[len(log)-1]
	return ledger.Head{Seq: last.Seq, Balance: last.BalanceAfter}
}

func (s *Store) Transactions(_ context.Context, userID ledger.UserID) ([]ledger.CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transactionsLocked(userID), nil
}

func (s *Store) transactionsLocked(userID ledger.UserID) []ledger.CreditTransaction {
	out := make([]ledger.CreditTransaction, len(s.txs[userID]))
	copy(out, s.txs[userID])
	return out
}

func (s *Store) TransactionPage(_ context.Context, userID ledger.UserID, f ledger.Filter) ([]ledger.CreditTransaction, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pageLocked(userID, f)
}

func (s *Store) pageLocked(userID ledger.UserID, f ledger.Filter) ([]ledger.CreditTransaction, int64, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = ledger.DefaultPageSize
	}

	log := s.txs[userID]
	var page []ledger.CreditTransaction
	var next int64

	// Walk from the head downwards; the token is the last seq seen.
	for i := len(log) - 1; i >= 0; i-- {
		tx := log[i]
		if f.BeforeSeq > 0 && tx.Seq >= f.BeforeSeq {
			continue
		}
		if !f.Matches(tx) {
			continue
		}
		if len(page) == limit {
			next = page[len(page)-1].Seq
			break
		}
		page = append(page, tx)
	}
	return page, next, nil
}

func (s *Store) TransactionsByRequest(_ context.Context, requestID string) ([]ledger.CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byRequestLocked(requestID), nil
}

func (s *Store) byRequestLocked(requestID string) []ledger.CreditTransaction {
	out := make([]ledger.CreditTransaction, len(s.byReq[requestID]))
	copy(out, s.byReq[requestID])
	return out
}

// =============================================================================
// REQUEST STORE (request.Store interface)
// =============================================================================

func (s *Store) InsertRequest(_ context.Context, r *request.LinkPurchaseRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertRequestLocked(r)
}

func (s *Store) insertRequestLocked(r *request.LinkPurchaseRequest) error {
	s.requests[r.ID] = *r
	return nil
}

func (s *Store) GetRequest(_ context.Context, id string) (*request.LinkPurchaseRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRequestLocked(id)
}

func (s *Store) getRequestLocked(id string) (*request.LinkPurchaseRequest, error) {
	r, ok := s.requests[id]
	if !ok {
		return nil, request.ErrRequestNotFound
	}
	return &r, nil
}

func (s *Store) UpdateRequestStatus(_ context.Context, r *request.LinkPurchaseRequest, from request.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRequestLocked(r, from)
}

func (s *Store) updateRequestLocked(r *request.LinkPurchaseRequest, from request.Status) error {
	cur, ok := s.requests[r.ID]
	if !ok {
		return request.ErrRequestNotFound
	}
	if cur.Status != from {
		return request.ErrInvalidTransition
	}
	s.requests[r.ID] = *r
	return nil
}

func (s *Store) RequestsByAdvertiser(_ context.Context, userID ledger.UserID) ([]request.LinkPurchaseRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterRequestsLocked(func(r request.LinkPurchaseRequest) bool {
		return r.AdvertiserID == userID
	}), nil
}

func (s *Store) RequestsByPublisher(_ context.Context, userID ledger.UserID) ([]request.LinkPurchaseRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterRequestsLocked(func(r request.LinkPurchaseRequest) bool {
		return r.PublisherID == userID
	}), nil
}

func (s *Store) filterRequestsLocked(keep func(request.LinkPurchaseRequest) bool) []request.LinkPurchaseRequest {
	var out []request.LinkPurchaseRequest
	for _, r := range s.requests {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *Store) ExpiredPending(_ context.Context, asOf time.Time, limit int) ([]request.LinkPurchaseRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiredLocked(asOf, limit, func(r request.LinkPurchaseRequest) (bool, time.Time) {
		return r.Status == request.StatusPending && r.ResponseDeadline.Before(asOf), r.ResponseDeadline
	}), nil
}

func (s *Store) ExpiredAccepted(_ context.Context, asOf time.Time, limit int) ([]request.LinkPurchaseRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiredLocked(asOf, limit, func(r request.LinkPurchaseRequest) (bool, time.Time) {
		if r.ConfirmationDeadline == nil {
			return false, time.Time{}
		}
		return r.Status == request.StatusAccepted && r.ConfirmationDeadline.Before(asOf), *r.ConfirmationDeadline
	}), nil
}

func (s *Store) expiredLocked(asOf time.Time, limit int, match func(request.LinkPurchaseRequest) (bool, time.Time)) []request.LinkPurchaseRequest {
	type expired struct {
		r        request.LinkPurchaseRequest
		deadline time.Time
	}
	var hits []expired
	for _, r := range s.requests {
		if ok, deadline := match(r); ok {
			hits = append(hits, expired{r: r, deadline: deadline})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].deadline.Before(hits[j].deadline) })

	out := make([]request.LinkPurchaseRequest, 0, len(hits))
	for _, h := range hits {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, h.r)
	}
	return out
}

// =============================================================================
// ATOMIC UNITS - snapshot + rollback under the store lock
// =============================================================================

// WithTx executes fn against a view of the store and restores the
// pre-unit snapshot if fn fails. The lock is held for the whole unit,
// which also makes the memory store serialize units the way a database
// serializes conflicting transactions.
func (s *Store) WithTx(ctx context.Context, fn func(request.Storage) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&txView{parent: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	txs      map[ledger.UserID][]ledger.CreditTransaction
	byReq    map[string][]ledger.CreditTransaction
	pairKeys map[string]bool
	requests map[string]request.LinkPurchaseRequest
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		txs:      make(map[ledger.UserID][]ledger.CreditTransaction, len(s.txs)),
		byReq:    make(map[string][]ledger.CreditTransaction, len(s.byReq)),
		pairKeys: make(map[string]bool, len(s.pairKeys)),
		requests: make(map[string]request.LinkPurchaseRequest, len(s.requests)),
	}
	for k, v := range s.txs {
		snap.txs[k] = append([]ledger.CreditTransaction(nil), v...)
	}
	for k, v := range s.byReq {
		snap.byReq[k] = append([]ledger.CreditTransaction(nil), v...)
	}
	for k, v := range s.pairKeys {
		snap.pairKeys[k] = v
	}
	for k, v := range s.requests {
		snap.requests[k] = v
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.txs = snap.txs
	s.byReq = snap.byReq
	s.pairKeys = snap.pairKeys
	s.requests = snap.requests
}

// txView runs inside the parent's lock and writes directly; rollback is
// the parent's snapshot restore.
type txView struct {
	parent *Store
}

func (v *txView) AppendTransaction(_ context.Context, tx ledger.CreditTransaction) error {
	return v.parent.appendLocked(tx)
}

func (v *txView) LedgerHead(_ context.Context, userID ledger.UserID) (ledger.Head, error) {
	return v.parent.headLocked(userID), nil
}

func (v *txView) Transactions(_ context.Context, userID ledger.UserID) ([]ledger.CreditTransaction, error) {
	return v.parent.transactionsLocked(userID), nil
}

func (v *txView) TransactionPage(_ context.Context, userID ledger.UserID, f ledger.Filter) ([]ledger.CreditTransaction, int64, error) {
	return v.parent.pageLocked(userID, f)
}

func (v *txView) TransactionsByRequest(_ context.Context, requestID string) ([]ledger.CreditTransaction, error) {
	return v.parent.byRequestLocked(requestID), nil
}

func (v *txView) InsertRequest(_ context.Context, r *request.LinkPurchaseRequest) error {
	return v.parent.insertRequestLocked(r)
}

func (v *txView) GetRequest(_ context.Context, id string) (*request.LinkPurchaseRequest, error) {
	return v.parent.getRequestLocked(id)
}

func (v *txView) UpdateRequestStatus(_ context.Context, r *request.LinkPurchaseRequest, from request.Status) error {
	return v.parent.updateRequestLocked(r, from)
}

func (v *txView) RequestsByAdvertiser(_ context.Context, userID ledger.UserID) ([]request.LinkPurchaseRequest, error) {
	return v.parent.filterRequestsLocked(func(r request.LinkPurchaseRequest) bool {
		return r.AdvertiserID == userID
	}), nil
}

func (v *txView) RequestsByPublisher(_ context.Context, userID ledger.UserID) ([]request.LinkPurchaseRequest, error) {
	return v.parent.filterRequestsLocked(func(r request.LinkPurchaseRequest) bool {
		return r.PublisherID == userID
	}), nil
}

func (v *txView) ExpiredPending(_ context.Context, asOf time.Time, limit int) ([]request.LinkPurchaseRequest, error) {
	return v.parent.expiredLocked(asOf, limit, func(r request.LinkPurchaseRequest) (bool, time.Time) {
		return r.Status == request.StatusPending && r.ResponseDeadline.Before(asOf), r.ResponseDeadline
	}), nil
}

func (v *txView) ExpiredAccepted(_ context.Context, asOf time.Time, limit int) ([]request.LinkPurchaseRequest, error) {
	return v.parent.expiredLocked(asOf, limit, func(r request.LinkPurchaseRequest) (bool, time.Time) {
		if r.ConfirmationDeadline == nil {
			return false, time.Time{}
		}
		return r.Status == request.StatusAccepted && r.ConfirmationDeadline.Before(asOf), *r.ConfirmationDeadline
	}), nil
}

func (v *txView) WithTx(ctx context.Context, fn func(request.Storage) error) error {
	// Already inside a unit; nested units join it.
	return fn(v)
}
