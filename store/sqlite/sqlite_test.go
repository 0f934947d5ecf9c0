package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkmarket/purchase-engine/ledger"
	"github.com/linkmarket/purchase-engine/request"
	"github.com/linkmarket/purchase-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func creditTx(id string, userID ledger.UserID, seq int64, amount, after string) ledger.CreditTransaction {
	return ledger.CreditTransaction{
		ID:           ledger.TransactionID(id),
		UserID:       userID,
		Seq:          seq,
		Kind:         ledger.KindDeposit,
		Amount:       dec(amount),
		BalanceAfter: dec(after),
		CreatedAt:    time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC),
	}
}

func pendingRequest(id string) *request.LinkPurchaseRequest {
	created := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	return &request.LinkPurchaseRequest{
		ID:               id,
		LinkListingID:    "listing-1",
		AdvertiserID:     "adv-1",
		PublisherID:      "pub-1",
		ProposedPrice:    dec("300"),
		ProposedDuration: 90,
		AnchorText:       "espresso machines",
		TargetURL:        "https://shop.example.com/espresso",
		Status:           request.StatusPending,
		CreatedAt:        created,
		ResponseDeadline: created.Add(72 * time.Hour),
	}
}

// =============================================================================
// LEDGER CONSTRAINT TESTS
// =============================================================================

func TestAppend_DuplicateSeq_ConcurrentModification(t *testing.T) {
	// The UNIQUE(user_id, seq) constraint arbitrates the append race.
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendTransaction(ctx, creditTx("tx-1", "adv-1", 1, "100", "100")))

	err := store.AppendTransaction(ctx, creditTx("tx-2", "adv-1", 1, "50", "150"))
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
}

func TestAppend_SameSeqDifferentUsers_Allowed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendTransaction(ctx, creditTx("tx-1", "adv-1", 1, "100", "100")))
	require.NoError(t, store.AppendTransaction(ctx, creditTx("tx-2", "adv-2", 1, "100", "100")))
}

func TestAppend_DuplicatePairKey_Rejected(t *testing.T) {
	// One hold per request, enforced by the partial unique index even if
	// every in-process guard failed.
	store := newTestStore(t)
	ctx := context.Background()

	hold := creditTx("tx-1", "adv-1", 1, "-300", "-300")
	hold.Kind = ledger.KindHold
	hold.ReferenceRequestID = "req-1"
	hold.PairKey = "req-1:hold"
	require.NoError(t, store.AppendTransaction(ctx, hold))

	dup := hold
	dup.ID = "tx-2"
	dup.Seq = 2
	err := store.AppendTransaction(ctx, dup)
	assert.ErrorIs(t, err, ledger.ErrDuplicatePairing)
}

func TestLedgerHead_EmptyAndAfterAppends(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	head, err := store.LedgerHead(ctx, "adv-1")
	require.NoError(t, err)
	assert.Zero(t, head.Seq)
	assert.True(t, head.Balance.IsZero())

	require.NoError(t, store.AppendTransaction(ctx, creditTx("tx-1", "adv-1", 1, "100", "100")))
	require.NoError(t, store.AppendTransaction(ctx, creditTx("tx-2", "adv-1", 2, "-40", "60")))

	head, err = store.LedgerHead(ctx, "adv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), head.Seq)
	assert.True(t, head.Balance.Equal(dec("60")))
}

func TestTransactionPage_FiltersAndPages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendTransaction(ctx, creditTx("tx-1", "adv-1", 1, "100", "100")))
	wd := creditTx("tx-2", "adv-1", 2, "-30", "70")
	wd.Kind = ledger.KindWithdrawal
	require.NoError(t, store.AppendTransaction(ctx, wd))
	require.NoError(t, store.AppendTransaction(ctx, creditTx("tx-3", "adv-1", 3, "10", "80")))

	page, next, err := store.TransactionPage(ctx, "adv-1", ledger.Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].Seq, "newest first")
	assert.Equal(t, int64(2), next)

	rest, next, err := store.TransactionPage(ctx, "adv-1", ledger.Filter{Limit: 2, BeforeSeq: next})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Zero(t, next)

	onlyWd, _, err := store.TransactionPage(ctx, "adv-1", ledger.Filter{Kinds: []ledger.Kind{ledger.KindWithdrawal}})
	require.NoError(t, err)
	require.Len(t, onlyWd, 1)
	assert.Equal(t, ledger.KindWithdrawal, onlyWd[0].Kind)
}

// =============================================================================
// REQUEST ROW TESTS
// =============================================================================

func TestRequest_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := pendingRequest("req-1")
	r.Message = "please place above the fold"
	require.NoError(t, store.InsertRequest(ctx, r))

	got, err := store.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, r.AdvertiserID, got.AdvertiserID)
	assert.Equal(t, r.Message, got.Message)
	assert.True(t, got.ProposedPrice.Equal(dec("300")))
	assert.True(t, got.ResponseDeadline.Equal(r.ResponseDeadline))
	assert.Nil(t, got.RespondedAt)
	assert.Nil(t, got.ConfirmationDeadline)
}

func TestGetRequest_Unknown_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetRequest(context.Background(), "missing")
	assert.ErrorIs(t, err, request.ErrRequestNotFound)
}

func TestUpdateRequestStatus_CAS(t *testing.T) {
	// The conditional update only lands when the expected status still
	// holds; a stale writer loses.
	store := newTestStore(t)
	ctx := context.Background()

	r := pendingRequest("req-1")
	require.NoError(t, store.InsertRequest(ctx, r))

	now := time.Date(2026, time.March, 11, 9, 0, 0, 0, time.UTC)
	deadline := now.Add(48 * time.Hour)
	r.Status = request.StatusAccepted
	r.PlacedURL = "https://blog.example.com/post"
	r.RespondedAt = &now
	r.ConfirmationDeadline = &deadline
	require.NoError(t, store.UpdateRequestStatus(ctx, r, request.StatusPending))

	// Second writer still believes the request is pending.
	stale := pendingRequest("req-1")
	stale.Status = request.StatusRejected
	err := store.UpdateRequestStatus(ctx, stale, request.StatusPending)
	assert.ErrorIs(t, err, request.ErrInvalidTransition)

	got, err := store.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, request.StatusAccepted, got.Status)
	require.NotNil(t, got.ConfirmationDeadline)
	assert.True(t, got.ConfirmationDeadline.Equal(deadline))
}

func TestUpdateRequestStatus_UnknownID_NotFound(t *testing.T) {
	store := newTestStore(t)

	r := pendingRequest("ghost")
	err := store.UpdateRequestStatus(context.Background(), r, request.StatusPending)
	assert.ErrorIs(t, err, request.ErrRequestNotFound)
}

func TestExpiredScans_RespectStatusAndDeadline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	expired := pendingRequest("req-old")
	require.NoError(t, store.InsertRequest(ctx, expired))

	fresh := pendingRequest("req-new")
	fresh.ResponseDeadline = fresh.ResponseDeadline.Add(200 * time.Hour)
	require.NoError(t, store.InsertRequest(ctx, fresh))

	asOf := expired.ResponseDeadline.Add(time.Hour)
	rows, err := store.ExpiredPending(ctx, asOf, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "req-old", rows[0].ID)

	// Accepted rows only show up in the confirmation scan.
	now := asOf
	confirmDeadline := asOf.Add(-time.Minute)
	accepted := pendingRequest("req-acc")
	require.NoError(t, store.InsertRequest(ctx, accepted))
	accepted.Status = request.StatusAccepted
	accepted.PlacedURL = "https://blog.example.com/post"
	accepted.RespondedAt = &now
	accepted.ConfirmationDeadline = &confirmDeadline
	require.NoError(t, store.UpdateRequestStatus(ctx, accepted, request.StatusPending))

	accRows, err := store.ExpiredAccepted(ctx, asOf, 10)
	require.NoError(t, err)
	require.Len(t, accRows, 1)
	assert.Equal(t, "req-acc", accRows[0].ID)
}

// =============================================================================
// ATOMIC UNIT TESTS
// =============================================================================

func TestWithTx_ErrorRollsBackEverything(t *testing.T) {
	// GIVEN: A unit that appends a hold, inserts a request, then fails
	// WHEN: The unit returns an error
	// THEN: Neither write survives

	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("deliberate failure")

	err := store.WithTx(ctx, func(s request.Storage) error {
		hold := creditTx("tx-1", "adv-1", 1, "-300", "-300")
		hold.Kind = ledger.KindHold
		hold.ReferenceRequestID = "req-1"
		hold.PairKey = "req-1:hold"
		if err := s.AppendTransaction(ctx, hold); err != nil {
			return err
		}
		if err := s.InsertRequest(ctx, pendingRequest("req-1")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	head, err := store.LedgerHead(ctx, "adv-1")
	require.NoError(t, err)
	assert.Zero(t, head.Seq, "ledger write must roll back")

	_, err = store.GetRequest(ctx, "req-1")
	assert.ErrorIs(t, err, request.ErrRequestNotFound, "request insert must roll back")
}

func TestWithTx_CommitPersistsBothSides(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(s request.Storage) error {
		hold := creditTx("tx-1", "adv-1", 1, "-300", "-300")
		hold.Kind = ledger.KindHold
		hold.ReferenceRequestID = "req-1"
		hold.PairKey = "req-1:hold"
		if err := s.AppendTransaction(ctx, hold); err != nil {
			return err
		}
		return s.InsertRequest(ctx, pendingRequest("req-1"))
	})
	require.NoError(t, err)

	txs, err := store.TransactionsByRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	_, err = store.GetRequest(ctx, "req-1")
	assert.NoError(t, err)
}
