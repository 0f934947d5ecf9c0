package request_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkmarket/purchase-engine/ledger"
	"github.com/linkmarket/purchase-engine/notify"
	"github.com/linkmarket/purchase-engine/request"
	"github.com/linkmarket/purchase-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testStart = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig() request.Config {
	return request.Config{
		ResponseWindow:    72 * time.Hour,
		ConfirmWindow:     48 * time.Hour,
		CommissionRate:    decimal.NewFromFloat(0.15),
		PlatformAccountID: "platform",
	}
}

func newTestManager(t *testing.T) (*request.Manager, *memory.Store, *fakeClock) {
	t.Helper()
	store := memory.New()
	clock := &fakeClock{t: testStart}
	m := request.NewManager(store, testConfig()).WithClock(clock.Now)
	return m, store, clock
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func fund(t *testing.T, store *memory.Store, userID ledger.UserID, amount string) {
	t.Helper()
	_, err := ledger.New(store).Deposit(context.Background(), userID, dec(amount), "test funding")
	require.NoError(t, err)
}

func balanceOf(t *testing.T, store *memory.Store, userID ledger.UserID) decimal.Decimal {
	t.Helper()
	head, err := store.LedgerHead(context.Background(), userID)
	require.NoError(t, err)
	return head.Balance
}

func newLinkRequest() request.NewRequest {
	return request.NewRequest{
		LinkListingID: "listing-1",
		AdvertiserID:  "adv-1",
		PublisherID:   "pub-1",
		Price:         dec("300"),
		DurationDays:  90,
		AnchorText:    "best espresso machines",
		TargetURL:     "https://shop.example.com/espresso",
	}
}

// =============================================================================
// CREATE TESTS
// =============================================================================

func TestCreateRequest_HoldsFunds(t *testing.T) {
	// GIVEN: An advertiser holding 500
	// WHEN: Opening a 300 request
	// THEN: 300 is held, 200 remains available, and the request is
	//       pending with its response deadline set

	m, store, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, store, "adv-1", "500")

	r, err := m.CreateRequest(ctx, newLinkRequest())
	require.NoError(t, err)

	assert.Equal(t, request.StatusPending, r.Status)
	assert.Equal(t, testStart.Add(72*time.Hour), r.ResponseDeadline)
	assert.True(t, balanceOf(t, store, "adv-1").Equal(dec("200")))

	txs, err := store.TransactionsByRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.KindHold, txs[0].Kind)
	assert.True(t, txs[0].Amount.Equal(dec("-300")))
	assert.Equal(t, r.ID+":hold", txs[0].PairKey)
}

func TestCreateRequest_InsufficientFunds_NothingCommits(t *testing.T) {
	// GIVEN: 500 on balance, 300 already held
	// WHEN: Opening a second 300 request
	// THEN: It fails on insufficient funds and neither a hold nor a
	//       request row survives

	m, store, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, store, "adv-1", "500")

	_, err := m.CreateRequest(ctx, newLinkRequest())
	require.NoError(t, err)

	_, err = m.CreateRequest(ctx, newLinkRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	var insErr *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &insErr)
	assert.True(t, insErr.Available.Equal(dec("200")))
	assert.True(t, insErr.Requested.Equal(dec("300")))

	assert.True(t, balanceOf(t, store, "adv-1").Equal(dec("200")), "failed create must not move money")

	reqs, err := store.RequestsByAdvertiser(ctx, "adv-1")
	require.NoError(t, err)
	assert.Len(t, reqs, 1, "failed create must not insert a request row")
}

func TestCreateRequest_ValidationFailures(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, store, "adv-1", "500")

	cases := []struct {
		name   string
		mutate func(*request.NewRequest)
	}{
		{"missing advertiser", func(n *request.NewRequest) { n.AdvertiserID = "" }},
		{"missing publisher", func(n *request.NewRequest) { n.PublisherID = "" }},
		{"self purchase", func(n *request.NewRequest) { n.PublisherID = n.AdvertiserID }},
		{"missing listing", func(n *request.NewRequest) { n.LinkListingID = "" }},
		{"zero price", func(n *request.NewRequest) { n.Price = dec("0") }},
		{"negative price", func(n *request.NewRequest) { n.Price = dec("-5") }},
		{"zero duration", func(n *request.NewRequest) { n.DurationDays = 0 }},
		{"missing anchor", func(n *request.NewRequest) { n.AnchorText = "" }},
		{"missing target", func(n *request.NewRequest) { n.TargetURL = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := newLinkRequest()
			tc.mutate(&n)

			_, err := m.CreateRequest(ctx, n)
			var verr *request.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}

	assert.True(t, balanceOf(t, store, "adv-1").Equal(dec("500")), "validation failures must not touch the ledger")
}

// =============================================================================
// ACCEPT / REJECT TESTS
// =============================================================================

func TestAccept_StartsConfirmationWindow(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()
	fund(t, store, "adv-1", "500")

	r, err := m.CreateRequest(ctx, newLinkRequest())
	require.NoError(t, err)

	clock.Advance(10 * time.Hour)
	accepted, err := m.Accept(ctx, r.ID, "https://blog.example.com/espresso-review", "placed in week 2 roundup")
	require.NoError(t, err)

	assert.Equal(t, request.StatusAccepted, accepted.Status)
	assert.Equal(t, "https://blog.example.com/espresso-review", accepted.PlacedURL)
	require.NotNil(t, accepted.RespondedAt)
	require.NotNil(t, accepted.ConfirmationDeadline)
	assert.Equal(t, clock.Now(), *accepted.RespondedAt)
	assert.Equal(t, clock.Now().Add(48*time.Hour), *accepted.ConfirmationDeadline)

	// No money moves on accept; the hold stays.
	assert.True(t, balanceOf(t, store, "adv-1").Equal(dec("200")))
	assert.True(t, balanceOf(t, store, "pub-1").IsZero())
}

func TestAccept_RequiresPlacedURL(t *testing.T) {
	m, store, _ := newTestManager(t)
	fund(t, store, "adv-1", "500")

	r, err := m.CreateRequest(context.Background(), newLinkRequest())
	require.NoError(t, err)

	_, err = m.Accept(context.Background(), r.ID, "", "")
	var verr *request.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestAccept_UnknownRequest_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Accept(context.Background(), "missing", "https://x.example.com", "")
	assert.ErrorIs(t, err, request.ErrRequestNotFound)
}

func TestReject_RestoresAdvertiserBalance(t *testing.T) {
	// GIVEN: A pending request holding 300 of the advertiser's 500
	// WHEN: The publisher rejects
	// THEN: The full 500 is available again and the request's ledger
	//       entries sum to zero

	m, store, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, store, "adv-1", "500")

	r, err := m.CreateRequest(ctx, newLinkRequest())
	require.NoError(t, err)

	rejected, err := m.Reject(ctx, r.ID, "topic does not fit the site")
	require.NoError(t, err)

	assert.Equal(t, request.StatusRejected, rejected.Status)
	assert.Equal(t, "topic does not fit the site", rejected.EditorResponse)
	assert.True(t, balanceOf(t, store, "adv-1").Equal(dec("500")))

	txs, err := store.TransactionsByRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	sum := decimal.Zero
	for _, tx := range txs {
		sum = sum.Add(tx.Amount)
	}
	assert.True(t, sum.IsZero(), "terminal request entries must sum to zero")
}

func TestReject_Twice_InvalidTransition(t *testing.T) {
	// A terminal request never moves again and never double-refunds.
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, store, "adv-1", "500")

	r, err := m.CreateRequest(ctx, newLinkRequest())
	require.NoError(t, err)
	_, err = m.Reject(ctx, r.ID, "no")
	require.NoError(t, err)

	_, err = m.Reject(ctx, r.ID, "no again")
	require.Error(t, err)
	assert.ErrorIs(t, err, request.ErrInvalidTransition)

	var itErr *request.InvalidTransitionError
	require.ErrorAs(t, err, &itErr)
	assert.Equal(t, request.StatusRejected, itErr.Status)

	assert.True(t, balanceOf(t, store, "adv-1").Equal(dec("500")), "no double refund")
}

func TestAccept_AfterReject_InvalidTransition(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, store, "adv-1", "500")

	r, err := m.CreateRequest(ctx, newLinkRequest())
	require.NoError(t, err)
	_, err = m.Reject(ctx, r.ID, "no")
	require.NoError(t, err)

	_, err = m.Accept(ctx, r.ID, "https://late.example.com", "")
	assert.ErrorIs(t, err, request.ErrInvalidTransition)
}

// =============================================================================
// CONFIRMATION AND SETTLEMENT TESTS
// =============================================================================

func TestConfirm_SplitsHoldIntoPayoutAndCommission(t *testing.T) {
	// GIVEN: An accepted 300 request with a 15% commission rate
	// WHEN: The advertiser confirms
	// THEN: Publisher gets 255, platform gets 45, advertiser stays at
	//       200, and the request's entries sum to zero

	m, store, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, store, "adv-1", "500")

	r, err := m.CreateRequest(ctx, newLinkRequest())
	require.NoError(t, err)
	_, err = m.Accept(ctx, r.ID, "https://blog.example.com/post", "")
	require.NoError(t, err)

	confirmed, err := m.Confirm(ctx, r.ID)
	require.NoError(t, err)

	assert.Equal(t, request.StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)

	assert.True(t, balanceOf(t, store, "adv-1").Equal(dec("200")))
	assert.True(t, balanceOf(t, store, "pub-1").Equal(dec("255")))
	assert.True(t, balanceOf(t, store, "platform").Equal(dec("45")))

	txs, err := store.TransactionsByRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	sum := decimal.Zero
	kinds := map[ledger.Kind]bool{}
	for _, tx := range txs {
		sum = sum.Add(tx.Amount)
		kinds[tx.Kind] = true
	}
	assert.True(t, sum.IsZero())
	assert.True(t, kinds[ledger.KindHold] && kinds[ledger.KindPayout] && kinds[ledger.KindCommission])
}

func TestConfirm_RoundsCommissionPayoutTakesRemainder(t *testing.T) {
	// 100.01 at 15% gives a raw commission of 15.0015. The commission
	// rounds to 15.00 and the payout takes the exact remainder 85.01 so
	// the pairing sum stays zero.
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, store, "adv-1", "500")

	n := newLinkRequest()
	n.Price = dec("100.01")
	r, err := m.CreateRequest(ctx, n)
	require.NoError(t, err)
	_, err = m.Accept(ctx, r.ID, "https://blog.example.com/post", "")
	require.NoError(t, err)
	_, err = m.Confirm(ctx, r.ID)
	require.NoError(t, err)

	assert.True(t, balanceOf(t, store, "platform").Equal(dec("15.00")))
	assert.True(t, balanceOf(t, store, "pub-1").Equal(dec("85.01")))
}

func TestConfirm_ZeroCommissionRate_FullPayout(t *testing.T) {
	// GIVEN: A platform running with commission disabled
	// WHEN: An accepted request is confirmed
	// THEN: Settlement succeeds with no platform leg at all; the hold and
	//       the full payout pair to zero on their own

	store := memory.New()
	cfg := testConfig()
	cfg.CommissionRate = decimal.Zero
	m := request.NewManager(store, cfg).WithClock((&fakeClock{t: testStart}).Now)
	ctx := context.Background()
	fund(t, store, "adv-1", "500")

	r, err := m.CreateRequest(ctx, newLinkRequest())
	require.NoError(t, err)
	_, err = m.Accept(ctx, r.ID, "https://blog.example.com/post", "")
	require.NoError(t, err)
	out, err := m.Confirm(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, request.StatusConfirmed, out.Status)

	assert.True(t, balanceOf(t, store, "pub-1").Equal(dec("300")))
	assert.True(t, balanceOf(t, store, "platform").IsZero())

	txs, err := store.TransactionsByRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2, "no zero-amount commission row is written")
	sum := decimal.Zero
	for _, tx := range txs {
		assert.NotEqual(t, ledger.KindCommission, tx.Kind)
		sum = sum.Add(tx.Amount)
	}
	assert.True(t, sum.IsZero())
}

func TestConfirm_PendingRequest_InvalidTransition(t *testing.T) {
	// Confirmation requires a placement; a pending request has none.
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, store, "adv-1", "500")

	r, err := m.CreateRequest(ctx, newLinkRequest())
	require.NoError(t, err)

	_, err = m.Confirm(ctx, r.ID)
	assert.ErrorIs(t, err, request.ErrInvalidTransition)
}

func TestConfirm_Twice_InvalidTransition(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, store, "adv-1", "500")

	r, err := m.CreateRequest(ctx, newLinkRequest())
	require.NoError(t, err)
	_, err = m.Accept(ctx, r.ID, "https://blog.example.com/post", "")
	require.NoError(t, err)
	_, err = m.Confirm(ctx, r.ID)
	require.NoError(t, err)

	_, err = m.Confirm(ctx, r.ID)
	assert.ErrorIs(t, err, request.ErrInvalidTransition)

	// No double payout.
	assert.True(t, balanceOf(t, store, "pub-1").Equal(dec("255")))
}

// =============================================================================
// CONTENTION TESTS
// =============================================================================

func TestTransition_ExhaustedRetries_TemporarilyUnavailable(t *testing.T) {
	// GIVEN: Storage that loses the optimistic race on every attempt
	// WHEN: Accepting
	// THEN: The bounded retry gives up with TemporarilyUnavailable,
	//       never an infinite loop and never a half-applied write

	store := memory.New()
	contended := &contendedStorage{Store: store}
	m := request.NewManager(contended, testConfig()).WithClock((&fakeClock{t: testStart}).Now)

	_, err := m.Accept(context.Background(), "req-1", "https://x.example.com", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, request.ErrTemporarilyUnavailable)
	assert.Equal(t, 3, contended.attempts)
}

// contendedStorage fails every atomic unit with a retryable conflict.
type contendedStorage struct {
	*memory.Store
	attempts int
}

func (c *contendedStorage) WithTx(ctx context.Context, fn func(request.Storage) error) error {
	c.attempts++
	return ledger.ErrConcurrentModification
}

func TestCreateRequest_ConcurrentHolds_OnlyOneSucceeds(t *testing.T) {
	// GIVEN: A balance that covers exactly one request
	// WHEN: Two create calls race from separate goroutines
	// THEN: Exactly one hold lands; the loser fails on funds and commits
	//       nothing

	m, store, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, store, "adv-1", "300")

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.CreateRequest(ctx, newLinkRequest())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, rejected int
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		rejected++
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)
	assert.True(t, balanceOf(t, store, "adv-1").IsZero())

	requests, err := store.RequestsByAdvertiser(ctx, "adv-1")
	require.NoError(t, err)
	assert.Len(t, requests, 1, "the losing hold leaves no request row")
}

func TestAcceptAndReject_Concurrent_ExactlyOneWins(t *testing.T) {
	// GIVEN: One pending request and both parties acting at once
	// WHEN: Accept and Reject race from separate goroutines
	// THEN: The status arbitrates: one transition commits, the other gets
	//       InvalidTransition, and the money moved at most once

	m, store, _ := newTestManager(t)
	ctx := context.Background()
	fund(t, store, "adv-1", "500")

	r, err := m.CreateRequest(ctx, newLinkRequest())
	require.NoError(t, err)

	var wg sync.WaitGroup
	var acceptErr, rejectErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, acceptErr = m.Accept(ctx, r.ID, "https://blog.example.com/post", "")
	}()
	go func() {
		defer wg.Done()
		_, rejectErr = m.Reject(ctx, r.ID, "changed my mind")
	}()
	wg.Wait()

	require.True(t, (acceptErr == nil) != (rejectErr == nil),
		"exactly one of accept/reject must win")

	final, err := m.Get(ctx, r.ID)
	require.NoError(t, err)
	if acceptErr == nil {
		assert.ErrorIs(t, rejectErr, request.ErrInvalidTransition)
		assert.Equal(t, request.StatusAccepted, final.Status)
		assert.True(t, balanceOf(t, store, "adv-1").Equal(dec("200")),
			"hold stays in place while accepted")
	} else {
		assert.ErrorIs(t, acceptErr, request.ErrInvalidTransition)
		assert.Equal(t, request.StatusRejected, final.Status)
		assert.True(t, balanceOf(t, store, "adv-1").Equal(dec("500")),
			"refunded exactly once")
	}

	txs, err := store.TransactionsByRequest(ctx, r.ID)
	require.NoError(t, err)
	if rejectErr == nil {
		assert.Len(t, txs, 2)
	} else {
		assert.Len(t, txs, 1)
	}
}

// =============================================================================
// NOTIFICATION TESTS
// =============================================================================

func TestLifecycle_NotifiesTheRightParty(t *testing.T) {
	// Created notifies the publisher (act on it); every outcome notifies
	// whoever is affected by it.
	var (
		mu     sync.Mutex
		events []notify.Event
	)
	capture := notify.SinkFunc(func(e notify.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})

	store := memory.New()
	m := request.NewManager(store, testConfig()).
		WithClock((&fakeClock{t: testStart}).Now).
		WithNotifier(capture)
	ctx := context.Background()
	fund(t, store, "adv-1", "1000")

	r1, err := m.CreateRequest(ctx, newLinkRequest())
	require.NoError(t, err)
	_, err = m.Accept(ctx, r1.ID, "https://blog.example.com/post", "")
	require.NoError(t, err)
	_, err = m.Confirm(ctx, r1.ID)
	require.NoError(t, err)

	r2, err := m.CreateRequest(ctx, newLinkRequest())
	require.NoError(t, err)
	_, err = m.Reject(ctx, r2.ID, "no")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 5)

	assert.Equal(t, notify.EventRequestCreated, events[0].Type)
	assert.Equal(t, "pub-1", events[0].Recipient)

	assert.Equal(t, notify.EventRequestAccepted, events[1].Type)
	assert.Equal(t, "adv-1", events[1].Recipient)

	assert.Equal(t, notify.EventRequestConfirmed, events[2].Type)
	assert.Equal(t, "pub-1", events[2].Recipient)

	assert.Equal(t, notify.EventRequestRejected, events[4].Type)
	assert.Equal(t, "adv-1", events[4].Recipient)
}
