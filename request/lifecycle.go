/*
lifecycle.go - The request state machine

PURPOSE:
  Validates and applies every transition of a purchase request. Each
  transition is one atomic unit spanning the request row and the ledger:
  either the status change AND its monetary effect commit together, or
  neither does.

TRANSITIONS:

  (none)   createRequest  hold advertiser funds, insert pending row
  pending  accept         set placed_url, start the confirmation window
  pending  reject         refund the hold to the advertiser
  pending  (sweep)        same as reject, reason "no publisher response"
  accepted confirm        split the hold into payout + commission
  accepted (sweep)        same as confirm, terminal expired_confirmed

CONCURRENCY:
  Every transition is read-compute-conditional-write: the request CAS and
  the ledger sequence check arbitrate races through storage, never through
  in-process locks. A lost race (ConcurrentModification) is retried
  transparently a bounded number of times, then surfaced as
  TemporarilyUnavailable. InvalidTransition and InsufficientFunds are
  never retried - they are answers, not faults.

THE PAIRING RULE:
  The sum of all transactions referencing a request must be exactly zero
  once the request is terminal: the hold is cancelled exactly once by a
  refund, or split exactly once into commission + payout. Every terminal
  transition asserts this inside its atomic unit; a violation aborts the
  commit rather than leaving money half-settled.

SEE ALSO:
  - sweeper.go: drives the same entry points as a system actor
  - store.go: the conditional-write contracts
*/
package request

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/linkmarket/purchase-engine/ledger"
	"github.com/linkmarket/purchase-engine/notify"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds the deployment-sourced knobs of the workflow. None of these
// are hardcoded at use sites; the authoritative values come from
// deployment configuration (see config package).
type Config struct {
	// ResponseWindow is how long a publisher has to accept or reject
	// before the sweeper refunds the hold.
	ResponseWindow time.Duration

	// ConfirmWindow is how long an advertiser has to confirm an accepted
	// placement before the sweeper auto-confirms it.
	ConfirmWindow time.Duration

	// CommissionRate is the platform share of a confirmed request,
	// in [0, 1).
	CommissionRate decimal.Decimal

	// PlatformAccountID is the ledger account credited with commissions.
	PlatformAccountID ledger.UserID
}

// transitionRetries bounds the transparent retry of a lost
// optimistic-concurrency race before TemporarilyUnavailable is surfaced.
const transitionRetries = 3

// =============================================================================
// MANAGER
// =============================================================================

// Manager coordinates request transitions with the ledger.
type Manager struct {
	store    Storage
	notifier notify.Sink
	cache    ledger.BalanceCache
	cfg      Config
	now      func() time.Time
}

func NewManager(store Storage, cfg Config) *Manager {
	return &Manager{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
}

// WithNotifier attaches the fire-and-forget notification sink.
func (m *Manager) WithNotifier(s notify.Sink) *Manager {
	m.notifier = s
	return m
}

// WithCache attaches a balance cache invalidated after committed
// transitions.
func (m *Manager) WithCache(c ledger.BalanceCache) *Manager {
	m.cache = c
	return m
}

// WithClock overrides the time source (tests, deterministic sweeps).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// =============================================================================
// CREATE
// =============================================================================

// CreateRequest places a hold on the advertiser's balance and inserts the
// pending request as one atomic unit. Fails with InsufficientFundsError
// when the fresh balance read inside that unit does not cover the price.
func (m *Manager) CreateRequest(ctx context.Context, n NewRequest) (*LinkPurchaseRequest, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	r := &LinkPurchaseRequest{
		ID:               uuid.NewString(),
		LinkListingID:    n.LinkListingID,
		AdvertiserID:     n.AdvertiserID,
		PublisherID:      n.PublisherID,
		ProposedPrice:    n.Price,
		ProposedDuration: n.DurationDays,
		AnchorText:       n.AnchorText,
		TargetURL:        n.TargetURL,
		Message:          n.Message,
		Status:           StatusPending,
		CreatedAt:        now,
		ResponseDeadline: now.Add(m.cfg.ResponseWindow),
	}

	err := m.atomically(ctx, func(s Storage) error {
		_, err := m.ledger(s).Append(ctx, ledger.Entry{
			UserID:             n.AdvertiserID,
			Kind:               ledger.KindHold,
			Amount:             n.Price.Neg(),
			ReferenceRequestID: r.ID,
			PairKey:            r.ID + ":hold",
			Description:        fmt.Sprintf("hold for link request on listing %s", n.LinkListingID),
		})
		if err != nil {
			return err
		}
		return s.InsertRequest(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	m.invalidate(ctx, n.AdvertiserID)
	m.publish(notify.EventRequestCreated, r.ID, r.PublisherID)
	return r, nil
}

func (n NewRequest) validate() error {
	switch {
	case n.AdvertiserID == "":
		return &ValidationError{Field: "advertiser_id", Reason: "required"}
	case n.PublisherID == "":
		return &ValidationError{Field: "publisher_id", Reason: "required"}
	case n.AdvertiserID == n.PublisherID:
		return &ValidationError{Field: "publisher_id", Reason: "cannot buy a link from yourself"}
	case n.LinkListingID == "":
		return &ValidationError{Field: "link_listing_id", Reason: "required"}
	case !n.Price.IsPositive():
		return &ValidationError{Field: "price", Reason: "must be positive"}
	case n.DurationDays <= 0:
		return &ValidationError{Field: "duration_days", Reason: "must be positive"}
	case n.AnchorText == "":
		return &ValidationError{Field: "anchor_text", Reason: "required"}
	case n.TargetURL == "":
		return &ValidationError{Field: "target_url", Reason: "required"}
	}
	return nil
}

// =============================================================================
// PUBLISHER RESPONSE - accept / reject
// =============================================================================

// Accept records the publisher's acceptance: the placement URL, the
// response timestamp, and the start of the confirmation window. No money
// moves; the hold stays in place until confirmation or expiry.
func (m *Manager) Accept(ctx context.Context, id, placedURL, response string) (*LinkPurchaseRequest, error) {
	if placedURL == "" {
		return nil, &ValidationError{Field: "placed_url", Reason: "required"}
	}

	var out *LinkPurchaseRequest
	err := m.atomically(ctx, func(s Storage) error {
		r, err := s.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != StatusPending {
			return &InvalidTransitionError{RequestID: id, Action: "accept", Status: r.Status}
		}

		now := m.now().UTC()
		deadline := now.Add(m.cfg.ConfirmWindow)
		r.Status = StatusAccepted
		r.PlacedURL = placedURL
		r.EditorResponse = response
		r.RespondedAt = &now
		r.ConfirmationDeadline = &deadline

		if err := s.UpdateRequestStatus(ctx, r, StatusPending); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publish(notify.EventRequestAccepted, id, out.AdvertiserID)
	return out, nil
}

// Reject refunds the hold to the advertiser and closes the request. The
// advertiser's balance is exactly what it was before the hold.
func (m *Manager) Reject(ctx context.Context, id, reason string) (*LinkPurchaseRequest, error) {
	out, err := m.refundAndClose(ctx, id, "reject", reason, StatusRejected)
	if err != nil {
		return nil, err
	}
	m.publish(notify.EventRequestRejected, id, out.AdvertiserID)
	return out, nil
}

// expireResponse is the sweeper's terminal transition for a pending
// request whose publisher never responded. Same monetary effect as a
// rejection.
func (m *Manager) expireResponse(ctx context.Context, id string) (*LinkPurchaseRequest, error) {
	out, err := m.refundAndClose(ctx, id, "expire", "no publisher response", StatusExpiredRefunded)
	if err != nil {
		return nil, err
	}
	m.publish(notify.EventRequestExpiredRefunded, id, out.AdvertiserID)
	return out, nil
}

func (m *Manager) refundAndClose(ctx context.Context, id, action, reason string, terminal Status) (*LinkPurchaseRequest, error) {
	var out *LinkPurchaseRequest
	err := m.atomically(ctx, func(s Storage) error {
		r, err := s.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != StatusPending {
			return &InvalidTransitionError{RequestID: id, Action: action, Status: r.Status}
		}

		_, err = m.ledger(s).Append(ctx, ledger.Entry{
			UserID:             r.AdvertiserID,
			Kind:               ledger.KindRefund,
			Amount:             r.ProposedPrice,
			ReferenceRequestID: r.ID,
			PairKey:            r.ID + ":refund",
			Description:        "refund: " + reason,
		})
		if err != nil {
			return err
		}

		now := m.now().UTC()
		r.Status = terminal
		r.EditorResponse = reason
		r.RespondedAt = &now

		if err := s.UpdateRequestStatus(ctx, r, StatusPending); err != nil {
			return err
		}
		if err := m.assertSettled(ctx, s, r.ID); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.invalidate(ctx, out.AdvertiserID)
	return out, nil
}

// =============================================================================
// CONFIRMATION - manual or swept
// =============================================================================

// Confirm settles an accepted request: the held amount is split into the
// publisher payout and the platform commission, both paired to the
// original hold.
func (m *Manager) Confirm(ctx context.Context, id string) (*LinkPurchaseRequest, error) {
	out, err := m.settle(ctx, id, "confirm", StatusConfirmed)
	if err != nil {
		return nil, err
	}
	m.publish(notify.EventRequestConfirmed, id, out.PublisherID)
	return out, nil
}

// expireConfirmation is the sweeper's terminal transition for an accepted
// request whose advertiser never confirmed. Same monetary effect as a
// confirmation; the publisher did their part and gets paid.
func (m *Manager) expireConfirmation(ctx context.Context, id string) (*LinkPurchaseRequest, error) {
	out, err := m.settle(ctx, id, "expire", StatusExpiredConfirmed)
	if err != nil {
		return nil, err
	}
	m.publish(notify.EventRequestExpiredConfirmed, id, out.PublisherID)
	return out, nil
}

func (m *Manager) settle(ctx context.Context, id, action string, terminal Status) (*LinkPurchaseRequest, error) {
	var out *LinkPurchaseRequest
	err := m.atomically(ctx, func(s Storage) error {
		r, err := s.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != StatusAccepted {
			return &InvalidTransitionError{RequestID: id, Action: action, Status: r.Status}
		}

		// Derive both legs from the original held amount. The commission
		// rounds to cents; the payout takes the exact remainder so the
		// pairing sum stays zero.
		commission := r.ProposedPrice.Mul(m.cfg.CommissionRate).Round(2)
		payout := r.ProposedPrice.Sub(commission)

		led := m.ledger(s)
		if _, err := led.Append(ctx, ledger.Entry{
			UserID:             r.PublisherID,
			Kind:               ledger.KindPayout,
			Amount:             payout,
			ReferenceRequestID: r.ID,
			PairKey:            r.ID + ":payout",
			Description:        fmt.Sprintf("payout for placement %s", r.PlacedURL),
		}); err != nil {
			return err
		}
		// A zero commission rate leaves no platform leg; hold + payout
		// already net to zero, and the ledger holds no zero-amount rows.
		if !commission.IsZero() {
			if _, err := led.Append(ctx, ledger.Entry{
				UserID:             m.cfg.PlatformAccountID,
				Kind:               ledger.KindCommission,
				Amount:             commission,
				ReferenceRequestID: r.ID,
				PairKey:            r.ID + ":commission",
				Description:        fmt.Sprintf("commission on request %s", r.ID),
			}); err != nil {
				return err
			}
		}

		now := m.now().UTC()
		r.Status = terminal
		r.ConfirmedAt = &now

		if err := s.UpdateRequestStatus(ctx, r, StatusAccepted); err != nil {
			return err
		}
		if err := m.assertSettled(ctx, s, r.ID); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.invalidate(ctx, out.PublisherID)
	m.invalidate(ctx, m.cfg.PlatformAccountID)
	return out, nil
}

// =============================================================================
// READS
// =============================================================================

// Get returns a request by id.
func (m *Manager) Get(ctx context.Context, id string) (*LinkPurchaseRequest, error) {
	return m.store.GetRequest(ctx, id)
}

// =============================================================================
// INTERNALS
// =============================================================================

// atomically runs fn inside one storage transaction, retrying a lost
// optimistic-concurrency race a bounded number of times. Only
// ConcurrentModification is retried; every other failure is an answer.
func (m *Manager) atomically(ctx context.Context, fn func(Storage) error) error {
	var lastErr error
	for attempt := 0; attempt < transitionRetries; attempt++ {
		err := m.store.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !ledger.IsRetryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrTemporarilyUnavailable, lastErr)
}

// assertSettled verifies the zero-sum pairing rule at the boundary of a
// terminal transition. Checked, not assumed: a violation aborts the unit.
func (m *Manager) assertSettled(ctx context.Context, s Storage, requestID string) error {
	txs, err := s.TransactionsByRequest(ctx, requestID)
	if err != nil {
		return err
	}
	sum := decimal.Zero
	for _, tx := range txs {
		sum = sum.Add(tx.Amount)
	}
	if !sum.IsZero() {
		return fmt.Errorf("%w: request %s sums to %s", ErrUnbalancedRequest, requestID, sum)
	}
	return nil
}

func (m *Manager) ledger(s Storage) *ledger.Ledger {
	return ledger.New(s).WithClock(m.now)
}

func (m *Manager) publish(t notify.EventType, requestID string, recipient ledger.UserID) {
	if m.notifier == nil {
		return
	}
	m.notifier.Publish(notify.Event{
		Type:       t,
		RequestID:  requestID,
		Recipient:  string(recipient),
		OccurredAt: m.now().UTC(),
	})
}

func (m *Manager) invalidate(ctx context.Context, userID ledger.UserID) {
	if m.cache == nil {
		return
	}
	_ = m.cache.Invalidate(ctx, userID)
}
