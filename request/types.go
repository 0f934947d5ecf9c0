/*
Package request implements the purchase request workflow.

PURPOSE:
  An advertiser asks to place a paid link on a publisher's site. The
  request moves through a closed state machine; every transition that
  moves money does so through the credit ledger inside one atomic unit,
  and requests are never deleted - a terminal status IS the audit record
  of the monetary event.

STATE MACHINE:

  ┌─────────────────────────────────────────────────────────────────┐
  │                                                                 │
  │            accept ──▶ accepted ── confirm ──▶ confirmed         │
  │           ╱                     ╲                               │
  │   pending                        ╲ (sweeper, past deadline)     │
  │           ╲                       ▶ expired_confirmed           │
  │            reject ──▶ rejected                                  │
  │           ╲                                                     │
  │            (sweeper, past deadline) ──▶ expired_refunded        │
  │                                                                 │
  └─────────────────────────────────────────────────────────────────┘

  pending, accepted are live; every other status is terminal and no
  transition leaves a terminal status.

KEY COMPONENTS:
  Manager: validates and applies transitions (lifecycle.go)
  Sweeper: forces terminal transitions past deadlines (sweeper.go)
  Store/Storage: persistence contracts with conditional writes (store.go)

SEE ALSO:
  - ledger package: the money side of every transition
*/
package request

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/linkmarket/purchase-engine/ledger"
)

// =============================================================================
// STATUS - Closed, exhaustively matched state enum
// =============================================================================

type Status string

const (
	StatusPending          Status = "pending"
	StatusAccepted         Status = "accepted"
	StatusRejected         Status = "rejected"
	StatusConfirmed        Status = "confirmed"
	StatusExpiredRefunded  Status = "expired_refunded"
	StatusExpiredConfirmed Status = "expired_confirmed"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusConfirmed, StatusExpiredRefunded, StatusExpiredConfirmed:
		return true
	}
	return false
}

// =============================================================================
// LINK PURCHASE REQUEST
// =============================================================================

// LinkPurchaseRequest is one advertiser's offer to buy a link placement.
// AdvertiserID and PublisherID are frozen at creation time; a later change
// of listing ownership never re-resolves them.
type LinkPurchaseRequest struct {
	ID            string
	LinkListingID string
	AdvertiserID  ledger.UserID
	PublisherID   ledger.UserID

	// Advertiser-supplied terms
	ProposedPrice    decimal.Decimal
	ProposedDuration int // placement duration in days
	AnchorText       string
	TargetURL        string
	Message          string

	Status Status

	// Publisher-supplied on response
	PlacedURL      string // set only on acceptance
	EditorResponse string // set on rejection or acceptance

	CreatedAt            time.Time
	ResponseDeadline     time.Time  // pending past this is swept to expired_refunded
	RespondedAt          *time.Time // set on accept/reject
	ConfirmationDeadline *time.Time // set on accept; accepted past this is swept to expired_confirmed
	ConfirmedAt          *time.Time // set on confirm (manual or sweep)
}

// NewRequest carries the advertiser's input to Manager.CreateRequest.
// PublisherID is the listing's owner as resolved by the listing system at
// request time; the workflow core freezes it and never re-resolves.
type NewRequest struct {
	LinkListingID string
	AdvertiserID  ledger.UserID
	PublisherID   ledger.UserID
	Price         decimal.Decimal
	DurationDays  int
	AnchorText    string
	TargetURL     string
	Message       string
}
