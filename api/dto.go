/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Body: Request body types from clients

MONEY:
  All amounts cross the wire as decimal strings ("300.00"), never as
  floats. Parsing happens in handlers.

VALIDATION:
  Validation is done in handlers and the lifecycle manager, not in
  DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - request/types.go: Domain model these map from
*/
package api

import (
	"time"

	"github.com/linkmarket/purchase-engine/ledger"
	"github.com/linkmarket/purchase-engine/request"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateRequestBody is the request to open a purchase request.
type CreateRequestBody struct {
	LinkListingID string `json:"link_listing_id"`
	AdvertiserID  string `json:"advertiser_id"`
	PublisherID   string `json:"publisher_id"`
	Price         string `json:"price"`
	DurationDays  int    `json:"duration_days"`
	AnchorText    string `json:"anchor_text"`
	TargetURL     string `json:"target_url"`
	Message       string `json:"message,omitempty"`
}

// AcceptRequestBody is the publisher's acceptance payload.
type AcceptRequestBody struct {
	PlacedURL string `json:"placed_url"`
	Response  string `json:"response,omitempty"`
}

// RejectRequestBody is the publisher's rejection payload.
type RejectRequestBody struct {
	Response string `json:"response,omitempty"`
}

// AmountBody carries a deposit or withdrawal amount.
type AmountBody struct {
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// RequestDTO represents a purchase request in API responses.
type RequestDTO struct {
	ID                   string  `json:"id"`
	LinkListingID        string  `json:"link_listing_id"`
	AdvertiserID         string  `json:"advertiser_id"`
	PublisherID          string  `json:"publisher_id"`
	Price                string  `json:"price"`
	DurationDays         int     `json:"duration_days"`
	AnchorText           string  `json:"anchor_text"`
	TargetURL            string  `json:"target_url"`
	Message              string  `json:"message,omitempty"`
	Status               string  `json:"status"`
	PlacedURL            string  `json:"placed_url,omitempty"`
	EditorResponse       string  `json:"editor_response,omitempty"`
	CreatedAt            string  `json:"created_at"`
	ResponseDeadline     string  `json:"response_deadline"`
	RespondedAt          *string `json:"responded_at,omitempty"`
	ConfirmationDeadline *string `json:"confirmation_deadline,omitempty"`
	ConfirmedAt          *string `json:"confirmed_at,omitempty"`
}

func toRequestDTO(r *request.LinkPurchaseRequest) RequestDTO {
	return RequestDTO{
		ID:                   r.ID,
		LinkListingID:        r.LinkListingID,
		AdvertiserID:         string(r.AdvertiserID),
		PublisherID:          string(r.PublisherID),
		Price:                r.ProposedPrice.StringFixed(2),
		DurationDays:         r.ProposedDuration,
		AnchorText:           r.AnchorText,
		TargetURL:            r.TargetURL,
		Message:              r.Message,
		Status:               string(r.Status),
		PlacedURL:            r.PlacedURL,
		EditorResponse:       r.EditorResponse,
		CreatedAt:            r.CreatedAt.Format(time.RFC3339),
		ResponseDeadline:     r.ResponseDeadline.Format(time.RFC3339),
		RespondedAt:          formatTimePtr(r.RespondedAt),
		ConfirmationDeadline: formatTimePtr(r.ConfirmationDeadline),
		ConfirmedAt:          formatTimePtr(r.ConfirmedAt),
	}
}

// BalanceDTO is the balance summary for a user.
type BalanceDTO struct {
	UserID  string `json:"user_id"`
	Balance string `json:"balance"`
}

// TransactionDTO represents a ledger entry in API responses.
type TransactionDTO struct {
	ID           string `json:"id"`
	Seq          int64  `json:"seq"`
	Kind         string `json:"kind"`
	Amount       string `json:"amount"`
	BalanceAfter string `json:"balance_after"`
	RequestID    string `json:"request_id,omitempty"`
	Description  string `json:"description,omitempty"`
	CreatedAt    string `json:"created_at"`
}

func toTransactionDTO(tx ledger.CreditTransaction) TransactionDTO {
	return TransactionDTO{
		ID:           string(tx.ID),
		Seq:          tx.Seq,
		Kind:         string(tx.Kind),
		Amount:       tx.Amount.StringFixed(2),
		BalanceAfter: tx.BalanceAfter.StringFixed(2),
		RequestID:    tx.ReferenceRequestID,
		Description:  tx.Description,
		CreatedAt:    tx.CreatedAt.Format(time.RFC3339),
	}
}

// TransactionPageDTO wraps a history page with its continuation token.
type TransactionPageDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	NextSeq      int64            `json:"next_seq,omitempty"`
}

// SweepReportDTO summarizes one sweeper pass.
type SweepReportDTO struct {
	Refunded  int    `json:"refunded"`
	Confirmed int    `json:"confirmed"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	StartedAt string `json:"started_at"`
	Duration  string `json:"duration"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
