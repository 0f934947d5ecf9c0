/*
handlers.go - HTTP API handlers for the purchase workflow

PURPOSE:
  Exposes the purchase request workflow and credit ledger via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to
  domain logic.

ENDPOINTS:
  Requests:
    POST   /api/requests                 Open a purchase request (places hold)
    GET    /api/requests/{id}            Get request details
    POST   /api/requests/{id}/accept     Publisher accepts (placed_url required)
    POST   /api/requests/{id}/reject     Publisher rejects (refunds hold)
    POST   /api/requests/{id}/confirm    Advertiser confirms (settles funds)

  Users:
    GET    /api/users/{id}/requests      Requests by role (?role=advertiser|publisher)
    GET    /api/users/{id}/balance       Current available balance
    GET    /api/users/{id}/transactions  Ledger history (paged, filterable)
    GET    /api/users/{id}/audit         Full-replay balance verification
    POST   /api/users/{id}/deposits      Credit funds
    POST   /api/users/{id}/withdrawals   Debit funds

  Admin:
    POST   /api/admin/sweep              Force one expiry sweep, return report

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Request not found
  - 409: Conflict (invalid transition, duplicate settlement)
  - 422: Insufficient funds
  - 503: Temporarily unavailable (lost retries under contention)
  - 500: Storage and internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.
  Callers are trusted to act as the user ids they name.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - request/lifecycle.go: Domain logic these delegate to
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/linkmarket/purchase-engine/ledger"
	"github.com/linkmarket/purchase-engine/request"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    request.Storage
	Manager  *request.Manager
	Ledger   *ledger.Ledger
	Balances *ledger.BalanceService
	Sweeper  *request.Sweeper
}

// NewHandler creates a handler over the given storage and lifecycle
// manager. cache may be nil; sweeper may be nil if no sweeper runs in
// this process (the admin sweep endpoint then returns 503).
func NewHandler(store request.Storage, cache ledger.BalanceCache, manager *request.Manager, sweeper *request.Sweeper) *Handler {
	l := ledger.New(store)
	if cache != nil {
		l = l.WithCache(cache)
	}
	return &Handler{
		Store:    store,
		Manager:  manager,
		Ledger:   l,
		Balances: ledger.NewBalanceService(store, cache),
		Sweeper:  sweeper,
	}
}

// =============================================================================
// REQUEST HANDLERS
// =============================================================================

// CreateRequest opens a purchase request, placing the hold.
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var body CreateRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	price, err := decimal.NewFromString(body.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid price (use a decimal string)", err)
		return
	}

	req, err := h.Manager.CreateRequest(r.Context(), request.NewRequest{
		LinkListingID: body.LinkListingID,
		AdvertiserID:  ledger.UserID(body.AdvertiserID),
		PublisherID:   ledger.UserID(body.PublisherID),
		Price:         price,
		DurationDays:  body.DurationDays,
		AnchorText:    body.AnchorText,
		TargetURL:     body.TargetURL,
		Message:       body.Message,
	})
	recordTransition("create", err)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRequestDTO(req))
}

// GetRequest returns a single purchase request.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Manager.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// AcceptRequest records the publisher's acceptance.
func (h *Handler) AcceptRequest(w http.ResponseWriter, r *http.Request) {
	var body AcceptRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	req, err := h.Manager.Accept(r.Context(), chi.URLParam(r, "id"), body.PlacedURL, body.Response)
	recordTransition("accept", err)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// RejectRequest records the publisher's rejection and refunds the hold.
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	var body RejectRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	req, err := h.Manager.Reject(r.Context(), chi.URLParam(r, "id"), body.Response)
	recordTransition("reject", err)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// ConfirmRequest settles an accepted request: payout to the publisher,
// commission to the platform.
func (h *Handler) ConfirmRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Manager.Confirm(r.Context(), chi.URLParam(r, "id"))
	recordTransition("confirm", err)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// ListUserRequests returns a user's requests in their chosen role.
func (h *Handler) ListUserRequests(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	var (
		reqs []request.LinkPurchaseRequest
		err  error
	)
	switch role := r.URL.Query().Get("role"); role {
	case "", "advertiser":
		reqs, err = h.Store.RequestsByAdvertiser(r.Context(), userID)
	case "publisher":
		reqs, err = h.Store.RequestsByPublisher(r.Context(), userID)
	default:
		writeError(w, http.StatusBadRequest, "Invalid role (use advertiser or publisher)", nil)
		return
	}
	if err != nil {
		respondDomainError(w, err)
		return
	}

	dtos := make([]RequestDTO, len(reqs))
	for i := range reqs {
		dtos[i] = toRequestDTO(&reqs[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// BALANCE AND LEDGER HANDLERS
// =============================================================================

// GetBalance returns the user's available balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	balance, err := h.Balances.Available(r.Context(), userID)
	if err != nil {
		// Never degrade a storage failure into a silent zero balance.
		respondDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		UserID:  string(userID),
		Balance: balance.StringFixed(2),
	})
}

// GetTransactions returns a page of the user's ledger history, newest
// first. Supports ?kind=, ?before_seq= and ?limit=.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	var f ledger.Filter
	for _, k := range r.URL.Query()["kind"] {
		f.Kinds = append(f.Kinds, ledger.Kind(k))
	}
	if v := r.URL.Query().Get("before_seq"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid before_seq", err)
			return
		}
		f.BeforeSeq = seq
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		f.Limit = limit
	}

	txs, next, err := h.Ledger.History(r.Context(), userID, f)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	page := TransactionPageDTO{NextSeq: next, Transactions: make([]TransactionDTO, len(txs))}
	for i, tx := range txs {
		page.Transactions[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, page)
}

// AuditBalance replays the user's full ledger and returns the verified
// balance, or 500 if the chain is corrupt.
func (h *Handler) AuditBalance(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	balance, err := h.Balances.Audit(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrCorruptLedger) {
			writeError(w, http.StatusInternalServerError, "Ledger verification failed", err)
			return
		}
		respondDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		UserID:  string(userID),
		Balance: balance.StringFixed(2),
	})
}

// Deposit credits funds to the user's balance.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.manualEntry(w, r, h.Ledger.Deposit)
}

// Withdraw debits funds from the user's balance.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.manualEntry(w, r, h.Ledger.Withdraw)
}

func (h *Handler) manualEntry(
	w http.ResponseWriter,
	r *http.Request,
	apply func(ctx context.Context, userID ledger.UserID, amount decimal.Decimal, description string) (ledger.CreditTransaction, error),
) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	var body AmountBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := decimal.NewFromString(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount (use a decimal string)", err)
		return
	}
	if !amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "Amount must be positive", nil)
		return
	}

	tx, err := apply(r.Context(), userID, amount, body.Description)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSweep forces one expiry sweep and returns its report.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "No sweeper configured in this process", nil)
		return
	}

	report := h.Sweeper.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, SweepReportDTO{
		Refunded:  report.Refunded,
		Confirmed: report.Confirmed,
		Skipped:   report.Skipped,
		Failed:    report.Failed,
		StartedAt: report.StartedAt.Format(time.RFC3339),
		Duration:  report.Duration.String(),
	})
}

// Health reports process liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// respondDomainError maps domain errors onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	var verr *request.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "Validation failed", err)
	case errors.Is(err, request.ErrRequestNotFound):
		writeError(w, http.StatusNotFound, "Request not found", err)
	case errors.Is(err, request.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "Action not allowed in current status", err)
	case errors.Is(err, ledger.ErrDuplicatePairing):
		writeError(w, http.StatusConflict, "Request already settled", err)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, "Insufficient funds", err)
	case errors.Is(err, request.ErrTemporarilyUnavailable), ledger.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, "Temporarily unavailable, retry", err)
	case errors.Is(err, ledger.ErrStorageUnavailable):
		writeError(w, http.StatusInternalServerError, "Storage unavailable", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

// writeJSON writes data as JSON with the given status.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
