/*
handlers_test.go - HTTP tests over the full stack

Drives the API through the router with an in-memory store: request
lifecycle, balances, deposits, error statuses.
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkmarket/purchase-engine/api"
	"github.com/linkmarket/purchase-engine/ledger"
	"github.com/linkmarket/purchase-engine/request"
	"github.com/linkmarket/purchase-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	router http.Handler
	store  *memory.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	manager := request.NewManager(store, request.Config{
		ResponseWindow:    72 * time.Hour,
		ConfirmWindow:     48 * time.Hour,
		CommissionRate:    decimal.NewFromFloat(0.15),
		PlatformAccountID: "platform",
	})
	sweeper := request.NewSweeper(manager, time.Minute)
	handler := api.NewHandler(store, nil, manager, sweeper)
	return &testServer{router: api.NewRouter(handler), store: store}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) fund(t *testing.T, userID, amount string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/users/"+userID+"/deposits",
		map[string]string{"amount": amount})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (ts *testServer) createRequest(t *testing.T, price string) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/requests", map[string]any{
		"link_listing_id": "listing-1",
		"advertiser_id":   "adv-1",
		"publisher_id":    "pub-1",
		"price":           price,
		"duration_days":   90,
		"anchor_text":     "espresso machines",
		"target_url":      "https://shop.example.com/espresso",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var dto struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	return dto.ID
}

func decodeBalance(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var dto struct {
		Balance string `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	return dto.Balance
}

// =============================================================================
// LIFECYCLE OVER HTTP
// =============================================================================

func TestAPI_FullHappyPath(t *testing.T) {
	// Deposit, create, accept, confirm: statuses and balances all the
	// way through.
	ts := newTestServer(t)
	ts.fund(t, "adv-1", "500")

	id := ts.createRequest(t, "300")

	rec := ts.do(t, http.MethodGet, "/api/users/adv-1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "200.00", decodeBalance(t, rec))

	rec = ts.do(t, http.MethodPost, "/api/requests/"+id+"/accept", map[string]string{
		"placed_url": "https://blog.example.com/post",
		"response":   "looks good",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/requests/"+id+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var dto struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, "confirmed", dto.Status)

	rec = ts.do(t, http.MethodGet, "/api/users/pub-1/balance", nil)
	assert.Equal(t, "255.00", decodeBalance(t, rec))

	rec = ts.do(t, http.MethodGet, "/api/users/platform/balance", nil)
	assert.Equal(t, "45.00", decodeBalance(t, rec))
}

func TestAPI_InsufficientFunds_422(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t, "adv-1", "100")

	rec := ts.do(t, http.MethodPost, "/api/requests", map[string]any{
		"link_listing_id": "listing-1",
		"advertiser_id":   "adv-1",
		"publisher_id":    "pub-1",
		"price":           "300",
		"duration_days":   90,
		"anchor_text":     "espresso machines",
		"target_url":      "https://shop.example.com/espresso",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
}

func TestAPI_ValidationFailure_400(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t, "adv-1", "500")

	rec := ts.do(t, http.MethodPost, "/api/requests", map[string]any{
		"link_listing_id": "listing-1",
		"advertiser_id":   "adv-1",
		"publisher_id":    "pub-1",
		"price":           "300",
		"duration_days":   90,
		// anchor_text missing
		"target_url": "https://shop.example.com/espresso",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_UnknownRequest_404(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/requests/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_InvalidTransition_409(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t, "adv-1", "500")
	id := ts.createRequest(t, "300")

	// Confirm before accept.
	rec := ts.do(t, http.MethodPost, "/api/requests/"+id+"/confirm", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_RejectRefunds(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t, "adv-1", "500")
	id := ts.createRequest(t, "300")

	rec := ts.do(t, http.MethodPost, "/api/requests/"+id+"/reject", map[string]string{
		"response": "not a fit",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/users/adv-1/balance", nil)
	assert.Equal(t, "500.00", decodeBalance(t, rec))
}

// =============================================================================
// LEDGER ENDPOINTS
// =============================================================================

func TestAPI_Withdraw_InsufficientFunds_422(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t, "adv-1", "50")

	rec := ts.do(t, http.MethodPost, "/api/users/adv-1/withdrawals",
		map[string]string{"amount": "80"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAPI_Deposit_BadAmount_400(t *testing.T) {
	ts := newTestServer(t)

	for _, amount := range []string{"abc", "-5", "0"} {
		rec := ts.do(t, http.MethodPost, "/api/users/adv-1/deposits",
			map[string]string{"amount": amount})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "amount %q", amount)
	}
}

func TestAPI_TransactionHistory(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t, "adv-1", "100")
	ts.fund(t, "adv-1", "200")

	rec := ts.do(t, http.MethodGet, "/api/users/adv-1/transactions?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Transactions []struct {
			Seq    int64  `json:"seq"`
			Amount string `json:"amount"`
		} `json:"transactions"`
		NextSeq int64 `json:"next_seq"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, int64(2), page.Transactions[0].Seq, "newest first")
	assert.Equal(t, "200.00", page.Transactions[0].Amount)
	assert.Equal(t, int64(1), page.NextSeq)
}

func TestAPI_ListUserRequestsByRole(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t, "adv-1", "1000")
	ts.createRequest(t, "300")
	ts.createRequest(t, "300")

	rec := ts.do(t, http.MethodGet, "/api/users/adv-1/requests", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var reqs []json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reqs))
	assert.Len(t, reqs, 2)

	rec = ts.do(t, http.MethodGet, "/api/users/pub-1/requests?role=publisher", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reqs))
	assert.Len(t, reqs, 2)

	rec = ts.do(t, http.MethodGet, "/api/users/adv-1/requests?role=owner", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Audit(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t, "adv-1", "500")

	rec := ts.do(t, http.MethodGet, "/api/users/adv-1/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "500.00", decodeBalance(t, rec))
}

// =============================================================================
// ADMIN AND OPERATIONAL ENDPOINTS
// =============================================================================

func TestAPI_AdminSweep_ReturnsReport(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t, "adv-1", "500")

	// Plant an already expired pending request.
	created := time.Now().UTC().Add(-100 * time.Hour)
	expired := &request.LinkPurchaseRequest{
		ID:               "req-expired",
		LinkListingID:    "listing-1",
		AdvertiserID:     "adv-1",
		PublisherID:      "pub-1",
		ProposedPrice:    decimal.NewFromInt(300),
		ProposedDuration: 90,
		AnchorText:       "espresso machines",
		TargetURL:        "https://shop.example.com/espresso",
		Status:           request.StatusPending,
		CreatedAt:        created,
		ResponseDeadline: created.Add(72 * time.Hour),
	}
	ctx := context.Background()
	require.NoError(t, ts.store.InsertRequest(ctx, expired))
	require.NoError(t, ts.store.AppendTransaction(ctx, ledger.CreditTransaction{
		ID: "tx-hold", UserID: "adv-1", Seq: 2, Kind: ledger.KindHold,
		Amount: decimal.NewFromInt(-300), BalanceAfter: decimal.NewFromInt(200),
		ReferenceRequestID: "req-expired", PairKey: "req-expired:hold",
		CreatedAt: created,
	}))

	rec := ts.do(t, http.MethodPost, "/api/admin/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report struct {
		Refunded int `json:"refunded"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Refunded)

	rec = ts.do(t, http.MethodGet, "/api/users/adv-1/balance", nil)
	assert.Equal(t, "500.00", decodeBalance(t, rec))
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines", "prometheus default collectors exposed")
}
