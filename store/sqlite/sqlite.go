/*
Package sqlite provides the SQLite-backed Storage implementation.

PURPOSE:
  Implements the ledger and request persistence contracts over a single
  SQLite database so both sides of an atomic unit share one transaction.

INTERFACES IMPLEMENTED:
  ledger.Store:    Append-only credit transaction log
  request.Store:   Purchase request rows with status CAS
  request.Storage: Atomic units spanning both

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE ever touches credit_transactions
  - Request rows are only ever written through the status CAS

CONDITIONAL WRITES:
  Two constraints arbitrate every race, exactly as the domain layer
  expects:
  - UNIQUE(user_id, seq): a stale ledger append loses and surfaces as
    ErrConcurrentModification
  - UNIQUE(pair_key): a second hold/refund/payout/commission for the
    same request is rejected at the storage level (last line of defense)
  The request CAS is an UPDATE ... WHERE id = ? AND status = ?; zero
  rows affected means the caller's read of the row is stale.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) so readers do not
  block the single writer.

USAGE:
  store, err := sqlite.New("./data/purchase.db")   // or ":memory:"
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - store/postgres: same contracts over pgx for multi-process deployments
  - store/memory: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/linkmarket/purchase-engine/ledger"
	"github.com/linkmarket/purchase-engine/request"
)

// Store implements request.Storage using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (and migrates) the database at dbPath. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Credit transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS credit_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		reference_request_id TEXT,
		pair_key TEXT,
		description TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(user_id, seq)
	);

	-- One hold/refund/payout/commission per request, enforced here too
	CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_tx_pair_key
		ON credit_transactions(pair_key) WHERE pair_key IS NOT NULL;

	-- Zero-sum check at terminal transitions (hot on reject/confirm)
	CREATE INDEX IF NOT EXISTS idx_credit_tx_reference
		ON credit_transactions(reference_request_id)
		WHERE reference_request_id IS NOT NULL;

	-- Purchase requests
	CREATE TABLE IF NOT EXISTS purchase_requests (
		id TEXT PRIMARY KEY,
		link_listing_id TEXT NOT NULL,
		advertiser_id TEXT NOT NULL,
		publisher_id TEXT NOT NULL,
		proposed_price TEXT NOT NULL,
		proposed_duration INTEGER NOT NULL,
		anchor_text TEXT NOT NULL,
		target_url TEXT NOT NULL,
		message TEXT,
		status TEXT NOT NULL,
		placed_url TEXT,
		editor_response TEXT,
		created_at TEXT NOT NULL,
		response_deadline TEXT NOT NULL,
		responded_at TEXT,
		confirmation_deadline TEXT,
		confirmed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_requests_advertiser
		ON purchase_requests(advertiser_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_requests_publisher
		ON purchase_requests(publisher_id, created_at DESC);

	-- Sweeper scans (hot path: status + deadline range)
	CREATE INDEX IF NOT EXISTS idx_requests_response_deadline
		ON purchase_requests(status, response_deadline);
	CREATE INDEX IF NOT EXISTS idx_requests_confirmation_deadline
		ON purchase_requests(status, confirmation_deadline);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (s *Store) AppendTransaction(ctx context.Context, tx ledger.CreditTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendTx(ctx, s.db, tx)
}

func (s *Store) appendTx(ctx context.Context, q dbtx, tx ledger.CreditTransaction) error {
	query := `
		INSERT INTO credit_transactions
		(id, user_id, seq, kind, amount, balance_after, reference_request_id, pair_key, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.ExecContext(ctx, query,
		tx.ID,
		tx.UserID,
		tx.Seq,
		tx.Kind,
		tx.Amount.String(),
		tx.BalanceAfter.String(),
		nullString(tx.ReferenceRequestID),
		nullString(tx.PairKey),
		tx.Description,
		tx.CreatedAt.UTC().Format(time.RFC3339Nano),
	)

	if err != nil {
		if isUniqueViolation(err) {
			if strings.Contains(err.Error(), "pair_key") {
				return ledger.ErrDuplicatePairing
			}
			return ledger.ErrConcurrentModification
		}
		return &ledger.StorageError{Op: "append transaction", Err: err}
	}
	return nil
}

func (s *Store) LedgerHead(ctx context.Context, userID ledger.UserID) (ledger.Head, error) {
	return s.ledgerHead(ctx, s.db, userID)
}

func (s *Store) ledgerHead(ctx context.Context, q dbtx, userID ledger.UserID) (ledger.Head, error) {
	var seq int64
	var balance string
	err := q.QueryRowContext(ctx,
		"SELECT seq, balance_after FROM credit_transactions WHERE user_id = ? ORDER BY seq DESC LIMIT 1",
		userID,
	).Scan(&seq, &balance)

	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Head{}, nil
	}
	if err != nil {
		return ledger.Head{}, &ledger.StorageError{Op: "read ledger head", Err: err}
	}
	return ledger.Head{Seq: seq, Balance: mustDecimal(balance)}, nil
}

const txColumns = `id, user_id, seq, kind, amount, balance_after, reference_request_id, pair_key, description, created_at`

func (s *Store) Transactions(ctx context.Context, userID ledger.UserID) ([]ledger.CreditTransaction, error) {
	return s.allTransactions(ctx, s.db, userID)
}

func (s *Store) allTransactions(ctx context.Context, q dbtx, userID ledger.UserID) ([]ledger.CreditTransaction, error) {
	return s.queryTransactions(ctx, q,
		`SELECT `+txColumns+` FROM credit_transactions WHERE user_id = ? ORDER BY seq ASC`, userID)
}

func (s *Store) TransactionPage(ctx context.Context, userID ledger.UserID, f ledger.Filter) ([]ledger.CreditTransaction, int64, error) {
	return s.transactionPage(ctx, s.db, userID, f)
}

func (s *Store) transactionPage(ctx context.Context, q dbtx, userID ledger.UserID, f ledger.Filter) ([]ledger.CreditTransaction, int64, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = ledger.DefaultPageSize
	}

	query := `SELECT ` + txColumns + ` FROM credit_transactions WHERE user_id = ?`
	args := []any{userID}

	if f.BeforeSeq > 0 {
		query += " AND seq < ?"
		args = append(args, f.BeforeSeq)
	}
	if len(f.Kinds) > 0 {
		query += " AND kind IN (?" + strings.Repeat(", ?", len(f.Kinds)-1) + ")"
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}

	// Fetch one extra row to decide whether a next page exists.
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit+1)

	txs, err := s.queryTransactions(ctx, q, query, args...)
	if err != nil {
		return nil, 0, err
	}

	var next int64
	if len(txs) > limit {
		txs = txs[:limit]
		next = txs[limit-1].Seq
	}
	return txs, next, nil
}

func (s *Store) TransactionsByRequest(ctx context.Context, requestID string) ([]ledger.CreditTransaction, error) {
	return s.transactionsByRequest(ctx, s.db, requestID)
}

func (s *Store) transactionsByRequest(ctx context.Context, q dbtx, requestID string) ([]ledger.CreditTransaction, error) {
	return s.queryTransactions(ctx, q,
		`SELECT `+txColumns+` FROM credit_transactions WHERE reference_request_id = ? ORDER BY created_at ASC`,
		requestID)
}

func (s *Store) queryTransactions(ctx context.Context, q dbtx, query string, args ...any) ([]ledger.CreditTransaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &ledger.StorageError{Op: "query transactions", Err: err}
	}
	defer rows.Close()

	var txs []ledger.CreditTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, &ledger.StorageError{Op: "query transactions", Err: err}
	}
	return txs, nil
}

func scanTransaction(rows *sql.Rows) (ledger.CreditTransaction, error) {
	var (
		tx           ledger.CreditTransaction
		amount       string
		balanceAfter string
		reference    sql.NullString
		pairKey      sql.NullString
		description  sql.NullString
		createdAt    string
	)

	err := rows.Scan(
		&tx.ID, &tx.UserID, &tx.Seq, &tx.Kind,
		&amount, &balanceAfter, &reference, &pairKey, &description, &createdAt,
	)
	if err != nil {
		return tx, &ledger.StorageError{Op: "scan transaction", Err: err}
	}

	tx.Amount = mustDecimal(amount)
	tx.BalanceAfter = mustDecimal(balanceAfter)
	tx.ReferenceRequestID = reference.String
	tx.PairKey = pairKey.String
	tx.Description = description.String
	tx.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return tx, nil
}

// =============================================================================
// REQUEST STORE (request.Store interface)
// =============================================================================

func (s *Store) InsertRequest(ctx context.Context, r *request.LinkPurchaseRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertRequest(ctx, s.db, r)
}

func (s *Store) insertRequest(ctx context.Context, q dbtx, r *request.LinkPurchaseRequest) error {
	query := `
		INSERT INTO purchase_requests
		(id, link_listing_id, advertiser_id, publisher_id, proposed_price, proposed_duration,
		 anchor_text, target_url, message, status, placed_url, editor_response,
		 created_at, response_deadline, responded_at, confirmation_deadline, confirmed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.ExecContext(ctx, query,
		r.ID, r.LinkListingID, r.AdvertiserID, r.PublisherID,
		r.ProposedPrice.String(), r.ProposedDuration,
		r.AnchorText, r.TargetURL, r.Message, r.Status,
		nullString(r.PlacedURL), nullString(r.EditorResponse),
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
		r.ResponseDeadline.UTC().Format(time.RFC3339Nano),
		nullTime(r.RespondedAt), nullTime(r.ConfirmationDeadline), nullTime(r.ConfirmedAt),
	)
	if err != nil {
		return &ledger.StorageError{Op: "insert request", Err: err}
	}
	return nil
}

const requestColumns = `id, link_listing_id, advertiser_id, publisher_id, proposed_price, proposed_duration,
	anchor_text, target_url, message, status, placed_url, editor_response,
	created_at, response_deadline, responded_at, confirmation_deadline, confirmed_at`

func (s *Store) GetRequest(ctx context.Context, id string) (*request.LinkPurchaseRequest, error) {
	return s.getRequest(ctx, s.db, id)
}

func (s *Store) getRequest(ctx context.Context, q dbtx, id string) (*request.LinkPurchaseRequest, error) {
	rs, err := s.queryRequests(ctx, q,
		`SELECT `+requestColumns+` FROM purchase_requests WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, request.ErrRequestNotFound
	}
	return &rs[0], nil
}

func (s *Store) UpdateRequestStatus(ctx context.Context, r *request.LinkPurchaseRequest, from request.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRequestStatus(ctx, s.db, r, from)
}

func (s *Store) updateRequestStatus(ctx context.Context, q dbtx, r *request.LinkPurchaseRequest, from request.Status) error {
	query := `
		UPDATE purchase_requests SET
			status = ?,
			placed_url = ?,
			editor_response = ?,
			responded_at = ?,
			confirmation_deadline = ?,
			confirmed_at = ?
		WHERE id = ? AND status = ?
	`

	res, err := q.ExecContext(ctx, query,
		r.Status,
		nullString(r.PlacedURL), nullString(r.EditorResponse),
		nullTime(r.RespondedAt), nullTime(r.ConfirmationDeadline), nullTime(r.ConfirmedAt),
		r.ID, from,
	)
	if err != nil {
		return &ledger.StorageError{Op: "update request", Err: err}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return &ledger.StorageError{Op: "update request", Err: err}
	}
	if affected == 0 {
		// Stale read or unknown id; distinguish for the caller.
		if _, err := s.getRequest(ctx, q, r.ID); errors.Is(err, request.ErrRequestNotFound) {
			return request.ErrRequestNotFound
		}
		return request.ErrInvalidTransition
	}
	return nil
}

func (s *Store) RequestsByAdvertiser(ctx context.Context, userID ledger.UserID) ([]request.LinkPurchaseRequest, error) {
	return s.requestsByAdvertiser(ctx, s.db, userID)
}

func (s *Store) requestsByAdvertiser(ctx context.Context, q dbtx, userID ledger.UserID) ([]request.LinkPurchaseRequest, error) {
	return s.queryRequests(ctx, q,
		`SELECT `+requestColumns+` FROM purchase_requests WHERE advertiser_id = ? ORDER BY created_at DESC`,
		userID)
}

func (s *Store) RequestsByPublisher(ctx context.Context, userID ledger.UserID) ([]request.LinkPurchaseRequest, error) {
	return s.requestsByPublisher(ctx, s.db, userID)
}

func (s *Store) requestsByPublisher(ctx context.Context, q dbtx, userID ledger.UserID) ([]request.LinkPurchaseRequest, error) {
	return s.queryRequests(ctx, q,
		`SELECT `+requestColumns+` FROM purchase_requests WHERE publisher_id = ? ORDER BY created_at DESC`,
		userID)
}

func (s *Store) ExpiredPending(ctx context.Context, asOf time.Time, limit int) ([]request.LinkPurchaseRequest, error) {
	return s.expiredPending(ctx, s.db, asOf, limit)
}

func (s *Store) expiredPending(ctx context.Context, q dbtx, asOf time.Time, limit int) ([]request.LinkPurchaseRequest, error) {
	return s.queryRequests(ctx, q,
		`SELECT `+requestColumns+` FROM purchase_requests
		 WHERE status = ? AND response_deadline < ?
		 ORDER BY response_deadline ASC LIMIT ?`,
		request.StatusPending, asOf.UTC().Format(time.RFC3339Nano), limit)
}

func (s *Store) ExpiredAccepted(ctx context.Context, asOf time.Time, limit int) ([]request.LinkPurchaseRequest, error) {
	return s.expiredAccepted(ctx, s.db, asOf, limit)
}

func (s *Store) expiredAccepted(ctx context.Context, q dbtx, asOf time.Time, limit int) ([]request.LinkPurchaseRequest, error) {
	return s.queryRequests(ctx, q,
		`SELECT `+requestColumns+` FROM purchase_requests
		 WHERE status = ? AND confirmation_deadline IS NOT NULL AND confirmation_deadline < ?
		 ORDER BY confirmation_deadline ASC LIMIT ?`,
		request.StatusAccepted, asOf.UTC().Format(time.RFC3339Nano), limit)
}

func (s *Store) queryRequests(ctx context.Context, q dbtx, query string, args ...any) ([]request.LinkPurchaseRequest, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &ledger.StorageError{Op: "query requests", Err: err}
	}
	defer rows.Close()

	var out []request.LinkPurchaseRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &ledger.StorageError{Op: "query requests", Err: err}
	}
	return out, nil
}

func scanRequest(rows *sql.Rows) (request.LinkPurchaseRequest, error) {
	var (
		r              request.LinkPurchaseRequest
		price          string
		message        sql.NullString
		placedURL      sql.NullString
		editorResponse sql.NullString
		createdAt      string
		responseDL     string
		respondedAt    sql.NullString
		confirmationDL sql.NullString
		confirmedAt    sql.NullString
	)

	err := rows.Scan(
		&r.ID, &r.LinkListingID, &r.AdvertiserID, &r.PublisherID,
		&price, &r.ProposedDuration,
		&r.AnchorText, &r.TargetURL, &message, &r.Status, &placedURL, &editorResponse,
		&createdAt, &responseDL, &respondedAt, &confirmationDL, &confirmedAt,
	)
	if err != nil {
		return r, &ledger.StorageError{Op: "scan request", Err: err}
	}

	r.ProposedPrice = mustDecimal(price)
	r.Message = message.String
	r.PlacedURL = placedURL.String
	r.EditorResponse = editorResponse.String
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.ResponseDeadline, _ = time.Parse(time.RFC3339Nano, responseDL)
	r.RespondedAt = parseNullTime(respondedAt)
	r.ConfirmationDeadline = parseNullTime(confirmationDL)
	r.ConfirmedAt = parseNullTime(confirmedAt)
	return r, nil
}

// =============================================================================
// ATOMIC UNITS (request.Storage interface)
// =============================================================================

// WithTx executes fn within a single database transaction. Any error from
// fn rolls back every write made through the passed Storage.
func (s *Store) WithTx(ctx context.Context, fn func(request.Storage) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ledger.StorageError{Op: "begin transaction", Err: err}
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return &ledger.StorageError{Op: "commit transaction", Err: err}
	}
	return nil
}

// txStore is the transactional view handed to WithTx callbacks.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (t *txStore) AppendTransaction(ctx context.Context, tx ledger.CreditTransaction) error {
	return t.parent.appendTx(ctx, t.tx, tx)
}

func (t *txStore) LedgerHead(ctx context.Context, userID ledger.UserID) (ledger.Head, error) {
	return t.parent.ledgerHead(ctx, t.tx, userID)
}

func (t *txStore) Transactions(ctx context.Context, userID ledger.UserID) ([]ledger.CreditTransaction, error) {
	return t.parent.allTransactions(ctx, t.tx, userID)
}

func (t *txStore) TransactionPage(ctx context.Context, userID ledger.UserID, f ledger.Filter) ([]ledger.CreditTransaction, int64, error) {
	return t.parent.transactionPage(ctx, t.tx, userID, f)
}

func (t *txStore) TransactionsByRequest(ctx context.Context, requestID string) ([]ledger.CreditTransaction, error) {
	return t.parent.transactionsByRequest(ctx, t.tx, requestID)
}

func (t *txStore) InsertRequest(ctx context.Context, r *request.LinkPurchaseRequest) error {
	return t.parent.insertRequest(ctx, t.tx, r)
}

func (t *txStore) GetRequest(ctx context.Context, id string) (*request.LinkPurchaseRequest, error) {
	return t.parent.getRequest(ctx, t.tx, id)
}

func (t *txStore) UpdateRequestStatus(ctx context.Context, r *request.LinkPurchaseRequest, from request.Status) error {
	return t.parent.updateRequestStatus(ctx, t.tx, r, from)
}

func (t *txStore) RequestsByAdvertiser(ctx context.Context, userID ledger.UserID) ([]request.LinkPurchaseRequest, error) {
	return t.parent.requestsByAdvertiser(ctx, t.tx, userID)
}

func (t *txStore) RequestsByPublisher(ctx context.Context, userID ledger.UserID) ([]request.LinkPurchaseRequest, error) {
	return t.parent.requestsByPublisher(ctx, t.tx, userID)
}

func (t *txStore) ExpiredPending(ctx context.Context, asOf time.Time, limit int) ([]request.LinkPurchaseRequest, error) {
	return t.parent.expiredPending(ctx, t.tx, asOf, limit)
}

func (t *txStore) ExpiredAccepted(ctx context.Context, asOf time.Time, limit int) ([]request.LinkPurchaseRequest, error) {
	return t.parent.expiredAccepted(ctx, t.tx, asOf, limit)
}

func (t *txStore) WithTx(ctx context.Context, fn func(request.Storage) error) error {
	// Already inside a transaction; nested units join it.
	return fn(t)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
