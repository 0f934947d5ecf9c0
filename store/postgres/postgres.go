/*
Package postgres provides the PostgreSQL-backed Storage implementation.

PURPOSE:
  Implements the same ledger and request persistence contracts as
  store/sqlite over a pgx connection pool, for multi-process
  deployments where database-level concurrency control replaces the
  single in-process writer.

CONDITIONAL WRITES:
  - UNIQUE(user_id, seq) arbitrates concurrent ledger appends; a stale
    append fails with SQLSTATE 23505 and surfaces as
    ErrConcurrentModification
  - The partial unique index on pair_key rejects a second
    hold/refund/payout/commission for the same request
  - The request status CAS is an UPDATE ... WHERE id = $1 AND
    status = $2; zero rows affected means the caller's read is stale

ISOLATION:
  Atomic units run under REPEATABLE READ. Serialization failures from
  the database (SQLSTATE 40001) are also mapped to
  ErrConcurrentModification so callers retry through one path.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - store/sqlite: single-process implementation, same contracts
  - store/memory: in-memory implementation for tests
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkmarket/purchase-engine/ledger"
	"github.com/linkmarket/purchase-engine/request"
)

// Store implements request.Storage using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at connString and migrates the schema.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS credit_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		kind TEXT NOT NULL,
		amount NUMERIC(20, 4) NOT NULL,
		balance_after NUMERIC(20, 4) NOT NULL,
		reference_request_id TEXT,
		pair_key TEXT,
		description TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT credit_tx_user_seq UNIQUE (user_id, seq)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_tx_pair_key
		ON credit_transactions (pair_key) WHERE pair_key IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_credit_tx_reference
		ON credit_transactions (reference_request_id)
		WHERE reference_request_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS purchase_requests (
		id TEXT PRIMARY KEY,
		link_listing_id TEXT NOT NULL,
		advertiser_id TEXT NOT NULL,
		publisher_id TEXT NOT NULL,
		proposed_price NUMERIC(20, 4) NOT NULL,
		proposed_duration INTEGER NOT NULL,
		anchor_text TEXT NOT NULL,
		target_url TEXT NOT NULL,
		message TEXT,
		status TEXT NOT NULL,
		placed_url TEXT,
		editor_response TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		response_deadline TIMESTAMPTZ NOT NULL,
		responded_at TIMESTAMPTZ,
		confirmation_deadline TIMESTAMPTZ,
		confirmed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_requests_advertiser
		ON purchase_requests (advertiser_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_requests_publisher
		ON purchase_requests (publisher_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_requests_response_deadline
		ON purchase_requests (status, response_deadline);
	CREATE INDEX IF NOT EXISTS idx_requests_confirmation_deadline
		ON purchase_requests (status, confirmation_deadline);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (s *Store) AppendTransaction(ctx context.Context, tx ledger.CreditTransaction) error {
	return appendTx(ctx, s.pool, tx)
}

func appendTx(ctx context.Context, q querier, tx ledger.CreditTransaction) error {
	query := `
		INSERT INTO credit_transactions
		(id, user_id, seq, kind, amount, balance_after, reference_request_id, pair_key, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := q.Exec(ctx, query,
		tx.ID,
		tx.UserID,
		tx.Seq,
		tx.Kind,
		tx.Amount,
		tx.BalanceAfter,
		nilIfEmpty(tx.ReferenceRequestID),
		nilIfEmpty(tx.PairKey),
		tx.Description,
		tx.CreatedAt.UTC(),
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if strings.Contains(pgErr.ConstraintName, "pair_key") {
				return ledger.ErrDuplicatePairing
			}
			return ledger.ErrConcurrentModification
		}
		return mapStorageError("append transaction", err)
	}
	return nil
}

func (s *Store) LedgerHead(ctx context.Context, userID ledger.UserID) (ledger.Head, error) {
	return ledgerHead(ctx, s.pool, userID)
}

func ledgerHead(ctx context.Context, q querier, userID ledger.UserID) (ledger.Head, error) {
	var head ledger.Head
	err := q.QueryRow(ctx,
		"SELECT seq, balance_after FROM credit_transactions WHERE user_id = $1 ORDER BY seq DESC LIMIT 1",
		userID,
	).Scan(&head.Seq, &head.Balance)

	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Head{}, nil
	}
	if err != nil {
		return ledger.Head{}, mapStorageError("read ledger head", err)
	}
	return head, nil
}

const txColumns = `id, user_id, seq, kind, amount, balance_after, reference_request_id, pair_key, description, created_at`

func (s *Store) Transactions(ctx context.Context, userID ledger.UserID) ([]ledger.CreditTransaction, error) {
	return allTransactions(ctx, s.pool, userID)
}

func allTransactions(ctx context.Context, q querier, userID ledger.UserID) ([]ledger.CreditTransaction, error) {
	return queryTransactions(ctx, q,
		`SELECT `+txColumns+` FROM credit_transactions WHERE user_id = $1 ORDER BY seq ASC`, userID)
}

func (s *Store) TransactionPage(ctx context.Context, userID ledger.UserID, f ledger.Filter) ([]ledger.CreditTransaction, int64, error) {
	return transactionPage(ctx, s.pool, userID, f)
}

func transactionPage(ctx context.Context, q querier, userID ledger.UserID, f ledger.Filter) ([]ledger.CreditTransaction, int64, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = ledger.DefaultPageSize
	}

	query := `SELECT ` + txColumns + ` FROM credit_transactions WHERE user_id = $1`
	args := []any{userID}

	if f.BeforeSeq > 0 {
		args = append(args, f.BeforeSeq)
		query += fmt.Sprintf(" AND seq < $%d", len(args))
	}
	if len(f.Kinds) > 0 {
		args = append(args, f.Kinds)
		query += fmt.Sprintf(" AND kind = ANY($%d)", len(args))
	}

	// Fetch one extra row to decide whether a next page exists.
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY seq DESC LIMIT $%d", len(args))

	txs, err := queryTransactions(ctx, q, query, args...)
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
	return transactionsByRequest(ctx, s.pool, requestID)
}

func transactionsByRequest(ctx context.Context, q querier, requestID string) ([]ledger.CreditTransaction, error) {
	return queryTransactions(ctx, q,
		`SELECT `+txColumns+` FROM credit_transactions WHERE reference_request_id = $1 ORDER BY created_at ASC`,
		requestID)
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]ledger.CreditTransaction, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapStorageError("query transactions", err)
	}
	defer rows.Close()

	var txs []ledger.CreditTransaction
	for rows.Next() {
		var (
			tx        ledger.CreditTransaction
			reference *string
			pairKey   *string
		)
		err := rows.Scan(
			&tx.ID, &tx.UserID, &tx.Seq, &tx.Kind,
			&tx.Amount, &tx.BalanceAfter, &reference, &pairKey, &tx.Description, &tx.CreatedAt,
		)
		if err != nil {
			return nil, mapStorageError("scan transaction", err)
		}
		if reference != nil {
			tx.ReferenceRequestID = *reference
		}
		if pairKey != nil {
			tx.PairKey = *pairKey
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStorageError("query transactions", err)
	}
	return txs, nil
}

// =============================================================================
// REQUEST STORE (request.Store interface)
// =============================================================================

func (s *Store) InsertRequest(ctx context.Context, r *request.LinkPurchaseRequest) error {
	return insertRequest(ctx, s.pool, r)
}

func insertRequest(ctx context.Context, q querier, r *request.LinkPurchaseRequest) error {
	query := `
		INSERT INTO purchase_requests
		(id, link_listing_id, advertiser_id, publisher_id, proposed_price, proposed_duration,
		 anchor_text, target_url, message, status, placed_url, editor_response,
		 created_at, response_deadline, responded_at, confirmation_deadline, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err := q.Exec(ctx, query,
		r.ID, r.LinkListingID, r.AdvertiserID, r.PublisherID,
		r.ProposedPrice, r.ProposedDuration,
		r.AnchorText, r.TargetURL, r.Message, r.Status,
		nilIfEmpty(r.PlacedURL), nilIfEmpty(r.EditorResponse),
		r.CreatedAt.UTC(), r.ResponseDeadline.UTC(),
		r.RespondedAt, r.ConfirmationDeadline, r.ConfirmedAt,
	)
	if err != nil {
		return mapStorageError("insert request", err)
	}
	return nil
}

const requestColumns = `id, link_listing_id, advertiser_id, publisher_id, proposed_price, proposed_duration,
	anchor_text, target_url, message, status, placed_url, editor_response,
	created_at, response_deadline, responded_at, confirmation_deadline, confirmed_at`

func (s *Store) GetRequest(ctx context.Context, id string) (*request.LinkPurchaseRequest, error) {
	return getRequest(ctx, s.pool, id)
}

func getRequest(ctx context.Context, q querier, id string) (*request.LinkPurchaseRequest, error) {
	rs, err := queryRequests(ctx, q,
		`SELECT `+requestColumns+` FROM purchase_requests WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, request.ErrRequestNotFound
	}
	return &rs[0], nil
}

func (s *Store) UpdateRequestStatus(ctx context.Context, r *request.LinkPurchaseRequest, from request.Status) error {
	return updateRequestStatus(ctx, s.pool, r, from)
}

func updateRequestStatus(ctx context.Context, q querier, r *request.LinkPurchaseRequest, from request.Status) error {
	query := `
		UPDATE purchase_requests SET
			status = $1,
			placed_url = $2,
			editor_response = $3,
			responded_at = $4,
			confirmation_deadline = $5,
			confirmed_at = $6
		WHERE id = $7 AND status = $8
	`

	tag, err := q.Exec(ctx, query,
		r.Status,
		nilIfEmpty(r.PlacedURL), nilIfEmpty(r.EditorResponse),
		r.RespondedAt, r.ConfirmationDeadline, r.ConfirmedAt,
		r.ID, from,
	)
	if err != nil {
		return mapStorageError("update request", err)
	}

	if tag.RowsAffected() == 0 {
		// Stale read or unknown id; distinguish for the caller.
		if _, err := getRequest(ctx, q, r.ID); errors.Is(err, request.ErrRequestNotFound) {
			return request.ErrRequestNotFound
		}
		return request.ErrInvalidTransition
	}
	return nil
}

func (s *Store) RequestsByAdvertiser(ctx context.Context, userID ledger.UserID) ([]request.LinkPurchaseRequest, error) {
	return requestsByAdvertiser(ctx, s.pool, userID)
}

func requestsByAdvertiser(ctx context.Context, q querier, userID ledger.UserID) ([]request.LinkPurchaseRequest, error) {
	return queryRequests(ctx, q,
		`SELECT `+requestColumns+` FROM purchase_requests WHERE advertiser_id = $1 ORDER BY created_at DESC`,
		userID)
}

func (s *Store) RequestsByPublisher(ctx context.Context, userID ledger.UserID) ([]request.LinkPurchaseRequest, error) {
	return requestsByPublisher(ctx, s.pool, userID)
}

func requestsByPublisher(ctx context.Context, q querier, userID ledger.UserID) ([]request.LinkPurchaseRequest, error) {
	return queryRequests(ctx, q,
		`SELECT `+requestColumns+` FROM purchase_requests WHERE publisher_id = $1 ORDER BY created_at DESC`,
		userID)
}

func (s *Store) ExpiredPending(ctx context.Context, asOf time.Time, limit int) ([]request.LinkPurchaseRequest, error) {
	return expiredPending(ctx, s.pool, asOf, limit)
}

func expiredPending(ctx context.Context, q querier, asOf time.Time, limit int) ([]request.LinkPurchaseRequest, error) {
	return queryRequests(ctx, q,
		`SELECT `+requestColumns+` FROM purchase_requests
		 WHERE status = $1 AND response_deadline < $2
		 ORDER BY response_deadline ASC LIMIT $3`,
		request.StatusPending, asOf.UTC(), limit)
}

func (s *Store) ExpiredAccepted(ctx context.Context, asOf time.Time, limit int) ([]request.LinkPurchaseRequest, error) {
	return expiredAccepted(ctx, s.pool, asOf, limit)
}

func expiredAccepted(ctx context.Context, q querier, asOf time.Time, limit int) ([]request.LinkPurchaseRequest, error) {
	return queryRequests(ctx, q,
		`SELECT `+requestColumns+` FROM purchase_requests
		 WHERE status = $1 AND confirmation_deadline IS NOT NULL AND confirmation_deadline < $2
		 ORDER BY confirmation_deadline ASC LIMIT $3`,
		request.StatusAccepted, asOf.UTC(), limit)
}

func queryRequests(ctx context.Context, q querier, query string, args ...any) ([]request.LinkPurchaseRequest, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapStorageError("query requests", err)
	}
	defer rows.Close()

	var out []request.LinkPurchaseRequest
	for rows.Next() {
		var (
			r              request.LinkPurchaseRequest
			message        *string
			placedURL      *string
			editorResponse *string
		)
		err := rows.Scan(
			&r.ID, &r.LinkListingID, &r.AdvertiserID, &r.PublisherID,
			&r.ProposedPrice, &r.ProposedDuration,
			&r.AnchorText, &r.TargetURL, &message, &r.Status, &placedURL, &editorResponse,
			&r.CreatedAt, &r.ResponseDeadline, &r.RespondedAt, &r.ConfirmationDeadline, &r.ConfirmedAt,
		)
		if err != nil {
			return nil, mapStorageError("scan request", err)
		}
		if message != nil {
			r.Message = *message
		}
		if placedURL != nil {
			r.PlacedURL = *placedURL
		}
		if editorResponse != nil {
			r.EditorResponse = *editorResponse
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStorageError("query requests", err)
	}
	return out, nil
}

// =============================================================================
// ATOMIC UNITS (request.Storage interface)
// =============================================================================

// WithTx executes fn within a single REPEATABLE READ transaction. Any
// error from fn rolls back every write made through the passed Storage.
func (s *Store) WithTx(ctx context.Context, fn func(request.Storage) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return mapStorageError("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapStorageError("commit transaction", err)
	}
	return nil
}

// txStore is the transactional view handed to WithTx callbacks.
type txStore struct {
	tx pgx.Tx
}

func (t *txStore) AppendTransaction(ctx context.Context, tx ledger.CreditTransaction) error {
	return appendTx(ctx, t.tx, tx)
}

func (t *txStore) LedgerHead(ctx context.Context, userID ledger.UserID) (ledger.Head, error) {
	return ledgerHead(ctx, t.tx, userID)
}

func (t *txStore) Transactions(ctx context.Context, userID ledger.UserID) ([]ledger.CreditTransaction, error) {
	return allTransactions(ctx, t.tx, userID)
}

func (t *txStore) TransactionPage(ctx context.Context, userID ledger.UserID, f ledger.Filter) ([]ledger.CreditTransaction, int64, error) {
	return transactionPage(ctx, t.tx, userID, f)
}

func (t *txStore) TransactionsByRequest(ctx context.Context, requestID string) ([]ledger.CreditTransaction, error) {
	return transactionsByRequest(ctx, t.tx, requestID)
}

func (t *txStore) InsertRequest(ctx context.Context, r *request.LinkPurchaseRequest) error {
	return insertRequest(ctx, t.tx, r)
}

func (t *txStore) GetRequest(ctx context.Context, id string) (*request.LinkPurchaseRequest, error) {
	return getRequest(ctx, t.tx, id)
}

func (t *txStore) UpdateRequestStatus(ctx context.Context, r *request.LinkPurchaseRequest, from request.Status) error {
	return updateRequestStatus(ctx, t.tx, r, from)
}

func (t *txStore) RequestsByAdvertiser(ctx context.Context, userID ledger.UserID) ([]request.LinkPurchaseRequest, error) {
	return requestsByAdvertiser(ctx, t.tx, userID)
}

func (t *txStore) RequestsByPublisher(ctx context.Context, userID ledger.UserID) ([]request.LinkPurchaseRequest, error) {
	return requestsByPublisher(ctx, t.tx, userID)
}

func (t *txStore) ExpiredPending(ctx context.Context, asOf time.Time, limit int) ([]request.LinkPurchaseRequest, error) {
	return expiredPending(ctx, t.tx, asOf, limit)
}

func (t *txStore) ExpiredAccepted(ctx context.Context, asOf time.Time, limit int) ([]request.LinkPurchaseRequest, error) {
	return expiredAccepted(ctx, t.tx, asOf, limit)
}

func (t *txStore) WithTx(ctx context.Context, fn func(request.Storage) error) error {
	// Already inside a transaction; nested units join it.
	return fn(t)
}

// =============================================================================
// HELPERS
// =============================================================================

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// mapStorageError wraps infrastructure failures, mapping serialization
// conflicts (40001) to the retryable sentinel.
func mapStorageError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40001" {
		return ledger.ErrConcurrentModification
	}
	return &ledger.StorageError{Op: op, Err: err}
}
