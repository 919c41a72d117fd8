package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/sitcoin/internal/app/domain/account"
	"github.com/R3E-Network/sitcoin/internal/app/domain/ledger"
	"github.com/R3E-Network/sitcoin/internal/app/domain/reversal"
	"github.com/R3E-Network/sitcoin/internal/app/storage"
	apperrors "github.com/R3E-Network/sitcoin/internal/errors"
)

const (
	pqUniqueViolation   = "23505"
	pqNumericOutOfRange = "22003"
	pqLockNotAvailable  = "55P03"
	pqQueryCanceled     = "57014"
	defaultLockWaitTime = 5 * time.Second
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db       *sqlx.DB
	lockWait time.Duration
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.TransactionLog = (*Store)(nil)
var _ storage.ReversalStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres"), lockWait: defaultLockWaitTime}
}

// WithLockWait bounds how long row locks are awaited inside a transaction.
func (s *Store) WithLockWait(d time.Duration) *Store {
	if d > 0 {
		s.lockWait = d
	}
	return s
}

// --- AccountStore -----------------------------------------------------------

const accountColumns = `id, owner, balance, issued, created_at, updated_at`

func (s *Store) CreateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	if acct.Balance < 0 {
		return account.Account{}, apperrors.InvalidAmount("opening balance must not be negative")
	}
	acct.ID = strings.TrimSpace(acct.ID)
	if acct.ID == "" {
		if err := s.db.GetContext(ctx, &acct.ID,
			`SELECT 'SITC' || lpad(nextval('account_number_seq')::text, 7, '0')`); err != nil {
			return account.Account{}, mapError(err, "generate account number")
		}
	}
	now := time.Now().UTC()
	acct.Issued = acct.Balance
	acct.CreatedAt = now
	acct.UpdatedAt = now

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := checkIssuance(ctx, tx, acct.Balance); err != nil {
			return err
		}
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO accounts (id, owner, balance, issued, created_at, updated_at)
			VALUES (:id, :owner, :balance, :issued, :created_at, :updated_at)
		`, acct)
		return err
	})
	if err != nil {
		if isCode(err, pqUniqueViolation) {
			return account.Account{}, apperrors.Conflict(fmt.Sprintf("account %s already exists", acct.ID))
		}
		return account.Account{}, mapError(err, "create account")
	}
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (account.Account, error) {
	var acct account.Account
	err := s.db.GetContext(ctx, &acct, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Account{}, apperrors.NotFound("account", id)
	}
	if err != nil {
		return account.Account{}, mapError(err, "get account")
	}
	return normalizeAccount(acct), nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]account.Account, error) {
	var accts []account.Account
	if err := s.db.SelectContext(ctx, &accts, `SELECT `+accountColumns+` FROM accounts ORDER BY id`); err != nil {
		return nil, mapError(err, "list accounts")
	}
	for i := range accts {
		accts[i] = normalizeAccount(accts[i])
	}
	return accts, nil
}

func (s *Store) GetBalance(ctx context.Context, id string) (int64, error) {
	acct, err := s.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

func (s *Store) Adjust(ctx context.Context, id string, delta int64) (account.Account, error) {
	var result account.Account
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var acct account.Account
		err := tx.GetContext(ctx, &acct, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("account", id)
		}
		if err != nil {
			return err
		}
		if delta == math.MinInt64 {
			return apperrors.InvalidAmount("adjustment out of range")
		}
		if delta < 0 && acct.Balance < -delta {
			return apperrors.InsufficientFunds(id, acct.Balance, -delta)
		}
		if delta > 0 {
			if acct.Balance > math.MaxInt64-delta {
				return apperrors.InvalidAmount(fmt.Sprintf("balance of %s would overflow", id))
			}
			if err := checkIssuance(ctx, tx, delta); err != nil {
				return err
			}
		}
		return tx.GetContext(ctx, &result, `
			UPDATE accounts
			SET balance = balance + $2, issued = issued + $2, updated_at = $3
			WHERE id = $1
			RETURNING `+accountColumns, id, delta, time.Now().UTC())
	})
	if err != nil {
		return account.Account{}, mapError(err, "adjust balance")
	}
	return normalizeAccount(result), nil
}

func (s *Store) TransferAtomic(ctx context.Context, fromID, toID string, amount int64) error {
	if amount <= 0 {
		return apperrors.InvalidAmount("amount must be positive")
	}
	if fromID == toID {
		return apperrors.InvalidAmount("sender and receiver must differ")
	}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		// Rows are locked in id order so concurrent transfers cannot deadlock.
		var rows []struct {
			ID      string `db:"id"`
			Balance int64  `db:"balance"`
		}
		if err := tx.SelectContext(ctx, &rows,
			`SELECT id, balance FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
			pq.Array([]string{fromID, toID})); err != nil {
			return err
		}
		balances := make(map[string]int64, len(rows))
		for _, r := range rows {
			balances[r.ID] = r.Balance
		}
		available, ok := balances[fromID]
		if !ok {
			return apperrors.NotFound("account", fromID)
		}
		credited, ok := balances[toID]
		if !ok {
			return apperrors.NotFound("account", toID)
		}
		if available < amount {
			return apperrors.InsufficientFunds(fromID, available, amount)
		}
		if credited > math.MaxInt64-amount {
			return apperrors.InvalidAmount(fmt.Sprintf("balance of %s would overflow", toID))
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = balance - $2, updated_at = $3 WHERE id = $1`, fromID, amount, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = balance + $2, updated_at = $3 WHERE id = $1`, toID, amount, now)
		return err
	})
	return mapError(err, "transfer")
}

func (s *Store) Totals(ctx context.Context) (account.Totals, error) {
	var totals struct {
		Accounts int   `db:"accounts"`
		Balance  int64 `db:"balance"`
		Issued   int64 `db:"issued"`
	}
	err := s.db.GetContext(ctx, &totals, `
		SELECT count(*) AS accounts,
		       COALESCE(sum(balance), 0)::bigint AS balance,
		       COALESCE(sum(issued), 0)::bigint AS issued
		FROM accounts
	`)
	if err != nil {
		return account.Totals{}, mapError(err, "sum balances")
	}
	return account.Totals{Accounts: totals.Accounts, Balance: totals.Balance, Issued: totals.Issued}, nil
}

// --- TransactionLog ---------------------------------------------------------

const transactionColumns = `id, sender_id, receiver_id, amount, status, created_at, reversed_at`

func (s *Store) Record(ctx context.Context, id, senderID, receiverID string, amount int64) (ledger.Transaction, error) {
	if amount <= 0 {
		return ledger.Transaction{}, apperrors.InvalidAmount("amount must be positive")
	}
	if senderID == receiverID {
		return ledger.Transaction{}, apperrors.InvalidAmount("sender and receiver must differ")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	tx := ledger.Transaction{
		ID:         id,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Amount:     amount,
		Status:     ledger.StatusCompleted,
		CreatedAt:  time.Now().UTC(),
	}
	// A retried write whose first attempt committed finds its own row.
	if _, err := s.db.NamedExecContext(ctx, `
		INSERT INTO transactions (id, sender_id, receiver_id, amount, status, created_at)
		VALUES (:id, :sender_id, :receiver_id, :amount, :status, :created_at)
		ON CONFLICT (id) DO NOTHING
	`, tx); err != nil {
		return ledger.Transaction{}, mapError(err, "record transaction")
	}

	stored, err := s.GetTransaction(ctx, id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if stored.SenderID != senderID || stored.ReceiverID != receiverID || stored.Amount != amount {
		return ledger.Transaction{}, apperrors.Conflict(fmt.Sprintf("transaction %s already records a different movement", id))
	}
	return stored, nil
}

func (s *Store) MarkReversed(ctx context.Context, id string) (ledger.Transaction, error) {
	var tx ledger.Transaction
	err := s.db.GetContext(ctx, &tx, `
		UPDATE transactions
		SET status = $2, reversed_at = $3
		WHERE id = $1 AND status = $4
		RETURNING `+transactionColumns,
		id, ledger.StatusReversed, time.Now().UTC(), ledger.StatusCompleted)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := s.GetTransaction(ctx, id)
		if getErr != nil {
			return ledger.Transaction{}, getErr
		}
		return ledger.Transaction{}, apperrors.InvalidState(fmt.Sprintf("transaction %s is %s", id, existing.Status))
	}
	if err != nil {
		return ledger.Transaction{}, mapError(err, "mark transaction reversed")
	}
	return normalizeTransaction(tx), nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	var tx ledger.Transaction
	err := s.db.GetContext(ctx, &tx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, apperrors.NotFound("transaction", id)
	}
	if err != nil {
		return ledger.Transaction{}, mapError(err, "get transaction")
	}
	return normalizeTransaction(tx), nil
}

func (s *Store) ListPendingFor(ctx context.Context, accountID string) ([]ledger.Transaction, error) {
	return s.ListTransactions(ctx, ledger.Filter{AccountID: accountID, Status: ledger.StatusCompleted})
}

func (s *Store) ListTransactions(ctx context.Context, filter ledger.Filter) ([]ledger.Transaction, error) {
	query, args := buildTransactionQuery(filter)
	var txs []ledger.Transaction
	if err := s.db.SelectContext(ctx, &txs, query, args...); err != nil {
		return nil, mapError(err, "list transactions")
	}
	for i := range txs {
		txs[i] = normalizeTransaction(txs[i])
	}
	return txs, nil
}

func buildTransactionQuery(filter ledger.Filter) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	if filter.AccountID != "" {
		args = append(args, filter.AccountID)
		where = append(where, fmt.Sprintf("(sender_id = $%d OR receiver_id = $%d)", len(args), len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

// --- ReversalStore ----------------------------------------------------------

const reversalColumns = `id, transaction_id, requester_id, reason, status, created_at, decided_at, COALESCE(decided_by, '') AS decided_by`

func (s *Store) CreateReversal(ctx context.Context, req reversal.Request) (reversal.Request, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Status = reversal.StatusPending
	req.CreatedAt = time.Now().UTC()
	req.DecidedAt = nil
	req.DecidedBy = ""

	// The partial unique index on active requests makes the conflict check
	// atomic with the insert.
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO reversal_requests (id, transaction_id, requester_id, reason, status, created_at)
		VALUES (:id, :transaction_id, :requester_id, :reason, :status, :created_at)
	`, req)
	if err != nil {
		if isCode(err, pqUniqueViolation) {
			return reversal.Request{}, apperrors.Conflict(
				fmt.Sprintf("transaction %s already has an active reversal request", req.TransactionID))
		}
		return reversal.Request{}, mapError(err, "create reversal")
	}
	return req, nil
}

func (s *Store) GetReversal(ctx context.Context, id string) (reversal.Request, error) {
	var req reversal.Request
	err := s.db.GetContext(ctx, &req, `SELECT `+reversalColumns+` FROM reversal_requests WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return reversal.Request{}, apperrors.NotFound("reversal", id)
	}
	if err != nil {
		return reversal.Request{}, mapError(err, "get reversal")
	}
	return normalizeReversal(req), nil
}

func (s *Store) DecideReversal(ctx context.Context, id string, decision reversal.Decision) (reversal.Request, error) {
	if !decision.Status.Terminal() {
		return reversal.Request{}, apperrors.InvalidState(fmt.Sprintf("%s is not a decision", decision.Status))
	}
	decidedAt := decision.DecidedAt
	if decidedAt.IsZero() {
		decidedAt = time.Now().UTC()
	}

	var req reversal.Request
	err := s.db.GetContext(ctx, &req, `
		UPDATE reversal_requests
		SET status = $2, decided_at = $3, decided_by = $4
		WHERE id = $1 AND status = $5
		RETURNING `+reversalColumns,
		id, decision.Status, decidedAt, decision.AdminID, reversal.StatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := s.GetReversal(ctx, id)
		if getErr != nil {
			return reversal.Request{}, getErr
		}
		return reversal.Request{}, apperrors.InvalidState(
			fmt.Sprintf("reversal %s is %s and cannot become %s", id, existing.Status, decision.Status))
	}
	if err != nil {
		return reversal.Request{}, mapError(err, "decide reversal")
	}
	return normalizeReversal(req), nil
}

func (s *Store) ListReversalsByStatus(ctx context.Context, status reversal.Status) ([]reversal.Request, error) {
	query := `SELECT ` + reversalColumns + ` FROM reversal_requests`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	return s.selectReversals(ctx, query, args...)
}

func (s *Store) ListReversalsByRequester(ctx context.Context, requesterID string) ([]reversal.Request, error) {
	return s.selectReversals(ctx, `
		SELECT `+reversalColumns+`
		FROM reversal_requests
		WHERE requester_id = $1
		ORDER BY created_at DESC, id DESC
	`, requesterID)
}

func (s *Store) selectReversals(ctx context.Context, query string, args ...interface{}) ([]reversal.Request, error) {
	var reqs []reversal.Request
	if err := s.db.SelectContext(ctx, &reqs, query, args...); err != nil {
		return nil, mapError(err, "list reversals")
	}
	for i := range reqs {
		reqs[i] = normalizeReversal(reqs[i])
	}
	return reqs, nil
}

// --- helpers ----------------------------------------------------------------

// inTx runs fn in a transaction whose row locks give up after lockWait.
func (s *Store) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockWait.Milliseconds())); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// checkIssuance rejects issuing amount when the total issued across all
// accounts would pass math.MaxInt64.
func checkIssuance(ctx context.Context, tx *sqlx.Tx, amount int64) error {
	var exceeds bool
	if err := tx.GetContext(ctx, &exceeds,
		`SELECT COALESCE(sum(issued), 0) + $1 > $2 FROM accounts`, amount, int64(math.MaxInt64)); err != nil {
		return err
	}
	if exceeds {
		return apperrors.InvalidAmount("total issued amount would overflow")
	}
	return nil
}

func isCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}

// mapError converts driver failures into engine error kinds. Errors that
// already carry a kind pass through untouched.
func mapError(err error, operation string) error {
	if err == nil {
		return nil
	}
	if apperrors.GetServiceError(err) != nil {
		return err
	}
	switch {
	case isCode(err, pqLockNotAvailable), isCode(err, pqQueryCanceled),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apperrors.Timeout(operation, err)
	case isCode(err, pqUniqueViolation):
		return apperrors.Conflict(fmt.Sprintf("%s: duplicate entry", operation))
	case isCode(err, pqNumericOutOfRange):
		return apperrors.InvalidAmount(fmt.Sprintf("%s: amount out of range", operation))
	default:
		return apperrors.Internal(operation, err)
	}
}

func normalizeAccount(acct account.Account) account.Account {
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return acct
}

func normalizeTransaction(tx ledger.Transaction) ledger.Transaction {
	tx.CreatedAt = tx.CreatedAt.UTC()
	if tx.ReversedAt != nil {
		at := tx.ReversedAt.UTC()
		tx.ReversedAt = &at
	}
	return tx
}

func normalizeReversal(req reversal.Request) reversal.Request {
	req.CreatedAt = req.CreatedAt.UTC()
	if req.DecidedAt != nil {
		at := req.DecidedAt.UTC()
		req.DecidedAt = &at
	}
	return req
}
