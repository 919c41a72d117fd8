package postgres

import (
	"context"
	"database/sql"
	"math"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/R3E-Network/sitcoin/internal/app/domain/account"
	"github.com/R3E-Network/sitcoin/internal/app/domain/ledger"
	"github.com/R3E-Network/sitcoin/internal/app/domain/reversal"
	apperrors "github.com/R3E-Network/sitcoin/internal/errors"
	"github.com/R3E-Network/sitcoin/internal/platform/migrations"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db).WithLockWait(250 * time.Millisecond), mock
}

func TestTransferAtomicLocksAndMovesFunds(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL lock_timeout = '250ms'")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, balance FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance"}).AddRow("A", 1000).AddRow("B", 500))
	mock.ExpectExec(regexp.QuoteMeta("SET balance = balance - $2")).
		WithArgs("A", int64(300), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET balance = balance + $2")).
		WithArgs("B", int64(300), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.TransferAtomic(context.Background(), "A", "B", 300); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTransferAtomicInsufficientFundsRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance"}).AddRow("A", 10).AddRow("B", 0))
	mock.ExpectRollback()

	err := store.TransferAtomic(context.Background(), "A", "B", 11)
	if !apperrors.HasCode(err, apperrors.CodeInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTransferAtomicUnknownReceiver(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance"}).AddRow("A", 10))
	mock.ExpectRollback()

	err := store.TransferAtomic(context.Background(), "A", "Z", 1)
	if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTransferAtomicLockTimeout(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FOR UPDATE").WillReturnError(&pq.Error{Code: pqLockNotAvailable, Message: "could not obtain lock"})
	mock.ExpectRollback()

	err := store.TransferAtomic(context.Background(), "A", "B", 1)
	if !apperrors.HasCode(err, apperrors.CodeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestTransferAtomicRejectsBadInputWithoutQuery(t *testing.T) {
	store, mock := newMockStore(t)

	if err := store.TransferAtomic(context.Background(), "A", "A", 5); !apperrors.HasCode(err, apperrors.CodeInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if err := store.TransferAtomic(context.Background(), "A", "B", 0); !apperrors.HasCode(err, apperrors.CodeInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no statements expected: %v", err)
	}
}

var transactionRowColumns = []string{"id", "sender_id", "receiver_id", "amount", "status", "created_at", "reversed_at"}

func TestRecordRetryAfterCommitReturnsStoredRow(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Now().UTC().Add(-time.Second)

	// The first attempt committed; the retry inserts nothing and reads it back.
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (id) DO NOTHING")).
		WithArgs("tx-1", "A", "B", int64(300), "completed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .* FROM transactions WHERE id = \\$1").
		WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows(transactionRowColumns).AddRow("tx-1", "A", "B", 300, "completed", created, nil))

	tx, err := store.Record(context.Background(), "tx-1", "A", "B", 300)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if tx.ID != "tx-1" || !tx.CreatedAt.Equal(created) {
		t.Fatalf("expected the stored row, got %+v", tx)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordDifferentMovementUnderSameIDConflicts(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Now().UTC()

	mock.ExpectExec("INSERT INTO transactions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .* FROM transactions WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows(transactionRowColumns).AddRow("tx-1", "A", "C", 300, "completed", created, nil))

	if _, err := store.Record(context.Background(), "tx-1", "A", "B", 300); !apperrors.HasCode(err, apperrors.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestTransferAtomicRejectsReceiverOverflow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance"}).AddRow("A", 100).AddRow("B", int64(math.MaxInt64-5)))
	mock.ExpectRollback()

	err := store.TransferAtomic(context.Background(), "A", "B", 10)
	if !apperrors.HasCode(err, apperrors.CodeInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAdjustOverflowAndIssuanceCeiling(t *testing.T) {
	created := time.Now().UTC()
	accountRow := func(balance int64) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "owner", "balance", "issued", "created_at", "updated_at"}).
			AddRow("A", "alice", balance, balance, created, created)
	}

	t.Run("balance overflow", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FOR UPDATE").WillReturnRows(accountRow(10))
		mock.ExpectRollback()

		if _, err := store.Adjust(context.Background(), "A", math.MaxInt64); !apperrors.HasCode(err, apperrors.CodeInvalidAmount) {
			t.Fatalf("expected invalid amount, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("expectations: %v", err)
		}
	})

	t.Run("issuance ceiling", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FOR UPDATE").WillReturnRows(accountRow(10))
		mock.ExpectQuery(regexp.QuoteMeta("COALESCE(sum(issued), 0) + $1 > $2")).
			WithArgs(int64(5), int64(math.MaxInt64)).
			WillReturnRows(sqlmock.NewRows([]string{"exceeds"}).AddRow(true))
		mock.ExpectRollback()

		if _, err := store.Adjust(context.Background(), "A", 5); !apperrors.HasCode(err, apperrors.CodeInvalidAmount) {
			t.Fatalf("expected invalid amount, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("expectations: %v", err)
		}
	})

	t.Run("min int64 debit", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FOR UPDATE").WillReturnRows(accountRow(10))
		mock.ExpectRollback()

		if _, err := store.Adjust(context.Background(), "A", math.MinInt64); !apperrors.HasCode(err, apperrors.CodeInvalidAmount) {
			t.Fatalf("expected invalid amount, got %v", err)
		}
	})
}

func TestCreateAccountIssuanceCeiling(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("sum\\(issued\\)").WillReturnRows(sqlmock.NewRows([]string{"exceeds"}).AddRow(true))
	mock.ExpectRollback()

	_, err := store.CreateAccount(context.Background(), account.Account{ID: "SITC0000009", Balance: math.MaxInt64})
	if !apperrors.HasCode(err, apperrors.CodeInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNumericOutOfRangeMapsToInvalidAmount(t *testing.T) {
	err := mapError(&pq.Error{Code: pqNumericOutOfRange, Message: "bigint out of range"}, "adjust balance")
	if !apperrors.HasCode(err, apperrors.CodeInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestCreateReversalConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO reversal_requests").
		WillReturnError(&pq.Error{Code: pqUniqueViolation, Constraint: "reversal_requests_active_tx"})

	_, err := store.CreateReversal(context.Background(), reversal.Request{TransactionID: "tx-1", RequesterID: "A"})
	if !apperrors.HasCode(err, apperrors.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMarkReversedTwiceIsInvalidState(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Now().UTC()

	mock.ExpectQuery("UPDATE transactions").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT .* FROM transactions WHERE id = \\$1").
		WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "sender_id", "receiver_id", "amount", "status", "created_at", "reversed_at"}).
			AddRow("tx-1", "A", "B", 300, "reversed", created, created))

	_, err := store.MarkReversed(context.Background(), "tx-1")
	if !apperrors.HasCode(err, apperrors.CodeInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestDecideReversalUnknown(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE reversal_requests").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM reversal_requests WHERE id = \\$1").WillReturnError(sql.ErrNoRows)

	_, err := store.DecideReversal(context.Background(), "rv-1", reversal.Decision{Status: reversal.StatusRejected, AdminID: "root"})
	if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTotals(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM accounts").
		WillReturnRows(sqlmock.NewRows([]string{"accounts", "balance", "issued"}).AddRow(2, 1500, 1500))

	totals, err := store.Totals(context.Background())
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.Accounts != 2 || !totals.Conserved() {
		t.Fatalf("unexpected totals: %+v", totals)
	}
}

func TestBuildTransactionQuery(t *testing.T) {
	query, args := buildTransactionQuery(ledger.Filter{AccountID: "A", Status: ledger.StatusCompleted, Limit: 10})
	if !strings.Contains(query, "(sender_id = $1 OR receiver_id = $1)") || !strings.Contains(query, "status = $2") {
		t.Fatalf("unexpected where clause: %s", query)
	}
	if !strings.HasSuffix(query, "LIMIT $3") || len(args) != 3 {
		t.Fatalf("unexpected limit handling: %s %v", query, args)
	}

	query, args = buildTransactionQuery(ledger.Filter{})
	if strings.Contains(query, "WHERE") || len(args) != 0 {
		t.Fatalf("empty filter should not constrain: %s", query)
	}
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := New(db)

	suffix := time.Now().Format("150405.000000")
	a, err := store.CreateAccount(ctx, account.Account{ID: "IT-A-" + suffix, Owner: "alice", Balance: 1000})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	b, err := store.CreateAccount(ctx, account.Account{ID: "IT-B-" + suffix, Owner: "bob", Balance: 500})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	if err := store.TransferAtomic(ctx, a.ID, b.ID, 300); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	tx, err := store.Record(ctx, "IT-TX-"+suffix, a.ID, b.ID, 300)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	again, err := store.Record(ctx, tx.ID, a.ID, b.ID, 300)
	if err != nil || again.ID != tx.ID {
		t.Fatalf("repeat record = %+v, %v", again, err)
	}
	logged, _ := store.ListTransactions(ctx, ledger.Filter{AccountID: a.ID})
	if len(logged) != 1 {
		t.Fatalf("repeat record must not add a row, got %d", len(logged))
	}

	req, err := store.CreateReversal(ctx, reversal.Request{TransactionID: tx.ID, RequesterID: b.ID, Reason: "mistake"})
	if err != nil {
		t.Fatalf("create reversal: %v", err)
	}
	if _, err := store.CreateReversal(ctx, reversal.Request{TransactionID: tx.ID, RequesterID: a.ID}); !apperrors.HasCode(err, apperrors.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.DecideReversal(ctx, req.ID, reversal.Decision{Status: reversal.StatusRejected, AdminID: "root"}); err != nil {
		t.Fatalf("decide: %v", err)
	}

	if bal, _ := store.GetBalance(ctx, b.ID); bal != 800 {
		t.Fatalf("receiver balance = %d, want 800", bal)
	}
}
