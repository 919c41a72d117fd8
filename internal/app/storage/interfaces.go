package storage

import (
	"context"

	"github.com/R3E-Network/sitcoin/internal/app/domain/account"
	"github.com/R3E-Network/sitcoin/internal/app/domain/ledger"
	"github.com/R3E-Network/sitcoin/internal/app/domain/reversal"
)

// AccountStore persists accounts and applies atomic balance changes.
// Implementations return *errors.ServiceError values with codes NotFound,
// InsufficientFunds and InvalidAmount. A change that would take a balance or
// the total issued amount past math.MaxInt64 fails with InvalidAmount.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	GetAccount(ctx context.Context, id string) (account.Account, error)
	ListAccounts(ctx context.Context) ([]account.Account, error)
	GetBalance(ctx context.Context, id string) (int64, error)

	// Adjust applies delta to the balance and to the issued total together.
	Adjust(ctx context.Context, id string, delta int64) (account.Account, error)

	// TransferAtomic debits fromID and credits toID as one unit.
	TransferAtomic(ctx context.Context, fromID, toID string, amount int64) error

	// Totals sums balances and issued amounts in one consistent snapshot.
	Totals(ctx context.Context) (account.Totals, error)
}

// TransactionLog is the append-only record of fund movements.
type TransactionLog interface {
	// Record appends a completed transaction under id, generating one when id
	// is empty. Recording the same movement under an existing id returns the
	// stored entry; a different movement under that id is a Conflict.
	Record(ctx context.Context, id, senderID, receiverID string, amount int64) (ledger.Transaction, error)
	MarkReversed(ctx context.Context, id string) (ledger.Transaction, error)
	GetTransaction(ctx context.Context, id string) (ledger.Transaction, error)

	// ListPendingFor returns the still-completed transactions involving
	// accountID, newest first.
	ListPendingFor(ctx context.Context, accountID string) ([]ledger.Transaction, error)
	ListTransactions(ctx context.Context, filter ledger.Filter) ([]ledger.Transaction, error)
}

// ReversalStore persists reversal requests. Requests are never deleted.
type ReversalStore interface {
	// CreateReversal inserts a pending request, failing with Conflict when a
	// pending or approved request already exists for the same transaction.
	CreateReversal(ctx context.Context, req reversal.Request) (reversal.Request, error)
	GetReversal(ctx context.Context, id string) (reversal.Request, error)

	// DecideReversal moves a pending request to a terminal status, failing
	// with InvalidState when the request is no longer pending.
	DecideReversal(ctx context.Context, id string, decision reversal.Decision) (reversal.Request, error)

	ListReversalsByStatus(ctx context.Context, status reversal.Status) ([]reversal.Request, error)
	ListReversalsByRequester(ctx context.Context, requesterID string) ([]reversal.Request, error)
}
