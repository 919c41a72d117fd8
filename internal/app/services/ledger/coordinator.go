// Package ledger coordinates balance changes with the transaction log.
//
// The Coordinator is the only writer of balances and transaction status. It
// holds the locks of every account a movement touches across both the
// balance update and the log write, and every balance read takes the same
// lock, so no reader observes one without the other.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/sitcoin/internal/app/auth"
	"github.com/R3E-Network/sitcoin/internal/app/domain/account"
	domain "github.com/R3E-Network/sitcoin/internal/app/domain/ledger"
	"github.com/R3E-Network/sitcoin/internal/app/locks"
	"github.com/R3E-Network/sitcoin/internal/app/metrics"
	"github.com/R3E-Network/sitcoin/internal/app/storage"
	apperrors "github.com/R3E-Network/sitcoin/internal/errors"
	"github.com/R3E-Network/sitcoin/pkg/logger"
)

// Config tunes the coordinator.
type Config struct {
	// LockTimeout is applied to calls whose context carries no deadline.
	LockTimeout time.Duration
	Retry       RetryPolicy
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{LockTimeout: 5 * time.Second, Retry: DefaultRetryPolicy()}
}

// MovementKind distinguishes the log write a queued movement still needs.
type MovementKind string

const (
	MovementTransfer MovementKind = "transfer"
	MovementReversal MovementKind = "reversal"
)

// Movement is a balance change that was applied but whose log write failed
// after every retry. It waits in the coordinator until replayed.
type Movement struct {
	ID            string       `json:"id"`
	Kind          MovementKind `json:"kind"`
	TransactionID string       `json:"transaction_id"`
	SenderID      string       `json:"sender_id"`
	ReceiverID    string       `json:"receiver_id"`
	Amount        int64        `json:"amount"`
	AppliedAt     time.Time    `json:"applied_at"`
	LastError     string       `json:"last_error"`
}

// Coordinator performs money movement.
type Coordinator struct {
	accounts     storage.AccountStore
	transactions storage.TransactionLog
	locker       locks.Locker
	cfg          Config
	log          *logger.Logger

	mu       sync.Mutex
	unlogged []Movement
}

// New creates a coordinator. A nil locker selects an in-process one.
func New(accounts storage.AccountStore, transactions storage.TransactionLog, locker locks.Locker, cfg Config, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	if locker == nil {
		locker = locks.NewLocal()
	}
	def := DefaultConfig()
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	cfg.Retry = cfg.Retry.normalized()
	return &Coordinator{
		accounts:     accounts,
		transactions: transactions,
		locker:       locker,
		cfg:          cfg,
		log:          log,
	}
}

// Transfer moves amount from senderID to receiverID and records a completed
// transaction. Only the sender's owner or the system may move funds.
func (c *Coordinator) Transfer(ctx context.Context, caller auth.Caller, senderID, receiverID string, amount int64) (tx domain.Transaction, err error) {
	defer c.observe("transfer", time.Now(), &err)

	senderID = strings.TrimSpace(senderID)
	receiverID = strings.TrimSpace(receiverID)
	if amount <= 0 {
		return domain.Transaction{}, apperrors.InvalidAmount("amount must be positive")
	}
	if senderID == receiverID {
		return domain.Transaction{}, apperrors.InvalidAmount("sender and receiver must differ")
	}
	if !caller.Owns(senderID) && !caller.IsSystem() {
		return domain.Transaction{}, apperrors.Unauthorized("transfer is not permitted from account " + senderID)
	}

	// One id per movement, so a retried or replayed log write cannot add a
	// second entry.
	txID := uuid.NewString()
	err = c.withAccounts(ctx, func(ctx context.Context) error {
		if err := c.accounts.TransferAtomic(ctx, senderID, receiverID, amount); err != nil {
			return err
		}
		recorded, err := c.record(ctx, txID, senderID, receiverID, amount)
		tx = recorded
		return err
	}, senderID, receiverID)
	if err != nil {
		return domain.Transaction{}, err
	}

	c.log.WithContext(ctx).WithFields(logrus.Fields{
		"transaction_id": tx.ID,
		"sender_id":      senderID,
		"receiver_id":    receiverID,
		"amount":         amount,
	}).Info("transfer applied")
	return tx, nil
}

// ReverseTransaction moves a completed transaction's amount back from its
// receiver to its sender and marks it reversed. The original amount is
// always used in full.
func (c *Coordinator) ReverseTransaction(ctx context.Context, transactionID string) (tx domain.Transaction, err error) {
	defer c.observe("reverse", time.Now(), &err)

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	original, err := c.transactions.GetTransaction(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}

	err = c.withAccounts(ctx, func(ctx context.Context) error {
		current, err := c.transactions.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if current.Status != domain.StatusCompleted {
			return apperrors.InvalidState(fmt.Sprintf("transaction %s is already %s", transactionID, current.Status))
		}

		// Funds already moved by an earlier attempt; only the log write is owed.
		if queued, ok := c.queuedReversal(transactionID); ok {
			reversed, err := c.markReversed(ctx, queued.SenderID, queued.ReceiverID, queued.Amount, transactionID, false)
			if err == nil {
				c.dequeue(queued.ID)
			}
			tx = reversed
			return err
		}

		if err := c.accounts.TransferAtomic(ctx, current.ReceiverID, current.SenderID, current.Amount); err != nil {
			return err
		}
		reversed, err := c.markReversed(ctx, current.SenderID, current.ReceiverID, current.Amount, transactionID, true)
		tx = reversed
		return err
	}, original.SenderID, original.ReceiverID)
	if err != nil {
		return domain.Transaction{}, err
	}

	c.log.WithContext(ctx).WithFields(logrus.Fields{
		"transaction_id": tx.ID,
		"sender_id":      tx.SenderID,
		"receiver_id":    tx.ReceiverID,
		"amount":         tx.Amount,
	}).Info("transaction reversed")
	return tx, nil
}

// GetBalance returns an account balance. Owners and admins may read it.
func (c *Coordinator) GetBalance(ctx context.Context, caller auth.Caller, accountID string) (int64, error) {
	if err := caller.RequireOwnerOrAdmin("read balance", accountID); err != nil {
		return 0, err
	}
	var balance int64
	err := c.withAccounts(ctx, func(ctx context.Context) error {
		var err error
		balance, err = c.accounts.GetBalance(ctx, accountID)
		return err
	}, accountID)
	return balance, err
}

// GetAccount returns an account. Owners and admins may read it.
func (c *Coordinator) GetAccount(ctx context.Context, caller auth.Caller, accountID string) (account.Account, error) {
	if err := caller.RequireOwnerOrAdmin("read account", accountID); err != nil {
		return account.Account{}, err
	}
	var acct account.Account
	err := c.withAccounts(ctx, func(ctx context.Context) error {
		var err error
		acct, err = c.accounts.GetAccount(ctx, accountID)
		return err
	}, accountID)
	return acct, err
}

// GetTransaction returns a transaction to a party of it or an admin.
func (c *Coordinator) GetTransaction(ctx context.Context, caller auth.Caller, transactionID string) (domain.Transaction, error) {
	tx, err := c.transactions.GetTransaction(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if !caller.IsAdmin() && !caller.IsSystem() && !tx.Involves(caller.AccountID) {
		return domain.Transaction{}, apperrors.Unauthorized("transaction " + transactionID + " is not visible to the caller")
	}
	return tx, nil
}

// ListPendingFor returns the still-reversible transactions of an account.
func (c *Coordinator) ListPendingFor(ctx context.Context, caller auth.Caller, accountID string) ([]domain.Transaction, error) {
	if err := caller.RequireOwnerOrAdmin("list transactions", accountID); err != nil {
		return nil, err
	}
	return c.transactions.ListPendingFor(ctx, accountID)
}

// ListTransactions lists transactions matching filter. Listing across all
// accounts is reserved to admins.
func (c *Coordinator) ListTransactions(ctx context.Context, caller auth.Caller, filter domain.Filter) ([]domain.Transaction, error) {
	if filter.AccountID == "" {
		if err := caller.RequireAdmin("list all transactions"); err != nil {
			return nil, err
		}
	} else if err := caller.RequireOwnerOrAdmin("list transactions", filter.AccountID); err != nil {
		return nil, err
	}
	return c.transactions.ListTransactions(ctx, filter)
}

// OpenAccount creates an account with an opening balance. An empty
// accountID lets the store assign one.
func (c *Coordinator) OpenAccount(ctx context.Context, caller auth.Caller, owner, accountID string, opening int64) (acct account.Account, err error) {
	defer c.observe("open_account", time.Now(), &err)

	if !caller.IsAdmin() && !caller.IsSystem() {
		return account.Account{}, apperrors.Unauthorized("opening accounts requires an admin caller")
	}
	if opening < 0 {
		return account.Account{}, apperrors.InvalidAmount("opening balance must not be negative")
	}
	acct, err = c.accounts.CreateAccount(ctx, account.Account{
		ID:      strings.TrimSpace(accountID),
		Owner:   strings.TrimSpace(owner),
		Balance: opening,
	})
	if err != nil {
		return account.Account{}, err
	}
	c.log.WithContext(ctx).WithFields(logrus.Fields{
		"account_id": acct.ID,
		"owner":      acct.Owner,
		"opening":    opening,
	}).Info("account opened")
	return acct, nil
}

// Adjust issues (delta > 0) or redeems (delta < 0) funds on an account.
func (c *Coordinator) Adjust(ctx context.Context, caller auth.Caller, accountID string, delta int64) (acct account.Account, err error) {
	defer c.observe("adjust", time.Now(), &err)

	if err := caller.RequireAdmin("adjust balance"); err != nil {
		return account.Account{}, err
	}
	if delta == 0 {
		return account.Account{}, apperrors.InvalidAmount("adjustment must not be zero")
	}
	err = c.withAccounts(ctx, func(ctx context.Context) error {
		var err error
		acct, err = c.accounts.Adjust(ctx, accountID, delta)
		return err
	}, accountID)
	if err != nil {
		return account.Account{}, err
	}
	c.log.WithContext(ctx).WithFields(logrus.Fields{
		"account_id": accountID,
		"delta":      delta,
		"admin_id":   caller.UserID,
	}).Warn("balance adjusted")
	return acct, nil
}

// Unlogged returns a copy of the movements still waiting for a log entry.
func (c *Coordinator) Unlogged() []Movement {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Movement, len(c.unlogged))
	copy(out, c.unlogged)
	return out
}

// ReplayUnlogged retries the log write of every queued movement. It returns
// how many were written; failures stay queued. Concurrent passes are safe:
// a movement is written and dequeued under its account locks, and a pass
// skips movements another one already took off the queue.
func (c *Coordinator) ReplayUnlogged(ctx context.Context) (int, error) {
	replayed := 0
	for _, mv := range c.Unlogged() {
		mv := mv
		written := false
		err := c.withAccounts(ctx, func(ctx context.Context) error {
			if !c.queued(mv.ID) {
				return nil
			}
			var err error
			switch mv.Kind {
			case MovementTransfer:
				_, err = c.transactions.Record(ctx, mv.TransactionID, mv.SenderID, mv.ReceiverID, mv.Amount)
			case MovementReversal:
				_, err = c.transactions.MarkReversed(ctx, mv.TransactionID)
				if apperrors.HasCode(err, apperrors.CodeInvalidState) {
					err = nil
				}
			default:
				err = apperrors.Internal("unknown movement kind "+string(mv.Kind), nil)
			}
			if err != nil {
				return err
			}
			c.dequeue(mv.ID)
			written = true
			return nil
		}, mv.SenderID, mv.ReceiverID)
		if err != nil {
			if apperrors.HasCode(err, apperrors.CodeTimeout) && ctx.Err() != nil {
				return replayed, err
			}
			c.log.WithContext(ctx).WithError(err).WithField("movement_id", mv.ID).Warn("replay of unlogged movement failed")
			continue
		}
		if !written {
			continue
		}
		replayed++
		c.log.WithContext(ctx).WithFields(movementFields(mv)).Info("unlogged movement replayed")
	}
	return replayed, nil
}

// AccountDrift compares one account's balance with what its issued amount
// and completed transactions imply. It reads both under the account lock.
func (c *Coordinator) AccountDrift(ctx context.Context, accountID string) (Drift, error) {
	var drift Drift
	err := c.withAccounts(ctx, func(ctx context.Context) error {
		acct, err := c.accounts.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		txs, err := c.transactions.ListTransactions(ctx, domain.Filter{AccountID: accountID, Status: domain.StatusCompleted})
		if err != nil {
			return err
		}
		expected := acct.Issued
		for _, tx := range txs {
			expected += tx.NetFor(accountID)
		}
		drift = Drift{AccountID: accountID, Balance: acct.Balance, Expected: expected}
		return nil
	}, accountID)
	return drift, err
}

// Totals returns the global balance and issuance sums.
func (c *Coordinator) Totals(ctx context.Context) (account.Totals, error) {
	return c.accounts.Totals(ctx)
}

// Accounts lists every account id known to the store.
func (c *Coordinator) Accounts(ctx context.Context) ([]account.Account, error) {
	return c.accounts.ListAccounts(ctx)
}

// withAccounts runs fn while holding the locks of every listed account.
func (c *Coordinator) withAccounts(ctx context.Context, fn func(ctx context.Context) error, accountIDs ...string) error {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	keys := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		keys = append(keys, locks.AccountKey(id))
	}
	start := time.Now()
	release, err := c.locker.Acquire(ctx, keys...)
	metrics.RecordLockWait(time.Since(start))
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// WithDeadline applies the configured lock timeout when ctx has none.
func (c *Coordinator) WithDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return c.withDeadline(ctx)
}

func (c *Coordinator) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.LockTimeout)
}

// record writes the log entry for a transfer whose balances already moved.
// Caller cancellation no longer applies at this point.
func (c *Coordinator) record(ctx context.Context, transactionID, senderID, receiverID string, amount int64) (domain.Transaction, error) {
	var tx domain.Transaction
	attempts, err := retry(context.WithoutCancel(ctx), c.cfg.Retry, func(ctx context.Context) error {
		var err error
		tx, err = c.transactions.Record(ctx, transactionID, senderID, receiverID, amount)
		return err
	})
	if err == nil {
		return tx, nil
	}
	return domain.Transaction{}, c.inconsistent(ctx, Movement{
		Kind:          MovementTransfer,
		TransactionID: transactionID,
		SenderID:      senderID,
		ReceiverID:    receiverID,
		Amount:        amount,
	}, attempts, err, true)
}

func (c *Coordinator) markReversed(ctx context.Context, senderID, receiverID string, amount int64, transactionID string, enqueue bool) (domain.Transaction, error) {
	var tx domain.Transaction
	attempts, err := retry(context.WithoutCancel(ctx), c.cfg.Retry, func(ctx context.Context) error {
		var err error
		tx, err = c.transactions.MarkReversed(ctx, transactionID)
		return err
	})
	if err == nil {
		return tx, nil
	}
	return domain.Transaction{}, c.inconsistent(ctx, Movement{
		Kind:          MovementReversal,
		TransactionID: transactionID,
		SenderID:      senderID,
		ReceiverID:    receiverID,
		Amount:        amount,
	}, attempts, err, enqueue)
}

// inconsistent reports a movement whose balances changed but whose log write
// failed. Balances are left as they are; the reconciler finishes the write.
func (c *Coordinator) inconsistent(ctx context.Context, mv Movement, attempts int, cause error, enqueue bool) error {
	mv.ID = uuid.NewString()
	mv.AppliedAt = time.Now().UTC()
	mv.LastError = cause.Error()
	if enqueue {
		c.mu.Lock()
		c.unlogged = append(c.unlogged, mv)
		c.mu.Unlock()
	}
	metrics.RecordInconsistency()

	c.log.WithContext(ctx).WithError(cause).WithFields(movementFields(mv)).
		WithField("attempts", attempts).
		Error("balances changed but log write failed; queued for reconciliation")

	return apperrors.LedgerInconsistency(
		fmt.Sprintf("%s %s -> %s of %d applied but not logged", mv.Kind, mv.SenderID, mv.ReceiverID, mv.Amount), cause).
		WithDetails("movement_id", mv.ID)
}

func (c *Coordinator) queuedReversal(transactionID string) (Movement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, mv := range c.unlogged {
		if mv.Kind == MovementReversal && mv.TransactionID == transactionID {
			return mv, true
		}
	}
	return Movement{}, false
}

func (c *Coordinator) queued(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, mv := range c.unlogged {
		if mv.ID == id {
			return true
		}
	}
	return false
}

func (c *Coordinator) dequeue(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, mv := range c.unlogged {
		if mv.ID == id {
			c.unlogged = append(c.unlogged[:i], c.unlogged[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) observe(operation string, start time.Time, errp *error) {
	outcome := "ok"
	if errp != nil && *errp != nil {
		outcome = string(apperrors.CodeOf(*errp))
	}
	metrics.RecordLedgerOperation(operation, outcome, time.Since(start))
}

func movementFields(mv Movement) logrus.Fields {
	return logrus.Fields{
		"movement_id":    mv.ID,
		"kind":           mv.Kind,
		"transaction_id": mv.TransactionID,
		"sender_id":      mv.SenderID,
		"receiver_id":    mv.ReceiverID,
		"amount":         mv.Amount,
	}
}
