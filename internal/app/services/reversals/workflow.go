// Package reversals implements the reversal request lifecycle.
//
// A party to a completed transaction asks for it to be undone; an
// administrator approves or rejects the request. Approval delegates the
// fund movement to the ledger coordinator and only records the request as
// approved once the movement succeeded.
package reversals

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/sitcoin/internal/app/auth"
	"github.com/R3E-Network/sitcoin/internal/app/domain/ledger"
	"github.com/R3E-Network/sitcoin/internal/app/domain/reversal"
	"github.com/R3E-Network/sitcoin/internal/app/locks"
	"github.com/R3E-Network/sitcoin/internal/app/metrics"
	"github.com/R3E-Network/sitcoin/internal/app/storage"
	apperrors "github.com/R3E-Network/sitcoin/internal/errors"
	"github.com/R3E-Network/sitcoin/pkg/logger"
)

// MaxReasonLength bounds the free-text reason on a request.
const MaxReasonLength = 500

// Reverser applies the inverse movement of a completed transaction.
type Reverser interface {
	ReverseTransaction(ctx context.Context, transactionID string) (ledger.Transaction, error)
}

// Workflow manages reversal requests.
type Workflow struct {
	requests     storage.ReversalStore
	transactions storage.TransactionLog
	reverser     Reverser
	locker       locks.Locker
	lockTimeout  time.Duration
	log          *logger.Logger
}

// New creates a workflow. The locker must be the one the reverser uses for
// accounts when both run in the same process.
func New(requests storage.ReversalStore, transactions storage.TransactionLog, reverser Reverser, locker locks.Locker, lockTimeout time.Duration, log *logger.Logger) *Workflow {
	if log == nil {
		log = logger.NewDefault("reversals")
	}
	if locker == nil {
		locker = locks.NewLocal()
	}
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &Workflow{
		requests:     requests,
		transactions: transactions,
		reverser:     reverser,
		locker:       locker,
		lockTimeout:  lockTimeout,
		log:          log,
	}
}

// RequestReversal opens a pending request on behalf of a party to the
// transaction. No funds move.
func (w *Workflow) RequestReversal(ctx context.Context, caller auth.Caller, transactionID, reason string) (req reversal.Request, err error) {
	defer observe("request_reversal", time.Now(), &err)

	transactionID = strings.TrimSpace(transactionID)
	reason = strings.TrimSpace(reason)
	if transactionID == "" {
		return reversal.Request{}, apperrors.Validation("transaction id is required")
	}
	if len(reason) > MaxReasonLength {
		return reversal.Request{}, apperrors.Validation(fmt.Sprintf("reason must be at most %d characters", MaxReasonLength))
	}

	tx, err := w.transactions.GetTransaction(ctx, transactionID)
	if err != nil {
		return reversal.Request{}, err
	}
	if tx.Status != ledger.StatusCompleted {
		return reversal.Request{}, apperrors.InvalidState(fmt.Sprintf("transaction %s is %s", transactionID, tx.Status))
	}
	if !tx.Involves(caller.AccountID) {
		return reversal.Request{}, apperrors.Unauthorized("only the sender or receiver may request a reversal")
	}

	req, err = w.requests.CreateReversal(ctx, reversal.Request{
		TransactionID: transactionID,
		RequesterID:   caller.AccountID,
		Reason:        reason,
	})
	if err != nil {
		return reversal.Request{}, err
	}

	w.log.WithContext(ctx).WithFields(logrus.Fields{
		"reversal_id":    req.ID,
		"transaction_id": transactionID,
		"requester_id":   req.RequesterID,
	}).Info("reversal requested")
	return req, nil
}

// Decide approves or rejects a pending request. Approval moves the funds
// back first; when that fails the request stays pending and ReversalFailed
// is returned.
func (w *Workflow) Decide(ctx context.Context, caller auth.Caller, requestID string, approve bool) (req reversal.Request, err error) {
	op := "reject_reversal"
	if approve {
		op = "approve_reversal"
	}
	defer observe(op, time.Now(), &err)

	if err := caller.RequireAdmin("deciding reversals"); err != nil {
		return reversal.Request{}, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.lockTimeout)
		defer cancel()
	}

	// The request lock is always taken before any account lock.
	release, err := w.locker.Acquire(ctx, locks.ReversalKey(requestID))
	if err != nil {
		return reversal.Request{}, err
	}
	defer release()

	current, err := w.requests.GetReversal(ctx, requestID)
	if err != nil {
		return reversal.Request{}, err
	}
	if current.Status != reversal.StatusPending {
		return reversal.Request{}, apperrors.InvalidState(fmt.Sprintf("reversal %s is already %s", requestID, current.Status))
	}

	status := reversal.StatusRejected
	if approve {
		status = reversal.StatusApproved
		if err := w.apply(ctx, current); err != nil {
			w.log.WithContext(ctx).WithError(err).WithFields(logrus.Fields{
				"reversal_id":    requestID,
				"transaction_id": current.TransactionID,
			}).Warn("reversal could not be applied; request stays pending")
			return reversal.Request{}, apperrors.ReversalFailed(requestID, err)
		}
	}

	req, err = w.requests.DecideReversal(ctx, requestID, reversal.Decision{
		Status:    status,
		AdminID:   caller.UserID,
		DecidedAt: time.Now().UTC(),
	})
	if err != nil {
		if approve {
			// Funds already moved; a later approval sees the reversed
			// transaction and completes the request.
			w.log.WithContext(ctx).WithError(err).WithField("reversal_id", requestID).
				Error("transaction reversed but request status not saved")
		}
		return reversal.Request{}, err
	}

	metrics.RecordReversalDecision(string(status))
	w.log.WithContext(ctx).WithFields(logrus.Fields{
		"reversal_id":    req.ID,
		"transaction_id": req.TransactionID,
		"status":         req.Status,
		"admin_id":       req.DecidedBy,
	}).Info("reversal decided")
	return req, nil
}

// apply reverses the request's transaction. A transaction that is already
// reversed can only have been reversed for this request, since at most one
// active request exists per transaction, so it counts as applied.
func (w *Workflow) apply(ctx context.Context, req reversal.Request) error {
	_, err := w.reverser.ReverseTransaction(ctx, req.TransactionID)
	if err == nil {
		return nil
	}
	if !apperrors.HasCode(err, apperrors.CodeInvalidState) {
		return err
	}
	tx, getErr := w.transactions.GetTransaction(ctx, req.TransactionID)
	if getErr == nil && tx.Status == ledger.StatusReversed {
		return nil
	}
	return err
}

// ListByStatus lists requests newest first. An empty status lists all.
func (w *Workflow) ListByStatus(ctx context.Context, caller auth.Caller, status reversal.Status) ([]reversal.Request, error) {
	if err := caller.RequireAdmin("listing reversals"); err != nil {
		return nil, err
	}
	if status != "" && !status.Valid() {
		return nil, apperrors.Validation(fmt.Sprintf("unknown reversal status %q", status))
	}
	return w.requests.ListReversalsByStatus(ctx, status)
}

// Get returns a request to an admin or to the account that raised it.
func (w *Workflow) Get(ctx context.Context, caller auth.Caller, requestID string) (reversal.Request, error) {
	req, err := w.requests.GetReversal(ctx, requestID)
	if err != nil {
		return reversal.Request{}, err
	}
	if !caller.IsAdmin() && !caller.Owns(req.RequesterID) {
		return reversal.Request{}, apperrors.Unauthorized("reversal " + requestID + " is not visible to the caller")
	}
	return req, nil
}

// ListForAccount lists the caller's own requests, newest first.
func (w *Workflow) ListForAccount(ctx context.Context, caller auth.Caller) ([]reversal.Request, error) {
	if caller.AccountID == "" {
		return nil, apperrors.Unauthorized("caller has no account")
	}
	return w.requests.ListReversalsByRequester(ctx, caller.AccountID)
}

func observe(operation string, start time.Time, errp *error) {
	outcome := "ok"
	if errp != nil && *errp != nil {
		outcome = string(apperrors.CodeOf(*errp))
	}
	metrics.RecordLedgerOperation(operation, outcome, time.Since(start))
}
