package memory

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"

	"github.com/R3E-Network/sitcoin/internal/app/domain/account"
	"github.com/R3E-Network/sitcoin/internal/app/domain/ledger"
	"github.com/R3E-Network/sitcoin/internal/app/domain/reversal"
	"github.com/R3E-Network/sitcoin/internal/app/storage"
	apperrors "github.com/R3E-Network/sitcoin/internal/errors"
)

// AccountPrefix prefixes generated account numbers.
const AccountPrefix = "SITC"

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
// State does not survive a restart.
type Store struct {
	mu     deadlock.RWMutex
	nextID int64
	now    func() time.Time

	accounts map[string]account.Account

	transactions map[string]ledger.Transaction
	txOrder      []string

	reversals     map[string]reversal.Request
	reversalOrder []string
	activeByTx    map[string]string
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.TransactionLog = (*Store)(nil)
var _ storage.ReversalStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:       1,
		now:          func() time.Time { return time.Now().UTC() },
		accounts:     make(map[string]account.Account),
		transactions: make(map[string]ledger.Transaction),
		reversals:    make(map[string]reversal.Request),
		activeByTx:   make(map[string]string),
	}
}

func (s *Store) nextAccountIDLocked() string {
	for {
		id := fmt.Sprintf("%s%07d", AccountPrefix, s.nextID)
		s.nextID++
		if _, taken := s.accounts[id]; !taken {
			return id
		}
	}
}

// AccountStore implementation -------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct.ID = strings.TrimSpace(acct.ID)
	if acct.ID == "" {
		acct.ID = s.nextAccountIDLocked()
	} else if _, exists := s.accounts[acct.ID]; exists {
		return account.Account{}, apperrors.Conflict(fmt.Sprintf("account %s already exists", acct.ID))
	}
	if acct.Balance < 0 {
		return account.Account{}, apperrors.InvalidAmount("opening balance must not be negative")
	}
	if err := s.checkIssuanceLocked(acct.Balance); err != nil {
		return account.Account{}, err
	}

	now := s.now()
	acct.Issued = acct.Balance
	acct.CreatedAt = now
	acct.UpdatedAt = now

	s.accounts[acct.ID] = acct
	return acct, nil
}

func (s *Store) GetAccount(_ context.Context, id string) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return account.Account{}, apperrors.NotFound("account", id)
	}
	return acct, nil
}

func (s *Store) ListAccounts(_ context.Context) ([]account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]account.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		result = append(result, acct)
	}
	return result, nil
}

func (s *Store) GetBalance(ctx context.Context, id string) (int64, error) {
	acct, err := s.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

func (s *Store) Adjust(_ context.Context, id string, delta int64) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return account.Account{}, apperrors.NotFound("account", id)
	}
	if delta == math.MinInt64 {
		return account.Account{}, apperrors.InvalidAmount("adjustment out of range")
	}
	if delta < 0 && acct.Balance < -delta {
		return account.Account{}, apperrors.InsufficientFunds(id, acct.Balance, -delta)
	}
	if delta > 0 {
		if acct.Balance > math.MaxInt64-delta {
			return account.Account{}, apperrors.InvalidAmount(fmt.Sprintf("balance of %s would overflow", id))
		}
		if err := s.checkIssuanceLocked(delta); err != nil {
			return account.Account{}, err
		}
	}

	acct.Balance += delta
	acct.Issued += delta
	acct.UpdatedAt = s.now()
	s.accounts[id] = acct
	return acct, nil
}

func (s *Store) TransferAtomic(_ context.Context, fromID, toID string, amount int64) error {
	if amount <= 0 {
		return apperrors.InvalidAmount("amount must be positive")
	}
	if fromID == toID {
		return apperrors.InvalidAmount("sender and receiver must differ")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.accounts[fromID]
	if !ok {
		return apperrors.NotFound("account", fromID)
	}
	to, ok := s.accounts[toID]
	if !ok {
		return apperrors.NotFound("account", toID)
	}
	if from.Balance < amount {
		return apperrors.InsufficientFunds(fromID, from.Balance, amount)
	}
	if to.Balance > math.MaxInt64-amount {
		return apperrors.InvalidAmount(fmt.Sprintf("balance of %s would overflow", toID))
	}

	now := s.now()
	from.Balance -= amount
	from.UpdatedAt = now
	to.Balance += amount
	to.UpdatedAt = now

	s.accounts[fromID] = from
	s.accounts[toID] = to
	return nil
}

func (s *Store) Totals(_ context.Context) (account.Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := account.Totals{Accounts: len(s.accounts)}
	for _, acct := range s.accounts {
		totals.Balance += acct.Balance
		totals.Issued += acct.Issued
	}
	return totals, nil
}

// checkIssuanceLocked rejects issuing amount when the total issued across all
// accounts would pass math.MaxInt64. Balances sum to the issued total, so
// Totals cannot overflow either.
func (s *Store) checkIssuanceLocked(amount int64) error {
	var issued int64
	for _, acct := range s.accounts {
		issued += acct.Issued
	}
	if issued > math.MaxInt64-amount {
		return apperrors.InvalidAmount("total issued amount would overflow")
	}
	return nil
}

// TransactionLog implementation -----------------------------------------------

func (s *Store) Record(_ context.Context, id, senderID, receiverID string, amount int64) (ledger.Transaction, error) {
	if amount <= 0 {
		return ledger.Transaction{}, apperrors.InvalidAmount("amount must be positive")
	}
	if senderID == receiverID {
		return ledger.Transaction{}, apperrors.InvalidAmount("sender and receiver must differ")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	} else if existing, ok := s.transactions[id]; ok {
		if existing.SenderID != senderID || existing.ReceiverID != receiverID || existing.Amount != amount {
			return ledger.Transaction{}, apperrors.Conflict(fmt.Sprintf("transaction %s already records a different movement", id))
		}
		return cloneTransaction(existing), nil
	}

	tx := ledger.Transaction{
		ID:         id,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Amount:     amount,
		Status:     ledger.StatusCompleted,
		CreatedAt:  s.now(),
	}
	s.transactions[tx.ID] = tx
	s.txOrder = append(s.txOrder, tx.ID)
	return cloneTransaction(tx), nil
}

func (s *Store) MarkReversed(_ context.Context, id string) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return ledger.Transaction{}, apperrors.NotFound("transaction", id)
	}
	if tx.Status != ledger.StatusCompleted {
		return ledger.Transaction{}, apperrors.InvalidState(fmt.Sprintf("transaction %s is %s", id, tx.Status))
	}

	now := s.now()
	tx.Status = ledger.StatusReversed
	tx.ReversedAt = &now
	s.transactions[id] = tx
	return cloneTransaction(tx), nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return ledger.Transaction{}, apperrors.NotFound("transaction", id)
	}
	return cloneTransaction(tx), nil
}

func (s *Store) ListPendingFor(ctx context.Context, accountID string) ([]ledger.Transaction, error) {
	return s.ListTransactions(ctx, ledger.Filter{AccountID: accountID, Status: ledger.StatusCompleted})
}

func (s *Store) ListTransactions(_ context.Context, filter ledger.Filter) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ledger.Transaction, 0)
	for i := len(s.txOrder) - 1; i >= 0; i-- {
		tx := s.transactions[s.txOrder[i]]
		if !filter.Matches(tx) {
			continue
		}
		result = append(result, cloneTransaction(tx))
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

// ReversalStore implementation ------------------------------------------------

func (s *Store) CreateReversal(_ context.Context, req reversal.Request) (reversal.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.activeByTx[req.TransactionID]; ok {
		return reversal.Request{}, apperrors.Conflict(
			fmt.Sprintf("transaction %s already has reversal request %s", req.TransactionID, existing))
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	} else if _, exists := s.reversals[req.ID]; exists {
		return reversal.Request{}, apperrors.Conflict(fmt.Sprintf("reversal %s already exists", req.ID))
	}
	req.Status = reversal.StatusPending
	req.CreatedAt = s.now()
	req.DecidedAt = nil
	req.DecidedBy = ""

	s.reversals[req.ID] = req
	s.reversalOrder = append(s.reversalOrder, req.ID)
	s.activeByTx[req.TransactionID] = req.ID
	return cloneReversal(req), nil
}

func (s *Store) GetReversal(_ context.Context, id string) (reversal.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.reversals[id]
	if !ok {
		return reversal.Request{}, apperrors.NotFound("reversal", id)
	}
	return cloneReversal(req), nil
}

func (s *Store) DecideReversal(_ context.Context, id string, decision reversal.Decision) (reversal.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.reversals[id]
	if !ok {
		return reversal.Request{}, apperrors.NotFound("reversal", id)
	}
	if !reversal.CanTransition(req.Status, decision.Status) {
		return reversal.Request{}, apperrors.InvalidState(
			fmt.Sprintf("reversal %s is %s and cannot become %s", id, req.Status, decision.Status))
	}

	decidedAt := decision.DecidedAt
	if decidedAt.IsZero() {
		decidedAt = s.now()
	}
	req.Status = decision.Status
	req.DecidedBy = decision.AdminID
	req.DecidedAt = &decidedAt
	s.reversals[id] = req

	if !req.Status.Active() {
		delete(s.activeByTx, req.TransactionID)
	}
	return cloneReversal(req), nil
}

func (s *Store) ListReversalsByStatus(_ context.Context, status reversal.Status) ([]reversal.Request, error) {
	return s.listReversals(func(req reversal.Request) bool {
		return status == "" || req.Status == status
	}), nil
}

func (s *Store) ListReversalsByRequester(_ context.Context, requesterID string) ([]reversal.Request, error) {
	return s.listReversals(func(req reversal.Request) bool {
		return req.RequesterID == requesterID
	}), nil
}

func (s *Store) listReversals(match func(reversal.Request) bool) []reversal.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]reversal.Request, 0)
	for i := len(s.reversalOrder) - 1; i >= 0; i-- {
		req := s.reversals[s.reversalOrder[i]]
		if match(req) {
			result = append(result, cloneReversal(req))
		}
	}
	return result
}

// Helpers ---------------------------------------------------------------------

func cloneTransaction(tx ledger.Transaction) ledger.Transaction {
	if tx.ReversedAt != nil {
		at := *tx.ReversedAt
		tx.ReversedAt = &at
	}
	return tx
}

func cloneReversal(req reversal.Request) reversal.Request {
	if req.DecidedAt != nil {
		at := *req.DecidedAt
		req.DecidedAt = &at
	}
	return req
}
