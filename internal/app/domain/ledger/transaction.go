package ledger

import (
	"fmt"
	"time"
)

// Status is the lifecycle stage of a transaction.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusReversed  Status = "reversed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCompleted, StatusReversed:
		return true
	default:
		return false
	}
}

// ParseStatus converts a raw string into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown transaction status %q", raw)
	}
	return s, nil
}

// Transaction records one completed fund movement. Sender, receiver and
// amount never change after creation; only Status moves, once, to reversed.
type Transaction struct {
	ID         string     `json:"id" db:"id"`
	SenderID   string     `json:"sender_id" db:"sender_id"`
	ReceiverID string     `json:"receiver_id" db:"receiver_id"`
	Amount     int64      `json:"amount" db:"amount"`
	Status     Status     `json:"status" db:"status"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ReversedAt *time.Time `json:"reversed_at,omitempty" db:"reversed_at"`
}

// Involves reports whether accountID is the sender or the receiver.
func (t Transaction) Involves(accountID string) bool {
	return accountID != "" && (t.SenderID == accountID || t.ReceiverID == accountID)
}

// NetFor returns the signed effect of the transaction on accountID's balance
// while it is completed. Reversed transactions net to zero.
func (t Transaction) NetFor(accountID string) int64 {
	if t.Status != StatusCompleted {
		return 0
	}
	var net int64
	if t.ReceiverID == accountID {
		net += t.Amount
	}
	if t.SenderID == accountID {
		net -= t.Amount
	}
	return net
}

// Filter narrows transaction listings. Zero values match everything.
type Filter struct {
	AccountID string
	Status    Status
	Limit     int
}

// Matches reports whether tx satisfies the filter.
func (f Filter) Matches(tx Transaction) bool {
	if f.AccountID != "" && !tx.Involves(f.AccountID) {
		return false
	}
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	return true
}
