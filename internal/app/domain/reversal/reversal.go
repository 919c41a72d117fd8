package reversal

import (
	"fmt"
	"time"
)

// Status is the lifecycle stage of a reversal request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Active reports whether the status blocks a new request for the same
// transaction.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusApproved
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	return from == StatusPending && to.Terminal()
}

// ParseStatus converts a raw string into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown reversal status %q", raw)
	}
	return s, nil
}

// Request asks an administrator to undo one completed transaction.
type Request struct {
	ID            string     `json:"id" db:"id"`
	TransactionID string     `json:"transaction_id" db:"transaction_id"`
	RequesterID   string     `json:"requester_id" db:"requester_id"`
	Reason        string     `json:"reason" db:"reason"`
	Status        Status     `json:"status" db:"status"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	DecidedAt     *time.Time `json:"decided_at,omitempty" db:"decided_at"`
	DecidedBy     string     `json:"decided_by,omitempty" db:"decided_by"`
}

// Decision is the terminal outcome an administrator applies to a request.
type Decision struct {
	Status    Status
	AdminID   string
	DecidedAt time.Time
}
