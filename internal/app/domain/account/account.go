package account

import "time"

// Account is a balance-holding entity owned by a user. Balance is in minor
// units and never negative. Issued tracks funds that entered the system for
// this account through its opening balance and administrative adjustments, so
// that the sum of all balances always equals the sum of all issued amounts.
type Account struct {
	ID        string    `json:"id" db:"id"`
	Owner     string    `json:"owner" db:"owner"`
	Balance   int64     `json:"balance" db:"balance"`
	Issued    int64     `json:"issued" db:"issued"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Totals aggregates balances across the whole store.
type Totals struct {
	Accounts int   `json:"accounts"`
	Balance  int64 `json:"balance" db:"balance"`
	Issued   int64 `json:"issued" db:"issued"`
}

// Conserved reports whether no funds were created or destroyed by transfers.
func (t Totals) Conserved() bool {
	return t.Balance == t.Issued
}
