// Package migrations creates the ledger schema. Every statement is
// idempotent, so Apply can run on each start.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

var statements = []string{
	`CREATE SEQUENCE IF NOT EXISTS account_number_seq`,

	`CREATE TABLE IF NOT EXISTS accounts (
		id          TEXT PRIMARY KEY,
		owner       TEXT NOT NULL DEFAULT '',
		balance     BIGINT NOT NULL CHECK (balance >= 0),
		issued      BIGINT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS transactions (
		id           TEXT PRIMARY KEY,
		sender_id    TEXT NOT NULL REFERENCES accounts (id),
		receiver_id  TEXT NOT NULL REFERENCES accounts (id),
		amount       BIGINT NOT NULL CHECK (amount > 0),
		status       TEXT NOT NULL CHECK (status IN ('completed', 'reversed')),
		created_at   TIMESTAMPTZ NOT NULL,
		reversed_at  TIMESTAMPTZ,
		CHECK (sender_id <> receiver_id)
	)`,

	`CREATE INDEX IF NOT EXISTS transactions_sender_idx ON transactions (sender_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS transactions_receiver_idx ON transactions (receiver_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS reversal_requests (
		id              TEXT PRIMARY KEY,
		transaction_id  TEXT NOT NULL REFERENCES transactions (id),
		requester_id    TEXT NOT NULL,
		reason          TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected')),
		created_at      TIMESTAMPTZ NOT NULL,
		decided_at      TIMESTAMPTZ,
		decided_by      TEXT
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS reversal_requests_active_tx
		ON reversal_requests (transaction_id) WHERE status IN ('pending', 'approved')`,
	`CREATE INDEX IF NOT EXISTS reversal_requests_status_idx ON reversal_requests (status, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS reversal_requests_requester_idx ON reversal_requests (requester_id, created_at DESC)`,
}

// Apply executes the schema statements in order.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
