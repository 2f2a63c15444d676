package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// migrations are applied in order inside one transaction. Each statement is
// idempotent so Migrate can run on every start.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id           TEXT PRIMARY KEY,
		role         TEXT NOT NULL CHECK (role IN ('reader', 'author', 'admin')),
		balance      BIGINT NOT NULL DEFAULT 0,
		total_earned BIGINT NOT NULL DEFAULT 0,
		total_spent  BIGINT NOT NULL DEFAULT 0,
		version      INTEGER NOT NULL DEFAULT 1,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT accounts_balance_check CHECK (balance >= 0),
		CONSTRAINT accounts_totals_check CHECK (total_earned >= 0 AND total_spent >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_transactions (
		id                      TEXT PRIMARY KEY,
		seq                     BIGSERIAL NOT NULL UNIQUE,
		type                    TEXT NOT NULL CHECK (type IN ('purchase', 'tip_sent', 'tip_received', 'cashout', 'refund')),
		amount                  BIGINT NOT NULL,
		status                  TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed', 'cancelled')),
		account_id              TEXT NOT NULL REFERENCES accounts(id),
		counterparty_account_id TEXT REFERENCES accounts(id),
		related_entity_id       TEXT,
		pair_id                 TEXT,
		refund_of               TEXT REFERENCES ledger_transactions(id),
		external_reference      TEXT,
		usd_cents               BIGINT NOT NULL DEFAULT 0,
		failure_reason          TEXT,
		created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		finalized_at            TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_transactions_account_seq
		ON ledger_transactions (account_id, seq DESC)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_transactions_external_reference
		ON ledger_transactions (external_reference) WHERE external_reference IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_transactions_refund_of
		ON ledger_transactions (refund_of) WHERE refund_of IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_transactions_pending
		ON ledger_transactions (created_at) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_transactions_pair
		ON ledger_transactions (pair_id) WHERE pair_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS chapters (
		id           TEXT PRIMARY KEY,
		author_id    TEXT NOT NULL,
		is_published BOOLEAN NOT NULL DEFAULT FALSE,
		is_private   BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS payout_destinations (
		account_id          TEXT PRIMARY KEY REFERENCES accounts(id),
		provider            TEXT NOT NULL DEFAULT 'stripe',
		destination_account TEXT NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate creates the ledger schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range migrations {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	log.Printf("[DATABASE] Applied %d schema statements", len(migrations))
	return nil
}
