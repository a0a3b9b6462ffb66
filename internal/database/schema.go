package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is idempotent and applied on every start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS payments (
		id                     TEXT PRIMARY KEY,
		order_id               TEXT NOT NULL,
		buyer_id               TEXT NOT NULL,
		supplier_id            TEXT NOT NULL,
		amount                 BIGINT NOT NULL CHECK (amount > 0),
		currency               CHAR(3) NOT NULL,
		status                 TEXT NOT NULL,
		gateway                TEXT NOT NULL,
		gateway_intent_id      TEXT NOT NULL,
		gateway_transaction_id TEXT NOT NULL DEFAULT '',
		method                 TEXT NOT NULL DEFAULT '',
		error                  TEXT NOT NULL DEFAULT '',
		confirm_started_at     TIMESTAMPTZ,
		created_at             TIMESTAMPTZ NOT NULL,
		updated_at             TIMESTAMPTZ NOT NULL
	)`,
	`ALTER TABLE payments ADD COLUMN IF NOT EXISTS confirm_started_at TIMESTAMPTZ`,
	`CREATE UNIQUE INDEX IF NOT EXISTS payments_gateway_intent_idx ON payments (gateway, gateway_intent_id)`,
	// a processor transaction belongs to at most one payment
	`DROP INDEX IF EXISTS payments_gateway_txn_idx`,
	`CREATE UNIQUE INDEX IF NOT EXISTS payments_gateway_txn_uniq ON payments (gateway, gateway_transaction_id)
		WHERE gateway_transaction_id <> ''`,
	`CREATE INDEX IF NOT EXISTS payments_created_idx ON payments (created_at)`,

	`CREATE TABLE IF NOT EXISTS escrow_holds (
		id                  TEXT PRIMARY KEY,
		payment_id          TEXT NOT NULL REFERENCES payments (id),
		order_id            TEXT NOT NULL,
		buyer_id            TEXT NOT NULL,
		supplier_id         TEXT NOT NULL,
		amount              BIGINT NOT NULL CHECK (amount > 0),
		currency            CHAR(3) NOT NULL,
		refunded_amount     BIGINT NOT NULL DEFAULT 0,
		refund_pending      BIGINT NOT NULL DEFAULT 0,
		hold_period_seconds BIGINT NOT NULL,
		release_date        TIMESTAMPTZ NOT NULL,
		status              TEXT NOT NULL,
		released_at         TIMESTAMPTZ,
		released_by         TEXT NOT NULL DEFAULT '',
		release_reason      TEXT NOT NULL DEFAULT '',
		version             INTEGER NOT NULL DEFAULT 1,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL,
		CHECK (refunded_amount + refund_pending <= amount)
	)`,
	// one hold per payment, whatever its status
	`CREATE UNIQUE INDEX IF NOT EXISTS escrow_holds_payment_idx ON escrow_holds (payment_id)`,
	`CREATE INDEX IF NOT EXISTS escrow_holds_due_idx ON escrow_holds (release_date) WHERE status = 'ACTIVE'`,

	`CREATE TABLE IF NOT EXISTS refunds (
		id                TEXT PRIMARY KEY,
		escrow_id         TEXT NOT NULL REFERENCES escrow_holds (id),
		payment_id        TEXT NOT NULL REFERENCES payments (id),
		amount            BIGINT NOT NULL CHECK (amount > 0),
		currency          CHAR(3) NOT NULL,
		status            TEXT NOT NULL,
		gateway_refund_id TEXT NOT NULL DEFAULT '',
		reason            TEXT NOT NULL DEFAULT '',
		initiated_by      TEXT NOT NULL,
		error             TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS refunds_escrow_idx ON refunds (escrow_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		seq         BIGSERIAL PRIMARY KEY,
		id          TEXT NOT NULL UNIQUE,
		actor_id    TEXT NOT NULL,
		action      TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		payment_id  TEXT NOT NULL,
		details     JSONB NOT NULL DEFAULT '{}',
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_log_payment_idx ON audit_log (payment_id, seq)`,

	`CREATE TABLE IF NOT EXISTS webhook_events (
		gateway     TEXT NOT NULL,
		event_id    TEXT NOT NULL,
		event_type  TEXT NOT NULL,
		reference   TEXT NOT NULL,
		received_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (gateway, event_id)
	)`,
}

func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return tx.Commit()
}
