package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
	id BIGSERIAL PRIMARY KEY,
	order_id TEXT,
	amount NUMERIC(12,2) NOT NULL DEFAULT 0,
	currency TEXT NOT NULL DEFAULT 'USD',
	status TEXT NOT NULL DEFAULT 'pending',
	external_id TEXT UNIQUE,
	payer_name TEXT,
	payer_phone TEXT,
	remark TEXT,
	khqr_string TEXT,
	khqr_md5 TEXT,
	metadata JSONB,
	paid_at TIMESTAMPTZ,
	expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_order_id ON transactions (order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_khqr_md5 ON transactions (khqr_md5)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_status_created ON transactions (status, created_at DESC)`,
}

// Migrate applies the schema at startup. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}
