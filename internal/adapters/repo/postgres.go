package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"khqr-gateway/internal/domain"
)

const (
	queryTimeout = 5 * time.Second

	// Polled lookups only consider this much history; QRs expire within a
	// day, anything older is dead weight.
	digestLookupWindow = "48 hours"

	transactionColumns = `id, COALESCE(order_id, ''), amount, currency, status,
COALESCE(external_id, ''), COALESCE(payer_name, ''), COALESCE(payer_phone, ''),
COALESCE(remark, ''), COALESCE(khqr_string, ''), COALESCE(khqr_md5, ''),
metadata, paid_at, expires_at, created_at, updated_at`
)

// Postgres implements domain.TransactionStore over a pgx pool. Reconciliation
// runs inside explicit transactions with FOR UPDATE row locks; plain reads
// never lock.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, queryTimeout)
}

func (p *Postgres) Begin(ctx context.Context) (domain.TransactionTx, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &storeTx{tx: tx}, nil
}

func (p *Postgres) CreateTransaction(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	meta, err := marshalMetadata(tx.Metadata)
	if err != nil {
		return domain.Transaction{}, err
	}
	row := p.pool.QueryRow(ctx, `
INSERT INTO transactions (order_id, amount, currency, status, external_id, payer_name, payer_phone, remark, khqr_string, khqr_md5, metadata, paid_at, expires_at)
VALUES (NULLIF($1, ''), $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11, $12, $13)
RETURNING `+transactionColumns, tx.OrderID, tx.Amount, tx.Currency, tx.Status, tx.ExternalID,
		tx.PayerName, tx.PayerPhone, tx.Remark, tx.KHQR, tx.Digest, meta, tx.PaidAt, tx.ExpiresAt)
	return scanTransaction(row)
}

func (p *Postgres) GetByID(ctx context.Context, id int64) (domain.Transaction, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	row := p.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return tx, err
}

func (p *Postgres) List(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
SELECT `+transactionColumns+`
FROM transactions
WHERE ($1 = '' OR status = $1)
  AND ($2 = '' OR order_id ILIKE '%' || $2 || '%')
ORDER BY created_at DESC
LIMIT $3`, string(filter.Status), filter.Search, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

type storeTx struct {
	tx pgx.Tx
}

func (t *storeTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *storeTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func (t *storeTx) FindByExternalID(ctx context.Context, externalID string) (domain.Transaction, error) {
	row := t.tx.QueryRow(ctx, `
SELECT `+transactionColumns+` FROM transactions WHERE external_id = $1`, externalID)
	return one(row)
}

func (t *storeTx) FindByDigest(ctx context.Context, digest string) (domain.Transaction, error) {
	row := t.tx.QueryRow(ctx, `
SELECT `+transactionColumns+`
FROM transactions
WHERE khqr_md5 = $1
ORDER BY created_at DESC
LIMIT 1`, digest)
	return one(row)
}

func (t *storeTx) LockPendingByOrderID(ctx context.Context, orderID string) (domain.Transaction, error) {
	row := t.tx.QueryRow(ctx, `
SELECT `+transactionColumns+`
FROM transactions
WHERE order_id = $1 AND status = 'pending'
ORDER BY created_at DESC
LIMIT 1
FOR UPDATE`, orderID)
	return one(row)
}

func (t *storeTx) LockPendingByExternalID(ctx context.Context, externalID string) (domain.Transaction, error) {
	row := t.tx.QueryRow(ctx, `
SELECT `+transactionColumns+`
FROM transactions
WHERE external_id = $1 AND status = 'pending'
ORDER BY created_at DESC
LIMIT 1
FOR UPDATE`, externalID)
	return one(row)
}

func (t *storeTx) LockPendingByDigest(ctx context.Context, digest string) (domain.Transaction, error) {
	row := t.tx.QueryRow(ctx, `
SELECT `+transactionColumns+`
FROM transactions
WHERE khqr_md5 = $1 AND status = 'pending'
  AND created_at > now() - interval '`+digestLookupWindow+`'
ORDER BY created_at DESC
LIMIT 1
FOR UPDATE`, digest)
	return one(row)
}

func (t *storeTx) Insert(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	meta, err := marshalMetadata(tx.Metadata)
	if err != nil {
		return domain.Transaction{}, err
	}
	row := t.tx.QueryRow(ctx, `
INSERT INTO transactions (order_id, amount, currency, status, external_id, payer_name, payer_phone, remark, khqr_string, khqr_md5, metadata, paid_at, expires_at)
VALUES (NULLIF($1, ''), $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11, $12, $13)
RETURNING `+transactionColumns, tx.OrderID, tx.Amount, tx.Currency, tx.Status, tx.ExternalID,
		tx.PayerName, tx.PayerPhone, tx.Remark, tx.KHQR, tx.Digest, meta, tx.PaidAt, tx.ExpiresAt)
	return scanTransaction(row)
}

func (t *storeTx) Update(ctx context.Context, tx domain.Transaction) error {
	meta, err := marshalMetadata(tx.Metadata)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
UPDATE transactions
SET order_id = NULLIF($2, ''), amount = $3, currency = $4, status = $5,
    external_id = NULLIF($6, ''), payer_name = NULLIF($7, ''), payer_phone = NULLIF($8, ''),
    metadata = $9, paid_at = $10, updated_at = now()
WHERE id = $1`, tx.ID, tx.OrderID, tx.Amount, tx.Currency, tx.Status,
		tx.ExternalID, tx.PayerName, tx.PayerPhone, meta, tx.PaidAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTransactionNotFound
	}
	return nil
}

func one(row pgx.Row) (domain.Transaction, error) {
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return tx, err
}

func scanTransaction(row pgx.Row) (domain.Transaction, error) {
	var tx domain.Transaction
	var meta []byte
	err := row.Scan(&tx.ID, &tx.OrderID, &tx.Amount, &tx.Currency, &tx.Status,
		&tx.ExternalID, &tx.PayerName, &tx.PayerPhone, &tx.Remark, &tx.KHQR, &tx.Digest,
		&meta, &tx.PaidAt, &tx.ExpiresAt, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return domain.Transaction{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &tx.Metadata); err != nil {
			return domain.Transaction{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return tx, nil
}

func marshalMetadata(meta map[string]any) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}
