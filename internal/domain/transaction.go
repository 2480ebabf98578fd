package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTransactionNotFound is returned when a confirmation names an order
	// the store has no pending transaction for.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrAmountMismatch is returned when a confirmed amount differs from the
	// pending transaction's amount by more than the accepted epsilon.
	ErrAmountMismatch = errors.New("amount mismatch")

	// ErrGatewayUnavailable is returned when a status poll failed at the
	// transport layer. It carries no verdict about the payment itself.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrInvalidConfirmation is returned for confirmations missing the
	// external transaction id.
	ErrInvalidConfirmation = errors.New("confirmation requires an external transaction id")
)

// AmountEpsilon is the tolerance for comparing confirmed against expected
// amounts, both being 2-fraction decimals.
const AmountEpsilon = 0.01

// Status is the lifecycle state of a payment attempt. pending is the only
// state a transaction ever leaves; paid, failed, expired and error are
// terminal.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
	StatusExpired Status = "expired"
	StatusError   Status = "error"
)

// Transaction is the persistent record of one payment attempt.
type Transaction struct {
	ID         int64          `json:"id"`
	OrderID    string         `json:"order_id,omitempty"`
	Amount     float64        `json:"amount"`
	Currency   string         `json:"currency"`
	Status     Status         `json:"status"`
	ExternalID string         `json:"external_id,omitempty"`
	PayerName  string         `json:"payer_name,omitempty"`
	PayerPhone string         `json:"payer_phone,omitempty"`
	Remark     string         `json:"remark,omitempty"`
	KHQR       string         `json:"khqr_string,omitempty"`
	Digest     string         `json:"md5,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	PaidAt     *time.Time     `json:"paid_at,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (t Transaction) IsPending() bool { return t.Status == StatusPending }

// IsExpired reports passive expiry: the transaction stays pending in the
// store, the QR is simply no longer payable.
func (t Transaction) IsExpired(now time.Time) bool {
	return t.Status == StatusPending && t.ExpiresAt != nil && t.ExpiresAt.Before(now)
}

// Confirmation is one inbound claim that a payment happened, from a webhook
// push or from polled gateway data. ExternalID doubles as the idempotency key.
type Confirmation struct {
	ExternalID string         `json:"transaction_id"`
	OrderID    string         `json:"order_id"`
	Amount     float64        `json:"amount"`
	Currency   string         `json:"currency"`
	PayerName  string         `json:"payer_name"`
	PayerPhone string         `json:"payer_phone"`
	Metadata   map[string]any `json:"metadata"`
}

// OutcomeKind distinguishes a fresh commit from an idempotent no-op so
// callers can suppress duplicate side effects.
type OutcomeKind string

const (
	// OutcomeReconciled marks a fresh pending→paid transition.
	OutcomeReconciled OutcomeKind = "reconciled"
	// OutcomeAlreadyProcessed marks a duplicate delivery; nothing mutated,
	// nothing notified.
	OutcomeAlreadyProcessed OutcomeKind = "already_processed"
	// OutcomeUnpaid marks a poll the network answered "not found" for.
	OutcomeUnpaid OutcomeKind = "unpaid"
)

// ReconcileOutcome is the success-shaped result of a reconciliation attempt.
type ReconcileOutcome struct {
	Kind        OutcomeKind `json:"kind"`
	Transaction Transaction `json:"transaction"`
}

// TransactionFilter narrows listing queries.
type TransactionFilter struct {
	Status Status
	Search string
	Limit  int
}

// TransactionStore is the persistence contract. Begin opens the serializable
// unit reconciliation runs in; the plain reads never lock.
type TransactionStore interface {
	Begin(ctx context.Context) (TransactionTx, error)
	CreateTransaction(ctx context.Context, tx Transaction) (Transaction, error)
	GetByID(ctx context.Context, id int64) (Transaction, error)
	List(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
}

// TransactionTx is one store transaction. Lock* methods acquire a row lock on
// the matched transaction held until Commit or Rollback; they return
// ErrTransactionNotFound when nothing pending matches.
type TransactionTx interface {
	FindByExternalID(ctx context.Context, externalID string) (Transaction, error)
	FindByDigest(ctx context.Context, digest string) (Transaction, error)
	LockPendingByOrderID(ctx context.Context, orderID string) (Transaction, error)
	LockPendingByExternalID(ctx context.Context, externalID string) (Transaction, error)
	LockPendingByDigest(ctx context.Context, digest string) (Transaction, error)
	Insert(ctx context.Context, tx Transaction) (Transaction, error)
	Update(ctx context.Context, tx Transaction) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Notifier is the downstream notification sink. Exactly one PaymentReceived
// per successful transition; CheckFailed for operational alerts.
type Notifier interface {
	PaymentReceived(ctx context.Context, tx Transaction) error
	CheckFailed(ctx context.Context, digest, message string) error
}

// DigestIndex maps a payload digest to its transaction id for the polling
// fast path. A miss is not an error; the store column stays authoritative.
type DigestIndex interface {
	Set(ctx context.Context, digest string, txID int64, ttl time.Duration) error
	Lookup(ctx context.Context, digest string) (int64, bool, error)
}
