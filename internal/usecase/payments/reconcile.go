package payments

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"khqr-gateway/internal/adapters/bakong"
	"khqr-gateway/internal/domain"
	"khqr-gateway/internal/infra/metrics"
)

// errSettledDuplicate marks a confirmation whose transaction settled while
// this delivery waited on a row lock. Resolved to OutcomeAlreadyProcessed.
var errSettledDuplicate = errors.New("transaction settled concurrently")

// Reconcile matches one inbound confirmation to a pending transaction and
// commits the pending→paid transition. The whole read-validate-write sequence
// runs inside a single store transaction; the row lock on the matched
// transaction makes concurrent deliveries of the same payment serialize into
// exactly one fresh commit.
func (s *Service) Reconcile(ctx context.Context, conf domain.Confirmation) (domain.ReconcileOutcome, error) {
	if conf.ExternalID == "" {
		return domain.ReconcileOutcome{}, domain.ErrInvalidConfirmation
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return domain.ReconcileOutcome{}, fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	// Idempotency first: a transaction already carrying this external id, in
	// any state, means this delivery is a duplicate.
	existing, err := tx.FindByExternalID(ctx, conf.ExternalID)
	if err == nil {
		outcome, err := s.commitDuplicate(ctx, tx, existing)
		if err != nil {
			return domain.ReconcileOutcome{}, err
		}
		committed = true
		s.log.Info().Str("external_id", conf.ExternalID).Msg("payments: duplicate confirmation ignored")
		return outcome, nil
	}
	if !errors.Is(err, domain.ErrTransactionNotFound) {
		return domain.ReconcileOutcome{}, fmt.Errorf("idempotency lookup: %w", err)
	}

	target, created, err := s.lockOrCreate(ctx, tx, conf)
	if errors.Is(err, errSettledDuplicate) {
		outcome, err := s.commitDuplicate(ctx, tx, target)
		if err != nil {
			return domain.ReconcileOutcome{}, err
		}
		committed = true
		s.log.Info().Str("external_id", conf.ExternalID).Msg("payments: duplicate confirmation ignored")
		return outcome, nil
	}
	if err != nil {
		return domain.ReconcileOutcome{}, err
	}

	// Amount validation only applies when the transaction pre-existed with a
	// known amount; a record just created from this confirmation has nothing
	// to disagree with.
	if !created && target.Amount > 0 && math.Abs(target.Amount-conf.Amount) > domain.AmountEpsilon {
		return s.commitMismatch(ctx, tx, target, conf)
	}

	outcome, err := s.commitPaid(ctx, tx, target, conf, created)
	if err != nil {
		return domain.ReconcileOutcome{}, err
	}
	committed = true
	return outcome, nil
}

// ReconcilePolled applies a polled gateway verdict for a payload digest. A
// re-poll against an already-paid transaction is silent; a transport failure
// mutates nothing and raises a distinct operator alert, since a failed check
// is never proof of payment failure.
func (s *Service) ReconcilePolled(ctx context.Context, digest string, result bakong.Result) (domain.ReconcileOutcome, error) {
	switch {
	case result.TransportError():
		metrics.ReconcileOutcomes.WithLabelValues("transport_error").Inc()
		s.alertCheckFailed(ctx, digest, result.Message)
		return domain.ReconcileOutcome{}, fmt.Errorf("%w: %s", domain.ErrGatewayUnavailable, result.Message)
	case result.NotFound():
		return domain.ReconcileOutcome{Kind: domain.OutcomeUnpaid}, nil
	}

	conf := confirmationFromGateway(result)

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return domain.ReconcileOutcome{}, fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if conf.ExternalID != "" {
		existing, err := tx.FindByExternalID(ctx, conf.ExternalID)
		if err == nil {
			outcome, err := s.commitDuplicate(ctx, tx, existing)
			if err != nil {
				return domain.ReconcileOutcome{}, err
			}
			committed = true
			return outcome, nil
		}
		if !errors.Is(err, domain.ErrTransactionNotFound) {
			return domain.ReconcileOutcome{}, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	target, err := tx.LockPendingByDigest(ctx, digest)
	if errors.Is(err, domain.ErrTransactionNotFound) {
		// Nothing pending: either this digest was never ours, or a previous
		// poll already committed it. The latter must stay silent.
		settled, lookupErr := tx.FindByDigest(ctx, digest)
		if lookupErr == nil && !settled.IsPending() {
			outcome, err := s.commitDuplicate(ctx, tx, settled)
			if err != nil {
				return domain.ReconcileOutcome{}, err
			}
			committed = true
			return outcome, nil
		}
		return domain.ReconcileOutcome{}, fmt.Errorf("%w: digest %s", domain.ErrTransactionNotFound, digest)
	}
	if err != nil {
		return domain.ReconcileOutcome{}, fmt.Errorf("lock by digest: %w", err)
	}

	// The gateway may report the settled amount in another currency; amounts
	// are only comparable when the currencies agree.
	if target.Amount > 0 && conf.Amount > 0 && sameCurrency(target.Currency, conf.Currency) &&
		math.Abs(target.Amount-conf.Amount) > domain.AmountEpsilon {
		return s.commitMismatch(ctx, tx, target, conf)
	}

	outcome, err := s.commitPaid(ctx, tx, target, conf, false)
	if err != nil {
		return domain.ReconcileOutcome{}, err
	}
	committed = true
	return outcome, nil
}

func (s *Service) lockOrCreate(ctx context.Context, tx domain.TransactionTx, conf domain.Confirmation) (domain.Transaction, bool, error) {
	if conf.OrderID != "" {
		target, err := tx.LockPendingByOrderID(ctx, conf.OrderID)
		if err == nil {
			return target, false, nil
		}
		if !errors.Is(err, domain.ErrTransactionNotFound) {
			return domain.Transaction{}, false, fmt.Errorf("lock by order id: %w", err)
		}
	}

	target, err := tx.LockPendingByExternalID(ctx, conf.ExternalID)
	if err == nil {
		return target, false, nil
	}
	if !errors.Is(err, domain.ErrTransactionNotFound) {
		return domain.Transaction{}, false, fmt.Errorf("lock by external id: %w", err)
	}

	// A concurrent delivery may commit this payment between the idempotency
	// check and the lock wait; once its row leaves pending, the lock
	// predicates no longer match it. Under read committed the re-read runs
	// against a fresh snapshot and sees that commit.
	if settled, err := tx.FindByExternalID(ctx, conf.ExternalID); err == nil {
		return settled, false, errSettledDuplicate
	}

	if conf.OrderID != "" {
		// The caller named an order we have never seen; creating a record
		// would mask the discrepancy.
		return domain.Transaction{}, false, fmt.Errorf("%w: order %s", domain.ErrTransactionNotFound, conf.OrderID)
	}

	// Push confirmations can arrive with no prior local record; track them.
	currency := conf.Currency
	if currency == "" {
		currency = defaultCurrency
	}
	created, err := tx.Insert(ctx, domain.Transaction{
		Amount:     conf.Amount,
		Currency:   currency,
		Status:     domain.StatusPending,
		ExternalID: conf.ExternalID,
		PayerName:  conf.PayerName,
		PayerPhone: conf.PayerPhone,
		Metadata:   conf.Metadata,
	})
	if err != nil {
		return domain.Transaction{}, false, fmt.Errorf("insert discovered transaction: %w", err)
	}
	return created, true, nil
}

// commitDuplicate closes the transaction around an idempotent no-op. The
// duplicate outcome mutates nothing and must never notify.
func (s *Service) commitDuplicate(ctx context.Context, tx domain.TransactionTx, existing domain.Transaction) (domain.ReconcileOutcome, error) {
	if err := tx.Commit(ctx); err != nil {
		return domain.ReconcileOutcome{}, fmt.Errorf("commit: %w", err)
	}
	metrics.ReconcileOutcomes.WithLabelValues("already_processed").Inc()
	return domain.ReconcileOutcome{Kind: domain.OutcomeAlreadyProcessed, Transaction: existing}, nil
}

func (s *Service) commitPaid(ctx context.Context, tx domain.TransactionTx, target domain.Transaction, conf domain.Confirmation, created bool) (domain.ReconcileOutcome, error) {
	now := s.now()
	target.Status = domain.StatusPaid
	target.PaidAt = &now
	if conf.ExternalID != "" {
		target.ExternalID = conf.ExternalID
	}
	if conf.PayerName != "" {
		target.PayerName = conf.PayerName
	}
	if conf.PayerPhone != "" {
		target.PayerPhone = conf.PayerPhone
	}
	if target.OrderID == "" && conf.OrderID != "" {
		target.OrderID = conf.OrderID
	}
	if created {
		target.Amount = conf.Amount
		if conf.Currency != "" {
			target.Currency = conf.Currency
		}
	}
	target.Metadata = mergeMetadata(target.Metadata, conf.Metadata)

	if err := tx.Update(ctx, target); err != nil {
		return domain.ReconcileOutcome{}, fmt.Errorf("mark paid: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.ReconcileOutcome{}, fmt.Errorf("commit: %w", err)
	}

	metrics.ReconcileOutcomes.WithLabelValues("reconciled").Inc()
	s.log.Info().Str("order_id", target.OrderID).Str("external_id", target.ExternalID).
		Float64("amount", target.Amount).Msg("payments: transaction paid")

	// Notification happens after the commit so a sink failure can never
	// roll back a paid transition; the duplicate guard is the idempotency
	// check, not the sink.
	if s.notifier != nil {
		if err := s.notifier.PaymentReceived(ctx, target); err != nil {
			metrics.NotificationErrors.Inc()
			s.log.Error().Err(err).Str("external_id", target.ExternalID).Msg("payments: notification failed")
		}
	}
	return domain.ReconcileOutcome{Kind: domain.OutcomeReconciled, Transaction: target}, nil
}

func (s *Service) commitMismatch(ctx context.Context, tx domain.TransactionTx, target domain.Transaction, conf domain.Confirmation) (domain.ReconcileOutcome, error) {
	expected, received := target.Amount, conf.Amount
	target.Status = domain.StatusError
	if conf.ExternalID != "" {
		target.ExternalID = conf.ExternalID
	}
	target.Metadata = mergeMetadata(target.Metadata, map[string]any{
		"error":    "amount mismatch",
		"expected": expected,
		"received": received,
	})
	if err := tx.Update(ctx, target); err != nil {
		return domain.ReconcileOutcome{}, fmt.Errorf("mark error: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.ReconcileOutcome{}, fmt.Errorf("commit: %w", err)
	}

	metrics.ReconcileOutcomes.WithLabelValues("amount_mismatch").Inc()
	s.log.Warn().Str("order_id", target.OrderID).Str("external_id", conf.ExternalID).
		Float64("expected", expected).Float64("received", received).
		Msg("payments: amount mismatch")

	key := target.Digest
	if key == "" {
		key = target.OrderID
	}
	s.alertCheckFailed(ctx, key, fmt.Sprintf("amount mismatch: expected %.2f, received %.2f", expected, received))

	return domain.ReconcileOutcome{}, fmt.Errorf("%w: expected %.2f, received %.2f", domain.ErrAmountMismatch, expected, received)
}

func (s *Service) alertCheckFailed(ctx context.Context, key, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.CheckFailed(ctx, key, message); err != nil {
		metrics.NotificationErrors.Inc()
		s.log.Error().Err(err).Msg("payments: alert dispatch failed")
	}
}

// confirmationFromGateway lifts the network's status envelope into a
// Confirmation. externalRef is preferred over the payload hash as the
// idempotency key, matching how the network reports settlements.
func confirmationFromGateway(result bakong.Result) domain.Confirmation {
	externalID := result.DataString("externalRef")
	if externalID == "" {
		externalID = result.DataString("hash")
	}
	amount, _ := result.DataFloat("amount")
	conf := domain.Confirmation{
		ExternalID: externalID,
		Amount:     amount,
		Currency:   result.DataString("currency"),
		PayerName:  result.DataString("fromAccountId"),
	}
	if len(result.Data) > 0 {
		conf.Metadata = map[string]any{"gateway": result.Data}
	}
	return conf
}

func mergeMetadata(base, extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return base
	}
	merged := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func sameCurrency(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	return strings.EqualFold(a, b)
}
