package payments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"khqr-gateway/internal/adapters/bakong"
	"khqr-gateway/internal/domain"
	"khqr-gateway/internal/infra/metrics"
	"khqr-gateway/internal/khqr"
)

const (
	defaultCurrency = "USD"
	defaultQRTTL    = 24 * time.Hour

	fallbackLinkPrefix = "https://link.payway.com.kh/ABAPAY"
)

// Gateway is the slice of the payment network client this service needs.
type Gateway interface {
	CheckTransaction(ctx context.Context, digest, token string) bakong.Result
	CheckTransactionList(ctx context.Context, digests []string) bakong.Result
	GenerateDeeplink(ctx context.Context, qr string, source *bakong.SourceInfo) bakong.Result
}

// Service builds charges and reconciles confirmations against them. It owns
// every transaction state transition and all notification dispatch.
type Service struct {
	store    domain.TransactionStore
	gateway  Gateway
	notifier domain.Notifier
	index    domain.DigestIndex
	merchant khqr.MerchantProfile
	provider khqr.Provider
	qrTTL    time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

func NewService(
	store domain.TransactionStore,
	gateway Gateway,
	notifier domain.Notifier,
	index domain.DigestIndex,
	merchant khqr.MerchantProfile,
	provider khqr.Provider,
	log zerolog.Logger,
) *Service {
	return &Service{
		store:    store,
		gateway:  gateway,
		notifier: notifier,
		index:    index,
		merchant: merchant,
		provider: provider,
		qrTTL:    defaultQRTTL,
		now:      time.Now,
		log:      log,
	}
}

// ChargeParams is one request to collect money.
type ChargeParams struct {
	Amount       float64
	Currency     string
	OrderID      string
	Provider     khqr.Provider
	Remark       string
	WantDeepLink bool
	SourceInfo   *bakong.SourceInfo
}

// ChargeResult carries the artifacts of a created charge. The QR string is
// handed to a rendering collaborator as-is; the digest keys later status
// polls.
type ChargeResult struct {
	Transaction domain.Transaction `json:"transaction"`
	KHQR        string             `json:"qr_string"`
	Digest      string             `json:"md5"`
	PaymentLink string             `json:"payment_link"`
}

// CreateCharge builds the KHQR payload and persists the matching pending
// transaction, linked by order id and payload digest.
func (s *Service) CreateCharge(ctx context.Context, params ChargeParams) (ChargeResult, error) {
	currency := params.Currency
	if currency == "" {
		currency = defaultCurrency
	}
	if currency != defaultCurrency {
		return ChargeResult{}, fmt.Errorf("unsupported currency %q", currency)
	}

	provider := params.Provider
	if provider == "" {
		provider = s.provider
	}
	orderID := khqr.SanitizeOrderID(params.OrderID)
	if orderID == "" {
		orderID = generateOrderID()
	}

	payload, err := khqr.Build(s.merchant, khqr.PaymentRequest{
		Amount:   params.Amount,
		Currency: khqr.CurrencyUSD,
		OrderID:  orderID,
		Provider: provider,
	})
	if err != nil {
		return ChargeResult{}, err
	}
	digest := khqr.Digest(payload)

	expiresAt := s.now().Add(s.qrTTL)
	created, err := s.store.CreateTransaction(ctx, domain.Transaction{
		OrderID:   orderID,
		Amount:    params.Amount,
		Currency:  currency,
		Status:    domain.StatusPending,
		Remark:    params.Remark,
		KHQR:      payload,
		Digest:    digest,
		ExpiresAt: &expiresAt,
	})
	if err != nil {
		return ChargeResult{}, fmt.Errorf("create transaction: %w", err)
	}

	if s.index != nil {
		if err := s.index.Set(ctx, digest, created.ID, s.qrTTL); err != nil {
			s.log.Warn().Err(err).Str("md5", digest).Msg("payments: digest index write failed")
		}
	}
	metrics.PayloadsBuilt.Inc()

	s.log.Info().Str("order_id", orderID).Str("md5", digest).
		Int("khqr_length", len(payload)).Msg("payments: khqr generated")

	return ChargeResult{
		Transaction: created,
		KHQR:        payload,
		Digest:      digest,
		PaymentLink: s.paymentLink(ctx, payload, digest, params),
	}, nil
}

// paymentLink prefers a network deep link and falls back to a locally built
// payway-style link when the gateway declines or is unreachable.
func (s *Service) paymentLink(ctx context.Context, payload, digest string, params ChargeParams) string {
	if params.WantDeepLink && s.gateway != nil {
		result := s.gateway.GenerateDeeplink(ctx, payload, params.SourceInfo)
		if result.Success() {
			if link := result.DataString("shortLink"); link != "" {
				return link
			}
		}
	}
	return fallbackLinkPrefix + strings.ToUpper(digest[:8])
}

// CheckStatus polls the network for a digest and reconciles the answer. The
// gateway envelope is returned untouched alongside the local outcome.
func (s *Service) CheckStatus(ctx context.Context, digest, token string) (bakong.Result, domain.ReconcileOutcome, error) {
	result := s.gateway.CheckTransaction(ctx, digest, token)
	outcome, err := s.ReconcilePolled(ctx, digest, result)
	return result, outcome, err
}

// CheckStatusBatch is the amortized polling variant; pure passthrough, the
// caller reconciles individual digests as needed.
func (s *Service) CheckStatusBatch(ctx context.Context, digests []string) bakong.Result {
	return s.gateway.CheckTransactionList(ctx, digests)
}

// KnownDigest reports whether a digest belongs to a locally tracked
// transaction, via the Redis index fast path with the store as fallback.
// Lets the status endpoint reject garbage digests before burning a gateway
// call.
func (s *Service) KnownDigest(ctx context.Context, digest string) bool {
	if s.index != nil {
		if _, ok, err := s.index.Lookup(ctx, digest); err == nil && ok {
			return true
		}
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return true // store trouble must not block polling
	}
	defer func() { _ = tx.Rollback(ctx) }()
	_, err = tx.FindByDigest(ctx, digest)
	return err == nil
}

// Transaction fetches one transaction by id.
func (s *Service) Transaction(ctx context.Context, id int64) (domain.Transaction, error) {
	return s.store.GetByID(ctx, id)
}

// Transactions lists recent transactions, newest first.
func (s *Service) Transactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	return s.store.List(ctx, filter)
}

func generateOrderID() string {
	return "EXT-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
