package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"khqr-gateway/internal/adapters/bakong"
	"khqr-gateway/internal/domain"
	"khqr-gateway/internal/khqr"
	"khqr-gateway/internal/usecase/payments"
)

type memStore struct {
	mu  sync.Mutex
	seq int64
	txs []*domain.Transaction
}

func (m *memStore) Begin(context.Context) (domain.TransactionTx, error) {
	m.mu.Lock()
	return &memTx{store: m}, nil
}

func (m *memStore) CreateTransaction(_ context.Context, tx domain.Transaction) (domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insert(tx), nil
}

func (m *memStore) GetByID(_ context.Context, id int64) (domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.ID == id {
			return *tx, nil
		}
	}
	return domain.Transaction{}, domain.ErrTransactionNotFound
}

func (m *memStore) List(_ context.Context, _ domain.TransactionFilter) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range m.txs {
		out = append(out, *tx)
	}
	return out, nil
}

func (m *memStore) insert(tx domain.Transaction) domain.Transaction {
	m.seq++
	tx.ID = m.seq
	tx.CreatedAt = time.Now()
	copied := tx
	m.txs = append(m.txs, &copied)
	return tx
}

type memTx struct {
	store *memStore
	done  bool
}

func (t *memTx) finish() {
	if !t.done {
		t.done = true
		t.store.mu.Unlock()
	}
}

func (t *memTx) Commit(context.Context) error   { t.finish(); return nil }
func (t *memTx) Rollback(context.Context) error { t.finish(); return nil }

func (t *memTx) FindByExternalID(_ context.Context, externalID string) (domain.Transaction, error) {
	for _, tx := range t.store.txs {
		if tx.ExternalID != "" && tx.ExternalID == externalID {
			return *tx, nil
		}
	}
	return domain.Transaction{}, domain.ErrTransactionNotFound
}

func (t *memTx) FindByDigest(_ context.Context, digest string) (domain.Transaction, error) {
	for _, tx := range t.store.txs {
		if tx.Digest == digest {
			return *tx, nil
		}
	}
	return domain.Transaction{}, domain.ErrTransactionNotFound
}

func (t *memTx) LockPendingByOrderID(_ context.Context, orderID string) (domain.Transaction, error) {
	for _, tx := range t.store.txs {
		if tx.OrderID == orderID && tx.Status == domain.StatusPending {
			return *tx, nil
		}
	}
	return domain.Transaction{}, domain.ErrTransactionNotFound
}

func (t *memTx) LockPendingByExternalID(_ context.Context, externalID string) (domain.Transaction, error) {
	for _, tx := range t.store.txs {
		if tx.ExternalID == externalID && tx.Status == domain.StatusPending {
			return *tx, nil
		}
	}
	return domain.Transaction{}, domain.ErrTransactionNotFound
}

func (t *memTx) LockPendingByDigest(_ context.Context, digest string) (domain.Transaction, error) {
	for _, tx := range t.store.txs {
		if tx.Digest == digest && tx.Status == domain.StatusPending {
			return *tx, nil
		}
	}
	return domain.Transaction{}, domain.ErrTransactionNotFound
}

func (t *memTx) Insert(_ context.Context, tx domain.Transaction) (domain.Transaction, error) {
	return t.store.insert(tx), nil
}

func (t *memTx) Update(_ context.Context, tx domain.Transaction) error {
	for i, stored := range t.store.txs {
		if stored.ID == tx.ID {
			copied := tx
			t.store.txs[i] = &copied
			return nil
		}
	}
	return domain.ErrTransactionNotFound
}

type stubNotifier struct{}

func (stubNotifier) PaymentReceived(context.Context, domain.Transaction) error { return nil }
func (stubNotifier) CheckFailed(context.Context, string, string) error         { return nil }

type stubGateway struct {
	checkResult bakong.Result
}

func (g *stubGateway) CheckTransaction(context.Context, string, string) bakong.Result {
	return g.checkResult
}

func (g *stubGateway) CheckTransactionList(context.Context, []string) bakong.Result {
	return g.checkResult
}

func (g *stubGateway) GenerateDeeplink(context.Context, string, *bakong.SourceInfo) bakong.Result {
	return bakong.Result{Code: 1}
}

func newTestServer(store *memStore, gateway *stubGateway, opts ...Option) *Server {
	merchant := khqr.MerchantProfile{AccountID: "merchant1", Name: "Test Shop", City: "Phnom Penh"}
	service := payments.NewService(store, gateway, stubNotifier{}, nil, merchant, khqr.ProviderBakong, zerolog.Nop())
	return NewServer(service, opts...)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	server := newTestServer(&memStore{}, &stubGateway{}, WithAuthToken("secret"))
	router := server.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/qr", map[string]any{"amount": 1})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/qr?token=secret", map[string]any{"amount": 1})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with query token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateQREndpoint(t *testing.T) {
	server := newTestServer(&memStore{}, &stubGateway{})
	rec := doJSON(t, server.Router(), http.MethodPost, "/api/v1/qr", map[string]any{
		"amount": 2.50, "orderId": "ORD-HTTP",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp payments.ChargeResult
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.HasPrefix(resp.KHQR, "000201") {
		t.Fatalf("unexpected payload: %s", resp.KHQR)
	}
	if resp.Transaction.Status != domain.StatusPending {
		t.Fatalf("expected pending transaction, got %s", resp.Transaction.Status)
	}
}

func TestCreateQRRejectsZeroAmount(t *testing.T) {
	server := newTestServer(&memStore{}, &stubGateway{})
	rec := doJSON(t, server.Router(), http.MethodPost, "/api/v1/qr", map[string]any{"amount": 0})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhookReconciles(t *testing.T) {
	store := &memStore{}
	store.insert(domain.Transaction{
		OrderID: "ORD-WH", Amount: 5.00, Currency: "USD", Status: domain.StatusPending,
	})
	server := newTestServer(store, &stubGateway{})
	router := server.Router()

	body := map[string]any{"externalTransactionId": "TX-WH", "orderId": "ORD-WH", "amount": 5.00}

	rec := doJSON(t, router, http.MethodPost, "/api/v1/payments/webhook", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(domain.OutcomeReconciled) {
		t.Fatalf("expected reconciled, got %q", resp.Status)
	}

	// A retry is acknowledged without a second transition.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/payments/webhook", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on retry, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(domain.OutcomeAlreadyProcessed) {
		t.Fatalf("expected already_processed, got %q", resp.Status)
	}
}

func TestWebhookAmountMismatch(t *testing.T) {
	store := &memStore{}
	store.insert(domain.Transaction{
		OrderID: "ORD-MM", Amount: 5.00, Currency: "USD", Status: domain.StatusPending,
	})
	server := newTestServer(store, &stubGateway{})

	rec := doJSON(t, server.Router(), http.MethodPost, "/api/v1/payments/webhook", map[string]any{
		"externalTransactionId": "TX-MM", "orderId": "ORD-MM", "amount": 9.00,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookUnknownOrder(t *testing.T) {
	server := newTestServer(&memStore{}, &stubGateway{})
	rec := doJSON(t, server.Router(), http.MethodPost, "/api/v1/payments/webhook", map[string]any{
		"externalTransactionId": "TX-NF", "orderId": "ORD-NF", "amount": 1.00,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestWebhookRequiresExternalID(t *testing.T) {
	server := newTestServer(&memStore{}, &stubGateway{})
	rec := doJSON(t, server.Router(), http.MethodPost, "/api/v1/payments/webhook", map[string]any{
		"orderId": "ORD-1", "amount": 1.00,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCheckUnknownDigest(t *testing.T) {
	server := newTestServer(&memStore{}, &stubGateway{})
	rec := doJSON(t, server.Router(), http.MethodPost, "/api/v1/payments/check", map[string]any{
		"md5": "deadbeef",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for untracked digest, got %d", rec.Code)
	}
}

func TestCheckReconcilesPaid(t *testing.T) {
	store := &memStore{}
	store.insert(domain.Transaction{
		OrderID: "ORD-CHK", Amount: 4.00, Currency: "USD",
		Status: domain.StatusPending, Digest: "digest-chk",
	})
	gateway := &stubGateway{checkResult: bakong.Result{Code: 0, Message: "Success", Data: map[string]any{
		"externalRef": "REF-CHK", "amount": 4.00, "currency": "USD",
	}}}
	server := newTestServer(store, gateway)

	rec := doJSON(t, server.Router(), http.MethodPost, "/api/v1/payments/check", map[string]any{
		"md5": "digest-chk",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ResponseCode int    `json:"responseCode"`
		Status       string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ResponseCode != 0 || resp.Status != string(domain.OutcomeReconciled) {
		t.Fatalf("unexpected response: %s", rec.Body.String())
	}
}

func TestCheckGatewayDown(t *testing.T) {
	store := &memStore{}
	store.insert(domain.Transaction{
		OrderID: "ORD-GW", Amount: 1.00, Currency: "USD",
		Status: domain.StatusPending, Digest: "digest-gw",
	})
	gateway := &stubGateway{checkResult: bakong.Result{Code: -1, Message: "HTTP 502"}}
	server := newTestServer(store, gateway)

	rec := doJSON(t, server.Router(), http.MethodPost, "/api/v1/payments/check", map[string]any{
		"md5": "digest-gw",
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestTransactionsEndpoints(t *testing.T) {
	store := &memStore{}
	created := store.insert(domain.Transaction{
		OrderID: "ORD-LIST", Amount: 1.00, Currency: "USD", Status: domain.StatusPending,
	})
	server := newTestServer(store, &stubGateway{})
	router := server.Router()

	rec := doJSON(t, router, http.MethodGet, "/api/v1/transactions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var listResp struct {
		Transactions []domain.Transaction `json:"transactions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(listResp.Transactions) != 1 {
		t.Fatalf("expected one transaction, got %d", len(listResp.Transactions))
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/transactions/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var detail struct {
		Transaction domain.Transaction `json:"transaction"`
		Expired     bool               `json:"expired"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if detail.Transaction.ID != created.ID {
		t.Fatalf("expected transaction %d, got %d", created.ID, detail.Transaction.ID)
	}
	if detail.Expired {
		t.Fatal("a transaction without expiry must not read as expired")
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/transactions/99", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetTransactionReportsExpiry(t *testing.T) {
	store := &memStore{}
	elapsed := time.Now().Add(-time.Hour)
	store.insert(domain.Transaction{
		OrderID: "ORD-EXP", Amount: 1.00, Currency: "USD",
		Status: domain.StatusPending, ExpiresAt: &elapsed,
	})
	server := newTestServer(store, &stubGateway{})

	rec := doJSON(t, server.Router(), http.MethodGet, "/api/v1/transactions/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var detail struct {
		Transaction domain.Transaction `json:"transaction"`
		Expired     bool               `json:"expired"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !detail.Expired {
		t.Fatal("a pending transaction past its expiry must read as expired")
	}
	if detail.Transaction.Status != domain.StatusPending {
		t.Fatalf("expiry is passive, status must stay pending, got %s", detail.Transaction.Status)
	}
}
