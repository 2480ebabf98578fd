package payments

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"khqr-gateway/internal/adapters/bakong"
	"khqr-gateway/internal/domain"
	"khqr-gateway/internal/khqr"
)

// memStore serializes transactions behind one mutex, mirroring the row-lock
// discipline the Postgres store gets from FOR UPDATE.
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

func (m *memStore) List(_ context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range m.txs {
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		out = append(out, *tx)
	}
	return out, nil
}

func (m *memStore) insert(tx domain.Transaction) domain.Transaction {
	m.seq++
	tx.ID = m.seq
	tx.CreatedAt = time.Now()
	tx.UpdatedAt = tx.CreatedAt
	copied := tx
	m.txs = append(m.txs, &copied)
	return tx
}

func (m *memStore) byID(id int64) domain.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.ID == id {
			return *tx
		}
	}
	return domain.Transaction{}
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
	for i := len(t.store.txs) - 1; i >= 0; i-- {
		if t.store.txs[i].Digest == digest {
			return *t.store.txs[i], nil
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
	for i := len(t.store.txs) - 1; i >= 0; i-- {
		if t.store.txs[i].Digest == digest && t.store.txs[i].Status == domain.StatusPending {
			return *t.store.txs[i], nil
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
			tx.UpdatedAt = time.Now()
			copied := tx
			t.store.txs[i] = &copied
			return nil
		}
	}
	return domain.ErrTransactionNotFound
}

type stubNotifier struct {
	mu       sync.Mutex
	received []domain.Transaction
	failed   []string
}

func (n *stubNotifier) PaymentReceived(_ context.Context, tx domain.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.received = append(n.received, tx)
	return nil
}

func (n *stubNotifier) CheckFailed(_ context.Context, digest, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, digest+": "+message)
	return nil
}

func (n *stubNotifier) receivedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.received)
}

func (n *stubNotifier) failedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.failed)
}

type stubGateway struct {
	checkResult    bakong.Result
	deeplinkResult bakong.Result
	batchResult    bakong.Result
	checkedDigests []string
}

func (g *stubGateway) CheckTransaction(_ context.Context, digest, _ string) bakong.Result {
	g.checkedDigests = append(g.checkedDigests, digest)
	return g.checkResult
}

func (g *stubGateway) CheckTransactionList(_ context.Context, digests []string) bakong.Result {
	g.checkedDigests = append(g.checkedDigests, digests...)
	return g.batchResult
}

func (g *stubGateway) GenerateDeeplink(_ context.Context, _ string, _ *bakong.SourceInfo) bakong.Result {
	return g.deeplinkResult
}

type stubIndex struct {
	mu      sync.Mutex
	entries map[string]int64
}

func (i *stubIndex) Set(_ context.Context, digest string, txID int64, _ time.Duration) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.entries == nil {
		i.entries = map[string]int64{}
	}
	i.entries[digest] = txID
	return nil
}

func (i *stubIndex) Lookup(_ context.Context, digest string) (int64, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	id, ok := i.entries[digest]
	return id, ok, nil
}

func newTestService(store domain.TransactionStore, gateway *stubGateway, notifier *stubNotifier, index *stubIndex) *Service {
	merchant := khqr.MerchantProfile{AccountID: "merchant1", Name: "Test Shop", City: "Phnom Penh"}
	var idx domain.DigestIndex
	if index != nil {
		idx = index
	}
	return NewService(store, gateway, notifier, idx, merchant, khqr.ProviderBakong, zerolog.Nop())
}
