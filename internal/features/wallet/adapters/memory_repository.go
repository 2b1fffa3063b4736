package adapters

import (
	"context"
	"sync"

	"shipledger/internal/features/wallet/domain"
	"shipledger/internal/features/wallet/ports"

	"github.com/shopspring/decimal"
)

// MemoryLedgerRepository is an in-memory LedgerRepository for tests and
// development. Append-only semantics match the SQLite adapter.
type MemoryLedgerRepository struct {
	mu     sync.RWMutex
	byID   map[string]*domain.LedgerTransaction
	byKey  map[string]*domain.LedgerTransaction // tenantID + "\x00" + idempotencyKey
	ledger map[string][]*domain.LedgerTransaction
}

// NewMemoryLedgerRepository creates an empty in-memory ledger.
func NewMemoryLedgerRepository() *MemoryLedgerRepository {
	return &MemoryLedgerRepository{
		byID:   make(map[string]*domain.LedgerTransaction),
		byKey:  make(map[string]*domain.LedgerTransaction),
		ledger: make(map[string][]*domain.LedgerTransaction),
	}
}

func keyOf(tenantID, idempotencyKey string) string {
	return tenantID + "\x00" + idempotencyKey
}

// Append adds a transaction. Fails on a duplicate (tenant, key) pair.
func (m *MemoryLedgerRepository) Append(_ context.Context, tx *domain.LedgerTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := keyOf(tx.TenantID, tx.IdempotencyKey)
	if _, exists := m.byKey[k]; exists {
		return ports.ErrDuplicateIdempotencyKey
	}

	stored := *tx
	m.byID[stored.ID] = &stored
	m.byKey[k] = &stored
	m.ledger[stored.TenantID] = append(m.ledger[stored.TenantID], &stored)
	return nil
}

// FindByKey returns the transaction with the given tenant and key, or nil.
func (m *MemoryLedgerRepository) FindByKey(_ context.Context, tenantID, idempotencyKey string) (*domain.LedgerTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.byKey[keyOf(tenantID, idempotencyKey)]
	if !ok {
		return nil, nil
	}
	cp := *tx
	return &cp, nil
}

// FindByID returns the transaction with the given identifier, or nil.
func (m *MemoryLedgerRepository) FindByID(_ context.Context, id string) (*domain.LedgerTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *tx
	return &cp, nil
}

// LatestSnapshot returns the BalanceAfter of the tenant's last entry.
func (m *MemoryLedgerRepository) LatestSnapshot(_ context.Context, tenantID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txs := m.ledger[tenantID]
	if len(txs) == 0 {
		return decimal.Zero, nil
	}
	return txs[len(txs)-1].BalanceAfter, nil
}

// SumApplied recomputes the balance by signed summation in write order.
func (m *MemoryLedgerRepository) SumApplied(_ context.Context, tenantID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	for _, tx := range m.ledger[tenantID] {
		if tx.Status == domain.StatusApplied || tx.Status == domain.StatusReversed {
			sum = sum.Add(tx.Signed())
		}
	}
	return sum, nil
}

// MarkReversed flips an applied transaction's status to reversed.
func (m *MemoryLedgerRepository) MarkReversed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.byID[id]
	if !ok {
		return nil
	}
	tx.Status = domain.StatusReversed
	return nil
}

// ListByTenant returns the tenant's transactions in write order.
func (m *MemoryLedgerRepository) ListByTenant(_ context.Context, tenantID string) ([]*domain.LedgerTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txs := m.ledger[tenantID]
	out := make([]*domain.LedgerTransaction, len(txs))
	for i, tx := range txs {
		cp := *tx
		out[i] = &cp
	}
	return out, nil
}

// Tenants returns every tenant with at least one transaction.
func (m *MemoryLedgerRepository) Tenants(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]string, 0, len(m.ledger))
	for t := range m.ledger {
		tenants = append(tenants, t)
	}
	return tenants, nil
}
