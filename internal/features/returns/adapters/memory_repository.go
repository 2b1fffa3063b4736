package adapters

import (
	"context"
	"sync"

	"shipledger/internal/features/returns/domain"
	"shipledger/internal/features/returns/ports"
)

// MemoryReturnRepository is an in-memory ReturnRepository for tests and
// development.
type MemoryReturnRepository struct {
	mu      sync.RWMutex
	records map[string]*domain.ReturnRecord
}

// NewMemoryReturnRepository creates an empty in-memory repository.
func NewMemoryReturnRepository() *MemoryReturnRepository {
	return &MemoryReturnRepository{
		records: make(map[string]*domain.ReturnRecord),
	}
}

// Create persists a new record, enforcing one open record per shipment.
func (m *MemoryReturnRepository) Create(_ context.Context, r *domain.ReturnRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.records {
		if existing.ShipmentID == r.ShipmentID && !existing.Status.IsTerminal() {
			return ports.ErrOpenReturnExists
		}
	}

	cp := *r
	m.records[cp.ID] = &cp
	return nil
}

// Get returns the record, or nil if absent.
func (m *MemoryReturnRepository) Get(_ context.Context, id string) (*domain.ReturnRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// FindOpenByShipment returns the shipment's open record, or nil.
func (m *MemoryReturnRepository) FindOpenByShipment(_ context.Context, shipmentID string) (*domain.ReturnRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.records {
		if r.ShipmentID == shipmentID && !r.Status.IsTerminal() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

// Update writes the record conditional on expectedVersion.
func (m *MemoryReturnRepository) Update(_ context.Context, r *domain.ReturnRecord, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[r.ID]
	if !ok || stored.Version != expectedVersion {
		return ports.ErrVersionConflict
	}
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

// ListUncharged returns records whose wallet charge is not applied.
func (m *MemoryReturnRepository) ListUncharged(_ context.Context) ([]*domain.ReturnRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.ReturnRecord
	for _, r := range m.records {
		if !r.ChargeApplied {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}
