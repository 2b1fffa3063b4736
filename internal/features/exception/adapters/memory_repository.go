package adapters

import (
	"context"
	"sync"
	"time"

	"shipledger/internal/features/exception/domain"
	"shipledger/internal/features/exception/ports"
)

// MemoryExceptionRepository is an in-memory ExceptionRepository for tests
// and development.
type MemoryExceptionRepository struct {
	mu      sync.RWMutex
	records map[string]*domain.ExceptionRecord
}

// NewMemoryExceptionRepository creates an empty in-memory repository.
func NewMemoryExceptionRepository() *MemoryExceptionRepository {
	return &MemoryExceptionRepository{
		records: make(map[string]*domain.ExceptionRecord),
	}
}

// Create persists a new record, enforcing one open record per shipment.
func (m *MemoryExceptionRepository) Create(_ context.Context, r *domain.ExceptionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.records {
		if existing.ShipmentID == r.ShipmentID && !existing.Status.IsTerminal() {
			return ports.ErrOpenExceptionExists
		}
	}

	cp := cloneRecord(r)
	m.records[cp.ID] = cp
	return nil
}

// Get returns the record, or nil if absent.
func (m *MemoryExceptionRepository) Get(_ context.Context, id string) (*domain.ExceptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return cloneRecord(r), nil
}

// FindOpenByShipment returns the shipment's open record, or nil.
func (m *MemoryExceptionRepository) FindOpenByShipment(_ context.Context, shipmentID string) (*domain.ExceptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.records {
		if r.ShipmentID == shipmentID && !r.Status.IsTerminal() {
			return cloneRecord(r), nil
		}
	}
	return nil, nil
}

// Update writes the record conditional on expectedVersion.
func (m *MemoryExceptionRepository) Update(_ context.Context, r *domain.ExceptionRecord, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[r.ID]
	if !ok || stored.Version != expectedVersion {
		return ports.ErrVersionConflict
	}
	m.records[r.ID] = cloneRecord(r)
	return nil
}

// ListOpenExpired returns open records whose deadline passed before now.
func (m *MemoryExceptionRepository) ListOpenExpired(_ context.Context, now time.Time) ([]*domain.ExceptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.ExceptionRecord
	for _, r := range m.records {
		if !r.Status.IsTerminal() && r.Expired(now) {
			out = append(out, cloneRecord(r))
		}
	}
	return out, nil
}

// ListRTOTriggered returns records that escalated into the return leg.
func (m *MemoryExceptionRepository) ListRTOTriggered(_ context.Context) ([]*domain.ExceptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.ExceptionRecord
	for _, r := range m.records {
		if r.Status == domain.StatusRTOTriggered {
			out = append(out, cloneRecord(r))
		}
	}
	return out, nil
}

func cloneRecord(r *domain.ExceptionRecord) *domain.ExceptionRecord {
	cp := *r
	cp.Actions = make([]domain.ResolutionAction, len(r.Actions))
	copy(cp.Actions, r.Actions)
	return &cp
}
