package adapters

import (
	"context"
	"sync"

	"shipledger/internal/features/shipment/domain"
	"shipledger/internal/features/shipment/ports"
)

// MemoryShipmentRepository is an in-memory ShipmentRepository for tests
// and development. Pointer writes honor the same version CAS contract as
// the SQLite adapter.
type MemoryShipmentRepository struct {
	mu          sync.RWMutex
	shipments   map[string]*domain.Shipment
	events      map[string][]domain.StatusEvent
	eventsByKey map[string]domain.StatusEvent
}

// NewMemoryShipmentRepository creates an empty in-memory repository.
func NewMemoryShipmentRepository() *MemoryShipmentRepository {
	return &MemoryShipmentRepository{
		shipments:   make(map[string]*domain.Shipment),
		events:      make(map[string][]domain.StatusEvent),
		eventsByKey: make(map[string]domain.StatusEvent),
	}
}

// Create persists a new shipment with empty history.
func (m *MemoryShipmentRepository) Create(_ context.Context, s *domain.Shipment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	cp.History = nil
	m.shipments[cp.ID] = &cp
	return nil
}

// Get returns the shipment without history, or nil if absent.
func (m *MemoryShipmentRepository) Get(_ context.Context, id string) (*domain.Shipment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.shipments[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// History returns the shipment's events in acceptance order.
func (m *MemoryShipmentRepository) History(_ context.Context, id string) ([]domain.StatusEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	evs := m.events[id]
	out := make([]domain.StatusEvent, len(evs))
	copy(out, evs)
	return out, nil
}

// FindEventByKey returns the accepted event with the given key, or nil.
func (m *MemoryShipmentRepository) FindEventByKey(_ context.Context, idempotencyKey string) (*domain.StatusEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.eventsByKey[idempotencyKey]
	if !ok {
		return nil, nil
	}
	cp := ev
	return &cp, nil
}

// ApplyEvent atomically appends the event and writes the pointer state.
func (m *MemoryShipmentRepository) ApplyEvent(_ context.Context, s *domain.Shipment, ev domain.StatusEvent, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.shipments[s.ID]
	if !ok {
		return ports.ErrVersionConflict
	}
	if stored.Version != expectedVersion {
		return ports.ErrVersionConflict
	}
	if _, dup := m.eventsByKey[ev.IdempotencyKey]; dup {
		return ports.ErrDuplicateEvent
	}

	cp := *s
	cp.History = nil
	m.shipments[s.ID] = &cp
	m.events[s.ID] = append(m.events[s.ID], ev)
	m.eventsByKey[ev.IdempotencyKey] = ev
	return nil
}

// UpdatePointer writes pointer fields conditional on expectedVersion.
func (m *MemoryShipmentRepository) UpdatePointer(_ context.Context, s *domain.Shipment, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.shipments[s.ID]
	if !ok {
		return ports.ErrVersionConflict
	}
	if stored.Version != expectedVersion {
		return ports.ErrVersionConflict
	}

	cp := *s
	cp.History = nil
	m.shipments[s.ID] = &cp
	return nil
}

// List returns all shipments without history.
func (m *MemoryShipmentRepository) List(_ context.Context) ([]*domain.Shipment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.Shipment, 0, len(m.shipments))
	for _, s := range m.shipments {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}
