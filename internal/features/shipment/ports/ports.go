package ports

import (
	"context"
	"errors"

	"shipledger/internal/features/shipment/domain"

	"github.com/shopspring/decimal"
)

var (
	// ErrVersionConflict is returned when a pointer write loses an
	// optimistic concurrency race. Retryable: reload and re-validate.
	ErrVersionConflict = errors.New("version conflict")
	// ErrDuplicateEvent is returned when an event's idempotency key was
	// already accepted into history.
	ErrDuplicateEvent = errors.New("duplicate event")
)

// ShipmentRepository persists shipment pointer rows and the append-only
// event history.
type ShipmentRepository interface {
	// Create persists a new shipment. History starts empty; the pointer
	// status is derivable as the replay default.
	Create(ctx context.Context, s *domain.Shipment) error

	// Get returns the shipment without history, or nil if absent.
	Get(ctx context.Context, id string) (*domain.Shipment, error)

	// History returns the shipment's events in acceptance order.
	History(ctx context.Context, id string) ([]domain.StatusEvent, error)

	// FindEventByKey returns the accepted event with the given idempotency
	// key, or nil.
	FindEventByKey(ctx context.Context, idempotencyKey string) (*domain.StatusEvent, error)

	// ApplyEvent atomically appends the event and writes the new pointer
	// state, conditional on the pointer still carrying expectedVersion.
	// Fails with ErrVersionConflict on a lost race and ErrDuplicateEvent
	// when the event key is already in history.
	ApplyEvent(ctx context.Context, s *domain.Shipment, ev domain.StatusEvent, expectedVersion int64) error

	// UpdatePointer writes pointer fields (status, references, weight,
	// retired) conditional on expectedVersion. History is untouched.
	UpdatePointer(ctx context.Context, s *domain.Shipment, expectedVersion int64) error

	// List returns all shipments without history. Used by the
	// reconciliation sweep.
	List(ctx context.Context) ([]*domain.Shipment, error)
}

// CourierGateway is the outbound capability boundary. Implementations are
// black boxes; the engine only sees success or failure.
type CourierGateway interface {
	// BookPickup books the pickup and returns the courier tracking number.
	BookPickup(ctx context.Context, s *domain.Shipment) (string, error)

	// CancelShipment cancels the courier booking.
	CancelShipment(ctx context.Context, s *domain.Shipment) error

	// FetchTracking pulls the courier's view of the shipment's events.
	FetchTracking(ctx context.Context, s *domain.Shipment) ([]domain.StatusEvent, error)
}

// ExceptionHooks is how the state machine reports delivery outcomes to the
// exception engine without depending on it.
type ExceptionHooks interface {
	// DeliveryFailed reports a failed delivery attempt and returns the ID
	// of the open non-delivery record (new or pre-existing).
	DeliveryFailed(ctx context.Context, s *domain.Shipment, ev domain.StatusEvent) (string, error)

	// Delivered reports a successful delivery, closing any open record.
	Delivered(ctx context.Context, s *domain.Shipment) error
}

// LedgerHooks is how the state machine reports financially consequential
// transitions to the wallet.
type LedgerHooks interface {
	// ShippingFee debits the forward shipping cost once per shipment.
	ShippingFee(ctx context.Context, s *domain.Shipment) error

	// CODRemittance credits the collected amount once per COD shipment.
	CODRemittance(ctx context.Context, s *domain.Shipment) error

	// WeightAdjustment settles a verified-weight dispute once per shipment.
	// delta is signed: positive means the tenant owes more.
	WeightAdjustment(ctx context.Context, s *domain.Shipment, delta decimal.Decimal) error
}
