package ports

import (
	"context"
	"errors"

	"shipledger/internal/features/returns/domain"
	shipdomain "shipledger/internal/features/shipment/domain"
	shipservice "shipledger/internal/features/shipment/service"

	"github.com/shopspring/decimal"
)

var (
	// ErrVersionConflict is returned when a record write loses the
	// optimistic concurrency race.
	ErrVersionConflict = errors.New("version conflict")
	// ErrOpenReturnExists is the repository-level backstop for the
	// one-open-return-per-shipment invariant: Create fails when the
	// shipment already has a non-terminal record.
	ErrOpenReturnExists = errors.New("shipment already has an open return record")
)

// ReturnRepository persists return records.
type ReturnRepository interface {
	// Create persists a new record. Fails with ErrOpenReturnExists when
	// the shipment already has an open record.
	Create(ctx context.Context, r *domain.ReturnRecord) error

	// Get returns the record, or nil if absent.
	Get(ctx context.Context, id string) (*domain.ReturnRecord, error)

	// FindOpenByShipment returns the shipment's open record, or nil.
	FindOpenByShipment(ctx context.Context, shipmentID string) (*domain.ReturnRecord, error)

	// Update writes the record conditional on expectedVersion.
	Update(ctx context.Context, r *domain.ReturnRecord, expectedVersion int64) error

	// ListUncharged returns records whose wallet charge has not been
	// applied yet. Used by the reconciliation sweep.
	ListUncharged(ctx context.Context) ([]*domain.ReturnRecord, error)
}

// ShipmentDriver is the slice of the shipment state machine the return
// manager needs: reading shipments, mirroring reverse-leg transitions and
// maintaining the open-return reference.
type ShipmentDriver interface {
	Get(ctx context.Context, shipmentID string) (*shipdomain.Shipment, error)
	ApplyEvent(ctx context.Context, req shipservice.ApplyRequest) (*shipservice.ApplyResult, error)
	SetReturnRef(ctx context.Context, shipmentID, returnID string)
	ClearReturnRef(ctx context.Context, shipmentID string)
}

// WalletCharger posts the return fee. Implementations must be idempotent
// for a stable key.
type WalletCharger interface {
	// ChargeRTO debits the tenant for the return identified by record.
	ChargeRTO(ctx context.Context, tenantID, returnID, idempotencyKey string, amount decimal.Decimal) error
}
