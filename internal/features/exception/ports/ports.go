package ports

import (
	"context"
	"errors"
	"time"

	"shipledger/internal/features/exception/domain"
)

var (
	// ErrVersionConflict is returned when a record write loses the
	// optimistic concurrency race. The caller reloads and re-decides.
	ErrVersionConflict = errors.New("version conflict")
	// ErrOpenExceptionExists is the repository-level backstop for the
	// one-open-record-per-shipment invariant: Create fails when the
	// shipment already has an open record.
	ErrOpenExceptionExists = errors.New("shipment already has an open exception record")
)

// ExceptionRepository persists non-delivery records.
type ExceptionRepository interface {
	// Create persists a new record. Fails with ErrOpenExceptionExists
	// when the shipment already has an open record.
	Create(ctx context.Context, r *domain.ExceptionRecord) error

	// Get returns the record, or nil if absent.
	Get(ctx context.Context, id string) (*domain.ExceptionRecord, error)

	// FindOpenByShipment returns the shipment's open record, or nil.
	FindOpenByShipment(ctx context.Context, shipmentID string) (*domain.ExceptionRecord, error)

	// Update writes the record conditional on expectedVersion.
	Update(ctx context.Context, r *domain.ExceptionRecord, expectedVersion int64) error

	// ListOpenExpired returns open records whose deadline passed before now.
	ListOpenExpired(ctx context.Context, now time.Time) ([]*domain.ExceptionRecord, error)

	// ListRTOTriggered returns records that escalated into the return leg.
	// Used by the reconciliation sweep to re-drive a missing return.
	ListRTOTriggered(ctx context.Context) ([]*domain.ExceptionRecord, error)
}

// TriggerMode mirrors the return feature's trigger modes without
// importing it.
type TriggerMode string

const (
	TriggerAutomatic TriggerMode = "automatic"
	TriggerManual    TriggerMode = "manual"
)

// ReturnTrigger starts the return leg for a shipment. Implemented by an
// adapter over the return manager.
type ReturnTrigger interface {
	// TriggerReturn creates the return and returns its identifier.
	TriggerReturn(ctx context.Context, shipmentID, exceptionID, reason string, mode TriggerMode) (string, error)
}
