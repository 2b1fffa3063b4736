package adapters

import (
	"context"
	"errors"

	exceptionservice "shipledger/internal/features/exception/service"
	"shipledger/internal/features/shipment/domain"
)

// ExceptionServiceHooks bridges shipment delivery outcomes to the
// exception engine. The exception service is bound after construction:
// the state machine, return manager and exception engine reference each
// other in a ring, and this adapter is where the ring closes.
type ExceptionServiceHooks struct {
	exceptions *exceptionservice.ExceptionService
}

// NewExceptionServiceHooks creates an unbound hooks adapter.
func NewExceptionServiceHooks() *ExceptionServiceHooks {
	return &ExceptionServiceHooks{}
}

// Bind attaches the exception service. Must be called before the first
// shipment event is processed.
func (h *ExceptionServiceHooks) Bind(exceptions *exceptionservice.ExceptionService) {
	h.exceptions = exceptions
}

// DeliveryFailed opens (or folds into) the shipment's non-delivery record.
func (h *ExceptionServiceHooks) DeliveryFailed(ctx context.Context, s *domain.Shipment, ev domain.StatusEvent) (string, error) {
	if h.exceptions == nil {
		return "", errors.New("exception engine not bound")
	}
	reason := ev.Note
	if reason == "" {
		reason = "delivery attempt failed"
	}
	return h.exceptions.OpenForFailedAttempt(ctx, exceptionservice.FailedAttempt{
		ShipmentID: s.ID,
		TenantID:   s.TenantID,
		Reason:     reason,
		At:         ev.RecordedAt,
	})
}

// Delivered resolves the shipment's open record after a successful
// reattempt.
func (h *ExceptionServiceHooks) Delivered(ctx context.Context, s *domain.Shipment) error {
	if h.exceptions == nil {
		return errors.New("exception engine not bound")
	}
	return h.exceptions.ResolveForDelivery(ctx, s.ID)
}
