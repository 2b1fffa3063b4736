package adapters

import (
	"context"
	"errors"

	"shipledger/internal/features/exception/ports"
	returndomain "shipledger/internal/features/returns/domain"
	returnservice "shipledger/internal/features/returns/service"
)

// ReturnManagerTrigger starts the return leg through the return manager.
// A shipment that already has an open return is treated as triggered: the
// escalation raced a manual trigger and both wanted the same outcome.
type ReturnManagerTrigger struct {
	returns *returnservice.ReturnService
}

// NewReturnManagerTrigger wraps the return service as a ReturnTrigger.
func NewReturnManagerTrigger(returns *returnservice.ReturnService) *ReturnManagerTrigger {
	return &ReturnManagerTrigger{returns: returns}
}

// TriggerReturn creates the return and returns its identifier.
func (t *ReturnManagerTrigger) TriggerReturn(ctx context.Context, shipmentID, exceptionID, reason string, mode ports.TriggerMode) (string, error) {
	record, err := t.returns.Trigger(ctx, returnservice.TriggerRequest{
		ShipmentID:  shipmentID,
		ExceptionID: exceptionID,
		Reason:      reason,
		Mode:        returndomain.TriggerMode(mode),
		Actor:       "system",
	})
	if errors.Is(err, returnservice.ErrAlreadyReturning) {
		open, findErr := t.returns.FindOpenByShipment(ctx, shipmentID)
		if findErr == nil && open != nil {
			return open.ID, nil
		}
		return "", err
	}
	if err != nil {
		return "", err
	}
	return record.ID, nil
}
