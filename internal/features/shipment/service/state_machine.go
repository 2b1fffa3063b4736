package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shipledger/internal/features/shipment/domain"
	"shipledger/internal/features/shipment/ports"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrShipmentNotFound is returned when the referenced shipment does not exist.
	ErrShipmentNotFound = errors.New("shipment not found")
	// ErrShipmentRetired is returned when an event targets a soft-retired shipment.
	ErrShipmentRetired = errors.New("shipment is retired")
	// ErrMissingIdempotencyKey is returned when an event carries no key and
	// none can be derived.
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
	// ErrWeightAlreadyVerified is returned on a second weight verification.
	ErrWeightAlreadyVerified = errors.New("verified weight already recorded")
	// ErrInvalidWeight is returned for non-positive weights.
	ErrInvalidWeight = errors.New("weight must be positive")
	// ErrCancelNotAllowed is returned when cancelling after pickup.
	ErrCancelNotAllowed = errors.New("shipment can only be cancelled before pickup")
)

// applyRetries bounds the optimistic concurrency retry loop.
const applyRetries = 3

// ApplyRequest is one inbound shipment event.
type ApplyRequest struct {
	ShipmentID     string
	Event          domain.EventType
	OccurredAt     time.Time
	Location       string
	Note           string
	IdempotencyKey string
}

// ApplyResult reports the accepted transition. Duplicate means the key was
// already processed and Status is the previously recorded outcome.
type ApplyResult struct {
	Status    domain.Status `json:"status"`
	Duplicate bool          `json:"duplicate"`
}

// CreateRequest describes a shipment booking.
type CreateRequest struct {
	TenantID         string
	OrderRef         string
	CarrierID        string
	DeclaredWeightKg decimal.Decimal
	PaymentType      domain.PaymentType
	CollectAmount    decimal.Decimal
	ShippingCost     decimal.Decimal
}

// StateMachine owns shipment lifecycles. Every mutation flows through it,
// whether triggered by a courier webhook, an operator or the
// reconciliation sweep.
type StateMachine struct {
	repo       ports.ShipmentRepository
	gateway    ports.CourierGateway
	exceptions ports.ExceptionHooks
	ledger     ports.LedgerHooks
	logger     *zap.Logger
}

// NewStateMachine creates a new shipment state machine.
func NewStateMachine(repo ports.ShipmentRepository, gateway ports.CourierGateway, exceptions ports.ExceptionHooks, ledger ports.LedgerHooks, logger *zap.Logger) *StateMachine {
	return &StateMachine{
		repo:       repo,
		gateway:    gateway,
		exceptions: exceptions,
		ledger:     ledger,
		logger:     logger,
	}
}

// Create books the pickup with the courier and persists the shipment in
// its initial status. History stays empty until the first courier event.
func (m *StateMachine) Create(ctx context.Context, req CreateRequest) (*domain.Shipment, error) {
	if req.TenantID == "" || req.OrderRef == "" || req.CarrierID == "" {
		return nil, fmt.Errorf("tenant id, order ref and carrier id are required")
	}
	if !req.DeclaredWeightKg.IsPositive() {
		return nil, ErrInvalidWeight
	}
	if req.PaymentType != domain.PaymentPrepaid && req.PaymentType != domain.PaymentCOD {
		return nil, fmt.Errorf("unknown payment type %q", req.PaymentType)
	}

	now := time.Now().UTC()
	shipment := &domain.Shipment{
		ID:               uuid.NewString(),
		TenantID:         req.TenantID,
		OrderRef:         req.OrderRef,
		CarrierID:        req.CarrierID,
		Status:           domain.StatusCreated,
		DeclaredWeightKg: req.DeclaredWeightKg,
		PaymentType:      req.PaymentType,
		CollectAmount:    req.CollectAmount,
		ShippingCost:     req.ShippingCost,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	trackingNumber, err := m.gateway.BookPickup(ctx, shipment)
	if err != nil {
		return nil, fmt.Errorf("courier booking failed: %w", err)
	}
	shipment.TrackingNumber = trackingNumber

	if err := m.repo.Create(ctx, shipment); err != nil {
		return nil, fmt.Errorf("failed to persist shipment: %w", err)
	}

	m.logger.Info("Shipment booked",
		zap.String("shipment_id", shipment.ID),
		zap.String("tenant_id", shipment.TenantID),
		zap.String("carrier_id", shipment.CarrierID),
		zap.String("tracking_number", shipment.TrackingNumber),
	)

	return shipment, nil
}

// ApplyEvent validates one event against the transition table and appends
// it to history. Retried deliveries of the same idempotency key return the
// prior outcome instead of an error. Concurrent events on the same
// shipment are serialized by optimistic versioning: the loser reloads,
// re-validates against the new status and either proceeds or is rejected
// as illegal.
func (m *StateMachine) ApplyEvent(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	if req.IdempotencyKey == "" {
		return nil, ErrMissingIdempotencyKey
	}

	if prior, err := m.repo.FindEventByKey(ctx, req.IdempotencyKey); err != nil {
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	} else if prior != nil {
		return &ApplyResult{Status: prior.Status, Duplicate: true}, nil
	}

	for attempt := 0; ; attempt++ {
		shipment, err := m.repo.Get(ctx, req.ShipmentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load shipment: %w", err)
		}
		if shipment == nil {
			return nil, ErrShipmentNotFound
		}
		if shipment.Retired {
			return nil, ErrShipmentRetired
		}

		next, err := domain.Transition(shipment.ID, shipment.Status, req.Event)
		if err != nil {
			return nil, err
		}

		ev := domain.StatusEvent{
			Status:         next,
			OccurredAt:     req.OccurredAt,
			RecordedAt:     time.Now().UTC(),
			Location:       req.Location,
			Note:           req.Note,
			IdempotencyKey: req.IdempotencyKey,
		}

		expectedVersion := shipment.Version
		shipment.Status = next
		shipment.Version++
		shipment.UpdatedAt = ev.RecordedAt

		err = m.repo.ApplyEvent(ctx, shipment, ev, expectedVersion)
		if errors.Is(err, ports.ErrVersionConflict) {
			if attempt+1 >= applyRetries {
				return nil, fmt.Errorf("shipment %s contended: %w", shipment.ID, err)
			}
			continue
		}
		if errors.Is(err, ports.ErrDuplicateEvent) {
			prior, lookupErr := m.repo.FindEventByKey(ctx, req.IdempotencyKey)
			if lookupErr != nil || prior == nil {
				return nil, fmt.Errorf("duplicate event lookup failed: %w", err)
			}
			return &ApplyResult{Status: prior.Status, Duplicate: true}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to apply event: %w", err)
		}

		m.logger.Info("Shipment transition accepted",
			zap.String("shipment_id", shipment.ID),
			zap.String("event", string(req.Event)),
			zap.String("status", string(next)),
		)

		m.emitSignals(ctx, shipment, ev)

		return &ApplyResult{Status: next}, nil
	}
}

// emitSignals runs the financially or operationally consequential side
// effects of an accepted transition. The event itself is already durable;
// a failed side effect is logged and re-driven by the reconciliation
// sweep through the same idempotent entry points.
func (m *StateMachine) emitSignals(ctx context.Context, shipment *domain.Shipment, ev domain.StatusEvent) {
	switch ev.Status {
	case domain.StatusPickedUp:
		if err := m.ledger.ShippingFee(ctx, shipment); err != nil {
			m.logger.Error("Shipping fee post failed",
				zap.String("shipment_id", shipment.ID), zap.Error(err))
		}

	case domain.StatusDeliveryFailed:
		exceptionID, err := m.exceptions.DeliveryFailed(ctx, shipment, ev)
		if err != nil {
			m.logger.Error("Failed to open non-delivery record",
				zap.String("shipment_id", shipment.ID), zap.Error(err))
			return
		}
		m.updatePointer(ctx, shipment.ID, func(s *domain.Shipment) {
			s.OpenExceptionID = exceptionID
		})

	case domain.StatusDelivered:
		if shipment.IsCOD() {
			if err := m.ledger.CODRemittance(ctx, shipment); err != nil {
				m.logger.Error("COD remittance post failed",
					zap.String("shipment_id", shipment.ID), zap.Error(err))
			}
		}
		if shipment.OpenExceptionID != "" {
			if err := m.exceptions.Delivered(ctx, shipment); err != nil {
				m.logger.Error("Failed to resolve non-delivery record",
					zap.String("shipment_id", shipment.ID), zap.Error(err))
				return
			}
			m.updatePointer(ctx, shipment.ID, func(s *domain.Shipment) {
				s.OpenExceptionID = ""
			})
		}
	}
}

// updatePointer applies mutate to the pointer row under the optimistic
// version check, retrying on conflict.
func (m *StateMachine) updatePointer(ctx context.Context, shipmentID string, mutate func(*domain.Shipment)) {
	for attempt := 0; attempt < applyRetries; attempt++ {
		shipment, err := m.repo.Get(ctx, shipmentID)
		if err != nil || shipment == nil {
			m.logger.Error("Pointer update failed to load shipment",
				zap.String("shipment_id", shipmentID), zap.Error(err))
			return
		}

		expectedVersion := shipment.Version
		mutate(shipment)
		shipment.Version++
		shipment.UpdatedAt = time.Now().UTC()

		err = m.repo.UpdatePointer(ctx, shipment, expectedVersion)
		if errors.Is(err, ports.ErrVersionConflict) {
			continue
		}
		if err != nil {
			m.logger.Error("Pointer update failed",
				zap.String("shipment_id", shipmentID), zap.Error(err))
		}
		return
	}
	m.logger.Error("Pointer update exhausted retries", zap.String("shipment_id", shipmentID))
}

// SetExceptionRef records the open exception reference on the shipment pointer.
func (m *StateMachine) SetExceptionRef(ctx context.Context, shipmentID, exceptionID string) {
	m.updatePointer(ctx, shipmentID, func(s *domain.Shipment) {
		s.OpenExceptionID = exceptionID
	})
}

// SetReturnRef records the open return reference on the shipment pointer.
func (m *StateMachine) SetReturnRef(ctx context.Context, shipmentID, returnID string) {
	m.updatePointer(ctx, shipmentID, func(s *domain.Shipment) {
		s.OpenReturnID = returnID
	})
}

// ClearReturnRef drops the open return reference.
func (m *StateMachine) ClearReturnRef(ctx context.Context, shipmentID string) {
	m.updatePointer(ctx, shipmentID, func(s *domain.Shipment) {
		s.OpenReturnID = ""
	})
}

// Get returns the shipment with its full history.
func (m *StateMachine) Get(ctx context.Context, shipmentID string) (*domain.Shipment, error) {
	shipment, err := m.repo.Get(ctx, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load shipment: %w", err)
	}
	if shipment == nil {
		return nil, ErrShipmentNotFound
	}

	history, err := m.repo.History(ctx, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	shipment.History = history
	return shipment, nil
}

// RecordWeight stores the courier-verified weight and settles the
// difference against the declared weight. At most one adjustment per
// shipment: the verified weight is immutable once set and the ledger key
// is deterministic.
func (m *StateMachine) RecordWeight(ctx context.Context, shipmentID string, verifiedKg decimal.Decimal) (*domain.Shipment, error) {
	if !verifiedKg.IsPositive() {
		return nil, ErrInvalidWeight
	}

	shipment, err := m.repo.Get(ctx, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load shipment: %w", err)
	}
	if shipment == nil {
		return nil, ErrShipmentNotFound
	}
	if shipment.VerifiedWeightKg != nil {
		return nil, ErrWeightAlreadyVerified
	}

	expectedVersion := shipment.Version
	shipment.VerifiedWeightKg = &verifiedKg
	shipment.Version++
	shipment.UpdatedAt = time.Now().UTC()
	if err := m.repo.UpdatePointer(ctx, shipment, expectedVersion); err != nil {
		return nil, fmt.Errorf("failed to store verified weight: %w", err)
	}

	// Fee delta proportional to the declared-weight rate.
	delta := shipment.ShippingCost.
		Mul(verifiedKg.Sub(shipment.DeclaredWeightKg)).
		Div(shipment.DeclaredWeightKg)
	if !delta.IsZero() {
		if err := m.ledger.WeightAdjustment(ctx, shipment, delta); err != nil {
			m.logger.Error("Weight adjustment post failed",
				zap.String("shipment_id", shipment.ID), zap.Error(err))
		}
	}

	return shipment, nil
}

// Cancel cancels the courier booking and soft-retires the shipment.
// Only permitted before pickup.
func (m *StateMachine) Cancel(ctx context.Context, shipmentID string) error {
	shipment, err := m.repo.Get(ctx, shipmentID)
	if err != nil {
		return fmt.Errorf("failed to load shipment: %w", err)
	}
	if shipment == nil {
		return ErrShipmentNotFound
	}
	if shipment.Status != domain.StatusCreated {
		return fmt.Errorf("%w: status %s", ErrCancelNotAllowed, shipment.Status)
	}

	if err := m.gateway.CancelShipment(ctx, shipment); err != nil {
		return fmt.Errorf("courier cancel failed: %w", err)
	}

	m.updatePointer(ctx, shipmentID, func(s *domain.Shipment) {
		s.Retired = true
	})

	m.logger.Info("Shipment cancelled", zap.String("shipment_id", shipmentID))
	return nil
}

// RepairPointer rebuilds the status pointer from history when they
// diverge. Returns true when a repair was written.
func (m *StateMachine) RepairPointer(ctx context.Context, shipmentID string) (bool, error) {
	shipment, err := m.repo.Get(ctx, shipmentID)
	if err != nil {
		return false, fmt.Errorf("failed to load shipment: %w", err)
	}
	if shipment == nil {
		return false, ErrShipmentNotFound
	}

	history, err := m.repo.History(ctx, shipmentID)
	if err != nil {
		return false, fmt.Errorf("failed to load history: %w", err)
	}

	replayed := domain.Replay(history)
	if shipment.Status == replayed {
		return false, nil
	}

	m.logger.Warn("Shipment pointer diverged from history, rebuilding",
		zap.String("shipment_id", shipmentID),
		zap.String("pointer", string(shipment.Status)),
		zap.String("replayed", string(replayed)),
	)

	m.updatePointer(ctx, shipmentID, func(s *domain.Shipment) {
		s.Status = replayed
	})
	return true, nil
}

// List returns all shipments without history.
func (m *StateMachine) List(ctx context.Context) ([]*domain.Shipment, error) {
	return m.repo.List(ctx)
}

// FetchCourierTracking pulls the courier's own view of the shipment's
// events. Read-only: nothing the courier reports here mutates state, that
// only happens through ApplyEvent.
func (m *StateMachine) FetchCourierTracking(ctx context.Context, shipmentID string) ([]domain.StatusEvent, error) {
	shipment, err := m.repo.Get(ctx, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load shipment: %w", err)
	}
	if shipment == nil {
		return nil, ErrShipmentNotFound
	}

	events, err := m.gateway.FetchTracking(ctx, shipment)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch courier tracking: %w", err)
	}
	return events, nil
}
