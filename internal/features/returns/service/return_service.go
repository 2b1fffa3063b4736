package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"shipledger/internal/features/returns/domain"
	"shipledger/internal/features/returns/ports"
	shipdomain "shipledger/internal/features/shipment/domain"
	shipservice "shipledger/internal/features/shipment/service"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrReturnNotFound is returned when the referenced record does not exist.
	ErrReturnNotFound = errors.New("return record not found")
	// ErrAlreadyReturning is returned when the shipment already has an
	// open return record.
	ErrAlreadyReturning = errors.New("shipment already has an open return")
	// ErrTriggerNotAllowed is returned when the shipment is not in a
	// status a return can start from.
	ErrTriggerNotAllowed = errors.New("return can only be triggered from delivery-failed")
	// ErrStatusRegression is returned when a reverse-leg event would move
	// the record backwards.
	ErrStatusRegression = errors.New("return status cannot regress")
	// ErrUnknownReturnEvent is returned for events outside the reverse leg.
	ErrUnknownReturnEvent = errors.New("unknown return event")
	// ErrQCNotReady is returned when recording QC before the warehouse
	// received the parcel.
	ErrQCNotReady = errors.New("return is not awaiting quality check")
)

// updateRetries bounds the optimistic concurrency retry loop.
const updateRetries = 3

// TriggerRequest describes a return trigger.
type TriggerRequest struct {
	ShipmentID  string
	ExceptionID string
	Reason      string
	Mode        domain.TriggerMode
	Actor       string
}

// EventType is a reverse-leg courier event.
type EventType string

const (
	// EventInTransit means the reverse parcel started moving.
	EventInTransit EventType = "in-transit"
	// EventReceived means the warehouse received the reverse parcel.
	EventReceived EventType = "received"
)

// ReturnService owns return records from trigger to disposition. The
// trigger flow is forward-recovering: the record is durable before the
// wallet charge, and an unapplied charge is completed later through the
// same idempotent key.
type ReturnService struct {
	repo   ports.ReturnRepository
	ships  ports.ShipmentDriver
	wallet ports.WalletCharger
	policy domain.ChargePolicy
	logger *zap.Logger

	locks sync.Map // shipmentID -> *sync.Mutex
}

// NewReturnService creates a new ReturnService.
func NewReturnService(repo ports.ReturnRepository, ships ports.ShipmentDriver, wallet ports.WalletCharger, policy domain.ChargePolicy, logger *zap.Logger) *ReturnService {
	return &ReturnService{
		repo:   repo,
		ships:  ships,
		wallet: wallet,
		policy: policy,
		logger: logger,
	}
}

// lockShipment serializes trigger flows per shipment so the open-return
// check and the insert are not a race.
func (s *ReturnService) lockShipment(shipmentID string) func() {
	v, _ := s.locks.LoadOrStore(shipmentID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Trigger creates the return record, moves the shipment onto the reverse
// leg, references the record from the shipment and charges the tenant.
// Triggers for one shipment are serialized in-process; the repository's
// one-open-record constraint backstops writers this lock cannot see.
func (s *ReturnService) Trigger(ctx context.Context, req TriggerRequest) (*domain.ReturnRecord, error) {
	unlock := s.lockShipment(req.ShipmentID)
	defer unlock()

	return s.trigger(ctx, req)
}

func (s *ReturnService) trigger(ctx context.Context, req TriggerRequest) (*domain.ReturnRecord, error) {
	shipment, err := s.ships.Get(ctx, req.ShipmentID)
	if err != nil {
		return nil, err
	}

	if open, err := s.repo.FindOpenByShipment(ctx, req.ShipmentID); err != nil {
		return nil, fmt.Errorf("failed to look up open return: %w", err)
	} else if open != nil {
		return nil, fmt.Errorf("%w: open return %s", ErrAlreadyReturning, open.ID)
	}

	if shipment.Status != shipdomain.StatusDeliveryFailed {
		return nil, fmt.Errorf("%w: shipment %s is %s",
			ErrTriggerNotAllowed, shipment.ID, shipment.Status)
	}

	record := &domain.ReturnRecord{
		ID:           uuid.NewString(),
		ShipmentID:   shipment.ID,
		TenantID:     shipment.TenantID,
		ExceptionID:  req.ExceptionID,
		TriggerMode:  req.Mode,
		Reason:       req.Reason,
		ChargeAmount: s.policy.ChargeFor(shipment.ShippingCost),
		Status:       domain.StatusInitiated,
		Version:      1,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, record); err != nil {
		if errors.Is(err, ports.ErrOpenReturnExists) {
			return nil, fmt.Errorf("%w: shipment %s", ErrAlreadyReturning, shipment.ID)
		}
		return nil, fmt.Errorf("failed to create return record: %w", err)
	}

	if _, err := s.ships.ApplyEvent(ctx, shipservice.ApplyRequest{
		ShipmentID:     shipment.ID,
		Event:          shipdomain.EventRTOInitiated,
		OccurredAt:     record.CreatedAt,
		Note:           req.Reason,
		IdempotencyKey: "rto:" + record.ID + ":initiated",
	}); err != nil {
		return nil, fmt.Errorf("failed to move shipment onto return leg: %w", err)
	}

	s.ships.SetReturnRef(ctx, shipment.ID, record.ID)

	s.logger.Info("Return triggered",
		zap.String("return_id", record.ID),
		zap.String("shipment_id", shipment.ID),
		zap.String("mode", string(req.Mode)),
		zap.String("charge", record.ChargeAmount.String()),
	)

	// Charge last: a failure here leaves ChargeApplied=false and the
	// reconciliation sweep completes the debit with the same key.
	if err := s.applyCharge(ctx, record); err != nil {
		s.logger.Error("Return charge deferred",
			zap.String("return_id", record.ID), zap.Error(err))
	}

	return record, nil
}

// EnsureTriggered completes a return trigger that may have crashed partway:
// it creates the record when missing, otherwise re-drives the remaining
// steps (shipment transition, reference, charge) through their
// deterministic keys. Sweep entry point.
func (s *ReturnService) EnsureTriggered(ctx context.Context, req TriggerRequest) (*domain.ReturnRecord, error) {
	unlock := s.lockShipment(req.ShipmentID)
	defer unlock()

	record, err := s.repo.FindOpenByShipment(ctx, req.ShipmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up open return: %w", err)
	}
	if record == nil {
		return s.trigger(ctx, req)
	}

	shipment, err := s.ships.Get(ctx, req.ShipmentID)
	if err != nil {
		return nil, err
	}
	if shipment.Status == shipdomain.StatusDeliveryFailed {
		if _, err := s.ships.ApplyEvent(ctx, shipservice.ApplyRequest{
			ShipmentID:     shipment.ID,
			Event:          shipdomain.EventRTOInitiated,
			OccurredAt:     record.CreatedAt,
			Note:           record.Reason,
			IdempotencyKey: "rto:" + record.ID + ":initiated",
		}); err != nil {
			return nil, fmt.Errorf("failed to move shipment onto return leg: %w", err)
		}
	}
	if shipment.OpenReturnID == "" {
		s.ships.SetReturnRef(ctx, shipment.ID, record.ID)
	}

	if err := s.applyCharge(ctx, record); err != nil {
		s.logger.Error("Return charge deferred",
			zap.String("return_id", record.ID), zap.Error(err))
	}
	return record, nil
}

// applyCharge posts the return fee and flips ChargeApplied. Safe to call
// repeatedly: the wallet key is deterministic and the flag flips once.
func (s *ReturnService) applyCharge(ctx context.Context, record *domain.ReturnRecord) error {
	if record.ChargeApplied {
		return nil
	}

	if err := s.wallet.ChargeRTO(ctx, record.TenantID, record.ID, record.ChargeKey(), record.ChargeAmount); err != nil {
		return fmt.Errorf("wallet charge failed: %w", err)
	}

	return s.update(ctx, record, func(r *domain.ReturnRecord) error {
		r.ChargeApplied = true
		return nil
	})
}

// ApplyReturnEvent drives the reverse leg forward and mirrors the
// transition onto the shipment. Received parcels pass through
// received-at-warehouse and advance to qc-pending.
func (s *ReturnService) ApplyReturnEvent(ctx context.Context, returnID string, event EventType, location, note string) (*domain.ReturnRecord, error) {
	record, err := s.get(ctx, returnID)
	if err != nil {
		return nil, err
	}

	var (
		target    domain.Status
		shipEvent shipdomain.EventType
	)
	switch event {
	case EventInTransit:
		target, shipEvent = domain.StatusInTransit, shipdomain.EventRTOInTransit
	case EventReceived:
		target, shipEvent = domain.StatusReceived, shipdomain.EventRTOReceived
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownReturnEvent, event)
	}

	if record.Status.Rank() >= target.Rank() {
		return nil, fmt.Errorf("%w: %s -> %s", ErrStatusRegression, record.Status, target)
	}

	if _, err := s.ships.ApplyEvent(ctx, shipservice.ApplyRequest{
		ShipmentID:     record.ShipmentID,
		Event:          shipEvent,
		OccurredAt:     time.Now().UTC(),
		Location:       location,
		Note:           note,
		IdempotencyKey: fmt.Sprintf("rto:%s:%s", record.ID, event),
	}); err != nil {
		return nil, fmt.Errorf("failed to mirror return event onto shipment: %w", err)
	}

	if err := s.update(ctx, record, func(r *domain.ReturnRecord) error {
		if r.Status.Rank() >= target.Rank() {
			return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, r.Status, target)
		}
		r.Status = target
		return nil
	}); err != nil {
		return nil, err
	}

	// A received parcel immediately awaits quality check.
	if target == domain.StatusReceived {
		if err := s.update(ctx, record, func(r *domain.ReturnRecord) error {
			if r.Status != domain.StatusReceived {
				return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, r.Status, domain.StatusQCPending)
			}
			r.Status = domain.StatusQCPending
			return nil
		}); err != nil {
			return nil, err
		}
	}

	s.logger.Info("Return event accepted",
		zap.String("return_id", record.ID),
		zap.String("event", string(event)),
		zap.String("status", string(record.Status)),
	)

	return record, nil
}

// RecordQC records the quality check outcome as qc-completed, then
// settles the disposition: restocked on pass, disposed on fail. This is
// the only path to either terminal status. A call that crashed between
// the two steps can be retried from qc-completed.
func (s *ReturnService) RecordQC(ctx context.Context, returnID string, passed bool, notes string) (*domain.ReturnRecord, error) {
	record, err := s.get(ctx, returnID)
	if err != nil {
		return nil, err
	}

	switch record.Status {
	case domain.StatusQCPending:
		if err := s.update(ctx, record, func(r *domain.ReturnRecord) error {
			if r.Status != domain.StatusQCPending {
				return fmt.Errorf("%w: status %s", ErrQCNotReady, r.Status)
			}
			r.QCPassed = &passed
			r.QCNotes = notes
			r.Status = domain.StatusQCCompleted
			return nil
		}); err != nil {
			return nil, err
		}
	case domain.StatusQCCompleted:
		// Retry of a half-finished call; keep the recorded outcome.
		passed = *record.QCPassed
		notes = record.QCNotes
	default:
		return nil, fmt.Errorf("%w: status %s", ErrQCNotReady, record.Status)
	}

	disposition := domain.StatusRestocked
	shipEvent := shipdomain.EventRestocked
	if !passed {
		disposition = domain.StatusDisposed
		shipEvent = shipdomain.EventDisposed
	}

	if _, err := s.ships.ApplyEvent(ctx, shipservice.ApplyRequest{
		ShipmentID:     record.ShipmentID,
		Event:          shipEvent,
		OccurredAt:     time.Now().UTC(),
		Note:           notes,
		IdempotencyKey: fmt.Sprintf("rto:%s:%s", record.ID, disposition),
	}); err != nil {
		return nil, fmt.Errorf("failed to mirror disposition onto shipment: %w", err)
	}

	if err := s.update(ctx, record, func(r *domain.ReturnRecord) error {
		if r.Status != domain.StatusQCCompleted {
			return fmt.Errorf("%w: status %s", ErrQCNotReady, r.Status)
		}
		r.Status = disposition
		return nil
	}); err != nil {
		return nil, err
	}

	s.ships.ClearReturnRef(ctx, record.ShipmentID)

	s.logger.Info("Quality check recorded",
		zap.String("return_id", record.ID),
		zap.Bool("passed", passed),
		zap.String("disposition", string(disposition)),
	)

	return record, nil
}

// ApplyPendingCharges completes the wallet debit for every record whose
// charge has not been applied. Reconciliation sweep entry point.
func (s *ReturnService) ApplyPendingCharges(ctx context.Context) (int, error) {
	pending, err := s.repo.ListUncharged(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list uncharged returns: %w", err)
	}

	applied := 0
	for _, record := range pending {
		if err := s.applyCharge(ctx, record); err != nil {
			s.logger.Error("Return charge retry failed",
				zap.String("return_id", record.ID), zap.Error(err))
			continue
		}
		applied++
	}
	return applied, nil
}

// Get returns the record.
func (s *ReturnService) Get(ctx context.Context, returnID string) (*domain.ReturnRecord, error) {
	return s.get(ctx, returnID)
}

// FindOpenByShipment returns the shipment's open record, or nil.
func (s *ReturnService) FindOpenByShipment(ctx context.Context, shipmentID string) (*domain.ReturnRecord, error) {
	return s.repo.FindOpenByShipment(ctx, shipmentID)
}

func (s *ReturnService) get(ctx context.Context, returnID string) (*domain.ReturnRecord, error) {
	record, err := s.repo.Get(ctx, returnID)
	if err != nil {
		return nil, fmt.Errorf("failed to load return record: %w", err)
	}
	if record == nil {
		return nil, ErrReturnNotFound
	}
	return record, nil
}

// update applies mutate under the version CAS, reloading on conflict.
func (s *ReturnService) update(ctx context.Context, record *domain.ReturnRecord, mutate func(*domain.ReturnRecord) error) error {
	for attempt := 0; ; attempt++ {
		expectedVersion := record.Version
		if err := mutate(record); err != nil {
			return err
		}
		record.Version++

		err := s.repo.Update(ctx, record, expectedVersion)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ports.ErrVersionConflict) {
			return fmt.Errorf("failed to update return record: %w", err)
		}
		if attempt+1 >= updateRetries {
			return fmt.Errorf("return record %s contended: %w", record.ID, err)
		}

		reloaded, loadErr := s.repo.Get(ctx, record.ID)
		if loadErr != nil {
			return fmt.Errorf("failed to reload return record: %w", loadErr)
		}
		if reloaded == nil {
			return ErrReturnNotFound
		}
		*record = *reloaded
	}
}
