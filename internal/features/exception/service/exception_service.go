package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shipledger/internal/features/exception/domain"
	"shipledger/internal/features/exception/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrExceptionNotFound is returned when the referenced record does not exist.
	ErrExceptionNotFound = errors.New("exception record not found")
	// ErrAlreadyClosed is returned when acting on a terminal record.
	ErrAlreadyClosed = errors.New("exception record already closed")
	// ErrUnknownAction is returned for actions outside the table.
	ErrUnknownAction = errors.New("unknown resolution action")
	// ErrDeadlinePassed is returned for non-escalation actions after
	// expiry. The caller is forced onto the escalation path.
	ErrDeadlinePassed = errors.New("resolution deadline passed")
)

// updateRetries bounds the optimistic concurrency retry loop.
const updateRetries = 3

// FailedAttempt carries the shipment context of a failed delivery.
type FailedAttempt struct {
	ShipmentID string
	TenantID   string
	Reason     string
	At         time.Time
}

// ExceptionService detects non-delivery episodes and drives them to
// resolution or escalation. The deadline is data, not a timer: expiry is
// discovered lazily by the next action or the reconciliation sweep.
type ExceptionService struct {
	repo    ports.ExceptionRepository
	returns ports.ReturnTrigger
	window  time.Duration
	logger  *zap.Logger
}

// NewExceptionService creates a new ExceptionService. window is the
// resolution deadline offset from detection.
func NewExceptionService(repo ports.ExceptionRepository, returns ports.ReturnTrigger, window time.Duration, logger *zap.Logger) *ExceptionService {
	return &ExceptionService{
		repo:    repo,
		returns: returns,
		window:  window,
		logger:  logger,
	}
}

// OpenForFailedAttempt opens a record for a failed delivery attempt, or
// folds a repeat attempt into the shipment's existing open record. The
// returned ID is the open record either way, keeping the one-open-record
// invariant.
func (s *ExceptionService) OpenForFailedAttempt(ctx context.Context, attempt FailedAttempt) (string, error) {
	existing, err := s.repo.FindOpenByShipment(ctx, attempt.ShipmentID)
	if err != nil {
		return "", fmt.Errorf("failed to look up open record: %w", err)
	}
	if existing != nil {
		return s.foldAttempt(ctx, existing, attempt)
	}

	record := &domain.ExceptionRecord{
		ID:                 uuid.NewString(),
		ShipmentID:         attempt.ShipmentID,
		TenantID:           attempt.TenantID,
		Reason:             attempt.Reason,
		Status:             domain.StatusDetected,
		DetectedAt:         attempt.At,
		ResolutionDeadline: attempt.At.Add(s.window),
		Version:            1,
	}
	if err := s.repo.Create(ctx, record); err != nil {
		if errors.Is(err, ports.ErrOpenExceptionExists) {
			// A concurrent detection won the insert; fold into its record.
			winner, findErr := s.repo.FindOpenByShipment(ctx, attempt.ShipmentID)
			if findErr != nil || winner == nil {
				return "", fmt.Errorf("failed to load concurrent record: %w", err)
			}
			return s.foldAttempt(ctx, winner, attempt)
		}
		return "", fmt.Errorf("failed to create exception record: %w", err)
	}

	s.logger.Info("Non-delivery record opened",
		zap.String("exception_id", record.ID),
		zap.String("shipment_id", record.ShipmentID),
		zap.Time("deadline", record.ResolutionDeadline),
	)

	return record.ID, nil
}

// foldAttempt joins a repeat failed attempt onto the shipment's open
// record, keeping the one-open-record invariant.
func (s *ExceptionService) foldAttempt(ctx context.Context, record *domain.ExceptionRecord, attempt FailedAttempt) (string, error) {
	action := domain.ResolutionAction{
		Type:  domain.ActionAttemptFailed,
		Actor: "system",
		Note:  attempt.Reason,
		At:    attempt.At,
	}
	if err := s.appendAction(ctx, record, action, record.Status, ""); err != nil {
		return "", err
	}
	return record.ID, nil
}

// RecordAction applies one resolution action per the fixed action table.
// Terminal records reject everything; expired records reject everything
// except the escalation actions.
func (s *ExceptionService) RecordAction(ctx context.Context, exceptionID string, actionType domain.ActionType, actor, note string) (*domain.ExceptionRecord, error) {
	target, ok := domain.OutcomeOf(actionType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, actionType)
	}

	record, err := s.repo.Get(ctx, exceptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load exception record: %w", err)
	}
	if record == nil {
		return nil, ErrExceptionNotFound
	}
	if record.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: status %s", ErrAlreadyClosed, record.Status)
	}
	if record.Expired(time.Now().UTC()) && !actionType.IsEscalation() {
		return nil, fmt.Errorf("%w: deadline was %s", ErrDeadlinePassed,
			record.ResolutionDeadline.Format(time.RFC3339))
	}

	action := domain.ResolutionAction{
		Type:  actionType,
		Actor: actor,
		Note:  note,
		At:    time.Now().UTC(),
	}

	outcome := ""
	if target.IsTerminal() {
		outcome = string(actionType)
	}
	if err := s.appendAction(ctx, record, action, target, outcome); err != nil {
		return nil, err
	}

	if target == domain.StatusRTOTriggered {
		s.triggerReturn(ctx, record, ports.TriggerManual)
	}

	s.logger.Info("Resolution action recorded",
		zap.String("exception_id", record.ID),
		zap.String("action", string(actionType)),
		zap.String("status", string(record.Status)),
	)

	return record, nil
}

// ResolveForDelivery closes the shipment's open record after a successful
// delivery (the reattempt worked).
func (s *ExceptionService) ResolveForDelivery(ctx context.Context, shipmentID string) error {
	record, err := s.repo.FindOpenByShipment(ctx, shipmentID)
	if err != nil {
		return fmt.Errorf("failed to look up open record: %w", err)
	}
	if record == nil {
		return nil
	}

	action := domain.ResolutionAction{
		Type:  domain.ActionMarkResolved,
		Actor: "system",
		Note:  "shipment delivered",
		At:    time.Now().UTC(),
	}
	return s.appendAction(ctx, record, action, domain.StatusResolved, "delivered")
}

// EscalateExpired moves every open, expired record to rto-triggered and
// starts the return leg. The version CAS makes the escalation
// exactly-once even when the sweep races a manual resolution: only the
// CAS winner triggers the return.
func (s *ExceptionService) EscalateExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.repo.ListOpenExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired records: %w", err)
	}

	escalated := 0
	for _, record := range expired {
		action := domain.ResolutionAction{
			Type:  domain.ActionAutoEscalate,
			Actor: "system",
			Note:  "resolution deadline expired",
			At:    now,
		}

		expectedVersion := record.Version
		record.Actions = append(record.Actions, action)
		record.Status = domain.StatusRTOTriggered
		record.Outcome = string(domain.ActionAutoEscalate)
		record.Version++

		err := s.repo.Update(ctx, record, expectedVersion)
		if errors.Is(err, ports.ErrVersionConflict) {
			// A manual action got there first.
			continue
		}
		if err != nil {
			s.logger.Error("Failed to escalate expired record",
				zap.String("exception_id", record.ID), zap.Error(err))
			continue
		}

		s.logger.Info("Expired non-delivery record escalated",
			zap.String("exception_id", record.ID),
			zap.String("shipment_id", record.ShipmentID),
		)

		s.triggerReturn(ctx, record, ports.TriggerAutomatic)
		escalated++
	}
	return escalated, nil
}

// Get returns the record with its action trail.
func (s *ExceptionService) Get(ctx context.Context, exceptionID string) (*domain.ExceptionRecord, error) {
	record, err := s.repo.Get(ctx, exceptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load exception record: %w", err)
	}
	if record == nil {
		return nil, ErrExceptionNotFound
	}
	return record, nil
}

// RTOTriggered lists records that escalated into the return leg.
func (s *ExceptionService) RTOTriggered(ctx context.Context) ([]*domain.ExceptionRecord, error) {
	return s.repo.ListRTOTriggered(ctx)
}

// appendAction writes the action and status under the version CAS,
// reloading on conflict. A conflicting writer that closed the record
// turns the retry into ErrAlreadyClosed.
func (s *ExceptionService) appendAction(ctx context.Context, record *domain.ExceptionRecord, action domain.ResolutionAction, target domain.Status, outcome string) error {
	for attempt := 0; ; attempt++ {
		expectedVersion := record.Version
		record.Actions = append(record.Actions, action)
		record.Status = target
		if outcome != "" {
			record.Outcome = outcome
		}
		record.Version++

		err := s.repo.Update(ctx, record, expectedVersion)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ports.ErrVersionConflict) {
			return fmt.Errorf("failed to update exception record: %w", err)
		}
		if attempt+1 >= updateRetries {
			return fmt.Errorf("exception record %s contended: %w", record.ID, err)
		}

		reloaded, loadErr := s.repo.Get(ctx, record.ID)
		if loadErr != nil {
			return fmt.Errorf("failed to reload exception record: %w", loadErr)
		}
		if reloaded == nil {
			return ErrExceptionNotFound
		}
		if reloaded.Status.IsTerminal() {
			return fmt.Errorf("%w: status %s", ErrAlreadyClosed, reloaded.Status)
		}
		*record = *reloaded
	}
}

// triggerReturn starts the return leg. Failures are logged, not returned:
// the record is durably rto-triggered and the reconciliation sweep
// re-drives missing returns.
func (s *ExceptionService) triggerReturn(ctx context.Context, record *domain.ExceptionRecord, mode ports.TriggerMode) {
	returnID, err := s.returns.TriggerReturn(ctx, record.ShipmentID, record.ID, record.Reason, mode)
	if err != nil {
		s.logger.Error("Failed to trigger return",
			zap.String("exception_id", record.ID),
			zap.String("shipment_id", record.ShipmentID),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("Return triggered",
		zap.String("exception_id", record.ID),
		zap.String("return_id", returnID),
		zap.String("mode", string(mode)),
	)
}
