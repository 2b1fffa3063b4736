package domain

import (
	"time"
)

// Status is the lifecycle status of a non-delivery record.
type Status string

const (
	// StatusDetected means a failed delivery attempt was observed.
	StatusDetected Status = "detected"
	// StatusInResolution means an actor is working the exception.
	StatusInResolution Status = "in-resolution"
	// StatusResolved is terminal: the exception was cleared without a return.
	StatusResolved Status = "resolved"
	// StatusEscalated is terminal: the exception was handed off outside
	// the engine (support desk, carrier dispute).
	StatusEscalated Status = "escalated"
	// StatusRTOTriggered is terminal: the return leg took over.
	StatusRTOTriggered Status = "rto-triggered"
)

// IsTerminal reports whether no further actions are accepted.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusEscalated || s == StatusRTOTriggered
}

// ActionType identifies one resolution action.
type ActionType string

const (
	// ActionNotifyCustomer records a buyer outreach.
	ActionNotifyCustomer ActionType = "notify-customer"
	// ActionConfirmReattempt schedules another delivery attempt.
	ActionConfirmReattempt ActionType = "confirm-reattempt"
	// ActionMarkResolved closes the exception without a return.
	ActionMarkResolved ActionType = "mark-resolved"
	// ActionManualOverride closes the exception by operator decision.
	ActionManualOverride ActionType = "manual-override"
	// ActionEscalate hands the exception off outside the engine.
	ActionEscalate ActionType = "escalate"
	// ActionTriggerReturn abandons delivery and starts the return leg.
	ActionTriggerReturn ActionType = "trigger-return"
	// ActionAttemptFailed folds a repeat failed attempt into the open record.
	ActionAttemptFailed ActionType = "attempt-failed"
	// ActionAutoEscalate is the deadline-expiry escalation by the sweep.
	ActionAutoEscalate ActionType = "auto-escalate"
)

// actionOutcomes is the fixed action-to-status table. Actions absent here
// are rejected.
var actionOutcomes = map[ActionType]Status{
	ActionNotifyCustomer:   StatusInResolution,
	ActionConfirmReattempt: StatusInResolution,
	ActionMarkResolved:     StatusResolved,
	ActionManualOverride:   StatusResolved,
	ActionEscalate:         StatusEscalated,
	ActionTriggerReturn:    StatusRTOTriggered,
}

// OutcomeOf returns the status an action moves the record to.
func OutcomeOf(action ActionType) (Status, bool) {
	s, ok := actionOutcomes[action]
	return s, ok
}

// IsEscalation reports whether the action is still permitted after the
// resolution deadline. Late soft actions are rejected to keep the SLA
// meaningful; only the abandon-and-return paths stay open.
func (a ActionType) IsEscalation() bool {
	return a == ActionTriggerReturn || a == ActionEscalate || a == ActionAutoEscalate
}

// ResolutionAction is one entry of the record's action trail.
type ResolutionAction struct {
	// Type identifies the action.
	Type ActionType `json:"type"`
	// Actor is who performed it ("system" for the sweep).
	Actor string `json:"actor"`
	// Note is free-text context.
	Note string `json:"note,omitempty"`
	// At is when the action was recorded.
	At time.Time `json:"at"`
}

// ExceptionRecord is one failed-delivery episode. Exactly one open record
// may exist per shipment; the resolution deadline is immutable once set
// and a terminal status never changes.
type ExceptionRecord struct {
	// ID is the unique identifier for the record.
	ID string `json:"id"`
	// ShipmentID references the failing shipment.
	ShipmentID string `json:"shipment_id"`
	// TenantID owns the shipment.
	TenantID string `json:"tenant_id"`
	// Reason classifies the failed attempt (courier-reported).
	Reason string `json:"reason"`
	// Status is the record's lifecycle status.
	Status Status `json:"status"`
	// DetectedAt is when the failed attempt was observed.
	DetectedAt time.Time `json:"detected_at"`
	// ResolutionDeadline is DetectedAt plus the configured window.
	ResolutionDeadline time.Time `json:"resolution_deadline"`
	// Actions is the ordered resolution trail.
	Actions []ResolutionAction `json:"actions"`
	// Outcome summarizes how the record closed.
	Outcome string `json:"outcome,omitempty"`
	// Version is the optimistic concurrency counter.
	Version int64 `json:"version"`
}

// Expired reports whether the resolution deadline has passed.
func (r *ExceptionRecord) Expired(now time.Time) bool {
	return now.After(r.ResolutionDeadline)
}
