package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle status of a return record. A record never
// regresses to an earlier status.
type Status string

const (
	// StatusInitiated means the return was triggered and booked.
	StatusInitiated Status = "initiated"
	// StatusInTransit means the reverse leg is moving.
	StatusInTransit Status = "in-transit"
	// StatusReceived means the warehouse received the parcel.
	StatusReceived Status = "received-at-warehouse"
	// StatusQCPending means the parcel awaits quality check.
	StatusQCPending Status = "qc-pending"
	// StatusQCCompleted means the quality check was recorded.
	StatusQCCompleted Status = "qc-completed"
	// StatusRestocked is terminal: the item passed QC and re-entered stock.
	StatusRestocked Status = "restocked"
	// StatusDisposed is terminal: the item failed QC.
	StatusDisposed Status = "disposed"
)

// statusRank orders the lifecycle for the no-regression invariant.
var statusRank = map[Status]int{
	StatusInitiated:   0,
	StatusInTransit:   1,
	StatusReceived:    2,
	StatusQCPending:   3,
	StatusQCCompleted: 4,
	StatusRestocked:   5,
	StatusDisposed:    5,
}

// Rank returns the lifecycle position of s.
func (s Status) Rank() int {
	return statusRank[s]
}

// IsTerminal reports whether the record reached a disposition.
func (s Status) IsTerminal() bool {
	return s == StatusRestocked || s == StatusDisposed
}

// TriggerMode records whether the return started by deadline expiry or by
// an operator.
type TriggerMode string

const (
	// TriggerAutomatic means the resolution deadline expired.
	TriggerAutomatic TriggerMode = "automatic"
	// TriggerManual means an operator triggered the return.
	TriggerManual TriggerMode = "manual"
)

// ReturnRecord is the reverse shipment from trigger to disposition.
// ChargeApplied flips to true at most once, only after the wallet debit
// succeeded.
type ReturnRecord struct {
	// ID is the unique identifier for the record.
	ID string `json:"id"`
	// ShipmentID references the forward shipment.
	ShipmentID string `json:"shipment_id"`
	// TenantID owns the shipment.
	TenantID string `json:"tenant_id"`
	// ExceptionID references the originating non-delivery record.
	// Empty for manual returns.
	ExceptionID string `json:"exception_id,omitempty"`
	// TriggerMode is automatic or manual.
	TriggerMode TriggerMode `json:"trigger_mode"`
	// Reason is why the return was triggered.
	Reason string `json:"reason"`
	// ChargeAmount is the return fee computed at trigger time.
	ChargeAmount decimal.Decimal `json:"charge_amount"`
	// ChargeApplied is true once the wallet debit succeeded.
	ChargeApplied bool `json:"charge_applied"`
	// Status is the record's lifecycle status.
	Status Status `json:"status"`
	// QCPassed is the quality check outcome, nil until recorded.
	QCPassed *bool `json:"qc_passed,omitempty"`
	// QCNotes is free-text from the quality check.
	QCNotes string `json:"qc_notes,omitempty"`
	// Version is the optimistic concurrency counter.
	Version int64 `json:"version"`
	// CreatedAt is the trigger time.
	CreatedAt time.Time `json:"created_at"`
}

// ChargeKey is the deterministic wallet idempotency key for the record's
// return fee. Stable regardless of retries.
func (r *ReturnRecord) ChargeKey() string {
	return "rto:" + r.ID
}

// ChargePolicy computes the return fee from the forward shipping cost.
// Pluggable: the multiplier rule differs per deployment.
type ChargePolicy interface {
	// ChargeFor returns the return fee for a forward shipping cost.
	ChargeFor(shippingCost decimal.Decimal) decimal.Decimal
}

// MultiplierChargePolicy charges a fixed multiple of the forward cost.
type MultiplierChargePolicy struct {
	Multiplier decimal.Decimal
}

// ChargeFor returns shippingCost times the multiplier, rounded to cents.
func (p MultiplierChargePolicy) ChargeFor(shippingCost decimal.Decimal) decimal.Decimal {
	return shippingCost.Mul(p.Multiplier).Round(2)
}
