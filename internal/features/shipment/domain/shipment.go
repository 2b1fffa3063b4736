package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentType is how the buyer pays for the parcel.
type PaymentType string

const (
	// PaymentPrepaid means the order was paid online.
	PaymentPrepaid PaymentType = "prepaid"
	// PaymentCOD means the courier collects cash at delivery.
	PaymentCOD PaymentType = "cod"
)

// StatusEvent is one entry of a shipment's append-only history.
// History is ordered by acceptance time, never by OccurredAt: a late
// courier callback lands at the tail and must pass the legality check
// against the current status.
type StatusEvent struct {
	// Status is the shipment status after this event was accepted.
	Status Status `json:"status"`
	// OccurredAt is the courier-reported event time.
	OccurredAt time.Time `json:"occurred_at"`
	// RecordedAt is when the engine accepted the event.
	RecordedAt time.Time `json:"recorded_at"`
	// Location is the courier-reported place of the event.
	Location string `json:"location,omitempty"`
	// Note is free-text context from the courier or an operator.
	Note string `json:"note,omitempty"`
	// IdempotencyKey deduplicates retried deliveries of the same event.
	IdempotencyKey string `json:"idempotency_key"`
}

// Shipment represents one physical parcel movement. Status always equals
// the status of the last history entry; at most one open exception and one
// open return may reference it at a time.
type Shipment struct {
	// ID is the unique identifier for the shipment.
	ID string `json:"id"`
	// TenantID is the seller the shipment belongs to.
	TenantID string `json:"tenant_id"`
	// OrderRef links back to the seller's order.
	OrderRef string `json:"order_ref"`
	// CarrierID identifies the booked courier.
	CarrierID string `json:"carrier_id"`
	// TrackingNumber is the courier-issued tracking identifier.
	TrackingNumber string `json:"tracking_number"`
	// Status is the current lifecycle status.
	Status Status `json:"status"`
	// History is the ordered status history, append-only.
	History []StatusEvent `json:"history,omitempty"`
	// DeclaredWeightKg is the weight the seller declared at booking.
	DeclaredWeightKg decimal.Decimal `json:"declared_weight_kg"`
	// VerifiedWeightKg is the courier-verified weight, nil until measured.
	VerifiedWeightKg *decimal.Decimal `json:"verified_weight_kg,omitempty"`
	// PaymentType is prepaid or cod.
	PaymentType PaymentType `json:"payment_type"`
	// CollectAmount is the cash to collect at delivery (cod only).
	CollectAmount decimal.Decimal `json:"collect_amount"`
	// ShippingCost is the forward shipping fee charged to the tenant.
	ShippingCost decimal.Decimal `json:"shipping_cost"`
	// OpenExceptionID references the open non-delivery record, if any.
	OpenExceptionID string `json:"open_exception_id,omitempty"`
	// OpenReturnID references the open return record, if any.
	OpenReturnID string `json:"open_return_id,omitempty"`
	// Retired marks a soft-retired shipment. Shipments are never deleted.
	Retired bool `json:"retired,omitempty"`
	// Version is the optimistic concurrency counter of the pointer row.
	Version int64 `json:"version"`
	// CreatedAt is the booking time.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is the last pointer write time.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsCOD reports whether the courier collects cash at delivery.
func (s *Shipment) IsCOD() bool {
	return s.PaymentType == PaymentCOD
}

// Replay rebuilds the current status pointer from history. A corrupted
// pointer is always recoverable this way. An empty history means no
// courier event arrived yet: the shipment is still where booking left it.
func Replay(history []StatusEvent) Status {
	if len(history) == 0 {
		return StatusCreated
	}
	return history[len(history)-1].Status
}
