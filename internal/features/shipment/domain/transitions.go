package domain

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle status of a shipment.
type Status string

const (
	// StatusCreated means the courier booking succeeded.
	StatusCreated Status = "created"
	// StatusPickedUp means the courier collected the parcel.
	StatusPickedUp Status = "picked-up"
	// StatusInTransit means the parcel is moving through the network.
	StatusInTransit Status = "in-transit"
	// StatusOutForDelivery means a delivery attempt is underway.
	StatusOutForDelivery Status = "out-for-delivery"
	// StatusDelivered is terminal: the buyer received the parcel.
	StatusDelivered Status = "delivered"
	// StatusDeliveryFailed means the last delivery attempt failed.
	StatusDeliveryFailed Status = "delivery-failed"
	// StatusRTOInitiated means the return to origin was triggered.
	StatusRTOInitiated Status = "rto-initiated"
	// StatusRTOInTransit means the reverse leg is moving.
	StatusRTOInTransit Status = "rto-in-transit"
	// StatusRTOReceived means the warehouse received the return.
	StatusRTOReceived Status = "rto-received"
	// StatusRestocked is terminal: the returned item passed QC.
	StatusRestocked Status = "restocked"
	// StatusDisposed is terminal: the returned item failed QC.
	StatusDisposed Status = "disposed"
)

// EventType identifies a courier-reported or operator-driven transition.
type EventType string

const (
	EventPickedUp       EventType = "picked-up"
	EventInTransit      EventType = "in-transit"
	EventOutForDelivery EventType = "out-for-delivery"
	EventDelivered      EventType = "delivered"
	EventDeliveryFailed EventType = "delivery-failed"
	EventRTOInitiated   EventType = "rto-initiated"
	EventRTOInTransit   EventType = "rto-in-transit"
	EventRTOReceived    EventType = "rto-received"
	EventRestocked      EventType = "restocked"
	EventDisposed       EventType = "disposed"
)

var (
	// ErrIllegalTransition is returned when an event is not permitted from
	// the shipment's current status.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrUnknownEvent is returned for event types outside the table.
	ErrUnknownEvent = errors.New("unknown event type")
)

// IllegalTransitionError carries the conflicting prior state so operators
// can resolve the rejected event manually.
type IllegalTransitionError struct {
	ShipmentID string
	Current    Status
	Event      EventType
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: shipment %s in status %q cannot accept event %q",
		e.ShipmentID, e.Current, e.Event)
}

func (e *IllegalTransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// transitions keys the permitted edges of the lifecycle. An event absent
// from the current status's row is rejected, not ignored. Couriers skip
// scans, so the forward leg accepts forward jumps (picked-up straight to
// delivered), never backward ones. delivery-failed permits a reattempt
// (back out for delivery) or the return leg.
var transitions = map[Status]map[EventType]Status{
	StatusCreated: {
		EventPickedUp: StatusPickedUp,
	},
	StatusPickedUp: {
		EventInTransit:      StatusInTransit,
		EventOutForDelivery: StatusOutForDelivery,
		EventDelivered:      StatusDelivered,
		EventDeliveryFailed: StatusDeliveryFailed,
	},
	StatusInTransit: {
		EventOutForDelivery: StatusOutForDelivery,
		EventDelivered:      StatusDelivered,
		EventDeliveryFailed: StatusDeliveryFailed,
	},
	StatusOutForDelivery: {
		EventDelivered:      StatusDelivered,
		EventDeliveryFailed: StatusDeliveryFailed,
	},
	StatusDeliveryFailed: {
		EventOutForDelivery: StatusOutForDelivery,
		EventRTOInitiated:   StatusRTOInitiated,
	},
	StatusRTOInitiated: {
		EventRTOInTransit: StatusRTOInTransit,
		EventRTOReceived:  StatusRTOReceived,
	},
	StatusRTOInTransit: {
		EventRTOReceived: StatusRTOReceived,
	},
	StatusRTOReceived: {
		EventRestocked: StatusRestocked,
		EventDisposed:  StatusDisposed,
	},
}

// knownEvents is the set of event types the table mentions anywhere.
var knownEvents = func() map[EventType]bool {
	known := make(map[EventType]bool)
	for _, row := range transitions {
		for ev := range row {
			known[ev] = true
		}
	}
	return known
}()

// Transition validates an event against the current status and returns
// the next status.
func Transition(shipmentID string, current Status, event EventType) (Status, error) {
	if !knownEvents[event] {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	next, ok := transitions[current][event]
	if !ok {
		return "", &IllegalTransitionError{ShipmentID: shipmentID, Current: current, Event: event}
	}
	return next, nil
}

// IsTerminal reports whether no further events are accepted from s.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// DeriveIdempotencyKey builds the fallback key for courier webhooks that
// arrive without one. Stable across redeliveries of the same event.
func DeriveIdempotencyKey(carrier, trackingNumber string, event EventType, occurredAt time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s", carrier, trackingNumber, event, occurredAt.UTC().Format(time.RFC3339))
}
