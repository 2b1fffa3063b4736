package handler

import (
	"errors"
	"time"

	"shipledger/internal/features/shipment/domain"
	"shipledger/internal/features/shipment/service"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

// ShipmentHandler handles HTTP requests for shipment operations, including
// the courier webhook ingest.
type ShipmentHandler struct {
	shipments *service.StateMachine
}

// NewShipmentHandler creates a new ShipmentHandler.
func NewShipmentHandler(shipments *service.StateMachine) *ShipmentHandler {
	return &ShipmentHandler{
		shipments: shipments,
	}
}

// ErrorResponse represents an error response with Ray ID.
type ErrorResponse struct {
	// Message is the error description.
	Message string `json:"message"`
	// RayID is the unique request identifier for tracing.
	RayID string `json:"ray_id,omitempty"`
}

func rayID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok {
		return id
	}
	return ""
}

func errorJSON(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Message: message,
		RayID:   rayID(c),
	})
}

// webhookEventRequest is the courier webhook payload.
type webhookEventRequest struct {
	ShipmentID     string    `json:"shipment_id"`
	EventType      string    `json:"event_type"`
	OccurredAt     time.Time `json:"occurred_at"`
	Location       string    `json:"location"`
	Note           string    `json:"note"`
	IdempotencyKey string    `json:"idempotency_key"`
	Carrier        string    `json:"carrier"`
	TrackingNumber string    `json:"tracking_number"`
}

// PostWebhookEvent ingests one courier tracking event. Retried deliveries
// of the same event return 200 with duplicate=true, never an error.
func (h *ShipmentHandler) PostWebhookEvent(c *fiber.Ctx) error {
	var req webhookEventRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.ShipmentID == "" {
		return errorJSON(c, fiber.StatusBadRequest, "shipment_id is required")
	}
	if req.EventType == "" {
		return errorJSON(c, fiber.StatusBadRequest, "event_type is required")
	}
	if req.OccurredAt.IsZero() {
		req.OccurredAt = time.Now().UTC()
	}

	key := req.IdempotencyKey
	if key == "" {
		if req.Carrier == "" || req.TrackingNumber == "" {
			return errorJSON(c, fiber.StatusBadRequest,
				"idempotency_key or carrier+tracking_number are required")
		}
		key = domain.DeriveIdempotencyKey(req.Carrier, req.TrackingNumber,
			domain.EventType(req.EventType), req.OccurredAt)
	}

	result, err := h.shipments.ApplyEvent(c.Context(), service.ApplyRequest{
		ShipmentID:     req.ShipmentID,
		Event:          domain.EventType(req.EventType),
		OccurredAt:     req.OccurredAt,
		Location:       req.Location,
		Note:           req.Note,
		IdempotencyKey: key,
	})
	if err != nil {
		return h.mapError(c, err)
	}

	return c.JSON(result)
}

// createShipmentRequest is the booking payload.
type createShipmentRequest struct {
	TenantID         string          `json:"tenant_id"`
	OrderRef         string          `json:"order_ref"`
	CarrierID        string          `json:"carrier_id"`
	DeclaredWeightKg decimal.Decimal `json:"declared_weight_kg"`
	PaymentType      string          `json:"payment_type"`
	CollectAmount    decimal.Decimal `json:"collect_amount"`
	ShippingCost     decimal.Decimal `json:"shipping_cost"`
}

// CreateShipment books a pickup and creates the shipment.
func (h *ShipmentHandler) CreateShipment(c *fiber.Ctx) error {
	var req createShipmentRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid request body")
	}

	shipment, err := h.shipments.Create(c.Context(), service.CreateRequest{
		TenantID:         req.TenantID,
		OrderRef:         req.OrderRef,
		CarrierID:        req.CarrierID,
		DeclaredWeightKg: req.DeclaredWeightKg,
		PaymentType:      domain.PaymentType(req.PaymentType),
		CollectAmount:    req.CollectAmount,
		ShippingCost:     req.ShippingCost,
	})
	if err != nil {
		return h.mapError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(shipment)
}

// GetShipment returns the shipment with its full history.
func (h *ShipmentHandler) GetShipment(c *fiber.Ctx) error {
	shipment, err := h.shipments.Get(c.Context(), c.Params("id"))
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(shipment)
}

// GetCourierTracking returns the courier's live view of the shipment.
func (h *ShipmentHandler) GetCourierTracking(c *fiber.Ctx) error {
	events, err := h.shipments.FetchCourierTracking(c.Context(), c.Params("id"))
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(events)
}

// recordWeightRequest is the verified-weight payload.
type recordWeightRequest struct {
	VerifiedWeightKg decimal.Decimal `json:"verified_weight_kg"`
}

// RecordWeight stores the courier-verified weight and settles the fee
// difference.
func (h *ShipmentHandler) RecordWeight(c *fiber.Ctx) error {
	var req recordWeightRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid request body")
	}

	shipment, err := h.shipments.RecordWeight(c.Context(), c.Params("id"), req.VerifiedWeightKg)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(shipment)
}

// CancelShipment cancels the booking before pickup.
func (h *ShipmentHandler) CancelShipment(c *fiber.Ctx) error {
	if err := h.shipments.Cancel(c.Context(), c.Params("id")); err != nil {
		return h.mapError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// mapError translates service errors into HTTP statuses. Legality and
// invariant violations carry the conflicting state in the message.
func (h *ShipmentHandler) mapError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrShipmentNotFound):
		return errorJSON(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, service.ErrShipmentRetired),
		errors.Is(err, service.ErrWeightAlreadyVerified),
		errors.Is(err, service.ErrCancelNotAllowed):
		return errorJSON(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrUnknownEvent),
		errors.Is(err, service.ErrMissingIdempotencyKey),
		errors.Is(err, service.ErrInvalidWeight):
		return errorJSON(c, fiber.StatusBadRequest, err.Error())
	default:
		return errorJSON(c, fiber.StatusInternalServerError, err.Error())
	}
}
