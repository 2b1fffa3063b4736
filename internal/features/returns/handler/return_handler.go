package handler

import (
	"errors"

	"shipledger/internal/features/returns/domain"
	"shipledger/internal/features/returns/service"
	shipservice "shipledger/internal/features/shipment/service"

	"github.com/gofiber/fiber/v2"
)

// ReturnHandler handles HTTP requests for return operations.
type ReturnHandler struct {
	returns *service.ReturnService
}

// NewReturnHandler creates a new ReturnHandler.
func NewReturnHandler(returns *service.ReturnService) *ReturnHandler {
	return &ReturnHandler{
		returns: returns,
	}
}

// ErrorResponse represents an error response with Ray ID.
type ErrorResponse struct {
	// Message is the error description.
	Message string `json:"message"`
	// RayID is the unique request identifier for tracing.
	RayID string `json:"ray_id,omitempty"`
}

func errorJSON(c *fiber.Ctx, status int, message string) error {
	rayID, _ := c.Locals("requestid").(string)
	return c.Status(status).JSON(ErrorResponse{Message: message, RayID: rayID})
}

// triggerRequest is a manual return trigger.
type triggerRequest struct {
	ShipmentID string `json:"shipment_id"`
	Reason     string `json:"reason"`
	Actor      string `json:"actor"`
}

// PostTrigger triggers a manual return for a shipment.
func (h *ReturnHandler) PostTrigger(c *fiber.Ctx) error {
	var req triggerRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.ShipmentID == "" {
		return errorJSON(c, fiber.StatusBadRequest, "shipment_id is required")
	}

	record, err := h.returns.Trigger(c.Context(), service.TriggerRequest{
		ShipmentID: req.ShipmentID,
		Reason:     req.Reason,
		Mode:       domain.TriggerManual,
		Actor:      req.Actor,
	})
	if err != nil {
		return h.mapError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(record)
}

// returnEventRequest is one reverse-leg courier event.
type returnEventRequest struct {
	Event    string `json:"event"`
	Location string `json:"location"`
	Note     string `json:"note"`
}

// PostEvent drives the reverse leg forward.
func (h *ReturnHandler) PostEvent(c *fiber.Ctx) error {
	var req returnEventRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid request body")
	}

	record, err := h.returns.ApplyReturnEvent(c.Context(), c.Params("id"),
		service.EventType(req.Event), req.Location, req.Note)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(record)
}

// qcRequest is the quality check outcome.
type qcRequest struct {
	Passed bool   `json:"passed"`
	Notes  string `json:"notes"`
}

// PostQC records the quality check and settles the disposition.
func (h *ReturnHandler) PostQC(c *fiber.Ctx) error {
	var req qcRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid request body")
	}

	record, err := h.returns.RecordQC(c.Context(), c.Params("id"), req.Passed, req.Notes)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(record)
}

// GetReturn returns a return record.
func (h *ReturnHandler) GetReturn(c *fiber.Ctx) error {
	record, err := h.returns.Get(c.Context(), c.Params("id"))
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(record)
}

func (h *ReturnHandler) mapError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrReturnNotFound),
		errors.Is(err, shipservice.ErrShipmentNotFound):
		return errorJSON(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrAlreadyReturning),
		errors.Is(err, service.ErrTriggerNotAllowed),
		errors.Is(err, service.ErrStatusRegression),
		errors.Is(err, service.ErrQCNotReady):
		return errorJSON(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, service.ErrUnknownReturnEvent):
		return errorJSON(c, fiber.StatusBadRequest, err.Error())
	default:
		return errorJSON(c, fiber.StatusInternalServerError, err.Error())
	}
}
