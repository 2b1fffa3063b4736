package handler

import (
	"errors"

	"shipledger/internal/features/exception/domain"
	"shipledger/internal/features/exception/service"

	"github.com/gofiber/fiber/v2"
)

// ExceptionHandler handles HTTP requests for non-delivery resolution.
type ExceptionHandler struct {
	exceptions *service.ExceptionService
}

// NewExceptionHandler creates a new ExceptionHandler.
func NewExceptionHandler(exceptions *service.ExceptionService) *ExceptionHandler {
	return &ExceptionHandler{
		exceptions: exceptions,
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

// recordActionRequest is one resolution action.
type recordActionRequest struct {
	Action string `json:"action"`
	Actor  string `json:"actor"`
	Note   string `json:"note"`
}

// PostAction records a resolution action on a non-delivery record. Manual
// overrides go through the exact same operation as automated resolution.
func (h *ExceptionHandler) PostAction(c *fiber.Ctx) error {
	var req recordActionRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Action == "" {
		return errorJSON(c, fiber.StatusBadRequest, "action is required")
	}
	if req.Actor == "" {
		return errorJSON(c, fiber.StatusBadRequest, "actor is required")
	}

	record, err := h.exceptions.RecordAction(c.Context(), c.Params("id"),
		domain.ActionType(req.Action), req.Actor, req.Note)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrExceptionNotFound):
			return errorJSON(c, fiber.StatusNotFound, err.Error())
		case errors.Is(err, service.ErrAlreadyClosed),
			errors.Is(err, service.ErrDeadlinePassed):
			return errorJSON(c, fiber.StatusConflict, err.Error())
		case errors.Is(err, service.ErrUnknownAction):
			return errorJSON(c, fiber.StatusBadRequest, err.Error())
		default:
			return errorJSON(c, fiber.StatusInternalServerError, err.Error())
		}
	}

	return c.JSON(record)
}

// GetException returns a non-delivery record with its action trail.
func (h *ExceptionHandler) GetException(c *fiber.Ctx) error {
	record, err := h.exceptions.Get(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, service.ErrExceptionNotFound) {
			return errorJSON(c, fiber.StatusNotFound, err.Error())
		}
		return errorJSON(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(record)
}
