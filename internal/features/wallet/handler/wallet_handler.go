package handler

import (
	"errors"

	"shipledger/internal/features/wallet/domain"
	"shipledger/internal/features/wallet/service"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

// WalletHandler handles HTTP requests for wallet operations.
type WalletHandler struct {
	wallet *service.WalletService
}

// NewWalletHandler creates a new WalletHandler.
func NewWalletHandler(wallet *service.WalletService) *WalletHandler {
	return &WalletHandler{
		wallet: wallet,
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

// balanceResponse is the balance payload.
type balanceResponse struct {
	TenantID string          `json:"tenant_id"`
	Balance  decimal.Decimal `json:"balance"`
}

// GetBalance returns the tenant's current balance.
func (h *WalletHandler) GetBalance(c *fiber.Ctx) error {
	tenantID := c.Params("tenant")
	balance, err := h.wallet.Balance(c.Context(), tenantID)
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(balanceResponse{TenantID: tenantID, Balance: balance})
}

// GetAudit recomputes the balance by summation and reports drift.
func (h *WalletHandler) GetAudit(c *fiber.Ctx) error {
	report, err := h.wallet.AuditBalance(c.Context(), c.Params("tenant"))
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(report)
}

// ListTransactions returns the tenant's ledger in write order.
func (h *WalletHandler) ListTransactions(c *fiber.Ctx) error {
	txs, err := h.wallet.Transactions(c.Context(), c.Params("tenant"))
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(txs)
}

// postTransactionRequest is a manual ledger post.
type postTransactionRequest struct {
	Direction      string          `json:"direction"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	ReferenceID    string          `json:"reference_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Actor          string          `json:"actor"`
}

// manualReasons are the reason codes external callers may post directly.
// Everything else is produced by the engine itself.
var manualReasons = map[domain.ReasonCode]bool{
	domain.ReasonManualRecharge: true,
	domain.ReasonRefund:         true,
	domain.ReasonCODRemittance:  true,
}

// PostTransaction posts a manual ledger transaction (recharge, refund or a
// settled COD remittance from the payout integration).
func (h *WalletHandler) PostTransaction(c *fiber.Ctx) error {
	var req postTransactionRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid request body")
	}

	reason := domain.ReasonCode(req.Reason)
	if !manualReasons[reason] {
		return errorJSON(c, fiber.StatusBadRequest, "reason not allowed for manual posts")
	}
	if req.IdempotencyKey == "" {
		return errorJSON(c, fiber.StatusBadRequest, "idempotency_key is required")
	}

	result, err := h.wallet.Post(c.Context(), service.PostRequest{
		TenantID:       c.Params("tenant"),
		Direction:      domain.Direction(req.Direction),
		Amount:         req.Amount,
		Reason:         reason,
		Reference:      domain.Reference{Kind: domain.RefManual, ID: req.ReferenceID},
		IdempotencyKey: req.IdempotencyKey,
		Actor:          req.Actor,
	})
	if err != nil {
		return h.mapError(c, err)
	}

	status := fiber.StatusCreated
	if result.Duplicate {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(result)
}

// reverseRequest identifies who reversed the transaction and why.
type reverseRequest struct {
	Actor string `json:"actor"`
	// Reason optionally overrides the refund reason code.
	Reason string `json:"reason"`
}

// PostReverse appends a compensating transaction for an applied one.
func (h *WalletHandler) PostReverse(c *fiber.Ctx) error {
	var req reverseRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Reason != "" && !manualReasons[domain.ReasonCode(req.Reason)] {
		return errorJSON(c, fiber.StatusBadRequest, "reason not allowed for reversals")
	}

	result, err := h.wallet.Reverse(c.Context(), c.Params("id"), domain.ReasonCode(req.Reason), req.Actor)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(result)
}

func (h *WalletHandler) mapError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrTransactionNotFound):
		return errorJSON(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInsufficientFunds):
		return errorJSON(c, fiber.StatusPaymentRequired, err.Error())
	case errors.Is(err, service.ErrNotReversible):
		return errorJSON(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, service.ErrInvalidAmount):
		return errorJSON(c, fiber.StatusBadRequest, err.Error())
	default:
		return errorJSON(c, fiber.StatusInternalServerError, err.Error())
	}
}
