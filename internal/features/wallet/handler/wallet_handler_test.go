package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"shipledger/internal/features/wallet/adapters"
	"shipledger/internal/features/wallet/domain"
	"shipledger/internal/features/wallet/service"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestApp(t *testing.T) (*fiber.App, *service.WalletService) {
	t.Helper()

	wallet := service.NewWalletService(
		adapters.NewMemoryLedgerRepository(),
		adapters.NewStaticTenantPolicies(nil, decimal.Zero),
		nil,
		zap.NewNop(),
	)
	h := NewWalletHandler(wallet)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("requestid", "test-ray-id")
		return c.Next()
	})
	app.Get("/wallets/:tenant/balance", h.GetBalance)
	app.Get("/wallets/:tenant/audit", h.GetAudit)
	app.Get("/wallets/:tenant/transactions", h.ListTransactions)
	app.Post("/wallets/:tenant/transactions", h.PostTransaction)
	app.Post("/wallets/transactions/:id/reverse", h.PostReverse)

	return app, wallet
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) (*httptest.ResponseRecorder, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	rec.Code = resp.StatusCode
	_, err = rec.Body.ReadFrom(resp.Body)
	require.NoError(t, err)
	return rec, rec.Body.Bytes()
}

// TestPostTransaction_Recharge verifies the manual recharge path.
func TestPostTransaction_Recharge(t *testing.T) {
	app, _ := newTestApp(t)

	rec, raw := doJSON(t, app, "POST", "/wallets/tenant-1/transactions", map[string]any{
		"direction":       "credit",
		"amount":          "500",
		"reason":          "manual-recharge",
		"idempotency_key": "topup-1",
		"actor":           "finance",
	})
	assert.Equal(t, fiber.StatusCreated, rec.Code)

	var result service.PostResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, domain.ReasonManualRecharge, result.Transaction.Reason)
	assert.True(t, result.Transaction.BalanceAfter.Equal(decimal.NewFromInt(500)))
}

// TestPostTransaction_DuplicateIs200 verifies the idempotency contract at
// the HTTP boundary.
func TestPostTransaction_DuplicateIs200(t *testing.T) {
	app, _ := newTestApp(t)

	body := map[string]any{
		"direction":       "credit",
		"amount":          "100",
		"reason":          "manual-recharge",
		"idempotency_key": "topup-dup",
		"actor":           "finance",
	}

	rec, _ := doJSON(t, app, "POST", "/wallets/tenant-1/transactions", body)
	assert.Equal(t, fiber.StatusCreated, rec.Code)

	rec, raw := doJSON(t, app, "POST", "/wallets/tenant-1/transactions", body)
	assert.Equal(t, fiber.StatusOK, rec.Code)

	var result service.PostResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.True(t, result.Duplicate)
}

// TestPostTransaction_ReasonRestricted verifies engine-owned reason codes
// are rejected at the boundary.
func TestPostTransaction_ReasonRestricted(t *testing.T) {
	app, _ := newTestApp(t)

	rec, _ := doJSON(t, app, "POST", "/wallets/tenant-1/transactions", map[string]any{
		"direction":       "debit",
		"amount":          "10",
		"reason":          "rto-charge",
		"idempotency_key": "sneaky",
		"actor":           "finance",
	})
	assert.Equal(t, fiber.StatusBadRequest, rec.Code)
}

// TestPostTransaction_InsufficientFunds verifies the 402 mapping.
func TestPostTransaction_InsufficientFunds(t *testing.T) {
	app, _ := newTestApp(t)

	rec, _ := doJSON(t, app, "POST", "/wallets/tenant-1/transactions", map[string]any{
		"direction":       "debit",
		"amount":          "50",
		"reason":          "refund",
		"idempotency_key": "over",
		"actor":           "finance",
	})
	assert.Equal(t, fiber.StatusPaymentRequired, rec.Code)
}

// TestGetBalance verifies the balance read.
func TestGetBalance(t *testing.T) {
	app, wallet := newTestApp(t)

	_, err := wallet.Post(context.Background(), service.PostRequest{
		TenantID:       "tenant-1",
		Direction:      domain.DirectionCredit,
		Amount:         decimal.NewFromInt(75),
		Reason:         domain.ReasonManualRecharge,
		Reference:      domain.Reference{Kind: domain.RefManual, ID: "seed"},
		IdempotencyKey: "seed",
		Actor:          "test",
	})
	require.NoError(t, err)

	rec, raw := doJSON(t, app, "GET", "/wallets/tenant-1/balance", nil)
	assert.Equal(t, fiber.StatusOK, rec.Code)
	assert.Contains(t, string(raw), "75")
}

// TestPostReverse verifies the reversal endpoint.
func TestPostReverse(t *testing.T) {
	app, wallet := newTestApp(t)

	result, err := wallet.Post(context.Background(), service.PostRequest{
		TenantID:       "tenant-1",
		Direction:      domain.DirectionCredit,
		Amount:         decimal.NewFromInt(40),
		Reason:         domain.ReasonManualRecharge,
		Reference:      domain.Reference{Kind: domain.RefManual, ID: "seed"},
		IdempotencyKey: "seed",
		Actor:          "test",
	})
	require.NoError(t, err)

	rec, raw := doJSON(t, app, "POST",
		"/wallets/transactions/"+result.Transaction.ID+"/reverse",
		map[string]any{"actor": "ops"})
	assert.Equal(t, fiber.StatusOK, rec.Code)

	var reversed service.PostResult
	require.NoError(t, json.Unmarshal(raw, &reversed))
	assert.Equal(t, domain.DirectionDebit, reversed.Transaction.Direction)
	assert.True(t, reversed.Transaction.BalanceAfter.IsZero())
}

// TestPostReverse_NotFound verifies the 404 mapping.
func TestPostReverse_NotFound(t *testing.T) {
	app, _ := newTestApp(t)

	rec, _ := doJSON(t, app, "POST", "/wallets/transactions/nope/reverse",
		map[string]any{"actor": "ops"})
	assert.Equal(t, fiber.StatusNotFound, rec.Code)
}

// TestGetAudit verifies the drift report endpoint.
func TestGetAudit(t *testing.T) {
	app, _ := newTestApp(t)

	rec, raw := doJSON(t, app, "GET", "/wallets/tenant-1/audit", nil)
	assert.Equal(t, fiber.StatusOK, rec.Code)

	var report service.DriftReport
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.True(t, report.Drift.IsZero())
}
