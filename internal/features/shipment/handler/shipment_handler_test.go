package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"shipledger/internal/features/shipment/adapters"
	"shipledger/internal/features/shipment/domain"
	"shipledger/internal/features/shipment/service"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubGateway is a CourierGateway that always books.
type stubGateway struct{}

func (stubGateway) BookPickup(context.Context, *domain.Shipment) (string, error) {
	return "TRK-9", nil
}

func (stubGateway) CancelShipment(context.Context, *domain.Shipment) error {
	return nil
}

func (stubGateway) FetchTracking(context.Context, *domain.Shipment) ([]domain.StatusEvent, error) {
	return nil, nil
}

// stubExceptionHooks accepts every outcome.
type stubExceptionHooks struct{}

func (stubExceptionHooks) DeliveryFailed(context.Context, *domain.Shipment, domain.StatusEvent) (string, error) {
	return "exc-1", nil
}

func (stubExceptionHooks) Delivered(context.Context, *domain.Shipment) error {
	return nil
}

// stubLedgerHooks accepts every post.
type stubLedgerHooks struct{}

func (stubLedgerHooks) ShippingFee(context.Context, *domain.Shipment) error { return nil }

func (stubLedgerHooks) CODRemittance(context.Context, *domain.Shipment) error { return nil }

func (stubLedgerHooks) WeightAdjustment(context.Context, *domain.Shipment, decimal.Decimal) error {
	return nil
}

func newTestApp(t *testing.T) (*fiber.App, *service.StateMachine) {
	t.Helper()

	sm := service.NewStateMachine(
		adapters.NewMemoryShipmentRepository(),
		stubGateway{},
		stubExceptionHooks{},
		stubLedgerHooks{},
		zap.NewNop(),
	)
	h := NewShipmentHandler(sm)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("requestid", "test-ray-id")
		return c.Next()
	})
	app.Post("/webhooks/courier/events", h.PostWebhookEvent)
	app.Post("/shipments", h.CreateShipment)
	app.Get("/shipments/:id", h.GetShipment)

	return app, sm
}

func createTestShipment(t *testing.T, sm *service.StateMachine) *domain.Shipment {
	t.Helper()
	shipment, err := sm.Create(context.Background(), service.CreateRequest{
		TenantID:         "tenant-1",
		OrderRef:         "order-1",
		CarrierID:        "bluedart",
		DeclaredWeightKg: decimal.NewFromInt(1),
		PaymentType:      domain.PaymentPrepaid,
		ShippingCost:     decimal.NewFromInt(50),
	})
	require.NoError(t, err)
	return shipment
}

func postEvent(t *testing.T, app *fiber.App, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/webhooks/courier/events", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	rec.Code = resp.StatusCode
	_, err = rec.Body.ReadFrom(resp.Body)
	require.NoError(t, err)
	return rec
}

// TestPostWebhookEvent_Success verifies a tracking event is accepted.
func TestPostWebhookEvent_Success(t *testing.T) {
	app, sm := newTestApp(t)
	shipment := createTestShipment(t, sm)

	rec := postEvent(t, app, map[string]any{
		"shipment_id":     shipment.ID,
		"event_type":      "picked-up",
		"occurred_at":     time.Now().UTC(),
		"idempotency_key": "wh-1",
	})
	assert.Equal(t, fiber.StatusOK, rec.Code)

	var result service.ApplyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, domain.StatusPickedUp, result.Status)
	assert.False(t, result.Duplicate)
}

// TestPostWebhookEvent_DuplicateIs200 verifies that a retried webhook is a
// success with duplicate=true, never an error.
func TestPostWebhookEvent_DuplicateIs200(t *testing.T) {
	app, sm := newTestApp(t)
	shipment := createTestShipment(t, sm)

	body := map[string]any{
		"shipment_id":     shipment.ID,
		"event_type":      "picked-up",
		"occurred_at":     time.Now().UTC(),
		"idempotency_key": "wh-dup",
	}

	for i := 0; i < 3; i++ {
		rec := postEvent(t, app, body)
		assert.Equal(t, fiber.StatusOK, rec.Code)

		var result service.ApplyResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Equal(t, i > 0, result.Duplicate)
	}

	loaded, err := sm.Get(context.Background(), shipment.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.History, 1)
}

// TestPostWebhookEvent_IllegalTransition verifies the 409 with the
// conflicting prior state in the message.
func TestPostWebhookEvent_IllegalTransition(t *testing.T) {
	app, sm := newTestApp(t)
	shipment := createTestShipment(t, sm)

	rec := postEvent(t, app, map[string]any{
		"shipment_id":     shipment.ID,
		"event_type":      "rto-received",
		"occurred_at":     time.Now().UTC(),
		"idempotency_key": "wh-bad",
	})
	assert.Equal(t, fiber.StatusConflict, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Contains(t, errResp.Message, "created")
	assert.Equal(t, "test-ray-id", errResp.RayID)
}

// TestPostWebhookEvent_MissingKeyDerived verifies the carrier-derived
// fallback key deduplicates redeliveries.
func TestPostWebhookEvent_MissingKeyDerived(t *testing.T) {
	app, sm := newTestApp(t)
	shipment := createTestShipment(t, sm)
	occurred := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	body := map[string]any{
		"shipment_id":     shipment.ID,
		"event_type":      "picked-up",
		"occurred_at":     occurred,
		"carrier":         "bluedart",
		"tracking_number": "TRK-9",
	}

	for i := 0; i < 2; i++ {
		rec := postEvent(t, app, body)
		assert.Equal(t, fiber.StatusOK, rec.Code)
	}

	loaded, err := sm.Get(context.Background(), shipment.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.History, 1)
}

// TestPostWebhookEvent_Validation verifies required-field errors.
func TestPostWebhookEvent_Validation(t *testing.T) {
	app, _ := newTestApp(t)

	rec := postEvent(t, app, map[string]any{"event_type": "picked-up"})
	assert.Equal(t, fiber.StatusBadRequest, rec.Code)

	// No key and no carrier identity to derive one from.
	rec = postEvent(t, app, map[string]any{
		"shipment_id": "ship-1",
		"event_type":  "picked-up",
	})
	assert.Equal(t, fiber.StatusBadRequest, rec.Code)
}

// TestPostWebhookEvent_NotFound verifies the 404 for unknown shipments.
func TestPostWebhookEvent_NotFound(t *testing.T) {
	app, _ := newTestApp(t)

	rec := postEvent(t, app, map[string]any{
		"shipment_id":     "no-such-shipment",
		"event_type":      "picked-up",
		"idempotency_key": "wh-1",
	})
	assert.Equal(t, fiber.StatusNotFound, rec.Code)
}

// TestCreateShipment verifies the booking endpoint.
func TestCreateShipment(t *testing.T) {
	app, _ := newTestApp(t)

	raw, err := json.Marshal(map[string]any{
		"tenant_id":          "tenant-1",
		"order_ref":          "order-1",
		"carrier_id":         "bluedart",
		"declared_weight_kg": "2.5",
		"payment_type":       "cod",
		"collect_amount":     "750",
		"shipping_cost":      "90",
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/shipments", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var shipment domain.Shipment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&shipment))
	assert.Equal(t, "TRK-9", shipment.TrackingNumber)
	assert.Equal(t, domain.StatusCreated, shipment.Status)
}

// TestGetShipment verifies the read endpoint.
func TestGetShipment(t *testing.T) {
	app, sm := newTestApp(t)
	shipment := createTestShipment(t, sm)

	req := httptest.NewRequest("GET", "/shipments/"+shipment.ID, nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var loaded domain.Shipment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loaded))
	assert.Equal(t, shipment.ID, loaded.ID)
	assert.Equal(t, domain.StatusCreated, loaded.Status)
}
