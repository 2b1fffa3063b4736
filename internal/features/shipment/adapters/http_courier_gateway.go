package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"shipledger/internal/core/logger"
	"shipledger/internal/features/shipment/domain"

	"go.uber.org/zap"
)

// HTTPCourierGateway calls the courier aggregator gateway over HTTP. The
// gateway's transport is opaque to the engine: only success or failure
// matter here.
type HTTPCourierGateway struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPCourierGateway creates a gateway adapter for the given base URL.
func NewHTTPCourierGateway(baseURL string, client *http.Client) *HTTPCourierGateway {
	return &HTTPCourierGateway{
		baseURL: baseURL,
		client:  client,
		logger:  logger.Get(),
	}
}

// bookPickupRequest is the JSON body sent to the gateway.
type bookPickupRequest struct {
	ShipmentID string `json:"shipment_id"`
	TenantID   string `json:"tenant_id"`
	CarrierID  string `json:"carrier_id"`
	OrderRef   string `json:"order_ref"`
	WeightKg   string `json:"weight_kg"`
	CODAmount  string `json:"cod_amount,omitempty"`
}

// bookPickupResponse is the JSON body returned by the gateway.
type bookPickupResponse struct {
	TrackingNumber string `json:"tracking_number"`
}

// BookPickup books the pickup and returns the courier tracking number.
func (g *HTTPCourierGateway) BookPickup(ctx context.Context, s *domain.Shipment) (string, error) {
	payload := bookPickupRequest{
		ShipmentID: s.ID,
		TenantID:   s.TenantID,
		CarrierID:  s.CarrierID,
		OrderRef:   s.OrderRef,
		WeightKg:   s.DeclaredWeightKg.String(),
	}
	if s.IsCOD() {
		payload.CODAmount = s.CollectAmount.String()
	}

	var resp bookPickupResponse
	if err := g.post(ctx, "/pickups", payload, &resp); err != nil {
		return "", fmt.Errorf("book pickup failed: %w", err)
	}
	if resp.TrackingNumber == "" {
		return "", fmt.Errorf("gateway returned no tracking number for shipment %s", s.ID)
	}
	return resp.TrackingNumber, nil
}

// CancelShipment cancels the courier booking.
func (g *HTTPCourierGateway) CancelShipment(ctx context.Context, s *domain.Shipment) error {
	path := fmt.Sprintf("/shipments/%s/cancel", s.TrackingNumber)
	if err := g.post(ctx, path, struct{}{}, nil); err != nil {
		return fmt.Errorf("cancel shipment failed: %w", err)
	}
	return nil
}

// trackingResponse is the courier's view of the shipment's events.
type trackingResponse struct {
	Events []struct {
		Status     string    `json:"status"`
		OccurredAt time.Time `json:"occurred_at"`
		Location   string    `json:"location"`
		Note       string    `json:"note"`
	} `json:"events"`
}

// FetchTracking pulls the courier's event list for a shipment.
func (g *HTTPCourierGateway) FetchTracking(ctx context.Context, s *domain.Shipment) ([]domain.StatusEvent, error) {
	url := fmt.Sprintf("%s/tracking/%s", g.baseURL, s.TrackingNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	httpResp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tracking failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned status %d", httpResp.StatusCode)
	}

	var resp trackingResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to parse tracking response: %w", err)
	}

	events := make([]domain.StatusEvent, 0, len(resp.Events))
	for _, e := range resp.Events {
		events = append(events, domain.StatusEvent{
			Status:     domain.Status(e.Status),
			OccurredAt: e.OccurredAt,
			Location:   e.Location,
			Note:       e.Note,
		})
	}
	return events, nil
}

// post sends a JSON body and optionally decodes a JSON response.
func (g *HTTPCourierGateway) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		g.logger.Warn("Courier gateway rejected request",
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode),
		)
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse gateway response: %w", err)
	}
	return nil
}
