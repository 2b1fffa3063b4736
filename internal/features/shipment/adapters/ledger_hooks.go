package adapters

import (
	"context"
	"fmt"

	"shipledger/internal/features/shipment/domain"
	walletdomain "shipledger/internal/features/wallet/domain"
	walletservice "shipledger/internal/features/wallet/service"

	"github.com/shopspring/decimal"
)

// WalletLedgerHooks bridges accepted shipment transitions to the wallet.
// Every post uses a key derived from the shipment ID, so re-driving the
// same transition (webhook retry, reconciliation sweep) is financially a
// no-op.
type WalletLedgerHooks struct {
	wallet *walletservice.WalletService
}

// NewWalletLedgerHooks wraps the wallet service as shipment ledger hooks.
func NewWalletLedgerHooks(wallet *walletservice.WalletService) *WalletLedgerHooks {
	return &WalletLedgerHooks{wallet: wallet}
}

// ShippingFee debits the forward shipping cost once per shipment.
func (h *WalletLedgerHooks) ShippingFee(ctx context.Context, s *domain.Shipment) error {
	_, err := h.wallet.Post(ctx, walletservice.PostRequest{
		TenantID:       s.TenantID,
		Direction:      walletdomain.DirectionDebit,
		Amount:         s.ShippingCost,
		Reason:         walletdomain.ReasonShippingCost,
		Reference:      walletdomain.Reference{Kind: walletdomain.RefShipment, ID: s.ID},
		IdempotencyKey: "ship:" + s.ID,
		Actor:          "system",
	})
	return err
}

// CODRemittance credits the collected amount once per COD shipment.
func (h *WalletLedgerHooks) CODRemittance(ctx context.Context, s *domain.Shipment) error {
	_, err := h.wallet.Post(ctx, walletservice.PostRequest{
		TenantID:       s.TenantID,
		Direction:      walletdomain.DirectionCredit,
		Amount:         s.CollectAmount,
		Reason:         walletdomain.ReasonCODRemittance,
		Reference:      walletdomain.Reference{Kind: walletdomain.RefShipment, ID: s.ID},
		IdempotencyKey: "cod:" + s.ID,
		Actor:          "system",
	})
	return err
}

// WeightAdjustment settles a verified-weight dispute once per shipment.
// A positive delta debits the tenant, a negative delta credits it.
func (h *WalletLedgerHooks) WeightAdjustment(ctx context.Context, s *domain.Shipment, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}

	direction := walletdomain.DirectionDebit
	if delta.IsNegative() {
		direction = walletdomain.DirectionCredit
	}

	_, err := h.wallet.Post(ctx, walletservice.PostRequest{
		TenantID:       s.TenantID,
		Direction:      direction,
		Amount:         delta.Abs(),
		Reason:         walletdomain.ReasonWeightAdjustment,
		Reference:      walletdomain.Reference{Kind: walletdomain.RefShipment, ID: s.ID},
		IdempotencyKey: "weight:" + s.ID,
		Actor:          "system",
	})
	if err != nil {
		return fmt.Errorf("weight adjustment post failed: %w", err)
	}
	return nil
}
