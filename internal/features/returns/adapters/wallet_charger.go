package adapters

import (
	"context"

	walletdomain "shipledger/internal/features/wallet/domain"
	walletservice "shipledger/internal/features/wallet/service"

	"github.com/shopspring/decimal"
)

// WalletRTOCharger posts return fees through the wallet service. The
// caller supplies the deterministic key, so retries are financially
// no-ops.
type WalletRTOCharger struct {
	wallet *walletservice.WalletService
}

// NewWalletRTOCharger wraps the wallet service as a WalletCharger.
func NewWalletRTOCharger(wallet *walletservice.WalletService) *WalletRTOCharger {
	return &WalletRTOCharger{wallet: wallet}
}

// ChargeRTO debits the tenant for the return.
func (c *WalletRTOCharger) ChargeRTO(ctx context.Context, tenantID, returnID, idempotencyKey string, amount decimal.Decimal) error {
	_, err := c.wallet.Post(ctx, walletservice.PostRequest{
		TenantID:       tenantID,
		Direction:      walletdomain.DirectionDebit,
		Amount:         amount,
		Reason:         walletdomain.ReasonRTOCharge,
		Reference:      walletdomain.Reference{Kind: walletdomain.RefReturn, ID: returnID},
		IdempotencyKey: idempotencyKey,
		Actor:          "system",
	})
	return err
}
