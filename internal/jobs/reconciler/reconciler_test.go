package reconciler

import (
	"context"
	"testing"
	"time"

	exceptionadapter "shipledger/internal/features/exception/adapters"
	exceptiondomain "shipledger/internal/features/exception/domain"
	exceptionservice "shipledger/internal/features/exception/service"
	returnadapter "shipledger/internal/features/returns/adapters"
	returndomain "shipledger/internal/features/returns/domain"
	returnservice "shipledger/internal/features/returns/service"
	shipmentadapter "shipledger/internal/features/shipment/adapters"
	shipdomain "shipledger/internal/features/shipment/domain"
	shipservice "shipledger/internal/features/shipment/service"
	walletadapter "shipledger/internal/features/wallet/adapters"
	walletdomain "shipledger/internal/features/wallet/domain"
	walletservice "shipledger/internal/features/wallet/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubGateway is a CourierGateway that always books.
type stubGateway struct{}

func (stubGateway) BookPickup(context.Context, *shipdomain.Shipment) (string, error) {
	return "TRK-1", nil
}

func (stubGateway) CancelShipment(context.Context, *shipdomain.Shipment) error {
	return nil
}

func (stubGateway) FetchTracking(context.Context, *shipdomain.Shipment) ([]shipdomain.StatusEvent, error) {
	return nil, nil
}

// stubPolicies disables auto-recharge for every tenant.
type stubPolicies struct{}

func (stubPolicies) PolicyFor(string) walletdomain.TenantPolicy {
	return walletdomain.TenantPolicy{}
}

// engine wires the full engine on memory repositories, exactly like
// cmd/api does on SQLite.
type engine struct {
	shipments  *shipservice.StateMachine
	exceptions *exceptionservice.ExceptionService
	returns    *returnservice.ReturnService
	wallet     *walletservice.WalletService
	sweep      *Reconciler
}

func newEngine(t *testing.T, window time.Duration) *engine {
	t.Helper()
	log := zap.NewNop()

	wallet := walletservice.NewWalletService(
		walletadapter.NewMemoryLedgerRepository(), stubPolicies{}, nil, log)

	exceptionHooks := shipmentadapter.NewExceptionServiceHooks()
	shipments := shipservice.NewStateMachine(
		shipmentadapter.NewMemoryShipmentRepository(),
		stubGateway{},
		exceptionHooks,
		shipmentadapter.NewWalletLedgerHooks(wallet),
		log,
	)

	returns := returnservice.NewReturnService(
		returnadapter.NewMemoryReturnRepository(),
		shipments,
		returnadapter.NewWalletRTOCharger(wallet),
		returndomain.MultiplierChargePolicy{Multiplier: decimal.RequireFromString("1.35")},
		log,
	)

	exceptions := exceptionservice.NewExceptionService(
		exceptionadapter.NewMemoryExceptionRepository(),
		exceptionadapter.NewReturnManagerTrigger(returns),
		window,
		log,
	)
	exceptionHooks.Bind(exceptions)

	return &engine{
		shipments:  shipments,
		exceptions: exceptions,
		returns:    returns,
		wallet:     wallet,
		sweep:      New(shipments, exceptions, returns, wallet, time.Minute, log),
	}
}

// seedWallet funds the tenant so engine debits clear.
func (e *engine) seedWallet(t *testing.T, tenantID string) {
	t.Helper()
	_, err := e.wallet.Post(context.Background(), walletservice.PostRequest{
		TenantID:       tenantID,
		Direction:      walletdomain.DirectionCredit,
		Amount:         decimal.NewFromInt(1000),
		Reason:         walletdomain.ReasonManualRecharge,
		Reference:      walletdomain.Reference{Kind: walletdomain.RefManual, ID: "seed"},
		IdempotencyKey: "seed:" + tenantID,
		Actor:          "test",
	})
	require.NoError(t, err)
}

// failShipment books a shipment and drives it to delivery-failed.
func (e *engine) failShipment(t *testing.T) *shipdomain.Shipment {
	t.Helper()
	ctx := context.Background()

	shipment, err := e.shipments.Create(ctx, shipservice.CreateRequest{
		TenantID:         "tenant-1",
		OrderRef:         "order-1",
		CarrierID:        "bluedart",
		DeclaredWeightKg: decimal.NewFromInt(1),
		PaymentType:      shipdomain.PaymentPrepaid,
		ShippingCost:     decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	for i, ev := range []shipdomain.EventType{
		shipdomain.EventPickedUp,
		shipdomain.EventOutForDelivery,
		shipdomain.EventDeliveryFailed,
	} {
		_, err := e.shipments.ApplyEvent(ctx, shipservice.ApplyRequest{
			ShipmentID:     shipment.ID,
			Event:          ev,
			OccurredAt:     time.Now().UTC(),
			IdempotencyKey: shipment.ID + ":" + string(rune('a'+i)),
		})
		require.NoError(t, err)
	}
	return shipment
}

func countByReason(t *testing.T, e *engine, tenantID string, reason walletdomain.ReasonCode) int {
	t.Helper()
	txs, err := e.wallet.Transactions(context.Background(), tenantID)
	require.NoError(t, err)
	n := 0
	for _, tx := range txs {
		if tx.Reason == reason {
			n++
		}
	}
	return n
}

// TestReconciler_EscalatesExpiredException verifies the full expiry path:
// the expired record escalates, a return record appears in initiated, and
// exactly one rto-charge lands in the ledger.
func TestReconciler_EscalatesExpiredException(t *testing.T) {
	e := newEngine(t, 48*time.Hour)
	e.seedWallet(t, "tenant-1")
	shipment := e.failShipment(t)
	ctx := context.Background()

	loaded, err := e.shipments.Get(ctx, shipment.ID)
	require.NoError(t, err)
	require.NotEmpty(t, loaded.OpenExceptionID)
	exceptionID := loaded.OpenExceptionID

	// Nothing expires yet.
	summary := e.sweep.RunOnce(ctx, time.Now().UTC())
	assert.Equal(t, 0, summary.EscalatedExceptions)

	// 49 hours later the sweep escalates exactly once.
	later := time.Now().UTC().Add(49 * time.Hour)
	summary = e.sweep.RunOnce(ctx, later)
	assert.Equal(t, 1, summary.EscalatedExceptions)

	record, err := e.exceptions.Get(ctx, exceptionID)
	require.NoError(t, err)
	assert.Equal(t, exceptiondomain.StatusRTOTriggered, record.Status)

	ret, err := e.returns.FindOpenByShipment(ctx, shipment.ID)
	require.NoError(t, err)
	require.NotNil(t, ret)
	assert.Equal(t, returndomain.StatusInitiated, ret.Status)
	assert.Equal(t, returndomain.TriggerAutomatic, ret.TriggerMode)
	assert.True(t, ret.ChargeApplied)
	assert.True(t, ret.ChargeAmount.Equal(decimal.NewFromInt(135)))

	assert.Equal(t, 1, countByReason(t, e, "tenant-1", walletdomain.ReasonRTOCharge))

	// The sweep is idempotent.
	summary = e.sweep.RunOnce(ctx, later.Add(time.Minute))
	assert.Equal(t, Summary{}, summary)
	assert.Equal(t, 1, countByReason(t, e, "tenant-1", walletdomain.ReasonRTOCharge))

	report, err := e.wallet.AuditBalance(ctx, "tenant-1")
	require.NoError(t, err)
	assert.True(t, report.Drift.IsZero())
}

// TestReconciler_ReopensMissedException verifies the shipment audit: a
// failed shipment whose non-delivery record never opened (the hook was
// down) gets one on the next sweep.
func TestReconciler_ReopensMissedException(t *testing.T) {
	e := newEngine(t, 48*time.Hour)
	e.seedWallet(t, "tenant-1")
	ctx := context.Background()

	// Rewire the state machine with unbound hooks so the live-path
	// detection fails silently.
	unbound := shipmentadapter.NewExceptionServiceHooks()
	repo := shipmentadapter.NewMemoryShipmentRepository()
	broken := shipservice.NewStateMachine(repo, stubGateway{}, unbound,
		shipmentadapter.NewWalletLedgerHooks(e.wallet), zap.NewNop())

	shipment, err := broken.Create(ctx, shipservice.CreateRequest{
		TenantID:         "tenant-1",
		OrderRef:         "order-2",
		CarrierID:        "bluedart",
		DeclaredWeightKg: decimal.NewFromInt(1),
		PaymentType:      shipdomain.PaymentPrepaid,
		ShippingCost:     decimal.NewFromInt(50),
	})
	require.NoError(t, err)

	for i, ev := range []shipdomain.EventType{
		shipdomain.EventPickedUp,
		shipdomain.EventDeliveryFailed,
	} {
		_, err := broken.ApplyEvent(ctx, shipservice.ApplyRequest{
			ShipmentID:     shipment.ID,
			Event:          ev,
			OccurredAt:     time.Now().UTC(),
			IdempotencyKey: shipment.ID + ":" + string(rune('a'+i)),
		})
		require.NoError(t, err)
	}

	loaded, err := broken.Get(ctx, shipment.ID)
	require.NoError(t, err)
	require.Empty(t, loaded.OpenExceptionID)

	sweep := New(broken, e.exceptions, e.returns, e.wallet, time.Minute, zap.NewNop())
	summary := sweep.RunOnce(ctx, time.Now().UTC())
	assert.Equal(t, 1, summary.ReopenedExceptions)

	loaded, err = broken.Get(ctx, shipment.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, loaded.OpenExceptionID)

	record, err := e.exceptions.Get(ctx, loaded.OpenExceptionID)
	require.NoError(t, err)
	assert.Equal(t, exceptiondomain.StatusDetected, record.Status)
}

// TestReconciler_RunOnceIdempotentWhenHealthy verifies that a healthy
// engine produces an empty summary.
func TestReconciler_RunOnceIdempotentWhenHealthy(t *testing.T) {
	e := newEngine(t, 48*time.Hour)
	e.seedWallet(t, "tenant-1")
	e.failShipment(t)

	summary := e.sweep.RunOnce(context.Background(), time.Now().UTC())
	assert.Equal(t, Summary{}, summary)
}
