package service

import (
	"context"
	"errors"
	"testing"

	"shipledger/internal/features/returns/adapters"
	"shipledger/internal/features/returns/domain"
	"shipledger/internal/features/returns/ports"
	shipdomain "shipledger/internal/features/shipment/domain"
	shipservice "shipledger/internal/features/shipment/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockShipmentDriver serves a single shipment and records the mirrored
// transitions.
type mockShipmentDriver struct {
	shipment  *shipdomain.Shipment
	events    []shipdomain.EventType
	returnRef string
	cleared   bool
}

func (m *mockShipmentDriver) Get(_ context.Context, shipmentID string) (*shipdomain.Shipment, error) {
	if m.shipment == nil || m.shipment.ID != shipmentID {
		return nil, shipservice.ErrShipmentNotFound
	}
	cp := *m.shipment
	return &cp, nil
}

func (m *mockShipmentDriver) ApplyEvent(_ context.Context, req shipservice.ApplyRequest) (*shipservice.ApplyResult, error) {
	next, err := shipdomain.Transition(req.ShipmentID, m.shipment.Status, req.Event)
	if err != nil {
		return nil, err
	}
	m.shipment.Status = next
	m.events = append(m.events, req.Event)
	return &shipservice.ApplyResult{Status: next}, nil
}

func (m *mockShipmentDriver) SetReturnRef(_ context.Context, _, returnID string) {
	m.returnRef = returnID
}

func (m *mockShipmentDriver) ClearReturnRef(context.Context, string) {
	m.cleared = true
}

// mockWalletCharger counts charges per key and can fail on demand.
type mockWalletCharger struct {
	charges map[string]int
	err     error
}

func newMockCharger() *mockWalletCharger {
	return &mockWalletCharger{charges: make(map[string]int)}
}

func (m *mockWalletCharger) ChargeRTO(_ context.Context, _, _, idempotencyKey string, _ decimal.Decimal) error {
	if m.err != nil {
		return m.err
	}
	m.charges[idempotencyKey]++
	return nil
}

func failedShipment() *shipdomain.Shipment {
	return &shipdomain.Shipment{
		ID:           "ship-1",
		TenantID:     "tenant-1",
		Status:       shipdomain.StatusDeliveryFailed,
		ShippingCost: decimal.NewFromInt(100),
		Version:      1,
	}
}

func newTestReturns(shipment *shipdomain.Shipment) (*ReturnService, *mockShipmentDriver, *mockWalletCharger) {
	driver := &mockShipmentDriver{shipment: shipment}
	charger := newMockCharger()
	svc := NewReturnService(
		adapters.NewMemoryReturnRepository(),
		driver,
		charger,
		domain.MultiplierChargePolicy{Multiplier: decimal.RequireFromString("1.35")},
		zap.NewNop(),
	)
	return svc, driver, charger
}

// TestReturnService_Trigger verifies record creation, the shipment
// transition, the reference flip and the single charge.
func TestReturnService_Trigger(t *testing.T) {
	svc, driver, charger := newTestReturns(failedShipment())

	record, err := svc.Trigger(context.Background(), TriggerRequest{
		ShipmentID: "ship-1",
		Reason:     "undeliverable",
		Mode:       domain.TriggerAutomatic,
		Actor:      "system",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusInitiated, record.Status)
	assert.True(t, record.ChargeAmount.Equal(decimal.NewFromInt(135)),
		"charge %s", record.ChargeAmount)
	assert.True(t, record.ChargeApplied)
	assert.Equal(t, shipdomain.StatusRTOInitiated, driver.shipment.Status)
	assert.Equal(t, record.ID, driver.returnRef)
	assert.Equal(t, 1, charger.charges[record.ChargeKey()])
}

// TestReturnService_TriggerTwice verifies the at-most-one-open-return
// invariant.
func TestReturnService_TriggerTwice(t *testing.T) {
	svc, _, _ := newTestReturns(failedShipment())
	ctx := context.Background()

	_, err := svc.Trigger(ctx, TriggerRequest{ShipmentID: "ship-1", Mode: domain.TriggerManual})
	require.NoError(t, err)

	_, err = svc.Trigger(ctx, TriggerRequest{ShipmentID: "ship-1", Mode: domain.TriggerManual})
	assert.ErrorIs(t, err, ErrAlreadyReturning)
}

// TestReturnService_TriggerWrongStatus verifies that returns only start
// from delivery-failed.
func TestReturnService_TriggerWrongStatus(t *testing.T) {
	shipment := failedShipment()
	shipment.Status = shipdomain.StatusInTransit
	svc, _, _ := newTestReturns(shipment)

	_, err := svc.Trigger(context.Background(), TriggerRequest{ShipmentID: "ship-1", Mode: domain.TriggerManual})
	assert.ErrorIs(t, err, ErrTriggerNotAllowed)
}

// TestReturnService_DeferredCharge verifies forward recovery: a failed
// wallet post leaves the record uncharged and the retry completes it with
// the same key.
func TestReturnService_DeferredCharge(t *testing.T) {
	svc, _, charger := newTestReturns(failedShipment())
	ctx := context.Background()

	charger.err = errors.New("ledger store unavailable")
	record, err := svc.Trigger(ctx, TriggerRequest{ShipmentID: "ship-1", Mode: domain.TriggerAutomatic})
	require.NoError(t, err)
	assert.False(t, record.ChargeApplied)

	charger.err = nil
	applied, err := svc.ApplyPendingCharges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, charger.charges[record.ChargeKey()])

	reloaded, err := svc.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.ChargeApplied)

	// A second sweep finds nothing to charge.
	applied, err = svc.ApplyPendingCharges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
}

// TestReturnService_ReverseLeg verifies the in-transit and received
// progression with the shipment mirrored.
func TestReturnService_ReverseLeg(t *testing.T) {
	svc, driver, _ := newTestReturns(failedShipment())
	ctx := context.Background()

	record, err := svc.Trigger(ctx, TriggerRequest{ShipmentID: "ship-1", Mode: domain.TriggerAutomatic})
	require.NoError(t, err)

	record, err = svc.ApplyReturnEvent(ctx, record.ID, EventInTransit, "hub-4", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInTransit, record.Status)
	assert.Equal(t, shipdomain.StatusRTOInTransit, driver.shipment.Status)

	record, err = svc.ApplyReturnEvent(ctx, record.ID, EventReceived, "warehouse-1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQCPending, record.Status)
	assert.Equal(t, shipdomain.StatusRTOReceived, driver.shipment.Status)
}

// TestReturnService_NoRegression verifies that reverse-leg events cannot
// move the record backwards.
func TestReturnService_NoRegression(t *testing.T) {
	svc, _, _ := newTestReturns(failedShipment())
	ctx := context.Background()

	record, err := svc.Trigger(ctx, TriggerRequest{ShipmentID: "ship-1", Mode: domain.TriggerAutomatic})
	require.NoError(t, err)

	_, err = svc.ApplyReturnEvent(ctx, record.ID, EventReceived, "", "")
	require.NoError(t, err)

	_, err = svc.ApplyReturnEvent(ctx, record.ID, EventInTransit, "", "")
	assert.ErrorIs(t, err, ErrStatusRegression)
}

// TestReturnService_RecordQC verifies both dispositions and that QC is the
// only path to them.
func TestReturnService_RecordQC(t *testing.T) {
	for _, tc := range []struct {
		name        string
		passed      bool
		disposition domain.Status
		shipStatus  shipdomain.Status
	}{
		{"pass restocks", true, domain.StatusRestocked, shipdomain.StatusRestocked},
		{"fail disposes", false, domain.StatusDisposed, shipdomain.StatusDisposed},
	} {
		t.Run(tc.name, func(t *testing.T) {
			svc, driver, _ := newTestReturns(failedShipment())
			ctx := context.Background()

			record, err := svc.Trigger(ctx, TriggerRequest{ShipmentID: "ship-1", Mode: domain.TriggerAutomatic})
			require.NoError(t, err)
			_, err = svc.ApplyReturnEvent(ctx, record.ID, EventReceived, "", "")
			require.NoError(t, err)

			record, err = svc.RecordQC(ctx, record.ID, tc.passed, "inspected")
			require.NoError(t, err)
			assert.Equal(t, tc.disposition, record.Status)
			require.NotNil(t, record.QCPassed)
			assert.Equal(t, tc.passed, *record.QCPassed)
			assert.Equal(t, tc.shipStatus, driver.shipment.Status)
			assert.True(t, driver.cleared)
		})
	}
}

// TestReturnService_QCNotReady verifies QC is rejected before receipt and
// after disposition.
func TestReturnService_QCNotReady(t *testing.T) {
	svc, _, _ := newTestReturns(failedShipment())
	ctx := context.Background()

	record, err := svc.Trigger(ctx, TriggerRequest{ShipmentID: "ship-1", Mode: domain.TriggerAutomatic})
	require.NoError(t, err)

	_, err = svc.RecordQC(ctx, record.ID, true, "")
	assert.ErrorIs(t, err, ErrQCNotReady)

	_, err = svc.ApplyReturnEvent(ctx, record.ID, EventReceived, "", "")
	require.NoError(t, err)
	_, err = svc.RecordQC(ctx, record.ID, true, "")
	require.NoError(t, err)

	_, err = svc.RecordQC(ctx, record.ID, true, "")
	assert.ErrorIs(t, err, ErrQCNotReady)
}

// blindRepo delegates to a real repository but reports no open record for
// a number of lookups, standing in for a reader working from a stale view.
type blindRepo struct {
	ports.ReturnRepository
	blindLookups int
}

func (b *blindRepo) FindOpenByShipment(ctx context.Context, shipmentID string) (*domain.ReturnRecord, error) {
	if b.blindLookups > 0 {
		b.blindLookups--
		return nil, nil
	}
	return b.ReturnRepository.FindOpenByShipment(ctx, shipmentID)
}

// TestReturnService_TriggerStaleCheckBackstop verifies that a trigger
// whose open-return check read a stale view cannot persist a second
// record: the repository constraint rejects it and the caller sees
// AlreadyReturning with no extra charge.
func TestReturnService_TriggerStaleCheckBackstop(t *testing.T) {
	driver := &mockShipmentDriver{shipment: failedShipment()}
	charger := newMockCharger()
	repo := &blindRepo{ReturnRepository: adapters.NewMemoryReturnRepository()}
	svc := NewReturnService(repo, driver, charger,
		domain.MultiplierChargePolicy{Multiplier: decimal.RequireFromString("1.35")},
		zap.NewNop())
	ctx := context.Background()

	first, err := svc.Trigger(ctx, TriggerRequest{ShipmentID: "ship-1", Mode: domain.TriggerAutomatic})
	require.NoError(t, err)

	// The second trigger's lookup misses the open record; only the
	// repository backstop stands between it and a duplicate.
	driver.shipment.Status = shipdomain.StatusDeliveryFailed
	repo.blindLookups = 1

	_, err = svc.Trigger(ctx, TriggerRequest{ShipmentID: "ship-1", Mode: domain.TriggerManual})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyReturning)

	// One record, one charge.
	open, err := svc.FindOpenByShipment(ctx, "ship-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, open.ID)
	assert.Len(t, charger.charges, 1)
	assert.Equal(t, 1, charger.charges[first.ChargeKey()])

	// No orphan record for the sweep to charge later.
	applied, err := svc.ApplyPendingCharges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
}

// TestReturnService_ConcurrentTriggers verifies that parallel triggers
// for one shipment serialize: one winner, one record, one charge.
func TestReturnService_ConcurrentTriggers(t *testing.T) {
	svc, _, charger := newTestReturns(failedShipment())
	ctx := context.Background()

	const workers = 8
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := svc.Trigger(ctx, TriggerRequest{ShipmentID: "ship-1", Mode: domain.TriggerAutomatic})
			results <- err
		}()
	}

	succeeded := 0
	for i := 0; i < workers; i++ {
		if err := <-results; err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyReturning)
		}
	}
	assert.Equal(t, 1, succeeded)

	open, err := svc.FindOpenByShipment(ctx, "ship-1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, 1, charger.charges[open.ChargeKey()])
	assert.Len(t, charger.charges, 1)
}

// recordingRepo captures every status written through Update.
type recordingRepo struct {
	ports.ReturnRepository
	statuses []domain.Status
}

func (r *recordingRepo) Update(ctx context.Context, rec *domain.ReturnRecord, expectedVersion int64) error {
	err := r.ReturnRepository.Update(ctx, rec, expectedVersion)
	if err == nil {
		r.statuses = append(r.statuses, rec.Status)
	}
	return err
}

// TestReturnService_IntermediateStagesPersisted verifies that
// received-at-warehouse and qc-completed are stored stages, not skipped.
func TestReturnService_IntermediateStagesPersisted(t *testing.T) {
	driver := &mockShipmentDriver{shipment: failedShipment()}
	repo := &recordingRepo{ReturnRepository: adapters.NewMemoryReturnRepository()}
	svc := NewReturnService(repo, driver, newMockCharger(),
		domain.MultiplierChargePolicy{Multiplier: decimal.RequireFromString("1.35")},
		zap.NewNop())
	ctx := context.Background()

	record, err := svc.Trigger(ctx, TriggerRequest{ShipmentID: "ship-1", Mode: domain.TriggerAutomatic})
	require.NoError(t, err)
	_, err = svc.ApplyReturnEvent(ctx, record.ID, EventInTransit, "", "")
	require.NoError(t, err)
	_, err = svc.ApplyReturnEvent(ctx, record.ID, EventReceived, "", "")
	require.NoError(t, err)
	_, err = svc.RecordQC(ctx, record.ID, true, "clean")
	require.NoError(t, err)

	assert.Equal(t, []domain.Status{
		domain.StatusInitiated, // charge applied
		domain.StatusInTransit,
		domain.StatusReceived,
		domain.StatusQCPending,
		domain.StatusQCCompleted,
		domain.StatusRestocked,
	}, repo.statuses)
}

// TestReturnService_EnsureTriggered verifies the sweep repair: an orphan
// record (trigger crashed before the shipment moved) gets its remaining
// steps completed, and a healthy shipment gets a fresh trigger.
func TestReturnService_EnsureTriggered(t *testing.T) {
	driver := &mockShipmentDriver{shipment: failedShipment()}
	charger := newMockCharger()
	repo := adapters.NewMemoryReturnRepository()
	svc := NewReturnService(repo, driver, charger,
		domain.MultiplierChargePolicy{Multiplier: decimal.RequireFromString("1.35")},
		zap.NewNop())
	ctx := context.Background()

	// Orphan record: persisted, but the shipment never left
	// delivery-failed and the charge never landed.
	orphan := &domain.ReturnRecord{
		ID:           "ret-orphan",
		ShipmentID:   "ship-1",
		TenantID:     "tenant-1",
		TriggerMode:  domain.TriggerAutomatic,
		ChargeAmount: decimal.NewFromInt(135),
		Status:       domain.StatusInitiated,
		Version:      1,
	}
	require.NoError(t, repo.Create(ctx, orphan))

	record, err := svc.EnsureTriggered(ctx, TriggerRequest{
		ShipmentID: "ship-1",
		Mode:       domain.TriggerAutomatic,
	})
	require.NoError(t, err)
	assert.Equal(t, orphan.ID, record.ID)
	assert.Equal(t, shipdomain.StatusRTOInitiated, driver.shipment.Status)
	assert.Equal(t, orphan.ID, driver.returnRef)
	assert.Equal(t, 1, charger.charges[record.ChargeKey()])

	reloaded, err := svc.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.ChargeApplied)

	// A second pass changes nothing further.
	_, err = svc.EnsureTriggered(ctx, TriggerRequest{
		ShipmentID: "ship-1",
		Mode:       domain.TriggerAutomatic,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, charger.charges[record.ChargeKey()])
}

// TestReturnService_NotFound verifies the missing-record error.
func TestReturnService_NotFound(t *testing.T) {
	svc, _, _ := newTestReturns(failedShipment())

	_, err := svc.Get(context.Background(), "no-such-return")
	assert.ErrorIs(t, err, ErrReturnNotFound)
}
