// Package reconciler is the periodic sweep that repairs drift between the
// physical and financial state. It calls the exact same service entry
// points as the live path, so a repaired state change is indistinguishable
// from a normal one.
package reconciler

import (
	"context"
	"time"

	exceptionservice "shipledger/internal/features/exception/service"
	returndomain "shipledger/internal/features/returns/domain"
	returnservice "shipledger/internal/features/returns/service"
	shipdomain "shipledger/internal/features/shipment/domain"
	shipservice "shipledger/internal/features/shipment/service"
	walletservice "shipledger/internal/features/wallet/service"

	"go.uber.org/zap"
)

// Summary counts what one sweep repaired.
type Summary struct {
	// EscalatedExceptions is how many expired records moved to rto-triggered.
	EscalatedExceptions int `json:"escalated_exceptions"`
	// AppliedCharges is how many deferred return fees were completed.
	AppliedCharges int `json:"applied_charges"`
	// RedrivenReturns is how many rto-triggered records got their missing
	// return record created.
	RedrivenReturns int `json:"redriven_returns"`
	// ReopenedExceptions is how many failed shipments got their missing
	// non-delivery record opened.
	ReopenedExceptions int `json:"reopened_exceptions"`
	// RepairedPointers is how many shipment pointers were rebuilt from history.
	RepairedPointers int `json:"repaired_pointers"`
	// DriftTenants is how many tenants showed ledger drift.
	DriftTenants int `json:"drift_tenants"`
}

// Reconciler drives the sweep.
type Reconciler struct {
	ships      *shipservice.StateMachine
	exceptions *exceptionservice.ExceptionService
	returns    *returnservice.ReturnService
	wallet     *walletservice.WalletService
	interval   time.Duration
	logger     *zap.Logger
}

// New creates a Reconciler sweeping every interval.
func New(ships *shipservice.StateMachine, exceptions *exceptionservice.ExceptionService, returns *returnservice.ReturnService, wallet *walletservice.WalletService, interval time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		ships:      ships,
		exceptions: exceptions,
		returns:    returns,
		wallet:     wallet,
		interval:   interval,
		logger:     logger,
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Reconciliation sweep started", zap.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciliation sweep stopped")
			return
		case <-ticker.C:
			summary := r.RunOnce(ctx, time.Now().UTC())
			if summary != (Summary{}) {
				r.logger.Info("Reconciliation sweep repaired state",
					zap.Int("escalated_exceptions", summary.EscalatedExceptions),
					zap.Int("applied_charges", summary.AppliedCharges),
					zap.Int("redriven_returns", summary.RedrivenReturns),
					zap.Int("reopened_exceptions", summary.ReopenedExceptions),
					zap.Int("repaired_pointers", summary.RepairedPointers),
					zap.Int("drift_tenants", summary.DriftTenants),
				)
			}
		}
	}
}

// RunOnce performs one sweep. Idempotent: a second immediate run finds
// nothing left to repair.
func (r *Reconciler) RunOnce(ctx context.Context, now time.Time) Summary {
	var summary Summary

	escalated, err := r.exceptions.EscalateExpired(ctx, now)
	if err != nil {
		r.logger.Error("Escalation pass failed", zap.Error(err))
	}
	summary.EscalatedExceptions = escalated

	applied, err := r.returns.ApplyPendingCharges(ctx)
	if err != nil {
		r.logger.Error("Charge retry pass failed", zap.Error(err))
	}
	summary.AppliedCharges = applied

	summary.RedrivenReturns = r.redriveMissingReturns(ctx)
	summary.ReopenedExceptions, summary.RepairedPointers = r.auditShipments(ctx)
	summary.DriftTenants = r.auditLedgers(ctx)

	return summary
}

// redriveMissingReturns completes escalations that crashed between the
// status flip and the return trigger: the record is rto-triggered but the
// shipment never left delivery-failed.
func (r *Reconciler) redriveMissingReturns(ctx context.Context) int {
	records, err := r.exceptions.RTOTriggered(ctx)
	if err != nil {
		r.logger.Error("Failed to list rto-triggered records", zap.Error(err))
		return 0
	}

	redriven := 0
	for _, record := range records {
		shipment, err := r.ships.Get(ctx, record.ShipmentID)
		if err != nil || shipment.Status != shipdomain.StatusDeliveryFailed {
			continue
		}

		_, err = r.returns.EnsureTriggered(ctx, returnservice.TriggerRequest{
			ShipmentID:  record.ShipmentID,
			ExceptionID: record.ID,
			Reason:      record.Reason,
			Mode:        returndomain.TriggerAutomatic,
			Actor:       "system",
		})
		if err != nil {
			r.logger.Error("Failed to re-drive return",
				zap.String("exception_id", record.ID), zap.Error(err))
			continue
		}
		redriven++
	}
	return redriven
}

// auditShipments repairs diverged status pointers and opens non-delivery
// records the live path missed.
func (r *Reconciler) auditShipments(ctx context.Context) (reopened, repaired int) {
	shipments, err := r.ships.List(ctx)
	if err != nil {
		r.logger.Error("Failed to list shipments", zap.Error(err))
		return 0, 0
	}

	for _, shipment := range shipments {
		fixed, err := r.ships.RepairPointer(ctx, shipment.ID)
		if err != nil {
			r.logger.Error("Pointer audit failed",
				zap.String("shipment_id", shipment.ID), zap.Error(err))
			continue
		}
		if fixed {
			repaired++
			continue
		}

		if shipment.Status == shipdomain.StatusDeliveryFailed && shipment.OpenExceptionID == "" {
			exceptionID, err := r.exceptions.OpenForFailedAttempt(ctx, exceptionservice.FailedAttempt{
				ShipmentID: shipment.ID,
				TenantID:   shipment.TenantID,
				Reason:     "delivery attempt failed",
				At:         shipment.UpdatedAt,
			})
			if err != nil {
				r.logger.Error("Failed to reopen non-delivery record",
					zap.String("shipment_id", shipment.ID), zap.Error(err))
				continue
			}
			r.ships.SetExceptionRef(ctx, shipment.ID, exceptionID)
			reopened++
		}
	}
	return reopened, repaired
}

// auditLedgers checks every tenant's snapshot against the signed sum.
// Drift is surfaced for operators and the cached balance dropped so reads
// recompute from the ledger.
func (r *Reconciler) auditLedgers(ctx context.Context) int {
	tenants, err := r.wallet.Tenants(ctx)
	if err != nil {
		r.logger.Error("Failed to list tenants", zap.Error(err))
		return 0
	}

	drifted := 0
	for _, tenant := range tenants {
		report, err := r.wallet.AuditBalance(ctx, tenant)
		if err != nil {
			r.logger.Error("Balance audit failed",
				zap.String("tenant_id", tenant), zap.Error(err))
			continue
		}
		if !report.Drift.IsZero() {
			r.logger.Error("Ledger drift detected",
				zap.String("tenant_id", tenant),
				zap.String("snapshot", report.Snapshot.String()),
				zap.String("sum", report.Sum.String()),
			)
			r.wallet.InvalidateBalance(ctx, tenant)
			drifted++
		}
	}
	return drifted
}
