package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction indicates whether a transaction adds to or removes from a balance.
type Direction string

const (
	// DirectionCredit increases the tenant balance.
	DirectionCredit Direction = "credit"
	// DirectionDebit decreases the tenant balance.
	DirectionDebit Direction = "debit"
)

// ReasonCode classifies why a ledger transaction exists.
type ReasonCode string

const (
	// ReasonShippingCost is the forward shipping fee debit.
	ReasonShippingCost ReasonCode = "shipping-cost"
	// ReasonRTOCharge is the return-to-origin fee debit.
	ReasonRTOCharge ReasonCode = "rto-charge"
	// ReasonCODRemittance is the cash-on-delivery collection credit.
	ReasonCODRemittance ReasonCode = "cod-remittance"
	// ReasonWeightAdjustment settles a declared/verified weight dispute.
	ReasonWeightAdjustment ReasonCode = "weight-adjustment"
	// ReasonManualRecharge is a wallet top-up, manual or automatic.
	ReasonManualRecharge ReasonCode = "manual-recharge"
	// ReasonRefund compensates a previously applied transaction.
	ReasonRefund ReasonCode = "refund"
)

// TransactionStatus is the lifecycle state of a ledger transaction.
type TransactionStatus string

const (
	// StatusPending marks a transaction created but not yet applied.
	StatusPending TransactionStatus = "pending"
	// StatusApplied marks a transaction counted into the balance.
	StatusApplied TransactionStatus = "applied"
	// StatusReversed marks an applied transaction that has a compensating entry.
	// The row itself is never mutated beyond this flag.
	StatusReversed TransactionStatus = "reversed"
)

// ReferenceKind names the entity type that caused a transaction.
type ReferenceKind string

const (
	RefShipment  ReferenceKind = "shipment"
	RefException ReferenceKind = "exception"
	RefReturn    ReferenceKind = "return"
	RefLedger    ReferenceKind = "ledger"
	RefManual    ReferenceKind = "manual"
)

// Reference points at the shipment, exception, return or prior transaction
// that caused a ledger entry.
type Reference struct {
	// Kind is the entity type of the cause.
	Kind ReferenceKind `json:"kind"`
	// ID is the identifier of the cause.
	ID string `json:"id"`
}

// LedgerTransaction is one immutable, signed monetary entry.
// The tenant balance at any time equals the signed sum of all applied
// transactions in write order; BalanceAfter is the snapshot at this entry.
type LedgerTransaction struct {
	// ID is the unique identifier for the transaction.
	ID string `json:"id"`
	// TenantID owns the wallet this entry belongs to.
	TenantID string `json:"tenant_id"`
	// Direction is credit or debit.
	Direction Direction `json:"direction"`
	// Amount is the non-negative magnitude of the entry.
	Amount decimal.Decimal `json:"amount"`
	// Reason classifies the entry.
	Reason ReasonCode `json:"reason"`
	// Reference is the causing entity.
	Reference Reference `json:"reference"`
	// IdempotencyKey deduplicates retried posts. Unique per tenant.
	IdempotencyKey string `json:"idempotency_key"`
	// BalanceAfter is the tenant balance immediately after this entry.
	BalanceAfter decimal.Decimal `json:"balance_after"`
	// Status is pending, applied or reversed.
	Status TransactionStatus `json:"status"`
	// CreatedBy records the actor that requested the entry.
	CreatedBy string `json:"created_by"`
	// CreatedAt is the write timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// Signed returns the amount with its direction applied.
func (t *LedgerTransaction) Signed() decimal.Decimal {
	if t.Direction == DirectionDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// Inverse returns the direction that undoes d.
func (d Direction) Inverse() Direction {
	if d == DirectionDebit {
		return DirectionCredit
	}
	return DirectionDebit
}

// ReversalKey is the deterministic idempotency key for reversing originalID.
func ReversalKey(originalID string) string {
	return "reverse:" + originalID
}

// TenantPolicy carries the per-tenant wallet rules.
type TenantPolicy struct {
	// AutoRecharge tops the wallet up instead of rejecting an
	// over-balance debit.
	AutoRecharge bool
	// TopUpAmount is the minimum credit applied on auto-recharge.
	TopUpAmount decimal.Decimal
}
