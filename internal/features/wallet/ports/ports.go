package ports

import (
	"context"
	"errors"

	"shipledger/internal/features/wallet/domain"

	"github.com/shopspring/decimal"
)

// ErrDuplicateIdempotencyKey is the repository-level backstop for the
// (tenant, idempotency key) uniqueness invariant. The service converts
// key hits into duplicate results before appending; this error only
// surfaces when two writers race past that check.
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

// LedgerRepository persists ledger transactions. Append-only: the only
// permitted mutation is flipping Status to reversed, and that always
// accompanies an appended compensating entry.
type LedgerRepository interface {
	// Append persists a transaction. Fails with ErrDuplicateIdempotencyKey
	// if the (tenant, idempotency key) pair already exists.
	Append(ctx context.Context, tx *domain.LedgerTransaction) error

	// FindByKey returns the transaction with the given tenant and
	// idempotency key, or nil if absent.
	FindByKey(ctx context.Context, tenantID, idempotencyKey string) (*domain.LedgerTransaction, error)

	// FindByID returns the transaction with the given identifier, or nil.
	FindByID(ctx context.Context, id string) (*domain.LedgerTransaction, error)

	// LatestSnapshot returns BalanceAfter of the tenant's most recent
	// transaction, or zero when the tenant has no entries.
	LatestSnapshot(ctx context.Context, tenantID string) (decimal.Decimal, error)

	// SumApplied recomputes the balance as the signed sum of all applied
	// transactions for the tenant, in write order.
	SumApplied(ctx context.Context, tenantID string) (decimal.Decimal, error)

	// MarkReversed flips the status of an applied transaction to reversed.
	MarkReversed(ctx context.Context, id string) error

	// ListByTenant returns the tenant's transactions in write order.
	ListByTenant(ctx context.Context, tenantID string) ([]*domain.LedgerTransaction, error)

	// Tenants returns every tenant with at least one transaction.
	Tenants(ctx context.Context) ([]string, error)
}

// TenantPolicyProvider answers per-tenant wallet policy questions.
type TenantPolicyProvider interface {
	// PolicyFor returns the wallet policy for a tenant.
	PolicyFor(tenantID string) domain.TenantPolicy
}

// BalanceCache is the read-optimization for tenant balances. Best effort:
// callers treat every error as a miss.
type BalanceCache interface {
	// GetBalance returns the cached balance and whether it was present.
	GetBalance(ctx context.Context, tenantID string) (decimal.Decimal, bool)

	// SetBalance stores the balance snapshot for a tenant.
	SetBalance(ctx context.Context, tenantID string, balance decimal.Decimal)

	// Invalidate drops the cached balance for a tenant.
	Invalidate(ctx context.Context, tenantID string)
}
