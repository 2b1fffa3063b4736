package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"shipledger/internal/features/wallet/domain"
	"shipledger/internal/features/wallet/ports"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrInvalidAmount is returned when a post carries a zero or negative amount.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInsufficientFunds is returned when a debit would take the tenant
	// balance negative and the tenant has auto-recharge disabled.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrTransactionNotFound is returned when a referenced transaction does not exist.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrNotReversible is returned when reversing a transaction that is not applied.
	ErrNotReversible = errors.New("transaction is not reversible")
)

// InsufficientFundsError carries the conflicting balance so operators can
// resolve the shortage manually.
type InsufficientFundsError struct {
	TenantID  string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for tenant %s: available %s, requested %s",
		e.TenantID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// PostRequest describes one ledger post.
type PostRequest struct {
	TenantID       string
	Direction      domain.Direction
	Amount         decimal.Decimal
	Reason         domain.ReasonCode
	Reference      domain.Reference
	IdempotencyKey string
	Actor          string
}

// PostResult is the outcome of a post. Duplicate is true when the
// idempotency key had already been processed and the stored transaction is
// returned unchanged.
type PostResult struct {
	Transaction *domain.LedgerTransaction `json:"transaction"`
	Duplicate   bool                      `json:"duplicate"`
}

// DriftReport compares the cached snapshot balance against the signed sum
// of applied transactions.
type DriftReport struct {
	TenantID string          `json:"tenant_id"`
	Snapshot decimal.Decimal `json:"snapshot"`
	Sum      decimal.Decimal `json:"sum"`
	Drift    decimal.Decimal `json:"drift"`
}

// WalletService is the only writer of ledger transactions. Posts for the
// same tenant are serialized so the read-check-write sequence on the
// balance is not a race.
type WalletService struct {
	repo     ports.LedgerRepository
	policies ports.TenantPolicyProvider
	cache    ports.BalanceCache
	logger   *zap.Logger

	locks sync.Map // tenantID -> *sync.Mutex
}

// NewWalletService creates a new WalletService. cache may be nil; every
// cache failure is treated as a miss.
func NewWalletService(repo ports.LedgerRepository, policies ports.TenantPolicyProvider, cache ports.BalanceCache, logger *zap.Logger) *WalletService {
	return &WalletService{
		repo:     repo,
		policies: policies,
		cache:    cache,
		logger:   logger,
	}
}

// lockTenant serializes wallet writes per tenant.
func (s *WalletService) lockTenant(tenantID string) func() {
	v, _ := s.locks.LoadOrStore(tenantID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Post appends one ledger transaction. Posting the same (tenant,
// idempotency key) twice returns the stored transaction and changes
// nothing. Debits that would take the balance negative either trigger an
// auto-recharge credit first (tenant policy) or fail with
// InsufficientFundsError.
func (s *WalletService) Post(ctx context.Context, req PostRequest) (*PostResult, error) {
	if req.TenantID == "" || req.IdempotencyKey == "" {
		return nil, fmt.Errorf("tenant id and idempotency key are required")
	}
	if req.Direction != domain.DirectionCredit && req.Direction != domain.DirectionDebit {
		return nil, fmt.Errorf("unknown direction %q", req.Direction)
	}
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	unlock := s.lockTenant(req.TenantID)
	defer unlock()

	if existing, err := s.repo.FindByKey(ctx, req.TenantID, req.IdempotencyKey); err != nil {
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	} else if existing != nil {
		return &PostResult{Transaction: existing, Duplicate: true}, nil
	}

	balance, err := s.repo.LatestSnapshot(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}

	if req.Direction == domain.DirectionDebit && balance.Sub(req.Amount).IsNegative() {
		balance, err = s.autoRecharge(ctx, req, balance)
		if err != nil {
			return nil, err
		}
	}

	tx := s.newTransaction(req, balance)
	if err := s.repo.Append(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to append transaction: %w", err)
	}

	s.cacheSet(ctx, req.TenantID, tx.BalanceAfter)

	s.logger.Info("Ledger transaction applied",
		zap.String("tenant_id", tx.TenantID),
		zap.String("transaction_id", tx.ID),
		zap.String("direction", string(tx.Direction)),
		zap.String("reason", string(tx.Reason)),
		zap.String("amount", tx.Amount.String()),
		zap.String("balance_after", tx.BalanceAfter.String()),
	)

	return &PostResult{Transaction: tx}, nil
}

// autoRecharge tops the wallet up before an over-balance debit when the
// tenant policy allows it. The top-up key is derived from the debit key so
// a crashed-and-retried post never recharges twice.
func (s *WalletService) autoRecharge(ctx context.Context, req PostRequest, balance decimal.Decimal) (decimal.Decimal, error) {
	policy := s.policies.PolicyFor(req.TenantID)
	if !policy.AutoRecharge {
		return balance, &InsufficientFundsError{
			TenantID:  req.TenantID,
			Available: balance,
			Requested: req.Amount,
		}
	}

	rechargeKey := "autorecharge:" + req.IdempotencyKey
	if existing, err := s.repo.FindByKey(ctx, req.TenantID, rechargeKey); err != nil {
		return balance, fmt.Errorf("recharge lookup failed: %w", err)
	} else if existing != nil {
		return existing.BalanceAfter, nil
	}

	shortfall := req.Amount.Sub(balance)
	topUp := policy.TopUpAmount
	if shortfall.GreaterThan(topUp) {
		topUp = shortfall
	}

	recharge := s.newTransaction(PostRequest{
		TenantID:       req.TenantID,
		Direction:      domain.DirectionCredit,
		Amount:         topUp,
		Reason:         domain.ReasonManualRecharge,
		Reference:      domain.Reference{Kind: domain.RefManual, ID: "auto-recharge"},
		IdempotencyKey: rechargeKey,
		Actor:          "system",
	}, balance)
	if err := s.repo.Append(ctx, recharge); err != nil {
		return balance, fmt.Errorf("failed to append auto-recharge: %w", err)
	}

	s.logger.Info("Auto-recharge applied",
		zap.String("tenant_id", req.TenantID),
		zap.String("amount", topUp.String()),
	)

	return recharge.BalanceAfter, nil
}

// newTransaction builds an applied transaction with its balance snapshot.
func (s *WalletService) newTransaction(req PostRequest, balanceBefore decimal.Decimal) *domain.LedgerTransaction {
	tx := &domain.LedgerTransaction{
		ID:             uuid.NewString(),
		TenantID:       req.TenantID,
		Direction:      req.Direction,
		Amount:         req.Amount,
		Reason:         req.Reason,
		Reference:      req.Reference,
		IdempotencyKey: req.IdempotencyKey,
		Status:         domain.StatusApplied,
		CreatedBy:      req.Actor,
		CreatedAt:      time.Now().UTC(),
	}
	tx.BalanceAfter = balanceBefore.Add(tx.Signed())
	return tx
}

// Balance returns the tenant balance from cache or the latest snapshot.
func (s *WalletService) Balance(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	if cached, ok := s.cacheGet(ctx, tenantID); ok {
		return cached, nil
	}

	balance, err := s.repo.LatestSnapshot(ctx, tenantID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance: %w", err)
	}

	s.cacheSet(ctx, tenantID, balance)
	return balance, nil
}

// AuditBalance recomputes the balance by signed summation and reports the
// drift against the snapshot. Drift zero means the ledger is consistent.
func (s *WalletService) AuditBalance(ctx context.Context, tenantID string) (*DriftReport, error) {
	unlock := s.lockTenant(tenantID)
	defer unlock()

	snapshot, err := s.repo.LatestSnapshot(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	sum, err := s.repo.SumApplied(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum transactions: %w", err)
	}

	return &DriftReport{
		TenantID: tenantID,
		Snapshot: snapshot,
		Sum:      sum,
		Drift:    snapshot.Sub(sum),
	}, nil
}

// Reverse appends a compensating transaction for an applied transaction
// and flags the original as reversed. The original row is never mutated
// beyond that flag. Reversal is idempotent through its deterministic key.
// reason classifies the compensating entry; empty means refund.
func (s *WalletService) Reverse(ctx context.Context, transactionID string, reason domain.ReasonCode, actor string) (*PostResult, error) {
	original, err := s.repo.FindByID(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	if original == nil {
		return nil, ErrTransactionNotFound
	}

	unlock := s.lockTenant(original.TenantID)
	defer unlock()

	key := domain.ReversalKey(original.ID)
	if existing, err := s.repo.FindByKey(ctx, original.TenantID, key); err != nil {
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	} else if existing != nil {
		return &PostResult{Transaction: existing, Duplicate: true}, nil
	}

	if original.Status != domain.StatusApplied {
		return nil, fmt.Errorf("%w: status %s", ErrNotReversible, original.Status)
	}

	balance, err := s.repo.LatestSnapshot(ctx, original.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}

	if reason == "" {
		reason = domain.ReasonRefund
	}
	compensating := s.newTransaction(PostRequest{
		TenantID:       original.TenantID,
		Direction:      original.Direction.Inverse(),
		Amount:         original.Amount,
		Reason:         reason,
		Reference:      domain.Reference{Kind: domain.RefLedger, ID: original.ID},
		IdempotencyKey: key,
		Actor:          actor,
	}, balance)
	if err := s.repo.Append(ctx, compensating); err != nil {
		return nil, fmt.Errorf("failed to append compensating transaction: %w", err)
	}

	if err := s.repo.MarkReversed(ctx, original.ID); err != nil {
		return nil, fmt.Errorf("failed to flag original transaction: %w", err)
	}

	s.cacheSet(ctx, original.TenantID, compensating.BalanceAfter)

	s.logger.Info("Ledger transaction reversed",
		zap.String("tenant_id", original.TenantID),
		zap.String("original_id", original.ID),
		zap.String("compensating_id", compensating.ID),
	)

	return &PostResult{Transaction: compensating}, nil
}

// Transactions returns the tenant's ledger in write order.
func (s *WalletService) Transactions(ctx context.Context, tenantID string) ([]*domain.LedgerTransaction, error) {
	return s.repo.ListByTenant(ctx, tenantID)
}

// Tenants returns every tenant with ledger activity.
func (s *WalletService) Tenants(ctx context.Context) ([]string, error) {
	return s.repo.Tenants(ctx)
}

func (s *WalletService) cacheGet(ctx context.Context, tenantID string) (decimal.Decimal, bool) {
	if s.cache == nil {
		return decimal.Zero, false
	}
	return s.cache.GetBalance(ctx, tenantID)
}

func (s *WalletService) cacheSet(ctx context.Context, tenantID string, balance decimal.Decimal) {
	if s.cache == nil {
		return
	}
	s.cache.SetBalance(ctx, tenantID, balance)
}

// InvalidateBalance drops the cached balance so the next read recomputes.
func (s *WalletService) InvalidateBalance(ctx context.Context, tenantID string) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, tenantID)
	}
}
