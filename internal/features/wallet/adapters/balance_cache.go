package adapters

import (
	"context"
	"time"

	"shipledger/internal/core/cache"
	"shipledger/internal/core/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CacheBalanceCache stores balance snapshots in the core cache (Redis in
// production). Strictly a read-optimization: every failure is a miss and
// the ledger remains the point of truth.
type CacheBalanceCache struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewCacheBalanceCache wraps a core cache as a BalanceCache.
func NewCacheBalanceCache(c cache.Cache, ttl time.Duration) *CacheBalanceCache {
	return &CacheBalanceCache{cache: c, ttl: ttl}
}

func balanceKey(tenantID string) string {
	return "wallet:balance:" + tenantID
}

// GetBalance returns the cached balance and whether it was present.
func (b *CacheBalanceCache) GetBalance(ctx context.Context, tenantID string) (decimal.Decimal, bool) {
	raw, err := b.cache.Get(ctx, balanceKey(tenantID))
	if err != nil {
		return decimal.Zero, false
	}
	balance, err := decimal.NewFromString(string(raw))
	if err != nil {
		logger.Get().Warn("Corrupt cached balance dropped",
			zap.String("tenant_id", tenantID),
			zap.String("raw", string(raw)),
		)
		b.Invalidate(ctx, tenantID)
		return decimal.Zero, false
	}
	return balance, true
}

// SetBalance stores the balance snapshot for a tenant.
func (b *CacheBalanceCache) SetBalance(ctx context.Context, tenantID string, balance decimal.Decimal) {
	if err := b.cache.Set(ctx, balanceKey(tenantID), []byte(balance.String()), b.ttl); err != nil {
		logger.Get().Warn("Failed to cache balance",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
	}
}

// Invalidate drops the cached balance for a tenant.
func (b *CacheBalanceCache) Invalidate(ctx context.Context, tenantID string) {
	if err := b.cache.Delete(ctx, balanceKey(tenantID)); err != nil {
		logger.Get().Debug("Failed to invalidate cached balance",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
	}
}
