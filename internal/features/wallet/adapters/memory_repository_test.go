package adapters

import (
	"context"
	"testing"
	"time"

	"shipledger/internal/features/wallet/domain"
	"shipledger/internal/features/wallet/ports"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTx(tenant, key string, amount int64, balanceAfter int64) *domain.LedgerTransaction {
	return &domain.LedgerTransaction{
		ID:             tenant + ":" + key,
		TenantID:       tenant,
		Direction:      domain.DirectionCredit,
		Amount:         decimal.NewFromInt(amount),
		Reason:         domain.ReasonManualRecharge,
		Reference:      domain.Reference{Kind: domain.RefManual, ID: "test"},
		IdempotencyKey: key,
		BalanceAfter:   decimal.NewFromInt(balanceAfter),
		Status:         domain.StatusApplied,
		CreatedBy:      "test",
		CreatedAt:      time.Now().UTC(),
	}
}

// TestMemoryLedgerRepository_DuplicateKeyBackstop verifies the repository
// rejects a reused (tenant, key) pair.
func TestMemoryLedgerRepository_DuplicateKeyBackstop(t *testing.T) {
	repo := NewMemoryLedgerRepository()
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, testTx("tenant-1", "k1", 10, 10)))

	err := repo.Append(ctx, testTx("tenant-1", "k1", 10, 20))
	assert.ErrorIs(t, err, ports.ErrDuplicateIdempotencyKey)

	// The same key under another tenant is a different ledger.
	assert.NoError(t, repo.Append(ctx, testTx("tenant-2", "k1", 10, 10)))
}

// TestMemoryLedgerRepository_SnapshotAndSum verifies that the snapshot
// equals the signed sum in write order.
func TestMemoryLedgerRepository_SnapshotAndSum(t *testing.T) {
	repo := NewMemoryLedgerRepository()
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, testTx("tenant-1", "k1", 100, 100)))

	debit := testTx("tenant-1", "k2", 30, 70)
	debit.Direction = domain.DirectionDebit
	require.NoError(t, repo.Append(ctx, debit))

	snapshot, err := repo.LatestSnapshot(ctx, "tenant-1")
	require.NoError(t, err)
	assert.True(t, snapshot.Equal(decimal.NewFromInt(70)))

	sum, err := repo.SumApplied(ctx, "tenant-1")
	require.NoError(t, err)
	assert.True(t, sum.Equal(snapshot))
}

// TestMemoryLedgerRepository_EmptyTenant verifies zero-value reads.
func TestMemoryLedgerRepository_EmptyTenant(t *testing.T) {
	repo := NewMemoryLedgerRepository()
	ctx := context.Background()

	snapshot, err := repo.LatestSnapshot(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, snapshot.IsZero())

	tx, err := repo.FindByKey(ctx, "nobody", "k")
	require.NoError(t, err)
	assert.Nil(t, tx)
}
