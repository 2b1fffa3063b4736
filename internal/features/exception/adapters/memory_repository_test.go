package adapters

import (
	"context"
	"testing"
	"time"

	"shipledger/internal/features/exception/domain"
	"shipledger/internal/features/exception/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRecord(id, shipmentID string, status domain.Status) *domain.ExceptionRecord {
	now := time.Now().UTC()
	return &domain.ExceptionRecord{
		ID:                 id,
		ShipmentID:         shipmentID,
		TenantID:           "tenant-1",
		Reason:             "address not found",
		Status:             status,
		DetectedAt:         now,
		ResolutionDeadline: now.Add(48 * time.Hour),
		Version:            1,
	}
}

// TestMemoryExceptionRepository_OneOpenPerShipment verifies that a second
// open record for the same shipment is rejected.
func TestMemoryExceptionRepository_OneOpenPerShipment(t *testing.T) {
	repo := NewMemoryExceptionRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, openRecord("e1", "ship-1", domain.StatusDetected)))

	err := repo.Create(ctx, openRecord("e2", "ship-1", domain.StatusDetected))
	assert.ErrorIs(t, err, ports.ErrOpenExceptionExists)

	// Another shipment is unaffected.
	assert.NoError(t, repo.Create(ctx, openRecord("e3", "ship-2", domain.StatusDetected)))
}

// TestMemoryExceptionRepository_ReopenAfterTerminal verifies that a closed
// episode does not block a new one.
func TestMemoryExceptionRepository_ReopenAfterTerminal(t *testing.T) {
	repo := NewMemoryExceptionRepository()
	ctx := context.Background()

	closed := openRecord("e1", "ship-1", domain.StatusResolved)
	require.NoError(t, repo.Create(ctx, closed))

	assert.NoError(t, repo.Create(ctx, openRecord("e2", "ship-1", domain.StatusDetected)))
}
