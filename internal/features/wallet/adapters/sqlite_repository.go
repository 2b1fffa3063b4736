package adapters

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"shipledger/internal/features/wallet/domain"
	"shipledger/internal/features/wallet/ports"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteLedgerRepository implements LedgerRepository on the shared SQLite
// database. Write order is the autoincrement seq column.
type SQLiteLedgerRepository struct {
	db *sql.DB
}

// NewSQLiteLedgerRepository creates a ledger repository on db.
func NewSQLiteLedgerRepository(db *sql.DB) *SQLiteLedgerRepository {
	return &SQLiteLedgerRepository{db: db}
}

const ledgerColumns = `id, tenant_id, direction, amount, reason_code,
	reference_kind, reference_id, idempotency_key, balance_after, status,
	created_by, created_at`

// Append inserts one transaction. The UNIQUE(tenant_id, idempotency_key)
// index is the backstop for the deduplication invariant.
func (r *SQLiteLedgerRepository) Append(ctx context.Context, tx *domain.LedgerTransaction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ledger_transactions (`+ledgerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.TenantID, string(tx.Direction), tx.Amount.String(), string(tx.Reason),
		string(tx.Reference.Kind), tx.Reference.ID, tx.IdempotencyKey,
		tx.BalanceAfter.String(), string(tx.Status),
		tx.CreatedBy, tx.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ports.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert ledger transaction: %w", err)
	}
	return nil
}

// FindByKey returns the transaction for (tenant, key), or nil.
func (r *SQLiteLedgerRepository) FindByKey(ctx context.Context, tenantID, idempotencyKey string) (*domain.LedgerTransaction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_transactions
		WHERE tenant_id = ? AND idempotency_key = ?`,
		tenantID, idempotencyKey,
	)
	return scanLedgerRow(row)
}

// FindByID returns the transaction with the given identifier, or nil.
func (r *SQLiteLedgerRepository) FindByID(ctx context.Context, id string) (*domain.LedgerTransaction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_transactions WHERE id = ?`, id)
	return scanLedgerRow(row)
}

// LatestSnapshot returns BalanceAfter of the tenant's last entry, or zero.
func (r *SQLiteLedgerRepository) LatestSnapshot(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `
		SELECT balance_after FROM ledger_transactions
		WHERE tenant_id = ? ORDER BY seq DESC LIMIT 1`,
		tenantID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read latest snapshot: %w", err)
	}
	return decimal.NewFromString(raw)
}

// SumApplied recomputes the balance by signed summation in write order.
// Reversed rows were applied; the flag only marks that a compensating
// entry exists, so they still count.
func (r *SQLiteLedgerRepository) SumApplied(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT direction, amount FROM ledger_transactions
		WHERE tenant_id = ? AND status IN ('applied', 'reversed')
		ORDER BY seq`,
		tenantID,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var direction, raw string
		if err := rows.Scan(&direction, &raw); err != nil {
			return decimal.Zero, err
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt amount %q: %w", raw, err)
		}
		if domain.Direction(direction) == domain.DirectionDebit {
			amount = amount.Neg()
		}
		sum = sum.Add(amount)
	}
	return sum, rows.Err()
}

// MarkReversed flips an applied transaction's status to reversed.
func (r *SQLiteLedgerRepository) MarkReversed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE ledger_transactions SET status = 'reversed'
		WHERE id = ? AND status = 'applied'`, id)
	if err != nil {
		return fmt.Errorf("failed to mark transaction reversed: %w", err)
	}
	return nil
}

// ListByTenant returns the tenant's transactions in write order.
func (r *SQLiteLedgerRepository) ListByTenant(ctx context.Context, tenantID string) ([]*domain.LedgerTransaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_transactions
		WHERE tenant_id = ? ORDER BY seq`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []*domain.LedgerTransaction
	for rows.Next() {
		tx, err := scanLedgerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// Tenants returns every tenant with at least one transaction.
func (r *SQLiteLedgerRepository) Tenants(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT tenant_id FROM ledger_transactions`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanLedgerRow(row rowScanner) (*domain.LedgerTransaction, error) {
	var (
		tx                    domain.LedgerTransaction
		direction, reason     string
		refKind, status       string
		amountRaw, balanceRaw string
		createdAtRaw          string
	)
	err := row.Scan(&tx.ID, &tx.TenantID, &direction, &amountRaw, &reason,
		&refKind, &tx.Reference.ID, &tx.IdempotencyKey, &balanceRaw, &status,
		&tx.CreatedBy, &createdAtRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger row: %w", err)
	}

	tx.Direction = domain.Direction(direction)
	tx.Reason = domain.ReasonCode(reason)
	tx.Reference.Kind = domain.ReferenceKind(refKind)
	tx.Status = domain.TransactionStatus(status)

	if tx.Amount, err = decimal.NewFromString(amountRaw); err != nil {
		return nil, fmt.Errorf("corrupt amount %q: %w", amountRaw, err)
	}
	if tx.BalanceAfter, err = decimal.NewFromString(balanceRaw); err != nil {
		return nil, fmt.Errorf("corrupt balance %q: %w", balanceRaw, err)
	}
	if tx.CreatedAt, err = time.Parse(time.RFC3339Nano, strings.TrimSpace(createdAtRaw)); err != nil {
		return nil, fmt.Errorf("corrupt timestamp %q: %w", createdAtRaw, err)
	}
	return &tx, nil
}
