package adapters

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"shipledger/internal/features/returns/domain"
	"shipledger/internal/features/returns/ports"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteReturnRepository implements ReturnRepository on the shared SQLite
// database.
type SQLiteReturnRepository struct {
	db *sql.DB
}

// NewSQLiteReturnRepository creates a return repository on db.
func NewSQLiteReturnRepository(db *sql.DB) *SQLiteReturnRepository {
	return &SQLiteReturnRepository{db: db}
}

const returnColumns = `id, shipment_id, tenant_id, exception_id,
	trigger_mode, reason, charge_amount, charge_applied, status, qc_passed,
	qc_notes, version, created_at`

// Create persists a new record. The partial unique index on open records
// per shipment is the backstop for concurrent triggers.
func (r *SQLiteReturnRepository) Create(ctx context.Context, rec *domain.ReturnRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO return_records (`+returnColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ShipmentID, rec.TenantID, rec.ExceptionID,
		string(rec.TriggerMode), rec.Reason, rec.ChargeAmount.String(),
		boolToInt(rec.ChargeApplied), string(rec.Status), nullableBool(rec.QCPassed),
		rec.QCNotes, rec.Version, rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ports.ErrOpenReturnExists
		}
		return fmt.Errorf("failed to insert return record: %w", err)
	}
	return nil
}

// Get returns the record, or nil if absent.
func (r *SQLiteReturnRepository) Get(ctx context.Context, id string) (*domain.ReturnRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+returnColumns+` FROM return_records WHERE id = ?`, id)
	return scanReturn(row)
}

// FindOpenByShipment returns the shipment's open record, or nil.
func (r *SQLiteReturnRepository) FindOpenByShipment(ctx context.Context, shipmentID string) (*domain.ReturnRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+returnColumns+` FROM return_records
		WHERE shipment_id = ? AND status NOT IN ('restocked', 'disposed')`,
		shipmentID)
	return scanReturn(row)
}

// Update writes the record conditional on expectedVersion.
func (r *SQLiteReturnRepository) Update(ctx context.Context, rec *domain.ReturnRecord, expectedVersion int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE return_records SET charge_applied = ?, status = ?,
			qc_passed = ?, qc_notes = ?, version = ?
		WHERE id = ? AND version = ?`,
		boolToInt(rec.ChargeApplied), string(rec.Status),
		nullableBool(rec.QCPassed), rec.QCNotes, rec.Version,
		rec.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update return record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ports.ErrVersionConflict
	}
	return nil
}

// ListUncharged returns records whose wallet charge is not applied.
func (r *SQLiteReturnRepository) ListUncharged(ctx context.Context) ([]*domain.ReturnRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+returnColumns+` FROM return_records WHERE charge_applied = 0`)
	if err != nil {
		return nil, fmt.Errorf("failed to query uncharged returns: %w", err)
	}
	defer rows.Close()

	var out []*domain.ReturnRecord
	for rows.Next() {
		rec, err := scanReturn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReturn(row rowScanner) (*domain.ReturnRecord, error) {
	var (
		rec           domain.ReturnRecord
		mode, status  string
		chargeRaw     string
		chargeApplied int
		qcPassed      sql.NullInt64
		createdRaw    string
	)
	err := row.Scan(&rec.ID, &rec.ShipmentID, &rec.TenantID, &rec.ExceptionID,
		&mode, &rec.Reason, &chargeRaw, &chargeApplied, &status, &qcPassed,
		&rec.QCNotes, &rec.Version, &createdRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan return record: %w", err)
	}

	rec.TriggerMode = domain.TriggerMode(mode)
	rec.Status = domain.Status(status)
	rec.ChargeApplied = chargeApplied != 0

	if qcPassed.Valid {
		passed := qcPassed.Int64 != 0
		rec.QCPassed = &passed
	}
	if rec.ChargeAmount, err = decimal.NewFromString(chargeRaw); err != nil {
		return nil, fmt.Errorf("corrupt charge amount %q: %w", chargeRaw, err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdRaw); err != nil {
		return nil, fmt.Errorf("corrupt created_at %q: %w", createdRaw, err)
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}
