package adapters

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"shipledger/internal/features/shipment/domain"
	"shipledger/internal/features/shipment/ports"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteShipmentRepository implements ShipmentRepository on the shared
// SQLite database. Pointer writes are conditional UPDATEs on the version
// column; event appends ride in the same transaction.
type SQLiteShipmentRepository struct {
	db *sql.DB
}

// NewSQLiteShipmentRepository creates a shipment repository on db.
func NewSQLiteShipmentRepository(db *sql.DB) *SQLiteShipmentRepository {
	return &SQLiteShipmentRepository{db: db}
}

// Create persists a new shipment with empty history.
func (r *SQLiteShipmentRepository) Create(ctx context.Context, s *domain.Shipment) error {
	var verified any
	if s.VerifiedWeightKg != nil {
		verified = s.VerifiedWeightKg.String()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO shipments (id, tenant_id, order_ref, carrier_id,
			tracking_number, status, declared_weight_kg, verified_weight_kg,
			payment_type, collect_amount, shipping_cost, open_exception_id,
			open_return_id, retired, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.TenantID, s.OrderRef, s.CarrierID, s.TrackingNumber,
		string(s.Status), s.DeclaredWeightKg.String(), verified,
		string(s.PaymentType), s.CollectAmount.String(), s.ShippingCost.String(),
		s.OpenExceptionID, s.OpenReturnID, boolToInt(s.Retired), s.Version,
		s.CreatedAt.Format(time.RFC3339Nano), s.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert shipment: %w", err)
	}
	return nil
}

// Get returns the shipment without history, or nil if absent.
func (r *SQLiteShipmentRepository) Get(ctx context.Context, id string) (*domain.Shipment, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, order_ref, carrier_id, tracking_number, status,
			declared_weight_kg, verified_weight_kg, payment_type,
			collect_amount, shipping_cost, open_exception_id, open_return_id,
			retired, version, created_at, updated_at
		FROM shipments WHERE id = ?`, id)
	return scanShipment(row)
}

// History returns the shipment's events in acceptance order.
func (r *SQLiteShipmentRepository) History(ctx context.Context, id string) ([]domain.StatusEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, occurred_at, recorded_at, location, note, idempotency_key
		FROM shipment_events WHERE shipment_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []domain.StatusEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// FindEventByKey returns the accepted event with the given key, or nil.
func (r *SQLiteShipmentRepository) FindEventByKey(ctx context.Context, idempotencyKey string) (*domain.StatusEvent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT status, occurred_at, recorded_at, location, note, idempotency_key
		FROM shipment_events WHERE idempotency_key = ?`, idempotencyKey)
	ev, err := scanEvent(row)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// ApplyEvent atomically appends the event and writes the pointer state,
// conditional on the version column.
func (r *SQLiteShipmentRepository) ApplyEvent(ctx context.Context, s *domain.Shipment, ev domain.StatusEvent, expectedVersion int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updatePointerTx(ctx, tx, s, expectedVersion); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, s.ID, ev); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdatePointer writes pointer fields conditional on expectedVersion.
func (r *SQLiteShipmentRepository) UpdatePointer(ctx context.Context, s *domain.Shipment, expectedVersion int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updatePointerTx(ctx, tx, s, expectedVersion); err != nil {
		return err
	}
	return tx.Commit()
}

// List returns all shipments without history.
func (r *SQLiteShipmentRepository) List(ctx context.Context) ([]*domain.Shipment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, order_ref, carrier_id, tracking_number, status,
			declared_weight_kg, verified_weight_kg, payment_type,
			collect_amount, shipping_cost, open_exception_id, open_return_id,
			retired, version, created_at, updated_at
		FROM shipments`)
	if err != nil {
		return nil, fmt.Errorf("failed to query shipments: %w", err)
	}
	defer rows.Close()

	var out []*domain.Shipment
	for rows.Next() {
		s, err := scanShipment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func updatePointerTx(ctx context.Context, tx *sql.Tx, s *domain.Shipment, expectedVersion int64) error {
	var verified any
	if s.VerifiedWeightKg != nil {
		verified = s.VerifiedWeightKg.String()
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE shipments SET status = ?, verified_weight_kg = ?,
			open_exception_id = ?, open_return_id = ?, retired = ?,
			version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(s.Status), verified, s.OpenExceptionID, s.OpenReturnID,
		boolToInt(s.Retired), s.Version, s.UpdatedAt.Format(time.RFC3339Nano),
		s.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update pointer: %w", err)
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

func insertEvent(ctx context.Context, tx *sql.Tx, shipmentID string, ev domain.StatusEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO shipment_events (shipment_id, status, occurred_at,
			recorded_at, location, note, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		shipmentID, string(ev.Status),
		ev.OccurredAt.Format(time.RFC3339Nano),
		ev.RecordedAt.Format(time.RFC3339Nano),
		ev.Location, ev.Note, ev.IdempotencyKey,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ports.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShipment(row rowScanner) (*domain.Shipment, error) {
	var (
		s                       domain.Shipment
		status, payment         string
		declaredRaw, collectRaw string
		costRaw                 string
		verifiedRaw             sql.NullString
		retired                 int
		createdRaw, updatedRaw  string
	)
	err := row.Scan(&s.ID, &s.TenantID, &s.OrderRef, &s.CarrierID,
		&s.TrackingNumber, &status, &declaredRaw, &verifiedRaw, &payment,
		&collectRaw, &costRaw, &s.OpenExceptionID, &s.OpenReturnID,
		&retired, &s.Version, &createdRaw, &updatedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan shipment: %w", err)
	}

	s.Status = domain.Status(status)
	s.PaymentType = domain.PaymentType(payment)
	s.Retired = retired != 0

	if s.DeclaredWeightKg, err = decimal.NewFromString(declaredRaw); err != nil {
		return nil, fmt.Errorf("corrupt declared weight %q: %w", declaredRaw, err)
	}
	if verifiedRaw.Valid {
		v, err := decimal.NewFromString(verifiedRaw.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt verified weight %q: %w", verifiedRaw.String, err)
		}
		s.VerifiedWeightKg = &v
	}
	if s.CollectAmount, err = decimal.NewFromString(collectRaw); err != nil {
		return nil, fmt.Errorf("corrupt collect amount %q: %w", collectRaw, err)
	}
	if s.ShippingCost, err = decimal.NewFromString(costRaw); err != nil {
		return nil, fmt.Errorf("corrupt shipping cost %q: %w", costRaw, err)
	}
	if s.CreatedAt, err = time.Parse(time.RFC3339Nano, createdRaw); err != nil {
		return nil, fmt.Errorf("corrupt created_at %q: %w", createdRaw, err)
	}
	if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedRaw); err != nil {
		return nil, fmt.Errorf("corrupt updated_at %q: %w", updatedRaw, err)
	}
	return &s, nil
}

func scanEvent(row rowScanner) (*domain.StatusEvent, error) {
	var (
		ev                       domain.StatusEvent
		status                   string
		occurredRaw, recordedRaw string
		location, note           sql.NullString
	)
	err := row.Scan(&status, &occurredRaw, &recordedRaw, &location, &note, &ev.IdempotencyKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	ev.Status = domain.Status(status)
	ev.Location = location.String
	ev.Note = note.String

	if ev.OccurredAt, err = time.Parse(time.RFC3339Nano, occurredRaw); err != nil {
		return nil, fmt.Errorf("corrupt occurred_at %q: %w", occurredRaw, err)
	}
	if ev.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedRaw); err != nil {
		return nil, fmt.Errorf("corrupt recorded_at %q: %w", recordedRaw, err)
	}
	return &ev, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
