package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"shipledger/internal/features/exception/domain"
	"shipledger/internal/features/exception/ports"

	"github.com/mattn/go-sqlite3"
)

// SQLiteExceptionRepository implements ExceptionRepository on the shared
// SQLite database. The action trail is stored as a JSON column.
type SQLiteExceptionRepository struct {
	db *sql.DB
}

// NewSQLiteExceptionRepository creates an exception repository on db.
func NewSQLiteExceptionRepository(db *sql.DB) *SQLiteExceptionRepository {
	return &SQLiteExceptionRepository{db: db}
}

const exceptionColumns = `id, shipment_id, tenant_id, reason, status,
	detected_at, resolution_deadline, actions_json, outcome, version`

// Create persists a new record.
func (r *SQLiteExceptionRepository) Create(ctx context.Context, rec *domain.ExceptionRecord) error {
	actions, err := json.Marshal(rec.Actions)
	if err != nil {
		return fmt.Errorf("failed to encode actions: %w", err)
	}
	if rec.Actions == nil {
		actions = []byte("[]")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO exception_records (`+exceptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ShipmentID, rec.TenantID, rec.Reason, string(rec.Status),
		rec.DetectedAt.Format(time.RFC3339Nano),
		rec.ResolutionDeadline.Format(time.RFC3339Nano),
		string(actions), rec.Outcome, rec.Version,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ports.ErrOpenExceptionExists
		}
		return fmt.Errorf("failed to insert exception record: %w", err)
	}
	return nil
}

// Get returns the record, or nil if absent.
func (r *SQLiteExceptionRepository) Get(ctx context.Context, id string) (*domain.ExceptionRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+exceptionColumns+` FROM exception_records WHERE id = ?`, id)
	return scanException(row)
}

// FindOpenByShipment returns the shipment's open record, or nil.
func (r *SQLiteExceptionRepository) FindOpenByShipment(ctx context.Context, shipmentID string) (*domain.ExceptionRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+exceptionColumns+` FROM exception_records
		WHERE shipment_id = ? AND status IN ('detected', 'in-resolution')`,
		shipmentID)
	return scanException(row)
}

// Update writes the record conditional on expectedVersion.
func (r *SQLiteExceptionRepository) Update(ctx context.Context, rec *domain.ExceptionRecord, expectedVersion int64) error {
	actions, err := json.Marshal(rec.Actions)
	if err != nil {
		return fmt.Errorf("failed to encode actions: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE exception_records SET status = ?, actions_json = ?,
			outcome = ?, version = ?
		WHERE id = ? AND version = ?`,
		string(rec.Status), string(actions), rec.Outcome, rec.Version,
		rec.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update exception record: %w", err)
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

// ListOpenExpired returns open records whose deadline passed before now.
func (r *SQLiteExceptionRepository) ListOpenExpired(ctx context.Context, now time.Time) ([]*domain.ExceptionRecord, error) {
	return r.list(ctx, `
		SELECT `+exceptionColumns+` FROM exception_records
		WHERE status IN ('detected', 'in-resolution') AND resolution_deadline < ?`,
		now.Format(time.RFC3339Nano))
}

// ListRTOTriggered returns records that escalated into the return leg.
func (r *SQLiteExceptionRepository) ListRTOTriggered(ctx context.Context) ([]*domain.ExceptionRecord, error) {
	return r.list(ctx, `
		SELECT `+exceptionColumns+` FROM exception_records
		WHERE status = 'rto-triggered'`)
}

func (r *SQLiteExceptionRepository) list(ctx context.Context, query string, args ...any) ([]*domain.ExceptionRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query exception records: %w", err)
	}
	defer rows.Close()

	var out []*domain.ExceptionRecord
	for rows.Next() {
		rec, err := scanException(rows)
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

func scanException(row rowScanner) (*domain.ExceptionRecord, error) {
	var (
		rec                      domain.ExceptionRecord
		status, actionsRaw       string
		detectedRaw, deadlineRaw string
	)
	err := row.Scan(&rec.ID, &rec.ShipmentID, &rec.TenantID, &rec.Reason,
		&status, &detectedRaw, &deadlineRaw, &actionsRaw, &rec.Outcome,
		&rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan exception record: %w", err)
	}

	rec.Status = domain.Status(status)

	if err := json.Unmarshal([]byte(actionsRaw), &rec.Actions); err != nil {
		return nil, fmt.Errorf("corrupt actions %q: %w", actionsRaw, err)
	}
	if rec.DetectedAt, err = time.Parse(time.RFC3339Nano, detectedRaw); err != nil {
		return nil, fmt.Errorf("corrupt detected_at %q: %w", detectedRaw, err)
	}
	if rec.ResolutionDeadline, err = time.Parse(time.RFC3339Nano, deadlineRaw); err != nil {
		return nil, fmt.Errorf("corrupt deadline %q: %w", deadlineRaw, err)
	}
	return &rec, nil
}
