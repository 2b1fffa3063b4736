// Package storage opens the SQLite database and owns the schema.
//
// Two append-only logs (shipment_events, ledger_transactions) and three
// mutable pointer tables (shipments, exception_records, return_records).
// The logs are never updated or deleted; pointer rows carry a version
// column for optimistic concurrency.
package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (or creates) the SQLite database at path and migrates the
// schema. Use ":memory:" for an in-memory database.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// migrate creates the database schema.
func migrate(db *sql.DB) error {
	schema := `
	-- Shipment pointer rows. Status is derivable from shipment_events;
	-- the row exists so reads don't replay the log.
	CREATE TABLE IF NOT EXISTS shipments (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		order_ref TEXT NOT NULL,
		carrier_id TEXT NOT NULL,
		tracking_number TEXT NOT NULL,
		status TEXT NOT NULL,
		declared_weight_kg TEXT NOT NULL,
		verified_weight_kg TEXT,
		payment_type TEXT NOT NULL,
		collect_amount TEXT NOT NULL,
		shipping_cost TEXT NOT NULL,
		open_exception_id TEXT NOT NULL DEFAULT '',
		open_return_id TEXT NOT NULL DEFAULT '',
		retired INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_shipments_tenant ON shipments(tenant_id);

	-- Append-only shipment history. No UPDATE, no DELETE.
	CREATE TABLE IF NOT EXISTS shipment_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		shipment_id TEXT NOT NULL REFERENCES shipments(id),
		status TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		location TEXT,
		note TEXT,
		idempotency_key TEXT UNIQUE
	);

	CREATE INDEX IF NOT EXISTS idx_shipment_events_shipment
		ON shipment_events(shipment_id, seq);

	-- Non-delivery records.
	CREATE TABLE IF NOT EXISTS exception_records (
		id TEXT PRIMARY KEY,
		shipment_id TEXT NOT NULL REFERENCES shipments(id),
		tenant_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		detected_at TEXT NOT NULL,
		resolution_deadline TEXT NOT NULL,
		actions_json TEXT NOT NULL DEFAULT '[]',
		outcome TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_exception_records_shipment
		ON exception_records(shipment_id);
	CREATE INDEX IF NOT EXISTS idx_exception_records_open
		ON exception_records(status, resolution_deadline)
		WHERE status IN ('detected', 'in-resolution');

	-- Backstop for the one-open-record-per-shipment invariant: two
	-- writers racing past the application-level check cannot both insert.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_exception_records_one_open
		ON exception_records(shipment_id)
		WHERE status IN ('detected', 'in-resolution');

	-- Return-to-origin records.
	CREATE TABLE IF NOT EXISTS return_records (
		id TEXT PRIMARY KEY,
		shipment_id TEXT NOT NULL REFERENCES shipments(id),
		tenant_id TEXT NOT NULL,
		exception_id TEXT NOT NULL DEFAULT '',
		trigger_mode TEXT NOT NULL,
		reason TEXT NOT NULL,
		charge_amount TEXT NOT NULL,
		charge_applied INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		qc_passed INTEGER,
		qc_notes TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_return_records_shipment
		ON return_records(shipment_id);
	CREATE INDEX IF NOT EXISTS idx_return_records_pending_charge
		ON return_records(charge_applied) WHERE charge_applied = 0;

	-- Backstop for the one-open-return-per-shipment invariant.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_return_records_one_open
		ON return_records(shipment_id)
		WHERE status NOT IN ('restocked', 'disposed');

	-- Append-only ledger. No UPDATE except flipping status to 'reversed',
	-- which itself appends a compensating row.
	CREATE TABLE IF NOT EXISTS ledger_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		amount TEXT NOT NULL,
		reason_code TEXT NOT NULL,
		reference_kind TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		status TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(tenant_id, idempotency_key)
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_tenant_seq
		ON ledger_transactions(tenant_id, seq);
	`

	if _, err := db.Exec(schema); err != nil {
		return err
	}
	return nil
}
