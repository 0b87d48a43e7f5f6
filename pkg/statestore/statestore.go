// Package statestore implements the embedded transactional key/row store
// described in spec.md §2 item 3: caea_cycle, caea_invoice and afip_outbox,
// plus the invoice_authorization_log audit table the HTTP facade populates
// on each FECAE pass-through call, backed by a single SQLite file
// (modernc.org/sqlite — pure Go, no CGO).
//
// Invoice-number reservation runs its read-then-insert inside BEGIN
// IMMEDIATE; the idempotency-key upserts (EnsureCycle, EnqueueJob) are each
// a single INSERT ... ON CONFLICT statement, and the other mutating methods
// issue plain statements without an explicit transaction.
package statestore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite handle shared by every table in this package.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the state database at path and applies
// the schema migration. Pass ":memory:" for ephemeral/test stores.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// SQLite allows only one writer at a time; a single shared connection
	// avoids SQLITE_BUSY races between goroutines more simply than pool tuning.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS caea_cycle (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cuit TEXT NOT NULL,
	periodo INTEGER NOT NULL,
	orden INTEGER NOT NULL,
	caea_code TEXT,
	status TEXT NOT NULL,
	last_error TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(cuit, periodo, orden)
);

CREATE TABLE IF NOT EXISTS caea_invoice (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_id INTEGER NOT NULL,
	cuit TEXT NOT NULL,
	pto_vta INTEGER NOT NULL,
	cbte_tipo INTEGER NOT NULL,
	cbte_nro INTEGER NOT NULL,
	payload_json TEXT NOT NULL,
	status TEXT NOT NULL,
	last_error TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(cuit, pto_vta, cbte_tipo, cbte_nro)
);

CREATE TABLE IF NOT EXISTS afip_outbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	idempotency_key TEXT NOT NULL UNIQUE,
	job_type TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	next_retry_at TEXT NOT NULL,
	last_error TEXT,
	last_response_json TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS invoice_authorization_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cuit TEXT NOT NULL,
	pto_vta INTEGER NOT NULL,
	cbte_tipo INTEGER NOT NULL,
	cbte_nro INTEGER NOT NULL,
	cae TEXT NOT NULL,
	cae_vto TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("migrate state db: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for tests that need to assert directly
// against sqlmock or inspect raw rows; production code should prefer the
// typed methods on Store.
func (s *Store) DB() *sql.DB { return s.db }
