package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InvoiceStatus is the lifecycle status of a CaeaInvoice row (spec.md §3).
type InvoiceStatus string

const (
	InvoiceIssuedLocal InvoiceStatus = "issued_local"
	InvoiceInformed    InvoiceStatus = "informed"
	InvoiceError       InvoiceStatus = "error"
)

// CaeaInvoice mirrors the entity defined in spec.md §3: a contingency
// invoice issued under a CAEA cycle, queued for later exactly-once
// reporting to WSFE's FECAEARegInformativo.
type CaeaInvoice struct {
	ID          int64
	CycleID     int64
	Cuit        string
	PtoVta      int
	CbteTipo    int
	CbteNro     int64
	PayloadJSON string
	Status      InvoiceStatus
	LastError   string
}

// ErrInvoiceNotFound is returned when an invoice lookup misses.
var ErrInvoiceNotFound = errors.New("caea invoice not found")

// ReserveInvoiceNumber allocates the next gap-free cbte_nro for
// (cuit, pto_vta, cbte_tipo) and inserts the queued invoice row in the same
// exclusive transaction, so concurrent callers never observe or hand out the
// same number twice (spec.md §4.3.3, §8 invariant "cbte_nro sequence is
// gap-free and strictly increasing per (cuit,pto_vta,cbte_tipo)").
//
// SQLite only allows a single writer; BEGIN IMMEDIATE takes the write lock
// up front so the MAX-then-INSERT read/modify/write cannot interleave with
// another reservation, even though db.SetMaxOpenConns(1) already forces
// every caller through the same connection.
func (s *Store) ReserveInvoiceNumber(ctx context.Context, cycleID int64, cuit string, ptoVta, cbteTipo int, payloadJSON string) (*CaeaInvoice, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve invoice number: conn: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("reserve invoice number: begin immediate: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	var maxNro sql.NullInt64
	err = conn.QueryRowContext(ctx, `
		SELECT MAX(cbte_nro) FROM caea_invoice
		WHERE cuit = ? AND pto_vta = ? AND cbte_tipo = ?
	`, cuit, ptoVta, cbteTipo).Scan(&maxNro)
	if err != nil {
		return nil, fmt.Errorf("reserve invoice number: max lookup: %w", err)
	}

	nextNro := int64(1)
	if maxNro.Valid {
		nextNro = maxNro.Int64 + 1
	}

	now := nowISO()
	res, err := conn.ExecContext(ctx, `
		INSERT INTO caea_invoice (cycle_id, cuit, pto_vta, cbte_tipo, cbte_nro, payload_json, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
	`, cycleID, cuit, ptoVta, cbteTipo, nextNro, payloadJSON, InvoiceIssuedLocal, now, now)
	if err != nil {
		return nil, fmt.Errorf("reserve invoice number: insert: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reserve invoice number: last insert id: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("reserve invoice number: commit: %w", err)
	}
	committed = true

	return &CaeaInvoice{
		ID:          id,
		CycleID:     cycleID,
		Cuit:        cuit,
		PtoVta:      ptoVta,
		CbteTipo:    cbteTipo,
		CbteNro:     nextNro,
		PayloadJSON: payloadJSON,
		Status:      InvoiceIssuedLocal,
	}, nil
}

// GetInvoice looks an invoice up by its natural key.
func (s *Store) GetInvoice(ctx context.Context, cuit string, ptoVta, cbteTipo int, cbteNro int64) (*CaeaInvoice, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cycle_id, cuit, pto_vta, cbte_tipo, cbte_nro, payload_json, status, last_error
		FROM caea_invoice WHERE cuit = ? AND pto_vta = ? AND cbte_tipo = ? AND cbte_nro = ?
	`, cuit, ptoVta, cbteTipo, cbteNro)
	return scanInvoice(row)
}

// ListInvoicesByCycle lists every invoice queued under a cycle, in issuance
// (cbte_nro) order.
func (s *Store) ListInvoicesByCycle(ctx context.Context, cycleID int64) ([]*CaeaInvoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle_id, cuit, pto_vta, cbte_tipo, cbte_nro, payload_json, status, last_error
		FROM caea_invoice WHERE cycle_id = ? ORDER BY cbte_nro ASC
	`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("list invoices by cycle: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*CaeaInvoice
	for rows.Next() {
		inv, err := scanInvoiceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// MarkInvoiceInformed records a successful WSFE inform-movement acknowledgement.
func (s *Store) MarkInvoiceInformed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE caea_invoice SET status = ?, last_error = NULL, updated_at = ? WHERE id = ?
	`, InvoiceInformed, nowISO(), id)
	if err != nil {
		return fmt.Errorf("mark invoice informed: %w", err)
	}
	return nil
}

// MarkInvoiceError records a persistent inform-movement failure (spec.md §3
// "error on persistent failure").
func (s *Store) MarkInvoiceError(ctx context.Context, id int64, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE caea_invoice SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, InvoiceError, lastError, nowISO(), id)
	if err != nil {
		return fmt.Errorf("mark invoice error: %w", err)
	}
	return nil
}

func scanInvoice(row *sql.Row) (*CaeaInvoice, error) {
	var inv CaeaInvoice
	var lastError sql.NullString
	var status string

	err := row.Scan(&inv.ID, &inv.CycleID, &inv.Cuit, &inv.PtoVta, &inv.CbteTipo, &inv.CbteNro, &inv.PayloadJSON, &status, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan invoice: %w", err)
	}
	inv.Status = InvoiceStatus(status)
	inv.LastError = lastError.String
	return &inv, nil
}

func scanInvoiceRows(rows rowScanner) (*CaeaInvoice, error) {
	var inv CaeaInvoice
	var lastError sql.NullString
	var status string

	if err := rows.Scan(&inv.ID, &inv.CycleID, &inv.Cuit, &inv.PtoVta, &inv.CbteTipo, &inv.CbteNro, &inv.PayloadJSON, &status, &lastError); err != nil {
		return nil, fmt.Errorf("scan invoice row: %w", err)
	}
	inv.Status = InvoiceStatus(status)
	inv.LastError = lastError.String
	return &inv, nil
}
