package statestore

import (
	"context"
	"fmt"
)

// InvoiceAuthorizationLog is the append-only audit row SPEC_FULL.md's data
// model carries over from original_source/'s FECAE (online, non-CAEA)
// authorization path: one row per invoice line AFIP responded to on a
// FECAESolicitar pass-through call. It has no retry semantics of its own —
// the HTTP facade writes it purely for observability, after the pass-through
// call already completed.
type InvoiceAuthorizationLog struct {
	ID        int64
	Cuit      string
	PtoVta    int
	CbteTipo  int
	CbteNro   int64
	CAE       string
	CAEVto    string
	Status    string
	CreatedAt string
}

// InsertInvoiceAuthorizationLog appends one audit row. Callers pass one row
// per FeDetResp line returned by FECAESolicitar.
func (s *Store) InsertInvoiceAuthorizationLog(ctx context.Context, cuit string, ptoVta, cbteTipo int, cbteNro int64, cae, caeVto, status string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoice_authorization_log (cuit, pto_vta, cbte_tipo, cbte_nro, cae, cae_vto, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, cuit, ptoVta, cbteTipo, cbteNro, cae, caeVto, status, nowISO())
	if err != nil {
		return fmt.Errorf("insert invoice authorization log: %w", err)
	}
	return nil
}

// ListInvoiceAuthorizationLog returns the most recent audit rows for a CUIT,
// newest first, backing the facade's read-side audit query.
func (s *Store) ListInvoiceAuthorizationLog(ctx context.Context, cuit string, limit int) ([]*InvoiceAuthorizationLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cuit, pto_vta, cbte_tipo, cbte_nro, cae, cae_vto, status, created_at
		FROM invoice_authorization_log WHERE cuit = ? ORDER BY id DESC LIMIT ?
	`, cuit, limit)
	if err != nil {
		return nil, fmt.Errorf("list invoice authorization log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*InvoiceAuthorizationLog
	for rows.Next() {
		var l InvoiceAuthorizationLog
		if err := rows.Scan(&l.ID, &l.Cuit, &l.PtoVta, &l.CbteTipo, &l.CbteNro, &l.CAE, &l.CAEVto, &l.Status, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan invoice authorization log row: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
