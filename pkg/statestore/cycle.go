package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CycleStatus is the lifecycle status of a CaeaCycle row (spec.md §3).
type CycleStatus string

const (
	CycleRequested CycleStatus = "requested"
	CycleActive    CycleStatus = "active"
	CycleError     CycleStatus = "error"
)

// CaeaCycle mirrors the entity defined in spec.md §3.
type CaeaCycle struct {
	ID        int64
	Cuit      string
	Periodo   int
	Orden     int
	CaeaCode  string
	Status    CycleStatus
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ErrCycleNotFound is returned when a cycle lookup misses.
var ErrCycleNotFound = errors.New("caea cycle not found")

// EnsureCycle inserts a `requested` cycle row for (cuit, periodo, orden) if
// absent, and returns the row (existing or newly created) plus whether it
// was newly inserted. This is the "upsert, insert only if absent" behaviour
// spec.md §4.3.2 step 1 requires.
func (s *Store) EnsureCycle(ctx context.Context, cuit string, periodo, orden int) (*CaeaCycle, bool, error) {
	now := nowISO()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO caea_cycle (cuit, periodo, orden, caea_code, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, NULL, ?, NULL, ?, ?)
		ON CONFLICT(cuit, periodo, orden) DO NOTHING
	`, cuit, periodo, orden, CycleRequested, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("ensure cycle: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("ensure cycle: rows affected: %w", err)
	}

	cycle, err := s.GetCycle(ctx, cuit, periodo, orden)
	if err != nil {
		return nil, false, err
	}
	return cycle, inserted > 0, nil
}

// GetCycle looks a cycle up by its natural key.
func (s *Store) GetCycle(ctx context.Context, cuit string, periodo, orden int) (*CaeaCycle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cuit, periodo, orden, caea_code, status, last_error, created_at, updated_at
		FROM caea_cycle WHERE cuit = ? AND periodo = ? AND orden = ?
	`, cuit, periodo, orden)
	return scanCycle(row)
}

// GetCycleByID looks a cycle up by surrogate id.
func (s *Store) GetCycleByID(ctx context.Context, id int64) (*CaeaCycle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cuit, periodo, orden, caea_code, status, last_error, created_at, updated_at
		FROM caea_cycle WHERE id = ?
	`, id)
	return scanCycle(row)
}

// ActiveCyclesForCuit lists active cycles for a taxpayer, used by the
// GET /wsfe/caea/queue/active facade endpoint.
func (s *Store) ActiveCyclesForCuit(ctx context.Context, cuit string) ([]*CaeaCycle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cuit, periodo, orden, caea_code, status, last_error, created_at, updated_at
		FROM caea_cycle WHERE cuit = ? AND status = ?
		ORDER BY periodo ASC, orden ASC
	`, cuit, CycleActive)
	if err != nil {
		return nil, fmt.Errorf("list active cycles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*CaeaCycle
	for rows.Next() {
		c, err := scanCycleRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetCycleActive marks the cycle active with the given CAEA code (spec.md
// §4.3.4 step 3's "update_cycle_from_afip" success path).
func (s *Store) SetCycleActive(ctx context.Context, id int64, caeaCode string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE caea_cycle SET caea_code = ?, status = ?, last_error = NULL, updated_at = ?
		WHERE id = ?
	`, caeaCode, CycleActive, nowISO(), id)
	if err != nil {
		return fmt.Errorf("set cycle active: %w", err)
	}
	return nil
}

// SetCycleRequestedWithError keeps the cycle in `requested` while recording
// a last_error — used for deferred retries and the missing-CAEA-code case.
func (s *Store) SetCycleRequestedWithError(ctx context.Context, id int64, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE caea_cycle SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, CycleRequested, lastError, nowISO(), id)
	if err != nil {
		return fmt.Errorf("set cycle requested: %w", err)
	}
	return nil
}

// SetCycleError marks the cycle permanently errored (non-deferrable failure).
func (s *Store) SetCycleError(ctx context.Context, id int64, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE caea_cycle SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, CycleError, lastError, nowISO(), id)
	if err != nil {
		return fmt.Errorf("set cycle error: %w", err)
	}
	return nil
}

// NormalizeCycles restores the invariant "status=active iff caea_code is
// non-empty" (spec.md §3), called once at bootstrap (spec.md §4.3.2).
// Any active row without a code is demoted to requested with a fixed
// last_error so the next solicit retry can repair it.
func (s *Store) NormalizeCycles(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE caea_cycle
		SET status = ?, last_error = ?, updated_at = ?
		WHERE status = ? AND (caea_code IS NULL OR caea_code = '')
	`, CycleRequested, "missing_caea_code", nowISO(), CycleActive)
	if err != nil {
		return 0, fmt.Errorf("normalize cycles: %w", err)
	}
	return res.RowsAffected()
}

func scanCycle(row *sql.Row) (*CaeaCycle, error) {
	var c CaeaCycle
	var caeaCode, lastError sql.NullString
	var status string
	var createdAt, updatedAt string

	err := row.Scan(&c.ID, &c.Cuit, &c.Periodo, &c.Orden, &caeaCode, &status, &lastError, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCycleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan cycle: %w", err)
	}
	c.CaeaCode = caeaCode.String
	c.Status = CycleStatus(status)
	c.LastError = lastError.String
	c.CreatedAt = parseISO(createdAt)
	c.UpdatedAt = parseISO(updatedAt)
	return &c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCycleRows(rows rowScanner) (*CaeaCycle, error) {
	var c CaeaCycle
	var caeaCode, lastError sql.NullString
	var status string
	var createdAt, updatedAt string

	if err := rows.Scan(&c.ID, &c.Cuit, &c.Periodo, &c.Orden, &caeaCode, &status, &lastError, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan cycle row: %w", err)
	}
	c.CaeaCode = caeaCode.String
	c.Status = CycleStatus(status)
	c.LastError = lastError.String
	c.CreatedAt = parseISO(createdAt)
	c.UpdatedAt = parseISO(updatedAt)
	return &c, nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseISO(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, v)
	return t
}
