package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// OutboxStatus is the lifecycle status of an afip_outbox row (spec.md §3,
// §4.3.4).
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxDone       OutboxStatus = "done"
	OutboxRetrying   OutboxStatus = "retrying"
	OutboxFailed     OutboxStatus = "failed"
)

// JobType distinguishes the two outbox job shapes spec.md §4.3.1 defines.
type JobType string

const (
	JobSolicitCAEA JobType = "SOLICIT_CAEA"
	JobInformCAEA  JobType = "INFORM_CAEA_MOVEMENT"
)

// OutboxJob mirrors the afip_outbox entity (spec.md §3).
type OutboxJob struct {
	ID               int64
	IdempotencyKey   string
	JobType          JobType
	PayloadJSON      string
	Status           OutboxStatus
	Attempts         int
	NextRetryAt      time.Time
	LastError        string
	LastResponseJSON string
	UpdatedAt        time.Time
}

// ErrOutboxJobNotFound is returned when an outbox lookup misses.
var ErrOutboxJobNotFound = errors.New("outbox job not found")

// EnqueueJob idempotently inserts a pending job keyed by idempotencyKey
// (spec.md's "solicit:{cuit}:{periodo}:{orden}" / "inform:{cuit}:{pto_vta}:
// {cbte_tipo}:{cbte_nro}" keys). If a row already exists and is in a
// terminal failed state, it is reset to pending with attempts=0 so a fresh
// bootstrap or manual replay can retry it; a row in any other state
// (pending/processing/retrying/done) is left untouched, giving the
// "exactly-once enqueue" semantics spec.md §4.3.1 requires.
func (s *Store) EnqueueJob(ctx context.Context, idempotencyKey string, jobType JobType, payloadJSON string) (*OutboxJob, error) {
	now := nowISO()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO afip_outbox (idempotency_key, job_type, payload_json, status, attempts, next_retry_at, last_error, last_response_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, NULL, NULL, ?, ?)
		ON CONFLICT(idempotency_key) DO UPDATE SET
			status = excluded.status,
			attempts = 0,
			payload_json = excluded.payload_json,
			next_retry_at = excluded.next_retry_at,
			last_error = NULL,
			updated_at = excluded.updated_at
		WHERE afip_outbox.status = ?
	`, idempotencyKey, jobType, payloadJSON, OutboxPending, now, now, now, OutboxFailed)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	return s.GetJobByKey(ctx, idempotencyKey)
}

// GetJobByKey looks a job up by its idempotency key.
func (s *Store) GetJobByKey(ctx context.Context, idempotencyKey string) (*OutboxJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, idempotency_key, job_type, payload_json, status, attempts, next_retry_at, last_error, last_response_json, updated_at
		FROM afip_outbox WHERE idempotency_key = ?
	`, idempotencyKey)
	return scanOutboxJob(row)
}

// FetchDue returns up to limit jobs in pending or retrying status whose
// next_retry_at has elapsed, ordered by id so older jobs are always
// processed first (spec.md §4.3.4's outbox worker fetch order).
func (s *Store) FetchDue(ctx context.Context, limit int) ([]*OutboxJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, idempotency_key, job_type, payload_json, status, attempts, next_retry_at, last_error, last_response_json, updated_at
		FROM afip_outbox
		WHERE status IN (?, ?) AND next_retry_at <= ?
		ORDER BY id ASC
		LIMIT ?
	`, OutboxPending, OutboxRetrying, nowISO(), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch due jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*OutboxJob
	for rows.Next() {
		job, err := scanOutboxJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// MarkProcessing transitions a job to processing right before the worker
// dispatches it to the SOAP gateway.
func (s *Store) MarkProcessing(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE afip_outbox SET status = ?, updated_at = ? WHERE id = ?
	`, OutboxProcessing, nowISO(), id)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

// MarkDone records a successful AFIP acknowledgement.
func (s *Store) MarkDone(ctx context.Context, id int64, responseJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE afip_outbox SET status = ?, last_error = NULL, last_response_json = ?, updated_at = ?
		WHERE id = ?
	`, OutboxDone, responseJSON, nowISO(), id)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	return nil
}

// MarkRetrying schedules the job's next attempt at nextRetryAt, bumping
// attempts by one. If attempts (after increment) reaches the permanent
// failure threshold (10, spec.md §4.3.4), it is marked failed instead.
func (s *Store) MarkRetrying(ctx context.Context, id int64, nextRetryAt time.Time, lastError string) error {
	job, err := s.getJobByID(ctx, id)
	if err != nil {
		return err
	}

	attempts := job.Attempts + 1
	status := OutboxRetrying
	if attempts >= 10 {
		status = OutboxFailed
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE afip_outbox SET status = ?, attempts = ?, next_retry_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, status, attempts, nextRetryAt.UTC().Format(time.RFC3339Nano), lastError, nowISO(), id)
	if err != nil {
		return fmt.Errorf("mark retrying: %w", err)
	}
	return nil
}

// MarkFailed permanently fails the job, independent of the attempts
// counter. The outbox worker calls it for jobs it cannot dispatch at all (an
// unknown job_type or a payload that does not decode); AFIP rejections go
// through MarkRetrying instead.
func (s *Store) MarkFailed(ctx context.Context, id int64, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE afip_outbox SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, OutboxFailed, lastError, nowISO(), id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ResetStaleProcessing requeues jobs stuck in processing for longer than
// olderThan back to retrying with an immediately-due next_retry_at,
// recording the recovery in last_error. This is the timeout-based reset
// policy chosen for the crash-recovery Open Question (see DESIGN.md): a
// row still processing after olderThan is assumed to belong to a crashed
// worker and is handed back to the outbox worker's normal fetch loop.
func (s *Store) ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	now := nowISO()

	res, err := s.db.ExecContext(ctx, `
		UPDATE afip_outbox
		SET status = ?, next_retry_at = ?, last_error = ?, updated_at = ?
		WHERE status = ? AND updated_at <= ?
	`, OutboxRetrying, now, "recovered_from_stale_processing", now, OutboxProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stale processing: %w", err)
	}
	return res.RowsAffected()
}

// ListOutboxJobs lists the most recent outbox rows, optionally filtered by
// status, for the read-only GET /wsfe/caea/queue/outbox facade endpoint. An
// empty status lists every job type/status.
func (s *Store) ListOutboxJobs(ctx context.Context, status OutboxStatus, limit int) ([]*OutboxJob, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, idempotency_key, job_type, payload_json, status, attempts, next_retry_at, last_error, last_response_json, updated_at
			FROM afip_outbox
			ORDER BY id DESC
			LIMIT ?
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, idempotency_key, job_type, payload_json, status, attempts, next_retry_at, last_error, last_response_json, updated_at
			FROM afip_outbox
			WHERE status = ?
			ORDER BY id DESC
			LIMIT ?
		`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list outbox jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*OutboxJob
	for rows.Next() {
		job, err := scanOutboxJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Store) getJobByID(ctx context.Context, id int64) (*OutboxJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, idempotency_key, job_type, payload_json, status, attempts, next_retry_at, last_error, last_response_json, updated_at
		FROM afip_outbox WHERE id = ?
	`, id)
	return scanOutboxJob(row)
}

func scanOutboxJob(row *sql.Row) (*OutboxJob, error) {
	var job OutboxJob
	var jobType, status string
	var lastError, lastResponse sql.NullString
	var nextRetryAt, updatedAt string

	err := row.Scan(&job.ID, &job.IdempotencyKey, &jobType, &job.PayloadJSON, &status, &job.Attempts, &nextRetryAt, &lastError, &lastResponse, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOutboxJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan outbox job: %w", err)
	}
	job.JobType = JobType(jobType)
	job.Status = OutboxStatus(status)
	job.LastError = lastError.String
	job.LastResponseJSON = lastResponse.String
	job.NextRetryAt = parseISO(nextRetryAt)
	job.UpdatedAt = parseISO(updatedAt)
	return &job, nil
}

func scanOutboxJobRows(rows rowScanner) (*OutboxJob, error) {
	var job OutboxJob
	var jobType, status string
	var lastError, lastResponse sql.NullString
	var nextRetryAt, updatedAt string

	if err := rows.Scan(&job.ID, &job.IdempotencyKey, &jobType, &job.PayloadJSON, &status, &job.Attempts, &nextRetryAt, &lastError, &lastResponse, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan outbox job row: %w", err)
	}
	job.JobType = JobType(jobType)
	job.Status = OutboxStatus(status)
	job.LastError = lastError.String
	job.LastResponseJSON = lastResponse.String
	job.NextRetryAt = parseISO(nextRetryAt)
	job.UpdatedAt = parseISO(updatedAt)
	return &job, nil
}
