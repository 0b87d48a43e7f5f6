package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnsureCycleIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, created, err := s.EnsureCycle(ctx, "30740253022", 202602, 1)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, CycleRequested, first.Status)

	second, created, err := s.EnsureCycle(ctx, "30740253022", 202602, 1)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestNormalizeCyclesDemotesActiveWithoutCode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cycle, _, err := s.EnsureCycle(ctx, "30740253022", 202602, 1)
	require.NoError(t, err)
	require.NoError(t, s.SetCycleActive(ctx, cycle.ID, "12345678901234"))

	// Simulate a corrupted row: active but code wiped.
	_, err = s.db.ExecContext(ctx, `UPDATE caea_cycle SET caea_code = NULL WHERE id = ?`, cycle.ID)
	require.NoError(t, err)

	affected, err := s.NormalizeCycles(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	fixed, err := s.GetCycleByID(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, CycleRequested, fixed.Status)
	assert.Equal(t, "missing_caea_code", fixed.LastError)
}

func TestReserveInvoiceNumberIsGapFreeAndUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cycle, _, err := s.EnsureCycle(ctx, "30740253022", 202602, 1)
	require.NoError(t, err)

	var last *CaeaInvoice
	for i := 0; i < 5; i++ {
		inv, err := s.ReserveInvoiceNumber(ctx, cycle.ID, "30740253022", 1, 11, `{}`)
		require.NoError(t, err)
		if last != nil {
			assert.Equal(t, last.CbteNro+1, inv.CbteNro)
		} else {
			assert.Equal(t, int64(1), inv.CbteNro)
		}
		last = inv
	}

	invoices, err := s.ListInvoicesByCycle(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Len(t, invoices, 5)

	seen := map[int64]bool{}
	for _, inv := range invoices {
		assert.False(t, seen[inv.CbteNro], "duplicate cbte_nro %d", inv.CbteNro)
		seen[inv.CbteNro] = true
	}
}

func TestReserveInvoiceNumberIsScopedPerPtoVtaAndTipo(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cycle, _, err := s.EnsureCycle(ctx, "30740253022", 202602, 1)
	require.NoError(t, err)

	a, err := s.ReserveInvoiceNumber(ctx, cycle.ID, "30740253022", 1, 11, `{}`)
	require.NoError(t, err)
	b, err := s.ReserveInvoiceNumber(ctx, cycle.ID, "30740253022", 2, 11, `{}`)
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.CbteNro)
	assert.Equal(t, int64(1), b.CbteNro, "different pto_vta starts its own sequence")
}

func TestEnqueueJobIsIdempotentUntilFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	key := "solicit:30740253022:202602:1"
	job, err := s.EnqueueJob(ctx, key, JobSolicitCAEA, `{"cuit":"30740253022"}`)
	require.NoError(t, err)
	assert.Equal(t, OutboxPending, job.Status)

	again, err := s.EnqueueJob(ctx, key, JobSolicitCAEA, `{"cuit":"30740253022"}`)
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 0, again.Attempts)

	require.NoError(t, s.MarkRetrying(ctx, job.ID, time.Now().Add(time.Minute), "timeout"))
	retried, err := s.GetJobByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, retried.Attempts)

	require.NoError(t, s.MarkFailed(ctx, job.ID, "permanent rejection"))
	replayed, err := s.EnqueueJob(ctx, key, JobSolicitCAEA, `{"cuit":"30740253022"}`)
	require.NoError(t, err)
	assert.Equal(t, OutboxPending, replayed.Status)
	assert.Equal(t, 0, replayed.Attempts)
}

func TestMarkRetryingFailsPermanentlyAtTenAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job, err := s.EnqueueJob(ctx, "inform:30740253022:1:11:1", JobInformCAEA, `{}`)
	require.NoError(t, err)

	for i := 0; i < 9; i++ {
		require.NoError(t, s.MarkRetrying(ctx, job.ID, time.Now(), "transient"))
	}
	midway, err := s.GetJobByKey(ctx, job.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, OutboxRetrying, midway.Status)
	assert.Equal(t, 9, midway.Attempts)

	require.NoError(t, s.MarkRetrying(ctx, job.ID, time.Now(), "transient"))
	final, err := s.GetJobByKey(ctx, job.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, OutboxFailed, final.Status)
	assert.Equal(t, 10, final.Attempts)
}

func TestFetchDueOrdersByIDAndRespectsNextRetryAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.EnqueueJob(ctx, "solicit:1:202602:1", JobSolicitCAEA, `{}`)
	require.NoError(t, err)
	second, err := s.EnqueueJob(ctx, "solicit:2:202602:1", JobSolicitCAEA, `{}`)
	require.NoError(t, err)

	require.NoError(t, s.MarkRetrying(ctx, second.ID, time.Now().Add(time.Hour), "not yet"))

	due, err := s.FetchDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, first.ID, due[0].ID)
}

func TestResetStaleProcessingRequeuesOldRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job, err := s.EnqueueJob(ctx, "solicit:1:202602:1", JobSolicitCAEA, `{}`)
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessing(ctx, job.ID))

	// Backdate updated_at to simulate a crash mid-processing.
	_, err = s.db.ExecContext(ctx, `UPDATE afip_outbox SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano), job.ID)
	require.NoError(t, err)

	affected, err := s.ResetStaleProcessing(ctx, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	recovered, err := s.GetJobByKey(ctx, job.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, OutboxRetrying, recovered.Status)
}
