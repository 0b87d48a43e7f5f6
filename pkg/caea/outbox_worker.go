package caea

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/SigmaCloudServices/AFRelay/pkg/statestore"
)

type solicitPayload struct {
	Cuit    string `json:"cuit"`
	Periodo int    `json:"periodo"`
	Orden   int    `json:"orden"`
	CycleID int64  `json:"cycleId"`
}

type informPayload struct {
	Cuit        string `json:"cuit"`
	PtoVta      int    `json:"ptoVta"`
	CbteTipo    int    `json:"cbteTipo"`
	CbteNro     int64  `json:"cbteNro"`
	CAEACode    string `json:"caeaCode"`
	InvoiceID   int64  `json:"invoiceId"`
	PayloadJSON string `json:"payloadJson"`
}

// ProcessPendingOutboxJobs fetches up to limit due jobs and dispatches each
// by job_type (spec.md §4.3.4 process_pending_outbox_jobs).
func (e *Engine) ProcessPendingOutboxJobs(ctx context.Context, limit int) (ProcessResult, error) {
	var result ProcessResult

	jobs, err := e.store.FetchDue(ctx, limit)
	if err != nil {
		return result, fmt.Errorf("process pending outbox jobs: fetch: %w", err)
	}

	for _, job := range jobs {
		result.Processed++

		if err := e.store.MarkProcessing(ctx, job.ID); err != nil {
			return result, fmt.Errorf("process pending outbox jobs: mark processing: %w", err)
		}
		e.emit("outbox_job/started", "wsfe", "job started", map[string]any{"job_id": job.ID, "job_type": string(job.JobType)})

		outcome := e.dispatch(ctx, job)
		switch outcome {
		case outcomeDone:
			result.Done++
		case outcomeRetried:
			result.Retried++
		case outcomeFailed:
			result.Failed++
		}
	}

	return result, nil
}

type dispatchOutcome int

const (
	outcomeDone dispatchOutcome = iota
	outcomeRetried
	outcomeFailed
)

// dispatch executes one job's SOAP call and applies the resulting status
// transition to the job, its cycle, or its invoice, per spec.md §4.3.4
// steps 3-4. It never returns an error: every failure path is absorbed
// into an outbox status transition, matching the worker's "one job's
// failure must never abort the batch" contract.
func (e *Engine) dispatch(ctx context.Context, job *statestore.OutboxJob) dispatchOutcome {
	switch job.JobType {
	case statestore.JobSolicitCAEA:
		return e.dispatchSolicit(ctx, job)
	case statestore.JobInformCAEA:
		return e.dispatchInform(ctx, job)
	default:
		e.logger.Error("unknown job type", "job_id", job.ID, "job_type", job.JobType)
		_ = e.store.MarkFailed(ctx, job.ID, "unknown job_type")
		return outcomeFailed
	}
}

func (e *Engine) dispatchSolicit(ctx context.Context, job *statestore.OutboxJob) dispatchOutcome {
	var p solicitPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		_ = e.store.MarkFailed(ctx, job.ID, "corrupt payload: "+err.Error())
		return outcomeFailed
	}

	envelope := e.wsfe.SolicitarCAEA(ctx, p.Cuit, p.Periodo, p.Orden)
	if envelope.Status != "success" {
		return e.retryWithBackoff(ctx, job, "transport_error", envelope.Error.Detail, solicitFailureTarget{cycleID: p.CycleID})
	}

	result, ok := envelope.Response.(*SolicitarCAEAResult)
	if !ok {
		return e.retryWithBackoff(ctx, job, "unexpected_response", "unexpected response shape", solicitFailureTarget{cycleID: p.CycleID})
	}

	if result.CAEA == "" {
		lastErr := joinErrors(result.Errors)
		if lastErr == "" {
			lastErr = "no CAEA code returned"
		}
		if retryAt, deferred := findDeferredRetry(result.Errors); deferred {
			return e.retryJob(ctx, job, "deferred_retry", lastErr, retryAt, solicitDeferredTarget{cycleID: p.CycleID})
		}
		// A non-deferrable business rejection (not 15006) still only bumps
		// the job's attempts/backoff, exactly like a transport failure — it
		// is the cycle, not the job, that is marked in error immediately
		// (spec.md §4.3.4 step 4; the original's every exception, including
		// this one, flows through mark_outbox_retry).
		return e.retryWithBackoff(ctx, job, "business_error", lastErr, solicitFailureTarget{cycleID: p.CycleID})
	}

	if err := e.store.SetCycleActive(ctx, p.CycleID, result.CAEA); err != nil {
		e.logger.Error("failed to activate cycle", "error", err)
	}
	responseJSON, _ := json.Marshal(result)
	if err := e.store.MarkDone(ctx, job.ID, string(responseJSON)); err != nil {
		e.logger.Error("failed to mark job done", "error", err)
	}
	return outcomeDone
}

func (e *Engine) dispatchInform(ctx context.Context, job *statestore.OutboxJob) dispatchOutcome {
	var p informPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		_ = e.store.MarkFailed(ctx, job.ID, "corrupt payload: "+err.Error())
		return outcomeFailed
	}

	envelope := e.wsfe.InformarMovimiento(ctx, p.Cuit, p.PtoVta, p.CbteTipo, p.CbteNro, p.CAEACode, p.PayloadJSON)
	if envelope.Status != "success" {
		return e.retryWithBackoff(ctx, job, "transport_error", envelope.Error.Detail, informFailureTarget{invoiceID: p.InvoiceID})
	}

	result, ok := envelope.Response.(*InformarMovimientoResult)
	if !ok || result.Result != "A" {
		lastErr := "inform rejected"
		errorType := "unexpected_response"
		if ok {
			lastErr = joinErrors(result.Errors)
			errorType = "business_error"
		}
		// Same reasoning as dispatchSolicit: a rejected inform bumps
		// attempts/backoff and marks the invoice in error; it does not
		// short-circuit the job straight to failed.
		return e.retryWithBackoff(ctx, job, errorType, lastErr, informFailureTarget{invoiceID: p.InvoiceID})
	}

	if err := e.store.MarkInvoiceInformed(ctx, p.InvoiceID); err != nil {
		e.logger.Error("failed to mark invoice informed", "error", err)
	}
	responseJSON, _ := json.Marshal(result)
	if err := e.store.MarkDone(ctx, job.ID, string(responseJSON)); err != nil {
		e.logger.Error("failed to mark job done", "error", err)
	}
	return outcomeDone
}

// failureTarget abstracts the cycle-vs-invoice status transition a retried
// job applies alongside its own attempts/backoff bookkeeping.
type failureTarget interface {
	applyError(ctx context.Context, e *Engine, lastErr string)
}

type solicitFailureTarget struct{ cycleID int64 }

func (t solicitFailureTarget) applyError(ctx context.Context, e *Engine, lastErr string) {
	if err := e.store.SetCycleError(ctx, t.cycleID, lastErr); err != nil {
		e.logger.Error("failed to set cycle error", "error", err)
	}
}

// solicitDeferredTarget is used for the AFIP 15006 deferred-retry window:
// the cycle goes back to requested (not error), carrying the reason, so a
// caller listing active cycles doesn't see a hard failure for what is only
// a scheduled wait.
type solicitDeferredTarget struct{ cycleID int64 }

func (t solicitDeferredTarget) applyError(ctx context.Context, e *Engine, lastErr string) {
	if err := e.store.SetCycleRequestedWithError(ctx, t.cycleID, lastErr); err != nil {
		e.logger.Error("failed to set cycle requested-with-error", "error", err)
	}
}

type informFailureTarget struct{ invoiceID int64 }

func (t informFailureTarget) applyError(ctx context.Context, e *Engine, lastErr string) {
	if err := e.store.MarkInvoiceError(ctx, t.invoiceID, lastErr); err != nil {
		e.logger.Error("failed to set invoice error", "error", err)
	}
}

// retryWithBackoff computes the next attempt's delay from the shared
// backoff table and hands off to retryJob — the path every transport
// failure and every non-deferrable business rejection takes.
func (e *Engine) retryWithBackoff(ctx context.Context, job *statestore.OutboxJob, errorType, lastErr string, target failureTarget) dispatchOutcome {
	retryAt := e.clock.Now().Add(computeBackoff(job.IdempotencyKey, job.Attempts+1))
	return e.retryJob(ctx, job, errorType, lastErr, retryAt, target)
}

// retryJob bumps the job's attempts and reschedules it at retryAt
// (MarkRetrying saturates to failed once attempts reaches 10, spec.md
// §4.3.4 step 4), applies the failure to the referenced cycle/invoice
// immediately regardless of attempts count, and reports the outcome with
// its error_type so the observability summary can group failures the same
// way the original's type(exc).__name__ does.
func (e *Engine) retryJob(ctx context.Context, job *statestore.OutboxJob, errorType, lastErr string, retryAt time.Time, target failureTarget) dispatchOutcome {
	nextAttempts := job.Attempts + 1

	if err := e.store.MarkRetrying(ctx, job.ID, retryAt, lastErr); err != nil {
		e.logger.Error("failed to mark retrying", "error", err)
	}
	target.applyError(ctx, e, lastErr)
	e.emit("outbox_job/error", "wsfe", lastErr, map[string]any{
		"job_id":     job.ID,
		"attempts":   nextAttempts,
		"error_type": errorType,
	})

	if nextAttempts >= 10 {
		return outcomeFailed
	}
	return outcomeRetried
}
