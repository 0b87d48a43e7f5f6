package caea

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/SigmaCloudServices/AFRelay/pkg/clock"
	"github.com/SigmaCloudServices/AFRelay/pkg/statestore"
)

// ErrCycleNotActive is returned when an issue-local request references a
// cycle that doesn't exist, belongs to another CUIT, or isn't active with
// a code yet (spec.md §4.3.3's "409 CycleNotActive").
type ErrCycleNotActive struct {
	Reason string
}

func (e *ErrCycleNotActive) Error() string { return "cycle not active: " + e.Reason }

// EventEmitter is the observability hook the engine reports domain events
// through (outbox_job/started, outbox_job/error, …).
type EventEmitter interface {
	EmitDomainEvent(kind, service, message string, attrs map[string]any)
}

// Engine is the CAEA Resilience Engine described in spec.md §4.3.
type Engine struct {
	store  *statestore.Store
	wsfe   *WSFEClient
	clock  clock.Clock
	events EventEmitter
	logger *slog.Logger
}

// NewEngine wires an Engine.
func NewEngine(store *statestore.Store, wsfe *WSFEClient, c clock.Clock, events EventEmitter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, wsfe: wsfe, clock: c, events: events, logger: logger}
}

// BootstrapResult is the {ensured, queued} pair spec.md §4.3.2 returns.
type BootstrapResult struct {
	Ensured int
	Queued  int
}

// BootstrapCUITCycles ensures the two cycles resolve_current_and_next
// requires exist for cuit, enqueueing a SOLICIT_CAEA job for any that
// isn't already active with a code (spec.md §4.3.2 bootstrap_cuit_cycles).
func (e *Engine) BootstrapCUITCycles(ctx context.Context, cuit string) (BootstrapResult, error) {
	periods := clock.ResolveCurrentAndNext(e.clock.Now())

	var result BootstrapResult
	for _, p := range periods {
		cycle, _, err := e.store.EnsureCycle(ctx, cuit, p.Periodo, p.Orden)
		if err != nil {
			return result, fmt.Errorf("bootstrap cuit cycles: %w", err)
		}
		result.Ensured++

		if cycle.Status == statestore.CycleActive && cycle.CaeaCode != "" {
			continue
		}

		key := solicitIdempotencyKey(cuit, p.Periodo, p.Orden)
		payload, _ := json.Marshal(map[string]any{
			"cuit":    cuit,
			"periodo": p.Periodo,
			"orden":   p.Orden,
			"cycleId": cycle.ID,
		})
		if _, err := e.store.EnqueueJob(ctx, key, statestore.JobSolicitCAEA, string(payload)); err != nil {
			return result, fmt.Errorf("bootstrap cuit cycles: enqueue: %w", err)
		}
		result.Queued++
	}

	return result, nil
}

// BootstrapOnceResult reports what a full bootstrap pass did.
type BootstrapOnceResult struct {
	Normalized int64
	PerCUIT    map[string]BootstrapResult
	Outbox     ProcessResult
}

// BootstrapCAEACyclesOnce normalizes cycle statuses, bootstraps every
// configured CUIT, then drains the outbox (spec.md §4.3.2
// bootstrap_caea_cycles_once).
func (e *Engine) BootstrapCAEACyclesOnce(ctx context.Context, cuits []string, outboxLimit int) (BootstrapOnceResult, error) {
	var out BootstrapOnceResult
	out.PerCUIT = make(map[string]BootstrapResult, len(cuits))

	normalized, err := e.store.NormalizeCycles(ctx)
	if err != nil {
		return out, fmt.Errorf("bootstrap once: normalize: %w", err)
	}
	out.Normalized = normalized

	for _, cuit := range cuits {
		res, err := e.BootstrapCUITCycles(ctx, cuit)
		if err != nil {
			return out, err
		}
		out.PerCUIT[cuit] = res
	}

	procRes, err := e.ProcessPendingOutboxJobs(ctx, outboxLimit)
	if err != nil {
		return out, err
	}
	out.Outbox = procRes

	return out, nil
}

// EnqueueSolicitCAEA ensures a cycle exists for the given (cuit, periodo,
// orden) and enqueues its SOLICIT_CAEA job, independent of the bootstrap
// calendar — the durable-queue facade endpoint lets a caller request a
// specific period directly rather than waiting for the next bootstrap tick.
func (e *Engine) EnqueueSolicitCAEA(ctx context.Context, cuit string, periodo, orden int) (*statestore.CaeaCycle, error) {
	cycle, _, err := e.store.EnsureCycle(ctx, cuit, periodo, orden)
	if err != nil {
		return nil, fmt.Errorf("enqueue solicit caea: %w", err)
	}

	if cycle.Status == statestore.CycleActive && cycle.CaeaCode != "" {
		return cycle, nil
	}

	key := solicitIdempotencyKey(cuit, periodo, orden)
	payload, _ := json.Marshal(map[string]any{
		"cuit":    cuit,
		"periodo": periodo,
		"orden":   orden,
		"cycleId": cycle.ID,
	})
	if _, err := e.store.EnqueueJob(ctx, key, statestore.JobSolicitCAEA, string(payload)); err != nil {
		return nil, fmt.Errorf("enqueue solicit caea: enqueue: %w", err)
	}

	return cycle, nil
}

// IssueLocalInvoice reserves the next gap-free cbte_nro under cycleID and
// enqueues the matching INFORM_CAEA_MOVEMENT job with the reserved number
// and the cycle's code at reservation time patched in (spec.md §4.3.3).
func (e *Engine) IssueLocalInvoice(ctx context.Context, cycleID int64, cuit string, ptoVta, cbteTipo int, payloadJSON string) (*statestore.CaeaInvoice, error) {
	cycle, err := e.store.GetCycleByID(ctx, cycleID)
	if err != nil {
		return nil, &ErrCycleNotActive{Reason: "cycle does not exist"}
	}
	if cycle.Cuit != cuit {
		return nil, &ErrCycleNotActive{Reason: "cycle belongs to a different cuit"}
	}
	if cycle.Status != statestore.CycleActive || cycle.CaeaCode == "" {
		return nil, &ErrCycleNotActive{Reason: "cycle is not active with a caea code"}
	}

	inv, err := e.store.ReserveInvoiceNumber(ctx, cycleID, cuit, ptoVta, cbteTipo, payloadJSON)
	if err != nil {
		return nil, fmt.Errorf("issue local invoice: reserve: %w", err)
	}

	key := informIdempotencyKey(cuit, ptoVta, cbteTipo, inv.CbteNro)
	jobPayload, _ := json.Marshal(map[string]any{
		"cuit":        cuit,
		"ptoVta":      ptoVta,
		"cbteTipo":    cbteTipo,
		"cbteNro":     inv.CbteNro,
		"caeaCode":    cycle.CaeaCode,
		"invoiceId":   inv.ID,
		"payloadJson": payloadJSON,
	})
	if _, err := e.store.EnqueueJob(ctx, key, statestore.JobInformCAEA, string(jobPayload)); err != nil {
		return nil, fmt.Errorf("issue local invoice: enqueue: %w", err)
	}

	return inv, nil
}

// ProcessResult is the {processed, done, retried, failed} counters
// process_pending_outbox_jobs returns (spec.md §4.3.4 step 5).
type ProcessResult struct {
	Processed int
	Done      int
	Retried   int
	Failed    int
}

func solicitIdempotencyKey(cuit string, periodo, orden int) string {
	return fmt.Sprintf("solicit:%s:%d:%d", cuit, periodo, orden)
}

func informIdempotencyKey(cuit string, ptoVta, cbteTipo int, cbteNro int64) string {
	return fmt.Sprintf("inform:%s:%d:%d:%d", cuit, ptoVta, cbteTipo, cbteNro)
}

func (e *Engine) emit(kind, service, message string, attrs map[string]any) {
	if e.events == nil {
		return
	}
	e.events.EmitDomainEvent(kind, service, message, attrs)
}

func joinErrors(errs []AFIPError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, fmt.Sprintf("%d: %s", e.Code, e.Msg))
	}
	return strings.Join(parts, "; ")
}
