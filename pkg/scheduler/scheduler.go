// Package scheduler runs AFRelay's periodic background work: ticket
// watchdogs, the outbox drain, and CAEA cycle bootstrap, all on one
// cooperative loop rather than one goroutine per job (spec.md §4.4 /
// §5 — every job here runs with coalesce=true, max_instances=1 simply
// because nothing else is concurrently eligible to run it).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SigmaCloudServices/AFRelay/pkg/caea"
	"github.com/SigmaCloudServices/AFRelay/pkg/clock"
	"github.com/SigmaCloudServices/AFRelay/pkg/ticket"
)

// TicketManager is the narrow seam the watchdog job needs; satisfied by
// *ticket.Manager.
type TicketManager interface {
	EnsureTicket(ctx context.Context, service ticket.Service) (ticket.Credentials, error)
}

// Engine is the narrow seam the outbox and bootstrap jobs need; satisfied
// by *caea.Engine.
type Engine interface {
	BootstrapCAEACyclesOnce(ctx context.Context, cuits []string, outboxLimit int) (caea.BootstrapOnceResult, error)
	ProcessPendingOutboxJobs(ctx context.Context, limit int) (caea.ProcessResult, error)
}

// StaleSweeper is the narrow statestore seam the recovery sweep needs;
// satisfied by *statestore.Store.
type StaleSweeper interface {
	ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Config carries the intervals and targets every job needs. Zero-value
// durations are rejected by New in favor of spec.md's documented defaults,
// mirroring pkg/config's own default-filling style.
type Config struct {
	Services        []ticket.Service
	CUITs           []string
	OutboxLimit     int
	StaleProcessing time.Duration

	WatchdogInterval   time.Duration
	OutboxInterval     time.Duration
	BootstrapInterval  time.Duration
}

// Scheduler is the single-threaded cooperative loop described in spec.md
// §4.4: one ticker, three job kinds, all invoked sequentially so no two
// runs of the same job — or of different jobs — ever overlap.
type Scheduler struct {
	tickets Engine
	ticket  TicketManager
	store   StaleSweeper
	clock   clock.Clock
	cfg     Config
	logger  *slog.Logger

	tickInterval time.Duration

	mu            sync.Mutex
	nextWatchdog  time.Time
	nextOutbox    time.Time
	nextBootstrap time.Time

	stop chan struct{}
	done chan struct{}
}

// New wires a Scheduler. cfg's interval fields fall back to spec.md's
// defaults (5min watchdog, 1min outbox, 6h bootstrap) when zero, the same
// way pkg/config.Load fills in unset env vars.
func New(engine Engine, ticketMgr TicketManager, store StaleSweeper, c clock.Clock, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 5 * time.Minute
	}
	if cfg.OutboxInterval <= 0 {
		cfg.OutboxInterval = time.Minute
	}
	if cfg.BootstrapInterval <= 0 {
		cfg.BootstrapInterval = 6 * time.Hour
	}
	if cfg.OutboxLimit <= 0 {
		cfg.OutboxLimit = 30
	}
	if cfg.StaleProcessing <= 0 {
		cfg.StaleProcessing = 120 * time.Second
	}

	tick := cfg.OutboxInterval
	if cfg.WatchdogInterval < tick {
		tick = cfg.WatchdogInterval
	}

	return &Scheduler{
		tickets:      engine,
		ticket:       ticketMgr,
		store:        store,
		clock:        c,
		cfg:          cfg,
		logger:       logger.With("component", "scheduler"),
		tickInterval: tick,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start runs the startup recovery sweep and an initial bootstrap pass
// synchronously, schedules the next due time for every job kind, then
// launches the ticker loop in the background. It returns once the startup
// pass has completed, so callers know the system is caught up before
// serving traffic.
func (s *Scheduler) Start(ctx context.Context) error {
	now := s.clock.Now()

	if err := s.runStaleSweep(ctx); err != nil {
		s.logger.Error("startup stale sweep failed", "error", err)
	}
	if err := s.runBootstrap(ctx); err != nil {
		s.logger.Error("startup bootstrap failed", "error", err)
	}
	if err := s.runWatchdog(ctx); err != nil {
		s.logger.Error("startup ticket watchdog failed", "error", err)
	}

	s.mu.Lock()
	s.nextWatchdog = now.Add(s.cfg.WatchdogInterval)
	s.nextOutbox = now.Add(s.cfg.OutboxInterval)
	s.nextBootstrap = now.Add(s.cfg.BootstrapInterval)
	s.mu.Unlock()

	go s.loop(ctx)
	return nil
}

// Stop signals the ticker loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDueJobs(ctx, s.clock.Now())
		}
	}
}

// runDueJobs executes whichever jobs are due at now, sequentially, each
// job's next-due time advancing by its own interval from now rather than
// from its previous due time — a slow run never causes a backlog of
// immediately-repeating catch-up ticks.
func (s *Scheduler) runDueJobs(ctx context.Context, now time.Time) {
	s.mu.Lock()
	runWatchdog := !now.Before(s.nextWatchdog)
	runOutbox := !now.Before(s.nextOutbox)
	runBootstrap := !now.Before(s.nextBootstrap)
	if runWatchdog {
		s.nextWatchdog = now.Add(s.cfg.WatchdogInterval)
	}
	if runOutbox {
		s.nextOutbox = now.Add(s.cfg.OutboxInterval)
	}
	if runBootstrap {
		s.nextBootstrap = now.Add(s.cfg.BootstrapInterval)
	}
	s.mu.Unlock()

	if runWatchdog {
		if err := s.runWatchdog(ctx); err != nil {
			s.logger.Error("ticket watchdog failed", "error", err)
		}
	}
	if runBootstrap {
		if err := s.runStaleSweep(ctx); err != nil {
			s.logger.Error("bootstrap-cycle stale sweep failed", "error", err)
		}
		if err := s.runBootstrap(ctx); err != nil {
			s.logger.Error("cycle bootstrap failed", "error", err)
		}
	} else if runOutbox {
		if _, err := s.tickets.ProcessPendingOutboxJobs(ctx, s.cfg.OutboxLimit); err != nil {
			s.logger.Error("outbox drain failed", "error", err)
		}
	}
}

// runWatchdog asks the ticket manager to ensure a valid ticket for every
// configured service, which transparently renews anything expiring soon
// (spec.md §4.1 ensure_ticket).
func (s *Scheduler) runWatchdog(ctx context.Context) error {
	var firstErr error
	for _, svc := range s.cfg.Services {
		if _, err := s.ticket.EnsureTicket(ctx, svc); err != nil {
			s.logger.Error("ticket watchdog: ensure ticket failed", "service", svc, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("watchdog %s: %w", svc, err)
			}
		}
	}
	return firstErr
}

// runStaleSweep requeues outbox rows stuck in processing, the crash-
// recovery policy spec.md §9's resolved Open Question #1 describes.
func (s *Scheduler) runStaleSweep(ctx context.Context) error {
	n, err := s.store.ResetStaleProcessing(ctx, s.cfg.StaleProcessing)
	if err != nil {
		return fmt.Errorf("stale sweep: %w", err)
	}
	if n > 0 {
		s.logger.Warn("reset stale processing outbox jobs", "count", n)
	}
	return nil
}

// runBootstrap ensures every configured CUIT's two live cycles exist and
// drains whatever the bootstrap pass (or any prior tick) left pending in
// the outbox (spec.md §4.3.2 bootstrap_caea_cycles_once).
func (s *Scheduler) runBootstrap(ctx context.Context) error {
	res, err := s.tickets.BootstrapCAEACyclesOnce(ctx, s.cfg.CUITs, s.cfg.OutboxLimit)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	s.logger.Info("cycle bootstrap complete",
		"normalized", res.Normalized,
		"cuits", len(s.cfg.CUITs),
		"outbox_done", res.Outbox.Done,
		"outbox_retried", res.Outbox.Retried,
		"outbox_failed", res.Outbox.Failed,
	)
	return nil
}
