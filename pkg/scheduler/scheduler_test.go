package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SigmaCloudServices/AFRelay/pkg/caea"
	"github.com/SigmaCloudServices/AFRelay/pkg/clock"
	"github.com/SigmaCloudServices/AFRelay/pkg/ticket"
)

// mutableClock is a clock.Clock whose instant can be advanced mid-test,
// unlike clock.Fixed.
type mutableClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *mutableClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

// fakeEngine records BootstrapCAEACyclesOnce/ProcessPendingOutboxJobs calls.
type fakeEngine struct {
	mu             sync.Mutex
	bootstrapCalls int
	outboxCalls    int
}

func (f *fakeEngine) BootstrapCAEACyclesOnce(ctx context.Context, cuits []string, outboxLimit int) (caea.BootstrapOnceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bootstrapCalls++
	return caea.BootstrapOnceResult{}, nil
}

func (f *fakeEngine) ProcessPendingOutboxJobs(ctx context.Context, limit int) (caea.ProcessResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outboxCalls++
	return caea.ProcessResult{}, nil
}

func (f *fakeEngine) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bootstrapCalls, f.outboxCalls
}

// fakeTicketManager records EnsureTicket calls per service.
type fakeTicketManager struct {
	mu    sync.Mutex
	calls map[ticket.Service]int
}

func newFakeTicketManager() *fakeTicketManager {
	return &fakeTicketManager{calls: make(map[ticket.Service]int)}
}

func (f *fakeTicketManager) EnsureTicket(ctx context.Context, service ticket.Service) (ticket.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[service]++
	return ticket.Credentials{}, nil
}

func (f *fakeTicketManager) count(service ticket.Service) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[service]
}

// fakeStaleSweeper records ResetStaleProcessing calls.
type fakeStaleSweeper struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeStaleSweeper) ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 0, nil
}

func (f *fakeStaleSweeper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeEngine, *fakeTicketManager, *fakeStaleSweeper, *mutableClock) {
	t.Helper()
	engine := &fakeEngine{}
	tm := newFakeTicketManager()
	sweeper := &fakeStaleSweeper{}
	c := &mutableClock{at: time.Date(2026, 2, 5, 10, 0, 0, 0, time.UTC)}

	s := New(engine, tm, sweeper, c, Config{
		Services:          []ticket.Service{ticket.WSFE, ticket.WSPCI},
		CUITs:             []string{"20111111111"},
		OutboxLimit:       30,
		StaleProcessing:   2 * time.Minute,
		WatchdogInterval:  5 * time.Minute,
		OutboxInterval:    time.Minute,
		BootstrapInterval: 6 * time.Hour,
	}, nil)
	return s, engine, tm, sweeper, c
}

func TestStartRunsStaleSweepBootstrapAndWatchdogOnceSynchronously(t *testing.T) {
	s, engine, tm, sweeper, _ := newTestScheduler(t)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	bootstraps, _ := engine.counts()
	assert.Equal(t, 1, bootstraps)
	assert.Equal(t, 1, sweeper.count())
	assert.Equal(t, 1, tm.count(ticket.WSFE))
	assert.Equal(t, 1, tm.count(ticket.WSPCI))
}

func TestRunDueJobsFiresOutboxOnItsOwnCadenceWithoutBootstrap(t *testing.T) {
	s, engine, _, _, c := newTestScheduler(t)

	start := c.Now()
	s.mu.Lock()
	s.nextWatchdog = start.Add(time.Hour)
	s.nextOutbox = start
	s.nextBootstrap = start.Add(time.Hour)
	s.mu.Unlock()

	s.runDueJobs(context.Background(), start)

	_, outboxCalls := engine.counts()
	assert.Equal(t, 1, outboxCalls)

	bootstraps, _ := engine.counts()
	assert.Equal(t, 0, bootstraps)
}

func TestRunDueJobsRunsBootstrapInsteadOfSeparateOutboxDrainWhenBothDue(t *testing.T) {
	// Bootstrap's own pass already drains the outbox (spec.md §4.3.2), so a
	// tick where both are due must not additionally call
	// ProcessPendingOutboxJobs a second time.
	s, engine, _, sweeper, c := newTestScheduler(t)

	now := c.Now()
	s.mu.Lock()
	s.nextWatchdog = now.Add(time.Hour)
	s.nextOutbox = now
	s.nextBootstrap = now
	s.mu.Unlock()

	s.runDueJobs(context.Background(), now)

	bootstraps, outboxCalls := engine.counts()
	assert.Equal(t, 1, bootstraps)
	assert.Equal(t, 0, outboxCalls)
	assert.Equal(t, 1, sweeper.count())
}

func TestRunDueJobsAdvancesEachNextDueFromNowNotFromPreviousDueTime(t *testing.T) {
	s, _, _, _, c := newTestScheduler(t)
	now := c.Now()

	s.mu.Lock()
	s.nextOutbox = now
	s.mu.Unlock()

	s.runDueJobs(context.Background(), now)

	s.mu.Lock()
	next := s.nextOutbox
	s.mu.Unlock()
	assert.Equal(t, now.Add(time.Minute), next)
}

func TestRunDueJobsSkipsJobsNotYetDue(t *testing.T) {
	s, engine, tm, sweeper, c := newTestScheduler(t)
	now := c.Now()

	s.mu.Lock()
	s.nextWatchdog = now.Add(time.Minute)
	s.nextOutbox = now.Add(time.Minute)
	s.nextBootstrap = now.Add(time.Minute)
	s.mu.Unlock()

	s.runDueJobs(context.Background(), now)

	bootstraps, outboxCalls := engine.counts()
	assert.Zero(t, bootstraps)
	assert.Zero(t, outboxCalls)
	assert.Zero(t, sweeper.count())
	assert.Zero(t, tm.count(ticket.WSFE))
}

func TestStopEndsTheBackgroundLoop(t *testing.T) {
	engine := &fakeEngine{}
	tm := newFakeTicketManager()
	sweeper := &fakeStaleSweeper{}

	s := New(engine, tm, sweeper, clock.RealClock{}, Config{
		Services:          []ticket.Service{ticket.WSFE},
		CUITs:             []string{"20111111111"},
		OutboxLimit:       30,
		StaleProcessing:   2 * time.Minute,
		WatchdogInterval:  time.Hour,
		OutboxInterval:    10 * time.Millisecond,
		BootstrapInterval: time.Hour,
	}, nil)
	s.tickInterval = 10 * time.Millisecond

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(90 * time.Millisecond)
	s.Stop()

	_, before := engine.counts()
	assert.NotZero(t, before, "the outbox job should have fired at least once by now")

	time.Sleep(80 * time.Millisecond)
	_, after := engine.counts()
	assert.Equal(t, before, after, "no further ticks should run once stopped")
}
