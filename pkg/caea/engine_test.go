package caea

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SigmaCloudServices/AFRelay/pkg/clock"
	"github.com/SigmaCloudServices/AFRelay/pkg/soapgateway"
	"github.com/SigmaCloudServices/AFRelay/pkg/statestore"
	"github.com/SigmaCloudServices/AFRelay/pkg/ticket"
)

// cannedTicketStore satisfies ticket.Store with a credential that never
// expires, so tests never need to exercise CMS signing.
type cannedTicketStore struct {
	creds ticket.Credentials
}

func (s cannedTicketStore) Load(ticket.Service) (ticket.Credentials, error) { return s.creds, nil }
func (s cannedTicketStore) Save(ticket.Service, ticket.Credentials, []byte) error {
	return nil
}

func newTestTicketManager() *ticket.Manager {
	farFuture := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	store := cannedTicketStore{creds: ticket.Credentials{
		Token: "tok", Sign: "sig", ExpirationTime: farFuture,
	}}
	return ticket.NewManager(clock.Fixed{At: time.Now()}, nil, nil, store, nil, nil, map[ticket.Service]ticket.ServiceConfig{
		ticket.WSFE: {Production: false, RenewBefore: 15 * time.Minute},
	})
}

// testWSFEClient wires a WSFEClient against an httptest server that plays
// back handler for every WSFE POST.
func testWSFEClient(t *testing.T, handler http.HandlerFunc) (*WSFEClient, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	transport := soapgateway.NewTransport(time.Second, soapgateway.Endpoints{WSFEHom: srv.URL})
	gw := soapgateway.New(nil, nil)
	return NewWSFEClient(transport, gw, newTestTicketManager(), false), srv.Close
}

func openTestEngine(t *testing.T, wsfe *WSFEClient, c clock.Clock) (*Engine, *statestore.Store) {
	t.Helper()
	store, err := statestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewEngine(store, wsfe, c, nil, nil), store
}

const solicitarSuccessXML = `<?xml version="1.0"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
  <soapenv:Body>
    <FECAEASolicitarResponse>
      <FECAEASolicitarResult>
        <ResultGet>
          <CAEA>12345678901234</CAEA>
          <FchVigDesde>20260801</FchVigDesde>
          <FchVigHasta>20260815</FchVigHasta>
        </ResultGet>
        <Errors></Errors>
      </FECAEASolicitarResult>
    </FECAEASolicitarResponse>
  </soapenv:Body>
</soapenv:Envelope>`

func solicitarDeferredXML(del string) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
  <soapenv:Body>
    <FECAEASolicitarResponse>
      <FECAEASolicitarResult>
        <ResultGet></ResultGet>
        <Errors>
          <Err><Code>15006</Code><Msg>Solicitud de CAEA no disponible. Del %s</Msg></Err>
        </Errors>
      </FECAEASolicitarResult>
    </FECAEASolicitarResponse>
  </soapenv:Body>
</soapenv:Envelope>`, del)
}

const informarSuccessXML = `<?xml version="1.0"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
  <soapenv:Body>
    <FECAEARegInformativoResponse>
      <FECAEARegInformativoResult>
        <FeCabResp><Resultado>A</Resultado></FeCabResp>
        <Errors></Errors>
      </FECAEARegInformativoResult>
    </FECAEARegInformativoResponse>
  </soapenv:Body>
</soapenv:Envelope>`

func TestBootstrapCUITCyclesQueuesSolicitJobsForBothPeriods(t *testing.T) {
	wsfe, closeSrv := testWSFEClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(solicitarSuccessXML))
	})
	defer closeSrv()

	fixedNow := time.Date(2026, 2, 5, 10, 0, 0, 0, clock.ArgentinaLocation)
	engine, store := openTestEngine(t, wsfe, clock.Fixed{At: fixedNow})

	result, err := engine.BootstrapCUITCycles(context.Background(), "20111111111")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Ensured)
	assert.Equal(t, 2, result.Queued)

	cycles, err := store.ActiveCyclesForCuit(context.Background(), "20111111111")
	require.NoError(t, err)
	assert.Empty(t, cycles, "cycles stay requested until the outbox worker runs")
}

func TestBootstrapCUITCyclesSkipsAlreadyActiveCycle(t *testing.T) {
	wsfe, closeSrv := testWSFEClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not hit AFIP when both cycles are already active")
	})
	defer closeSrv()

	fixedNow := time.Date(2026, 2, 5, 10, 0, 0, 0, clock.ArgentinaLocation)
	engine, store := openTestEngine(t, wsfe, clock.Fixed{At: fixedNow})
	ctx := context.Background()

	periods := clock.ResolveCurrentAndNext(fixedNow)
	for _, p := range periods {
		cycle, _, err := store.EnsureCycle(ctx, "20111111111", p.Periodo, p.Orden)
		require.NoError(t, err)
		require.NoError(t, store.SetCycleActive(ctx, cycle.ID, "99999999999999"))
	}

	result, err := engine.BootstrapCUITCycles(ctx, "20111111111")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Ensured)
	assert.Equal(t, 0, result.Queued)
}

func TestProcessPendingOutboxJobsActivatesCycleOnSolicitSuccess(t *testing.T) {
	wsfe, closeSrv := testWSFEClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(solicitarSuccessXML))
	})
	defer closeSrv()

	fixedNow := time.Date(2026, 2, 5, 10, 0, 0, 0, clock.ArgentinaLocation)
	engine, store := openTestEngine(t, wsfe, clock.Fixed{At: fixedNow})
	ctx := context.Background()

	_, err := engine.BootstrapCUITCycles(ctx, "20111111111")
	require.NoError(t, err)

	procRes, err := engine.ProcessPendingOutboxJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, procRes.Processed)
	assert.Equal(t, 2, procRes.Done)
	assert.Zero(t, procRes.Retried)
	assert.Zero(t, procRes.Failed)

	cycles, err := store.ActiveCyclesForCuit(ctx, "20111111111")
	require.NoError(t, err)
	assert.Len(t, cycles, 2)
	for _, c := range cycles {
		assert.Equal(t, "12345678901234", c.CaeaCode)
	}
}

func TestProcessPendingOutboxJobsDefersRetryOn15006(t *testing.T) {
	wsfe, closeSrv := testWSFEClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(solicitarDeferredXML("11/02/2026 00:00")))
	})
	defer closeSrv()

	fixedNow := time.Date(2026, 2, 5, 10, 0, 0, 0, clock.ArgentinaLocation)
	engine, store := openTestEngine(t, wsfe, clock.Fixed{At: fixedNow})
	ctx := context.Background()

	cycle, _, err := store.EnsureCycle(ctx, "20111111111", 202602, 1)
	require.NoError(t, err)
	key := solicitIdempotencyKey("20111111111", 202602, 1)
	payload := fmt.Sprintf(`{"cuit":"20111111111","periodo":202602,"orden":1,"cycleId":%d}`, cycle.ID)
	_, err = store.EnqueueJob(ctx, key, statestore.JobSolicitCAEA, payload)
	require.NoError(t, err)

	procRes, err := engine.ProcessPendingOutboxJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, procRes.Retried)
	assert.Zero(t, procRes.Done)
	assert.Zero(t, procRes.Failed)

	job, err := store.GetJobByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, statestore.OutboxRetrying, job.Status)

	expectedRetry := time.Date(2026, 2, 11, 3, 5, 0, 0, time.UTC)
	assert.True(t, job.NextRetryAt.Equal(expectedRetry), "expected %s, got %s", expectedRetry, job.NextRetryAt)

	reloadedCycle, err := store.GetCycleByID(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, statestore.CycleRequested, reloadedCycle.Status)
	assert.NotEmpty(t, reloadedCycle.LastError)
}

func TestIssueLocalInvoiceRejectsInactiveCycle(t *testing.T) {
	wsfe, closeSrv := testWSFEClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not call AFIP")
	})
	defer closeSrv()

	engine, store := openTestEngine(t, wsfe, clock.Fixed{At: time.Now()})
	ctx := context.Background()

	cycle, _, err := store.EnsureCycle(ctx, "20111111111", 202602, 1)
	require.NoError(t, err)

	_, err = engine.IssueLocalInvoice(ctx, cycle.ID, "20111111111", 1, 11, `{"total":100}`)
	require.Error(t, err)
	var notActive *ErrCycleNotActive
	assert.ErrorAs(t, err, &notActive)
}

func TestIssueLocalInvoiceReservesGapFreeSequentialNumbers(t *testing.T) {
	wsfe, closeSrv := testWSFEClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(informarSuccessXML))
	})
	defer closeSrv()

	engine, store := openTestEngine(t, wsfe, clock.Fixed{At: time.Now()})
	ctx := context.Background()

	cycle, _, err := store.EnsureCycle(ctx, "20111111111", 202602, 1)
	require.NoError(t, err)
	require.NoError(t, store.SetCycleActive(ctx, cycle.ID, "12345678901234"))

	first, err := engine.IssueLocalInvoice(ctx, cycle.ID, "20111111111", 1, 11, `{"total":100}`)
	require.NoError(t, err)
	second, err := engine.IssueLocalInvoice(ctx, cycle.ID, "20111111111", 1, 11, `{"total":200}`)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.CbteNro)
	assert.Equal(t, int64(2), second.CbteNro)

	procRes, err := engine.ProcessPendingOutboxJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, procRes.Done)

	invoices, err := store.ListInvoicesByCycle(ctx, cycle.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	for _, inv := range invoices {
		assert.Equal(t, statestore.InvoiceInformed, inv.Status)
	}
}

func TestProcessPendingOutboxJobsSchedulesBackoffOnNetworkError(t *testing.T) {
	attempts := 0
	wsfe, closeSrv := testWSFEClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer closeSrv()

	fixedNow := time.Date(2026, 2, 5, 10, 0, 0, 0, time.UTC)
	engine, store := openTestEngine(t, wsfe, clock.Fixed{At: fixedNow})
	ctx := context.Background()

	cycle, _, err := store.EnsureCycle(ctx, "20111111111", 202602, 1)
	require.NoError(t, err)
	key := solicitIdempotencyKey("20111111111", 202602, 1)
	payload := fmt.Sprintf(`{"cuit":"20111111111","periodo":202602,"orden":1,"cycleId":%d}`, cycle.ID)
	_, err = store.EnqueueJob(ctx, key, statestore.JobSolicitCAEA, payload)
	require.NoError(t, err)

	procRes, err := engine.ProcessPendingOutboxJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, procRes.Retried)

	job, err := store.GetJobByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, statestore.OutboxRetrying, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.True(t, job.NextRetryAt.After(fixedNow))
	// gateway's own 3x/0.5s retry exhausts before the outbox worker ever sees this.
	assert.Equal(t, 3, attempts)
}

const solicitarRejectedXML = `<?xml version="1.0"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
  <soapenv:Body>
    <FECAEASolicitarResponse>
      <FECAEASolicitarResult>
        <ResultGet></ResultGet>
        <Errors>
          <Err><Code>10016</Code><Msg>CUIT no autorizado a emitir comprobantes</Msg></Err>
        </Errors>
      </FECAEASolicitarResult>
    </FECAEASolicitarResponse>
  </soapenv:Body>
</soapenv:Envelope>`

// TestProcessPendingOutboxJobsRetriesNonDeferrableBusinessRejection covers
// spec.md §4.3.4 step 4's "on exception: increment attempts; retrying unless
// attempts >= 10" for a non-15006 AFIP rejection: the job must still get its
// retry budget, even though the cycle it references is marked in error
// immediately.
func TestProcessPendingOutboxJobsRetriesNonDeferrableBusinessRejection(t *testing.T) {
	wsfe, closeSrv := testWSFEClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(solicitarRejectedXML))
	})
	defer closeSrv()

	fixedNow := time.Date(2026, 2, 5, 10, 0, 0, 0, time.UTC)
	engine, store := openTestEngine(t, wsfe, clock.Fixed{At: fixedNow})
	ctx := context.Background()

	cycle, _, err := store.EnsureCycle(ctx, "20111111111", 202602, 1)
	require.NoError(t, err)
	key := solicitIdempotencyKey("20111111111", 202602, 1)
	payload := fmt.Sprintf(`{"cuit":"20111111111","periodo":202602,"orden":1,"cycleId":%d}`, cycle.ID)
	_, err = store.EnqueueJob(ctx, key, statestore.JobSolicitCAEA, payload)
	require.NoError(t, err)

	procRes, err := engine.ProcessPendingOutboxJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, procRes.Retried, "a non-deferrable rejection must still be retried, not failed outright")
	assert.Zero(t, procRes.Failed)

	job, err := store.GetJobByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, statestore.OutboxRetrying, job.Status)
	assert.Equal(t, 1, job.Attempts)

	reloadedCycle, err := store.GetCycleByID(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, statestore.CycleError, reloadedCycle.Status, "the cycle, not the job, absorbs the permanent error immediately")
	assert.Contains(t, reloadedCycle.LastError, "10016")
}
