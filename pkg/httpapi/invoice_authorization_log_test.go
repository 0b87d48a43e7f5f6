package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SigmaCloudServices/AFRelay/pkg/caea"
	"github.com/SigmaCloudServices/AFRelay/pkg/clock"
	"github.com/SigmaCloudServices/AFRelay/pkg/observability"
	"github.com/SigmaCloudServices/AFRelay/pkg/soapgateway"
	"github.com/SigmaCloudServices/AFRelay/pkg/statestore"
	"github.com/SigmaCloudServices/AFRelay/pkg/ticket"
)

const fecaeSolicitarSuccessXML = `<?xml version="1.0"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
  <soapenv:Body>
    <FECAESolicitarResponse>
      <FECAESolicitarResult>
        <FeCabResp><Resultado>A</Resultado></FeCabResp>
        <FeDetResp>
          <FECAEDetResponse>
            <CbteDesde>100</CbteDesde>
            <CbteHasta>100</CbteHasta>
            <CAE>61123456789012</CAE>
            <CAEFchVto>20260210</CAEFchVto>
            <Resultado>A</Resultado>
          </FECAEDetResponse>
        </FeDetResp>
        <Errors></Errors>
      </FECAESolicitarResult>
    </FECAESolicitarResponse>
  </soapenv:Body>
</soapenv:Envelope>`

// newTestServerWithObservability mirrors newTestServer but wires a real
// observability.Collector instead of nil, so requestLogMiddleware's
// body-buffering path actually runs.
func newTestServerWithObservability(t *testing.T, wsfeHandler http.HandlerFunc) (*Server, *statestore.Store, func()) {
	t.Helper()

	srv := httptest.NewServer(wsfeHandler)
	transport := soapgateway.NewTransport(time.Second, soapgateway.Endpoints{WSFEHom: srv.URL})
	obs := observability.New(100, 100, nil)
	gateway := soapgateway.New(obs, nil)

	farFuture := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	tickets := ticket.NewManager(clock.Fixed{At: time.Now()}, nil, nil,
		cannedTicketStore{creds: ticket.Credentials{Token: "tok", Sign: "sig", ExpirationTime: farFuture}},
		obs, nil, map[ticket.Service]ticket.ServiceConfig{
			ticket.WSFE:  {Production: false, RenewBefore: 15 * time.Minute},
			ticket.WSPCI: {Production: false, RenewBefore: 15 * time.Minute},
		})

	wsfe := caea.NewWSFEClient(transport, gateway, tickets, false)

	store, err := statestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine := caea.NewEngine(store, wsfe, clock.Fixed{At: time.Now()}, obs, nil)

	s := NewServer(engine, wsfe, tickets, store, obs, nil, Config{
		JWTSecret:     testJWTSecret,
		RatePerSecond: 1000,
		RateBurst:     1000,
	})
	return s, store, srv.Close
}

// TestInvoicesSolicitarLogsAuthorizationAndSurvivesBodyBufferingMiddleware
// covers two things review comments (c) and (e) both flagged: the facade
// must populate invoice_authorization_log from a FECAESolicitar
// pass-through, and requestLogMiddleware's now-mandatory body read must not
// break the handler's own decode of that same body.
func TestInvoicesSolicitarLogsAuthorizationAndSurvivesBodyBufferingMiddleware(t *testing.T) {
	s, store, closeSrv := newTestServerWithObservability(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(fecaeSolicitarSuccessXML))
	})
	defer closeSrv()
	handler := s.Handler(testJWTSecret, nil)

	body := caea.SolicitarInvoiceRequest{
		Cuit:     "20111111111",
		FeCabReq: caea.FeCabReq{CantReg: 1, PtoVta: 3, CbteTipo: 11},
		FeDetReq: []caea.FeDetReqItem{{
			CbteFch:   "20260125",
			CbteDesde: 100,
			CbteHasta: 100,
		}},
	}
	rec := doRequest(t, handler, http.MethodPost, "/wsfe/invoices", body, validBearerToken(t))
	require.Equal(t, http.StatusOK, rec.Code, "handler must still decode the body after requestLogMiddleware buffers it")

	rows, err := store.ListInvoiceAuthorizationLog(context.Background(), "20111111111", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0].PtoVta)
	assert.Equal(t, 11, rows[0].CbteTipo)
	assert.Equal(t, int64(100), rows[0].CbteNro)
	assert.Equal(t, "61123456789012", rows[0].CAE)
	assert.Equal(t, "A", rows[0].Status)
}

// TestInvoiceAuthorizationLogEndpointRequiresCuit covers the facade's
// read-side audit query validating its one required parameter.
func TestInvoiceAuthorizationLogEndpointRequiresCuit(t *testing.T) {
	s, _, closeSrv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	defer closeSrv()
	handler := s.Handler(testJWTSecret, nil)

	rec := doRequest(t, handler, http.MethodGet, "/wsfe/invoices/authorizations", nil, validBearerToken(t))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
