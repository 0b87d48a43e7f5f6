package soapgateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginCmsParsesSuccessResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<?xml version="1.0"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
  <soapenv:Body>
    <loginCmsResponse>
      <loginCmsReturn>&lt;loginTicketResponse&gt;ok&lt;/loginTicketResponse&gt;</loginCmsReturn>
    </loginCmsResponse>
  </soapenv:Body>
</soapenv:Envelope>`))
	}))
	defer srv.Close()

	tr := NewTransport(5*time.Second, Endpoints{WSAAHom: srv.URL})
	out, err := tr.LoginCms(context.Background(), false, "dummy-cms")
	require.NoError(t, err)
	assert.Contains(t, out, "loginTicketResponse")
}

func TestPostWSFEReturnsHTTPErrorOnServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	tr := NewTransport(5*time.Second, Endpoints{WSFEHom: srv.URL})
	_, err := tr.PostWSFE(context.Background(), false, "<envelope/>", "FECAESolicitar")
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
}

func TestPostWSFEReturnsSOAPFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<?xml version="1.0"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
  <soapenv:Body>
    <soapenv:Fault>
      <faultcode>soap:Server</faultcode>
      <faultstring>coe.bad.request</faultstring>
    </soapenv:Fault>
  </soapenv:Body>
</soapenv:Envelope>`))
	}))
	defer srv.Close()

	tr := NewTransport(5*time.Second, Endpoints{WSFEHom: srv.URL})
	_, err := tr.PostWSFE(context.Background(), false, "<envelope/>", "FECAESolicitar")
	require.Error(t, err)

	var faultErr *SOAPFaultError
	require.ErrorAs(t, err, &faultErr)
	assert.Equal(t, "coe.bad.request", faultErr.Reason)
}

func TestPostWSFENetworkErrorOnUnreachableHost(t *testing.T) {
	tr := NewTransport(500*time.Millisecond, Endpoints{WSFEHom: "http://127.0.0.1:1"})
	_, err := tr.PostWSFE(context.Background(), false, "<envelope/>", "FECAESolicitar")
	require.Error(t, err)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
}
