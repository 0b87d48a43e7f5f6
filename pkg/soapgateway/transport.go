package soapgateway

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Transport issues raw SOAP 1.1 HTTP POSTs and classifies the failure
// modes the Gateway's retry policy distinguishes between. It is the
// lowest layer; WSAA/WSFE/WSPCI-specific envelope builders (in pkg/ticket
// and pkg/caea) sit on top of it.
type Transport struct {
	client                *http.Client
	wsaaURL, wsaaURLHom   string
	wsfeURL, wsfeURLHom   string
	wspciURL, wspciURLHom string
}

// Endpoints configures the WSDL URLs for each AFIP service's production and
// homologation (testing) environments (spec.md §6).
type Endpoints struct {
	WSAAProd, WSAAHom   string
	WSFEProd, WSFEHom   string
	WSPCIProd, WSPCIHom string
}

// NewTransport builds a Transport with a bounded-timeout HTTP client, per
// the fixed-timeout client shape every SOAP reference example in this
// codebase's corpus uses.
func NewTransport(timeout time.Duration, endpoints Endpoints) *Transport {
	return &Transport{
		client:      &http.Client{Timeout: timeout},
		wsaaURL:     endpoints.WSAAProd,
		wsaaURLHom:  endpoints.WSAAHom,
		wsfeURL:     endpoints.WSFEProd,
		wsfeURLHom:  endpoints.WSFEHom,
		wspciURL:    endpoints.WSPCIProd,
		wspciURLHom: endpoints.WSPCIHom,
	}
}

func (t *Transport) wsaaEndpoint(production bool) string {
	if production {
		return t.wsaaURL
	}
	return t.wsaaURLHom
}

func (t *Transport) wsfeEndpoint(production bool) string {
	if production {
		return t.wsfeURL
	}
	return t.wsfeURLHom
}

func (t *Transport) wspciEndpoint(production bool) string {
	if production {
		return t.wspciURL
	}
	return t.wspciURLHom
}

// LoginCms POSTs the base64 CMS payload to WSAA's loginCms operation and
// returns the raw loginTicketResponse XML, satisfying
// pkg/ticket.LoginCmsCaller.
func (t *Transport) LoginCms(ctx context.Context, production bool, b64CMS string) (string, error) {
	envelope := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:wsaa="http://wsaa.view.sua.dvadac.desein.afip.gov">
  <soapenv:Header/>
  <soapenv:Body>
    <wsaa:loginCms>
      <wsaa:in0>%s</wsaa:in0>
    </wsaa:loginCms>
  </soapenv:Body>
</soapenv:Envelope>`, b64CMS)

	body, err := t.post(ctx, t.wsaaEndpoint(production), envelope, "loginCms")
	if err != nil {
		return "", err
	}

	var soapResp struct {
		XMLName xml.Name `xml:"Envelope"`
		Body    struct {
			LoginCmsResponse struct {
				LoginCmsReturn string `xml:"loginCmsReturn"`
			} `xml:"loginCmsResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(body, &soapResp); err != nil {
		return "", &InvalidResponseError{Err: err}
	}
	return soapResp.Body.LoginCmsResponse.LoginCmsReturn, nil
}

// PostWSFE sends a raw SOAP envelope to WSFE and returns the response body.
func (t *Transport) PostWSFE(ctx context.Context, production bool, envelope, soapAction string) ([]byte, error) {
	return t.post(ctx, t.wsfeEndpoint(production), envelope, soapAction)
}

// PostWSPCI sends a raw SOAP envelope to WSPCI and returns the response body.
func (t *Transport) PostWSPCI(ctx context.Context, production bool, envelope, soapAction string) ([]byte, error) {
	return t.post(ctx, t.wspciEndpoint(production), envelope, soapAction)
}

// post performs one SOAP HTTP attempt, classifying failures per spec.md
// §4.2's taxonomy so Gateway.Execute's retry policy can act on them.
func (t *Transport) post(ctx context.Context, url, envelope, soapAction string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(envelope)))
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", soapAction)

	resp, err := t.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return nil, &NetworkError{Err: err}
		}
		return nil, &NetworkError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		if fault, ok := parseSOAPFault(body); ok {
			return nil, fault
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode}
	}

	if fault, ok := parseSOAPFault(body); ok {
		return nil, fault
	}

	return body, nil
}

func parseSOAPFault(body []byte) (*SOAPFaultError, bool) {
	var fault struct {
		XMLName xml.Name `xml:"Envelope"`
		Body    struct {
			Fault struct {
				FaultCode   string `xml:"faultcode"`
				FaultString string `xml:"faultstring"`
			} `xml:"Fault"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(body, &fault); err != nil {
		return nil, false
	}
	if fault.Body.Fault.FaultString == "" && fault.Body.Fault.FaultCode == "" {
		return nil, false
	}
	return &SOAPFaultError{Code: fault.Body.Fault.FaultCode, Reason: fault.Body.Fault.FaultString}, true
}
