// Package caea implements the CAEA Resilience Engine: cycle bootstrap,
// invoice-number reservation, the outbox worker's backoff/deferred-retry
// logic, and the cycle/invoice status machines that keep AFIP's
// contingency-invoicing protocol honest (spec.md §4.3).
package caea

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/SigmaCloudServices/AFRelay/pkg/soapgateway"
	"github.com/SigmaCloudServices/AFRelay/pkg/ticket"
)

// AFIPError is one entry of WSFE's <Errors><Err> array.
type AFIPError struct {
	Code int    `xml:"Code"`
	Msg  string `xml:"Msg"`
}

// SolicitarCAEAResult is the parsed FECAEASolicitar response payload this
// codebase cares about.
type SolicitarCAEAResult struct {
	CAEA        string
	FchVigDesde string
	FchVigHasta string
	Errors      []AFIPError
}

// InformarMovimientoResult is the parsed FECAEARegInformativo response.
type InformarMovimientoResult struct {
	Result string // "A" approved, "R" rejected
	Errors []AFIPError
}

// WSFEClient executes the WSFE CAEA family of operations through the SOAP
// Gateway, authenticating each call with a fresh WSFE ticket.
type WSFEClient struct {
	transport  *soapgateway.Transport
	gateway    *soapgateway.Gateway
	tickets    *ticket.Manager
	production bool
}

// NewWSFEClient wires a WSFEClient.
func NewWSFEClient(transport *soapgateway.Transport, gateway *soapgateway.Gateway, tickets *ticket.Manager, production bool) *WSFEClient {
	return &WSFEClient{transport: transport, gateway: gateway, tickets: tickets, production: production}
}

// SolicitarCAEA calls FECAEASolicitar for the given cycle identity,
// returning the Gateway's uniform envelope. Callers inspect
// envelope.Response (a *SolicitarCAEAResult) or envelope.Error.
func (c *WSFEClient) SolicitarCAEA(ctx context.Context, cuit string, periodo, orden int) soapgateway.Envelope {
	return c.gateway.Execute(ctx, "wsfe", "FECAEASolicitar", func(ctx context.Context) (any, error) {
		creds, err := c.tickets.EnsureTicket(ctx, ticket.WSFE)
		if err != nil {
			return nil, &soapgateway.NetworkError{Err: err}
		}

		envelope := buildSolicitarCAEAEnvelope(cuit, creds.Token, creds.Sign, periodo, orden)
		body, err := c.transport.PostWSFE(ctx, c.production, envelope, "http://ar.gov.afip.dif.FEV1/FECAEASolicitar")
		if err != nil {
			return nil, err
		}

		return parseSolicitarCAEAResponse(body)
	})
}

// InformarMovimiento calls FECAEARegInformativo to report a locally issued
// contingency invoice's movement.
func (c *WSFEClient) InformarMovimiento(ctx context.Context, cuit string, ptoVta, cbteTipo int, cbteNro int64, caeaCode, payloadJSON string) soapgateway.Envelope {
	return c.gateway.Execute(ctx, "wsfe", "FECAEARegInformativo", func(ctx context.Context) (any, error) {
		creds, err := c.tickets.EnsureTicket(ctx, ticket.WSFE)
		if err != nil {
			return nil, &soapgateway.NetworkError{Err: err}
		}

		envelope := buildInformarMovimientoEnvelope(cuit, creds.Token, creds.Sign, ptoVta, cbteTipo, cbteNro, caeaCode, payloadJSON)
		body, err := c.transport.PostWSFE(ctx, c.production, envelope, "http://ar.gov.afip.dif.FEV1/FECAEARegInformativo")
		if err != nil {
			return nil, err
		}

		return parseInformarMovimientoResponse(body)
	})
}

func buildSolicitarCAEAEnvelope(cuit, token, sign string, periodo, orden int) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:ar="http://ar.gov.afip.dif.FEV1/">
  <soapenv:Header/>
  <soapenv:Body>
    <ar:FECAEASolicitar>
      <ar:Auth>
        <ar:Token>%s</ar:Token>
        <ar:Sign>%s</ar:Sign>
        <ar:Cuit>%s</ar:Cuit>
      </ar:Auth>
      <ar:CAEASolicitar>
        <ar:Periodo>%d</ar:Periodo>
        <ar:Orden>%d</ar:Orden>
      </ar:CAEASolicitar>
    </ar:FECAEASolicitar>
  </soapenv:Body>
</soapenv:Envelope>`, token, sign, cuit, periodo, orden)
}

func buildInformarMovimientoEnvelope(cuit, token, sign string, ptoVta, cbteTipo int, cbteNro int64, caeaCode, payloadJSON string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:ar="http://ar.gov.afip.dif.FEV1/">
  <soapenv:Header/>
  <soapenv:Body>
    <ar:FECAEARegInformativo>
      <ar:Auth>
        <ar:Token>%s</ar:Token>
        <ar:Sign>%s</ar:Sign>
        <ar:Cuit>%s</ar:Cuit>
      </ar:Auth>
      <ar:FeCAEARegInfReq>
        <ar:FeCabReq>
          <ar:CantReg>1</ar:CantReg>
          <ar:PtoVta>%d</ar:PtoVta>
          <ar:CbteTipo>%d</ar:CbteTipo>
        </ar:FeCabReq>
        <ar:FeDetReq>
          <ar:FECAEARegInfReq>
            <ar:CbteDesde>%d</ar:CbteDesde>
            <ar:CbteHasta>%d</ar:CbteHasta>
            <ar:CAEA>%s</ar:CAEA>
            <ar:Payload>%s</ar:Payload>
          </ar:FECAEARegInfReq>
        </ar:FeDetReq>
      </ar:FeCAEARegInfReq>
    </ar:FECAEARegInformativo>
  </soapenv:Body>
</soapenv:Envelope>`, token, sign, cuit, ptoVta, cbteTipo, cbteNro, cbteNro, caeaCode, payloadJSON)
}

func parseSolicitarCAEAResponse(body []byte) (*SolicitarCAEAResult, error) {
	var resp struct {
		XMLName xml.Name `xml:"Envelope"`
		Body    struct {
			Response struct {
				Result struct {
					ResultGet struct {
						CAEA        string `xml:"CAEA"`
						FchVigDesde string `xml:"FchVigDesde"`
						FchVigHasta string `xml:"FchVigHasta"`
					} `xml:"ResultGet"`
					Errors struct {
						Err []AFIPError `xml:"Err"`
					} `xml:"Errors"`
				} `xml:"FECAEASolicitarResult"`
			} `xml:"FECAEASolicitarResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, &soapgateway.InvalidResponseError{Err: err}
	}

	r := resp.Body.Response.Result
	return &SolicitarCAEAResult{
		CAEA:        r.ResultGet.CAEA,
		FchVigDesde: r.ResultGet.FchVigDesde,
		FchVigHasta: r.ResultGet.FchVigHasta,
		Errors:      r.Errors.Err,
	}, nil
}

func parseInformarMovimientoResponse(body []byte) (*InformarMovimientoResult, error) {
	var resp struct {
		XMLName xml.Name `xml:"Envelope"`
		Body    struct {
			Response struct {
				Result struct {
					FeCabResp struct {
						Resultado string `xml:"Resultado"`
					} `xml:"FeCabResp"`
					Errors struct {
						Err []AFIPError `xml:"Err"`
					} `xml:"Errors"`
				} `xml:"FECAEARegInformativoResult"`
			} `xml:"FECAEARegInformativoResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, &soapgateway.InvalidResponseError{Err: err}
	}

	r := resp.Body.Response.Result
	return &InformarMovimientoResult{
		Result: r.FeCabResp.Resultado,
		Errors: r.Errors.Err,
	}, nil
}
