package caea

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/SigmaCloudServices/AFRelay/pkg/soapgateway"
	"github.com/SigmaCloudServices/AFRelay/pkg/ticket"
)

// IvaAlicuota is one WSFE `Iva` line: a tax-rate id with its taxable base
// and computed amount. Explicit fields rather than a generic map, per the
// reference implementation's own typed-request shape — AFIP's alicuota
// vocabulary is small and fixed (0%, 10.5%, 21%, 27%, …).
type IvaAlicuota struct {
	Id      int     `json:"Id"`
	BaseImp float64 `json:"BaseImp"`
	Importe float64 `json:"Importe"`
}

// FeCabReq is the WSFE invoice-batch header: one point of sale and invoice
// type per FECAESolicitar call.
type FeCabReq struct {
	CantReg  int `json:"CantReg"`
	PtoVta   int `json:"PtoVta"`
	CbteTipo int `json:"CbteTipo"`
}

// FeDetReqItem is one invoice detail line of a FECAESolicitar request.
type FeDetReqItem struct {
	Concepto    int           `json:"Concepto"`
	DocTipo     int           `json:"DocTipo"`
	DocNro      int64         `json:"DocNro"`
	CbteDesde   int64         `json:"CbteDesde"`
	CbteHasta   int64         `json:"CbteHasta"`
	CbteFch     string        `json:"CbteFch"` // yyyymmdd
	ImpTotal    float64       `json:"ImpTotal"`
	ImpTotConc  float64       `json:"ImpTotConc"`
	ImpNeto     float64       `json:"ImpNeto"`
	ImpOpEx     float64       `json:"ImpOpEx"`
	ImpIVA      float64       `json:"ImpIVA"`
	ImpTrib     float64       `json:"ImpTrib"`
	MonId       string        `json:"MonId"`
	MonCotiz    float64       `json:"MonCotiz"`
	Iva         []IvaAlicuota `json:"Iva"`
}

// SolicitarInvoiceRequest is the JSON body of POST /wsfe/invoices
// (FECAESolicitar): Cuit, FeCabReq and FeDetReq all sit at the top level.
// There is no `Auth` or `FeCAEReq` wrapper object; a body that nests them
// that way is rejected as carrying unknown fields.
type SolicitarInvoiceRequest struct {
	Cuit     string         `json:"Cuit"`
	FeCabReq FeCabReq       `json:"FeCabReq"`
	FeDetReq []FeDetReqItem `json:"FeDetReq"`
}

// SolicitarInvoiceResult is the parsed FECAESolicitar response this
// codebase surfaces back to the caller.
type SolicitarInvoiceResult struct {
	Resultado string
	Detalles  []InvoiceDetailResult
	Errors    []AFIPError
}

// InvoiceDetailResult is one FeDetResp line: the CAE (or rejection) AFIP
// assigned to one submitted invoice line.
type InvoiceDetailResult struct {
	CbteDesde int64
	CbteHasta int64
	CAE       string
	CAEFchVto string
	Resultado string
	Observaciones []AFIPError
}

// Solicitar calls FECAESolicitar for a normal (non-CAEA) invoice batch.
func (c *WSFEClient) Solicitar(ctx context.Context, req SolicitarInvoiceRequest) soapgateway.Envelope {
	return c.gateway.Execute(ctx, "wsfe", "FECAESolicitar", func(ctx context.Context) (any, error) {
		creds, err := c.tickets.EnsureTicket(ctx, ticket.WSFE)
		if err != nil {
			return nil, &soapgateway.NetworkError{Err: err}
		}
		envelope := buildSolicitarInvoiceEnvelope(req, creds.Token, creds.Sign)
		body, err := c.transport.PostWSFE(ctx, c.production, envelope, "http://ar.gov.afip.dif.FEV1/FECAESolicitar")
		if err != nil {
			return nil, err
		}
		return parseSolicitarInvoiceResponse(body)
	})
}

// UltimoAutorizadoResult is the parsed FECompUltimoAutorizado response.
type UltimoAutorizadoResult struct {
	CbteNro int64
	Errors  []AFIPError
}

// UltimoAutorizado calls FECompUltimoAutorizado to find the last
// AFIP-authorized invoice number for a point of sale/invoice type.
func (c *WSFEClient) UltimoAutorizado(ctx context.Context, cuit string, ptoVta, cbteTipo int) soapgateway.Envelope {
	return c.gateway.Execute(ctx, "wsfe", "FECompUltimoAutorizado", func(ctx context.Context) (any, error) {
		creds, err := c.tickets.EnsureTicket(ctx, ticket.WSFE)
		if err != nil {
			return nil, &soapgateway.NetworkError{Err: err}
		}
		envelope := fmt.Sprintf(authEnvelopeTemplate("FECompUltimoAutorizado", `
      <ar:PtoVta>%d</ar:PtoVta>
      <ar:CbteTipo>%d</ar:CbteTipo>`), creds.Token, creds.Sign, cuit, ptoVta, cbteTipo)
		body, err := c.transport.PostWSFE(ctx, c.production, envelope, "http://ar.gov.afip.dif.FEV1/FECompUltimoAutorizado")
		if err != nil {
			return nil, err
		}
		var resp struct {
			XMLName xml.Name `xml:"Envelope"`
			Body    struct {
				Response struct {
					Result struct {
						CbteNro int64 `xml:"CbteNro"`
						Errors  struct {
							Err []AFIPError `xml:"Err"`
						} `xml:"Errors"`
					} `xml:"FECompUltimoAutorizadoResult"`
				} `xml:"FECompUltimoAutorizadoResponse"`
			} `xml:"Body"`
		}
		if err := xml.Unmarshal(body, &resp); err != nil {
			return nil, &soapgateway.InvalidResponseError{Err: err}
		}
		r := resp.Body.Response.Result
		return &UltimoAutorizadoResult{CbteNro: r.CbteNro, Errors: r.Errors.Err}, nil
	})
}

// CompConsultarResult is the parsed FECompConsultar response: just enough
// of FeDetResp's shape for a pass-through query, not the full invoice body.
type CompConsultarResult struct {
	CbteFch   string
	ImpTotal  float64
	CAE       string
	Resultado string
	Errors    []AFIPError
}

// CompConsultar calls FECompConsultar for one specific invoice.
func (c *WSFEClient) CompConsultar(ctx context.Context, cuit string, ptoVta, cbteTipo int, cbteNro int64) soapgateway.Envelope {
	return c.gateway.Execute(ctx, "wsfe", "FECompConsultar", func(ctx context.Context) (any, error) {
		creds, err := c.tickets.EnsureTicket(ctx, ticket.WSFE)
		if err != nil {
			return nil, &soapgateway.NetworkError{Err: err}
		}
		envelope := fmt.Sprintf(authEnvelopeTemplate("FECompConsultar", `
      <ar:PtoVta>%d</ar:PtoVta>
      <ar:CbteTipo>%d</ar:CbteTipo>
      <ar:CbteNro>%d</ar:CbteNro>`), creds.Token, creds.Sign, cuit, ptoVta, cbteTipo, cbteNro)
		body, err := c.transport.PostWSFE(ctx, c.production, envelope, "http://ar.gov.afip.dif.FEV1/FECompConsultar")
		if err != nil {
			return nil, err
		}
		var resp struct {
			XMLName xml.Name `xml:"Envelope"`
			Body    struct {
				Response struct {
					Result struct {
						CbteFch   string  `xml:"CbteFch"`
						ImpTotal  float64 `xml:"ImpTotal"`
						CodAutorizacion string `xml:"CodAutorizacion"`
						Resultado string  `xml:"Resultado"`
						Errors    struct {
							Err []AFIPError `xml:"Err"`
						} `xml:"Errors"`
					} `xml:"ResultGet"`
				} `xml:"FECompConsultarResponse"`
			} `xml:"Body"`
		}
		if err := xml.Unmarshal(body, &resp); err != nil {
			return nil, &soapgateway.InvalidResponseError{Err: err}
		}
		r := resp.Body.Response.Result
		return &CompConsultarResult{
			CbteFch:   r.CbteFch,
			ImpTotal:  r.ImpTotal,
			CAE:       r.CodAutorizacion,
			Resultado: r.Resultado,
			Errors:    r.Errors.Err,
		}, nil
	})
}

// ConsultarCAEA calls FECAEAConsultar to re-read a previously solicited
// CAEA code and its validity window.
func (c *WSFEClient) ConsultarCAEA(ctx context.Context, cuit string, periodo, orden int) soapgateway.Envelope {
	return c.gateway.Execute(ctx, "wsfe", "FECAEAConsultar", func(ctx context.Context) (any, error) {
		creds, err := c.tickets.EnsureTicket(ctx, ticket.WSFE)
		if err != nil {
			return nil, &soapgateway.NetworkError{Err: err}
		}
		envelope := fmt.Sprintf(authEnvelopeTemplate("FECAEAConsultar", `
      <ar:Periodo>%d</ar:Periodo>
      <ar:Orden>%d</ar:Orden>`), creds.Token, creds.Sign, cuit, periodo, orden)
		body, err := c.transport.PostWSFE(ctx, c.production, envelope, "http://ar.gov.afip.dif.FEV1/FECAEAConsultar")
		if err != nil {
			return nil, err
		}
		return parseSolicitarCAEAResponse(body)
	})
}

// SinMovimientoResult is the parsed response of both FECAEASinMovimiento*
// operations, which share the same ResultGet/Errors shape.
type SinMovimientoResult struct {
	Resultado string
	Errors    []AFIPError
}

// SinMovimientoConsultar calls FECAEASinMovimientoConsultar to check
// whether a no-activity declaration already exists for a CAEA/point of sale.
func (c *WSFEClient) SinMovimientoConsultar(ctx context.Context, cuit, caeaCode string, ptoVta int) soapgateway.Envelope {
	return c.sinMovimiento(ctx, "FECAEASinMovimientoConsultar", cuit, caeaCode, ptoVta)
}

// SinMovimientoInformar calls FECAEASinMovimientoInformar to declare that a
// point of sale had no movement under a given CAEA.
func (c *WSFEClient) SinMovimientoInformar(ctx context.Context, cuit, caeaCode string, ptoVta int) soapgateway.Envelope {
	return c.sinMovimiento(ctx, "FECAEASinMovimientoInformar", cuit, caeaCode, ptoVta)
}

func (c *WSFEClient) sinMovimiento(ctx context.Context, op, cuit, caeaCode string, ptoVta int) soapgateway.Envelope {
	return c.gateway.Execute(ctx, "wsfe", op, func(ctx context.Context) (any, error) {
		creds, err := c.tickets.EnsureTicket(ctx, ticket.WSFE)
		if err != nil {
			return nil, &soapgateway.NetworkError{Err: err}
		}
		envelope := fmt.Sprintf(authEnvelopeTemplate(op, `
      <ar:PtoVta>%d</ar:PtoVta>
      <ar:CAEA>%s</ar:CAEA>`), creds.Token, creds.Sign, cuit, ptoVta, caeaCode)
		body, err := c.transport.PostWSFE(ctx, c.production, envelope, "http://ar.gov.afip.dif.FEV1/"+op)
		if err != nil {
			return nil, err
		}
		var resp struct {
			XMLName xml.Name `xml:"Envelope"`
			Body    struct {
				Response struct {
					Result struct {
						Resultado string `xml:"Resultado"`
						Errors    struct {
							Err []AFIPError `xml:"Err"`
						} `xml:"Errors"`
					} `xml:",any"`
				} `xml:",any"`
			} `xml:"Body"`
		}
		if err := xml.Unmarshal(body, &resp); err != nil {
			return nil, &soapgateway.InvalidResponseError{Err: err}
		}
		r := resp.Body.Response.Result
		return &SinMovimientoResult{Resultado: r.Resultado, Errors: r.Errors.Err}, nil
	})
}

// paramGetOperations maps the short "kind" the facade accepts to the real
// FEParamGet* SOAP operation name, covering the lookups
// `POST /wsfe/invoices/params` surfaces (spec.md's supplemented
// GetParameters endpoint): document types, invoice types, currency types,
// tax rates, concept types.
var paramGetOperations = map[string]string{
	"doc_types":      "FEParamGetTiposDoc",
	"invoice_types":   "FEParamGetTiposCbte",
	"currency_types":  "FEParamGetTiposMonedas",
	"tax_rates":       "FEParamGetTiposIva",
	"concept_types":   "FEParamGetTiposConcepto",
}

// ParamGetResult is the parsed FEParamGet* response: a flat id/description
// list, the shape every one of these lookups shares.
type ParamGetResult struct {
	Items  []ParamGetItem
	Errors []AFIPError
}

// ParamGetItem is one `{Id, Desc}` row of a FEParamGet* response.
type ParamGetItem struct {
	Id   string
	Desc string
}

// ParamGet calls one of the FEParamGet* parameter-lookup operations,
// identified by kind (see paramGetOperations). Read-only, no retry
// semantics beyond the gateway's own transport-error retries, no outbox
// involvement — this is pure reference data AFIP republishes periodically.
func (c *WSFEClient) ParamGet(ctx context.Context, cuit, kind string) soapgateway.Envelope {
	op, ok := paramGetOperations[kind]
	if !ok {
		return soapgateway.Envelope{
			Status: "error",
			Error: &soapgateway.ErrorInfo{
				ErrorType: soapgateway.ErrorTypeInvalid,
				Detail:    fmt.Sprintf("unknown parameter kind %q", kind),
				Method:    "FEParamGet",
			},
		}
	}

	return c.gateway.Execute(ctx, "wsfe", op, func(ctx context.Context) (any, error) {
		creds, err := c.tickets.EnsureTicket(ctx, ticket.WSFE)
		if err != nil {
			return nil, &soapgateway.NetworkError{Err: err}
		}
		envelope := fmt.Sprintf(authEnvelopeTemplate(op, ""), creds.Token, creds.Sign, cuit)
		body, err := c.transport.PostWSFE(ctx, c.production, envelope, "http://ar.gov.afip.dif.FEV1/"+op)
		if err != nil {
			return nil, err
		}
		var resp struct {
			XMLName xml.Name `xml:"Envelope"`
			Body    struct {
				Response struct {
					Result struct {
						ResultGet struct {
							Items []struct {
								Id   string `xml:"Id"`
								Desc string `xml:"Desc"`
							} `xml:",any"`
						} `xml:"ResultGet"`
						Errors struct {
							Err []AFIPError `xml:"Err"`
						} `xml:"Errors"`
					} `xml:",any"`
				} `xml:",any"`
			} `xml:"Body"`
		}
		if err := xml.Unmarshal(body, &resp); err != nil {
			return nil, &soapgateway.InvalidResponseError{Err: err}
		}
		r := resp.Body.Response.Result
		items := make([]ParamGetItem, 0, len(r.ResultGet.Items))
		for _, it := range r.ResultGet.Items {
			items = append(items, ParamGetItem{Id: it.Id, Desc: it.Desc})
		}
		return &ParamGetResult{Items: items, Errors: r.Errors.Err}, nil
	})
}

// authEnvelopeTemplate builds a FECAE-family SOAP envelope template with a
// %s/%s/%s (token, sign, cuit) auth header and an operation-specific body
// fragment, matching the request shape every FECAE* operation shares
// (Auth{Token,Sign,Cuit} followed by one operation-named parameter block).
func authEnvelopeTemplate(op, bodyFragment string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:ar="http://ar.gov.afip.dif.FEV1/">
  <soapenv:Header/>
  <soapenv:Body>
    <ar:`)
	b.WriteString(op)
	b.WriteString(`>
      <ar:Auth>
        <ar:Token>%s</ar:Token>
        <ar:Sign>%s</ar:Sign>
        <ar:Cuit>%s</ar:Cuit>
      </ar:Auth>`)
	b.WriteString(bodyFragment)
	b.WriteString(`
    </ar:`)
	b.WriteString(op)
	b.WriteString(`>
  </soapenv:Body>
</soapenv:Envelope>`)
	return b.String()
}

func buildSolicitarInvoiceEnvelope(req SolicitarInvoiceRequest, token, sign string) string {
	var dets strings.Builder
	for _, d := range req.FeDetReq {
		var ivas strings.Builder
		for _, iva := range d.Iva {
			ivas.WriteString(fmt.Sprintf(`
            <ar:AlicIva>
              <ar:Id>%d</ar:Id>
              <ar:BaseImp>%.2f</ar:BaseImp>
              <ar:Importe>%.2f</ar:Importe>
            </ar:AlicIva>`, iva.Id, iva.BaseImp, iva.Importe))
		}
		dets.WriteString(fmt.Sprintf(`
        <ar:FECAEDetRequest>
          <ar:Concepto>%d</ar:Concepto>
          <ar:DocTipo>%d</ar:DocTipo>
          <ar:DocNro>%d</ar:DocNro>
          <ar:CbteDesde>%d</ar:CbteDesde>
          <ar:CbteHasta>%d</ar:CbteHasta>
          <ar:CbteFch>%s</ar:CbteFch>
          <ar:ImpTotal>%.2f</ar:ImpTotal>
          <ar:ImpTotConc>%.2f</ar:ImpTotConc>
          <ar:ImpNeto>%.2f</ar:ImpNeto>
          <ar:ImpOpEx>%.2f</ar:ImpOpEx>
          <ar:ImpIVA>%.2f</ar:ImpIVA>
          <ar:ImpTrib>%.2f</ar:ImpTrib>
          <ar:MonId>%s</ar:MonId>
          <ar:MonCotiz>%.4f</ar:MonCotiz>
          <ar:Iva>%s
          </ar:Iva>
        </ar:FECAEDetRequest>`,
			d.Concepto, d.DocTipo, d.DocNro, d.CbteDesde, d.CbteHasta, d.CbteFch,
			d.ImpTotal, d.ImpTotConc, d.ImpNeto, d.ImpOpEx, d.ImpIVA, d.ImpTrib,
			d.MonId, d.MonCotiz, ivas.String()))
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:ar="http://ar.gov.afip.dif.FEV1/">
  <soapenv:Header/>
  <soapenv:Body>
    <ar:FECAESolicitar>
      <ar:Auth>
        <ar:Token>%s</ar:Token>
        <ar:Sign>%s</ar:Sign>
        <ar:Cuit>%s</ar:Cuit>
      </ar:Auth>
      <ar:FeCAEReq>
        <ar:FeCabReq>
          <ar:CantReg>%d</ar:CantReg>
          <ar:PtoVta>%d</ar:PtoVta>
          <ar:CbteTipo>%d</ar:CbteTipo>
        </ar:FeCabReq>
        <ar:FeDetReq>%s
        </ar:FeDetReq>
      </ar:FeCAEReq>
    </ar:FECAESolicitar>
  </soapenv:Body>
</soapenv:Envelope>`, token, sign, req.Cuit, req.FeCabReq.CantReg, req.FeCabReq.PtoVta, req.FeCabReq.CbteTipo, dets.String())
}

func parseSolicitarInvoiceResponse(body []byte) (*SolicitarInvoiceResult, error) {
	var resp struct {
		XMLName xml.Name `xml:"Envelope"`
		Body    struct {
			Response struct {
				Result struct {
					FeCabResp struct {
						Resultado string `xml:"Resultado"`
					} `xml:"FeCabResp"`
					FeDetResp struct {
						FECAEDetResponse []struct {
							CbteDesde int64  `xml:"CbteDesde"`
							CbteHasta int64  `xml:"CbteHasta"`
							CAE       string `xml:"CAE"`
							CAEFchVto string `xml:"CAEFchVto"`
							Resultado string `xml:"Resultado"`
							Observaciones struct {
								Obs []AFIPError `xml:"Obs"`
							} `xml:"Observaciones"`
						} `xml:"FECAEDetResponse"`
					} `xml:"FeDetResp"`
					Errors struct {
						Err []AFIPError `xml:"Err"`
					} `xml:"Errors"`
				} `xml:"FECAESolicitarResult"`
			} `xml:"FECAESolicitarResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, &soapgateway.InvalidResponseError{Err: err}
	}

	r := resp.Body.Response.Result
	details := make([]InvoiceDetailResult, 0, len(r.FeDetResp.FECAEDetResponse))
	for _, d := range r.FeDetResp.FECAEDetResponse {
		details = append(details, InvoiceDetailResult{
			CbteDesde:     d.CbteDesde,
			CbteHasta:     d.CbteHasta,
			CAE:           d.CAE,
			CAEFchVto:     d.CAEFchVto,
			Resultado:     d.Resultado,
			Observaciones: d.Observaciones.Obs,
		})
	}

	return &SolicitarInvoiceResult{
		Resultado: r.FeCabResp.Resultado,
		Detalles:  details,
		Errors:    r.Errors.Err,
	}, nil
}
