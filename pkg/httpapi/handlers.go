package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/SigmaCloudServices/AFRelay/pkg/caea"
	"github.com/SigmaCloudServices/AFRelay/pkg/soapgateway"
	"github.com/SigmaCloudServices/AFRelay/pkg/statestore"
	"github.com/SigmaCloudServices/AFRelay/pkg/ticket"
)

// handleRenewTicket forces a renewal of one AFIP service's WSAA ticket,
// backing POST /wsaa/token and POST /wspci/token.
func (s *Server) handleRenewTicket(service ticket.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creds, err := s.tickets.Renew(r.Context(), service)
		if err != nil {
			writeInternal(w, r, err)
			return
		}
		writeJSON(w, map[string]any{
			"token":           creds.Token,
			"sign":            creds.Sign,
			"generation_time": creds.GenerationTime,
			"expiration_time": creds.ExpirationTime,
		})
	}
}

func (s *Server) handleInvoicesSolicitar(w http.ResponseWriter, r *http.Request) {
	var req caea.SolicitarInvoiceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var verrs []ValidationError
	verrs = requireField(verrs, "Cuit", req.Cuit)
	if len(req.FeDetReq) == 0 {
		verrs = append(verrs, ValidationError{Field: "FeDetReq", Message: "must contain at least one detail line"})
	}
	for i, d := range req.FeDetReq {
		verrs = requireCbteFch(verrs, "FeDetReq["+strconv.Itoa(i)+"].CbteFch", d.CbteFch)
	}
	if len(verrs) > 0 {
		writeValidation(w, r, verrs)
		return
	}

	envelope := s.wsfe.Solicitar(r.Context(), req)
	s.logInvoiceAuthorizations(r.Context(), req, envelope)
	writeJSON(w, envelope)
}

// logInvoiceAuthorizations populates invoice_authorization_log from a
// completed FECAESolicitar pass-through, one row per FeDetResp line AFIP
// returned. Purely an audit side effect — it never changes the response
// already written to the caller, and a log-write failure only gets logged.
func (s *Server) logInvoiceAuthorizations(ctx context.Context, req caea.SolicitarInvoiceRequest, envelope soapgateway.Envelope) {
	result, ok := envelope.Response.(*caea.SolicitarInvoiceResult)
	if !ok {
		return
	}
	for _, d := range result.Detalles {
		if err := s.store.InsertInvoiceAuthorizationLog(ctx, req.Cuit, req.FeCabReq.PtoVta, req.FeCabReq.CbteTipo, d.CbteDesde, d.CAE, d.CAEFchVto, d.Resultado); err != nil {
			s.logger.Error("failed to write invoice authorization log", "error", err)
		}
	}
}

// handleInvoiceAuthorizationLog backs GET /wsfe/invoices/authorizations: a
// read-only view of the audit trail logInvoiceAuthorizations writes — no
// retry semantics, observability only.
func (s *Server) handleInvoiceAuthorizationLog(w http.ResponseWriter, r *http.Request) {
	cuit := r.URL.Query().Get("cuit")
	if cuit == "" {
		writeValidation(w, r, []ValidationError{{Field: "cuit", Message: "is required"}})
		return
	}
	limit := queryInt(r, "limit", 50)

	rows, err := s.store.ListInvoiceAuthorizationLog(r.Context(), cuit, limit)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, rows)
}

func (s *Server) handleInvoicesUltimoAutorizado(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cuit     string
		PtoVta   int
		CbteTipo int
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if verrs := requireField(nil, "Cuit", req.Cuit); len(verrs) > 0 {
		writeValidation(w, r, verrs)
		return
	}
	writeJSON(w, s.wsfe.UltimoAutorizado(r.Context(), req.Cuit, req.PtoVta, req.CbteTipo))
}

func (s *Server) handleInvoicesCompConsultar(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cuit     string
		PtoVta   int
		CbteTipo int
		CbteNro  int64
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if verrs := requireField(nil, "Cuit", req.Cuit); len(verrs) > 0 {
		writeValidation(w, r, verrs)
		return
	}
	writeJSON(w, s.wsfe.CompConsultar(r.Context(), req.Cuit, req.PtoVta, req.CbteTipo, req.CbteNro))
}

func (s *Server) handleInvoicesParamGet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cuit string
		Kind string
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	var verrs []ValidationError
	verrs = requireField(verrs, "Cuit", req.Cuit)
	verrs = requireField(verrs, "Kind", req.Kind)
	if len(verrs) > 0 {
		writeValidation(w, r, verrs)
		return
	}
	writeJSON(w, s.wsfe.ParamGet(r.Context(), req.Cuit, req.Kind))
}

func (s *Server) handleCAEASolicitar(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cuit    string
		Periodo int
		Orden   int
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if verrs := requireField(nil, "Cuit", req.Cuit); len(verrs) > 0 {
		writeValidation(w, r, verrs)
		return
	}
	writeJSON(w, s.wsfe.SolicitarCAEA(r.Context(), req.Cuit, req.Periodo, req.Orden))
}

func (s *Server) handleCAEAConsultar(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cuit    string
		Periodo int
		Orden   int
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if verrs := requireField(nil, "Cuit", req.Cuit); len(verrs) > 0 {
		writeValidation(w, r, verrs)
		return
	}
	writeJSON(w, s.wsfe.ConsultarCAEA(r.Context(), req.Cuit, req.Periodo, req.Orden))
}

func (s *Server) handleCAEAInformar(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cuit        string
		PtoVta      int
		CbteTipo    int
		CbteNro     int64
		CaeaCode    string
		PayloadJSON string
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	var verrs []ValidationError
	verrs = requireField(verrs, "Cuit", req.Cuit)
	verrs = requireField(verrs, "CaeaCode", req.CaeaCode)
	if len(verrs) > 0 {
		writeValidation(w, r, verrs)
		return
	}
	writeJSON(w, s.wsfe.InformarMovimiento(r.Context(), req.Cuit, req.PtoVta, req.CbteTipo, req.CbteNro, req.CaeaCode, req.PayloadJSON))
}

func (s *Server) handleCAEASinMovimientoConsultar(w http.ResponseWriter, r *http.Request) {
	s.handleSinMovimiento(w, r, s.wsfe.SinMovimientoConsultar)
}

func (s *Server) handleCAEASinMovimientoInformar(w http.ResponseWriter, r *http.Request) {
	s.handleSinMovimiento(w, r, s.wsfe.SinMovimientoInformar)
}

type sinMovimientoCaller func(ctx context.Context, cuit, caeaCode string, ptoVta int) soapgateway.Envelope

func (s *Server) handleSinMovimiento(w http.ResponseWriter, r *http.Request, call sinMovimientoCaller) {
	var req struct {
		Cuit     string
		CaeaCode string
		PtoVta   int
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	var verrs []ValidationError
	verrs = requireField(verrs, "Cuit", req.Cuit)
	verrs = requireField(verrs, "CaeaCode", req.CaeaCode)
	if len(verrs) > 0 {
		writeValidation(w, r, verrs)
		return
	}
	writeJSON(w, call(r.Context(), req.Cuit, req.CaeaCode, req.PtoVta))
}

// handleQueueSolicitar backs POST /wsfe/caea/queue/solicitar: the durable,
// explicit-period CAEA solicit request (distinct from the bootstrap
// calendar's own automatic period resolution).
func (s *Server) handleQueueSolicitar(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cuit    string
		Periodo int
		Orden   int
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if verrs := requireField(nil, "Cuit", req.Cuit); len(verrs) > 0 {
		writeValidation(w, r, verrs)
		return
	}

	cycle, err := s.engine.EnqueueSolicitCAEA(r.Context(), req.Cuit, req.Periodo, req.Orden)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, cycle)
}

// handleQueueIssueLocal backs POST /wsfe/caea/queue/issue-local.
func (s *Server) handleQueueIssueLocal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CycleID     int64
		Cuit        string
		PtoVta      int
		CbteTipo    int
		PayloadJSON string
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if verrs := requireField(nil, "Cuit", req.Cuit); len(verrs) > 0 {
		writeValidation(w, r, verrs)
		return
	}

	inv, err := s.engine.IssueLocalInvoice(r.Context(), req.CycleID, req.Cuit, req.PtoVta, req.CbteTipo, req.PayloadJSON)
	if err != nil {
		var notActive *caea.ErrCycleNotActive
		if errors.As(err, &notActive) {
			writeConflict(w, r, notActive.Error())
			return
		}
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, inv)
}

// handleQueueRetry backs POST /wsfe/caea/queue/retry?limit=N: one manual
// outbox drain pass, outside the scheduler's own cadence.
func (s *Server) handleQueueRetry(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 30)
	result, err := s.engine.ProcessPendingOutboxJobs(r.Context(), limit)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, result)
}

// handleQueueOutboxList backs GET /wsfe/caea/queue/outbox?status=&limit=.
func (s *Server) handleQueueOutboxList(w http.ResponseWriter, r *http.Request) {
	status := statestore.OutboxStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 50)

	jobs, err := s.store.ListOutboxJobs(r.Context(), status, limit)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, jobs)
}

// handleQueueActiveCycles backs GET /wsfe/caea/queue/active?cuit=.
func (s *Server) handleQueueActiveCycles(w http.ResponseWriter, r *http.Request) {
	cuit := r.URL.Query().Get("cuit")
	if cuit == "" {
		writeValidation(w, r, []ValidationError{{Field: "cuit", Message: "is required"}})
		return
	}

	cycles, err := s.store.ActiveCyclesForCuit(r.Context(), cuit)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, cycles)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
