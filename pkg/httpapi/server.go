package httpapi

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/SigmaCloudServices/AFRelay/pkg/caea"
	"github.com/SigmaCloudServices/AFRelay/pkg/observability"
	"github.com/SigmaCloudServices/AFRelay/pkg/statestore"
	"github.com/SigmaCloudServices/AFRelay/pkg/ticket"
)

// Server wires every facade dependency behind a single http.ServeMux — the
// teacher's own primary HTTP surface (core/cmd/helm/main.go) registers
// routes the same way rather than pulling in a third-party router, and
// AFRelay's endpoint table (spec.md §6) is small enough that a mux's exact
// literal-path matching is all it needs.
type Server struct {
	engine  *caea.Engine
	wsfe    *caea.WSFEClient
	tickets *ticket.Manager
	store   *statestore.Store
	obs     *observability.Collector
	logger  *slog.Logger

	docsUsername string
	docsPassword string

	mux *http.ServeMux
}

// Config carries the HTTP facade's knobs: the bearer-auth secret, the docs
// Basic-Auth pair, and the per-caller rate limit. NewServer reads only the
// docs pair; the secret and the rate limiter are handed to Handler.
type Config struct {
	JWTSecret       string
	DocsUsername    string
	DocsPassword    string
	RatePerSecond   float64
	RateBurst       int
}

// NewServer builds a Server with every route registered on its mux. The
// mux is not wrapped in any middleware here; Handler does that.
func NewServer(engine *caea.Engine, wsfe *caea.WSFEClient, tickets *ticket.Manager, store *statestore.Store, obs *observability.Collector, logger *slog.Logger, cfg Config) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:       engine,
		wsfe:         wsfe,
		tickets:      tickets,
		store:        store,
		obs:          obs,
		logger:       logger.With("component", "httpapi"),
		docsUsername: cfg.DocsUsername,
		docsPassword: cfg.DocsPassword,
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /wsaa/token", s.handleRenewTicket(ticket.WSFE))
	s.mux.HandleFunc("POST /wspci/token", s.handleRenewTicket(ticket.WSPCI))

	s.mux.HandleFunc("POST /wsfe/invoices", s.handleInvoicesSolicitar)
	s.mux.HandleFunc("POST /wsfe/invoices/last-authorized", s.handleInvoicesUltimoAutorizado)
	s.mux.HandleFunc("POST /wsfe/invoices/query", s.handleInvoicesCompConsultar)
	s.mux.HandleFunc("POST /wsfe/invoices/params", s.handleInvoicesParamGet)
	s.mux.HandleFunc("GET /wsfe/invoices/authorizations", s.handleInvoiceAuthorizationLog)

	s.mux.HandleFunc("POST /wsfe/caea/solicitar", s.handleCAEASolicitar)
	s.mux.HandleFunc("POST /wsfe/caea/consultar", s.handleCAEAConsultar)
	s.mux.HandleFunc("POST /wsfe/caea/informar", s.handleCAEAInformar)
	s.mux.HandleFunc("POST /wsfe/caea/sin-movimiento/consultar", s.handleCAEASinMovimientoConsultar)
	s.mux.HandleFunc("POST /wsfe/caea/sin-movimiento/informar", s.handleCAEASinMovimientoInformar)

	s.mux.HandleFunc("POST /wsfe/caea/queue/solicitar", s.handleQueueSolicitar)
	s.mux.HandleFunc("POST /wsfe/caea/queue/issue-local", s.handleQueueIssueLocal)
	s.mux.HandleFunc("POST /wsfe/caea/queue/retry", s.handleQueueRetry)
	s.mux.HandleFunc("GET /wsfe/caea/queue/outbox", s.handleQueueOutboxList)
	s.mux.HandleFunc("GET /wsfe/caea/queue/active", s.handleQueueActiveCycles)

	s.mux.HandleFunc("GET /health/liveness", s.handleLiveness)
	s.mux.HandleFunc("GET /health/readiness", s.handleReadiness)

	s.mux.HandleFunc("GET /docs", basicAuthMiddleware(s.docsUsername, s.docsPassword, s.handleDocs))
}

// Handler returns the fully middleware-wrapped handler: trace id first (so
// even an auth rejection gets a trace id), then request logging, then rate
// limiting, then bearer-token auth, then the routed mux.
func (s *Server) Handler(jwtSecret string, limiter *GlobalRateLimiter) http.Handler {
	var h http.Handler = s.mux
	h = NewAuthMiddleware(jwtSecret)(h)
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	h = s.requestLogMiddleware(h)
	h = traceIDMiddleware(h)
	return h
}

// requestLogMiddleware records every exchange into the observability
// collector's request log (spec.md §4.5), reading the response status off a
// small status-capturing ResponseWriter wrapper. The body is read up front
// and replaced with a fresh reader so extractCuit can sniff it without
// consuming what the handler itself needs to decode.
func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.obs == nil {
			next.ServeHTTP(w, r)
			return
		}
		var bodyJSON []byte
		if r.Body != nil {
			bodyJSON, _ = io.ReadAll(r.Body)
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(bodyJSON))
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.obs.RecordHTTPExchange(r.Method, r.URL.Path, sw.status, time.Since(start), bodyJSON, "")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleReadiness reports ready when the state store answers a ping within
// three seconds. It does not inspect ticket credentials.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := s.store.DB().PingContext(ctx); err != nil {
		writeProblem(w, r, http.StatusServiceUnavailable, "Service Unavailable", "state store unreachable", nil)
		return
	}

	writeJSON(w, map[string]string{"status": "ready"})
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(docsText))
}

const docsText = `AFRelay — AFIP WSAA/WSFE/WSPCI relay

  POST /wsaa/token                                force WSFE ticket renewal
  POST /wspci/token                                force WSPCI ticket renewal
  POST /wsfe/invoices                              FECAESolicitar pass-through
  POST /wsfe/invoices/last-authorized              FECompUltimoAutorizado pass-through
  POST /wsfe/invoices/query                        FECompConsultar pass-through
  POST /wsfe/invoices/params                       FEParamGet* pass-through (kind=doc_types|invoice_types|currency_types|tax_rates|concept_types)
  GET  /wsfe/invoices/authorizations?cuit=&limit=  audit log of FECAESolicitar authorizations
  POST /wsfe/caea/solicitar                        FECAEASolicitar pass-through
  POST /wsfe/caea/consultar                        FECAEAConsultar pass-through
  POST /wsfe/caea/informar                         FECAEARegInformativo pass-through
  POST /wsfe/caea/sin-movimiento/consultar         FECAEASinMovimientoConsultar pass-through
  POST /wsfe/caea/sin-movimiento/informar          FECAEASinMovimientoInformar pass-through
  POST /wsfe/caea/queue/solicitar                  durable CAEA solicit (cuit, periodo, orden)
  POST /wsfe/caea/queue/issue-local                durable local-invoice issue
  POST /wsfe/caea/queue/retry?limit=N              drain the outbox once
  GET  /wsfe/caea/queue/outbox?status=&limit=      list outbox jobs
  GET  /wsfe/caea/queue/active?cuit=               list a taxpayer's active cycles
  GET  /health/liveness                            unauthenticated liveness probe
  GET  /health/readiness                           state-store readiness probe

Every route except /health/liveness and /docs requires "Authorization: Bearer <token>".
`
