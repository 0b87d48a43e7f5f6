// Package ticket implements the WSAA ticket lifecycle: building and
// CMS-signing loginTicketRequest envelopes, calling LoginCms, and caching
// the resulting loginTicketResponse on disk with an expiring-soon renewal
// margin, so every downstream WSFE/WSPCI call can cheaply ask for a valid
// (token, sign) pair.
package ticket

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SigmaCloudServices/AFRelay/pkg/clock"
)

// Service names the AFIP service a ticket authorizes calls against.
type Service string

const (
	WSFE  Service = "wsfe"
	WSPCI Service = "wspci"
)

// DefaultExpiringSoonThreshold is applied when callers don't override it
// per service (spec.md §4.1's documented default).
const DefaultExpiringSoonThreshold = 15 * time.Minute

// Credentials is the (token, sign) pair a signed WSAA ticket yields.
type Credentials struct {
	Token          string
	Sign           string
	GenerationTime time.Time
	ExpirationTime time.Time
}

// ExpiringSoon reports whether the credentials expire within threshold of
// now, per the clock passed in (spec.md's "mock clock N minutes before
// expirationTime" test vocabulary).
func (c Credentials) ExpiringSoon(now time.Time, threshold time.Duration) bool {
	return !now.Add(threshold).Before(c.ExpirationTime)
}

// Expired reports whether the credentials are already past expirationTime.
func (c Credentials) Expired(now time.Time) bool {
	return !now.Before(c.ExpirationTime)
}

// LoginCmsCaller is the narrow SOAP dependency the manager needs; in
// production it is backed by pkg/soapgateway, and by a stub in tests.
type LoginCmsCaller interface {
	LoginCms(ctx context.Context, production bool, b64CMS string) (string, error)
}

// Signer produces the signed envelope for a loginTicketRequest XML
// document, before base64 encoding (Renew base64-encodes it for LoginCms).
// See cms.go for the concrete PKCS#1-signing implementation this codebase
// ships.
type Signer interface {
	SignCMS(requestXML []byte) (string, error)
}

// EventEmitter is the minimal observability hook renew() reports through;
// satisfied by pkg/observability.Collector.
type EventEmitter interface {
	EmitDomainEvent(kind, service, message string, attrs map[string]any)
}

// Store persists and loads the signed ticket response for a service.
// See persist.go for the atomic write-then-rename file implementation.
type Store interface {
	Load(service Service) (Credentials, error)
	Save(service Service, creds Credentials, rawResponseXML []byte) error
}

// ServiceConfig carries the per-service knobs the manager needs: whether to
// hit the production or homologation WSDL, and the renewal margin.
type ServiceConfig struct {
	Production  bool
	RenewBefore time.Duration
	Source      string
	Destination string
}

// Manager is the Ticket Lifecycle Manager described in spec.md §4.1.
type Manager struct {
	clock    clock.Clock
	signer   Signer
	caller   LoginCmsCaller
	store    Store
	events   EventEmitter
	logger   *slog.Logger
	services map[Service]ServiceConfig

	mu    sync.Mutex
	cache map[Service]Credentials
}

// NewManager wires a Ticket Lifecycle Manager. services maps each Service
// this deployment cares about to its WSDL/renewal configuration.
func NewManager(c clock.Clock, signer Signer, caller LoginCmsCaller, store Store, events EventEmitter, logger *slog.Logger, services map[Service]ServiceConfig) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		clock:    c,
		signer:   signer,
		caller:   caller,
		store:    store,
		events:   events,
		logger:   logger,
		services: services,
		cache:    make(map[Service]Credentials),
	}
}

// EnsureTicket returns a non-expiring-soon (token, sign) pair for service,
// renewing it first if necessary (spec.md §4.1 ensure_ticket).
func (m *Manager) EnsureTicket(ctx context.Context, service Service) (Credentials, error) {
	cfg, ok := m.services[service]
	if !ok {
		return Credentials{}, fmt.Errorf("ticket: unconfigured service %q", service)
	}

	now := m.clock.Now()

	m.mu.Lock()
	cached, ok := m.cache[service]
	m.mu.Unlock()
	if ok && !cached.ExpiringSoon(now, cfg.RenewBefore) {
		return cached, nil
	}

	if creds, err := m.store.Load(service); err == nil && !creds.ExpiringSoon(now, cfg.RenewBefore) {
		m.mu.Lock()
		m.cache[service] = creds
		m.mu.Unlock()
		return creds, nil
	}

	return m.Renew(ctx, service)
}

// Renew runs the full LoginCms protocol for service: builds the request,
// CMS-signs it, calls WSAA, persists the response atomically, and returns
// the parsed credentials (spec.md §4.1 renew).
//
// Any failure here must never leave a cached or on-disk partial ticket —
// the manager returns the error and emits a domain event instead.
func (m *Manager) Renew(ctx context.Context, service Service) (Credentials, error) {
	cfg, ok := m.services[service]
	if !ok {
		return Credentials{}, fmt.Errorf("ticket: unconfigured service %q", service)
	}

	now := m.clock.Now().UTC()
	uniqueID := now.Unix()
	generation := now
	expiration := now.Add(10 * time.Minute)

	reqXML, err := buildLoginTicketRequest(loginTicketRequestParams{
		UniqueID:       uniqueID,
		GenerationTime: generation,
		ExpirationTime: expiration,
		Service:        string(service),
		Source:         cfg.Source,
		Destination:    cfg.Destination,
	})
	if err != nil {
		m.fail(service, "build_request", err)
		return Credentials{}, fmt.Errorf("ticket: build loginTicketRequest: %w", err)
	}

	cms, err := m.signer.SignCMS(reqXML)
	if err != nil {
		m.fail(service, "sign_cms", err)
		return Credentials{}, fmt.Errorf("ticket: sign CMS: %w", err)
	}
	b64 := base64.StdEncoding.EncodeToString([]byte(cms))

	raw, err := m.caller.LoginCms(ctx, cfg.Production, b64)
	if err != nil {
		m.fail(service, "login_cms", err)
		return Credentials{}, fmt.Errorf("ticket: LoginCms: %w", err)
	}

	resp, err := parseLoginTicketResponse([]byte(raw))
	if err != nil {
		m.fail(service, "parse_response", err)
		return Credentials{}, fmt.Errorf("ticket: parse loginTicketResponse: %w", err)
	}

	creds := Credentials{
		Token:          resp.Credentials.Token,
		Sign:           resp.Credentials.Sign,
		GenerationTime: generation,
		ExpirationTime: expiration,
	}
	if t, err := time.Parse(afipTimeLayout, resp.Header.GenerationTime); err == nil {
		creds.GenerationTime = t
	}
	if t, err := time.Parse(afipTimeLayout, resp.Header.ExpirationTime); err == nil {
		creds.ExpirationTime = t
	}

	if err := m.store.Save(service, creds, []byte(raw)); err != nil {
		m.fail(service, "persist", err)
		return Credentials{}, fmt.Errorf("ticket: persist loginTicketResponse: %w", err)
	}

	m.mu.Lock()
	m.cache[service] = creds
	m.mu.Unlock()

	m.logger.Info("ticket renewed", "service", service, "expires_at", creds.ExpirationTime)
	if m.events != nil {
		m.events.EmitDomainEvent("ticket_renewed", string(service), "ticket renewed", map[string]any{
			"expires_at": creds.ExpirationTime,
		})
	}

	return creds, nil
}

// IsExpired loads the on-disk ticket for service and reports whether it is
// already past expirationTime (spec.md §4.1 is_expired).
func (m *Manager) IsExpired(service Service) (bool, error) {
	creds, err := m.store.Load(service)
	if err != nil {
		return true, err
	}
	return creds.Expired(m.clock.Now()), nil
}

// IsExpiringSoon loads the on-disk ticket for service and reports whether
// it falls within threshold of expiring (spec.md §4.1 is_expiring_soon).
func (m *Manager) IsExpiringSoon(service Service, threshold time.Duration) (bool, error) {
	creds, err := m.store.Load(service)
	if err != nil {
		return true, err
	}
	return creds.ExpiringSoon(m.clock.Now(), threshold), nil
}

func (m *Manager) fail(service Service, stage string, err error) {
	m.logger.Error("ticket renewal failed", "service", service, "stage", stage, "error", err)
	if m.events != nil {
		m.events.EmitDomainEvent("ticket_renewal_failed", string(service), err.Error(), map[string]any{
			"stage": stage,
		})
	}
}
