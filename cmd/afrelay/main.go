// Command afrelay is AFRelay's composition root: it wires the state store,
// ticket lifecycle manager, SOAP gateway, CAEA resilience engine, background
// scheduler and HTTP facade together and serves traffic until signaled to
// stop (spec.md §6, grounded on core/cmd/helm/main.go's construct-then-serve
// wiring style).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SigmaCloudServices/AFRelay/pkg/caea"
	"github.com/SigmaCloudServices/AFRelay/pkg/clock"
	"github.com/SigmaCloudServices/AFRelay/pkg/config"
	"github.com/SigmaCloudServices/AFRelay/pkg/httpapi"
	"github.com/SigmaCloudServices/AFRelay/pkg/observability"
	"github.com/SigmaCloudServices/AFRelay/pkg/scheduler"
	"github.com/SigmaCloudServices/AFRelay/pkg/soapgateway"
	"github.com/SigmaCloudServices/AFRelay/pkg/statestore"
	"github.com/SigmaCloudServices/AFRelay/pkg/ticket"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "afrelay: logger setup: %v\n", err)
		return 1
	}
	defer closeLog()
	slog.SetDefault(logger)

	store, err := statestore.Open(cfg.StateDB)
	if err != nil {
		logger.Error("open state store", "error", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	obs := observability.New(cfg.ObsMaxLogs, cfg.ObsMaxEvents, logger)

	signer, err := newSigner(cfg)
	if err != nil {
		logger.Error("load WSAA certificate/key", "error", err)
		return 1
	}

	transport := soapgateway.NewTransport(cfg.TransportTimeout, soapgateway.Endpoints{
		WSAAProd:  cfg.Endpoints.WSAAProd,
		WSAAHom:   cfg.Endpoints.WSAAHom,
		WSFEProd:  cfg.Endpoints.WSFEProd,
		WSFEHom:   cfg.Endpoints.WSFEHom,
		WSPCIProd: cfg.Endpoints.WSPCIProd,
		WSPCIHom:  cfg.Endpoints.WSPCIHom,
	})
	gateway := soapgateway.New(obs, logger)

	ticketStore := ticket.NewFileStore(cfg.TicketsDir, map[ticket.Service]string{
		ticket.WSFE:  "loginTicketResponse.xml",
		ticket.WSPCI: "loginTicketResponse_wspci.xml",
	})

	realClock := clock.RealClock{}

	tickets := ticket.NewManager(realClock, signer, transport, ticketStore, obs, logger, map[ticket.Service]ticket.ServiceConfig{
		ticket.WSFE: {
			Production:  cfg.WSFEProduction,
			RenewBefore: cfg.WSFERenewBefore,
			Source:      cfg.WSAASource,
			Destination: cfg.WSAADestination,
		},
		ticket.WSPCI: {
			Production:  cfg.WSPCIProduction,
			RenewBefore: cfg.WSPCIRenewBefore,
			Source:      cfg.WSAASource,
			Destination: cfg.WSAADestination,
		},
	})

	wsfe := caea.NewWSFEClient(transport, gateway, tickets, cfg.WSFEProduction)
	engine := caea.NewEngine(store, wsfe, realClock, obs, logger)

	sched := scheduler.New(engine, tickets, store, realClock, scheduler.Config{
		Services:        []ticket.Service{ticket.WSFE, ticket.WSPCI},
		CUITs:           cfg.BootstrapCUITs,
		OutboxLimit:     30,
		StaleProcessing: cfg.StaleProcessing,
		WatchdogInterval: cfg.TokenWatchdogInterval,
	}, logger)

	limiter := httpapi.NewGlobalRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)

	server := httpapi.NewServer(engine, wsfe, tickets, store, obs, logger, httpapi.Config{
		JWTSecret:     cfg.JWTSecret,
		DocsUsername:  cfg.DocsUsername,
		DocsPassword:  cfg.DocsPassword,
		RatePerSecond: cfg.RateLimitPerSecond,
		RateBurst:     cfg.RateLimitBurst,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		logger.Error("scheduler startup", "error", err)
		return 1
	}
	defer sched.Stop()

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Handler(cfg.JWTSecret, limiter),
	}

	go func() {
		logger.Info("afrelay listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}

	return 0
}

// newSigner loads the taxpayer certificate and private key configured via
// WSAA_CERT_PATH/WSAA_KEY_PATH into a ticket.Signer.
func newSigner(cfg *config.Config) (*ticket.CertSigner, error) {
	certPEM, err := os.ReadFile(cfg.WSAACertPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", cfg.WSAACertPath, err)
	}
	keyPEM, err := os.ReadFile(cfg.WSAAKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", cfg.WSAAKeyPath, err)
	}
	return ticket.NewCertSigner(certPEM, keyPEM)
}
