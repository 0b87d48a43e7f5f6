// Package config loads AFRelay's runtime configuration from environment
// variables, following the same plain-os.Getenv-with-default style the rest
// of this codebase's ambient stack uses.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-driven knob listed in spec.md §6.
type Config struct {
	WSAAProduction  bool
	WSFEProduction  bool
	WSPCIProduction bool

	StateDB     string
	LogDir      string
	LogFile     string
	LogMaxBytes int64
	LogBackups  int

	TokenWatchdogInterval time.Duration
	WSFERenewBefore       time.Duration
	WSPCIRenewBefore      time.Duration

	BootstrapCUITs []string

	ObsMaxLogs   int
	ObsMaxEvents int

	JWTSecret       string
	DocsUsername    string
	DocsPassword    string
	HTTPAddr        string
	StaleProcessing time.Duration

	WSAACertPath string
	WSAAKeyPath  string
	WSAASource      string
	WSAADestination string
	TicketsDir      string

	TransportTimeout time.Duration
	Endpoints        Endpoints

	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Endpoints carries the WSDL URLs for each AFIP service's production and
// homologation environments, mirroring pkg/soapgateway.Endpoints so config
// stays the single place every deployment-specific value is read from.
type Endpoints struct {
	WSAAProd, WSAAHom   string
	WSFEProd, WSFEHom   string
	WSPCIProd, WSPCIHom string
}

// Load reads the process environment and applies spec.md's documented
// defaults for anything unset.
func Load() *Config {
	return &Config{
		WSAAProduction:  envBool("WSAA_PRODUCTION", false),
		WSFEProduction:  envBool("WSFE_PRODUCTION", false),
		WSPCIProduction: envBool("WSPCI_PRODUCTION", false),

		StateDB:     envString("AFRELAY_STATE_DB", "service/state/afrelay_state.db"),
		LogDir:      envString("AFRELAY_LOG_DIR", "service/logs"),
		LogFile:     envString("AFRELAY_LOG_FILE", "afrelay.log"),
		LogMaxBytes: envInt64("AFRELAY_LOG_MAX_BYTES", 10*1024*1024),
		LogBackups:  envInt("AFRELAY_LOG_BACKUP_COUNT", 5),

		TokenWatchdogInterval: time.Duration(envInt("AFIP_TOKEN_WATCHDOG_MINUTES", 5)) * time.Minute,
		WSFERenewBefore:       time.Duration(envInt("WSFE_TOKEN_RENEW_BEFORE_MINUTES", 15)) * time.Minute,
		WSPCIRenewBefore:      time.Duration(envInt("WSPCI_TOKEN_RENEW_BEFORE_MINUTES", 15)) * time.Minute,

		BootstrapCUITs: envCSV("CAEA_BOOTSTRAP_CUITS"),

		ObsMaxLogs:   envInt("OBS_MAX_LOGS", 5000),
		ObsMaxEvents: envInt("OBS_MAX_EVENTS", 2000),

		JWTSecret:    envString("JWT_SECRET_KEY", ""),
		DocsUsername: envString("DOCS_USERNAME", ""),
		DocsPassword: envString("DOCS_PASSWORD", ""),
		HTTPAddr:     envString("AFRELAY_HTTP_ADDR", ":8080"),

		StaleProcessing: time.Duration(envInt("AFRELAY_STALE_PROCESSING_SECONDS", 120)) * time.Second,

		WSAACertPath:    envString("WSAA_CERT_PATH", "service/crypto/cert.pem"),
		WSAAKeyPath:     envString("WSAA_KEY_PATH", "service/crypto/private_key.pem"),
		WSAASource:      envString("WSAA_SOURCE", ""),
		WSAADestination: envString("WSAA_DESTINATION", "CN=wsaahomo,O=AFIP,C=AR,SERIALNUMBER=CUIT 33693450239"),
		TicketsDir:      envString("AFRELAY_TICKETS_DIR", "service/xml_files"),

		TransportTimeout: time.Duration(envInt("AFRELAY_TRANSPORT_TIMEOUT_SECONDS", 30)) * time.Second,
		Endpoints: Endpoints{
			WSAAProd: envString("WSAA_URL_PROD", "https://wsaa.afip.gov.ar/ws/services/LoginCms"),
			WSAAHom:  envString("WSAA_URL_HOM", "https://wsaahomo.afip.gov.ar/ws/services/LoginCms"),
			WSFEProd: envString("WSFE_URL_PROD", "https://servicios1.afip.gov.ar/wsfev1/service.asmx"),
			WSFEHom:  envString("WSFE_URL_HOM", "https://wswhomo.afip.gov.ar/wsfev1/service.asmx"),
			WSPCIProd: envString("WSPCI_URL_PROD", "https://aws.afip.gov.ar/sr-padron/webservices/personaServiceA5"),
			WSPCIHom:  envString("WSPCI_URL_HOM", "https://awshomo.afip.gov.ar/sr-padron/webservices/personaServiceA5"),
		},

		RateLimitPerSecond: envFloat("AFRELAY_RATE_LIMIT_PER_SECOND", 10),
		RateLimitBurst:     envInt("AFRELAY_RATE_LIMIT_BURST", 20),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true")
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envCSV(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
