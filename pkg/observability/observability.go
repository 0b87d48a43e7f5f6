// Package observability implements the Observability Collector described in
// spec.md §4.5: two bounded ring buffers (HTTP request log, domain events)
// behind a single mutex, with derived summary/error/alert views. It carries
// no OTLP exporter, and no HTTP route serves these views: BuildSummary,
// BuildErrors and BuildAlerts are reachable only as Go methods.
package observability

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

// DomainEvent is one entry of the domain-event ring buffer.
type DomainEvent struct {
	Timestamp time.Time
	Kind      string
	Service   string
	Message   string
	Attrs     map[string]any
}

// RequestLogEntry is one entry of the HTTP request-log ring buffer.
type RequestLogEntry struct {
	Timestamp  time.Time
	Method     string
	Path       string
	Status     int
	DurationMs int64
	Cuit       string
	ErrorType  string
}

// Collector is the Observability Collector: emit_domain_event and
// record_http_exchange are non-blocking, best-effort writes; summary/errors/
// alerts are derived reads over the same two ring buffers.
type Collector struct {
	mu sync.Mutex

	logs   *ring[RequestLogEntry]
	events *ring[DomainEvent]

	tokenStatus map[string]time.Time // service -> expiration, fed by ticket_renewed events

	now    func() time.Time
	logger *slog.Logger
}

// New builds a Collector with the given ring capacities (spec.md §6's
// OBS_MAX_LOGS / OBS_MAX_EVENTS, defaults 5000/2000).
func New(maxLogs, maxEvents int, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		logs:        newRing[RequestLogEntry](maxLogs),
		events:      newRing[DomainEvent](maxEvents),
		tokenStatus: make(map[string]time.Time),
		now:         time.Now,
		logger:      logger.With("component", "observability"),
	}
}

// EmitDomainEvent appends a domain event. Implements the EventEmitter
// interface every other component (ticket.Manager, soapgateway.Gateway,
// caea.Engine) depends on. A "ticket_renewed" event additionally updates the
// token-expiry map the <service>_token_expiring alert reads from.
func (c *Collector) EmitDomainEvent(kind, service, message string, attrs map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events.push(DomainEvent{
		Timestamp: c.now(),
		Kind:      kind,
		Service:   service,
		Message:   message,
		Attrs:     attrs,
	})

	if kind == "ticket_renewed" {
		if exp, ok := attrs["expires_at"].(time.Time); ok {
			c.tokenStatus[service] = exp
		}
	}
}

// RecordHTTPExchange appends one request-log entry, best-effort extracting a
// cuit from the request body if present (spec.md §4.5).
func (c *Collector) RecordHTTPExchange(method, path string, status int, duration time.Duration, bodyJSON []byte, errorType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logs.push(RequestLogEntry{
		Timestamp:  c.now(),
		Method:     method,
		Path:       path,
		Status:     status,
		DurationMs: duration.Milliseconds(),
		Cuit:       extractCuit(bodyJSON),
		ErrorType:  errorType,
	})
}

// extractCuit best-effort sniffs a top-level or Auth-nested "Cuit"/"cuit"
// field out of a JSON request body. Never errors; an unparseable or
// cuit-less body just yields "".
func extractCuit(bodyJSON []byte) string {
	if len(bodyJSON) == 0 {
		return ""
	}
	var generic map[string]any
	if err := json.Unmarshal(bodyJSON, &generic); err != nil {
		return ""
	}
	if v, ok := stringField(generic, "Cuit", "cuit"); ok {
		return v
	}
	if auth, ok := generic["Auth"].(map[string]any); ok {
		if v, ok := stringField(auth, "Cuit", "cuit"); ok {
			return v
		}
	}
	return ""
}

func stringField(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// Summary is the derived view spec.md §4.5's summary(window_minutes) returns.
type Summary struct {
	Count     int
	ErrorRate float64
	AvgMs     float64
	P95Ms     float64
}

// BuildSummary computes request counts, error_rate, avg_ms, and a
// nearest-rank p95_ms (⌈0.95·N⌉) over the request log entries within the
// last windowMinutes.
func (c *Collector) BuildSummary(windowMinutes int) Summary {
	c.mu.Lock()
	entries := c.logs.snapshot()
	c.mu.Unlock()

	cutoff := c.now().Add(-time.Duration(windowMinutes) * time.Minute)
	var durations []int64
	var errorCount int
	var totalMs int64

	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		durations = append(durations, e.DurationMs)
		totalMs += e.DurationMs
		if e.Status >= 400 || e.ErrorType != "" {
			errorCount++
		}
	}

	n := len(durations)
	if n == 0 {
		return Summary{}
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	rank := int(math.Ceil(0.95 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}

	return Summary{
		Count:     n,
		ErrorRate: float64(errorCount) / float64(n),
		AvgMs:     float64(totalMs) / float64(n),
		P95Ms:     float64(durations[rank-1]),
	}
}

// ErrorGroup is one grouped row of the errors(window, group_by) view.
type ErrorGroup struct {
	Key      string
	Count    int
	LastSeen time.Time
	Sample   string
}

// GroupBy is the closed vocabulary errors() groups by.
type GroupBy string

const (
	GroupByErrorType GroupBy = "error_type"
	GroupByEndpoint  GroupBy = "endpoint"
)

// BuildErrors groups failed request-log entries within window by error_type
// or endpoint, each with a count, last-seen timestamp, and a sample path.
func (c *Collector) BuildErrors(window time.Duration, groupBy GroupBy) []ErrorGroup {
	c.mu.Lock()
	entries := c.logs.snapshot()
	c.mu.Unlock()

	cutoff := c.now().Add(-window)
	groups := make(map[string]*ErrorGroup)
	var order []string

	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		if e.Status < 400 && e.ErrorType == "" {
			continue
		}

		key := e.ErrorType
		if groupBy == GroupByEndpoint {
			key = e.Path
		}
		if key == "" {
			key = "unknown"
		}

		g, ok := groups[key]
		if !ok {
			g = &ErrorGroup{Key: key}
			groups[key] = g
			order = append(order, key)
		}
		g.Count++
		if e.Timestamp.After(g.LastSeen) {
			g.LastSeen = e.Timestamp
		}
		g.Sample = e.Path
	}

	out := make([]ErrorGroup, 0, len(order))
	for _, k := range order {
		out = append(out, *groups[k])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

// Alert is one entry the alerts() view surfaces.
type Alert struct {
	Kind    string
	Message string
}

// BuildAlerts evaluates spec.md §4.5's three fixed alert rules against the
// current ring-buffer contents.
func (c *Collector) BuildAlerts() []Alert {
	var alerts []Alert

	summary10m := c.BuildSummary(10)
	if summary10m.Count >= 20 && summary10m.ErrorRate >= 0.2 {
		alerts = append(alerts, Alert{
			Kind:    "high_error_rate_10m",
			Message: "error rate over the last 10 minutes is at or above 20%",
		})
	}

	errorGroups := c.BuildErrors(15*time.Minute, GroupByErrorType)
	if len(errorGroups) > 0 && errorGroups[0].Count >= 5 {
		alerts = append(alerts, Alert{
			Kind: "repeated_error_signature",
			Message: fmt.Sprintf("error signature %q repeated %d times in the last 15 minutes",
				errorGroups[0].Key, errorGroups[0].Count),
		})
	}

	c.mu.Lock()
	tokenStatus := make(map[string]time.Time, len(c.tokenStatus))
	for k, v := range c.tokenStatus {
		tokenStatus[k] = v
	}
	c.mu.Unlock()

	now := c.now()
	for service, expiresAt := range tokenStatus {
		if expiresAt.Sub(now) <= 30*time.Minute {
			alerts = append(alerts, Alert{
				Kind:    service + "_token_expiring",
				Message: service + " ticket expires within 30 minutes",
			})
		}
	}

	return alerts
}
