// Package soapgateway executes AFIP SOAP operations through a uniform
// success/error envelope, retrying only the failure classes that are
// actually transient (spec.md §4.2).
package soapgateway

import (
	"context"
	"log/slog"
	"time"
)

const (
	maxAttempts = 3
	retryWait   = 500 * time.Millisecond
)

// Envelope is the uniform result shape every gateway call returns.
type Envelope struct {
	Status   string     `json:"status"`
	Response any        `json:"response,omitempty"`
	Error    *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo is the error arm of Envelope.
type ErrorInfo struct {
	ErrorType ErrorType `json:"error_type"`
	Detail    string    `json:"detail"`
	Method    string    `json:"method"`
}

// EventEmitter is the observability hook the gateway reports soap_call
// domain events through.
type EventEmitter interface {
	EmitDomainEvent(kind, service, message string, attrs map[string]any)
}

// Gateway is the SOAP Gateway described in spec.md §4.2: it wraps an
// arbitrary zero-argument async thunk with a bounded retry policy and a
// uniform result envelope, and reports every call as a domain event.
type Gateway struct {
	events EventEmitter
	logger *slog.Logger
}

// New builds a Gateway. events may be nil in tests that don't care about
// observability side effects.
func New(events EventEmitter, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{events: events, logger: logger}
}

// Thunk is the zero-argument async operation the gateway executes: it
// performs one SOAP call attempt and returns the parsed response or a
// classified error (NetworkError/HTTPError/SOAPFaultError/
// InvalidResponseError).
type Thunk func(ctx context.Context) (any, error)

// Execute runs thunk under the gateway's retry policy: up to 3 attempts
// total with a fixed 0.5s wait between them, but only for errors
// classified as retryable (Network error, HTTP Error). SOAP faults and
// invalid-response errors are never retried. The call is tagged with
// service and method for the emitted soap_call domain event and for the
// envelope's error.method field.
func (g *Gateway) Execute(ctx context.Context, service, method string, thunk Thunk) Envelope {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = &NetworkError{Err: err}
			break
		}

		resp, err := thunk(ctx)
		if err == nil {
			g.report(service, method, "success", "")
			return Envelope{Status: "success", Response: resp}
		}

		lastErr = err
		errType, retryable := classify(err)

		if !retryable || attempt == maxAttempts {
			g.report(service, method, "error", errType)
			return Envelope{
				Status: "error",
				Error: &ErrorInfo{
					ErrorType: errType,
					Detail:    err.Error(),
					Method:    method,
				},
			}
		}

		g.logger.Warn("soap call retrying", "service", service, "method", method, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			lastErr = &NetworkError{Err: ctx.Err()}
			errType, _ = classify(lastErr)
			g.report(service, method, "error", errType)
			return Envelope{
				Status: "error",
				Error: &ErrorInfo{
					ErrorType: errType,
					Detail:    lastErr.Error(),
					Method:    method,
				},
			}
		case <-time.After(retryWait):
		}
	}

	errType, _ := classify(lastErr)
	return Envelope{
		Status: "error",
		Error: &ErrorInfo{
			ErrorType: errType,
			Detail:    lastErr.Error(),
			Method:    method,
		},
	}
}

func (g *Gateway) report(service, method, status string, errType ErrorType) {
	if g.events == nil {
		return
	}
	attrs := map[string]any{"entity_key": method}
	if errType != "" {
		attrs["error_type"] = string(errType)
	}
	g.events.EmitDomainEvent("soap_call", service, status, attrs)
}
