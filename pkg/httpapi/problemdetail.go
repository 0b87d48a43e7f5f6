// Package httpapi is the thin JSON/HTTP facade in front of the ticket
// manager and CAEA engine: request validation, RFC 7807 error responses,
// bearer-token auth, and route registration on a single mux.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ProblemDetail implements RFC 7807 for every error response this facade
// returns, with a TraceID field threading through the trace-id middleware.
type ProblemDetail struct {
	Type     string            `json:"type"`
	Title    string            `json:"title"`
	Status   int               `json:"status"`
	Detail   string            `json:"detail,omitempty"`
	Instance string            `json:"instance,omitempty"`
	TraceID  string            `json:"trace_id,omitempty"`
	Errors   []ValidationError `json:"errors,omitempty"`
}

func (p *ProblemDetail) Error() string { return fmt.Sprintf("%s: %s", p.Title, p.Detail) }

// ValidationError is one `{field, message}` pair spec.md §7's structured
// 422 response lists.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string, errs []ValidationError) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://afrelay.sigmacloudservices.com/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Trace-Id"),
		Errors:   errs,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// writeUnauthorized writes a 401 (spec.md §7's "401 on auth").
func writeUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "authentication required"
	}
	writeProblem(w, r, http.StatusUnauthorized, "Unauthorized", detail, nil)
}

// writeNotFound writes a 404.
func writeNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusNotFound, "Not Found", detail, nil)
}

// writeConflict writes a 409 (spec.md §7's "409 on explicit resource
// errors — cycle not found / not active").
func writeConflict(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusConflict, "Conflict", detail, nil)
}

// writeValidation writes a structured 422 listing every field/message pair.
func writeValidation(w http.ResponseWriter, r *http.Request, errs []ValidationError) {
	writeProblem(w, r, http.StatusUnprocessableEntity, "Unprocessable Entity", "request failed validation", errs)
}

// writeBadRequest writes a 400 for malformed JSON bodies — a caller error
// distinct from the 422 field-validation case.
func writeBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusBadRequest, "Bad Request", detail, nil)
}

// writeInternal writes a 500, the only status this facade uses for
// unhandled internal faults (spec.md §7's "5xx only for unhandled
// internal faults").
func writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "an unexpected error occurred", nil)
}

// writeJSON writes a 200 JSON body — used both for AFIP-side envelope
// errors (spec.md §7's "HTTP 200 with status=error") and ordinary success
// responses.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
