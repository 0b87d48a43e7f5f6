package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"regexp"
)

var yyyymmdd = regexp.MustCompile(`^\d{8}$`)

// decodeJSON reads and decodes r's body into dst, writing a 400 (not 422 —
// malformed JSON is a caller error distinct from failed field validation)
// and returning false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer func() { _, _ = io.Copy(io.Discard, r.Body); _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeBadRequest(w, r, "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

// requireField appends a ValidationError to errs if v is empty, returning
// the updated slice — used to build spec.md §7's structured 422 body one
// field check at a time.
func requireField(errs []ValidationError, field, v string) []ValidationError {
	if v == "" {
		return append(errs, ValidationError{Field: field, Message: "is required"})
	}
	return errs
}

// requireCbteFch validates AFIP's yyyymmdd date convention (spec.md §8
// scenario 5's "2026-01-25" → 422 containing "yyyymmdd").
func requireCbteFch(errs []ValidationError, field, v string) []ValidationError {
	if v == "" {
		return append(errs, ValidationError{Field: field, Message: "is required"})
	}
	if !yyyymmdd.MatchString(v) {
		return append(errs, ValidationError{Field: field, Message: "must be in yyyymmdd format"})
	}
	return errs
}
