// Package api — HTTP surface of the reconciliation service: RFC 9457
// problem-detail errors, identity/rate-limit/idempotency middleware, and
// the REST handlers.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ledgerline/reconcile/pkg/contracts"
	"github.com/ledgerline/reconcile/pkg/store"
)

// problemBase prefixes the type URI for every problem kind.
const problemBase = "https://ledgerline.dev/problems/"

// ProblemDetail implements RFC 9457 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// CorrelationID links the response to the request log line.
	CorrelationID string `json:"correlation_id,omitempty"`
	// Errors carries per-row detail for import rejections.
	Errors []store.RowError `json:"errors,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(kind contracts.ErrorKind) int {
	switch kind {
	case contracts.KindValidationFailed, contracts.KindIngestionFatal:
		return http.StatusBadRequest
	case contracts.KindIdempotencyKeyRequired:
		return http.StatusBadRequest
	case contracts.KindIdempotencyConflict:
		return http.StatusConflict
	case contracts.KindNotFound:
		return http.StatusNotFound
	case contracts.KindConflict:
		return http.StatusConflict
	case contracts.KindTenantViolation:
		return http.StatusForbidden
	case contracts.KindToleranceUnresolvable:
		return http.StatusUnprocessableEntity
	case contracts.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

var titles = map[contracts.ErrorKind]string{
	contracts.KindValidationFailed:       "Validation Failed",
	contracts.KindIdempotencyKeyRequired: "Idempotency Key Required",
	contracts.KindIdempotencyConflict:    "Idempotency Conflict",
	contracts.KindNotFound:               "Not Found",
	contracts.KindConflict:               "Conflict",
	contracts.KindTenantViolation:        "Tenant Violation",
	contracts.KindToleranceUnresolvable:  "Tolerance Unresolvable",
	contracts.KindIngestionFatal:         "Ingestion Failed",
	contracts.KindTransient:              "Temporarily Unavailable",
	contracts.KindInternal:               "Internal Server Error",
}

// Problem converts a taxonomy error into its wire form.
func Problem(r *http.Request, err error) *ProblemDetail {
	kind := contracts.KindOf(err)
	pd := &ProblemDetail{
		Type:     problemBase + string(kind),
		Title:    titles[kind],
		Status:   statusFor(kind),
		Instance: r.URL.Path,
	}
	// internal detail stays in the log, not the response body
	if kind != contracts.KindInternal {
		pd.Detail = err.Error()
	}
	if rc, ok := contracts.RequestFrom(r.Context()); ok {
		pd.CorrelationID = rc.CorrelationID
	}
	return pd
}

// WriteError renders err as a problem document.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	pd := Problem(r, err)
	if pd.Status >= 500 && logger != nil {
		logger.Error("request failed", "path", r.URL.Path,
			"correlation_id", pd.CorrelationID, "error", err)
	}
	writeProblem(w, pd)
}

func writeProblem(w http.ResponseWriter, pd *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(pd.Status)
	_ = json.NewEncoder(w).Encode(pd)
}

// WriteTooManyRequests renders the rate-limit response.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSeconds int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	writeProblem(w, &ProblemDetail{
		Type:   problemBase + "rate_limited",
		Title:  "Too Many Requests",
		Status: http.StatusTooManyRequests,
		Detail: "request rate limit exceeded, slow down",
	})
}
