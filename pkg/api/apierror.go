// Package api is the HTTP ingress for the AXM orchestrator. Error responses
// are RFC 7807 Problem Details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/machinenativeops/axm/pkg/envelope"
	"github.com/machinenativeops/axm/pkg/lifecycle"
	"github.com/machinenativeops/axm/pkg/router"
	"github.com/machinenativeops/axm/pkg/store"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
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
	// RequestID links to the request that produced this problem.
	RequestID string `json:"request_id,omitempty"`
	// Violations itemizes validation failures so the calling agent can
	// self-correct.
	Violations []envelope.ValidationError `json:"violations,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	p.Type = fmt.Sprintf("https://axm.machinenativeops.io/errors/%d", p.Status)
	if r != nil {
		p.Instance = r.URL.Path
	}
	p.RequestID = w.Header().Get("X-Request-ID")

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, r, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteValidationFailure writes a 400 carrying the itemized violations.
func WriteValidationFailure(w http.ResponseWriter, r *http.Request, violations []envelope.ValidationError) {
	writeProblem(w, r, &ProblemDetail{
		Title:      "Invalid Envelope",
		Status:     http.StatusBadRequest,
		Detail:     "The submitted envelope failed validation",
		Violations: violations,
	})
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed, "Method Not Allowed",
		"The HTTP method is not supported for this endpoint")
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}

// WriteBusy writes a retry-safe 503 with Retry-After.
func WriteBusy(w http.ResponseWriter, r *http.Request, detail string, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusServiceUnavailable, "Busy", detail)
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "error", err, "path", r.URL.Path)
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred. Please try again later.")
}

// WriteDomainError maps the orchestrator's error taxonomy to its HTTP shape.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound   *store.NotFoundError
		transition *lifecycle.TransitionError
		terminal   *lifecycle.TerminalError
		payload    *lifecycle.PayloadError
		busy       *router.ConcurrencyTimeoutError
		persist    *store.PersistenceError
	)
	switch {
	case errors.As(err, &notFound):
		WriteNotFound(w, r, err.Error())
	case errors.As(err, &transition):
		WriteConflict(w, r, err.Error())
	case errors.As(err, &terminal):
		WriteConflict(w, r, err.Error())
	case errors.As(err, &payload):
		WriteBadRequest(w, r, err.Error())
	case errors.As(err, &busy):
		// Client retries are safe under payload-digest idempotency.
		WriteBusy(w, r, err.Error(), 1)
	case errors.As(err, &persist):
		WriteInternal(w, r, err)
	default:
		WriteInternal(w, r, err)
	}
}
