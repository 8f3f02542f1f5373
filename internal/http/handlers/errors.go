// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP responses
// (via the `fail()` helper in this package). These codes provide clients with a stable,
// machine-readable error taxonomy that supplements human-readable messages.
//
// Conventions:
//   - Codes are lowercase, snake_case, and domain-agnostic unless explicitly noted.
//   - Generic codes (e.g., bad_request, unauthorized, conflict) mirror common HTTP
//     status semantics to aid interoperability.
//   - Domain-specific codes (e.g., ingest_failed, list_failed) are reserved for
//     business logic errors that cannot be conveyed by status alone.
//   - All error responses must include both an HTTP status and one of these codes.
//
// Usage:
//   - Handlers validate input themselves and call `fail()` directly; errors
//     returned by services go through `failService()`, which maps the known
//     sentinels below and treats anything else as a retryable 5xx.
//   - Clients are expected to branch on these codes for programmatic error handling.
//
// Example response:
//   {
//     "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//     "code": "unauthorized",
//     "message": "secret token mismatch"
//   }

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-crosspost-backend/internal/services"
)

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeIngestFailed     = "ingest_failed"
	ErrCodeMalformedUpdate  = "malformed_update"
	ErrCodeListFailed       = "list_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)

// serviceError describes how a service sentinel surfaces over HTTP.
type serviceError struct {
	target  error
	status  int
	code    string
	message string // empty: use err.Error()
}

var serviceErrors = []serviceError{
	{services.ErrUnknownAccount, http.StatusNotFound, ErrCodeNotFound, "account not found"},
	{services.ErrSecretMismatch, http.StatusUnauthorized, ErrCodeUnauthorized, "secret token mismatch"},
	{services.ErrMalformedUpdate, http.StatusBadRequest, ErrCodeMalformedUpdate, ""},
	{services.ErrExecutionNotFound, http.StatusNotFound, ErrCodeNotFound, "execution not found"},
}

// failService writes the envelope for an error returned by a service.
// Unknown errors become 500 with fallbackCode; for webhooks that makes the
// source platform redeliver.
func failService(c *gin.Context, err error, fallbackCode string) {
	for _, se := range serviceErrors {
		if errors.Is(err, se.target) {
			msg := se.message
			if msg == "" {
				msg = err.Error()
			}
			fail(c, se.status, se.code, msg)
			return
		}
	}
	fail(c, http.StatusInternalServerError, fallbackCode, err.Error())
}
