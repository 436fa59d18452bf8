// Package api is the HTTP surface of the governance engine. Every response
// uses the same envelope: a numeric code (0 on success), a message, and the
// payload under data.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/openpr-labs/governor/pkg/governance"
	"github.com/openpr-labs/governor/pkg/review"
	"github.com/openpr-labs/governor/pkg/trust"
)

// Envelope is the wire shape of every API response.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// Application error codes carried in the envelope.
const (
	CodeOK           = 0
	CodeInvalidInput = 1001
	CodeUnauthorized = 1002
	CodeForbidden    = 1003
	CodeNotFound     = 1004
	CodeConflict     = 1005
	CodeWrongStatus  = 1006
	CodeWindowClosed = 1007
	CodeWindowOpen   = 1008
	CodeCooldown     = 1009
	CodeRateLimited  = 1010
	CodeInternal     = 2000
)

// WriteData writes a success envelope.
func WriteData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Code: CodeOK, Message: "ok", Data: data})
}

// WriteOK writes a 200 success envelope.
func WriteOK(w http.ResponseWriter, data any) {
	WriteData(w, http.StatusOK, data)
}

// WriteCreated writes a 201 success envelope.
func WriteCreated(w http.ResponseWriter, data any) {
	WriteData(w, http.StatusCreated, data)
}

// WriteFailure writes an error envelope with explicit codes.
func WriteFailure(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Code: code, Message: message, Data: nil})
}

// WriteBadRequest writes a 400 error envelope.
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteFailure(w, http.StatusBadRequest, CodeInvalidInput, message)
}

// WriteUnauthorized writes a 401 error envelope.
func WriteUnauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "authentication required"
	}
	WriteFailure(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// WriteForbidden writes a 403 error envelope.
func WriteForbidden(w http.ResponseWriter, message string) {
	if message == "" {
		message = "insufficient permissions"
	}
	WriteFailure(w, http.StatusForbidden, CodeForbidden, message)
}

// WriteNotFound writes a 404 error envelope.
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteFailure(w, http.StatusNotFound, CodeNotFound, message)
}

// WriteMethodNotAllowed writes a 405 error envelope.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteFailure(w, http.StatusMethodNotAllowed, CodeInvalidInput, "method not allowed")
}

// WriteTooManyRequests writes a 429 error envelope with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteFailure(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
}

// WriteInternal writes a 500 error envelope. The cause is logged, never sent.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteFailure(w, http.StatusInternalServerError, CodeInternal, "an unexpected error occurred")
}

// WriteDomainError maps a domain sentinel error onto status and code.
func WriteDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, governance.ErrNotFound),
		errors.Is(err, trust.ErrNotFound),
		errors.Is(err, review.ErrNotFound):
		WriteFailure(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, governance.ErrInvalidInput),
		errors.Is(err, review.ErrRatingMissing):
		WriteFailure(w, http.StatusBadRequest, CodeInvalidInput, err.Error())
	case errors.Is(err, governance.ErrForbidden),
		errors.Is(err, governance.ErrWeightTooLow),
		errors.Is(err, governance.ErrHumanConsensus),
		errors.Is(err, trust.ErrNotAppellant):
		WriteFailure(w, http.StatusForbidden, CodeForbidden, err.Error())
	case errors.Is(err, governance.ErrWrongStatus),
		errors.Is(err, governance.ErrEscalationState),
		errors.Is(err, review.ErrWrongStatus),
		errors.Is(err, trust.ErrAppealClosed):
		WriteFailure(w, http.StatusConflict, CodeWrongStatus, err.Error())
	case errors.Is(err, governance.ErrAlreadyExists),
		errors.Is(err, trust.ErrAppealPending):
		WriteFailure(w, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, governance.ErrWindowClosed):
		WriteFailure(w, http.StatusConflict, CodeWindowClosed, err.Error())
	case errors.Is(err, governance.ErrWindowOpen):
		WriteFailure(w, http.StatusConflict, CodeWindowOpen, err.Error())
	case errors.Is(err, governance.ErrCooldown):
		WriteFailure(w, http.StatusForbidden, CodeCooldown, err.Error())
	default:
		WriteInternal(w, err)
	}
}

// DecodeJSON reads a request body into dst, capping the body size.
func DecodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
