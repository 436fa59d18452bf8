package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpr-labs/governor/pkg/governance"
	"github.com/openpr-labs/governor/pkg/review"
	"github.com/openpr-labs/governor/pkg/trust"
)

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestWriteOK(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteOK(rec, map[string]string{"id": "PROP-1"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	env := decodeEnvelope(t, rec)
	assert.Equal(t, CodeOK, env.Code)
	assert.Equal(t, "ok", env.Message)
	assert.Equal(t, map[string]any{"id": "PROP-1"}, env.Data)
}

func TestWriteCreated(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteCreated(rec, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, CodeOK, decodeEnvelope(t, rec).Code)
}

func TestWriteTooManyRequests(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteTooManyRequests(rec, 5)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.Equal(t, CodeRateLimited, decodeEnvelope(t, rec).Code)
}

func TestWriteDomainError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   int
	}{
		{governance.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{trust.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{review.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{governance.ErrInvalidInput, http.StatusBadRequest, CodeInvalidInput},
		{review.ErrRatingMissing, http.StatusBadRequest, CodeInvalidInput},
		{governance.ErrForbidden, http.StatusForbidden, CodeForbidden},
		{governance.ErrWeightTooLow, http.StatusForbidden, CodeForbidden},
		{governance.ErrHumanConsensus, http.StatusForbidden, CodeForbidden},
		{governance.ErrWrongStatus, http.StatusConflict, CodeWrongStatus},
		{review.ErrWrongStatus, http.StatusConflict, CodeWrongStatus},
		{governance.ErrAlreadyExists, http.StatusConflict, CodeConflict},
		{trust.ErrAppealPending, http.StatusConflict, CodeConflict},
		{governance.ErrWindowClosed, http.StatusConflict, CodeWindowClosed},
		{governance.ErrWindowOpen, http.StatusConflict, CodeWindowOpen},
		{governance.ErrCooldown, http.StatusForbidden, CodeCooldown},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteDomainError(rec, fmt.Errorf("cast vote: %w", tc.err))
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, decodeEnvelope(t, rec).Code)
		})
	}
}

func TestWriteDomainErrorUnknownIsInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteDomainError(rec, fmt.Errorf("connection reset"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, CodeInternal, env.Code)
	assert.NotContains(t, env.Message, "connection reset")
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"title":"x","bogus":1}`))
	var dst struct {
		Title string `json:"title"`
	}
	assert.Error(t, DecodeJSON(req, &dst))
}

func TestDecodeJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"title":"x"}`))
	var dst struct {
		Title string `json:"title"`
	}
	require.NoError(t, DecodeJSON(req, &dst))
	assert.Equal(t, "x", dst.Title)
}
