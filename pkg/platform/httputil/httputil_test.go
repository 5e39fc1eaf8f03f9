package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "confconnect/pkg/domain-errors"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestWriteError(t *testing.T) {
	t.Run("internal error omits description", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, dErrors.New(dErrors.CodeInternal, "db failed"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		body := decodeError(t, w)
		assert.Equal(t, "internal_error", body["error"])
		assert.NotContains(t, body, "error_description")
	})

	t.Run("invalid state includes description", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, dErrors.New(dErrors.CodeInvalidState, "request is no longer pending"))

		assert.Equal(t, http.StatusConflict, w.Code)
		body := decodeError(t, w)
		assert.Equal(t, "invalid_state", body["error"])
		assert.Equal(t, "request is no longer pending", body["error_description"])
	})

	t.Run("uncoded errors are internal", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, errors.New("connection reset"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, decodeError(t, w), "error_description")
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code dErrors.Code
		want int
	}{
		{dErrors.CodeBadRequest, http.StatusBadRequest},
		{dErrors.CodeValidation, http.StatusBadRequest},
		{dErrors.CodeUnauthorized, http.StatusUnauthorized},
		{dErrors.CodeForbidden, http.StatusForbidden},
		{dErrors.CodeNotFound, http.StatusNotFound},
		{dErrors.CodeConflict, http.StatusConflict},
		{dErrors.CodeInvalidState, http.StatusConflict},
		{dErrors.CodeTimeout, http.StatusGatewayTimeout},
		{dErrors.CodeInternal, http.StatusInternalServerError},
		{dErrors.Code("unknown"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.code))
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Recipient string   `json:"recipient"`
		Tags      []string `json:"tags"`
	}
	newRequest := func(raw string) *http.Request {
		return httptest.NewRequest(http.MethodPost, "/v1/requests", strings.NewReader(raw))
	}

	t.Run("decodes known fields", func(t *testing.T) {
		var got body
		require.NoError(t, DecodeJSON(newRequest(`{"recipient":"bob","tags":["aws"]}`), &got))
		assert.Equal(t, body{Recipient: "bob", Tags: []string{"aws"}}, got)
	})

	tests := []struct {
		name string
		raw  string
	}{
		{"unknown field", `{"recipient":"bob","extra":1}`},
		{"malformed json", `{"recipient":`},
		{"empty body", ``},
		{"wrong type", `{"tags":"aws"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name+" is a bad request", func(t *testing.T) {
			var got body
			err := DecodeJSON(newRequest(tt.raw), &got)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
			assert.Equal(t, http.StatusBadRequest, StatusFor(dErrors.CodeOf(err)))
		})
	}
}
