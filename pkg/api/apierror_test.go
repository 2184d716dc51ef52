package api_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/certanchor/pkg/api"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	var p api.ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	return p
}

func TestWriteProblem(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/anchors/CERT-1", nil)
	w := httptest.NewRecorder()
	w.Header().Set(api.RequestIDHeader, "req-123")

	api.WriteProblem(w, req, http.StatusConflict, api.CodeAttributesChanged, "digest differs")

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	p := decode(t, w)
	assert.Equal(t, api.ProblemDetail{
		Type:      "https://certanchor.dev/problems/attributes_changed",
		Title:     "Conflict",
		Status:    http.StatusConflict,
		Code:      api.CodeAttributesChanged,
		Detail:    "digest differs",
		Instance:  "/v1/anchors/CERT-1",
		RequestID: "req-123",
	}, p)
}

func TestWriteProblem_WithoutRequest(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteProblem(w, nil, http.StatusUnauthorized, api.CodeUnauthenticated, "missing token")

	p := decode(t, w)
	assert.Empty(t, p.Instance)
	assert.Empty(t, p.RequestID)
	assert.Equal(t, "Unauthorized", p.Title)
}

func TestWriteInternal_HidesCause(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, nil, errors.New("pq: connection refused to host=10.0.0.1"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	p := decode(t, w)
	assert.Equal(t, api.CodeInternal, p.Code)
	assert.NotContains(t, p.Detail, "10.0.0.1")
}

func TestWriteTooManyRequests(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, nil, 30)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, api.CodeRateLimited, decode(t, w).Code)
}
