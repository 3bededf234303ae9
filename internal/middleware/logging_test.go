package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T, handler http.Handler, req *http.Request) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	wrapped := chimiddleware.RequestID(Logging(logger)(handler))
	wrapped.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	return line
}

func TestLoggingRecordsRequestLine(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	line := captureLog(t, handler, httptest.NewRequest("POST", "/v1/workspaces", nil))

	assert.Equal(t, "INFO", line["level"])
	assert.Equal(t, "POST", line["method"])
	assert.Equal(t, "/v1/workspaces", line["path"])
	assert.Equal(t, float64(http.StatusCreated), line["status"])
	assert.Equal(t, "http", line["component"])
	assert.NotEmpty(t, line["request_id"])
}

func TestLoggingImplicitOK(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	line := captureLog(t, handler, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, float64(http.StatusOK), line["status"])
}

func TestLoggingServerErrorLevel(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	line := captureLog(t, handler, httptest.NewRequest("GET", "/v1/billing/subscription", nil))
	assert.Equal(t, "ERROR", line["level"])
	assert.Equal(t, float64(http.StatusInternalServerError), line["status"])
}
