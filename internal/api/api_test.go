package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionlabs/bastion/pkg/config"
	"github.com/bastionlabs/bastion/pkg/logging"
	"github.com/bastionlabs/bastion/pkg/metrics"
	"github.com/bastionlabs/bastion/pkg/resilience"
)

func newTestRouter(t *testing.T) (*gin.Engine, *resilience.System) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger, err := logging.NewLogger(&logging.Config{Level: "error", Format: "json"})
	require.NoError(t, err)
	logger.SetOutput(io.Discard)

	system := resilience.NewSystem(resilience.SystemConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			FailureThreshold: 2,
			RecoveryTimeout:  time.Hour,
		},
	}, resilience.WithLogger(logger))
	t.Cleanup(func() { system.Shutdown(context.Background()) })

	cfg := &config.Config{
		Logging: config.LoggingConfig{Level: "error"},
	}
	return NewRouter(cfg, system, metrics.New(nil), logger), system
}

func doRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealthzEndpoint(t *testing.T) {
	router, system := newTestRouter(t)

	w := doRequest(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	// Severe degradation turns the endpoint unhealthy
	system.RegisterService("db", resilience.ClassEssential)
	system.Degradation.HandleServiceFailure(context.Background(), "db", stderrors.New("down"))

	w = doRequest(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusEndpoint(t *testing.T) {
	router, system := newTestRouter(t)
	system.RegisterService("weather", resilience.ClassOptional)
	system.Degradation.HandleServiceFailure(context.Background(), "weather", stderrors.New("quota"))

	w := doRequest(t, router, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)

	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "minor", data["level_name"])
	assert.Contains(t, data["failed_services"], "weather")
}

func TestServiceHealthEndpoint(t *testing.T) {
	router, system := newTestRouter(t)
	system.RegisterService("cache", resilience.ClassOptional)
	system.Recovery.HandleServiceFailure(context.Background(), "cache", stderrors.New("miss storm"))

	w := doRequest(t, router, http.MethodGet, "/api/v1/services/cache", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "cache", data["name"])
	assert.Equal(t, float64(1), data["failure_count"])

	w = doRequest(t, router, http.MethodGet, "/api/v1/services/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	resp = decodeResponse(t, w)
	assert.False(t, resp.Success)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestFeatureEndpoint(t *testing.T) {
	router, system := newTestRouter(t)
	system.RegisterService("search", resilience.ClassOptional)
	system.Degradation.RegisterFeature("semantic-search", "search")

	w := doRequest(t, router, http.MethodGet, "/api/v1/features/semantic-search", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeResponse(t, w).Data.(map[string]interface{})
	assert.Equal(t, true, data["available"])

	system.Degradation.HandleServiceFailure(context.Background(), "search", stderrors.New("down"))

	w = doRequest(t, router, http.MethodGet, "/api/v1/features/semantic-search", nil)
	data = decodeResponse(t, w).Data.(map[string]interface{})
	assert.Equal(t, false, data["available"])
}

func TestFallbackRequestEndpoint(t *testing.T) {
	router, system := newTestRouter(t)
	ctx := context.Background()

	system.RegisterService("llm", resilience.ClassOptional)
	system.Fallbacks.RegisterFallback(
		resilience.NewMockFallbackHandler("llm", resilience.FallbackConfig{}))

	// No active fallback yet
	w := doRequest(t, router, http.MethodPost, "/api/v1/services/llm/fallback",
		FallbackRequestBody{Type: "complete"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	require.True(t, system.Fallbacks.ActivateFallback(ctx, "llm"))

	w = doRequest(t, router, http.MethodPost, "/api/v1/services/llm/fallback",
		FallbackRequestBody{Type: "complete"})
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeResponse(t, w).Data.(map[string]interface{})
	assert.Equal(t, "mock_response", data["status"])

	// Invalid body
	w = doRequest(t, router, http.MethodPost, "/api/v1/services/llm/fallback",
		map[string]interface{}{"params": map[string]interface{}{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	router, system := newTestRouter(t)
	system.Degradation.HandleServiceFailure(context.Background(), "svc", stderrors.New("down"))

	w := doRequest(t, router, http.MethodGet, "/api/v1/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	snapshots := resp.Data.([]interface{})
	assert.NotEmpty(t, snapshots)

	w = doRequest(t, router, http.MethodGet, "/api/v1/history?max_age_seconds=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doRequest(t, router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bastion_resilience")
}

func TestUnknownRouteReturns404(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doRequest(t, router, http.MethodGet, "/api/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
