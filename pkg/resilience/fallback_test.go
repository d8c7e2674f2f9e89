package resilience

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionlabs/bastion/internal/store"
	"github.com/bastionlabs/bastion/pkg/errors"
)

func newTestFallbacks(t *testing.T) *FallbackManager {
	t.Helper()
	return NewFallbackManager(newTestLogger(t))
}

func TestFallbackManager_PriorityOrder(t *testing.T) {
	fm := newTestFallbacks(t)
	ctx := context.Background()

	// Higher priority value registered first, lower one must win
	mock := NewMockFallbackHandler("search", FallbackConfig{Priority: 5})
	static := NewStaticFallbackHandler("search", FallbackConfig{Priority: 1},
		map[string]interface{}{"query": "static result"})
	fm.RegisterFallback(mock)
	fm.RegisterFallback(static)

	require.True(t, fm.ActivateFallback(ctx, "search"))

	ft, ok := fm.ActiveFallbackType("search")
	require.True(t, ok)
	assert.Equal(t, FallbackStatic, ft)
	assert.True(t, static.Active())
	assert.False(t, mock.Active())
}

func TestFallbackManager_SkipsFailingHandler(t *testing.T) {
	fm := newTestFallbacks(t)
	ctx := context.Background()

	// Simplified handler with no function refuses to activate
	broken := NewSimplifiedFallbackHandler("chat", FallbackConfig{Priority: 1}, nil)
	mock := NewMockFallbackHandler("chat", FallbackConfig{Priority: 2})
	fm.RegisterFallback(broken)
	fm.RegisterFallback(mock)

	require.True(t, fm.ActivateFallback(ctx, "chat"))
	ft, _ := fm.ActiveFallbackType("chat")
	assert.Equal(t, FallbackMock, ft)
}

func TestFallbackManager_ActivateIdempotent(t *testing.T) {
	fm := newTestFallbacks(t)
	ctx := context.Background()

	mock := NewMockFallbackHandler("svc", FallbackConfig{})
	fm.RegisterFallback(mock)

	require.True(t, fm.ActivateFallback(ctx, "svc"))
	require.True(t, fm.ActivateFallback(ctx, "svc"))
	assert.True(t, fm.IsFallbackActive("svc"))
}

func TestFallbackManager_NoHandlers(t *testing.T) {
	fm := newTestFallbacks(t)
	assert.False(t, fm.ActivateFallback(context.Background(), "unknown"))
	assert.False(t, fm.IsFallbackActive("unknown"))
}

func TestFallbackManager_HandleRequestWithoutActiveFallback(t *testing.T) {
	fm := newTestFallbacks(t)
	_, err := fm.HandleFallbackRequest(context.Background(), "svc", Request{Type: "query"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeFallback))
	assert.Equal(t, "NO_ACTIVE_FALLBACK", errors.GetCode(err))
}

func TestFallbackManager_Deactivate(t *testing.T) {
	fm := newTestFallbacks(t)
	ctx := context.Background()

	mock := NewMockFallbackHandler("svc", FallbackConfig{})
	fm.RegisterFallback(mock)
	require.True(t, fm.ActivateFallback(ctx, "svc"))

	assert.True(t, fm.DeactivateFallback(ctx, "svc"))
	assert.False(t, fm.IsFallbackActive("svc"))
	assert.False(t, mock.Active())
	// Second deactivation reports no active fallback
	assert.False(t, fm.DeactivateFallback(ctx, "svc"))
}

func TestFallbackManager_Status(t *testing.T) {
	fm := newTestFallbacks(t)
	ctx := context.Background()

	fm.RegisterFallback(NewMockFallbackHandler("a", FallbackConfig{Priority: 2}))
	fm.RegisterFallback(NewStaticFallbackHandler("a", FallbackConfig{Priority: 1}, nil))
	fm.RegisterFallback(NewMockFallbackHandler("b", FallbackConfig{}))
	require.True(t, fm.ActivateFallback(ctx, "b"))

	status := fm.Status()
	require.Len(t, status, 2)
	assert.Equal(t, []FallbackType{FallbackStatic, FallbackMock}, status["a"].Registered)
	assert.Nil(t, status["a"].Active)
	require.NotNil(t, status["b"].Active)
	assert.Equal(t, FallbackMock, *status["b"].Active)
}

func TestCacheFallbackHandler(t *testing.T) {
	ctx := context.Background()
	h := NewCacheFallbackHandler("docs", FallbackConfig{}, nil)
	require.True(t, h.Activate(ctx))

	h.CacheResponse("get_doc", map[string]interface{}{"title": "cached"})

	resp, err := h.HandleRequest(ctx, Request{Type: "get_doc"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"title": "cached"}, resp)

	_, err = h.HandleRequest(ctx, Request{Type: "missing"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeFallback))
}

func TestCacheFallbackHandler_SnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	snapshots := store.NewMemoryStore()

	first := NewCacheFallbackHandler("docs", FallbackConfig{}, snapshots)
	require.True(t, first.Activate(ctx))
	first.CacheResponse("get_doc", "v1")
	require.True(t, first.Deactivate(ctx))

	// A fresh handler backed by the same store sees the snapshot
	second := NewCacheFallbackHandler("docs", FallbackConfig{}, snapshots)
	require.True(t, second.Activate(ctx))
	resp, err := second.HandleRequest(ctx, Request{Type: "get_doc"})
	require.NoError(t, err)
	assert.Equal(t, "v1", resp)
}

func TestStaticFallbackHandler_Default(t *testing.T) {
	ctx := context.Background()
	h := NewStaticFallbackHandler("svc", FallbackConfig{}, map[string]interface{}{
		"known": "value",
	}).WithDefault("fallback value")
	require.True(t, h.Activate(ctx))

	resp, err := h.HandleRequest(ctx, Request{Type: "known"})
	require.NoError(t, err)
	assert.Equal(t, "value", resp)

	resp, err = h.HandleRequest(ctx, Request{Type: "anything"})
	require.NoError(t, err)
	assert.Equal(t, "fallback value", resp)
}

func TestSimplifiedFallbackHandler(t *testing.T) {
	ctx := context.Background()
	h := NewSimplifiedFallbackHandler("ranker", FallbackConfig{},
		func(_ context.Context, req Request) (interface{}, error) {
			return map[string]interface{}{"ranked": false, "echo": req.Type}, nil
		})
	require.True(t, h.Activate(ctx))

	resp, err := h.HandleRequest(ctx, Request{Type: "rank"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"ranked": false, "echo": "rank"}, resp)
}

func TestProxyFallbackHandler_Registry(t *testing.T) {
	ctx := context.Background()
	registry := newFakeRegistry()
	registry.add("backup-llm", &fakeService{response: "backup answer"})

	h := NewProxyFallbackHandler("llm", FallbackConfig{}, registry, "backup-llm")
	require.True(t, h.Activate(ctx))

	resp, err := h.HandleRequest(ctx, Request{Type: "complete"})
	require.NoError(t, err)
	assert.Equal(t, "backup answer", resp)
}

func TestProxyFallbackHandler_MissingTarget(t *testing.T) {
	h := NewProxyFallbackHandler("llm", FallbackConfig{}, newFakeRegistry(), "gone")
	assert.False(t, h.Activate(context.Background()))
}

func TestProxyFallbackHandler_Endpoint(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"proxied": true}`))
	}))
	defer srv.Close()

	h := NewProxyEndpointFallbackHandler("api", FallbackConfig{Timeout: 2 * time.Second}, srv.URL)
	require.True(t, h.Activate(ctx))

	resp, err := h.HandleRequest(ctx, Request{Type: "query", Params: map[string]interface{}{"q": "x"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"proxied": true}, resp)
}

func TestMockFallbackHandler_DefaultResponse(t *testing.T) {
	ctx := context.Background()
	h := NewMockFallbackHandler("svc", FallbackConfig{})
	require.True(t, h.Activate(ctx))

	resp, err := h.HandleRequest(ctx, Request{Type: "whatever"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"status": "mock_response"}, resp)
}

func TestMockFallbackHandler_DataAndGenerator(t *testing.T) {
	ctx := context.Background()

	withData := NewMockFallbackHandler("svc", FallbackConfig{}).
		WithData(map[string]interface{}{"list": []string{"a", "b"}})
	resp, err := withData.HandleRequest(ctx, Request{Type: "list"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, resp)

	withGen := NewMockFallbackHandler("svc", FallbackConfig{}).
		WithGenerator(func(_ context.Context, req Request) (interface{}, error) {
			return "generated:" + req.Type, nil
		})
	resp, err = withGen.HandleRequest(ctx, Request{Type: "x"})
	require.NoError(t, err)
	assert.Equal(t, "generated:x", resp)
}

func TestFallbackManager_BindRecovery(t *testing.T) {
	fm := newTestFallbacks(t)
	rm := newTestRecovery(t, CircuitBreakerConfig{FailureThreshold: 10, RecoveryTimeout: time.Hour})

	fm.RegisterFallback(NewMockFallbackHandler("weather", FallbackConfig{}))
	fm.BindRecovery(rm)

	// An optional service failure now routes into fallback activation
	ok := rm.HandleServiceFailure(context.Background(), "weather", assert.AnError)
	assert.True(t, ok)
	assert.True(t, fm.IsFallbackActive("weather"))
}
