package resilience

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionlabs/bastion/internal/store"
	"github.com/bastionlabs/bastion/pkg/alerting"
	"github.com/bastionlabs/bastion/pkg/metrics"
)

func newTestSystem(t *testing.T, cfg SystemConfig, recorder *alertRecorder, opts ...SystemOption) *System {
	t.Helper()
	opts = append(opts,
		WithLogger(newTestLogger(t)),
		WithAlertManager(newTestAlerts(t, recorder)),
	)
	sys := NewSystem(cfg, opts...)
	t.Cleanup(func() { sys.Shutdown(context.Background()) })
	return sys
}

func TestSystem_EssentialServiceOutageAndRecovery(t *testing.T) {
	recorder := &alertRecorder{}
	sys := newTestSystem(t, SystemConfig{
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  time.Hour,
			SuccessThreshold: 2,
			HalfOpenMaxCalls: 3,
		},
	}, recorder)

	ctx := context.Background()
	sys.RegisterService("db", ClassEssential)

	for i := 0; i < 5; i++ {
		kept := sys.Recovery.HandleServiceFailure(ctx, "db", stderrors.New("connection refused"))
		assert.True(t, kept)
	}

	sh, ok := sys.Recovery.GetServiceHealth("db")
	require.True(t, ok)
	assert.Equal(t, CircuitOpen, sh.CircuitState)
	assert.Equal(t, StatusCircuitOpen, sh.Status)
	assert.False(t, sys.Recovery.CheckCircuitBreaker("db"))

	// Degradation controller observed the failures
	assert.Equal(t, LevelSevere, sys.Degradation.Level())
	require.NotEmpty(t, recorder.bySeverity(alerting.SeverityCritical))

	// Circuit recovers through half-open trials
	sys.Recovery.mu.Lock()
	sys.Recovery.halfOpenLocked(sys.Recovery.services["db"])
	sys.Recovery.mu.Unlock()

	sys.Recovery.RecordServiceSuccess("db")
	sys.Recovery.RecordServiceSuccess("db")

	sh, _ = sys.Recovery.GetServiceHealth("db")
	assert.Equal(t, CircuitClosed, sh.CircuitState)
	assert.Equal(t, StatusHealthy, sh.Status)
	assert.Equal(t, LevelNormal, sys.Degradation.Level())
}

func TestSystem_OptionalServiceFallsBackToMock(t *testing.T) {
	sys := newTestSystem(t, SystemConfig{
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 5, RecoveryTimeout: time.Hour},
	}, nil)

	ctx := context.Background()
	sys.RegisterService("cache", ClassOptional)
	sys.RegisterMockFallback("cache", FallbackConfig{Priority: 1})

	kept := sys.Recovery.HandleServiceFailure(ctx, "cache", stderrors.New("evicted"))
	assert.True(t, kept)

	assert.True(t, sys.Fallbacks.IsFallbackActive("cache"))
	sh, _ := sys.Recovery.GetServiceHealth("cache")
	assert.Equal(t, StatusDegraded, sh.Status)

	resp, err := sys.Fallbacks.HandleFallbackRequest(ctx, "cache", Request{Type: "get"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"status": "mock_response"}, resp)

	status := sys.Degradation.GetSystemStatus()
	assert.Contains(t, status.ActiveFallbacks, "cache")
	assert.Equal(t, LevelMinor, status.Level)
}

func TestSystem_StartAndShutdown(t *testing.T) {
	sys := NewSystem(SystemConfig{
		SystemCheckInterval: 10 * time.Millisecond,
		ReportInterval:      10 * time.Millisecond,
	}, WithLogger(newTestLogger(t)))

	sys.RegisterService("svc", ClassOptional)
	require.NoError(t, sys.Monitor.RegisterCheck(CheckConfig{
		Service:  "svc",
		Kind:     CheckCustom,
		Interval: 10 * time.Millisecond,
		Probe:    func(_ context.Context) error { return nil },
	}))

	require.NoError(t, sys.Start(context.Background()))

	require.Eventually(t, func() bool {
		sh, ok := sys.Recovery.GetServiceHealth("svc")
		return ok && sh.Status == StatusHealthy && !sh.LastSuccess.IsZero()
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sys.Shutdown(ctx))
}

func TestSystem_MetricsWired(t *testing.T) {
	m := metrics.New(metrics.DefaultConfig())
	sys := newTestSystem(t, SystemConfig{
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour},
	}, nil, WithMetrics(m))

	sys.RegisterService("svc", ClassOptional)
	sys.Recovery.HandleServiceFailure(context.Background(), "svc", stderrors.New("down"))

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if mf.GetName() == "bastion_resilience_service_failures_total" {
			found = true
		}
	}
	assert.True(t, found, "expected failure counter to be registered")
}

func TestSystem_RegisterCacheFallbackUsesSnapshotStore(t *testing.T) {
	snapshots := store.NewMemoryStore()
	require.NoError(t, snapshots.Save(context.Background(), "docs",
		map[string]interface{}{"get_doc": "persisted"}))

	sys := newTestSystem(t, SystemConfig{
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour},
	}, nil, WithSnapshotStore(snapshots))

	ctx := context.Background()
	sys.RegisterService("docs", ClassOptional)
	sys.RegisterCacheFallback("docs", FallbackConfig{Priority: 1})

	kept := sys.Recovery.HandleServiceFailure(ctx, "docs", stderrors.New("down"))
	assert.True(t, kept)

	resp, err := sys.Fallbacks.HandleFallbackRequest(ctx, "docs", Request{Type: "get_doc"})
	require.NoError(t, err)
	assert.Equal(t, "persisted", resp)
}

func TestSystem_FeatureEndToEnd(t *testing.T) {
	sys := newTestSystem(t, SystemConfig{
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour},
	}, nil)

	ctx := context.Background()
	sys.RegisterService("search", ClassOptional)
	sys.Degradation.RegisterFeature("semantic-search", "search")

	sys.Recovery.HandleServiceFailure(ctx, "search", stderrors.New("down"))
	assert.False(t, sys.Degradation.IsFeatureAvailable("semantic-search"))

	// Recovery flows back through the observer chain
	sys.Recovery.mu.Lock()
	sys.Recovery.halfOpenLocked(sys.Recovery.services["search"])
	sys.Recovery.mu.Unlock()
	sys.Recovery.RecordServiceSuccess("search")
	sys.Recovery.RecordServiceSuccess("search")

	assert.True(t, sys.Degradation.IsFeatureAvailable("semantic-search"))
	assert.Equal(t, LevelNormal, sys.Degradation.Level())
}

func TestSystem_FallbackRegistrationHelpers(t *testing.T) {
	sys := newTestSystem(t, SystemConfig{}, nil)
	ctx := context.Background()

	sys.RegisterStaticFallback("docs", FallbackConfig{Priority: 1},
		map[string]interface{}{"get": "cached page"})
	sys.RegisterSimplifiedFallback("search", FallbackConfig{Priority: 1},
		func(_ context.Context, req Request) (interface{}, error) {
			return []string{}, nil
		})

	require.True(t, sys.Fallbacks.ActivateFallback(ctx, "docs"))
	resp, err := sys.Fallbacks.HandleFallbackRequest(ctx, "docs", Request{Type: "get"})
	require.NoError(t, err)
	assert.Equal(t, "cached page", resp)

	require.True(t, sys.Fallbacks.ActivateFallback(ctx, "search"))
	resp, err = sys.Fallbacks.HandleFallbackRequest(ctx, "search", Request{Type: "query"})
	require.NoError(t, err)
	assert.Equal(t, []string{}, resp)
}
