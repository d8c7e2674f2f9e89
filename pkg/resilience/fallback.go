package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bastionlabs/bastion/pkg/errors"
	"github.com/bastionlabs/bastion/pkg/logging"
	"github.com/bastionlabs/bastion/pkg/metrics"
)

// FallbackType identifies the degraded-mode strategy a handler implements
type FallbackType string

const (
	FallbackCache      FallbackType = "cache"
	FallbackStatic     FallbackType = "static"
	FallbackSimplified FallbackType = "simplified"
	FallbackProxy      FallbackType = "proxy"
	FallbackMock       FallbackType = "mock"
)

// FallbackConfig describes a fallback handler's activation behavior. Lower
// Priority values are tried first.
type FallbackConfig struct {
	Type       FallbackType
	Priority   int
	Timeout    time.Duration
	RetryAfter time.Duration
}

// DefaultFallbackConfig returns the default config for a fallback type
func DefaultFallbackConfig(t FallbackType) FallbackConfig {
	return FallbackConfig{
		Type:       t,
		Priority:   1,
		Timeout:    30 * time.Second,
		RetryAfter: 5 * time.Minute,
	}
}

// FallbackHandler serves requests for a service in degraded mode
type FallbackHandler interface {
	// Service returns the name of the service this handler substitutes for
	Service() string
	// Config returns the handler's configuration
	Config() FallbackConfig
	// Activate prepares the handler, reporting whether it is able to serve
	Activate(ctx context.Context) bool
	// Deactivate tears the handler down, reporting success
	Deactivate(ctx context.Context) bool
	// HandleRequest serves one request in degraded mode
	HandleRequest(ctx context.Context, req Request) (interface{}, error)
	// Active reports whether the handler is currently serving
	Active() bool
}

// FallbackManager registers fallback handlers per service and routes degraded
// requests to the single active handler. Handlers are tried in ascending
// priority order on activation.
type FallbackManager struct {
	mu       sync.Mutex
	handlers map[string][]FallbackHandler
	active   map[string]FallbackHandler

	boundRecovery *RecoveryManager
	metrics       *metrics.Metrics
	logger        *logging.Logger
}

// NewFallbackManager creates an empty fallback manager
func NewFallbackManager(logger *logging.Logger) *FallbackManager {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &FallbackManager{
		handlers: make(map[string][]FallbackHandler),
		active:   make(map[string]FallbackHandler),
		logger:   logger,
	}
}

// SetMetrics attaches a metrics collector
func (fm *FallbackManager) SetMetrics(m *metrics.Metrics) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.metrics = m
}

// BindRecovery registers this manager as the fallback activator for every
// service that currently has handlers, and for services registered later.
func (fm *FallbackManager) BindRecovery(rm *RecoveryManager) {
	fm.mu.Lock()
	services := make([]string, 0, len(fm.handlers))
	for svc := range fm.handlers {
		services = append(services, svc)
	}
	fm.boundRecovery = rm
	fm.mu.Unlock()

	for _, svc := range services {
		rm.RegisterFallbackHandler(svc, fm.ActivateFallback)
	}
}

// RegisterFallback adds a handler for a service, keeping handlers sorted by
// ascending priority.
func (fm *FallbackManager) RegisterFallback(h FallbackHandler) {
	service := h.Service()

	fm.mu.Lock()
	fm.handlers[service] = append(fm.handlers[service], h)
	sort.SliceStable(fm.handlers[service], func(i, j int) bool {
		return fm.handlers[service][i].Config().Priority < fm.handlers[service][j].Config().Priority
	})
	rm := fm.boundRecovery
	fm.mu.Unlock()

	if rm != nil {
		rm.RegisterFallbackHandler(service, fm.ActivateFallback)
	}
	fm.logger.Info("Fallback handler registered",
		"service", service,
		"type", string(h.Config().Type),
		"priority", h.Config().Priority,
	)
}

// ActivateFallback activates the highest-priority handler that reports
// successful activation. It is idempotent: a service with an active fallback
// returns true without re-activating.
func (fm *FallbackManager) ActivateFallback(ctx context.Context, service string) bool {
	fm.mu.Lock()
	if _, ok := fm.active[service]; ok {
		fm.mu.Unlock()
		return true
	}
	candidates := append([]FallbackHandler(nil), fm.handlers[service]...)
	m := fm.metrics
	fm.mu.Unlock()

	for _, h := range candidates {
		if !h.Activate(ctx) {
			fm.logger.Warn("Fallback handler failed to activate",
				"service", service, "type", string(h.Config().Type))
			if m != nil {
				m.FallbackActivations.WithLabelValues(service, "failed").Inc()
			}
			continue
		}

		fm.mu.Lock()
		// Another caller may have won the race while we were activating
		if existing, ok := fm.active[service]; ok && existing != h {
			fm.mu.Unlock()
			h.Deactivate(ctx)
			return true
		}
		fm.active[service] = h
		activeCount := len(fm.active)
		fm.mu.Unlock()

		fm.logger.Info("Fallback activated",
			"service", service, "type", string(h.Config().Type))
		if m != nil {
			m.FallbackActivations.WithLabelValues(service, "activated").Inc()
			m.ActiveFallbacks.Set(float64(activeCount))
		}
		return true
	}
	return false
}

// DeactivateFallback deactivates the active handler for a service. Returns
// false when no fallback is active.
func (fm *FallbackManager) DeactivateFallback(ctx context.Context, service string) bool {
	fm.mu.Lock()
	h, ok := fm.active[service]
	if ok {
		delete(fm.active, service)
	}
	activeCount := len(fm.active)
	m := fm.metrics
	fm.mu.Unlock()

	if !ok {
		return false
	}
	if !h.Deactivate(ctx) {
		fm.logger.Warn("Fallback handler reported unclean deactivation", "service", service)
	}
	fm.logger.Info("Fallback deactivated", "service", service, "type", string(h.Config().Type))
	if m != nil {
		m.ActiveFallbacks.Set(float64(activeCount))
	}
	return true
}

// HandleFallbackRequest routes a request to the active fallback handler for
// the service. Returns a typed error when none is active.
func (fm *FallbackManager) HandleFallbackRequest(ctx context.Context, service string, req Request) (interface{}, error) {
	fm.mu.Lock()
	h, ok := fm.active[service]
	m := fm.metrics
	fm.mu.Unlock()

	if !ok {
		return nil, errors.NewNoActiveFallbackError(service)
	}

	resp, err := h.HandleRequest(ctx, req)
	if m != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		m.FallbackRequests.WithLabelValues(service, outcome).Inc()
	}
	return resp, err
}

// IsFallbackActive reports whether a fallback is active for the service
func (fm *FallbackManager) IsFallbackActive(service string) bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	_, ok := fm.active[service]
	return ok
}

// ActiveFallbackType returns the type of the active handler for a service
func (fm *FallbackManager) ActiveFallbackType(service string) (FallbackType, bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	h, ok := fm.active[service]
	if !ok {
		return "", false
	}
	return h.Config().Type, true
}

// FallbackStatus summarizes the registered and active fallbacks per service
type FallbackStatus struct {
	Registered []FallbackType `json:"registered"`
	Active     *FallbackType  `json:"active,omitempty"`
}

// Status returns the fallback state for every service with registered handlers
func (fm *FallbackManager) Status() map[string]FallbackStatus {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	out := make(map[string]FallbackStatus, len(fm.handlers))
	for svc, hs := range fm.handlers {
		st := FallbackStatus{Registered: make([]FallbackType, 0, len(hs))}
		for _, h := range hs {
			st.Registered = append(st.Registered, h.Config().Type)
		}
		if h, ok := fm.active[svc]; ok {
			t := h.Config().Type
			st.Active = &t
		}
		out[svc] = st
	}
	return out
}
