package resilience

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/bastionlabs/bastion/pkg/errors"
)

// SnapshotStore persists cached response snapshots across fallback
// activations. internal/store provides memory and Redis implementations.
type SnapshotStore interface {
	Load(ctx context.Context, service string) (map[string]interface{}, error)
	Save(ctx context.Context, service string, data map[string]interface{}) error
}

// fallbackBase carries the state shared by all handler implementations
type fallbackBase struct {
	service string
	cfg     FallbackConfig

	mu     sync.RWMutex
	active bool
}

func newFallbackBase(service string, cfg FallbackConfig, t FallbackType) fallbackBase {
	def := DefaultFallbackConfig(t)
	cfg.Type = t
	if cfg.Priority <= 0 {
		cfg.Priority = def.Priority
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = def.RetryAfter
	}
	return fallbackBase{service: service, cfg: cfg}
}

func (b *fallbackBase) Service() string        { return b.service }
func (b *fallbackBase) Config() FallbackConfig { return b.cfg }

func (b *fallbackBase) Active() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

func (b *fallbackBase) setActive(v bool) {
	b.mu.Lock()
	b.active = v
	b.mu.Unlock()
}

// CacheFallbackHandler serves previously cached responses keyed by request
// type. Snapshots are loaded on activation and persisted on deactivation when
// a store is configured.
type CacheFallbackHandler struct {
	fallbackBase
	store SnapshotStore

	cacheMu sync.RWMutex
	cache   map[string]interface{}
}

// NewCacheFallbackHandler creates a cache fallback. store may be nil for a
// purely in-memory cache.
func NewCacheFallbackHandler(service string, cfg FallbackConfig, store SnapshotStore) *CacheFallbackHandler {
	return &CacheFallbackHandler{
		fallbackBase: newFallbackBase(service, cfg, FallbackCache),
		store:        store,
		cache:        make(map[string]interface{}),
	}
}

func (h *CacheFallbackHandler) Activate(ctx context.Context) bool {
	if h.store != nil {
		if data, err := h.store.Load(ctx, h.service); err == nil && len(data) > 0 {
			h.cacheMu.Lock()
			for k, v := range data {
				h.cache[k] = v
			}
			h.cacheMu.Unlock()
		}
	}
	h.setActive(true)
	return true
}

func (h *CacheFallbackHandler) Deactivate(ctx context.Context) bool {
	if h.store != nil {
		h.cacheMu.RLock()
		snapshot := make(map[string]interface{}, len(h.cache))
		for k, v := range h.cache {
			snapshot[k] = v
		}
		h.cacheMu.RUnlock()
		if err := h.store.Save(ctx, h.service, snapshot); err != nil {
			h.setActive(false)
			return false
		}
	}
	h.setActive(false)
	return true
}

// CacheResponse stores a response for later degraded-mode serving
func (h *CacheFallbackHandler) CacheResponse(key string, value interface{}) {
	h.cacheMu.Lock()
	h.cache[key] = value
	h.cacheMu.Unlock()
}

func (h *CacheFallbackHandler) HandleRequest(_ context.Context, req Request) (interface{}, error) {
	h.cacheMu.RLock()
	v, ok := h.cache[req.Type]
	h.cacheMu.RUnlock()
	if !ok {
		return nil, errors.NewFallbackError(h.service,
			fmt.Sprintf("no cached response for request type %q", req.Type))
	}
	return v, nil
}

// StaticFallbackHandler serves fixed responses configured per request type,
// with an optional catch-all default.
type StaticFallbackHandler struct {
	fallbackBase
	responses  map[string]interface{}
	defaultVal interface{}
	hasDefault bool
}

// NewStaticFallbackHandler creates a static fallback with per-type responses
func NewStaticFallbackHandler(service string, cfg FallbackConfig, responses map[string]interface{}) *StaticFallbackHandler {
	if responses == nil {
		responses = make(map[string]interface{})
	}
	return &StaticFallbackHandler{
		fallbackBase: newFallbackBase(service, cfg, FallbackStatic),
		responses:    responses,
	}
}

// WithDefault sets the catch-all response returned for unknown request types
func (h *StaticFallbackHandler) WithDefault(v interface{}) *StaticFallbackHandler {
	h.defaultVal = v
	h.hasDefault = true
	return h
}

func (h *StaticFallbackHandler) Activate(_ context.Context) bool {
	h.setActive(true)
	return true
}

func (h *StaticFallbackHandler) Deactivate(_ context.Context) bool {
	h.setActive(false)
	return true
}

func (h *StaticFallbackHandler) HandleRequest(_ context.Context, req Request) (interface{}, error) {
	if v, ok := h.responses[req.Type]; ok {
		return v, nil
	}
	if h.hasDefault {
		return h.defaultVal, nil
	}
	return nil, errors.NewFallbackError(h.service,
		fmt.Sprintf("no static response for request type %q", req.Type))
}

// SimplifiedFunc implements a reduced-functionality version of a service
type SimplifiedFunc func(ctx context.Context, req Request) (interface{}, error)

// SimplifiedFallbackHandler delegates to a caller-provided reduced
// implementation of the failed service.
type SimplifiedFallbackHandler struct {
	fallbackBase
	fn SimplifiedFunc
}

func NewSimplifiedFallbackHandler(service string, cfg FallbackConfig, fn SimplifiedFunc) *SimplifiedFallbackHandler {
	return &SimplifiedFallbackHandler{
		fallbackBase: newFallbackBase(service, cfg, FallbackSimplified),
		fn:           fn,
	}
}

func (h *SimplifiedFallbackHandler) Activate(_ context.Context) bool {
	if h.fn == nil {
		return false
	}
	h.setActive(true)
	return true
}

func (h *SimplifiedFallbackHandler) Deactivate(_ context.Context) bool {
	h.setActive(false)
	return true
}

func (h *SimplifiedFallbackHandler) HandleRequest(ctx context.Context, req Request) (interface{}, error) {
	if h.fn == nil {
		return nil, errors.NewFallbackError(h.service, "no simplified implementation configured")
	}
	return h.fn(ctx, req)
}

// ProxyFallbackHandler forwards requests to an alternative service resolved
// through the registry, or to a remote HTTP endpoint.
type ProxyFallbackHandler struct {
	fallbackBase
	registry ServiceRegistry
	target   string
	endpoint string
	client   *http.Client
}

// NewProxyFallbackHandler creates a proxy fallback targeting another
// registered service.
func NewProxyFallbackHandler(service string, cfg FallbackConfig, registry ServiceRegistry, target string) *ProxyFallbackHandler {
	h := &ProxyFallbackHandler{
		fallbackBase: newFallbackBase(service, cfg, FallbackProxy),
		registry:     registry,
		target:       target,
	}
	h.client = &http.Client{Timeout: h.cfg.Timeout}
	return h
}

// NewProxyEndpointFallbackHandler creates a proxy fallback forwarding to a
// remote HTTP endpoint.
func NewProxyEndpointFallbackHandler(service string, cfg FallbackConfig, endpoint string) *ProxyFallbackHandler {
	h := &ProxyFallbackHandler{
		fallbackBase: newFallbackBase(service, cfg, FallbackProxy),
		endpoint:     endpoint,
	}
	h.client = &http.Client{Timeout: h.cfg.Timeout}
	return h
}

func (h *ProxyFallbackHandler) Activate(_ context.Context) bool {
	if h.endpoint != "" {
		h.setActive(true)
		return true
	}
	if h.registry == nil || h.target == "" {
		return false
	}
	if _, ok := h.registry.GetService(h.target); !ok {
		return false
	}
	h.setActive(true)
	return true
}

func (h *ProxyFallbackHandler) Deactivate(_ context.Context) bool {
	h.setActive(false)
	return true
}

func (h *ProxyFallbackHandler) HandleRequest(ctx context.Context, req Request) (interface{}, error) {
	if h.endpoint != "" {
		return h.forwardHTTP(ctx, req)
	}
	svc, ok := h.registry.GetService(h.target)
	if !ok {
		return nil, errors.NewFallbackError(h.service,
			fmt.Sprintf("proxy target %q not available", h.target))
	}
	return svc.HandleRequest(ctx, req)
}

func (h *ProxyFallbackHandler) forwardHTTP(ctx context.Context, req Request) (interface{}, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.NewFallbackError(h.service, "failed to encode proxy request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewFallbackError(h.service, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, errors.NewFallbackError(h.service, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, errors.NewFallbackError(h.service,
			fmt.Sprintf("proxy endpoint returned status %d", resp.StatusCode))
	}

	var out interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.NewFallbackError(h.service, "failed to decode proxy response")
	}
	return out, nil
}

// MockGenerator produces synthetic responses for testing and development
type MockGenerator func(ctx context.Context, req Request) (interface{}, error)

// MockFallbackHandler serves synthetic responses from a generator function or
// a static data table, falling back to a generic payload.
type MockFallbackHandler struct {
	fallbackBase
	generator MockGenerator
	data      map[string]interface{}
}

func NewMockFallbackHandler(service string, cfg FallbackConfig) *MockFallbackHandler {
	return &MockFallbackHandler{
		fallbackBase: newFallbackBase(service, cfg, FallbackMock),
	}
}

// WithGenerator installs a response generator, taking precedence over data
func (h *MockFallbackHandler) WithGenerator(fn MockGenerator) *MockFallbackHandler {
	h.generator = fn
	return h
}

// WithData installs a per-request-type response table
func (h *MockFallbackHandler) WithData(data map[string]interface{}) *MockFallbackHandler {
	h.data = data
	return h
}

func (h *MockFallbackHandler) Activate(_ context.Context) bool {
	h.setActive(true)
	return true
}

func (h *MockFallbackHandler) Deactivate(_ context.Context) bool {
	h.setActive(false)
	return true
}

func (h *MockFallbackHandler) HandleRequest(ctx context.Context, req Request) (interface{}, error) {
	if h.generator != nil {
		return h.generator(ctx, req)
	}
	if h.data != nil {
		if v, ok := h.data[req.Type]; ok {
			return v, nil
		}
	}
	return map[string]interface{}{"status": "mock_response"}, nil
}
