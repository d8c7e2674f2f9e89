package resilience

import (
	"context"
	"time"
)

// CircuitState represents the state of a service's circuit breaker
type CircuitState int

const (
	// CircuitClosed - circuit is closed, requests are allowed
	CircuitClosed CircuitState = iota
	// CircuitOpen - circuit is open, requests are rejected
	CircuitOpen
	// CircuitHalfOpen - circuit is half-open, limited requests are allowed
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ServiceStatus represents the health status of a monitored service
type ServiceStatus string

const (
	StatusHealthy     ServiceStatus = "healthy"
	StatusDegraded    ServiceStatus = "degraded"
	StatusFailed      ServiceStatus = "failed"
	StatusRecovering  ServiceStatus = "recovering"
	StatusCircuitOpen ServiceStatus = "circuit_open"
)

// CircuitBreakerConfig holds the process-wide circuit breaker defaults shared
// by every registered service.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int
	// RecoveryTimeout is the period of the open state, after which a recovery
	// attempt transitions the circuit to half-open
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls bounds the number of trial calls allowed while half-open
	HalfOpenMaxCalls int
	// SuccessThreshold is the number of successes in half-open needed to close
	SuccessThreshold int
}

// DefaultCircuitBreakerConfig returns the default circuit breaker configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
		SuccessThreshold: 2,
	}
}

// maxRecentErrors bounds the per-service error message history
const maxRecentErrors = 10

// ServiceHealth tracks the resilience state of a single registered service.
// All mutation goes through the RecoveryManager; callers receive copies.
type ServiceHealth struct {
	Name              string        `json:"name"`
	Status            ServiceStatus `json:"status"`
	CircuitState      CircuitState  `json:"circuit_state"`
	FailureCount      int           `json:"failure_count"`
	RecoveryAttempts  int           `json:"recovery_attempts"`
	HalfOpenCalls     int           `json:"half_open_calls"`
	LastFailure       time.Time     `json:"last_failure,omitempty"`
	LastSuccess       time.Time     `json:"last_success,omitempty"`
	CircuitOpenedAt   time.Time     `json:"circuit_opened_at,omitempty"`
	IsEssential       bool          `json:"is_essential"`
	FallbackAvailable bool          `json:"fallback_available"`
	RecentErrors      []string      `json:"recent_errors,omitempty"`
}

// clone returns a copy safe to hand to callers
func (sh *ServiceHealth) clone() ServiceHealth {
	out := *sh
	out.RecentErrors = append([]string(nil), sh.RecentErrors...)
	return out
}

// Request is the unit of work routed to fallback handlers. Type identifies the
// request for cache/static/mock lookup; Params carries call arguments.
type Request struct {
	Type   string                 `json:"type"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Service is the view of a registered service this core consumes. Reaching the
// real implementation is the embedding application's concern.
type Service interface {
	Ping(ctx context.Context) error
	HandleRequest(ctx context.Context, req Request) (interface{}, error)
}

// ServiceRegistry resolves service names to live service handles. It is an
// external collaborator; absence of a service is tolerated.
type ServiceRegistry interface {
	GetService(name string) (Service, bool)
}

// RestartFunc is the best-effort restart hook exposed by an external service
// lifecycle manager. It reports whether the restart succeeded.
type RestartFunc func(ctx context.Context, name string) bool

// HealthProbeFunc re-probes a service's health directly, used for recovery
// verification when no restart hook is available.
type HealthProbeFunc func(ctx context.Context, name string) bool

// FallbackActivator activates a fallback for a service, reporting success.
type FallbackActivator func(ctx context.Context, service string) bool

// RecoveryObserver receives failure and recovery events from the
// RecoveryManager. The degradation controller registers itself here.
type RecoveryObserver interface {
	OnServiceFailure(ctx context.Context, name string, err error)
	OnServiceRecovery(ctx context.Context, name string)
}
