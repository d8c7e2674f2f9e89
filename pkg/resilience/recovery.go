package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bastionlabs/bastion/pkg/alerting"
	"github.com/bastionlabs/bastion/pkg/errors"
	"github.com/bastionlabs/bastion/pkg/logging"
	"github.com/bastionlabs/bastion/pkg/metrics"
)

// RecoveryManager owns the per-service circuit breaker state machines and
// drives failure handling: opening circuits, scheduling recovery attempts,
// triggering fallbacks for optional services and immediate recovery for
// essential ones.
type RecoveryManager struct {
	mu       sync.Mutex
	cfg      CircuitBreakerConfig
	services map[string]*ServiceHealth
	timers   map[string]*time.Timer

	fallbacks map[string]FallbackActivator
	restart   RestartFunc
	probe     HealthProbeFunc
	observers []RecoveryObserver

	alerts  *alerting.Manager
	metrics *metrics.Metrics
	logger  *logging.Logger

	closed bool
	wg     sync.WaitGroup
}

// NewRecoveryManager creates a recovery manager with the given circuit
// breaker configuration. Zero-valued config fields fall back to defaults.
func NewRecoveryManager(cfg CircuitBreakerConfig, alerts *alerting.Manager, logger *logging.Logger) *RecoveryManager {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &RecoveryManager{
		cfg:       cfg,
		services:  make(map[string]*ServiceHealth),
		timers:    make(map[string]*time.Timer),
		fallbacks: make(map[string]FallbackActivator),
		alerts:    alerts,
		logger:    logger,
	}
}

// SetMetrics attaches a metrics collector
func (rm *RecoveryManager) SetMetrics(m *metrics.Metrics) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.metrics = m
}

// SetRestartFunc installs the external restart hook used during recovery
func (rm *RecoveryManager) SetRestartFunc(fn RestartFunc) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.restart = fn
}

// SetHealthProbe installs the probe used to verify recovery when no restart
// hook is available
func (rm *RecoveryManager) SetHealthProbe(fn HealthProbeFunc) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.probe = fn
}

// AddObserver registers an observer for failure and recovery events
func (rm *RecoveryManager) AddObserver(o RecoveryObserver) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.observers = append(rm.observers, o)
}

// RegisterFallbackHandler registers the activator invoked when an optional
// service fails
func (rm *RecoveryManager) RegisterFallbackHandler(service string, fn FallbackActivator) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.fallbacks[service] = fn
	if sh, ok := rm.services[service]; ok {
		sh.FallbackAvailable = true
	}
}

// RegisterAlertFunc registers a plain alert sink with the alert manager
func (rm *RecoveryManager) RegisterAlertFunc(fn alerting.SinkFunc) {
	if rm.alerts != nil {
		rm.alerts.AddHandler(fn)
	}
}

// ServiceOption customizes service registration
type ServiceOption func(*ServiceHealth)

// WithEssential marks the service as essential: failures trigger immediate
// recovery instead of fallback activation
func WithEssential() ServiceOption {
	return func(sh *ServiceHealth) { sh.IsEssential = true }
}

// WithFallbackAvailable marks the service as having a fallback path
func WithFallbackAvailable() ServiceOption {
	return func(sh *ServiceHealth) { sh.FallbackAvailable = true }
}

// RegisterService registers a service for tracking. Registration is
// idempotent: re-registering keeps accumulated state and re-applies options.
func (rm *RecoveryManager) RegisterService(name string, opts ...ServiceOption) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	sh := rm.ensureServiceLocked(name)
	for _, opt := range opts {
		opt(sh)
	}
}

func (rm *RecoveryManager) ensureServiceLocked(name string) *ServiceHealth {
	sh, ok := rm.services[name]
	if !ok {
		sh = &ServiceHealth{
			Name:         name,
			Status:       StatusHealthy,
			CircuitState: CircuitClosed,
		}
		if _, hasFallback := rm.fallbacks[name]; hasFallback {
			sh.FallbackAvailable = true
		}
		rm.services[name] = sh
	}
	return sh
}

// GetServiceHealth returns a copy of the tracked state for a service
func (rm *RecoveryManager) GetServiceHealth(name string) (ServiceHealth, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	sh, ok := rm.services[name]
	if !ok {
		return ServiceHealth{}, false
	}
	return sh.clone(), true
}

// ListServices returns a snapshot of all tracked services
func (rm *RecoveryManager) ListServices() []ServiceHealth {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]ServiceHealth, 0, len(rm.services))
	for _, sh := range rm.services {
		out = append(out, sh.clone())
	}
	return out
}

// HandleServiceFailure records a failure for the named service and runs the
// appropriate recovery policy. It returns true when the service kept going in
// some form (recovery attempted for essential services, fallback activated
// for optional ones) and false when the service is considered stopped.
func (rm *RecoveryManager) HandleServiceFailure(ctx context.Context, name string, failure error) bool {
	now := time.Now()

	rm.mu.Lock()
	sh := rm.ensureServiceLocked(name)
	sh.FailureCount++
	sh.LastFailure = now
	sh.RecentErrors = append(sh.RecentErrors, failure.Error())
	if len(sh.RecentErrors) > maxRecentErrors {
		sh.RecentErrors = sh.RecentErrors[len(sh.RecentErrors)-maxRecentErrors:]
	}

	opened := false
	switch sh.CircuitState {
	case CircuitClosed:
		if sh.FailureCount >= rm.cfg.FailureThreshold {
			rm.openCircuitLocked(sh, now)
			opened = true
		} else {
			sh.Status = StatusDegraded
		}
	case CircuitHalfOpen:
		// Failed trial call, back to open with a fresh recovery timer
		rm.openCircuitLocked(sh, now)
		opened = true
	case CircuitOpen:
		// Already open, keep counting
	}

	isEssential := sh.IsEssential
	hasFallbackFlag := sh.FallbackAvailable
	failureCount := sh.FailureCount
	activator := rm.fallbacks[name]
	observers := append([]RecoveryObserver(nil), rm.observers...)
	m := rm.metrics
	rm.reportCircuitMetricsLocked(sh)
	rm.mu.Unlock()

	if m != nil {
		m.ServiceFailures.WithLabelValues(name).Inc()
	}
	rm.logger.WithError(failure).WithFields(map[string]interface{}{
		"service":       name,
		"failure_count": failureCount,
		"essential":     isEssential,
	}).Warn("Service failure recorded")

	if opened {
		severity := alerting.SeverityWarning
		if isEssential {
			severity = alerting.SeverityCritical
		}
		rm.emitAlert(ctx, name, severity,
			fmt.Sprintf("Circuit breaker opened for service %s after %d failures", name, failureCount))
	}

	for _, o := range observers {
		o.OnServiceFailure(ctx, name, failure)
	}

	if isEssential {
		// Essential services get an immediate recovery attempt regardless of
		// the outcome the caller keeps them running
		rm.attemptImmediateRecovery(ctx, name)
		return true
	}

	if activator != nil {
		if activator(ctx, name) {
			rm.emitAlert(ctx, name, alerting.SeverityWarning,
				fmt.Sprintf("Fallback activated for service %s", name))
			return true
		}
	}

	if !hasFallbackFlag && activator == nil {
		rm.logger.Warn("No fallback available for optional service", "service", name)
	}

	// The circuit state machine owns the status: Degraded below threshold,
	// CircuitOpen once the breaker trips. The false return is what marks the
	// service as stopped for the caller.
	rm.emitAlert(ctx, name, alerting.SeverityWarning,
		fmt.Sprintf("Optional service %s stopped, no fallback available", name))
	return false
}

// CheckCircuitBreaker reports whether a request to the named service should
// be allowed. Unknown services are always allowed. While half-open it admits
// a bounded number of trial calls.
func (rm *RecoveryManager) CheckCircuitBreaker(name string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	sh, ok := rm.services[name]
	if !ok {
		return true
	}

	switch sh.CircuitState {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(sh.CircuitOpenedAt) >= rm.cfg.RecoveryTimeout {
			rm.halfOpenLocked(sh)
			sh.HalfOpenCalls = 1
			return true
		}
		return false
	case CircuitHalfOpen:
		if sh.HalfOpenCalls < rm.cfg.HalfOpenMaxCalls {
			sh.HalfOpenCalls++
			return true
		}
		return false
	default:
		return true
	}
}

// RecordServiceSuccess records a successful call. While half-open it counts
// toward closing the circuit; while closed it heals the failure count.
func (rm *RecoveryManager) RecordServiceSuccess(name string) {
	ctx := context.Background()
	now := time.Now()

	rm.mu.Lock()
	sh, ok := rm.services[name]
	if !ok {
		rm.mu.Unlock()
		return
	}
	sh.LastSuccess = now

	circuitClosed := false
	healthRestored := false
	switch sh.CircuitState {
	case CircuitHalfOpen:
		sh.RecoveryAttempts++
		if sh.RecoveryAttempts >= rm.cfg.SuccessThreshold {
			rm.closeCircuitLocked(sh)
			circuitClosed = true
		}
	case CircuitClosed:
		if sh.FailureCount > 0 {
			sh.FailureCount--
		}
		if sh.Status != StatusHealthy {
			healthRestored = true
		}
		sh.Status = StatusHealthy
	case CircuitOpen:
		// Success recorded out of band while open, ignore
	}
	observers := append([]RecoveryObserver(nil), rm.observers...)
	m := rm.metrics
	rm.reportCircuitMetricsLocked(sh)
	rm.mu.Unlock()

	if circuitClosed {
		if m != nil {
			m.ServiceRecoveries.WithLabelValues(name).Inc()
		}
		rm.logger.Info("Service recovered, circuit closed", "service", name)
		rm.emitAlert(ctx, name, alerting.SeverityInfo,
			fmt.Sprintf("Service %s recovered, circuit breaker closed", name))
	}
	if circuitClosed || healthRestored {
		for _, o := range observers {
			o.OnServiceRecovery(ctx, name)
		}
	}
}

// Execute runs fn through the circuit breaker for the named service,
// recording the outcome. A rejected call returns a circuit open error.
func (rm *RecoveryManager) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if !rm.CheckCircuitBreaker(name) {
		return errors.NewCircuitOpenError(name)
	}
	if err := fn(ctx); err != nil {
		rm.HandleServiceFailure(ctx, name, err)
		return err
	}
	rm.RecordServiceSuccess(name)
	return nil
}

// must be called with rm.mu held
func (rm *RecoveryManager) openCircuitLocked(sh *ServiceHealth, now time.Time) {
	sh.CircuitState = CircuitOpen
	sh.Status = StatusCircuitOpen
	sh.CircuitOpenedAt = now
	sh.HalfOpenCalls = 0
	sh.RecoveryAttempts = 0
	rm.scheduleRecoveryLocked(sh.Name)
}

// must be called with rm.mu held
func (rm *RecoveryManager) halfOpenLocked(sh *ServiceHealth) {
	sh.CircuitState = CircuitHalfOpen
	sh.Status = StatusRecovering
	sh.HalfOpenCalls = 0
	sh.RecoveryAttempts = 0
}

// must be called with rm.mu held
func (rm *RecoveryManager) closeCircuitLocked(sh *ServiceHealth) {
	sh.CircuitState = CircuitClosed
	sh.Status = StatusHealthy
	sh.FailureCount = 0
	sh.RecoveryAttempts = 0
	sh.HalfOpenCalls = 0
	sh.CircuitOpenedAt = time.Time{}
	if t, ok := rm.timers[sh.Name]; ok {
		t.Stop()
		delete(rm.timers, sh.Name)
	}
}

// must be called with rm.mu held
func (rm *RecoveryManager) scheduleRecoveryLocked(name string) {
	if rm.closed {
		return
	}
	if t, ok := rm.timers[name]; ok {
		t.Stop()
	}
	rm.timers[name] = time.AfterFunc(rm.cfg.RecoveryTimeout, func() {
		rm.attemptScheduledRecovery(name)
	})
}

// beginAttempt registers an in-flight recovery attempt, refusing after
// shutdown has begun
func (rm *RecoveryManager) beginAttempt() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return false
	}
	rm.wg.Add(1)
	return true
}

// attemptScheduledRecovery fires after the recovery timeout: transition the
// circuit to half-open and verify the service via restart hook or probe.
func (rm *RecoveryManager) attemptScheduledRecovery(name string) {
	if !rm.beginAttempt() {
		return
	}
	defer rm.wg.Done()

	rm.mu.Lock()
	sh, ok := rm.services[name]
	if !ok || sh.CircuitState != CircuitOpen {
		rm.mu.Unlock()
		return
	}
	rm.halfOpenLocked(sh)
	restart := rm.restart
	probe := rm.probe
	rm.mu.Unlock()

	rm.logger.Info("Attempting scheduled recovery", "service", name)

	ctx, cancel := context.WithTimeout(context.Background(), rm.cfg.RecoveryTimeout)
	defer cancel()

	var verified, attempted bool
	if restart != nil {
		attempted = true
		verified = restart(ctx, name)
	} else if probe != nil {
		attempted = true
		verified = probe(ctx, name)
	}

	if !attempted {
		// No hook available: stay half-open and let live traffic close the
		// circuit through RecordServiceSuccess
		return
	}

	if verified {
		rm.RecordServiceSuccess(name)
		// A single verification may not meet the success threshold yet
		rm.mu.Lock()
		var observers []RecoveryObserver
		if cur, ok := rm.services[name]; ok && cur.CircuitState == CircuitHalfOpen {
			rm.closeCircuitLocked(cur)
			observers = append([]RecoveryObserver(nil), rm.observers...)
		}
		rm.mu.Unlock()
		for _, o := range observers {
			o.OnServiceRecovery(ctx, name)
		}
		rm.logger.Info("Scheduled recovery succeeded", "service", name)
		return
	}

	rm.mu.Lock()
	if cur, ok := rm.services[name]; ok && cur.CircuitState == CircuitHalfOpen {
		rm.openCircuitLocked(cur, time.Now())
	}
	rm.mu.Unlock()
	rm.logger.Warn("Scheduled recovery failed, circuit re-opened", "service", name)
	rm.emitAlert(ctx, name, alerting.SeverityWarning,
		fmt.Sprintf("Recovery attempt for service %s failed", name))
}

// attemptImmediateRecovery restarts or re-probes an essential service right
// after a failure, without waiting for the recovery timer.
func (rm *RecoveryManager) attemptImmediateRecovery(ctx context.Context, name string) {
	rm.mu.Lock()
	restart := rm.restart
	probe := rm.probe
	rm.mu.Unlock()

	var verified, attempted bool
	if restart != nil {
		attempted = true
		verified = restart(ctx, name)
	} else if probe != nil {
		attempted = true
		verified = probe(ctx, name)
	}

	switch {
	case !attempted:
		rm.logger.Warn("Essential service failed, no recovery hook installed", "service", name)
	case verified:
		rm.logger.Info("Immediate recovery succeeded for essential service", "service", name)
		rm.RecordServiceSuccess(name)
	default:
		rm.logger.Error("Immediate recovery failed for essential service", "service", name)
		rm.emitAlert(ctx, name, alerting.SeverityCritical,
			fmt.Sprintf("Immediate recovery failed for essential service %s", name))
	}
}

func (rm *RecoveryManager) emitAlert(ctx context.Context, service string, severity alerting.Severity, message string) {
	if rm.alerts == nil {
		return
	}
	if err := rm.alerts.SendAlert(ctx, service, severity, message); err != nil {
		rm.logger.WithError(err).WithField("service", service).Warn("Failed to send alert")
	}
	rm.mu.Lock()
	m := rm.metrics
	rm.mu.Unlock()
	if m != nil {
		m.AlertsTotal.WithLabelValues(string(severity)).Inc()
	}
}

// must be called with rm.mu held
func (rm *RecoveryManager) reportCircuitMetricsLocked(sh *ServiceHealth) {
	if rm.metrics == nil {
		return
	}
	rm.metrics.CircuitState.WithLabelValues(sh.Name).Set(float64(sh.CircuitState))
}

// ServiceReport is the per-service section of a health report
type ServiceReport struct {
	Status            ServiceStatus `json:"status"`
	CircuitState      string        `json:"circuit_state"`
	FailureCount      int           `json:"failure_count"`
	RecoveryAttempts  int           `json:"recovery_attempts"`
	LastFailure       *time.Time    `json:"last_failure,omitempty"`
	LastSuccess       *time.Time    `json:"last_success,omitempty"`
	IsEssential       bool          `json:"is_essential"`
	FallbackAvailable bool          `json:"fallback_available"`
	RecentErrors      []string      `json:"recent_errors,omitempty"`
}

// HealthReport is a point-in-time export of all tracked service state
type HealthReport struct {
	GeneratedAt time.Time                `json:"generated_at"`
	Services    map[string]ServiceReport `json:"services"`
}

// ExportHealthReport builds a snapshot report of every tracked service
func (rm *RecoveryManager) ExportHealthReport() HealthReport {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	report := HealthReport{
		GeneratedAt: time.Now(),
		Services:    make(map[string]ServiceReport, len(rm.services)),
	}
	for name, sh := range rm.services {
		sr := ServiceReport{
			Status:            sh.Status,
			CircuitState:      sh.CircuitState.String(),
			FailureCount:      sh.FailureCount,
			RecoveryAttempts:  sh.RecoveryAttempts,
			IsEssential:       sh.IsEssential,
			FallbackAvailable: sh.FallbackAvailable,
			RecentErrors:      append([]string(nil), sh.RecentErrors...),
		}
		if !sh.LastFailure.IsZero() {
			t := sh.LastFailure
			sr.LastFailure = &t
		}
		if !sh.LastSuccess.IsZero() {
			t := sh.LastSuccess
			sr.LastSuccess = &t
		}
		report.Services[name] = sr
	}
	return report
}

// Shutdown stops all recovery timers and waits for in-flight recovery
// attempts to finish.
func (rm *RecoveryManager) Shutdown(ctx context.Context) error {
	rm.mu.Lock()
	rm.closed = true
	for name, t := range rm.timers {
		t.Stop()
		delete(rm.timers, name)
	}
	rm.mu.Unlock()

	done := make(chan struct{})
	go func() {
		rm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
