package resilience

import (
	"context"
	"time"

	"github.com/bastionlabs/bastion/pkg/alerting"
	"github.com/bastionlabs/bastion/pkg/logging"
	"github.com/bastionlabs/bastion/pkg/metrics"
)

// SystemConfig configures a fully wired resilience system
type SystemConfig struct {
	CircuitBreaker      CircuitBreakerConfig
	Thresholds          Thresholds
	SystemCheckInterval time.Duration
	ReportInterval      time.Duration
}

// SystemOption customizes system construction
type SystemOption func(*systemOptions)

type systemOptions struct {
	logger     *logging.Logger
	alerts     *alerting.Manager
	metrics    *metrics.Metrics
	registry   ServiceRegistry
	restart    RestartFunc
	probe      HealthProbeFunc
	cpuSampler func() float64
	snapshots  SnapshotStore
}

// WithLogger sets the logger shared by all components
func WithLogger(l *logging.Logger) SystemOption {
	return func(o *systemOptions) { o.logger = l }
}

// WithAlertManager sets the alert manager. A default manager is created when
// absent.
func WithAlertManager(m *alerting.Manager) SystemOption {
	return func(o *systemOptions) { o.alerts = m }
}

// WithMetrics attaches a metrics collector to all components
func WithMetrics(m *metrics.Metrics) SystemOption {
	return func(o *systemOptions) { o.metrics = m }
}

// WithServiceRegistry sets the registry used by ping checks and proxy
// fallbacks
func WithServiceRegistry(r ServiceRegistry) SystemOption {
	return func(o *systemOptions) { o.registry = r }
}

// WithRestartFunc installs the external service restart hook
func WithRestartFunc(fn RestartFunc) SystemOption {
	return func(o *systemOptions) { o.restart = fn }
}

// WithHealthProbe installs the recovery verification probe
func WithHealthProbe(fn HealthProbeFunc) SystemOption {
	return func(o *systemOptions) { o.probe = fn }
}

// WithCPUSampler installs the process CPU usage sampler
func WithCPUSampler(fn func() float64) SystemOption {
	return func(o *systemOptions) { o.cpuSampler = fn }
}

// WithSnapshotStore sets the store backing cache fallback snapshots
func WithSnapshotStore(s SnapshotStore) SystemOption {
	return func(o *systemOptions) { o.snapshots = s }
}

// System bundles the recovery manager, health monitor, fallback manager and
// degradation controller into one wired unit. The degradation controller
// observes the recovery manager; the fallback manager serves as its fallback
// activator.
type System struct {
	Recovery    *RecoveryManager
	Monitor     *HealthMonitor
	Fallbacks   *FallbackManager
	Degradation *DegradationController
	Alerts      *alerting.Manager

	snapshots      SnapshotStore
	reportInterval time.Duration
	logger         *logging.Logger
}

// NewSystem builds and wires a resilience system
func NewSystem(cfg SystemConfig, opts ...SystemOption) *System {
	var o systemOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.GetLogger()
	}
	if o.alerts == nil {
		o.alerts = alerting.NewManager(o.logger, nil)
	}

	recovery := NewRecoveryManager(cfg.CircuitBreaker, o.alerts, o.logger)
	fallbacks := NewFallbackManager(o.logger)
	monitor := NewHealthMonitor(recovery, o.alerts, cfg.Thresholds, o.logger)
	degradation := NewDegradationController(fallbacks, o.alerts, o.logger)

	fallbacks.BindRecovery(recovery)
	recovery.AddObserver(degradation)

	if o.metrics != nil {
		recovery.SetMetrics(o.metrics)
		monitor.SetMetrics(o.metrics)
		fallbacks.SetMetrics(o.metrics)
		degradation.SetMetrics(o.metrics)
	}
	if o.registry != nil {
		monitor.SetServiceRegistry(o.registry)
	}
	if o.restart != nil {
		recovery.SetRestartFunc(o.restart)
	}
	if o.probe != nil {
		recovery.SetHealthProbe(o.probe)
	}
	if o.cpuSampler != nil {
		monitor.SetCPUSampler(o.cpuSampler)
	}
	if cfg.SystemCheckInterval > 0 {
		monitor.SetSystemCheckInterval(cfg.SystemCheckInterval)
	}

	reportInterval := cfg.ReportInterval
	if reportInterval <= 0 {
		reportInterval = time.Minute
	}

	return &System{
		Recovery:       recovery,
		Monitor:        monitor,
		Fallbacks:      fallbacks,
		Degradation:    degradation,
		Alerts:         o.alerts,
		snapshots:      o.snapshots,
		reportInterval: reportInterval,
		logger:         o.logger,
	}
}

// RegisterService registers a service with both the recovery manager and the
// degradation controller under one classification.
func (s *System) RegisterService(name string, class ServiceClass) {
	opts := []ServiceOption{}
	if class == ClassEssential {
		opts = append(opts, WithEssential())
	}
	s.Recovery.RegisterService(name, opts...)
	s.Degradation.ClassifyService(name, class)
}

// RegisterCacheFallback registers a cache fallback handler for a service,
// backed by the system's snapshot store when one is configured.
func (s *System) RegisterCacheFallback(service string, cfg FallbackConfig) *CacheFallbackHandler {
	h := NewCacheFallbackHandler(service, cfg, s.snapshots)
	s.Fallbacks.RegisterFallback(h)
	return h
}

// RegisterStaticFallback registers a static-response fallback handler
func (s *System) RegisterStaticFallback(service string, cfg FallbackConfig, responses map[string]interface{}) *StaticFallbackHandler {
	h := NewStaticFallbackHandler(service, cfg, responses)
	s.Fallbacks.RegisterFallback(h)
	return h
}

// RegisterSimplifiedFallback registers a reduced-functionality fallback handler
func (s *System) RegisterSimplifiedFallback(service string, cfg FallbackConfig, fn SimplifiedFunc) *SimplifiedFallbackHandler {
	h := NewSimplifiedFallbackHandler(service, cfg, fn)
	s.Fallbacks.RegisterFallback(h)
	return h
}

// RegisterMockFallback registers a mock-response fallback handler
func (s *System) RegisterMockFallback(service string, cfg FallbackConfig) *MockFallbackHandler {
	h := NewMockFallbackHandler(service, cfg)
	s.Fallbacks.RegisterFallback(h)
	return h
}

// Start launches the health monitor loops and the degradation reporting loop
func (s *System) Start(ctx context.Context) error {
	if err := s.Monitor.Start(ctx); err != nil {
		return err
	}
	if err := s.Degradation.Start(ctx, s.reportInterval); err != nil {
		s.Monitor.Stop()
		return err
	}
	s.logger.Info("Resilience system started")
	return nil
}

// Shutdown stops all loops and waits for in-flight recovery work, bounded by
// the context deadline.
func (s *System) Shutdown(ctx context.Context) error {
	s.Monitor.Stop()
	s.Degradation.Stop()
	err := s.Recovery.Shutdown(ctx)
	s.logger.Info("Resilience system stopped")
	return err
}
