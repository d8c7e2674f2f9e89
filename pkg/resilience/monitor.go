package resilience

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/bastionlabs/bastion/pkg/alerting"
	"github.com/bastionlabs/bastion/pkg/errors"
	"github.com/bastionlabs/bastion/pkg/logging"
	"github.com/bastionlabs/bastion/pkg/metrics"
)

// CheckKind identifies the probe strategy for a registered health check
type CheckKind string

const (
	CheckPing     CheckKind = "ping"
	CheckHTTP     CheckKind = "http"
	CheckResource CheckKind = "resource"
	CheckCustom   CheckKind = "custom"
)

// ResourceKind identifies which resource a resource check samples
type ResourceKind string

const (
	ResourceCPU    ResourceKind = "cpu"
	ResourceMemory ResourceKind = "memory"
)

// ProbeFunc is a custom health probe. A nil error means healthy.
type ProbeFunc func(ctx context.Context) error

// CheckConfig describes a single registered health check
type CheckConfig struct {
	Service  string
	Kind     CheckKind
	Interval time.Duration
	Timeout  time.Duration

	// Endpoint is the URL polled by HTTP checks
	Endpoint string
	// Resource and Threshold configure resource checks. Threshold is percent
	// for CPU and megabytes for memory.
	Resource  ResourceKind
	Threshold float64
	// Probe implements custom checks and may override the built-in ping
	Probe ProbeFunc
}

// HealthMetrics is one sample of a service's observed health
type HealthMetrics struct {
	ServiceName   string        `json:"service_name"`
	Timestamp     time.Time     `json:"timestamp"`
	Status        ServiceStatus `json:"status"`
	ResponseTime  time.Duration `json:"response_time"`
	CPUUsage      float64       `json:"cpu_usage"`
	MemoryUsageMB float64       `json:"memory_usage_mb"`
	ErrorRate     float64       `json:"error_rate"`
	Uptime        time.Duration `json:"uptime"`
}

// Thresholds are the alerting limits applied to every check's samples
type Thresholds struct {
	MaxErrorRate    float64
	MaxResponseTime time.Duration
	MaxCPUPercent   float64
	MaxMemoryMB     float64
}

// DefaultThresholds returns the default alerting thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxErrorRate:    0.5,
		MaxResponseTime: 5 * time.Second,
		MaxCPUPercent:   90,
		MaxMemoryMB:     1024,
	}
}

const (
	defaultCheckInterval = 30 * time.Second
	defaultCheckTimeout  = 10 * time.Second
	// errorRateWindow is the trailing window over which error rates are computed
	errorRateWindow = 10 * time.Minute
	// maxHistoryPerService bounds retained samples per service
	maxHistoryPerService = 100
)

type probeSample struct {
	at time.Time
	ok bool
}

// HealthMonitor runs periodic health checks against registered services,
// keeps bounded sample history, and reports failures and successes into the
// recovery manager. A global loop evaluates system-wide health.
type HealthMonitor struct {
	mu        sync.Mutex
	checks    map[string]CheckConfig
	history   map[string][]HealthMetrics
	samples   map[string][]probeSample
	startedAt map[string]time.Time

	recovery   *RecoveryManager
	registry   ServiceRegistry
	alerts     *alerting.Manager
	thresholds Thresholds

	systemInterval time.Duration
	lastReport     HealthReport
	cpuSampler     func() float64
	httpClient     *http.Client

	metrics *metrics.Metrics
	logger  *logging.Logger

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHealthMonitor creates a health monitor reporting into the given recovery
// manager.
func NewHealthMonitor(recovery *RecoveryManager, alerts *alerting.Manager, thresholds Thresholds, logger *logging.Logger) *HealthMonitor {
	if logger == nil {
		logger = logging.GetLogger()
	}
	def := DefaultThresholds()
	if thresholds.MaxErrorRate <= 0 {
		thresholds.MaxErrorRate = def.MaxErrorRate
	}
	if thresholds.MaxResponseTime <= 0 {
		thresholds.MaxResponseTime = def.MaxResponseTime
	}
	if thresholds.MaxCPUPercent <= 0 {
		thresholds.MaxCPUPercent = def.MaxCPUPercent
	}
	if thresholds.MaxMemoryMB <= 0 {
		thresholds.MaxMemoryMB = def.MaxMemoryMB
	}

	return &HealthMonitor{
		checks:         make(map[string]CheckConfig),
		history:        make(map[string][]HealthMetrics),
		samples:        make(map[string][]probeSample),
		startedAt:      make(map[string]time.Time),
		recovery:       recovery,
		alerts:         alerts,
		thresholds:     thresholds,
		systemInterval: defaultCheckInterval,
		httpClient:     &http.Client{Timeout: defaultCheckTimeout},
		logger:         logger,
	}
}

// SetMetrics attaches a metrics collector
func (hm *HealthMonitor) SetMetrics(m *metrics.Metrics) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.metrics = m
}

// SetServiceRegistry installs the registry used by ping checks
func (hm *HealthMonitor) SetServiceRegistry(r ServiceRegistry) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.registry = r
}

// SetSystemCheckInterval overrides the global system check interval
func (hm *HealthMonitor) SetSystemCheckInterval(d time.Duration) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if d > 0 {
		hm.systemInterval = d
	}
}

// SetCPUSampler installs the process CPU usage sampler used by resource
// checks and health samples.
func (hm *HealthMonitor) SetCPUSampler(fn func() float64) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.cpuSampler = fn
}

// RegisterCheck registers a health check for a service. Registering a second
// check for the same service replaces the first. Returns an error if the
// monitor is already running or the config is incomplete.
func (hm *HealthMonitor) RegisterCheck(cfg CheckConfig) error {
	if cfg.Service == "" {
		return errors.NewValidationError("check service name is required")
	}
	switch cfg.Kind {
	case CheckPing:
		// registry or custom probe resolved at poll time
	case CheckHTTP:
		if cfg.Endpoint == "" {
			return errors.NewValidationError("http check requires an endpoint")
		}
	case CheckResource:
		if cfg.Resource != ResourceCPU && cfg.Resource != ResourceMemory {
			return errors.NewValidationError(fmt.Sprintf("unknown resource kind: %s", cfg.Resource))
		}
		if cfg.Threshold <= 0 {
			return errors.NewValidationError("resource check requires a positive threshold")
		}
	case CheckCustom:
		if cfg.Probe == nil {
			return errors.NewValidationError("custom check requires a probe function")
		}
	default:
		return errors.NewValidationError(fmt.Sprintf("unknown check kind: %s", cfg.Kind))
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultCheckInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCheckTimeout
	}

	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.running {
		return errors.NewValidationError("cannot register checks while monitor is running")
	}
	hm.checks[cfg.Service] = cfg
	return nil
}

// Start launches one polling goroutine per registered check plus the global
// system check loop. It is an error to start a running monitor.
func (hm *HealthMonitor) Start(ctx context.Context) error {
	hm.mu.Lock()
	if hm.running {
		hm.mu.Unlock()
		return errors.NewValidationError("health monitor already running")
	}
	hm.running = true
	runCtx, cancel := context.WithCancel(ctx)
	hm.cancel = cancel
	now := time.Now()
	checks := make([]CheckConfig, 0, len(hm.checks))
	for _, cfg := range hm.checks {
		hm.startedAt[cfg.Service] = now
		checks = append(checks, cfg)
	}
	hm.mu.Unlock()

	for _, cfg := range checks {
		hm.wg.Add(1)
		go hm.pollLoop(runCtx, cfg)
	}
	hm.wg.Add(1)
	go hm.systemLoop(runCtx)

	hm.logger.Info("Health monitor started", "checks", len(checks))
	return nil
}

// Stop cancels all polling loops and waits for them to exit
func (hm *HealthMonitor) Stop() {
	hm.mu.Lock()
	if !hm.running {
		hm.mu.Unlock()
		return
	}
	hm.running = false
	cancel := hm.cancel
	hm.mu.Unlock()

	cancel()
	hm.wg.Wait()
	hm.logger.Info("Health monitor stopped")
}

func (hm *HealthMonitor) pollLoop(ctx context.Context, cfg CheckConfig) {
	defer hm.wg.Done()

	// First check runs immediately so state is populated before the first tick
	hm.runCheck(ctx, cfg)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.runCheck(ctx, cfg)
		}
	}
}

func (hm *HealthMonitor) runCheck(ctx context.Context, cfg CheckConfig) {
	start := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	err := hm.probe(probeCtx, cfg)
	cancel()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return
	}

	status := StatusHealthy
	if err != nil {
		hm.logger.WithError(err).WithFields(map[string]interface{}{
			"service": cfg.Service,
			"kind":    string(cfg.Kind),
		}).Warn("Health check failed")
		hm.recovery.HandleServiceFailure(ctx, cfg.Service, err)
		status = StatusFailed
		if sh, ok := hm.recovery.GetServiceHealth(cfg.Service); ok {
			status = sh.Status
		}
	} else {
		hm.recovery.RecordServiceSuccess(cfg.Service)
	}

	sample := HealthMetrics{
		ServiceName:  cfg.Service,
		Timestamp:    start,
		Status:       status,
		ResponseTime: elapsed,
	}

	hm.mu.Lock()
	hm.samples[cfg.Service] = append(hm.samples[cfg.Service], probeSample{at: start, ok: err == nil})
	hm.pruneSamplesLocked(cfg.Service, start)
	sample.ErrorRate = hm.errorRateLocked(cfg.Service)
	if startedAt, ok := hm.startedAt[cfg.Service]; ok {
		sample.Uptime = start.Sub(startedAt)
	}
	if hm.cpuSampler != nil {
		sample.CPUUsage = hm.cpuSampler()
	}
	sample.MemoryUsageMB = memoryUsageMB()
	hist := append(hm.history[cfg.Service], sample)
	if len(hist) > maxHistoryPerService {
		hist = hist[len(hist)-maxHistoryPerService:]
	}
	hm.history[cfg.Service] = hist
	m := hm.metrics
	hm.mu.Unlock()

	if m != nil {
		m.ProbeDuration.WithLabelValues(cfg.Service, string(cfg.Kind)).Observe(elapsed.Seconds())
		up := 1.0
		if err != nil {
			up = 0
		}
		m.ServiceUp.WithLabelValues(cfg.Service).Set(up)
		m.ErrorRate.WithLabelValues(cfg.Service).Set(sample.ErrorRate)
	}

	hm.checkThresholds(ctx, cfg.Service, sample)
}

// probe runs the configured probe strategy
func (hm *HealthMonitor) probe(ctx context.Context, cfg CheckConfig) error {
	switch cfg.Kind {
	case CheckPing:
		if cfg.Probe != nil {
			return cfg.Probe(ctx)
		}
		hm.mu.Lock()
		registry := hm.registry
		hm.mu.Unlock()
		if registry == nil {
			return errors.NewTransientError(cfg.Service, "no service registry configured for ping check")
		}
		svc, ok := registry.GetService(cfg.Service)
		if !ok {
			return errors.NewTransientError(cfg.Service, "service not found in registry")
		}
		return svc.Ping(ctx)
	case CheckHTTP:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := hm.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return errors.NewTransientError(cfg.Service, fmt.Sprintf("endpoint returned status %d", resp.StatusCode))
		}
		return nil
	case CheckResource:
		return hm.checkResource(cfg)
	case CheckCustom:
		return cfg.Probe(ctx)
	default:
		return errors.NewValidationError(fmt.Sprintf("unknown check kind: %s", cfg.Kind))
	}
}

func (hm *HealthMonitor) checkResource(cfg CheckConfig) error {
	switch cfg.Resource {
	case ResourceCPU:
		hm.mu.Lock()
		sampler := hm.cpuSampler
		hm.mu.Unlock()
		if sampler == nil {
			// No sampler installed, resource is assumed within bounds
			return nil
		}
		usage := sampler()
		if usage > cfg.Threshold {
			return errors.NewTransientError(cfg.Service,
				fmt.Sprintf("cpu usage %.1f%% exceeds threshold %.1f%%", usage, cfg.Threshold))
		}
		return nil
	case ResourceMemory:
		usage := memoryUsageMB()
		if usage > cfg.Threshold {
			return errors.NewTransientError(cfg.Service,
				fmt.Sprintf("memory usage %.1fMB exceeds threshold %.1fMB", usage, cfg.Threshold))
		}
		return nil
	default:
		return errors.NewValidationError(fmt.Sprintf("unknown resource kind: %s", cfg.Resource))
	}
}

// checkThresholds emits warning alerts when a sample crosses configured limits
func (hm *HealthMonitor) checkThresholds(ctx context.Context, service string, sample HealthMetrics) {
	if hm.alerts == nil {
		return
	}
	if sample.ErrorRate > hm.thresholds.MaxErrorRate {
		hm.sendAlert(ctx, service, alerting.SeverityWarning,
			fmt.Sprintf("Service %s error rate %.0f%% exceeds threshold", service, sample.ErrorRate*100))
	}
	if sample.ResponseTime > hm.thresholds.MaxResponseTime {
		hm.sendAlert(ctx, service, alerting.SeverityWarning,
			fmt.Sprintf("Service %s response time %s exceeds threshold %s", service, sample.ResponseTime, hm.thresholds.MaxResponseTime))
	}
	if sample.CPUUsage > hm.thresholds.MaxCPUPercent {
		hm.sendAlert(ctx, service, alerting.SeverityWarning,
			fmt.Sprintf("Service %s CPU usage %.1f%% exceeds threshold", service, sample.CPUUsage))
	}
	if sample.MemoryUsageMB > hm.thresholds.MaxMemoryMB {
		hm.sendAlert(ctx, service, alerting.SeverityWarning,
			fmt.Sprintf("Service %s memory usage %.1fMB exceeds threshold", service, sample.MemoryUsageMB))
	}
}

func (hm *HealthMonitor) sendAlert(ctx context.Context, service string, severity alerting.Severity, message string) {
	if err := hm.alerts.SendAlert(ctx, service, severity, message); err != nil {
		hm.logger.WithError(err).WithField("service", service).Warn("Failed to send monitor alert")
	}
}

func (hm *HealthMonitor) systemLoop(ctx context.Context) {
	defer hm.wg.Done()

	hm.mu.Lock()
	interval := hm.systemInterval
	hm.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.runSystemCheck(ctx)
		}
	}
}

// runSystemCheck evaluates overall health across all tracked services and
// records a fresh health report.
func (hm *HealthMonitor) runSystemCheck(ctx context.Context) {
	services := hm.recovery.ListServices()
	if len(services) == 0 {
		return
	}

	var failed, degraded int
	for _, sh := range services {
		switch sh.Status {
		case StatusFailed, StatusCircuitOpen:
			failed++
		case StatusDegraded, StatusRecovering:
			degraded++
		}
	}
	total := len(services)
	failedRatio := float64(failed) / float64(total)
	unhealthyRatio := float64(failed+degraded) / float64(total)

	if failedRatio > 0.3 {
		hm.sendAlert(ctx, "system", alerting.SeverityCritical,
			fmt.Sprintf("System degraded: %d of %d services failed", failed, total))
	} else if unhealthyRatio > 0.5 {
		hm.sendAlert(ctx, "system", alerting.SeverityWarning,
			fmt.Sprintf("System under pressure: %d of %d services unhealthy", failed+degraded, total))
	}

	report := hm.recovery.ExportHealthReport()

	hm.mu.Lock()
	hm.lastReport = report
	hm.mu.Unlock()

	hm.logger.Debug("System health check completed",
		"services", total,
		"failed", failed,
		"degraded", degraded,
	)
}

// LastReport returns the most recent system health report
func (hm *HealthMonitor) LastReport() HealthReport {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return hm.lastReport
}

// GetServiceMetrics returns the retained samples for a service
func (hm *HealthMonitor) GetServiceMetrics(service string) []HealthMetrics {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return append([]HealthMetrics(nil), hm.history[service]...)
}

// ErrorRate returns the failure ratio observed for a service over the
// trailing window.
func (hm *HealthMonitor) ErrorRate(service string) float64 {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.pruneSamplesLocked(service, time.Now())
	return hm.errorRateLocked(service)
}

// must be called with hm.mu held
func (hm *HealthMonitor) pruneSamplesLocked(service string, now time.Time) {
	samples := hm.samples[service]
	cutoff := now.Add(-errorRateWindow)
	idx := 0
	for idx < len(samples) && samples[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		hm.samples[service] = append([]probeSample(nil), samples[idx:]...)
	}
}

// must be called with hm.mu held
func (hm *HealthMonitor) errorRateLocked(service string) float64 {
	samples := hm.samples[service]
	if len(samples) == 0 {
		return 0
	}
	failures := 0
	for _, s := range samples {
		if !s.ok {
			failures++
		}
	}
	return float64(failures) / float64(len(samples))
}

func memoryUsageMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Alloc) / 1024 / 1024
}
