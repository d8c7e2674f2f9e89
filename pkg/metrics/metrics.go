package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the resilience core
type Metrics struct {
	// Circuit breaker metrics
	CircuitState      *prometheus.GaugeVec
	ServiceFailures   *prometheus.CounterVec
	ServiceRecoveries *prometheus.CounterVec

	// Health monitoring metrics
	ProbeDuration *prometheus.HistogramVec
	ServiceUp     *prometheus.GaugeVec
	ErrorRate     *prometheus.GaugeVec

	// Degradation metrics
	DegradationLevel prometheus.Gauge
	FailedServices   prometheus.Gauge
	DisabledFeatures prometheus.Gauge

	// Fallback metrics
	ActiveFallbacks     prometheus.Gauge
	FallbackActivations *prometheus.CounterVec
	FallbackRequests    *prometheus.CounterVec

	// Alerting metrics
	AlertsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// Config holds metrics configuration
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "bastion",
		Subsystem: "resilience",
	}
}

// New creates and registers the resilience metric collectors
func New(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_state",
				Help:      "Circuit breaker state per service (0=closed, 1=open, 2=half-open)",
			},
			[]string{"service"},
		),
		ServiceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "service_failures_total",
				Help:      "Total number of recorded service failures",
			},
			[]string{"service"},
		),
		ServiceRecoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "service_recoveries_total",
				Help:      "Total number of successful service recoveries",
			},
			[]string{"service"},
		),
		ProbeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "probe_duration_seconds",
				Help:      "Health probe execution duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "kind"},
		),
		ServiceUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "service_up",
				Help:      "Whether the last health probe for a service succeeded",
			},
			[]string{"service"},
		),
		ErrorRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "service_error_rate",
				Help:      "Probe error rate over the trailing window",
			},
			[]string{"service"},
		),
		DegradationLevel: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "degradation_level",
				Help:      "System degradation level (0=normal, 1=minor, 2=moderate, 3=severe, 4=critical)",
			},
		),
		FailedServices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "failed_services",
				Help:      "Number of services currently marked failed",
			},
		),
		DisabledFeatures: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "disabled_features",
				Help:      "Number of features currently disabled",
			},
		),
		ActiveFallbacks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "active_fallbacks",
				Help:      "Number of services currently served by a fallback",
			},
		),
		FallbackActivations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "fallback_activations_total",
				Help:      "Total fallback activations by service and outcome",
			},
			[]string{"service", "outcome"},
		),
		FallbackRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "fallback_requests_total",
				Help:      "Total requests routed to fallback handlers",
			},
			[]string{"service", "outcome"},
		),
		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "alerts_total",
				Help:      "Total alerts emitted by severity",
			},
			[]string{"severity"},
		),
	}

	m.registry.MustRegister(
		m.CircuitState,
		m.ServiceFailures,
		m.ServiceRecoveries,
		m.ProbeDuration,
		m.ServiceUp,
		m.ErrorRate,
		m.DegradationLevel,
		m.FailedServices,
		m.DisabledFeatures,
		m.ActiveFallbacks,
		m.FallbackActivations,
		m.FallbackRequests,
		m.AlertsTotal,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
