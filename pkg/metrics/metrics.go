package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NikhilSetiya/agentscan-rulegate/pkg/errors"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/resilience"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Rule loading metrics
	RuleLoadsTotal   *prometheus.CounterVec
	RuleLoadDuration *prometheus.HistogramVec

	// Resilience metrics
	RetryAttemptsTotal      *prometheus.CounterVec
	RetryOutcomesTotal      *prometheus.CounterVec
	BreakerTransitionsTotal *prometheus.CounterVec
	LevelChangesTotal       *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "rulegate",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates all metrics and registers them with registry. A nil
// registry gets a fresh one so that several instances can coexist in tests.
// Disabled metrics return a Metrics whose recorders are no-ops.
func NewMetrics(config *Config, registry *prometheus.Registry) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	if !config.Enabled {
		return &Metrics{registry: registry}
	}

	m := &Metrics{
		registry: registry,

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		RuleLoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "rule_loads_total",
				Help:      "Total number of rule set loads by source of the returned rules",
			},
			[]string{"rule_set", "source"},
		),
		RuleLoadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "rule_load_duration_seconds",
				Help:      "Rule set load duration in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"source"},
		),

		RetryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_attempts_total",
				Help:      "Total number of retries scheduled after a failed attempt",
			},
			[]string{"operation"},
		),
		RetryOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_outcomes_total",
				Help:      "Total number of retry loops by stop reason",
			},
			[]string{"operation", "reason"},
		),
		BreakerTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),
		LevelChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "service_level_changes_total",
				Help:      "Total number of service level changes by target level",
			},
			[]string{"level"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"component", "error_type"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.RuleLoadsTotal,
		m.RuleLoadDuration,
		m.RetryAttemptsTotal,
		m.RetryOutcomesTotal,
		m.BreakerTransitionsTotal,
		m.LevelChangesTotal,
		m.ErrorsTotal,
	)

	return m
}

// Registry returns the registry the metrics were registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordRuleLoad records a completed rule set load. source names where the
// returned rules came from.
func (m *Metrics) RecordRuleLoad(ruleSet, source string, duration time.Duration) {
	if m.RuleLoadsTotal == nil {
		return
	}

	m.RuleLoadsTotal.WithLabelValues(ruleSet, source).Inc()
	m.RuleLoadDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordRetryOutcome records how a retry loop for operation ended.
func (m *Metrics) RecordRetryOutcome(operation string, reason resilience.StopReason) {
	if m.RetryOutcomesTotal == nil {
		return
	}

	m.RetryOutcomesTotal.WithLabelValues(operation, string(reason)).Inc()
}

// RetryObserver returns a RetryPolicy.OnRetry hook counting retries of
// operation.
func (m *Metrics) RetryObserver(operation string) func(attempt int, err error, delay time.Duration) {
	return func(int, error, time.Duration) {
		if m.RetryAttemptsTotal == nil {
			return
		}
		m.RetryAttemptsTotal.WithLabelValues(operation).Inc()
	}
}

// CircuitStateChanged counts a breaker transition. Its signature matches
// CircuitBreakerConfig.OnStateChange.
func (m *Metrics) CircuitStateChanged(name string, from, to resilience.CircuitState) {
	if m.BreakerTransitionsTotal == nil {
		return
	}

	m.BreakerTransitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
}

// LevelChanged counts a service level change. Its signature matches
// DegradationConfig.OnLevelChange.
func (m *Metrics) LevelChanged(from, to resilience.ServiceStatus) {
	if m.LevelChangesTotal == nil {
		return
	}

	m.LevelChangesTotal.WithLabelValues(to.Level.String()).Inc()
}

// RecordError records error metrics
func (m *Metrics) RecordError(component string, err error) {
	if m.ErrorsTotal == nil || err == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, string(errors.GetType(err))).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler for the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
