package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/NikhilSetiya/agentscan-rulegate/pkg/cache"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/resilience"
)

// StatusSource is the read side of a resilience instance. It is satisfied
// by *resilience.Resilience.
type StatusSource interface {
	CacheStats() map[string]cache.Stats
	AllCircuitStats() map[string]resilience.CircuitStats
	CurrentStatus() resilience.ServiceStatus
}

// StatusCollector exports cache counters, breaker states and the service
// level, reading them from the source at scrape time.
type StatusCollector struct {
	source StatusSource

	cacheHits        *prometheus.Desc
	cacheMisses      *prometheus.Desc
	cacheEvictions   *prometheus.Desc
	cacheExpirations *prometheus.Desc
	cacheSize        *prometheus.Desc
	cacheMaxSize     *prometheus.Desc
	cacheHitRatio    *prometheus.Desc

	breakerState    *prometheus.Desc
	breakerFailures *prometheus.Desc
	breakerRejected *prometheus.Desc

	serviceLevel *prometheus.Desc
}

// NewStatusCollector creates a collector for source using the namespace of
// config.
func NewStatusCollector(config *Config, source StatusSource) *StatusCollector {
	if config == nil {
		config = DefaultConfig()
	}
	name := func(n string) string {
		return prometheus.BuildFQName(config.Namespace, config.Subsystem, n)
	}
	cacheLabels := []string{"cache"}
	breakerLabels := []string{"breaker"}

	return &StatusCollector{
		source: source,

		cacheHits:        prometheus.NewDesc(name("cache_hits_total"), "Cache hits since creation or last clear", cacheLabels, nil),
		cacheMisses:      prometheus.NewDesc(name("cache_misses_total"), "Cache misses since creation or last clear", cacheLabels, nil),
		cacheEvictions:   prometheus.NewDesc(name("cache_evictions_total"), "Entries evicted to stay within capacity", cacheLabels, nil),
		cacheExpirations: prometheus.NewDesc(name("cache_expirations_total"), "Entries removed after their TTL elapsed", cacheLabels, nil),
		cacheSize:        prometheus.NewDesc(name("cache_entries"), "Current number of cache entries", cacheLabels, nil),
		cacheMaxSize:     prometheus.NewDesc(name("cache_max_entries"), "Cache capacity", cacheLabels, nil),
		cacheHitRatio:    prometheus.NewDesc(name("cache_hit_ratio"), "Cache hit ratio", cacheLabels, nil),

		breakerState:    prometheus.NewDesc(name("circuit_breaker_state"), "Circuit breaker state (0 closed, 1 open, 2 half-open)", breakerLabels, nil),
		breakerFailures: prometheus.NewDesc(name("circuit_breaker_failures"), "Failures counted towards the trip threshold", breakerLabels, nil),
		breakerRejected: prometheus.NewDesc(name("circuit_breaker_rejected_total"), "Calls rejected without invoking the operation", breakerLabels, nil),

		serviceLevel: prometheus.NewDesc(name("service_level"), "Service level (0 full, 1 degraded, 2 minimal, 3 emergency)", nil, nil),
	}
}

// Describe implements prometheus.Collector
func (c *StatusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cacheEvictions
	ch <- c.cacheExpirations
	ch <- c.cacheSize
	ch <- c.cacheMaxSize
	ch <- c.cacheHitRatio
	ch <- c.breakerState
	ch <- c.breakerFailures
	ch <- c.breakerRejected
	ch <- c.serviceLevel
}

// Collect implements prometheus.Collector
func (c *StatusCollector) Collect(ch chan<- prometheus.Metric) {
	for name, stats := range c.source.CacheStats() {
		ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(stats.Hits), name)
		ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(stats.Misses), name)
		ch <- prometheus.MustNewConstMetric(c.cacheEvictions, prometheus.CounterValue, float64(stats.Evictions), name)
		ch <- prometheus.MustNewConstMetric(c.cacheExpirations, prometheus.CounterValue, float64(stats.Expirations), name)
		ch <- prometheus.MustNewConstMetric(c.cacheSize, prometheus.GaugeValue, float64(stats.Size), name)
		ch <- prometheus.MustNewConstMetric(c.cacheMaxSize, prometheus.GaugeValue, float64(stats.MaxSize), name)
		ch <- prometheus.MustNewConstMetric(c.cacheHitRatio, prometheus.GaugeValue, stats.HitRate(), name)
	}

	for name, stats := range c.source.AllCircuitStats() {
		ch <- prometheus.MustNewConstMetric(c.breakerState, prometheus.GaugeValue, float64(stats.State), name)
		ch <- prometheus.MustNewConstMetric(c.breakerFailures, prometheus.GaugeValue, float64(stats.FailureCount), name)
		ch <- prometheus.MustNewConstMetric(c.breakerRejected, prometheus.CounterValue, float64(stats.RejectedCalls), name)
	}

	ch <- prometheus.MustNewConstMetric(c.serviceLevel, prometheus.GaugeValue, float64(c.source.CurrentStatus().Level))
}

// Register adds a StatusCollector for source to the metrics registry.
func (m *Metrics) Register(config *Config, source StatusSource) error {
	if config != nil && !config.Enabled {
		return nil
	}
	return m.registry.Register(NewStatusCollector(config, source))
}
