package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// allMetrics is the label value used when per-metric labels are disabled
const allMetrics = "all"

// PrometheusCollector implements MetricsCollector for Prometheus
type PrometheusCollector struct {
	config   *Config
	registry *prometheus.Registry

	// Performance metrics
	samples           *prometheus.HistogramVec
	thresholdBreaches *prometheus.CounterVec

	// Cache metrics
	cacheEvents  *prometheus.CounterVec
	cacheBytes   prometheus.Gauge
	cacheEntries prometheus.Gauge

	// Logger metrics
	logEntries  *prometheus.CounterVec
	shipResults *prometheus.CounterVec
}

// NewPrometheusCollector creates a new Prometheus metrics collector
func NewPrometheusCollector(opts ...ConfigOption) (*PrometheusCollector, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	collector := &PrometheusCollector{
		config:   config,
		registry: prometheus.NewRegistry(),
	}

	if err := collector.initMetrics(); err != nil {
		return nil, err
	}

	return collector, nil
}

// initMetrics initializes all Prometheus metrics
func (p *PrometheusCollector) initMetrics() error {
	p.samples = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "perf_sample_value",
			Help:        "Histogram of recorded performance samples",
			Buckets:     p.config.SampleBuckets,
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"metric"},
	)

	p.thresholdBreaches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "perf_threshold_breaches_total",
			Help:        "Total number of samples that exceeded their metric threshold",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"metric"},
	)

	p.cacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "cache_events_total",
			Help:        "Total number of cache events by type",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"event"},
	)

	p.cacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "cache_size_bytes",
			Help:        "Estimated bytes held by live cache entries",
			ConstLabels: p.config.ConstLabels,
		},
	)

	p.cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "cache_entries",
			Help:        "Number of live cache entries",
			ConstLabels: p.config.ConstLabels,
		},
	)

	p.logEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "log_entries_total",
			Help:        "Total number of buffered log entries by level",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"level"},
	)

	p.shipResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "log_ship_total",
			Help:        "Total number of remote log shipping attempts by result",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"result"},
	)

	for _, c := range []prometheus.Collector{
		p.samples,
		p.thresholdBreaches,
		p.cacheEvents,
		p.cacheBytes,
		p.cacheEntries,
		p.logEntries,
		p.shipResults,
	} {
		if err := p.registry.Register(c); err != nil {
			return err
		}
	}

	return nil
}

func (p *PrometheusCollector) metricLabel(metric string) string {
	if p.config.EnablePerMetricLabels {
		return metric
	}
	return allMetrics
}

// RecordSample records one performance sample
func (p *PrometheusCollector) RecordSample(metric string, value float64) {
	p.samples.WithLabelValues(p.metricLabel(metric)).Observe(value)
}

// RecordThresholdBreach counts a threshold breach
func (p *PrometheusCollector) RecordThresholdBreach(metric string) {
	p.thresholdBreaches.WithLabelValues(p.metricLabel(metric)).Inc()
}

// RecordCacheEvent counts a cache event
func (p *PrometheusCollector) RecordCacheEvent(event string) {
	p.cacheEvents.WithLabelValues(event).Inc()
}

// SetCacheSize updates the cache occupancy gauges
func (p *PrometheusCollector) SetCacheSize(bytes int64, entries int) {
	p.cacheBytes.Set(float64(bytes))
	p.cacheEntries.Set(float64(entries))
}

// RecordLogEntry counts a log entry
func (p *PrometheusCollector) RecordLogEntry(level string) {
	p.logEntries.WithLabelValues(level).Inc()
}

// RecordShipResult counts a shipping outcome
func (p *PrometheusCollector) RecordShipResult(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	p.shipResults.WithLabelValues(result).Inc()
}

// GetRegistry returns the Prometheus registry
func (p *PrometheusCollector) GetRegistry() *prometheus.Registry {
	return p.registry
}

// MustRegister registers a custom collector
func (p *PrometheusCollector) MustRegister(collectors ...prometheus.Collector) {
	p.registry.MustRegister(collectors...)
}

// Unregister unregisters a collector
func (p *PrometheusCollector) Unregister(collector prometheus.Collector) bool {
	return p.registry.Unregister(collector)
}
