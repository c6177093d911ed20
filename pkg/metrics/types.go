// Package metrics exports cache, logger and performance telemetry to Prometheus
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Cache event names passed to RecordCacheEvent
const (
	CacheHit        = "hit"
	CacheMiss       = "miss"
	CacheSet        = "set"
	CacheDelete     = "delete"
	CacheEviction   = "eviction"
	CacheExpiration = "expiration"
	CacheRejected   = "rejected"
)

// MetricsCollector defines the interface for metrics collection
type MetricsCollector interface {
	// RecordSample records one performance sample for a named series
	RecordSample(metric string, value float64)

	// RecordThresholdBreach counts a sample that exceeded its threshold
	RecordThresholdBreach(metric string)

	// RecordCacheEvent counts a cache event (hit, miss, eviction, ...)
	RecordCacheEvent(event string)

	// SetCacheSize updates the cache occupancy gauges
	SetCacheSize(bytes int64, entries int)

	// RecordLogEntry counts a buffered log entry by level
	RecordLogEntry(level string)

	// RecordShipResult counts a remote log shipping outcome
	RecordShipResult(ok bool)

	// GetRegistry returns the prometheus registry
	GetRegistry() *prometheus.Registry
}

// Config holds configuration for metrics collection
type Config struct {
	// Namespace for metrics (e.g., "opskit")
	Namespace string

	// Subsystem for metrics
	Subsystem string

	// Histogram buckets for performance samples (milliseconds)
	SampleBuckets []float64

	// Label performance metrics with the series name
	EnablePerMetricLabels bool

	// Constant labels to add to all metrics
	ConstLabels map[string]string
}

// DefaultConfig returns the default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace:             "opskit",
		EnablePerMetricLabels: true,
		SampleBuckets: []float64{
			1,    // 1ms
			5,    // 5ms
			10,   // 10ms
			25,   // 25ms
			50,   // 50ms
			100,  // 100ms
			250,  // 250ms
			500,  // 500ms
			1000, // 1s
			2500, // 2.5s
			5000, // 5s
		},
		ConstLabels: make(map[string]string),
	}
}

// ConfigOption is a function that configures a Config
type ConfigOption func(*Config)

// WithNamespace sets the namespace for metrics
func WithNamespace(namespace string) ConfigOption {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the subsystem for metrics
func WithSubsystem(subsystem string) ConfigOption {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithSampleBuckets sets custom histogram buckets
func WithSampleBuckets(buckets []float64) ConfigOption {
	return func(c *Config) {
		c.SampleBuckets = buckets
	}
}

// WithConstLabels sets constant labels for all metrics
func WithConstLabels(labels map[string]string) ConfigOption {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithoutPerMetricLabels folds every performance series into one label value
func WithoutPerMetricLabels() ConfigOption {
	return func(c *Config) {
		c.EnablePerMetricLabels = false
	}
}

// NopCollector discards everything
type NopCollector struct {
	registry *prometheus.Registry
}

// NewNopCollector creates a collector that records nothing
func NewNopCollector() *NopCollector {
	return &NopCollector{registry: prometheus.NewRegistry()}
}

func (n *NopCollector) RecordSample(string, float64) {}
func (n *NopCollector) RecordThresholdBreach(string) {}
func (n *NopCollector) RecordCacheEvent(string)      {}
func (n *NopCollector) SetCacheSize(int64, int)      {}
func (n *NopCollector) RecordLogEntry(string)        {}
func (n *NopCollector) RecordShipResult(bool)        {}

// GetRegistry returns an empty registry
func (n *NopCollector) GetRegistry() *prometheus.Registry {
	return n.registry
}
