// Package tracing wires OpenTelemetry tracing with a Jaeger exporter.
package tracing

import (
	"os"
	"strconv"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config represents the tracing configuration
type Config struct {
	Enabled        bool              `yaml:"enabled"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	Endpoint       string            `yaml:"endpoint"`       // Jaeger collector (HTTP)
	AgentEndpoint  string            `yaml:"agent_endpoint"` // Jaeger agent (UDP), used when Endpoint is empty
	SamplingRate   float64           `yaml:"sampling_rate"`
	MaxExportBatch int               `yaml:"max_export_batch"`
	MaxQueueSize   int               `yaml:"max_queue_size"`
	ExportTimeout  time.Duration     `yaml:"export_timeout"`
	Attributes     map[string]string `yaml:"attributes"`
}

// DefaultConfig returns the default tracing configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:        getEnvBool("OPSKIT_TRACING_ENABLED", false),
		ServiceName:    getEnvOrDefault("OPSKIT_SERVICE_NAME", "opskit"),
		ServiceVersion: "1.0.0",
		Environment:    getEnvOrDefault("OPSKIT_ENV", "development"),
		Endpoint:       getEnvOrDefault("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		SamplingRate:   getEnvFloat("OPSKIT_TRACING_SAMPLING_RATE", 1.0),
		MaxExportBatch: 512,
		MaxQueueSize:   2048,
		ExportTimeout:  30 * time.Second,
	}
}

// Option customises Setup
type Option func(*setupOptions)

type setupOptions struct {
	exporter sdktrace.SpanExporter
	global   bool
}

// WithExporter replaces the Jaeger exporter
func WithExporter(exporter sdktrace.SpanExporter) Option {
	return func(o *setupOptions) {
		o.exporter = exporter
	}
}

// WithoutGlobal leaves the global tracer provider and propagator untouched
func WithoutGlobal() Option {
	return func(o *setupOptions) {
		o.global = false
	}
}

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}
