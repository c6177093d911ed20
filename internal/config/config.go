// Package config loads opskitd settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pavetrack/opskit"
	"github.com/pavetrack/opskit/pkg/cache"
	"github.com/pavetrack/opskit/pkg/logger"
	"github.com/pavetrack/opskit/pkg/tracing"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Capacity     int           `yaml:"capacity"`
	QueueSize    int           `yaml:"queue_size"`
	ShipEndpoint string        `yaml:"ship_endpoint"`
	SigningKey   string        `yaml:"signing_key"`
	ShipRate     float64       `yaml:"ship_rate"`
	ShipBurst    int           `yaml:"ship_burst"`
	ShipTimeout  time.Duration `yaml:"ship_timeout"`

	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

type CacheConfig struct {
	MaxSize         int64         `yaml:"max_size"`
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	Responses       bool          `yaml:"responses"`
	ResponseTTL     time.Duration `yaml:"response_ttl"`
	Methods         []string      `yaml:"methods"`
}

type PerformanceConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	DefaultObservers  bool          `yaml:"default_observers"`
	HeapTracking      bool          `yaml:"heap_tracking"`
	LongTaskThreshold time.Duration `yaml:"long_task_threshold"`
	SlowThreshold     time.Duration `yaml:"slow_threshold"`
	SkipMethods       []string      `yaml:"skip_methods"`
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

type Config struct {
	Environment     string        `yaml:"environment"`
	GRPCListen      string        `yaml:"grpc_listen"`
	HTTPListen      string        `yaml:"http_listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Log         LogConfig         `yaml:"log"`
	Cache       CacheConfig       `yaml:"cache"`
	Performance PerformanceConfig `yaml:"performance"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     tracing.Config    `yaml:"tracing"`
}

// Default returns the built-in configuration
func Default() *Config {
	mem := cache.DefaultMemoryConfig()
	ship := logger.DefaultHTTPShipperConfig()

	return &Config{
		Environment:     string(logger.Development),
		GRPCListen:      ":9090",
		HTTPListen:      ":9091",
		ShutdownTimeout: 10 * time.Second,
		Log: LogConfig{
			Capacity:    1000,
			QueueSize:   256,
			ShipRate:    ship.RatePerSec,
			ShipBurst:   ship.Burst,
			ShipTimeout: ship.Timeout,

			BreakerFailures: ship.BreakerFailures,
			BreakerCooldown: ship.BreakerCooldown,
		},
		Cache: CacheConfig{
			MaxSize:         mem.MaxSize,
			DefaultTTL:      mem.DefaultTTL,
			CleanupInterval: mem.CleanupInterval,
			ResponseTTL:     time.Minute,
		},
		Performance: PerformanceConfig{
			PollInterval:      time.Second,
			DefaultObservers:  true,
			LongTaskThreshold: 50 * time.Millisecond,
			SlowThreshold:     time.Second,
			SkipMethods:       []string{"/grpc.health.v1.Health/Check", "/grpc.health.v1.Health/Watch"},
		},
		Metrics: MetricsConfig{
			Namespace: "opskit",
		},
		Tracing: *tracing.DefaultConfig(),
	}
}

// Load reads path over the defaults, then applies OPSKIT_* environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Environment, "OPSKIT_ENV")
	setString(&c.GRPCListen, "OPSKIT_GRPC_LISTEN")
	setString(&c.HTTPListen, "OPSKIT_HTTP_LISTEN")
	setString(&c.Log.ShipEndpoint, "OPSKIT_LOG_SHIP_ENDPOINT")
	setString(&c.Log.SigningKey, "OPSKIT_LOG_SIGNING_KEY")
	setString(&c.Metrics.Namespace, "OPSKIT_METRICS_NAMESPACE")
	setString(&c.Tracing.Endpoint, "JAEGER_ENDPOINT")

	if v := os.Getenv("OPSKIT_CACHE_MAX_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("OPSKIT_CACHE_MAX_SIZE: %w", err)
		}
		c.Cache.MaxSize = n
	}
	if v := os.Getenv("OPSKIT_TRACING_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("OPSKIT_TRACING_ENABLED: %w", err)
		}
		c.Tracing.Enabled = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks values that would otherwise fail later at startup
func (c *Config) Validate() error {
	var errs []error

	switch logger.Environment(c.Environment) {
	case logger.Development, logger.Production:
	default:
		errs = append(errs, fmt.Errorf("environment must be %q or %q, got %q",
			logger.Development, logger.Production, c.Environment))
	}
	if c.GRPCListen == "" {
		errs = append(errs, errors.New("grpc_listen is required"))
	}
	if c.Cache.MaxSize < 0 {
		errs = append(errs, errors.New("cache.max_size must not be negative"))
	}
	if c.Log.Capacity < 0 {
		errs = append(errs, errors.New("log.capacity must not be negative"))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sampling_rate must be within [0, 1], got %v", c.Tracing.SamplingRate))
	}

	return errors.Join(errs...)
}

// Shipper builds the remote log shipper, or nil when no endpoint is set
func (c *Config) Shipper() (logger.Shipper, error) {
	if c.Log.ShipEndpoint == "" {
		return nil, nil
	}

	ship := logger.DefaultHTTPShipperConfig()
	ship.Endpoint = c.Log.ShipEndpoint
	ship.SigningKey = c.Log.SigningKey
	ship.RatePerSec = c.Log.ShipRate
	ship.Burst = c.Log.ShipBurst
	ship.Timeout = c.Log.ShipTimeout
	ship.BreakerFailures = c.Log.BreakerFailures
	ship.BreakerCooldown = c.Log.BreakerCooldown

	shipper, err := logger.NewHTTPShipper(ship)
	if err != nil {
		return nil, fmt.Errorf("log shipper: %w", err)
	}
	return shipper, nil
}

// Kit converts the file configuration into an opskit configuration
func (c *Config) Kit() (*opskit.Config, error) {
	shipper, err := c.Shipper()
	if err != nil {
		return nil, err
	}

	kit := opskit.DefaultConfig()
	kit.Environment = logger.Environment(c.Environment)
	kit.LogCapacity = c.Log.Capacity
	kit.LogQueue = c.Log.QueueSize
	if shipper != nil {
		kit.Shipper = shipper
	}

	kit.Cache = &cache.MemoryConfig{
		MaxSize:         c.Cache.MaxSize,
		DefaultTTL:      c.Cache.DefaultTTL,
		CleanupInterval: c.Cache.CleanupInterval,
	}
	kit.CacheResponses = c.Cache.Responses
	kit.ResponseTTL = c.Cache.ResponseTTL
	kit.CacheMethods = c.Cache.Methods

	kit.PollInterval = c.Performance.PollInterval
	kit.DefaultObservers = c.Performance.DefaultObservers
	kit.HeapTracking = c.Performance.HeapTracking
	kit.LongTaskThreshold = c.Performance.LongTaskThreshold
	kit.SlowThreshold = c.Performance.SlowThreshold
	kit.SkipMethods = c.Performance.SkipMethods

	kit.MetricsNamespace = c.Metrics.Namespace

	return kit, nil
}
