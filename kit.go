package opskit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pavetrack/opskit/middleware"
	"github.com/pavetrack/opskit/pkg/cache"
	"github.com/pavetrack/opskit/pkg/logger"
	"github.com/pavetrack/opskit/pkg/metrics"
	"github.com/pavetrack/opskit/pkg/performance"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Config describes the services a Kit owns
type Config struct {
	Environment logger.Environment
	LogCapacity int
	LogQueue    int
	Shipper     logger.Shipper
	Console     *zap.Logger

	Cache          *cache.MemoryConfig
	CacheResponses bool
	ResponseTTL    time.Duration
	CacheMethods   []string // when set, only these methods are cached

	PollInterval      time.Duration
	DefaultObservers  bool
	HeapTracking      bool
	LongTaskThreshold time.Duration
	SlowThreshold     time.Duration
	Tracer            trace.Tracer

	// TraceRequests adds span-per-RPC middleware; leave it off when the
	// server already has an otelgrpc stats handler
	TraceRequests bool

	MetricsNamespace string
	SkipMethods      []string // not logged or measured
}

// DefaultConfig returns the default kit configuration
func DefaultConfig() *Config {
	return &Config{
		Environment:      logger.Development,
		LogCapacity:      1000,
		Cache:            cache.DefaultMemoryConfig(),
		ResponseTTL:      time.Minute,
		PollInterval:     time.Second,
		DefaultObservers: true,
		SlowThreshold:    time.Second,
		MetricsNamespace: "opskit",
	}
}

// Kit owns the logger, cache, monitor and collector of one process and
// exposes them as gRPC interceptors
type Kit struct {
	Logger    *logger.Logger
	Cache     *cache.MemoryBackend
	Monitor   *performance.Monitor
	Collector *metrics.PrometheusCollector

	chain *Chain
}

// New builds a Kit. A nil config uses DefaultConfig.
func New(cfg *Config) (*Kit, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	collector, err := metrics.NewPrometheusCollector(metrics.WithNamespace(cfg.MetricsNamespace))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	logOpts := []logger.Option{
		logger.WithEnvironment(cfg.Environment),
		logger.WithCapacity(cfg.LogCapacity),
		logger.WithQueueSize(cfg.LogQueue),
		logger.WithShipper(cfg.Shipper),
		logger.WithCollector(collector),
	}
	if cfg.Console != nil {
		logOpts = append(logOpts, logger.WithConsole(cfg.Console))
	}
	log := logger.New(logOpts...)

	backend := cache.NewMemoryBackend(cfg.Cache,
		cache.WithLogger(log),
		cache.WithCollector(collector),
	)

	perfOpts := []performance.Option{
		performance.WithLogger(log),
		performance.WithCollector(collector),
		performance.WithPollInterval(cfg.PollInterval),
		performance.WithLongTaskThreshold(cfg.LongTaskThreshold),
	}
	if !cfg.DefaultObservers {
		perfOpts = append(perfOpts, performance.WithoutDefaultObservers())
	}
	if cfg.HeapTracking {
		perfOpts = append(perfOpts, performance.WithHeapTracking())
	}
	if cfg.Tracer != nil {
		perfOpts = append(perfOpts, performance.WithTracer(cfg.Tracer))
	}
	monitor := performance.New(perfOpts...)

	k := &Kit{
		Logger:    log,
		Cache:     backend,
		Monitor:   monitor,
		Collector: collector,
	}
	k.chain = k.buildChain(cfg)

	log.Info("opskit started", map[string]interface{}{
		"environment": string(cfg.Environment),
		"observers":   monitor.Observers(),
	}, nil)

	return k, nil
}

func (k *Kit) buildChain(cfg *Config) *Chain {
	chain := NewChain()

	var tracingOpts []middleware.TracingOption
	if cfg.Tracer != nil {
		tracingOpts = append(tracingOpts, middleware.WithTracer(cfg.Tracer))
	}
	if cfg.TraceRequests {
		chain.Append(middleware.Tracing(tracingOpts...))
		chain.AppendStream(middleware.StreamTracing(tracingOpts...))
	}

	skip := make(map[string]bool, len(cfg.SkipMethods))
	perfOpts := []middleware.PerformanceOption{middleware.WithDefaultThreshold(cfg.SlowThreshold)}
	for _, method := range cfg.SkipMethods {
		skip[method] = true
		perfOpts = append(perfOpts, middleware.WithSkipPerformance(method))
	}

	chain.Append(skipping(skip, middleware.Logging(k.Logger)))
	chain.AppendStream(skippingStream(skip, middleware.StreamLogging(k.Logger)))

	chain.Append(middleware.Performance(k.Monitor, perfOpts...))
	chain.AppendStream(middleware.StreamPerformance(k.Monitor, perfOpts...))

	if cfg.CacheResponses {
		cacheOpts := []middleware.CacheOption{
			middleware.WithCacheBackend(k.Cache),
			middleware.WithTTL(cfg.ResponseTTL),
		}
		for _, method := range cfg.CacheMethods {
			cacheOpts = append(cacheOpts, middleware.WithOnlyMethod(method))
		}
		for _, method := range cfg.SkipMethods {
			cacheOpts = append(cacheOpts, middleware.WithSkipMethod(method))
		}
		chain.Append(middleware.Cache(cacheOpts...))
	}

	return chain
}

// skipping bypasses mw for the listed methods
func skipping(skip map[string]bool, mw Middleware) Middleware {
	if len(skip) == 0 {
		return mw
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if skip[info.FullMethod] {
			return handler(ctx, req)
		}
		return mw(ctx, req, info, handler)
	}
}

func skippingStream(skip map[string]bool, mw StreamMiddleware) StreamMiddleware {
	if len(skip) == 0 {
		return mw
	}
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if skip[info.FullMethod] {
			return handler(srv, ss)
		}
		return mw(srv, ss, info, handler)
	}
}

// Chain returns the interceptor chain so callers can add their own middleware
func (k *Kit) Chain() *Chain {
	return k.chain
}

// UnaryInterceptor returns the kit's unary interceptor
func (k *Kit) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return k.chain.UnaryInterceptor()
}

// StreamInterceptor returns the kit's stream interceptor
func (k *Kit) StreamInterceptor() grpc.StreamServerInterceptor {
	return k.chain.StreamInterceptor()
}

// ServerOptions returns options installing the kit's interceptors
func (k *Kit) ServerOptions() []grpc.ServerOption {
	return k.chain.ServerOptions()
}

// Close stops the monitor's observers, the cache sweep and log shipping
func (k *Kit) Close() error {
	k.Monitor.Disconnect()
	k.Cache.Close()

	var errs []error
	if err := k.Logger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("logger: %w", err))
	}
	return errors.Join(errs...)
}
