package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/pavetrack/opskit/pkg/performance"
	"google.golang.org/grpc"
)

// RPCMetricPrefix prefixes the series name of every measured RPC
const RPCMetricPrefix = "rpc:"

// RPCMetricName returns the series name used for a full method
func RPCMetricName(fullMethod string) string {
	return RPCMetricPrefix + fullMethod
}

// PerformanceConfig holds configuration for performance middleware
type PerformanceConfig struct {
	DefaultThreshold time.Duration
	MethodThresholds map[string]time.Duration
	SkipMethods      map[string]bool
}

// PerformanceOption is a functional option for performance configuration
type PerformanceOption func(*PerformanceConfig)

// WithDefaultThreshold sets a slow-call threshold for every method that has
// no explicit one
func WithDefaultThreshold(d time.Duration) PerformanceOption {
	return func(c *PerformanceConfig) {
		c.DefaultThreshold = d
	}
}

// WithMethodThreshold sets a slow-call threshold for one method
func WithMethodThreshold(method string, d time.Duration) PerformanceOption {
	return func(c *PerformanceConfig) {
		if c.MethodThresholds == nil {
			c.MethodThresholds = make(map[string]time.Duration)
		}
		c.MethodThresholds[method] = d
	}
}

// WithSkipPerformance leaves a method unmeasured
func WithSkipPerformance(method string) PerformanceOption {
	return func(c *PerformanceConfig) {
		if c.SkipMethods == nil {
			c.SkipMethods = make(map[string]bool)
		}
		c.SkipMethods[method] = true
	}
}

// thresholds installs per-method thresholds on the monitor the first time a
// method is seen
type thresholds struct {
	monitor *performance.Monitor
	config  *PerformanceConfig
	seen    sync.Map
}

func (t *thresholds) ensure(method string) {
	if _, loaded := t.seen.LoadOrStore(method, struct{}{}); loaded {
		return
	}

	d, ok := t.config.MethodThresholds[method]
	if !ok {
		d = t.config.DefaultThreshold
	}
	if d > 0 {
		t.monitor.SetThreshold(RPCMetricName(method), float64(d)/float64(time.Millisecond))
	}
}

func newThresholds(m *performance.Monitor, opts []PerformanceOption) *thresholds {
	config := &PerformanceConfig{}
	for _, opt := range opts {
		opt(config)
	}
	return &thresholds{monitor: m, config: config}
}

// Performance measures each unary RPC into m as "rpc:<FullMethod>"
func Performance(m *performance.Monitor, opts ...PerformanceOption) func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	t := newThresholds(m, opts)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		method := info.FullMethod
		if t.config.SkipMethods[method] {
			return handler(ctx, req)
		}
		t.ensure(method)

		return performance.MeasureValue(ctx, m, RPCMetricName(method), func(ctx context.Context) (interface{}, error) {
			return handler(ctx, req)
		})
	}
}

// PerformanceLog measures each unary RPC into m with threshold as the
// slow-call ceiling for every method. Slow calls surface as the monitor's
// threshold warning and breach counter.
func PerformanceLog(m *performance.Monitor, threshold time.Duration) func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	return Performance(m, WithDefaultThreshold(threshold))
}

// StreamPerformance measures each streaming RPC into m as "rpc:<FullMethod>"
func StreamPerformance(m *performance.Monitor, opts ...PerformanceOption) func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	t := newThresholds(m, opts)

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		method := info.FullMethod
		if t.config.SkipMethods[method] {
			return handler(srv, ss)
		}
		t.ensure(method)

		return m.MeasureContext(ss.Context(), RPCMetricName(method), func(ctx context.Context) error {
			return handler(srv, &contextStream{ServerStream: ss, ctx: ctx})
		})
	}
}

// contextStream replaces the context of a server stream
type contextStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the replaced context
func (s *contextStream) Context() context.Context {
	return s.ctx
}
