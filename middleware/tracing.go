package middleware

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// tracerName is the instrumentation name of spans started here
const tracerName = "github.com/pavetrack/opskit/middleware"

// TracingConfig holds configuration for tracing middleware
type TracingConfig struct {
	Tracer       trace.Tracer
	Propagator   propagation.TextMapPropagator
	RecordErrors bool
	RecordEvents bool
	ExtraAttrs   []attribute.KeyValue
}

// TracingOption is a functional option for tracing configuration
type TracingOption func(*TracingConfig)

// WithTracer sets a custom tracer
func WithTracer(tracer trace.Tracer) TracingOption {
	return func(c *TracingConfig) {
		c.Tracer = tracer
	}
}

// WithPropagator sets a custom propagator
func WithPropagator(propagator propagation.TextMapPropagator) TracingOption {
	return func(c *TracingConfig) {
		c.Propagator = propagator
	}
}

// WithoutErrorRecording stops failed RPCs from adding exception events
func WithoutErrorRecording() TracingOption {
	return func(c *TracingConfig) {
		c.RecordErrors = false
	}
}

// WithoutEvents stops request and response events being added to spans
func WithoutEvents() TracingOption {
	return func(c *TracingConfig) {
		c.RecordEvents = false
	}
}

// WithExtraAttributes adds extra attributes to all spans
func WithExtraAttributes(attrs ...attribute.KeyValue) TracingOption {
	return func(c *TracingConfig) {
		c.ExtraAttrs = append(c.ExtraAttrs, attrs...)
	}
}

func newTracingConfig(opts []TracingOption) *TracingConfig {
	config := &TracingConfig{
		RecordErrors: true,
		RecordEvents: true,
	}
	for _, opt := range opts {
		opt(config)
	}
	if config.Tracer == nil {
		config.Tracer = otel.Tracer(tracerName)
	}
	if config.Propagator == nil {
		config.Propagator = otel.GetTextMapPropagator()
	}
	return config
}

// Tracing starts a server span for each unary RPC. Hosts that already install
// an otelgrpc stats handler do not need it.
func Tracing(opts ...TracingOption) func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	config := newTracingConfig(opts)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, span := config.start(ctx, info.FullMethod)
		defer span.End()

		config.event(span, "grpc.request.received")
		resp, err := handler(ctx, req)
		config.event(span, "grpc.response.sent")

		config.finish(span, err)
		return resp, err
	}
}

// StreamTracing starts a server span for each streaming RPC
func StreamTracing(opts ...TracingOption) func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	config := newTracingConfig(opts)

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, span := config.start(ss.Context(), info.FullMethod,
			attribute.Bool("rpc.stream.client_streaming", info.IsClientStream),
			attribute.Bool("rpc.stream.server_streaming", info.IsServerStream),
		)
		defer span.End()

		config.event(span, "grpc.stream.started")
		err := handler(srv, &contextStream{ServerStream: ss, ctx: ctx})
		config.event(span, "grpc.stream.completed")

		config.finish(span, err)
		return err
	}
}

func (c *TracingConfig) start(ctx context.Context, method string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		ctx = c.Propagator.Extract(ctx, &metadataCarrier{md: md})
	}

	attrs = append(attrs,
		attribute.String("rpc.system", "grpc"),
		attribute.String("rpc.service", extractServiceName(method)),
		attribute.String("rpc.method", extractMethodName(method)),
	)
	if id, ok := RequestID(ctx); ok {
		attrs = append(attrs, attribute.String("rpc.request_id", id))
	}
	attrs = append(attrs, c.ExtraAttrs...)

	return c.Tracer.Start(ctx, method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
}

func (c *TracingConfig) event(span trace.Span, name string) {
	if c.RecordEvents {
		span.AddEvent(name)
	}
}

func (c *TracingConfig) finish(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attribute.String("rpc.grpc.status_code", "OK"))
		return
	}

	st := status.Convert(err)
	span.SetStatus(codes.Error, st.Message())
	span.SetAttributes(attribute.String("rpc.grpc.status_code", st.Code().String()))
	if c.RecordErrors {
		span.RecordError(err)
	}
}

// metadataCarrier adapts grpc metadata to be a TextMapCarrier
type metadataCarrier struct {
	md metadata.MD
}

func (mc *metadataCarrier) Get(key string) string {
	values := mc.md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (mc *metadataCarrier) Set(key string, value string) {
	mc.md.Set(key, value)
}

func (mc *metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(mc.md))
	for k := range mc.md {
		keys = append(keys, k)
	}
	return keys
}

// InjectTraceContext copies the span context in ctx into outgoing metadata
func InjectTraceContext(ctx context.Context) context.Context {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		md = metadata.New(nil)
	} else {
		md = md.Copy()
	}

	otel.GetTextMapPropagator().Inject(ctx, &metadataCarrier{md: md})
	return metadata.NewOutgoingContext(ctx, md)
}

// extractServiceName returns "pkg.Service" from "/pkg.Service/Method"
func extractServiceName(fullMethod string) string {
	trimmed := strings.TrimPrefix(fullMethod, "/")
	if i := strings.Index(trimmed, "/"); i >= 0 {
		return trimmed[:i]
	}
	return fullMethod
}

// extractMethodName returns "Method" from "/pkg.Service/Method"
func extractMethodName(fullMethod string) string {
	if i := strings.LastIndex(fullMethod, "/"); i >= 0 {
		return fullMethod[i+1:]
	}
	return fullMethod
}
