package middleware

import (
	"context"
	"time"

	"github.com/pavetrack/opskit/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequestIDHeader is the metadata key carrying a caller supplied request id
const RequestIDHeader = "x-request-id"

// LoggingConfig holds configuration for logging middleware
type LoggingConfig struct {
	Level           logger.Level
	LogRequestBody  bool
	LogResponseBody bool
	ExtraFields     map[string]interface{}
}

// LoggingOption is a functional option for logging configuration
type LoggingOption func(*LoggingConfig)

// WithLevel sets the level of request start and success entries
func WithLevel(level logger.Level) LoggingOption {
	return func(c *LoggingConfig) {
		c.Level = level
	}
}

// WithRequestBody enables request body logging
func WithRequestBody() LoggingOption {
	return func(c *LoggingConfig) {
		c.LogRequestBody = true
	}
}

// WithResponseBody enables response body logging
func WithResponseBody() LoggingOption {
	return func(c *LoggingConfig) {
		c.LogResponseBody = true
	}
}

// WithExtraFields adds extra fields to all log entries
func WithExtraFields(fields map[string]interface{}) LoggingOption {
	return func(c *LoggingConfig) {
		c.ExtraFields = fields
	}
}

// Logging records the start and finish of each unary RPC in l
func Logging(l *logger.Logger, opts ...LoggingOption) func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	config := &LoggingConfig{
		Level: logger.InfoLevel,
	}
	for _, opt := range opts {
		opt(config)
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()

		fields := config.baseFields(ctx, info.FullMethod)
		if config.LogRequestBody {
			fields["request"] = req
		}
		l.Log(config.Level, "gRPC request started", fields, nil)

		resp, err := handler(ctx, req)

		fields = config.baseFields(ctx, info.FullMethod)
		addDuration(fields, time.Since(start))
		if config.LogResponseBody && err == nil {
			fields["response"] = resp
		}
		config.finish(l, fields, err)

		return resp, err
	}
}

// StreamLogging records the start and finish of each streaming RPC in l
func StreamLogging(l *logger.Logger, opts ...LoggingOption) func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	config := &LoggingConfig{
		Level: logger.InfoLevel,
	}
	for _, opt := range opts {
		opt(config)
	}

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		ctx := ss.Context()

		fields := config.baseFields(ctx, info.FullMethod)
		fields["client_stream"] = info.IsClientStream
		fields["server_stream"] = info.IsServerStream
		l.Log(config.Level, "gRPC stream started", fields, nil)

		err := handler(srv, ss)

		fields = config.baseFields(ctx, info.FullMethod)
		addDuration(fields, time.Since(start))
		config.finish(l, fields, err)

		return err
	}
}

func (c *LoggingConfig) baseFields(ctx context.Context, method string) map[string]interface{} {
	fields := map[string]interface{}{
		"method":  method,
		"service": extractServiceName(method),
	}
	for k, v := range c.ExtraFields {
		fields[k] = v
	}
	if id, ok := RequestID(ctx); ok {
		fields["request_id"] = id
	}
	return fields
}

// finish logs the outcome at a level chosen by status code
func (c *LoggingConfig) finish(l *logger.Logger, fields map[string]interface{}, err error) {
	if err == nil {
		fields["grpc_code"] = codes.OK.String()
		l.Log(c.Level, "gRPC request completed", fields, nil)
		return
	}

	st := status.Convert(err)
	fields["grpc_code"] = st.Code().String()

	switch st.Code() {
	case codes.Internal, codes.Unknown, codes.DataLoss:
		l.Error("gRPC request failed", fields, err)
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
		codes.PermissionDenied, codes.Unauthenticated:
		l.Warn("gRPC request rejected", fields, err)
	default:
		l.Info("gRPC request completed with error", fields, err)
	}
}

func addDuration(fields map[string]interface{}, d time.Duration) {
	fields["duration"] = d.String()
	fields["duration_ms"] = d.Milliseconds()
}

// RequestID returns the request id from incoming metadata
func RequestID(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	values := md.Get(RequestIDHeader)
	if len(values) == 0 || values[0] == "" {
		return "", false
	}
	return values[0], true
}

// AccessLog records one compact entry per RPC
func AccessLog(l *logger.Logger) func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		l.Info("access", map[string]interface{}{
			"method":   info.FullMethod,
			"code":     status.Code(err).String(),
			"duration": time.Since(start).String(),
			"time":     start.UTC().Format(time.RFC3339),
		}, nil)

		return resp, err
	}
}
