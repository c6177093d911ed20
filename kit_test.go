package opskit

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pavetrack/opskit/middleware"
	"github.com/pavetrack/opskit/pkg/cache"
	"github.com/pavetrack/opskit/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const healthCheck = "/grpc.health.v1.Health/Check"

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Console = zap.NewNop()
	cfg.DefaultObservers = false
	cfg.Cache = &cache.MemoryConfig{MaxSize: 1 << 20, DefaultTTL: time.Minute}
	return cfg
}

func newTestKit(t *testing.T, cfg *Config) *Kit {
	t.Helper()
	k, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k
}

// serveHealth runs a health server behind the kit's interceptors
func serveHealth(t *testing.T, k *Kit) healthpb.HealthClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(k.ServerOptions()...)
	hs := health.NewServer()
	hs.SetServingStatus("crews", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return healthpb.NewHealthClient(conn)
}

func TestKit_InterceptsRPCs(t *testing.T) {
	k := newTestKit(t, testConfig())
	client := serveHealth(t, k)

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "crews"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	_, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "unknown"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	stats, ok := k.Monitor.Stats(middleware.RPCMetricName(healthCheck))
	require.True(t, ok)
	assert.Equal(t, 2, stats.Count)

	var finished []logger.Entry
	for _, e := range k.Logger.Logs() {
		if e.Data["method"] == healthCheck && e.Message != "gRPC request started" {
			finished = append(finished, e)
		}
	}
	require.Len(t, finished, 2)
	assert.Equal(t, logger.InfoLevel, finished[0].Level)
	assert.Equal(t, logger.WarnLevel, finished[1].Level)
}

func TestKit_CachesResponses(t *testing.T) {
	cfg := testConfig()
	cfg.CacheResponses = true
	k := newTestKit(t, cfg)
	client := serveHealth(t, k)

	for i := 0; i < 3; i++ {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "crews"})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
	}

	stats := k.Cache.Stats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(2), stats.Hits)
}

func TestKit_SkipMethods(t *testing.T) {
	cfg := testConfig()
	cfg.SkipMethods = []string{healthCheck}
	k := newTestKit(t, cfg)
	client := serveHealth(t, k)

	_, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "crews"})
	require.NoError(t, err)

	assert.Empty(t, k.Monitor.Samples(middleware.RPCMetricName(healthCheck)))
	for _, e := range k.Logger.Logs() {
		assert.NotEqual(t, healthCheck, e.Data["method"])
	}
}

func TestKit_TraceRequests(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	cfg := testConfig()
	cfg.TraceRequests = true
	cfg.Tracer = tp.Tracer("kit")
	k := newTestKit(t, cfg)

	_, err := k.UnaryInterceptor()(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/jobs.Scheduler/Get"},
		func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", nil })
	require.NoError(t, err)

	var names []string
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"rpc:/jobs.Scheduler/Get", "/jobs.Scheduler/Get"}, names,
		"measure span nests inside the request span")
}

func TestKit_ExportsMetrics(t *testing.T) {
	k := newTestKit(t, testConfig())

	k.Cache.Memory().Set("crew:1", "north", time.Minute)
	k.Logger.Warn("fuel low", nil, nil)

	families, err := k.Collector.GetRegistry().Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["opskit_cache_events_total"])
	assert.True(t, names["opskit_cache_size_bytes"])
	assert.True(t, names["opskit_log_entries_total"])
}

func TestKit_CloseIsIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.Environment = logger.Production
	k, err := New(cfg)
	require.NoError(t, err)

	assert.NoError(t, k.Close())
	assert.NoError(t, k.Close())
}

func TestNew_NilConfig(t *testing.T) {
	k, err := New(nil)
	require.NoError(t, err)
	defer func() { _ = k.Close() }()

	assert.NotNil(t, k.Logger)
	assert.NotNil(t, k.Cache)
	assert.NotNil(t, k.Monitor)
	assert.NotEmpty(t, k.Monitor.Observers())
}
