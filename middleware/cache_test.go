package middleware

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/pavetrack/opskit/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// mockRequest for testing
type mockRequest struct {
	ID   int
	Data string
}

// mockResponse for testing
type mockResponse struct {
	Result string
	Crews  []string
}

// mockInfo creates mock UnaryServerInfo
func mockInfo(method string) *grpc.UnaryServerInfo {
	return &grpc.UnaryServerInfo{
		FullMethod: method,
	}
}

// testClock is a manually advanced time source
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 4, 20, 6, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBackend(t *testing.T, clock *testClock) *cache.MemoryBackend {
	t.Helper()
	backend := cache.NewMemoryBackend(&cache.MemoryConfig{
		MaxSize:    1 << 20,
		DefaultTTL: time.Minute,
	}, cache.WithClock(clock.Now))
	t.Cleanup(backend.Close)
	return backend
}

// countingHandler returns resp and counts calls
func countingHandler(resp interface{}, err error) (grpc.UnaryHandler, *int) {
	calls := 0
	return func(ctx context.Context, req interface{}) (interface{}, error) {
		calls++
		return resp, err
	}, &calls
}

func TestCache_BasicCaching(t *testing.T) {
	backend := newTestBackend(t, newTestClock())
	mw := Cache(WithCacheBackend(backend), WithTTL(time.Minute))

	req := &mockRequest{ID: 1, Data: "test"}
	expected := &mockResponse{Result: "success", Crews: []string{"north", "east"}}
	info := mockInfo("/jobs.Scheduler/ListCrews")
	handler, calls := countingHandler(expected, nil)

	resp1, err := mw(context.Background(), req, info, handler)
	require.NoError(t, err)
	assert.Same(t, expected, resp1)
	assert.Equal(t, 1, *calls, "Handler should be called on cache miss")

	resp2, err := mw(context.Background(), req, info, handler)
	require.NoError(t, err)
	assert.Equal(t, expected, resp2, "cached response decodes into the original type")
	assert.Equal(t, 1, *calls, "Handler should not be called on cache hit")

	stats := backend.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCache_ImplicitBackendStartsNoSweep(t *testing.T) {
	before := runtime.NumGoroutine()
	for i := 0; i < 50; i++ {
		_ = Cache()
	}
	assert.Less(t, runtime.NumGoroutine()-before, 10)

	mw := Cache()
	req := &mockRequest{ID: 1}
	info := mockInfo("/jobs.Scheduler/ListCrews")
	handler, calls := countingHandler(&mockResponse{Result: "ok"}, nil)

	_, err := mw(context.Background(), req, info, handler)
	require.NoError(t, err)
	_, err = mw(context.Background(), req, info, handler)
	require.NoError(t, err)
	assert.Equal(t, 1, *calls, "implicit backend still caches")
}

func TestCache_ValueResponse(t *testing.T) {
	backend := newTestBackend(t, newTestClock())
	mw := Cache(WithCacheBackend(backend))

	handler, calls := countingHandler(mockResponse{Result: "by value"}, nil)
	info := mockInfo("/jobs.Scheduler/Get")

	_, _ = mw(context.Background(), &mockRequest{ID: 3}, info, handler)
	resp, err := mw(context.Background(), &mockRequest{ID: 3}, info, handler)

	require.NoError(t, err)
	assert.Equal(t, mockResponse{Result: "by value"}, resp)
	assert.Equal(t, 1, *calls)
}

func TestCache_TTLExpiration(t *testing.T) {
	clock := newTestClock()
	backend := newTestBackend(t, clock)
	mw := Cache(WithCacheBackend(backend), WithTTL(100*time.Millisecond))

	req := &mockRequest{ID: 1, Data: "test"}
	info := mockInfo("/jobs.Scheduler/ListCrews")
	handler, calls := countingHandler(&mockResponse{Result: "success"}, nil)

	_, _ = mw(context.Background(), req, info, handler)
	_, _ = mw(context.Background(), req, info, handler)
	assert.Equal(t, 1, *calls)

	clock.Advance(150 * time.Millisecond)

	_, _ = mw(context.Background(), req, info, handler)
	assert.Equal(t, 2, *calls, "Handler should be called after TTL expiration")
}

func TestCache_MethodTTL(t *testing.T) {
	clock := newTestClock()
	backend := newTestBackend(t, clock)

	method1 := "/jobs.Scheduler/Method1"
	method2 := "/jobs.Scheduler/Method2"

	mw := Cache(
		WithCacheBackend(backend),
		WithTTL(time.Minute),
		WithMethodTTL(method2, 100*time.Millisecond),
	)

	req := &mockRequest{ID: 1, Data: "test"}
	handler1, calls1 := countingHandler(&mockResponse{Result: "one"}, nil)
	handler2, calls2 := countingHandler(&mockResponse{Result: "two"}, nil)

	_, _ = mw(context.Background(), req, mockInfo(method1), handler1)
	_, _ = mw(context.Background(), req, mockInfo(method2), handler2)

	clock.Advance(150 * time.Millisecond)

	_, _ = mw(context.Background(), req, mockInfo(method1), handler1)
	_, _ = mw(context.Background(), req, mockInfo(method2), handler2)

	assert.Equal(t, 1, *calls1, "Method1 should still be cached")
	assert.Equal(t, 2, *calls2, "Method2 should have expired")
}

func TestCache_SkipMethod(t *testing.T) {
	backend := newTestBackend(t, newTestClock())

	skipped := "/jobs.Scheduler/SkipMe"
	cached := "/jobs.Scheduler/CacheMe"
	mw := Cache(WithCacheBackend(backend), WithSkipMethod(skipped))

	req := &mockRequest{ID: 1}
	handler, calls := countingHandler(&mockResponse{Result: "x"}, nil)

	_, _ = mw(context.Background(), req, mockInfo(skipped), handler)
	_, _ = mw(context.Background(), req, mockInfo(skipped), handler)
	assert.Equal(t, 2, *calls, "Skipped method should always call handler")

	*calls = 0
	_, _ = mw(context.Background(), req, mockInfo(cached), handler)
	_, _ = mw(context.Background(), req, mockInfo(cached), handler)
	assert.Equal(t, 1, *calls, "Cached method should only call handler once")
}

func TestCache_OnlyMethod(t *testing.T) {
	backend := newTestBackend(t, newTestClock())

	only := "/jobs.Scheduler/OnlyThis"
	other := "/jobs.Scheduler/NotThis"
	mw := Cache(WithCacheBackend(backend), WithOnlyMethod(only))

	req := &mockRequest{ID: 1}
	handler, calls := countingHandler(&mockResponse{Result: "x"}, nil)

	_, _ = mw(context.Background(), req, mockInfo(only), handler)
	_, _ = mw(context.Background(), req, mockInfo(only), handler)
	assert.Equal(t, 1, *calls, "Only method should be cached")

	*calls = 0
	_, _ = mw(context.Background(), req, mockInfo(other), handler)
	_, _ = mw(context.Background(), req, mockInfo(other), handler)
	assert.Equal(t, 2, *calls, "Other method should not be cached")
}

func TestCache_ErrorsNotCachedByDefault(t *testing.T) {
	backend := newTestBackend(t, newTestClock())
	mw := Cache(WithCacheBackend(backend))

	handler, calls := countingHandler(nil, status.Error(codes.Unavailable, "db down"))
	info := mockInfo("/jobs.Scheduler/ListCrews")

	_, err := mw(context.Background(), &mockRequest{ID: 1}, info, handler)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	_, _ = mw(context.Background(), &mockRequest{ID: 1}, info, handler)
	assert.Equal(t, 2, *calls)
}

func TestCache_ErrorCaching(t *testing.T) {
	backend := newTestBackend(t, newTestClock())
	mw := Cache(WithCacheBackend(backend), WithCacheErrors())

	handler, calls := countingHandler(nil, status.Error(codes.InvalidArgument, "bad crew id"))
	info := mockInfo("/jobs.Scheduler/GetCrew")

	_, err1 := mw(context.Background(), &mockRequest{ID: 1}, info, handler)
	assert.Equal(t, codes.InvalidArgument, status.Code(err1))
	assert.Equal(t, 1, *calls)

	_, err2 := mw(context.Background(), &mockRequest{ID: 1}, info, handler)
	assert.Equal(t, codes.InvalidArgument, status.Code(err2))
	assert.Equal(t, "bad crew id", status.Convert(err2).Message())
	assert.Equal(t, 1, *calls, "Handler should not be called on cache hit for error")
}

func TestCache_DifferentRequests(t *testing.T) {
	backend := newTestBackend(t, newTestClock())
	mw := Cache(WithCacheBackend(backend))

	info := mockInfo("/jobs.Scheduler/Echo")
	calls := 0
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		calls++
		return &mockResponse{Result: req.(*mockRequest).Data}, nil
	}

	resp1, _ := mw(context.Background(), &mockRequest{ID: 1, Data: "test1"}, info, handler)
	assert.Equal(t, "test1", resp1.(*mockResponse).Result)

	resp2, _ := mw(context.Background(), &mockRequest{ID: 2, Data: "test2"}, info, handler)
	assert.Equal(t, "test2", resp2.(*mockResponse).Result)
	assert.Equal(t, 2, calls, "Different requests should not share cache")

	resp3, _ := mw(context.Background(), &mockRequest{ID: 1, Data: "test1"}, info, handler)
	assert.Equal(t, "test1", resp3.(*mockResponse).Result)
	assert.Equal(t, 2, calls, "Same request should use cache")
}

func TestCache_SkipsAuthenticatedRequests(t *testing.T) {
	backend := newTestBackend(t, newTestClock())
	info := mockInfo("/jobs.Scheduler/Mine")
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer abc"))

	mw := Cache(WithCacheBackend(backend))
	handler, calls := countingHandler(&mockResponse{Result: "private"}, nil)
	_, _ = mw(ctx, &mockRequest{ID: 1}, info, handler)
	_, _ = mw(ctx, &mockRequest{ID: 1}, info, handler)
	assert.Equal(t, 2, *calls)

	shared := Cache(WithCacheBackend(backend), WithAuthenticatedCaching())
	handler, calls = countingHandler(&mockResponse{Result: "shared"}, nil)
	_, _ = shared(ctx, &mockRequest{ID: 1}, info, handler)
	_, _ = shared(ctx, &mockRequest{ID: 1}, info, handler)
	assert.Equal(t, 1, *calls)
}

func TestCache_UnreadableEntryFallsThrough(t *testing.T) {
	backend := newTestBackend(t, newTestClock())
	mw := Cache(WithCacheBackend(backend))

	info := mockInfo("/jobs.Scheduler/ListCrews")
	req := &mockRequest{ID: 9}
	key, err := cache.NewDefaultKeyGenerator().GenerateKey(info.FullMethod, req)
	require.NoError(t, err)
	require.NoError(t, backend.Set(context.Background(), key, []byte("not json"), time.Minute))

	handler, calls := countingHandler(&mockResponse{Result: "fresh"}, nil)
	resp, err := mw(context.Background(), req, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "fresh", resp.(*mockResponse).Result)
	assert.Equal(t, 1, *calls)
}

func TestInvalidateCache(t *testing.T) {
	backend := newTestBackend(t, newTestClock())

	ctx := context.Background()
	method := "/jobs.Scheduler/ListCrews"
	req := &mockRequest{ID: 1, Data: "test"}

	key, err := cache.NewDefaultKeyGenerator().GenerateKey(method, req)
	require.NoError(t, err)
	require.NoError(t, backend.Set(ctx, key, []byte("test data"), time.Minute))

	_, found, _ := backend.Get(ctx, key)
	assert.True(t, found, "Cache entry should exist")

	assert.NoError(t, InvalidateCache(ctx, backend, method, req))

	_, found, _ = backend.Get(ctx, key)
	assert.False(t, found, "Cache entry should be invalidated")
}

func TestClearCache(t *testing.T) {
	backend := newTestBackend(t, newTestClock())
	ctx := context.Background()

	_ = backend.Set(ctx, "key1", []byte("data1"), time.Minute)
	_ = backend.Set(ctx, "key2", []byte("data2"), time.Minute)
	_ = backend.Set(ctx, "key3", []byte("data3"), time.Minute)

	assert.Equal(t, 3, GetCacheStats(backend).Entries, "Should have 3 entries")

	assert.NoError(t, ClearCache(ctx, backend))
	assert.Equal(t, 0, GetCacheStats(backend).Entries, "Cache should be empty")
}
