package middleware

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/pavetrack/opskit/pkg/cache"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// CacheConfig holds configuration for caching middleware
type CacheConfig struct {
	Backend      cache.Backend            // Cache backend
	KeyGenerator cache.KeyGenerator       // Key generation strategy
	TTL          time.Duration            // Default TTL for cache entries
	MethodTTLs   map[string]time.Duration // Per-method TTL overrides
	SkipMethods  map[string]bool          // Methods to skip caching
	OnlyMethods  map[string]bool          // Only cache these methods (if set)
	CacheErrors  bool                     // Whether to cache error responses
	SkipAuth     bool                     // Skip requests carrying authorization metadata
}

// CacheOption is a functional option for cache configuration
type CacheOption func(*CacheConfig)

// WithCacheBackend sets the cache backend
func WithCacheBackend(backend cache.Backend) CacheOption {
	return func(c *CacheConfig) {
		c.Backend = backend
	}
}

// WithKeyGenerator sets the key generation strategy
func WithKeyGenerator(gen cache.KeyGenerator) CacheOption {
	return func(c *CacheConfig) {
		c.KeyGenerator = gen
	}
}

// WithTTL sets the default TTL for cached responses
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *CacheConfig) {
		c.TTL = ttl
	}
}

// WithMethodTTL sets a custom TTL for a specific method
func WithMethodTTL(method string, ttl time.Duration) CacheOption {
	return func(c *CacheConfig) {
		if c.MethodTTLs == nil {
			c.MethodTTLs = make(map[string]time.Duration)
		}
		c.MethodTTLs[method] = ttl
	}
}

// WithSkipMethod skips caching for a specific method
func WithSkipMethod(method string) CacheOption {
	return func(c *CacheConfig) {
		if c.SkipMethods == nil {
			c.SkipMethods = make(map[string]bool)
		}
		c.SkipMethods[method] = true
	}
}

// WithOnlyMethod only caches specific methods
func WithOnlyMethod(method string) CacheOption {
	return func(c *CacheConfig) {
		if c.OnlyMethods == nil {
			c.OnlyMethods = make(map[string]bool)
		}
		c.OnlyMethods[method] = true
	}
}

// WithCacheErrors enables caching of error responses
func WithCacheErrors() CacheOption {
	return func(c *CacheConfig) {
		c.CacheErrors = true
	}
}

// WithAuthenticatedCaching caches requests that carry authorization metadata
func WithAuthenticatedCaching() CacheOption {
	return func(c *CacheConfig) {
		c.SkipAuth = false
	}
}

// cachedResponse wraps a response for caching
type cachedResponse struct {
	Response json.RawMessage `json:"response,omitempty"`
	Error    *cachedError    `json:"error,omitempty"`
}

// cachedError represents a cached error
type cachedError struct {
	Code    codes.Code `json:"code"`
	Message string     `json:"message"`
}

// Cache creates a caching middleware. Responses are stored as JSON and decoded
// back into the type the handler last returned for the method.
func Cache(opts ...CacheOption) func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	config := &CacheConfig{
		KeyGenerator: cache.NewDefaultKeyGenerator(),
		TTL:          5 * time.Minute,
		SkipAuth:     true,
	}
	for _, opt := range opts {
		opt(config)
	}
	if config.Backend == nil {
		config.Backend = implicitBackend()
	}

	// method -> reflect.Type of its response
	var responseTypes sync.Map

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		method := info.FullMethod

		if !shouldCache(method, config) {
			return handler(ctx, req)
		}
		if config.SkipAuth && hasAuthorization(ctx) {
			return handler(ctx, req)
		}

		cacheKey, err := config.KeyGenerator.GenerateKey(method, req)
		if err != nil {
			return handler(ctx, req)
		}

		if data, found, err := config.Backend.Get(ctx, cacheKey); err == nil && found {
			rt, _ := responseTypes.Load(method)
			if resp, ok, cachedErr := decodeCached(data, rt); ok {
				return resp, cachedErr
			}
		}

		resp, err := handler(ctx, req)

		if err != nil && !config.CacheErrors {
			return resp, err
		}

		entry := cachedResponse{}
		if err != nil {
			st := status.Convert(err)
			entry.Error = &cachedError{Code: st.Code(), Message: st.Message()}
		} else if resp != nil {
			raw, marshalErr := json.Marshal(resp)
			if marshalErr != nil {
				return resp, err
			}
			entry.Response = raw
			responseTypes.Store(method, reflect.TypeOf(resp))
		}

		if data, marshalErr := json.Marshal(entry); marshalErr == nil {
			ttl := config.TTL
			if methodTTL, ok := config.MethodTTLs[method]; ok {
				ttl = methodTTL
			}
			_ = config.Backend.Set(ctx, cacheKey, data, ttl)
		}

		return resp, err
	}
}

// implicitBackend is used when no backend is configured. Nothing can close it,
// so it runs without a sweep and expires entries lazily on Get.
func implicitBackend() *cache.MemoryBackend {
	config := cache.DefaultMemoryConfig()
	config.CleanupInterval = 0
	return cache.NewMemoryBackend(config)
}

// decodeCached rebuilds a cached response and its cached status error. ok is
// false when the entry cannot be served and the handler must run.
func decodeCached(data []byte, rt interface{}) (resp interface{}, ok bool, rpcErr error) {
	var entry cachedResponse
	if json.Unmarshal(data, &entry) != nil {
		return nil, false, nil
	}
	if entry.Error != nil {
		return nil, true, status.Error(entry.Error.Code, entry.Error.Message)
	}
	if len(entry.Response) == 0 || string(entry.Response) == "null" {
		return nil, true, nil
	}

	t, known := rt.(reflect.Type)
	if !known {
		return nil, false, nil
	}

	if t.Kind() == reflect.Ptr {
		v := reflect.New(t.Elem())
		if json.Unmarshal(entry.Response, v.Interface()) != nil {
			return nil, false, nil
		}
		return v.Interface(), true, nil
	}

	v := reflect.New(t)
	if json.Unmarshal(entry.Response, v.Interface()) != nil {
		return nil, false, nil
	}
	return v.Elem().Interface(), true, nil
}

// shouldCache determines if a method should be cached
func shouldCache(method string, config *CacheConfig) bool {
	if len(config.OnlyMethods) > 0 {
		return config.OnlyMethods[method]
	}
	return !config.SkipMethods[method]
}

func hasAuthorization(ctx context.Context) bool {
	md, ok := metadata.FromIncomingContext(ctx)
	return ok && len(md.Get("authorization")) > 0
}

// InvalidateCache invalidates a specific cache entry
func InvalidateCache(ctx context.Context, backend cache.Backend, method string, req interface{}) error {
	key, err := cache.NewDefaultKeyGenerator().GenerateKey(method, req)
	if err != nil {
		return fmt.Errorf("failed to generate cache key: %w", err)
	}
	return backend.Delete(ctx, key)
}

// ClearCache clears all cache entries
func ClearCache(ctx context.Context, backend cache.Backend) error {
	return backend.Clear(ctx)
}

// GetCacheStats returns cache statistics
func GetCacheStats(backend cache.Backend) cache.Stats {
	return backend.Stats()
}
