// Package cache provides the in-memory TTL cache and the backend interface
// used by the gRPC response cache.
package cache

import (
	"context"
	"time"
)

// Backend defines the interface for byte-oriented cache storage backends
type Backend interface {
	// Get retrieves a value from the cache
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value in the cache with a TTL
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the cache
	Delete(ctx context.Context, key string) error

	// Clear removes all values from the cache
	Clear(ctx context.Context) error

	// Stats returns cache statistics
	Stats() Stats
}

// Stats holds cache statistics
type Stats struct {
	Hits        uint64  // Number of cache hits
	Misses      uint64  // Number of cache misses
	Sets        uint64  // Number of cache sets
	Deletes     uint64  // Number of explicit deletes
	Evictions   uint64  // Entries evicted to stay within the byte budget
	Expirations uint64  // Entries removed because their TTL elapsed
	Rejected    uint64  // Values larger than the whole budget
	Entries     int     // Current number of entries
	Bytes       int64   // Estimated bytes held by live entries
	MaxBytes    int64   // Byte budget
	HitRate     float64 // Cache hit rate (0.0 - 1.0)
}

// entry is one cached value
type entry struct {
	key          string
	value        interface{}
	expiry       time.Time
	lastAccessed time.Time
	size         int64
	seq          uint64 // access order, breaks lastAccessed ties
}

// expired reports whether now is past the entry's expiry
func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiry)
}
