package cache

import (
	"context"
	"fmt"
	"time"
)

// MemoryBackend adapts a Memory cache to the byte-oriented Backend interface
type MemoryBackend struct {
	mem *Memory
}

// NewBackend wraps mem as a Backend
func NewBackend(mem *Memory) *MemoryBackend {
	return &MemoryBackend{mem: mem}
}

// NewMemoryBackend creates a Memory cache and wraps it as a Backend
func NewMemoryBackend(config *MemoryConfig, opts ...MemoryOption) *MemoryBackend {
	return NewBackend(NewMemory(config, opts...))
}

// Get retrieves a value from the cache
func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := b.mem.Get(key)
	if !ok {
		return nil, false, nil
	}

	data, ok := v.([]byte)
	if !ok {
		return nil, false, fmt.Errorf("cache entry %q holds %T, not []byte", key, v)
	}
	return data, true, nil
}

// Set stores a value in the cache; ttl <= 0 uses the default TTL
func (b *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		b.mem.SetDefault(key, value)
		return nil
	}
	b.mem.Set(key, value, ttl)
	return nil
}

// Delete removes a value from the cache
func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	b.mem.Delete(key)
	return nil
}

// Clear removes all values from the cache
func (b *MemoryBackend) Clear(ctx context.Context) error {
	b.mem.Clear()
	return nil
}

// Stats returns cache statistics
func (b *MemoryBackend) Stats() Stats {
	return b.mem.Stats()
}

// Memory returns the underlying cache
func (b *MemoryBackend) Memory() *Memory {
	return b.mem
}

// Close stops the underlying cache's sweep
func (b *MemoryBackend) Close() {
	b.mem.Close()
}
