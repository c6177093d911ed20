package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend_RoundTrip(t *testing.T) {
	backend := NewMemoryBackend(DefaultMemoryConfig())
	defer backend.Close()

	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, "key1", []byte("data1"), time.Minute))

	data, found, err := backend.Get(ctx, "key1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("data1"), data)

	_, found, err = backend.Get(ctx, "missing")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryBackend_ZeroTTLUsesDefault(t *testing.T) {
	clock := newFakeClock()
	backend := NewMemoryBackend(&MemoryConfig{MaxSize: 1 << 20, DefaultTTL: time.Minute}, WithClock(clock.Now))
	defer backend.Close()

	ctx := context.Background()
	require.NoError(t, backend.Set(ctx, "k", []byte("v"), 0))

	clock.Advance(30 * time.Second)
	_, found, _ := backend.Get(ctx, "k")
	assert.True(t, found)

	clock.Advance(31 * time.Second)
	_, found, _ = backend.Get(ctx, "k")
	assert.False(t, found)
}

func TestMemoryBackend_SharesCoreWithMemory(t *testing.T) {
	mem := NewMemory(DefaultMemoryConfig())
	defer mem.Close()
	backend := NewBackend(mem)

	ctx := context.Background()
	mem.Set("typed", 42, time.Minute)

	_, found, err := backend.Get(ctx, "typed")
	assert.False(t, found)
	assert.Error(t, err, "non-byte values are reported, not returned")

	require.NoError(t, backend.Set(ctx, "raw", []byte("abc"), time.Minute))
	assert.Equal(t, int64(5), mem.Size(), "2 bytes for the JSON of 42 plus 3 raw bytes")
	assert.Same(t, mem, backend.Memory())
}

func TestMemoryBackend_DeleteAndClear(t *testing.T) {
	backend := NewMemoryBackend(DefaultMemoryConfig())
	defer backend.Close()

	ctx := context.Background()
	_ = backend.Set(ctx, "key1", []byte("data1"), time.Minute)
	_ = backend.Set(ctx, "key2", []byte("data2"), time.Minute)
	_ = backend.Set(ctx, "key3", []byte("data3"), time.Minute)

	assert.Equal(t, 3, backend.Stats().Entries)

	require.NoError(t, backend.Delete(ctx, "key1"))
	assert.Equal(t, 2, backend.Stats().Entries)

	require.NoError(t, backend.Clear(ctx))
	stats := backend.Stats()
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, int64(0), stats.Bytes)
}
