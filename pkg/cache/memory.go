package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/pavetrack/opskit/pkg/logger"
	"github.com/pavetrack/opskit/pkg/metrics"
)

// evictionFloor is the fraction of MaxSize eviction drains down to
const evictionFloor = 0.8

// MemoryConfig holds configuration for the memory cache
type MemoryConfig struct {
	MaxSize         int64         // Byte budget for all entries (0 = unlimited)
	DefaultTTL      time.Duration // TTL used by SetDefault
	CleanupInterval time.Duration // How often to sweep expired entries (<= 0 disables)
}

// DefaultMemoryConfig returns default memory cache configuration
func DefaultMemoryConfig() *MemoryConfig {
	return &MemoryConfig{
		MaxSize:         50 << 20, // 50 MiB
		DefaultTTL:      5 * time.Minute,
		CleanupInterval: 1 * time.Minute,
	}
}

// MemoryOption configures a Memory cache
type MemoryOption func(*Memory)

// WithClock overrides the time source
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger that receives rejection and eviction notices
func WithLogger(l *logger.Logger) MemoryOption {
	return func(m *Memory) {
		m.log = l
	}
}

// WithCollector sets the metrics collector
func WithCollector(c metrics.MetricsCollector) MemoryOption {
	return func(m *Memory) {
		if c != nil {
			m.collector = c
		}
	}
}

// Memory is an expiring key/value store bounded by an estimated byte budget.
// Expired entries are dropped lazily on Get and periodically by a sweep.
// Concurrent misses on one key are not coalesced; each caller loads.
type Memory struct {
	mu          sync.Mutex
	data        map[string]*entry
	currentSize int64
	seq         uint64
	stats       Stats

	maxSize    int64
	defaultTTL time.Duration
	interval   time.Duration

	now       func() time.Time
	log       *logger.Logger
	collector metrics.MetricsCollector

	stopCleanup chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

// NewMemory creates a new in-memory cache and starts its sweep
func NewMemory(config *MemoryConfig, opts ...MemoryOption) *Memory {
	if config == nil {
		config = DefaultMemoryConfig()
	}

	m := &Memory{
		data:        make(map[string]*entry),
		maxSize:     config.MaxSize,
		defaultTTL:  config.DefaultTTL,
		interval:    config.CleanupInterval,
		now:         time.Now,
		collector:   metrics.NewNopCollector(),
		stopCleanup: make(chan struct{}),
		done:        make(chan struct{}),
	}
	m.stats.MaxBytes = config.MaxSize

	for _, opt := range opts {
		opt(m)
	}

	if m.interval > 0 {
		go m.startCleanup()
	} else {
		close(m.done)
	}

	return m
}

// Set stores value under key for ttl. A ttl <= 0 stores an entry that is
// expired as soon as the clock moves. Values larger than the whole budget are
// not stored.
func (m *Memory) Set(key string, value interface{}, ttl time.Duration) {
	size := estimateSize(value)

	m.mu.Lock()
	evicted, rejected := m.setLocked(key, value, ttl, size)
	m.mu.Unlock()

	if rejected {
		m.warn("cache value exceeds budget, not stored", map[string]interface{}{
			"key":     key,
			"size":    size,
			"maxSize": m.maxSize,
		})
	} else if evicted > 0 {
		m.debug("cache evicted entries", map[string]interface{}{
			"key":     key,
			"evicted": evicted,
		})
	}
}

// SetDefault stores value under key with the configured default TTL
func (m *Memory) SetDefault(key string, value interface{}) {
	m.Set(key, value, m.defaultTTL)
}

func (m *Memory) setLocked(key string, value interface{}, ttl time.Duration, size int64) (evicted int, rejected bool) {
	now := m.now()

	if old, ok := m.data[key]; ok {
		m.removeLocked(old)
	}

	if m.maxSize > 0 && size > m.maxSize {
		m.stats.Rejected++
		m.collector.RecordCacheEvent(metrics.CacheRejected)
		m.publishSizeLocked()
		return 0, true
	}

	if m.maxSize > 0 && m.currentSize+size > m.maxSize {
		evicted = m.evictLocked(size)
	}

	m.seq++
	m.data[key] = &entry{
		key:          key,
		value:        value,
		expiry:       now.Add(ttl),
		lastAccessed: now,
		size:         size,
		seq:          m.seq,
	}
	m.currentSize += size

	m.stats.Sets++
	m.collector.RecordCacheEvent(metrics.CacheSet)
	m.publishSizeLocked()

	return evicted, false
}

// Get returns the value for key, dropping it if it has expired
func (m *Memory) Get(key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if !ok {
		m.missLocked()
		return nil, false
	}

	now := m.now()
	if e.expired(now) {
		m.removeLocked(e)
		m.stats.Expirations++
		m.collector.RecordCacheEvent(metrics.CacheExpiration)
		m.publishSizeLocked()
		m.missLocked()
		return nil, false
	}

	m.seq++
	e.lastAccessed = now
	e.seq = m.seq

	m.stats.Hits++
	m.updateHitRate()
	m.collector.RecordCacheEvent(metrics.CacheHit)

	return e.value, true
}

// GetAs returns the value for key when it holds a T
func GetAs[T any](m *Memory, key string) (T, bool) {
	var zero T

	v, ok := m.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Delete removes key if present
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.data[key]; ok {
		m.removeLocked(e)
		m.stats.Deletes++
		m.collector.RecordCacheEvent(metrics.CacheDelete)
		m.publishSizeLocked()
	}
}

// Clear removes every entry
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = make(map[string]*entry)
	m.currentSize = 0
	m.publishSizeLocked()
}

// Size returns the estimated bytes held by live entries
func (m *Memory) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentSize
}

// EntryCount returns the number of entries, including expired ones not yet swept
func (m *Memory) EntryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// MaxSize returns the byte budget
func (m *Memory) MaxSize() int64 {
	return m.maxSize
}

// Stats returns cache statistics
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	statsCopy := m.stats
	statsCopy.Entries = len(m.data)
	statsCopy.Bytes = m.currentSize
	return statsCopy
}

// Sweep removes every expired entry and returns how many were removed
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for _, e := range m.data {
		if e.expired(now) {
			m.removeLocked(e)
			m.stats.Expirations++
			m.collector.RecordCacheEvent(metrics.CacheExpiration)
			removed++
		}
	}

	if removed > 0 {
		m.publishSizeLocked()
	}
	return removed
}

// Close stops the sweep goroutine. It is safe to call more than once.
func (m *Memory) Close() {
	m.closeOnce.Do(func() {
		close(m.stopCleanup)
	})
	<-m.done
}

// evictLocked drops least recently accessed entries until the cache is at or
// below 80% of its budget and the incoming entry fits.
func (m *Memory) evictLocked(incoming int64) int {
	target := int64(float64(m.maxSize) * evictionFloor)
	if limit := m.maxSize - incoming; limit < target {
		target = limit
	}

	ordered := make([]*entry, 0, len(m.data))
	for _, e := range m.data {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].lastAccessed.Equal(ordered[j].lastAccessed) {
			return ordered[i].seq < ordered[j].seq
		}
		return ordered[i].lastAccessed.Before(ordered[j].lastAccessed)
	})

	evicted := 0
	for _, e := range ordered {
		if m.currentSize <= target {
			break
		}
		m.removeLocked(e)
		m.stats.Evictions++
		m.collector.RecordCacheEvent(metrics.CacheEviction)
		evicted++
	}
	return evicted
}

func (m *Memory) removeLocked(e *entry) {
	delete(m.data, e.key)
	m.currentSize -= e.size
}

func (m *Memory) missLocked() {
	m.stats.Misses++
	m.updateHitRate()
	m.collector.RecordCacheEvent(metrics.CacheMiss)
}

func (m *Memory) publishSizeLocked() {
	m.collector.SetCacheSize(m.currentSize, len(m.data))
}

// startCleanup runs the periodic expiry sweep
func (m *Memory) startCleanup() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.debug("cache sweep removed expired entries", map[string]interface{}{"removed": n})
			}
		case <-m.stopCleanup:
			return
		}
	}
}

// updateHitRate calculates the cache hit rate
func (m *Memory) updateHitRate() {
	total := m.stats.Hits + m.stats.Misses
	if total > 0 {
		m.stats.HitRate = float64(m.stats.Hits) / float64(total)
	}
}

func (m *Memory) warn(msg string, data map[string]interface{}) {
	if m.log != nil {
		m.log.Warn(msg, data, nil)
	}
}

func (m *Memory) debug(msg string, data map[string]interface{}) {
	if m.log != nil {
		m.log.Debug(msg, data, nil)
	}
}

// estimateSize returns the length of the value's JSON encoding, or 0 when it
// cannot be encoded. Byte slices count as their raw length.
func estimateSize(value interface{}) (size int64) {
	defer func() {
		if recover() != nil {
			size = 0
		}
	}()

	if b, ok := value.([]byte); ok {
		return int64(len(b))
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return 0
	}
	return int64(len(encoded))
}
