// Package performance records named metric series, derives percentile
// statistics from them, and bridges Go runtime signals into those series
// through pluggable observers.
package performance

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pavetrack/opskit/pkg/logger"
	"github.com/pavetrack/opskit/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies spans started by Measure
const tracerName = "github.com/pavetrack/opskit/pkg/performance"

// Sample is one recorded value
type Sample struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds configuration for a Monitor
type Config struct {
	Logger            *logger.Logger
	Collector         metrics.MetricsCollector
	Tracer            trace.Tracer
	Observers         []Observer
	DefaultObservers  bool
	PollInterval      time.Duration
	LongTaskThreshold time.Duration
	HeapTracking      bool
	Clock             func() time.Time
}

// DefaultConfig returns the default monitor configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultObservers:  true,
		PollInterval:      time.Second,
		LongTaskThreshold: 50 * time.Millisecond,
		Clock:             time.Now,
	}
}

// Option is a functional option for monitor configuration
type Option func(*Config)

// WithLogger sets the logger that receives threshold and observer warnings
func WithLogger(l *logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithCollector sets the metrics collector
func WithCollector(collector metrics.MetricsCollector) Option {
	return func(c *Config) {
		c.Collector = collector
	}
}

// WithTracer sets the tracer used by Measure
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Config) {
		c.Tracer = tracer
	}
}

// WithObservers registers additional observers
func WithObservers(observers ...Observer) Option {
	return func(c *Config) {
		c.Observers = append(c.Observers, observers...)
	}
}

// WithoutDefaultObservers skips the built-in runtime observers
func WithoutDefaultObservers() Option {
	return func(c *Config) {
		c.DefaultObservers = false
	}
}

// WithPollInterval sets how often the built-in observers poll the runtime
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.PollInterval = d
		}
	}
}

// WithLongTaskThreshold sets the duration above which measured calls are
// also recorded as long tasks
func WithLongTaskThreshold(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.LongTaskThreshold = d
		}
	}
}

// WithHeapTracking records the heap delta of measured calls
func WithHeapTracking() Option {
	return func(c *Config) {
		c.HeapTracking = true
	}
}

// WithClock overrides the time source for sample timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		if now != nil {
			c.Clock = now
		}
	}
}

// Monitor holds metric series and the observers feeding them
type Monitor struct {
	mu         sync.RWMutex
	series     map[string][]Sample
	thresholds map[string]float64

	log          *logger.Logger
	collector    metrics.MetricsCollector
	tracer       trace.Tracer
	now          func() time.Time
	longTask     time.Duration
	heapTracking bool

	obsMu     sync.Mutex
	observers []Observer
}

// New creates a monitor and starts its observers. An observer that fails to
// start is logged and skipped; the rest still run.
func New(opts ...Option) *Monitor {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	m := &Monitor{
		series:       make(map[string][]Sample),
		thresholds:   make(map[string]float64),
		log:          config.Logger,
		collector:    config.Collector,
		tracer:       config.Tracer,
		now:          config.Clock,
		longTask:     config.LongTaskThreshold,
		heapTracking: config.HeapTracking,
	}

	if m.collector == nil {
		m.collector = metrics.NewNopCollector()
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer(tracerName)
	}

	observers := config.Observers
	if config.DefaultObservers {
		observers = append(DefaultObservers(config.PollInterval), observers...)
	}
	for _, o := range observers {
		m.register(o)
	}

	return m
}

// register starts one observer, isolating its failure from the others
func (m *Monitor) register(o Observer) {
	name := observerName(o)

	if err := startObserver(o, m); err != nil {
		m.warn("performance observer not registered", map[string]interface{}{"observer": name}, err)
		return
	}

	m.obsMu.Lock()
	m.observers = append(m.observers, o)
	m.obsMu.Unlock()

	m.debug("performance observer registered", map[string]interface{}{"observer": name})
}

func startObserver(o Observer, sink Sink) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer start panic: %v", r)
		}
	}()
	return o.Start(sink)
}

func observerName(o Observer) (name string) {
	defer func() {
		if recover() != nil {
			name = fmt.Sprintf("%T", o)
		}
	}()
	return o.Name()
}

// Observers returns the names of the running observers
func (m *Monitor) Observers() []string {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()

	names := make([]string, 0, len(m.observers))
	for _, o := range m.observers {
		names = append(names, observerName(o))
	}
	return names
}

// Disconnect stops every observer. It is safe to call repeatedly.
func (m *Monitor) Disconnect() {
	m.obsMu.Lock()
	observers := m.observers
	m.observers = nil
	m.obsMu.Unlock()

	for _, o := range observers {
		m.stopObserver(o)
	}
}

func (m *Monitor) stopObserver(o Observer) {
	defer func() {
		if r := recover(); r != nil {
			m.warn("performance observer stop failed", map[string]interface{}{"observer": observerName(o)},
				fmt.Errorf("observer stop panic: %v", r))
		}
	}()
	o.Stop()
}

// RecordMetric appends a sample to the named series. Series grow without
// bound until ClearMetrics is called.
func (m *Monitor) RecordMetric(name string, value float64) {
	now := m.now()

	m.mu.Lock()
	m.series[name] = append(m.series[name], Sample{Value: value, Timestamp: now})
	threshold, hasThreshold := m.thresholds[name]
	m.mu.Unlock()

	m.collector.RecordSample(name, value)

	if hasThreshold && value > threshold {
		m.collector.RecordThresholdBreach(name)
		m.warn("performance threshold exceeded", map[string]interface{}{
			"metric":    name,
			"value":     value,
			"threshold": threshold,
		}, nil)
	}
}

// Stats returns derived statistics for name, or false if it has no samples
func (m *Monitor) Stats(name string) (*Stats, bool) {
	m.mu.RLock()
	samples := m.series[name]
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	m.mu.RUnlock()

	return computeStats(values)
}

// Samples returns a copy of the named series
func (m *Monitor) Samples(name string) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Sample, len(m.series[name]))
	copy(out, m.series[name])
	return out
}

// Names returns the recorded series names in sorted order
func (m *Monitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.series))
	for name := range m.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClearMetrics drops the named series, or every series when none are named
func (m *Monitor) ClearMetrics(names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(names) == 0 {
		m.series = make(map[string][]Sample)
		return
	}
	for _, name := range names {
		delete(m.series, name)
	}
}

// SetThreshold sets the ceiling above which samples for name trigger a warning
func (m *Monitor) SetThreshold(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds[name] = value
}

// Threshold returns the ceiling for name, if any
func (m *Monitor) Threshold(name string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.thresholds[name]
	return v, ok
}

// RemoveThreshold clears the ceiling for name
func (m *Monitor) RemoveThreshold(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.thresholds, name)
}

func (m *Monitor) warn(msg string, data map[string]interface{}, err error) {
	if m.log != nil {
		m.log.Warn(msg, data, err)
	}
}

func (m *Monitor) debug(msg string, data map[string]interface{}) {
	if m.log != nil {
		m.log.Debug(msg, data, nil)
	}
}
