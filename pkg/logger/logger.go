// Package logger provides the process-wide leveled log sink: a bounded ring
// buffer of structured entries, mirrored to a zap console in development and
// shipped to a remote sink on a best-effort basis in production.
//
// Logging never fails from the caller's point of view. Formatting panics and
// shipping errors are reduced to a line on the fallback console and, for
// shipping, to a ShipResult that can be inspected through ShipResults.
package logger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pavetrack/opskit/pkg/metrics"
	"go.uber.org/zap"
)

// EmptyMessage replaces blank log messages
const EmptyMessage = "(empty message)"

// timestampLayout is ISO-8601 with millisecond precision
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// shipResultCapacity bounds the shipping outcome history
const shipResultCapacity = 100

// Level is the severity of a log entry
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// MarshalText encodes the level as its lowercase name
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel converts a level name into a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// Environment selects the development or production behaviour
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Entry is one buffered log record
type Entry struct {
	Level     Level                  `json:"level"`
	Message   string                 `json:"message"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Stack     string                 `json:"stack,omitempty"`
}

// ShipResult records the outcome of shipping one entry
type ShipResult struct {
	Entry Entry
	Err   error
	At    time.Time
}

// OK reports whether the entry reached the remote sink
func (r ShipResult) OK() bool {
	return r.Err == nil
}

// Config holds configuration for the logger
type Config struct {
	Environment Environment
	Capacity    int
	Console     *zap.Logger // development mirror
	Fallback    *zap.Logger // where swallowed failures are reported
	Shipper     Shipper
	QueueSize   int
	ShipTimeout time.Duration
	Collector   metrics.MetricsCollector
	Clock       func() time.Time
}

// DefaultConfig returns the default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Environment: Development,
		Capacity:    1000,
		Shipper:     NopShipper{},
		QueueSize:   256,
		ShipTimeout: 5 * time.Second,
		Clock:       time.Now,
	}
}

// Option is a functional option for logger configuration
type Option func(*Config)

// WithEnvironment sets development or production behaviour
func WithEnvironment(env Environment) Option {
	return func(c *Config) {
		c.Environment = env
	}
}

// WithCapacity sets the ring buffer capacity
func WithCapacity(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.Capacity = n
		}
	}
}

// WithConsole sets the zap logger used to mirror entries in development
func WithConsole(console *zap.Logger) Option {
	return func(c *Config) {
		c.Console = console
	}
}

// WithFallback sets the zap logger that receives swallowed failures
func WithFallback(fallback *zap.Logger) Option {
	return func(c *Config) {
		c.Fallback = fallback
	}
}

// WithShipper sets the remote sink used in production
func WithShipper(s Shipper) Option {
	return func(c *Config) {
		if s != nil {
			c.Shipper = s
		}
	}
}

// WithQueueSize sets how many entries may wait for shipping
func WithQueueSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.QueueSize = n
		}
	}
}

// WithShipTimeout bounds a single shipping attempt
func WithShipTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ShipTimeout = d
		}
	}
}

// WithCollector sets the metrics collector
func WithCollector(collector metrics.MetricsCollector) Option {
	return func(c *Config) {
		c.Collector = collector
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		if now != nil {
			c.Clock = now
		}
	}
}

// Logger is a leveled, buffered log sink. Construct one per process and pass
// it to whatever needs it.
type Logger struct {
	mu       sync.Mutex
	buf      []Entry
	head     int
	count    int
	results  []ShipResult
	resHead  int
	resCount int

	env         Environment
	console     *zap.Logger
	fallback    *zap.Logger
	shipper     Shipper
	shipTimeout time.Duration
	collector   metrics.MetricsCollector
	now         func() time.Time

	// qmu guards queue against send-after-close
	qmu       sync.RWMutex
	queue     chan Entry
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a logger with the provided options
func New(opts ...Option) *Logger {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	l := &Logger{
		buf:         make([]Entry, config.Capacity),
		results:     make([]ShipResult, shipResultCapacity),
		env:         config.Environment,
		console:     config.Console,
		fallback:    config.Fallback,
		shipper:     config.Shipper,
		shipTimeout: config.ShipTimeout,
		collector:   config.Collector,
		now:         config.Clock,
	}

	if l.console == nil {
		l.console = defaultConsole(config.Environment)
	}
	if l.fallback == nil {
		l.fallback = l.console
	}
	if l.collector == nil {
		l.collector = metrics.NewNopCollector()
	}

	if l.env == Production {
		l.queue = make(chan Entry, config.QueueSize)
		l.wg.Add(1)
		go l.shipLoop()
	}

	return l
}

// defaultConsole builds the zap logger used when none is supplied
func defaultConsole(env Environment) *zap.Logger {
	var (
		z   *zap.Logger
		err error
	)
	if env == Production {
		z, err = zap.NewProduction()
	} else {
		z, err = zap.NewDevelopment()
	}
	if err != nil {
		return zap.NewNop()
	}
	return z
}

// Debug logs at debug level
func (l *Logger) Debug(msg string, data map[string]interface{}, err error) {
	l.log(DebugLevel, msg, data, err)
}

// Info logs at info level
func (l *Logger) Info(msg string, data map[string]interface{}, err error) {
	l.log(InfoLevel, msg, data, err)
}

// Warn logs at warn level
func (l *Logger) Warn(msg string, data map[string]interface{}, err error) {
	l.log(WarnLevel, msg, data, err)
}

// Error logs at error level
func (l *Logger) Error(msg string, data map[string]interface{}, err error) {
	l.log(ErrorLevel, msg, data, err)
}

// Log logs at the given level
func (l *Logger) Log(level Level, msg string, data map[string]interface{}, err error) {
	l.log(level, msg, data, err)
}

func (l *Logger) log(level Level, msg string, data map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.fallback.Error("logger dropped an entry", zap.String("panic", fmt.Sprint(r)))
		}
	}()

	e := l.format(level, msg, data, err)
	l.append(e)
	l.collector.RecordLogEntry(e.Level.String())

	switch l.env {
	case Production:
		l.enqueue(e)
	default:
		l.mirror(e)
	}
}

// format builds an entry; the stack is captured at the caller of Debug/Info/...
func (l *Logger) format(level Level, msg string, data map[string]interface{}, err error) Entry {
	if strings.TrimSpace(msg) == "" {
		msg = EmptyMessage
	}

	e := Entry{
		Level:     level,
		Message:   msg,
		Timestamp: l.now().UTC().Format(timestampLayout),
	}

	if len(data) > 0 {
		e.Data = make(map[string]interface{}, len(data))
		for k, v := range data {
			e.Data[k] = v
		}
	}

	if err != nil {
		e.Error = err.Error()
		e.Stack = zap.StackSkip("", 3).String
	}

	return e
}

func (l *Logger) append(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	capacity := len(l.buf)
	idx := (l.head + l.count) % capacity
	l.buf[idx] = e
	if l.count < capacity {
		l.count++
	} else {
		l.head = (l.head + 1) % capacity
	}
}

// mirror writes the entry to the development console
func (l *Logger) mirror(e Entry) {
	fields := make([]zap.Field, 0, 3)
	if e.Data != nil {
		fields = append(fields, zap.Any("data", e.Data))
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
	}

	switch e.Level {
	case DebugLevel:
		l.console.Debug(e.Message, fields...)
	case WarnLevel:
		l.console.Warn(e.Message, fields...)
	case ErrorLevel:
		l.console.Error(e.Message, fields...)
	default:
		l.console.Info(e.Message, fields...)
	}
}

// Logs returns a snapshot of the buffer, oldest first
func (l *Logger) Logs() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, l.count)
	for i := 0; i < l.count; i++ {
		out[i] = l.buf[(l.head+i)%len(l.buf)]
	}
	return out
}

// ClearLogs empties the buffer
func (l *Logger) ClearLogs() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.buf {
		l.buf[i] = Entry{}
	}
	l.head = 0
	l.count = 0
}

// ShipResults returns the most recent shipping outcomes, oldest first
func (l *Logger) ShipResults() []ShipResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ShipResult, l.resCount)
	for i := 0; i < l.resCount; i++ {
		out[i] = l.results[(l.resHead+i)%len(l.results)]
	}
	return out
}

// Environment returns the configured environment
func (l *Logger) Environment() Environment {
	return l.env
}

// Close drains pending shipments and flushes the console. It is safe to call
// more than once.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		l.qmu.Lock()
		l.closed = true
		if l.queue != nil {
			close(l.queue)
		}
		l.qmu.Unlock()

		l.wg.Wait()

		// stderr sync errors are platform noise
		_ = l.console.Sync()
		_ = l.fallback.Sync()
	})
	return nil
}

// enqueue hands the entry to the shipping worker without blocking
func (l *Logger) enqueue(e Entry) {
	l.qmu.RLock()
	defer l.qmu.RUnlock()

	if l.closed {
		l.recordResult(ShipResult{Entry: e, Err: ErrClosed, At: l.now()})
		return
	}

	select {
	case l.queue <- e:
	default:
		l.recordResult(ShipResult{Entry: e, Err: ErrQueueFull, At: l.now()})
		l.fallback.Warn("log shipping queue full, entry dropped", zap.String("message", e.Message))
	}
}

func (l *Logger) shipLoop() {
	defer l.wg.Done()

	for e := range l.queue {
		l.ship(e)
	}
}

// ship performs one best-effort delivery and records its outcome
func (l *Logger) ship(e Entry) ShipResult {
	ctx, cancel := context.WithTimeout(context.Background(), l.shipTimeout)
	defer cancel()

	res := ShipResult{Entry: e, Err: safeShip(ctx, l.shipper, e), At: l.now()}
	l.recordResult(res)

	if res.Err != nil {
		l.fallback.Warn("remote log shipping failed",
			zap.String("message", e.Message),
			zap.Error(res.Err),
		)
	}
	return res
}

// safeShip converts a shipper panic into an error
func safeShip(ctx context.Context, s Shipper, e Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shipper panic: %v", r)
		}
	}()
	return s.Ship(ctx, e)
}

func (l *Logger) recordResult(res ShipResult) {
	l.collector.RecordShipResult(res.OK())

	l.mu.Lock()
	defer l.mu.Unlock()

	capacity := len(l.results)
	idx := (l.resHead + l.resCount) % capacity
	l.results[idx] = res
	if l.resCount < capacity {
		l.resCount++
	} else {
		l.resHead = (l.resHead + 1) % capacity
	}
}
