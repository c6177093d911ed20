package performance

import (
	"errors"
	"fmt"
	"math"
	rtmetrics "runtime/metrics"
	"sync"
	"time"
)

// Series fed by the built-in observers
const (
	MetricLongTasks        = "longTasks"
	MetricSchedulerLatency = "schedulerLatency"
	MetricHeapGrowth       = "heapGrowth"
)

// Runtime metrics read by the built-in observers
const (
	gcPausesKey     = "/gc/pauses:seconds"
	schedLatencyKey = "/sched/latencies:seconds"
	heapObjectsKey  = "/memory/classes/heap/objects:bytes"
)

// maxPausesPerPoll caps how many GC pauses one poll records
const maxPausesPerPoll = 64

// ErrUnsupported is returned when the runtime does not provide what an
// observer needs
var ErrUnsupported = errors.New("performance: observer not supported by runtime")

// Sink receives samples from observers
type Sink interface {
	RecordMetric(name string, value float64)
}

// Observer feeds samples into a Sink until stopped
type Observer interface {
	Name() string
	Start(sink Sink) error
	Stop()
}

// DefaultObservers returns the built-in runtime observers
func DefaultObservers(interval time.Duration) []Observer {
	return []Observer{
		NewGCPauseObserver(interval),
		NewSchedulerLatencyObserver(interval),
		NewHeapGrowthObserver(interval),
	}
}

// NewGCPauseObserver records each stop-the-world pause, in milliseconds,
// under longTasks
func NewGCPauseObserver(interval time.Duration) Observer {
	return newPollingObserver(MetricLongTasks, gcPausesKey, interval, gcPauses)
}

// NewSchedulerLatencyObserver records, per poll, the worst delay a runnable
// goroutine waited before running, in milliseconds
func NewSchedulerLatencyObserver(interval time.Duration) Observer {
	return newPollingObserver(MetricSchedulerLatency, schedLatencyKey, interval, worstLatency)
}

// NewHeapGrowthObserver records the relative growth of live heap objects
// between polls. Shrinking heaps record nothing.
func NewHeapGrowthObserver(interval time.Duration) Observer {
	return newPollingObserver(MetricHeapGrowth, heapObjectsKey, interval, heapGrowth)
}

// observeFunc turns two consecutive readings into samples
type observeFunc func(prev, cur rtmetrics.Value) []float64

// pollingObserver reads one runtime metric on a ticker
type pollingObserver struct {
	name     string
	key      string
	interval time.Duration
	observe  observeFunc

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

func newPollingObserver(name, key string, interval time.Duration, observe observeFunc) *pollingObserver {
	if interval <= 0 {
		interval = time.Second
	}
	return &pollingObserver{
		name:     name,
		key:      key,
		interval: interval,
		observe:  observe,
	}
}

func (o *pollingObserver) Name() string {
	return o.name
}

func (o *pollingObserver) Start(sink Sink) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return fmt.Errorf("performance: observer %s already started", o.name)
	}

	first, err := readRuntime(o.key)
	if err != nil {
		return err
	}

	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	o.running = true

	go o.run(sink, first)
	return nil
}

func (o *pollingObserver) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.running {
		return
	}
	close(o.stop)
	<-o.done
	o.running = false
}

func (o *pollingObserver) run(sink Sink, prev rtmetrics.Value) {
	defer close(o.done)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cur, err := readRuntime(o.key)
			if err != nil {
				continue
			}
			for _, v := range o.observe(prev, cur) {
				sink.RecordMetric(o.name, v)
			}
			prev = cur
		case <-o.stop:
			return
		}
	}
}

// readRuntime reads a single runtime metric into a fresh sample so
// histogram values are not overwritten by later reads
func readRuntime(key string) (rtmetrics.Value, error) {
	samples := []rtmetrics.Sample{{Name: key}}
	rtmetrics.Read(samples)
	if samples[0].Value.Kind() == rtmetrics.KindBad {
		return rtmetrics.Value{}, fmt.Errorf("%w: %s", ErrUnsupported, key)
	}
	return samples[0].Value, nil
}

func gcPauses(prev, cur rtmetrics.Value) []float64 {
	if cur.Kind() != rtmetrics.KindFloat64Histogram {
		return nil
	}

	var out []float64
	h := cur.Float64Histogram()
	for i, n := range histogramDelta(prev, cur) {
		for ; n > 0 && len(out) < maxPausesPerPoll; n-- {
			out = append(out, bucketValue(h.Buckets, i)*1000)
		}
	}
	return out
}

func worstLatency(prev, cur rtmetrics.Value) []float64 {
	if cur.Kind() != rtmetrics.KindFloat64Histogram {
		return nil
	}

	h := cur.Float64Histogram()
	delta := histogramDelta(prev, cur)
	for i := len(delta) - 1; i >= 0; i-- {
		if delta[i] > 0 {
			return []float64{bucketValue(h.Buckets, i) * 1000}
		}
	}
	return nil
}

func heapGrowth(prev, cur rtmetrics.Value) []float64 {
	if prev.Kind() != rtmetrics.KindUint64 || cur.Kind() != rtmetrics.KindUint64 {
		return nil
	}

	before, after := prev.Uint64(), cur.Uint64()
	if before == 0 || after <= before {
		return nil
	}
	return []float64{float64(after-before) / float64(before)}
}

// histogramDelta returns per-bucket counts added between two readings
func histogramDelta(prev, cur rtmetrics.Value) []uint64 {
	c := cur.Float64Histogram().Counts
	delta := make([]uint64, len(c))

	var p []uint64
	if prev.Kind() == rtmetrics.KindFloat64Histogram {
		p = prev.Float64Histogram().Counts
	}
	for i := range c {
		if i < len(p) && c[i] >= p[i] {
			delta[i] = c[i] - p[i]
		} else if i >= len(p) {
			delta[i] = c[i]
		}
	}
	return delta
}

// bucketValue picks a representative value for bucket i
func bucketValue(bounds []float64, i int) float64 {
	lo, hi := bounds[i], bounds[i+1]
	switch {
	case math.IsInf(lo, -1):
		return hi
	case math.IsInf(hi, 1):
		return lo
	default:
		return (lo + hi) / 2
	}
}
