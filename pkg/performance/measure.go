package performance

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HeapDeltaSuffix names the series holding heap deltas of measured calls
const HeapDeltaSuffix = ".heapDelta"

// Measure runs fn and records its duration in milliseconds under name
func (m *Monitor) Measure(name string, fn func() error) error {
	return m.MeasureContext(context.Background(), name, func(context.Context) error {
		return fn()
	})
}

// MeasureContext runs fn inside a span and records its duration in
// milliseconds under name. The sample is recorded exactly once whether fn
// returns nil, returns an error or panics. Errors are returned unchanged and
// panics are re-raised.
func (m *Monitor) MeasureContext(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	ctx, span := m.tracer.Start(ctx, name,
		trace.WithAttributes(attribute.String("perf.metric", name)),
	)

	var before runtime.MemStats
	if m.heapTracking {
		runtime.ReadMemStats(&before)
	}
	start := time.Now()

	defer func() {
		elapsed := time.Since(start)
		ms := float64(elapsed) / float64(time.Millisecond)

		m.RecordMetric(name, ms)
		if elapsed > m.longTask && name != MetricLongTasks {
			m.RecordMetric(MetricLongTasks, ms)
		}

		if m.heapTracking {
			var after runtime.MemStats
			runtime.ReadMemStats(&after)
			m.RecordMetric(name+HeapDeltaSuffix, float64(int64(after.HeapAlloc)-int64(before.HeapAlloc)))
		}

		span.SetAttributes(attribute.Float64("perf.duration_ms", ms))

		if r := recover(); r != nil {
			span.SetStatus(codes.Error, fmt.Sprint(r))
			span.End()
			panic(r)
		}

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return fn(ctx)
}

// MeasureValue is MeasureContext for functions that return a value
func MeasureValue[T any](ctx context.Context, m *Monitor, name string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := m.MeasureContext(ctx, name, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}
