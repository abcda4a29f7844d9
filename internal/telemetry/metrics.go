// Package telemetry records scheduler activity as OpenTelemetry metrics.
// Instruments are fed from the event bus, so the scheduler itself has no
// dependency on OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aristath/wavesched/internal/events"
)

// MeterName is the instrumentation scope of every instrument in this package.
const MeterName = "github.com/aristath/wavesched"

// Metrics holds the scheduler's metric instruments.
type Metrics struct {
	taskTotal    metric.Int64Counter
	taskDuration metric.Float64Histogram
	taskActive   metric.Int64UpDownCounter
	runTotal     metric.Int64Counter
	runDuration  metric.Float64Histogram
	runSpeedup   metric.Float64Gauge
	concurrency  metric.Int64Gauge
	health       metric.Float64Gauge
}

// NewMetrics creates metric instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	if m.taskTotal, err = meter.Int64Counter("wavesched.task.total",
		metric.WithDescription("Tasks that reached a terminal status"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, fmt.Errorf("creating wavesched.task.total counter: %w", err)
	}

	if m.taskDuration, err = meter.Float64Histogram("wavesched.task.duration",
		metric.WithDescription("Execution time of tasks that ran"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("creating wavesched.task.duration histogram: %w", err)
	}

	if m.taskActive, err = meter.Int64UpDownCounter("wavesched.task.active",
		metric.WithDescription("Tasks currently running"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, fmt.Errorf("creating wavesched.task.active counter: %w", err)
	}

	if m.runTotal, err = meter.Int64Counter("wavesched.run.total",
		metric.WithDescription("Finished runs"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, fmt.Errorf("creating wavesched.run.total counter: %w", err)
	}

	if m.runDuration, err = meter.Float64Histogram("wavesched.run.duration",
		metric.WithDescription("Wall time of finished runs"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("creating wavesched.run.duration histogram: %w", err)
	}

	if m.runSpeedup, err = meter.Float64Gauge("wavesched.run.speedup",
		metric.WithDescription("Speed-up reported for the last finished run"),
	); err != nil {
		return nil, fmt.Errorf("creating wavesched.run.speedup gauge: %w", err)
	}

	if m.concurrency, err = meter.Int64Gauge("wavesched.concurrency.limit",
		metric.WithDescription("Effective number of tasks allowed in flight"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, fmt.Errorf("creating wavesched.concurrency.limit gauge: %w", err)
	}

	if m.health, err = meter.Float64Gauge("wavesched.health",
		metric.WithDescription("Last health value read by the throttle"),
	); err != nil {
		return nil, fmt.Errorf("creating wavesched.health gauge: %w", err)
	}

	return &m, nil
}

// Record updates the instruments for one event. Unknown events are ignored.
func (m *Metrics) Record(ctx context.Context, ev events.Event) {
	switch e := ev.(type) {
	case events.TaskEvent:
		m.recordTask(ctx, e)

	case events.ThrottleEvent:
		m.concurrency.Record(ctx, int64(e.Limit))
		m.health.Record(ctx, e.Health)

	case events.RunFinishedEvent:
		status := metric.WithAttributes(attribute.String("status", e.Status))
		m.runTotal.Add(ctx, 1, status)
		m.runDuration.Record(ctx, e.Duration.Seconds(), status)
		m.runSpeedup.Record(ctx, e.Speedup)
	}
}

func (m *Metrics) recordTask(ctx context.Context, e events.TaskEvent) {
	wave := attribute.String("wave", e.WaveID)

	var status string
	switch e.Kind {
	case events.EventTypeTaskStarted:
		m.taskActive.Add(ctx, 1, metric.WithAttributes(wave))
		return
	case events.EventTypeTaskCompleted:
		status = "completed"
	case events.EventTypeTaskFailed:
		status = "failed"
	case events.EventTypeTaskCancelled:
		status = "cancelled"
	case events.EventTypeTaskSkipped:
		// Skipped tasks never ran
		m.taskTotal.Add(ctx, 1, metric.WithAttributes(wave, attribute.String("status", "skipped")))
		return
	default:
		return
	}

	attrs := metric.WithAttributes(wave, attribute.String("status", status))
	m.taskTotal.Add(ctx, 1, attrs)

	if e.Ran {
		m.taskActive.Add(ctx, -1, metric.WithAttributes(wave))
		m.taskDuration.Record(ctx, e.Duration.Seconds(), attrs)
	}
}

// Consume records every event from ch until it is closed or ctx is done.
func (m *Metrics) Consume(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Record(ctx, ev)
		}
	}
}
