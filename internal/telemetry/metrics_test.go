package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/wavesched/internal/events"
	"github.com/aristath/wavesched/internal/scheduler"
)

func testProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := NewProvider("wavesched-test")
	require.NoError(t, err)
	t.Cleanup(func() {
		p.Shutdown(context.Background())
	})
	return p
}

func find(points []Point, name, attrs string) (Point, bool) {
	for _, p := range points {
		if p.Name == name && p.Attrs == attrs {
			return p, true
		}
	}
	return Point{}, false
}

func TestRecord_TaskLifecycle(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()

	task := func(kind string, ran bool, d time.Duration) events.TaskEvent {
		return events.TaskEvent{Kind: kind, Run: "r", ID: "w1_0_a", WaveID: "w1", Ran: ran, Duration: d}
	}

	p.Metrics.Record(ctx, task(events.EventTypeTaskStarted, true, 0))
	p.Metrics.Record(ctx, task(events.EventTypeTaskStarted, true, 0))
	p.Metrics.Record(ctx, task(events.EventTypeTaskStarted, true, 0))
	p.Metrics.Record(ctx, task(events.EventTypeTaskCompleted, true, 2*time.Second))
	p.Metrics.Record(ctx, task(events.EventTypeTaskFailed, true, time.Second))
	p.Metrics.Record(ctx, task(events.EventTypeTaskSkipped, false, 0))
	p.Metrics.Record(ctx, task(events.EventTypeTaskCancelled, false, 0))

	points, err := p.Snapshot(ctx)
	require.NoError(t, err)

	for status, want := range map[string]float64{"completed": 1, "failed": 1, "skipped": 1, "cancelled": 1} {
		pt, ok := find(points, "wavesched.task.total", "status="+status+",wave=w1")
		require.True(t, ok, status)
		assert.Equal(t, want, pt.Value, status)
	}

	active, ok := find(points, "wavesched.task.active", "wave=w1")
	require.True(t, ok)
	assert.Equal(t, 1.0, active.Value, "one task still running")

	dur, ok := find(points, "wavesched.task.duration", "status=completed,wave=w1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), dur.Count)
	assert.InDelta(t, 2.0, dur.Value, 1e-9)

	_, ok = find(points, "wavesched.task.duration", "status=cancelled,wave=w1")
	assert.False(t, ok, "never-started tasks have no duration sample")
}

func TestRecord_RunAndThrottle(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()

	p.Metrics.Record(ctx, events.ThrottleEvent{Run: "r", Health: 0.4, Limit: 4, Workers: 8})
	p.Metrics.Record(ctx, events.ThrottleEvent{Run: "r", Health: 0.9, Limit: 8, Workers: 8})
	p.Metrics.Record(ctx, events.RunFinishedEvent{Run: "r", Status: "partial", Duration: 3 * time.Second, Speedup: 2})
	p.Metrics.Record(ctx, events.RunStartedEvent{Run: "ignored"})

	points, err := p.Snapshot(ctx)
	require.NoError(t, err)

	limit, ok := find(points, "wavesched.concurrency.limit", "")
	require.True(t, ok)
	assert.Equal(t, 8.0, limit.Value)

	health, ok := find(points, "wavesched.health", "")
	require.True(t, ok)
	assert.Equal(t, 0.9, health.Value)

	runs, ok := find(points, "wavesched.run.total", "status=partial")
	require.True(t, ok)
	assert.Equal(t, 1.0, runs.Value)

	speedup, ok := find(points, "wavesched.run.speedup", "")
	require.True(t, ok)
	assert.Equal(t, 2.0, speedup.Value)
}

func TestConsume_FromScheduler(t *testing.T) {
	p := testProvider(t)
	bus := events.NewEventBus()
	sub := bus.SubscribeAll(events.DefaultBufferSize)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Metrics.Consume(context.Background(), sub)
	}()

	s := scheduler.New(scheduler.Config{Workers: 2, BaseDuration: time.Millisecond, Bus: bus})
	_, err := s.SubmitRun(context.Background(), []scheduler.Wave{{
		ID: "w1",
		Tasks: []scheduler.TaskDef{
			{Name: "a"},
			{Name: "b", Payload: scheduler.PayloadFunc(func(context.Context) (any, error) { return nil, errors.New("boom") })},
			{Name: "c", DependsOn: []string{"b"}},
		},
	}})
	require.NoError(t, err)

	bus.Close()
	<-done

	points, err := p.Snapshot(context.Background())
	require.NoError(t, err)

	completed, ok := find(points, "wavesched.task.total", "status=completed,wave=w1")
	require.True(t, ok)
	assert.Equal(t, 1.0, completed.Value)

	skipped, ok := find(points, "wavesched.task.total", "status=skipped,wave=w1")
	require.True(t, ok)
	assert.Equal(t, 1.0, skipped.Value)

	active, ok := find(points, "wavesched.task.active", "wave=w1")
	require.True(t, ok)
	assert.Zero(t, active.Value)

	runs, ok := find(points, "wavesched.run.total", "status=partial")
	require.True(t, ok)
	assert.Equal(t, 1.0, runs.Value)
}

func TestConsume_StopsOnContext(t *testing.T) {
	p := testProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan events.Event)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Metrics.Consume(ctx, ch)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after cancel")
	}
}
