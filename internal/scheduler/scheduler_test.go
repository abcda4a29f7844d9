package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/wavesched/internal/events"
)

func testConfig() Config {
	return Config{
		Workers:      4,
		BaseDuration: 5 * time.Millisecond,
		PollInterval: time.Millisecond,
	}
}

// counter counts payload invocations per task name.
type counter struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCounter() *counter { return &counter{calls: map[string]int{}} }

func (c *counter) payload(name string, err error) Payload {
	return PayloadFunc(func(ctx context.Context) (any, error) {
		c.mu.Lock()
		c.calls[name]++
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return name + " done", nil
	})
}

func (c *counter) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func assertTotals(t *testing.T, res *ExecutionResult) {
	t.Helper()
	assert.Equal(t, res.Total, res.Completed+res.Failed+res.Skipped+res.Cancelled)
	assert.Len(t, res.Tasks, res.Total)
	for _, task := range res.Tasks {
		assert.True(t, task.Status.Terminal(), "task %s ended %s", task.ID, task.Status)
	}
}

// assertDependencyOrder checks that every task started only after all of its
// resolved dependencies had ended.
func assertDependencyOrder(t *testing.T, s *Scheduler, waves []Wave, res *ExecutionResult) {
	t.Helper()
	_, g, err := s.Plan(waves)
	require.NoError(t, err)

	for _, task := range res.Tasks {
		if task.StartedAt.IsZero() {
			continue
		}
		for _, depID := range g.Dependencies(task.ID) {
			dep, ok := res.Task(depID)
			require.True(t, ok)
			assert.Equal(t, TaskCompleted, dep.Status)
			assert.False(t, dep.EndedAt.After(task.StartedAt), "%s started before %s ended", task.ID, depID)
		}
	}
}

func TestSubmitRun_InitThenLoad(t *testing.T) {
	s := New(testConfig())
	waves := []Wave{wave("w1", def("init"), def("load", "init"))}

	res, err := s.SubmitRun(context.Background(), waves)
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, res.Status)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Completed)
	assertTotals(t, res)

	initTask, _ := res.TaskByName("init")
	load, _ := res.TaskByName("load")
	assert.False(t, load.StartedAt.Before(initTask.EndedAt))
	assert.Equal(t, "simulated result for init", initTask.Result)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 1.0, res.Speedup)
}

func TestSubmitRun_FailurePropagatesToDependents(t *testing.T) {
	c := newCounter()
	s := New(testConfig())
	waves := []Wave{{
		ID: "w1",
		Tasks: []TaskDef{
			{Name: "A", Payload: c.payload("A", errors.New("boom"))},
			{Name: "B", DependsOn: []string{"A"}, Payload: c.payload("B", nil)},
			{Name: "C", DependsOn: []string{"A"}, Payload: c.payload("C", nil)},
		},
	}}

	res, err := s.SubmitRun(context.Background(), waves)
	require.NoError(t, err, "task failures are not run errors")

	assert.Equal(t, RunPartial, res.Status)
	assert.Equal(t, 0, res.Completed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Skipped)
	assertTotals(t, res)

	a, _ := res.TaskByName("A")
	assert.Equal(t, TaskFailed, a.Status)
	var execErr *TaskExecutionError
	require.ErrorAs(t, a.Error, &execErr)
	assert.EqualError(t, execErr.Err, "boom")

	for _, name := range []string{"B", "C"} {
		task, _ := res.TaskByName(name)
		assert.Equal(t, TaskSkipped, task.Status)
		assert.Zero(t, c.count(name), "payload of skipped task %s invoked", name)
	}
}

func TestSubmitRun_TransitiveSkipAcrossWaves(t *testing.T) {
	c := newCounter()
	s := New(testConfig())
	waves := []Wave{
		{ID: "w1", Tasks: []TaskDef{{Name: "fetch", Payload: c.payload("fetch", errors.New("unreachable"))}, {Name: "other"}}},
		{ID: "w2", Tasks: []TaskDef{{Name: "parse", DependsOn: []string{"fetch"}, Payload: c.payload("parse", nil)}}},
		{ID: "w3", Tasks: []TaskDef{{Name: "store", DependsOn: []string{"parse", "other"}, Payload: c.payload("store", nil)}}},
	}

	res, err := s.SubmitRun(context.Background(), waves)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, c.count("parse"))
	assert.Zero(t, c.count("store"))
	assertTotals(t, res)
}

func TestSubmitRun_CycleExecutesNothing(t *testing.T) {
	c := newCounter()
	s := New(testConfig())
	waves := []Wave{{
		ID: "w1",
		Tasks: []TaskDef{
			{Name: "A", DependsOn: []string{"B"}, Payload: c.payload("A", nil)},
			{Name: "B", DependsOn: []string{"A"}, Payload: c.payload("B", nil)},
			{Name: "C", Payload: c.payload("C", nil)},
		},
	}}

	res, err := s.SubmitRun(context.Background(), waves)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrCycle)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, [][]string{{"w1_0_A", "w1_1_B"}}, cycleErr.Cycles)

	assert.Zero(t, c.count("A")+c.count("B")+c.count("C"))
	assert.Zero(t, s.Progress().Total, "rejected run is not installed")
}

func TestSubmitRun_DependencyOrder(t *testing.T) {
	s := New(Config{Workers: 3, BaseDuration: 5 * time.Millisecond, PollInterval: time.Millisecond})
	waves := []Wave{
		wave("wave-foundation", def("init_system"), def("load_config", "init_system")),
		wave("wave-core", def("start_database", "load_config"), def("start_cache", "load_config"), def("start_queue", "load_config")),
		wave("wave-app", def("deploy_api", "start_database", "start_cache"), def("deploy_worker", "start_queue"), def("deploy_ui", "deploy_api")),
	}

	res, err := s.SubmitRun(context.Background(), waves)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Completed)
	assertTotals(t, res)
	assertDependencyOrder(t, s, waves, res)
}

func TestSubmitRun_UnresolvedDependencyIsIgnored(t *testing.T) {
	s := New(testConfig())
	res, err := s.SubmitRun(context.Background(), []Wave{wave("w1", def("A", "ghost"))})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, []UnresolvedDependency{{TaskID: "w1_0_A", Ref: "ghost"}}, res.Unresolved)
}

func TestSubmitRun_StrictDependencies(t *testing.T) {
	cfg := testConfig()
	cfg.StrictDependencies = true
	s := New(cfg)

	_, err := s.SubmitRun(context.Background(), []Wave{wave("w1", def("A", "ghost"))})
	var unresolved *UnresolvedDependencyError
	require.ErrorAs(t, err, &unresolved)
}

func TestSubmitRun_DuplicateIDsRejected(t *testing.T) {
	s := New(testConfig())
	_, err := s.SubmitRun(context.Background(), []Wave{wave("w1", def("A")), wave("w1", def("A"))})

	var dup *DuplicateTaskError
	require.ErrorAs(t, err, &dup)
}

func TestSubmitRun_EmptyRun(t *testing.T) {
	s := New(testConfig())
	res, err := s.SubmitRun(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, res.Status)
	assert.Zero(t, res.Total)
}

func TestSubmitRun_PanickingPayloadFails(t *testing.T) {
	s := New(testConfig())
	waves := []Wave{{
		ID: "w1",
		Tasks: []TaskDef{
			{Name: "bad", Payload: PayloadFunc(func(context.Context) (any, error) { panic("kaboom") })},
			{Name: "after", DependsOn: []string{"bad"}},
		},
	}}

	res, err := s.SubmitRun(context.Background(), waves)
	require.NoError(t, err)

	bad, _ := res.TaskByName("bad")
	assert.Equal(t, TaskFailed, bad.Status)
	assert.Contains(t, bad.Error.Error(), "kaboom")
	after, _ := res.TaskByName("after")
	assert.Equal(t, TaskSkipped, after.Status)
}

func TestSubmitRun_PayloadResultIsRecorded(t *testing.T) {
	s := New(testConfig())
	waves := []Wave{{ID: "w1", Tasks: []TaskDef{{
		Name:    "answer",
		Payload: PayloadFunc(func(context.Context) (any, error) { return 42, nil }),
	}}}}

	res, err := s.SubmitRun(context.Background(), waves)
	require.NoError(t, err)
	task, _ := res.TaskByName("answer")
	assert.Equal(t, 42, task.Result)
	assert.False(t, task.EndedAt.Before(task.StartedAt))
}

func TestSubmitRun_FailureHookCalledOncePerFailure(t *testing.T) {
	var mu sync.Mutex
	failures := map[string]error{}

	cfg := testConfig()
	cfg.OnTaskFailure = func(task Task, err error) {
		mu.Lock()
		defer mu.Unlock()
		_, seen := failures[task.Name]
		assert.False(t, seen, "hook called twice for %s", task.Name)
		failures[task.Name] = err
	}
	s := New(cfg)

	c := newCounter()
	waves := []Wave{{
		ID: "w1",
		Tasks: []TaskDef{
			{Name: "A", Payload: c.payload("A", errors.New("a failed"))},
			{Name: "B", Payload: c.payload("B", errors.New("b failed"))},
			{Name: "C", DependsOn: []string{"A"}},
			{Name: "D"},
		},
	}}

	_, err := s.SubmitRun(context.Background(), waves)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 2)
	assert.ErrorContains(t, failures["A"], "a failed")
	assert.ErrorContains(t, failures["B"], "b failed")
}

func TestSubmitRun_ThrottledByHealth(t *testing.T) {
	var running, peak atomic.Int32
	work := PayloadFunc(func(ctx context.Context) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	})

	defs := make([]TaskDef, 20)
	for i := range defs {
		defs[i] = TaskDef{Name: fmt.Sprintf("t%d", i), Payload: work}
	}

	s := New(Config{
		Workers:      8,
		PollInterval: time.Millisecond,
		Health:       StaticHealth(0.2),
	})
	res, err := s.SubmitRun(context.Background(), []Wave{{ID: "w1", Tasks: defs}})
	require.NoError(t, err)

	assert.Equal(t, 20, res.Completed)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestSubmitRun_WithoutHealthUsesFullPool(t *testing.T) {
	release := make(chan struct{})
	var running atomic.Int32
	started := make(chan struct{}, 8)
	work := PayloadFunc(func(ctx context.Context) (any, error) {
		running.Add(1)
		started <- struct{}{}
		<-release
		return nil, nil
	})

	defs := make([]TaskDef, 4)
	for i := range defs {
		defs[i] = TaskDef{Name: fmt.Sprintf("t%d", i), Payload: work}
	}

	s := New(Config{Workers: 4, PollInterval: time.Millisecond})
	done := make(chan *ExecutionResult)
	go func() {
		res, _ := s.SubmitRun(context.Background(), []Wave{{ID: "w1", Tasks: defs}})
		done <- res
	}()

	for i := 0; i < 4; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d tasks started concurrently", i)
		}
	}
	close(release)
	res := <-done
	assert.Equal(t, 4, res.Completed)
}

func TestSubmitRun_HealthRecoveryWidensPool(t *testing.T) {
	var health atomic.Value
	health.Store(0.1)

	var running, peak atomic.Int32
	work := PayloadFunc(func(ctx context.Context) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	})

	defs := make([]TaskDef, 40)
	for i := range defs {
		defs[i] = TaskDef{Name: fmt.Sprintf("t%d", i), Payload: work}
	}

	bus := events.NewEventBus()
	defer bus.Close()
	throttle := bus.Subscribe(events.TopicRun, 1024)

	s := New(Config{
		Workers:      8,
		PollInterval: time.Millisecond,
		Health:       HealthFunc(func() float64 { return health.Load().(float64) }),
		Bus:          bus,
	})

	go func() {
		time.Sleep(40 * time.Millisecond)
		health.Store(0.9)
	}()

	res, err := s.SubmitRun(context.Background(), []Wave{{ID: "w1", Tasks: defs}})
	require.NoError(t, err)
	assert.Equal(t, 40, res.Completed)

	var limits []int
	for len(throttle) > 0 {
		if ev, ok := (<-throttle).(events.ThrottleEvent); ok {
			limits = append(limits, ev.Limit)
		}
	}
	require.NotEmpty(t, limits)
	assert.Equal(t, 2, limits[0])
	assert.Contains(t, limits, 8)
}

func TestSubmitRun_ProgressConsistentMidRun(t *testing.T) {
	s := New(Config{Workers: 2, BaseDuration: 2 * time.Millisecond, PollInterval: time.Millisecond})

	defs := make([]TaskDef, 30)
	for i := range defs {
		defs[i] = TaskDef{Name: fmt.Sprintf("t%d", i)}
		if i > 0 && i%3 == 0 {
			defs[i].DependsOn = []string{fmt.Sprintf("t%d", i-1)}
		}
	}

	stop := make(chan struct{})
	var samples atomic.Int32
	var inconsistent atomic.Int32
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			rep := s.Progress()
			if rep.Total > 0 {
				samples.Add(1)
				if rep.Done()+rep.Pending+rep.Running != rep.Total {
					inconsistent.Add(1)
				}
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	res, err := s.SubmitRun(context.Background(), []Wave{{ID: "w1", Tasks: defs}})
	close(stop)
	require.NoError(t, err)

	assert.Equal(t, 30, res.Completed)
	assert.Positive(t, samples.Load())
	assert.Zero(t, inconsistent.Load())

	final := s.Progress()
	assert.True(t, final.Finished)
	assert.Equal(t, 30, final.Completed)
	assert.InDelta(t, 100.0, final.Percent, 1e-9)
	assert.Equal(t, res.Duration, final.Elapsed)
}

func TestSubmitRun_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	var once sync.Once
	blocking := PayloadFunc(func(ctx context.Context) (any, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})

	c := newCounter()
	waves := []Wave{{
		ID: "w1",
		Tasks: []TaskDef{
			{Name: "slow", Payload: blocking},
			{Name: "next", DependsOn: []string{"slow"}, Payload: c.payload("next", nil)},
			{Name: "later", DependsOn: []string{"next"}, Payload: c.payload("later", nil)},
		},
	}}

	s := New(testConfig())
	go func() {
		<-started
		cancel()
	}()

	res, err := s.SubmitRun(ctx, waves)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)

	assert.Equal(t, RunCancelled, res.Status)
	assert.Equal(t, 3, res.Cancelled)
	assertTotals(t, res)
	assert.Zero(t, c.count("next"))
	assert.Zero(t, c.count("later"))

	slow, _ := res.TaskByName("slow")
	assert.False(t, slow.StartedAt.IsZero())
	assert.ErrorIs(t, slow.Error, context.Canceled)
}

func TestSubmitRun_CancelledWhileRunningSucceeds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	// Ignores ctx and reports success after the run was cancelled
	stubborn := PayloadFunc(func(context.Context) (any, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return "done", nil
	})

	go func() {
		<-started
		cancel()
	}()

	s := New(testConfig())
	res, err := s.SubmitRun(ctx, []Wave{{ID: "w1", Tasks: []TaskDef{{Name: "stubborn", Payload: stubborn}}}})
	require.ErrorIs(t, err, context.Canceled)

	task, ok := res.TaskByName("stubborn")
	require.True(t, ok)
	assert.Equal(t, TaskCancelled, task.Status)
	assert.ErrorIs(t, task.Error, context.Canceled)
	assert.Equal(t, RunCancelled, res.Status)
	assert.Equal(t, 1, res.Cancelled)
	assert.Zero(t, res.Completed)
	assertTotals(t, res)
}

func TestSubmitRun_CancelledWhileWaitingForLock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	blocking := PayloadFunc(func(ctx context.Context) (any, error) {
		runs.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	s := New(testConfig())
	go func() {
		// Both tasks dispatched: one holds the lock, the other waits on it
		for s.Progress().Running < 2 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	res, err := s.SubmitRun(ctx, []Wave{{ID: "w1", Tasks: []TaskDef{
		{Name: "first", Locks: []string{"db"}, Payload: blocking},
		{Name: "second", Locks: []string{"db"}, Payload: blocking},
	}}})
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 2, res.Cancelled)
	assert.Equal(t, int32(1), runs.Load(), "the waiting task must not run once cancelled")
	assertTotals(t, res)
}

func TestSubmitRun_LockWaitNotCountedAsRunTime(t *testing.T) {
	work := PayloadFunc(func(context.Context) (any, error) {
		time.Sleep(30 * time.Millisecond)
		return nil, nil
	})

	s := New(Config{Workers: 2, PollInterval: time.Millisecond})
	res, err := s.SubmitRun(context.Background(), []Wave{{ID: "w1", Tasks: []TaskDef{
		{Name: "a", Locks: []string{"db"}, Payload: work},
		{Name: "b", Locks: []string{"db"}, Payload: work},
	}}})
	require.NoError(t, err)
	require.Equal(t, 2, res.Completed)

	first, second := res.Tasks[0], res.Tasks[1]
	if second.StartedAt.Before(first.StartedAt) {
		first, second = second, first
	}
	assert.False(t, second.StartedAt.Before(first.EndedAt), "%s timed from dispatch, not from lock acquisition", second.ID)
}

func TestSubmitRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(testConfig())
	res, err := s.SubmitRun(ctx, []Wave{wave("w1", def("A"), def("B", "A"))})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, res.Cancelled)
	assert.Equal(t, RunCancelled, res.Status)
}

func TestSubmitRun_RejectsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	s := New(testConfig())

	done := make(chan error)
	go func() {
		_, err := s.SubmitRun(context.Background(), []Wave{{ID: "w1", Tasks: []TaskDef{{
			Name: "hold",
			Payload: PayloadFunc(func(context.Context) (any, error) {
				close(started)
				<-release
				return nil, nil
			}),
		}}}})
		done <- err
	}()

	<-started
	_, err := s.SubmitRun(context.Background(), []Wave{wave("w2", def("A"))})
	assert.ErrorIs(t, err, ErrRunInProgress)
	_, err = s.Retry(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	rep := s.Progress()
	assert.Equal(t, 1, rep.Running)
	assert.False(t, rep.Finished)

	close(release)
	require.NoError(t, <-done)
}

func TestRetry(t *testing.T) {
	var attempts atomic.Int32
	flaky := PayloadFunc(func(context.Context) (any, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return "recovered", nil
	})
	c := newCounter()

	s := New(testConfig())
	_, err := s.Retry(context.Background())
	require.ErrorIs(t, err, ErrNoRun)

	waves := []Wave{{
		ID: "w1",
		Tasks: []TaskDef{
			{Name: "stable", Payload: c.payload("stable", nil)},
			{Name: "flaky", Payload: flaky},
			{Name: "report", DependsOn: []string{"flaky", "stable"}, Payload: c.payload("report", nil)},
		},
	}}

	first, err := s.SubmitRun(context.Background(), waves)
	require.NoError(t, err)
	assert.Equal(t, RunPartial, first.Status)
	assert.Equal(t, 1, first.Completed)
	assert.Equal(t, 1, first.Failed)
	assert.Equal(t, 1, first.Skipped)

	second, err := s.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, second.Status)
	assert.Equal(t, 3, second.Completed)
	assert.NotEqual(t, first.RunID, second.RunID)

	assert.Equal(t, 1, c.count("stable"), "completed tasks are not re-run")
	assert.Equal(t, 1, c.count("report"))

	flakyTask, _ := second.TaskByName("flaky")
	assert.Equal(t, "recovered", flakyTask.Result)

	// The first result is a snapshot and did not change
	old, _ := first.TaskByName("flaky")
	assert.Equal(t, TaskFailed, old.Status)
}

func TestSubmitRun_EstimatorAnnotations(t *testing.T) {
	var seen *float64
	est := &recordingEstimator{factor: 20, speedup: 4.2, seen: &seen}

	s := New(Config{
		Workers:      2,
		BaseDuration: 5 * time.Millisecond,
		PollInterval: time.Millisecond,
		Estimator:    est,
		Health:       StaticHealth(0.8),
	})
	waves := []Wave{
		wave("w1", def("a"), def("b")),
		{ID: "w2", Factor: 3, Tasks: []TaskDef{{Name: "c"}}},
	}

	res, err := s.SubmitRun(context.Background(), waves)
	require.NoError(t, err)
	assert.Equal(t, 4.2, res.Speedup)
	require.NotNil(t, seen)
	assert.Equal(t, 0.8, *seen)

	a, _ := res.TaskByName("a")
	assert.InDelta(t, 10.0, a.ConcurrencyFactor, 1e-9)
	c, _ := res.TaskByName("c")
	assert.InDelta(t, 3.0, c.ConcurrencyFactor, 1e-9)
}

type recordingEstimator struct {
	factor  float64
	speedup float64
	seen    **float64
}

func (e *recordingEstimator) WaveConcurrencyFactor() float64 { return e.factor }

func (e *recordingEstimator) TotalSpeedup(health *float64) float64 {
	*e.seen = health
	return e.speedup
}

func TestSubmitRun_SpeedupBelowOneIsClamped(t *testing.T) {
	s := New(Config{Workers: 1, BaseDuration: time.Millisecond, Estimator: StaticEstimator{Factor: 1, Speedup: 0.3}})
	res, err := s.SubmitRun(context.Background(), []Wave{wave("w1", def("a"))})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Speedup)
}

func TestSubmitRun_ResourceLocksSerialize(t *testing.T) {
	var holders, peak atomic.Int32
	work := PayloadFunc(func(context.Context) (any, error) {
		n := holders.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		holders.Add(-1)
		return nil, nil
	})

	defs := make([]TaskDef, 6)
	for i := range defs {
		defs[i] = TaskDef{Name: fmt.Sprintf("migrate%d", i), Locks: []string{"db"}, Payload: work}
	}

	s := New(Config{Workers: 6, PollInterval: time.Millisecond})
	res, err := s.SubmitRun(context.Background(), []Wave{{ID: "w1", Tasks: defs}})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Completed)
	assert.Equal(t, int32(1), peak.Load())
}

func TestSubmitRun_PublishesEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.SubscribeAll(1024)

	cfg := testConfig()
	cfg.Bus = bus
	s := New(cfg)

	c := newCounter()
	waves := []Wave{{ID: "w1", Tasks: []TaskDef{
		{Name: "A", Payload: c.payload("A", errors.New("boom"))},
		{Name: "B", DependsOn: []string{"A"}},
		{Name: "C"},
	}}}
	res, err := s.SubmitRun(context.Background(), waves)
	require.NoError(t, err)

	kinds := map[string]int{}
	var last events.Event
	for len(sub) > 0 {
		ev := <-sub
		kinds[ev.EventType()]++
		assert.Equal(t, res.RunID, ev.RunID())
		last = ev
	}

	assert.Equal(t, 1, kinds[events.EventTypeRunStarted])
	assert.Equal(t, 2, kinds[events.EventTypeTaskStarted])
	assert.Equal(t, 1, kinds[events.EventTypeTaskCompleted])
	assert.Equal(t, 1, kinds[events.EventTypeTaskFailed])
	assert.Equal(t, 1, kinds[events.EventTypeTaskSkipped])
	assert.Equal(t, 2, kinds[events.EventTypeRunProgress])
	require.IsType(t, events.RunFinishedEvent{}, last)
	assert.Equal(t, string(RunPartial), last.(events.RunFinishedEvent).Status)
}

func TestExecute_StuckStateSkipsRemaining(t *testing.T) {
	// A failed without propagation leaves B pending with no way to become ready
	r := buildRun(t, wave("w1", def("A"), def("B", "A"), def("C")))
	now := time.Now()
	_, err := r.start("w1_0_A", now)
	require.NoError(t, err)
	_, err = r.finish("w1_0_A", TaskFailed, nil, errors.New("boom"), time.Time{}, now)
	require.NoError(t, err)

	s := New(testConfig())
	res, err := s.execute(context.Background(), r, 1)
	require.NoError(t, err)

	assert.True(t, res.Stuck)
	assert.Equal(t, RunPartial, res.Status)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Skipped)

	b, _ := res.Task("w1_1_B")
	assert.ErrorIs(t, b.Error, ErrStuck)
}
