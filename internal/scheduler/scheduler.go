package scheduler

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/wavesched/internal/events"
)

const (
	// DefaultBaseDuration is the simulated work time of a payload-less task with factor 1.
	DefaultBaseDuration = 100 * time.Millisecond
	// DefaultPollInterval bounds how long the coordinator waits without a completion
	// before re-reading the health signal.
	DefaultPollInterval = 10 * time.Millisecond
)

// Config configures a Scheduler. Only Workers is commonly set; every
// collaborator is optional.
type Config struct {
	Workers            int           // Worker pool size (<= 0: runtime.NumCPU())
	BaseDuration       time.Duration // Simulated work time (default 100ms)
	PollInterval       time.Duration // Coordinator wake-up without completions (default 10ms)
	DisableThrottle    bool          // Ignore Health even when set
	StrictDependencies bool          // Unresolved references fail the graph build

	Health        HealthSource         // nil disables adaptive throttling
	Estimator     Estimator            // nil: factor 1.0, speedup 1.0
	OnTaskFailure FailureHook          // Optional, called once per failed task
	Bus           *events.EventBus     // Optional event sink
	Logger        *zerolog.Logger      // nil: no logging
	Locks         *ResourceLockManager // nil: a private manager
}

// Scheduler runs waves of tasks over a bounded, health-throttled worker pool.
// A Scheduler executes one run at a time; Progress may be called concurrently.
type Scheduler struct {
	cfg   Config
	log   zerolog.Logger
	locks *ResourceLockManager

	mu      sync.Mutex
	active  bool
	current *run
}

// New creates a Scheduler, filling in defaults.
func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = max(1, runtime.NumCPU())
	}
	if cfg.BaseDuration <= 0 {
		cfg.BaseDuration = DefaultBaseDuration
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "scheduler").Logger()
	}

	locks := cfg.Locks
	if locks == nil {
		locks = NewResourceLockManager()
	}

	return &Scheduler{cfg: cfg, log: log, locks: locks}
}

// Workers returns the configured pool size.
func (s *Scheduler) Workers() int {
	return s.cfg.Workers
}

// Plan decomposes waves and builds their dependency graph without running
// anything.
func (s *Scheduler) Plan(waves []Wave) ([]*Task, *Graph, error) {
	var tasks []*Task
	for _, wave := range waves {
		factor := wave.Factor
		if factor <= 0 {
			factor = s.waveFactor()
		}
		decomposed := Decompose(wave, factor)
		s.log.Info().
			Str("wave", wave.ID).
			Int("tasks", len(decomposed)).
			Float64("factor", TaskFactor(factor, len(wave.Tasks))).
			Msg("decomposed wave")
		tasks = append(tasks, decomposed...)
	}

	graph, err := BuildGraph(tasks, s.cfg.StrictDependencies)
	if err != nil {
		return nil, nil, err
	}
	for _, u := range graph.Unresolved() {
		s.log.Warn().Str("task", u.TaskID).Str("dependency", u.Ref).Msg("dependency not found, ignoring")
	}
	s.log.Info().Int("nodes", graph.Len()).Int("edges", graph.Edges()).Msg("dependency graph built")
	return tasks, graph, nil
}

func (s *Scheduler) waveFactor() float64 {
	if s.cfg.Estimator == nil {
		return 1.0
	}
	return s.cfg.Estimator.WaveConcurrencyFactor()
}

// SubmitRun decomposes waves, builds the graph and executes it, blocking until
// every task is terminal.
//
// Only graph construction errors (cycles, duplicate IDs, unresolved references
// in strict mode) and ErrRunInProgress are returned without a result. Task
// failures are reported through the result counts. If ctx is cancelled the
// partial result is returned together with ctx.Err().
func (s *Scheduler) SubmitRun(ctx context.Context, waves []Wave) (*ExecutionResult, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.release()

	s.log.Info().Int("waves", len(waves)).Msg("starting run")

	tasks, graph, err := s.Plan(waves)
	if err != nil {
		s.log.Error().Err(err).Msg("dependency graph rejected, aborting run")
		return nil, fmt.Errorf("building dependency graph: %w", err)
	}

	r := newRun(uuid.NewString(), graph, tasks, time.Now())
	s.setCurrent(r)
	return s.execute(ctx, r, len(waves))
}

// Retry re-submits the most recent run. Failed, skipped and cancelled tasks go
// back to Pending; completed tasks keep their results.
func (s *Scheduler) Retry(ctx context.Context) (*ExecutionResult, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.release()

	s.mu.Lock()
	prev := s.current
	s.mu.Unlock()
	if prev == nil {
		return nil, ErrNoRun
	}

	r := prev.retry(uuid.NewString(), time.Now())
	s.log.Info().Str("previous_run", prev.id).Str("run", r.id).Msg("retrying run")
	s.setCurrent(r)
	return s.execute(ctx, r, 0)
}

// Progress returns a snapshot of the current (or last finished) run. It is
// safe to call from any goroutine.
func (s *Scheduler) Progress() ProgressReport {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()

	if r == nil {
		return ProgressReport{}
	}
	return r.progress(time.Now())
}

func (s *Scheduler) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return ErrRunInProgress
	}
	s.active = true
	return nil
}

func (s *Scheduler) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}

func (s *Scheduler) setCurrent(r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = r
}

// completion is what a worker reports back to the coordinator.
type completion struct {
	id     string
	result any
	err    error
	began  time.Time // Payload start, after locks were acquired; zero if it never ran
	at     time.Time
}

// coordinator holds the per-run loop state. It lives on the goroutine that
// called SubmitRun and is the only writer of the task set.
type coordinator struct {
	s          *Scheduler
	r          *run
	limit      int
	lastHealth *float64
	hooks      sync.WaitGroup
}

func (s *Scheduler) execute(ctx context.Context, r *run, waves int) (*ExecutionResult, error) {
	c := &coordinator{s: s, r: r}
	s.publish(events.TopicRun, events.RunStartedEvent{
		Run:       r.id,
		Waves:     waves,
		Tasks:     len(r.tasks),
		Workers:   s.cfg.Workers,
		Timestamp: time.Now(),
	})

	completions := make(chan completion)
	var workers errgroup.Group
	inFlight := 0
	stuck := false
	cancelled := false
	done := ctx.Done()

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()

	for {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
			done = nil
			c.cancelPending(ctx)
		}

		if !cancelled {
			limit := c.adjustLimit()
			for _, id := range r.ready() {
				if inFlight >= limit {
					break
				}
				task, err := r.start(id, time.Now())
				if err != nil {
					s.log.Error().Err(err).Msg("failed to start task")
					continue
				}
				inFlight++
				c.taskEvent(events.EventTypeTaskStarted, *task)

				work := task.work(s.cfg.BaseDuration)
				locks := task.Locks
				workers.Go(func() error {
					completions <- s.runTask(ctx, task.ID, work, locks)
					return nil
				})
			}
		}

		if inFlight == 0 {
			if !cancelled && r.count(TaskPending) > 0 {
				stuck = true
				c.skipStuck()
			}
			break
		}

		select {
		case comp := <-completions:
			inFlight--
			c.complete(ctx, comp)
		case <-done:
		case <-poll.C:
		}
	}

	_ = workers.Wait()
	c.hooks.Wait()

	res := c.result(stuck)
	if cancelled {
		return res, ctx.Err()
	}
	return res, nil
}

// runTask executes a payload on a worker goroutine, holding the task's
// resource locks. Panics are converted into errors.
//
// The task is Running while it waits for its locks; began marks when the
// payload itself started, so lock waits do not count toward its duration.
// Cancellation during the wait ends the task without running the payload.
func (s *Scheduler) runTask(ctx context.Context, id string, work Payload, locks []string) (c completion) {
	c.id = id
	release, err := s.locks.AcquireContext(ctx, locks)
	if err != nil {
		c.err = err
		c.at = time.Now()
		return c
	}
	defer release()
	c.began = time.Now()

	defer func() {
		if p := recover(); p != nil {
			c.result = nil
			c.err = fmt.Errorf("panic: %v", p)
		}
		c.at = time.Now()
	}()

	c.result, c.err = work.Run(ctx)
	return c
}

// adjustLimit re-reads the health signal and returns the number of tasks that
// may be in flight. Running tasks are never pre-empted when it drops.
func (c *coordinator) adjustLimit() int {
	s := c.s
	limit := s.cfg.Workers
	var health float64
	if s.cfg.Health != nil && !s.cfg.DisableThrottle {
		health = clampHealth(s.cfg.Health.CurrentHealth())
		c.lastHealth = &health
		limit = EffectiveConcurrency(s.cfg.Workers, health)
	}

	if limit != c.limit {
		if c.limit != 0 {
			s.log.Info().Float64("health", health).Int("limit", limit).Int("workers", s.cfg.Workers).Msg("adaptive throttle changed")
		}
		c.limit = limit
		s.publish(events.TopicRun, events.ThrottleEvent{
			Run:       c.r.id,
			Health:    health,
			Limit:     limit,
			Workers:   s.cfg.Workers,
			Timestamp: time.Now(),
		})
	}
	return limit
}

// complete applies a worker's outcome to the task set.
func (c *coordinator) complete(ctx context.Context, done completion) {
	s, r := c.s, c.r

	switch {
	case ctx.Err() != nil:
		// Cancelled runs never record a success, even from payloads that
		// ignored ctx and finished their work.
		cause := done.err
		if cause == nil {
			cause = context.Cause(ctx)
		}
		task, err := r.finish(done.id, TaskCancelled, done.result, cause, done.began, done.at)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to record cancellation")
			break
		}
		c.taskEvent(events.EventTypeTaskCancelled, *task)

	case done.err != nil:
		execErr := &TaskExecutionError{TaskID: done.id, Err: done.err}
		task, err := r.finish(done.id, TaskFailed, done.result, execErr, done.began, done.at)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to record failure")
			break
		}
		s.log.Error().Str("task", task.ID).Err(done.err).Msg("task failed")
		c.taskEvent(events.EventTypeTaskFailed, *task)

		for _, id := range r.propagateFailure(task.ID, time.Now()) {
			s.log.Warn().Str("task", id).Str("upstream", task.ID).Msg("skipping dependent task")
			if skipped, ok := r.task(id); ok {
				c.taskEvent(events.EventTypeTaskSkipped, skipped)
			}
		}

		if hook := s.cfg.OnTaskFailure; hook != nil {
			snapshot := *task
			c.hooks.Add(1)
			go func() {
				defer c.hooks.Done()
				hook(snapshot, execErr)
			}()
		}

	default:
		task, err := r.finish(done.id, TaskCompleted, done.result, nil, done.began, done.at)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to record completion")
			break
		}
		s.log.Debug().Str("task", task.ID).Dur("duration", task.Duration()).Msg("task completed")
		c.taskEvent(events.EventTypeTaskCompleted, *task)
	}

	c.progress()
}

func (c *coordinator) cancelPending(ctx context.Context) {
	ids := c.r.forcePending(TaskCancelled, context.Cause(ctx), time.Now())
	c.s.log.Warn().Int("tasks", len(ids)).Msg("run cancelled, pending tasks will not start")
	for _, id := range ids {
		if t, ok := c.r.task(id); ok {
			c.taskEvent(events.EventTypeTaskCancelled, t)
		}
	}
	c.progress()
}

func (c *coordinator) skipStuck() {
	ids := c.r.forcePending(TaskSkipped, ErrStuck, time.Now())
	c.s.log.Warn().Int("tasks", len(ids)).Msg("no runnable tasks left, skipping remaining pending tasks")
	for _, id := range ids {
		if t, ok := c.r.task(id); ok {
			c.taskEvent(events.EventTypeTaskSkipped, t)
		}
	}
	c.progress()
}

func (c *coordinator) result(stuck bool) *ExecutionResult {
	s, r := c.s, c.r
	r.close(time.Now())

	rep := r.progress(time.Now())
	res := &ExecutionResult{
		RunID:      r.id,
		Total:      rep.Total,
		Completed:  rep.Completed,
		Failed:     rep.Failed,
		Skipped:    rep.Skipped,
		Cancelled:  rep.Cancelled,
		StartedAt:  r.startedAt,
		Duration:   rep.Elapsed,
		Speedup:    c.speedup(),
		Stuck:      stuck,
		Unresolved: r.graph.Unresolved(),
		Tasks:      r.snapshot(),
	}
	res.Status = runStatus(res)

	s.log.Info().
		Str("run", res.RunID).
		Str("status", string(res.Status)).
		Int("completed", res.Completed).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Int("cancelled", res.Cancelled).
		Dur("duration", res.Duration).
		Float64("speedup", res.Speedup).
		Msg("run finished")

	s.publish(events.TopicRun, events.RunFinishedEvent{
		Run:       res.RunID,
		Status:    string(res.Status),
		Total:     res.Total,
		Completed: res.Completed,
		Failed:    res.Failed,
		Skipped:   res.Skipped,
		Cancelled: res.Cancelled,
		Duration:  res.Duration,
		Speedup:   res.Speedup,
		Timestamp: time.Now(),
	})
	return res
}

func (c *coordinator) speedup() float64 {
	if c.s.cfg.Estimator == nil {
		return 1.0
	}
	v := c.s.cfg.Estimator.TotalSpeedup(c.lastHealth)
	if math.IsNaN(v) || v < 1 {
		return 1.0
	}
	return v
}

func (c *coordinator) progress() {
	if c.s.cfg.Bus == nil {
		return
	}
	rep := c.r.progress(time.Now())
	c.s.publish(events.TopicRun, events.ProgressEvent{
		Run:       rep.RunID,
		Total:     rep.Total,
		Pending:   rep.Pending,
		Running:   rep.Running,
		Completed: rep.Completed,
		Failed:    rep.Failed,
		Skipped:   rep.Skipped,
		Cancelled: rep.Cancelled,
		Percent:   rep.Percent,
		ETA:       rep.ETA,
		ETAKnown:  rep.ETAKnown,
		Timestamp: time.Now(),
	})
}

func (c *coordinator) taskEvent(kind string, t Task) {
	c.s.publish(events.TopicTask, events.TaskEvent{
		Kind:      kind,
		Run:       c.r.id,
		ID:        t.ID,
		Name:      t.Name,
		WaveID:    t.WaveID,
		Ran:       !t.StartedAt.IsZero(),
		Duration:  t.Duration(),
		Err:       t.Error,
		Timestamp: time.Now(),
	})
}

func (s *Scheduler) publish(topic string, ev events.Event) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(topic, ev)
	}
}
