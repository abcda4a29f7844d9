package scheduler

import (
	"context"
	"fmt"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Waiting for dependencies
	TaskRunning                     // Currently executing
	TaskCompleted                   // Finished successfully
	TaskFailed                      // Payload returned an error or panicked
	TaskSkipped                     // Never run because a dependency failed
	TaskCancelled                   // Run was cancelled before the task could finish
)

var statusNames = [...]string{
	TaskPending:   "pending",
	TaskRunning:   "running",
	TaskCompleted: "completed",
	TaskFailed:    "failed",
	TaskSkipped:   "skipped",
	TaskCancelled: "cancelled",
}

func (s TaskStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
	return statusNames[s]
}

// Terminal reports whether no further transition is possible from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped, TaskCancelled:
		return true
	}
	return false
}

// canTransition encodes the per-task state machine:
// Pending -> {Running, Skipped, Cancelled}, Running -> {Completed, Failed, Cancelled}.
func (s TaskStatus) canTransition(to TaskStatus) bool {
	switch s {
	case TaskPending:
		return to == TaskRunning || to == TaskSkipped || to == TaskCancelled
	case TaskRunning:
		return to == TaskCompleted || to == TaskFailed || to == TaskCancelled
	}
	return false
}

// Payload is the work carried by a task.
type Payload interface {
	Run(ctx context.Context) (any, error)
}

// PayloadFunc adapts an ordinary function to Payload.
type PayloadFunc func(ctx context.Context) (any, error)

// Run calls f(ctx).
func (f PayloadFunc) Run(ctx context.Context) (any, error) {
	return f(ctx)
}

// simulatedWork stands in for tasks declared without a payload.
type simulatedWork struct {
	name     string
	duration time.Duration
}

func (w simulatedWork) Run(ctx context.Context) (any, error) {
	timer := time.NewTimer(w.duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return fmt.Sprintf("simulated result for %s", w.name), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Task represents a unit of work in a run.
type Task struct {
	ID                string   // {waveID}_{ordinal}_{name}
	Name              string   // Human-readable name, usable as a dependency reference
	WaveID            string   // Owning wave
	DependsOn         []string // Declared references (names or IDs)
	Locks             []string // Resources held exclusively while the payload runs
	ConcurrencyFactor float64  // Divides the simulated duration, in [1, 10]
	Payload           Payload  // nil selects simulated work
	Status            TaskStatus
	Result            any
	Error             error
	StartedAt         time.Time
	EndedAt           time.Time
}

// Simulated reports whether the task has no real payload.
func (t *Task) Simulated() bool {
	return t.Payload == nil
}

// Duration is the wall-clock time between start and end, or zero if the
// task never ran to completion.
func (t *Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.EndedAt.IsZero() {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}

// work resolves the payload variant once, so the executor never branches on it.
func (t *Task) work(base time.Duration) Payload {
	if t.Payload != nil {
		return t.Payload
	}
	factor := t.ConcurrencyFactor
	if factor < 1 {
		factor = 1
	}
	return simulatedWork{
		name:     t.Name,
		duration: time.Duration(float64(base) / factor),
	}
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.Locks != nil {
		cp.Locks = append([]string(nil), task.Locks...)
	}
	return &cp
}
