package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	RunID() string
}

// Topic constants
const (
	TopicRun  = "run"
	TopicTask = "task"
)

// Event type constants
const (
	EventTypeRunStarted    = "run.started"
	EventTypeRunFinished   = "run.finished"
	EventTypeRunProgress   = "run.progress"
	EventTypeRunThrottle   = "run.throttle"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskSkipped   = "task.skipped"
	EventTypeTaskCancelled = "task.cancelled"
)

// RunStartedEvent is published once the graph is built and execution begins.
type RunStartedEvent struct {
	Run       string
	Waves     int
	Tasks     int
	Workers   int
	Timestamp time.Time
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) RunID() string     { return e.Run }

// RunFinishedEvent is published when a run reaches a terminal state.
type RunFinishedEvent struct {
	Run       string
	Status    string
	Total     int
	Completed int
	Failed    int
	Skipped   int
	Cancelled int
	Duration  time.Duration
	Speedup   float64
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) RunID() string     { return e.Run }

// ProgressEvent carries a progress snapshot after every task state change.
type ProgressEvent struct {
	Run       string
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
	Skipped   int
	Cancelled int
	Percent   float64
	ETA       time.Duration
	ETAKnown  bool
	Timestamp time.Time
}

func (e ProgressEvent) EventType() string { return EventTypeRunProgress }
func (e ProgressEvent) RunID() string     { return e.Run }

// ThrottleEvent is published when the effective concurrency changes.
type ThrottleEvent struct {
	Run       string
	Health    float64
	Limit     int
	Workers   int
	Timestamp time.Time
}

func (e ThrottleEvent) EventType() string { return EventTypeRunThrottle }
func (e ThrottleEvent) RunID() string     { return e.Run }

// TaskEvent describes one task state change. Kind is one of the task.* event types.
type TaskEvent struct {
	Kind      string
	Run       string
	ID        string
	Name      string
	WaveID    string
	Ran       bool // The payload was started
	Duration  time.Duration
	Err       error
	Timestamp time.Time
}

func (e TaskEvent) EventType() string { return e.Kind }
func (e TaskEvent) RunID() string     { return e.Run }
