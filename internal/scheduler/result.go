package scheduler

import "time"

// RunStatus summarises how a run ended.
type RunStatus string

const (
	RunCompleted RunStatus = "completed" // Every task completed
	RunPartial   RunStatus = "partial"   // At least one task failed or was skipped
	RunCancelled RunStatus = "cancelled" // The context was cancelled mid-run
)

// ExecutionResult is produced once per run. Tasks are value copies in
// topological order.
type ExecutionResult struct {
	RunID      string
	Status     RunStatus
	Total      int
	Completed  int
	Failed     int
	Skipped    int
	Cancelled  int
	StartedAt  time.Time
	Duration   time.Duration
	Speedup    float64
	Stuck      bool // Remaining tasks were force-skipped because nothing could run
	Unresolved []UnresolvedDependency
	Tasks      []Task
}

// Task returns the snapshot of one task by ID.
func (r *ExecutionResult) Task(id string) (Task, bool) {
	for _, t := range r.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// TaskByName returns the first snapshot whose name matches.
func (r *ExecutionResult) TaskByName(name string) (Task, bool) {
	for _, t := range r.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return Task{}, false
}

func runStatus(res *ExecutionResult) RunStatus {
	switch {
	case res.Cancelled > 0:
		return RunCancelled
	case res.Failed > 0 || res.Skipped > 0:
		return RunPartial
	default:
		return RunCompleted
	}
}
