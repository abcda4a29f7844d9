package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCycle is matched by every *CycleError.
	ErrCycle = errors.New("dependency graph contains a cycle")
	// ErrRunInProgress is returned when a scheduler is asked to start a second concurrent run.
	ErrRunInProgress = errors.New("a run is already in progress")
	// ErrNoRun is returned by Retry when nothing has been submitted yet.
	ErrNoRun = errors.New("no previous run to retry")
	// ErrStuck is stored on pending tasks forced to Skipped when nothing can make progress.
	ErrStuck = errors.New("skipped: no runnable task remained")
)

// CycleError aborts graph construction. Each entry of Cycles lists the task
// IDs of one strongly connected component (or a single self-dependent task).
type CycleError struct {
	Cycles [][]string
}

func (e *CycleError) Error() string {
	parts := make([]string, 0, len(e.Cycles))
	for _, c := range e.Cycles {
		parts = append(parts, "["+strings.Join(c, " -> ")+"]")
	}
	return fmt.Sprintf("%v: %s", ErrCycle, strings.Join(parts, ", "))
}

func (e *CycleError) Is(target error) bool {
	return target == ErrCycle
}

// DuplicateTaskError reports two tasks of one run sharing an ID.
type DuplicateTaskError struct {
	ID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task with ID %q already exists", e.ID)
}

// UnresolvedDependency is a declared reference that matched no task of the run.
type UnresolvedDependency struct {
	TaskID string
	Ref    string
}

// UnresolvedDependencyError is returned by strict graph builds.
type UnresolvedDependencyError struct {
	Missing []UnresolvedDependency
}

func (e *UnresolvedDependencyError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		parts = append(parts, fmt.Sprintf("%s -> %q", m.TaskID, m.Ref))
	}
	return "unresolved dependencies: " + strings.Join(parts, ", ")
}

// TaskExecutionError wraps the error a payload returned (or the panic it raised).
type TaskExecutionError struct {
	TaskID string
	Err    error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %q failed: %v", e.TaskID, e.Err)
}

func (e *TaskExecutionError) Unwrap() error {
	return e.Err
}

// SkippedError is stored on tasks skipped because an upstream task failed.
type SkippedError struct {
	Upstream string
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("skipped due to upstream failure of %q", e.Upstream)
}
