package scheduler

import (
	"fmt"
	"sync"
	"time"
)

// run owns the task set of one submission. The coordinating goroutine is the
// only writer; Progress readers take the read lock.
type run struct {
	mu        sync.RWMutex
	id        string
	graph     *Graph
	tasks     map[string]*Task
	startedAt time.Time
	endedAt   time.Time
	finished  bool
}

func newRun(id string, graph *Graph, tasks []*Task, now time.Time) *run {
	r := &run{
		id:        id,
		graph:     graph,
		tasks:     make(map[string]*Task, len(tasks)),
		startedAt: now,
	}
	for _, t := range tasks {
		r.tasks[t.ID] = t
	}
	return r
}

// retry builds a new run over the same graph in which every task that did not
// complete is pending again. Completed tasks keep their results and keep
// satisfying their dependents.
func (r *run) retry(id string, now time.Time) *run {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]*Task, 0, len(r.tasks))
	for _, taskID := range r.graph.ids {
		t := cloneTask(r.tasks[taskID])
		if t.Status != TaskCompleted {
			t.Status = TaskPending
			t.Result = nil
			t.Error = nil
			t.StartedAt = time.Time{}
			t.EndedAt = time.Time{}
		}
		tasks = append(tasks, t)
	}
	return newRun(id, r.graph, tasks, now)
}

// setStatus applies one state-machine transition. Caller holds r.mu.
func (r *run) setStatus(t *Task, to TaskStatus, now time.Time) error {
	if !t.Status.canTransition(to) {
		return fmt.Errorf("task %q: illegal transition %s -> %s", t.ID, t.Status, to)
	}
	t.Status = to
	switch {
	case to == TaskRunning:
		t.StartedAt = now
	case to.Terminal():
		t.EndedAt = now
	}
	return nil
}

// ready returns, in topological order, the pending tasks whose resolved
// dependencies have all completed.
func (r *run) ready() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for _, id := range r.graph.order {
		t := r.tasks[id]
		if t.Status != TaskPending {
			continue
		}

		allCompleted := true
		for _, depID := range r.graph.deps[id] {
			if r.tasks[depID].Status != TaskCompleted {
				allCompleted = false
				break
			}
		}
		if allCompleted {
			ids = append(ids, id)
		}
	}
	return ids
}

// start moves a task to Running and returns the copy handed to a worker.
func (r *run) start(id string, now time.Time) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q not found", id)
	}
	if err := r.setStatus(t, TaskRunning, now); err != nil {
		return nil, err
	}
	return cloneTask(t), nil
}

// finish records the terminal outcome of a running task. A non-zero began
// replaces the dispatch time as StartedAt.
func (r *run) finish(id string, to TaskStatus, result any, err error, began, at time.Time) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q not found", id)
	}
	if e := r.setStatus(t, to, at); e != nil {
		return nil, e
	}
	if !began.IsZero() {
		t.StartedAt = began
	}
	t.Result = result
	t.Error = err
	return cloneTask(t), nil
}

// forcePending moves every pending task to status to (Skipped or Cancelled)
// and returns their IDs in topological order.
func (r *run) forcePending(to TaskStatus, cause error, now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for _, id := range r.graph.order {
		t := r.tasks[id]
		if t.Status != TaskPending {
			continue
		}
		if err := r.setStatus(t, to, now); err != nil {
			continue
		}
		t.Error = cause
		ids = append(ids, id)
	}
	return ids
}

func (r *run) count(status TaskStatus) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, t := range r.tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

// snapshot copies every task in topological order.
func (r *run) snapshot() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Task, 0, len(r.tasks))
	for _, id := range r.graph.order {
		out = append(out, *cloneTask(r.tasks[id]))
	}
	return out
}

func (r *run) task(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *cloneTask(t), true
}

func (r *run) close(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endedAt = now
	r.finished = true
}
