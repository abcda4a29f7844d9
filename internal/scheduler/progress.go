package scheduler

import "time"

// ProgressReport is a point-in-time view of a run. It holds no reference to
// the live task set.
type ProgressReport struct {
	RunID     string
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
	Skipped   int
	Cancelled int
	Percent   float64       // Share of tasks in a terminal status, 0-100
	Elapsed   time.Duration // Since the run started (frozen once it ends)
	ETA       time.Duration // Only meaningful when ETAKnown
	ETAKnown  bool          // False until at least one task has completed
	Finished  bool
}

// Done counts tasks in a terminal status.
func (p ProgressReport) Done() int {
	return p.Completed + p.Failed + p.Skipped + p.Cancelled
}

// progress computes the report under one read lock so the counts always add
// up to Total.
func (r *run) progress(now time.Time) ProgressReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rep := ProgressReport{
		RunID:    r.id,
		Total:    len(r.tasks),
		Finished: r.finished,
	}

	var completedTime time.Duration
	for _, t := range r.tasks {
		switch t.Status {
		case TaskPending:
			rep.Pending++
		case TaskRunning:
			rep.Running++
		case TaskCompleted:
			rep.Completed++
			completedTime += t.Duration()
		case TaskFailed:
			rep.Failed++
		case TaskSkipped:
			rep.Skipped++
		case TaskCancelled:
			rep.Cancelled++
		}
	}

	if rep.Total > 0 {
		rep.Percent = float64(rep.Done()) / float64(rep.Total) * 100
	}

	end := now
	if r.finished {
		end = r.endedAt
	}
	rep.Elapsed = end.Sub(r.startedAt)

	// Average completed-task duration times the work still outstanding
	if rep.Completed > 0 {
		avg := completedTime / time.Duration(rep.Completed)
		rep.ETA = avg * time.Duration(rep.Pending+rep.Running)
		rep.ETAKnown = true
	}
	return rep
}
