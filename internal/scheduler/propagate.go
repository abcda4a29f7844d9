package scheduler

import "time"

// propagateFailure marks every pending direct and transitive dependent of
// failedID as Skipped. Tasks already past Pending are left alone, which makes
// repeated calls for the same task a no-op. The skipped IDs are returned in
// visiting order.
func (r *run) propagateFailure(failedID string, now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var skipped []string
	visited := map[string]bool{failedID: true}
	queue := []string{failedID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		for _, depID := range r.graph.dependents[id] {
			if visited[depID] {
				continue
			}
			visited[depID] = true

			t := r.tasks[depID]
			if t.Status != TaskPending {
				continue
			}
			if err := r.setStatus(t, TaskSkipped, now); err != nil {
				continue
			}
			t.Error = &SkippedError{Upstream: failedID}
			skipped = append(skipped, depID)

			// A skipped task propagates its own skip
			queue = append(queue, depID)
		}
	}
	return skipped
}
