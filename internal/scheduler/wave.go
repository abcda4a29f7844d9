package scheduler

import (
	"fmt"
	"math"
)

const (
	// MaxConcurrencyFactor caps the per-task factor regardless of wave size.
	MaxConcurrencyFactor = 10.0
	// MinConcurrencyFactor keeps simulated work from ever running slower than the base duration.
	MinConcurrencyFactor = 1.0
)

// TaskDef declares one task inside a wave.
type TaskDef struct {
	Name      string
	DependsOn []string
	Locks     []string
	Payload   Payload // nil = simulated work
}

// Wave is an ordered batch of task definitions submitted together.
// Dependencies are not limited to the wave: a task may reference any task of the run.
type Wave struct {
	ID     string
	Name   string
	Factor float64 // Overrides the estimator's wave factor when > 0
	Tasks  []TaskDef
}

// TaskFactor derives the per-task concurrency factor from a wave-level factor
// and the number of tasks in the wave.
func TaskFactor(waveFactor float64, n int) float64 {
	if math.IsNaN(waveFactor) || math.IsInf(waveFactor, 0) || waveFactor <= 0 {
		waveFactor = 1.0
	}
	f := waveFactor / float64(max(1, n))
	return math.Max(MinConcurrencyFactor, math.Min(MaxConcurrencyFactor, f))
}

// TaskID builds the deterministic identifier of the ordinal-th task of a wave.
func TaskID(waveID string, ordinal int, name string) string {
	return fmt.Sprintf("%s_%d_%s", waveID, ordinal, name)
}

// Decompose expands a wave into pending tasks. It is pure: the caller owns
// the returned tasks and registers them into a run.
func Decompose(wave Wave, waveFactor float64) []*Task {
	waveID := wave.ID
	if waveID == "" {
		waveID = "unknown"
	}
	factor := TaskFactor(waveFactor, len(wave.Tasks))

	tasks := make([]*Task, 0, len(wave.Tasks))
	for i, def := range wave.Tasks {
		// Unnamed tasks share one fallback for ID and name, so either
		// reference resolves to the same task
		name := def.Name
		if name == "" {
			name = fmt.Sprintf("task_%d", i)
		}

		task := &Task{
			ID:                TaskID(waveID, i, name),
			Name:              name,
			WaveID:            waveID,
			ConcurrencyFactor: factor,
			Payload:           def.Payload,
			Status:            TaskPending,
		}
		if def.DependsOn != nil {
			task.DependsOn = append([]string(nil), def.DependsOn...)
		}
		if def.Locks != nil {
			task.Locks = append([]string(nil), def.Locks...)
		}
		tasks = append(tasks, task)
	}
	return tasks
}
