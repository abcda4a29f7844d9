package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildRun(t *testing.T, waves ...Wave) *run {
	t.Helper()
	tasks := tasksOf(waves...)
	g, err := BuildGraph(tasks, false)
	require.NoError(t, err)
	return newRun("test-run", g, tasks, time.Now())
}

func TestTaskStatusTransitions(t *testing.T) {
	allowed := map[TaskStatus][]TaskStatus{
		TaskPending: {TaskRunning, TaskSkipped, TaskCancelled},
		TaskRunning: {TaskCompleted, TaskFailed, TaskCancelled},
	}
	all := []TaskStatus{TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskSkipped, TaskCancelled}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.canTransition(to), "%s -> %s", from, to)
		}
	}
	assert.Equal(t, "TaskStatus(42)", TaskStatus(42).String())
}

func TestRunReady(t *testing.T) {
	r := buildRun(t, wave("w1", def("A"), def("B", "A"), def("C"), def("D", "B", "C")))

	assert.ElementsMatch(t, []string{"w1_0_A", "w1_2_C"}, r.ready())

	now := time.Now()
	_, err := r.start("w1_0_A", now)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1_2_C"}, r.ready(), "running tasks are not ready")

	_, err = r.finish("w1_0_A", TaskCompleted, "ok", nil, time.Time{}, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"w1_1_B", "w1_2_C"}, r.ready())
}

func TestRunUnresolvedDependencyIsReady(t *testing.T) {
	r := buildRun(t, wave("w1", def("A", "ghost")))
	assert.Equal(t, []string{"w1_0_A"}, r.ready())
}

func TestRunRejectsIllegalTransition(t *testing.T) {
	r := buildRun(t, wave("w1", def("A")))

	_, err := r.finish("w1_0_A", TaskCompleted, nil, nil, time.Time{}, time.Now())
	require.Error(t, err, "pending task cannot complete without running")

	_, err = r.start("missing", time.Now())
	require.Error(t, err)
}

func TestPropagateFailure(t *testing.T) {
	r := buildRun(t, wave("w1",
		def("A"),
		def("B", "A"),
		def("C", "A"),
		def("D", "B"),
		def("E"),
		def("F", "D", "E"),
	))
	now := time.Now()
	_, err := r.start("w1_0_A", now)
	require.NoError(t, err)
	_, err = r.finish("w1_0_A", TaskFailed, nil, errors.New("boom"), time.Time{}, now)
	require.NoError(t, err)

	skipped := r.propagateFailure("w1_0_A", now)
	assert.ElementsMatch(t, []string{"w1_1_B", "w1_2_C", "w1_3_D", "w1_5_F"}, skipped)

	for _, id := range skipped {
		task, ok := r.task(id)
		require.True(t, ok)
		assert.Equal(t, TaskSkipped, task.Status)
		var skipErr *SkippedError
		require.ErrorAs(t, task.Error, &skipErr)
		assert.Equal(t, "w1_0_A", skipErr.Upstream)
	}

	e, _ := r.task("w1_4_E")
	assert.Equal(t, TaskPending, e.Status, "unrelated task untouched")

	// Idempotent
	assert.Empty(t, r.propagateFailure("w1_0_A", now))
	assert.Empty(t, r.propagateFailure("w1_1_B", now))
}

func TestRunProgress(t *testing.T) {
	r := buildRun(t, wave("w1", def("A"), def("B"), def("C", "A"), def("D", "C")))
	start := r.startedAt

	rep := r.progress(start)
	assert.Equal(t, 4, rep.Total)
	assert.Equal(t, 4, rep.Pending)
	assert.False(t, rep.ETAKnown)
	assert.Zero(t, rep.Percent)

	_, err := r.start("w1_0_A", start)
	require.NoError(t, err)
	_, err = r.finish("w1_0_A", TaskCompleted, nil, nil, time.Time{}, start.Add(2*time.Second))
	require.NoError(t, err)
	_, err = r.start("w1_1_B", start)
	require.NoError(t, err)

	rep = r.progress(start.Add(3 * time.Second))
	assert.Equal(t, 1, rep.Completed)
	assert.Equal(t, 1, rep.Running)
	assert.Equal(t, 2, rep.Pending)
	assert.Equal(t, rep.Total, rep.Done()+rep.Pending+rep.Running)
	assert.InDelta(t, 25.0, rep.Percent, 1e-9)
	assert.Equal(t, 3*time.Second, rep.Elapsed)
	require.True(t, rep.ETAKnown)
	// avg 2s * (2 pending + 1 running)
	assert.Equal(t, 6*time.Second, rep.ETA)
}

func TestRunRetryResetsUnfinishedTasks(t *testing.T) {
	r := buildRun(t, wave("w1", def("A"), def("B", "A"), def("C")))
	now := time.Now()

	_, _ = r.start("w1_0_A", now)
	_, _ = r.finish("w1_0_A", TaskFailed, nil, errors.New("boom"), time.Time{}, now)
	r.propagateFailure("w1_0_A", now)
	_, _ = r.start("w1_2_C", now)
	_, _ = r.finish("w1_2_C", TaskCompleted, "done", nil, time.Time{}, now)

	next := r.retry("retry-run", now)

	a, _ := next.task("w1_0_A")
	b, _ := next.task("w1_1_B")
	c, _ := next.task("w1_2_C")
	assert.Equal(t, TaskPending, a.Status)
	assert.Nil(t, a.Error)
	assert.True(t, a.StartedAt.IsZero())
	assert.Equal(t, TaskPending, b.Status)
	assert.Equal(t, TaskCompleted, c.Status)
	assert.Equal(t, "done", c.Result)

	old, _ := r.task("w1_0_A")
	assert.Equal(t, TaskFailed, old.Status, "previous run is untouched")
}
