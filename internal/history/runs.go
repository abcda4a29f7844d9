package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/wavesched/internal/scheduler"
)

// SaveRun stores a finished run and the final state of each of its tasks.
// Saving the same run ID again replaces the earlier record.
func (s *SQLiteStore) SaveRun(ctx context.Context, source string, res *scheduler.ExecutionResult) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Replace any earlier copy of this run
	if err := deleteRun(ctx, tx, res.RunID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, source, status, total, completed, failed, skipped, cancelled, stuck, speedup, started_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, res.RunID, source, string(res.Status), res.Total, res.Completed, res.Failed, res.Skipped, res.Cancelled,
		res.Stuck, res.Speedup, toUnixNano(res.StartedAt), int64(res.Duration))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for i, task := range res.Tasks {
		errorStr := ""
		if task.Error != nil {
			errorStr = task.Error.Error()
		}
		result := ""
		if task.Result != nil {
			result = fmt.Sprint(task.Result)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_tasks (run_id, task_id, position, name, wave_id, locks, concurrency_factor, status, result, error, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, res.RunID, task.ID, i, task.Name, task.WaveID, strings.Join(task.Locks, ","), task.ConcurrencyFactor,
			task.Status.String(), result, errorStr, toUnixNano(task.StartedAt), toUnixNano(task.EndedAt))
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
		}

		for _, ref := range task.DependsOn {
			_, err = tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO run_task_dependencies (run_id, task_id, ref)
				VALUES (?, ?, ?)
			`, res.RunID, task.ID, ref)
			if err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, ref, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const runColumns = `id, source, status, total, completed, failed, skipped, cancelled, stuck, speedup, started_at, duration_ns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var rec RunRecord
	var status string
	var startedAt, duration int64

	err := row.Scan(&rec.ID, &rec.Source, &status, &rec.Total, &rec.Completed, &rec.Failed, &rec.Skipped,
		&rec.Cancelled, &rec.Stuck, &rec.Speedup, &startedAt, &duration)
	if err != nil {
		return RunRecord{}, err
	}

	rec.Status = scheduler.RunStatus(status)
	rec.StartedAt = fromUnixNano(startedAt)
	rec.Duration = time.Duration(duration)
	return rec, nil
}

// GetRun retrieves the summary of one run.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return &rec, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// GetRunTasks returns the tasks of a run in the order they were saved
// (topological order for scheduler results).
func (s *SQLiteStore) GetRunTasks(ctx context.Context, runID string) ([]TaskRecord, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, name, wave_id, locks, concurrency_factor, status, result, error, started_at, ended_at
		FROM run_tasks
		WHERE run_id = ?
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	var tasks []TaskRecord
	for rows.Next() {
		rec := TaskRecord{RunID: runID}
		var locks string
		var startedAt, endedAt int64

		err := rows.Scan(&rec.TaskID, &rec.Name, &rec.WaveID, &locks, &rec.ConcurrencyFactor, &rec.Status,
			&rec.Result, &rec.Error, &startedAt, &endedAt)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		if locks != "" {
			rec.Locks = strings.Split(locks, ",")
		}
		rec.StartedAt = fromUnixNano(startedAt)
		rec.EndedAt = fromUnixNano(endedAt)
		tasks = append(tasks, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	// Dependencies are loaded after the task cursor is closed
	for i := range tasks {
		deps, err := s.dependencies(ctx, runID, tasks[i].TaskID)
		if err != nil {
			return nil, err
		}
		tasks[i].DependsOn = deps
	}
	return tasks, nil
}

func (s *SQLiteStore) dependencies(ctx context.Context, runID, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ref
		FROM run_task_dependencies
		WHERE run_id = ? AND task_id = ?
		ORDER BY ref
	`, runID, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies for task %s: %w", taskID, err)
	}
	defer rows.Close()

	deps := []string{}
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

// PruneRuns deletes all but the keep most recent runs and returns how many
// were removed.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM runs
		ORDER BY started_at DESC, id
		LIMIT -1 OFFSET ?
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to query old runs: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan run id: %w", err)
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating runs: %w", err)
	}

	for _, id := range stale {
		if err := deleteRun(ctx, tx, id); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return len(stale), nil
}

func deleteRun(ctx context.Context, tx *sql.Tx, runID string) error {
	for _, q := range []string{
		`DELETE FROM run_task_dependencies WHERE run_id = ?`,
		`DELETE FROM run_tasks WHERE run_id = ?`,
		`DELETE FROM runs WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, runID); err != nil {
			return fmt.Errorf("failed to delete run %s: %w", runID, err)
		}
	}
	return nil
}
