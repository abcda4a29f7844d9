package history

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Timestamps are unix nanoseconds; 0 means unset.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		total INTEGER NOT NULL,
		completed INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		cancelled INTEGER NOT NULL,
		stuck INTEGER NOT NULL DEFAULT 0,
		speedup REAL NOT NULL DEFAULT 1.0,
		started_at INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

	CREATE TABLE IF NOT EXISTS run_tasks (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		wave_id TEXT NOT NULL,
		locks TEXT,
		concurrency_factor REAL NOT NULL,
		status TEXT NOT NULL,
		result TEXT,
		error TEXT,
		started_at INTEGER NOT NULL DEFAULT 0,
		ended_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, task_id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS run_task_dependencies (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		ref TEXT NOT NULL,
		PRIMARY KEY (run_id, task_id, ref),
		FOREIGN KEY (run_id, task_id) REFERENCES run_tasks(run_id, task_id) ON DELETE CASCADE
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
