package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/wavesched/internal/scheduler"
)

// ErrRunNotFound is returned when a run ID is not in the store.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is the stored summary of a finished run.
type RunRecord struct {
	ID        string
	Source    string // Wave file or other caller-supplied label
	Status    scheduler.RunStatus
	Total     int
	Completed int
	Failed    int
	Skipped   int
	Cancelled int
	Stuck     bool
	Speedup   float64
	StartedAt time.Time
	Duration  time.Duration
}

// TaskRecord is the stored final state of one task in a run.
type TaskRecord struct {
	RunID             string
	TaskID            string
	Name              string
	WaveID            string
	DependsOn         []string
	Locks             []string
	ConcurrencyFactor float64
	Status            string
	Result            string
	Error             string
	StartedAt         time.Time
	EndedAt           time.Time
}

// Store records finished runs for later inspection. It is an audit trail;
// runs are never resumed from it.
type Store interface {
	SaveRun(ctx context.Context, source string, res *scheduler.ExecutionResult) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	GetRunTasks(ctx context.Context, runID string) ([]TaskRecord, error)
	PruneRuns(ctx context.Context, keep int) (int, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?%s&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath, pragmas)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Each store gets its own named database with a shared cache, so connections
// of one store see the same data while separate stores stay isolated.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared&%s", uuid.NewString(), pragmas)
	return open(ctx, connStr)
}

// pragmas are applied by modernc.org/sqlite to every new connection.
// foreign_keys is per connection, so it cannot be set once with Exec.
const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Allow 2 connections: one for primary queries, one for subqueries
	db.SetMaxOpenConns(2)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
