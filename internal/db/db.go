package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
-- Behavioral signal history (append-only)
CREATE TABLE IF NOT EXISTS signals (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    mood INTEGER NOT NULL,
    stress INTEGER NOT NULL,
    sleep_quality INTEGER NOT NULL,
    craving_level INTEGER NOT NULL,
    social_support INTEGER NOT NULL,
    recorded_at TEXT NOT NULL,
    created_at TEXT NOT NULL
);

-- Notification ledger, keyed by id
CREATE TABLE IF NOT EXISTS notifications (
    id TEXT PRIMARY KEY,
    category TEXT NOT NULL,
    day_bucket TEXT NOT NULL,
    source_id TEXT NOT NULL,
    recommendation_id TEXT,
    payload TEXT NOT NULL,
    priority TEXT NOT NULL,
    status TEXT NOT NULL,
    requested_at TEXT NOT NULL,
    dispatch_at TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    reason TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Learned per-category effectiveness (ranking confidence adjustment)
CREATE TABLE IF NOT EXISTS category_weights (
    category TEXT PRIMARY KEY,
    weight REAL NOT NULL,
    samples INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL
);

-- Adaptive difficulty per activity
CREATE TABLE IF NOT EXISTS activity_difficulty (
    activity_id TEXT PRIMARY KEY,
    difficulty REAL NOT NULL,
    updated_at TEXT NOT NULL
);

-- Outcome log (append-only)
CREATE TABLE IF NOT EXISTS outcomes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recommendation_id TEXT NOT NULL,
    category TEXT NOT NULL,
    delivered INTEGER NOT NULL,
    accepted INTEGER NOT NULL,
    effectiveness_delta REAL NOT NULL,
    recorded_at TEXT NOT NULL
);

-- Single-row user preferences
CREATE TABLE IF NOT EXISTS preferences (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    data TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Scheduler job tracking
CREATE TABLE IF NOT EXISTS scheduler_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_type TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at TEXT NOT NULL,
    completed_at TEXT,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_signals_recorded ON signals(recorded_at);
CREATE INDEX IF NOT EXISTS idx_notifications_status_dispatch ON notifications(status, dispatch_at);
CREATE INDEX IF NOT EXISTS idx_notifications_recommendation ON notifications(recommendation_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_pending_bucket
    ON notifications(category, day_bucket) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_outcomes_recommendation ON outcomes(recommendation_id);
CREATE INDEX IF NOT EXISTS idx_scheduler_job ON scheduler_runs(job_type);
`

// timeFormat is fixed-width so stored timestamps compare lexically
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	// _txlock=immediate makes every BeginTx take the write lock up front, which
	// the pending-bucket compare-and-swap relies on.
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return db, nil
}

func (db *DB) migrate() error {
	_, err := db.conn.Exec(schema)
	if err != nil {
		return fmt.Errorf("executing migration: %w", err)
	}
	return nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the database connection
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// SchedulerRun tracks a scheduler job execution
type SchedulerRun struct {
	ID           int64
	JobType      string
	Status       string
	StartedAt    time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

// StartSchedulerRun records the start of a scheduler job
func (db *DB) StartSchedulerRun(ctx context.Context, jobType string, now time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx, `
		INSERT INTO scheduler_runs (job_type, status, started_at)
		VALUES (?, 'running', ?)
	`, jobType, formatTime(now))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// CompleteSchedulerRun marks a scheduler job as completed
func (db *DB) CompleteSchedulerRun(ctx context.Context, runID int64, now time.Time, errMsg string) error {
	status := "completed"
	if errMsg != "" {
		status = "failed"
	}
	_, err := db.conn.ExecContext(ctx, `
		UPDATE scheduler_runs
		SET status = ?, completed_at = ?, error_message = ?
		WHERE id = ?
	`, status, formatTime(now), errMsg, runID)
	return err
}

// GetLastSchedulerRun returns the last run for a job type
func (db *DB) GetLastSchedulerRun(ctx context.Context, jobType string) (*SchedulerRun, error) {
	var run SchedulerRun
	var startedStr string
	var completedStr, errMsg sql.NullString
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, job_type, status, started_at, completed_at, error_message
		FROM scheduler_runs
		WHERE job_type = ?
		ORDER BY id DESC
		LIMIT 1
	`, jobType).Scan(&run.ID, &run.JobType, &run.Status, &startedStr, &completedStr, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.StartedAt = parseTime(startedStr)
	if completedStr.Valid {
		t := parseTime(completedStr.String)
		run.CompletedAt = &t
	}
	run.ErrorMessage = errMsg.String
	return &run, nil
}
