// Package store is the single source of truth for forge: tasks and their
// state machine, the scheduler's pipeline state, monitor issues and the
// append-only metric records, all kept in one SQLite database.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// DefaultClaimTTL is how long a claim stays valid without a heartbeat.
	DefaultClaimTTL = 30 * time.Minute
	// DefaultOutputLimit bounds the stored output of a task, in bytes.
	DefaultOutputLimit = 16000
)

// timeLayout is fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store provides access to the forge database.
type Store struct {
	db          *sql.DB
	claimTTL    time.Duration
	outputLimit int
	now         func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClaimTTL sets how long a claim lasts without a heartbeat.
func WithClaimTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.claimTTL = d
		}
	}
}

// WithOutputLimit bounds the stored task output.
func WithOutputLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.outputLimit = n
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New opens (or creates) the SQLite database at the given path.
func New(dbPath string, opts ...Option) (*Store, error) {
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has a single writer; one connection keeps claim and update
	// transactions strictly serialized.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:          db,
		claimTTL:    DefaultClaimTTL,
		outputLimit: DefaultOutputLimit,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ClaimTTL returns the configured claim lifetime.
func (s *Store) ClaimTTL() time.Duration {
	return s.claimTTL
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		seq              INTEGER PRIMARY KEY AUTOINCREMENT,
		id               TEXT NOT NULL UNIQUE,
		direction        TEXT NOT NULL,
		task_type        TEXT NOT NULL,
		status           TEXT NOT NULL DEFAULT 'pending',
		model            TEXT NOT NULL DEFAULT '',
		tier             TEXT NOT NULL DEFAULT '',
		command          TEXT NOT NULL DEFAULT '[]',
		output           TEXT,
		progress_pct     INTEGER,
		current_step     TEXT,
		decision_prompt  TEXT,
		decision         TEXT,
		claimed_by       TEXT,
		claimed_at       TEXT,
		attempt          INTEGER NOT NULL DEFAULT 0,
		context          TEXT NOT NULL DEFAULT '{}',
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at);

	CREATE TABLE IF NOT EXISTS events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id     TEXT NOT NULL,
		actor       TEXT DEFAULT '',
		event_type  TEXT NOT NULL,
		content     TEXT DEFAULT '',
		timestamp   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pipeline_state (
		name        TEXT PRIMARY KEY,
		state       TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS issues (
		seq               INTEGER PRIMARY KEY AUTOINCREMENT,
		id                TEXT NOT NULL UNIQUE,
		condition         TEXT NOT NULL,
		severity          TEXT NOT NULL,
		message           TEXT NOT NULL DEFAULT '',
		suggested_action  TEXT NOT NULL DEFAULT '',
		created_at        TEXT NOT NULL,
		resolved_at       TEXT,
		heal_task_id      TEXT
	);

	CREATE TABLE IF NOT EXISTS metric_records (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id           TEXT NOT NULL,
		task_type         TEXT NOT NULL,
		model             TEXT NOT NULL DEFAULT '',
		duration_seconds  REAL NOT NULL,
		status            TEXT NOT NULL,
		created_at        TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

func (s *Store) stamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(timeLayout, v)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
