package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pavelanni/autograder/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		problem_id TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		state TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (problem_id, instance_id)
	);

	CREATE TABLE IF NOT EXISTS queue_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		problem_id TEXT NOT NULL DEFAULT '',
		instance_id TEXT NOT NULL DEFAULT '',
		queue_key INTEGER NOT NULL,
		queue_name TEXT NOT NULL,
		callback_url TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		delivered_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_queue_requests_key ON queue_requests(callback_url, queue_key);

	CREATE TABLE IF NOT EXISTS graders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSnapshot inserts or replaces the state of an instance.
func (s *Store) SaveSnapshot(ctx context.Context, problemID, instanceID string, state []byte) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (problem_id, instance_id, state, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(problem_id, instance_id) DO UPDATE SET state = ?, updated_at = ?`,
		problemID, instanceID, string(state), now, string(state), now,
	)
	return err
}

// LoadSnapshot returns the state of an instance, or nil if none was saved.
func (s *Store) LoadSnapshot(ctx context.Context, problemID, instanceID string) ([]byte, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM snapshots WHERE problem_id = ? AND instance_id = ?`, problemID, instanceID,
	).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(state), nil
}

// ListSnapshots returns all snapshots ordered by problem and instance.
func (s *Store) ListSnapshots(ctx context.Context) ([]model.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT problem_id, instance_id, state, updated_at FROM snapshots ORDER BY problem_id, instance_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var snaps []model.Snapshot
	for rows.Next() {
		var snap model.Snapshot
		var state string
		if err := rows.Scan(&snap.ProblemID, &snap.InstanceID, &state, &snap.UpdatedAt); err != nil {
			return nil, err
		}
		snap.State = []byte(state)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// SnapshotCount returns the number of saved instances of a problem.
func (s *Store) SnapshotCount(ctx context.Context, problemID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE problem_id = ?`, problemID,
	).Scan(&count)
	return count, err
}
