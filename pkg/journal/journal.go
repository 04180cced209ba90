// Package journal keeps a local SQLite history of action runs, so an operator
// can see which upload produced which id long after the console output is gone.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one recorded action outcome.
type Entry struct {
	RunID      string    `json:"runId"`
	Action     string    `json:"action"`
	ActionType string    `json:"actionType"`
	Success    bool      `json:"success"`
	UploadID   string    `json:"uploadId,omitempty"`
	Status     string    `json:"status,omitempty"`
	ResolvedID string    `json:"resolvedId,omitempty"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Store persists entries in a SQL database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite journal at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps db and creates the schema when missing.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS action_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		action TEXT NOT NULL,
		action_type TEXT NOT NULL,
		success INTEGER NOT NULL,
		upload_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		resolved_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		recorded_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Record appends e.
func (s *Store) Record(ctx context.Context, e Entry) error {
	query := `INSERT INTO action_runs (
		run_id, action, action_type, success, upload_id, status, resolved_id, error, recorded_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		e.RunID, e.Action, e.ActionType, e.Success, e.UploadID, e.Status, e.ResolvedID, e.Error,
		e.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", e.Action, err)
	}
	return nil
}

// List returns up to limit entries, newest first. A non-empty action
// restricts the result to that action name.
func (s *Store) List(ctx context.Context, action string, limit int) ([]Entry, error) {
	query := `
		SELECT run_id, action, action_type, success, upload_id, status, resolved_id, error, recorded_at
		FROM action_runs
		WHERE (? = '' OR action = ?)
		ORDER BY id DESC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, action, action, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			recorded string
		)
		if err := rows.Scan(&e.RunID, &e.Action, &e.ActionType, &e.Success, &e.UploadID, &e.Status, &e.ResolvedID, &e.Error, &recorded); err != nil {
			return nil, err
		}
		if e.RecordedAt, err = time.Parse(time.RFC3339Nano, recorded); err != nil {
			return nil, fmt.Errorf("bad recorded_at %q: %w", recorded, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
