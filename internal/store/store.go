// Package store persists completed run reports in SQLite so past
// sessions can be listed and their call graphs exported after the fact.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Session is one persisted run report.
type Session struct {
	ID        string
	Script    string
	Status    string
	Fault     string
	Report    []byte // JSON-encoded engine.RunReport
	CreatedAt time.Time
}

// ErrNotFound is returned when a session ID is unknown.
var ErrNotFound = errors.New("store: session not found")

// Store is a SQLite-backed session archive.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes the database at path, creating directories and the
// schema as needed.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps concurrent readers (history, diagram export) from
	// blocking an in-flight save.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the schema.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		script TEXT NOT NULL,
		status TEXT NOT NULL,
		fault TEXT,
		report TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Save inserts or replaces a session.
func (s *Store) Save(ctx context.Context, sess Session) error {
	if sess.ID == "" {
		return errors.New("store: session ID must not be empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (id, script, status, fault, report, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Script, sess.Status, sess.Fault, string(sess.Report), sess.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Get loads one session by ID.
func (s *Store) Get(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, script, status, fault, report, created_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// List returns the most recent sessions, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, script, status, fault, report, created_at
		FROM sessions ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var report string
	var created time.Time
	err := row.Scan(&sess.ID, &sess.Script, &sess.Status, &sess.Fault, &report, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.Report = []byte(report)
	sess.CreatedAt = created
	return sess, nil
}
