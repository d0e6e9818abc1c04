package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using a local SQLite database. Snapshots are
// stored as JSON blobs keyed by id so the schema never has to chase the
// in-memory types.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path. Parent
// directories are created if needed and the schema is created on open.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			snapshot BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			snapshot BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create store schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// GetSession loads one session snapshot.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (SessionSnapshot, error) {
	var snapshot SessionSnapshot
	err := s.getBlob(ctx, "sessions", id, &snapshot)
	return snapshot, err
}

// SetSession upserts one session snapshot.
func (s *SQLiteStore) SetSession(ctx context.Context, snapshot SessionSnapshot) error {
	return s.setBlob(ctx, "sessions", snapshot.ID, snapshot)
}

// RemoveSession deletes one session snapshot. Unknown ids are not an error.
func (s *SQLiteStore) RemoveSession(ctx context.Context, id string) error {
	return s.remove(ctx, "sessions", id)
}

// ListSessions returns every persisted session snapshot.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]SessionSnapshot, error) {
	rows, err := s.listBlobs(ctx, "sessions")
	if err != nil {
		return nil, err
	}
	out := make([]SessionSnapshot, 0, len(rows))
	for _, raw := range rows {
		var snapshot SessionSnapshot
		if err := json.Unmarshal(raw, &snapshot); err != nil {
			return nil, fmt.Errorf("decode session snapshot: %w", err)
		}
		out = append(out, snapshot)
	}
	return out, nil
}

// GetTask loads one task snapshot.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (TaskSnapshot, error) {
	var snapshot TaskSnapshot
	err := s.getBlob(ctx, "tasks", id, &snapshot)
	return snapshot, err
}

// SetTask upserts one task snapshot.
func (s *SQLiteStore) SetTask(ctx context.Context, snapshot TaskSnapshot) error {
	return s.setBlob(ctx, "tasks", snapshot.ID, snapshot)
}

// RemoveTask deletes one task snapshot. Unknown ids are not an error.
func (s *SQLiteStore) RemoveTask(ctx context.Context, id string) error {
	return s.remove(ctx, "tasks", id)
}

// ListTasks returns every persisted task snapshot.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]TaskSnapshot, error) {
	rows, err := s.listBlobs(ctx, "tasks")
	if err != nil {
		return nil, err
	}
	out := make([]TaskSnapshot, 0, len(rows))
	for _, raw := range rows {
		var snapshot TaskSnapshot
		if err := json.Unmarshal(raw, &snapshot); err != nil {
			return nil, fmt.Errorf("decode task snapshot: %w", err)
		}
		out = append(out, snapshot)
	}
	return out, nil
}

// GetConfig returns all persisted config entries.
func (s *SQLiteStore) GetConfig(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM config")
	if err != nil {
		return nil, fmt.Errorf("query config: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan config row: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

// SetConfig merges partial into the persisted config.
func (s *SQLiteStore) SetConfig(ctx context.Context, partial map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, value := range partial {
		_, err := s.db.ExecContext(
			ctx,
			"INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			key, value,
		)
		if err != nil {
			return fmt.Errorf("upsert config key %q: %w", key, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) getBlob(ctx context.Context, table, id string, target any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw []byte
	// Table names are fixed literals, never caller input.
	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE id = ?", table)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query %s %q: %w", table, id, err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode %s snapshot %q: %w", table, id, err)
	}
	return nil
}

func (s *SQLiteStore) setBlob(ctx context.Context, table, id string, source any) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("snapshot id is required")
	}
	raw, err := json.Marshal(source)
	if err != nil {
		return fmt.Errorf("encode %s snapshot %q: %w", table, id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf(
		"INSERT INTO %s (id, snapshot, updated_at) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at",
		table,
	)
	if _, err := s.db.ExecContext(ctx, query, id, raw, time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert %s %q: %w", table, id, err)
	}
	return nil
}

func (s *SQLiteStore) remove(ctx context.Context, table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", table)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete %s %q: %w", table, id, err)
	}
	return nil
}

func (s *SQLiteStore) listBlobs(ctx context.Context, table string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf("SELECT snapshot FROM %s ORDER BY updated_at", table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([][]byte, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		out = append(out, raw)
	}
	return out, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
