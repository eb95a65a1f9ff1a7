// Package catalog persists the model registry: named entries pointing at
// local GGUF files, with optional multimodal projectors. The session
// manager resolves load requests through it, so a chat can say
// "qwen-7b" instead of a full path.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"Hearth/internal/session"
)

// Model is one registry entry.
type Model struct {
	Name          string
	Path          string
	ProjectorPath string
	AddedAt       time.Time
}

// Store wraps a SQLite database holding the registry.
type Store struct {
	db         *sql.DB
	insertStmt *sql.Stmt
	lookupStmt *sql.Stmt
	mu         sync.RWMutex
}

// NewStore opens (and initializes) the registry database file.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "hearth_models.db"
	}

	if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to ensure catalog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open model catalog: %w", err)
	}

	if err := bootstrap(db); err != nil {
		db.Close()
		return nil, err
	}

	insertStmt, err := db.Prepare(`INSERT INTO models (name, path, projector_path, added_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET path=excluded.path, projector_path=excluded.projector_path`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	lookupStmt, err := db.Prepare(`SELECT path, projector_path FROM models WHERE name = ?`)
	if err != nil {
		insertStmt.Close()
		db.Close()
		return nil, fmt.Errorf("failed to prepare lookup statement: %w", err)
	}

	return &Store{db: db, insertStmt: insertStmt, lookupStmt: lookupStmt}, nil
}

func bootstrap(db *sql.DB) error {
	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
	`); err != nil {
		return fmt.Errorf("failed to configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS models (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			path TEXT NOT NULL,
			projector_path TEXT NOT NULL DEFAULT '',
			added_at INTEGER NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("failed to create models table: %w", err)
	}

	return nil
}

// Add registers a model under a name, replacing any existing entry.
func (s *Store) Add(name, path, projectorPath string) error {
	if s == nil || s.db == nil {
		return errors.New("catalog is not initialized")
	}
	if name == "" {
		return errors.New("model name must not be empty")
	}
	if path == "" {
		return errors.New("model path must not be empty")
	}

	s.mu.RLock()
	stmt := s.insertStmt
	s.mu.RUnlock()
	if stmt == nil {
		return errors.New("insert statement not prepared")
	}

	if _, err := stmt.Exec(name, path, projectorPath, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to register model: %w", err)
	}
	return nil
}

// Remove drops a registry entry. Removing an unknown name is an error.
func (s *Store) Remove(name string) error {
	if s == nil || s.db == nil {
		return errors.New("catalog is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	res, err := s.db.Exec(`DELETE FROM models WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to remove model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", session.ErrModelNotFound, name)
	}
	return nil
}

// List returns all registry entries, newest first.
func (s *Store) List() ([]Model, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("catalog is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT name, path, projector_path, added_at FROM models ORDER BY added_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	var models []Model
	for rows.Next() {
		var m Model
		var ts int64
		if err := rows.Scan(&m.Name, &m.Path, &m.ProjectorPath, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan model row: %w", err)
		}
		m.AddedAt = time.Unix(ts, 0)
		models = append(models, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating model rows: %w", err)
	}
	return models, nil
}

// Resolve maps a name or path to an existing local model file. A direct
// path that exists on disk wins; otherwise the name is looked up in the
// registry and the registered path is verified.
func (s *Store) Resolve(nameOrPath string) (string, error) {
	if _, err := os.Stat(nameOrPath); err == nil {
		return nameOrPath, nil
	}

	entry, err := s.lookup(nameOrPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(entry.Path); err != nil {
		return "", fmt.Errorf("%w: registered file %s is missing", session.ErrModelNotFound, entry.Path)
	}
	return entry.Path, nil
}

// ProjectorFor returns the projector registered alongside a model, empty
// if the model is text-only or unknown.
func (s *Store) ProjectorFor(name string) string {
	entry, err := s.lookup(name)
	if err != nil {
		return ""
	}
	return entry.ProjectorPath
}

func (s *Store) lookup(name string) (Model, error) {
	if s == nil || s.db == nil {
		return Model{}, errors.New("catalog is not initialized")
	}

	s.mu.RLock()
	stmt := s.lookupStmt
	s.mu.RUnlock()
	if stmt == nil {
		return Model{}, errors.New("lookup statement not prepared")
	}

	var m Model
	m.Name = name
	err := stmt.QueryRow(name).Scan(&m.Path, &m.ProjectorPath)
	if errors.Is(err, sql.ErrNoRows) {
		return Model{}, fmt.Errorf("%w: %s", session.ErrModelNotFound, name)
	}
	if err != nil {
		return Model{}, fmt.Errorf("failed to look up model: %w", err)
	}
	return m, nil
}

// Close releases database resources held by the store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.insertStmt != nil {
		if err := s.insertStmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.lookupStmt != nil {
		if err := s.lookupStmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.insertStmt = nil
	s.lookupStmt = nil
	s.db = nil

	return firstErr
}
