// Package history persists the conversation transcript so a chat can pick
// up where it left off across runs.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"Hearth/internal/session"
)

// Store wraps a SQLite database connection for persisting turns.
type Store struct {
	db         *sql.DB
	insertStmt *sql.Stmt
	selectStmt *sql.Stmt
	mu         sync.RWMutex
}

// NewStore opens (and initializes) the transcript database file.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "hearth_history.db"
	}

	if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to ensure history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	if err := bootstrap(db); err != nil {
		db.Close()
		return nil, err
	}

	insertStmt, err := db.Prepare(`INSERT INTO turns (id, role, content, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	selectStmt, err := db.Prepare(`SELECT id, role, content, created_at FROM turns ORDER BY created_at DESC, seq DESC LIMIT ?`)
	if err != nil {
		insertStmt.Close()
		db.Close()
		return nil, fmt.Errorf("failed to prepare select statement: %w", err)
	}

	return &Store{db: db, insertStmt: insertStmt, selectStmt: selectStmt}, nil
}

func bootstrap(db *sql.DB) error {
	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
	`); err != nil {
		return fmt.Errorf("failed to configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("failed to create turns table: %w", err)
	}

	return nil
}

// Append persists a conversational turn. Empty content is skipped silently:
// a generation that stripped to nothing produces no transcript row.
func (s *Store) Append(msg session.ChatMessage) error {
	if s == nil || s.db == nil {
		return errors.New("history store is not initialized")
	}
	if msg.Role == "" {
		return errors.New("role must not be empty")
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}

	s.mu.RLock()
	stmt := s.insertStmt
	s.mu.RUnlock()
	if stmt == nil {
		return errors.New("insert statement not prepared")
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if _, err := stmt.Exec(msg.ID, msg.Role, msg.Content, ts.Unix()); err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

// Recent retrieves up to limit of the most recent turns, oldest first so
// the result can feed straight into the planner.
func (s *Store) Recent(limit int) ([]session.ChatMessage, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history store is not initialized")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be greater than zero")
	}

	s.mu.RLock()
	stmt := s.selectStmt
	s.mu.RUnlock()
	if stmt == nil {
		return nil, errors.New("select statement not prepared")
	}

	rows, err := stmt.Query(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent turns: %w", err)
	}
	defer rows.Close()

	msgs := make([]session.ChatMessage, 0, limit)
	for rows.Next() {
		var m session.ChatMessage
		var ts int64
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turn rows: %w", err)
	}

	// Newest-first from the query; flip to chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Clear drops every stored turn.
func (s *Store) Clear() error {
	if s == nil || s.db == nil {
		return errors.New("history store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.db.Exec(`DELETE FROM turns`); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
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
	if s.selectStmt != nil {
		if err := s.selectStmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.insertStmt = nil
	s.selectStmt = nil
	s.db = nil

	return firstErr
}
