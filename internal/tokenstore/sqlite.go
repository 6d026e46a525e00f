// ABOUTME: SQLite implementation of Store using modernc.org/sqlite
// ABOUTME: Session-scoped rows are purged when a new process opens the database

package tokenstore

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	keyToken    = "token"
	keyCSRF     = "csrf_token"
	keyActiveAt = "active_at"
)

// SQLite implements Store on a single key/value table.
type SQLite struct {
	mu     sync.Mutex
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the store at path and discards
// session-scoped rows left by a previous process.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tokenstore", "backend", "sqlite")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLite{db: db, now: time.Now, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	res, err := db.Exec(`DELETE FROM session_state WHERE persistent = 0`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("purging session-scoped state: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Debug("purged session-scoped state", "rows", n)
	}

	logger.Info("SQLite token store initialized", "path", path)
	return s, nil
}

func (s *SQLite) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_state (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			persistent INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

func (s *SQLite) put(key, value string, persistent bool) error {
	_, err := s.db.Exec(`
		INSERT INTO session_state (key, value, persistent, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			persistent = excluded.persistent,
			updated_at = excluded.updated_at
	`, key, value, boolToInt(persistent), s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// get returns the value and persistence flag for key. Read failures are
// logged and reported as absent.
func (s *SQLite) get(key string) (string, bool, bool) {
	var value string
	var persistent int
	err := s.db.QueryRow(`SELECT value, persistent FROM session_state WHERE key = ?`, key).
		Scan(&value, &persistent)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("reading session state", "key", key, "error", err)
		}
		return "", false, false
	}
	return value, persistent == 1, true
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLite) SetToken(token string, persist bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(`
		INSERT INTO session_state (key, value, persistent, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			persistent = excluded.persistent,
			updated_at = excluded.updated_at
	`, keyToken, token, boolToInt(persist), now); err != nil {
		return fmt.Errorf("writing token: %w", err)
	}
	// The marker lives exactly as long as the token it describes.
	if _, err := tx.Exec(`UPDATE session_state SET persistent = ? WHERE key = ?`,
		boolToInt(persist), keyActiveAt); err != nil {
		return fmt.Errorf("updating marker scope: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) Token() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, _, ok := s.get(keyToken)
	return v, ok && v != ""
}

func (s *SQLite) Persistent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, persistent, ok := s.get(keyToken)
	return ok && v != "" && persistent
}

func (s *SQLite) SetCSRFToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(keyCSRF, token, false)
}

func (s *SQLite) CSRFToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, _, _ := s.get(keyCSRF)
	return v
}

func (s *SQLite) SetActiveSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, persistent, _ := s.get(keyToken)
	return s.put(keyActiveAt, s.now().UTC().Format(time.RFC3339Nano), persistent)
}

func (s *SQLite) TouchSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, persistent, ok := s.get(keyActiveAt)
	if !ok {
		return nil
	}
	return s.put(keyActiveAt, s.now().UTC().Format(time.RFC3339Nano), persistent)
}

func (s *SQLite) HasActiveSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _, ok := s.get(keyActiveAt)
	return ok
}

func (s *SQLite) ActiveSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, _, ok := s.get(keyActiveAt)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		s.logger.Warn("parsing session marker", "value", v, "error", err)
		return time.Time{}
	}
	return t
}

func (s *SQLite) ClearSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM session_state WHERE key IN (?, ?, ?)`,
		keyToken, keyCSRF, keyActiveAt); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}
