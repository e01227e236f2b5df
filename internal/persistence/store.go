// Package persistence is the SQLite-backed durable state of the bot:
// the cached status directory, the chat↔task links the reconciler seeds
// from, executor profiles, task assignments and the bot audit log.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "pb-v1-2026-07-02-sync-state"
)

// Task link kinds.
const (
	KindSupport      = "support"
	KindRegistration = "registration"
)

// Task link states.
const (
	StateActive   = "active"
	StatePending  = "pending"
	StateApproved = "approved"
	StateRejected = "rejected"
	StateClosed   = "closed"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("persistence: not found")

// CachedStatus is one row of the persisted status directory.
type CachedStatus struct {
	Key      string
	RemoteID int64
	Name     string
}

// TaskLink ties a remote task to the chat it was created for.
// Registration links additionally carry the candidate's user id.
type TaskLink struct {
	TaskID    int64
	ChatID    int64
	UserID    int64
	Kind      string
	State     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExecutorProfile is a chat user who asked to become a task executor.
type ExecutorProfile struct {
	UserID        int64
	ChatID        int64
	Name          string
	PlanfixUserID int64
	State         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AuditEntry is one append-only record of a bot-side action.
type AuditEntry struct {
	ID        int64
	Action    string
	TaskID    int64
	ChatID    int64
	Details   string
	CreatedAt time.Time
}

type Store struct {
	db *sql.DB
}

func DefaultDBPath(homeDir string) string {
	return filepath.Join(homeDir, "planbot.db")
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existingChecksum, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS status_cache (
			status_key TEXT PRIMARY KEY,
			remote_id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			fetched_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_links (
			task_id INTEGER PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL DEFAULT 0,
			kind TEXT NOT NULL CHECK(kind IN ('support', 'registration')),
			state TEXT NOT NULL CHECK(state IN ('active', 'pending', 'approved', 'rejected', 'closed')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_assignments (
			task_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			state TEXT NOT NULL DEFAULT 'active' CHECK(state IN ('active', 'completed')),
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (task_id, user_id)
		);`,
		`CREATE TABLE IF NOT EXISTS executor_profiles (
			user_id INTEGER PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			planfix_user_id INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL DEFAULT 'pending' CHECK(state IN ('pending', 'approved', 'rejected')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS bot_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			task_id INTEGER NOT NULL DEFAULT 0,
			chat_id INTEGER NOT NULL DEFAULT 0,
			details TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_links_state ON task_links(state, kind);`,
		`CREATE INDEX IF NOT EXISTS idx_bot_audit_task ON bot_audit(task_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_user ON task_assignments(user_id, state);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}
