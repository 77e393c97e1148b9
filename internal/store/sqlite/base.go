// Package sqlite provides the sqlx-backed implementation of the conversation
// store. Queries are written with ? placeholders and passed through
// sqlx.Rebind, so the same repository runs on the sqlite3 and pgx drivers.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Repository provides SQLite-based conversation state storage.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a repository on existing connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

// New creates a repository that owns its connections.
func New(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, true)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	if reader == nil {
		reader = writer
	}
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connections when owned by the repository.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	if r.ro != r.db {
		_ = r.ro.Close()
	}
	return r.db.Close()
}

// DB returns the underlying writer for shared access.
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

// initSchema creates the database tables if they don't exist.
func (r *Repository) initSchema() error {
	if err := r.initCoreSchema(); err != nil {
		return err
	}
	if err := r.runMigrations(); err != nil {
		return err
	}
	return r.ensureIndexes()
}

// initCoreSchema creates the tables one statement at a time: the pgx driver
// rejects multi-statement Exec calls.
func (r *Repository) initCoreSchema() error {
	stmts := []string{`
	CREATE TABLE IF NOT EXISTS codebases (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		remote_url TEXT NOT NULL DEFAULT '',
		default_cwd TEXT NOT NULL,
		assistant_type TEXT NOT NULL DEFAULT 'claude',
		commands TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`, `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		platform_type TEXT NOT NULL,
		platform_conversation_id TEXT NOT NULL,
		codebase_id TEXT NOT NULL DEFAULT '',
		cwd TEXT NOT NULL DEFAULT '',
		assistant_type TEXT NOT NULL DEFAULT 'claude',
		parent_conversation_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(platform_type, platform_conversation_id)
	)`, `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		codebase_id TEXT NOT NULL DEFAULT '',
		assistant_type TEXT NOT NULL,
		assistant_session_id TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`, `
	CREATE TABLE IF NOT EXISTS workflow_runs (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		codebase_id TEXT NOT NULL DEFAULT '',
		workflow_name TEXT NOT NULL,
		trigger_message TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'running',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`, `
	CREATE TABLE IF NOT EXISTS environments (
		id TEXT PRIMARY KEY,
		codebase_id TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT 'worktree',
		workflow_type TEXT NOT NULL,
		identifier TEXT NOT NULL,
		working_path TEXT NOT NULL,
		branch_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		platform TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		destroyed_at TIMESTAMP
	)`}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// runMigrations applies idempotent ALTER TABLE migrations for schema evolution.
func (r *Repository) runMigrations() error {
	// Thread branching support (ignore error if the column already exists)
	_, _ = r.db.Exec(`ALTER TABLE conversations ADD COLUMN parent_conversation_id TEXT NOT NULL DEFAULT ''`)
	return nil
}

func (r *Repository) ensureIndexes() error {
	stmts := []string{
		// Partial unique index: at most one active session per conversation.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active ON sessions(conversation_id) WHERE active = 1`,
		// Partial unique index: at most one running workflow run per conversation.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_runs_one_running ON workflow_runs(conversation_id) WHERE status = 'running'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_codebases_remote_url ON codebases(remote_url) WHERE remote_url != ''`,
		`CREATE INDEX IF NOT EXISTS idx_environments_codebase_id ON environments(codebase_id)`,
		`CREATE INDEX IF NOT EXISTS idx_environments_status ON environments(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_conversation_id ON sessions(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_conversation_id ON workflow_runs(conversation_id)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// marshalMeta serializes a metadata bag, defaulting to the empty object.
func marshalMeta(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to serialize metadata: %w", err)
	}
	return string(b), nil
}

// unmarshalMeta deserializes a metadata bag, tolerating the empty object.
func unmarshalMeta(s string, dst *map[string]any) error {
	if s == "" || s == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		return fmt.Errorf("failed to deserialize metadata: %w", err)
	}
	return nil
}

// isUniqueViolation detects unique-constraint failures across the sqlite and
// postgres drivers. Used to map invariant collisions to busy errors.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
