package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/archonhq/archon/internal/errdefs"
	"github.com/archonhq/archon/internal/store"
)

const codebaseColumns = `id, name, remote_url, default_cwd, assistant_type, commands, created_at, updated_at`

// CreateCodebase inserts a new codebase row.
func (r *Repository) CreateCodebase(ctx context.Context, cb *store.Codebase) error {
	if cb.ID == "" {
		cb.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if cb.CreatedAt.IsZero() {
		cb.CreatedAt = now
	}
	cb.UpdatedAt = now
	if cb.AssistantType == "" {
		cb.AssistantType = store.AssistantClaude
	}

	commandsJSON, err := marshalCommands(cb.Commands)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO codebases (`+codebaseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), cb.ID, cb.Name, cb.RemoteURL, cb.DefaultCwd, cb.AssistantType, commandsJSON, cb.CreatedAt, cb.UpdatedAt)
	return err
}

// GetCodebase retrieves a codebase by ID.
func (r *Repository) GetCodebase(ctx context.Context, id string) (*store.Codebase, error) {
	cb, err := r.scanCodebase(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+codebaseColumns+` FROM codebases WHERE id = ?
	`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.ErrCodebaseNotFound
	}
	return cb, err
}

// GetCodebaseByRemoteURL finds a codebase by its canonical remote URL.
// Returns (nil, nil) when no codebase matches.
func (r *Repository) GetCodebaseByRemoteURL(ctx context.Context, remoteURL string) (*store.Codebase, error) {
	cb, err := r.scanCodebase(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+codebaseColumns+` FROM codebases WHERE remote_url = ?
	`), remoteURL))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cb, err
}

// GetCodebaseByName finds a codebase by display name.
// Returns (nil, nil) when no codebase matches.
func (r *Repository) GetCodebaseByName(ctx context.Context, name string) (*store.Codebase, error) {
	cb, err := r.scanCodebase(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+codebaseColumns+` FROM codebases WHERE name = ?
	`), name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cb, err
}

// UpdateCodebase updates an existing codebase row.
func (r *Repository) UpdateCodebase(ctx context.Context, cb *store.Codebase) error {
	cb.UpdatedAt = time.Now().UTC()

	commandsJSON, err := marshalCommands(cb.Commands)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE codebases
		SET name = ?, remote_url = ?, default_cwd = ?, assistant_type = ?, commands = ?, updated_at = ?
		WHERE id = ?
	`), cb.Name, cb.RemoteURL, cb.DefaultCwd, cb.AssistantType, commandsJSON, cb.UpdatedAt, cb.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.ErrCodebaseNotFound
	}
	return nil
}

// ListCodebases returns all codebases ordered by name.
func (r *Repository) ListCodebases(ctx context.Context) ([]*store.Codebase, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT `+codebaseColumns+` FROM codebases ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.Codebase
	for rows.Next() {
		cb, err := r.scanCodebase(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cb)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanCodebase(row rowScanner) (*store.Codebase, error) {
	cb := &store.Codebase{}
	var commandsJSON string
	err := row.Scan(&cb.ID, &cb.Name, &cb.RemoteURL, &cb.DefaultCwd, &cb.AssistantType, &commandsJSON, &cb.CreatedAt, &cb.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if commandsJSON != "" && commandsJSON != "{}" {
		if err := json.Unmarshal([]byte(commandsJSON), &cb.Commands); err != nil {
			return nil, fmt.Errorf("failed to deserialize command registry: %w", err)
		}
	}
	return cb, nil
}

func marshalCommands(commands map[string]store.CommandSpec) (string, error) {
	if commands == nil {
		return "{}", nil
	}
	b, err := json.Marshal(commands)
	if err != nil {
		return "", fmt.Errorf("failed to serialize command registry: %w", err)
	}
	return string(b), nil
}
