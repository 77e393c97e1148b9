package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/archonhq/archon/internal/errdefs"
	"github.com/archonhq/archon/internal/store"
)

const environmentColumns = `id, codebase_id, provider, workflow_type, identifier, working_path, branch_name, status, platform, metadata, created_at, updated_at, destroyed_at`

// CreateEnvironment inserts a new isolation environment row.
func (r *Repository) CreateEnvironment(ctx context.Context, env *store.Environment) error {
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	env.UpdatedAt = now
	if env.Provider == "" {
		env.Provider = "worktree"
	}
	if env.Status == "" {
		env.Status = store.EnvActive
	}

	metadataJSON, err := marshalMeta(env.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO environments (`+environmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), env.ID, env.CodebaseID, env.Provider, env.WorkflowType, env.Identifier, env.WorkingPath,
		env.BranchName, env.Status, env.Platform, metadataJSON, env.CreatedAt, env.UpdatedAt, env.DestroyedAt)
	return err
}

// GetEnvironment retrieves an environment by ID.
func (r *Repository) GetEnvironment(ctx context.Context, id string) (*store.Environment, error) {
	env, err := scanEnvironment(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+environmentColumns+` FROM environments WHERE id = ?
	`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.ErrEnvironmentNotFound
	}
	return env, err
}

// GetEnvironmentByPath finds the active environment at the working path, or nil.
func (r *Repository) GetEnvironmentByPath(ctx context.Context, workingPath string) (*store.Environment, error) {
	env, err := scanEnvironment(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+environmentColumns+` FROM environments
		WHERE working_path = ? AND status = 'active'
		ORDER BY created_at DESC LIMIT 1
	`), workingPath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return env, err
}

// FindActiveEnvironment locates the active environment for a codebase,
// workflow type, and identifier, or returns nil.
func (r *Repository) FindActiveEnvironment(ctx context.Context, codebaseID, workflowType, identifier string) (*store.Environment, error) {
	env, err := scanEnvironment(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+environmentColumns+` FROM environments
		WHERE codebase_id = ? AND workflow_type = ? AND identifier = ? AND status = 'active'
		ORDER BY created_at DESC LIMIT 1
	`), codebaseID, workflowType, identifier))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return env, err
}

// ListActiveEnvironments returns all active environments.
func (r *Repository) ListActiveEnvironments(ctx context.Context) ([]*store.Environment, error) {
	return r.listEnvironments(ctx, `
		SELECT `+environmentColumns+` FROM environments WHERE status = 'active' ORDER BY created_at
	`)
}

// ListActiveEnvironmentsByCodebase returns active environments for a codebase,
// oldest first.
func (r *Repository) ListActiveEnvironmentsByCodebase(ctx context.Context, codebaseID string) ([]*store.Environment, error) {
	return r.listEnvironments(ctx, `
		SELECT `+environmentColumns+` FROM environments
		WHERE codebase_id = ? AND status = 'active' ORDER BY created_at
	`, codebaseID)
}

func (r *Repository) listEnvironments(ctx context.Context, query string, args ...any) ([]*store.Environment, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, env)
	}
	return result, rows.Err()
}

// UpdateEnvironment updates an existing environment row.
func (r *Repository) UpdateEnvironment(ctx context.Context, env *store.Environment) error {
	env.UpdatedAt = time.Now().UTC()

	metadataJSON, err := marshalMeta(env.Metadata)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE environments
		SET working_path = ?, branch_name = ?, status = ?, metadata = ?, updated_at = ?, destroyed_at = ?
		WHERE id = ?
	`), env.WorkingPath, env.BranchName, env.Status, metadataJSON, env.UpdatedAt, env.DestroyedAt, env.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.ErrEnvironmentNotFound
	}
	return nil
}

// MarkEnvironmentDestroyed soft-deletes an environment. Idempotent on
// already-destroyed rows.
func (r *Repository) MarkEnvironmentDestroyed(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE environments SET status = 'destroyed', destroyed_at = ?, updated_at = ?
		WHERE id = ? AND status != 'destroyed'
	`), now, now, id)
	return err
}

func scanEnvironment(row rowScanner) (*store.Environment, error) {
	env := &store.Environment{}
	var metadataJSON string
	var destroyedAt sql.NullTime
	err := row.Scan(&env.ID, &env.CodebaseID, &env.Provider, &env.WorkflowType, &env.Identifier,
		&env.WorkingPath, &env.BranchName, &env.Status, &env.Platform, &metadataJSON,
		&env.CreatedAt, &env.UpdatedAt, &destroyedAt)
	if err != nil {
		return nil, err
	}
	if destroyedAt.Valid {
		env.DestroyedAt = &destroyedAt.Time
	}
	if err := unmarshalMeta(metadataJSON, &env.Metadata); err != nil {
		return nil, err
	}
	return env, nil
}
