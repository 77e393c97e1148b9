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

const runColumns = `id, conversation_id, codebase_id, workflow_name, trigger_message, status, metadata, created_at, updated_at`

// CreateWorkflowRun inserts a run with status running. The partial unique
// index on workflow_runs(conversation_id) WHERE status='running' makes the
// one-running-run invariant atomic; a collision surfaces as ErrWorkflowBusy.
func (r *Repository) CreateWorkflowRun(ctx context.Context, run *store.WorkflowRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = store.RunRunning
	}

	metadataJSON, err := marshalMeta(run.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO workflow_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), run.ID, run.ConversationID, run.CodebaseID, run.WorkflowName, run.TriggerMessage,
		run.Status, metadataJSON, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errdefs.ErrWorkflowBusy
		}
		return err
	}
	return nil
}

// GetWorkflowRun retrieves a run by ID.
func (r *Repository) GetWorkflowRun(ctx context.Context, id string) (*store.WorkflowRun, error) {
	run, err := scanWorkflowRun(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+runColumns+` FROM workflow_runs WHERE id = ?
	`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.ErrWorkflowNotFound
	}
	return run, err
}

// GetRunningWorkflowRun returns the running run for a conversation, or nil.
func (r *Repository) GetRunningWorkflowRun(ctx context.Context, conversationID string) (*store.WorkflowRun, error) {
	run, err := scanWorkflowRun(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+runColumns+` FROM workflow_runs WHERE conversation_id = ? AND status = 'running'
	`), conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// UpdateWorkflowRunStatus transitions a run's status.
func (r *Repository) UpdateWorkflowRunStatus(ctx context.Context, id string, status store.RunStatus) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE workflow_runs SET status = ?, updated_at = ? WHERE id = ?
	`), status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.ErrWorkflowNotFound
	}
	return nil
}

// UpdateWorkflowRunMetadata merges patch into the run's metadata bag.
func (r *Repository) UpdateWorkflowRunMetadata(ctx context.Context, id string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var metadataJSON string
	err = tx.QueryRowContext(ctx, tx.Rebind(`SELECT metadata FROM workflow_runs WHERE id = ?`), id).Scan(&metadataJSON)
	if err != nil {
		return err
	}

	metadata := map[string]any{}
	if err := unmarshalMeta(metadataJSON, &metadata); err != nil {
		return err
	}
	for k, v := range patch {
		metadata[k] = v
	}

	merged, err := marshalMeta(metadata)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE workflow_runs SET metadata = ?, updated_at = ? WHERE id = ?
	`), merged, time.Now().UTC(), id); err != nil {
		return err
	}

	return tx.Commit()
}

func scanWorkflowRun(row rowScanner) (*store.WorkflowRun, error) {
	run := &store.WorkflowRun{}
	var metadataJSON string
	err := row.Scan(&run.ID, &run.ConversationID, &run.CodebaseID, &run.WorkflowName,
		&run.TriggerMessage, &run.Status, &metadataJSON, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalMeta(metadataJSON, &run.Metadata); err != nil {
		return nil, err
	}
	return run, nil
}
