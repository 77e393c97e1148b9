package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/archonhq/archon/internal/store"
)

const sessionColumns = `id, conversation_id, codebase_id, assistant_type, assistant_session_id, active, metadata, created_at, updated_at`

// CreateSession atomically deactivates any active session for the conversation
// and inserts the new one with active=true. The partial unique index on
// sessions(conversation_id) WHERE active=1 backs the invariant even if two
// writers race past the conversation lock.
func (r *Repository) CreateSession(ctx context.Context, s *store.Session) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	s.Active = true

	metadataJSON, err := marshalMeta(s.Metadata)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE sessions SET active = 0, updated_at = ? WHERE conversation_id = ? AND active = 1
	`), now, s.ConversationID); err != nil {
		return fmt.Errorf("failed to deactivate previous session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
	`), s.ID, s.ConversationID, s.CodebaseID, s.AssistantType, s.AssistantSessionID,
		metadataJSON, s.CreatedAt, s.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	return tx.Commit()
}

// GetSession retrieves a session by ID.
func (r *Repository) GetSession(ctx context.Context, id string) (*store.Session, error) {
	s, err := scanSession(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?
	`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// GetActiveSession returns the active session for a conversation, or nil.
func (r *Repository) GetActiveSession(ctx context.Context, conversationID string) (*store.Session, error) {
	s, err := scanSession(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE conversation_id = ? AND active = 1
	`), conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// UpdateSessionAssistantID records the opaque assistant-side session id.
func (r *Repository) UpdateSessionAssistantID(ctx context.Context, sessionID, assistantSessionID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET assistant_session_id = ?, updated_at = ? WHERE id = ?
	`), assistantSessionID, time.Now().UTC(), sessionID)
	return err
}

// UpdateSessionMetadata merges patch into the session's metadata bag.
func (r *Repository) UpdateSessionMetadata(ctx context.Context, sessionID string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var metadataJSON string
	err = tx.QueryRowContext(ctx, tx.Rebind(`SELECT metadata FROM sessions WHERE id = ?`), sessionID).Scan(&metadataJSON)
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
		UPDATE sessions SET metadata = ?, updated_at = ? WHERE id = ?
	`), merged, time.Now().UTC(), sessionID); err != nil {
		return err
	}

	return tx.Commit()
}

// DeactivateSession clears the active flag. Deactivating an already-inactive
// or missing session is a no-op.
func (r *Repository) DeactivateSession(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET active = 0, updated_at = ? WHERE id = ? AND active = 1
	`), time.Now().UTC(), sessionID)
	return err
}

func scanSession(row rowScanner) (*store.Session, error) {
	s := &store.Session{}
	var metadataJSON string
	var active int
	err := row.Scan(&s.ID, &s.ConversationID, &s.CodebaseID, &s.AssistantType, &s.AssistantSessionID,
		&active, &metadataJSON, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Active = active == 1
	if err := unmarshalMeta(metadataJSON, &s.Metadata); err != nil {
		return nil, err
	}
	return s, nil
}
