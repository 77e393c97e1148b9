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

const conversationColumns = `id, platform_type, platform_conversation_id, codebase_id, cwd, assistant_type, parent_conversation_id, created_at, updated_at`

// GetOrCreateConversation returns the conversation for the platform key,
// creating it on first contact. Creation is idempotent: a concurrent insert
// losing the unique-constraint race falls back to reading the winner's row.
func (r *Repository) GetOrCreateConversation(ctx context.Context, platformType, platformConversationID, assistantType string) (*store.Conversation, error) {
	conv, err := r.getConversationByPlatformKey(ctx, platformType, platformConversationID)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}

	if assistantType == "" {
		assistantType = store.AssistantClaude
	}
	now := time.Now().UTC()
	conv = &store.Conversation{
		ID:                     uuid.New().String(),
		PlatformType:           platformType,
		PlatformConversationID: platformConversationID,
		AssistantType:          assistantType,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), conv.ID, conv.PlatformType, conv.PlatformConversationID, conv.CodebaseID, conv.Cwd,
		conv.AssistantType, conv.ParentConversationID, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return r.getConversationByPlatformKey(ctx, platformType, platformConversationID)
		}
		return nil, err
	}
	return conv, nil
}

func (r *Repository) getConversationByPlatformKey(ctx context.Context, platformType, platformConversationID string) (*store.Conversation, error) {
	conv, err := scanConversation(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+conversationColumns+` FROM conversations
		WHERE platform_type = ? AND platform_conversation_id = ?
	`), platformType, platformConversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return conv, err
}

// GetConversation retrieves a conversation by ID.
func (r *Repository) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := scanConversation(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+conversationColumns+` FROM conversations WHERE id = ?
	`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.ErrConversationNotFound
	}
	return conv, err
}

// UpdateConversation updates the mutable conversation fields. The assistant
// type and platform key are locked at creation and never written here.
func (r *Repository) UpdateConversation(ctx context.Context, conv *store.Conversation) error {
	conv.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE conversations
		SET codebase_id = ?, cwd = ?, parent_conversation_id = ?, updated_at = ?
		WHERE id = ?
	`), conv.CodebaseID, conv.Cwd, conv.ParentConversationID, conv.UpdatedAt, conv.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.ErrConversationNotFound
	}
	return nil
}

// ConversationsReferencingPath returns conversations whose cwd equals the path.
func (r *Repository) ConversationsReferencingPath(ctx context.Context, path string) ([]*store.Conversation, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+conversationColumns+` FROM conversations WHERE cwd = ?
	`), path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, conv)
	}
	return result, rows.Err()
}

func scanConversation(row rowScanner) (*store.Conversation, error) {
	conv := &store.Conversation{}
	err := row.Scan(&conv.ID, &conv.PlatformType, &conv.PlatformConversationID, &conv.CodebaseID,
		&conv.Cwd, &conv.AssistantType, &conv.ParentConversationID, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return conv, nil
}
