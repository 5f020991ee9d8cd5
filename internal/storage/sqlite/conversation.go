package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	gateway "github.com/nanogw/nanogw/internal"
)

// CreateConversation inserts a new conversation.
func (s *Store) CreateConversation(ctx context.Context, c *gateway.Conversation) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO conversations (id, workspace_id, api_key_id, metadata, cloned_from_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.WorkspaceID, c.APIKeyID, rawJSONToNull(c.Metadata), strPtrToNull(c.ClonedFromID),
		c.CreatedAt.UTC().Format(time.RFC3339), c.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetConversation retrieves a conversation by ID, unless soft-deleted.
func (s *Store) GetConversation(ctx context.Context, id string) (*gateway.Conversation, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, workspace_id, api_key_id, metadata, pinned_at, archived_at, deleted_at,
		 cloned_from_id, created_at, updated_at
		 FROM conversations WHERE id=? AND deleted_at IS NULL`, id,
	)
	return scanConversation(row)
}

// ReplaceConversationMetadata overwrites a conversation's metadata blob.
func (s *Store) ReplaceConversationMetadata(ctx context.Context, id string, metadata []byte) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE conversations SET metadata=?, updated_at=? WHERE id=? AND deleted_at IS NULL`,
		rawJSONToNull(metadata), time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "conversation")
}

// DeleteConversation soft-deletes a conversation.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE conversations SET deleted_at=? WHERE id=? AND deleted_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "conversation")
}

// EnsureRootResponse idempotently creates the structural root response row
// for a conversation. A second call finds the existing root row and returns
// its id without inserting; a unique index on (conversation_id) where
// kind='root' rejects any duplicate root insert. Either way the existing or
// newly-created response id is returned.
func (s *Store) EnsureRootResponse(ctx context.Context, conversationID, workspaceID, apiKeyID string) (string, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM responses WHERE conversation_id=? AND kind='root'`, conversationID,
	).Scan(&existingID)
	if err == nil {
		return existingID, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	id := "resp_" + conversationID + "_root"
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO responses (id, workspace_id, api_key_id, conversation_id, model, status,
		 input_messages, kind, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '', ?, '[]', 'root', ?, ?)`,
		id, workspaceID, apiKeyID, conversationID, string(gateway.ResponseCompleted), now, now,
	)
	if err != nil {
		return "", err
	}
	return id, tx.Commit()
}

func scanConversation(s scanner) (*gateway.Conversation, error) {
	var c gateway.Conversation
	var metadata sql.NullString
	var pinnedAt, archivedAt, deletedAt, clonedFromID sql.NullString
	var createdAt, updatedAt sql.NullString

	err := s.Scan(
		&c.ID, &c.WorkspaceID, &c.APIKeyID, &metadata, &pinnedAt, &archivedAt, &deletedAt,
		&clonedFromID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	if metadata.Valid {
		c.Metadata = []byte(metadata.String)
	}
	c.PinnedAt = parseTime(pinnedAt)
	c.ArchivedAt = parseTime(archivedAt)
	c.DeletedAt = parseTime(deletedAt)
	c.ClonedFromID = nullToStrPtr(clonedFromID)
	if t := parseTime(createdAt); t != nil {
		c.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		c.UpdatedAt = *t
	}
	return &c, nil
}
