package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	gateway "github.com/nanogw/nanogw/internal"
)

// CreateResponse inserts a new response.
func (s *Store) CreateResponse(ctx context.Context, r *gateway.Response) error {
	var usage sql.NullString
	if r.Usage != nil {
		b, err := marshalUsage(r.Usage)
		if err != nil {
			return err
		}
		usage = sql.NullString{String: b, Valid: true}
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO responses (id, workspace_id, api_key_id, conversation_id, model, status,
		 input_messages, output_message, usage, stop_reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkspaceID, r.APIKeyID, strPtrToNull(r.ConversationID), r.Model, string(r.Status),
		rawJSONToNull(r.InputMessages), rawJSONToNull(r.OutputMessage), usage, string(r.StopReason),
		r.CreatedAt.UTC().Format(time.RFC3339), r.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetResponse retrieves a response by ID.
func (s *Store) GetResponse(ctx context.Context, id string) (*gateway.Response, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, workspace_id, api_key_id, conversation_id, model, status,
		 input_messages, output_message, usage, stop_reason, created_at, updated_at
		 FROM responses WHERE id=?`, id,
	)
	return scanResponse(row)
}

// UpdateResponse updates a response's mutable fields (status, output, usage, stop reason).
func (s *Store) UpdateResponse(ctx context.Context, r *gateway.Response) error {
	var usage sql.NullString
	if r.Usage != nil {
		b, err := marshalUsage(r.Usage)
		if err != nil {
			return err
		}
		usage = sql.NullString{String: b, Valid: true}
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE responses SET status=?, output_message=?, usage=?, stop_reason=?, updated_at=? WHERE id=?`,
		string(r.Status), rawJSONToNull(r.OutputMessage), usage, string(r.StopReason),
		r.UpdatedAt.UTC().Format(time.RFC3339), r.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "response")
}

func scanResponse(s scanner) (*gateway.Response, error) {
	var r gateway.Response
	var conversationID sql.NullString
	var status string
	var inputMessages, outputMessage, usageJSON sql.NullString
	var stopReason sql.NullString
	var createdAt, updatedAt sql.NullString

	err := s.Scan(
		&r.ID, &r.WorkspaceID, &r.APIKeyID, &conversationID, &r.Model, &status,
		&inputMessages, &outputMessage, &usageJSON, &stopReason, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	r.ConversationID = nullToStrPtr(conversationID)
	r.Status = gateway.ResponseStatus(status)
	if inputMessages.Valid {
		r.InputMessages = []byte(inputMessages.String)
	}
	if outputMessage.Valid {
		r.OutputMessage = []byte(outputMessage.String)
	}
	if usageJSON.Valid {
		u, err := unmarshalUsage(usageJSON.String)
		if err != nil {
			return nil, err
		}
		r.Usage = u
	}
	r.StopReason = gateway.StopReason(stopReason.String)
	if t := parseTime(createdAt); t != nil {
		r.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		r.UpdatedAt = *t
	}
	return &r, nil
}

// CreateItem inserts a new response item.
func (s *Store) CreateItem(ctx context.Context, item *gateway.ResponseItem) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO response_items (id, response_id, conversation_id, api_key_id, kind, item, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.ResponseID, strPtrToNull(item.ConversationID), item.APIKeyID,
		string(item.Kind), rawJSONToNull(item.Item), item.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ListItemsByConversation returns response items for a conversation, paginated
// by item id (after is exclusive, empty means start from the beginning).
func (s *Store) ListItemsByConversation(ctx context.Context, conversationID string, after string, limit int) ([]*gateway.ResponseItem, error) {
	query := `SELECT id, response_id, conversation_id, api_key_id, kind, item, created_at
	 FROM response_items WHERE conversation_id=?`
	args := []any{conversationID}
	if after != "" {
		query += ` AND id > ?`
		args = append(args, after)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*gateway.ResponseItem
	for rows.Next() {
		item, err := scanResponseItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanResponseItem(s scanner) (*gateway.ResponseItem, error) {
	var item gateway.ResponseItem
	var conversationID sql.NullString
	var kind string
	var itemJSON sql.NullString
	var createdAt sql.NullString

	err := s.Scan(&item.ID, &item.ResponseID, &conversationID, &item.APIKeyID, &kind, &itemJSON, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	item.ConversationID = nullToStrPtr(conversationID)
	item.Kind = gateway.ResponseItemKind(kind)
	if itemJSON.Valid {
		item.Item = []byte(itemJSON.String)
	}
	if t := parseTime(createdAt); t != nil {
		item.CreatedAt = *t
	}
	return &item, nil
}

func strPtrToNull(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullToStrPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func marshalUsage(u *gateway.Usage) (string, error) {
	b, err := json.Marshal(u)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalUsage(s string) (*gateway.Usage, error) {
	var u gateway.Usage
	if err := json.Unmarshal([]byte(s), &u); err != nil {
		return nil, err
	}
	return &u, nil
}
