package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/nanogw/nanogw/internal"
)

// CreateFile inserts a new uploaded-file metadata row.
func (s *Store) CreateFile(ctx context.Context, f *gateway.File) error {
	var expiresAt sql.NullString
	if f.ExpiresAt != nil {
		expiresAt = sql.NullString{String: f.ExpiresAt.UTC().Format(time.RFC3339), Valid: true}
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO files (id, workspace_id, api_key_id, filename, purpose, mime_type,
		 bytes, storage_key, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.WorkspaceID, f.APIKeyID, f.Filename, string(f.Purpose), f.MimeType,
		f.Bytes, f.StorageKey, expiresAt, f.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetFile retrieves file metadata by id.
func (s *Store) GetFile(ctx context.Context, id string) (*gateway.File, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, workspace_id, api_key_id, filename, purpose, mime_type,
		 bytes, storage_key, expires_at, created_at
		 FROM files WHERE id=?`, id,
	)
	return scanFile(row)
}

// ListFiles returns a workspace's uploaded files, newest first.
func (s *Store) ListFiles(ctx context.Context, workspaceID string, offset, limit int) ([]*gateway.File, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, workspace_id, api_key_id, filename, purpose, mime_type,
		 bytes, storage_key, expires_at, created_at
		 FROM files WHERE workspace_id=? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		workspaceID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*gateway.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// DeleteFile removes a file's metadata row. The caller is responsible for
// also deleting the underlying blob from the FileBlobStore.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM files WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "file")
}

func scanFile(s scanner) (*gateway.File, error) {
	var f gateway.File
	var purpose string
	var expiresAt, createdAt sql.NullString

	err := s.Scan(
		&f.ID, &f.WorkspaceID, &f.APIKeyID, &f.Filename, &purpose, &f.MimeType,
		&f.Bytes, &f.StorageKey, &expiresAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	f.Purpose = gateway.FilePurpose(purpose)
	f.ExpiresAt = parseTime(expiresAt)
	if t := parseTime(createdAt); t != nil {
		f.CreatedAt = *t
	}
	return &f, nil
}
