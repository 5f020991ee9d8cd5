package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nanogw/nanogw/internal/money"

	gateway "github.com/nanogw/nanogw/internal"
)

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, key *gateway.ApiKey) error {
	accountType := key.AccountType
	if accountType == "" {
		accountType = gateway.AccountTypeUser
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, workspace_id, created_by_user_id, account_type, key_hash,
		 key_prefix, spend_limit, expires_at, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.WorkspaceID, nullStr(key.CreatedByUserID), string(accountType),
		key.KeyHash, key.KeyPrefix, spendLimitToNull(key.SpendLimit),
		timeToStr(key.ExpiresAt), boolToInt(key.IsActive), key.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetKeyByHash retrieves an API key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.ApiKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, workspace_id, created_by_user_id, account_type, key_hash, key_prefix,
		 spend_limit, expires_at, is_active, last_used_at, created_at
		 FROM api_keys WHERE key_hash = ?`, hash,
	)
	return scanKey(row)
}

// ListKeys returns API keys for a workspace.
func (s *Store) ListKeys(ctx context.Context, workspaceID string, offset, limit int) ([]*gateway.ApiKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, workspace_id, created_by_user_id, account_type, key_hash, key_prefix,
		 spend_limit, expires_at, is_active, last_used_at, created_at
		 FROM api_keys WHERE workspace_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		workspaceID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.ApiKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey updates an existing API key.
func (s *Store) UpdateKey(ctx context.Context, key *gateway.ApiKey) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET spend_limit=?, expires_at=?, is_active=? WHERE id=?`,
		spendLimitToNull(key.SpendLimit), timeToStr(key.ExpiresAt), boolToInt(key.IsActive), key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey removes an API key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

// GetKey retrieves an API key by its ID.
func (s *Store) GetKey(ctx context.Context, id string) (*gateway.ApiKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, workspace_id, created_by_user_id, account_type, key_hash, key_prefix,
		 spend_limit, expires_at, is_active, last_used_at, created_at
		 FROM api_keys WHERE id = ?`, id,
	)
	return scanKey(row)
}

// CountKeys returns the total number of API keys for a workspace.
func (s *Store) CountKeys(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE workspace_id = ?`, workspaceID,
	).Scan(&n)
	return n, err
}

func scanKey(s scanner) (*gateway.ApiKey, error) {
	var k gateway.ApiKey
	var createdByUserID sql.NullString
	var accountType string
	var spendLimit sql.NullInt64
	var expiresAt, lastUsedAt, createdAt sql.NullString
	var isActive int

	err := s.Scan(
		&k.ID, &k.WorkspaceID, &createdByUserID, &accountType, &k.KeyHash, &k.KeyPrefix,
		&spendLimit, &expiresAt, &isActive, &lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.CreatedByUserID = createdByUserID.String
	k.AccountType = gateway.AccountType(accountType)
	if k.AccountType == "" {
		k.AccountType = gateway.AccountTypeUser
	}
	if spendLimit.Valid {
		amt := money.FromInt64(spendLimit.Int64)
		k.SpendLimit = &amt
	}
	k.IsActive = isActive != 0
	k.ExpiresAt = parseTime(expiresAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}

func spendLimitToNull(a *money.Amount) sql.NullInt64 {
	if a == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: a.Int64(), Valid: true}
}

// helpers

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	// Check for empty slice
	if s, ok := v.([]string); ok && len(s) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	return s, nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}
