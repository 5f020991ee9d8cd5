package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/nanogw/nanogw/internal"
)

// GetSession resolves a session token to its user/expiry record.
func (s *Store) GetSession(ctx context.Context, id string) (*gateway.Session, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, user_id, expires_at, created_at FROM sessions WHERE id=?`, id,
	)
	var sess gateway.Session
	var expiresAt, createdAt sql.NullString
	if err := row.Scan(&sess.ID, &sess.UserID, &expiresAt, &createdAt); err != nil {
		return nil, notFoundErr(err)
	}
	if t := parseTime(expiresAt); t != nil {
		sess.ExpiresAt = *t
	}
	if t := parseTime(createdAt); t != nil {
		sess.CreatedAt = *t
	}
	return &sess, nil
}
