package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/nanogw/nanogw/internal"
	"github.com/nanogw/nanogw/internal/storage"
)

// SessionAuth authenticates requests whose bearer token is a session id
// (any credential that is not an "sk-" api-key secret but parses as a
// UUID). Session negotiation itself (OAuth/NEAR/VPC) happens upstream of
// the gateway; this type only validates a session that already exists.
type SessionAuth struct {
	sessions storage.SessionStore
}

// NewSessionAuth returns a new SessionAuth backed by sessions.
func NewSessionAuth(sessions storage.SessionStore) *SessionAuth {
	return &SessionAuth{sessions: sessions}
}

// Authenticate extracts a Bearer token, parses it as a UUID, validates it
// against the session store, and returns a session Principal.
func (a *SessionAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.Principal, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return nil, gateway.ErrUnauthorized
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, gateway.ErrUnauthorized
	}

	sess, err := a.sessions.GetSession(ctx, id.String())
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrSessionNotFound
		}
		return nil, err
	}

	if sess.ExpiresAt.Before(time.Now()) {
		return nil, gateway.ErrSessionNotFound
	}

	return &gateway.Principal{
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		ExpiresAt:  &sess.ExpiresAt,
		Role:       "member",
		Perms:      gateway.RolePermissions["member"],
		AuthMethod: "session",
	}, nil
}
