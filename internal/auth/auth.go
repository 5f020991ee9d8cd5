package auth

import (
	"context"
	"net/http"
	"strings"

	gateway "github.com/nanogw/nanogw/internal"
)

// Dispatcher routes a request to the api-key or session authenticator
// based on the credential's format: "sk-" + length 35 is an api-key,
// anything else is handed to the session authenticator to parse as a UUID.
type Dispatcher struct {
	apiKeys  *APIKeyAuth
	sessions *SessionAuth
}

// NewDispatcher returns a Dispatcher combining apiKeys and sessions.
func NewDispatcher(apiKeys *APIKeyAuth, sessions *SessionAuth) *Dispatcher {
	return &Dispatcher{apiKeys: apiKeys, sessions: sessions}
}

// Authenticate implements gateway.Authenticator.
func (d *Dispatcher) Authenticate(ctx context.Context, r *http.Request) (*gateway.Principal, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return nil, gateway.ErrUnauthorized
	}

	if strings.HasPrefix(raw, gateway.APIKeyPrefix) && len(raw) == gateway.APIKeySecretLen {
		return d.apiKeys.Authenticate(ctx, r)
	}
	return d.sessions.Authenticate(ctx, r)
}

// InvalidateByKeyID removes a cached API key by its key ID.
func (d *Dispatcher) InvalidateByKeyID(keyID string) {
	d.apiKeys.InvalidateByKeyID(keyID)
}
