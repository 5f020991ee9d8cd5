// Package auth implements credential authentication for the gateway.
// API keys are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/nanogw/nanogw/internal"
	"github.com/nanogw/nanogw/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// APIKeyAuth authenticates requests using API keys with the "sk-" prefix.
// It caches resolved keys in an otter W-TinyLFU cache for fast lookups.
type APIKeyAuth struct {
	keys        storage.APIKeyStore
	orgs        storage.OrgStore
	cache       *otter.Cache[string, *gateway.ApiKey]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

// NewAPIKeyAuth returns a new APIKeyAuth backed by keys and orgs.
func NewAPIKeyAuth(keys storage.APIKeyStore, orgs storage.OrgStore) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.ApiKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.ApiKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{keys: keys, orgs: orgs, cache: c}, nil
}

// Authenticate extracts a Bearer token from the Authorization header,
// validates it against the store, and returns the caller's Principal.
// Only keys with the "sk-" prefix are handled; all others return ErrUnauthorized.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.Principal, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return nil, gateway.ErrUnauthorized
	}

	if !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return nil, gateway.ErrUnauthorized
	}

	hash := gateway.HashKey(raw)

	// Check cache first.
	if key, ok := a.cache.GetIfPresent(hash); ok {
		if !key.IsActive {
			return nil, gateway.ErrKeyBlocked
		}
		if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
			a.cache.Invalidate(hash)
			return nil, gateway.ErrKeyExpired
		}
		return a.buildPrincipal(ctx, key)
	}

	key, err := a.keys.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash against
	// the computed hash. The DB lookup already matched, but this guards against
	// hypothetical SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.ErrUnauthorized
	}

	if !key.IsActive {
		return nil, gateway.ErrKeyBlocked
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, gateway.ErrKeyExpired
	}

	a.cache.Set(hash, key)
	a.keyIDToHash.Store(key.ID, hash)

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.keys.TouchKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	return a.buildPrincipal(ctx, key)
}

// InvalidateByKeyID removes a cached API key by its key ID.
// Used when admin operations (block, update, delete) modify a key.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// buildPrincipal constructs a Principal from a validated API key, resolving
// its workspace to find the owning organization.
func (a *APIKeyAuth) buildPrincipal(ctx context.Context, key *gateway.ApiKey) (*gateway.Principal, error) {
	ws, err := a.orgs.GetWorkspace(ctx, key.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace for key %s: %w", key.ID, err)
	}

	role := "member"
	if key.AccountType == gateway.AccountTypeServiceAccount {
		role = "service_account"
	}

	return &gateway.Principal{
		APIKeyID:        key.ID,
		WorkspaceID:     key.WorkspaceID,
		OrganizationID:  ws.OrganizationID,
		AccountType:     key.AccountType,
		CreatedByUserID: key.CreatedByUserID,
		Role:            role,
		Perms:           gateway.RolePermissions[role],
		AuthMethod:      "apikey",
	}, nil
}
