package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gateway "github.com/nanogw/nanogw/internal"
)

// fakeKeyStore is a minimal in-memory APIKeyStore for auth tests.
type fakeKeyStore struct {
	mu      sync.RWMutex
	keys    map[string]*gateway.ApiKey // hash -> key
	touched map[string]int             // id -> touch count
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{
		keys:    make(map[string]*gateway.ApiKey),
		touched: make(map[string]int),
	}
}

func (s *fakeKeyStore) addKey(raw string, key *gateway.ApiKey) {
	key.KeyHash = gateway.HashKey(raw)
	s.mu.Lock()
	s.keys[key.KeyHash] = key
	s.mu.Unlock()
}

func (s *fakeKeyStore) CreateKey(_ context.Context, key *gateway.ApiKey) error {
	s.mu.Lock()
	s.keys[key.KeyHash] = key
	s.mu.Unlock()
	return nil
}

func (s *fakeKeyStore) GetKeyByHash(_ context.Context, hash string) (*gateway.ApiKey, error) {
	s.mu.RLock()
	k, ok := s.keys[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return k, nil
}

func (s *fakeKeyStore) ListKeys(context.Context, string, int, int) ([]*gateway.ApiKey, error) {
	return nil, nil
}
func (s *fakeKeyStore) UpdateKey(context.Context, *gateway.ApiKey) error { return nil }
func (s *fakeKeyStore) DeleteKey(context.Context, string) error         { return nil }

func (s *fakeKeyStore) TouchKeyUsed(_ context.Context, id string) error {
	s.mu.Lock()
	s.touched[id]++
	s.mu.Unlock()
	return nil
}

func (s *fakeKeyStore) touchCount(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.touched[id]
}

// fakeOrgStore resolves a single fixed workspace -> organization mapping.
type fakeOrgStore struct {
	workspaces map[string]*gateway.Workspace
}

func newFakeOrgStore() *fakeOrgStore {
	return &fakeOrgStore{workspaces: map[string]*gateway.Workspace{
		"ws-1": {ID: "ws-1", OrganizationID: "org-1", Name: "default"},
	}}
}

func (s *fakeOrgStore) CreateOrg(context.Context, *gateway.Organization) error { return nil }
func (s *fakeOrgStore) GetOrg(context.Context, string) (*gateway.Organization, error) {
	return nil, gateway.ErrNotFound
}
func (s *fakeOrgStore) ListOrgs(context.Context, int, int) ([]*gateway.Organization, error) {
	return nil, nil
}
func (s *fakeOrgStore) UpdateOrg(context.Context, *gateway.Organization) error { return nil }
func (s *fakeOrgStore) DeleteOrg(context.Context, string) error               { return nil }
func (s *fakeOrgStore) CreateWorkspace(context.Context, *gateway.Workspace) error {
	return nil
}
func (s *fakeOrgStore) GetWorkspace(_ context.Context, id string) (*gateway.Workspace, error) {
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return ws, nil
}
func (s *fakeOrgStore) ListWorkspaces(context.Context, string, int, int) ([]*gateway.Workspace, error) {
	return nil, nil
}
func (s *fakeOrgStore) UpdateWorkspace(context.Context, *gateway.Workspace) error { return nil }
func (s *fakeOrgStore) DeleteWorkspace(context.Context, string) error            { return nil }

const testKey = "sk-test_key_12345678901234567890abc"

func newTestAuth(t *testing.T) (*APIKeyAuth, *fakeKeyStore) {
	t.Helper()
	store := newFakeKeyStore()
	auth, err := NewAPIKeyAuth(store, newFakeOrgStore())
	if err != nil {
		t.Fatal(err)
	}
	return auth, store
}

func makeRequest(key string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	if key != "" {
		r.Header.Set("Authorization", "Bearer "+key)
	}
	return r
}

func TestAuthenticate_ValidKey(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addKey(testKey, &gateway.ApiKey{
		ID:          "key-1",
		KeyPrefix:   "sk-test_key",
		WorkspaceID: "ws-1",
		IsActive:    true,
	})

	p, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.OrganizationID != "org-1" {
		t.Errorf("OrganizationID = %q, want org-1", p.OrganizationID)
	}
	if p.WorkspaceID != "ws-1" {
		t.Errorf("WorkspaceID = %q, want ws-1", p.WorkspaceID)
	}
	if p.APIKeyID != "key-1" {
		t.Errorf("APIKeyID = %q, want key-1", p.APIKeyID)
	}
	if p.Role != "member" {
		t.Errorf("Role = %q, want member", p.Role)
	}
	if p.AuthMethod != "apikey" {
		t.Errorf("AuthMethod = %q, want apikey", p.AuthMethod)
	}
	if !p.Can(gateway.PermUseModels) {
		t.Error("member should have PermUseModels")
	}
}

func TestAuthenticate_CacheHit(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addKey(testKey, &gateway.ApiKey{
		ID:          "key-1",
		KeyPrefix:   "sk-test_key",
		WorkspaceID: "ws-1",
		IsActive:    true,
	})

	// First call populates cache.
	_, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if err != nil {
		t.Fatal(err)
	}

	// Remove from store -- second call should hit cache.
	store.mu.Lock()
	delete(store.keys, gateway.HashKey(testKey))
	store.mu.Unlock()

	p, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if err != nil {
		t.Fatalf("cache miss: %v", err)
	}
	if p.OrganizationID != "org-1" {
		t.Errorf("OrganizationID = %q, want org-1", p.OrganizationID)
	}
}

func TestAuthenticate_NoAuthHeader(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	_, err := auth.Authenticate(context.Background(), makeRequest(""))
	if err != gateway.ErrUnauthorized {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticate_NonBearerToken(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err := auth.Authenticate(context.Background(), r)
	if err != gateway.ErrUnauthorized {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticate_WrongPrefix(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	_, err := auth.Authenticate(context.Background(), makeRequest("gnd-not-a-nanogw-key"))
	if err != gateway.ErrUnauthorized {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticate_KeyNotFound(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	_, err := auth.Authenticate(context.Background(), makeRequest("sk-unknown_key_does_not_exist"))
	if err != gateway.ErrUnauthorized {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticate_BlockedKey(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addKey(testKey, &gateway.ApiKey{
		ID:          "key-blocked",
		KeyPrefix:   "sk-test_key",
		WorkspaceID: "ws-1",
		IsActive:    false,
	})

	_, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if err != gateway.ErrKeyBlocked {
		t.Errorf("err = %v, want ErrKeyBlocked", err)
	}
}

func TestAuthenticate_BlockedKeyCached(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addKey(testKey, &gateway.ApiKey{
		ID:          "key-blocked-cache",
		KeyPrefix:   "sk-test_key",
		WorkspaceID: "ws-1",
		IsActive:    false,
	})

	// First call is rejected; a blocked key is never put in the cache.
	auth.Authenticate(context.Background(), makeRequest(testKey))

	// Second call misses the cache, reloads the key and is rejected again.
	_, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if err != gateway.ErrKeyBlocked {
		t.Errorf("err = %v, want ErrKeyBlocked", err)
	}
}

func TestAuthenticate_ExpiredKey(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	expired := time.Now().Add(-1 * time.Hour)
	store.addKey(testKey, &gateway.ApiKey{
		ID:          "key-expired",
		KeyPrefix:   "sk-test_key",
		WorkspaceID: "ws-1",
		IsActive:    true,
		ExpiresAt:   &expired,
	})

	_, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if err != gateway.ErrKeyExpired {
		t.Errorf("err = %v, want ErrKeyExpired", err)
	}
}

func TestAuthenticate_ExpiredKeyCacheInvalidation(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	future := time.Now().Add(1 * time.Hour)
	store.addKey(testKey, &gateway.ApiKey{
		ID:          "key-will-expire",
		KeyPrefix:   "sk-test_key",
		WorkspaceID: "ws-1",
		IsActive:    true,
		ExpiresAt:   &future,
	})

	// First call succeeds and caches.
	_, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if err != nil {
		t.Fatal(err)
	}

	// Mutate the cached key's expiry to the past (simulates time passing).
	hash := gateway.HashKey(testKey)
	if cached, ok := auth.cache.GetIfPresent(hash); ok {
		past := time.Now().Add(-1 * time.Hour)
		cached.ExpiresAt = &past
	}

	// Next call should detect expiry from cache and invalidate.
	_, err = auth.Authenticate(context.Background(), makeRequest(testKey))
	if err != gateway.ErrKeyExpired {
		t.Errorf("err = %v, want ErrKeyExpired", err)
	}

	// Cache should be invalidated.
	if _, ok := auth.cache.GetIfPresent(hash); ok {
		t.Error("expired key should be evicted from cache")
	}
}

func TestAuthenticate_TouchKeyUsed(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addKey(testKey, &gateway.ApiKey{
		ID:          "key-touch",
		KeyPrefix:   "sk-test_key",
		WorkspaceID: "ws-1",
		IsActive:    true,
	})

	_, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if err != nil {
		t.Fatal(err)
	}

	// TouchKeyUsed runs in a goroutine; give it a moment.
	time.Sleep(50 * time.Millisecond)
	if n := store.touchCount("key-touch"); n != 1 {
		t.Errorf("touch count = %d, want 1", n)
	}
}

func TestBuildPrincipal_ServiceAccountRole(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addKey(testKey, &gateway.ApiKey{
		ID:          "key-svc",
		KeyPrefix:   "sk-svc_key",
		WorkspaceID: "ws-1",
		AccountType: gateway.AccountTypeServiceAccount,
		IsActive:    true,
	})

	p, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if err != nil {
		t.Fatal(err)
	}
	if p.Role != "service_account" {
		t.Errorf("Role = %q, want service_account", p.Role)
	}
	if p.Perms != gateway.RolePermissions["service_account"] {
		t.Errorf("Perms = %v, want service_account perms", p.Perms)
	}
	if p.Can(gateway.PermManageOwnKeys) {
		t.Error("service_account should not have PermManageOwnKeys")
	}
}

func TestAuthenticate_UnknownWorkspace(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addKey(testKey, &gateway.ApiKey{
		ID:          "key-orphan",
		KeyPrefix:   "sk-test_key",
		WorkspaceID: "ws-does-not-exist",
		IsActive:    true,
	})

	if _, err := auth.Authenticate(context.Background(), makeRequest(testKey)); err == nil {
		t.Error("expected error resolving an unknown workspace")
	}
}
