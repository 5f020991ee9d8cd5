package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	gateway "github.com/nanogw/nanogw/internal"
	"github.com/nanogw/nanogw/internal/money"
)

// fakeKeyStore is a minimal inline fake for testing KeyManager.
type fakeKeyStore struct {
	created  *gateway.ApiKey
	deleted  string
	createFn func(context.Context, *gateway.ApiKey) error
	deleteFn func(context.Context, string) error
}

func (s *fakeKeyStore) CreateKey(ctx context.Context, key *gateway.ApiKey) error {
	if s.createFn != nil {
		return s.createFn(ctx, key)
	}
	s.created = key
	return nil
}
func (s *fakeKeyStore) GetKeyByHash(context.Context, string) (*gateway.ApiKey, error) {
	return nil, gateway.ErrNotFound
}
func (s *fakeKeyStore) ListKeys(context.Context, string, int, int) ([]*gateway.ApiKey, error) {
	return nil, nil
}
func (s *fakeKeyStore) UpdateKey(context.Context, *gateway.ApiKey) error { return nil }
func (s *fakeKeyStore) DeleteKey(ctx context.Context, id string) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, id)
	}
	s.deleted = id
	return nil
}
func (s *fakeKeyStore) TouchKeyUsed(context.Context, string) error { return nil }

func TestCreateKey_Basic(t *testing.T) {
	t.Parallel()

	store := &fakeKeyStore{}
	km := NewKeyManager(store)

	plaintext, key, err := km.CreateKey(context.Background(), "ws-1", gateway.AccountTypeUser, "user-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(plaintext, gateway.APIKeyPrefix) {
		t.Errorf("plaintext should have %s prefix, got %q", gateway.APIKeyPrefix, plaintext)
	}
	if len(plaintext) != gateway.APIKeySecretLen {
		t.Errorf("len(plaintext) = %d, want %d", len(plaintext), gateway.APIKeySecretLen)
	}
	if key.KeyHash != gateway.HashKey(plaintext) {
		t.Error("key hash should match HashKey(plaintext)")
	}
	if key.WorkspaceID != "ws-1" {
		t.Errorf("workspace_id = %q, want ws-1", key.WorkspaceID)
	}
	if !key.IsActive {
		t.Error("new key should be active")
	}
	if store.created == nil {
		t.Error("store.CreateKey should have been called")
	}
}

func TestCreateKey_WithSpendLimit(t *testing.T) {
	t.Parallel()

	store := &fakeKeyStore{}
	km := NewKeyManager(store)

	limit, err := money.FromUSD(25, 0)
	if err != nil {
		t.Fatal(err)
	}

	_, key, err := km.CreateKey(context.Background(), "ws-2", gateway.AccountTypeServiceAccount, "", &limit)
	if err != nil {
		t.Fatal(err)
	}
	if key.AccountType != gateway.AccountTypeServiceAccount {
		t.Errorf("account_type = %q, want service_account", key.AccountType)
	}
	if key.SpendLimit == nil || *key.SpendLimit != limit {
		t.Errorf("spend_limit = %v, want %v", key.SpendLimit, limit)
	}
}

func TestCreateKey_StoreError(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("db failure")
	store := &fakeKeyStore{
		createFn: func(context.Context, *gateway.ApiKey) error { return storeErr },
	}
	km := NewKeyManager(store)

	_, _, err := km.CreateKey(context.Background(), "ws-1", gateway.AccountTypeUser, "", nil)
	if !errors.Is(err, storeErr) {
		t.Errorf("err = %v, want %v", err, storeErr)
	}
}

func TestDeleteKey(t *testing.T) {
	t.Parallel()

	store := &fakeKeyStore{}
	km := NewKeyManager(store)

	if err := km.DeleteKey(context.Background(), "key-123"); err != nil {
		t.Fatal(err)
	}
	if store.deleted != "key-123" {
		t.Errorf("deleted = %q, want key-123", store.deleted)
	}
}

func TestDeleteKey_StoreError(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("delete failed")
	store := &fakeKeyStore{
		deleteFn: func(context.Context, string) error { return storeErr },
	}
	km := NewKeyManager(store)

	err := km.DeleteKey(context.Background(), "key-123")
	if !errors.Is(err, storeErr) {
		t.Errorf("err = %v, want %v", err, storeErr)
	}
}
