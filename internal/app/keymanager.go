// Package app implements application-level services for the nanogw LLM gateway.
package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	gateway "github.com/nanogw/nanogw/internal"
	"github.com/nanogw/nanogw/internal/money"
	"github.com/nanogw/nanogw/internal/storage"
)

// secretRandBytes is sized so base64 raw-url-encoding produces exactly
// gateway.APIKeySecretLen-len(gateway.APIKeyPrefix) characters with no
// padding: 24 bytes -> 32 chars (24 is a multiple of 3).
const secretRandBytes = 24

// KeyManager handles API key lifecycle (create, delete).
type KeyManager struct {
	store storage.APIKeyStore
}

// NewKeyManager returns a KeyManager backed by store.
func NewKeyManager(store storage.APIKeyStore) *KeyManager {
	return &KeyManager{store: store}
}

// CreateKey generates a new "sk-"-prefixed API key secret for the given
// workspace, stores its hash, and returns the plaintext (shown once) along
// with the persisted ApiKey record.
func (km *KeyManager) CreateKey(ctx context.Context, workspaceID string, accountType gateway.AccountType, createdByUserID string, spendLimit *money.Amount) (string, *gateway.ApiKey, error) {
	raw := make([]byte, secretRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}

	plaintext := gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	hash := gateway.HashKey(plaintext)

	key := &gateway.ApiKey{
		ID:              uuid.New().String(),
		WorkspaceID:     workspaceID,
		CreatedByUserID: createdByUserID,
		AccountType:     accountType,
		KeyHash:         hash,
		KeyPrefix:       plaintext[:8],
		SpendLimit:      spendLimit,
		IsActive:        true,
		CreatedAt:       time.Now().UTC(),
	}

	if err := km.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}

	return plaintext, key, nil
}

// DeleteKey removes the API key with the given ID.
func (km *KeyManager) DeleteKey(ctx context.Context, id string) error {
	return km.store.DeleteKey(ctx, id)
}
