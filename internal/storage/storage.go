// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/nanogw/nanogw/internal"
)

// APIKeyStore manages API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.ApiKey) error
	GetKeyByHash(ctx context.Context, hash string) (*gateway.ApiKey, error)
	ListKeys(ctx context.Context, workspaceID string, offset, limit int) ([]*gateway.ApiKey, error)
	UpdateKey(ctx context.Context, key *gateway.ApiKey) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// ProviderStore manages provider configuration persistence.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *gateway.ProviderConfig) error
	GetProvider(ctx context.Context, id string) (*gateway.ProviderConfig, error)
	ListProviders(ctx context.Context) ([]*gateway.ProviderConfig, error)
	UpdateProvider(ctx context.Context, p *gateway.ProviderConfig) error
	DeleteProvider(ctx context.Context, id string) error
}

// ModelStore manages the canonical model catalog and its aliases (L3).
// app.ModelResolver looks a name up in the canonical table first, then in
// the aliases; the provider pool (L4) routes on the resolved
// Model.ProviderID and sends Model.CanonicalName upstream.
type ModelStore interface {
	CreateModel(ctx context.Context, m *gateway.Model) error
	GetModelByName(ctx context.Context, canonicalName string) (*gateway.Model, error)
	GetModelByAlias(ctx context.Context, alias string) (*gateway.Model, error)
	ListModels(ctx context.Context, activeOnly bool) ([]*gateway.Model, error)
	UpdateModel(ctx context.Context, m *gateway.Model) error
	DeleteModel(ctx context.Context, id string) error
	UpsertAlias(ctx context.Context, a *gateway.ModelAlias) error
	DeleteAlias(ctx context.Context, aliasName string) error
}

// UsageStore manages usage log persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, entries []gateway.UsageLogEntry) error
	SumUsageCost(ctx context.Context, keyID string) (int64, error)
	GetCostsByResponseIDs(ctx context.Context, ids []string) (map[string]int64, error)
}

// OrgStore manages organization and workspace persistence.
type OrgStore interface {
	CreateOrg(ctx context.Context, org *gateway.Organization) error
	GetOrg(ctx context.Context, id string) (*gateway.Organization, error)
	ListOrgs(ctx context.Context, offset, limit int) ([]*gateway.Organization, error)
	UpdateOrg(ctx context.Context, org *gateway.Organization) error
	DeleteOrg(ctx context.Context, id string) error
	CreateWorkspace(ctx context.Context, ws *gateway.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*gateway.Workspace, error)
	ListWorkspaces(ctx context.Context, orgID string, offset, limit int) ([]*gateway.Workspace, error)
	UpdateWorkspace(ctx context.Context, ws *gateway.Workspace) error
	DeleteWorkspace(ctx context.Context, id string) error
}

// OrgLimitsStore manages the organization spend-limit history ledger.
// Exactly one row per organization has EffectiveUntil == nil at any time.
type OrgLimitsStore interface {
	UpdateLimits(ctx context.Context, h *gateway.OrgLimitsHistory) (*gateway.OrgLimitsHistory, error)
	GetCurrentLimits(ctx context.Context, orgID string) (*gateway.OrgLimitsHistory, error)
	ListLimitsHistory(ctx context.Context, orgID string, offset, limit int) ([]*gateway.OrgLimitsHistory, error)
}

// OrgBalanceStore manages the materialized per-organization spend/usage
// balance updated by the usage pipeline.
type OrgBalanceStore interface {
	GetBalance(ctx context.Context, orgID string) (*gateway.OrgBalance, error)
	ApplyUsage(ctx context.Context, orgID string, cost int64, tokens int64) error
}

// ResponseStore manages Response persistence (L6).
type ResponseStore interface {
	CreateResponse(ctx context.Context, r *gateway.Response) error
	GetResponse(ctx context.Context, id string) (*gateway.Response, error)
	UpdateResponse(ctx context.Context, r *gateway.Response) error
}

// ResponseItemStore manages ResponseItem persistence (L6).
type ResponseItemStore interface {
	CreateItem(ctx context.Context, item *gateway.ResponseItem) error
	ListItemsByConversation(ctx context.Context, conversationID string, after string, limit int) ([]*gateway.ResponseItem, error)
}

// ConversationStore manages Conversation persistence and the idempotent
// root-response upsert (L6).
type ConversationStore interface {
	CreateConversation(ctx context.Context, c *gateway.Conversation) error
	GetConversation(ctx context.Context, id string) (*gateway.Conversation, error)
	ReplaceConversationMetadata(ctx context.Context, id string, metadata []byte) error
	DeleteConversation(ctx context.Context, id string) error
	// EnsureRootResponse idempotently inserts the structural root response
	// row for a conversation (unique on conversation_id) and returns its
	// response id, whether it was just created or already existed.
	EnsureRootResponse(ctx context.Context, conversationID, workspaceID, apiKeyID string) (string, error)
}

// ChatSignatureStore manages attestation chat-signature persistence (L7).
type ChatSignatureStore interface {
	GetChatSignature(ctx context.Context, chatID string) (*gateway.ChatSignature, error)
	PutChatSignature(ctx context.Context, sig *gateway.ChatSignature) error
}

// FileStore manages uploaded-file metadata persistence (L6). The blob
// itself is held by a separate FileBlobStore, keyed by File.StorageKey.
type FileStore interface {
	CreateFile(ctx context.Context, f *gateway.File) error
	GetFile(ctx context.Context, id string) (*gateway.File, error)
	ListFiles(ctx context.Context, workspaceID string, offset, limit int) ([]*gateway.File, error)
	DeleteFile(ctx context.Context, id string) error
}

// SessionStore validates session tokens for the L1 session-token
// authentication path. Session creation/negotiation (OAuth, NEAR, VPC) is
// an external collaborator; this store only resolves an existing session.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*gateway.Session, error)
}

// Store combines all storage interfaces.
type Store interface {
	APIKeyStore
	ProviderStore
	ModelStore
	UsageStore
	OrgStore
	OrgLimitsStore
	OrgBalanceStore
	ResponseStore
	ResponseItemStore
	ConversationStore
	ChatSignatureStore
	SessionStore
	FileStore
	Close() error
}
