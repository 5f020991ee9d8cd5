// Package gateway defines domain types and interfaces for the nanogw LLM
// gateway. Its only project import is internal/money; every other internal
// package builds on it.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nanogw/nanogw/internal/money"
)

// --- Provider ---

// Provider is the interface that all LLM provider adapters must implement.
// Capability methods beyond chat/embeddings live in the optional interfaces
// below (ImageProvider, AudioProvider, ...): the pool type-asserts the
// model's one provider and returns ErrProviderError when it lacks one.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string
	// ChatCompletion sends a non-streaming chat completion request.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// ChatCompletionStream sends a streaming chat completion request.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	// Embeddings generates embeddings for input text.
	Embeddings(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
	// ListModels returns the list of available model IDs.
	ListModels(ctx context.Context) ([]string, error)
	// HealthCheck verifies connectivity to the provider.
	HealthCheck(ctx context.Context) error
}

// SignatureProvider is implemented by providers running in a verifiable
// (TEE-backed) environment that can produce a cryptographic signature over
// a completed chat exchange.
type SignatureProvider interface {
	// GetSignature fetches the chat signature for a previously completed
	// chat/response id. Returns ErrNotFound if none has been produced yet.
	GetSignature(ctx context.Context, chatID string) (*ChatSignature, error)
}

// AttestingProvider is implemented by providers that can produce a
// per-model attestation report.
type AttestingProvider interface {
	GetAttestationReport(ctx context.Context, model, signingAlgo, nonce, signingAddress string) (json.RawMessage, error)
}

// ImageProvider is implemented by providers supporting image generation
// and editing.
type ImageProvider interface {
	ImageGeneration(ctx context.Context, req *ImageRequest) (*ImageResponse, error)
	ImageEdit(ctx context.Context, req *ImageRequest) (*ImageResponse, error)
}

// AudioProvider is implemented by providers supporting speech-to-text and
// text-to-speech.
type AudioProvider interface {
	AudioTranscription(ctx context.Context, req *AudioTranscriptionRequest) (*AudioTranscriptionResponse, error)
	AudioSpeech(ctx context.Context, req *AudioSpeechRequest) ([]byte, string, error)
}

// TextCompletionProvider is implemented by providers supporting the legacy
// text-completion endpoint.
type TextCompletionProvider interface {
	TextCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
}

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Data  []byte // raw SSE data line, forwarded as-is when possible
	Usage *Usage // non-nil on final chunk
	Done  bool
	Err   error
}

// EmbeddingRequest represents an OpenAI-compatible embedding request.
type EmbeddingRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	User           string          `json:"user,omitempty"`
}

// EmbeddingResponse represents an OpenAI-compatible embedding response.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
	Model  string          `json:"model"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// ImageRequest represents an image generation/edit request.
type ImageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n,omitempty"`
	Size   string `json:"size,omitempty"`
	Image  []byte `json:"-"` // present for edits
}

// ImageResponse represents an image generation/edit response.
type ImageResponse struct {
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

// AudioTranscriptionRequest represents a speech-to-text request.
type AudioTranscriptionRequest struct {
	Model    string `json:"model"`
	Audio    []byte `json:"-"`
	Filename string `json:"-"`
	Language string `json:"language,omitempty"`
}

// AudioTranscriptionResponse represents a speech-to-text response.
type AudioTranscriptionResponse struct {
	Text string `json:"text"`
}

// AudioSpeechRequest represents a text-to-speech request. MaxTTSChars
// bounds Input per spec (4096 characters).
const MaxTTSChars = 4096

type AudioSpeechRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
	Voice string `json:"voice"`
}

// --- Multi-tenant identity ---

// AccountType distinguishes a human-operated key from one minted for
// machine-to-machine use.
type AccountType string

const (
	AccountTypeUser           AccountType = "user"
	AccountTypeServiceAccount AccountType = "service_account"
)

// Organization represents a top-level tenant.
type Organization struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	IsActive        bool            `json:"is_active"`
	Settings        json.RawMessage `json:"settings,omitempty"`
	ConcurrentLimit *int            `json:"concurrent_limit,omitempty"` // per (org,model) semaphore capacity; nil = default 64
	CreatedAt       time.Time       `json:"created_at"`
}

// Workspace is a subdivision within an organization; every api-key and
// response belongs to exactly one workspace.
type Workspace struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
}

// ApiKey represents an API key for authentication. The secret itself is
// never stored; only its SHA-256 hash is. Format: "sk-" + 32 chars, 35 in total.
type ApiKey struct {
	ID              string        `json:"id"`
	WorkspaceID     string        `json:"workspace_id"`
	CreatedByUserID string        `json:"created_by_user_id,omitempty"`
	AccountType     AccountType   `json:"account_type"`
	KeyHash         string        `json:"-"` // SHA-256 hex, never exposed
	KeyPrefix       string        `json:"key_prefix"`
	SpendLimit      *money.Amount `json:"spend_limit,omitempty"`
	ExpiresAt       *time.Time    `json:"expires_at,omitempty"`
	IsActive        bool          `json:"is_active"`
	LastUsedAt      *time.Time    `json:"last_used_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// APIKeyPrefix is the prefix for all nanogw API key secrets.
const APIKeyPrefix = "sk-"

// APIKeySecretLen is the total length (including prefix) of a valid
// generated secret, per spec's format rule.
const APIKeySecretLen = 35

// HashKey returns the hex-encoded SHA-256 hash of a raw API key secret.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// Principal is the immutable, request-scoped identity produced by the
// identity layer (L1): either an authenticated api-key resolved through
// its workspace/organization, or a session principal. Lifetime: one
// request.
type Principal struct {
	// Api-key path.
	APIKeyID        string      `json:"api_key_id,omitempty"`
	WorkspaceID     string      `json:"workspace_id,omitempty"`
	OrganizationID  string      `json:"organization_id"`
	AccountType     AccountType `json:"account_type,omitempty"`
	CreatedByUserID string      `json:"created_by_user_id,omitempty"`

	// Session path.
	SessionID string     `json:"session_id,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	Role       string     `json:"role"`
	Perms      Permission `json:"-"`
	AuthMethod string     `json:"auth_method"` // "apikey" or "session"

	// AllowedModels, when non-nil, restricts which canonical models or
	// aliases this principal may call; nil means "all active models".
	AllowedModels []string `json:"allowed_models,omitempty"`
}

// IsModelAllowed reports whether the principal may call the given model
// name (canonical name or alias). A nil/empty AllowedModels means no
// restriction.
func (p *Principal) IsModelAllowed(model string) bool {
	if p == nil || len(p.AllowedModels) == 0 {
		return true
	}
	for _, m := range p.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// Session is a server-side record backing the session-token authentication
// path (anything parseable as a UUID that isn't an "sk-" api-key secret).
// OAuth/NEAR/VPC negotiation that produces a session is out of scope here;
// this type only covers validating one that already exists.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// --- RBAC ---

// Permission is a bitmask representing authorization capabilities.
type Permission uint32

const (
	PermUseModels       Permission = 1 << iota // call /v1/chat/completions, /v1/embeddings, ...
	PermManageOwnKeys                          // create/delete own API keys
	PermViewOwnUsage                           // view own usage stats
	PermViewAllUsage                           // view org-wide usage
	PermManageAllKeys                          // manage any key in the org
	PermManageProviders                        // configure upstream providers
	PermManageRoutes                           // configure model/route catalog
	PermManageOrgs                             // manage orgs and workspaces
)

// Can reports whether the principal has the given permission.
func (p *Principal) Can(perm Permission) bool { return p.Perms&perm == perm }

// RolePermissions maps role names to their permission bitmasks.
var RolePermissions = map[string]Permission{
	"admin":           PermUseModels | PermManageOwnKeys | PermViewOwnUsage | PermViewAllUsage | PermManageAllKeys | PermManageProviders | PermManageRoutes | PermManageOrgs,
	"member":          PermUseModels | PermManageOwnKeys | PermViewOwnUsage,
	"viewer":          PermViewOwnUsage | PermViewAllUsage,
	"service_account": PermUseModels,
}

// --- Provider config (stored in DB) ---

// ProviderConfig represents a configured upstream LLM provider.
type ProviderConfig struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Type      string   `json:"type"` // "openai", "anthropic", "gemini", "bedrock", "vertex", "ollama"
	BaseURL   string   `json:"base_url"`
	APIKeyEnc string   `json:"-"` // encrypted upstream credential; never serialized
	Models    []string `json:"models"`
	Priority  int      `json:"priority"`
	Weight    int      `json:"weight"`
	Enabled   bool     `json:"enabled"`
	MaxRPS    int      `json:"max_rps"`
	TimeoutMs int      `json:"timeout_ms"`
}

// --- Model catalog (L3) ---

// Model is the canonical catalog record: pricing, context length, and
// active flag. All prices use fixed-point scale 9 (nano-USD per token).
type Model struct {
	ID               string       `json:"id"`
	ProviderID       string       `json:"provider_id"` // key into provider.Registry
	CanonicalName    string       `json:"canonical_name"`
	DisplayName      string       `json:"display_name"`
	Description      string       `json:"description,omitempty"`
	InputCostAmount  money.Amount `json:"input_cost_amount"`
	OutputCostAmount money.Amount `json:"output_cost_amount"`
	CostScale        int          `json:"cost_scale"` // always money.Scale (9)
	CostCurrency     string       `json:"cost_currency"`
	ContextLength    int          `json:"context_length"`
	Verifiable       bool         `json:"verifiable"`
	IsActive         bool         `json:"is_active"`
}

// ModelAlias maps an alternate name to a canonical model id.
type ModelAlias struct {
	AliasName     string `json:"alias_name"`
	CanonicalID   string `json:"canonical_model_id"`
}

// --- Organization limits & balance ---

// OrgLimitsHistory is an append-only ledger: exactly one row per
// organization has EffectiveUntil == nil ("current").
type OrgLimitsHistory struct {
	ID              string       `json:"id"`
	OrganizationID  string       `json:"organization_id"`
	SpendLimit      *money.Amount `json:"spend_limit,omitempty"`
	EffectiveFrom   time.Time    `json:"effective_from"`
	EffectiveUntil  *time.Time   `json:"effective_until,omitempty"`
	ChangedBy       string       `json:"changed_by,omitempty"`
	ChangeReason    string       `json:"change_reason,omitempty"`
}

// OrgBalance is derived-but-materialized spend/usage accounting, updated
// by the usage pipeline on every recorded request.
type OrgBalance struct {
	OrganizationID   string       `json:"organization_id"`
	TotalSpentAmount money.Amount `json:"total_spent_amount"`
	TotalRequests    int64        `json:"total_requests"`
	TotalTokens      int64        `json:"total_tokens"`
	LastUsageAt      *time.Time   `json:"last_usage_at,omitempty"`
}

// CreditResult is the outcome of a credit/spend-limit admission check.
type CreditResult struct {
	Kind      CreditResultKind `json:"kind"`
	Remaining money.Amount     `json:"remaining,omitempty"`
	Spent     money.Amount     `json:"spent,omitempty"`
	Limit     money.Amount     `json:"limit,omitempty"`
}

// CreditResultKind enumerates the closed set of credit-check outcomes.
type CreditResultKind string

const (
	CreditAllowed       CreditResultKind = "allowed"
	CreditLimitExceeded CreditResultKind = "limit_exceeded"
	CreditNoCredits     CreditResultKind = "no_credits"
	CreditNoLimitSet    CreditResultKind = "no_limit_set"
)

// --- Response / conversation state (L6) ---

// ResponseStatus is the closed set of Response lifecycle states.
type ResponseStatus string

const (
	ResponseQueued     ResponseStatus = "queued"
	ResponseInProgress ResponseStatus = "in_progress"
	ResponseCompleted  ResponseStatus = "completed"
	ResponseCancelled  ResponseStatus = "cancelled"
	ResponseFailed     ResponseStatus = "failed"
)

// Terminal reports whether the status is write-once terminal.
func (s ResponseStatus) Terminal() bool {
	return s == ResponseCompleted || s == ResponseCancelled || s == ResponseFailed
}

// Response is the persisted record of one completion/responses-API call.
type Response struct {
	ID             string          `json:"id"` // resp_<uuid>
	WorkspaceID    string          `json:"workspace_id"`
	APIKeyID       string          `json:"api_key_id"`
	ConversationID *string         `json:"conversation_id,omitempty"`
	Model          string          `json:"model"`
	Status         ResponseStatus  `json:"status"`
	InputMessages  json.RawMessage `json:"input_messages"`
	OutputMessage  json.RawMessage `json:"output_message,omitempty"`
	Usage          *Usage          `json:"usage,omitempty"`
	StopReason     StopReason      `json:"stop_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ResponseItemKind is the closed set of ResponseItem variants.
type ResponseItemKind string

const (
	ItemKindMessage       ResponseItemKind = "message"
	ItemKindWebSearchCall ResponseItemKind = "web_search_call"
	ItemKindMcpCall        ResponseItemKind = "mcp_call"
)

// ResponseItem is one turn/event belonging to a Response, optionally
// addressable within a conversation. Item is the kind-tagged JSON payload
// (Message{role,content} / WebSearchCall{status,action} / McpCall{...}).
type ResponseItem struct {
	ID             string           `json:"id"` // msg_<uuid>
	ResponseID     string           `json:"response_id"`
	ConversationID *string          `json:"conversation_id,omitempty"`
	APIKeyID       string           `json:"api_key_id"`
	Kind           ResponseItemKind `json:"kind"`
	Item           json.RawMessage  `json:"item"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Conversation groups responses under shared metadata, with one
// idempotently-ensured structural root response per workspace.
type Conversation struct {
	ID            string          `json:"id"` // conv_<uuid>
	WorkspaceID   string          `json:"workspace_id"`
	APIKeyID      string          `json:"api_key_id"`
	Metadata      json.RawMessage `json:"metadata"`
	PinnedAt      *time.Time      `json:"pinned_at,omitempty"`
	ArchivedAt    *time.Time      `json:"archived_at,omitempty"`
	DeletedAt     *time.Time      `json:"deleted_at,omitempty"`
	ClonedFromID  *string         `json:"cloned_from_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// --- Files ---

// FilePurpose is the closed set of reasons a file was uploaded, mirroring
// the OpenAI Files API vocabulary.
type FilePurpose string

const (
	FilePurposeAssistants FilePurpose = "assistants"
	FilePurposeBatch      FilePurpose = "batch"
	FilePurposeFineTune   FilePurpose = "fine-tune"
	FilePurposeVision     FilePurpose = "vision"
	FilePurposeUserData   FilePurpose = "user_data"
	FilePurposeEvals      FilePurpose = "evals"
)

// ValidFilePurpose reports whether p is one of the known purposes.
func ValidFilePurpose(p string) bool {
	switch FilePurpose(p) {
	case FilePurposeAssistants, FilePurposeBatch, FilePurposeFineTune, FilePurposeVision, FilePurposeUserData, FilePurposeEvals:
		return true
	default:
		return false
	}
}

// MaxFileBytes bounds a single upload; larger bodies are rejected before
// any bytes reach the blob store.
const MaxFileBytes = 512 << 20

// File is the persisted metadata row for an uploaded blob. The blob itself
// lives in a content-addressed FileBlobStore keyed by StorageKey; this row
// never carries the bytes.
type File struct {
	ID          string      `json:"id"` // file_<uuid>
	WorkspaceID string      `json:"workspace_id"`
	APIKeyID    string      `json:"api_key_id"`
	Filename    string      `json:"filename"`
	Purpose     FilePurpose `json:"purpose"`
	MimeType    string      `json:"mime_type"`
	Bytes       int64       `json:"bytes"`
	StorageKey  string      `json:"-"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// --- Attestation ---

// ChatSignature is a cryptographic signature over a completed chat
// exchange, fetched lazily from the upstream provider after the stream
// completes, and stored keyed by response/chat id.
type ChatSignature struct {
	ChatID         string `json:"chat_id"`
	Text           string `json:"text"`
	Signature      string `json:"signature"`
	SigningAddress string `json:"signing_address"`
	SigningAlgo    string `json:"signing_algo"`
}

// AttestationReport carries zero or more per-model provider attestations.
// No gateway TEE quote is produced: GatewayAttestation is always JSON null.
type AttestationReport struct {
	GatewayAttestation json.RawMessage   `json:"gateway_attestation"`
	AllAttestations    []json.RawMessage `json:"all_attestations"`
}

// --- Usage accounting (L7) ---

// StopReason is the closed set of terminal stream classifications.
type StopReason string

const (
	StopCompleted        StopReason = "completed"
	StopLength           StopReason = "length"
	StopContentFilter    StopReason = "content_filter"
	StopClientDisconnect StopReason = "client_disconnect"
	StopProviderError    StopReason = "provider_error"
	StopTimeout          StopReason = "timeout"
	StopToolCalls        StopReason = "tool_calls"
	StopStop             StopReason = "stop"
	StopRateLimited      StopReason = "rate_limited"
	StopOther            StopReason = "other"
)

// UsageLogEntry is one immutable accounting row written by the usage
// pipeline. ResponseID links it to its response; rows are not deduplicated
// by ResponseID, so each UsagePipeline.Record call writes its own row.
type UsageLogEntry struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organization_id"`
	WorkspaceID    string       `json:"workspace_id"`
	APIKeyID       string       `json:"api_key_id"`
	ResponseID     string       `json:"response_id,omitempty"`
	ModelID        string       `json:"model_id"`
	InputTokens    int          `json:"input_tokens"`
	OutputTokens   int          `json:"output_tokens"`
	TotalTokens    int          `json:"total_tokens"`
	CostAmount     money.Amount `json:"cost_amount"`
	CostScale      int          `json:"cost_scale"`
	CostCurrency   string       `json:"cost_currency"`
	RequestType    string       `json:"request_type"`
	StopReason     StopReason   `json:"stop_reason"`
	TTFTMillis     *int64       `json:"ttft_ms,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Principal field is set later by the authenticate middleware via
// mutation of the same pointer, avoiding a second context.WithValue +
// Request.WithContext.
type requestMeta struct {
	RequestID string
	Principal *Principal
	BodyHash  string
	BodyBytes []byte
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// PrincipalFromContext extracts the authenticated principal from context.
func PrincipalFromContext(ctx context.Context) *Principal {
	if m := metaFromContext(ctx); m != nil {
		return m.Principal
	}
	return nil
}

// IdentityFromContext is an alias of PrincipalFromContext kept for call
// sites that still speak in terms of "identity".
func IdentityFromContext(ctx context.Context) *Principal { return PrincipalFromContext(ctx) }

// ContextWithPrincipal stores the principal in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to
// creating new metadata if none exists (e.g., in tests).
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Principal = p
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Principal: p})
}

// ContextWithIdentity is an alias of ContextWithPrincipal.
func ContextWithIdentity(ctx context.Context, p *Principal) context.Context {
	return ContextWithPrincipal(ctx, p)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.RequestID = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// BodyHashFromContext extracts the SHA-256 hex body hash computed by the
// body_hash middleware, or "" if absent (e.g. GET requests).
func BodyHashFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.BodyHash
	}
	return ""
}

// ContextWithBodyHash stores the body hash and raw body bytes.
func ContextWithBodyHash(ctx context.Context, hash string, body []byte) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.BodyHash = hash
		m.BodyBytes = body
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{BodyHash: hash, BodyBytes: body})
}

// --- Native passthrough ---

// NativeProxy is an optional interface that providers can implement to
// support raw HTTP passthrough. The gateway authenticates and routes the
// request, then delegates the raw HTTP exchange to the provider. Checked
// via type assertion.
type NativeProxy interface {
	// ProxyRequest forwards a raw HTTP request to the provider's API.
	// path is the provider-relative path (e.g. "/messages").
	ProxyRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error
}

// --- Authenticator interface ---

// Authenticator validates request credentials and returns the caller
// principal.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Principal, error)
}
