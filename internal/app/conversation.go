package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	gateway "github.com/nanogw/nanogw/internal"
	"github.com/nanogw/nanogw/internal/storage"
)

// ConversationService manages conversation grouping and the response/item
// records that hang off it (L6). A conversation's structural root response
// is created idempotently the first time a caller references it.
type ConversationService struct {
	conversations storage.ConversationStore
	responses     storage.ResponseStore
	items         storage.ResponseItemStore
}

// NewConversationService returns a ConversationService backed by store.
func NewConversationService(store storage.Store) *ConversationService {
	return &ConversationService{conversations: store, responses: store, items: store}
}

// Create starts a new conversation for the given principal and ensures its
// structural root response exists.
func (c *ConversationService) Create(ctx context.Context, principal *gateway.Principal, metadata json.RawMessage) (*gateway.Conversation, error) {
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}
	conv := &gateway.Conversation{
		ID:          "conv_" + uuid.Must(uuid.NewV7()).String(),
		WorkspaceID: principal.WorkspaceID,
		APIKeyID:    principal.APIKeyID,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := c.conversations.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if _, err := c.conversations.EnsureRootResponse(ctx, conv.ID, principal.WorkspaceID, principal.APIKeyID); err != nil {
		return nil, fmt.Errorf("ensure root response: %w", err)
	}
	return conv, nil
}

// Get returns the conversation with the given id.
func (c *ConversationService) Get(ctx context.Context, id string) (*gateway.Conversation, error) {
	return c.conversations.GetConversation(ctx, id)
}

// Delete removes a conversation. Its responses/items are left in place for
// billing audit; only the conversation grouping row is deleted.
func (c *ConversationService) Delete(ctx context.Context, id string) error {
	return c.conversations.DeleteConversation(ctx, id)
}

// ListItems returns the page of response items belonging to a conversation,
// ordered oldest-first, starting after the item with id "after" (empty for
// the first page).
func (c *ConversationService) ListItems(ctx context.Context, conversationID, after string, limit int) ([]*gateway.ResponseItem, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return c.items.ListItemsByConversation(ctx, conversationID, after, limit)
}

// ResponseService runs the Responses-API lifecycle: create (dispatch to a
// provider via the pool and persist the result), fetch, and cancel. models
// and usage back the streaming path's cost computation and billing; both may
// be nil in tests that only exercise the synchronous Create path.
type ResponseService struct {
	responses storage.ResponseStore
	items     storage.ResponseItemStore
	proxy     *ProviderPool
	models    *ModelResolver
	usage     *UsagePipeline
}

// NewResponseService returns a ResponseService backed by store and proxy.
// models and usage feed the streaming engine's cost computation and billing
// pipeline (see CreateStream); pass nil for either in tests that don't need
// them -- the streaming path then skips usage recording.
func NewResponseService(store storage.Store, proxy *ProviderPool, models *ModelResolver, usage *UsagePipeline) *ResponseService {
	return &ResponseService{responses: store, items: store, proxy: proxy, models: models, usage: usage}
}

// Create synchronously runs a chat completion and persists it as a
// Response plus its output ResponseItem. conversationID is optional.
func (s *ResponseService) Create(ctx context.Context, principal *gateway.Principal, req *gateway.ChatRequest, conversationID *string) (*gateway.Response, *gateway.ChatResponse, error) {
	inputMessages, err := json.Marshal(req.Messages)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal input messages: %w", err)
	}

	resp := &gateway.Response{
		ID:             "resp_" + uuid.Must(uuid.NewV7()).String(),
		WorkspaceID:    principal.WorkspaceID,
		APIKeyID:       principal.APIKeyID,
		ConversationID: conversationID,
		Model:          req.Model,
		Status:         gateway.ResponseInProgress,
		InputMessages:  inputMessages,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := s.responses.CreateResponse(ctx, resp); err != nil {
		return nil, nil, fmt.Errorf("create response: %w", err)
	}

	chatResp, err := s.proxy.ChatCompletion(ctx, principal.OrganizationID, req)
	if err != nil {
		resp.Status = gateway.ResponseFailed
		resp.UpdatedAt = time.Now().UTC()
		_ = s.responses.UpdateResponse(ctx, resp)
		return resp, nil, err
	}

	outputMessage, err := json.Marshal(chatResp.Choices)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal output message: %w", err)
	}

	resp.Status = gateway.ResponseCompleted
	resp.OutputMessage = outputMessage
	resp.Usage = chatResp.Usage
	resp.StopReason = gateway.StopCompleted
	resp.UpdatedAt = time.Now().UTC()
	if err := s.responses.UpdateResponse(ctx, resp); err != nil {
		return nil, nil, fmt.Errorf("update response: %w", err)
	}

	item := &gateway.ResponseItem{
		ID:             "msg_" + uuid.Must(uuid.NewV7()).String(),
		ResponseID:     resp.ID,
		ConversationID: conversationID,
		APIKeyID:       principal.APIKeyID,
		Kind:           gateway.ItemKindMessage,
		Item:           outputMessage,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.items.CreateItem(ctx, item); err != nil {
		return nil, nil, fmt.Errorf("create response item: %w", err)
	}

	return resp, chatResp, nil
}

// Get returns the response with the given id.
func (s *ResponseService) Get(ctx context.Context, id string) (*gateway.Response, error) {
	return s.responses.GetResponse(ctx, id)
}

// Cancel transitions a response to cancelled. Returns ErrResponseTerminal
// if it is already in a terminal state -- Terminal is write-once.
func (s *ResponseService) Cancel(ctx context.Context, id string) (*gateway.Response, error) {
	resp, err := s.responses.GetResponse(ctx, id)
	if err != nil {
		return nil, err
	}
	if resp.Status.Terminal() {
		return nil, gateway.ErrResponseTerminal
	}
	resp.Status = gateway.ResponseCancelled
	resp.StopReason = gateway.StopClientDisconnect
	resp.UpdatedAt = time.Now().UTC()
	if err := s.responses.UpdateResponse(ctx, resp); err != nil {
		return nil, fmt.Errorf("update response: %w", err)
	}
	return resp, nil
}
