// Package testutil provides in-memory fakes of the storage and auth
// interfaces shared across server/app/worker tests.
package testutil

import (
	"context"
	"sync"

	gateway "github.com/nanogw/nanogw/internal"
	"github.com/nanogw/nanogw/internal/money"
)

// FakeStore is an in-memory implementation of storage.Store for tests that
// need a full gateway.Store without a database.
type FakeStore struct {
	mu sync.Mutex

	keys       map[string]*gateway.ApiKey // by id
	providers  map[string]*gateway.ProviderConfig
	models     map[string]*gateway.Model // by canonical name
	aliases    map[string]string         // alias -> canonical name
	usage      []gateway.UsageLogEntry
	orgs       map[string]*gateway.Organization
	workspaces map[string]*gateway.Workspace
	limits     map[string]*gateway.OrgLimitsHistory // current, by org id
	balances   map[string]*gateway.OrgBalance
	responses  map[string]*gateway.Response
	items      map[string][]*gateway.ResponseItem // by conversation id
	convs      map[string]*gateway.Conversation
	sigs       map[string]*gateway.ChatSignature
	sessions   map[string]*gateway.Session
	files      map[string]*gateway.File
}

// NewFakeStore returns an empty FakeStore ready for use.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		keys:       make(map[string]*gateway.ApiKey),
		providers:  make(map[string]*gateway.ProviderConfig),
		models:     make(map[string]*gateway.Model),
		aliases:    make(map[string]string),
		orgs:       make(map[string]*gateway.Organization),
		workspaces: make(map[string]*gateway.Workspace),
		limits:     make(map[string]*gateway.OrgLimitsHistory),
		balances:   make(map[string]*gateway.OrgBalance),
		responses:  make(map[string]*gateway.Response),
		items:      make(map[string][]*gateway.ResponseItem),
		convs:      make(map[string]*gateway.Conversation),
		sigs:       make(map[string]*gateway.ChatSignature),
		sessions:   make(map[string]*gateway.Session),
		files:      make(map[string]*gateway.File),
	}
}

// --- APIKeyStore ---

func (s *FakeStore) CreateKey(_ context.Context, key *gateway.ApiKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *FakeStore) GetKeyByHash(_ context.Context, hash string) (*gateway.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.KeyHash == hash {
			return k, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListKeys(_ context.Context, workspaceID string, offset, limit int) ([]*gateway.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*gateway.ApiKey
	for _, k := range s.keys {
		if workspaceID == "" || k.WorkspaceID == workspaceID {
			out = append(out, k)
		}
	}
	return paginate(out, offset, limit), nil
}

func (s *FakeStore) UpdateKey(_ context.Context, key *gateway.ApiKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.keys[key.ID] = key
	return nil
}

func (s *FakeStore) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.keys, id)
	return nil
}

func (s *FakeStore) TouchKeyUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return gateway.ErrNotFound
	}
	return nil
}

// --- ProviderStore ---

func (s *FakeStore) CreateProvider(_ context.Context, p *gateway.ProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ID] = p
	return nil
}

func (s *FakeStore) GetProvider(_ context.Context, id string) (*gateway.ProviderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return p, nil
}

func (s *FakeStore) ListProviders(_ context.Context) ([]*gateway.ProviderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*gateway.ProviderConfig, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p)
	}
	return out, nil
}

func (s *FakeStore) UpdateProvider(_ context.Context, p *gateway.ProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[p.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.providers[p.ID] = p
	return nil
}

func (s *FakeStore) DeleteProvider(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.providers, id)
	return nil
}

// --- ModelStore ---

func (s *FakeStore) CreateModel(_ context.Context, m *gateway.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[m.CanonicalName] = m
	return nil
}

func (s *FakeStore) GetModelByName(_ context.Context, canonicalName string) (*gateway.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[canonicalName]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return m, nil
}

func (s *FakeStore) GetModelByAlias(_ context.Context, alias string) (*gateway.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.aliases[alias]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	m, ok := s.models[name]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return m, nil
}

func (s *FakeStore) ListModels(_ context.Context, activeOnly bool) ([]*gateway.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*gateway.Model, 0, len(s.models))
	for _, m := range s.models {
		if activeOnly && !m.IsActive {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *FakeStore) UpdateModel(_ context.Context, m *gateway.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[m.CanonicalName]; !ok {
		return gateway.ErrNotFound
	}
	s.models[m.CanonicalName] = m
	return nil
}

func (s *FakeStore) DeleteModel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, m := range s.models {
		if m.ID == id {
			delete(s.models, name)
			return nil
		}
	}
	return gateway.ErrNotFound
}

func (s *FakeStore) UpsertAlias(_ context.Context, a *gateway.ModelAlias) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, m := range s.models {
		if m.ID == a.CanonicalID {
			s.aliases[a.AliasName] = name
			return nil
		}
	}
	return gateway.ErrNotFound
}

func (s *FakeStore) DeleteAlias(_ context.Context, aliasName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.aliases[aliasName]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.aliases, aliasName)
	return nil
}

// --- UsageStore ---

func (s *FakeStore) InsertUsage(_ context.Context, entries []gateway.UsageLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, entries...)
	return nil
}

func (s *FakeStore) SumUsageCost(_ context.Context, keyID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, e := range s.usage {
		if e.APIKeyID == keyID {
			total += int64(e.CostAmount)
		}
	}
	return total, nil
}

func (s *FakeStore) GetCostsByResponseIDs(_ context.Context, ids []string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make(map[string]int64)
	for _, e := range s.usage {
		if e.ResponseID != "" && want[e.ResponseID] {
			out[e.ResponseID] += int64(e.CostAmount)
		}
	}
	return out, nil
}

// --- OrgStore ---

func (s *FakeStore) CreateOrg(_ context.Context, org *gateway.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[org.ID] = org
	return nil
}

func (s *FakeStore) GetOrg(_ context.Context, id string) (*gateway.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return org, nil
}

func (s *FakeStore) ListOrgs(_ context.Context, offset, limit int) ([]*gateway.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*gateway.Organization, 0, len(s.orgs))
	for _, org := range s.orgs {
		out = append(out, org)
	}
	return paginate(out, offset, limit), nil
}

func (s *FakeStore) UpdateOrg(_ context.Context, org *gateway.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.orgs[org.ID] = org
	return nil
}

func (s *FakeStore) DeleteOrg(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.orgs, id)
	return nil
}

func (s *FakeStore) CreateWorkspace(_ context.Context, ws *gateway.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[ws.ID] = ws
	return nil
}

func (s *FakeStore) GetWorkspace(_ context.Context, id string) (*gateway.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return ws, nil
}

func (s *FakeStore) ListWorkspaces(_ context.Context, orgID string, offset, limit int) ([]*gateway.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*gateway.Workspace
	for _, ws := range s.workspaces {
		if orgID == "" || ws.OrganizationID == orgID {
			out = append(out, ws)
		}
	}
	return paginate(out, offset, limit), nil
}

func (s *FakeStore) UpdateWorkspace(_ context.Context, ws *gateway.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[ws.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.workspaces[ws.ID] = ws
	return nil
}

func (s *FakeStore) DeleteWorkspace(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.workspaces, id)
	return nil
}

// --- OrgLimitsStore ---

func (s *FakeStore) UpdateLimits(_ context.Context, h *gateway.OrgLimitsHistory) (*gateway.OrgLimitsHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[h.OrganizationID] = h
	return h, nil
}

func (s *FakeStore) GetCurrentLimits(_ context.Context, orgID string) (*gateway.OrgLimitsHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.limits[orgID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return h, nil
}

func (s *FakeStore) ListLimitsHistory(_ context.Context, orgID string, offset, limit int) ([]*gateway.OrgLimitsHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*gateway.OrgLimitsHistory
	if h, ok := s.limits[orgID]; ok {
		out = append(out, h)
	}
	return paginate(out, offset, limit), nil
}

// --- OrgBalanceStore ---

func (s *FakeStore) GetBalance(_ context.Context, orgID string) (*gateway.OrgBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[orgID]
	if !ok {
		return &gateway.OrgBalance{OrganizationID: orgID}, nil
	}
	return b, nil
}

func (s *FakeStore) ApplyUsage(_ context.Context, orgID string, cost int64, tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[orgID]
	if !ok {
		b = &gateway.OrgBalance{OrganizationID: orgID}
		s.balances[orgID] = b
	}
	b.TotalSpentAmount += money.Amount(cost)
	b.TotalRequests++
	b.TotalTokens += tokens
	return nil
}

// --- ResponseStore ---

func (s *FakeStore) CreateResponse(_ context.Context, r *gateway.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[r.ID] = r
	return nil
}

func (s *FakeStore) GetResponse(_ context.Context, id string) (*gateway.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.responses[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return r, nil
}

func (s *FakeStore) UpdateResponse(_ context.Context, r *gateway.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.responses[r.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.responses[r.ID] = r
	return nil
}

// --- ResponseItemStore ---

func (s *FakeStore) CreateItem(_ context.Context, item *gateway.ResponseItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ConversationID == nil {
		return nil
	}
	s.items[*item.ConversationID] = append(s.items[*item.ConversationID], item)
	return nil
}

func (s *FakeStore) ListItemsByConversation(_ context.Context, conversationID string, after string, limit int) ([]*gateway.ResponseItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.items[conversationID]
	if after == "" {
		return clipItems(all, limit), nil
	}
	for i, it := range all {
		if it.ID == after {
			return clipItems(all[i+1:], limit), nil
		}
	}
	return clipItems(all, limit), nil
}

// --- ConversationStore ---

func (s *FakeStore) CreateConversation(_ context.Context, c *gateway.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[c.ID] = c
	return nil
}

func (s *FakeStore) GetConversation(_ context.Context, id string) (*gateway.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return c, nil
}

func (s *FakeStore) ReplaceConversationMetadata(_ context.Context, id string, metadata []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return gateway.ErrNotFound
	}
	c.Metadata = metadata
	return nil
}

func (s *FakeStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.convs, id)
	return nil
}

func (s *FakeStore) EnsureRootResponse(_ context.Context, conversationID, workspaceID, apiKeyID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.responses {
		if r.ConversationID != nil && *r.ConversationID == conversationID {
			return r.ID, nil
		}
	}
	id := "resp_" + conversationID + "_root"
	s.responses[id] = &gateway.Response{
		ID:             id,
		WorkspaceID:    workspaceID,
		APIKeyID:       apiKeyID,
		ConversationID: &conversationID,
		Status:         gateway.ResponseCompleted,
	}
	return id, nil
}

// --- ChatSignatureStore ---

func (s *FakeStore) GetChatSignature(_ context.Context, chatID string) (*gateway.ChatSignature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.sigs[chatID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return sig, nil
}

func (s *FakeStore) PutChatSignature(_ context.Context, sig *gateway.ChatSignature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sigs[sig.ChatID] = sig
	return nil
}

// --- SessionStore ---

func (s *FakeStore) GetSession(_ context.Context, id string) (*gateway.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return sess, nil
}

// PutSession is a test-only helper, not part of storage.SessionStore.
func (s *FakeStore) PutSession(sess *gateway.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// --- FileStore ---

func (s *FakeStore) CreateFile(_ context.Context, f *gateway.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.ID] = f
	return nil
}

func (s *FakeStore) GetFile(_ context.Context, id string) (*gateway.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return f, nil
}

func (s *FakeStore) ListFiles(_ context.Context, workspaceID string, offset, limit int) ([]*gateway.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*gateway.File
	for _, f := range s.files {
		if f.WorkspaceID == workspaceID {
			out = append(out, f)
		}
	}
	return paginate(out, offset, limit), nil
}

func (s *FakeStore) DeleteFile(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.files, id)
	return nil
}

func (s *FakeStore) Close() error { return nil }

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

func clipItems(items []*gateway.ResponseItem, limit int) []*gateway.ResponseItem {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
