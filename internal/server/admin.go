package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/nanogw/nanogw/internal"
	"github.com/nanogw/nanogw/internal/money"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		writeJSON(w, status, errorResponse("not found"))
	case errors.Is(err, gateway.ErrConflict):
		writeJSON(w, status, errorResponse("conflict"))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, errorResponse("internal error"))
	}
}

// --- Pagination helpers ---
//
// The storage layer has no row-count methods (unlike the teacher's admin
// store, which backed every list endpoint with a matching Count query), so
// Total here is just len(data) -- accurate for the page returned, not the
// full collection. Good enough for an admin surface; callers that need a
// real total must page until a short page comes back.

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// resolveOrgID returns the org_id from the query string, defaulting to the
// caller's org. Writes 403 and returns "" if the requested org differs.
func resolveOrgID(w http.ResponseWriter, r *http.Request) (string, bool) {
	principal := gateway.PrincipalFromContext(r.Context())
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		orgID = principal.OrganizationID
	}
	if orgID != principal.OrganizationID {
		writeJSON(w, http.StatusForbidden, errorResponse("cannot access resources outside your organization"))
		return "", false
	}
	return orgID, true
}

// parseExpiresAt parses an optional RFC3339 expires_at string pointer.
// Writes 400 and returns false on invalid format.
func parseExpiresAt(w http.ResponseWriter, raw *string) (*time.Time, bool) {
	if raw == nil {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid expires_at format"))
		return nil, false
	}
	return &t, true
}

// --- Providers ---

func (s *server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.deps.Store.ListProviders(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list providers"))
		return
	}
	if providers == nil {
		providers = []*gateway.ProviderConfig{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       providers,
		Pagination: pagination{Offset: 0, Limit: len(providers), Total: len(providers)},
	})
}

func (s *server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var p gateway.ProviderConfig
	if !decodeJSON(w, r, &p) {
		return
	}
	p.APIKeyEnc = "" // defense-in-depth: strip even though json:"-"
	if p.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	if p.ID == "" {
		p.ID = p.Name
	}
	if err := s.deps.Store.CreateProvider(r.Context(), &p); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/v1/providers/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (s *server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.deps.Store.GetProvider(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var p gateway.ProviderConfig
	if !decodeJSON(w, r, &p) {
		return
	}
	p.APIKeyEnc = "" // defense-in-depth: strip even though json:"-"
	p.ID = id
	if err := s.deps.Store.UpdateProvider(r.Context(), &p); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteProvider(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Model catalog & aliases ---
//
// Replaces the teacher's Route CRUD: the routing unit here is a single
// Model row pointing at one ProviderID, plus a separate alias table
// (app.ModelResolver checks aliases before the canonical table).

func (s *server) handleListModelCatalog(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	models, err := s.deps.Store.ListModels(r.Context(), activeOnly)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list models"))
		return
	}
	if models == nil {
		models = []*gateway.Model{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       models,
		Pagination: pagination{Offset: 0, Limit: len(models), Total: len(models)},
	})
}

func (s *server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	var m gateway.Model
	if !decodeJSON(w, r, &m) {
		return
	}
	if m.CanonicalName == "" || m.ProviderID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("canonical_name and provider_id are required"))
		return
	}
	m.CostScale = money.Scale
	if m.CostCurrency == "" {
		m.CostCurrency = money.Currency
	}
	if err := s.deps.Store.CreateModel(r.Context(), &m); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/v1/models/"+m.CanonicalName)
	writeJSON(w, http.StatusCreated, m)
}

// handleGetModel looks up by canonical name -- the catalog has no
// get-by-id lookup, only get-by-name and get-by-alias.
func (s *server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	m, err := s.deps.Store.GetModelByName(r.Context(), name)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *server) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	existing, err := s.deps.Store.GetModelByName(r.Context(), name)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	var m gateway.Model
	if !decodeJSON(w, r, &m) {
		return
	}
	m.ID = existing.ID
	m.CanonicalName = existing.CanonicalName
	m.CostScale = money.Scale
	if m.CostCurrency == "" {
		m.CostCurrency = money.Currency
	}
	if err := s.deps.Store.UpdateModel(r.Context(), &m); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.Models != nil {
		s.deps.Models.Invalidate(m.CanonicalName)
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteModel(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleUpsertAlias(w http.ResponseWriter, r *http.Request) {
	var a gateway.ModelAlias
	if !decodeJSON(w, r, &a) {
		return
	}
	if a.AliasName == "" || a.CanonicalID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("alias_name and canonical_model_id are required"))
		return
	}
	if err := s.deps.Store.UpsertAlias(r.Context(), &a); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.Models != nil {
		s.deps.Models.Invalidate(a.AliasName)
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleDeleteAlias(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.deps.Store.DeleteAlias(r.Context(), name); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Keys ---

// keyCreateRequest is the payload for creating a new API key.
type keyCreateRequest struct {
	WorkspaceID     string  `json:"workspace_id"`
	CreatedByUserID string  `json:"created_by_user_id,omitempty"`
	AccountType     string  `json:"account_type,omitempty"` // "user" | "service_account"
	SpendLimit      *int64  `json:"spend_limit_nano_usd,omitempty"`
	ExpiresAt       *string `json:"expires_at,omitempty"` // RFC3339
}

// keyCreateResponse includes the plaintext key (shown only once).
type keyCreateResponse struct {
	*gateway.ApiKey
	PlaintextKey string `json:"key"`
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("workspace_id is required"))
		return
	}
	offset, limit := parsePagination(r)

	keys, err := s.deps.Store.ListKeys(r.Context(), workspaceID, offset, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list keys"))
		return
	}
	if keys == nil {
		keys = []*gateway.ApiKey{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       keys,
		Pagination: pagination{Offset: offset, Limit: limit, Total: len(keys)},
	})
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.WorkspaceID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("workspace_id is required"))
		return
	}
	accountType := gateway.AccountTypeUser
	if req.AccountType != "" {
		accountType = gateway.AccountType(req.AccountType)
	}
	if accountType != gateway.AccountTypeUser && accountType != gateway.AccountTypeServiceAccount {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid account_type"))
		return
	}

	var spendLimit *money.Amount
	if req.SpendLimit != nil {
		amt := money.FromInt64(*req.SpendLimit)
		spendLimit = &amt
	}

	plaintext, key, err := s.deps.Keys.CreateKey(r.Context(), req.WorkspaceID, accountType, req.CreatedByUserID, spendLimit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if req.ExpiresAt != nil {
		expiresAt, ok := parseExpiresAt(w, req.ExpiresAt)
		if !ok {
			return
		}
		key.ExpiresAt = expiresAt
		if err := s.deps.Store.UpdateKey(r.Context(), key); err != nil {
			writeAdminError(w, r, err)
			return
		}
	}

	w.Header().Set("Location", "/admin/v1/keys/"+key.ID)
	writeJSON(w, http.StatusCreated, keyCreateResponse{
		ApiKey:       key,
		PlaintextKey: plaintext,
	})
}

// handleUpdateKey replaces the stored key record wholesale: the store has
// no get-by-id lookup to merge a partial patch against, so the caller must
// submit the full record (as returned by list/create) with the fields it
// wants changed.
func (s *server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var key gateway.ApiKey
	if !decodeJSON(w, r, &key) {
		return
	}
	key.ID = id
	if err := s.deps.Store.UpdateKey(r.Context(), &key); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.KeyInvalidator != nil {
		s.deps.KeyInvalidator.InvalidateByKeyID(id)
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteKey(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.KeyInvalidator != nil {
		s.deps.KeyInvalidator.InvalidateByKeyID(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Organizations & workspaces ---

func (s *server) handleListOrgs(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	orgs, err := s.deps.Store.ListOrgs(r.Context(), offset, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list organizations"))
		return
	}
	if orgs == nil {
		orgs = []*gateway.Organization{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       orgs,
		Pagination: pagination{Offset: offset, Limit: limit, Total: len(orgs)},
	})
}

func (s *server) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	var org gateway.Organization
	if !decodeJSON(w, r, &org) {
		return
	}
	if org.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	org.IsActive = true
	if err := s.deps.Store.CreateOrg(r.Context(), &org); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/v1/orgs/"+org.ID)
	writeJSON(w, http.StatusCreated, org)
}

func (s *server) handleGetOrg(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	org, err := s.deps.Store.GetOrg(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (s *server) handleUpdateOrg(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var org gateway.Organization
	if !decodeJSON(w, r, &org) {
		return
	}
	org.ID = id
	if err := s.deps.Store.UpdateOrg(r.Context(), &org); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (s *server) handleDeleteOrg(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteOrg(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	orgID, ok := resolveOrgID(w, r)
	if !ok {
		return
	}
	offset, limit := parsePagination(r)
	workspaces, err := s.deps.Store.ListWorkspaces(r.Context(), orgID, offset, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list workspaces"))
		return
	}
	if workspaces == nil {
		workspaces = []*gateway.Workspace{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       workspaces,
		Pagination: pagination{Offset: offset, Limit: limit, Total: len(workspaces)},
	})
}

func (s *server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var ws gateway.Workspace
	if !decodeJSON(w, r, &ws) {
		return
	}
	principal := gateway.PrincipalFromContext(r.Context())
	if ws.OrganizationID == "" {
		ws.OrganizationID = principal.OrganizationID
	}
	if ws.OrganizationID != principal.OrganizationID {
		writeJSON(w, http.StatusForbidden, errorResponse("cannot create workspaces outside your organization"))
		return
	}
	if ws.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	if err := s.deps.Store.CreateWorkspace(r.Context(), &ws); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/v1/workspaces/"+ws.ID)
	writeJSON(w, http.StatusCreated, ws)
}

func (s *server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteWorkspace(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Org spend limits & balance ---

type limitsUpdateRequest struct {
	SpendLimitNanoUSD *int64 `json:"spend_limit_nano_usd,omitempty"`
	ChangedBy         string `json:"changed_by,omitempty"`
	ChangeReason      string `json:"change_reason,omitempty"`
}

func (s *server) handleUpdateLimits(w http.ResponseWriter, r *http.Request) {
	orgID, ok := resolveOrgID(w, r)
	if !ok {
		return
	}
	var req limitsUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var spendLimit *money.Amount
	if req.SpendLimitNanoUSD != nil {
		amt := money.FromInt64(*req.SpendLimitNanoUSD)
		spendLimit = &amt
	}
	h, err := s.deps.Store.UpdateLimits(r.Context(), &gateway.OrgLimitsHistory{
		OrganizationID: orgID,
		SpendLimit:     spendLimit,
		EffectiveFrom:  time.Now().UTC(),
		ChangedBy:      req.ChangedBy,
		ChangeReason:   req.ChangeReason,
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *server) handleGetCurrentLimits(w http.ResponseWriter, r *http.Request) {
	orgID, ok := resolveOrgID(w, r)
	if !ok {
		return
	}
	h, err := s.deps.Store.GetCurrentLimits(r.Context(), orgID)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	orgID, ok := resolveOrgID(w, r)
	if !ok {
		return
	}
	bal, err := s.deps.Store.GetBalance(r.Context(), orgID)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// --- Cache ---

func (s *server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache != nil {
		s.deps.Cache.Purge(r.Context())
	}
	w.WriteHeader(http.StatusNoContent)
}
