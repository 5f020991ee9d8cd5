package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/nanogw/nanogw/internal"
)

type conversationCreateRequest struct {
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (s *server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Conversations == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("conversations are not enabled"))
		return
	}
	var req conversationCreateRequest
	if r.ContentLength != 0 && !decodeRequestBody(w, r, &req) {
		return
	}
	principal := gateway.PrincipalFromContext(r.Context())
	conv, err := s.deps.Conversations.Create(r.Context(), principal, req.Metadata)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Conversations == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("conversations are not enabled"))
		return
	}
	id := chi.URLParam(r, "id")
	conv, err := s.deps.Conversations.Get(r.Context(), id)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Conversations == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("conversations are not enabled"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Conversations.Delete(r.Context(), id); err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListConversationItems(w http.ResponseWriter, r *http.Request) {
	if s.deps.Conversations == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("conversations are not enabled"))
		return
	}
	id := chi.URLParam(r, "id")
	q := r.URL.Query()
	offset, limit := parsePagination(r)
	_ = offset // item pagination is cursor-based (after=<item id>), not offset-based
	items, err := s.deps.Conversations.ListItems(r.Context(), id, q.Get("after"), limit)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	if items == nil {
		items = []*gateway.ResponseItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": items})
}
