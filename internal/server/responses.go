package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/nanogw/nanogw/internal"
)

type responseCreateRequest struct {
	gateway.ChatRequest
	ConversationID *string `json:"conversation_id,omitempty"`
}

func (s *server) handleCreateResponse(w http.ResponseWriter, r *http.Request) {
	if s.deps.Responses == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("responses are not enabled"))
		return
	}
	var req responseCreateRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}

	principal := gateway.PrincipalFromContext(r.Context())
	if principal != nil && !principal.IsModelAllowed(req.Model) {
		writeJSON(w, http.StatusForbidden, errorResponse("model not allowed"))
		return
	}

	if req.Stream {
		s.handleCreateResponseStream(w, r, &req, principal)
		return
	}

	resp, chatResp, err := s.deps.Responses.Create(r.Context(), principal, &req.ChatRequest, req.ConversationID)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"response": resp,
		"output":   chatResp,
	})
}

// handleCreateResponseStream runs the named-event SSE envelope for
// POST /v1/responses with stream:true: response.created, response.in_progress,
// zero or more response.output_text.delta / response.tool_call.delta, then
// exactly one of response.completed | .failed | .cancelled.
//
// The engine's finalizer (app.ResponseService.CreateStream) persists state
// under a context detached from r.Context(), so a client disconnect still
// bills the tokens generated up to that point -- this handler simply forwards
// events until the channel closes, which happens only once that finalizer
// has run.
func (s *server) handleCreateResponseStream(w http.ResponseWriter, r *http.Request, req *responseCreateRequest, principal *gateway.Principal) {
	events, err := s.deps.Responses.CreateStream(r.Context(), principal, &req.ChatRequest, req.ConversationID)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	for ev := range events {
		writeSSENamedEvent(w, ev.Name, ev.Data)
		flusher.Flush()
	}
}

func (s *server) handleGetResponse(w http.ResponseWriter, r *http.Request) {
	if s.deps.Responses == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("responses are not enabled"))
		return
	}
	id := chi.URLParam(r, "id")
	resp, err := s.deps.Responses.Get(r.Context(), id)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleCancelResponse(w http.ResponseWriter, r *http.Request) {
	if s.deps.Responses == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("responses are not enabled"))
		return
	}
	id := chi.URLParam(r, "id")
	resp, err := s.deps.Responses.Cancel(r.Context(), id)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
