package server

import (
	"net/http"
	"time"

	gateway "github.com/nanogw/nanogw/internal"
)

// handleTextCompletion serves the legacy /v1/completions endpoint. The
// provider pool only exposes a streaming text-completion path
// (app.ProviderPool.TextCompletionStream); non-streaming callers get a
// clear 400 rather than a half-implemented buffering shim.
func (s *server) handleTextCompletion(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if !req.Stream {
		writeJSON(w, http.StatusBadRequest, errorResponse("the legacy completions endpoint only supports stream=true"))
		return
	}

	principal := gateway.PrincipalFromContext(r.Context())
	if principal != nil && !principal.IsModelAllowed(req.Model) {
		writeJSON(w, http.StatusForbidden, errorResponse("model not allowed"))
		return
	}
	model, err := s.resolveModel(w, r.Context(), req.Model)
	if err != nil {
		return
	}

	start := time.Now()
	ch, err := s.deps.Proxy.TextCompletionStream(r.Context(), orgIDOf(principal), &req)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}

	s.streamSSE(w, r, ch, &req, principal, model, start)
}
