package server

import (
	"net/http"
	"time"

	gateway "github.com/nanogw/nanogw/internal"
)

// handleEmbeddings decodes an embedding request and forwards it to the
// provider pool.
func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req gateway.EmbeddingRequest
	if !decodeRequestBody(w, r, &req) {
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
	resp, err := s.deps.Proxy.Embeddings(r.Context(), orgIDOf(principal), &req)
	elapsed := time.Since(start)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}

	s.recordUsageAs(r, principal, model, resp.Usage, elapsed, gateway.StopCompleted, "embeddings")

	writeJSON(w, http.StatusOK, resp)
}
