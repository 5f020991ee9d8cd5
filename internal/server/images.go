package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	gateway "github.com/nanogw/nanogw/internal"
)

const maxImageUploadBody = 16 << 20

func (s *server) handleImageGeneration(w http.ResponseWriter, r *http.Request) {
	var req gateway.ImageRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	s.dispatchImage(w, r, &req, s.deps.Proxy.ImageGeneration)
}

func (s *server) handleImageEdit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageUploadBody)
	if err := r.ParseMultipartForm(maxImageUploadBody); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid multipart body"))
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("image file is required"))
		return
	}
	defer file.Close()
	img, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("failed to read image"))
		return
	}

	req := gateway.ImageRequest{
		Model:  r.FormValue("model"),
		Prompt: r.FormValue("prompt"),
		Size:   r.FormValue("size"),
		Image:  img,
	}
	if n, err := strconv.Atoi(r.FormValue("n")); err == nil {
		req.N = n
	}

	s.dispatchImage(w, r, &req, s.deps.Proxy.ImageEdit)
}

// dispatchImage runs the common allowlist-check / resolve / dispatch /
// record-usage sequence shared by image generation and image editing; only
// the provider-pool method differs between the two.
func (s *server) dispatchImage(w http.ResponseWriter, r *http.Request, req *gateway.ImageRequest,
	call func(ctx context.Context, orgID string, req *gateway.ImageRequest) (*gateway.ImageResponse, error)) {

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
	resp, err := call(r.Context(), orgIDOf(principal), req)
	elapsed := time.Since(start)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}

	s.recordUsageAs(r, principal, model, nil, elapsed, gateway.StopCompleted, "images")
	writeJSON(w, http.StatusOK, resp)
}
