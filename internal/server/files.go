package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	gateway "github.com/nanogw/nanogw/internal"
)

const maxFileUploadBody = gateway.MaxFileBytes + (1 << 20)

// handleUploadFile stores a multipart-uploaded file and returns its metadata.
func (s *server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Files == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("file storage is not enabled"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxFileUploadBody)
	if err := r.ParseMultipartForm(maxFileUploadBody); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid multipart body"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("file is required"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("failed to read file"))
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var expiresAfter int64
	if v := r.FormValue("expires_after_seconds"); v != "" {
		expiresAfter, _ = strconv.ParseInt(v, 10, 64)
	}

	principal := gateway.PrincipalFromContext(r.Context())
	rec, err := s.deps.Files.Upload(r.Context(), principal, header.Filename, r.FormValue("purpose"), contentType, data, expiresAfter)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	if s.deps.Files == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("file storage is not enabled"))
		return
	}
	principal := gateway.PrincipalFromContext(r.Context())
	offset, limit := parsePagination(r)
	files, err := s.deps.Files.List(r.Context(), principal.WorkspaceID, offset, limit)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	if files == nil {
		files = []*gateway.File{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": files})
}

func (s *server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Files == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("file storage is not enabled"))
		return
	}
	id := chi.URLParam(r, "id")
	rec, err := s.deps.Files.Get(r.Context(), id)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Files == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("file storage is not enabled"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Files.Delete(r.Context(), id); err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFileContent streams the decrypted blob back to the caller with the
// content type recorded at upload time.
func (s *server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Files == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("file storage is not enabled"))
		return
	}
	id := chi.URLParam(r, "id")
	meta, data, err := s.deps.Files.Content(r.Context(), id)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+meta.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
