package server

import (
	"io"
	"net/http"
	"time"

	gateway "github.com/nanogw/nanogw/internal"
)

const maxAudioUploadBody = 32 << 20

func (s *server) handleAudioTranscription(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioUploadBody)
	if err := r.ParseMultipartForm(maxAudioUploadBody); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid multipart body"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("audio file is required"))
		return
	}
	defer file.Close()
	audio, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("failed to read audio"))
		return
	}

	req := gateway.AudioTranscriptionRequest{
		Model:    r.FormValue("model"),
		Audio:    audio,
		Filename: header.Filename,
		Language: r.FormValue("language"),
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
	resp, err := s.deps.Proxy.AudioTranscription(r.Context(), orgIDOf(principal), &req)
	elapsed := time.Since(start)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}

	s.recordUsageAs(r, principal, model, nil, elapsed, gateway.StopCompleted, "audio.transcriptions")
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleAudioSpeech(w http.ResponseWriter, r *http.Request) {
	var req gateway.AudioSpeechRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if len(req.Input) > gateway.MaxTTSChars {
		writeJSON(w, http.StatusBadRequest, errorResponse("input exceeds maximum length"))
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
	audio, contentType, err := s.deps.Proxy.AudioSpeech(r.Context(), orgIDOf(principal), req.Model, &req)
	elapsed := time.Since(start)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}

	s.recordUsageAs(r, principal, model, nil, elapsed, gateway.StopCompleted, "audio.speech")
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(audio)
}
