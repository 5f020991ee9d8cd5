package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleGetSignature returns the cryptographic signature over a completed
// chat exchange. model is taken from the query string since the signature
// is keyed only by chat id upstream.
func (s *server) handleGetSignature(w http.ResponseWriter, r *http.Request) {
	if s.deps.Attestation == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("attestation is not enabled"))
		return
	}
	chatID := chi.URLParam(r, "chat_id")
	model := r.URL.Query().Get("model")
	if model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("model query parameter is required"))
		return
	}
	sig, err := s.deps.Attestation.GetSignature(r.Context(), model, chatID)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

type attestationReportRequest struct {
	SigningAlgo    string `json:"signing_algo"`
	Nonce          string `json:"nonce"`
	SigningAddress string `json:"signing_address"`
}

// handleAttestationReport returns every active verifiable model's per-model
// attestation. The gateway's own TEE quote is not produced: the response's
// gateway_attestation field is always null.
func (s *server) handleAttestationReport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Attestation == nil || s.deps.Store == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("attestation is not enabled"))
		return
	}
	var req attestationReportRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}

	models, err := s.deps.Store.ListModels(r.Context(), true)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list models"))
		return
	}

	report, err := s.deps.Attestation.GetAttestationReport(r.Context(), req.SigningAlgo, req.Nonce, req.SigningAddress, models)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
