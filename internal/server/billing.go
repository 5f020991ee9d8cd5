package server

import (
	"net/http"

	gateway "github.com/nanogw/nanogw/internal"
)

// handleBillingCosts returns the caller's organization running balance
// (total spend/tokens/requests), materialized by the usage pipeline on
// every billable request.
func (s *server) handleBillingCosts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("billing is not enabled"))
		return
	}
	principal := gateway.PrincipalFromContext(r.Context())
	if principal == nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}
	bal, err := s.deps.Store.GetBalance(r.Context(), principal.OrganizationID)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}
