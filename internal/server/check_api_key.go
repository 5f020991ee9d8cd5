package server

import (
	"net/http"

	gateway "github.com/nanogw/nanogw/internal"
)

type checkAPIKeyResponse struct {
	Valid          bool   `json:"valid"`
	OrganizationID string `json:"organization_id"`
	WorkspaceID    string `json:"workspace_id,omitempty"`
	Role           string `json:"role"`
	AuthMethod     string `json:"auth_method"`
}

// handleCheckAPIKey reports whether the credential used on this request is
// valid. Reaching the handler at all means authenticate already accepted
// it; the endpoint exists so clients can probe a key's identity/role
// without spending a model call.
func (s *server) handleCheckAPIKey(w http.ResponseWriter, r *http.Request) {
	principal := gateway.PrincipalFromContext(r.Context())
	if principal == nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}
	writeJSON(w, http.StatusOK, checkAPIKeyResponse{
		Valid:          true,
		OrganizationID: principal.OrganizationID,
		WorkspaceID:    principal.WorkspaceID,
		Role:           principal.Role,
		AuthMethod:     principal.AuthMethod,
	})
}
