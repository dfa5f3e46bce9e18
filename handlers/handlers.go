package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/fieldline/ems-auth/middleware"
	"github.com/fieldline/ems-auth/utils"
)

// Common error response structure
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Common success response structure
type SuccessResponse struct {
	Data interface{} `json:"data"`
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// MeResponse is the response body for GET /auth/me
type MeResponse struct {
	PersonID string `json:"person_id"`
	TenantID string `json:"tenant_id,omitempty"`
	Role     string `json:"role"`
	Pending  bool   `json:"pending"`
}

// MeHandler returns the caller's verified token claims
func MeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := middleware.GetClaimsFromContext(r.Context())
		if claims == nil {
			_ = utils.WriteUnauthorized(w, "Authentication required")
			return
		}
		respondJSON(w, http.StatusOK, SuccessResponse{
			Data: MeResponse{
				PersonID: claims.Subject,
				TenantID: claims.TenantID,
				Role:     claims.Role,
				Pending:  claims.IsPending(),
			},
		})
	}
}
