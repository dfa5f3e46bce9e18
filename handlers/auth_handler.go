package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/fieldline/ems-auth/middleware"
	"github.com/fieldline/ems-auth/services"
	"github.com/fieldline/ems-auth/token"
	"github.com/fieldline/ems-auth/utils"
)

// AuthService defines the operations the auth handler needs
type AuthService interface {
	Register(ctx context.Context, req *services.RegisterRequest) (*services.AuthResponse, error)
	Login(ctx context.Context, req *services.LoginRequest) (*services.AuthResponse, error)
	PersonOnlyRegister(ctx context.Context, req *services.PersonRegisterRequest) (*services.AuthResponse, error)
	PersonOnlyLogin(ctx context.Context, req *services.PersonLoginRequest) (*services.AuthResponse, error)
	JoinExistingTenant(ctx context.Context, claims *token.Claims, req *services.JoinTenantRequest) (*services.AuthResponse, error)
	CreateAndJoinTenant(ctx context.Context, claims *token.Claims, req *services.CreateTenantRequest) (*services.AuthResponse, error)
	RefreshToken(ctx context.Context, req *services.RefreshRequest) (*services.AuthResponse, error)
	Logout(ctx context.Context, accessClaims *token.Claims, rawAccess string, req *services.LogoutRequest) error
	OAuthURL(ctx context.Context, req *services.OAuthURLRequest) (*services.OAuthURLResponse, error)
	OAuthCallback(ctx context.Context, req *services.OAuthCallbackRequest) (*services.AuthResponse, error)
	OAuthRegisterInternalPerson(ctx context.Context, req *services.OAuthRegisterInternalRequest) (*services.AuthResponse, error)
}

// AuthHandler handles registration, login and token lifecycle endpoints
type AuthHandler struct {
	service AuthService
	logger  *zap.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		service: service,
		logger:  logger,
	}
}

// decodeAndValidate decodes the JSON body into dst and runs struct validation
func (h *AuthHandler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return false
	}
	if err := utils.ValidateStruct(dst); err != nil {
		HandleValidationError(w, err, h.logger)
		return false
	}
	return true
}

// Register handles POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req services.RegisterRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.Register(r.Context(), &req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, resp)
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req services.LoginRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.Login(r.Context(), &req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, resp)
}

// PersonRegister handles POST /auth/person-register
func (h *AuthHandler) PersonRegister(w http.ResponseWriter, r *http.Request) {
	var req services.PersonRegisterRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.PersonOnlyRegister(r.Context(), &req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, resp)
}

// PersonLogin handles POST /auth/person-login
func (h *AuthHandler) PersonLogin(w http.ResponseWriter, r *http.Request) {
	var req services.PersonLoginRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.PersonOnlyLogin(r.Context(), &req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, resp)
}

// JoinTenant handles POST /auth/join-tenant. Requires a bearer token;
// pending tokens are the usual case.
func (h *AuthHandler) JoinTenant(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req services.JoinTenantRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.JoinExistingTenant(r.Context(), claims, &req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, resp)
}

// CreateTenant handles POST /auth/create-tenant
func (h *AuthHandler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req services.CreateTenantRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.CreateAndJoinTenant(r.Context(), claims, &req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, resp)
}

// Refresh handles POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req services.RefreshRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.RefreshToken(r.Context(), &req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, resp)
}

// Logout handles POST /auth/logout. The access token comes from the
// Authorization header, the refresh token from the body.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := middleware.GetClaimsFromContext(ctx)
	rawAccess := middleware.GetRawTokenFromContext(ctx)
	if claims == nil || rawAccess == "" {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req services.LogoutRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.service.Logout(ctx, claims, rawAccess, &req); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, map[string]string{"message": "logged out"})
}

// OAuthURL handles POST /auth/oauth/url
func (h *AuthHandler) OAuthURL(w http.ResponseWriter, r *http.Request) {
	var req services.OAuthURLRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.OAuthURL(r.Context(), &req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, resp)
}

// OAuthCallback handles POST /auth/oauth/callback
func (h *AuthHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	var req services.OAuthCallbackRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.OAuthCallback(r.Context(), &req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, resp)
}

// OAuthRegister handles POST /auth/oauth/register/internal
func (h *AuthHandler) OAuthRegister(w http.ResponseWriter, r *http.Request) {
	var req services.OAuthRegisterInternalRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.OAuthRegisterInternalPerson(r.Context(), &req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, resp)
}
