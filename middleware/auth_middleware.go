package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldline/ems-auth/token"
	"github.com/fieldline/ems-auth/utils"
)

// TokenVerifier defines the token checks the middleware needs
type TokenVerifier interface {
	// VerifyAccessToken parses and validates a raw access token
	VerifyAccessToken(raw string) (*token.Claims, error)

	// IsTokenRevoked reports whether the raw token sits in the revocation ledger
	IsTokenRevoked(ctx context.Context, raw string) (bool, error)
}

// AuthMiddleware provides authentication middleware functionality
type AuthMiddleware struct {
	verifier TokenVerifier
	logger   *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(verifier TokenVerifier, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		logger:   logger,
	}
}

// authTokenCookieName is the cookie name for tokens (Authorization header takes precedence)
const authTokenCookieName = "auth_token"

// TenantHeader carries the tenant the client believes it is scoped to
const TenantHeader = "X-Tenant-ID"

// RequireAuth is a middleware that requires a valid, unrevoked access
// token. Pending tokens pass; tenant scoping is left to
// RequireTenantHeader.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		raw := extractToken(r)
		if raw == "" {
			m.logger.Warn("missing token",
				zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Missing or invalid authorization")
			return
		}

		claims, err := m.verifier.VerifyAccessToken(raw)
		if err != nil {
			m.logger.Warn("token verification failed",
				zap.String("request_id", requestID),
				zap.Error(err))
			_ = utils.WriteUnauthorized(w, "Invalid or expired token")
			return
		}

		revoked, err := m.verifier.IsTokenRevoked(ctx, raw)
		if err != nil {
			m.logger.Error("revocation check failed",
				zap.String("request_id", requestID),
				zap.Error(err))
			_ = utils.WriteInternalServerError(w, "")
			return
		}
		if revoked {
			m.logger.Warn("revoked token presented",
				zap.String("request_id", requestID),
				zap.String("sub", claims.Subject))
			_ = utils.WriteUnauthorized(w, "Token has been revoked")
			return
		}

		ctx = WithClaims(ctx, claims)
		ctx = WithRawToken(ctx, raw)

		m.logger.Debug("authentication successful",
			zap.String("request_id", requestID),
			zap.String("sub", claims.Subject))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireTenantHeader enforces that the X-Tenant-ID header names the
// same tenant as the token for tenant-scoped sessions. Pending sessions
// carry no tenant and pass through without one. This should be called
// after RequireAuth.
func (m *AuthMiddleware) RequireTenantHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		claims := GetClaimsFromContext(ctx)
		if claims == nil {
			m.logger.Error("claims not found in context",
				zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Authentication required")
			return
		}

		personID, err := claims.PersonID()
		if err != nil {
			m.logger.Error("invalid subject in claims",
				zap.String("request_id", requestID),
				zap.Error(err))
			_ = utils.WriteForbidden(w, "Invalid subject")
			return
		}

		if claims.IsPending() {
			ctx = WithPersonID(ctx, personID)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		tenantID, err := uuid.Parse(claims.TenantID)
		if err != nil {
			m.logger.Error("invalid tenant_id in claims",
				zap.String("request_id", requestID),
				zap.String("tenant_id", claims.TenantID),
				zap.Error(err))
			_ = utils.WriteForbidden(w, "Invalid tenant ID")
			return
		}

		if header := r.Header.Get(TenantHeader); header != claims.TenantID {
			m.logger.Warn("tenant header mismatch",
				zap.String("request_id", requestID),
				zap.String("header_tenant", header),
				zap.String("claims_tenant", claims.TenantID))
			_ = utils.WriteForbidden(w, "Tenant mismatch")
			return
		}

		ctx = WithTenantID(ctx, tenantID)
		ctx = WithPersonID(ctx, personID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractToken extracts the token from the Authorization header or the
// auth_token cookie. The header takes precedence when both are present.
func extractToken(r *http.Request) string {
	if token := extractBearerToken(r); token != "" {
		return token
	}
	if cookie, err := r.Cookie(authTokenCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return ""
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
