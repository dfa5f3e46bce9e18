package middleware

import (
	"context"

	"github.com/google/uuid"

	"github.com/fieldline/ems-auth/token"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// ClaimsKey is the context key for verified token claims
	ClaimsKey contextKey = "claims"

	// RawTokenKey is the context key for the raw bearer token
	RawTokenKey contextKey = "raw_token"

	// TenantIDKey is the context key for the tenant ID
	TenantIDKey contextKey = "tenant_id"

	// PersonIDKey is the context key for the person ID
	PersonIDKey contextKey = "person_id"
)

// GetRequestIDFromContext retrieves the request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return ""
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetClaimsFromContext retrieves verified token claims from context
func GetClaimsFromContext(ctx context.Context) *token.Claims {
	if val := ctx.Value(ClaimsKey); val != nil {
		if claims, ok := val.(*token.Claims); ok {
			return claims
		}
	}
	return nil
}

// WithClaims adds verified token claims to the context
func WithClaims(ctx context.Context, claims *token.Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// GetRawTokenFromContext retrieves the raw bearer token from context
func GetRawTokenFromContext(ctx context.Context) string {
	if val := ctx.Value(RawTokenKey); val != nil {
		if raw, ok := val.(string); ok {
			return raw
		}
	}
	return ""
}

// WithRawToken adds the raw bearer token to the context
func WithRawToken(ctx context.Context, raw string) context.Context {
	return context.WithValue(ctx, RawTokenKey, raw)
}

// GetTenantIDFromContext retrieves the tenant ID from context
func GetTenantIDFromContext(ctx context.Context) uuid.UUID {
	if val := ctx.Value(TenantIDKey); val != nil {
		if tenantID, ok := val.(uuid.UUID); ok {
			return tenantID
		}
	}
	return uuid.Nil
}

// WithTenantID adds a tenant ID to the context
func WithTenantID(ctx context.Context, tenantID uuid.UUID) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// GetPersonIDFromContext retrieves the person ID from context
func GetPersonIDFromContext(ctx context.Context) uuid.UUID {
	if val := ctx.Value(PersonIDKey); val != nil {
		if personID, ok := val.(uuid.UUID); ok {
			return personID
		}
	}
	return uuid.Nil
}

// WithPersonID adds a person ID to the context
func WithPersonID(ctx context.Context, personID uuid.UUID) context.Context {
	return context.WithValue(ctx, PersonIDKey, personID)
}
