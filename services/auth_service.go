package services

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldline/ems-auth/models"
	"github.com/fieldline/ems-auth/oauth"
	"github.com/fieldline/ems-auth/repositories"
	"github.com/fieldline/ems-auth/supabase"
	"github.com/fieldline/ems-auth/token"
	"github.com/fieldline/ems-auth/utils"
)

// IdentityProvider is the slice of the hosted identity provider the
// auth service needs
type IdentityProvider interface {
	CreateUser(ctx context.Context, email, password string, metadata map[string]interface{}) (uuid.UUID, error)
	Authenticate(ctx context.Context, email, password string) (uuid.UUID, error)
}

// OAuthBroker is the slice of the federated login broker the auth
// service needs
type OAuthBroker interface {
	Configured(provider oauth.Provider) bool
	AuthorizeURL(provider oauth.Provider, state string) (string, error)
	Exchange(ctx context.Context, provider oauth.Provider, code string) (*oauth.ExternalIdentity, error)
}

// AuthService orchestrates registration, login, token lifecycle and
// federated login flows
type AuthService struct {
	repos  *repositories.Repositories
	txMgr  repositories.TransactionManager
	codec  *token.Codec
	idp    IdentityProvider
	broker OAuthBroker
	logger *zap.Logger
}

// NewAuthService creates a new auth service
func NewAuthService(
	repos *repositories.Repositories,
	txMgr repositories.TransactionManager,
	codec *token.Codec,
	idp IdentityProvider,
	broker OAuthBroker,
	logger *zap.Logger,
) *AuthService {
	return &AuthService{
		repos:  repos,
		txMgr:  txMgr,
		codec:  codec,
		idp:    idp,
		broker: broker,
		logger: logger,
	}
}

// Request / response shapes

// RegisterRequest creates a tenant and its first person in one step
type RegisterRequest struct {
	TenantName string  `json:"tenant_name" validate:"required,min=1,max=100"`
	Subdomain  string  `json:"subdomain" validate:"required,min=1,max=50"`
	Name       string  `json:"name" validate:"required,min=1,max=100"`
	Email      string  `json:"email" validate:"required,email"`
	Password   string  `json:"password" validate:"required,min=8"`
	Phone      *string `json:"phone,omitempty" validate:"omitempty,max=20"`
	Role       string  `json:"role,omitempty"`
}

// LoginRequest authenticates a person. Subdomain selects the tenant;
// when omitted the primary association decides.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	Subdomain string `json:"subdomain,omitempty" validate:"omitempty,min=1,max=50"`
}

// PersonRegisterRequest creates a person with no tenant
type PersonRegisterRequest struct {
	Name     string  `json:"name" validate:"required,min=1,max=100"`
	Email    string  `json:"email" validate:"required,email"`
	Password string  `json:"password" validate:"required,min=8"`
	Phone    *string `json:"phone,omitempty" validate:"omitempty,max=20"`
}

// PersonLoginRequest authenticates a person without tenant context
type PersonLoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// JoinTenantRequest attaches the calling person to an existing tenant
type JoinTenantRequest struct {
	Subdomain string `json:"subdomain" validate:"required,min=1,max=50"`
	Role      string `json:"role" validate:"required"`
}

// CreateTenantRequest creates a tenant for the calling person
type CreateTenantRequest struct {
	TenantName string `json:"tenant_name" validate:"required,min=1,max=100"`
	Subdomain  string `json:"subdomain" validate:"required,min=1,max=50"`
}

// RefreshRequest rotates a refresh token into a fresh pair
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// LogoutRequest revokes a session's tokens
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// OAuthURLRequest asks for a provider authorization URL
type OAuthURLRequest struct {
	Provider  string `json:"provider" validate:"required"`
	Subdomain string `json:"subdomain" validate:"required,min=1,max=50"`
}

// OAuthCallbackRequest completes a federated login. TenantSubdomain
// names the tenant the caller intends to sign into; the state must have
// been issued for that same tenant.
type OAuthCallbackRequest struct {
	Provider        string `json:"provider" validate:"required"`
	Code            string `json:"code" validate:"required"`
	State           string `json:"state" validate:"required"`
	TenantSubdomain string `json:"tenant_subdomain" validate:"required,min=1,max=50"`
}

// OAuthRegisterInternalRequest provisions a tenant plus an internal
// person for a federated identity in one step. The person's name and
// email come from the provider after the code exchange, never from the
// request body.
type OAuthRegisterInternalRequest struct {
	Provider   string `json:"provider" validate:"required"`
	Code       string `json:"code" validate:"required"`
	State      string `json:"state" validate:"required"`
	TenantName string `json:"tenant_name" validate:"required,min=1,max=100"`
	Subdomain  string `json:"subdomain" validate:"required,min=1,max=50"`
}

// TokenPair carries a freshly issued access/refresh pair
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// AuthResponse is the result of any flow that ends in a session
type AuthResponse struct {
	TokenPair
	PersonID uuid.UUID `json:"person_id"`
	TenantID string    `json:"tenant_id,omitempty"`
	Role     string    `json:"role,omitempty"`
}

// OAuthURLResponse carries the provider redirect target
type OAuthURLResponse struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// Flows

// Register creates a tenant, its first person and an admin association,
// then opens a session
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*AuthResponse, error) {
	if err := utils.ValidateSubdomain(req.Subdomain); err != nil {
		return nil, ErrInvalidSubdomain
	}

	role := models.RoleInternal
	if req.Role != "" {
		parsed, err := models.ParsePersonRole(req.Role)
		if err != nil || parsed == models.RolePending {
			return nil, ErrInvalidRole
		}
		role = parsed
	}

	if err := s.ensureSubdomainFree(ctx, req.Subdomain); err != nil {
		return nil, err
	}
	if err := s.ensureEmailFree(ctx, req.Email); err != nil {
		return nil, err
	}

	externalUID, err := s.createProviderUser(ctx, req.Email, req.Password, req.Name)
	if err != nil {
		return nil, err
	}

	tenant := models.NewTenant(req.TenantName, req.Subdomain)
	person := models.NewPerson(externalUID, req.Name, req.Email)
	person.Phone = req.Phone

	err = s.txMgr.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		if err := s.repos.Tenants.Create(ctx, tenant); err != nil {
			return WrapInternal("failed to create tenant", err)
		}
		if err := s.repos.Persons.Create(ctx, person); err != nil {
			return WrapInternal("failed to create person", err)
		}
		if err := s.txMgr.SetTenantContext(ctx, tenant.ID); err != nil {
			return WrapInternal("failed to set tenant context", err)
		}
		assoc := models.NewTenantPerson(person.ID, tenant.ID, role, []string{models.AccessAdmin}, true)
		if err := s.repos.Associations.Create(ctx, assoc); err != nil {
			return WrapInternal("failed to create association", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("tenant registered",
		zap.String("tenant_id", tenant.ID.String()),
		zap.String("subdomain", tenant.Subdomain),
		zap.String("person_id", person.ID.String()),
	)
	return s.issuePair(person.ID, tenant.ID.String(), string(role))
}

// Login authenticates a person and opens a tenant-scoped session
func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*AuthResponse, error) {
	externalUID, err := s.authenticate(ctx, req.Email, req.Password)
	if err != nil {
		return nil, err
	}

	person, err := s.personByExternalUID(ctx, externalUID)
	if err != nil {
		return nil, err
	}
	if !person.IsActive {
		return nil, ErrForbidden
	}

	var assoc *models.TenantPerson
	if req.Subdomain != "" {
		tenant, err := s.tenantBySubdomain(ctx, req.Subdomain)
		if err != nil {
			return nil, err
		}
		assoc, err = s.repos.Associations.GetByPersonAndTenant(ctx, person.ID, tenant.ID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrAssociationNotFound
			}
			return nil, WrapInternal("failed to load association", err)
		}
	} else {
		assoc, err = s.repos.Associations.GetPrimaryByPerson(ctx, person.ID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrAssociationNotFound
			}
			return nil, WrapInternal("failed to load primary association", err)
		}
	}

	if err := s.repos.Persons.UpdateLastLogin(ctx, person.ID); err != nil {
		return nil, WrapInternal("failed to update last login", err)
	}

	return s.issuePair(person.ID, assoc.TenantID.String(), string(assoc.Role))
}

// PersonOnlyRegister creates a person with no tenant and opens a
// pending session
func (s *AuthService) PersonOnlyRegister(ctx context.Context, req *PersonRegisterRequest) (*AuthResponse, error) {
	if err := s.ensureEmailFree(ctx, req.Email); err != nil {
		return nil, err
	}

	externalUID, err := s.createProviderUser(ctx, req.Email, req.Password, req.Name)
	if err != nil {
		return nil, err
	}

	person := models.NewPerson(externalUID, req.Name, req.Email)
	person.Phone = req.Phone
	if err := s.repos.Persons.Create(ctx, person); err != nil {
		return nil, WrapInternal("failed to create person", err)
	}

	s.logger.Info("person registered without tenant", zap.String("person_id", person.ID.String()))
	return s.issuePendingPair(person.ID)
}

// PersonOnlyLogin authenticates a person and opens a pending session
func (s *AuthService) PersonOnlyLogin(ctx context.Context, req *PersonLoginRequest) (*AuthResponse, error) {
	externalUID, err := s.authenticate(ctx, req.Email, req.Password)
	if err != nil {
		return nil, err
	}

	person, err := s.personByExternalUID(ctx, externalUID)
	if err != nil {
		return nil, err
	}
	if !person.IsActive {
		return nil, ErrForbidden
	}

	if err := s.repos.Persons.UpdateLastLogin(ctx, person.ID); err != nil {
		return nil, WrapInternal("failed to update last login", err)
	}

	return s.issuePendingPair(person.ID)
}

// JoinExistingTenant attaches the calling person to a tenant and opens
// a session scoped to it
func (s *AuthService) JoinExistingTenant(ctx context.Context, claims *token.Claims, req *JoinTenantRequest) (*AuthResponse, error) {
	personID, err := claims.PersonID()
	if err != nil {
		return nil, ErrInvalidToken
	}

	role, err := models.ParsePersonRole(req.Role)
	if err != nil || role == models.RolePending {
		return nil, ErrInvalidRole
	}

	person, err := s.personByID(ctx, personID)
	if err != nil {
		return nil, err
	}

	tenant, err := s.tenantBySubdomain(ctx, req.Subdomain)
	if err != nil {
		return nil, err
	}

	if _, err := s.repos.Associations.GetByPersonAndTenant(ctx, person.ID, tenant.ID); err == nil {
		return nil, ErrDuplicateAssociation
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, WrapInternal("failed to check association", err)
	}

	err = s.txMgr.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		if err := s.txMgr.SetTenantContext(ctx, tenant.ID); err != nil {
			return WrapInternal("failed to set tenant context", err)
		}
		assoc := models.NewTenantPerson(person.ID, tenant.ID, role, []string{models.AccessStandard}, false)
		if err := s.repos.Associations.Create(ctx, assoc); err != nil {
			return WrapInternal("failed to create association", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("person joined tenant",
		zap.String("person_id", person.ID.String()),
		zap.String("tenant_id", tenant.ID.String()),
		zap.String("role", string(role)),
	)
	return s.issuePair(person.ID, tenant.ID.String(), string(role))
}

// CreateAndJoinTenant creates a tenant for the calling person and makes
// it their primary one
func (s *AuthService) CreateAndJoinTenant(ctx context.Context, claims *token.Claims, req *CreateTenantRequest) (*AuthResponse, error) {
	personID, err := claims.PersonID()
	if err != nil {
		return nil, ErrInvalidToken
	}

	if err := utils.ValidateSubdomain(req.Subdomain); err != nil {
		return nil, ErrInvalidSubdomain
	}

	person, err := s.personByID(ctx, personID)
	if err != nil {
		return nil, err
	}

	if err := s.ensureSubdomainFree(ctx, req.Subdomain); err != nil {
		return nil, err
	}

	tenant := models.NewTenant(req.TenantName, req.Subdomain)

	err = s.txMgr.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		if err := s.repos.Tenants.Create(ctx, tenant); err != nil {
			return WrapInternal("failed to create tenant", err)
		}
		if err := s.txMgr.SetTenantContext(ctx, tenant.ID); err != nil {
			return WrapInternal("failed to set tenant context", err)
		}
		// The new tenant becomes the person's primary one
		if err := s.repos.Associations.ClearPrimary(ctx, person.ID); err != nil {
			return WrapInternal("failed to clear primary association", err)
		}
		assoc := models.NewTenantPerson(person.ID, tenant.ID, models.RoleInternal, []string{models.AccessAdmin}, true)
		if err := s.repos.Associations.Create(ctx, assoc); err != nil {
			return WrapInternal("failed to create association", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("tenant created by person",
		zap.String("person_id", person.ID.String()),
		zap.String("tenant_id", tenant.ID.String()),
	)
	return s.issuePair(person.ID, tenant.ID.String(), string(models.RoleInternal))
}

// RefreshToken rotates a refresh token into a fresh pair. Refresh
// tokens are single use: the presented token is revoked in the same
// transaction that mints the replacement.
func (s *AuthService) RefreshToken(ctx context.Context, req *RefreshRequest) (*AuthResponse, error) {
	claims, err := s.verifyToken(req.RefreshToken)
	if err != nil {
		return nil, err
	}
	if claims.Kind != token.KindRefresh {
		return nil, ErrWrongTokenKind
	}

	fingerprint := token.Fingerprint(req.RefreshToken)
	revoked, err := s.repos.Revocations.IsRevoked(ctx, fingerprint)
	if err != nil {
		return nil, WrapInternal("failed to check revocation", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	personID, err := claims.PersonID()
	if err != nil {
		return nil, ErrInvalidToken
	}
	person, err := s.personByID(ctx, personID)
	if err != nil {
		return nil, err
	}
	if !person.IsActive {
		return nil, ErrForbidden
	}

	return WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (*AuthResponse, error) {
		entry := models.NewRevocationEntry(
			fingerprint, models.TokenKindRefresh, personID, s.tenantIDOrNil(claims), claims.ExpiresAt.Time,
		)
		if err := s.repos.Revocations.Revoke(ctx, entry); err != nil {
			// A conflicting revocation means a concurrent rotation
			// already spent this token
			if errors.Is(err, repositories.ErrAlreadyRevoked) {
				return nil, ErrTokenRevoked
			}
			return nil, WrapInternal("failed to revoke refresh token", err)
		}

		if claims.IsPending() {
			return s.issuePendingPair(personID)
		}

		tenantID, parseErr := uuid.Parse(claims.TenantID)
		if parseErr != nil {
			return nil, ErrInvalidToken
		}
		// Re-read the association so role changes take effect on rotation
		assoc, assocErr := s.repos.Associations.GetByPersonAndTenant(ctx, personID, tenantID)
		if assocErr != nil {
			if errors.Is(assocErr, sql.ErrNoRows) {
				return nil, ErrNoTenantAccess
			}
			return nil, WrapInternal("failed to load association", assocErr)
		}
		return s.issuePair(personID, tenantID.String(), string(assoc.Role))
	})
}

// Logout revokes both session tokens. The access claims come from the
// bearer token on the request; the transport layer has already checked
// the X-Tenant-ID header against them.
func (s *AuthService) Logout(ctx context.Context, accessClaims *token.Claims, rawAccess string, req *LogoutRequest) error {
	refreshClaims, err := s.verifyToken(req.RefreshToken)
	if err != nil {
		return err
	}
	if refreshClaims.Kind != token.KindRefresh {
		return ErrWrongTokenKind
	}

	// The refresh token must belong to the same session
	if refreshClaims.Subject != accessClaims.Subject {
		return ErrNotTokenOwner
	}
	if refreshClaims.TenantID != accessClaims.TenantID {
		return ErrTenantMismatch
	}

	refreshFingerprint := token.Fingerprint(req.RefreshToken)
	revoked, err := s.repos.Revocations.IsRevoked(ctx, refreshFingerprint)
	if err != nil {
		return WrapInternal("failed to check revocation", err)
	}
	if revoked {
		return ErrTokenRevoked
	}

	personID, err := accessClaims.PersonID()
	if err != nil {
		return ErrInvalidToken
	}
	tenantID := s.tenantIDOrNil(accessClaims)

	err = s.txMgr.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		refreshEntry := models.NewRevocationEntry(
			refreshFingerprint, models.TokenKindRefresh, personID, tenantID, refreshClaims.ExpiresAt.Time,
		)
		if err := s.repos.Revocations.Revoke(ctx, refreshEntry); err != nil {
			if errors.Is(err, repositories.ErrAlreadyRevoked) {
				return ErrTokenRevoked
			}
			return WrapInternal("failed to revoke refresh token", err)
		}
		accessEntry := models.NewRevocationEntry(
			token.Fingerprint(rawAccess), models.TokenKindAccess, personID, tenantID, accessClaims.ExpiresAt.Time,
		)
		if err := s.repos.Revocations.Revoke(ctx, accessEntry); err != nil {
			// A concurrent logout may have revoked the access token
			// already; the session still ends up revoked either way
			if errors.Is(err, repositories.ErrAlreadyRevoked) {
				return nil
			}
			return WrapInternal("failed to revoke access token", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("session logged out", zap.String("person_id", personID.String()))
	return nil
}

// OAuthURL builds the provider authorization URL for a tenant
func (s *AuthService) OAuthURL(ctx context.Context, req *OAuthURLRequest) (*OAuthURLResponse, error) {
	provider, err := oauth.ParseProvider(req.Provider)
	if err != nil {
		return nil, ErrProviderNotSupported
	}

	if _, err := s.tenantBySubdomain(ctx, req.Subdomain); err != nil {
		return nil, err
	}

	state := oauth.FormatState(req.Subdomain)
	url, err := s.broker.AuthorizeURL(provider, state)
	if err != nil {
		if errors.Is(err, oauth.ErrNotConfigured) {
			return nil, ErrProviderNotConfigured
		}
		return nil, WrapInternal("failed to build authorization url", err)
	}

	return &OAuthURLResponse{URL: url, State: state}, nil
}

// OAuthCallback completes a federated login. The person must already
// hold an internal association in the requested tenant, and the state
// must have been issued for that tenant.
func (s *AuthService) OAuthCallback(ctx context.Context, req *OAuthCallbackRequest) (*AuthResponse, error) {
	provider, err := oauth.ParseProvider(req.Provider)
	if err != nil {
		return nil, ErrProviderNotSupported
	}

	tenant, err := s.tenantBySubdomain(ctx, req.TenantSubdomain)
	if err != nil {
		return nil, err
	}

	if err := oauth.VerifyState(req.State, tenant.Subdomain); err != nil {
		return nil, ErrInvalidOAuthState
	}

	identity, err := s.exchangeCode(ctx, provider, req.Code)
	if err != nil {
		return nil, err
	}

	person, err := s.repos.Persons.GetByEmail(ctx, identity.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPersonNotFound
		}
		return nil, WrapInternal("failed to load person", err)
	}
	if !person.IsActive {
		return nil, ErrForbidden
	}

	assoc, err := s.repos.Associations.GetByPersonAndTenant(ctx, person.ID, tenant.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoTenantAccess
		}
		return nil, WrapInternal("failed to load association", err)
	}
	if assoc.Role != models.RoleInternal {
		return nil, ErrForbidden
	}

	if err := s.repos.Persons.UpdateLastLogin(ctx, person.ID); err != nil {
		return nil, WrapInternal("failed to update last login", err)
	}

	s.logger.Info("federated login completed",
		zap.String("provider", string(provider)),
		zap.String("person_id", person.ID.String()),
		zap.String("tenant_id", tenant.ID.String()),
	)
	return s.issuePair(person.ID, tenant.ID.String(), string(assoc.Role))
}

// OAuthRegisterInternalPerson provisions a tenant and an internal
// person for a federated identity that has no local account yet. The
// person's name and email come from the provider's user info, so the
// caller must present a valid authorization code. The person gets a
// synthetic provider UID since credentials live with the federation
// provider.
func (s *AuthService) OAuthRegisterInternalPerson(ctx context.Context, req *OAuthRegisterInternalRequest) (*AuthResponse, error) {
	provider, err := oauth.ParseProvider(req.Provider)
	if err != nil {
		return nil, ErrProviderNotSupported
	}

	if err := utils.ValidateSubdomain(req.Subdomain); err != nil {
		return nil, ErrInvalidSubdomain
	}

	if err := s.ensureSubdomainFree(ctx, req.Subdomain); err != nil {
		return nil, err
	}

	if err := oauth.VerifyState(req.State, req.Subdomain); err != nil {
		return nil, ErrInvalidOAuthState
	}

	identity, err := s.exchangeCode(ctx, provider, req.Code)
	if err != nil {
		return nil, err
	}

	if err := s.ensureEmailFree(ctx, identity.Email); err != nil {
		return nil, err
	}

	tenant := models.NewTenant(req.TenantName, req.Subdomain)
	person := models.NewPerson(uuid.New(), identity.Name, identity.Email)

	err = s.txMgr.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		if err := s.repos.Tenants.Create(ctx, tenant); err != nil {
			return WrapInternal("failed to create tenant", err)
		}
		if err := s.repos.Persons.Create(ctx, person); err != nil {
			return WrapInternal("failed to create person", err)
		}
		if err := s.txMgr.SetTenantContext(ctx, tenant.ID); err != nil {
			return WrapInternal("failed to set tenant context", err)
		}
		assoc := models.NewTenantPerson(person.ID, tenant.ID, models.RoleInternal, []string{models.AccessAdmin}, true)
		if err := s.repos.Associations.Create(ctx, assoc); err != nil {
			return WrapInternal("failed to create association", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("internal person provisioned for federated identity",
		zap.String("provider", string(provider)),
		zap.String("person_id", person.ID.String()),
		zap.String("tenant_id", tenant.ID.String()),
	)
	return s.issuePair(person.ID, tenant.ID.String(), string(models.RoleInternal))
}

// IsTokenRevoked reports whether a raw token sits in the revocation ledger
func (s *AuthService) IsTokenRevoked(ctx context.Context, raw string) (bool, error) {
	return s.repos.Revocations.IsRevoked(ctx, token.Fingerprint(raw))
}

// PurgeExpiredTokens drops ledger entries for tokens already past exp
func (s *AuthService) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	return s.repos.Revocations.DeleteExpired(ctx)
}

// VerifyAccessToken parses a raw access token and maps codec errors
// into the domain taxonomy
func (s *AuthService) VerifyAccessToken(raw string) (*token.Claims, error) {
	claims, err := s.verifyToken(raw)
	if err != nil {
		return nil, err
	}
	if claims.Kind != token.KindAccess {
		return nil, ErrWrongTokenKind
	}
	return claims, nil
}

// Helpers

func (s *AuthService) verifyToken(raw string) (*token.Claims, error) {
	claims, err := s.codec.Verify(raw)
	if err != nil {
		if errors.Is(err, token.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *AuthService) issuePair(personID uuid.UUID, tenantID, role string) (*AuthResponse, error) {
	access, err := s.codec.IssueAccess(personID, tenantID, role)
	if err != nil {
		return nil, WrapInternal("failed to issue access token", err)
	}
	refresh, err := s.codec.IssueRefresh(personID, tenantID)
	if err != nil {
		return nil, WrapInternal("failed to issue refresh token", err)
	}
	return &AuthResponse{
		TokenPair: TokenPair{
			AccessToken:  access,
			RefreshToken: refresh,
			TokenType:    "Bearer",
			ExpiresIn:    int64(s.codec.AccessTTL() / time.Second),
		},
		PersonID: personID,
		TenantID: tenantID,
		Role:     role,
	}, nil
}

func (s *AuthService) issuePendingPair(personID uuid.UUID) (*AuthResponse, error) {
	access, err := s.codec.IssuePendingAccess(personID)
	if err != nil {
		return nil, WrapInternal("failed to issue pending access token", err)
	}
	refresh, err := s.codec.IssuePendingRefresh(personID)
	if err != nil {
		return nil, WrapInternal("failed to issue pending refresh token", err)
	}
	return &AuthResponse{
		TokenPair: TokenPair{
			AccessToken:  access,
			RefreshToken: refresh,
			TokenType:    "Bearer",
			ExpiresIn:    int64(s.codec.AccessTTL() / time.Second),
		},
		PersonID: personID,
		Role:     token.RolePending,
	}, nil
}

// exchangeCode trades an authorization code for the provider's view of
// the person, mapping broker errors into the domain taxonomy
func (s *AuthService) exchangeCode(ctx context.Context, provider oauth.Provider, code string) (*oauth.ExternalIdentity, error) {
	identity, err := s.broker.Exchange(ctx, provider, code)
	if err != nil {
		switch {
		case errors.Is(err, oauth.ErrNotConfigured):
			return nil, ErrProviderNotConfigured
		case errors.Is(err, oauth.ErrNotImplemented):
			return nil, ErrProviderNotSupported
		default:
			return nil, WrapExternal("oauth code exchange failed", err)
		}
	}
	return identity, nil
}

func (s *AuthService) authenticate(ctx context.Context, email, password string) (uuid.UUID, error) {
	externalUID, err := s.idp.Authenticate(ctx, email, password)
	if err != nil {
		if errors.Is(err, supabase.ErrInvalidCredentials) {
			return uuid.Nil, ErrInvalidCredentials
		}
		return uuid.Nil, WrapExternal("identity provider authentication failed", err)
	}
	return externalUID, nil
}

func (s *AuthService) createProviderUser(ctx context.Context, email, password, name string) (uuid.UUID, error) {
	externalUID, err := s.idp.CreateUser(ctx, email, password, map[string]interface{}{"name": name})
	if err != nil {
		if errors.Is(err, supabase.ErrUserExists) {
			return uuid.Nil, ErrDuplicateEmail
		}
		// A rejected signup surfaces to the caller as a bad request,
		// not as a gateway failure
		return uuid.Nil, WrapError(ErrorTypeValidation, "identity provider rejected signup", err)
	}
	return externalUID, nil
}

func (s *AuthService) personByID(ctx context.Context, id uuid.UUID) (*models.Person, error) {
	person, err := s.repos.Persons.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPersonNotFound
		}
		return nil, WrapInternal("failed to load person", err)
	}
	return person, nil
}

func (s *AuthService) personByExternalUID(ctx context.Context, externalUID uuid.UUID) (*models.Person, error) {
	person, err := s.repos.Persons.GetByExternalUID(ctx, externalUID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPersonNotFound
		}
		return nil, WrapInternal("failed to load person", err)
	}
	return person, nil
}

func (s *AuthService) tenantBySubdomain(ctx context.Context, subdomain string) (*models.Tenant, error) {
	tenant, err := s.repos.Tenants.GetBySubdomain(ctx, subdomain)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, WrapInternal("failed to load tenant", err)
	}
	if !tenant.IsActive {
		return nil, ErrTenantInactive
	}
	return tenant, nil
}

func (s *AuthService) ensureSubdomainFree(ctx context.Context, subdomain string) error {
	_, err := s.repos.Tenants.GetBySubdomain(ctx, subdomain)
	if err == nil {
		return ErrDuplicateSubdomain
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return WrapInternal("failed to check subdomain", err)
	}
	return nil
}

func (s *AuthService) ensureEmailFree(ctx context.Context, email string) error {
	_, err := s.repos.Persons.GetByEmail(ctx, email)
	if err == nil {
		return ErrDuplicateEmail
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return WrapInternal("failed to check email", err)
	}
	return nil
}

func (s *AuthService) tenantIDOrNil(claims *token.Claims) uuid.UUID {
	if claims.TenantID == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return uuid.Nil
	}
	return id
}
