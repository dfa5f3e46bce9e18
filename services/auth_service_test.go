package services

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldline/ems-auth/models"
	"github.com/fieldline/ems-auth/oauth"
	"github.com/fieldline/ems-auth/repositories"
	"github.com/fieldline/ems-auth/supabase"
	"github.com/fieldline/ems-auth/token"
)

// Repository mocks

type MockPersonRepository struct {
	mock.Mock
}

func (m *MockPersonRepository) Create(ctx context.Context, person *models.Person) error {
	args := m.Called(ctx, person)
	return args.Error(0)
}

func (m *MockPersonRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Person, error) {
	args := m.Called(ctx, id)
	if p := args.Get(0); p != nil {
		return p.(*models.Person), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPersonRepository) GetByEmail(ctx context.Context, email string) (*models.Person, error) {
	args := m.Called(ctx, email)
	if p := args.Get(0); p != nil {
		return p.(*models.Person), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPersonRepository) GetByExternalUID(ctx context.Context, externalUID uuid.UUID) (*models.Person, error) {
	args := m.Called(ctx, externalUID)
	if p := args.Get(0); p != nil {
		return p.(*models.Person), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPersonRepository) Update(ctx context.Context, person *models.Person) error {
	args := m.Called(ctx, person)
	return args.Error(0)
}

func (m *MockPersonRepository) UpdateLastLogin(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MockTenantRepository struct {
	mock.Mock
}

func (m *MockTenantRepository) Create(ctx context.Context, tenant *models.Tenant) error {
	args := m.Called(ctx, tenant)
	return args.Error(0)
}

func (m *MockTenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	args := m.Called(ctx, id)
	if t := args.Get(0); t != nil {
		return t.(*models.Tenant), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTenantRepository) GetBySubdomain(ctx context.Context, subdomain string) (*models.Tenant, error) {
	args := m.Called(ctx, subdomain)
	if t := args.Get(0); t != nil {
		return t.(*models.Tenant), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTenantRepository) Update(ctx context.Context, tenant *models.Tenant) error {
	args := m.Called(ctx, tenant)
	return args.Error(0)
}

type MockAssociationRepository struct {
	mock.Mock
}

func (m *MockAssociationRepository) Create(ctx context.Context, assoc *models.TenantPerson) error {
	args := m.Called(ctx, assoc)
	return args.Error(0)
}

func (m *MockAssociationRepository) GetByPersonAndTenant(ctx context.Context, personID, tenantID uuid.UUID) (*models.TenantPerson, error) {
	args := m.Called(ctx, personID, tenantID)
	if a := args.Get(0); a != nil {
		return a.(*models.TenantPerson), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAssociationRepository) GetPrimaryByPerson(ctx context.Context, personID uuid.UUID) (*models.TenantPerson, error) {
	args := m.Called(ctx, personID)
	if a := args.Get(0); a != nil {
		return a.(*models.TenantPerson), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAssociationRepository) ListByPerson(ctx context.Context, personID uuid.UUID) ([]*models.TenantPerson, error) {
	args := m.Called(ctx, personID)
	if a := args.Get(0); a != nil {
		return a.([]*models.TenantPerson), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAssociationRepository) ClearPrimary(ctx context.Context, personID uuid.UUID) error {
	args := m.Called(ctx, personID)
	return args.Error(0)
}

type MockRevocationRepository struct {
	mock.Mock
}

func (m *MockRevocationRepository) Revoke(ctx context.Context, entry *models.RevocationEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockRevocationRepository) IsRevoked(ctx context.Context, tokenHash string) (bool, error) {
	args := m.Called(ctx, tokenHash)
	return args.Bool(0), args.Error(1)
}

func (m *MockRevocationRepository) DeleteExpired(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// Collaborator mocks

type MockIdentityProvider struct {
	mock.Mock
}

func (m *MockIdentityProvider) CreateUser(ctx context.Context, email, password string, metadata map[string]interface{}) (uuid.UUID, error) {
	args := m.Called(ctx, email, password, metadata)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

func (m *MockIdentityProvider) Authenticate(ctx context.Context, email, password string) (uuid.UUID, error) {
	args := m.Called(ctx, email, password)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

type MockOAuthBroker struct {
	mock.Mock
}

func (m *MockOAuthBroker) Configured(provider oauth.Provider) bool {
	args := m.Called(provider)
	return args.Bool(0)
}

func (m *MockOAuthBroker) AuthorizeURL(provider oauth.Provider, state string) (string, error) {
	args := m.Called(provider, state)
	return args.String(0), args.Error(1)
}

func (m *MockOAuthBroker) Exchange(ctx context.Context, provider oauth.Provider, code string) (*oauth.ExternalIdentity, error) {
	args := m.Called(ctx, provider, code)
	if id := args.Get(0); id != nil {
		return id.(*oauth.ExternalIdentity), args.Error(1)
	}
	return nil, args.Error(1)
}

// stubTxManager runs the transactional function inline and records the
// tenant context calls
type stubTxManager struct {
	tenantContexts []uuid.UUID
}

func (s *stubTxManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	return &stubTx{ctx: ctx}, nil
}

func (s *stubTxManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	return fn(ctx, &stubTx{ctx: ctx})
}

func (s *stubTxManager) SetTenantContext(ctx context.Context, tenantID uuid.UUID) error {
	s.tenantContexts = append(s.tenantContexts, tenantID)
	return nil
}

type stubTx struct {
	ctx context.Context
}

func (t *stubTx) Commit() error            { return nil }
func (t *stubTx) Rollback() error          { return nil }
func (t *stubTx) Context() context.Context { return t.ctx }

type authServiceMocks struct {
	persons      *MockPersonRepository
	tenants      *MockTenantRepository
	associations *MockAssociationRepository
	revocations  *MockRevocationRepository
	idp          *MockIdentityProvider
	broker       *MockOAuthBroker
	txMgr        *stubTxManager
	codec        *token.Codec
}

func newAuthService(t *testing.T) (*AuthService, *authServiceMocks) {
	t.Helper()

	m := &authServiceMocks{
		persons:      new(MockPersonRepository),
		tenants:      new(MockTenantRepository),
		associations: new(MockAssociationRepository),
		revocations:  new(MockRevocationRepository),
		idp:          new(MockIdentityProvider),
		broker:       new(MockOAuthBroker),
		txMgr:        &stubTxManager{},
		codec:        token.NewCodec("test-secret", 0, 0, 0),
	}

	repos := &repositories.Repositories{
		Persons:      m.persons,
		Tenants:      m.tenants,
		Associations: m.associations,
		Revocations:  m.revocations,
	}

	svc := NewAuthService(repos, m.txMgr, m.codec, m.idp, m.broker, zap.NewNop())
	return svc, m
}

func activePerson() *models.Person {
	p := models.NewPerson(uuid.New(), "Ada Person", "ada@example.com")
	return p
}

func TestAuthService_Register(t *testing.T) {
	ctx := context.Background()

	t.Run("creates tenant, person and admin association", func(t *testing.T) {
		svc, m := newAuthService(t)
		externalUID := uuid.New()

		m.tenants.On("GetBySubdomain", ctx, "acme").Return(nil, sql.ErrNoRows)
		m.persons.On("GetByEmail", ctx, "ada@example.com").Return(nil, sql.ErrNoRows)
		m.idp.On("CreateUser", ctx, "ada@example.com", "password1", map[string]interface{}{"name": "Ada Person"}).
			Return(externalUID, nil)
		m.tenants.On("Create", ctx, mock.AnythingOfType("*models.Tenant")).Return(nil)
		m.persons.On("Create", ctx, mock.AnythingOfType("*models.Person")).Return(nil)

		var created *models.TenantPerson
		m.associations.On("Create", ctx, mock.AnythingOfType("*models.TenantPerson")).
			Run(func(args mock.Arguments) {
				created = args.Get(1).(*models.TenantPerson)
			}).Return(nil)

		resp, err := svc.Register(ctx, &RegisterRequest{
			TenantName: "Acme Corp",
			Subdomain:  "acme",
			Name:       "Ada Person",
			Email:      "ada@example.com",
			Password:   "password1",
		})
		require.NoError(t, err)

		require.NotNil(t, created)
		assert.Equal(t, models.RoleInternal, created.Role)
		assert.Equal(t, []string{models.AccessAdmin}, created.AccessLevel)
		assert.True(t, created.IsPrimary)
		assert.Len(t, m.txMgr.tenantContexts, 1)

		claims, err := m.codec.Verify(resp.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, token.KindAccess, claims.Kind)
		assert.Equal(t, string(models.RoleInternal), claims.Role)
		assert.Equal(t, resp.TenantID, claims.TenantID)

		refreshClaims, err := m.codec.Verify(resp.RefreshToken)
		require.NoError(t, err)
		assert.Equal(t, token.KindRefresh, refreshClaims.Kind)
	})

	t.Run("rejects malformed subdomain", func(t *testing.T) {
		svc, _ := newAuthService(t)
		_, err := svc.Register(ctx, &RegisterRequest{
			TenantName: "Acme", Subdomain: "Not Valid!", Name: "A", Email: "a@b.com", Password: "password1",
		})
		assert.ErrorIs(t, err, ErrInvalidSubdomain)
	})

	t.Run("rejects pending role", func(t *testing.T) {
		svc, _ := newAuthService(t)
		_, err := svc.Register(ctx, &RegisterRequest{
			TenantName: "Acme", Subdomain: "acme", Name: "A", Email: "a@b.com", Password: "password1",
			Role: "pending",
		})
		assert.ErrorIs(t, err, ErrInvalidRole)
	})

	t.Run("taken subdomain conflicts", func(t *testing.T) {
		svc, m := newAuthService(t)
		m.tenants.On("GetBySubdomain", ctx, "acme").Return(models.NewTenant("Acme", "acme"), nil)

		_, err := svc.Register(ctx, &RegisterRequest{
			TenantName: "Acme", Subdomain: "acme", Name: "A", Email: "a@b.com", Password: "password1",
		})
		assert.ErrorIs(t, err, ErrDuplicateSubdomain)
	})

	t.Run("identity provider duplicate maps to email conflict", func(t *testing.T) {
		svc, m := newAuthService(t)
		m.tenants.On("GetBySubdomain", ctx, "acme").Return(nil, sql.ErrNoRows)
		m.persons.On("GetByEmail", ctx, "a@b.com").Return(nil, sql.ErrNoRows)
		m.idp.On("CreateUser", ctx, "a@b.com", "password1", mock.Anything).
			Return(uuid.Nil, supabase.ErrUserExists)

		_, err := svc.Register(ctx, &RegisterRequest{
			TenantName: "Acme", Subdomain: "acme", Name: "A", Email: "a@b.com", Password: "password1",
		})
		assert.ErrorIs(t, err, ErrDuplicateEmail)
	})

	t.Run("identity provider rejection is a validation error", func(t *testing.T) {
		svc, m := newAuthService(t)
		m.tenants.On("GetBySubdomain", ctx, "acme").Return(nil, sql.ErrNoRows)
		m.persons.On("GetByEmail", ctx, "a@b.com").Return(nil, sql.ErrNoRows)
		m.idp.On("CreateUser", ctx, "a@b.com", "weakpass1", mock.Anything).
			Return(uuid.Nil, errors.New("password does not meet requirements"))

		_, err := svc.Register(ctx, &RegisterRequest{
			TenantName: "Acme", Subdomain: "acme", Name: "A", Email: "a@b.com", Password: "weakpass1",
		})
		assert.True(t, IsValidationError(err))
	})
}

func TestAuthService_Login(t *testing.T) {
	ctx := context.Background()

	t.Run("primary association decides the tenant", func(t *testing.T) {
		svc, m := newAuthService(t)
		person := activePerson()
		tenantID := uuid.New()
		assoc := models.NewTenantPerson(person.ID, tenantID, models.RoleCustomer, []string{models.AccessStandard}, true)

		m.idp.On("Authenticate", ctx, person.Email, "password1").Return(person.ExternalUID, nil)
		m.persons.On("GetByExternalUID", ctx, person.ExternalUID).Return(person, nil)
		m.associations.On("GetPrimaryByPerson", ctx, person.ID).Return(assoc, nil)
		m.persons.On("UpdateLastLogin", ctx, person.ID).Return(nil)

		resp, err := svc.Login(ctx, &LoginRequest{Email: person.Email, Password: "password1"})
		require.NoError(t, err)
		assert.Equal(t, tenantID.String(), resp.TenantID)
		assert.Equal(t, string(models.RoleCustomer), resp.Role)
	})

	t.Run("explicit subdomain overrides the primary", func(t *testing.T) {
		svc, m := newAuthService(t)
		person := activePerson()
		tenant := models.NewTenant("Acme", "acme")
		assoc := models.NewTenantPerson(person.ID, tenant.ID, models.RoleVendor, []string{models.AccessStandard}, false)

		m.idp.On("Authenticate", ctx, person.Email, "password1").Return(person.ExternalUID, nil)
		m.persons.On("GetByExternalUID", ctx, person.ExternalUID).Return(person, nil)
		m.tenants.On("GetBySubdomain", ctx, "acme").Return(tenant, nil)
		m.associations.On("GetByPersonAndTenant", ctx, person.ID, tenant.ID).Return(assoc, nil)
		m.persons.On("UpdateLastLogin", ctx, person.ID).Return(nil)

		resp, err := svc.Login(ctx, &LoginRequest{Email: person.Email, Password: "password1", Subdomain: "acme"})
		require.NoError(t, err)
		assert.Equal(t, tenant.ID.String(), resp.TenantID)
		assert.Equal(t, string(models.RoleVendor), resp.Role)
	})

	t.Run("rejected credentials", func(t *testing.T) {
		svc, m := newAuthService(t)
		m.idp.On("Authenticate", ctx, "x@b.com", "wrong").Return(uuid.Nil, supabase.ErrInvalidCredentials)

		_, err := svc.Login(ctx, &LoginRequest{Email: "x@b.com", Password: "wrong"})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("person without association", func(t *testing.T) {
		svc, m := newAuthService(t)
		person := activePerson()
		m.idp.On("Authenticate", ctx, person.Email, "password1").Return(person.ExternalUID, nil)
		m.persons.On("GetByExternalUID", ctx, person.ExternalUID).Return(person, nil)
		m.associations.On("GetPrimaryByPerson", ctx, person.ID).Return(nil, sql.ErrNoRows)

		_, err := svc.Login(ctx, &LoginRequest{Email: person.Email, Password: "password1"})
		assert.ErrorIs(t, err, ErrAssociationNotFound)
	})

	t.Run("inactive tenant is forbidden", func(t *testing.T) {
		svc, m := newAuthService(t)
		person := activePerson()
		tenant := models.NewTenant("Acme", "acme")
		tenant.IsActive = false

		m.idp.On("Authenticate", ctx, person.Email, "password1").Return(person.ExternalUID, nil)
		m.persons.On("GetByExternalUID", ctx, person.ExternalUID).Return(person, nil)
		m.tenants.On("GetBySubdomain", ctx, "acme").Return(tenant, nil)

		_, err := svc.Login(ctx, &LoginRequest{Email: person.Email, Password: "password1", Subdomain: "acme"})
		assert.ErrorIs(t, err, ErrTenantInactive)
	})

	t.Run("deactivated person", func(t *testing.T) {
		svc, m := newAuthService(t)
		person := activePerson()
		person.IsActive = false
		m.idp.On("Authenticate", ctx, person.Email, "password1").Return(person.ExternalUID, nil)
		m.persons.On("GetByExternalUID", ctx, person.ExternalUID).Return(person, nil)

		_, err := svc.Login(ctx, &LoginRequest{Email: person.Email, Password: "password1"})
		assert.ErrorIs(t, err, ErrForbidden)
	})
}

func TestAuthService_PersonOnlyFlows(t *testing.T) {
	ctx := context.Background()

	t.Run("register issues pending tokens", func(t *testing.T) {
		svc, m := newAuthService(t)
		externalUID := uuid.New()

		m.persons.On("GetByEmail", ctx, "solo@example.com").Return(nil, sql.ErrNoRows)
		m.idp.On("CreateUser", ctx, "solo@example.com", "password1", mock.Anything).Return(externalUID, nil)
		m.persons.On("Create", ctx, mock.AnythingOfType("*models.Person")).Return(nil)

		resp, err := svc.PersonOnlyRegister(ctx, &PersonRegisterRequest{
			Name: "Solo Person", Email: "solo@example.com", Password: "password1",
		})
		require.NoError(t, err)
		assert.Empty(t, resp.TenantID)
		assert.Equal(t, token.RolePending, resp.Role)

		claims, err := m.codec.Verify(resp.AccessToken)
		require.NoError(t, err)
		assert.True(t, claims.IsPending())

		refreshClaims, err := m.codec.Verify(resp.RefreshToken)
		require.NoError(t, err)
		ttl := refreshClaims.ExpiresAt.Sub(refreshClaims.IssuedAt.Time)
		assert.Equal(t, token.DefaultPendingRefreshTTL, ttl)
	})

	t.Run("login issues pending tokens and stamps last login", func(t *testing.T) {
		svc, m := newAuthService(t)
		person := activePerson()

		m.idp.On("Authenticate", ctx, person.Email, "password1").Return(person.ExternalUID, nil)
		m.persons.On("GetByExternalUID", ctx, person.ExternalUID).Return(person, nil)
		m.persons.On("UpdateLastLogin", ctx, person.ID).Return(nil)

		resp, err := svc.PersonOnlyLogin(ctx, &PersonLoginRequest{Email: person.Email, Password: "password1"})
		require.NoError(t, err)
		assert.Equal(t, token.RolePending, resp.Role)
		m.persons.AssertCalled(t, "UpdateLastLogin", ctx, person.ID)
	})
}

func TestAuthService_JoinExistingTenant(t *testing.T) {
	ctx := context.Background()

	pendingClaims := func(t *testing.T, codec *token.Codec, personID uuid.UUID) *token.Claims {
		t.Helper()
		raw, err := codec.IssuePendingAccess(personID)
		require.NoError(t, err)
		claims, err := codec.Verify(raw)
		require.NoError(t, err)
		return claims
	}

	t.Run("attaches person with standard access", func(t *testing.T) {
		svc, m := newAuthService(t)
		person := activePerson()
		tenant := models.NewTenant("Acme", "acme")
		claims := pendingClaims(t, m.codec, person.ID)

		m.persons.On("GetByID", ctx, person.ID).Return(person, nil)
		m.tenants.On("GetBySubdomain", ctx, "acme").Return(tenant, nil)
		m.associations.On("GetByPersonAndTenant", ctx, person.ID, tenant.ID).Return(nil, sql.ErrNoRows)

		var created *models.TenantPerson
		m.associations.On("Create", ctx, mock.AnythingOfType("*models.TenantPerson")).
			Run(func(args mock.Arguments) {
				created = args.Get(1).(*models.TenantPerson)
			}).Return(nil)

		resp, err := svc.JoinExistingTenant(ctx, claims, &JoinTenantRequest{Subdomain: "acme", Role: "customer"})
		require.NoError(t, err)

		require.NotNil(t, created)
		assert.Equal(t, models.RoleCustomer, created.Role)
		assert.Equal(t, []string{models.AccessStandard}, created.AccessLevel)
		assert.False(t, created.IsPrimary)
		assert.Equal(t, tenant.ID.String(), resp.TenantID)
	})

	t.Run("existing membership conflicts", func(t *testing.T) {
		svc, m := newAuthService(t)
		person := activePerson()
		tenant := models.NewTenant("Acme", "acme")
		claims := pendingClaims(t, m.codec, person.ID)
		existing := models.NewTenantPerson(person.ID, tenant.ID, models.RoleCustomer, []string{models.AccessStandard}, false)

		m.persons.On("GetByID", ctx, person.ID).Return(person, nil)
		m.tenants.On("GetBySubdomain", ctx, "acme").Return(tenant, nil)
		m.associations.On("GetByPersonAndTenant", ctx, person.ID, tenant.ID).Return(existing, nil)

		_, err := svc.JoinExistingTenant(ctx, claims, &JoinTenantRequest{Subdomain: "acme", Role: "customer"})
		assert.ErrorIs(t, err, ErrDuplicateAssociation)
	})

	t.Run("pending role is not joinable", func(t *testing.T) {
		svc, m := newAuthService(t)
		claims := pendingClaims(t, m.codec, uuid.New())

		_, err := svc.JoinExistingTenant(ctx, claims, &JoinTenantRequest{Subdomain: "acme", Role: "pending"})
		assert.ErrorIs(t, err, ErrInvalidRole)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		svc, m := newAuthService(t)
		person := activePerson()
		claims := pendingClaims(t, m.codec, person.ID)

		m.persons.On("GetByID", ctx, person.ID).Return(person, nil)
		m.tenants.On("GetBySubdomain", ctx, "ghost").Return(nil, sql.ErrNoRows)

		_, err := svc.JoinExistingTenant(ctx, claims, &JoinTenantRequest{Subdomain: "ghost", Role: "customer"})
		assert.ErrorIs(t, err, ErrTenantNotFound)
	})
}

func TestAuthService_CreateAndJoinTenant(t *testing.T) {
	ctx := context.Background()

	t.Run("new tenant becomes the primary", func(t *testing.T) {
		svc, m := newAuthService(t)
		person := activePerson()

		raw, err := m.codec.IssuePendingAccess(person.ID)
		require.NoError(t, err)
		claims, err := m.codec.Verify(raw)
		require.NoError(t, err)

		m.persons.On("GetByID", ctx, person.ID).Return(person, nil)
		m.tenants.On("GetBySubdomain", ctx, "newco").Return(nil, sql.ErrNoRows)
		m.tenants.On("Create", ctx, mock.AnythingOfType("*models.Tenant")).Return(nil)
		m.associations.On("ClearPrimary", ctx, person.ID).Return(nil)

		var created *models.TenantPerson
		m.associations.On("Create", ctx, mock.AnythingOfType("*models.TenantPerson")).
			Run(func(args mock.Arguments) {
				created = args.Get(1).(*models.TenantPerson)
			}).Return(nil)

		resp, err := svc.CreateAndJoinTenant(ctx, claims, &CreateTenantRequest{TenantName: "NewCo", Subdomain: "newco"})
		require.NoError(t, err)

		m.associations.AssertCalled(t, "ClearPrimary", ctx, person.ID)
		require.NotNil(t, created)
		assert.Equal(t, models.RoleInternal, created.Role)
		assert.True(t, created.IsPrimary)
		assert.Equal(t, string(models.RoleInternal), resp.Role)
	})

	t.Run("taken subdomain conflicts", func(t *testing.T) {
		svc, m := newAuthService(t)
		person := activePerson()

		raw, err := m.codec.IssuePendingAccess(person.ID)
		require.NoError(t, err)
		claims, err := m.codec.Verify(raw)
		require.NoError(t, err)

		m.persons.On("GetByID", ctx, person.ID).Return(person, nil)
		m.tenants.On("GetBySubdomain", ctx, "taken").Return(models.NewTenant("Taken", "taken"), nil)

		_, err = svc.CreateAndJoinTenant(ctx, claims, &CreateTenantRequest{TenantName: "Taken", Subdomain: "taken"})
		assert.ErrorIs(t, err, ErrDuplicateSubdomain)
	})
}

func TestAuthService_RefreshToken(t *testing.T) {
	ctx := context.Background()

	t.Run("rotates the pair and revokes the old token", func(t *testing.T) {
		svc, m := newAuthService(t)
		person := activePerson()
		tenantID := uuid.New()
		assoc := models.NewTenantPerson(person.ID, tenantID, models.RoleInternal, []string{models.AccessAdmin}, true)

		oldRefresh, err := m.codec.IssueRefresh(person.ID, tenantID.String())
		require.NoError(t, err)

		m.revocations.On("IsRevoked", ctx, token.Fingerprint(oldRefresh)).Return(false, nil)
		m.persons.On("GetByID", ctx, person.ID).Return(person, nil)

		var revoked *models.RevocationEntry
		m.revocations.On("Revoke", ctx, mock.AnythingOfType("*models.RevocationEntry")).
			Run(func(args mock.Arguments) {
				revoked = args.Get(1).(*models.RevocationEntry)
			}).Return(nil)
		m.associations.On("GetByPersonAndTenant", ctx, person.ID, tenantID).Return(assoc, nil)

		resp, err := svc.RefreshToken(ctx, &RefreshRequest{RefreshToken: oldRefresh})
		require.NoError(t, err)

		require.NotNil(t, revoked)
		assert.Equal(t, token.Fingerprint(oldRefresh), revoked.TokenHash)
		assert.Equal(t, models.TokenKindRefresh, revoked.TokenType)
		assert.NotEqual(t, oldRefresh, resp.RefreshToken)
		assert.Equal(t, tenantID.String(), resp.TenantID)
	})

	t.Run("access token is the wrong kind", func(t *testing.T) {
		svc, m := newAuthService(t)
		access, err := m.codec.IssueAccess(uuid.New(), uuid.New().String(), "internal")
		require.NoError(t, err)

		_, err = svc.RefreshToken(ctx, &RefreshRequest{RefreshToken: access})
		assert.ErrorIs(t, err, ErrWrongTokenKind)
	})

	t.Run("revoked token is rejected", func(t *testing.T) {
		svc, m := newAuthService(t)
		refresh, err := m.codec.IssueRefresh(uuid.New(), uuid.New().String())
		require.NoError(t, err)

		m.revocations.On("IsRevoked", ctx, token.Fingerprint(refresh)).Return(true, nil)

		_, err = svc.RefreshToken(ctx, &RefreshRequest{RefreshToken: refresh})
		assert.ErrorIs(t, err, ErrTokenRevoked)
	})

	t.Run("pending refresh rotates into a pending pair", func(t *testing.T) {
		svc, m := newAuthService(t)
		person := activePerson()

		refresh, err := m.codec.IssuePendingRefresh(person.ID)
		require.NoError(t, err)

		m.revocations.On("IsRevoked", ctx, token.Fingerprint(refresh)).Return(false, nil)
		m.persons.On("GetByID", ctx, person.ID).Return(person, nil)
		m.revocations.On("Revoke", ctx, mock.AnythingOfType("*models.RevocationEntry")).Return(nil)

		resp, err := svc.RefreshToken(ctx, &RefreshRequest{RefreshToken: refresh})
		require.NoError(t, err)
		assert.Empty(t, resp.TenantID)
		assert.Equal(t, token.RolePending, resp.Role)
	})

	t.Run("garbage token", func(t *testing.T) {
		svc, _ := newAuthService(t)
		_, err := svc.RefreshToken(ctx, &RefreshRequest{RefreshToken: "not-a-token"})
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("losing a revocation race is rejected", func(t *testing.T) {
		svc, m := newAuthService(t)
		person := activePerson()
		tenantID := uuid.New()

		refresh, err := m.codec.IssueRefresh(person.ID, tenantID.String())
		require.NoError(t, err)

		// The pre-check sees a clean ledger, but a concurrent rotation
		// wins the insert inside the transaction
		m.revocations.On("IsRevoked", ctx, token.Fingerprint(refresh)).Return(false, nil)
		m.persons.On("GetByID", ctx, person.ID).Return(person, nil)
		m.revocations.On("Revoke", ctx, mock.AnythingOfType("*models.RevocationEntry")).
			Return(repositories.ErrAlreadyRevoked)

		_, err = svc.RefreshToken(ctx, &RefreshRequest{RefreshToken: refresh})
		assert.ErrorIs(t, err, ErrTokenRevoked)
	})
}

func TestAuthService_Logout(t *testing.T) {
	ctx := context.Background()

	issuePairFor := func(t *testing.T, codec *token.Codec, personID uuid.UUID, tenantID string) (string, *token.Claims, string) {
		t.Helper()
		access, err := codec.IssueAccess(personID, tenantID, "internal")
		require.NoError(t, err)
		accessClaims, err := codec.Verify(access)
		require.NoError(t, err)
		refresh, err := codec.IssueRefresh(personID, tenantID)
		require.NoError(t, err)
		return access, accessClaims, refresh
	}

	t.Run("revokes both tokens", func(t *testing.T) {
		svc, m := newAuthService(t)
		personID := uuid.New()
		tenantID := uuid.New().String()
		access, accessClaims, refresh := issuePairFor(t, m.codec, personID, tenantID)

		m.revocations.On("IsRevoked", ctx, token.Fingerprint(refresh)).Return(false, nil)

		var entries []*models.RevocationEntry
		m.revocations.On("Revoke", ctx, mock.AnythingOfType("*models.RevocationEntry")).
			Run(func(args mock.Arguments) {
				entries = append(entries, args.Get(1).(*models.RevocationEntry))
			}).Return(nil)

		err := svc.Logout(ctx, accessClaims, access, &LogoutRequest{RefreshToken: refresh})
		require.NoError(t, err)

		require.Len(t, entries, 2)
		assert.Equal(t, models.TokenKindRefresh, entries[0].TokenType)
		assert.Equal(t, token.Fingerprint(refresh), entries[0].TokenHash)
		assert.Equal(t, models.TokenKindAccess, entries[1].TokenType)
		assert.Equal(t, token.Fingerprint(access), entries[1].TokenHash)
	})

	t.Run("tokens from different tenants", func(t *testing.T) {
		svc, m := newAuthService(t)
		personID := uuid.New()
		access, accessClaims, _ := issuePairFor(t, m.codec, personID, uuid.New().String())
		otherRefresh, err := m.codec.IssueRefresh(personID, uuid.New().String())
		require.NoError(t, err)

		err = svc.Logout(ctx, accessClaims, access, &LogoutRequest{RefreshToken: otherRefresh})
		assert.ErrorIs(t, err, ErrTenantMismatch)
	})

	t.Run("access token in the refresh slot", func(t *testing.T) {
		svc, m := newAuthService(t)
		personID := uuid.New()
		tenantID := uuid.New().String()
		access, accessClaims, _ := issuePairFor(t, m.codec, personID, tenantID)

		err := svc.Logout(ctx, accessClaims, access, &LogoutRequest{RefreshToken: access})
		assert.ErrorIs(t, err, ErrWrongTokenKind)
	})

	t.Run("refresh token of another person", func(t *testing.T) {
		svc, m := newAuthService(t)
		tenantID := uuid.New().String()
		access, accessClaims, _ := issuePairFor(t, m.codec, uuid.New(), tenantID)
		otherRefresh, err := m.codec.IssueRefresh(uuid.New(), tenantID)
		require.NoError(t, err)

		err = svc.Logout(ctx, accessClaims, access, &LogoutRequest{RefreshToken: otherRefresh})
		assert.ErrorIs(t, err, ErrNotTokenOwner)
	})

	t.Run("replayed logout is rejected", func(t *testing.T) {
		svc, m := newAuthService(t)
		personID := uuid.New()
		tenantID := uuid.New().String()
		access, accessClaims, refresh := issuePairFor(t, m.codec, personID, tenantID)

		m.revocations.On("IsRevoked", ctx, token.Fingerprint(refresh)).Return(true, nil)

		err := svc.Logout(ctx, accessClaims, access, &LogoutRequest{RefreshToken: refresh})
		assert.ErrorIs(t, err, ErrTokenRevoked)
	})

	t.Run("concurrent logout losing the refresh revocation", func(t *testing.T) {
		svc, m := newAuthService(t)
		personID := uuid.New()
		tenantID := uuid.New().String()
		access, accessClaims, refresh := issuePairFor(t, m.codec, personID, tenantID)

		m.revocations.On("IsRevoked", ctx, token.Fingerprint(refresh)).Return(false, nil)
		m.revocations.On("Revoke", ctx, mock.AnythingOfType("*models.RevocationEntry")).
			Return(repositories.ErrAlreadyRevoked)

		err := svc.Logout(ctx, accessClaims, access, &LogoutRequest{RefreshToken: refresh})
		assert.ErrorIs(t, err, ErrTokenRevoked)
	})
}

func TestAuthService_OAuthURL(t *testing.T) {
	ctx := context.Background()

	t.Run("builds url with tenant-scoped state", func(t *testing.T) {
		svc, m := newAuthService(t)
		tenant := models.NewTenant("Acme", "acme")

		m.tenants.On("GetBySubdomain", ctx, "acme").Return(tenant, nil)
		m.broker.On("AuthorizeURL", oauth.ProviderGoogle, mock.MatchedBy(func(state string) bool {
			return strings.HasPrefix(state, "acme:")
		})).Return("https://accounts.google.com/o/oauth2/v2/auth?state=acme", nil)

		resp, err := svc.OAuthURL(ctx, &OAuthURLRequest{Provider: "google", Subdomain: "acme"})
		require.NoError(t, err)
		assert.NotEmpty(t, resp.URL)
		assert.NoError(t, oauth.VerifyState(resp.State, "acme"))
	})

	t.Run("unknown provider", func(t *testing.T) {
		svc, _ := newAuthService(t)
		_, err := svc.OAuthURL(ctx, &OAuthURLRequest{Provider: "github", Subdomain: "acme"})
		assert.ErrorIs(t, err, ErrProviderNotSupported)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		svc, m := newAuthService(t)
		m.tenants.On("GetBySubdomain", ctx, "ghost").Return(nil, sql.ErrNoRows)

		_, err := svc.OAuthURL(ctx, &OAuthURLRequest{Provider: "google", Subdomain: "ghost"})
		assert.ErrorIs(t, err, ErrTenantNotFound)
	})

	t.Run("provider without credentials", func(t *testing.T) {
		svc, m := newAuthService(t)
		tenant := models.NewTenant("Acme", "acme")
		m.tenants.On("GetBySubdomain", ctx, "acme").Return(tenant, nil)
		m.broker.On("AuthorizeURL", oauth.ProviderApple, mock.Anything).Return("", oauth.ErrNotConfigured)

		_, err := svc.OAuthURL(ctx, &OAuthURLRequest{Provider: "apple", Subdomain: "acme"})
		assert.ErrorIs(t, err, ErrProviderNotConfigured)
	})
}

func TestAuthService_OAuthCallback(t *testing.T) {
	ctx := context.Background()

	t.Run("logs in a person with an internal association", func(t *testing.T) {
		svc, m := newAuthService(t)
		person := activePerson()
		tenant := models.NewTenant("Acme", "acme")
		assoc := models.NewTenantPerson(person.ID, tenant.ID, models.RoleInternal, []string{models.AccessAdmin}, true)

		m.tenants.On("GetBySubdomain", ctx, "acme").Return(tenant, nil)
		m.broker.On("Exchange", ctx, oauth.ProviderGoogle, "auth-code").Return(&oauth.ExternalIdentity{
			Provider: oauth.ProviderGoogle,
			Subject:  "google-subject",
			Email:    person.Email,
			Name:     person.Name,
		}, nil)
		m.persons.On("GetByEmail", ctx, person.Email).Return(person, nil)
		m.associations.On("GetByPersonAndTenant", ctx, person.ID, tenant.ID).Return(assoc, nil)
		m.persons.On("UpdateLastLogin", ctx, person.ID).Return(nil)

		resp, err := svc.OAuthCallback(ctx, &OAuthCallbackRequest{
			Provider: "google", Code: "auth-code", State: oauth.FormatState("acme"), TenantSubdomain: "acme",
		})
		require.NoError(t, err)
		assert.Equal(t, tenant.ID.String(), resp.TenantID)
		assert.Equal(t, string(models.RoleInternal), resp.Role)
	})

	t.Run("malformed state", func(t *testing.T) {
		svc, m := newAuthService(t)
		tenant := models.NewTenant("Acme", "acme")
		m.tenants.On("GetBySubdomain", ctx, "acme").Return(tenant, nil)

		_, err := svc.OAuthCallback(ctx, &OAuthCallbackRequest{
			Provider: "google", Code: "c", State: "no-separator", TenantSubdomain: "acme",
		})
		assert.ErrorIs(t, err, ErrInvalidOAuthState)
	})

	t.Run("state issued for another tenant", func(t *testing.T) {
		svc, m := newAuthService(t)
		tenant := models.NewTenant("Acme", "acme")
		m.tenants.On("GetBySubdomain", ctx, "acme").Return(tenant, nil)

		// A state minted for a different tenant must not open a session
		// in this one, even when both tenants exist
		_, err := svc.OAuthCallback(ctx, &OAuthCallbackRequest{
			Provider: "google", Code: "auth-code", State: oauth.FormatState("other"), TenantSubdomain: "acme",
		})
		assert.ErrorIs(t, err, ErrInvalidOAuthState)
		m.broker.AssertNotCalled(t, "Exchange", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("identity without a local person", func(t *testing.T) {
		svc, m := newAuthService(t)
		tenant := models.NewTenant("Acme", "acme")

		m.tenants.On("GetBySubdomain", ctx, "acme").Return(tenant, nil)
		m.broker.On("Exchange", ctx, oauth.ProviderGoogle, "auth-code").Return(&oauth.ExternalIdentity{
			Provider: oauth.ProviderGoogle, Subject: "s", Email: "stranger@example.com",
		}, nil)
		m.persons.On("GetByEmail", ctx, "stranger@example.com").Return(nil, sql.ErrNoRows)

		_, err := svc.OAuthCallback(ctx, &OAuthCallbackRequest{
			Provider: "google", Code: "auth-code", State: oauth.FormatState("acme"), TenantSubdomain: "acme",
		})
		assert.ErrorIs(t, err, ErrPersonNotFound)
	})

	t.Run("non-internal association is forbidden", func(t *testing.T) {
		svc, m := newAuthService(t)
		person := activePerson()
		tenant := models.NewTenant("Acme", "acme")
		assoc := models.NewTenantPerson(person.ID, tenant.ID, models.RoleCustomer, []string{models.AccessStandard}, true)

		m.tenants.On("GetBySubdomain", ctx, "acme").Return(tenant, nil)
		m.broker.On("Exchange", ctx, oauth.ProviderGoogle, "auth-code").Return(&oauth.ExternalIdentity{
			Provider: oauth.ProviderGoogle, Subject: "s", Email: person.Email,
		}, nil)
		m.persons.On("GetByEmail", ctx, person.Email).Return(person, nil)
		m.associations.On("GetByPersonAndTenant", ctx, person.ID, tenant.ID).Return(assoc, nil)

		_, err := svc.OAuthCallback(ctx, &OAuthCallbackRequest{
			Provider: "google", Code: "auth-code", State: oauth.FormatState("acme"), TenantSubdomain: "acme",
		})
		assert.ErrorIs(t, err, ErrForbidden)
	})
}

func TestAuthService_OAuthRegisterInternalPerson(t *testing.T) {
	ctx := context.Background()

	t.Run("provisions tenant and person from the provider identity", func(t *testing.T) {
		svc, m := newAuthService(t)

		m.tenants.On("GetBySubdomain", ctx, "acme").Return(nil, sql.ErrNoRows)
		m.broker.On("Exchange", ctx, oauth.ProviderGoogle, "auth-code").Return(&oauth.ExternalIdentity{
			Provider: oauth.ProviderGoogle,
			Subject:  "google-subject",
			Email:    "ada@example.com",
			Name:     "Ada Person",
		}, nil)
		m.persons.On("GetByEmail", ctx, "ada@example.com").Return(nil, sql.ErrNoRows)
		m.tenants.On("Create", ctx, mock.AnythingOfType("*models.Tenant")).Return(nil)

		var createdPerson *models.Person
		m.persons.On("Create", ctx, mock.AnythingOfType("*models.Person")).
			Run(func(args mock.Arguments) {
				createdPerson = args.Get(1).(*models.Person)
			}).Return(nil)

		var created *models.TenantPerson
		m.associations.On("Create", ctx, mock.AnythingOfType("*models.TenantPerson")).
			Run(func(args mock.Arguments) {
				created = args.Get(1).(*models.TenantPerson)
			}).Return(nil)

		resp, err := svc.OAuthRegisterInternalPerson(ctx, &OAuthRegisterInternalRequest{
			Provider: "google", Code: "auth-code", State: oauth.FormatState("acme"),
			TenantName: "Acme", Subdomain: "acme",
		})
		require.NoError(t, err)

		// The person is built from the exchanged identity, not from
		// anything the caller typed
		require.NotNil(t, createdPerson)
		assert.Equal(t, "ada@example.com", createdPerson.Email)
		assert.Equal(t, "Ada Person", createdPerson.Name)

		require.NotNil(t, created)
		assert.Equal(t, models.RoleInternal, created.Role)
		assert.True(t, created.IsPrimary)
		assert.Equal(t, string(models.RoleInternal), resp.Role)
	})

	t.Run("never provisions without a completed code exchange", func(t *testing.T) {
		svc, m := newAuthService(t)

		m.tenants.On("GetBySubdomain", ctx, "acme").Return(nil, sql.ErrNoRows)
		m.broker.On("Exchange", ctx, oauth.ProviderGoogle, "bad-code").
			Return(nil, errors.New("invalid_grant"))

		_, err := svc.OAuthRegisterInternalPerson(ctx, &OAuthRegisterInternalRequest{
			Provider: "google", Code: "bad-code", State: oauth.FormatState("acme"),
			TenantName: "Acme", Subdomain: "acme",
		})
		require.Error(t, err)
		assert.True(t, IsExternalError(err))
		m.tenants.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		m.persons.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})

	t.Run("state issued for another subdomain", func(t *testing.T) {
		svc, m := newAuthService(t)

		m.tenants.On("GetBySubdomain", ctx, "acme").Return(nil, sql.ErrNoRows)

		_, err := svc.OAuthRegisterInternalPerson(ctx, &OAuthRegisterInternalRequest{
			Provider: "google", Code: "auth-code", State: oauth.FormatState("other"),
			TenantName: "Acme", Subdomain: "acme",
		})
		assert.ErrorIs(t, err, ErrInvalidOAuthState)
		m.broker.AssertNotCalled(t, "Exchange", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unknown provider", func(t *testing.T) {
		svc, _ := newAuthService(t)

		_, err := svc.OAuthRegisterInternalPerson(ctx, &OAuthRegisterInternalRequest{
			Provider: "github", Code: "c", State: oauth.FormatState("acme"),
			TenantName: "Acme", Subdomain: "acme",
		})
		assert.ErrorIs(t, err, ErrProviderNotSupported)
	})

	t.Run("identity email already registered", func(t *testing.T) {
		svc, m := newAuthService(t)

		m.tenants.On("GetBySubdomain", ctx, "acme").Return(nil, sql.ErrNoRows)
		m.broker.On("Exchange", ctx, oauth.ProviderGoogle, "auth-code").Return(&oauth.ExternalIdentity{
			Provider: oauth.ProviderGoogle, Subject: "s", Email: "taken@example.com", Name: "T",
		}, nil)
		m.persons.On("GetByEmail", ctx, "taken@example.com").Return(activePerson(), nil)

		_, err := svc.OAuthRegisterInternalPerson(ctx, &OAuthRegisterInternalRequest{
			Provider: "google", Code: "auth-code", State: oauth.FormatState("acme"),
			TenantName: "Acme", Subdomain: "acme",
		})
		assert.ErrorIs(t, err, ErrDuplicateEmail)
	})
}

func TestAuthService_TokenQueries(t *testing.T) {
	ctx := context.Background()

	t.Run("IsTokenRevoked checks the ledger by fingerprint", func(t *testing.T) {
		svc, m := newAuthService(t)
		m.revocations.On("IsRevoked", ctx, token.Fingerprint("raw-token")).Return(true, nil)

		revoked, err := svc.IsTokenRevoked(ctx, "raw-token")
		require.NoError(t, err)
		assert.True(t, revoked)
	})

	t.Run("PurgeExpiredTokens reports the count", func(t *testing.T) {
		svc, m := newAuthService(t)
		m.revocations.On("DeleteExpired", ctx).Return(int64(3), nil)

		n, err := svc.PurgeExpiredTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("VerifyAccessToken rejects refresh tokens", func(t *testing.T) {
		svc, m := newAuthService(t)
		refresh, err := m.codec.IssueRefresh(uuid.New(), uuid.New().String())
		require.NoError(t, err)

		_, err = svc.VerifyAccessToken(refresh)
		assert.ErrorIs(t, err, ErrWrongTokenKind)
	})

	t.Run("VerifyAccessToken accepts a fresh access token", func(t *testing.T) {
		svc, m := newAuthService(t)
		personID := uuid.New()
		access, err := m.codec.IssueAccess(personID, uuid.New().String(), "internal")
		require.NoError(t, err)

		claims, err := svc.VerifyAccessToken(access)
		require.NoError(t, err)
		got, err := claims.PersonID()
		require.NoError(t, err)
		assert.Equal(t, personID, got)
		assert.WithinDuration(t, time.Now().Add(m.codec.AccessTTL()), claims.ExpiresAt.Time, 5*time.Second)
	})
}
