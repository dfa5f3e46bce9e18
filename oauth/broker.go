// Package oauth handles federated login against Google, Microsoft and
// Apple. The broker builds authorization URLs, exchanges authorization
// codes and normalizes the provider's user info into one shape.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fieldline/ems-auth/config"
)

// Provider identifies a supported federated login provider
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderApple     Provider = "apple"
)

// ParseProvider converts a request string into a Provider
func ParseProvider(s string) (Provider, error) {
	switch Provider(strings.ToLower(s)) {
	case ProviderGoogle, ProviderMicrosoft, ProviderApple:
		return Provider(strings.ToLower(s)), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, s)
	}
}

var (
	// ErrUnknownProvider indicates the provider name is not recognized
	ErrUnknownProvider = errors.New("unknown oauth provider")
	// ErrNotConfigured indicates the provider has no client credentials
	ErrNotConfigured = errors.New("oauth provider not configured")
	// ErrNotImplemented indicates the provider's profile fetch is not supported yet
	ErrNotImplemented = errors.New("oauth provider profile fetch not implemented")
)

const (
	googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
	microsoftGraphURL = "https://graph.microsoft.com/v1.0/me"
)

// ExternalIdentity is the normalized result of a completed code exchange
type ExternalIdentity struct {
	Provider Provider `json:"provider"`
	Subject  string   `json:"subject"`
	Email    string   `json:"email"`
	Name     string   `json:"name"`
}

// Broker holds the per-provider OAuth2 configurations
type Broker struct {
	configs map[Provider]*oauth2.Config
	extras  map[Provider][]oauth2.AuthCodeOption
	logger  *zap.Logger

	// user info endpoints, overridable in tests
	googleUserInfoURL string
	microsoftGraphURL string
}

// NewBroker creates a broker from the configured providers. Providers
// without credentials are left out and report ErrNotConfigured.
func NewBroker(cfg config.OAuthConfig, logger *zap.Logger) *Broker {
	b := &Broker{
		configs:           make(map[Provider]*oauth2.Config),
		extras:            make(map[Provider][]oauth2.AuthCodeOption),
		logger:            logger,
		googleUserInfoURL: googleUserInfoURL,
		microsoftGraphURL: microsoftGraphURL,
	}

	if cfg.Google.Configured() {
		b.configs[ProviderGoogle] = &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
				TokenURL: "https://oauth2.googleapis.com/token",
			},
		}
		b.extras[ProviderGoogle] = []oauth2.AuthCodeOption{
			oauth2.SetAuthURLParam("access_type", "offline"),
		}
	}

	if cfg.Microsoft.Configured() {
		tenant := cfg.MicrosoftTenantID
		if tenant == "" {
			tenant = "common"
		}
		b.configs[ProviderMicrosoft] = &oauth2.Config{
			ClientID:     cfg.Microsoft.ClientID,
			ClientSecret: cfg.Microsoft.ClientSecret,
			RedirectURL:  cfg.Microsoft.RedirectURL,
			Scopes:       []string{"openid", "email", "profile", "User.Read"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/authorize", tenant),
				TokenURL: fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenant),
			},
		}
		b.extras[ProviderMicrosoft] = []oauth2.AuthCodeOption{
			oauth2.SetAuthURLParam("response_mode", "query"),
		}
	}

	if cfg.Apple.Configured() {
		b.configs[ProviderApple] = &oauth2.Config{
			ClientID:     cfg.Apple.ClientID,
			ClientSecret: cfg.Apple.ClientSecret,
			RedirectURL:  cfg.Apple.RedirectURL,
			Scopes:       []string{"name", "email"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://appleid.apple.com/auth/authorize",
				TokenURL: "https://appleid.apple.com/auth/token",
			},
		}
		b.extras[ProviderApple] = []oauth2.AuthCodeOption{
			oauth2.SetAuthURLParam("response_mode", "form_post"),
		}
	}

	return b
}

// Configured reports whether the provider has credentials
func (b *Broker) Configured(provider Provider) bool {
	_, ok := b.configs[provider]
	return ok
}

// AuthorizeURL builds the provider's authorization URL carrying the state
func (b *Broker) AuthorizeURL(provider Provider, state string) (string, error) {
	cfg, ok := b.configs[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotConfigured, provider)
	}
	return cfg.AuthCodeURL(state, b.extras[provider]...), nil
}

// Exchange trades an authorization code for the provider's user identity
func (b *Broker) Exchange(ctx context.Context, provider Provider, code string) (*ExternalIdentity, error) {
	cfg, ok := b.configs[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, provider)
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("code exchange with %s failed: %w", provider, err)
	}

	identity, err := b.fetchUserInfo(ctx, provider, cfg, tok)
	if err != nil {
		return nil, err
	}

	b.logger.Debug("oauth identity resolved",
		zap.String("provider", string(provider)),
		zap.String("subject", identity.Subject),
	)
	return identity, nil
}

func (b *Broker) fetchUserInfo(ctx context.Context, provider Provider, cfg *oauth2.Config, tok *oauth2.Token) (*ExternalIdentity, error) {
	switch provider {
	case ProviderGoogle:
		return b.fetchGoogleUserInfo(ctx, cfg, tok)
	case ProviderMicrosoft:
		return b.fetchMicrosoftUserInfo(ctx, cfg, tok)
	case ProviderApple:
		// Apple delivers the profile only in the identity token on first
		// authorization; decoding it is not wired up yet.
		return nil, ErrNotImplemented
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
}

func (b *Broker) fetchGoogleUserInfo(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token) (*ExternalIdentity, error) {
	body, err := b.getJSON(ctx, cfg, tok, b.googleUserInfoURL)
	if err != nil {
		return nil, err
	}

	var info struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode google user info: %w", err)
	}

	return &ExternalIdentity{
		Provider: ProviderGoogle,
		Subject:  info.ID,
		Email:    info.Email,
		Name:     info.Name,
	}, nil
}

func (b *Broker) fetchMicrosoftUserInfo(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token) (*ExternalIdentity, error) {
	body, err := b.getJSON(ctx, cfg, tok, b.microsoftGraphURL)
	if err != nil {
		return nil, err
	}

	var info struct {
		ID                string `json:"id"`
		DisplayName       string `json:"displayName"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode microsoft user info: %w", err)
	}

	// Personal accounts often have no mail attribute
	email := info.Mail
	if email == "" {
		email = info.UserPrincipalName
	}

	return &ExternalIdentity{
		Provider: ProviderMicrosoft,
		Subject:  info.ID,
		Email:    email,
		Name:     info.DisplayName,
	}, nil
}

func (b *Broker) getJSON(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token, url string) ([]byte, error) {
	client := cfg.Client(ctx, tok)
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read user info response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		b.logger.Warn("user info endpoint returned error",
			zap.String("url", url),
			zap.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("user info endpoint returned status %d", resp.StatusCode)
	}
	return body, nil
}

// FormatState builds the opaque state parameter carrying the tenant
// subdomain and a nonce
func FormatState(subdomain string) string {
	return subdomain + ":" + uuid.NewString()
}

// ErrStateMismatch indicates a state parameter that was not issued for
// the named tenant
var ErrStateMismatch = errors.New("oauth state does not match tenant")

// VerifyState checks that a state parameter was issued for the given
// tenant subdomain. The callback names its tenant explicitly; the state
// must carry the matching prefix or it was forged or misrouted.
func VerifyState(state, subdomain string) error {
	if subdomain == "" || !strings.HasPrefix(state, subdomain+":") {
		return ErrStateMismatch
	}
	return nil
}
