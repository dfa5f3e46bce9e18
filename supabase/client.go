// Package supabase talks to the hosted identity provider that stores
// credentials. The service keeps its own person records; supabase only
// authenticates email/password pairs and mints external UIDs.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldline/ems-auth/config"
)

var (
	// ErrInvalidCredentials indicates the provider rejected the email/password pair
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserExists indicates a user with the email is already registered
	ErrUserExists = errors.New("user already exists")
)

// Client is an HTTP client for the identity provider's auth API
type Client struct {
	baseURL        string
	anonKey        string
	serviceRoleKey string
	httpClient     *http.Client
	logger         *zap.Logger
}

// NewClient creates a new identity provider client
func NewClient(cfg config.SupabaseConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:        cfg.URL,
		anonKey:        cfg.AnonKey,
		serviceRoleKey: cfg.ServiceRoleKey,
		httpClient:     &http.Client{Timeout: timeout},
		logger:         logger,
	}
}

type createUserRequest struct {
	Email        string                 `json:"email"`
	Password     string                 `json:"password"`
	EmailConfirm bool                   `json:"email_confirm"`
	UserMetadata map[string]interface{} `json:"user_metadata,omitempty"`
}

type createUserResponse struct {
	ID uuid.UUID `json:"id"`
}

// CreateUser registers a new user through the admin endpoint and returns
// the provider's UID. The email is marked confirmed so the person can
// log in immediately.
func (c *Client) CreateUser(ctx context.Context, email, password string, metadata map[string]interface{}) (uuid.UUID, error) {
	body, err := json.Marshal(createUserRequest{
		Email:        email,
		Password:     password,
		EmailConfirm: true,
		UserMetadata: metadata,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal create user request: %w", err)
	}

	url := c.baseURL + "/auth/v1/admin/users"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to build create user request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.serviceRoleKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceRoleKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create user request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var created createUserResponse
		if err := json.Unmarshal(respBody, &created); err != nil {
			return uuid.Nil, fmt.Errorf("failed to decode create user response: %w", err)
		}
		c.logger.Debug("identity provider user created", zap.String("uid", created.ID.String()))
		return created.ID, nil
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusConflict:
		return uuid.Nil, ErrUserExists
	default:
		c.logger.Warn("identity provider rejected user creation",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", respBody),
		)
		return uuid.Nil, fmt.Errorf("identity provider returned status %d", resp.StatusCode)
	}
}

type passwordGrantRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type passwordGrantResponse struct {
	AccessToken string `json:"access_token"`
	User        struct {
		ID uuid.UUID `json:"id"`
	} `json:"user"`
}

// Authenticate verifies an email/password pair via the password grant
// and returns the provider UID on success
func (c *Client) Authenticate(ctx context.Context, email, password string) (uuid.UUID, error) {
	body, err := json.Marshal(passwordGrantRequest{Email: email, Password: password})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal password grant request: %w", err)
	}

	url := c.baseURL + "/auth/v1/token?grant_type=password"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to build password grant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.anonKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("password grant request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		var grant passwordGrantResponse
		if err := json.Unmarshal(respBody, &grant); err != nil {
			return uuid.Nil, fmt.Errorf("failed to decode password grant response: %w", err)
		}
		return grant.User.ID, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return uuid.Nil, ErrInvalidCredentials
	default:
		c.logger.Warn("identity provider password grant failed",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", respBody),
		)
		return uuid.Nil, fmt.Errorf("identity provider returned status %d", resp.StatusCode)
	}
}
