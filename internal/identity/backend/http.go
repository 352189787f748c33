package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/craftlane/identity-core/internal/platform/config"
	apperrors "github.com/craftlane/identity-core/internal/platform/errors"
	"github.com/craftlane/identity-core/internal/platform/timeouts"
)

// httpEnv holds raw env values before post-parse validation.
type httpEnv struct {
	BaseURL string `env:"CRAFTLANE_IDENTITY_BACKEND_URL"`
	APIKey  string `env:"CRAFTLANE_IDENTITY_BACKEND_API_KEY"`
}

// HTTPConfig defines how the HTTP identity backend is reached.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
}

// LoadHTTPConfigFromEnv reads HTTP backend configuration.
func LoadHTTPConfigFromEnv() (HTTPConfig, error) {
	var raw httpEnv
	if err := config.ParseEnv(&raw); err != nil {
		return HTTPConfig{}, fmt.Errorf("parse identity backend env: %w", err)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(raw.BaseURL), "/")
	if baseURL == "" {
		return HTTPConfig{}, fmt.Errorf("CRAFTLANE_IDENTITY_BACKEND_URL is required")
	}
	return HTTPConfig{
		BaseURL: baseURL,
		APIKey:  strings.TrimSpace(raw.APIKey),
	}, nil
}

// HTTPBackend talks to a remote identity provider over HTTP+JSON.
type HTTPBackend struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPBackend creates a backend that POSTs to the configured base URL.
func NewHTTPBackend(config HTTPConfig, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{Timeout: timeouts.BackendRequest}
	}
	return &HTTPBackend{config: config, client: client}
}

// authResponse mirrors the provider's authentication JSON response.
type authResponse struct {
	UserID          string    `json:"user_id"`
	Email           string    `json:"email"`
	EmailVerified   bool      `json:"email_verified"`
	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"refresh_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
}

// errorResponse mirrors the provider's error JSON body.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SignUp registers a new account with the provider.
func (h *HTTPBackend) SignUp(ctx context.Context, input SignUpInput) (AuthResult, error) {
	role := "customer"
	if input.Business {
		role = "business"
	}
	var out authResponse
	err := h.post(ctx, "/v1/signup", map[string]any{
		"email":        input.Email,
		"password":     input.Password,
		"country_code": input.CountryCode,
		"role":         role,
	}, "", &out)
	if err != nil {
		return AuthResult{}, err
	}
	return toAuthResult(out), nil
}

// SignIn authenticates an email/password pair.
func (h *HTTPBackend) SignIn(ctx context.Context, creds Credentials) (AuthResult, error) {
	var out authResponse
	err := h.post(ctx, "/v1/signin", map[string]any{
		"email":    creds.Email,
		"password": creds.Password,
	}, "", &out)
	if err != nil {
		return AuthResult{}, err
	}
	return toAuthResult(out), nil
}

// SignInWithSocial exchanges a provider ID token for a session.
func (h *HTTPBackend) SignInWithSocial(ctx context.Context, provider Provider, idToken string) (AuthResult, error) {
	var out authResponse
	err := h.post(ctx, "/v1/signin/social", map[string]any{
		"provider": string(provider),
		"id_token": idToken,
	}, "", &out)
	if err != nil {
		return AuthResult{}, err
	}
	return toAuthResult(out), nil
}

// Refresh exchanges a refresh token for a new token pair.
func (h *HTTPBackend) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	var out authResponse
	err := h.post(ctx, "/v1/refresh", map[string]any{
		"refresh_token": refreshToken,
	}, "", &out)
	if err != nil {
		// An unauthenticated refresh means the refresh token itself is dead.
		if apperrors.GetCode(err) == apperrors.CodeAuthInvalidCredentials {
			return TokenPair{}, apperrors.Wrap(apperrors.CodeAuthRefreshExpired, "refresh token rejected", err)
		}
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:     out.AccessToken,
		RefreshToken:    out.RefreshToken,
		AccessExpiresAt: out.AccessExpiresAt,
	}, nil
}

// SignOut revokes the session behind an access token.
func (h *HTTPBackend) SignOut(ctx context.Context, accessToken string) error {
	return h.post(ctx, "/v1/signout", map[string]any{}, accessToken, nil)
}

// RequestPasswordReset asks the provider to email a reset link.
func (h *HTTPBackend) RequestPasswordReset(ctx context.Context, email string) error {
	return h.post(ctx, "/v1/password/reset-request", map[string]any{"email": email}, "", nil)
}

// ResetPassword completes a reset started from an emailed token.
func (h *HTTPBackend) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	return h.post(ctx, "/v1/password/reset", map[string]any{
		"reset_token":  resetToken,
		"new_password": newPassword,
	}, "", nil)
}

// ChangePassword rotates the password for an authenticated principal.
func (h *HTTPBackend) ChangePassword(ctx context.Context, accessToken, oldPassword, newPassword string) (TokenPair, error) {
	var out authResponse
	err := h.post(ctx, "/v1/password/change", map[string]any{
		"old_password": oldPassword,
		"new_password": newPassword,
	}, accessToken, &out)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:     out.AccessToken,
		RefreshToken:    out.RefreshToken,
		AccessExpiresAt: out.AccessExpiresAt,
	}, nil
}

// VerifyEmail confirms an emailed verification token.
func (h *HTTPBackend) VerifyEmail(ctx context.Context, verificationToken string) error {
	return h.post(ctx, "/v1/email/verify", map[string]any{"token": verificationToken}, "", nil)
}

// ResendVerification asks the provider to resend the verification email.
func (h *HTTPBackend) ResendVerification(ctx context.Context, email string) error {
	return h.post(ctx, "/v1/email/resend", map[string]any{"email": email}, "", nil)
}

// post sends one JSON request and decodes the response or maps the failure.
func (h *HTTPBackend) post(ctx context.Context, path string, payload map[string]any, bearer string, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.config.APIKey != "" {
		req.Header.Set("X-Api-Key", h.config.APIKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeNetworkError, fmt.Sprintf("identity backend %s failed", path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.Wrap(apperrors.CodeNetworkError, fmt.Sprintf("decode %s response", path), err)
		}
		return nil
	}

	var failure errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&failure)
	return mapStatus(resp.StatusCode, failure)
}

// mapStatus converts a provider failure into the shared error taxonomy.
func mapStatus(status int, failure errorResponse) error {
	message := strings.TrimSpace(failure.Message)
	if message == "" {
		message = fmt.Sprintf("identity backend returned %d", status)
	}

	switch {
	case status == http.StatusUnauthorized:
		return apperrors.New(apperrors.CodeAuthInvalidCredentials, message)
	case status == http.StatusForbidden:
		if strings.EqualFold(failure.Code, "account_inactive") {
			return apperrors.New(apperrors.CodeAuthAccountInactive, message)
		}
		return apperrors.New(apperrors.CodeNotAuthorized, message)
	case status == http.StatusNotFound:
		return apperrors.New(apperrors.CodeNotFound, message)
	case status == http.StatusConflict:
		return apperrors.WithMetadata(apperrors.CodeValidation, message, map[string]string{"Field": "email"})
	case status == http.StatusBadRequest:
		if strings.EqualFold(failure.Code, "reset_token_invalid") {
			return apperrors.New(apperrors.CodeAuthResetTokenInvalid, message)
		}
		return apperrors.WithMetadata(apperrors.CodeValidation, message, map[string]string{"Field": "request"})
	case status >= 500:
		return apperrors.New(apperrors.CodeNetworkError, message)
	default:
		return apperrors.New(apperrors.CodeUnknown, message)
	}
}

func toAuthResult(out authResponse) AuthResult {
	return AuthResult{
		PrincipalID: out.UserID,
		Email:       out.Email,
		Verified:    out.EmailVerified,
		Tokens: TokenPair{
			AccessToken:     out.AccessToken,
			RefreshToken:    out.RefreshToken,
			AccessExpiresAt: out.AccessExpiresAt,
		},
	}
}

var _ IdentityBackend = (*HTTPBackend)(nil)
