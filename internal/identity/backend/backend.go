// Package backend defines the boundary to the external identity provider.
//
// The provider's wire protocol is an implementation detail behind the
// IdentityBackend interface; callers only ever see typed payloads and errors
// from the shared taxonomy.
package backend

import (
	"context"
	"time"
)

// Provider names a social identity provider.
type Provider string

const (
	// ProviderGoogle is Google sign-in.
	ProviderGoogle Provider = "google"
	// ProviderApple is Apple sign-in.
	ProviderApple Provider = "apple"
)

// Credentials carries an email/password pair for password sign-in.
type Credentials struct {
	Email    string
	Password string
}

// SignUpInput describes a new account registration.
type SignUpInput struct {
	Email       string
	Password    string
	CountryCode string
	Business    bool
}

// TokenPair is one issued access/refresh token pair.
//
// A pair is superseded wholesale: the moment the provider issues a new pair
// the previous one is invalid, so callers must never mix tokens across pairs.
type TokenPair struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
}

// AuthResult is the provider's answer to a successful authentication.
type AuthResult struct {
	PrincipalID string
	Email       string
	Verified    bool
	Tokens      TokenPair
}

// IdentityBackend is the external identity provider boundary.
//
// Every method is a network call: it may be slow, it may fail, and failures
// surface as domain errors (AUTH_INVALID_CREDENTIALS, AUTH_REFRESH_EXPIRED,
// NETWORK_ERROR, ...), never as raw transport errors.
type IdentityBackend interface {
	SignUp(ctx context.Context, input SignUpInput) (AuthResult, error)
	SignIn(ctx context.Context, creds Credentials) (AuthResult, error)
	SignInWithSocial(ctx context.Context, provider Provider, idToken string) (AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
	SignOut(ctx context.Context, accessToken string) error
	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, resetToken, newPassword string) error
	ChangePassword(ctx context.Context, accessToken, oldPassword, newPassword string) (TokenPair, error)
	VerifyEmail(ctx context.Context, verificationToken string) error
	ResendVerification(ctx context.Context, email string) error
}
