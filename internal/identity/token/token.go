// Package token mints and verifies signed access tokens.
//
// Access tokens are HMAC-signed JWTs carrying the principal identity. The
// session manager inspects expiry without a network round trip, and the local
// identity backend mints tokens with the same configuration.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/craftlane/identity-core/internal/platform/config"
	apperrors "github.com/craftlane/identity-core/internal/platform/errors"
)

// tokenEnv holds raw env values before post-parse validation.
type tokenEnv struct {
	Issuer     string        `env:"CRAFTLANE_TOKEN_ISSUER"   envDefault:"craftlane-identity"`
	Audience   string        `env:"CRAFTLANE_TOKEN_AUDIENCE" envDefault:"craftlane-app"`
	Secret     string        `env:"CRAFTLANE_TOKEN_SECRET"`
	AccessTTL  time.Duration `env:"CRAFTLANE_TOKEN_ACCESS_TTL"  envDefault:"15m"`
	RefreshTTL time.Duration `env:"CRAFTLANE_TOKEN_REFRESH_TTL" envDefault:"720h"`
}

// Config defines how access tokens are minted and verified.
type Config struct {
	Issuer     string
	Audience   string
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Now        func() time.Time
}

// Claims captures the validated identity carried by an access token.
type Claims struct {
	PrincipalID string
	Email       string
	Verified    bool
	IssuedAt    time.Time
	ExpiresAt   time.Time
	JWTID       string
}

// accessClaims is the internal claims type used for JWT parsing.
type accessClaims struct {
	jwt.RegisteredClaims
	Email    string `json:"email"`
	Verified bool   `json:"email_verified"`
}

// LoadConfigFromEnv reads token configuration from the environment.
//
// The signing secret has no default: local runs generate a throwaway secret so
// every process restart invalidates outstanding tokens, which is the safe
// behavior when no operator-managed secret exists.
func LoadConfigFromEnv(now func() time.Time) (Config, error) {
	var raw tokenEnv
	if err := config.ParseEnv(&raw); err != nil {
		return Config{}, fmt.Errorf("parse token env: %w", err)
	}

	secret := strings.TrimSpace(raw.Secret)
	var key []byte
	if secret == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return Config{}, fmt.Errorf("generate ephemeral token secret: %w", err)
		}
	} else {
		decoded, err := base64.StdEncoding.DecodeString(secret)
		if err != nil {
			return Config{}, fmt.Errorf("decode token secret: %w", err)
		}
		if len(decoded) < 32 {
			return Config{}, fmt.Errorf("token secret must be at least 32 bytes")
		}
		key = decoded
	}

	if now == nil {
		now = time.Now
	}
	return Config{
		Issuer:     strings.TrimSpace(raw.Issuer),
		Audience:   strings.TrimSpace(raw.Audience),
		Secret:     key,
		AccessTTL:  raw.AccessTTL,
		RefreshTTL: raw.RefreshTTL,
		Now:        now,
	}, nil
}

// Mint signs a new access token for the given principal identity.
func Mint(cfg Config, principalID, email string, verified bool, jwtID string) (string, time.Time, error) {
	if len(cfg.Secret) == 0 {
		return "", time.Time{}, fmt.Errorf("token secret is required")
	}
	now := time.Now
	if cfg.Now != nil {
		now = cfg.Now
	}

	issuedAt := now().UTC()
	expiresAt := issuedAt.Add(cfg.AccessTTL)
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Audience:  jwt.ClaimStrings{cfg.Audience},
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jwtID,
		},
		Email:    email,
		Verified: verified,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses an access token and validates signature, issuer, audience,
// and expiry. Expired tokens return an AUTH_EXPIRED domain error so callers
// can distinguish refreshable expiry from outright invalid tokens.
func Verify(cfg Config, tokenString string) (Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Claims{}, apperrors.New(apperrors.CodeAuthNotAuthenticated, "access token is required")
	}

	now := time.Now
	if cfg.Now != nil {
		now = cfg.Now
	}

	var parsed accessClaims
	_, err := jwt.ParseWithClaims(tokenString, &parsed, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return cfg.Secret, nil
	},
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithTimeFunc(func() time.Time { return now() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, apperrors.Wrap(apperrors.CodeAuthExpired, "access token expired", err)
		}
		return Claims{}, apperrors.Wrap(apperrors.CodeAuthNotAuthenticated, "access token invalid", err)
	}

	claims := Claims{
		PrincipalID: parsed.Subject,
		Email:       parsed.Email,
		Verified:    parsed.Verified,
		JWTID:       parsed.ID,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time
	}
	if parsed.ExpiresAt != nil {
		claims.ExpiresAt = parsed.ExpiresAt.Time
	}
	return claims, nil
}
