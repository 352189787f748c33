// Package session owns the current access/refresh token pair for one
// authenticated principal.
//
// The manager is the only component that reads or writes tokens. Refresh is
// single-flighted so a backend that rotates refresh tokens on use never
// orphans concurrent callers, and a sign-out cancels the intent of any
// refresh still in flight.
package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/craftlane/identity-core/internal/identity/backend"
	"github.com/craftlane/identity-core/internal/platform/config"
	apperrors "github.com/craftlane/identity-core/internal/platform/errors"
)

// Config tunes refresh behavior.
type Config struct {
	// RefreshMargin is how close to expiry an access token may get before
	// EnsureFresh refreshes it.
	RefreshMargin time.Duration `env:"CRAFTLANE_SESSION_REFRESH_MARGIN" envDefault:"60s"`
	// RefreshTimeout bounds the backend refresh call itself, independently
	// of any one caller's deadline.
	RefreshTimeout time.Duration `env:"CRAFTLANE_SESSION_REFRESH_TIMEOUT" envDefault:"10s"`
}

// LoadConfigFromEnv reads session configuration from the environment.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse session env: %w", err)
	}
	return cfg, nil
}

// Session is one live token pair bound to a principal.
type Session struct {
	PrincipalID string
	Email       string
	Verified    bool
	Tokens      backend.TokenPair
}

// Manager holds the session state for one principal context.
type Manager struct {
	backend backend.IdentityBackend
	config  Config
	now     func() time.Time

	mu      sync.Mutex
	current *Session
	// generation increments on every sign-in and sign-out so a refresh
	// started against an older session is discarded instead of resurrecting
	// tokens the caller already abandoned.
	generation uint64

	group singleflight.Group
}

// NewManager creates a session manager with no active session.
func NewManager(b backend.IdentityBackend, config Config, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	if config.RefreshMargin <= 0 {
		config.RefreshMargin = 60 * time.Second
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = 10 * time.Second
	}
	return &Manager{backend: b, config: config, now: now}
}

// SignIn authenticates with the backend and installs the resulting session,
// discarding any prior one.
func (m *Manager) SignIn(ctx context.Context, creds backend.Credentials) (Session, error) {
	result, err := m.backend.SignIn(ctx, creds)
	if err != nil {
		return Session{}, err
	}
	return m.Establish(result), nil
}

// Establish installs a session from an authentication result, discarding any
// prior one. Sign-up and social sign-in feed their results through here.
func (m *Manager) Establish(result backend.AuthResult) Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generation++
	m.current = &Session{
		PrincipalID: result.PrincipalID,
		Email:       result.Email,
		Verified:    result.Verified,
		Tokens:      result.Tokens,
	}
	return *m.current
}

// Current returns the active session without network I/O.
func (m *Manager) Current() (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Session{}, apperrors.New(apperrors.CodeAuthNotAuthenticated, "no active session")
	}
	return *m.current, nil
}

// CurrentBearer returns the in-memory access token without network I/O.
// Callers must not cache the value beyond a single request.
func (m *Manager) CurrentBearer() (string, error) {
	current, err := m.Current()
	if err != nil {
		return "", err
	}
	return current.Tokens.AccessToken, nil
}

// ApplyTokens replaces the active session's token pair in place. Password
// changes use this: the backend revokes the old pair and hands back a fresh
// one for the same principal.
func (m *Manager) ApplyTokens(pair backend.TokenPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return apperrors.New(apperrors.CodeAuthNotAuthenticated, "no active session")
	}
	m.current.Tokens = pair
	return nil
}

// MarkVerified records that the principal's email has been verified.
func (m *Manager) MarkVerified() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Verified = true
	}
}

// EnsureFresh returns a session whose access token is not about to expire,
// refreshing through the backend when it is.
//
// Concurrent callers share one backend refresh call and observe the same
// resulting session or the same failure. On a refresh rejected as expired the
// session is cleared and the caller must re-authenticate. On a network
// failure or caller timeout the previous session is left untouched.
func (m *Manager) EnsureFresh(ctx context.Context) (Session, error) {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return Session{}, apperrors.New(apperrors.CodeAuthNotAuthenticated, "no active session")
	}
	if m.current.Tokens.AccessExpiresAt.After(m.now().Add(m.config.RefreshMargin)) {
		current := *m.current
		m.mu.Unlock()
		return current, nil
	}
	generation := m.generation
	m.mu.Unlock()

	return m.refresh(ctx, generation, false)
}

// ForceRefresh refreshes unconditionally. The request pipeline uses it when
// the backend rejects a token the expiry window still considered fresh.
func (m *Manager) ForceRefresh(ctx context.Context) (Session, error) {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return Session{}, apperrors.New(apperrors.CodeAuthNotAuthenticated, "no active session")
	}
	generation := m.generation
	m.mu.Unlock()

	return m.refresh(ctx, generation, true)
}

func (m *Manager) refresh(ctx context.Context, generation uint64, force bool) (Session, error) {
	// The generation is part of the flight key so callers holding a newer
	// session never join a refresh of the one it replaced.
	key := strconv.FormatUint(generation, 10)
	ch := m.group.DoChan(key, func() (any, error) {
		// The refresh token is read inside the flight, not captured outside
		// it: a caller descheduled between observing a stale expiry and
		// starting its flight would otherwise replay a refresh token an
		// earlier completed flight already consumed.
		m.mu.Lock()
		if m.generation != generation || m.current == nil {
			m.mu.Unlock()
			return nil, apperrors.New(apperrors.CodeAuthNotAuthenticated, "session replaced during refresh")
		}
		if !force && m.current.Tokens.AccessExpiresAt.After(m.now().Add(m.config.RefreshMargin)) {
			// An earlier flight already rotated the pair; hand its result to
			// the late caller without another network call.
			current := *m.current
			m.mu.Unlock()
			return current, nil
		}
		refreshToken := m.current.Tokens.RefreshToken
		m.mu.Unlock()

		// The refresh runs on its own deadline so one caller giving up does
		// not abort the call for everyone sharing the flight.
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.RefreshTimeout)
		defer cancel()

		pair, err := m.backend.Refresh(refreshCtx, refreshToken)

		m.mu.Lock()
		defer m.mu.Unlock()
		if err != nil {
			if apperrors.GetCode(err) == apperrors.CodeAuthRefreshExpired && m.generation == generation {
				m.current = nil
			}
			return nil, err
		}
		if m.generation != generation || m.current == nil {
			// Signed out (or signed in anew) while the refresh was in
			// flight; the result no longer belongs to anyone.
			return nil, apperrors.New(apperrors.CodeAuthNotAuthenticated, "session replaced during refresh")
		}
		m.current.Tokens = pair
		return *m.current, nil
	})

	select {
	case <-ctx.Done():
		return Session{}, apperrors.Wrap(apperrors.CodeNetworkError, "session refresh timed out", ctx.Err())
	case result := <-ch:
		if result.Err != nil {
			return Session{}, result.Err
		}
		return result.Val.(Session), nil
	}
}

// SignOut drops the local session immediately and notifies the backend on a
// best-effort basis without blocking the caller.
func (m *Manager) SignOut(ctx context.Context) {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return
	}
	accessToken := m.current.Tokens.AccessToken
	m.current = nil
	m.generation++
	m.mu.Unlock()

	revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.RefreshTimeout)
	go func() {
		defer cancel()
		_ = m.backend.SignOut(revokeCtx, accessToken)
	}()
}
