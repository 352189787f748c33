package backend

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/craftlane/identity-core/internal/identity/token"
	"github.com/craftlane/identity-core/internal/platform/errors"
	"github.com/craftlane/identity-core/internal/platform/id"
)

// fakeAccount is one registered account inside the fake backend.
type fakeAccount struct {
	id       string
	email    string
	password string
	verified bool
	active   bool
}

// fakeSession tracks an issued refresh token and its expiry.
type fakeSession struct {
	accountID string
	expiresAt time.Time
}

// Fake is an in-memory identity backend for local runs and tests.
//
// It mints real signed access tokens so the session manager and pipeline
// exercise the same token handling as production, and it rotates the refresh
// token on every call so stale pairs are detectable.
type Fake struct {
	tokens token.Config

	mu        sync.Mutex
	accounts  map[string]*fakeAccount // keyed by email
	sessions  map[string]fakeSession  // keyed by refresh token
	resets    map[string]string       // reset token -> email
	verifies  map[string]string       // verification token -> email
	idGen     func() (string, error)
	callCount int
}

// NewFake creates an empty fake backend minting tokens with the given config.
func NewFake(tokens token.Config) *Fake {
	if tokens.Now == nil {
		tokens.Now = time.Now
	}
	return &Fake{
		tokens:   tokens,
		accounts: make(map[string]*fakeAccount),
		sessions: make(map[string]fakeSession),
		resets:   make(map[string]string),
		verifies: make(map[string]string),
		idGen:    id.NewID,
	}
}

// Seed registers an account without going through SignUp.
func (f *Fake) Seed(accountID, email, password string, verified bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[normalizeFakeEmail(email)] = &fakeAccount{
		id:       accountID,
		email:    normalizeFakeEmail(email),
		password: password,
		verified: verified,
		active:   true,
	}
}

// Deactivate marks an account inactive so sign-in fails with
// AUTH_ACCOUNT_INACTIVE.
func (f *Fake) Deactivate(email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if account, ok := f.accounts[normalizeFakeEmail(email)]; ok {
		account.active = false
	}
}

// RefreshCalls reports how many Refresh calls the backend has served.
func (f *Fake) RefreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

// SignUp registers a new account and signs it in.
func (f *Fake) SignUp(_ context.Context, input SignUpInput) (AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	email := normalizeFakeEmail(input.Email)
	if _, exists := f.accounts[email]; exists {
		return AuthResult{}, errors.WithMetadata(errors.CodeValidation, "email already registered", map[string]string{"Field": "email"})
	}

	accountID, err := f.idGen()
	if err != nil {
		return AuthResult{}, err
	}
	account := &fakeAccount{
		id:       accountID,
		email:    email,
		password: input.Password,
		active:   true,
	}
	f.accounts[email] = account

	verifyToken, err := f.idGen()
	if err != nil {
		return AuthResult{}, err
	}
	f.verifies[verifyToken] = email

	return f.issueLocked(account)
}

// SignIn authenticates an email/password pair.
func (f *Fake) SignIn(_ context.Context, creds Credentials) (AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	account, ok := f.accounts[normalizeFakeEmail(creds.Email)]
	if !ok || account.password != creds.Password {
		return AuthResult{}, errors.New(errors.CodeAuthInvalidCredentials, "invalid email or password")
	}
	if !account.active {
		return AuthResult{}, errors.New(errors.CodeAuthAccountInactive, "account is inactive")
	}
	return f.issueLocked(account)
}

// SignInWithSocial treats the ID token as "<provider>:<email>".
func (f *Fake) SignInWithSocial(_ context.Context, provider Provider, idToken string) (AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := string(provider) + ":"
	if !strings.HasPrefix(idToken, prefix) {
		return AuthResult{}, errors.New(errors.CodeAuthInvalidCredentials, "social token rejected")
	}
	email := normalizeFakeEmail(strings.TrimPrefix(idToken, prefix))

	account, ok := f.accounts[email]
	if !ok {
		accountID, err := f.idGen()
		if err != nil {
			return AuthResult{}, err
		}
		// Social providers vouch for the email, so the account starts verified.
		account = &fakeAccount{id: accountID, email: email, verified: true, active: true}
		f.accounts[email] = account
	}
	if !account.active {
		return AuthResult{}, errors.New(errors.CodeAuthAccountInactive, "account is inactive")
	}
	return f.issueLocked(account)
}

// Refresh rotates the token pair behind a refresh token.
func (f *Fake) Refresh(_ context.Context, refreshToken string) (TokenPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.callCount++
	session, ok := f.sessions[refreshToken]
	if !ok || f.tokens.Now().After(session.expiresAt) {
		delete(f.sessions, refreshToken)
		return TokenPair{}, errors.New(errors.CodeAuthRefreshExpired, "refresh token expired")
	}

	var account *fakeAccount
	for _, candidate := range f.accounts {
		if candidate.id == session.accountID {
			account = candidate
			break
		}
	}
	if account == nil || !account.active {
		delete(f.sessions, refreshToken)
		return TokenPair{}, errors.New(errors.CodeAuthRefreshExpired, "account no longer available")
	}

	delete(f.sessions, refreshToken)
	result, err := f.issueLocked(account)
	if err != nil {
		return TokenPair{}, err
	}
	return result.Tokens, nil
}

// SignOut revokes every session for the token's account.
func (f *Fake) SignOut(_ context.Context, accessToken string) error {
	claims, err := token.Verify(f.tokens, accessToken)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for refreshToken, session := range f.sessions {
		if session.accountID == claims.PrincipalID {
			delete(f.sessions, refreshToken)
		}
	}
	return nil
}

// RequestPasswordReset issues a reset token for a known email.
//
// Unknown emails succeed silently so callers cannot enumerate accounts.
func (f *Fake) RequestPasswordReset(_ context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	normalized := normalizeFakeEmail(email)
	if _, ok := f.accounts[normalized]; !ok {
		return nil
	}
	resetToken, err := f.idGen()
	if err != nil {
		return err
	}
	f.resets[resetToken] = normalized
	return nil
}

// ResetPassword completes a reset started by RequestPasswordReset.
func (f *Fake) ResetPassword(_ context.Context, resetToken, newPassword string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	email, ok := f.resets[resetToken]
	if !ok {
		return errors.New(errors.CodeAuthResetTokenInvalid, "reset token is invalid or used")
	}
	delete(f.resets, resetToken)

	account, ok := f.accounts[email]
	if !ok {
		return errors.New(errors.CodeAuthResetTokenInvalid, "account no longer exists")
	}
	account.password = newPassword

	// Password resets revoke every outstanding session.
	for refreshToken, session := range f.sessions {
		if session.accountID == account.id {
			delete(f.sessions, refreshToken)
		}
	}
	return nil
}

// ChangePassword rotates the password and issues a fresh token pair.
func (f *Fake) ChangePassword(_ context.Context, accessToken, oldPassword, newPassword string) (TokenPair, error) {
	claims, err := token.Verify(f.tokens, accessToken)
	if err != nil {
		return TokenPair{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	account, ok := f.accounts[normalizeFakeEmail(claims.Email)]
	if !ok || account.id != claims.PrincipalID {
		return TokenPair{}, errors.New(errors.CodeAuthNotAuthenticated, "account not found for token")
	}
	if account.password != oldPassword {
		return TokenPair{}, errors.New(errors.CodeAuthInvalidCredentials, "current password is incorrect")
	}
	account.password = newPassword

	result, err := f.issueLocked(account)
	if err != nil {
		return TokenPair{}, err
	}
	return result.Tokens, nil
}

// VerifyEmail confirms an emailed verification token.
func (f *Fake) VerifyEmail(_ context.Context, verificationToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	email, ok := f.verifies[verificationToken]
	if !ok {
		return errors.New(errors.CodeValidation, "verification token is invalid or used")
	}
	delete(f.verifies, verificationToken)

	if account, ok := f.accounts[email]; ok {
		account.verified = true
	}
	return nil
}

// ResendVerification issues a fresh verification token.
func (f *Fake) ResendVerification(_ context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	normalized := normalizeFakeEmail(email)
	account, ok := f.accounts[normalized]
	if !ok {
		return nil
	}
	if account.verified {
		return errors.New(errors.CodePrincipalNotVerified, "email is already verified")
	}
	verifyToken, err := f.idGen()
	if err != nil {
		return err
	}
	f.verifies[verifyToken] = normalized
	return nil
}

// VerificationTokenFor returns a pending verification token for the email.
func (f *Fake) VerificationTokenFor(email string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	normalized := normalizeFakeEmail(email)
	for verifyToken, tokenEmail := range f.verifies {
		if tokenEmail == normalized {
			return verifyToken, true
		}
	}
	return "", false
}

// ResetTokenFor returns a pending reset token for the email.
func (f *Fake) ResetTokenFor(email string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	normalized := normalizeFakeEmail(email)
	for resetToken, tokenEmail := range f.resets {
		if tokenEmail == normalized {
			return resetToken, true
		}
	}
	return "", false
}

// issueLocked mints a fresh token pair for the account. Callers hold f.mu.
func (f *Fake) issueLocked(account *fakeAccount) (AuthResult, error) {
	jwtID, err := f.idGen()
	if err != nil {
		return AuthResult{}, err
	}
	accessToken, expiresAt, err := token.Mint(f.tokens, account.id, account.email, account.verified, jwtID)
	if err != nil {
		return AuthResult{}, err
	}

	refreshToken, err := f.idGen()
	if err != nil {
		return AuthResult{}, err
	}
	f.sessions[refreshToken] = fakeSession{
		accountID: account.id,
		expiresAt: f.tokens.Now().Add(f.tokens.RefreshTTL),
	}

	return AuthResult{
		PrincipalID: account.id,
		Email:       account.email,
		Verified:    account.verified,
		Tokens: TokenPair{
			AccessToken:     accessToken,
			RefreshToken:    refreshToken,
			AccessExpiresAt: expiresAt,
		},
	}, nil
}

func normalizeFakeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

var _ IdentityBackend = (*Fake)(nil)
