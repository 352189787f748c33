// Package facade is the public entry point for identity and workspace
// operations.
//
// Each call delegates identity concerns to the session manager or the
// identity backend and workspace concerns to the authorization authority,
// then answers with one envelope carrying the caller's user, profile,
// workspace, membership, and session so no follow-up round trip is needed.
package facade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/craftlane/identity-core/internal/identity/backend"
	"github.com/craftlane/identity-core/internal/identity/pipeline"
	"github.com/craftlane/identity-core/internal/identity/principal"
	"github.com/craftlane/identity-core/internal/identity/session"
	identitystorage "github.com/craftlane/identity-core/internal/identity/storage"
	apperrors "github.com/craftlane/identity-core/internal/platform/errors"
	"github.com/craftlane/identity-core/internal/workspace/authority"
	"github.com/craftlane/identity-core/internal/workspace/member"
	"github.com/craftlane/identity-core/internal/workspace/workspace"
)

var tracer = otel.Tracer("github.com/craftlane/identity-core/internal/identity/facade")

// Envelope is the consistent answer shape for facade operations. Fields not
// touched by an operation stay nil.
type Envelope struct {
	User      *principal.Principal
	Profile   *principal.Profile
	Workspace *workspace.Workspace
	Member    *member.Member
	Session   *session.Session
}

// Facade composes the session manager, identity backend, principal store,
// and workspace authority behind one API.
type Facade struct {
	backend    backend.IdentityBackend
	sessions   *session.Manager
	principals identitystorage.PrincipalStore
	authority  *authority.Authority
	now        func() time.Time
}

// New creates a facade over the given collaborators.
func New(b backend.IdentityBackend, sessions *session.Manager, principals identitystorage.PrincipalStore, auth *authority.Authority, now func() time.Time) *Facade {
	if now == nil {
		now = time.Now
	}
	return &Facade{
		backend:    b,
		sessions:   sessions,
		principals: principals,
		authority:  auth,
		now:        now,
	}
}

func (f *Facade) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.GetCode(err)))
	}
	span.End()
}

// SignUpInput describes a new account registration.
type SignUpInput struct {
	Email       string
	Password    string
	CountryCode string
	Business    bool
	DisplayName string
}

// SignUp registers a new account, persists the local principal record, and
// signs the caller in.
func (f *Facade) SignUp(ctx context.Context, input SignUpInput) (env Envelope, err error) {
	ctx, span := f.startSpan(ctx, "facade.SignUp")
	defer func() { endSpan(span, err) }()

	result, err := f.backend.SignUp(ctx, backend.SignUpInput{
		Email:       input.Email,
		Password:    input.Password,
		CountryCode: input.CountryCode,
		Business:    input.Business,
	})
	if err != nil {
		return Envelope{}, err
	}

	role := principal.RoleCustomer
	if input.Business {
		role = principal.RoleBusiness
	}
	user, profile, err := principal.CreatePrincipal(principal.CreatePrincipalInput{
		ID:          result.PrincipalID,
		Email:       result.Email,
		Role:        role,
		CountryCode: input.CountryCode,
		IsVerified:  result.Verified,
		DisplayName: input.DisplayName,
	}, f.now, nil)
	if err != nil {
		return Envelope{}, err
	}
	if err := f.principals.CreatePrincipal(ctx, user, profile); err != nil {
		if errors.Is(err, identitystorage.ErrEmailTaken) {
			return Envelope{}, apperrors.WithMetadata(apperrors.CodeValidation, "email is already registered", map[string]string{"Field": "email"})
		}
		return Envelope{}, fmt.Errorf("persist principal: %w", err)
	}

	s := f.sessions.Establish(result)
	return Envelope{User: &user, Profile: &profile, Session: &s}, nil
}

// SignIn authenticates an email/password pair and installs the session.
func (f *Facade) SignIn(ctx context.Context, email, password string) (env Envelope, err error) {
	ctx, span := f.startSpan(ctx, "facade.SignIn")
	defer func() { endSpan(span, err) }()

	result, err := f.backend.SignIn(ctx, backend.Credentials{Email: email, Password: password})
	if err != nil {
		return Envelope{}, err
	}
	return f.establish(ctx, result)
}

// SignInWithGoogle exchanges a Google ID token for a session.
func (f *Facade) SignInWithGoogle(ctx context.Context, idToken string) (env Envelope, err error) {
	ctx, span := f.startSpan(ctx, "facade.SignInWithGoogle")
	defer func() { endSpan(span, err) }()
	return f.signInWithSocial(ctx, backend.ProviderGoogle, idToken)
}

// SignInWithApple exchanges an Apple ID token for a session.
func (f *Facade) SignInWithApple(ctx context.Context, idToken string) (env Envelope, err error) {
	ctx, span := f.startSpan(ctx, "facade.SignInWithApple")
	defer func() { endSpan(span, err) }()
	return f.signInWithSocial(ctx, backend.ProviderApple, idToken)
}

func (f *Facade) signInWithSocial(ctx context.Context, provider backend.Provider, idToken string) (Envelope, error) {
	result, err := f.backend.SignInWithSocial(ctx, provider, idToken)
	if err != nil {
		return Envelope{}, err
	}
	return f.establish(ctx, result)
}

// establish installs the session and reconciles the local principal record
// with the backend's view of the account.
func (f *Facade) establish(ctx context.Context, result backend.AuthResult) (Envelope, error) {
	user, profile, err := f.syncPrincipal(ctx, result)
	if err != nil {
		return Envelope{}, err
	}
	if !user.IsActive {
		return Envelope{}, apperrors.New(apperrors.CodeAuthAccountInactive, "account is inactive")
	}

	s := f.sessions.Establish(result)
	env := Envelope{User: &user, Profile: &profile, Session: &s}
	f.attachWorkspace(ctx, &env, user)
	return env, nil
}

// syncPrincipal loads the local record for an authenticated account,
// creating it on first social sign-in and folding in the backend's
// verification state.
func (f *Facade) syncPrincipal(ctx context.Context, result backend.AuthResult) (principal.Principal, principal.Profile, error) {
	user, err := f.principals.GetPrincipal(ctx, result.PrincipalID)
	if err != nil {
		if !errors.Is(err, identitystorage.ErrNotFound) {
			return principal.Principal{}, principal.Profile{}, fmt.Errorf("get principal: %w", err)
		}
		created, profile, err := principal.CreatePrincipal(principal.CreatePrincipalInput{
			ID:         result.PrincipalID,
			Email:      result.Email,
			Role:       principal.RoleCustomer,
			IsVerified: result.Verified,
		}, f.now, nil)
		if err != nil {
			return principal.Principal{}, principal.Profile{}, err
		}
		if err := f.principals.CreatePrincipal(ctx, created, profile); err != nil {
			return principal.Principal{}, principal.Profile{}, fmt.Errorf("persist principal: %w", err)
		}
		return created, profile, nil
	}

	if result.Verified && !user.IsVerified {
		user.IsVerified = true
		user.UpdatedAt = f.now().UTC()
		if err := f.principals.UpdatePrincipal(ctx, user); err != nil {
			return principal.Principal{}, principal.Profile{}, fmt.Errorf("update principal: %w", err)
		}
	}

	profile, err := f.principals.GetProfile(ctx, user.ID)
	if err != nil {
		return principal.Principal{}, principal.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return user, profile, nil
}

// attachWorkspace fills in the owned workspace when the principal has one.
// The workspace row is authoritative: a missing row is not an error, and a
// row found while OwnsWorkspace is still false repairs the flag, covering a
// creation that failed between the workspace write and the principal write.
func (f *Facade) attachWorkspace(ctx context.Context, env *Envelope, user principal.Principal) {
	ws, owner, err := f.authority.WorkspaceForOwner(ctx, user.ID)
	if err != nil {
		return
	}
	env.Workspace = &ws
	env.Member = &owner
	if !user.OwnsWorkspace {
		user.OwnsWorkspace = true
		user.UpdatedAt = f.now().UTC()
		if f.principals.UpdatePrincipal(ctx, user) == nil {
			env.User = &user
		}
	}
}

// SignOut drops the local session and best-effort revokes it server-side.
func (f *Facade) SignOut(ctx context.Context) {
	ctx, span := f.startSpan(ctx, "facade.SignOut")
	defer span.End()
	f.sessions.SignOut(ctx)
}

// VerifyEmail confirms an emailed verification token and, when a session is
// active, records the verification on the local principal.
func (f *Facade) VerifyEmail(ctx context.Context, verificationToken string) (env Envelope, err error) {
	ctx, span := f.startSpan(ctx, "facade.VerifyEmail")
	defer func() { endSpan(span, err) }()

	if err := f.backend.VerifyEmail(ctx, verificationToken); err != nil {
		return Envelope{}, err
	}

	current, err := f.sessions.Current()
	if err != nil {
		// Verification from a signed-out context still succeeds; the local
		// record catches up on the next sign-in.
		return Envelope{}, nil
	}
	f.sessions.MarkVerified()

	user, err := f.principals.GetPrincipal(ctx, current.PrincipalID)
	if err != nil {
		if errors.Is(err, identitystorage.ErrNotFound) {
			return Envelope{}, nil
		}
		return Envelope{}, fmt.Errorf("get principal: %w", err)
	}
	if !user.IsVerified {
		user.IsVerified = true
		user.UpdatedAt = f.now().UTC()
		if err := f.principals.UpdatePrincipal(ctx, user); err != nil {
			return Envelope{}, fmt.Errorf("update principal: %w", err)
		}
	}
	return Envelope{User: &user}, nil
}

// ResendVerification asks the backend to resend the verification email.
func (f *Facade) ResendVerification(ctx context.Context, email string) (err error) {
	ctx, span := f.startSpan(ctx, "facade.ResendVerification")
	defer func() { endSpan(span, err) }()
	return f.backend.ResendVerification(ctx, email)
}

// RequestPasswordReset asks the backend to email a reset link.
func (f *Facade) RequestPasswordReset(ctx context.Context, email string) (err error) {
	ctx, span := f.startSpan(ctx, "facade.RequestPasswordReset")
	defer func() { endSpan(span, err) }()
	return f.backend.RequestPasswordReset(ctx, email)
}

// ResetPassword completes a reset started from an emailed token.
func (f *Facade) ResetPassword(ctx context.Context, resetToken, newPassword string) (err error) {
	ctx, span := f.startSpan(ctx, "facade.ResetPassword")
	defer func() { endSpan(span, err) }()
	return f.backend.ResetPassword(ctx, resetToken, newPassword)
}

// ChangePassword rotates the password for the signed-in principal. The
// backend revokes the old token pair and the replacement is installed in the
// session, so the caller stays signed in.
func (f *Facade) ChangePassword(ctx context.Context, oldPassword, newPassword string) (env Envelope, err error) {
	ctx, span := f.startSpan(ctx, "facade.ChangePassword")
	defer func() { endSpan(span, err) }()

	pair, err := pipeline.Invoke(ctx, f.sessions, func(ctx context.Context, bearer string) (backend.TokenPair, error) {
		return f.backend.ChangePassword(ctx, bearer, oldPassword, newPassword)
	})
	if err != nil {
		return Envelope{}, err
	}
	if err := f.sessions.ApplyTokens(pair); err != nil {
		return Envelope{}, err
	}

	s, err := f.sessions.Current()
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Session: &s}, nil
}

// CreateWorkspaceInput describes a new workspace for the signed-in owner.
type CreateWorkspaceInput struct {
	Slug         string
	BusinessType workspace.BusinessType
	DisplayName  string
}

// CreateWorkspace creates a workspace owned by the signed-in principal. A
// principal owns at most one workspace.
func (f *Facade) CreateWorkspace(ctx context.Context, input CreateWorkspaceInput) (env Envelope, err error) {
	ctx, span := f.startSpan(ctx, "facade.CreateWorkspace")
	defer func() { endSpan(span, err) }()

	user, err := f.requirePrincipal(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if user.OwnsWorkspace {
		return Envelope{}, apperrors.New(apperrors.CodeValidation, "principal already owns a workspace")
	}
	// The flag alone is not trusted: a prior creation may have failed
	// before the principal record was updated.
	if _, _, err := f.authority.WorkspaceForOwner(ctx, user.ID); err == nil {
		return Envelope{}, apperrors.New(apperrors.CodeValidation, "principal already owns a workspace")
	}

	ws, owner, err := f.authority.CreateWorkspace(ctx, authority.CreateWorkspaceInput{
		OwnerID:      user.ID,
		OwnerEmail:   user.Email,
		Slug:         input.Slug,
		BusinessType: input.BusinessType,
		DisplayName:  input.DisplayName,
	})
	if err != nil {
		return Envelope{}, err
	}

	user.OwnsWorkspace = true
	user.UpdatedAt = f.now().UTC()
	if err := f.principals.UpdatePrincipal(ctx, user); err != nil {
		return Envelope{}, fmt.Errorf("update principal: %w", err)
	}
	return Envelope{User: &user, Workspace: &ws, Member: &owner}, nil
}

// InviteToWorkspace invites an email address on behalf of the signed-in
// principal.
func (f *Facade) InviteToWorkspace(ctx context.Context, workspaceID, email string, role member.Role) (env Envelope, err error) {
	ctx, span := f.startSpan(ctx, "facade.InviteToWorkspace")
	defer func() { endSpan(span, err) }()

	user, err := f.requirePrincipal(ctx)
	if err != nil {
		return Envelope{}, err
	}
	invite, err := f.authority.Invite(ctx, authority.InviteInput{
		WorkspaceID: workspaceID,
		ActorID:     user.ID,
		Email:       email,
		Role:        role,
	})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Member: &invite}, nil
}

// AcceptWorkspaceInvitation accepts an invitation as the signed-in
// principal, whose verified email must match the invitation.
func (f *Facade) AcceptWorkspaceInvitation(ctx context.Context, invitationID string) (env Envelope, err error) {
	ctx, span := f.startSpan(ctx, "facade.AcceptWorkspaceInvitation")
	defer func() { endSpan(span, err) }()

	user, err := f.requirePrincipal(ctx)
	if err != nil {
		return Envelope{}, err
	}
	accepted, err := f.authority.AcceptInvitation(ctx, authority.AcceptInput{
		InvitationID:  invitationID,
		UserID:        user.ID,
		Email:         user.Email,
		EmailVerified: user.IsVerified,
	})
	if err != nil {
		return Envelope{}, err
	}

	ws, err := f.authority.GetWorkspace(ctx, accepted.WorkspaceID)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{User: &user, Workspace: &ws, Member: &accepted}, nil
}

// RevokeWorkspaceInvitation withdraws a pending invitation.
func (f *Facade) RevokeWorkspaceInvitation(ctx context.Context, invitationID string) (env Envelope, err error) {
	ctx, span := f.startSpan(ctx, "facade.RevokeWorkspaceInvitation")
	defer func() { endSpan(span, err) }()

	user, err := f.requirePrincipal(ctx)
	if err != nil {
		return Envelope{}, err
	}
	revoked, err := f.authority.RevokeInvitation(ctx, authority.RevokeInvitationInput{
		InvitationID: invitationID,
		ActorID:      user.ID,
	})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Member: &revoked}, nil
}

// RemoveWorkspaceMember ends a membership on behalf of the signed-in
// principal.
func (f *Facade) RemoveWorkspaceMember(ctx context.Context, workspaceID, userID, reason string) (env Envelope, err error) {
	ctx, span := f.startSpan(ctx, "facade.RemoveWorkspaceMember")
	defer func() { endSpan(span, err) }()

	user, err := f.requirePrincipal(ctx)
	if err != nil {
		return Envelope{}, err
	}
	removed, err := f.authority.RemoveMember(ctx, authority.RemoveMemberInput{
		WorkspaceID: workspaceID,
		UserID:      userID,
		ActorID:     user.ID,
		Reason:      reason,
	})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Member: &removed}, nil
}

// UpdateMemberPermissions replaces a member's role or permission set.
func (f *Facade) UpdateMemberPermissions(ctx context.Context, workspaceID, userID string, role member.Role, permissions member.PermissionSet) (env Envelope, err error) {
	ctx, span := f.startSpan(ctx, "facade.UpdateMemberPermissions")
	defer func() { endSpan(span, err) }()

	user, err := f.requirePrincipal(ctx)
	if err != nil {
		return Envelope{}, err
	}
	updated, err := f.authority.UpdatePermissions(ctx, authority.UpdatePermissionsInput{
		WorkspaceID: workspaceID,
		UserID:      userID,
		ActorID:     user.ID,
		Role:        role,
		Permissions: permissions,
	})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Member: &updated}, nil
}

// LockWorkspace freezes workspace mutations until the owner unlocks.
func (f *Facade) LockWorkspace(ctx context.Context, workspaceID string) (env Envelope, err error) {
	ctx, span := f.startSpan(ctx, "facade.LockWorkspace")
	defer func() { endSpan(span, err) }()
	return f.setWorkspaceLock(ctx, workspaceID, true)
}

// UnlockWorkspace lifts a workspace lock.
func (f *Facade) UnlockWorkspace(ctx context.Context, workspaceID string) (env Envelope, err error) {
	ctx, span := f.startSpan(ctx, "facade.UnlockWorkspace")
	defer func() { endSpan(span, err) }()
	return f.setWorkspaceLock(ctx, workspaceID, false)
}

func (f *Facade) setWorkspaceLock(ctx context.Context, workspaceID string, locked bool) (Envelope, error) {
	user, err := f.requirePrincipal(ctx)
	if err != nil {
		return Envelope{}, err
	}
	var ws workspace.Workspace
	if locked {
		ws, err = f.authority.LockWorkspace(ctx, workspaceID, user.ID)
	} else {
		ws, err = f.authority.UnlockWorkspace(ctx, workspaceID, user.ID)
	}
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Workspace: &ws}, nil
}

// UpdateWorkspaceSettings replaces the workspace settings.
func (f *Facade) UpdateWorkspaceSettings(ctx context.Context, workspaceID string, settings workspace.Settings) (env Envelope, err error) {
	ctx, span := f.startSpan(ctx, "facade.UpdateWorkspaceSettings")
	defer func() { endSpan(span, err) }()

	user, err := f.requirePrincipal(ctx)
	if err != nil {
		return Envelope{}, err
	}
	ws, err := f.authority.UpdateSettings(ctx, authority.UpdateSettingsInput{
		WorkspaceID: workspaceID,
		ActorID:     user.ID,
		Settings:    settings,
	})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Workspace: &ws}, nil
}

// ListWorkspaceMembers returns every membership row in the workspace.
func (f *Facade) ListWorkspaceMembers(ctx context.Context, workspaceID string) (members []member.Member, err error) {
	ctx, span := f.startSpan(ctx, "facade.ListWorkspaceMembers")
	defer func() { endSpan(span, err) }()

	user, err := f.requirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	return f.authority.ListMembers(ctx, workspaceID, user.ID)
}

// UpdateProfileInput describes a profile metadata update. Nil fields keep
// their stored value.
type UpdateProfileInput struct {
	DisplayName *string
	AvatarURL   *string
	Bio         *string
}

// UpdateProfile replaces the signed-in principal's display metadata.
func (f *Facade) UpdateProfile(ctx context.Context, input UpdateProfileInput) (env Envelope, err error) {
	ctx, span := f.startSpan(ctx, "facade.UpdateProfile")
	defer func() { endSpan(span, err) }()

	user, err := f.requirePrincipal(ctx)
	if err != nil {
		return Envelope{}, err
	}
	profile, err := f.principals.GetProfile(ctx, user.ID)
	if err != nil {
		return Envelope{}, fmt.Errorf("get profile: %w", err)
	}

	if input.DisplayName != nil {
		profile.DisplayName = *input.DisplayName
	}
	if input.AvatarURL != nil {
		profile.AvatarURL = *input.AvatarURL
	}
	if input.Bio != nil {
		profile.Bio = *input.Bio
	}
	profile = principal.MigrateProfile(profile)
	profile.UpdatedAt = f.now().UTC()

	if err := f.principals.UpdateProfile(ctx, profile); err != nil {
		return Envelope{}, fmt.Errorf("update profile: %w", err)
	}
	return Envelope{User: &user, Profile: &profile}, nil
}

// UpdateProfileSettings replaces the signed-in principal's preferences.
func (f *Facade) UpdateProfileSettings(ctx context.Context, settings principal.ProfileSettings) (env Envelope, err error) {
	ctx, span := f.startSpan(ctx, "facade.UpdateProfileSettings")
	defer func() { endSpan(span, err) }()

	user, err := f.requirePrincipal(ctx)
	if err != nil {
		return Envelope{}, err
	}
	profile, err := f.principals.GetProfile(ctx, user.ID)
	if err != nil {
		return Envelope{}, fmt.Errorf("get profile: %w", err)
	}

	validated, err := principal.ValidateProfileSettings(settings)
	if err != nil {
		return Envelope{}, err
	}
	profile.Settings = validated
	profile = principal.MigrateProfile(profile)
	profile.UpdatedAt = f.now().UTC()

	if err := f.principals.UpdateProfile(ctx, profile); err != nil {
		return Envelope{}, fmt.Errorf("update profile: %w", err)
	}
	return Envelope{User: &user, Profile: &profile}, nil
}

// Whoami answers the envelope for the current session without mutating
// anything.
func (f *Facade) Whoami(ctx context.Context) (env Envelope, err error) {
	ctx, span := f.startSpan(ctx, "facade.Whoami")
	defer func() { endSpan(span, err) }()

	current, err := f.sessions.Current()
	if err != nil {
		return Envelope{}, err
	}
	user, err := f.principals.GetPrincipal(ctx, current.PrincipalID)
	if err != nil {
		if errors.Is(err, identitystorage.ErrNotFound) {
			return Envelope{}, apperrors.New(apperrors.CodeAuthNotAuthenticated, "no local record for session principal")
		}
		return Envelope{}, fmt.Errorf("get principal: %w", err)
	}
	profile, err := f.principals.GetProfile(ctx, user.ID)
	if err != nil {
		return Envelope{}, fmt.Errorf("get profile: %w", err)
	}

	env = Envelope{User: &user, Profile: &profile, Session: &current}
	f.attachWorkspace(ctx, &env, user)
	return env, nil
}

// requirePrincipal resolves the signed-in principal's local record.
func (f *Facade) requirePrincipal(ctx context.Context) (principal.Principal, error) {
	current, err := f.sessions.Current()
	if err != nil {
		return principal.Principal{}, err
	}
	user, err := f.principals.GetPrincipal(ctx, current.PrincipalID)
	if err != nil {
		if errors.Is(err, identitystorage.ErrNotFound) {
			return principal.Principal{}, apperrors.New(apperrors.CodeAuthNotAuthenticated, "no local record for session principal")
		}
		return principal.Principal{}, fmt.Errorf("get principal: %w", err)
	}
	if !user.IsActive {
		return principal.Principal{}, apperrors.New(apperrors.CodeAuthAccountInactive, "account is inactive")
	}
	return user, nil
}
