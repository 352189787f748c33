package facade

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/craftlane/identity-core/internal/identity/backend"
	"github.com/craftlane/identity-core/internal/identity/principal"
	"github.com/craftlane/identity-core/internal/identity/session"
	identitysqlite "github.com/craftlane/identity-core/internal/identity/storage/sqlite"
	"github.com/craftlane/identity-core/internal/identity/token"
	apperrors "github.com/craftlane/identity-core/internal/platform/errors"
	"github.com/craftlane/identity-core/internal/workspace/authority"
	"github.com/craftlane/identity-core/internal/workspace/member"
	workspacesqlite "github.com/craftlane/identity-core/internal/workspace/storage/sqlite"
	"github.com/craftlane/identity-core/internal/workspace/workspace"
)

func newTestFacade(t *testing.T) (*Facade, *backend.Fake) {
	t.Helper()

	tokens := token.Config{
		Issuer:     "craftlane",
		Audience:   "identity",
		Secret:     []byte("0123456789abcdef0123456789abcdef"),
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 720 * time.Hour,
	}
	fake := backend.NewFake(tokens)
	sessions := session.NewManager(fake, session.Config{
		RefreshMargin:  time.Minute,
		RefreshTimeout: 5 * time.Second,
	}, nil)

	dir := t.TempDir()
	principals, err := identitysqlite.Open(filepath.Join(dir, "identity.db"))
	if err != nil {
		t.Fatalf("open identity store: %v", err)
	}
	t.Cleanup(func() { principals.Close() })

	workspaces, err := workspacesqlite.Open(filepath.Join(dir, "workspace.db"))
	if err != nil {
		t.Fatalf("open workspace store: %v", err)
	}
	t.Cleanup(func() { workspaces.Close() })

	auth := authority.New(workspaces, authority.Config{InviteTTL: 168 * time.Hour}, nil, nil)
	return New(fake, sessions, principals, auth, nil), fake
}

func signUpBusiness(t *testing.T, f *Facade, email string) Envelope {
	t.Helper()
	env, err := f.SignUp(context.Background(), SignUpInput{
		Email:       email,
		Password:    "hunter2!",
		CountryCode: "us",
		Business:    true,
		DisplayName: "Owner",
	})
	if err != nil {
		t.Fatalf("SignUp(%q) error: %v", email, err)
	}
	return env
}

func TestSignUpCreatesPrincipalAndSession(t *testing.T) {
	t.Parallel()
	f, _ := newTestFacade(t)

	env := signUpBusiness(t, f, "owner@example.com")
	if env.User == nil || env.Profile == nil || env.Session == nil {
		t.Fatalf("envelope missing parts: %+v", env)
	}
	if env.User.Role != principal.RoleBusiness {
		t.Fatalf("Role = %v, want business", env.User.Role)
	}
	if env.User.IsVerified {
		t.Fatal("new account should start unverified")
	}
	if env.Profile.DisplayName != "Owner" {
		t.Fatalf("DisplayName = %q", env.Profile.DisplayName)
	}
	if env.Session.PrincipalID != env.User.ID {
		t.Fatalf("session principal %q != user %q", env.Session.PrincipalID, env.User.ID)
	}

	whoami, err := f.Whoami(context.Background())
	if err != nil {
		t.Fatalf("Whoami error: %v", err)
	}
	if whoami.User.ID != env.User.ID {
		t.Fatalf("Whoami user %q, want %q", whoami.User.ID, env.User.ID)
	}
}

func TestWhoamiWithoutSession(t *testing.T) {
	t.Parallel()
	f, _ := newTestFacade(t)

	_, err := f.Whoami(context.Background())
	if !apperrors.IsCode(err, apperrors.CodeAuthNotAuthenticated) {
		t.Fatalf("error = %v, want AUTH_NOT_AUTHENTICATED", err)
	}
}

func TestSignInFirstSocialCreatesLocalPrincipal(t *testing.T) {
	t.Parallel()
	f, _ := newTestFacade(t)

	env, err := f.SignInWithGoogle(context.Background(), "google:drifter@example.com")
	if err != nil {
		t.Fatalf("SignInWithGoogle error: %v", err)
	}
	if env.User == nil || env.User.Email != "drifter@example.com" {
		t.Fatalf("envelope user = %+v", env.User)
	}
	if !env.User.IsVerified {
		t.Fatal("social accounts arrive verified")
	}
	if env.User.Role != principal.RoleCustomer {
		t.Fatalf("Role = %v, want customer", env.User.Role)
	}

	// The record persists: signing in again must not create a duplicate.
	again, err := f.SignInWithGoogle(context.Background(), "google:drifter@example.com")
	if err != nil {
		t.Fatalf("second SignInWithGoogle error: %v", err)
	}
	if again.User.ID != env.User.ID {
		t.Fatalf("second sign-in principal %q, want %q", again.User.ID, env.User.ID)
	}
}

func TestSignInInactiveAccount(t *testing.T) {
	t.Parallel()
	f, _ := newTestFacade(t)

	env := signUpBusiness(t, f, "dormant@example.com")
	f.SignOut(context.Background())

	user := *env.User
	user.IsActive = false
	if err := f.principals.UpdatePrincipal(context.Background(), user); err != nil {
		t.Fatalf("deactivate principal: %v", err)
	}

	_, err := f.SignIn(context.Background(), "dormant@example.com", "hunter2!")
	if !apperrors.IsCode(err, apperrors.CodeAuthAccountInactive) {
		t.Fatalf("error = %v, want AUTH_ACCOUNT_INACTIVE", err)
	}
	if _, err := f.sessions.Current(); err == nil {
		t.Fatal("inactive sign-in must not install a session")
	}
}

func TestVerifyEmailUpdatesLocalRecord(t *testing.T) {
	t.Parallel()
	f, fake := newTestFacade(t)

	env := signUpBusiness(t, f, "pending@example.com")
	verification, ok := fake.VerificationTokenFor("pending@example.com")
	if !ok {
		t.Fatal("no verification token issued")
	}

	verified, err := f.VerifyEmail(context.Background(), verification)
	if err != nil {
		t.Fatalf("VerifyEmail error: %v", err)
	}
	if verified.User == nil || !verified.User.IsVerified {
		t.Fatalf("envelope user = %+v, want verified", verified.User)
	}

	stored, err := f.principals.GetPrincipal(context.Background(), env.User.ID)
	if err != nil {
		t.Fatalf("GetPrincipal error: %v", err)
	}
	if !stored.IsVerified {
		t.Fatal("stored principal should be verified")
	}
	current, err := f.sessions.Current()
	if err != nil {
		t.Fatalf("Current error: %v", err)
	}
	if !current.Verified {
		t.Fatal("session should be marked verified")
	}
}

func TestChangePasswordKeepsSession(t *testing.T) {
	t.Parallel()
	f, _ := newTestFacade(t)

	env := signUpBusiness(t, f, "rotate@example.com")
	before := env.Session.Tokens

	changed, err := f.ChangePassword(context.Background(), "hunter2!", "correct-horse")
	if err != nil {
		t.Fatalf("ChangePassword error: %v", err)
	}
	if changed.Session == nil || changed.Session.Tokens.AccessToken == before.AccessToken {
		t.Fatal("session should carry the replacement token pair")
	}

	f.SignOut(context.Background())
	if _, err := f.SignIn(context.Background(), "rotate@example.com", "hunter2!"); !apperrors.IsCode(err, apperrors.CodeAuthInvalidCredentials) {
		t.Fatalf("old password error = %v, want AUTH_INVALID_CREDENTIALS", err)
	}
	if _, err := f.SignIn(context.Background(), "rotate@example.com", "correct-horse"); err != nil {
		t.Fatalf("new password sign-in error: %v", err)
	}
}

func TestCreateWorkspaceSetsOwnership(t *testing.T) {
	t.Parallel()
	f, _ := newTestFacade(t)

	signUpBusiness(t, f, "maker@example.com")
	env, err := f.CreateWorkspace(context.Background(), CreateWorkspaceInput{
		Slug:         "maker-studio",
		BusinessType: workspace.BusinessTypeRetail,
		DisplayName:  "Maker Studio",
	})
	if err != nil {
		t.Fatalf("CreateWorkspace error: %v", err)
	}
	if env.Workspace == nil || env.Member == nil {
		t.Fatalf("envelope missing workspace parts: %+v", env)
	}
	if env.Member.Role != member.RoleOwner || env.Member.Status != member.StatusAccepted {
		t.Fatalf("owner member = %+v", env.Member)
	}
	if !env.User.OwnsWorkspace {
		t.Fatal("principal should be flagged as workspace owner")
	}

	if _, err := f.CreateWorkspace(context.Background(), CreateWorkspaceInput{
		Slug:         "maker-two",
		BusinessType: workspace.BusinessTypeRetail,
		DisplayName:  "Second",
	}); !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("second workspace error = %v, want VALIDATION", err)
	}

	whoami, err := f.Whoami(context.Background())
	if err != nil {
		t.Fatalf("Whoami error: %v", err)
	}
	if whoami.Workspace == nil || whoami.Workspace.ID != env.Workspace.ID {
		t.Fatalf("Whoami workspace = %+v, want %q", whoami.Workspace, env.Workspace.ID)
	}
}

func TestInvitationLifecycleThroughFacade(t *testing.T) {
	t.Parallel()
	f, fake := newTestFacade(t)

	signUpBusiness(t, f, "owner@example.com")
	created, err := f.CreateWorkspace(context.Background(), CreateWorkspaceInput{
		Slug:         "atelier",
		BusinessType: workspace.BusinessTypeRetail,
		DisplayName:  "Atelier",
	})
	if err != nil {
		t.Fatalf("CreateWorkspace error: %v", err)
	}

	invited, err := f.InviteToWorkspace(context.Background(), created.Workspace.ID, "join@example.com", member.RoleMember)
	if err != nil {
		t.Fatalf("InviteToWorkspace error: %v", err)
	}
	if invited.Member.Status != member.StatusPending {
		t.Fatalf("Status = %v, want pending", invited.Member.Status)
	}
	f.SignOut(context.Background())

	// The invitee registers with the invited address and verifies it.
	env, err := f.SignUp(context.Background(), SignUpInput{
		Email:    "join@example.com",
		Password: "s3cretish",
	})
	if err != nil {
		t.Fatalf("invitee SignUp error: %v", err)
	}
	verification, _ := fake.VerificationTokenFor("join@example.com")
	if _, err := f.VerifyEmail(context.Background(), verification); err != nil {
		t.Fatalf("VerifyEmail error: %v", err)
	}

	accepted, err := f.AcceptWorkspaceInvitation(context.Background(), invited.Member.ID)
	if err != nil {
		t.Fatalf("AcceptWorkspaceInvitation error: %v", err)
	}
	if accepted.Member.Status != member.StatusAccepted {
		t.Fatalf("Status = %v, want accepted", accepted.Member.Status)
	}
	if accepted.Member.UserID != env.User.ID {
		t.Fatalf("UserID = %q, want %q", accepted.Member.UserID, env.User.ID)
	}
	if accepted.Member.PermissionsVersion != 2 {
		t.Fatalf("PermissionsVersion = %d, want 2", accepted.Member.PermissionsVersion)
	}
	if accepted.Workspace == nil || accepted.Workspace.ID != created.Workspace.ID {
		t.Fatalf("envelope workspace = %+v", accepted.Workspace)
	}
}

func TestAcceptRequiresVerifiedEmail(t *testing.T) {
	t.Parallel()
	f, _ := newTestFacade(t)

	signUpBusiness(t, f, "owner@example.com")
	created, err := f.CreateWorkspace(context.Background(), CreateWorkspaceInput{
		Slug:         "atelier",
		BusinessType: workspace.BusinessTypeRetail,
		DisplayName:  "Atelier",
	})
	if err != nil {
		t.Fatalf("CreateWorkspace error: %v", err)
	}
	invited, err := f.InviteToWorkspace(context.Background(), created.Workspace.ID, "join@example.com", member.RoleMember)
	if err != nil {
		t.Fatalf("InviteToWorkspace error: %v", err)
	}
	f.SignOut(context.Background())

	if _, err := f.SignUp(context.Background(), SignUpInput{
		Email:    "join@example.com",
		Password: "s3cretish",
	}); err != nil {
		t.Fatalf("invitee SignUp error: %v", err)
	}
	if _, err := f.AcceptWorkspaceInvitation(context.Background(), invited.Member.ID); !apperrors.IsCode(err, apperrors.CodePrincipalNotVerified) {
		t.Fatalf("error = %v, want PRINCIPAL_NOT_VERIFIED", err)
	}
}

func TestUpdateProfileAndSettings(t *testing.T) {
	t.Parallel()
	f, _ := newTestFacade(t)

	signUpBusiness(t, f, "owner@example.com")

	name := "Atelier Owner"
	bio := "Ceramics and small batch glazes."
	env, err := f.UpdateProfile(context.Background(), UpdateProfileInput{DisplayName: &name, Bio: &bio})
	if err != nil {
		t.Fatalf("UpdateProfile error: %v", err)
	}
	if env.Profile.DisplayName != name || env.Profile.Bio != bio {
		t.Fatalf("profile = %+v", env.Profile)
	}

	updated, err := f.UpdateProfileSettings(context.Background(), principal.ProfileSettings{
		Locale:          "pt-BR",
		MarketingEmails: true,
	})
	if err != nil {
		t.Fatalf("UpdateProfileSettings error: %v", err)
	}
	if updated.Profile.Settings.Locale != "pt-BR" {
		t.Fatalf("Locale = %q", updated.Profile.Settings.Locale)
	}
	if updated.Profile.Settings.Timezone != "UTC" {
		t.Fatalf("Timezone = %q, want default UTC", updated.Profile.Settings.Timezone)
	}
	if !updated.Profile.Settings.MarketingEmails {
		t.Fatal("MarketingEmails should persist")
	}
	// Display metadata from the earlier update survives a settings write.
	if updated.Profile.DisplayName != name {
		t.Fatalf("DisplayName = %q after settings update", updated.Profile.DisplayName)
	}
}

func TestOwnershipRecoveredFromWorkspaceRow(t *testing.T) {
	t.Parallel()
	f, _ := newTestFacade(t)

	env := signUpBusiness(t, f, "owner@example.com")

	// Create the workspace behind the facade's back, leaving OwnsWorkspace
	// false. This is the state a crash between the workspace write and the
	// principal update leaves behind.
	ws, _, err := f.authority.CreateWorkspace(context.Background(), authority.CreateWorkspaceInput{
		OwnerID:      env.User.ID,
		OwnerEmail:   env.User.Email,
		Slug:         "orphaned",
		BusinessType: workspace.BusinessTypeRetail,
		DisplayName:  "Orphaned",
	})
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}

	// The workspace row blocks a second creation while the flag is still
	// stale.
	if _, err := f.CreateWorkspace(context.Background(), CreateWorkspaceInput{
		Slug:         "second",
		BusinessType: workspace.BusinessTypeRetail,
		DisplayName:  "Second",
	}); !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("second workspace error = %v, want VALIDATION", err)
	}

	whoami, err := f.Whoami(context.Background())
	if err != nil {
		t.Fatalf("Whoami error: %v", err)
	}
	if whoami.Workspace == nil || whoami.Workspace.ID != ws.ID {
		t.Fatalf("Whoami workspace = %+v, want %q", whoami.Workspace, ws.ID)
	}
	if whoami.User == nil || !whoami.User.OwnsWorkspace {
		t.Fatal("ownership flag should be repaired from the workspace row")
	}
	stored, err := f.principals.GetPrincipal(context.Background(), env.User.ID)
	if err != nil {
		t.Fatalf("GetPrincipal error: %v", err)
	}
	if !stored.OwnsWorkspace {
		t.Fatal("repaired flag should persist")
	}
}
