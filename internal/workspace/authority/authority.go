// Package authority is the authorization choke point for workspace state.
//
// Every membership and invitation mutation flows through here, and every
// business mutation asks CheckPermission before acting. Permission versions
// advance on each authorization-relevant change so callers caching a
// decision can detect staleness by version alone.
package authority

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/craftlane/identity-core/internal/platform/config"
	apperrors "github.com/craftlane/identity-core/internal/platform/errors"
	"github.com/craftlane/identity-core/internal/platform/id"
	"github.com/craftlane/identity-core/internal/workspace/member"
	"github.com/craftlane/identity-core/internal/workspace/storage"
	"github.com/craftlane/identity-core/internal/workspace/workspace"
)

// Config tunes invitation lifecycle behavior.
type Config struct {
	// InviteTTL is how long a pending invitation stays acceptable.
	InviteTTL time.Duration `env:"CRAFTLANE_INVITE_TTL" envDefault:"168h"`
}

// LoadConfigFromEnv reads authority configuration from the environment.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse authority env: %w", err)
	}
	return cfg, nil
}

// Authority owns workspaces, memberships, and invitations.
type Authority struct {
	store       storage.WorkspaceStore
	config      Config
	now         func() time.Time
	idGenerator func() (string, error)
}

// New creates an authority over the given store.
func New(store storage.WorkspaceStore, config Config, now func() time.Time, idGenerator func() (string, error)) *Authority {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}
	if config.InviteTTL <= 0 {
		config.InviteTTL = 168 * time.Hour
	}
	return &Authority{store: store, config: config, now: now, idGenerator: idGenerator}
}

// CreateWorkspaceInput describes a new workspace and its owner.
type CreateWorkspaceInput struct {
	OwnerID      string
	OwnerEmail   string
	Slug         string
	BusinessType workspace.BusinessType
	DisplayName  string
}

// CreateWorkspace creates a workspace together with its accepted owner
// membership. The owner row starts at permissions version 1.
func (a *Authority) CreateWorkspace(ctx context.Context, input CreateWorkspaceInput) (workspace.Workspace, member.Member, error) {
	ws, err := workspace.CreateWorkspace(workspace.CreateWorkspaceInput{
		OwnerID:      input.OwnerID,
		Slug:         input.Slug,
		BusinessType: input.BusinessType,
		DisplayName:  input.DisplayName,
	}, a.now, a.idGenerator)
	if err != nil {
		return workspace.Workspace{}, member.Member{}, err
	}

	owner, err := member.CreateOwner(member.CreateOwnerInput{
		WorkspaceID: ws.ID,
		UserID:      input.OwnerID,
		Email:       input.OwnerEmail,
	}, a.now, a.idGenerator)
	if err != nil {
		return workspace.Workspace{}, member.Member{}, err
	}

	if err := a.store.CreateWorkspace(ctx, ws, owner); err != nil {
		if errors.Is(err, storage.ErrSlugTaken) {
			return workspace.Workspace{}, member.Member{}, apperrors.WithMetadata(
				apperrors.CodeWorkspaceSlugTaken,
				fmt.Sprintf("slug %q is already taken", ws.Slug),
				map[string]string{"Slug": ws.Slug},
			)
		}
		return workspace.Workspace{}, member.Member{}, fmt.Errorf("create workspace: %w", err)
	}
	return ws, owner, nil
}

// GetWorkspace returns one workspace by ID.
func (a *Authority) GetWorkspace(ctx context.Context, workspaceID string) (workspace.Workspace, error) {
	ws, err := a.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return workspace.Workspace{}, apperrors.New(apperrors.CodeNotFound, "workspace not found")
		}
		return workspace.Workspace{}, fmt.Errorf("get workspace: %w", err)
	}
	return ws, nil
}

// WorkspaceBySlug returns one workspace by its unique slug.
func (a *Authority) WorkspaceBySlug(ctx context.Context, slug string) (workspace.Workspace, error) {
	ws, err := a.store.GetWorkspaceBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return workspace.Workspace{}, apperrors.New(apperrors.CodeNotFound, "workspace not found")
		}
		return workspace.Workspace{}, fmt.Errorf("get workspace by slug: %w", err)
	}
	return ws, nil
}

// WorkspaceForOwner returns the workspace the principal owns, together with
// the owner's membership row. Principals without a workspace get NOT_FOUND.
func (a *Authority) WorkspaceForOwner(ctx context.Context, ownerID string) (workspace.Workspace, member.Member, error) {
	ws, err := a.store.GetWorkspaceByOwner(ctx, ownerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return workspace.Workspace{}, member.Member{}, apperrors.New(apperrors.CodeNotFound, "workspace not found")
		}
		return workspace.Workspace{}, member.Member{}, fmt.Errorf("get workspace by owner: %w", err)
	}
	owner, err := a.store.GetActiveMember(ctx, ws.ID, ownerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return workspace.Workspace{}, member.Member{}, apperrors.New(apperrors.CodeNotFound, "owner membership not found")
		}
		return workspace.Workspace{}, member.Member{}, fmt.Errorf("get owner membership: %w", err)
	}
	return ws, owner, nil
}

// InviteInput describes one invitation request.
type InviteInput struct {
	WorkspaceID string
	ActorID     string
	Email       string
	Role        member.Role
}

// Invite creates a pending membership for an email address. The actor's
// permission to manage members is read fresh, never from a cache.
func (a *Authority) Invite(ctx context.Context, input InviteInput) (member.Member, error) {
	ws, err := a.GetWorkspace(ctx, input.WorkspaceID)
	if err != nil {
		return member.Member{}, err
	}
	if ws.IsLocked {
		return member.Member{}, apperrors.New(apperrors.CodeWorkspaceLocked, "workspace is locked")
	}
	if err := a.requirePermission(ctx, input.WorkspaceID, input.ActorID, member.PermissionManageMembers); err != nil {
		return member.Member{}, err
	}

	invite, err := member.CreateInvite(member.CreateInviteInput{
		WorkspaceID: input.WorkspaceID,
		Email:       input.Email,
		Role:        input.Role,
		InvitedBy:   input.ActorID,
	}, a.now, a.idGenerator)
	if err != nil {
		return member.Member{}, err
	}

	if err := a.store.CreateMember(ctx, invite); err != nil {
		if errors.Is(err, storage.ErrDuplicatePendingInvite) {
			return member.Member{}, apperrors.WithMetadata(
				apperrors.CodeInvitationDuplicatePending,
				fmt.Sprintf("an invitation for %s is already pending", invite.Email),
				map[string]string{"Email": invite.Email},
			)
		}
		return member.Member{}, fmt.Errorf("create invitation: %w", err)
	}
	return invite, nil
}

// AcceptInput describes one invitation acceptance.
type AcceptInput struct {
	InvitationID string
	UserID       string
	// Email is the accepting principal's address; it must be verified and
	// match the invitation before the membership activates.
	Email         string
	EmailVerified bool
}

// AcceptInvitation moves a pending invitation to accepted and binds it to
// the accepting principal. A mismatched email leaves the invitation pending.
func (a *Authority) AcceptInvitation(ctx context.Context, input AcceptInput) (member.Member, error) {
	invite, err := a.getMember(ctx, input.InvitationID)
	if err != nil {
		return member.Member{}, err
	}
	if err := member.ValidateTransition(invite.Status, member.StatusAccepted); err != nil {
		return member.Member{}, err
	}

	// The lock gate comes first: even the lazy expiry write below is a
	// mutation a locked workspace must reject.
	ws, err := a.GetWorkspace(ctx, invite.WorkspaceID)
	if err != nil {
		return member.Member{}, err
	}
	if ws.IsLocked {
		return member.Member{}, apperrors.New(apperrors.CodeWorkspaceLocked, "workspace is locked")
	}

	now := a.now().UTC()
	if invite.CreatedAt.Add(a.config.InviteTTL).Before(now) {
		// Lazily advance a stale invitation the sweep has not reached yet.
		if _, err := a.store.UpdateMemberStatus(ctx, storage.StatusUpdate{
			MemberID:   invite.ID,
			FromStatus: member.StatusPending,
			ToStatus:   member.StatusExpired,
			UpdatedAt:  now,
		}); err != nil && !errors.Is(err, storage.ErrStatusConflict) {
			return member.Member{}, fmt.Errorf("expire invitation: %w", err)
		}
		return member.Member{}, apperrors.New(apperrors.CodeInvitationExpired, "invitation has expired")
	}

	if !input.EmailVerified {
		return member.Member{}, apperrors.New(apperrors.CodePrincipalNotVerified, "email must be verified to accept an invitation")
	}
	email, err := member.NormalizeEmail(input.Email)
	if err != nil {
		return member.Member{}, err
	}
	if email != invite.Email {
		return member.Member{}, apperrors.WithMetadata(
			apperrors.CodeInvitationEmailMismatch,
			"invitation was issued to a different address",
			map[string]string{"Email": invite.Email},
		)
	}

	accepted, err := a.store.UpdateMemberStatus(ctx, storage.StatusUpdate{
		MemberID:   invite.ID,
		FromStatus: member.StatusPending,
		ToStatus:   member.StatusAccepted,
		UserID:     input.UserID,
		UpdatedAt:  now,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrStatusConflict):
			return member.Member{}, apperrors.New(apperrors.CodeInvitationNotPending, "invitation is no longer pending")
		case errors.Is(err, storage.ErrDuplicateActiveMember):
			return member.Member{}, apperrors.New(apperrors.CodeValidation, "user is already a member of this workspace")
		}
		return member.Member{}, fmt.Errorf("accept invitation: %w", err)
	}
	return accepted, nil
}

// RevokeInvitationInput describes one invitation withdrawal.
type RevokeInvitationInput struct {
	InvitationID string
	ActorID      string
}

// RevokeInvitation withdraws a pending invitation before acceptance.
func (a *Authority) RevokeInvitation(ctx context.Context, input RevokeInvitationInput) (member.Member, error) {
	invite, err := a.getMember(ctx, input.InvitationID)
	if err != nil {
		return member.Member{}, err
	}
	ws, err := a.GetWorkspace(ctx, invite.WorkspaceID)
	if err != nil {
		return member.Member{}, err
	}
	if ws.IsLocked {
		return member.Member{}, apperrors.New(apperrors.CodeWorkspaceLocked, "workspace is locked")
	}
	if err := a.requirePermission(ctx, invite.WorkspaceID, input.ActorID, member.PermissionManageMembers); err != nil {
		return member.Member{}, err
	}
	if err := member.ValidateTransition(invite.Status, member.StatusRevoked); err != nil {
		return member.Member{}, err
	}

	revoked, err := a.store.UpdateMemberStatus(ctx, storage.StatusUpdate{
		MemberID:   invite.ID,
		FromStatus: member.StatusPending,
		ToStatus:   member.StatusRevoked,
		UpdatedAt:  a.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return member.Member{}, apperrors.New(apperrors.CodeInvitationNotPending, "invitation is no longer pending")
		}
		return member.Member{}, fmt.Errorf("revoke invitation: %w", err)
	}
	return revoked, nil
}

// RemoveMemberInput describes one member removal.
type RemoveMemberInput struct {
	WorkspaceID string
	UserID      string
	ActorID     string
	Reason      string
}

// RemoveMember ends an accepted membership, recording who removed it and
// why. Removed rows stay behind as the audit trail; re-adding the user means
// a brand-new invitation.
func (a *Authority) RemoveMember(ctx context.Context, input RemoveMemberInput) (member.Member, error) {
	ws, err := a.GetWorkspace(ctx, input.WorkspaceID)
	if err != nil {
		return member.Member{}, err
	}
	if ws.IsLocked {
		return member.Member{}, apperrors.New(apperrors.CodeWorkspaceLocked, "workspace is locked")
	}
	if err := a.requirePermission(ctx, input.WorkspaceID, input.ActorID, member.PermissionManageMembers); err != nil {
		return member.Member{}, err
	}

	target, err := a.store.GetActiveMember(ctx, input.WorkspaceID, input.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return member.Member{}, apperrors.New(apperrors.CodeNotFound, "member not found")
		}
		return member.Member{}, fmt.Errorf("get member: %w", err)
	}
	if target.Role == member.RoleOwner {
		return member.Member{}, apperrors.New(apperrors.CodeMemberCannotRemoveOwner, "the workspace owner cannot be removed")
	}
	if err := member.ValidateTransition(target.Status, member.StatusRemoved); err != nil {
		return member.Member{}, err
	}

	now := a.now().UTC()
	removed, err := a.store.UpdateMemberStatus(ctx, storage.StatusUpdate{
		MemberID:      target.ID,
		FromStatus:    member.StatusAccepted,
		ToStatus:      member.StatusRemoved,
		RemovedAt:     &now,
		RemovedBy:     input.ActorID,
		RemovalReason: input.Reason,
		UpdatedAt:     now,
	})
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return member.Member{}, apperrors.New(apperrors.CodeInvitationNotPending, "membership changed while removing")
		}
		return member.Member{}, fmt.Errorf("remove member: %w", err)
	}
	return removed, nil
}

// UpdatePermissionsInput describes one grant change.
//
// When Permissions is nil the role's default set applies.
type UpdatePermissionsInput struct {
	WorkspaceID string
	UserID      string
	ActorID     string
	Role        member.Role
	Permissions member.PermissionSet
}

// UpdatePermissions replaces the member's role or explicit permission set.
// The permissions version advances even when nothing changed; that bump is
// what invalidates authorization decisions cached outside this process.
func (a *Authority) UpdatePermissions(ctx context.Context, input UpdatePermissionsInput) (member.Member, error) {
	ws, err := a.GetWorkspace(ctx, input.WorkspaceID)
	if err != nil {
		return member.Member{}, err
	}
	if ws.IsLocked {
		return member.Member{}, apperrors.New(apperrors.CodeWorkspaceLocked, "workspace is locked")
	}
	if err := a.requirePermission(ctx, input.WorkspaceID, input.ActorID, member.PermissionManageMembers); err != nil {
		return member.Member{}, err
	}

	target, err := a.store.GetActiveMember(ctx, input.WorkspaceID, input.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return member.Member{}, apperrors.New(apperrors.CodeNotFound, "member not found")
		}
		return member.Member{}, fmt.Errorf("get member: %w", err)
	}
	if target.Role == member.RoleOwner || input.Role == member.RoleOwner {
		return member.Member{}, apperrors.New(apperrors.CodeMemberInvalidRole, "ownership cannot be granted or revoked through permission updates")
	}

	role := target.Role
	if input.Role != member.RoleUnspecified {
		if input.Role != member.RoleManager && input.Role != member.RoleMember {
			return member.Member{}, member.ErrInvalidRole
		}
		role = input.Role
	}
	permissions := input.Permissions
	if permissions == nil {
		permissions = member.DefaultPermissions(role)
	}

	updated, err := a.store.UpdateMemberGrant(ctx, storage.GrantUpdate{
		MemberID:    target.ID,
		Role:        role,
		Permissions: permissions,
		UpdatedAt:   a.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return member.Member{}, apperrors.New(apperrors.CodeInvitationNotPending, "membership changed while updating permissions")
		}
		return member.Member{}, fmt.Errorf("update permissions: %w", err)
	}
	return updated, nil
}

// Decision is the result of one permission check.
type Decision struct {
	Allowed bool
	// Version is the member's permissions version at decision time; callers
	// caching the decision store it alongside and discard the cache entry
	// the moment a newer version appears.
	Version int64
}

// CheckPermission reports whether the user currently holds the capability in
// the workspace. Anything but an accepted membership denies, regardless of
// the stored permission set.
func (a *Authority) CheckPermission(ctx context.Context, workspaceID, userID string, capability member.Permission) (Decision, error) {
	m, err := a.store.GetActiveMember(ctx, workspaceID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Decision{}, nil
		}
		return Decision{}, fmt.Errorf("check permission: %w", err)
	}
	if m.Status != member.StatusAccepted {
		return Decision{Version: m.PermissionsVersion}, nil
	}
	return Decision{
		Allowed: m.Permissions.Has(capability),
		Version: m.PermissionsVersion,
	}, nil
}

// ListMembers returns every membership row in the workspace, including the
// removed audit trail. The actor must hold a live membership.
func (a *Authority) ListMembers(ctx context.Context, workspaceID, actorID string) ([]member.Member, error) {
	if err := a.requirePermission(ctx, workspaceID, actorID, member.PermissionViewContent); err != nil {
		return nil, err
	}
	members, err := a.store.ListMembers(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

// LockWorkspace freezes every workspace mutation until the owner unlocks.
func (a *Authority) LockWorkspace(ctx context.Context, workspaceID, actorID string) (workspace.Workspace, error) {
	return a.setLocked(ctx, workspaceID, actorID, true)
}

// UnlockWorkspace lifts a lock. Only the owner may unlock.
func (a *Authority) UnlockWorkspace(ctx context.Context, workspaceID, actorID string) (workspace.Workspace, error) {
	return a.setLocked(ctx, workspaceID, actorID, false)
}

func (a *Authority) setLocked(ctx context.Context, workspaceID, actorID string, locked bool) (workspace.Workspace, error) {
	ws, err := a.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return workspace.Workspace{}, err
	}
	if ws.OwnerID != actorID {
		return workspace.Workspace{}, apperrors.New(apperrors.CodeNotAuthorized, "not authorized")
	}
	if ws.IsLocked == locked {
		return ws, nil
	}

	ws.IsLocked = locked
	ws.UpdatedAt = a.now().UTC()
	if err := a.store.UpdateWorkspace(ctx, ws); err != nil {
		return workspace.Workspace{}, fmt.Errorf("update workspace lock: %w", err)
	}
	return ws, nil
}

// UpdateSettingsInput describes one settings replacement.
type UpdateSettingsInput struct {
	WorkspaceID string
	ActorID     string
	Settings    workspace.Settings
}

// UpdateSettings replaces the workspace settings.
func (a *Authority) UpdateSettings(ctx context.Context, input UpdateSettingsInput) (workspace.Workspace, error) {
	ws, err := a.GetWorkspace(ctx, input.WorkspaceID)
	if err != nil {
		return workspace.Workspace{}, err
	}
	if ws.IsLocked {
		return workspace.Workspace{}, apperrors.New(apperrors.CodeWorkspaceLocked, "workspace is locked")
	}
	if err := a.requirePermission(ctx, input.WorkspaceID, input.ActorID, member.PermissionManageSettings); err != nil {
		return workspace.Workspace{}, err
	}

	settings, err := workspace.ValidateSettings(input.Settings)
	if err != nil {
		return workspace.Workspace{}, err
	}

	ws.Settings = settings
	ws.UpdatedAt = a.now().UTC()
	if err := a.store.UpdateWorkspace(ctx, ws); err != nil {
		return workspace.Workspace{}, fmt.Errorf("update workspace settings: %w", err)
	}
	return ws, nil
}

// ExpireInvitations advances every pending invitation older than the invite
// TTL to expired and reports how many were swept.
func (a *Authority) ExpireInvitations(ctx context.Context) (int, error) {
	now := a.now().UTC()
	expired, err := a.store.ExpirePendingBefore(ctx, now.Add(-a.config.InviteTTL), now)
	if err != nil {
		return 0, fmt.Errorf("expire invitations: %w", err)
	}
	return expired, nil
}

func (a *Authority) getMember(ctx context.Context, memberID string) (member.Member, error) {
	m, err := a.store.GetMember(ctx, memberID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return member.Member{}, apperrors.New(apperrors.CodeNotFound, "invitation not found")
		}
		return member.Member{}, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

// requirePermission denies without distinguishing a missing membership from
// an insufficient one.
func (a *Authority) requirePermission(ctx context.Context, workspaceID, actorID string, capability member.Permission) error {
	decision, err := a.CheckPermission(ctx, workspaceID, actorID, capability)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return apperrors.New(apperrors.CodeNotAuthorized, "not authorized")
	}
	return nil
}
