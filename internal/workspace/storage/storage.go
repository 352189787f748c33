// Package storage defines persistence contracts for workspace and
// membership state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/craftlane/identity-core/internal/workspace/member"
	"github.com/craftlane/identity-core/internal/workspace/workspace"
)

var (
	// ErrNotFound indicates a requested workspace or member is missing.
	ErrNotFound = errors.New("record not found")
	// ErrSlugTaken indicates another workspace already holds the slug.
	ErrSlugTaken = errors.New("slug already taken")
	// ErrDuplicateActiveMember indicates the user already has a non-removed
	// membership in the workspace.
	ErrDuplicateActiveMember = errors.New("user already a member")
	// ErrDuplicatePendingInvite indicates a pending invitation already
	// exists for the email in the workspace.
	ErrDuplicatePendingInvite = errors.New("invitation already pending")
	// ErrStatusConflict indicates the member's status changed between read
	// and write, so the guarded mutation did not apply.
	ErrStatusConflict = errors.New("membership status changed")
)

// StatusUpdate describes one guarded membership status transition.
//
// The mutation applies only while the member is still in FromStatus, and it
// always advances the member's permissions version.
type StatusUpdate struct {
	MemberID   string
	FromStatus member.Status
	ToStatus   member.Status
	// UserID binds the accepting principal on pending -> accepted.
	UserID string
	// Removal audit fields, set on accepted -> removed.
	RemovedAt     *time.Time
	RemovedBy     string
	RemovalReason string
	UpdatedAt     time.Time
}

// GrantUpdate describes one role/permission change for an accepted member.
// The permissions version advances even when the values are unchanged.
type GrantUpdate struct {
	MemberID    string
	Role        member.Role
	Permissions member.PermissionSet
	UpdatedAt   time.Time
}

// WorkspaceStore persists workspaces and their memberships.
type WorkspaceStore interface {
	// CreateWorkspace inserts the workspace and its owner membership in one
	// transaction.
	CreateWorkspace(ctx context.Context, ws workspace.Workspace, owner member.Member) error
	GetWorkspace(ctx context.Context, workspaceID string) (workspace.Workspace, error)
	GetWorkspaceBySlug(ctx context.Context, slug string) (workspace.Workspace, error)
	GetWorkspaceByOwner(ctx context.Context, ownerID string) (workspace.Workspace, error)
	UpdateWorkspace(ctx context.Context, ws workspace.Workspace) error

	CreateMember(ctx context.Context, m member.Member) error
	GetMember(ctx context.Context, memberID string) (member.Member, error)
	// GetActiveMember returns the user's non-removed membership.
	GetActiveMember(ctx context.Context, workspaceID, userID string) (member.Member, error)
	ListMembers(ctx context.Context, workspaceID string) ([]member.Member, error)

	UpdateMemberStatus(ctx context.Context, update StatusUpdate) (member.Member, error)
	UpdateMemberGrant(ctx context.Context, update GrantUpdate) (member.Member, error)
	// ExpirePendingBefore advances every pending invitation created before
	// the cutoff to expired and reports how many rows changed.
	ExpirePendingBefore(ctx context.Context, cutoff, now time.Time) (int, error)
}
