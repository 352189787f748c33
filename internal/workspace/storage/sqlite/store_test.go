package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/craftlane/identity-core/internal/workspace/member"
	"github.com/craftlane/identity-core/internal/workspace/storage"
	"github.com/craftlane/identity-core/internal/workspace/workspace"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "workspace.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func seedWorkspace(t *testing.T, store *Store, slug string, now time.Time) (workspace.Workspace, member.Member) {
	t.Helper()

	ws := workspace.Workspace{
		ID:           "ws-" + slug,
		OwnerID:      "owner-1",
		Slug:         slug,
		BusinessType: workspace.BusinessTypeRetail,
		Settings:     workspace.DefaultSettings("Shop"),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	owner := member.Member{
		ID:                 "mem-owner-" + slug,
		WorkspaceID:        ws.ID,
		UserID:             "owner-1",
		Email:              "owner@example.com",
		Role:               member.RoleOwner,
		Permissions:        member.DefaultPermissions(member.RoleOwner),
		PermissionsVersion: 1,
		Status:             member.StatusAccepted,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := store.CreateWorkspace(context.Background(), ws, owner); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	return ws, owner
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestCreateWorkspaceRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
	ws, owner := seedWorkspace(t, store, "alpine-goods", now)

	got, err := store.GetWorkspace(context.Background(), ws.ID)
	if err != nil {
		t.Fatalf("get workspace: %v", err)
	}
	if got.Slug != "alpine-goods" {
		t.Fatalf("slug = %q, want alpine-goods", got.Slug)
	}
	if got.Settings.DisplayName != "Shop" {
		t.Fatalf("display name = %q, want Shop", got.Settings.DisplayName)
	}

	bySlug, err := store.GetWorkspaceBySlug(context.Background(), "alpine-goods")
	if err != nil {
		t.Fatalf("get workspace by slug: %v", err)
	}
	if bySlug.ID != ws.ID {
		t.Fatalf("id = %q, want %q", bySlug.ID, ws.ID)
	}

	gotOwner, err := store.GetActiveMember(context.Background(), ws.ID, "owner-1")
	if err != nil {
		t.Fatalf("get active member: %v", err)
	}
	if gotOwner.ID != owner.ID {
		t.Fatalf("member id = %q, want %q", gotOwner.ID, owner.ID)
	}
	if gotOwner.Role != member.RoleOwner || gotOwner.Status != member.StatusAccepted {
		t.Fatalf("unexpected owner row %+v", gotOwner)
	}
	if gotOwner.PermissionsVersion != 1 {
		t.Fatalf("permissions version = %d, want 1", gotOwner.PermissionsVersion)
	}
}

func TestCreateWorkspaceRejectsDuplicateSlug(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
	seedWorkspace(t, store, "alpine-goods", now)

	dup := workspace.Workspace{
		ID:           "ws-other",
		OwnerID:      "owner-2",
		Slug:         "alpine-goods",
		BusinessType: workspace.BusinessTypeFood,
		Settings:     workspace.DefaultSettings("Other"),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	owner := member.Member{
		ID:                 "mem-other",
		WorkspaceID:        "ws-other",
		UserID:             "owner-2",
		Email:              "other@example.com",
		Role:               member.RoleOwner,
		Permissions:        member.DefaultPermissions(member.RoleOwner),
		PermissionsVersion: 1,
		Status:             member.StatusAccepted,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := store.CreateWorkspace(context.Background(), dup, owner); !errors.Is(err, storage.ErrSlugTaken) {
		t.Fatalf("expected ErrSlugTaken, got %v", err)
	}

	// The owner row must not survive the failed transaction.
	if _, err := store.GetMember(context.Background(), "mem-other"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for rolled-back owner, got %v", err)
	}
}

func TestCreateMemberDuplicatePendingInvite(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
	ws, _ := seedWorkspace(t, store, "alpine-goods", now)

	invite := member.Member{
		ID:                 "mem-invite-1",
		WorkspaceID:        ws.ID,
		Email:              "bob@example.com",
		Role:               member.RoleManager,
		Permissions:        member.DefaultPermissions(member.RoleManager),
		PermissionsVersion: 1,
		Status:             member.StatusPending,
		InvitedBy:          "owner-1",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := store.CreateMember(context.Background(), invite); err != nil {
		t.Fatalf("create member: %v", err)
	}

	dup := invite
	dup.ID = "mem-invite-2"
	if err := store.CreateMember(context.Background(), dup); !errors.Is(err, storage.ErrDuplicatePendingInvite) {
		t.Fatalf("expected ErrDuplicatePendingInvite, got %v", err)
	}
}

func TestCreateMemberDuplicateActiveUser(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
	ws, _ := seedWorkspace(t, store, "alpine-goods", now)

	second := member.Member{
		ID:                 "mem-dup-owner",
		WorkspaceID:        ws.ID,
		UserID:             "owner-1",
		Email:              "owner.alt@example.com",
		Role:               member.RoleMember,
		Permissions:        member.DefaultPermissions(member.RoleMember),
		PermissionsVersion: 1,
		Status:             member.StatusAccepted,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := store.CreateMember(context.Background(), second); !errors.Is(err, storage.ErrDuplicateActiveMember) {
		t.Fatalf("expected ErrDuplicateActiveMember, got %v", err)
	}
}

func TestUpdateMemberStatusAcceptBindsUser(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
	ws, _ := seedWorkspace(t, store, "alpine-goods", now)

	invite := member.Member{
		ID:                 "mem-invite",
		WorkspaceID:        ws.ID,
		Email:              "bob@example.com",
		Role:               member.RoleManager,
		Permissions:        member.DefaultPermissions(member.RoleManager),
		PermissionsVersion: 1,
		Status:             member.StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := store.CreateMember(context.Background(), invite); err != nil {
		t.Fatalf("create member: %v", err)
	}

	accepted, err := store.UpdateMemberStatus(context.Background(), storage.StatusUpdate{
		MemberID:   "mem-invite",
		FromStatus: member.StatusPending,
		ToStatus:   member.StatusAccepted,
		UserID:     "user-bob",
		UpdatedAt:  now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("update member status: %v", err)
	}
	if accepted.Status != member.StatusAccepted {
		t.Fatalf("status = %v, want accepted", accepted.Status)
	}
	if accepted.UserID != "user-bob" {
		t.Fatalf("user id = %q, want user-bob", accepted.UserID)
	}
	if accepted.PermissionsVersion != 2 {
		t.Fatalf("permissions version = %d, want 2", accepted.PermissionsVersion)
	}

	// A second accept must fail the status guard.
	if _, err := store.UpdateMemberStatus(context.Background(), storage.StatusUpdate{
		MemberID:   "mem-invite",
		FromStatus: member.StatusPending,
		ToStatus:   member.StatusAccepted,
		UserID:     "user-bob",
		UpdatedAt:  now.Add(2 * time.Hour),
	}); !errors.Is(err, storage.ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
}

func TestUpdateMemberStatusRemoveRecordsAudit(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
	ws, owner := seedWorkspace(t, store, "alpine-goods", now)

	removedAt := now.Add(time.Hour)
	removed, err := store.UpdateMemberStatus(context.Background(), storage.StatusUpdate{
		MemberID:      owner.ID,
		FromStatus:    member.StatusAccepted,
		ToStatus:      member.StatusRemoved,
		RemovedAt:     &removedAt,
		RemovedBy:     "owner-1",
		RemovalReason: "closing shop",
		UpdatedAt:     removedAt,
	})
	if err != nil {
		t.Fatalf("update member status: %v", err)
	}
	if removed.Status != member.StatusRemoved {
		t.Fatalf("status = %v, want removed", removed.Status)
	}
	if removed.RemovedAt == nil || !removed.RemovedAt.Equal(removedAt) {
		t.Fatalf("removed_at = %v, want %v", removed.RemovedAt, removedAt)
	}
	if removed.RemovedBy != "owner-1" || removed.RemovalReason != "closing shop" {
		t.Fatalf("unexpected audit fields %+v", removed)
	}
	if removed.PermissionsVersion != 2 {
		t.Fatalf("permissions version = %d, want 2", removed.PermissionsVersion)
	}

	// Removed members no longer count as active.
	if _, err := store.GetActiveMember(context.Background(), ws.ID, "owner-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for removed member, got %v", err)
	}
}

func TestUpdateMemberStatusMissingMember(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	if _, err := store.UpdateMemberStatus(context.Background(), storage.StatusUpdate{
		MemberID:   "missing",
		FromStatus: member.StatusPending,
		ToStatus:   member.StatusRevoked,
		UpdatedAt:  time.Now(),
	}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateMemberGrantBumpsVersionUnconditionally(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
	_, owner := seedWorkspace(t, store, "alpine-goods", now)

	// Same role and permissions as stored; the version must still advance.
	updated, err := store.UpdateMemberGrant(context.Background(), storage.GrantUpdate{
		MemberID:    owner.ID,
		Role:        owner.Role,
		Permissions: owner.Permissions,
		UpdatedAt:   now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("update member grant: %v", err)
	}
	if updated.PermissionsVersion != 2 {
		t.Fatalf("permissions version = %d, want 2", updated.PermissionsVersion)
	}

	again, err := store.UpdateMemberGrant(context.Background(), storage.GrantUpdate{
		MemberID:    owner.ID,
		Role:        owner.Role,
		Permissions: owner.Permissions,
		UpdatedAt:   now.Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("update member grant: %v", err)
	}
	if again.PermissionsVersion != 3 {
		t.Fatalf("permissions version = %d, want 3", again.PermissionsVersion)
	}
}

func TestUpdateMemberGrantRequiresAcceptedStatus(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
	ws, _ := seedWorkspace(t, store, "alpine-goods", now)

	invite := member.Member{
		ID:                 "mem-invite",
		WorkspaceID:        ws.ID,
		Email:              "bob@example.com",
		Role:               member.RoleMember,
		Permissions:        member.DefaultPermissions(member.RoleMember),
		PermissionsVersion: 1,
		Status:             member.StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := store.CreateMember(context.Background(), invite); err != nil {
		t.Fatalf("create member: %v", err)
	}

	if _, err := store.UpdateMemberGrant(context.Background(), storage.GrantUpdate{
		MemberID:    "mem-invite",
		Role:        member.RoleManager,
		Permissions: member.DefaultPermissions(member.RoleManager),
		UpdatedAt:   now.Add(time.Minute),
	}); !errors.Is(err, storage.ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
}

func TestExpirePendingBefore(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
	ws, _ := seedWorkspace(t, store, "alpine-goods", now)

	stale := member.Member{
		ID:                 "mem-stale",
		WorkspaceID:        ws.ID,
		Email:              "stale@example.com",
		Role:               member.RoleMember,
		Permissions:        member.DefaultPermissions(member.RoleMember),
		PermissionsVersion: 1,
		Status:             member.StatusPending,
		CreatedAt:          now.Add(-48 * time.Hour),
		UpdatedAt:          now.Add(-48 * time.Hour),
	}
	fresh := member.Member{
		ID:                 "mem-fresh",
		WorkspaceID:        ws.ID,
		Email:              "fresh@example.com",
		Role:               member.RoleMember,
		Permissions:        member.DefaultPermissions(member.RoleMember),
		PermissionsVersion: 1,
		Status:             member.StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for _, m := range []member.Member{stale, fresh} {
		if err := store.CreateMember(context.Background(), m); err != nil {
			t.Fatalf("create member %s: %v", m.ID, err)
		}
	}

	expired, err := store.ExpirePendingBefore(context.Background(), now.Add(-24*time.Hour), now)
	if err != nil {
		t.Fatalf("expire pending: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}

	gotStale, err := store.GetMember(context.Background(), "mem-stale")
	if err != nil {
		t.Fatalf("get stale member: %v", err)
	}
	if gotStale.Status != member.StatusExpired {
		t.Fatalf("stale status = %v, want expired", gotStale.Status)
	}
	if gotStale.PermissionsVersion != 2 {
		t.Fatalf("stale version = %d, want 2", gotStale.PermissionsVersion)
	}

	gotFresh, err := store.GetMember(context.Background(), "mem-fresh")
	if err != nil {
		t.Fatalf("get fresh member: %v", err)
	}
	if gotFresh.Status != member.StatusPending {
		t.Fatalf("fresh status = %v, want pending", gotFresh.Status)
	}
}

func TestListMembers(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
	ws, _ := seedWorkspace(t, store, "alpine-goods", now)

	invite := member.Member{
		ID:                 "mem-invite",
		WorkspaceID:        ws.ID,
		Email:              "bob@example.com",
		Role:               member.RoleManager,
		Permissions:        member.DefaultPermissions(member.RoleManager),
		PermissionsVersion: 1,
		Status:             member.StatusPending,
		CreatedAt:          now.Add(time.Minute),
		UpdatedAt:          now.Add(time.Minute),
	}
	if err := store.CreateMember(context.Background(), invite); err != nil {
		t.Fatalf("create member: %v", err)
	}

	members, err := store.ListMembers(context.Background(), ws.ID)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("len = %d, want 2", len(members))
	}
	if members[0].Role != member.RoleOwner {
		t.Fatalf("first member role = %v, want owner", members[0].Role)
	}
	if members[1].Email != "bob@example.com" {
		t.Fatalf("second member email = %q", members[1].Email)
	}
}
