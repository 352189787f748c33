// Package sqlite provides a SQLite-backed workspace storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	sqlitemigrate "github.com/craftlane/identity-core/internal/platform/storage/sqlitemigrate"
	"github.com/craftlane/identity-core/internal/workspace/member"
	"github.com/craftlane/identity-core/internal/workspace/storage"
	"github.com/craftlane/identity-core/internal/workspace/storage/sqlite/migrations"
	"github.com/craftlane/identity-core/internal/workspace/workspace"
)

// Store persists workspaces and memberships in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite workspace store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// CreateWorkspace inserts the workspace and its owner membership in one
// transaction so a workspace never exists without its owner row.
func (s *Store) CreateWorkspace(ctx context.Context, ws workspace.Workspace, owner member.Member) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(ws.ID) == "" {
		return fmt.Errorf("workspace id is required")
	}
	if owner.WorkspaceID != ws.ID {
		return fmt.Errorf("owner membership must belong to the workspace")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create workspace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO workspaces (
		   id, owner_id, slug, business_type, is_locked,
		   settings_schema_version, settings_display_name, settings_timezone,
		   settings_currency, settings_notify_member_joins,
		   created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ws.ID,
		ws.OwnerID,
		ws.Slug,
		int32(ws.BusinessType),
		ws.IsLocked,
		ws.Settings.SchemaVersion,
		ws.Settings.DisplayName,
		ws.Settings.Timezone,
		ws.Settings.Currency,
		ws.Settings.NotifyMemberJoins,
		toMillis(ws.CreatedAt),
		toMillis(ws.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrSlugTaken
		}
		return fmt.Errorf("create workspace: %w", err)
	}

	if err := insertMember(ctx, tx, owner); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create workspace: %w", err)
	}
	return nil
}

// GetWorkspace returns one workspace by ID.
func (s *Store) GetWorkspace(ctx context.Context, workspaceID string) (workspace.Workspace, error) {
	if err := ctx.Err(); err != nil {
		return workspace.Workspace{}, err
	}
	if s == nil || s.sqlDB == nil {
		return workspace.Workspace{}, fmt.Errorf("storage is not configured")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return workspace.Workspace{}, fmt.Errorf("workspace id is required")
	}
	return scanWorkspace(s.sqlDB.QueryRowContext(
		ctx,
		workspaceSelect+` WHERE id = ?`,
		workspaceID,
	))
}

// GetWorkspaceBySlug returns one workspace by its unique slug.
func (s *Store) GetWorkspaceBySlug(ctx context.Context, slug string) (workspace.Workspace, error) {
	if err := ctx.Err(); err != nil {
		return workspace.Workspace{}, err
	}
	if s == nil || s.sqlDB == nil {
		return workspace.Workspace{}, fmt.Errorf("storage is not configured")
	}
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return workspace.Workspace{}, fmt.Errorf("slug is required")
	}
	return scanWorkspace(s.sqlDB.QueryRowContext(
		ctx,
		workspaceSelect+` WHERE slug = ?`,
		slug,
	))
}

// GetWorkspaceByOwner returns the workspace a principal owns.
func (s *Store) GetWorkspaceByOwner(ctx context.Context, ownerID string) (workspace.Workspace, error) {
	if err := ctx.Err(); err != nil {
		return workspace.Workspace{}, err
	}
	if s == nil || s.sqlDB == nil {
		return workspace.Workspace{}, fmt.Errorf("storage is not configured")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return workspace.Workspace{}, fmt.Errorf("owner id is required")
	}
	return scanWorkspace(s.sqlDB.QueryRowContext(
		ctx,
		workspaceSelect+` WHERE owner_id = ?`,
		ownerID,
	))
}

// UpdateWorkspace persists mutable workspace fields. The slug is immutable
// and deliberately absent from the update.
func (s *Store) UpdateWorkspace(ctx context.Context, ws workspace.Workspace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(ws.ID) == "" {
		return fmt.Errorf("workspace id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE workspaces
		    SET is_locked = ?,
		        settings_schema_version = ?,
		        settings_display_name = ?,
		        settings_timezone = ?,
		        settings_currency = ?,
		        settings_notify_member_joins = ?,
		        updated_at = ?
		  WHERE id = ?`,
		ws.IsLocked,
		ws.Settings.SchemaVersion,
		ws.Settings.DisplayName,
		ws.Settings.Timezone,
		ws.Settings.Currency,
		ws.Settings.NotifyMemberJoins,
		toMillis(ws.UpdatedAt),
		ws.ID,
	)
	if err != nil {
		return fmt.Errorf("update workspace: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update workspace rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CreateMember inserts one membership row.
func (s *Store) CreateMember(ctx context.Context, m member.Member) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return insertMember(ctx, s.sqlDB, m)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMember(ctx context.Context, db execer, m member.Member) error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("member id is required")
	}
	if strings.TrimSpace(m.WorkspaceID) == "" {
		return fmt.Errorf("workspace id is required")
	}

	var removedAt any
	if m.RemovedAt != nil {
		removedAt = toMillis(*m.RemovedAt)
	}
	_, err := db.ExecContext(
		ctx,
		`INSERT INTO workspace_members (
		   id, workspace_id, user_id, email, role,
		   permissions, permissions_version, status, invited_by,
		   removed_at, removed_by, removal_reason,
		   created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		m.WorkspaceID,
		m.UserID,
		m.Email,
		member.RoleLabel(m.Role),
		m.Permissions.Encode(),
		m.PermissionsVersion,
		member.StatusLabel(m.Status),
		m.InvitedBy,
		removedAt,
		m.RemovedBy,
		m.RemovalReason,
		toMillis(m.CreatedAt),
		toMillis(m.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			if strings.Contains(err.Error(), "workspace_members.email") {
				return storage.ErrDuplicatePendingInvite
			}
			return storage.ErrDuplicateActiveMember
		}
		return fmt.Errorf("create member: %w", err)
	}
	return nil
}

const memberSelect = `SELECT id, workspace_id, user_id, email, role,
       permissions, permissions_version, status, invited_by,
       removed_at, removed_by, removal_reason,
       created_at, updated_at
  FROM workspace_members`

const workspaceSelect = `SELECT id, owner_id, slug, business_type, is_locked,
       settings_schema_version, settings_display_name, settings_timezone,
       settings_currency, settings_notify_member_joins,
       created_at, updated_at
  FROM workspaces`

// GetMember returns one membership row by ID.
func (s *Store) GetMember(ctx context.Context, memberID string) (member.Member, error) {
	if err := ctx.Err(); err != nil {
		return member.Member{}, err
	}
	if s == nil || s.sqlDB == nil {
		return member.Member{}, fmt.Errorf("storage is not configured")
	}
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return member.Member{}, fmt.Errorf("member id is required")
	}
	return scanMember(s.sqlDB.QueryRowContext(ctx, memberSelect+` WHERE id = ?`, memberID))
}

// GetActiveMember returns the user's non-removed membership in a workspace.
func (s *Store) GetActiveMember(ctx context.Context, workspaceID, userID string) (member.Member, error) {
	if err := ctx.Err(); err != nil {
		return member.Member{}, err
	}
	if s == nil || s.sqlDB == nil {
		return member.Member{}, fmt.Errorf("storage is not configured")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	userID = strings.TrimSpace(userID)
	if workspaceID == "" || userID == "" {
		return member.Member{}, fmt.Errorf("workspace id and user id are required")
	}
	return scanMember(s.sqlDB.QueryRowContext(
		ctx,
		memberSelect+` WHERE workspace_id = ? AND user_id = ? AND status != 'REMOVED'`,
		workspaceID,
		userID,
	))
}

// ListMembers returns every membership row for a workspace, oldest first.
func (s *Store) ListMembers(ctx context.Context, workspaceID string) ([]member.Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return nil, fmt.Errorf("workspace id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		memberSelect+` WHERE workspace_id = ? ORDER BY created_at ASC, id ASC`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []member.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

// UpdateMemberStatus applies one guarded status transition and advances the
// permissions version in the same statement.
func (s *Store) UpdateMemberStatus(ctx context.Context, update storage.StatusUpdate) (member.Member, error) {
	if err := ctx.Err(); err != nil {
		return member.Member{}, err
	}
	if s == nil || s.sqlDB == nil {
		return member.Member{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(update.MemberID) == "" {
		return member.Member{}, fmt.Errorf("member id is required")
	}

	var removedAt any
	if update.RemovedAt != nil {
		removedAt = toMillis(*update.RemovedAt)
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE workspace_members
		    SET status = ?,
		        user_id = CASE WHEN ? != '' THEN ? ELSE user_id END,
		        removed_at = COALESCE(?, removed_at),
		        removed_by = CASE WHEN ? != '' THEN ? ELSE removed_by END,
		        removal_reason = CASE WHEN ? != '' THEN ? ELSE removal_reason END,
		        permissions_version = permissions_version + 1,
		        updated_at = ?
		  WHERE id = ? AND status = ?`,
		member.StatusLabel(update.ToStatus),
		update.UserID, update.UserID,
		removedAt,
		update.RemovedBy, update.RemovedBy,
		update.RemovalReason, update.RemovalReason,
		toMillis(update.UpdatedAt),
		update.MemberID,
		member.StatusLabel(update.FromStatus),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return member.Member{}, storage.ErrDuplicateActiveMember
		}
		return member.Member{}, fmt.Errorf("update member status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return member.Member{}, fmt.Errorf("update member status rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetMember(ctx, update.MemberID); errors.Is(getErr, storage.ErrNotFound) {
			return member.Member{}, storage.ErrNotFound
		}
		return member.Member{}, storage.ErrStatusConflict
	}
	return s.GetMember(ctx, update.MemberID)
}

// UpdateMemberGrant replaces role and permissions for an accepted member,
// advancing the permissions version even when the values are unchanged.
func (s *Store) UpdateMemberGrant(ctx context.Context, update storage.GrantUpdate) (member.Member, error) {
	if err := ctx.Err(); err != nil {
		return member.Member{}, err
	}
	if s == nil || s.sqlDB == nil {
		return member.Member{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(update.MemberID) == "" {
		return member.Member{}, fmt.Errorf("member id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE workspace_members
		    SET role = ?,
		        permissions = ?,
		        permissions_version = permissions_version + 1,
		        updated_at = ?
		  WHERE id = ? AND status = 'ACCEPTED'`,
		member.RoleLabel(update.Role),
		update.Permissions.Encode(),
		toMillis(update.UpdatedAt),
		update.MemberID,
	)
	if err != nil {
		return member.Member{}, fmt.Errorf("update member grant: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return member.Member{}, fmt.Errorf("update member grant rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetMember(ctx, update.MemberID); errors.Is(getErr, storage.ErrNotFound) {
			return member.Member{}, storage.ErrNotFound
		}
		return member.Member{}, storage.ErrStatusConflict
	}
	return s.GetMember(ctx, update.MemberID)
}

// ExpirePendingBefore advances stale pending invitations to expired.
func (s *Store) ExpirePendingBefore(ctx context.Context, cutoff, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE workspace_members
		    SET status = 'EXPIRED',
		        permissions_version = permissions_version + 1,
		        updated_at = ?
		  WHERE status = 'PENDING' AND created_at < ?`,
		toMillis(now),
		toMillis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("expire pending invitations: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire pending rows affected: %w", err)
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row rowScanner) (workspace.Workspace, error) {
	var ws workspace.Workspace
	var businessType int32
	var createdAt int64
	var updatedAt int64
	err := row.Scan(
		&ws.ID,
		&ws.OwnerID,
		&ws.Slug,
		&businessType,
		&ws.IsLocked,
		&ws.Settings.SchemaVersion,
		&ws.Settings.DisplayName,
		&ws.Settings.Timezone,
		&ws.Settings.Currency,
		&ws.Settings.NotifyMemberJoins,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return workspace.Workspace{}, storage.ErrNotFound
		}
		return workspace.Workspace{}, fmt.Errorf("get workspace: %w", err)
	}
	ws.BusinessType = workspace.BusinessType(businessType)
	ws.CreatedAt = fromMillis(createdAt)
	ws.UpdatedAt = fromMillis(updatedAt)
	ws.Settings = workspace.MigrateSettings(ws.Settings)
	return ws, nil
}

func scanMember(row rowScanner) (member.Member, error) {
	var m member.Member
	var role string
	var permissions string
	var status string
	var removedAt sql.NullInt64
	var createdAt int64
	var updatedAt int64
	err := row.Scan(
		&m.ID,
		&m.WorkspaceID,
		&m.UserID,
		&m.Email,
		&role,
		&permissions,
		&m.PermissionsVersion,
		&status,
		&m.InvitedBy,
		&removedAt,
		&m.RemovedBy,
		&m.RemovalReason,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return member.Member{}, storage.ErrNotFound
		}
		return member.Member{}, fmt.Errorf("get member: %w", err)
	}
	m.Role = member.RoleFromLabel(role)
	m.Permissions = member.DecodePermissions(permissions)
	m.Status = member.StatusFromLabel(status)
	if removedAt.Valid {
		at := fromMillis(removedAt.Int64)
		m.RemovedAt = &at
	}
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updatedAt)
	return m, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed")
}

var _ storage.WorkspaceStore = (*Store)(nil)
