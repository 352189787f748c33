// Package sqlite provides a SQLite-backed principal storage implementation.
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

	"github.com/craftlane/identity-core/internal/identity/principal"
	"github.com/craftlane/identity-core/internal/identity/storage"
	"github.com/craftlane/identity-core/internal/identity/storage/sqlite/migrations"
	sqlitemigrate "github.com/craftlane/identity-core/internal/platform/storage/sqlitemigrate"
)

// Store persists principals and profiles in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite principal store and applies embedded migrations.
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

// CreatePrincipal inserts a principal and its profile in one transaction.
func (s *Store) CreatePrincipal(ctx context.Context, p principal.Principal, profile principal.Profile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("principal id is required")
	}
	if strings.TrimSpace(p.Email) == "" {
		return fmt.Errorf("email is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create principal: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO principals (
		   id, email, role, country_code,
		   is_verified, is_active, owns_workspace,
		   created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.Email,
		int32(p.Role),
		p.CountryCode,
		p.IsVerified,
		p.IsActive,
		p.OwnsWorkspace,
		toMillis(p.CreatedAt),
		toMillis(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrEmailTaken
		}
		return fmt.Errorf("create principal: %w", err)
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO profiles (
		   principal_id, schema_version, display_name, avatar_url, bio,
		   settings_locale, settings_timezone, settings_marketing_emails,
		   updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		profile.SchemaVersion,
		profile.DisplayName,
		profile.AvatarURL,
		profile.Bio,
		profile.Settings.Locale,
		profile.Settings.Timezone,
		profile.Settings.MarketingEmails,
		toMillis(profile.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create principal: %w", err)
	}
	return nil
}

// GetPrincipal returns one principal by ID.
func (s *Store) GetPrincipal(ctx context.Context, principalID string) (principal.Principal, error) {
	if err := ctx.Err(); err != nil {
		return principal.Principal{}, err
	}
	if s == nil || s.sqlDB == nil {
		return principal.Principal{}, fmt.Errorf("storage is not configured")
	}
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return principal.Principal{}, fmt.Errorf("principal id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, email, role, country_code,
		        is_verified, is_active, owns_workspace,
		        created_at, updated_at
		   FROM principals
		  WHERE id = ?`,
		principalID,
	)
	return scanPrincipal(row)
}

// GetPrincipalByEmail returns one principal by normalized email.
func (s *Store) GetPrincipalByEmail(ctx context.Context, email string) (principal.Principal, error) {
	if err := ctx.Err(); err != nil {
		return principal.Principal{}, err
	}
	if s == nil || s.sqlDB == nil {
		return principal.Principal{}, fmt.Errorf("storage is not configured")
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return principal.Principal{}, fmt.Errorf("email is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, email, role, country_code,
		        is_verified, is_active, owns_workspace,
		        created_at, updated_at
		   FROM principals
		  WHERE email = ?`,
		email,
	)
	return scanPrincipal(row)
}

// UpdatePrincipal persists mutable principal fields.
func (s *Store) UpdatePrincipal(ctx context.Context, p principal.Principal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("principal id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE principals
		    SET email = ?,
		        role = ?,
		        country_code = ?,
		        is_verified = ?,
		        is_active = ?,
		        owns_workspace = ?,
		        updated_at = ?
		  WHERE id = ?`,
		p.Email,
		int32(p.Role),
		p.CountryCode,
		p.IsVerified,
		p.IsActive,
		p.OwnsWorkspace,
		toMillis(p.UpdatedAt),
		p.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrEmailTaken
		}
		return fmt.Errorf("update principal: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update principal rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetProfile returns the profile for one principal.
func (s *Store) GetProfile(ctx context.Context, principalID string) (principal.Profile, error) {
	if err := ctx.Err(); err != nil {
		return principal.Profile{}, err
	}
	if s == nil || s.sqlDB == nil {
		return principal.Profile{}, fmt.Errorf("storage is not configured")
	}
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return principal.Profile{}, fmt.Errorf("principal id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT principal_id, schema_version, display_name, avatar_url, bio,
		        settings_locale, settings_timezone, settings_marketing_emails,
		        updated_at
		   FROM profiles
		  WHERE principal_id = ?`,
		principalID,
	)

	var profile principal.Profile
	var updatedAt int64
	err := row.Scan(
		&profile.UserID,
		&profile.SchemaVersion,
		&profile.DisplayName,
		&profile.AvatarURL,
		&profile.Bio,
		&profile.Settings.Locale,
		&profile.Settings.Timezone,
		&profile.Settings.MarketingEmails,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return principal.Profile{}, storage.ErrNotFound
		}
		return principal.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	profile.UpdatedAt = fromMillis(updatedAt)
	return principal.MigrateProfile(profile), nil
}

// UpdateProfile persists mutable profile fields.
func (s *Store) UpdateProfile(ctx context.Context, profile principal.Profile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(profile.UserID) == "" {
		return fmt.Errorf("principal id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE profiles
		    SET schema_version = ?,
		        display_name = ?,
		        avatar_url = ?,
		        bio = ?,
		        settings_locale = ?,
		        settings_timezone = ?,
		        settings_marketing_emails = ?,
		        updated_at = ?
		  WHERE principal_id = ?`,
		profile.SchemaVersion,
		profile.DisplayName,
		profile.AvatarURL,
		profile.Bio,
		profile.Settings.Locale,
		profile.Settings.Timezone,
		profile.Settings.MarketingEmails,
		toMillis(profile.UpdatedAt),
		profile.UserID,
	)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update profile rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanPrincipal(row *sql.Row) (principal.Principal, error) {
	var p principal.Principal
	var role int32
	var createdAt int64
	var updatedAt int64
	err := row.Scan(
		&p.ID,
		&p.Email,
		&role,
		&p.CountryCode,
		&p.IsVerified,
		&p.IsActive,
		&p.OwnsWorkspace,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return principal.Principal{}, storage.ErrNotFound
		}
		return principal.Principal{}, fmt.Errorf("get principal: %w", err)
	}
	p.Role = principal.Role(role)
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return p, nil
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

var _ storage.PrincipalStore = (*Store)(nil)
