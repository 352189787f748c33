// Package principal provides authenticated identity management.
package principal

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/craftlane/identity-core/internal/platform/errors"
	"github.com/craftlane/identity-core/internal/platform/id"
)

var (
	// ErrEmptyEmail indicates a missing email address.
	ErrEmptyEmail = apperrors.New(apperrors.CodePrincipalEmptyEmail, "email is required")
	// ErrInvalidEmail indicates an email that does not look like an address.
	ErrInvalidEmail = apperrors.New(apperrors.CodePrincipalInvalidEmail, "email is not a valid address")
	// ErrInvalidRole indicates an unknown account role.
	ErrInvalidRole = apperrors.New(apperrors.CodePrincipalInvalidRole, "role must be customer or business")

	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// Role is the global account role, independent of any workspace.
type Role int

const (
	// RoleUnspecified represents an invalid account role.
	RoleUnspecified Role = iota
	// RoleCustomer is a consumer account.
	RoleCustomer
	// RoleBusiness is a business account that may own a workspace.
	RoleBusiness
)

// RoleLabel returns the string label for an account role.
func RoleLabel(role Role) string {
	switch role {
	case RoleCustomer:
		return "CUSTOMER"
	case RoleBusiness:
		return "BUSINESS"
	default:
		return "UNSPECIFIED"
	}
}

// RoleFromLabel converts a role label to a Role value.
func RoleFromLabel(label string) Role {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "CUSTOMER":
		return RoleCustomer
	case "BUSINESS":
		return RoleBusiness
	default:
		return RoleUnspecified
	}
}

// Principal represents an authenticated identity record.
//
// Principals are never deleted; account deletion flips IsActive off so the
// audit trail behind memberships and invitations stays intact.
type Principal struct {
	ID            string
	Email         string
	Role          Role
	CountryCode   string
	IsVerified    bool
	IsActive      bool
	OwnsWorkspace bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProfileSchemaVersion is the current profile schema version.
const ProfileSchemaVersion = 1

// ProfileSettings holds typed per-user preferences.
type ProfileSettings struct {
	Locale          string
	Timezone        string
	MarketingEmails bool
}

// DefaultProfileSettings returns the preferences a new profile starts with.
func DefaultProfileSettings() ProfileSettings {
	return ProfileSettings{
		Locale:   "en-US",
		Timezone: "UTC",
	}
}

// ValidateProfileSettings normalizes a settings update before persistence.
func ValidateProfileSettings(s ProfileSettings) (ProfileSettings, error) {
	s.Locale = strings.TrimSpace(s.Locale)
	if s.Locale == "" {
		s.Locale = "en-US"
	}
	s.Timezone = strings.TrimSpace(s.Timezone)
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	return s, nil
}

// Profile carries the display metadata owned by exactly one principal.
type Profile struct {
	UserID        string
	SchemaVersion int
	DisplayName   string
	AvatarURL     string
	Bio           string
	Settings      ProfileSettings
	UpdatedAt     time.Time
}

// CreatePrincipalInput describes the metadata needed to create a principal.
type CreatePrincipalInput struct {
	ID          string // assigned by the identity backend; generated when empty
	Email       string
	Role        Role
	CountryCode string
	IsVerified  bool
	DisplayName string
}

// CreatePrincipal creates a principal and its profile from validated input.
func CreatePrincipal(input CreatePrincipalInput, now func() time.Time, idGenerator func() (string, error)) (Principal, Profile, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	email, err := NormalizeEmail(input.Email)
	if err != nil {
		return Principal{}, Profile{}, err
	}
	if input.Role != RoleCustomer && input.Role != RoleBusiness {
		return Principal{}, Profile{}, ErrInvalidRole
	}

	principalID := strings.TrimSpace(input.ID)
	if principalID == "" {
		principalID, err = idGenerator()
		if err != nil {
			return Principal{}, Profile{}, fmt.Errorf("generate principal id: %w", err)
		}
	}

	createdAt := now().UTC()
	created := Principal{
		ID:          principalID,
		Email:       email,
		Role:        input.Role,
		CountryCode: strings.ToUpper(strings.TrimSpace(input.CountryCode)),
		IsVerified:  input.IsVerified,
		IsActive:    true,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	profile := Profile{
		UserID:        principalID,
		SchemaVersion: ProfileSchemaVersion,
		DisplayName:   strings.TrimSpace(input.DisplayName),
		Settings:      DefaultProfileSettings(),
		UpdatedAt:     createdAt,
	}
	return created, profile, nil
}

// NormalizeEmail lowercases and validates an email address.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrEmptyEmail
	}
	if !emailPattern.MatchString(email) {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// MigrateProfile upgrades a stored profile to the current schema version.
func MigrateProfile(p Profile) Profile {
	if p.Settings.Locale == "" {
		p.Settings.Locale = "en-US"
	}
	if p.Settings.Timezone == "" {
		p.Settings.Timezone = "UTC"
	}
	if p.SchemaVersion >= ProfileSchemaVersion {
		return p
	}
	p.SchemaVersion = ProfileSchemaVersion
	return p
}
