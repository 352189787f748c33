// Package workspace provides workspace tenant management.
package workspace

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/craftlane/identity-core/internal/platform/errors"
	"github.com/craftlane/identity-core/internal/platform/id"
)

var (
	// ErrEmptyOwnerID indicates a missing workspace owner.
	ErrEmptyOwnerID = apperrors.New(apperrors.CodeWorkspaceEmptyOwnerID, "owner id is required")
	// ErrEmptySlug indicates a missing workspace slug.
	ErrEmptySlug = apperrors.New(apperrors.CodeWorkspaceEmptySlug, "slug is required")
	// ErrInvalidSlug indicates a slug that does not match the required format.
	ErrInvalidSlug = apperrors.New(apperrors.CodeWorkspaceInvalidSlug, "slug must be 3-32 lowercase alphanumeric or dash characters")

	slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]{1,30}[a-z0-9]$`)
)

// BusinessType categorizes the business a workspace represents.
type BusinessType int

const (
	// BusinessTypeUnspecified represents an unknown business type.
	BusinessTypeUnspecified BusinessType = iota
	// BusinessTypeRetail is a storefront or shop.
	BusinessTypeRetail
	// BusinessTypeServices is an appointment or service business.
	BusinessTypeServices
	// BusinessTypeFood is a restaurant, cafe, or food vendor.
	BusinessTypeFood
	// BusinessTypeOther covers everything else.
	BusinessTypeOther
)

// BusinessTypeLabel returns the string label for a business type.
func BusinessTypeLabel(bt BusinessType) string {
	switch bt {
	case BusinessTypeRetail:
		return "RETAIL"
	case BusinessTypeServices:
		return "SERVICES"
	case BusinessTypeFood:
		return "FOOD"
	case BusinessTypeOther:
		return "OTHER"
	default:
		return "UNSPECIFIED"
	}
}

// BusinessTypeFromLabel converts a label to a BusinessType value.
func BusinessTypeFromLabel(label string) BusinessType {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "RETAIL":
		return BusinessTypeRetail
	case "SERVICES":
		return BusinessTypeServices
	case "FOOD":
		return BusinessTypeFood
	case "OTHER":
		return BusinessTypeOther
	default:
		return BusinessTypeUnspecified
	}
}

// SettingsSchemaVersion is the current settings schema version.
//
// Stored settings carry the version they were written with so older rows can
// be migrated on read instead of being parsed as free-form blobs.
const SettingsSchemaVersion = 1

// Settings holds typed workspace-level preferences.
type Settings struct {
	SchemaVersion     int
	DisplayName       string
	Timezone          string
	Currency          string
	NotifyMemberJoins bool
}

// DefaultSettings returns the settings a new workspace starts with.
func DefaultSettings(displayName string) Settings {
	return Settings{
		SchemaVersion:     SettingsSchemaVersion,
		DisplayName:       strings.TrimSpace(displayName),
		Timezone:          "UTC",
		Currency:          "USD",
		NotifyMemberJoins: true,
	}
}

// MigrateSettings upgrades stored settings to the current schema version.
func MigrateSettings(s Settings) Settings {
	if s.SchemaVersion >= SettingsSchemaVersion {
		return s
	}
	// Version 0 rows predate the schema counter; fill the fields that
	// were introduced with version 1.
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if s.Currency == "" {
		s.Currency = "USD"
	}
	s.SchemaVersion = SettingsSchemaVersion
	return s
}

// ValidateSettings normalizes a settings update before it is persisted.
func ValidateSettings(s Settings) (Settings, error) {
	s = MigrateSettings(s)
	s.DisplayName = strings.TrimSpace(s.DisplayName)
	if s.DisplayName == "" {
		return Settings{}, apperrors.WithMetadata(apperrors.CodeValidation, "display name is required", map[string]string{"Field": "display_name"})
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if s.Currency == "" {
		s.Currency = "USD"
	}
	s.Currency = strings.ToUpper(s.Currency)
	if len(s.Currency) != 3 {
		return Settings{}, apperrors.WithMetadata(apperrors.CodeValidation, "currency must be a three-letter code", map[string]string{"Field": "currency"})
	}
	return s, nil
}

// Workspace represents a tenant scope containing members.
type Workspace struct {
	ID           string
	OwnerID      string
	Slug         string
	BusinessType BusinessType
	IsLocked     bool
	Settings     Settings
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateWorkspaceInput describes the metadata needed to create a workspace.
type CreateWorkspaceInput struct {
	OwnerID      string
	Slug         string
	BusinessType BusinessType
	DisplayName  string
}

// CreateWorkspace creates a new workspace with a generated ID and timestamps.
//
// The slug is immutable after creation; callers pick it once and storage
// enforces global uniqueness.
func CreateWorkspace(input CreateWorkspaceInput, now func() time.Time, idGenerator func() (string, error)) (Workspace, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateWorkspaceInput(input)
	if err != nil {
		return Workspace{}, err
	}

	workspaceID, err := idGenerator()
	if err != nil {
		return Workspace{}, fmt.Errorf("generate workspace id: %w", err)
	}

	createdAt := now().UTC()
	return Workspace{
		ID:           workspaceID,
		OwnerID:      normalized.OwnerID,
		Slug:         normalized.Slug,
		BusinessType: normalized.BusinessType,
		Settings:     DefaultSettings(normalized.DisplayName),
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}, nil
}

// NormalizeCreateWorkspaceInput trims and validates workspace input metadata.
func NormalizeCreateWorkspaceInput(input CreateWorkspaceInput) (CreateWorkspaceInput, error) {
	input.OwnerID = strings.TrimSpace(input.OwnerID)
	if input.OwnerID == "" {
		return CreateWorkspaceInput{}, ErrEmptyOwnerID
	}
	slug, err := NormalizeSlug(input.Slug)
	if err != nil {
		return CreateWorkspaceInput{}, err
	}
	input.Slug = slug
	input.DisplayName = strings.TrimSpace(input.DisplayName)
	return input, nil
}

// NormalizeSlug lowercases and validates a workspace slug.
func NormalizeSlug(slug string) (string, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return "", ErrEmptySlug
	}
	if !slugPattern.MatchString(slug) {
		return "", ErrInvalidSlug
	}
	return slug, nil
}
