// Package member provides workspace membership and invitation lifecycle management.
package member

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	apperrors "github.com/craftlane/identity-core/internal/platform/errors"
	"github.com/craftlane/identity-core/internal/platform/id"
)

var (
	// ErrEmptyWorkspaceID indicates a missing workspace ID.
	ErrEmptyWorkspaceID = apperrors.WithMetadata(apperrors.CodeValidation, "workspace id is required", map[string]string{"Field": "workspace id"})
	// ErrEmptyUserID indicates a missing user ID.
	ErrEmptyUserID = apperrors.WithMetadata(apperrors.CodeValidation, "user id is required", map[string]string{"Field": "user id"})
	// ErrEmptyEmail indicates a missing invitation email.
	ErrEmptyEmail = apperrors.New(apperrors.CodePrincipalEmptyEmail, "email is required")
	// ErrInvalidEmail indicates an invitation email that does not look like an address.
	ErrInvalidEmail = apperrors.New(apperrors.CodePrincipalInvalidEmail, "email is not a valid address")
	// ErrInvalidRole indicates a role that cannot be granted through an invitation.
	ErrInvalidRole = apperrors.New(apperrors.CodeMemberInvalidRole, "role must be manager or member")

	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// Status represents the lifecycle status of a workspace membership.
type Status int

const (
	// StatusUnspecified represents an invalid membership status.
	StatusUnspecified Status = iota
	// StatusPending indicates an invitation waiting to be accepted.
	StatusPending
	// StatusAccepted indicates a live, working membership.
	StatusAccepted
	// StatusRevoked indicates an invitation withdrawn before acceptance.
	StatusRevoked
	// StatusExpired indicates an invitation that aged out before acceptance.
	StatusExpired
	// StatusRemoved indicates a membership ended after acceptance.
	StatusRemoved
)

// StatusLabel returns the string label for a membership status.
func StatusLabel(status Status) string {
	switch status {
	case StatusPending:
		return "PENDING"
	case StatusAccepted:
		return "ACCEPTED"
	case StatusRevoked:
		return "REVOKED"
	case StatusExpired:
		return "EXPIRED"
	case StatusRemoved:
		return "REMOVED"
	default:
		return "UNSPECIFIED"
	}
}

// StatusFromLabel converts a status label to a Status value.
func StatusFromLabel(label string) Status {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "PENDING":
		return StatusPending
	case "ACCEPTED":
		return StatusAccepted
	case "REVOKED":
		return StatusRevoked
	case "EXPIRED":
		return StatusExpired
	case "REMOVED":
		return StatusRemoved
	default:
		return StatusUnspecified
	}
}

// CanTransitionTo reports whether a membership may move from s to next.
//
// The only legal moves are pending to accepted, revoked, or expired, and
// accepted to removed. Terminal states permit no further moves.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusAccepted || next == StatusRevoked || next == StatusExpired
	case StatusAccepted:
		return next == StatusRemoved
	default:
		return false
	}
}

// ValidateTransition returns nil when the move is legal and a domain error otherwise.
func ValidateTransition(from, to Status) error {
	if from.CanTransitionTo(to) {
		return nil
	}
	return apperrors.WithMetadata(
		apperrors.CodeInvitationNotPending,
		fmt.Sprintf("membership cannot move from %s to %s", StatusLabel(from), StatusLabel(to)),
		map[string]string{
			"FromStatus": StatusLabel(from),
			"ToStatus":   StatusLabel(to),
		},
	)
}

// Role represents the role a member holds inside a workspace.
type Role int

const (
	// RoleUnspecified represents an invalid role.
	RoleUnspecified Role = iota
	// RoleOwner is the single owning member of a workspace.
	RoleOwner
	// RoleManager can manage members and settings.
	RoleManager
	// RoleMember is a regular working member.
	RoleMember
)

// RoleLabel returns the string label for a member role.
func RoleLabel(role Role) string {
	switch role {
	case RoleOwner:
		return "OWNER"
	case RoleManager:
		return "MANAGER"
	case RoleMember:
		return "MEMBER"
	default:
		return "UNSPECIFIED"
	}
}

// RoleFromLabel converts a role label to a Role value.
func RoleFromLabel(label string) Role {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "OWNER":
		return RoleOwner
	case "MANAGER":
		return RoleManager
	case "MEMBER":
		return RoleMember
	default:
		return RoleUnspecified
	}
}

// Permission is a single capability a member may hold.
type Permission string

const (
	// PermissionManageMembers allows inviting, removing, and editing members.
	PermissionManageMembers Permission = "manage_members"
	// PermissionManageSettings allows editing workspace settings.
	PermissionManageSettings Permission = "manage_settings"
	// PermissionLockWorkspace allows locking and unlocking the workspace.
	PermissionLockWorkspace Permission = "lock_workspace"
	// PermissionEditContent allows mutating workspace content.
	PermissionEditContent Permission = "edit_content"
	// PermissionViewContent allows reading workspace content.
	PermissionViewContent Permission = "view_content"
)

// PermissionSet is an explicit, ordered capability set.
//
// Sets are kept sorted and deduplicated so encoded forms are stable and
// comparable across reads.
type PermissionSet []Permission

// NewPermissionSet builds a sorted, deduplicated permission set.
func NewPermissionSet(perms ...Permission) PermissionSet {
	seen := make(map[Permission]struct{}, len(perms))
	set := make(PermissionSet, 0, len(perms))
	for _, p := range perms {
		trimmed := Permission(strings.TrimSpace(string(p)))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		set = append(set, trimmed)
	}
	sort.Slice(set, func(i, j int) bool { return set[i] < set[j] })
	return set
}

// Has reports whether the set grants the given capability.
func (s PermissionSet) Has(p Permission) bool {
	for _, held := range s {
		if held == p {
			return true
		}
	}
	return false
}

// Encode serializes the set as a comma-joined string for storage.
func (s PermissionSet) Encode() string {
	parts := make([]string, 0, len(s))
	for _, p := range s {
		parts = append(parts, string(p))
	}
	return strings.Join(parts, ",")
}

// DecodePermissions parses a stored permission string back into a set.
func DecodePermissions(encoded string) PermissionSet {
	if strings.TrimSpace(encoded) == "" {
		return PermissionSet{}
	}
	parts := strings.Split(encoded, ",")
	perms := make([]Permission, 0, len(parts))
	for _, part := range parts {
		perms = append(perms, Permission(part))
	}
	return NewPermissionSet(perms...)
}

// DefaultPermissions returns the capability set a role starts with.
// Explicit grants may later diverge from these defaults.
func DefaultPermissions(role Role) PermissionSet {
	switch role {
	case RoleOwner:
		return NewPermissionSet(
			PermissionManageMembers,
			PermissionManageSettings,
			PermissionLockWorkspace,
			PermissionEditContent,
			PermissionViewContent,
		)
	case RoleManager:
		return NewPermissionSet(
			PermissionManageMembers,
			PermissionManageSettings,
			PermissionEditContent,
			PermissionViewContent,
		)
	case RoleMember:
		return NewPermissionSet(
			PermissionEditContent,
			PermissionViewContent,
		)
	default:
		return PermissionSet{}
	}
}

// Member represents one workspace membership row across its whole lifecycle.
//
// An invitation and a membership are the same record at different stages: the
// row is created pending, advances to accepted, and ends in a terminal state.
type Member struct {
	ID                 string
	WorkspaceID        string
	UserID             string // empty until a pending invitation is accepted
	Email              string
	Role               Role
	Permissions        PermissionSet
	PermissionsVersion int64
	Status             Status
	InvitedBy          string
	RemovedAt          *time.Time
	RemovedBy          string
	RemovalReason      string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CreateOwnerInput describes the owner membership created with a workspace.
type CreateOwnerInput struct {
	WorkspaceID string
	UserID      string
	Email       string
}

// CreateOwner creates the accepted owner membership for a new workspace.
func CreateOwner(input CreateOwnerInput, now func() time.Time, idGenerator func() (string, error)) (Member, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	input.WorkspaceID = strings.TrimSpace(input.WorkspaceID)
	if input.WorkspaceID == "" {
		return Member{}, ErrEmptyWorkspaceID
	}
	input.UserID = strings.TrimSpace(input.UserID)
	if input.UserID == "" {
		return Member{}, ErrEmptyUserID
	}
	email, err := NormalizeEmail(input.Email)
	if err != nil {
		return Member{}, err
	}

	memberID, err := idGenerator()
	if err != nil {
		return Member{}, fmt.Errorf("generate member id: %w", err)
	}

	createdAt := now().UTC()
	return Member{
		ID:                 memberID,
		WorkspaceID:        input.WorkspaceID,
		UserID:             input.UserID,
		Email:              email,
		Role:               RoleOwner,
		Permissions:        DefaultPermissions(RoleOwner),
		PermissionsVersion: 1,
		Status:             StatusAccepted,
		CreatedAt:          createdAt,
		UpdatedAt:          createdAt,
	}, nil
}

// CreateInviteInput describes a new invitation.
type CreateInviteInput struct {
	WorkspaceID string
	Email       string
	Role        Role
	InvitedBy   string
}

// CreateInvite creates a pending membership for an invited email address.
//
// Ownership cannot be granted through an invitation; the owner row is created
// atomically with the workspace itself.
func CreateInvite(input CreateInviteInput, now func() time.Time, idGenerator func() (string, error)) (Member, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	input.WorkspaceID = strings.TrimSpace(input.WorkspaceID)
	if input.WorkspaceID == "" {
		return Member{}, ErrEmptyWorkspaceID
	}
	email, err := NormalizeEmail(input.Email)
	if err != nil {
		return Member{}, err
	}
	if input.Role != RoleManager && input.Role != RoleMember {
		return Member{}, ErrInvalidRole
	}

	memberID, err := idGenerator()
	if err != nil {
		return Member{}, fmt.Errorf("generate member id: %w", err)
	}

	createdAt := now().UTC()
	return Member{
		ID:                 memberID,
		WorkspaceID:        input.WorkspaceID,
		Email:              email,
		Role:               input.Role,
		Permissions:        DefaultPermissions(input.Role),
		PermissionsVersion: 1,
		Status:             StatusPending,
		InvitedBy:          strings.TrimSpace(input.InvitedBy),
		CreatedAt:          createdAt,
		UpdatedAt:          createdAt,
	}, nil
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
