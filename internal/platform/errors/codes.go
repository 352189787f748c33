// Package errors provides structured error handling with i18n support.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Authentication errors
	CodeAuthInvalidCredentials Code = "AUTH_INVALID_CREDENTIALS"
	CodeAuthAccountInactive    Code = "AUTH_ACCOUNT_INACTIVE"
	CodeAuthNotAuthenticated   Code = "AUTH_NOT_AUTHENTICATED"
	CodeAuthExpired            Code = "AUTH_EXPIRED"
	CodeAuthRefreshExpired     Code = "AUTH_REFRESH_EXPIRED"
	CodeAuthResetTokenInvalid  Code = "AUTH_RESET_TOKEN_INVALID"

	// Transport errors
	CodeNetworkError Code = "NETWORK_ERROR"

	// Authorization errors
	CodeNotAuthorized Code = "NOT_AUTHORIZED"

	// Principal errors
	CodePrincipalEmptyEmail   Code = "PRINCIPAL_EMPTY_EMAIL"
	CodePrincipalInvalidEmail Code = "PRINCIPAL_INVALID_EMAIL"
	CodePrincipalInvalidRole  Code = "PRINCIPAL_INVALID_ROLE"
	CodePrincipalNotVerified  Code = "PRINCIPAL_NOT_VERIFIED"

	// Workspace errors
	CodeWorkspaceEmptyOwnerID  Code = "WORKSPACE_EMPTY_OWNER_ID"
	CodeWorkspaceEmptySlug     Code = "WORKSPACE_EMPTY_SLUG"
	CodeWorkspaceInvalidSlug   Code = "WORKSPACE_INVALID_SLUG"
	CodeWorkspaceSlugTaken     Code = "WORKSPACE_SLUG_TAKEN"
	CodeWorkspaceLocked        Code = "WORKSPACE_LOCKED"
	CodeWorkspaceSettingsStale Code = "WORKSPACE_SETTINGS_STALE"

	// Member and invitation errors
	CodeMemberInvalidRole             Code = "MEMBER_INVALID_ROLE"
	CodeMemberCannotRemoveOwner       Code = "MEMBER_CANNOT_REMOVE_OWNER"
	CodeMemberInvalidStatusTransition Code = "MEMBER_INVALID_STATUS_TRANSITION"
	CodeInvitationNotPending          Code = "INVITATION_NOT_PENDING"
	CodeInvitationExpired             Code = "INVITATION_EXPIRED"
	CodeInvitationEmailMismatch       Code = "INVITATION_EMAIL_MISMATCH"
	CodeInvitationDuplicatePending    Code = "INVITATION_DUPLICATE_PENDING"

	// Validation errors
	CodeValidation Code = "VALIDATION_ERROR"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodePrincipalEmptyEmail,
		CodePrincipalInvalidEmail,
		CodePrincipalInvalidRole,
		CodeWorkspaceEmptyOwnerID,
		CodeWorkspaceEmptySlug,
		CodeWorkspaceInvalidSlug,
		CodeMemberInvalidRole,
		CodeValidation:
		return codes.InvalidArgument

	// Unauthenticated - missing, invalid, or expired credentials
	case CodeAuthInvalidCredentials,
		CodeAuthNotAuthenticated,
		CodeAuthExpired,
		CodeAuthRefreshExpired,
		CodeAuthResetTokenInvalid:
		return codes.Unauthenticated

	// PermissionDenied - identity known, action not allowed
	case CodeNotAuthorized,
		CodeAuthAccountInactive:
		return codes.PermissionDenied

	// FailedPrecondition - state doesn't allow the operation
	case CodeWorkspaceLocked,
		CodeWorkspaceSettingsStale,
		CodeMemberCannotRemoveOwner,
		CodeMemberInvalidStatusTransition,
		CodeInvitationNotPending,
		CodeInvitationExpired,
		CodeInvitationEmailMismatch,
		CodePrincipalNotVerified:
		return codes.FailedPrecondition

	// AlreadyExists - uniqueness violations
	case CodeWorkspaceSlugTaken,
		CodeInvitationDuplicatePending:
		return codes.AlreadyExists

	// NotFound - resource doesn't exist
	case CodeNotFound:
		return codes.NotFound

	// Unavailable - transport failures callers may retry
	case CodeNetworkError:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}
