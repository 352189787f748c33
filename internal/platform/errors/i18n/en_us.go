package i18n

// Error codes must match the codes defined in internal/platform/errors/codes.go.
// These are duplicated as strings to avoid an import cycle.
const (
	CodeAuthInvalidCredentials        = "AUTH_INVALID_CREDENTIALS"
	CodeAuthAccountInactive           = "AUTH_ACCOUNT_INACTIVE"
	CodeAuthNotAuthenticated          = "AUTH_NOT_AUTHENTICATED"
	CodeAuthExpired                   = "AUTH_EXPIRED"
	CodeAuthRefreshExpired            = "AUTH_REFRESH_EXPIRED"
	CodeAuthResetTokenInvalid         = "AUTH_RESET_TOKEN_INVALID"
	CodeNetworkError                  = "NETWORK_ERROR"
	CodeNotAuthorized                 = "NOT_AUTHORIZED"
	CodePrincipalEmptyEmail           = "PRINCIPAL_EMPTY_EMAIL"
	CodePrincipalInvalidEmail         = "PRINCIPAL_INVALID_EMAIL"
	CodePrincipalInvalidRole          = "PRINCIPAL_INVALID_ROLE"
	CodePrincipalNotVerified          = "PRINCIPAL_NOT_VERIFIED"
	CodeWorkspaceEmptyOwnerID         = "WORKSPACE_EMPTY_OWNER_ID"
	CodeWorkspaceEmptySlug            = "WORKSPACE_EMPTY_SLUG"
	CodeWorkspaceInvalidSlug          = "WORKSPACE_INVALID_SLUG"
	CodeWorkspaceSlugTaken            = "WORKSPACE_SLUG_TAKEN"
	CodeWorkspaceLocked               = "WORKSPACE_LOCKED"
	CodeWorkspaceSettingsStale        = "WORKSPACE_SETTINGS_STALE"
	CodeMemberInvalidRole             = "MEMBER_INVALID_ROLE"
	CodeMemberCannotRemoveOwner       = "MEMBER_CANNOT_REMOVE_OWNER"
	CodeMemberInvalidStatusTransition = "MEMBER_INVALID_STATUS_TRANSITION"
	CodeInvitationNotPending          = "INVITATION_NOT_PENDING"
	CodeInvitationExpired             = "INVITATION_EXPIRED"
	CodeInvitationEmailMismatch       = "INVITATION_EMAIL_MISMATCH"
	CodeInvitationDuplicatePending    = "INVITATION_DUPLICATE_PENDING"
	CodeValidation                    = "VALIDATION_ERROR"
	CodeNotFound                      = "NOT_FOUND"
)

var enUSCatalog = &Catalog{
	locale: "en-US",
	messages: map[Code]string{
		// Authentication errors
		CodeAuthInvalidCredentials: "Email or password is incorrect",
		CodeAuthAccountInactive:    "This account has been deactivated",
		CodeAuthNotAuthenticated:   "Sign in to continue",
		CodeAuthExpired:            "Your session has expired, please try again",
		CodeAuthRefreshExpired:     "Your session has expired, please sign in again",
		CodeAuthResetTokenInvalid:  "This password reset link is invalid or has already been used",
		CodeNetworkError:           "A network error occurred, please try again",

		// Authorization errors
		CodeNotAuthorized: "You are not authorized to perform this action",

		// Principal errors
		CodePrincipalEmptyEmail:   "Email address is required",
		CodePrincipalInvalidEmail: "Email address is not valid",
		CodePrincipalInvalidRole:  "Invalid account role specified",
		CodePrincipalNotVerified:  "Verify your email address to continue",

		// Workspace errors
		CodeWorkspaceEmptyOwnerID:  "Workspace owner is required",
		CodeWorkspaceEmptySlug:     "Workspace slug is required",
		CodeWorkspaceInvalidSlug:   "Workspace slug must be 3-32 lowercase alphanumeric or dash characters",
		CodeWorkspaceSlugTaken:     "Workspace slug {{.Slug}} is already taken",
		CodeWorkspaceLocked:        "This workspace is locked",
		CodeWorkspaceSettingsStale: "Workspace settings were changed by someone else, please reload",

		// Member and invitation errors
		CodeMemberInvalidRole:             "Invalid member role specified",
		CodeMemberCannotRemoveOwner:       "The workspace owner cannot be removed",
		CodeMemberInvalidStatusTransition: "Cannot change membership from {{.FromStatus}} to {{.ToStatus}}",
		CodeInvitationNotPending:          "This invitation is no longer pending",
		CodeInvitationExpired:             "This invitation has expired",
		CodeInvitationEmailMismatch:       "This invitation was sent to a different email address",
		CodeInvitationDuplicatePending:    "An invitation for {{.Email}} is already pending",

		// Validation errors
		CodeValidation: "{{.Field}} is invalid",

		// Storage errors
		CodeNotFound: "The requested resource was not found",
	},
}
