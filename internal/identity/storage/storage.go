// Package storage defines persistence contracts for principal identity state.
package storage

import (
	"context"
	"errors"

	"github.com/craftlane/identity-core/internal/identity/principal"
)

var (
	// ErrNotFound indicates a requested principal or profile is missing.
	ErrNotFound = errors.New("record not found")
	// ErrEmailTaken indicates another principal already holds the email.
	ErrEmailTaken = errors.New("email already registered")
)

// PrincipalStore persists principals and their profiles.
type PrincipalStore interface {
	CreatePrincipal(ctx context.Context, p principal.Principal, profile principal.Profile) error
	GetPrincipal(ctx context.Context, principalID string) (principal.Principal, error)
	GetPrincipalByEmail(ctx context.Context, email string) (principal.Principal, error)
	UpdatePrincipal(ctx context.Context, p principal.Principal) error
	GetProfile(ctx context.Context, principalID string) (principal.Profile, error)
	UpdateProfile(ctx context.Context, profile principal.Profile) error
}
