// Package users implements account lifecycle: registration, sign-in,
// email verification, password recovery and role administration.
package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"blueroots.org/internal/auth"
)

// ErrInvalidInput marks request data the caller must fix.
var ErrInvalidInput = errors.New("invalid input")

// ErrInvalidCode is returned for unknown, expired or already used codes.
var ErrInvalidCode = fmt.Errorf("%w: code is invalid or has expired", ErrInvalidInput)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}

// CodePurpose scopes a one-time code to a single flow.
type CodePurpose string

const (
	PurposeEmailVerification CodePurpose = "email_verification"
	PurposePasswordReset     CodePurpose = "password_reset"
)

// VerificationCode is a hashed one-time code sent by email.
type VerificationCode struct {
	ID         string
	IdentityID string
	Purpose    CodePurpose
	CodeHash   string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Profile is an identity with its roles, as shown to clients.
type Profile struct {
	auth.Identity
	Roles []auth.RoleName `json:"roles"`
}

// Session is the result of a successful sign-in or refresh.
type Session struct {
	Profile          Profile
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// RegisterInput is the payload accepted by Register.
type RegisterInput struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// Store is the persistence the account service needs. Every method joins the
// transaction carried by ctx, if any.
type Store interface {
	CreateIdentity(ctx context.Context, id *auth.Identity) error
	FindIdentity(ctx context.Context, id string) (auth.Identity, error)
	FindIdentityByEmail(ctx context.Context, email string) (auth.Identity, error)
	ListIdentities(ctx context.Context, limit, offset int) ([]auth.Identity, error)
	MarkEmailVerified(ctx context.Context, id string) error
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	SetRefreshMarker(ctx context.Context, id, marker string) error

	AssignRole(ctx context.Context, identityID string, role auth.RoleName) (auth.RoleAssignment, error)
	RevokeRole(ctx context.Context, identityID string, role auth.RoleName) error
	ResolveRoles(ctx context.Context, identityID string) (auth.RoleSet, error)
	RolesByIdentity(ctx context.Context, identityIDs []string) (map[string][]auth.RoleName, error)

	SaveCode(ctx context.Context, code VerificationCode) error
	ConsumeCode(ctx context.Context, identityID string, purpose CodePurpose, codeHash string, now time.Time) error
	DiscardCodes(ctx context.Context, identityID string, purpose CodePurpose) error
	// RecordCodeFailure counts a wrong guess against the live codes for
	// purpose and consumes those that reach maxAttempts.
	RecordCodeFailure(ctx context.Context, identityID string, purpose CodePurpose, maxAttempts int, now time.Time) error
}

// Notifier delivers account emails.
type Notifier interface {
	SendVerification(ctx context.Context, to, name, code, expiresIn string) error
	SendPasswordReset(ctx context.Context, to, name, code, expiresIn string) error
}
