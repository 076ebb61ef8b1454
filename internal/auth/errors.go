package auth

import "errors"

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

var (
	ErrMissingCredential    = newError(ErrUnauthorized, "authentication required")
	ErrInvalidToken         = newError(ErrUnauthorized, "invalid or expired token")
	ErrUnknownIdentity      = newError(ErrUnauthorized, "identity no longer exists")
	ErrInvalidCredentials   = newError(ErrUnauthorized, "invalid email or password")
	ErrInsufficientRole     = newError(ErrForbidden, "insufficient permissions")
	ErrEmailNotVerified     = newError(ErrForbidden, "email address is not verified")
	ErrRefreshTokenRevoked  = newError(ErrUnauthorized, "refresh token has been revoked")
	ErrIdenticalTokenSecret = errors.New("auth: access and refresh secrets must differ")
)

// Error carries a client-facing message and the class it belongs to.
type Error struct {
	kind error
	msg  string
}

func newError(kind error, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error { return e.kind }
