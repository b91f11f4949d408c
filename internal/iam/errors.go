package iam

import "errors"

// Error kinds the boundary layer classifies on. InvalidCredentials and
// InvalidOTP deliberately carry fixed wording so callers cannot tell
// which internal branch rejected them.
var (
	ErrValidation              = errors.New("iam: invalid input")
	ErrUserExists              = errors.New("iam: user already exists")
	ErrInvalidCredentials      = errors.New("iam: invalid credentials")
	ErrTokenExpired            = errors.New("iam: refresh token is invalid or expired")
	ErrInvalidOTP              = errors.New("iam: invalid or expired code")
	ErrUnsupportedProvider     = errors.New("iam: unsupported oauth provider")
	ErrOAuth                   = errors.New("iam: oauth exchange failed")
	ErrInvalidAPIKey           = errors.New("iam: invalid api key")
	ErrInsufficientPermissions = errors.New("iam: insufficient permissions")

	// Store-level kinds; anything else coming out of a Store propagates
	// unwrapped for the boundary to treat as infrastructure failure.
	ErrNotFound = errors.New("iam: not found")
	ErrConflict = errors.New("iam: resource conflict")
)
