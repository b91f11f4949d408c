package iam

import (
	"context"
	"time"
)

// Store bundles the persistence contracts the service depends on. The
// in-memory implementation backs tests and DSN-less runs; the Postgres
// implementation backs production.
type Store interface {
	Users() UserStore
	Roles() RoleStore
	RefreshTokens() RefreshTokenStore
	OTPs() OTPStore
	OAuthAccounts() OAuthAccountStore
	APIKeys() APIKeyStore
}

// UserStore persists users together with their role and permission graph.
// Find and FindByEmail load roles eagerly.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, offset, limit int) ([]*User, int, error)
}

// RoleStore reads the role catalog. FindDefault returns ErrNotFound when
// no role is flagged default; callers decide whether that is fatal.
type RoleStore interface {
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	FindDefault(ctx context.Context) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
}

// RefreshTokenStore persists session refresh tokens.
type RefreshTokenStore interface {
	Create(ctx context.Context, t *RefreshToken) error
	FindByToken(ctx context.Context, token string) (*RefreshToken, error)

	// RevokeByToken marks the token revoked. Unknown and already
	// revoked tokens are not errors.
	RevokeByToken(ctx context.Context, token string) error
	RevokeAllByUser(ctx context.Context, userID string) error

	// Rotate revokes oldToken and persists next in one atomic step. The
	// revocation only applies if oldToken is still active; when another
	// caller rotated it first, Rotate returns ErrTokenExpired and next
	// is not persisted.
	Rotate(ctx context.Context, oldToken string, next *RefreshToken) error

	// DeleteExpired removes tokens whose expiry is before now and
	// returns how many were deleted.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// OTPStore persists email one-time codes.
type OTPStore interface {
	Create(ctx context.Context, o *OTP) error

	// FindLatestByEmail returns the most recently created code for the
	// address regardless of its used flag, or ErrNotFound.
	FindLatestByEmail(ctx context.Context, email string) (*OTP, error)

	// InvalidateAllByEmail marks every unused code for the address used.
	InvalidateAllByEmail(ctx context.Context, email string) error

	MarkUsed(ctx context.Context, id string) error

	// IncrementAttempts bumps the attempt counter in place so that
	// concurrent failed verifications cannot lose increments.
	IncrementAttempts(ctx context.Context, id string) error

	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// OAuthAccountStore persists external identity links.
type OAuthAccountStore interface {
	Create(ctx context.Context, a *OAuthAccount) error
	FindByProviderUser(ctx context.Context, provider, providerUserID string) (*OAuthAccount, error)
	ListByUser(ctx context.Context, userID string) ([]*OAuthAccount, error)
	DeleteByProviderAndUser(ctx context.Context, provider, userID string) error
}

// APIKeyStore persists API keys. Lookups during authentication go
// through the digest, never the raw secret.
type APIKeyStore interface {
	Create(ctx context.Context, k *APIKey) error
	Find(ctx context.Context, id string) (*APIKey, error)
	FindByHash(ctx context.Context, keyHash string) (*APIKey, error)
	ListByUser(ctx context.Context, userID string) ([]*APIKey, error)
	Revoke(ctx context.Context, id string) error

	// UpdateLastUsed records when the key last authenticated a request.
	// Best effort; failures must not fail the request being served.
	UpdateLastUsed(ctx context.Context, id string, when time.Time) error
}
