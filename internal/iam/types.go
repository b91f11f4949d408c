package iam

import (
	"strings"
	"time"
)

// User is the aggregate at the center of the credential lifecycle. A user
// without a password hash is a passwordless account (OTP or OAuth only).
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	Active       bool       `json:"is_active"`
	Roles        []Role     `json:"roles"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"-"`
}

// HasPassword reports whether password login is structurally possible.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// HasRole reports whether the user carries the named role.
func (u *User) HasRole(name string) bool {
	for _, r := range u.Roles {
		if r.Name == name {
			return true
		}
	}
	return false
}

// HasPermission reports whether any of the user's roles grants
// resource:action.
func (u *User) HasPermission(resource, action string) bool {
	for _, r := range u.Roles {
		if r.HasPermission(resource, action) {
			return true
		}
	}
	return false
}

// RoleNames returns the names of the user's roles in stable order.
func (u *User) RoleNames() []string {
	names := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		names = append(names, r.Name)
	}
	return names
}

// FullName joins first and last name for display.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Role groups permissions. At most one role is marked default; it is
// attached to accounts created by register, OTP login and OAuth login.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	IsDefault   bool         `json:"is_default"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// HasPermission reports whether the role grants resource:action.
func (r *Role) HasPermission(resource, action string) bool {
	for _, p := range r.Permissions {
		if p.Resource == resource && p.Action == action {
			return true
		}
	}
	return false
}

// Permission is a fine-grained capability identified by resource:action.
type Permission struct {
	ID       string `json:"id"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// Key returns the resource:action slug used in policy tables.
func (p Permission) Key() string {
	return p.Resource + ":" + p.Action
}

// SplitPermissionKey breaks a resource:action slug into its parts.
func SplitPermissionKey(key string) (resource, action string) {
	resource, action, _ = strings.Cut(key, ":")
	return resource, action
}

// RefreshToken is an opaque credential persisted per session. Valid iff
// not revoked and not past expiry.
type RefreshToken struct {
	ID        string
	Token     string
	UserID    string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// Valid reports whether the token can still be exchanged at now.
func (t *RefreshToken) Valid(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}

// OTP is a single-use 6-digit email code. Only the latest code per email
// is meaningful; older codes are invalidated, not deleted.
type OTP struct {
	ID        string
	Code      string
	Email     string
	ExpiresAt time.Time
	Used      bool
	Attempts  int
	CreatedAt time.Time
}

// Expired reports whether the code is past its expiry at now.
func (o *OTP) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// Valid reports whether the code can still be verified at now, ignoring
// the attempt budget which is checked separately against its limit.
func (o *OTP) Valid(now time.Time) bool {
	return !o.Used && !o.Expired(now)
}

// OAuthAccount links one external identity to exactly one local user.
// (provider, provider_user_id) is unique.
type OAuthAccount struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Provider       string    `json:"provider"`
	ProviderUserID string    `json:"provider_user_id"`
	Email          string    `json:"email"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// APIKey is a long-lived credential. Only the digest of the raw secret is
// stored; the prefix is the first characters of the raw secret and is
// safe to display.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	Scopes     []string   `json:"scopes"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Revoked    bool       `json:"is_revoked"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Expired reports whether the key is past its optional expiry at now.
func (k *APIKey) Expired(now time.Time) bool {
	if k.ExpiresAt == nil {
		return false
	}
	return now.After(*k.ExpiresAt)
}

// Valid reports whether the key may authenticate requests at now.
func (k *APIKey) Valid(now time.Time) bool {
	return !k.Revoked && !k.Expired(now)
}

// HasScope reports whether the key carries the given scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenPair is the credential set returned by every login flow.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// AccessTokenPayload is the claim set embedded in signed access tokens.
type AccessTokenPayload struct {
	Subject string
	Email   string
	Roles   []string
}

// NormalizeEmail lower-cases and trims an address. All lookups and
// persisted emails go through this.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
