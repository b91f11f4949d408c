package iam

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Principal is the authenticated caller attached to a request. Roles
// are the snapshot carried by the credential; permission checks go back
// to the store for the live grant set.
type Principal struct {
	UserID   string
	Email    string
	Roles    []string
	Scopes   []string
	ViaKey   bool
	APIKeyID string
}

// HasRole reports whether the principal carries the named role.
func (p *Principal) HasRole(name string) bool {
	for _, r := range p.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// HasScope reports whether an API-key principal carries the scope.
// Token principals have no scopes and always fail this check.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Policy is the declarative access requirement for one operation.
// Public short-circuits everything. AnyRole passes when the principal
// holds at least one listed role; AllPermissions requires every listed
// resource:action grant. Both empty means authentication is enough.
type Policy struct {
	Public         bool
	AnyRole        []string
	AllPermissions []string
}

// Evaluator decides Policy against a Principal. Role checks use the
// credential snapshot; permission checks re-read the user so revoked
// grants take effect before the token expires.
type Evaluator struct {
	users UserStore
}

// NewEvaluator builds an Evaluator over the given store.
func NewEvaluator(store Store) *Evaluator {
	return &Evaluator{users: store.Users()}
}

// Authorize applies the policy. A nil principal passes only Public
// policies.
func (e *Evaluator) Authorize(ctx context.Context, p *Principal, policy Policy) error {
	if policy.Public {
		return nil
	}
	if p == nil {
		return ErrInvalidCredentials
	}
	if len(policy.AnyRole) > 0 {
		if err := e.requireAnyRole(p, policy.AnyRole); err != nil {
			return err
		}
	}
	if len(policy.AllPermissions) > 0 {
		if err := e.requirePermissions(ctx, p, policy.AllPermissions); err != nil {
			return err
		}
	}
	return nil
}

func (e *Evaluator) requireAnyRole(p *Principal, roles []string) error {
	for _, r := range roles {
		if p.HasRole(r) {
			return nil
		}
	}
	return fmt.Errorf("%w: requires one of roles %s", ErrInsufficientPermissions, strings.Join(roles, ", "))
}

func (e *Evaluator) requirePermissions(ctx context.Context, p *Principal, perms []string) error {
	u, err := e.users.Find(ctx, p.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInsufficientPermissions
		}
		return err
	}
	var missing []string
	for _, key := range perms {
		resource, action := SplitPermissionKey(key)
		if !u.HasPermission(resource, action) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInsufficientPermissions, strings.Join(missing, ", "))
	}
	return nil
}
