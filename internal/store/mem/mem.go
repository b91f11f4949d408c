// Package mem provides an in-memory iam.Store. It backs unit tests and
// lets the API run without a database for local development.
package mem

import (
	"context"
	"sort"
	"sync"
	"time"

	"identra.org/internal/iam"
	"identra.org/internal/ids"
)

// Store is a mutex-guarded in-memory iam.Store. All reads and writes
// copy, so callers can never alias internal state.
type Store struct {
	mu sync.Mutex

	users        map[string]*iam.User
	usersByEmail map[string]string

	roles map[string]*iam.Role

	tokens map[string]*iam.RefreshToken

	otps []*iam.OTP

	oauth map[string]*iam.OAuthAccount

	keys       map[string]*iam.APIKey
	keysByHash map[string]string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:        make(map[string]*iam.User),
		usersByEmail: make(map[string]string),
		roles:        make(map[string]*iam.Role),
		tokens:       make(map[string]*iam.RefreshToken),
		oauth:        make(map[string]*iam.OAuthAccount),
		keys:         make(map[string]*iam.APIKey),
		keysByHash:   make(map[string]string),
	}
}

// SeedCatalog installs the standard permission and role catalog: the
// default "user" role with users:read, and "admin" with everything.
func (s *Store) SeedCatalog() {
	perms := []iam.Permission{
		{ID: ids.New(), Resource: "users", Action: "read"},
		{ID: ids.New(), Resource: "users", Action: "write"},
		{ID: ids.New(), Resource: "users", Action: "delete"},
		{ID: ids.New(), Resource: "roles", Action: "manage"},
	}
	s.PutRole(&iam.Role{
		ID:          ids.New(),
		Name:        "user",
		Description: "Default role for new accounts",
		IsDefault:   true,
		Permissions: perms[:1],
	})
	s.PutRole(&iam.Role{
		ID:          ids.New(),
		Name:        "admin",
		Description: "Full access",
		Permissions: perms,
	})
}

// PutRole installs or replaces a role.
func (s *Store) PutRole(r *iam.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[r.ID] = cloneRole(r)
}

func (s *Store) Users() iam.UserStore                 { return userStore{s} }
func (s *Store) Roles() iam.RoleStore                 { return roleStore{s} }
func (s *Store) RefreshTokens() iam.RefreshTokenStore { return tokenStore{s} }
func (s *Store) OTPs() iam.OTPStore                   { return otpStore{s} }
func (s *Store) OAuthAccounts() iam.OAuthAccountStore { return oauthStore{s} }
func (s *Store) APIKeys() iam.APIKeyStore             { return keyStore{s} }

type userStore struct{ s *Store }

func (st userStore) Create(_ context.Context, u *iam.User) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if _, ok := st.s.usersByEmail[u.Email]; ok {
		return iam.ErrConflict
	}
	if _, ok := st.s.users[u.ID]; ok {
		return iam.ErrConflict
	}
	st.s.users[u.ID] = cloneUser(u)
	st.s.usersByEmail[u.Email] = u.ID
	return nil
}

func (st userStore) Find(_ context.Context, id string) (*iam.User, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	u, ok := st.s.users[id]
	if !ok {
		return nil, iam.ErrNotFound
	}
	return cloneUser(u), nil
}

func (st userStore) FindByEmail(_ context.Context, email string) (*iam.User, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	id, ok := st.s.usersByEmail[email]
	if !ok {
		return nil, iam.ErrNotFound
	}
	return cloneUser(st.s.users[id]), nil
}

func (st userStore) Update(_ context.Context, u *iam.User) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	prev, ok := st.s.users[u.ID]
	if !ok {
		return iam.ErrNotFound
	}
	if prev.Email != u.Email {
		if _, taken := st.s.usersByEmail[u.Email]; taken {
			return iam.ErrConflict
		}
		delete(st.s.usersByEmail, prev.Email)
		st.s.usersByEmail[u.Email] = u.ID
	}
	st.s.users[u.ID] = cloneUser(u)
	return nil
}

func (st userStore) Delete(_ context.Context, id string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	u, ok := st.s.users[id]
	if !ok {
		return iam.ErrNotFound
	}
	delete(st.s.usersByEmail, u.Email)
	delete(st.s.users, id)
	return nil
}

func (st userStore) List(_ context.Context, offset, limit int) ([]*iam.User, int, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	all := make([]*iam.User, 0, len(st.s.users))
	for _, u := range st.s.users {
		all = append(all, u)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*iam.User, 0, end-offset)
	for _, u := range all[offset:end] {
		out = append(out, cloneUser(u))
	}
	return out, total, nil
}

type roleStore struct{ s *Store }

func (st roleStore) Find(_ context.Context, id string) (*iam.Role, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	r, ok := st.s.roles[id]
	if !ok {
		return nil, iam.ErrNotFound
	}
	return cloneRole(r), nil
}

func (st roleStore) FindByName(_ context.Context, name string) (*iam.Role, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	for _, r := range st.s.roles {
		if r.Name == name {
			return cloneRole(r), nil
		}
	}
	return nil, iam.ErrNotFound
}

func (st roleStore) FindDefault(_ context.Context) (*iam.Role, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	for _, r := range st.s.roles {
		if r.IsDefault {
			return cloneRole(r), nil
		}
	}
	return nil, iam.ErrNotFound
}

func (st roleStore) List(_ context.Context) ([]*iam.Role, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	out := make([]*iam.Role, 0, len(st.s.roles))
	for _, r := range st.s.roles {
		out = append(out, cloneRole(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type tokenStore struct{ s *Store }

func (st tokenStore) Create(_ context.Context, t *iam.RefreshToken) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if _, ok := st.s.tokens[t.Token]; ok {
		return iam.ErrConflict
	}
	cp := *t
	st.s.tokens[t.Token] = &cp
	return nil
}

func (st tokenStore) FindByToken(_ context.Context, token string) (*iam.RefreshToken, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	t, ok := st.s.tokens[token]
	if !ok {
		return nil, iam.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (st tokenStore) RevokeByToken(_ context.Context, token string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if t, ok := st.s.tokens[token]; ok {
		t.Revoked = true
	}
	return nil
}

func (st tokenStore) RevokeAllByUser(_ context.Context, userID string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	for _, t := range st.s.tokens {
		if t.UserID == userID {
			t.Revoked = true
		}
	}
	return nil
}

func (st tokenStore) Rotate(_ context.Context, oldToken string, next *iam.RefreshToken) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	old, ok := st.s.tokens[oldToken]
	if !ok || old.Revoked {
		return iam.ErrTokenExpired
	}
	old.Revoked = true
	cp := *next
	st.s.tokens[next.Token] = &cp
	return nil
}

func (st tokenStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	var n int64
	for key, t := range st.s.tokens {
		if now.After(t.ExpiresAt) {
			delete(st.s.tokens, key)
			n++
		}
	}
	return n, nil
}

type otpStore struct{ s *Store }

func (st otpStore) Create(_ context.Context, o *iam.OTP) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	cp := *o
	st.s.otps = append(st.s.otps, &cp)
	return nil
}

func (st otpStore) FindLatestByEmail(_ context.Context, email string) (*iam.OTP, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	for i := len(st.s.otps) - 1; i >= 0; i-- {
		if st.s.otps[i].Email == email {
			cp := *st.s.otps[i]
			return &cp, nil
		}
	}
	return nil, iam.ErrNotFound
}

func (st otpStore) InvalidateAllByEmail(_ context.Context, email string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	for _, o := range st.s.otps {
		if o.Email == email {
			o.Used = true
		}
	}
	return nil
}

func (st otpStore) MarkUsed(_ context.Context, id string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	for _, o := range st.s.otps {
		if o.ID == id {
			o.Used = true
			return nil
		}
	}
	return iam.ErrNotFound
}

func (st otpStore) IncrementAttempts(_ context.Context, id string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	for _, o := range st.s.otps {
		if o.ID == id {
			o.Attempts++
			return nil
		}
	}
	return iam.ErrNotFound
}

func (st otpStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	kept := st.s.otps[:0]
	var n int64
	for _, o := range st.s.otps {
		if now.After(o.ExpiresAt) {
			n++
			continue
		}
		kept = append(kept, o)
	}
	st.s.otps = kept
	return n, nil
}

type oauthStore struct{ s *Store }

func oauthKey(provider, providerUserID string) string {
	return provider + "\x00" + providerUserID
}

func (st oauthStore) Create(_ context.Context, a *iam.OAuthAccount) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	key := oauthKey(a.Provider, a.ProviderUserID)
	if _, ok := st.s.oauth[key]; ok {
		return iam.ErrConflict
	}
	cp := *a
	st.s.oauth[key] = &cp
	return nil
}

func (st oauthStore) FindByProviderUser(_ context.Context, provider, providerUserID string) (*iam.OAuthAccount, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	a, ok := st.s.oauth[oauthKey(provider, providerUserID)]
	if !ok {
		return nil, iam.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (st oauthStore) ListByUser(_ context.Context, userID string) ([]*iam.OAuthAccount, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	var out []*iam.OAuthAccount
	for _, a := range st.s.oauth {
		if a.UserID == userID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (st oauthStore) DeleteByProviderAndUser(_ context.Context, provider, userID string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	for key, a := range st.s.oauth {
		if a.Provider == provider && a.UserID == userID {
			delete(st.s.oauth, key)
			return nil
		}
	}
	return iam.ErrNotFound
}

type keyStore struct{ s *Store }

func (st keyStore) Create(_ context.Context, k *iam.APIKey) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if _, ok := st.s.keysByHash[k.KeyHash]; ok {
		return iam.ErrConflict
	}
	st.s.keys[k.ID] = cloneKey(k)
	st.s.keysByHash[k.KeyHash] = k.ID
	return nil
}

func (st keyStore) Find(_ context.Context, id string) (*iam.APIKey, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	k, ok := st.s.keys[id]
	if !ok {
		return nil, iam.ErrNotFound
	}
	return cloneKey(k), nil
}

func (st keyStore) FindByHash(_ context.Context, keyHash string) (*iam.APIKey, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	id, ok := st.s.keysByHash[keyHash]
	if !ok {
		return nil, iam.ErrNotFound
	}
	return cloneKey(st.s.keys[id]), nil
}

func (st keyStore) ListByUser(_ context.Context, userID string) ([]*iam.APIKey, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	var out []*iam.APIKey
	for _, k := range st.s.keys {
		if k.UserID == userID {
			out = append(out, cloneKey(k))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (st keyStore) Revoke(_ context.Context, id string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	k, ok := st.s.keys[id]
	if !ok {
		return iam.ErrNotFound
	}
	k.Revoked = true
	k.UpdatedAt = time.Now().UTC()
	return nil
}

func (st keyStore) UpdateLastUsed(_ context.Context, id string, when time.Time) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	k, ok := st.s.keys[id]
	if !ok {
		return iam.ErrNotFound
	}
	w := when
	k.LastUsedAt = &w
	return nil
}

func cloneUser(u *iam.User) *iam.User {
	cp := *u
	cp.Roles = make([]iam.Role, len(u.Roles))
	for i, r := range u.Roles {
		cp.Roles[i] = *cloneRole(&r)
	}
	if u.DeletedAt != nil {
		t := *u.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}

func cloneRole(r *iam.Role) *iam.Role {
	cp := *r
	cp.Permissions = append([]iam.Permission(nil), r.Permissions...)
	return &cp
}

func cloneKey(k *iam.APIKey) *iam.APIKey {
	cp := *k
	cp.Scopes = append([]string(nil), k.Scopes...)
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		cp.ExpiresAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}
