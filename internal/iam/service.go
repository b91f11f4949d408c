package iam

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"identra.org/internal/ids"
)

const (
	// DefaultOTPTTL is how long an email code stays exchangeable.
	DefaultOTPTTL = 5 * time.Minute

	// DefaultOTPResendInterval throttles new codes per address.
	DefaultOTPResendInterval = time.Minute

	// DefaultOTPMaxAttempts caps failed verifications per code.
	DefaultOTPMaxAttempts = 5

	otpCodeLength = 6

	lastUsedWriteTimeout = 5 * time.Second
)

// Service implements the credential lifecycle: registration, the three
// login modalities, session rotation, API keys and user management.
type Service struct {
	store      Store
	passwords  PasswordHasher
	tokens     TokenGenerator
	codec      APIKeyCodec
	exchangers map[string]OAuthExchanger

	refreshTTL        time.Duration
	otpTTL            time.Duration
	otpResendInterval time.Duration
	otpMaxAttempts    int

	now func() time.Time
}

// ServiceOption tweaks a Service.
type ServiceOption func(*Service)

// WithPasswordHasher replaces the bcrypt hasher, for tests.
func WithPasswordHasher(h PasswordHasher) ServiceOption {
	return func(s *Service) {
		if h != nil {
			s.passwords = h
		}
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithExchanger registers an OAuth provider.
func WithExchanger(provider string, ex OAuthExchanger) ServiceOption {
	return func(s *Service) {
		if provider != "" && ex != nil {
			s.exchangers[provider] = ex
		}
	}
}

// WithRefreshTTL overrides the session lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithOTPPolicy overrides the email-code lifetime, resend throttle and
// attempt budget.
func WithOTPPolicy(ttl, resendInterval time.Duration, maxAttempts int) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.otpTTL = ttl
		}
		if resendInterval > 0 {
			s.otpResendInterval = resendInterval
		}
		if maxAttempts > 0 {
			s.otpMaxAttempts = maxAttempts
		}
	}
}

// NewService wires a Service over the given store and token generator.
func NewService(store Store, tokens TokenGenerator, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrValidation)
	}
	if tokens == nil {
		return nil, fmt.Errorf("%w: token generator is required", ErrValidation)
	}
	s := &Service{
		store:             store,
		passwords:         NewBcryptHasher(),
		tokens:            tokens,
		exchangers:        make(map[string]OAuthExchanger),
		refreshTTL:        DefaultRefreshTokenTTL,
		otpTTL:            DefaultOTPTTL,
		otpResendInterval: DefaultOTPResendInterval,
		otpMaxAttempts:    DefaultOTPMaxAttempts,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RegisterInput carries the self-service registration fields.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// LoginResult is what every successful login flow returns.
type LoginResult struct {
	User      *User
	Tokens    TokenPair
	IsNewUser bool
}

// Register creates a password account with the default role attached.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	email := NormalizeEmail(in.Email)
	if !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: email is malformed", ErrValidation)
	}
	if in.Password == "" {
		return nil, fmt.Errorf("%w: password is required", ErrValidation)
	}

	if _, err := s.store.Users().FindByEmail(ctx, email); err == nil {
		return nil, ErrUserExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	u := &User{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.attachDefaultRole(ctx, u); err != nil {
		return nil, err
	}
	if err := s.store.Users().Create(ctx, u); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrUserExists
		}
		return nil, err
	}
	return u, nil
}

// Login checks a password and opens a session. Every failure mode
// returns the same ErrInvalidCredentials; when a stored hash exists the
// comparison always runs so absent and wrong passwords cost the same.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = NormalizeEmail(email)
	u, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	denied := u == nil || !u.Active || u.DeletedAt != nil
	if u != nil && u.HasPassword() {
		if !s.passwords.Compare(u.PasswordHash, password) {
			denied = true
		}
	} else {
		denied = true
	}
	if denied {
		return nil, ErrInvalidCredentials
	}

	tokens, err := s.openSession(ctx, u)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: u, Tokens: tokens}, nil
}

// Logout revokes the given refresh token. Unknown and already revoked
// tokens succeed, so repeated logouts are harmless.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.store.RefreshTokens().RevokeByToken(ctx, refreshToken)
}

// LogoutAll revokes every active session of the user.
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	return s.store.RefreshTokens().RevokeAllByUser(ctx, userID)
}

// Refresh exchanges an active refresh token for a new pair, revoking the
// old token in the same atomic step. Of two racing calls with the same
// token exactly one wins; the loser gets ErrTokenExpired.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	if refreshToken == "" {
		return nil, ErrTokenExpired
	}
	stored, err := s.store.RefreshTokens().FindByToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTokenExpired
		}
		return nil, err
	}
	now := s.now().UTC()
	if !stored.Valid(now) {
		return nil, ErrTokenExpired
	}

	u, err := s.store.Users().Find(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !u.Active || u.DeletedAt != nil {
		return nil, ErrInvalidCredentials
	}

	pair, err := s.tokens.GeneratePair(AccessTokenPayload{
		Subject: u.ID,
		Email:   u.Email,
		Roles:   u.RoleNames(),
	})
	if err != nil {
		return nil, err
	}
	next := &RefreshToken{
		ID:        ids.New(),
		Token:     pair.RefreshToken,
		UserID:    u.ID,
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	if err := s.store.RefreshTokens().Rotate(ctx, refreshToken, next); err != nil {
		return nil, err
	}
	return &LoginResult{User: u, Tokens: pair}, nil
}

// RequestOTP issues a fresh email code, invalidating any earlier ones
// for the address. The plaintext code is returned for the delivery
// layer; it is never persisted or logged in clear.
func (s *Service) RequestOTP(ctx context.Context, email string) (string, error) {
	email = NormalizeEmail(email)
	if !strings.Contains(email, "@") {
		return "", fmt.Errorf("%w: email is malformed", ErrValidation)
	}
	now := s.now().UTC()

	latest, err := s.store.OTPs().FindLatestByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if latest != nil && now.Sub(latest.CreatedAt) < s.otpResendInterval {
		return "", fmt.Errorf("%w: please wait before requesting a new code", ErrInvalidOTP)
	}

	if err := s.store.OTPs().InvalidateAllByEmail(ctx, email); err != nil {
		return "", err
	}

	code, err := newOTPCode()
	if err != nil {
		return "", err
	}
	otp := &OTP{
		ID:        ids.New(),
		Code:      code,
		Email:     email,
		ExpiresAt: now.Add(s.otpTTL),
		CreatedAt: now,
	}
	if err := s.store.OTPs().Create(ctx, otp); err != nil {
		return "", err
	}
	return code, nil
}

// VerifyOTP exchanges a valid email code for a session, creating a
// passwordless account on first login. Mismatches burn one attempt from
// the code's budget; everything else fails without touching it.
func (s *Service) VerifyOTP(ctx context.Context, email, code string) (*LoginResult, error) {
	email = NormalizeEmail(email)
	latest, err := s.store.OTPs().FindLatestByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidOTP
		}
		return nil, err
	}
	now := s.now().UTC()
	if !latest.Valid(now) || latest.Attempts >= s.otpMaxAttempts {
		return nil, ErrInvalidOTP
	}
	if subtle.ConstantTimeCompare(padOTP(latest.Code), padOTP(code)) != 1 {
		if err := s.store.OTPs().IncrementAttempts(ctx, latest.ID); err != nil {
			return nil, err
		}
		return nil, ErrInvalidOTP
	}
	if err := s.store.OTPs().MarkUsed(ctx, latest.ID); err != nil {
		return nil, err
	}

	u, err := s.store.Users().FindByEmail(ctx, email)
	isNew := false
	if errors.Is(err, ErrNotFound) {
		u, err = s.createPasswordlessUser(ctx, email, "", "")
		isNew = err == nil
	}
	if err != nil {
		return nil, err
	}
	if !u.Active || u.DeletedAt != nil {
		return nil, ErrInvalidCredentials
	}

	tokens, err := s.openSession(ctx, u)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: u, Tokens: tokens, IsNewUser: isNew}, nil
}

// LoginWithOAuth exchanges an authorization code with the named provider
// and resolves the local account: an existing link wins, then an email
// match adopts the account and links it, otherwise a passwordless
// account is created.
func (s *Service) LoginWithOAuth(ctx context.Context, provider, code, redirectURI string) (*LoginResult, error) {
	ex, ok := s.exchangers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}
	profile, err := ex.Exchange(ctx, code, redirectURI)
	if err != nil {
		if errors.Is(err, ErrOAuth) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrOAuth, err)
	}

	if profile.Email == "" {
		return nil, fmt.Errorf("%w: provider returned no email", ErrOAuth)
	}

	links := s.store.OAuthAccounts()
	link, err := links.FindByProviderUser(ctx, provider, profile.ProviderUserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var u *User
	isNew := false
	switch {
	case link != nil:
		u, err = s.store.Users().Find(ctx, link.UserID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: link points at a missing user", ErrOAuth)
			}
			return nil, err
		}
	default:
		u, err = s.store.Users().FindByEmail(ctx, profile.Email)
		if errors.Is(err, ErrNotFound) {
			u, err = s.createPasswordlessUser(ctx, profile.Email, profile.FirstName, profile.LastName)
			isNew = err == nil
		}
		if err != nil {
			return nil, err
		}
		now := s.now().UTC()
		newLink := &OAuthAccount{
			ID:             ids.New(),
			UserID:         u.ID,
			Provider:       provider,
			ProviderUserID: profile.ProviderUserID,
			Email:          profile.Email,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := links.Create(ctx, newLink); err != nil && !errors.Is(err, ErrConflict) {
			return nil, err
		}
	}

	if !u.Active || u.DeletedAt != nil {
		return nil, ErrInvalidCredentials
	}
	tokens, err := s.openSession(ctx, u)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: u, Tokens: tokens, IsNewUser: isNew}, nil
}

// AuthenticateToken verifies a signed access token and loads a live
// principal for it.
func (s *Service) AuthenticateToken(ctx context.Context, token string) (*Principal, error) {
	payload, err := s.tokens.VerifyAccessToken(token)
	if err != nil {
		return nil, err
	}
	u, err := s.store.Users().Find(ctx, payload.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !u.Active || u.DeletedAt != nil {
		return nil, ErrInvalidCredentials
	}
	return &Principal{
		UserID: u.ID,
		Email:  u.Email,
		Roles:  payload.Roles,
	}, nil
}

// AuthenticateAPIKey verifies a raw API key by digest lookup. The
// last-used timestamp is written on a detached context so a slow store
// cannot slow down or fail the request being served.
func (s *Service) AuthenticateAPIKey(ctx context.Context, raw string) (*Principal, error) {
	if !strings.HasPrefix(raw, APIKeyPrefix) {
		return nil, ErrInvalidAPIKey
	}
	key, err := s.store.APIKeys().FindByHash(ctx, HashAPIKey(raw))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}
	now := s.now().UTC()
	if !key.Valid(now) {
		return nil, ErrInvalidAPIKey
	}
	u, err := s.store.Users().Find(ctx, key.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}
	if !u.Active || u.DeletedAt != nil {
		return nil, ErrInvalidAPIKey
	}

	go func(id string, when time.Time) {
		ctx, cancel := context.WithTimeout(context.Background(), lastUsedWriteTimeout)
		defer cancel()
		_ = s.store.APIKeys().UpdateLastUsed(ctx, id, when)
	}(key.ID, now)

	// The principal acts with the key's scopes only; the owner's roles
	// do not transfer to key-authenticated requests.
	return &Principal{
		UserID:   u.ID,
		Email:    u.Email,
		Scopes:   key.Scopes,
		ViaKey:   true,
		APIKeyID: key.ID,
	}, nil
}

// CreateAPIKey mints a key for the user and returns it together with
// the raw secret, which is shown exactly once.
func (s *Service) CreateAPIKey(ctx context.Context, userID, name string, scopes []string, expiresAt *time.Time) (*APIKey, string, error) {
	if strings.TrimSpace(name) == "" {
		return nil, "", fmt.Errorf("%w: key name is required", ErrValidation)
	}
	if _, err := s.store.Users().Find(ctx, userID); err != nil {
		return nil, "", err
	}
	gen, err := s.codec.Generate()
	if err != nil {
		return nil, "", err
	}
	now := s.now().UTC()
	key := &APIKey{
		ID:        ids.New(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		KeyHash:   gen.Hash,
		KeyPrefix: gen.Prefix,
		Scopes:    scopes,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.APIKeys().Create(ctx, key); err != nil {
		return nil, "", err
	}
	return key, gen.Raw, nil
}

// ListAPIKeys returns the user's keys, digests excluded.
func (s *Service) ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	return s.store.APIKeys().ListByUser(ctx, userID)
}

// RevokeAPIKey revokes one of the user's keys. Keys owned by someone
// else look exactly like missing ones.
func (s *Service) RevokeAPIKey(ctx context.Context, userID, keyID string) error {
	key, err := s.store.APIKeys().Find(ctx, keyID)
	if err != nil {
		return err
	}
	if key.UserID != userID {
		return ErrNotFound
	}
	if key.Revoked {
		return nil
	}
	return s.store.APIKeys().Revoke(ctx, keyID)
}

// ListOAuthAccounts returns the user's linked provider accounts.
func (s *Service) ListOAuthAccounts(ctx context.Context, userID string) ([]*OAuthAccount, error) {
	return s.store.OAuthAccounts().ListByUser(ctx, userID)
}

// UnlinkOAuth removes the user's link to the provider. A provider that
// was never linked reports ErrNotFound.
func (s *Service) UnlinkOAuth(ctx context.Context, userID, provider string) error {
	return s.store.OAuthAccounts().DeleteByProviderAndUser(ctx, provider, userID)
}

// GetUser loads a user with roles and permissions.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	return s.store.Users().Find(ctx, id)
}

// ListUsers pages through users and reports the total count.
func (s *Service) ListUsers(ctx context.Context, offset, limit int) ([]*User, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.Users().List(ctx, offset, limit)
}

// ListRoles returns the role catalog with permissions attached.
func (s *Service) ListRoles(ctx context.Context) ([]*Role, error) {
	return s.store.Roles().List(ctx)
}

// UserUpdate carries the mutable profile fields; nil means unchanged.
type UserUpdate struct {
	FirstName *string
	LastName  *string
	Active    *bool
}

// UpdateUser applies a partial profile update.
func (s *Service) UpdateUser(ctx context.Context, id string, upd UserUpdate) (*User, error) {
	u, err := s.store.Users().Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.FirstName != nil {
		u.FirstName = strings.TrimSpace(*upd.FirstName)
	}
	if upd.LastName != nil {
		u.LastName = strings.TrimSpace(*upd.LastName)
	}
	if upd.Active != nil {
		u.Active = *upd.Active
	}
	u.UpdatedAt = s.now().UTC()
	if err := s.store.Users().Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// DeleteUser removes the account and ends all of its sessions.
func (s *Service) DeleteUser(ctx context.Context, id string) error {
	if err := s.store.RefreshTokens().RevokeAllByUser(ctx, id); err != nil {
		return err
	}
	return s.store.Users().Delete(ctx, id)
}

// CleanupStats reports what an expiry sweep removed.
type CleanupStats struct {
	RefreshTokens int64
	OTPs          int64
}

// CleanupExpired deletes expired refresh tokens and email codes.
func (s *Service) CleanupExpired(ctx context.Context) (CleanupStats, error) {
	now := s.now().UTC()
	var stats CleanupStats
	n, err := s.store.RefreshTokens().DeleteExpired(ctx, now)
	if err != nil {
		return stats, err
	}
	stats.RefreshTokens = n
	n, err = s.store.OTPs().DeleteExpired(ctx, now)
	if err != nil {
		return stats, err
	}
	stats.OTPs = n
	return stats, nil
}

// openSession mints a token pair and persists the refresh half.
func (s *Service) openSession(ctx context.Context, u *User) (TokenPair, error) {
	pair, err := s.tokens.GeneratePair(AccessTokenPayload{
		Subject: u.ID,
		Email:   u.Email,
		Roles:   u.RoleNames(),
	})
	if err != nil {
		return TokenPair{}, err
	}
	now := s.now().UTC()
	stored := &RefreshToken{
		ID:        ids.New(),
		Token:     pair.RefreshToken,
		UserID:    u.ID,
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	if err := s.store.RefreshTokens().Create(ctx, stored); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

func (s *Service) createPasswordlessUser(ctx context.Context, email, firstName, lastName string) (*User, error) {
	now := s.now().UTC()
	u := &User{
		ID:        ids.New(),
		Email:     email,
		FirstName: firstName,
		LastName:  lastName,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.attachDefaultRole(ctx, u); err != nil {
		return nil, err
	}
	if err := s.store.Users().Create(ctx, u); err != nil {
		// Lost a race against a concurrent first login for the same
		// address; the winner's row is the account.
		if errors.Is(err, ErrConflict) {
			return s.store.Users().FindByEmail(ctx, email)
		}
		return nil, err
	}
	return u, nil
}

func (s *Service) attachDefaultRole(ctx context.Context, u *User) error {
	role, err := s.store.Roles().FindDefault(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	u.Roles = []Role{*role}
	return nil
}

// newOTPCode draws a uniform 6-digit code, leading zeros included.
func newOTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// padOTP pads short inputs up to the code length so a short guess costs
// the same as a full-length one. Longer inputs keep their length and can
// never collide with a stored 6-digit code.
func padOTP(code string) []byte {
	if len(code) >= otpCodeLength {
		return []byte(code)
	}
	buf := make([]byte, otpCodeLength)
	copy(buf, code)
	return buf
}
