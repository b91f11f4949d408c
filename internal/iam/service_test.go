package iam_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"identra.org/internal/iam"
	"identra.org/internal/store/mem"
)

type fakeHasher struct{}

func (fakeHasher) Hash(password string) (string, error) { return "h:" + password, nil }
func (fakeHasher) Compare(hash, password string) bool   { return hash == "h:"+password }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeExchanger struct {
	profile iam.OAuthProfile
	err     error
}

func (f *fakeExchanger) Exchange(context.Context, string, string) (iam.OAuthProfile, error) {
	return f.profile, f.err
}

func newTestService(t *testing.T, opts ...iam.ServiceOption) (*iam.Service, *mem.Store, *fakeClock) {
	t.Helper()
	store := mem.New()
	store.SeedCatalog()
	return newTestServiceOver(t, store, opts...)
}

func newTestServiceOver(t *testing.T, store *mem.Store, opts ...iam.ServiceOption) (*iam.Service, *mem.Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	tokens, err := iam.NewJWTGenerator([]byte("test-secret"), "identra-test",
		iam.WithTokenClock(clock.Now))
	if err != nil {
		t.Fatalf("new token generator: %v", err)
	}
	opts = append([]iam.ServiceOption{
		iam.WithPasswordHasher(fakeHasher{}),
		iam.WithClock(clock.Now),
	}, opts...)
	svc, err := iam.NewService(store, tokens, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, store, clock
}

func register(t *testing.T, svc *iam.Service, email string) *iam.User {
	t.Helper()
	u, err := svc.Register(context.Background(), iam.RegisterInput{
		Email:    email,
		Password: "hunter2",
	})
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return u
}

func TestRegister(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	u := register(t, svc, "Alice@Example.COM")
	if u.Email != "alice@example.com" {
		t.Errorf("email not normalized: %q", u.Email)
	}
	if !u.Active {
		t.Error("new user should be active")
	}
	if !u.HasRole("user") {
		t.Errorf("default role missing, got %v", u.RoleNames())
	}
	if u.PasswordHash == "hunter2" {
		t.Error("password stored in clear")
	}

	if _, err := svc.Register(ctx, iam.RegisterInput{Email: "alice@example.com", Password: "x"}); !errors.Is(err, iam.ErrUserExists) {
		t.Errorf("duplicate register: got %v, want ErrUserExists", err)
	}
	if _, err := svc.Register(ctx, iam.RegisterInput{Email: "not-an-email", Password: "x"}); !errors.Is(err, iam.ErrValidation) {
		t.Errorf("bad email: got %v, want ErrValidation", err)
	}
	if _, err := svc.Register(ctx, iam.RegisterInput{Email: "b@example.com"}); !errors.Is(err, iam.ErrValidation) {
		t.Errorf("empty password: got %v, want ErrValidation", err)
	}
}

func TestLogin(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	register(t, svc, "alice@example.com")

	res, err := svc.Login(ctx, "ALICE@example.com", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Tokens.TokenType != "Bearer" {
		t.Errorf("token type = %q", res.Tokens.TokenType)
	}
	if res.Tokens.AccessToken == "" || res.Tokens.RefreshToken == "" {
		t.Error("missing tokens")
	}

	for name, attempt := range map[string]struct {
		email, password string
	}{
		"wrong password": {"alice@example.com", "wrong"},
		"unknown user":   {"nobody@example.com", "hunter2"},
		"empty password": {"alice@example.com", ""},
	} {
		if _, err := svc.Login(ctx, attempt.email, attempt.password); !errors.Is(err, iam.ErrInvalidCredentials) {
			t.Errorf("%s: got %v, want ErrInvalidCredentials", name, err)
		}
	}
}

func TestLoginInactiveUser(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	u := register(t, svc, "alice@example.com")

	inactive := false
	if _, err := svc.UpdateUser(ctx, u.ID, iam.UserUpdate{Active: &inactive}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := svc.Login(ctx, "alice@example.com", "hunter2"); !errors.Is(err, iam.ErrInvalidCredentials) {
		t.Errorf("inactive login: got %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginPasswordlessAccount(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	code, err := svc.RequestOTP(ctx, "otp@example.com")
	if err != nil {
		t.Fatalf("request otp: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := svc.VerifyOTP(ctx, "otp@example.com", code); err != nil {
		t.Fatalf("verify otp: %v", err)
	}
	// The account has no password hash, so password login must fail the
	// same way as a wrong password.
	if _, err := svc.Login(ctx, "otp@example.com", "anything"); !errors.Is(err, iam.ErrInvalidCredentials) {
		t.Errorf("passwordless login: got %v, want ErrInvalidCredentials", err)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	register(t, svc, "alice@example.com")
	res, err := svc.Login(ctx, "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := svc.Logout(ctx, res.Tokens.RefreshToken); err != nil {
			t.Fatalf("logout #%d: %v", i+1, err)
		}
	}
	if err := svc.Logout(ctx, "never-issued"); err != nil {
		t.Fatalf("logout of unknown token: %v", err)
	}
	if _, err := svc.Refresh(ctx, res.Tokens.RefreshToken); !errors.Is(err, iam.ErrTokenExpired) {
		t.Errorf("refresh after logout: got %v, want ErrTokenExpired", err)
	}
}

func TestRefreshRotation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	register(t, svc, "alice@example.com")
	res, err := svc.Login(ctx, "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	first := res.Tokens.RefreshToken
	rotated, err := svc.Refresh(ctx, first)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.Tokens.RefreshToken == first {
		t.Error("refresh token was not rotated")
	}

	// The consumed token must be dead; exactly one generation is live.
	if _, err := svc.Refresh(ctx, first); !errors.Is(err, iam.ErrTokenExpired) {
		t.Errorf("reuse of rotated token: got %v, want ErrTokenExpired", err)
	}
	if _, err := svc.Refresh(ctx, rotated.Tokens.RefreshToken); err != nil {
		t.Errorf("refresh of live token: %v", err)
	}
	if _, err := svc.Refresh(ctx, "unknown"); !errors.Is(err, iam.ErrTokenExpired) {
		t.Errorf("unknown token: got %v, want ErrTokenExpired", err)
	}
}

func TestRefreshExpiredSession(t *testing.T) {
	svc, _, clock := newTestService(t, iam.WithRefreshTTL(time.Hour))
	ctx := context.Background()
	register(t, svc, "alice@example.com")
	res, err := svc.Login(ctx, "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	clock.Advance(2 * time.Hour)
	if _, err := svc.Refresh(ctx, res.Tokens.RefreshToken); !errors.Is(err, iam.ErrTokenExpired) {
		t.Errorf("expired session: got %v, want ErrTokenExpired", err)
	}
}

func TestRefreshDeactivatedUser(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	u := register(t, svc, "alice@example.com")
	res, err := svc.Login(ctx, "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	inactive := false
	if _, err := svc.UpdateUser(ctx, u.ID, iam.UserUpdate{Active: &inactive}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := svc.Refresh(ctx, res.Tokens.RefreshToken); !errors.Is(err, iam.ErrInvalidCredentials) {
		t.Errorf("refresh for deactivated user: got %v, want ErrInvalidCredentials", err)
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	register(t, svc, "alice@example.com")
	res, err := svc.Login(ctx, "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Refresh(ctx, res.Tokens.RefreshToken)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, iam.ErrTokenExpired):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
}

func TestOTPRequest(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	code, err := svc.RequestOTP(ctx, "otp@example.com")
	if err != nil {
		t.Fatalf("request otp: %v", err)
	}
	if len(code) != 6 || strings.Trim(code, "0123456789") != "" {
		t.Errorf("code = %q, want 6 digits", code)
	}

	// Within the resend interval the request is throttled.
	if _, err := svc.RequestOTP(ctx, "otp@example.com"); !errors.Is(err, iam.ErrInvalidOTP) {
		t.Errorf("resend too soon: got %v, want ErrInvalidOTP", err)
	}

	clock.Advance(2 * time.Minute)
	second, err := svc.RequestOTP(ctx, "otp@example.com")
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	// The first code is invalidated by the second request.
	if _, err := svc.VerifyOTP(ctx, "otp@example.com", code); !errors.Is(err, iam.ErrInvalidOTP) {
		t.Errorf("stale code accepted: got %v", err)
	}
	if _, err := svc.VerifyOTP(ctx, "otp@example.com", second); err != nil {
		t.Errorf("fresh code rejected: %v", err)
	}
}

func TestOTPVerify(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	code, err := svc.RequestOTP(ctx, "new@example.com")
	if err != nil {
		t.Fatalf("request otp: %v", err)
	}
	clock.Advance(time.Second)

	res, err := svc.VerifyOTP(ctx, "new@example.com", code)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.IsNewUser {
		t.Error("first OTP login should create the account")
	}
	if res.User.HasPassword() {
		t.Error("OTP-created account should be passwordless")
	}
	if !res.User.HasRole("user") {
		t.Errorf("default role missing, got %v", res.User.RoleNames())
	}

	// Codes are single use.
	if _, err := svc.VerifyOTP(ctx, "new@example.com", code); !errors.Is(err, iam.ErrInvalidOTP) {
		t.Errorf("code reuse: got %v, want ErrInvalidOTP", err)
	}
}

func TestOTPVerifyExistingUser(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	u := register(t, svc, "alice@example.com")

	code, err := svc.RequestOTP(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("request otp: %v", err)
	}
	clock.Advance(time.Second)
	res, err := svc.VerifyOTP(ctx, "alice@example.com", code)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.IsNewUser {
		t.Error("existing account flagged as new")
	}
	if res.User.ID != u.ID {
		t.Errorf("resolved user %s, want %s", res.User.ID, u.ID)
	}
}

func TestOTPAttemptBudget(t *testing.T) {
	svc, _, clock := newTestService(t, iam.WithOTPPolicy(5*time.Minute, time.Minute, 3))
	ctx := context.Background()

	code, err := svc.RequestOTP(ctx, "otp@example.com")
	if err != nil {
		t.Fatalf("request otp: %v", err)
	}
	clock.Advance(time.Second)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.VerifyOTP(ctx, "otp@example.com", wrong); !errors.Is(err, iam.ErrInvalidOTP) {
			t.Fatalf("wrong code #%d: got %v", i+1, err)
		}
	}
	// Budget exhausted: even the right code is rejected now.
	if _, err := svc.VerifyOTP(ctx, "otp@example.com", code); !errors.Is(err, iam.ErrInvalidOTP) {
		t.Errorf("after budget: got %v, want ErrInvalidOTP", err)
	}
}

func TestOTPExpiry(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	code, err := svc.RequestOTP(ctx, "otp@example.com")
	if err != nil {
		t.Fatalf("request otp: %v", err)
	}
	clock.Advance(10 * time.Minute)
	if _, err := svc.VerifyOTP(ctx, "otp@example.com", code); !errors.Is(err, iam.ErrInvalidOTP) {
		t.Errorf("expired code: got %v, want ErrInvalidOTP", err)
	}
}

func TestOAuthLogin(t *testing.T) {
	ex := &fakeExchanger{profile: iam.OAuthProfile{
		ProviderUserID: "g-123",
		Email:          "oauth@example.com",
		FirstName:      "Omar",
		LastName:       "Auth",
	}}
	svc, _, _ := newTestService(t, iam.WithExchanger(iam.ProviderGoogle, ex))
	ctx := context.Background()

	res, err := svc.LoginWithOAuth(ctx, iam.ProviderGoogle, "code", "https://app/cb")
	if err != nil {
		t.Fatalf("oauth login: %v", err)
	}
	if !res.IsNewUser {
		t.Error("first oauth login should create the account")
	}
	if res.User.Email != "oauth@example.com" || res.User.FirstName != "Omar" {
		t.Errorf("profile not applied: %+v", res.User)
	}

	again, err := svc.LoginWithOAuth(ctx, iam.ProviderGoogle, "code", "https://app/cb")
	if err != nil {
		t.Fatalf("second oauth login: %v", err)
	}
	if again.IsNewUser || again.User.ID != res.User.ID {
		t.Errorf("link not reused: new=%v id=%s want id=%s", again.IsNewUser, again.User.ID, res.User.ID)
	}
}

func TestOAuthAdoptsAccountByEmail(t *testing.T) {
	ex := &fakeExchanger{profile: iam.OAuthProfile{
		ProviderUserID: "g-777",
		Email:          "alice@example.com",
	}}
	svc, _, _ := newTestService(t, iam.WithExchanger(iam.ProviderGoogle, ex))
	ctx := context.Background()
	u := register(t, svc, "alice@example.com")

	res, err := svc.LoginWithOAuth(ctx, iam.ProviderGoogle, "code", "")
	if err != nil {
		t.Fatalf("oauth login: %v", err)
	}
	if res.IsNewUser {
		t.Error("email match should adopt, not create")
	}
	if res.User.ID != u.ID {
		t.Errorf("adopted user %s, want %s", res.User.ID, u.ID)
	}
}

func TestOAuthMissingEmail(t *testing.T) {
	ex := &fakeExchanger{profile: iam.OAuthProfile{
		ProviderUserID: "g-123",
		Email:          "oauth@example.com",
	}}
	svc, _, _ := newTestService(t, iam.WithExchanger(iam.ProviderGoogle, ex))
	ctx := context.Background()
	if _, err := svc.LoginWithOAuth(ctx, iam.ProviderGoogle, "code", ""); err != nil {
		t.Fatalf("oauth login: %v", err)
	}

	// The guard holds even when the provider account is already linked.
	ex.profile.Email = ""
	if _, err := svc.LoginWithOAuth(ctx, iam.ProviderGoogle, "code", ""); !errors.Is(err, iam.ErrOAuth) {
		t.Errorf("missing email: got %v, want ErrOAuth", err)
	}
}

func TestUnlinkOAuth(t *testing.T) {
	ex := &fakeExchanger{profile: iam.OAuthProfile{
		ProviderUserID: "g-55",
		Email:          "oauth@example.com",
	}}
	svc, _, _ := newTestService(t, iam.WithExchanger(iam.ProviderGoogle, ex))
	ctx := context.Background()

	res, err := svc.LoginWithOAuth(ctx, iam.ProviderGoogle, "code", "")
	if err != nil {
		t.Fatalf("oauth login: %v", err)
	}
	accounts, err := svc.ListOAuthAccounts(ctx, res.User.ID)
	if err != nil || len(accounts) != 1 {
		t.Fatalf("accounts = %v, %v", accounts, err)
	}

	if err := svc.UnlinkOAuth(ctx, res.User.ID, iam.ProviderGoogle); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if err := svc.UnlinkOAuth(ctx, res.User.ID, iam.ProviderGoogle); !errors.Is(err, iam.ErrNotFound) {
		t.Errorf("second unlink: got %v, want ErrNotFound", err)
	}

	// The next provider login re-links by email instead of creating a
	// second account.
	again, err := svc.LoginWithOAuth(ctx, iam.ProviderGoogle, "code", "")
	if err != nil {
		t.Fatalf("relogin: %v", err)
	}
	if again.IsNewUser || again.User.ID != res.User.ID {
		t.Errorf("relink: new=%v id=%s want id=%s", again.IsNewUser, again.User.ID, res.User.ID)
	}
}

func TestOAuthUnsupportedProvider(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.LoginWithOAuth(context.Background(), "gitlab", "code", ""); !errors.Is(err, iam.ErrUnsupportedProvider) {
		t.Errorf("got %v, want ErrUnsupportedProvider", err)
	}
}

func TestOAuthExchangeFailure(t *testing.T) {
	ex := &fakeExchanger{err: iam.ErrOAuth}
	svc, _, _ := newTestService(t, iam.WithExchanger(iam.ProviderGitHub, ex))
	if _, err := svc.LoginWithOAuth(context.Background(), iam.ProviderGitHub, "bad", ""); !errors.Is(err, iam.ErrOAuth) {
		t.Errorf("got %v, want ErrOAuth", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	svc, _, clock := newTestService(t, iam.WithRefreshTTL(time.Hour))
	ctx := context.Background()
	register(t, svc, "alice@example.com")
	if _, err := svc.Login(ctx, "alice@example.com", "hunter2"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := svc.RequestOTP(ctx, "otp@example.com"); err != nil {
		t.Fatalf("request otp: %v", err)
	}

	clock.Advance(24 * time.Hour)
	stats, err := svc.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if stats.RefreshTokens != 1 || stats.OTPs != 1 {
		t.Errorf("stats = %+v, want 1 token and 1 otp", stats)
	}
}
