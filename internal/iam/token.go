package iam

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultAccessTokenTTL is the signed-token lifetime when the
	// deployment does not override it.
	DefaultAccessTokenTTL = 15 * time.Minute

	// DefaultRefreshTokenTTL is the session lifetime when the
	// deployment does not override it.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour

	refreshTokenBytes = 64
)

// TokenGenerator mints and verifies the credentials handed to clients.
// Access tokens are self-contained and signed; refresh tokens are opaque
// random strings whose state lives in the store.
type TokenGenerator interface {
	GeneratePair(payload AccessTokenPayload) (TokenPair, error)
	VerifyAccessToken(token string) (AccessTokenPayload, error)
	NewRefreshToken() (string, error)
}

// Claims is the signed claim set carried by access tokens.
type Claims struct {
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTGenerator signs access tokens with HMAC-SHA256.
type JWTGenerator struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
	now       func() time.Time
}

// JWTOption tweaks a JWTGenerator.
type JWTOption func(*JWTGenerator)

// WithAccessTTL overrides the access-token lifetime.
func WithAccessTTL(ttl time.Duration) JWTOption {
	return func(g *JWTGenerator) {
		if ttl > 0 {
			g.accessTTL = ttl
		}
	}
}

// WithTokenClock overrides the clock, for tests.
func WithTokenClock(now func() time.Time) JWTOption {
	return func(g *JWTGenerator) {
		if now != nil {
			g.now = now
		}
	}
}

// NewJWTGenerator builds a generator for the given signing secret.
func NewJWTGenerator(secret []byte, issuer string, opts ...JWTOption) (*JWTGenerator, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: jwt secret is required", ErrValidation)
	}
	g := &JWTGenerator{
		secret:    secret,
		issuer:    issuer,
		accessTTL: DefaultAccessTokenTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// AccessTTL returns the configured access-token lifetime.
func (g *JWTGenerator) AccessTTL() time.Duration {
	return g.accessTTL
}

func (g *JWTGenerator) GeneratePair(payload AccessTokenPayload) (TokenPair, error) {
	access, err := g.signAccessToken(payload)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := g.NewRefreshToken()
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(g.accessTTL.Seconds()),
	}, nil
}

func (g *JWTGenerator) signAccessToken(payload AccessTokenPayload) (string, error) {
	now := g.now().UTC()
	claims := Claims{
		Email: payload.Email,
		Roles: dedupe(payload.Roles),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   payload.Subject,
			Issuer:    g.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.accessTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

func (g *JWTGenerator) VerifyAccessToken(token string) (AccessTokenPayload, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	},
		jwt.WithIssuer(g.issuer),
		jwt.WithTimeFunc(g.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return AccessTokenPayload{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return AccessTokenPayload{}, fmt.Errorf("%w: malformed claims", ErrInvalidCredentials)
	}
	return AccessTokenPayload{
		Subject: claims.Subject,
		Email:   claims.Email,
		Roles:   claims.Roles,
	}, nil
}

// NewRefreshToken returns a fresh 512-bit opaque token in hex.
func (g *JWTGenerator) NewRefreshToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
