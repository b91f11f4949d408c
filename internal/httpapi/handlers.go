// Package httpapi exposes the credential lifecycle over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"identra.org/internal/iam"
	"identra.org/internal/obs"
)

// API holds the handler dependencies.
type API struct {
	svc     *iam.Service
	eval    *iam.Evaluator
	ping    func(context.Context) error
	otpEcho bool
}

// Option tweaks an API.
type Option func(*API)

// WithPing sets the readiness probe, typically the database ping.
func WithPing(ping func(context.Context) error) Option {
	return func(a *API) { a.ping = ping }
}

// WithOTPEcho makes the OTP request endpoint return the issued code in
// the response body. Development only; production delivers codes out
// of band and never exposes them over HTTP.
func WithOTPEcho() Option {
	return func(a *API) { a.otpEcho = true }
}

// New builds the API over the service and authorization evaluator.
func New(svc *iam.Service, eval *iam.Evaluator, opts ...Option) *API {
	a := &API{svc: svc, eval: eval}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Routes assembles the full route table wrapped in the middleware chain.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /readyz", a.handleReady)
	mux.Handle("GET /metrics", obs.Handler())

	mux.Handle("POST /v1/auth/register", a.public(a.handleRegister))
	mux.Handle("POST /v1/auth/login", a.public(a.handleLogin))
	mux.Handle("POST /v1/auth/logout", a.public(a.handleLogout))
	mux.Handle("POST /v1/auth/refresh", a.public(a.handleRefresh))
	mux.Handle("POST /v1/auth/otp/request", a.public(a.handleOTPRequest))
	mux.Handle("POST /v1/auth/otp/verify", a.public(a.handleOTPVerify))
	mux.Handle("POST /v1/auth/oauth/{provider}", a.public(a.handleOAuthLogin))

	mux.Handle("GET /v1/me", a.protected(a.handleMe, iam.Policy{}))
	mux.Handle("POST /v1/auth/logout-all", a.protected(a.handleLogoutAll, iam.Policy{}))

	mux.Handle("GET /v1/me/oauth", a.protected(a.handleListOAuthAccounts, iam.Policy{}))
	mux.Handle("DELETE /v1/me/oauth/{provider}", a.protected(a.handleUnlinkOAuth, iam.Policy{}))

	mux.Handle("GET /v1/me/api-keys", a.protected(a.handleListAPIKeys, iam.Policy{}))
	mux.Handle("POST /v1/me/api-keys", a.protected(a.handleCreateAPIKey, iam.Policy{}))
	mux.Handle("DELETE /v1/me/api-keys/{id}", a.protected(a.handleRevokeAPIKey, iam.Policy{}))

	mux.Handle("GET /v1/users", a.protected(a.handleListUsers,
		iam.Policy{AllPermissions: []string{"users:read"}}))
	mux.Handle("GET /v1/users/{id}", a.protected(a.handleGetUser,
		iam.Policy{AllPermissions: []string{"users:read"}}))
	mux.Handle("PATCH /v1/users/{id}", a.protected(a.handleUpdateUser,
		iam.Policy{AllPermissions: []string{"users:read", "users:write"}}))
	mux.Handle("DELETE /v1/users/{id}", a.protected(a.handleDeleteUser,
		iam.Policy{AllPermissions: []string{"users:delete"}}))

	mux.Handle("GET /v1/roles", a.protected(a.handleListRoles,
		iam.Policy{AnyRole: []string{"admin"}}))

	return Chain(mux,
		obs.Instrument,
		Logging,
		SecurityHeaders,
		CORS,
		MaxBodyBytes(1<<20),
		RateLimit(20, 40),
	)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.ping != nil {
		if err := a.ping(r.Context()); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps the service error kinds onto HTTP statuses. Unknown
// errors are logged and hidden behind a generic 500.
func writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, iam.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, iam.ErrUserExists), errors.Is(err, iam.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, iam.ErrInvalidCredentials),
		errors.Is(err, iam.ErrTokenExpired),
		errors.Is(err, iam.ErrInvalidOTP),
		errors.Is(err, iam.ErrInvalidAPIKey):
		status = http.StatusUnauthorized
	case errors.Is(err, iam.ErrInsufficientPermissions):
		status = http.StatusForbidden
	case errors.Is(err, iam.ErrUnsupportedProvider):
		status = http.StatusBadRequest
	case errors.Is(err, iam.ErrOAuth):
		status = http.StatusBadGateway
	case errors.Is(err, iam.ErrNotFound):
		status = http.StatusNotFound
	default:
		obs.LogEvent("internal_error", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return iam.ErrValidation
	}
	return nil
}
