package httpapi

import (
	"net/http"
	"strings"

	"identra.org/internal/audit"
	"identra.org/internal/iam"
	"identra.org/internal/obs"
)

// public wraps an open endpoint. If credentials are present anyway they
// are resolved so handlers can still see the caller, but failures do
// not block the request.
func (a *API) public(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, err := a.authenticate(r); err == nil {
			r = r.WithContext(iam.ContextWithPrincipal(r.Context(), p))
		}
		h(w, r)
	})
}

// protected authenticates the caller and applies the policy before the
// handler runs.
func (a *API) protected(h http.HandlerFunc, policy iam.Policy) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.authenticate(r)
		if err != nil {
			obs.AuthAttempt(flowOf(r), "denied")
			writeError(w, err)
			return
		}
		if err := a.eval.Authorize(r.Context(), p, policy); err != nil {
			obs.AuthAttempt(flowOf(r), "denied")
			audit.Record(audit.AccessDenied, map[string]any{
				"user_id": p.UserID, "method": r.Method, "path": r.URL.Path,
			})
			writeError(w, err)
			return
		}
		h(w, r.WithContext(iam.ContextWithPrincipal(r.Context(), p)))
	})
}

// authenticate resolves the caller from either the X-Api-Key header or
// an Authorization bearer value. Bearer values carrying the API-key
// prefix are treated as keys so both placements work.
func (a *API) authenticate(r *http.Request) (*iam.Principal, error) {
	ctx := r.Context()
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return a.svc.AuthenticateAPIKey(ctx, key)
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return nil, iam.ErrInvalidCredentials
	}
	cred := strings.TrimSpace(auth[len(prefix):])
	if cred == "" {
		return nil, iam.ErrInvalidCredentials
	}
	if strings.HasPrefix(cred, iam.APIKeyPrefix) {
		return a.svc.AuthenticateAPIKey(ctx, cred)
	}
	return a.svc.AuthenticateToken(ctx, cred)
}

func flowOf(r *http.Request) string {
	if r.Header.Get("X-Api-Key") != "" ||
		strings.HasPrefix(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "), iam.APIKeyPrefix) {
		return "api_key"
	}
	return "token"
}
