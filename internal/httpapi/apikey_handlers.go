package httpapi

import (
	"net/http"
	"time"

	"identra.org/internal/audit"
	"identra.org/internal/iam"
)

type createAPIKeyRequest struct {
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type createAPIKeyResponse struct {
	Key *iam.APIKey `json:"key"`
	// Raw is shown exactly once; only its digest is stored.
	Raw string `json:"raw_key"`
}

func (a *API) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	p, _ := iam.PrincipalFromContext(r.Context())
	var req createAPIKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	key, raw, err := a.svc.CreateAPIKey(r.Context(), p.UserID, req.Name, req.Scopes, req.ExpiresAt)
	if err != nil {
		writeError(w, err)
		return
	}
	audit.Record(audit.APIKeyCreated, map[string]any{
		"user_id": p.UserID, "key_id": key.ID, "prefix": key.KeyPrefix,
	})
	writeJSON(w, http.StatusCreated, createAPIKeyResponse{Key: key, Raw: raw})
}

func (a *API) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	p, _ := iam.PrincipalFromContext(r.Context())
	keys, err := a.svc.ListAPIKeys(r.Context(), p.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if keys == nil {
		keys = []*iam.APIKey{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (a *API) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	p, _ := iam.PrincipalFromContext(r.Context())
	id := r.PathValue("id")
	if err := a.svc.RevokeAPIKey(r.Context(), p.UserID, id); err != nil {
		writeError(w, err)
		return
	}
	audit.Record(audit.APIKeyRevoked, map[string]any{"user_id": p.UserID, "key_id": id})
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
