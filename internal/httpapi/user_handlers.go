package httpapi

import (
	"net/http"
	"strconv"

	"identra.org/internal/audit"
	"identra.org/internal/iam"
)

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	users, total, err := a.svc.ListUsers(r.Context(), offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if users == nil {
		users = []*iam.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "total": total})
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := a.svc.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type updateUserRequest struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Active    *bool   `json:"is_active"`
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	u, err := a.svc.UpdateUser(r.Context(), id, iam.UserUpdate{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Active:    req.Active,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	audit.Record(audit.UserUpdated, map[string]any{"user_id": id})
	writeJSON(w, http.StatusOK, u)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.svc.DeleteUser(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	audit.Record(audit.UserDeleted, map[string]any{"user_id": id})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.svc.ListRoles(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if roles == nil {
		roles = []*iam.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}
