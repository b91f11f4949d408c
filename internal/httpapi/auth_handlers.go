package httpapi

import (
	"errors"
	"net/http"

	"identra.org/internal/audit"
	"identra.org/internal/iam"
	"identra.org/internal/obs"
)

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, err := a.svc.Register(r.Context(), iam.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	audit.Record(audit.UserRegistered, map[string]any{"user_id": u.ID, "email": u.Email})
	writeJSON(w, http.StatusCreated, u)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	User      *iam.User     `json:"user"`
	Tokens    iam.TokenPair `json:"tokens"`
	IsNewUser bool          `json:"is_new_user,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := a.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		obs.AuthAttempt("password", outcomeOf(err))
		writeError(w, err)
		return
	}
	obs.AuthAttempt("password", "ok")
	audit.Record(audit.UserLoggedIn, map[string]any{"user_id": res.User.ID, "flow": "password"})
	writeJSON(w, http.StatusOK, loginResponse{User: res.User, Tokens: res.Tokens})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := a.svc.Logout(r.Context(), req.RefreshToken); err != nil {
		writeError(w, err)
		return
	}
	audit.Record(audit.SessionRevoked, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	p, _ := iam.PrincipalFromContext(r.Context())
	if err := a.svc.LogoutAll(r.Context(), p.UserID); err != nil {
		writeError(w, err)
		return
	}
	audit.Record(audit.SessionRevoked, map[string]any{"user_id": p.UserID, "scope": "all"})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := a.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		obs.AuthAttempt("refresh", outcomeOf(err))
		writeError(w, err)
		return
	}
	obs.AuthAttempt("refresh", "ok")
	audit.Record(audit.SessionRefreshed, map[string]any{"user_id": res.User.ID})
	writeJSON(w, http.StatusOK, loginResponse{User: res.User, Tokens: res.Tokens})
}

type otpRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (a *API) handleOTPRequest(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	code, err := a.svc.RequestOTP(r.Context(), req.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	audit.Record(audit.OTPRequested, map[string]any{"email": iam.NormalizeEmail(req.Email)})
	body := map[string]string{"status": "sent"}
	if a.otpEcho {
		body["code"] = code
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) handleOTPVerify(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := a.svc.VerifyOTP(r.Context(), req.Email, req.Code)
	if err != nil {
		obs.AuthAttempt("otp", outcomeOf(err))
		writeError(w, err)
		return
	}
	obs.AuthAttempt("otp", "ok")
	audit.Record(audit.OTPVerified, map[string]any{"user_id": res.User.ID, "new_user": res.IsNewUser})
	writeJSON(w, http.StatusOK, loginResponse{User: res.User, Tokens: res.Tokens, IsNewUser: res.IsNewUser})
}

type oauthRequest struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri"`
}

func (a *API) handleOAuthLogin(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	var req oauthRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := a.svc.LoginWithOAuth(r.Context(), provider, req.Code, req.RedirectURI)
	if err != nil {
		obs.AuthAttempt("oauth", outcomeOf(err))
		writeError(w, err)
		return
	}
	obs.AuthAttempt("oauth", "ok")
	audit.Record(audit.OAuthLoggedIn, map[string]any{
		"user_id": res.User.ID, "provider": provider, "new_user": res.IsNewUser,
	})
	writeJSON(w, http.StatusOK, loginResponse{User: res.User, Tokens: res.Tokens, IsNewUser: res.IsNewUser})
}

func (a *API) handleListOAuthAccounts(w http.ResponseWriter, r *http.Request) {
	p, _ := iam.PrincipalFromContext(r.Context())
	accounts, err := a.svc.ListOAuthAccounts(r.Context(), p.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if accounts == nil {
		accounts = []*iam.OAuthAccount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (a *API) handleUnlinkOAuth(w http.ResponseWriter, r *http.Request) {
	p, _ := iam.PrincipalFromContext(r.Context())
	provider := r.PathValue("provider")
	if err := a.svc.UnlinkOAuth(r.Context(), p.UserID, provider); err != nil {
		writeError(w, err)
		return
	}
	audit.Record(audit.OAuthUnlinked, map[string]any{"user_id": p.UserID, "provider": provider})
	writeJSON(w, http.StatusOK, map[string]string{"status": "unlinked"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := iam.PrincipalFromContext(r.Context())
	u, err := a.svc.GetUser(r.Context(), p.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// outcomeOf separates credential rejections from infrastructure
// failures in the attempt metric.
func outcomeOf(err error) string {
	switch {
	case errors.Is(err, iam.ErrInvalidCredentials),
		errors.Is(err, iam.ErrTokenExpired),
		errors.Is(err, iam.ErrInvalidOTP),
		errors.Is(err, iam.ErrInvalidAPIKey),
		errors.Is(err, iam.ErrUnsupportedProvider),
		errors.Is(err, iam.ErrOAuth),
		errors.Is(err, iam.ErrValidation):
		return "denied"
	default:
		return "error"
	}
}
