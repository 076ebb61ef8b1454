package httpapi

import (
	"net/http"
	"strings"
	"time"

	"blueroots.org/internal/users"
)

type sessionResponse struct {
	User            users.Profile `json:"user"`
	AccessToken     string        `json:"accessToken"`
	ExpiresAt       time.Time     `json:"expiresAt"`
	RefreshToken    string        `json:"refreshToken,omitempty"`
	RefreshExpireAt *time.Time    `json:"refreshExpiresAt,omitempty"`
}

func newSessionResponse(s users.Session) sessionResponse {
	resp := sessionResponse{
		User:        s.Profile,
		AccessToken: s.AccessToken,
		ExpiresAt:   s.AccessExpiresAt,
	}
	if s.RefreshToken != "" {
		exp := s.RefreshExpiresAt
		resp.RefreshToken = s.RefreshToken
		resp.RefreshExpireAt = &exp
	}
	return resp
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type codeRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"newPassword,omitempty"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	var req users.RegisterInput
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	profile, err := a.users.Register(r.Context(), req)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, "registration successful, check your email for a verification code", profile)
}

func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	sess, err := a.users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.setSessionCookies(w, sess)
	respond(w, http.StatusOK, "login successful", newSessionResponse(sess))
}

func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.users.Logout(r.Context(), id.ID); err != nil {
		a.respondError(w, r, err)
		return
	}
	a.clearSessionCookies(w)
	respond(w, http.StatusOK, "logged out", nil)
}

// RefreshToken accepts the refresh token from the JSON body or, failing
// that, from the refresh cookie.
func (a *API) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			a.respondError(w, r, err)
			return
		}
	}
	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		if c, err := r.Cookie(refreshTokenCookie); err == nil {
			token = c.Value
		}
	}
	sess, err := a.users.Refresh(r.Context(), token)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.setSessionCookies(w, sess)
	respond(w, http.StatusOK, "token refreshed", newSessionResponse(sess))
}

func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	profile, err := a.users.Profile(r.Context(), id.ID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, "profile", profile)
}

func (a *API) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.users.VerifyEmail(r.Context(), req.Email, req.Code); err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, "email verified", nil)
}

func (a *API) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.users.ResendVerification(r.Context(), req.Email); err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, "if the account exists and is unverified, a new code has been sent", nil)
}

func (a *API) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.users.ForgotPassword(r.Context(), req.Email); err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, "if the account exists, a reset code has been sent", nil)
}

func (a *API) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.users.ResetPassword(r.Context(), req.Email, req.Code, req.NewPassword); err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, "password has been reset", nil)
}

func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.users.ChangePassword(r.Context(), id.ID, req.CurrentPassword, req.NewPassword); err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, "password changed", nil)
}
