package httpapi

import (
	"net/http"
	"time"

	"blueroots.org/internal/users"
)

const (
	accessTokenCookie  = "accessToken"
	refreshTokenCookie = "refreshToken"

	// The refresh cookie is only sent to the account endpoints that read it.
	refreshCookiePath = "/v1/users"
)

// setSessionCookies stores the session tokens. The access token stays
// readable by the web client; the refresh token does not.
func (a *API) setSessionCookies(w http.ResponseWriter, s users.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessTokenCookie,
		Value:    s.AccessToken,
		Path:     "/",
		Expires:  s.AccessExpiresAt,
		MaxAge:   maxAge(s.AccessExpiresAt),
		Secure:   a.opts.SecureCookies,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
	if s.RefreshToken == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     refreshTokenCookie,
		Value:    s.RefreshToken,
		Path:     refreshCookiePath,
		Expires:  s.RefreshExpiresAt,
		MaxAge:   maxAge(s.RefreshExpiresAt),
		Secure:   a.opts.SecureCookies,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearSessionCookies(w http.ResponseWriter) {
	for _, c := range []struct{ name, path string }{
		{accessTokenCookie, "/"},
		{refreshTokenCookie, refreshCookiePath},
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    "",
			Path:     c.path,
			MaxAge:   -1,
			Expires:  time.Unix(0, 0),
			Secure:   a.opts.SecureCookies,
			HttpOnly: c.name == refreshTokenCookie,
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func maxAge(exp time.Time) int {
	secs := int(time.Until(exp).Seconds())
	if secs < 1 {
		return -1
	}
	return secs
}
