package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"blueroots.org/internal/auth"
	"blueroots.org/internal/obs"
)

// AuthorizationStage resolves the caller's identity and, when roles are
// given, requires at least one of them. It runs inside the transaction stage
// and only reads.
func AuthorizationStage(authz *auth.Authorizer, respondError func(http.ResponseWriter, *http.Request, error), roles ...auth.RoleName) Stage {
	required := auth.NewRoleSet(roles...)
	wrap := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithRoleCache(r.Context())
			id, err := authz.Authorize(ctx, credentialFromRequest(r), required)
			if err != nil {
				obs.ObserveAuthRejection(rejectionReason(err))
				respondError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(ctx, id)))
		})
	}
	return Stage{Name: "authorization", rank: rankAuthorization, Wrap: wrap}
}

func (a *API) authorize(roles ...auth.RoleName) Stage {
	return AuthorizationStage(a.authz, a.respondError, roles...)
}

// credentialFromRequest prefers the access token cookie and falls back to an
// Authorization: Bearer header.
func credentialFromRequest(r *http.Request) string {
	if c, err := r.Cookie(accessTokenCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value)
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, auth.ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, auth.ErrUnknownIdentity):
		return "unknown_identity"
	case errors.Is(err, auth.ErrInsufficientRole):
		return "insufficient_role"
	default:
		return "error"
	}
}

// identity returns the caller resolved by the authorization stage.
func identity(r *http.Request) (auth.Identity, error) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return auth.Identity{}, auth.ErrMissingCredential
	}
	return id, nil
}
