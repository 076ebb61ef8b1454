package auth

import (
	"context"
	"errors"
	"fmt"

	"blueroots.org/internal/store"
)

// IdentityFinder loads identities by id.
type IdentityFinder interface {
	FindIdentity(ctx context.Context, id string) (Identity, error)
}

// Authorizer resolves a bearer credential into an identity and enforces an
// optional role requirement. It never writes.
type Authorizer struct {
	credentials *CredentialService
	identities  IdentityFinder
	roles       RoleResolver
}

func NewAuthorizer(credentials *CredentialService, identities IdentityFinder, roles RoleResolver) (*Authorizer, error) {
	if credentials == nil || identities == nil || roles == nil {
		return nil, errors.New("auth: credentials, identities and roles are required")
	}
	return &Authorizer{credentials: credentials, identities: identities, roles: roles}, nil
}

// Authorize runs the checks in order: credential present, token valid,
// identity exists, and, when required is non-empty, role intersection.
func (a *Authorizer) Authorize(ctx context.Context, token string, required RoleSet) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingCredential
	}
	claims, err := a.credentials.VerifyToken(token, AccessToken)
	if err != nil {
		return Identity{}, err
	}
	id, err := a.identities.FindIdentity(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Identity{}, ErrUnknownIdentity
		}
		return Identity{}, fmt.Errorf("load identity: %w", err)
	}
	if len(required) == 0 {
		return id.Sanitized(), nil
	}
	held, err := RolesFor(ctx, a.roles, id.ID)
	if err != nil {
		return Identity{}, fmt.Errorf("resolve roles: %w", err)
	}
	if !held.Intersects(required) {
		return Identity{}, ErrInsufficientRole
	}
	return id.Sanitized(), nil
}
