package auth

import (
	"context"
	"sync"
)

type identityContextKey struct{}
type roleCacheContextKey struct{}

// ContextWithIdentity attaches a sanitized snapshot of id to the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	snapshot := id.Sanitized()
	return context.WithValue(ctx, identityContextKey{}, &snapshot)
}

// IdentityFromContext extracts the authenticated identity from the context.
// The returned value is a copy; mutating it has no effect on the request.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	v, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || v == nil {
		return Identity{}, false
	}
	return *v, true
}

// RoleResolver loads the roles assigned to an identity.
type RoleResolver interface {
	ResolveRoles(ctx context.Context, identityID string) (RoleSet, error)
}

type roleCache struct {
	mu   sync.Mutex
	sets map[string]RoleSet
}

// WithRoleCache returns a context that memoises role lookups for the lifetime
// of one request. It is a no-op if ctx already carries a cache.
func WithRoleCache(ctx context.Context) context.Context {
	if _, ok := ctx.Value(roleCacheContextKey{}).(*roleCache); ok {
		return ctx
	}
	return context.WithValue(ctx, roleCacheContextKey{}, &roleCache{sets: make(map[string]RoleSet)})
}

// RolesFor resolves identityID's roles, consulting the request cache first.
func RolesFor(ctx context.Context, resolver RoleResolver, identityID string) (RoleSet, error) {
	cache, _ := ctx.Value(roleCacheContextKey{}).(*roleCache)
	if cache != nil {
		cache.mu.Lock()
		set, ok := cache.sets[identityID]
		cache.mu.Unlock()
		if ok {
			return set, nil
		}
	}
	set, err := resolver.ResolveRoles(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if set == nil {
		set = RoleSet{}
	}
	if cache != nil {
		cache.mu.Lock()
		cache.sets[identityID] = set
		cache.mu.Unlock()
	}
	return set, nil
}
