package auth

import (
	"sort"
	"strings"
	"time"
)

// RoleName is a permission tier granted through a role assignment.
type RoleName string

const (
	RoleCitizen    RoleName = "CITIZEN"
	RoleNGO        RoleName = "NGO"
	RoleGovernment RoleName = "GOVERNMENT"
)

// BuiltinRoles lists every role the platform knows about.
var BuiltinRoles = []RoleName{RoleCitizen, RoleNGO, RoleGovernment}

// ParseRole normalises s and reports whether it names a builtin role.
func ParseRole(s string) (RoleName, bool) {
	name := RoleName(strings.ToUpper(strings.TrimSpace(s)))
	for _, r := range BuiltinRoles {
		if r == name {
			return r, true
		}
	}
	return "", false
}

// Identity is an account able to authenticate.
type Identity struct {
	ID              string    `json:"id"`
	FullName        string    `json:"full_name"`
	Email           string    `json:"email"`
	PasswordHash    string    `json:"-"`
	IsEmailVerified bool      `json:"is_email_verified"`
	EcoPoints       int       `json:"eco_points"`
	RefreshMarker   string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Sanitized returns a copy without the credential hash and refresh marker.
func (i Identity) Sanitized() Identity {
	i.PasswordHash = ""
	i.RefreshMarker = ""
	return i
}

// RoleAssignment links an identity to a role. The pair is unique.
type RoleAssignment struct {
	IdentityID string    `json:"user_id"`
	Role       RoleName  `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
}

// RoleSet is an unordered set of role names.
type RoleSet map[RoleName]struct{}

// NewRoleSet builds a set, ignoring blanks.
func NewRoleSet(names ...RoleName) RoleSet {
	set := make(RoleSet, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		set[n] = struct{}{}
	}
	return set
}

func (s RoleSet) Has(name RoleName) bool {
	_, ok := s[name]
	return ok
}

// Intersects reports whether s and other share at least one role.
func (s RoleSet) Intersects(other RoleSet) bool {
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	for n := range small {
		if large.Has(n) {
			return true
		}
	}
	return false
}

// Names returns the roles sorted alphabetically.
func (s RoleSet) Names() []RoleName {
	out := make([]RoleName, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
