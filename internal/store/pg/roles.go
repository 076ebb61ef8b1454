package pg

import (
	"context"
	"fmt"
	"strings"

	"blueroots.org/internal/auth"
)

// EnsureRoles inserts the builtin roles if they are missing.
func (s *Store) EnsureRoles(ctx context.Context) error {
	for _, role := range auth.BuiltinRoles {
		if _, err := s.conn(ctx).ExecContext(ctx,
			`insert into roles (name) values ($1) on conflict (name) do nothing`, string(role)); err != nil {
			return fmt.Errorf("ensure role %s: %w", role, err)
		}
	}
	return nil
}

// AssignRole links an identity to a role. The pair is unique; a duplicate
// returns store.ErrConflict.
func (s *Store) AssignRole(ctx context.Context, identityID string, role auth.RoleName) (auth.RoleAssignment, error) {
	a := auth.RoleAssignment{IdentityID: identityID, Role: role}
	row := s.conn(ctx).QueryRowContext(ctx, `
		insert into user_roles (user_id, role)
		values ($1, $2)
		returning created_at
	`, identityID, string(role))
	if err := row.Scan(&a.CreatedAt); err != nil {
		return auth.RoleAssignment{}, translate(err)
	}
	return a, nil
}

func (s *Store) RevokeRole(ctx context.Context, identityID string, role auth.RoleName) error {
	res, err := s.conn(ctx).ExecContext(ctx,
		`delete from user_roles where user_id = $1 and role = $2`, identityID, string(role))
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) ResolveRoles(ctx context.Context, identityID string) (auth.RoleSet, error) {
	rows, err := s.conn(ctx).QueryContext(ctx,
		`select role from user_roles where user_id = $1`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := auth.RoleSet{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		set[auth.RoleName(name)] = struct{}{}
	}
	return set, rows.Err()
}

// RolesByIdentity loads the roles of several identities in one query.
func (s *Store) RolesByIdentity(ctx context.Context, identityIDs []string) (map[string][]auth.RoleName, error) {
	result := make(map[string][]auth.RoleName, len(identityIDs))
	if len(identityIDs) == 0 {
		return result, nil
	}
	placeholders := make([]string, len(identityIDs))
	args := make([]any, len(identityIDs))
	for i, id := range identityIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `
		select user_id, role
		from user_roles
		where user_id in (`+strings.Join(placeholders, ", ")+`)
		order by user_id, role
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, role string
		if err := rows.Scan(&id, &role); err != nil {
			return nil, err
		}
		result[id] = append(result[id], auth.RoleName(role))
	}
	return result, rows.Err()
}
