package pg

import (
	"context"
	"strings"

	"blueroots.org/internal/auth"
	"blueroots.org/internal/ids"
)

const identityColumns = `id, full_name, email, password_hash, is_email_verified, eco_points, refresh_marker, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row scanner) (auth.Identity, error) {
	var id auth.Identity
	err := row.Scan(&id.ID, &id.FullName, &id.Email, &id.PasswordHash, &id.IsEmailVerified,
		&id.EcoPoints, &id.RefreshMarker, &id.CreatedAt, &id.UpdatedAt)
	return id, err
}

func (s *Store) CreateIdentity(ctx context.Context, id *auth.Identity) error {
	if id.ID == "" {
		id.ID = ids.New()
	}
	id.Email = strings.ToLower(strings.TrimSpace(id.Email))
	row := s.conn(ctx).QueryRowContext(ctx, `
		insert into users (id, full_name, email, password_hash, is_email_verified)
		values ($1, $2, $3, $4, $5)
		returning eco_points, created_at, updated_at
	`, id.ID, id.FullName, id.Email, id.PasswordHash, id.IsEmailVerified)
	if err := row.Scan(&id.EcoPoints, &id.CreatedAt, &id.UpdatedAt); err != nil {
		return translate(err)
	}
	return nil
}

func (s *Store) FindIdentity(ctx context.Context, id string) (auth.Identity, error) {
	row := s.conn(ctx).QueryRowContext(ctx,
		`select `+identityColumns+` from users where id = $1`, id)
	ident, err := scanIdentity(row)
	if err != nil {
		return auth.Identity{}, translate(err)
	}
	return ident, nil
}

func (s *Store) FindIdentityByEmail(ctx context.Context, email string) (auth.Identity, error) {
	row := s.conn(ctx).QueryRowContext(ctx,
		`select `+identityColumns+` from users where email = $1`, strings.ToLower(strings.TrimSpace(email)))
	ident, err := scanIdentity(row)
	if err != nil {
		return auth.Identity{}, translate(err)
	}
	return ident, nil
}

func (s *Store) ListIdentities(ctx context.Context, limit, offset int) ([]auth.Identity, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		select `+identityColumns+`
		from users
		order by created_at desc, id desc
		limit $1 offset $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ident)
	}
	return result, rows.Err()
}

func (s *Store) MarkEmailVerified(ctx context.Context, id string) error {
	res, err := s.conn(ctx).ExecContext(ctx,
		`update users set is_email_verified = true, updated_at = now() where id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	res, err := s.conn(ctx).ExecContext(ctx,
		`update users set password_hash = $2, updated_at = now() where id = $1`, id, hash)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) SetRefreshMarker(ctx context.Context, id, marker string) error {
	res, err := s.conn(ctx).ExecContext(ctx,
		`update users set refresh_marker = $2, updated_at = now() where id = $1`, id, marker)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) AddEcoPoints(ctx context.Context, id string, delta int) error {
	res, err := s.conn(ctx).ExecContext(ctx,
		`update users set eco_points = eco_points + $2, updated_at = now() where id = $1`, id, delta)
	if err != nil {
		return err
	}
	return requireAffected(res)
}
