package pg

import (
	"context"
	"time"

	"blueroots.org/internal/users"
)

func (s *Store) SaveCode(ctx context.Context, code users.VerificationCode) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		insert into verification_codes (id, user_id, purpose, code_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, code.ID, code.IdentityID, string(code.Purpose), code.CodeHash, code.ExpiresAt, code.CreatedAt)
	return translate(err)
}

// ConsumeCode marks a live matching code as used. Unknown, expired and
// already used codes all return store.ErrNotFound.
func (s *Store) ConsumeCode(ctx context.Context, identityID string, purpose users.CodePurpose, codeHash string, now time.Time) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		update verification_codes
		set consumed_at = $4
		where user_id = $1 and purpose = $2 and code_hash = $3
		  and consumed_at is null and expires_at > $4
	`, identityID, string(purpose), codeHash, now)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) DiscardCodes(ctx context.Context, identityID string, purpose users.CodePurpose) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		update verification_codes
		set consumed_at = now()
		where user_id = $1 and purpose = $2 and consumed_at is null
	`, identityID, string(purpose))
	return err
}

func (s *Store) RecordCodeFailure(ctx context.Context, identityID string, purpose users.CodePurpose, maxAttempts int, now time.Time) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		update verification_codes
		set attempts = attempts + 1,
		    consumed_at = case when attempts + 1 >= $3 then $4 else consumed_at end
		where user_id = $1 and purpose = $2
		  and consumed_at is null and expires_at > $4
	`, identityID, string(purpose), maxAttempts, now)
	return err
}
