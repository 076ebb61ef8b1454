package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestCredentials(t *testing.T, opts ...CredentialOption) *CredentialService {
	t.Helper()
	svc, err := NewCredentialService(CredentialConfig{
		AccessSecret:  "access-secret-for-tests",
		RefreshSecret: "refresh-secret-for-tests",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "blueroots-test",
	}, opts...)
	require.NoError(t, err)
	return svc
}

func TestCredentialServiceRoundTrip(t *testing.T) {
	svc := newTestCredentials(t)
	id := Identity{ID: "u1", Email: "ada@example.org", FullName: "Ada", IsEmailVerified: true}

	access, exp, err := svc.IssueAccessToken(id)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), exp, 2*time.Second)

	claims, err := svc.VerifyToken(access, AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "ada@example.org", claims.Email)
	assert.Equal(t, "blueroots-test", claims.Issuer)
	assert.True(t, claims.Verified)

	refresh, _, err := svc.IssueRefreshToken(id)
	require.NoError(t, err)
	claims, err = svc.VerifyToken(refresh, RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Empty(t, claims.Email, "refresh tokens carry only the id")
}

func TestTokenClassesAreNotInterchangeable(t *testing.T) {
	svc := newTestCredentials(t)
	id := Identity{ID: "u1"}

	access, _, err := svc.IssueAccessToken(id)
	require.NoError(t, err)
	refresh, _, err := svc.IssueRefreshToken(id)
	require.NoError(t, err)

	_, err = svc.VerifyToken(refresh, AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.VerifyToken(access, RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredTokenIsRejected(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour)
	issuer := newTestCredentials(t, WithClock(func() time.Time { return past }))
	verifier := newTestCredentials(t)

	token, _, err := issuer.IssueAccessToken(Identity{ID: "u1"})
	require.NoError(t, err)

	_, err = verifier.VerifyToken(token, AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenSignedWithForeignKeyIsRejected(t *testing.T) {
	other, err := NewCredentialService(CredentialConfig{
		AccessSecret:  "some-other-access-secret",
		RefreshSecret: "some-other-refresh-secret",
		Issuer:        "blueroots-test",
	})
	require.NoError(t, err)
	token, _, err := other.IssueAccessToken(Identity{ID: "u1"})
	require.NoError(t, err)

	_, err = newTestCredentials(t).VerifyToken(token, AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = newTestCredentials(t).VerifyToken("", AccessToken)
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestCredentialServiceRequiresDistinctSecrets(t *testing.T) {
	_, err := NewCredentialService(CredentialConfig{AccessSecret: "same", RefreshSecret: "same"})
	assert.ErrorIs(t, err, ErrIdenticalTokenSecret)

	_, err = NewCredentialService(CredentialConfig{AccessSecret: "only-one"})
	assert.Error(t, err)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPasswordCost("correct horse", bcrypt.MinCost)
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse", hash)
	assert.True(t, PasswordMatches(hash, "correct horse"))
	assert.False(t, PasswordMatches(hash, "battery staple"))
	assert.False(t, PasswordMatches("", "correct horse"))

	again, err := HashPasswordCost("correct horse", bcrypt.MinCost)
	require.NoError(t, err)
	assert.NotEqual(t, hash, again, "hashes are salted")

	_, err = HashPassword("")
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("token-value")
	assert.Len(t, fp, 64)
	assert.True(t, FingerprintMatches(fp, "token-value"))
	assert.False(t, FingerprintMatches(fp, "other"))
	assert.False(t, FingerprintMatches("", "token-value"))
}

func TestErrorsCarryClass(t *testing.T) {
	assert.True(t, errors.Is(ErrInsufficientRole, ErrForbidden))
	assert.False(t, errors.Is(ErrInsufficientRole, ErrUnauthorized))
	assert.Equal(t, "insufficient permissions", ErrInsufficientRole.Error())
}

func TestContextIdentityIsSanitizedSnapshot(t *testing.T) {
	ctx := ContextWithIdentity(context.Background(), Identity{ID: "u1", PasswordHash: "h", RefreshMarker: "m"})
	got, ok := IdentityFromContext(ctx)
	require.True(t, ok)
	assert.Empty(t, got.PasswordHash)
	assert.Empty(t, got.RefreshMarker)

	got.FullName = "changed"
	again, _ := IdentityFromContext(ctx)
	assert.Empty(t, again.FullName)

	_, ok = IdentityFromContext(context.Background())
	assert.False(t, ok)
}

func TestRoleSet(t *testing.T) {
	set := NewRoleSet(RoleNGO, RoleGovernment, "")
	assert.Len(t, set, 2)
	assert.True(t, set.Intersects(NewRoleSet(RoleNGO)))
	assert.False(t, set.Intersects(NewRoleSet(RoleCitizen)))
	assert.False(t, set.Intersects(RoleSet{}))
	assert.Equal(t, []RoleName{RoleGovernment, RoleNGO}, set.Names())

	role, ok := ParseRole(" ngo ")
	assert.True(t, ok)
	assert.Equal(t, RoleNGO, role)
	_, ok = ParseRole("ADMIN")
	assert.False(t, ok)
}
