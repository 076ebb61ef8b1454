package users

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"blueroots.org/internal/audit"
	"blueroots.org/internal/auth"
	"blueroots.org/internal/ids"
	"blueroots.org/internal/store"
)

const (
	codeDigits      = 6
	maxCodeAttempts = 5
	defaultCodeTTL  = 15 * time.Minute
	maxNameLength   = 120
	maxListLimit    = 100
)

// Service implements the account flows on top of Store. It never opens
// transactions itself: callers running inside a request transaction get
// all-or-nothing behaviour for free.
type Service struct {
	store    Store
	creds    *auth.CredentialService
	notifier Notifier
	audit    *audit.Logger
	log      *zap.Logger

	now                  func() time.Time
	codeTTL              time.Duration
	passwordCost         int
	requireRefreshMarker bool
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithCodeTTL sets how long one-time codes stay valid.
func WithCodeTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.codeTTL = ttl
		}
	}
}

// WithPasswordCost sets the bcrypt cost.
func WithPasswordCost(cost int) Option {
	return func(s *Service) { s.passwordCost = cost }
}

// WithStoredRefreshMarker makes Refresh require the refresh token to match the
// marker stored at login, so logout revokes outstanding refresh tokens.
func WithStoredRefreshMarker(required bool) Option {
	return func(s *Service) { s.requireRefreshMarker = required }
}

// WithAudit sets the audit logger.
func WithAudit(l *audit.Logger) Option {
	return func(s *Service) { s.audit = l }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func NewService(st Store, creds *auth.CredentialService, notifier Notifier, opts ...Option) (*Service, error) {
	if st == nil || creds == nil || notifier == nil {
		return nil, errors.New("users: store, credentials and notifier are required")
	}
	s := &Service{
		store:    st,
		creds:    creds,
		notifier: notifier,
		log:      zap.NewNop(),
		now:      time.Now,
		codeTTL:  defaultCodeTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register creates the identity, its CITIZEN role and an email verification
// code. The verification email goes out after the transaction commits.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Profile, error) {
	name := strings.TrimSpace(in.FullName)
	if name == "" {
		return Profile{}, invalid("full name is required")
	}
	if len(name) > maxNameLength {
		return Profile{}, invalid("full name must be at most %d characters", maxNameLength)
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return Profile{}, err
	}
	if err := validatePassword(in.Password); err != nil {
		return Profile{}, err
	}
	if in.Role != "" {
		role, ok := auth.ParseRole(in.Role)
		if !ok {
			return Profile{}, invalid("unknown role %q", in.Role)
		}
		if role != auth.RoleCitizen {
			return Profile{}, invalid("role %s cannot be self-assigned", role)
		}
	}

	hash, err := s.hash(in.Password)
	if err != nil {
		return Profile{}, err
	}
	identity := auth.Identity{FullName: name, Email: email, PasswordHash: hash}
	if err := s.store.CreateIdentity(ctx, &identity); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return Profile{}, fmt.Errorf("%w: email already registered", store.ErrConflict)
		}
		return Profile{}, fmt.Errorf("create identity: %w", err)
	}
	if _, err := s.store.AssignRole(ctx, identity.ID, auth.RoleCitizen); err != nil {
		return Profile{}, fmt.Errorf("assign default role: %w", err)
	}
	if err := s.issueCode(ctx, identity, PurposeEmailVerification); err != nil {
		return Profile{}, err
	}
	return Profile{Identity: identity.Sanitized(), Roles: []auth.RoleName{auth.RoleCitizen}}, nil
}

// Login checks the password, requires a verified email and records the
// refresh marker.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return Session{}, invalid("email and password are required")
	}
	identity, err := s.store.FindIdentityByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, auth.ErrInvalidCredentials
		}
		return Session{}, fmt.Errorf("load identity: %w", err)
	}
	if !auth.PasswordMatches(identity.PasswordHash, password) {
		return Session{}, auth.ErrInvalidCredentials
	}
	if !identity.IsEmailVerified {
		return Session{}, auth.ErrEmailNotVerified
	}

	sess, err := s.session(ctx, identity)
	if err != nil {
		return Session{}, err
	}
	refresh, refreshExp, err := s.creds.IssueRefreshToken(identity)
	if err != nil {
		return Session{}, err
	}
	if err := s.store.SetRefreshMarker(ctx, identity.ID, auth.Fingerprint(refresh)); err != nil {
		return Session{}, fmt.Errorf("store refresh marker: %w", err)
	}
	sess.RefreshToken = refresh
	sess.RefreshExpiresAt = refreshExp
	return sess, nil
}

// Logout clears the stored refresh marker.
func (s *Service) Logout(ctx context.Context, identityID string) error {
	if err := s.store.SetRefreshMarker(ctx, identityID, ""); err != nil {
		return fmt.Errorf("clear refresh marker: %w", err)
	}
	return nil
}

// Refresh exchanges a refresh token for a fresh access token. The refresh
// token itself is not rotated.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	claims, err := s.creds.VerifyToken(refreshToken, auth.RefreshToken)
	if err != nil {
		return Session{}, err
	}
	identity, err := s.store.FindIdentity(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, auth.ErrUnknownIdentity
		}
		return Session{}, fmt.Errorf("load identity: %w", err)
	}
	if s.requireRefreshMarker && !auth.FingerprintMatches(identity.RefreshMarker, strings.TrimSpace(refreshToken)) {
		return Session{}, auth.ErrRefreshTokenRevoked
	}
	return s.session(ctx, identity)
}

// Profile returns the identity with its roles.
func (s *Service) Profile(ctx context.Context, identityID string) (Profile, error) {
	identity, err := s.store.FindIdentity(ctx, identityID)
	if err != nil {
		return Profile{}, err
	}
	roles, err := auth.RolesFor(ctx, s.store, identity.ID)
	if err != nil {
		return Profile{}, fmt.Errorf("resolve roles: %w", err)
	}
	return Profile{Identity: identity.Sanitized(), Roles: roles.Names()}, nil
}

// VerifyEmail consumes a verification code and marks the email verified.
func (s *Service) VerifyEmail(ctx context.Context, email, code string) error {
	identity, err := s.identityForCode(ctx, email, code)
	if err != nil {
		return err
	}
	if identity.IsEmailVerified {
		return invalid("email is already verified")
	}
	if err := s.consume(ctx, identity, PurposeEmailVerification, code); err != nil {
		return err
	}
	if err := s.store.MarkEmailVerified(ctx, identity.ID); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	return nil
}

// ResendVerification replaces any outstanding verification code. Unknown
// addresses succeed silently.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	identity, err := s.store.FindIdentityByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	if identity.IsEmailVerified {
		return invalid("email is already verified")
	}
	return s.issueCode(ctx, identity, PurposeEmailVerification)
}

// ForgotPassword sends a reset code. Unknown addresses succeed silently.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	identity, err := s.store.FindIdentityByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		s.log.Debug("password reset requested for unknown email")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	return s.issueCode(ctx, identity, PurposePasswordReset)
}

// ResetPassword consumes a reset code, sets the new password and revokes the
// stored refresh marker.
func (s *Service) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	identity, err := s.identityForCode(ctx, email, code)
	if err != nil {
		return err
	}
	if err := s.consume(ctx, identity, PurposePasswordReset, code); err != nil {
		return err
	}
	if err := s.setPassword(ctx, identity.ID, newPassword); err != nil {
		return err
	}
	return s.audit.Record(ctx, "password.reset", zap.String("identity_id", identity.ID))
}

// ChangePassword requires the current password.
func (s *Service) ChangePassword(ctx context.Context, identityID, current, next string) error {
	if err := validatePassword(next); err != nil {
		return err
	}
	identity, err := s.store.FindIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	if !auth.PasswordMatches(identity.PasswordHash, current) {
		return auth.ErrInvalidCredentials
	}
	if current == next {
		return invalid("new password must differ from the current one")
	}
	if err := s.setPassword(ctx, identity.ID, next); err != nil {
		return err
	}
	return s.audit.Record(ctx, "password.changed", zap.String("identity_id", identity.ID))
}

// ListProfiles pages through identities with their roles.
func (s *Service) ListProfiles(ctx context.Context, limit, offset int) ([]Profile, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	identities, err := s.store.ListIdentities(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	idList := make([]string, 0, len(identities))
	for _, id := range identities {
		idList = append(idList, id.ID)
	}
	roles, err := s.store.RolesByIdentity(ctx, idList)
	if err != nil {
		return nil, err
	}
	out := make([]Profile, 0, len(identities))
	for _, id := range identities {
		r := roles[id.ID]
		if r == nil {
			r = []auth.RoleName{}
		}
		out = append(out, Profile{Identity: id.Sanitized(), Roles: r})
	}
	return out, nil
}

// AssignRole grants role to an identity. A duplicate grant is a conflict.
func (s *Service) AssignRole(ctx context.Context, identityID, roleName string) (auth.RoleAssignment, error) {
	role, ok := auth.ParseRole(roleName)
	if !ok {
		return auth.RoleAssignment{}, invalid("unknown role %q", roleName)
	}
	if _, err := s.store.FindIdentity(ctx, identityID); err != nil {
		return auth.RoleAssignment{}, err
	}
	assignment, err := s.store.AssignRole(ctx, identityID, role)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return auth.RoleAssignment{}, fmt.Errorf("%w: role %s already assigned", store.ErrConflict, role)
		}
		return auth.RoleAssignment{}, err
	}
	if err := s.audit.Record(ctx, "role.assigned",
		zap.String("identity_id", identityID), zap.String("role", string(role))); err != nil {
		return auth.RoleAssignment{}, err
	}
	return assignment, nil
}

// RevokeRole removes a role assignment.
func (s *Service) RevokeRole(ctx context.Context, identityID, roleName string) error {
	role, ok := auth.ParseRole(roleName)
	if !ok {
		return invalid("unknown role %q", roleName)
	}
	if err := s.store.RevokeRole(ctx, identityID, role); err != nil {
		return err
	}
	return s.audit.Record(ctx, "role.revoked",
		zap.String("identity_id", identityID), zap.String("role", string(role)))
}

func (s *Service) session(ctx context.Context, identity auth.Identity) (Session, error) {
	access, accessExp, err := s.creds.IssueAccessToken(identity)
	if err != nil {
		return Session{}, err
	}
	roles, err := auth.RolesFor(ctx, s.store, identity.ID)
	if err != nil {
		return Session{}, fmt.Errorf("resolve roles: %w", err)
	}
	return Session{
		Profile:         Profile{Identity: identity.Sanitized(), Roles: roles.Names()},
		AccessToken:     access,
		AccessExpiresAt: accessExp,
	}, nil
}

func (s *Service) setPassword(ctx context.Context, identityID, password string) error {
	hash, err := s.hash(password)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePasswordHash(ctx, identityID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := s.store.SetRefreshMarker(ctx, identityID, ""); err != nil {
		return fmt.Errorf("clear refresh marker: %w", err)
	}
	return nil
}

func (s *Service) hash(password string) (string, error) {
	if s.passwordCost > 0 {
		return auth.HashPasswordCost(password, s.passwordCost)
	}
	return auth.HashPassword(password)
}

// issueCode replaces outstanding codes for purpose and schedules the email
// for after commit.
func (s *Service) issueCode(ctx context.Context, identity auth.Identity, purpose CodePurpose) error {
	code, err := ids.NewCode(codeDigits)
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}
	if err := s.store.DiscardCodes(ctx, identity.ID, purpose); err != nil {
		return fmt.Errorf("discard codes: %w", err)
	}
	now := s.now().UTC()
	err = s.store.SaveCode(ctx, VerificationCode{
		ID:         ids.New(),
		IdentityID: identity.ID,
		Purpose:    purpose,
		CodeHash:   codeHash(identity.ID, code),
		ExpiresAt:  now.Add(s.codeTTL),
		CreatedAt:  now,
	})
	if err != nil {
		return fmt.Errorf("save code: %w", err)
	}

	to, name, ttl := identity.Email, identity.FullName, s.codeTTL.String()
	store.AfterCommit(ctx, func(ctx context.Context) {
		var err error
		switch purpose {
		case PurposePasswordReset:
			err = s.notifier.SendPasswordReset(ctx, to, name, code, ttl)
		default:
			err = s.notifier.SendVerification(ctx, to, name, code, ttl)
		}
		if err != nil {
			s.log.Error("send account email",
				zap.String("purpose", string(purpose)),
				zap.String("identity_id", identity.ID),
				zap.Error(err),
			)
		}
	})
	return nil
}

func (s *Service) identityForCode(ctx context.Context, email, code string) (auth.Identity, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return auth.Identity{}, err
	}
	if len(strings.TrimSpace(code)) != codeDigits {
		return auth.Identity{}, ErrInvalidCode
	}
	identity, err := s.store.FindIdentityByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return auth.Identity{}, ErrInvalidCode
	}
	if err != nil {
		return auth.Identity{}, fmt.Errorf("load identity: %w", err)
	}
	return identity, nil
}

func (s *Service) consume(ctx context.Context, identity auth.Identity, purpose CodePurpose, code string) error {
	now := s.now().UTC()
	err := s.store.ConsumeCode(ctx, identity.ID, purpose, codeHash(identity.ID, strings.TrimSpace(code)), now)
	if errors.Is(err, store.ErrNotFound) {
		// The request transaction aborts on this error, so the attempt is
		// recorded outside it.
		if err := s.store.RecordCodeFailure(store.Detach(ctx), identity.ID, purpose, maxCodeAttempts, now); err != nil {
			s.log.Error("record code failure",
				zap.String("purpose", string(purpose)),
				zap.String("identity_id", identity.ID),
				zap.Error(err),
			)
		}
		return ErrInvalidCode
	}
	if err != nil {
		return fmt.Errorf("consume code: %w", err)
	}
	return nil
}

func codeHash(identityID, code string) string {
	return auth.Fingerprint(identityID + ":" + code)
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", invalid("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", invalid("email %q is not a valid address", raw)
	}
	return email, nil
}

func validatePassword(password string) error {
	if len(password) < auth.MinPasswordLength {
		return invalid("password must be at least %d characters", auth.MinPasswordLength)
	}
	if len(password) > 72 {
		return invalid("password must be at most 72 bytes")
	}
	return nil
}
