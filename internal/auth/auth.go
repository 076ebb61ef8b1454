package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer     = "blueroots"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// TokenClass separates short-lived access tokens from refresh tokens. Each
// class is signed with its own key.
type TokenClass string

const (
	AccessToken  TokenClass = "access"
	RefreshToken TokenClass = "refresh"
)

// Claims represents JWT claims used across the service. Profile fields are
// only populated on access tokens.
type Claims struct {
	Class    TokenClass `json:"typ"`
	Email    string     `json:"email,omitempty"`
	FullName string     `json:"name,omitempty"`
	Verified bool       `json:"email_verified,omitempty"`
	jwt.RegisteredClaims
}

// CredentialConfig holds the signing material and lifetimes.
type CredentialConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// CredentialService issues and verifies identity tokens.
type CredentialService struct {
	accessKey  []byte
	refreshKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string
	now        func() time.Time
}

// CredentialOption configures CredentialService behavior.
type CredentialOption func(*CredentialService)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) CredentialOption {
	return func(s *CredentialService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewCredentialService validates cfg and constructs the service.
func NewCredentialService(cfg CredentialConfig, opts ...CredentialOption) (*CredentialService, error) {
	access := strings.TrimSpace(cfg.AccessSecret)
	refresh := strings.TrimSpace(cfg.RefreshSecret)
	if access == "" || refresh == "" {
		return nil, errors.New("auth: access and refresh secrets are required")
	}
	if access == refresh {
		return nil, ErrIdenticalTokenSecret
	}
	svc := &CredentialService{
		accessKey:  []byte(access),
		refreshKey: []byte(refresh),
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		issuer:     defaultIssuer,
		now:        time.Now,
	}
	if cfg.AccessTTL > 0 {
		svc.accessTTL = cfg.AccessTTL
	}
	if cfg.RefreshTTL > 0 {
		svc.refreshTTL = cfg.RefreshTTL
	}
	if issuer := strings.TrimSpace(cfg.Issuer); issuer != "" {
		svc.issuer = issuer
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

func (s *CredentialService) AccessTTL() time.Duration  { return s.accessTTL }
func (s *CredentialService) RefreshTTL() time.Duration { return s.refreshTTL }

// IssueAccessToken signs a short-lived token carrying the identity id and the
// profile fields the client displays.
func (s *CredentialService) IssueAccessToken(id Identity) (string, time.Time, error) {
	claims := s.baseClaims(id.ID, AccessToken, s.accessTTL)
	claims.Email = id.Email
	claims.FullName = id.FullName
	claims.Verified = id.IsEmailVerified
	return s.sign(claims, s.accessKey)
}

// IssueRefreshToken signs a long-lived token carrying only the identity id.
func (s *CredentialService) IssueRefreshToken(id Identity) (string, time.Time, error) {
	return s.sign(s.baseClaims(id.ID, RefreshToken, s.refreshTTL), s.refreshKey)
}

// VerifyToken checks signature, issuer, expiry and class. Every failure is
// reported as ErrInvalidToken.
func (s *CredentialService) VerifyToken(token string, class TokenClass) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingCredential
	}
	key, err := s.keyFor(class)
	if err != nil {
		return nil, err
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Class != class || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *CredentialService) baseClaims(subject string, class TokenClass, ttl time.Duration) Claims {
	now := s.now().UTC()
	return Claims{
		Class: class,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
}

func (s *CredentialService) sign(claims Claims, key []byte) (string, time.Time, error) {
	if strings.TrimSpace(claims.Subject) == "" {
		return "", time.Time{}, errors.New("auth: identity id is required")
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

func (s *CredentialService) keyFor(class TokenClass) ([]byte, error) {
	switch class {
	case AccessToken:
		return s.accessKey, nil
	case RefreshToken:
		return s.refreshKey, nil
	default:
		return nil, fmt.Errorf("auth: unknown token class %q", class)
	}
}
