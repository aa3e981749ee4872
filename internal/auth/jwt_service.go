package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultAccessTokenTTL defines the fallback validity period for access tokens.
const DefaultAccessTokenTTL = 15 * time.Minute

// JWTConfig bundles the configuration required to build a JWTService.
type JWTConfig struct {
	Secret         string
	Issuer         string
	Audience       []string
	AccessTokenTTL time.Duration
	// Leeway is the clock-skew allowance applied to time-based claims.
	// Zero by default; deployments with drifting hosts may widen it.
	Leeway time.Duration
	Clock  func() time.Time
}

// RoleClaim is one role assignment carried in a token: the application
// section it applies to, the role name, and an optional record scope.
type RoleClaim struct {
	Section   string `json:"section"`
	Role      string `json:"role"`
	SectionID string `json:"section_id,omitempty"`
}

// Claims is the claim set embedded in issued access tokens. Built fresh
// on every issuance and never mutated after signing.
type Claims struct {
	UserID        string      `json:"uid"`
	Name          string      `json:"name,omitempty"`
	Email         string      `json:"email,omitempty"`
	PrimaryRole   string      `json:"role,omitempty"`
	Roles         []RoleClaim `json:"roles,omitempty"`
	Permissions   []string    `json:"perms,omitempty"`
	SessionID     string      `json:"sid,omitempty"`
	AccountStatus string      `json:"status,omitempty"`
	EmailVerified bool        `json:"email_verified,omitempty"`
	jwt.RegisteredClaims
}

// AccessTokenInput holds the parameters used when generating a new access token.
type AccessTokenInput struct {
	UserID        string
	Name          string
	Email         string
	PrimaryRole   string
	Roles         []RoleClaim
	Permissions   []string
	SessionID     string
	AccountStatus string
	EmailVerified bool
}

// IssuedToken pairs a signed token with its identifier and expiry so
// callers can correlate revocations without re-parsing.
type IssuedToken struct {
	Token     string
	TokenID   string
	ExpiresAt time.Time
}

// JWTService issues and validates signed access tokens and consults the
// injected revocation store during validation.
type JWTService struct {
	secret      []byte
	issuer      string
	audience    []string
	ttl         time.Duration
	leeway      time.Duration
	now         func() time.Time
	revocations RevocationStore
}

// NewJWTService constructs a JWTService. The signing secret must come from
// configuration; it is never embedded in source.
func NewJWTService(cfg JWTConfig, revocations RevocationStore) (*JWTService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt: secret must be provided")
	}

	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	if revocations == nil {
		revocations = NewMemoryRevocationStore()
	}

	return &JWTService{
		secret:      []byte(cfg.Secret),
		issuer:      cfg.Issuer,
		audience:    cfg.Audience,
		ttl:         ttl,
		leeway:      cfg.Leeway,
		now:         now,
		revocations: revocations,
	}, nil
}

// GenerateAccessToken issues a signed JWT containing the supplied claims.
// Every token carries a random identifier for revocation-list checks.
func (s *JWTService) GenerateAccessToken(input AccessTokenInput) (IssuedToken, error) {
	if input.UserID == "" {
		return IssuedToken{}, errors.New("jwt: user id is required")
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.ttl)
	tokenID := uuid.NewString()

	claims := &Claims{
		UserID:        input.UserID,
		Name:          input.Name,
		Email:         input.Email,
		PrimaryRole:   input.PrimaryRole,
		Roles:         input.Roles,
		Permissions:   input.Permissions,
		SessionID:     input.SessionID,
		AccountStatus: input.AccountStatus,
		EmailVerified: input.EmailVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   input.UserID,
			Issuer:    s.issuer,
			Audience:  s.audience,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("jwt: sign token: %w", err)
	}

	return IssuedToken{Token: signed, TokenID: tokenID, ExpiresAt: expiresAt}, nil
}

// ValidateAccessToken parses and validates a signed JWT, returning the
// application claims. Expired, tampered and revoked tokens all fail the
// same way; callers receive no detail beyond the error.
func (s *JWTService) ValidateAccessToken(ctx context.Context, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("jwt: token string is empty")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(s.leeway))
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if len(s.audience) > 0 {
		opts = append(opts, jwt.WithAudience(s.audience[0]))
	}

	parser := jwt.NewParser(opts...)

	var claims Claims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("jwt: parse token: %w", err)
	}

	if claims.UserID == "" {
		return nil, errors.New("jwt: missing user id claim")
	}

	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("jwt: revocation check: %w", err)
	}
	if revoked {
		return nil, errors.New("jwt: token revoked")
	}

	return &claims, nil
}

// RevokeToken adds a token identifier to the revocation set until the
// token's natural expiry.
func (s *JWTService) RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error {
	return s.revocations.Revoke(ctx, tokenID, expiresAt)
}
