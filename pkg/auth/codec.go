package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultAccessTTL is the lifetime of an access token
	DefaultAccessTTL = 15 * time.Minute
	// DefaultRefreshTTL is the lifetime of a refresh token
	DefaultRefreshTTL = 7 * 24 * time.Hour
	// MinSecretLength is the minimum HMAC key size in bytes
	MinSecretLength = 32

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	// refreshAtFraction of the access TTL after which clients should rotate
	refreshAtFraction = 0.8
)

// TokenConfig configures a TokenCodec
type TokenConfig struct {
	SecretKey  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Issuer     string
	Audience   string
}

// AccessToken is a signed access token and its timing
type AccessToken struct {
	Token     string    `json:"access_token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	// RefreshAt is advisory. ExpiresAt stays authoritative.
	RefreshAt time.Time `json:"refresh_at"`
}

// RefreshClaims is the verified content of a refresh token
type RefreshClaims struct {
	UserID  uuid.UUID
	TokenID uuid.UUID
	Version int
}

type userClaims struct {
	UserID           string `json:"user_id"`
	Username         string `json:"username"`
	Email            string `json:"email"`
	IsActive         bool   `json:"is_active"`
	EmailVerified    bool   `json:"email_verified"`
	RoleName         string `json:"role_name"`
	SubscriptionTier string `json:"subscription_tier"`
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Type    string      `json:"typ"`
	Version int         `json:"ver,omitempty"`
	User    *userClaims `json:"user,omitempty"`
}

// CodecOption configures optional TokenCodec behavior
type CodecOption func(*TokenCodec)

// WithClock overrides the time source
func WithClock(now func() time.Time) CodecOption {
	return func(c *TokenCodec) {
		c.now = now
	}
}

// TokenCodec signs and verifies HS256 access and refresh tokens
type TokenCodec struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string
	audience   string
	now        func() time.Time
	parser     *jwt.Parser
}

// NewTokenCodec validates cfg and builds a codec. Zero TTLs take the defaults.
func NewTokenCodec(cfg TokenConfig, opts ...CodecOption) (*TokenCodec, error) {
	if len(cfg.SecretKey) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.AccessTTL < 0 || cfg.RefreshTTL <= cfg.AccessTTL {
		return nil, ErrInvalidTTL
	}

	c := &TokenCodec{
		secret:     []byte(cfg.SecretKey),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return c.now() }),
	}
	if c.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(c.issuer))
	}
	if c.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(c.audience))
	}
	c.parser = jwt.NewParser(parserOpts...)

	return c, nil
}

// AccessTTL returns the configured access token lifetime
func (c *TokenCodec) AccessTTL() time.Duration { return c.accessTTL }

// RefreshTTL returns the configured refresh token lifetime
func (c *TokenCodec) RefreshTTL() time.Duration { return c.refreshTTL }

func (c *TokenCodec) registered(subject, id string, issuedAt, expiresAt time.Time) jwt.RegisteredClaims {
	rc := jwt.RegisteredClaims{
		Subject:   subject,
		ID:        id,
		Issuer:    c.issuer,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	if c.audience != "" {
		rc.Audience = jwt.ClaimStrings{c.audience}
	}
	return rc
}

func (c *TokenCodec) sign(claims *tokenClaims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// IssueAccess signs an access token carrying a snapshot of p
func (c *TokenCodec) IssueAccess(p Principal) (*AccessToken, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	issuedAt := c.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(c.accessTTL)

	claims := &tokenClaims{
		RegisteredClaims: c.registered(p.UserID.String(), uuid.NewString(), issuedAt, expiresAt),
		Type:             tokenTypeAccess,
		User: &userClaims{
			UserID:           p.UserID.String(),
			Username:         p.Username,
			Email:            p.Email,
			IsActive:         p.IsActive,
			EmailVerified:    p.EmailVerified,
			RoleName:         string(p.Role),
			SubscriptionTier: string(p.SubscriptionTier),
		},
	}

	signed, err := c.sign(claims)
	if err != nil {
		return nil, err
	}

	return &AccessToken{
		Token:     signed,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		RefreshAt: issuedAt.Add(time.Duration(float64(c.accessTTL) * refreshAtFraction)),
	}, nil
}

// IssueRefresh signs a refresh token for the stored record tokenID.
// version is the rotation generation, starting at 1.
func (c *TokenCodec) IssueRefresh(userID, tokenID uuid.UUID, version int) (string, time.Time, error) {
	if userID == uuid.Nil || tokenID == uuid.Nil {
		return "", time.Time{}, fmt.Errorf("refresh token requires user and token ids")
	}
	if version < 1 {
		return "", time.Time{}, fmt.Errorf("refresh token version must be positive, got %d", version)
	}

	issuedAt := c.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(c.refreshTTL)

	signed, err := c.sign(&tokenClaims{
		RegisteredClaims: c.registered(userID.String(), tokenID.String(), issuedAt, expiresAt),
		Type:             tokenTypeRefresh,
		Version:          version,
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// VerifyAccess checks signature, timing, issuer, audience and type, then
// rebuilds the principal snapshot.
func (c *TokenCodec) VerifyAccess(raw string) (Principal, error) {
	claims, err := c.parse(raw, tokenTypeAccess)
	if err != nil {
		return Principal{}, err
	}
	if claims.User == nil {
		return Principal{}, fmt.Errorf("%w: missing user claim", ErrTokenMalformed)
	}

	userID, err := uuid.Parse(claims.User.UserID)
	if err != nil || claims.Subject != claims.User.UserID {
		return Principal{}, fmt.Errorf("%w: subject mismatch", ErrTokenMalformed)
	}
	role, err := ParseRoleName(claims.User.RoleName)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	}
	tier, err := ParseSubscriptionTier(claims.User.SubscriptionTier)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	}

	return Principal{
		UserID:           userID,
		Username:         claims.User.Username,
		Email:            claims.User.Email,
		Role:             role,
		SubscriptionTier: tier,
		IsActive:         claims.User.IsActive,
		EmailVerified:    claims.User.EmailVerified,
	}, nil
}

// VerifyRefresh checks a refresh token and returns its subject, record id and version
func (c *TokenCodec) VerifyRefresh(raw string) (RefreshClaims, error) {
	claims, err := c.parse(raw, tokenTypeRefresh)
	if err != nil {
		return RefreshClaims{}, err
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return RefreshClaims{}, fmt.Errorf("%w: invalid subject", ErrTokenMalformed)
	}
	tokenID, err := uuid.Parse(claims.ID)
	if err != nil {
		return RefreshClaims{}, fmt.Errorf("%w: invalid token id", ErrTokenMalformed)
	}
	if claims.Version < 1 {
		return RefreshClaims{}, fmt.Errorf("%w: invalid version", ErrTokenMalformed)
	}

	return RefreshClaims{UserID: userID, TokenID: tokenID, Version: claims.Version}, nil
}

func (c *TokenCodec) parse(raw, wantType string) (*tokenClaims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenMalformed)
	}

	claims := &tokenClaims{}
	_, err := c.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	})
	if err != nil {
		return nil, classifyJWTError(err)
	}
	if claims.Type != wantType {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrTokenWrongType, claims.Type, wantType)
	}
	return claims, nil
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrTokenBadSignature
	default:
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
}
