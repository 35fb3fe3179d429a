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
	defaultIssuer = "qazna-auth"
	tokenUse      = "access"
)

// AccessClaims are the claims embedded in an access token.
type AccessClaims struct {
	Role     Role   `json:"role"`
	TenantID string `json:"tid,omitempty"`
	Use      string `json:"token_use"`
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies access tokens using keys from a KeyProvider.
// Verification never touches a data store.
type TokenCodec struct {
	keys    KeyProvider
	issuer  string
	ttl     time.Duration
	leeway  time.Duration
	now     func() time.Time
	methods []string
}

// NewTokenCodec returns a codec issuing tokens valid for ttl, tolerating
// leeway of clock skew on exp/iat checks.
func NewTokenCodec(keys KeyProvider, issuer string, ttl, leeway time.Duration, now func() time.Time) (*TokenCodec, error) {
	if keys == nil {
		return nil, errors.New("auth: key provider is required")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: access ttl must be greater than zero")
	}
	if leeway < 0 {
		leeway = 0
	}
	if issuer = strings.TrimSpace(issuer); issuer == "" {
		issuer = defaultIssuer
	}
	if now == nil {
		now = time.Now
	}
	return &TokenCodec{
		keys:    keys,
		issuer:  issuer,
		ttl:     ttl,
		leeway:  leeway,
		now:     now,
		methods: []string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodHS256.Alg()},
	}, nil
}

// TTL is the fixed access token lifetime.
func (c *TokenCodec) TTL() time.Duration { return c.ttl }

// Sign mints an access token for subject and returns it with its expiry.
func (c *TokenCodec) Sign(subject string, role Role, tenantID string) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, errors.New("auth: subject is required")
	}
	if role == "" {
		return "", time.Time{}, errors.New("auth: role is required")
	}
	key, err := c.keys.SigningKey()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: signing key: %w", err)
	}
	if !key.CanSign() {
		return "", time.Time{}, errors.New("auth: signing key has no private material")
	}

	now := c.now().UTC().Truncate(time.Second)
	exp := now.Add(c.ttl)
	claims := AccessClaims{
		Role:     role,
		TenantID: tenantID,
		Use:      tokenUse,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(key.Method, claims)
	token.Header["kid"] = key.ID
	signed, err := token.SignedString(key.sign)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, key id, issuer and validity window. Every failure
// is reported as ErrInvalidToken.
func (c *TokenCodec) Verify(raw string) (*AccessClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(c.methods),
		jwt.WithIssuer(c.issuer),
		jwt.WithLeeway(c.leeway),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	claims := &AccessClaims{}
	parsed, err := parser.ParseWithClaims(raw, claims, c.keyFor)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := c.validate(claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (c *TokenCodec) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("kid missing")
	}
	key, ok := c.keys.VerificationKey(kid)
	if !ok {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	if t.Method.Alg() != key.Method.Alg() {
		return nil, errors.New("algorithm does not match key")
	}
	return key.verify, nil
}

func (c *TokenCodec) validate(claims *AccessClaims) error {
	if claims.Use != tokenUse {
		return errors.New("not an access token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.Role == "" {
		return errors.New("role missing")
	}
	if claims.IssuedAt == nil {
		return errors.New("issued-at missing")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	// Tokens minted with a longer lifetime than configured are rejected.
	if claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time) > c.ttl {
		return errors.New("token lifetime exceeds access ttl")
	}
	return nil
}
