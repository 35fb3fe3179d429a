package auth

// AuthorizationGuard turns access tokens into principals. It performs no I/O.
type AuthorizationGuard struct {
	codec *TokenCodec
}

// NewAuthorizationGuard returns a guard verifying tokens with codec.
func NewAuthorizationGuard(codec *TokenCodec) *AuthorizationGuard {
	return &AuthorizationGuard{codec: codec}
}

// Authorize verifies raw and, when required roles are given, checks that the
// token's role is among them.
func (g *AuthorizationGuard) Authorize(raw string, required ...Role) (Principal, error) {
	claims, err := g.codec.Verify(raw)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	p := Principal{
		SubjectID: claims.Subject,
		Role:      claims.Role,
		TenantID:  claims.TenantID,
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}
	if len(required) > 0 && !p.HasRole(required...) {
		return Principal{}, ErrForbidden
	}
	return p, nil
}
