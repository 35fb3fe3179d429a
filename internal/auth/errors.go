package auth

import "errors"

// Error kinds surfaced to callers of the auth core. Credential and token
// failures carry fixed messages so that callers cannot tell which check failed.
var (
	ErrDuplicateIdentity   = errors.New("auth: identity already exists")
	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrInvalidRefreshToken = errors.New("auth: invalid refresh token")
	ErrSessionRevoked      = errors.New("auth: session revoked")
	ErrIdentityDisabled    = errors.New("auth: identity disabled")
	ErrInvalidToken        = errors.New("auth: invalid token")
	ErrForbidden           = errors.New("auth: forbidden")
	ErrInvalidInput        = errors.New("auth: invalid input")
)

// Store-level contracts. They never leave the core unchanged.
var (
	ErrNotFound = errors.New("auth: not found")
	// ErrRefreshClosed is returned by RefreshStore.Rotate when the parent
	// record was no longer open at commit time.
	ErrRefreshClosed = errors.New("auth: refresh record closed")
)

// Kind returns a stable wire code for err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateIdentity):
		return "duplicate_identity"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrInvalidRefreshToken):
		return "invalid_refresh_token"
	case errors.Is(err, ErrSessionRevoked):
		return "session_revoked"
	case errors.Is(err, ErrIdentityDisabled):
		return "identity_disabled"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal_error"
	}
}
