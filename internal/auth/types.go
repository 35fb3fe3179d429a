package auth

import "time"

// Status of an Identity. Identities are never deleted, only disabled.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// Identity is a registered principal scoped to a tenant and role namespace.
type Identity struct {
	ID             string
	TenantID       string
	Role           Role
	Namespace      string
	Identifier     string
	CredentialHash string `json:"-"`
	Status         Status
	Attributes     map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Active reports whether the identity may authenticate.
func (i *Identity) Active() bool {
	return i != nil && i.Status == StatusActive
}

// RefreshRecord is the persisted state of one refresh token. SecretHash is a
// keyed hash of the bearer secret; the secret itself is never stored.
//
// A record is live while RotatedTo and RevokedAt are both empty and it has
// not expired. Rotating sets RotatedTo; revoking sets RevokedAt. Both are
// terminal.
type RefreshRecord struct {
	TokenID          string
	SessionID        string
	IdentityID       string
	SecretHash       string `json:"-"`
	IssuedAt         time.Time
	ExpiresAt        time.Time
	SessionStartedAt time.Time
	RotatedFrom      string
	RotatedTo        string
	ClosedAt         *time.Time
	RevokedAt        *time.Time
}

// Rotated reports whether the record has been exchanged for a successor.
func (r *RefreshRecord) Rotated() bool { return r.RotatedTo != "" }

// Revoked reports whether the record was explicitly revoked.
func (r *RefreshRecord) Revoked() bool { return r.RevokedAt != nil }

// Open reports whether the record is neither rotated nor revoked.
func (r *RefreshRecord) Open() bool { return !r.Rotated() && !r.Revoked() }

// Live reports whether the record can still be exchanged at now.
func (r *RefreshRecord) Live(now time.Time) bool {
	return r.Open() && now.Before(r.ExpiresAt)
}

// Principal is the verified caller context handed to business handlers.
type Principal struct {
	SubjectID string    `json:"subject_id"`
	Role      Role      `json:"role"`
	TenantID  string    `json:"tenant_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HasRole reports whether the principal carries one of roles.
func (p Principal) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}

// Session is the access/refresh pair returned by join, login and refresh.
type Session struct {
	SubjectID        string    `json:"subject_id"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// JoinRequest registers a new identity.
type JoinRequest struct {
	TenantID   string
	Role       Role
	Identifier string
	Credential string
	Attributes map[string]string
}

// LoginRequest authenticates an existing identity.
type LoginRequest struct {
	TenantID   string
	Role       Role
	Identifier string
	Credential string
}
