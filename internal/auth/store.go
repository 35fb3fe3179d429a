package auth

import (
	"context"
	"time"
)

// CredentialStore owns Identity rows.
type CredentialStore interface {
	// Create inserts identity, assigning ID and timestamps when empty. It
	// returns ErrDuplicateIdentity when (TenantID, Namespace, Identifier)
	// is already taken.
	Create(ctx context.Context, identity *Identity) error
	FindByIdentifier(ctx context.Context, tenantID, namespace, identifier string) (*Identity, error)
	FindByID(ctx context.Context, id string) (*Identity, error)
	SetStatus(ctx context.Context, id string, status Status) error
}

// RefreshStore owns RefreshRecord rows.
type RefreshStore interface {
	Create(ctx context.Context, rec *RefreshRecord) error
	Find(ctx context.Context, tokenID string) (*RefreshRecord, error)
	// Rotate closes parentID and inserts child as one atomic unit. The
	// parent must be open and unexpired at at; otherwise nothing is written
	// and ErrRefreshClosed is returned.
	Rotate(ctx context.Context, parentID string, child *RefreshRecord, at time.Time) error
	// Revoke closes tokenID if it is still open. Closed records are left as is.
	Revoke(ctx context.Context, tokenID string, at time.Time) error
	RevokeSession(ctx context.Context, sessionID string, at time.Time) (int64, error)
	RevokeIdentity(ctx context.Context, identityID string, at time.Time) (int64, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// Throttle tracks failed logins per key. A locked key fails login with
// ErrInvalidCredentials before the password is checked.
type Throttle interface {
	Locked(ctx context.Context, key string) (bool, error)
	Failure(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}

// Metrics counts auth operations by outcome.
type Metrics interface {
	Observe(op, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) Observe(string, string) {}

type nopThrottle struct{}

func (nopThrottle) Locked(context.Context, string) (bool, error) { return false, nil }
func (nopThrottle) Failure(context.Context, string) error        { return nil }
func (nopThrottle) Reset(context.Context, string) error          { return nil }
