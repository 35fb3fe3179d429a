package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxCredentialLen = 1024

// CredentialPolicy bounds credentials accepted at join time.
type CredentialPolicy struct {
	MinLength int
}

func (p CredentialPolicy) check(credential string) error {
	n := len([]rune(credential))
	if n < p.MinLength {
		return fmt.Errorf("%w: credential must be at least %d characters", ErrInvalidInput, p.MinLength)
	}
	if len(credential) > maxCredentialLen {
		return fmt.Errorf("%w: credential is too long", ErrInvalidInput)
	}
	return nil
}

// SessionIssuer registers and authenticates identities and starts sessions.
type SessionIssuer struct {
	credentials CredentialStore
	hasher      *PasswordHasher
	codec       *TokenCodec
	ledger      *RefreshLedger
	roles       *RoleSet
	policy      CredentialPolicy
	throttle    Throttle
	now         func() time.Time
	log         *zap.Logger

	// dummyHash keeps the unknown-identifier path as expensive as a
	// password mismatch.
	dummyHash string
}

func newSessionIssuer(s *Service) (*SessionIssuer, error) {
	dummy, err := s.hasher.Hash("qazna-timing-equalizer")
	if err != nil {
		return nil, err
	}
	return &SessionIssuer{
		credentials: s.credentials,
		hasher:      s.hasher,
		codec:       s.codec,
		ledger:      s.ledger,
		roles:       s.roles,
		policy:      s.policy,
		throttle:    s.throttle,
		now:         s.now,
		log:         s.log,
		dummyHash:   dummy,
	}, nil
}

// Join creates an identity and starts its first session.
func (i *SessionIssuer) Join(ctx context.Context, req JoinRequest) (Session, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	identifier := NormalizeIdentifier(req.Identifier)
	if identifier == "" {
		return Session{}, fmt.Errorf("%w: identifier is required", ErrInvalidInput)
	}
	spec, err := i.roles.resolve(tenantID, req.Role)
	if err != nil {
		return Session{}, err
	}
	if err := i.policy.check(req.Credential); err != nil {
		return Session{}, err
	}

	hash, err := i.hasher.Hash(req.Credential)
	if err != nil {
		return Session{}, fmt.Errorf("hash credential: %w", err)
	}
	now := i.now().UTC()
	identity := &Identity{
		TenantID:       tenantID,
		Role:           spec.Name,
		Namespace:      spec.Namespace,
		Identifier:     identifier,
		CredentialHash: hash,
		Status:         StatusActive,
		Attributes:     copyAttributes(req.Attributes),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := i.credentials.Create(ctx, identity); err != nil {
		return Session{}, err
	}
	i.log.Info("identity joined",
		zap.String("identity_id", identity.ID),
		zap.String("role", string(identity.Role)),
		zap.String("tenant_id", identity.TenantID),
	)
	// The identity stays registered when the first session cannot be
	// started; a retried join reports ErrDuplicateIdentity and the client
	// continues with login.
	sess, err := i.start(ctx, identity)
	if err != nil {
		i.log.Warn("identity joined without session",
			zap.String("identity_id", identity.ID),
			zap.Error(err),
		)
		return Session{}, err
	}
	return sess, nil
}

// Login verifies credentials and starts a new session. Unknown identifiers,
// wrong passwords, disabled identities and throttled keys all fail with
// ErrInvalidCredentials.
func (i *SessionIssuer) Login(ctx context.Context, req LoginRequest) (Session, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	identifier := NormalizeIdentifier(req.Identifier)
	if identifier == "" || req.Credential == "" {
		return Session{}, ErrInvalidCredentials
	}
	spec, err := i.roles.resolve(tenantID, req.Role)
	if err != nil {
		return Session{}, ErrInvalidCredentials
	}

	key := throttleKey(tenantID, spec.Namespace, identifier)
	locked, err := i.throttle.Locked(ctx, key)
	if err != nil {
		i.log.Warn("login throttle unavailable", zap.Error(err))
	}
	if locked {
		return Session{}, ErrInvalidCredentials
	}

	identity, err := i.credentials.FindByIdentifier(ctx, tenantID, spec.Namespace, identifier)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Session{}, err
	}
	if identity == nil {
		i.hasher.Verify(req.Credential, i.dummyHash)
		i.recordFailure(ctx, key)
		return Session{}, ErrInvalidCredentials
	}
	ok := i.hasher.Verify(req.Credential, identity.CredentialHash)
	if !ok || !identity.Active() || identity.Role != spec.Name {
		i.recordFailure(ctx, key)
		return Session{}, ErrInvalidCredentials
	}
	if err := i.throttle.Reset(ctx, key); err != nil {
		i.log.Warn("login throttle reset failed", zap.Error(err))
	}
	return i.start(ctx, identity)
}

// start issues a new chain root and an access token for identity.
func (i *SessionIssuer) start(ctx context.Context, identity *Identity) (Session, error) {
	issued, err := i.ledger.Issue(ctx, identity.ID)
	if err != nil {
		return Session{}, err
	}
	access, accessExp, err := i.codec.Sign(identity.ID, identity.Role, identity.TenantID)
	if err != nil {
		return Session{}, err
	}
	return Session{
		SubjectID:        identity.ID,
		AccessToken:      access,
		RefreshToken:     issued.Token(),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: issued.Record.ExpiresAt,
	}, nil
}

func (i *SessionIssuer) recordFailure(ctx context.Context, key string) {
	if err := i.throttle.Failure(ctx, key); err != nil {
		i.log.Warn("login throttle update failed", zap.Error(err))
	}
}

func throttleKey(tenantID, namespace, identifier string) string {
	return tenantID + "|" + namespace + "|" + identifier
}

func copyAttributes(in map[string]string) map[string]string {
	if len(in) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
