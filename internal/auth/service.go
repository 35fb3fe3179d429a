package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
	defaultLeeway     = 5 * time.Second
	maxAccessTTL      = time.Hour
	maxLeeway         = time.Minute
)

// Service wires the auth core components together.
type Service struct {
	credentials CredentialStore
	refresh     RefreshStore
	keys        KeyProvider
	hashKey     []byte
	now         func() time.Time
	log         *zap.Logger

	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	maxSessionAge time.Duration
	leeway        time.Duration
	roles         *RoleSet
	policy        CredentialPolicy
	hashParams    HashParams
	throttle      Throttle
	metrics       Metrics

	hasher   *PasswordHasher
	codec    *TokenCodec
	ledger   *RefreshLedger
	sessions *SessionIssuer
	rotator  *RefreshRotator
	guard    *AuthorizationGuard
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime. It may not exceed one hour.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > maxAccessTTL {
			return fmt.Errorf("%w: access ttl %s exceeds %s", ErrInvalidInput, ttl, maxAccessTTL)
		}
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithMaxSessionAge caps how long a rotation chain can be extended. Zero
// disables the cap.
func WithMaxSessionAge(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d < 0 {
			return fmt.Errorf("%w: negative max session age", ErrInvalidInput)
		}
		s.maxSessionAge = d
		return nil
	}
}

// WithLeeway sets the clock skew tolerated on exp/iat checks.
func WithLeeway(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d < 0 || d > maxLeeway {
			return fmt.Errorf("%w: leeway must be within [0, %s]", ErrInvalidInput, maxLeeway)
		}
		s.leeway = d
		return nil
	}
}

// WithRoles sets the closed role set.
func WithRoles(roles *RoleSet) ServiceOption {
	return func(s *Service) error {
		if roles != nil {
			s.roles = roles
		}
		return nil
	}
}

// WithCredentialPolicy sets the join-time credential policy.
func WithCredentialPolicy(p CredentialPolicy) ServiceOption {
	return func(s *Service) error {
		s.policy = p
		return nil
	}
}

// WithHashParams overrides argon2id cost parameters.
func WithHashParams(p HashParams) ServiceOption {
	return func(s *Service) error {
		s.hashParams = p
		return nil
	}
}

// WithThrottle enables failed-login throttling.
func WithThrottle(t Throttle) ServiceOption {
	return func(s *Service) error {
		if t != nil {
			s.throttle = t
		}
		return nil
	}
}

// WithMetrics records operation outcomes.
func WithMetrics(m Metrics) ServiceOption {
	return func(s *Service) error {
		if m != nil {
			s.metrics = m
		}
		return nil
	}
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service. keys signs and verifies access tokens;
// hashKey keys the refresh secret HMAC and must be at least 32 bytes.
func NewService(credentials CredentialStore, refresh RefreshStore, keys KeyProvider, hashKey []byte, opts ...ServiceOption) (*Service, error) {
	if credentials == nil || refresh == nil {
		return nil, errors.New("auth: credential and refresh stores are required")
	}
	svc := &Service{
		credentials: credentials,
		refresh:     refresh,
		keys:        keys,
		hashKey:     hashKey,
		now:         time.Now,
		log:         zap.NewNop(),
		accessTTL:   defaultAccessTTL,
		refreshTTL:  defaultRefreshTTL,
		leeway:      defaultLeeway,
		roles:       MustRoleSet(DefaultRoles...),
		policy:      CredentialPolicy{MinLength: 6},
		hashParams:  DefaultHashParams,
		throttle:    nopThrottle{},
		metrics:     nopMetrics{},
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}

	var err error
	svc.hasher = NewPasswordHasher(svc.hashParams)
	if svc.codec, err = NewTokenCodec(keys, svc.issuer, svc.accessTTL, svc.leeway, svc.now); err != nil {
		return nil, err
	}
	if svc.ledger, err = NewRefreshLedger(refresh, hashKey, svc.refreshTTL, svc.maxSessionAge, svc.now, svc.log); err != nil {
		return nil, err
	}
	if svc.sessions, err = newSessionIssuer(svc); err != nil {
		return nil, err
	}
	svc.rotator = &RefreshRotator{credentials: credentials, codec: svc.codec, ledger: svc.ledger, log: svc.log}
	svc.guard = NewAuthorizationGuard(svc.codec)
	return svc, nil
}

// Guard returns the stateless authorization guard.
func (s *Service) Guard() *AuthorizationGuard { return s.guard }

// Roles returns the configured role set.
func (s *Service) Roles() *RoleSet { return s.roles }

// AccessTTL is the fixed access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// Join registers an identity and returns its first session.
func (s *Service) Join(ctx context.Context, req JoinRequest) (Session, error) {
	sess, err := s.sessions.Join(ctx, req)
	s.observe("join", err)
	return sess, err
}

// Login authenticates an identity and returns a new session.
func (s *Service) Login(ctx context.Context, req LoginRequest) (Session, error) {
	sess, err := s.sessions.Login(ctx, req)
	s.observe("login", err)
	return sess, err
}

// Refresh rotates a refresh token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	sess, err := s.rotator.Refresh(ctx, refreshToken)
	s.observe("refresh", err)
	return sess, err
}

// Logout revokes one refresh token. It is idempotent.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	err := s.rotator.Logout(ctx, refreshToken)
	s.observe("logout", err)
	return err
}

// RevokeAll closes every open session of identityID.
func (s *Service) RevokeAll(ctx context.Context, identityID string) (int64, error) {
	n, err := s.ledger.RevokeIdentity(ctx, identityID)
	s.observe("revoke_all", err)
	return n, err
}

// SetIdentityStatus flips an identity's status. Disabling also revokes all
// of its open sessions; already issued access tokens expire naturally.
func (s *Service) SetIdentityStatus(ctx context.Context, identityID string, status Status) error {
	if status != StatusActive && status != StatusDisabled {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	if err := s.credentials.SetStatus(ctx, identityID, status); err != nil {
		return err
	}
	if status == StatusDisabled {
		n, err := s.ledger.RevokeIdentity(ctx, identityID)
		if err != nil {
			return err
		}
		s.log.Info("identity disabled",
			zap.String("identity_id", identityID),
			zap.Int64("sessions_revoked", n),
		)
	}
	return nil
}

// Authorize verifies an access token; see AuthorizationGuard.
func (s *Service) Authorize(raw string, required ...Role) (Principal, error) {
	p, err := s.guard.Authorize(raw, required...)
	s.observe("authorize", err)
	return p, err
}

// PurgeExpired removes refresh records that expired more than grace ago.
func (s *Service) PurgeExpired(ctx context.Context, grace time.Duration) (int64, error) {
	return s.ledger.Purge(ctx, s.now().UTC().Add(-grace))
}

func (s *Service) observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = Kind(err)
	}
	s.metrics.Observe(op, outcome)
}
