package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"qazna.org/authcore/internal/ids"
)

const (
	refreshSecretBytes = 32
	refreshSeparator   = "."
)

// RefreshLedger issues, validates, rotates and revokes refresh records. Only
// an HMAC of each bearer secret is persisted.
type RefreshLedger struct {
	store         RefreshStore
	hashKey       []byte
	ttl           time.Duration
	maxSessionAge time.Duration
	now           func() time.Time
	log           *zap.Logger
}

// IssuedRefresh is the one-time view of a freshly issued refresh token.
type IssuedRefresh struct {
	Record *RefreshRecord
	Secret string
}

// Token returns the opaque "<tokenId>.<secret>" string handed to clients.
func (i IssuedRefresh) Token() string {
	return FormatRefreshToken(i.Record.TokenID, i.Secret)
}

// NewRefreshLedger returns a ledger over store. hashKey keys the secret HMAC.
func NewRefreshLedger(store RefreshStore, hashKey []byte, ttl, maxSessionAge time.Duration, now func() time.Time, log *zap.Logger) (*RefreshLedger, error) {
	if store == nil {
		return nil, errors.New("auth: refresh store is required")
	}
	if len(hashKey) < minHMACKeyLen {
		return nil, fmt.Errorf("auth: refresh hash key must be at least %d bytes", minHMACKeyLen)
	}
	if ttl <= 0 {
		return nil, errors.New("auth: refresh ttl must be greater than zero")
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RefreshLedger{
		store:         store,
		hashKey:       append([]byte(nil), hashKey...),
		ttl:           ttl,
		maxSessionAge: maxSessionAge,
		now:           now,
		log:           log,
	}, nil
}

// Issue starts a new rotation chain for identityID.
func (l *RefreshLedger) Issue(ctx context.Context, identityID string) (IssuedRefresh, error) {
	now := l.now().UTC()
	issued, err := l.mint(identityID, now, nil)
	if err != nil {
		return IssuedRefresh{}, err
	}
	if err := l.store.Create(ctx, issued.Record); err != nil {
		return IssuedRefresh{}, fmt.Errorf("store refresh record: %w", err)
	}
	return issued, nil
}

// Validate resolves tokenID and checks secret. A rotated record presented
// with its correct secret is a replay: the whole session is revoked before
// ErrSessionRevoked is returned.
func (l *RefreshLedger) Validate(ctx context.Context, tokenID, secret string) (*RefreshRecord, error) {
	if tokenID == "" || secret == "" {
		return nil, ErrInvalidRefreshToken
	}
	rec, err := l.store.Find(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	if !l.secretMatches(rec.SecretHash, secret) {
		return nil, ErrInvalidRefreshToken
	}
	now := l.now().UTC()
	switch {
	case rec.Revoked():
		return nil, ErrSessionRevoked
	case rec.Rotated():
		if err := l.handleReuse(ctx, rec, now); err != nil {
			return nil, err
		}
		return nil, ErrSessionRevoked
	case !now.Before(rec.ExpiresAt):
		return nil, ErrInvalidRefreshToken
	}
	return rec, nil
}

// Rotate closes parent and persists its successor atomically.
func (l *RefreshLedger) Rotate(ctx context.Context, parent *RefreshRecord) (IssuedRefresh, error) {
	now := l.now().UTC()
	issued, err := l.mint(parent.IdentityID, now, parent)
	if err != nil {
		return IssuedRefresh{}, err
	}
	if err := l.store.Rotate(ctx, parent.TokenID, issued.Record, now); err != nil {
		if errors.Is(err, ErrRefreshClosed) {
			return IssuedRefresh{}, ErrInvalidRefreshToken
		}
		return IssuedRefresh{}, fmt.Errorf("rotate refresh record: %w", err)
	}
	return issued, nil
}

// Revoke closes a live record. Rotated or revoked records are left alone.
func (l *RefreshLedger) Revoke(ctx context.Context, tokenID string) error {
	return l.store.Revoke(ctx, tokenID, l.now().UTC())
}

// RevokeIdentity closes every open record of identityID.
func (l *RefreshLedger) RevokeIdentity(ctx context.Context, identityID string) (int64, error) {
	return l.store.RevokeIdentity(ctx, identityID, l.now().UTC())
}

// Purge deletes records that expired before the given cut-off.
func (l *RefreshLedger) Purge(ctx context.Context, before time.Time) (int64, error) {
	return l.store.PurgeExpired(ctx, before)
}

func (l *RefreshLedger) handleReuse(ctx context.Context, rec *RefreshRecord, now time.Time) error {
	n, err := l.store.RevokeSession(ctx, rec.SessionID, now)
	if err != nil {
		return fmt.Errorf("revoke session after reuse: %w", err)
	}
	l.log.Warn("refresh token reuse detected",
		zap.String("identity_id", rec.IdentityID),
		zap.String("session_id", rec.SessionID),
		zap.String("token_id", rec.TokenID),
		zap.Int64("revoked", n),
	)
	return nil
}

func (l *RefreshLedger) mint(identityID string, now time.Time, parent *RefreshRecord) (IssuedRefresh, error) {
	if strings.TrimSpace(identityID) == "" {
		return IssuedRefresh{}, errors.New("auth: identity id is required")
	}
	tokenID, err := ids.NewToken()
	if err != nil {
		return IssuedRefresh{}, fmt.Errorf("generate token id: %w", err)
	}
	raw := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return IssuedRefresh{}, fmt.Errorf("generate refresh secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)

	rec := &RefreshRecord{
		TokenID:          tokenID,
		SessionID:        tokenID,
		IdentityID:       identityID,
		SecretHash:       l.hashSecret(secret),
		IssuedAt:         now,
		ExpiresAt:        now.Add(l.ttl),
		SessionStartedAt: now,
	}
	if parent != nil {
		rec.SessionID = parent.SessionID
		rec.SessionStartedAt = parent.SessionStartedAt
		rec.RotatedFrom = parent.TokenID
	}
	if l.maxSessionAge > 0 {
		if limit := rec.SessionStartedAt.Add(l.maxSessionAge); rec.ExpiresAt.After(limit) {
			rec.ExpiresAt = limit
		}
	}
	return IssuedRefresh{Record: rec, Secret: secret}, nil
}

func (l *RefreshLedger) hashSecret(secret string) string {
	mac := hmac.New(sha256.New, l.hashKey)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

func (l *RefreshLedger) secretMatches(stored, secret string) bool {
	want, err := hex.DecodeString(stored)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, l.hashKey)
	mac.Write([]byte(secret))
	return hmac.Equal(mac.Sum(nil), want)
}

// FormatRefreshToken joins a token id and bearer secret.
func FormatRefreshToken(tokenID, secret string) string {
	return tokenID + refreshSeparator + secret
}

// ParseRefreshToken splits an opaque refresh token into id and secret.
func ParseRefreshToken(raw string) (tokenID, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), refreshSeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidRefreshToken
	}
	return parts[0], parts[1], nil
}
