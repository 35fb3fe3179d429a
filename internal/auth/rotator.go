package auth

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// RefreshRotator exchanges refresh tokens for new sessions.
//
// Per chain position: live --rotate--> rotated, live --revoke--> revoked,
// rotated --replay--> whole session revoked.
type RefreshRotator struct {
	credentials CredentialStore
	codec       *TokenCodec
	ledger      *RefreshLedger
	log         *zap.Logger
}

// Refresh validates raw, closes its record, creates the successor and signs
// a new access token. The presented token is unusable afterwards.
func (r *RefreshRotator) Refresh(ctx context.Context, raw string) (Session, error) {
	tokenID, secret, err := ParseRefreshToken(raw)
	if err != nil {
		return Session{}, err
	}
	rec, err := r.ledger.Validate(ctx, tokenID, secret)
	if errors.Is(err, ErrSessionRevoked) {
		return Session{}, r.revokedCause(ctx, tokenID)
	}
	if err != nil {
		return Session{}, err
	}

	identity, err := r.credentials.FindByID(ctx, rec.IdentityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrInvalidRefreshToken
		}
		return Session{}, err
	}
	if !identity.Active() {
		return Session{}, ErrIdentityDisabled
	}

	// The access token is signed before the rotation commits and is dropped
	// if the commit fails, so the unit either fully succeeds or leaves the
	// parent as the only open record.
	access, accessExp, err := r.codec.Sign(identity.ID, identity.Role, identity.TenantID)
	if err != nil {
		return Session{}, err
	}
	issued, err := r.ledger.Rotate(ctx, rec)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			r.log.Info("refresh rotation lost race",
				zap.String("token_id", rec.TokenID),
				zap.String("session_id", rec.SessionID),
			)
		}
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

// revokedCause tells a record closed by disabling its owner apart from a
// revoked session. Rotated records always report ErrSessionRevoked.
func (r *RefreshRotator) revokedCause(ctx context.Context, tokenID string) error {
	rec, err := r.ledger.store.Find(ctx, tokenID)
	if err != nil || rec.Rotated() {
		return ErrSessionRevoked
	}
	identity, err := r.credentials.FindByID(ctx, rec.IdentityID)
	if err == nil && !identity.Active() {
		return ErrIdentityDisabled
	}
	return ErrSessionRevoked
}

// Logout revokes the record behind raw. Unknown, mismatching or already
// closed tokens are ignored.
func (r *RefreshRotator) Logout(ctx context.Context, raw string) error {
	tokenID, secret, err := ParseRefreshToken(raw)
	if err != nil {
		return nil
	}
	rec, err := r.ledger.store.Find(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !r.ledger.secretMatches(rec.SecretHash, secret) || !rec.Open() {
		return nil
	}
	return r.ledger.Revoke(ctx, rec.TokenID)
}
