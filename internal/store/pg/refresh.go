package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qazna.org/authcore/internal/auth"
)

var _ auth.RefreshStore = (*RefreshStore)(nil)

// RefreshStore implements auth.RefreshStore over the refresh_records table.
// Every chain shares session_id, so revoking a session is a keyed update.
type RefreshStore struct {
	db *sql.DB
}

const refreshColumns = `token_id, session_id, identity_id, secret_hash, issued_at, expires_at, session_started_at, rotated_from, rotated_to, closed_at, revoked_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, db execer, rec *auth.RefreshRecord) error {
	_, err := db.ExecContext(ctx, `
		insert into refresh_records (`+refreshColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.TokenID, rec.SessionID, rec.IdentityID, rec.SecretHash, rec.IssuedAt, rec.ExpiresAt, rec.SessionStartedAt,
		nullIfEmpty(rec.RotatedFrom), nullIfEmpty(rec.RotatedTo), nullTime(rec.ClosedAt), nullTime(rec.RevokedAt))
	return err
}

func (s *RefreshStore) Create(ctx context.Context, rec *auth.RefreshRecord) error {
	return insertRecord(ctx, s.db, rec)
}

func (s *RefreshStore) Find(ctx context.Context, tokenID string) (*auth.RefreshRecord, error) {
	var (
		rec                  auth.RefreshRecord
		rotatedFrom, rotated sql.NullString
		closedAt, revokedAt  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `select `+refreshColumns+` from refresh_records where token_id = $1`, tokenID).
		Scan(&rec.TokenID, &rec.SessionID, &rec.IdentityID, &rec.SecretHash, &rec.IssuedAt, &rec.ExpiresAt,
			&rec.SessionStartedAt, &rotatedFrom, &rotated, &closedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.RotatedFrom = rotatedFrom.String
	rec.RotatedTo = rotated.String
	rec.ClosedAt = timePtr(closedAt)
	rec.RevokedAt = timePtr(revokedAt)
	return &rec, nil
}

// Rotate closes the parent with a conditional update and inserts the child
// in the same transaction. The row lock taken by the update serializes
// concurrent rotations of one parent; the loser sees zero rows affected.
func (s *RefreshStore) Rotate(ctx context.Context, parentID string, child *auth.RefreshRecord, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update refresh_records
		set rotated_to = $2, closed_at = $3
		where token_id = $1 and rotated_to is null and revoked_at is null and expires_at > $3
	`, parentID, child.TokenID, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return auth.ErrRefreshClosed
	}
	if err := insertRecord(ctx, tx, child); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrRefreshClosed
		}
		return fmt.Errorf("insert successor: %w", err)
	}
	return tx.Commit()
}

func (s *RefreshStore) Revoke(ctx context.Context, tokenID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update refresh_records
		set revoked_at = $2, closed_at = $2
		where token_id = $1 and rotated_to is null and revoked_at is null
	`, tokenID, at)
	return err
}

func (s *RefreshStore) RevokeSession(ctx context.Context, sessionID string, at time.Time) (int64, error) {
	return s.revokeWhere(ctx, "session_id", sessionID, at)
}

func (s *RefreshStore) RevokeIdentity(ctx context.Context, identityID string, at time.Time) (int64, error) {
	return s.revokeWhere(ctx, "identity_id", identityID, at)
}

func (s *RefreshStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from refresh_records where expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// revokeWhere marks every not yet revoked record matching column revoked.
// column is always a constant from this file.
//
// Under read committed a successor inserted by a concurrent Rotate is not in
// the statement's snapshot, so the update repeats until a pass finds nothing.
// Each pass closes the open parents that such a Rotate would need, which
// bounds the loop.
func (s *RefreshStore) revokeWhere(ctx context.Context, column, value string, at time.Time) (int64, error) {
	var total int64
	for {
		res, err := s.db.ExecContext(ctx, `
			update refresh_records
			set revoked_at = $2, closed_at = coalesce(closed_at, $2)
			where `+column+` = $1 and revoked_at is null
		`, value, at)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
}
