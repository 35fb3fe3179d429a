package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/ids"
)

var _ auth.CredentialStore = (*CredentialStore)(nil)

// CredentialStore implements auth.CredentialStore over the identities table.
type CredentialStore struct {
	db *sql.DB
}

const identityColumns = `id, tenant_id, role, namespace, identifier, credential_hash, status, attributes, created_at, updated_at`

func (s *CredentialStore) Create(ctx context.Context, identity *auth.Identity) error {
	if identity.ID == "" {
		identity.ID = ids.New()
	}
	now := time.Now().UTC()
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = now
	}
	if identity.UpdatedAt.IsZero() {
		identity.UpdatedAt = identity.CreatedAt
	}
	attrs := []byte("{}")
	if len(identity.Attributes) > 0 {
		raw, err := json.Marshal(identity.Attributes)
		if err != nil {
			return fmt.Errorf("marshal attributes: %w", err)
		}
		attrs = raw
	}

	_, err := s.db.ExecContext(ctx, `
		insert into identities (`+identityColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, identity.ID, identity.TenantID, string(identity.Role), identity.Namespace, identity.Identifier,
		identity.CredentialHash, string(identity.Status), attrs, identity.CreatedAt, identity.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrDuplicateIdentity
		}
		return err
	}
	return nil
}

func (s *CredentialStore) FindByIdentifier(ctx context.Context, tenantID, namespace, identifier string) (*auth.Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+identityColumns+`
		from identities
		where tenant_id = $1 and namespace = $2 and identifier = $3
	`, tenantID, namespace, identifier)
	return scanIdentity(row)
}

func (s *CredentialStore) FindByID(ctx context.Context, id string) (*auth.Identity, error) {
	row := s.db.QueryRowContext(ctx, `select `+identityColumns+` from identities where id = $1`, id)
	return scanIdentity(row)
}

func (s *CredentialStore) SetStatus(ctx context.Context, id string, status auth.Status) error {
	res, err := s.db.ExecContext(ctx, `
		update identities set status = $2, updated_at = $3 where id = $1
	`, id, string(status), time.Now().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func scanIdentity(row *sql.Row) (*auth.Identity, error) {
	var (
		identity auth.Identity
		role     string
		status   string
		rawAttrs []byte
	)
	err := row.Scan(&identity.ID, &identity.TenantID, &role, &identity.Namespace, &identity.Identifier,
		&identity.CredentialHash, &status, &rawAttrs, &identity.CreatedAt, &identity.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	identity.Role = auth.Role(role)
	identity.Status = auth.Status(status)
	identity.Attributes = map[string]string{}
	if len(rawAttrs) > 0 {
		if err := json.Unmarshal(rawAttrs, &identity.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
	}
	return &identity, nil
}
