// Package memstore keeps identities and refresh records in process memory.
// It backs single-instance development setups and tests.
package memstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/ids"
)

var errTokenCollision = errors.New("memstore: token id collision")

var (
	_ auth.CredentialStore = (*CredentialStore)(nil)
	_ auth.RefreshStore    = (*RefreshStore)(nil)
)

// CredentialStore is an in-memory auth.CredentialStore.
type CredentialStore struct {
	mu    sync.RWMutex
	byID  map[string]*auth.Identity
	byKey map[string]string
}

// NewCredentialStore returns an empty store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		byID:  make(map[string]*auth.Identity),
		byKey: make(map[string]string),
	}
}

func identityKey(tenantID, namespace, identifier string) string {
	return tenantID + "\x00" + namespace + "\x00" + identifier
}

func (s *CredentialStore) Create(ctx context.Context, identity *auth.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := identityKey(identity.TenantID, identity.Namespace, identity.Identifier)
	if _, exists := s.byKey[key]; exists {
		return auth.ErrDuplicateIdentity
	}
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
	s.byID[identity.ID] = cloneIdentity(identity)
	s.byKey[key] = identity.ID
	return nil
}

func (s *CredentialStore) FindByIdentifier(ctx context.Context, tenantID, namespace, identifier string) (*auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[identityKey(tenantID, namespace, identifier)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneIdentity(s.byID[id]), nil
}

func (s *CredentialStore) FindByID(ctx context.Context, id string) (*auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneIdentity(identity), nil
}

func (s *CredentialStore) SetStatus(ctx context.Context, id string, status auth.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	identity.Status = status
	identity.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneIdentity(in *auth.Identity) *auth.Identity {
	out := *in
	if in.Attributes != nil {
		out.Attributes = make(map[string]string, len(in.Attributes))
		for k, v := range in.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}

// RefreshStore is an in-memory auth.RefreshStore. A single mutex makes
// Rotate a compare-and-swap on the parent's open state.
type RefreshStore struct {
	mu      sync.Mutex
	records map[string]*auth.RefreshRecord
}

// NewRefreshStore returns an empty store.
func NewRefreshStore() *RefreshStore {
	return &RefreshStore{records: make(map[string]*auth.RefreshRecord)}
}

func (s *RefreshStore) Create(ctx context.Context, rec *auth.RefreshRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.TokenID]; exists {
		return errTokenCollision
	}
	s.records[rec.TokenID] = cloneRecord(rec)
	return nil
}

func (s *RefreshStore) Find(ctx context.Context, tokenID string) (*auth.RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[tokenID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *RefreshStore) Rotate(ctx context.Context, parentID string, child *auth.RefreshRecord, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.records[parentID]
	if !ok || !parent.Live(at) {
		return auth.ErrRefreshClosed
	}
	if _, exists := s.records[child.TokenID]; exists {
		return auth.ErrRefreshClosed
	}
	closed := at
	parent.RotatedTo = child.TokenID
	parent.ClosedAt = &closed
	s.records[child.TokenID] = cloneRecord(child)
	return nil
}

func (s *RefreshStore) Revoke(ctx context.Context, tokenID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[tokenID]; ok && rec.Open() {
		revoke(rec, at)
	}
	return nil
}

func (s *RefreshStore) RevokeSession(ctx context.Context, sessionID string, at time.Time) (int64, error) {
	return s.revokeWhere(at, func(r *auth.RefreshRecord) bool { return r.SessionID == sessionID }), nil
}

func (s *RefreshStore) RevokeIdentity(ctx context.Context, identityID string, at time.Time) (int64, error) {
	return s.revokeWhere(at, func(r *auth.RefreshRecord) bool { return r.IdentityID == identityID }), nil
}

func (s *RefreshStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.records {
		if rec.ExpiresAt.Before(before) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *RefreshStore) revokeWhere(at time.Time, match func(*auth.RefreshRecord) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.records {
		if match(rec) && revoke(rec, at) {
			n++
		}
	}
	return n
}

// revoke marks rec revoked unless it already is. Rotated records are marked
// too so that a replayed ancestor reports a revoked session.
func revoke(rec *auth.RefreshRecord, at time.Time) bool {
	if rec.RevokedAt != nil {
		return false
	}
	ts := at
	rec.RevokedAt = &ts
	if rec.ClosedAt == nil {
		rec.ClosedAt = &ts
	}
	return true
}

func cloneRecord(in *auth.RefreshRecord) *auth.RefreshRecord {
	out := *in
	if in.ClosedAt != nil {
		t := *in.ClosedAt
		out.ClosedAt = &t
	}
	if in.RevokedAt != nil {
		t := *in.RevokedAt
		out.RevokedAt = &t
	}
	return &out
}
