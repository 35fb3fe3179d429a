package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qazna.org/authcore/internal/auth"
)

func TestCredentialStoreUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewCredentialStore()

	alice := &auth.Identity{TenantID: "t1", Role: "member", Namespace: "member", Identifier: "alice", Status: auth.StatusActive}
	require.NoError(t, s.Create(ctx, alice))
	require.NotEmpty(t, alice.ID)

	dup := &auth.Identity{TenantID: "t1", Role: "member", Namespace: "member", Identifier: "alice"}
	require.ErrorIs(t, s.Create(ctx, dup), auth.ErrDuplicateIdentity)

	other := &auth.Identity{TenantID: "t2", Role: "member", Namespace: "member", Identifier: "alice"}
	require.NoError(t, s.Create(ctx, other))
	require.NotEqual(t, alice.ID, other.ID)

	got, err := s.FindByIdentifier(ctx, "t1", "member", "alice")
	require.NoError(t, err)
	require.Equal(t, alice.ID, got.ID)

	_, err = s.FindByIdentifier(ctx, "t3", "member", "alice")
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestCredentialStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewCredentialStore()

	identity := &auth.Identity{TenantID: "t1", Namespace: "member", Identifier: "bob", Status: auth.StatusActive, Attributes: map[string]string{"k": "v"}}
	require.NoError(t, s.Create(ctx, identity))

	got, err := s.FindByID(ctx, identity.ID)
	require.NoError(t, err)
	got.Attributes["k"] = "changed"
	got.Status = auth.StatusDisabled

	again, err := s.FindByID(ctx, identity.ID)
	require.NoError(t, err)
	require.Equal(t, "v", again.Attributes["k"])
	require.Equal(t, auth.StatusActive, again.Status)

	require.NoError(t, s.SetStatus(ctx, identity.ID, auth.StatusDisabled))
	again, err = s.FindByID(ctx, identity.ID)
	require.NoError(t, err)
	require.False(t, again.Active())
	require.ErrorIs(t, s.SetStatus(ctx, "missing", auth.StatusActive), auth.ErrNotFound)
}

func record(id, session string, issued time.Time) *auth.RefreshRecord {
	return &auth.RefreshRecord{
		TokenID:          id,
		SessionID:        session,
		IdentityID:       "user-1",
		SecretHash:       "hash-" + id,
		IssuedAt:         issued,
		ExpiresAt:        issued.Add(time.Hour),
		SessionStartedAt: issued,
	}
}

func TestRefreshStoreRotateIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewRefreshStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, record("r0", "r0", now)))
	require.Error(t, s.Create(ctx, record("r0", "r0", now)))

	child := record("r1", "r0", now)
	child.RotatedFrom = "r0"
	require.NoError(t, s.Rotate(ctx, "r0", child, now))

	second := record("r1b", "r0", now)
	require.ErrorIs(t, s.Rotate(ctx, "r0", second, now), auth.ErrRefreshClosed)
	_, err := s.Find(ctx, "r1b")
	require.ErrorIs(t, err, auth.ErrNotFound)

	parent, err := s.Find(ctx, "r0")
	require.NoError(t, err)
	require.True(t, parent.Rotated())
	require.Equal(t, "r1", parent.RotatedTo)

	require.ErrorIs(t, s.Rotate(ctx, "missing", record("x", "x", now), now), auth.ErrRefreshClosed)
	require.ErrorIs(t, s.Rotate(ctx, "r1", record("r2", "r0", now), now.Add(2*time.Hour)), auth.ErrRefreshClosed)
}

func TestRefreshStoreRevocation(t *testing.T) {
	ctx := context.Background()
	s := NewRefreshStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, record("a0", "a0", now)))
	require.NoError(t, s.Rotate(ctx, "a0", record("a1", "a0", now), now))
	require.NoError(t, s.Create(ctx, record("b0", "b0", now)))

	// Revoke leaves rotated records alone.
	require.NoError(t, s.Revoke(ctx, "a0", now))
	a0, err := s.Find(ctx, "a0")
	require.NoError(t, err)
	require.False(t, a0.Revoked())
	require.NoError(t, s.Revoke(ctx, "missing", now))

	n, err := s.RevokeSession(ctx, "a0", now)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	b0, err := s.Find(ctx, "b0")
	require.NoError(t, err)
	require.True(t, b0.Open())

	n, err = s.RevokeIdentity(ctx, "user-1", now)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	b0, err = s.Find(ctx, "b0")
	require.NoError(t, err)
	require.True(t, b0.Revoked())
	require.NotNil(t, b0.ClosedAt)
}

func TestRefreshStorePurgeExpired(t *testing.T) {
	ctx := context.Background()
	s := NewRefreshStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, record("old", "old", now.Add(-3*time.Hour))))
	require.NoError(t, s.Create(ctx, record("new", "new", now)))

	n, err := s.PurgeExpired(ctx, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = s.Find(ctx, "old")
	require.ErrorIs(t, err, auth.ErrNotFound)
	_, err = s.Find(ctx, "new")
	require.NoError(t, err)
}
