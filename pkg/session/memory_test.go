package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-gatekeeper/internal/testutil"
	"github.com/StricklySoft/stricklysoft-gatekeeper/internal/testutil/fixtures"
)

func TestMemoryRefreshStore(t *testing.T) {
	t.Parallel()
	runStoreTests(t, func(_ *testing.T, clock *testutil.Clock, userID string) RefreshTokenStore {
		users := NewStaticUserDirectory(User{ID: userID, Active: true})
		return NewMemoryRefreshStore(users, WithClock(clock.Now))
	})
}

func TestMemoryRefreshStore_RotationLinksSuccessor(t *testing.T) {
	t.Parallel()
	clock := newClock()
	store := NewMemoryRefreshStore(testUsers(), WithClock(clock.Now))
	ctx := context.Background()

	old, err := store.Create(ctx, fixtures.StudentID, time.Hour)
	require.NoError(t, err)
	next, err := store.Rotate(ctx, old.Value, time.Hour)
	require.NoError(t, err)

	store.mu.Lock()
	stored := *store.byHash[old.Hash]
	store.mu.Unlock()
	assert.True(t, stored.Revoked)
	assert.Equal(t, next.ID, stored.ReplacedBy)
	assert.Empty(t, stored.Value, "raw values are never kept")
}

func TestMemoryRefreshStore_LookupReturnsCopy(t *testing.T) {
	t.Parallel()
	store := NewMemoryRefreshStore(testUsers())
	ctx := context.Background()

	tok, err := store.Create(ctx, fixtures.StudentID, time.Hour)
	require.NoError(t, err)
	got, err := store.Lookup(ctx, tok.Value)
	require.NoError(t, err)
	got.Revoked = true

	_, err = store.Lookup(ctx, tok.Value)
	assert.NoError(t, err)
}

func TestStaticUserDirectory(t *testing.T) {
	t.Parallel()
	users := testUsers()
	ctx := context.Background()

	u, err := users.FindUser(ctx, fixtures.AdminID)
	require.NoError(t, err)
	assert.Equal(t, []string{fixtures.Admin, fixtures.Instructor}, u.Roles)
	u.Roles[0] = "MUTATED"

	again, err := users.FindUser(ctx, fixtures.AdminID)
	require.NoError(t, err)
	assert.Equal(t, fixtures.Admin, again.Roles[0])

	users.Remove(fixtures.AdminID)
	_, err = users.FindUser(ctx, fixtures.AdminID)
	require.Error(t, err)
}
