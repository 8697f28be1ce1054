package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-gatekeeper/internal/testutil"
	"github.com/StricklySoft/stricklysoft-gatekeeper/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

// storeFactory returns a store that knows userID and uses clock.
type storeFactory func(t *testing.T, clock *testutil.Clock, userID string) RefreshTokenStore

// runStoreTests exercises the RefreshTokenStore contract. Every subtest
// uses its own user id so that factories may share one backing database.
func runStoreTests(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	setup := func(t *testing.T) (RefreshTokenStore, *testutil.Clock, string) {
		t.Helper()
		clock := newClock()
		userID := "u-" + strings.ReplaceAll(t.Name(), "/", "-")
		return newStore(t, clock, userID), clock, userID
	}

	t.Run("create and lookup", func(t *testing.T) {
		store, clock, userID := setup(t)
		tok, err := store.Create(ctx, userID, time.Hour)
		require.NoError(t, err)

		id, secret, ok := strings.Cut(tok.Value, ".")
		require.True(t, ok)
		assert.Equal(t, tok.ID, id)
		assert.Len(t, secret, 43)
		assert.Equal(t, HashToken(tok.Value), tok.Hash)
		assert.True(t, clock.Now().Equal(tok.CreatedAt))
		assert.True(t, clock.Now().Add(time.Hour).Equal(tok.ExpiresAt))

		got, err := store.Lookup(ctx, tok.Value)
		require.NoError(t, err)
		assert.Equal(t, tok.ID, got.ID)
		assert.Equal(t, userID, got.UserID)
		assert.Empty(t, got.Value)
		assert.False(t, got.Revoked)
		assert.True(t, tok.ExpiresAt.Equal(got.ExpiresAt))
	})

	t.Run("create for unknown user", func(t *testing.T) {
		store, _, _ := setup(t)
		_, err := store.Create(ctx, fixtures.UnknownID, time.Hour)
		testutil.AssertErrorCode(t, err, sserr.CodeUserNotFound)
	})

	t.Run("create rejects non-positive ttl", func(t *testing.T) {
		store, _, userID := setup(t)
		_, err := store.Create(ctx, userID, 0)
		testutil.AssertErrorCode(t, err, sserr.CodeValidationRange)
	})

	t.Run("lookup unknown values", func(t *testing.T) {
		store, _, _ := setup(t)
		for _, v := range []string{"", "garbage", "not-a-uuid.secret", uuid.NewString() + ".secret"} {
			_, err := store.Lookup(ctx, v)
			testutil.AssertErrorCode(t, err, sserr.CodeTokenNotFound, "value %q", v)
		}
	})

	t.Run("revoke is idempotent", func(t *testing.T) {
		store, _, userID := setup(t)
		tok, err := store.Create(ctx, userID, time.Hour)
		require.NoError(t, err)

		require.NoError(t, store.Revoke(ctx, tok.Value))
		require.NoError(t, store.Revoke(ctx, tok.Value))
		_, err = store.Lookup(ctx, tok.Value)
		testutil.AssertErrorCode(t, err, sserr.CodeRefreshTokenRevoked)

		err = store.Revoke(ctx, uuid.NewString()+".secret")
		testutil.AssertErrorCode(t, err, sserr.CodeTokenNotFound)
	})

	t.Run("revoke by id", func(t *testing.T) {
		store, _, userID := setup(t)
		tok, err := store.Create(ctx, userID, time.Hour)
		require.NoError(t, err)

		require.NoError(t, store.RevokeID(ctx, tok.ID))
		_, err = store.Lookup(ctx, tok.Value)
		testutil.AssertErrorCode(t, err, sserr.CodeRefreshTokenRevoked)
		testutil.AssertErrorCode(t, store.RevokeID(ctx, uuid.NewString()), sserr.CodeTokenNotFound)
	})

	t.Run("expiry", func(t *testing.T) {
		store, clock, userID := setup(t)
		tok, err := store.Create(ctx, userID, time.Minute)
		require.NoError(t, err)

		clock.Advance(time.Minute - time.Millisecond)
		_, err = store.Lookup(ctx, tok.Value)
		require.NoError(t, err)

		clock.Advance(time.Millisecond)
		_, err = store.Lookup(ctx, tok.Value)
		testutil.AssertErrorCode(t, err, sserr.CodeRefreshTokenExpired)

		active, err := store.ListActive(ctx, userID)
		require.NoError(t, err)
		assert.Empty(t, active)

		_, err = store.Rotate(ctx, tok.Value, time.Hour)
		testutil.AssertErrorCode(t, err, sserr.CodeRefreshTokenExpired)
	})

	t.Run("list active newest first", func(t *testing.T) {
		store, clock, userID := setup(t)
		var ids []string
		for range 3 {
			tok, err := store.Create(ctx, userID, time.Hour)
			require.NoError(t, err)
			ids = append(ids, tok.ID)
			clock.Advance(time.Second)
		}
		require.NoError(t, store.RevokeID(ctx, ids[1]))

		active, err := store.ListActive(ctx, userID)
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, ids[2], active[0].ID)
		assert.Equal(t, ids[0], active[1].ID)

		other, err := store.ListActive(ctx, fixtures.UnknownID)
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("rotate", func(t *testing.T) {
		store, _, userID := setup(t)
		old, err := store.Create(ctx, userID, time.Hour)
		require.NoError(t, err)

		next, err := store.Rotate(ctx, old.Value, 2*time.Hour)
		require.NoError(t, err)
		assert.NotEqual(t, old.Value, next.Value)
		assert.Equal(t, userID, next.UserID)
		assert.Equal(t, 2*time.Hour, next.ExpiresAt.Sub(next.CreatedAt))

		_, err = store.Lookup(ctx, old.Value)
		testutil.AssertErrorCode(t, err, sserr.CodeRefreshTokenRevoked)
		got, err := store.Lookup(ctx, next.Value)
		require.NoError(t, err)
		assert.Equal(t, next.ID, got.ID)

		_, err = store.Rotate(ctx, old.Value, time.Hour)
		testutil.AssertErrorCode(t, err, sserr.CodeRefreshTokenRevoked)
	})

	t.Run("concurrent rotation has one winner", func(t *testing.T) {
		store, _, userID := setup(t)
		tok, err := store.Create(ctx, userID, time.Hour)
		require.NoError(t, err)

		const workers = 8
		var (
			wins  atomic.Int32
			wg    sync.WaitGroup
			start = make(chan struct{})
			errs  = make(chan error, workers)
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, err := store.Rotate(ctx, tok.Value, time.Hour); err != nil {
					errs <- err
					return
				}
				wins.Add(1)
			}()
		}
		close(start)
		wg.Wait()
		close(errs)

		assert.Equal(t, int32(1), wins.Load())
		for err := range errs {
			testutil.AssertErrorCode(t, err, sserr.CodeRefreshTokenRevoked)
		}
		active, err := store.ListActive(ctx, userID)
		require.NoError(t, err)
		assert.Len(t, active, 1)
	})

	t.Run("revoke all", func(t *testing.T) {
		store, clock, userID := setup(t)
		for range 3 {
			_, err := store.Create(ctx, userID, time.Hour)
			require.NoError(t, err)
			clock.Advance(time.Millisecond)
		}
		expired, err := store.Create(ctx, userID, time.Millisecond)
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
		_, err = store.Lookup(ctx, expired.Value)
		testutil.RequireErrorCode(t, err, sserr.CodeRefreshTokenExpired)

		n, err := store.RevokeAll(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = store.RevokeAll(ctx, userID)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("purge user", func(t *testing.T) {
		store, _, userID := setup(t)
		a, err := store.Create(ctx, userID, time.Hour)
		require.NoError(t, err)
		_, err = store.Create(ctx, userID, time.Hour)
		require.NoError(t, err)
		require.NoError(t, store.Revoke(ctx, a.Value))

		n, err := store.PurgeUser(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = store.Lookup(ctx, a.Value)
		testutil.AssertErrorCode(t, err, sserr.CodeTokenNotFound)
		active, err := store.ListActive(ctx, userID)
		require.NoError(t, err)
		assert.Empty(t, active)
	})
}
