package session

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-gatekeeper/internal/testutil"
	"github.com/StricklySoft/stricklysoft-gatekeeper/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

func TestNewToken(t *testing.T) {
	t.Parallel()
	tok, err := newToken(fixtures.StudentID, fixtures.Epoch.Add(1500*time.Microsecond), time.Hour)
	require.NoError(t, err)

	id, secret, ok := strings.Cut(tok.Value, ".")
	require.True(t, ok)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)
	assert.NotContains(t, secret, "=")
	assert.Len(t, tok.Hash, 64)
	assert.True(t, fixtures.Epoch.Add(time.Millisecond).Equal(tok.CreatedAt), "truncated to milliseconds")

	other, err := newToken(fixtures.StudentID, fixtures.Epoch, time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, tok.Value, other.Value)
}

func TestNewToken_Invalid(t *testing.T) {
	t.Parallel()
	_, err := newToken(" ", fixtures.Epoch, time.Hour)
	testutil.AssertErrorCode(t, err, sserr.CodeValidationRequired)
	_, err = newToken(fixtures.StudentID, fixtures.Epoch, -time.Second)
	testutil.AssertErrorCode(t, err, sserr.CodeValidationRange)
}

func TestHashValue(t *testing.T) {
	t.Parallel()
	value := uuid.NewString() + ".c2VjcmV0"
	hash, err := hashValue(value)
	require.NoError(t, err)
	assert.Equal(t, HashToken(value), hash)

	for _, bad := range []string{"", ".", "abc", "abc.def", uuid.NewString() + "."} {
		_, err := hashValue(bad)
		testutil.AssertErrorCode(t, err, sserr.CodeTokenNotFound, "value %q", bad)
	}
}

func TestRefreshToken_Check(t *testing.T) {
	t.Parallel()
	tok := RefreshToken{ExpiresAt: fixtures.Epoch.Add(time.Minute)}
	assert.NoError(t, tok.check(fixtures.Epoch))
	assert.True(t, tok.Active(fixtures.Epoch))
	testutil.AssertErrorCode(t, tok.check(fixtures.Epoch.Add(time.Minute)), sserr.CodeRefreshTokenExpired)

	tok.Revoked = true
	assert.False(t, tok.Active(fixtures.Epoch))
	testutil.AssertErrorCode(t, tok.check(fixtures.Epoch.Add(time.Hour)), sserr.CodeRefreshTokenRevoked,
		"revocation is reported before expiry")
}

func TestSortNewestFirst(t *testing.T) {
	t.Parallel()
	tokens := []RefreshToken{
		{ID: "a", CreatedAt: fixtures.Epoch},
		{ID: "c", CreatedAt: fixtures.Epoch.Add(time.Second)},
		{ID: "b", CreatedAt: fixtures.Epoch},
	}
	sortNewestFirst(tokens)
	assert.Equal(t, "c", tokens[0].ID)
	assert.Equal(t, "b", tokens[1].ID)
	assert.Equal(t, "a", tokens[2].ID)
}
