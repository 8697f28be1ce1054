// Package session manages the lifecycle side of the auth boundary: opaque
// refresh tokens, the access token blacklist used by logout, and the
// Service that ties them to the access token issuer.
//
// Refresh token values have the form "<id>.<secret>", where secret is 32
// random bytes in unpadded base64url. Stores persist only the SHA-256 hex
// digest of the full value, so a leaked table cannot be replayed.
//
// Every store enforces the revoked and expiry flags on Lookup and rotates
// with a compare-and-set: of two concurrent Rotate calls presenting the
// same value, exactly one succeeds and the other fails with
// CodeRefreshTokenRevoked.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

const secretBytes = 32

// RefreshToken is a stored refresh token. Value is set only on the token
// returned by Create and Rotate; stores never keep it.
type RefreshToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Value     string    `json:"-"`
	Hash      string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`

	// ReplacedBy is the id of the token that superseded this one through
	// rotation, empty otherwise.
	ReplacedBy string `json:"replaced_by,omitempty"`
}

// Active reports whether the token can still be exchanged at now.
func (t *RefreshToken) Active(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}

// check returns the error Lookup reports for an inactive token.
func (t *RefreshToken) check(now time.Time) error {
	if t.Revoked {
		return sserr.RefreshTokenRevoked()
	}
	if !now.Before(t.ExpiresAt) {
		return sserr.RefreshTokenExpired()
	}
	return nil
}

// RefreshTokenStore issues, looks up, revokes and enumerates refresh
// tokens.
type RefreshTokenStore interface {
	// Create issues a token for userID valid for ttl. Fails with
	// CodeUserNotFound when the user does not exist.
	Create(ctx context.Context, userID string, ttl time.Duration) (*RefreshToken, error)

	// Lookup returns the token for value. Fails with CodeTokenNotFound,
	// CodeRefreshTokenRevoked or CodeRefreshTokenExpired.
	Lookup(ctx context.Context, value string) (*RefreshToken, error)

	// Revoke marks the token revoked. Revoking twice is not an error.
	Revoke(ctx context.Context, value string) error

	// RevokeID is Revoke by token id.
	RevokeID(ctx context.Context, id string) error

	// ListActive returns the user's unrevoked, unexpired tokens, newest
	// first.
	ListActive(ctx context.Context, userID string) ([]RefreshToken, error)

	// Rotate revokes the token for value and issues its successor for the
	// same user in one atomic step.
	Rotate(ctx context.Context, value string, ttl time.Duration) (*RefreshToken, error)

	// RevokeAll revokes every active token of userID and returns how many
	// were revoked.
	RevokeAll(ctx context.Context, userID string) (int, error)

	// PurgeUser deletes every token of userID, active or not.
	PurgeUser(ctx context.Context, userID string) (int, error)
}

// newToken generates a fresh token for userID. The caller persists it.
func newToken(userID string, now time.Time, ttl time.Duration) (*RefreshToken, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "session: user id is required")
	}
	tok, err := mintToken(now, ttl)
	if err != nil {
		return nil, err
	}
	tok.UserID = userID
	return tok, nil
}

// mintToken generates a token without an owner. Rotate uses it when the
// owner is only known inside the compare-and-set.
func mintToken(now time.Time, ttl time.Duration) (*RefreshToken, error) {
	if ttl <= 0 {
		return nil, sserr.New(sserr.CodeValidationRange, "session: refresh token ttl must be positive")
	}

	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternal, "session: failed to generate refresh token")
	}
	id := uuid.NewString()
	value := id + "." + base64.RawURLEncoding.EncodeToString(buf)

	now = now.UTC().Truncate(time.Millisecond)
	return &RefreshToken{
		ID:        id,
		Value:     value,
		Hash:      HashToken(value),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// HashToken returns the SHA-256 hex digest stores persist in place of a
// token value.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// hashValue validates the shape of a presented value and returns its hash.
// Values that could never have been issued are reported as not found.
func hashValue(value string) (string, error) {
	id, secret, ok := strings.Cut(value, ".")
	if !ok || secret == "" {
		return "", sserr.TokenNotFound()
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", sserr.TokenNotFound()
	}
	return HashToken(value), nil
}

// sortNewestFirst orders tokens by creation time, newest first, breaking
// ties by id so the order is stable.
func sortNewestFirst(tokens []RefreshToken) {
	slices.SortFunc(tokens, func(a, b RefreshToken) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
}
