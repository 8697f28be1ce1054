package session

import (
	"context"
	"sync"

	"golang.org/x/crypto/bcrypt"

	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

// HashPassword hashes password with bcrypt at cost.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", sserr.New(sserr.CodeValidationRequired, "session: password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", sserr.Wrap(err, sserr.CodeValidation, "session: failed to hash password")
	}
	return string(hash), nil
}

type credential struct {
	userID string
	hash   []byte
}

// PasswordAuthenticator checks usernames and passwords against bcrypt
// hashes held in memory.
type PasswordAuthenticator struct {
	cost int

	mu    sync.RWMutex
	creds map[string]credential
	// dummy is compared against for unknown usernames so that they cost
	// the same as a wrong password.
	dummy []byte
}

var _ Authenticator = (*PasswordAuthenticator)(nil)

// NewPasswordAuthenticator returns an empty authenticator hashing with
// cost. A cost below bcrypt.MinCost selects bcrypt.DefaultCost.
func NewPasswordAuthenticator(cost int) (*PasswordAuthenticator, error) {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("gatekeeper"), cost)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "session: failed to prepare password authenticator")
	}
	return &PasswordAuthenticator{cost: cost, creds: make(map[string]credential), dummy: dummy}, nil
}

// Add registers username for userID, replacing any previous password.
func (a *PasswordAuthenticator) Add(username, userID, password string) error {
	if username == "" || userID == "" {
		return sserr.New(sserr.CodeValidationRequired, "session: username and user id are required")
	}
	hash, err := HashPassword(password, a.cost)
	if err != nil {
		return err
	}
	a.AddHash(username, userID, hash)
	return nil
}

// AddHash registers a precomputed bcrypt hash.
func (a *PasswordAuthenticator) AddHash(username, userID, hash string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creds[username] = credential{userID: userID, hash: []byte(hash)}
}

// Authenticate returns the user id for a matching username and password.
// Every failure is the same CodeAuthentication error.
func (a *PasswordAuthenticator) Authenticate(_ context.Context, username, password string) (string, error) {
	a.mu.RLock()
	c, ok := a.creds[username]
	a.mu.RUnlock()

	hash := c.hash
	if !ok {
		hash = a.dummy
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || !ok {
		return "", sserr.Unauthorized("invalid username or password")
	}
	return c.userID, nil
}
