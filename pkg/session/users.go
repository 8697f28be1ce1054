package session

import (
	"context"
	"sync"

	"github.com/StricklySoft/stricklysoft-gatekeeper/pkg/clients/postgres"
	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

// User is the part of an account the session lifecycle needs.
type User struct {
	ID     string
	Roles  []string
	Active bool
}

// UserDirectory resolves user ids. FindUser fails with CodeUserNotFound
// for unknown ids.
type UserDirectory interface {
	FindUser(ctx context.Context, id string) (User, error)
}

// StaticUserDirectory is an in-memory UserDirectory.
type StaticUserDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewStaticUserDirectory(users ...User) *StaticUserDirectory {
	d := &StaticUserDirectory{users: make(map[string]User, len(users))}
	for _, u := range users {
		d.Put(u)
	}
	return d
}

// Put adds or replaces u.
func (d *StaticUserDirectory) Put(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u.Roles = append([]string(nil), u.Roles...)
	d.users[u.ID] = u
}

// Remove deletes the user with id.
func (d *StaticUserDirectory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.users, id)
}

func (d *StaticUserDirectory) FindUser(_ context.Context, id string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return User{}, sserr.UserNotFound(id)
	}
	u.Roles = append([]string(nil), u.Roles...)
	return u, nil
}

const findUserSQL = `SELECT id, roles, active FROM users WHERE id = $1`

// PostgresUserDirectory reads the users table created by Migrate.
type PostgresUserDirectory struct {
	client *postgres.Client
}

func NewPostgresUserDirectory(client *postgres.Client) *PostgresUserDirectory {
	return &PostgresUserDirectory{client: client}
}

func (d *PostgresUserDirectory) FindUser(ctx context.Context, id string) (User, error) {
	var u User
	err := d.client.QueryRow(ctx, findUserSQL, id).Scan(&u.ID, &u.Roles, &u.Active)
	if postgres.IsNoRows(err) {
		return User{}, sserr.UserNotFound(id)
	}
	if err != nil {
		return User{}, postgres.WrapError(err, "session: failed to load user")
	}
	return u, nil
}
