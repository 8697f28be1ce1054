package session

import (
	"context"
	_ "embed"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/StricklySoft/stricklysoft-gatekeeper/pkg/clients/postgres"
	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the users and refresh_tokens tables when missing.
func Migrate(ctx context.Context, client *postgres.Client) error {
	if _, err := client.Exec(ctx, schemaSQL); err != nil {
		return sserr.Wrap(err, sserr.CodeInternalDatabase, "session: migration failed")
	}
	return nil
}

const (
	tokenColumns = `id, user_id, token_hash, created_at, expires_at, revoked, COALESCE(replaced_by, '')`

	insertTokenSQL = `INSERT INTO refresh_tokens (id, user_id, token_hash, created_at, expires_at)
SELECT $1::text, $2::text, $3::text, $4::timestamptz, $5::timestamptz
WHERE EXISTS (SELECT 1 FROM users WHERE id = $2::text)`

	selectTokenSQL = `SELECT ` + tokenColumns + ` FROM refresh_tokens WHERE token_hash = $1`

	revokeTokenSQL = `UPDATE refresh_tokens SET revoked = TRUE WHERE token_hash = $1`

	revokeTokenIDSQL = `UPDATE refresh_tokens SET revoked = TRUE WHERE id = $1`

	listActiveSQL = `SELECT ` + tokenColumns + ` FROM refresh_tokens
WHERE user_id = $1 AND revoked = FALSE AND expires_at > $2
ORDER BY created_at DESC, id DESC`

	// claimTokenSQL is the compare-and-set at the heart of Rotate. A
	// concurrent rotation blocks on the row lock and then sees
	// revoked = TRUE, so it matches no row.
	claimTokenSQL = `UPDATE refresh_tokens SET revoked = TRUE, replaced_by = $2
WHERE token_hash = $1 AND revoked = FALSE AND expires_at > $3
RETURNING user_id`

	revokeAllSQL = `UPDATE refresh_tokens SET revoked = TRUE
WHERE user_id = $1 AND revoked = FALSE AND expires_at > $2`

	purgeUserSQL = `DELETE FROM refresh_tokens WHERE user_id = $1`

	upsertUserSQL = `INSERT INTO users (id, roles, active) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET roles = EXCLUDED.roles, active = EXCLUDED.active`
)

// PostgresRefreshStore keeps refresh tokens in PostgreSQL. Tables are
// created by Migrate.
type PostgresRefreshStore struct {
	client *postgres.Client
	opts   options
}

var _ RefreshTokenStore = (*PostgresRefreshStore)(nil)

func NewPostgresRefreshStore(client *postgres.Client, opts ...Option) *PostgresRefreshStore {
	return &PostgresRefreshStore{client: client, opts: newOptions(opts)}
}

func (s *PostgresRefreshStore) Create(ctx context.Context, userID string, ttl time.Duration) (*RefreshToken, error) {
	tok, err := newToken(userID, s.opts.now(), ttl)
	if err != nil {
		return nil, err
	}
	tag, err := s.client.Exec(ctx, insertTokenSQL, tok.ID, tok.UserID, tok.Hash, tok.CreatedAt, tok.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, sserr.UserNotFound(userID)
	}
	return tok, nil
}

func (s *PostgresRefreshStore) Lookup(ctx context.Context, value string) (*RefreshToken, error) {
	hash, err := hashValue(value)
	if err != nil {
		return nil, err
	}
	tok, err := scanToken(s.client.QueryRow(ctx, selectTokenSQL, hash))
	if err != nil {
		return nil, err
	}
	if err := tok.check(s.opts.now()); err != nil {
		return nil, err
	}
	return tok, nil
}

func (s *PostgresRefreshStore) Revoke(ctx context.Context, value string) error {
	hash, err := hashValue(value)
	if err != nil {
		return err
	}
	return s.revoke(ctx, revokeTokenSQL, hash)
}

func (s *PostgresRefreshStore) RevokeID(ctx context.Context, id string) error {
	return s.revoke(ctx, revokeTokenIDSQL, id)
}

func (s *PostgresRefreshStore) revoke(ctx context.Context, sql, arg string) error {
	tag, err := s.client.Exec(ctx, sql, arg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return sserr.TokenNotFound()
	}
	return nil
}

func (s *PostgresRefreshStore) ListActive(ctx context.Context, userID string) ([]RefreshToken, error) {
	rows, err := s.client.Query(ctx, listActiveSQL, userID, s.opts.now())
	if err != nil {
		return nil, err
	}
	tokens, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (RefreshToken, error) {
		tok, err := scanToken(row)
		if err != nil {
			return RefreshToken{}, err
		}
		return *tok, nil
	})
	if err != nil {
		return nil, postgres.WrapError(err, "session: failed to list refresh tokens")
	}
	return tokens, nil
}

func (s *PostgresRefreshStore) Rotate(ctx context.Context, value string, ttl time.Duration) (*RefreshToken, error) {
	hash, err := hashValue(value)
	if err != nil {
		return nil, err
	}
	now := s.opts.now()
	next, err := mintToken(now, ttl)
	if err != nil {
		return nil, err
	}

	err = s.client.WithTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, claimTokenSQL, hash, next.ID, now).Scan(&next.UserID)
		if postgres.IsNoRows(err) {
			return classifyUnclaimed(ctx, tx, hash, now)
		}
		if err != nil {
			return postgres.WrapError(err, "session: failed to claim refresh token")
		}

		_, err = tx.Exec(ctx, insertTokenSQL, next.ID, next.UserID, next.Hash, next.CreatedAt, next.ExpiresAt)
		if err != nil {
			return postgres.WrapError(err, "session: failed to insert rotated refresh token")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// classifyUnclaimed explains why the compare-and-set matched no row.
func classifyUnclaimed(ctx context.Context, tx pgx.Tx, hash string, now time.Time) error {
	tok, err := scanToken(tx.QueryRow(ctx, selectTokenSQL, hash))
	if err != nil {
		return err
	}
	if err := tok.check(now); err != nil {
		return err
	}
	return sserr.RefreshTokenRevoked()
}

func (s *PostgresRefreshStore) RevokeAll(ctx context.Context, userID string) (int, error) {
	tag, err := s.client.Exec(ctx, revokeAllSQL, userID, s.opts.now())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresRefreshStore) PurgeUser(ctx context.Context, userID string) (int, error) {
	tag, err := s.client.Exec(ctx, purgeUserSQL, userID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// UpsertUser creates or updates u in the users table.
func (d *PostgresUserDirectory) UpsertUser(ctx context.Context, u User) error {
	roles := u.Roles
	if roles == nil {
		roles = []string{}
	}
	_, err := d.client.Exec(ctx, upsertUserSQL, u.ID, roles, u.Active)
	return err
}

func scanToken(row pgx.Row) (*RefreshToken, error) {
	var tok RefreshToken
	err := row.Scan(&tok.ID, &tok.UserID, &tok.Hash, &tok.CreatedAt, &tok.ExpiresAt, &tok.Revoked, &tok.ReplacedBy)
	if postgres.IsNoRows(err) {
		return nil, sserr.TokenNotFound()
	}
	if err != nil {
		return nil, postgres.WrapError(err, "session: failed to read refresh token")
	}
	tok.CreatedAt = tok.CreatedAt.UTC()
	tok.ExpiresAt = tok.ExpiresAt.UTC()
	return &tok, nil
}
