package session

import (
	"context"
	"strconv"
	"time"

	"github.com/StricklySoft/stricklysoft-gatekeeper/pkg/clients/redis"
	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

// DefaultExpiredRetention is how long a Redis token hash outlives its
// expiry, so Lookup can still answer RefreshTokenExpired instead of
// TokenNotFound.
const DefaultExpiredRetention = 24 * time.Hour

// Token hash fields: id, user_id, created_at and expires_at (Unix ms),
// revoked ("0" or "1"), replaced_by.
//
// pruneIndex drops members of the user index whose token key has expired.
// KEYS[2] is the index in createScript, KEYS[3] in rotateScript; the
// calling script passes it and the token key prefix.
const pruneIndex = `
local function prune(index, prefix)
  for _, h in ipairs(redis.call('SMEMBERS', index)) do
    if redis.call('EXISTS', prefix .. h) == 0 then
      redis.call('SREM', index, h)
    end
  end
end
`

// KEYS: token, user index, id index
// ARGV: id, user_id, created_at, expires_at, retention ms, token hash,
// token key prefix
const createScript = pruneIndex + `
prune(KEYS[2], ARGV[7])
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'user_id', ARGV[2], 'created_at', ARGV[3],
  'expires_at', ARGV[4], 'revoked', '0', 'replaced_by', '')
redis.call('PEXPIRE', KEYS[1], ARGV[5])
redis.call('SET', KEYS[3], ARGV[6], 'PX', ARGV[5])
redis.call('SADD', KEYS[2], ARGV[6])
if redis.call('PTTL', KEYS[2]) < tonumber(ARGV[5]) then
  redis.call('PEXPIRE', KEYS[2], ARGV[5])
end
return 1
`

// KEYS: old token, new token, user index, new id index
// ARGV: now ms, new id, created_at, expires_at, retention ms, new hash,
// user_id, token key prefix
const rotateScript = pruneIndex + `
local f = redis.call('HMGET', KEYS[1], 'user_id', 'revoked', 'expires_at')
if not f[1] or f[1] ~= ARGV[7] then return 'missing' end
if f[2] == '1' then return 'revoked' end
if tonumber(f[3]) <= tonumber(ARGV[1]) then return 'expired' end
prune(KEYS[3], ARGV[8])
redis.call('HSET', KEYS[1], 'revoked', '1', 'replaced_by', ARGV[2])
redis.call('HSET', KEYS[2], 'id', ARGV[2], 'user_id', ARGV[7], 'created_at', ARGV[3],
  'expires_at', ARGV[4], 'revoked', '0', 'replaced_by', '')
redis.call('PEXPIRE', KEYS[2], ARGV[5])
redis.call('SET', KEYS[4], ARGV[6], 'PX', ARGV[5])
redis.call('SADD', KEYS[3], ARGV[6])
if redis.call('PTTL', KEYS[3]) < tonumber(ARGV[5]) then
  redis.call('PEXPIRE', KEYS[3], ARGV[5])
end
return 'ok'
`

// Returns -1 when the token is missing, 0 when already revoked, 1 when
// revoked by this call.
const revokeScript = `
local r = redis.call('HGET', KEYS[1], 'revoked')
if not r then return -1 end
if r == '1' then return 0 end
redis.call('HSET', KEYS[1], 'revoked', '1')
return 1
`

// RedisRefreshStore keeps refresh tokens in Redis hashes with a per-user
// index set. Writes run as Lua scripts so rotation is a single atomic
// compare-and-set.
type RedisRefreshStore struct {
	client    *redis.Client
	users     UserDirectory
	retention time.Duration
	opts      options
}

var _ RefreshTokenStore = (*RedisRefreshStore)(nil)

// NewRedisRefreshStore returns a store that checks users against users on
// Create.
func NewRedisRefreshStore(client *redis.Client, users UserDirectory, opts ...Option) *RedisRefreshStore {
	return &RedisRefreshStore{
		client:    client,
		users:     users,
		retention: DefaultExpiredRetention,
		opts:      newOptions(opts),
	}
}

func (s *RedisRefreshStore) tokenKey(hash string) string { return s.tokenPrefix() + hash }
func (s *RedisRefreshStore) tokenPrefix() string { return s.client.Key("refresh", "") }
func (s *RedisRefreshStore) userKey(id string) string { return s.client.Key("refresh", "user", id) }
func (s *RedisRefreshStore) idKey(id string) string { return s.client.Key("refresh", "id", id) }

// keep returns the key lifetime for tok in milliseconds.
func (s *RedisRefreshStore) keep(tok *RefreshToken, now time.Time) int64 {
	return tok.ExpiresAt.Sub(now).Milliseconds() + s.retention.Milliseconds()
}

func (s *RedisRefreshStore) Create(ctx context.Context, userID string, ttl time.Duration) (*RefreshToken, error) {
	now := s.opts.now()
	tok, err := newToken(userID, now, ttl)
	if err != nil {
		return nil, err
	}
	if _, err := s.users.FindUser(ctx, userID); err != nil {
		return nil, err
	}

	_, err = s.client.Eval(ctx, createScript,
		[]string{s.tokenKey(tok.Hash), s.userKey(userID), s.idKey(tok.ID)},
		tok.ID, tok.UserID, tok.CreatedAt.UnixMilli(), tok.ExpiresAt.UnixMilli(), s.keep(tok, now), tok.Hash,
		s.tokenPrefix(),
	)
	if err != nil {
		return nil, err
	}
	return tok, nil
}

func (s *RedisRefreshStore) Lookup(ctx context.Context, value string) (*RefreshToken, error) {
	hash, err := hashValue(value)
	if err != nil {
		return nil, err
	}
	tok, err := s.load(ctx, hash)
	if err != nil {
		return nil, err
	}
	if err := tok.check(s.opts.now()); err != nil {
		return nil, err
	}
	return tok, nil
}

// load reads the token stored under hash, active or not.
func (s *RedisRefreshStore) load(ctx context.Context, hash string) (*RefreshToken, error) {
	fields, err := s.client.HGetAll(ctx, s.tokenKey(hash))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, sserr.TokenNotFound()
	}
	return parseTokenFields(hash, fields)
}

func (s *RedisRefreshStore) Revoke(ctx context.Context, value string) error {
	hash, err := hashValue(value)
	if err != nil {
		return err
	}
	_, err = s.revokeHash(ctx, hash)
	return err
}

func (s *RedisRefreshStore) RevokeID(ctx context.Context, id string) error {
	hash, err := s.client.Get(ctx, s.idKey(id))
	if redis.IsNil(err) {
		return sserr.TokenNotFound()
	}
	if err != nil {
		return err
	}
	_, err = s.revokeHash(ctx, hash)
	return err
}

// revokeHash reports whether this call flipped the revoked flag.
func (s *RedisRefreshStore) revokeHash(ctx context.Context, hash string) (bool, error) {
	res, err := s.client.Eval(ctx, revokeScript, []string{s.tokenKey(hash)})
	if err != nil {
		return false, err
	}
	switch n, _ := res.(int64); n {
	case -1:
		return false, sserr.TokenNotFound()
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

// ListActive also removes index entries whose token key has expired.
func (s *RedisRefreshStore) ListActive(ctx context.Context, userID string) ([]RefreshToken, error) {
	userKey := s.userKey(userID)
	hashes, err := s.client.SMembers(ctx, userKey)
	if err != nil {
		return nil, err
	}

	now := s.opts.now()
	var out []RefreshToken
	var stale []interface{}
	for _, hash := range hashes {
		tok, err := s.load(ctx, hash)
		if sserr.HasCode(err, sserr.CodeTokenNotFound) {
			stale = append(stale, hash)
			continue
		}
		if err != nil {
			return nil, err
		}
		if tok.Active(now) {
			out = append(out, *tok)
		}
	}
	if len(stale) > 0 {
		if _, err := s.client.SRem(ctx, userKey, stale...); err != nil {
			return nil, err
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *RedisRefreshStore) Rotate(ctx context.Context, value string, ttl time.Duration) (*RefreshToken, error) {
	now := s.opts.now()
	current, err := s.Lookup(ctx, value)
	if err != nil {
		return nil, err
	}
	next, err := newToken(current.UserID, now, ttl)
	if err != nil {
		return nil, err
	}

	res, err := s.client.Eval(ctx, rotateScript,
		[]string{s.tokenKey(current.Hash), s.tokenKey(next.Hash), s.userKey(next.UserID), s.idKey(next.ID)},
		now.UnixMilli(), next.ID, next.CreatedAt.UnixMilli(), next.ExpiresAt.UnixMilli(),
		s.keep(next, now), next.Hash, next.UserID, s.tokenPrefix(),
	)
	if err != nil {
		return nil, err
	}
	switch res {
	case "ok":
		return next, nil
	case "revoked":
		return nil, sserr.RefreshTokenRevoked()
	case "expired":
		return nil, sserr.RefreshTokenExpired()
	default:
		return nil, sserr.TokenNotFound()
	}
}

func (s *RedisRefreshStore) RevokeAll(ctx context.Context, userID string) (int, error) {
	active, err := s.ListActive(ctx, userID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, tok := range active {
		revoked, err := s.revokeHash(ctx, tok.Hash)
		if sserr.HasCode(err, sserr.CodeTokenNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if revoked {
			n++
		}
	}
	return n, nil
}

func (s *RedisRefreshStore) PurgeUser(ctx context.Context, userID string) (int, error) {
	userKey := s.userKey(userID)
	hashes, err := s.client.SMembers(ctx, userKey)
	if err != nil {
		return 0, err
	}

	keys := []string{userKey}
	n := 0
	for _, hash := range hashes {
		tok, err := s.load(ctx, hash)
		if sserr.HasCode(err, sserr.CodeTokenNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		keys = append(keys, s.tokenKey(hash), s.idKey(tok.ID))
		n++
	}
	if _, err := s.client.Del(ctx, keys...); err != nil {
		return 0, err
	}
	return n, nil
}

func parseTokenFields(hash string, f map[string]string) (*RefreshToken, error) {
	created, err := strconv.ParseInt(f["created_at"], 10, 64)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalDatabase, "session: corrupt refresh token record")
	}
	expires, err := strconv.ParseInt(f["expires_at"], 10, 64)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalDatabase, "session: corrupt refresh token record")
	}
	return &RefreshToken{
		ID:         f["id"],
		UserID:     f["user_id"],
		Hash:       hash,
		CreatedAt:  time.UnixMilli(created).UTC(),
		ExpiresAt:  time.UnixMilli(expires).UTC(),
		Revoked:    f["revoked"] == "1",
		ReplacedBy: f["replaced_by"],
	}, nil
}
