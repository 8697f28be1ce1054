package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/StricklySoft/stricklysoft-gatekeeper/pkg/auth"
	"github.com/StricklySoft/stricklysoft-gatekeeper/pkg/clients/redis"
)

// TokenBlacklist records access tokens that must be rejected before their
// natural expiry. Entries are keyed by the token's SHA-256 hash and expire
// with the token.
type TokenBlacklist interface {
	// Add blacklists token until expiresAt. Tokens already expired are
	// not stored.
	Add(ctx context.Context, token string, expiresAt time.Time) error

	// Contains reports whether token is blacklisted. A successful Add is
	// visible to every later Contains.
	Contains(ctx context.Context, token string) (bool, error)
}

var (
	_ auth.RevocationChecker = (TokenBlacklist)(nil)
	_ TokenBlacklist         = (*MemoryBlacklist)(nil)
	_ TokenBlacklist         = (*RedisBlacklist)(nil)
)

// MemoryBlacklist is a process-local TokenBlacklist. Expired entries are
// ignored by Contains and dropped by Sweep.
type MemoryBlacklist struct {
	opts options

	mu      sync.RWMutex
	entries map[string]time.Time
}

func NewMemoryBlacklist(opts ...Option) *MemoryBlacklist {
	return &MemoryBlacklist{opts: newOptions(opts), entries: make(map[string]time.Time)}
}

func (b *MemoryBlacklist) Add(_ context.Context, token string, expiresAt time.Time) error {
	if !b.opts.now().Before(expiresAt) {
		return nil
	}
	hash := HashToken(token)

	b.mu.Lock()
	if cur, ok := b.entries[hash]; !ok || expiresAt.After(cur) {
		b.entries[hash] = expiresAt
	}
	b.mu.Unlock()

	b.opts.metrics.BlacklistAddition()
	return nil
}

func (b *MemoryBlacklist) Contains(_ context.Context, token string) (bool, error) {
	hash := HashToken(token)

	b.mu.RLock()
	exp, ok := b.entries[hash]
	b.mu.RUnlock()

	hit := ok && b.opts.now().Before(exp)
	if hit {
		b.opts.metrics.BlacklistHit()
	}
	return hit, nil
}

// Len returns the number of stored entries, expired or not.
func (b *MemoryBlacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Sweep removes expired entries and returns how many were removed.
func (b *MemoryBlacklist) Sweep() int {
	now := b.opts.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for hash, exp := range b.entries {
		if !now.Before(exp) {
			delete(b.entries, hash)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (b *MemoryBlacklist) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.Sweep(); n > 0 {
				slog.DebugContext(ctx, "session: swept expired blacklist entries", "removed", n)
			}
		}
	}
}

// RedisBlacklist is a TokenBlacklist shared by every instance connected
// to the same Redis. Each entry is a key with a TTL equal to the token's
// remaining lifetime.
type RedisBlacklist struct {
	client *redis.Client
	opts   options
}

func NewRedisBlacklist(client *redis.Client, opts ...Option) *RedisBlacklist {
	return &RedisBlacklist{client: client, opts: newOptions(opts)}
}

func (b *RedisBlacklist) key(token string) string {
	return b.client.Key("blacklist", HashToken(token))
}

func (b *RedisBlacklist) Add(ctx context.Context, token string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(b.opts.now())
	if ttl <= 0 {
		return nil
	}
	// SET EX has second granularity; round up so the entry never expires
	// before the token does.
	ttl = ttl.Truncate(time.Second) + time.Second
	if err := b.client.Set(ctx, b.key(token), "1", ttl); err != nil {
		return err
	}
	b.opts.metrics.BlacklistAddition()
	return nil
}

func (b *RedisBlacklist) Contains(ctx context.Context, token string) (bool, error) {
	n, err := b.client.Exists(ctx, b.key(token))
	if err != nil {
		return false, err
	}
	if n > 0 {
		b.opts.metrics.BlacklistHit()
	}
	return n > 0, nil
}
