// Package redis wraps go-redis with tracing and gatekeeper error codes.
// It backs the shared token blacklist and the Redis refresh token store,
// which need expiring keys, hashes, sets, and server-side scripts for
// compare-and-set.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

const tracerName = "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/clients/redis"

// Cmdable is the subset of go-redis commands used by gatekeeper. Both
// *redis.Client and test mocks satisfy it.
type Cmdable interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

var _ Cmdable = (*redis.Client)(nil)

// Client is a traced Redis client.
type Client struct {
	cmdable Cmdable
	config  *Config
	tracer  trace.Tracer
	dbIndex int
}

// NewClient validates cfg, connects, and pings the server.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "redis: invalid configuration")
	}

	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "redis: failed to connect to server")
	}

	return &Client{
		cmdable: rdb,
		config:  &cfg,
		tracer:  otel.Tracer(tracerName),
		dbIndex: opts.DB,
	}, nil
}

func (c *Config) options() (*redis.Options, error) {
	if c.URI != "" {
		opts, err := redis.ParseURL(c.URI)
		if err != nil {
			return nil, sserr.Wrap(err, sserr.CodeValidation, "redis: failed to parse connection URI")
		}
		opts.PoolSize = c.PoolSize
		opts.MinIdleConns = c.MinIdleConns
		opts.MaxRetries = c.MaxRetries
		opts.DialTimeout = c.DialTimeout
		opts.ReadTimeout = c.ReadTimeout
		opts.WriteTimeout = c.WriteTimeout
		return opts, nil
	}

	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Password:     c.Password.Value(),
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
		MaxRetries:   c.MaxRetries,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
	}
	if c.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}

// NewFromClient wraps an existing Cmdable. Used by tests and by callers
// that manage the go-redis client themselves.
func NewFromClient(cmdable Cmdable, cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &Client{
		cmdable: cmdable,
		config:  cfg,
		tracer:  otel.Tracer(tracerName),
		dbIndex: cfg.DB,
	}
}

// Key returns parts joined with ":" under the configured key prefix.
func (c *Client) Key(parts ...string) string {
	key := c.config.KeyPrefix
	for i, p := range parts {
		if i > 0 {
			key += ":"
		}
		key += p
	}
	return key
}

func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	ctx, span := c.startSpan(ctx, "Set", fmt.Sprintf("%s EX %v", c.statement("SET", key), expiration))
	err := c.cmdable.Set(ctx, key, value, expiration).Err()
	finishSpan(span, err)
	return wrapError(err, "redis: set failed")
}

// Get returns the value of key. A missing key yields an error for which
// IsNil reports true.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	ctx, span := c.startSpan(ctx, "Get", c.statement("GET", key))
	val, err := c.cmdable.Get(ctx, key).Result()
	finishSpan(span, ignoreNil(err))
	if err != nil {
		return "", wrapError(err, "redis: get failed")
	}
	return val, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	ctx, span := c.startSpan(ctx, "Del", c.statement("DEL", keys...))
	val, err := c.cmdable.Del(ctx, keys...).Result()
	finishSpan(span, err)
	if err != nil {
		return 0, wrapError(err, "redis: del failed")
	}
	return val, nil
}

func (c *Client) Exists(ctx context.Context, keys ...string) (int64, error) {
	ctx, span := c.startSpan(ctx, "Exists", c.statement("EXISTS", keys...))
	val, err := c.cmdable.Exists(ctx, keys...).Result()
	finishSpan(span, err)
	if err != nil {
		return 0, wrapError(err, "redis: exists failed")
	}
	return val, nil
}

func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, span := c.startSpan(ctx, "TTL", c.statement("TTL", key))
	val, err := c.cmdable.TTL(ctx, key).Result()
	finishSpan(span, err)
	if err != nil {
		return 0, wrapError(err, "redis: ttl failed")
	}
	return val, nil
}

// HGetAll returns all fields of a hash; a missing key yields an empty map.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, span := c.startSpan(ctx, "HGetAll", c.statement("HGETALL", key))
	val, err := c.cmdable.HGetAll(ctx, key).Result()
	finishSpan(span, err)
	if err != nil {
		return nil, wrapError(err, "redis: hgetall failed")
	}
	return val, nil
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, span := c.startSpan(ctx, "SMembers", c.statement("SMEMBERS", key))
	val, err := c.cmdable.SMembers(ctx, key).Result()
	finishSpan(span, err)
	if err != nil {
		return nil, wrapError(err, "redis: smembers failed")
	}
	return val, nil
}

// SRem removes members from the set at key and returns how many were
// present.
func (c *Client) SRem(ctx context.Context, key string, members ...interface{}) (int64, error) {
	ctx, span := c.startSpan(ctx, "SRem", c.statement("SREM", key))
	val, err := c.cmdable.SRem(ctx, key, members...).Result()
	finishSpan(span, err)
	if err != nil {
		return 0, wrapError(err, "redis: srem failed")
	}
	return val, nil
}

// Eval runs a Lua script atomically on the server. The span records key
// namespaces only; script arguments are never recorded.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	ctx, span := c.startSpan(ctx, "Eval", c.statement("EVAL", keys...))
	val, err := c.cmdable.Eval(ctx, script, keys, args...).Result()
	finishSpan(span, ignoreNil(err))
	if err != nil {
		return nil, wrapError(err, "redis: eval failed")
	}
	return val, nil
}

// Health pings the server, bounded by DefaultHealthTimeout when ctx has no
// deadline.
func (c *Client) Health(ctx context.Context) error {
	ctx, span := c.startSpan(ctx, "Health", "PING")
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}

	err := c.cmdable.Ping(ctx).Err()
	finishSpan(span, err)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, "redis: health check failed")
	}
	return nil
}

func (c *Client) Close() error {
	return c.cmdable.Close()
}

// IsNil reports whether err stems from a missing key or a nil script reply.
func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

func (c *Client) startSpan(ctx context.Context, operation, statement string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "redis."+operation, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.Int("db.redis.database_index", c.dbIndex),
		attribute.String("db.statement", truncateStatement(statement)),
	)
	return ctx, span
}

// statement renders cmd followed by the namespace of each distinct key.
// Keys end in token hashes and user ids, which must not reach the trace
// exporter, so "gatekeeper:refresh:ab12" is recorded as
// "gatekeeper:refresh:*".
func (c *Client) statement(cmd string, keys ...string) string {
	parts := []string{cmd}
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		ns := c.namespace(k)
		if !seen[ns] {
			seen[ns] = true
			parts = append(parts, ns)
		}
	}
	return strings.Join(parts, " ")
}

func (c *Client) namespace(key string) string {
	prefix := c.config.KeyPrefix
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return "*"
	}
	ns, _, found := strings.Cut(rest, ":")
	if !found {
		return prefix + "*"
	}
	return prefix + ns + ":*"
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func ignoreNil(err error) error {
	if IsNil(err) {
		return nil
	}
	return err
}

// wrapError classifies err. redis.Nil becomes CodeNotFound with the cause
// preserved so IsNil still matches.
func wrapError(err error, message string) error {
	switch {
	case err == nil:
		return nil
	case IsNil(err):
		return sserr.Wrap(err, sserr.CodeNotFound, message)
	case errors.Is(err, context.DeadlineExceeded):
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, message)
	default:
		return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
	}
}
