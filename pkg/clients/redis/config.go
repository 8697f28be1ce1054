package redis

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const maxStatementTruncateLen = 100

const (
	DefaultHost          = "redis.databases.svc.cluster.local"
	DefaultPort          = 6379
	DefaultPoolSize      = 25
	DefaultMinIdleConns  = 5
	DefaultMaxRetries    = 3
	DefaultDialTimeout   = 5 * time.Second
	DefaultReadTimeout   = 2 * time.Second
	DefaultWriteTimeout  = 2 * time.Second
	DefaultHealthTimeout = 5 * time.Second

	// DefaultKeyPrefix namespaces every key written by gatekeeper stores.
	DefaultKeyPrefix = "gatekeeper:"
)

// Secret is a string that never prints its value.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string               { return redacted }
func (s Secret) GoString() string             { return redacted }
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Value returns the raw secret. Use only where the secret is required,
// such as building connection options.
func (s Secret) Value() string { return string(s) }

// Config holds the Redis connection settings. URI, when set, takes
// precedence over Host/Port/DB/Password.
type Config struct {
	URI          string        `json:"uri,omitempty" yaml:"uri" env:"REDIS_URI"`
	Host         string        `json:"host,omitempty" yaml:"host" env:"REDIS_HOST"`
	Port         int           `json:"port,omitempty" yaml:"port" env:"REDIS_PORT"`
	DB           int           `json:"db" yaml:"db" env:"REDIS_DB"`
	Password     Secret        `json:"-" yaml:"password" env:"REDIS_PASSWORD"`
	PoolSize     int           `json:"pool_size,omitempty" yaml:"pool_size" env:"REDIS_POOL_SIZE"`
	MinIdleConns int           `json:"min_idle_conns,omitempty" yaml:"min_idle_conns" env:"REDIS_MIN_IDLE_CONNS"`
	MaxRetries   int           `json:"max_retries,omitempty" yaml:"max_retries" env:"REDIS_MAX_RETRIES"`
	DialTimeout  time.Duration `json:"dial_timeout,omitempty" yaml:"dial_timeout" env:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `json:"read_timeout,omitempty" yaml:"read_timeout" env:"REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty" yaml:"write_timeout" env:"REDIS_WRITE_TIMEOUT"`
	TLSEnabled   bool          `json:"tls_enabled,omitempty" yaml:"tls_enabled" env:"REDIS_TLS_ENABLED"`
	KeyPrefix    string        `json:"key_prefix,omitempty" yaml:"key_prefix" env:"REDIS_KEY_PREFIX"`
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() *Config {
	c := &Config{Host: DefaultHost, Port: DefaultPort}
	c.applyDefaults()
	return c
}

// Validate fills unset fields with defaults and checks the rest.
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.URI != "" {
		u, err := url.Parse(c.URI)
		if err != nil {
			return fmt.Errorf("redis: config URI is invalid: %w", err)
		}
		if u.Scheme != "redis" && u.Scheme != "rediss" {
			return fmt.Errorf("redis: config URI scheme must be redis:// or rediss://, got %q", u.Scheme)
		}
		return nil
	}

	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	switch {
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("redis: config port must be between 1 and 65535, got %d", c.Port)
	case c.PoolSize < c.MinIdleConns:
		return fmt.Errorf("redis: config pool_size (%d) must be >= min_idle_conns (%d)", c.PoolSize, c.MinIdleConns)
	case c.DialTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0:
		return fmt.Errorf("redis: config timeouts must not be negative")
	case strings.ContainsAny(c.KeyPrefix, " \r\n"):
		return fmt.Errorf("redis: config key_prefix must not contain whitespace")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MinIdleConns <= 0 {
		c.MinIdleConns = DefaultMinIdleConns
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
}

func truncateStatement(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStatementTruncateLen {
		return s
	}
	return string(runes[:maxStatementTruncateLen]) + "..."
}
