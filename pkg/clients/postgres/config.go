package postgres

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

const maxSQLTruncateLen = 100

const (
	DefaultHost                    = "postgres.databases.svc.cluster.local"
	DefaultPort                    = 5432
	DefaultDatabase                = "gatekeeper"
	DefaultUser                    = "gatekeeper"
	DefaultMaxConns          int32 = 20
	DefaultMinConns          int32 = 2
	DefaultMaxConnLifetime         = time.Hour
	DefaultMaxConnIdleTime         = 30 * time.Minute
	DefaultHealthCheckPeriod       = time.Minute
	DefaultConnectTimeout          = 5 * time.Second
	DefaultHealthTimeout           = 5 * time.Second
)

// SSLMode is a libpq sslmode value.
type SSLMode string

const (
	SSLModeDisable    SSLMode = "disable"
	SSLModePrefer     SSLMode = "prefer"
	SSLModeRequire    SSLMode = "require"
	SSLModeVerifyCA   SSLMode = "verify-ca"
	SSLModeVerifyFull SSLMode = "verify-full"
)

// Valid reports whether m is a supported mode.
func (m SSLMode) Valid() bool {
	switch m {
	case SSLModeDisable, SSLModePrefer, SSLModeRequire, SSLModeVerifyCA, SSLModeVerifyFull:
		return true
	}
	return false
}

// Secret is a string that never prints its value.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string               { return redacted }
func (s Secret) GoString() string             { return redacted }
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }
func (s Secret) Value() string                { return string(s) }

// Config holds the PostgreSQL connection settings. URI, when set, takes
// precedence over the individual fields.
type Config struct {
	URI               string        `json:"uri,omitempty" yaml:"uri" env:"POSTGRES_URI"`
	Host              string        `json:"host,omitempty" yaml:"host" env:"POSTGRES_HOST"`
	Port              int           `json:"port,omitempty" yaml:"port" env:"POSTGRES_PORT"`
	Database          string        `json:"database" yaml:"database" env:"POSTGRES_DATABASE"`
	User              string        `json:"user" yaml:"user" env:"POSTGRES_USER"`
	Password          Secret        `json:"-" yaml:"password" env:"POSTGRES_PASSWORD"`
	SSLMode           SSLMode       `json:"ssl_mode,omitempty" yaml:"ssl_mode" env:"POSTGRES_SSLMODE"`
	SSLRootCert       string        `json:"ssl_root_cert,omitempty" yaml:"ssl_root_cert" env:"POSTGRES_SSL_ROOT_CERT"`
	MaxConns          int32         `json:"max_conns,omitempty" yaml:"max_conns" env:"POSTGRES_MAX_CONNS"`
	MinConns          int32         `json:"min_conns,omitempty" yaml:"min_conns" env:"POSTGRES_MIN_CONNS"`
	MaxConnLifetime   time.Duration `json:"max_conn_lifetime,omitempty" yaml:"max_conn_lifetime" env:"POSTGRES_MAX_CONN_LIFETIME"`
	MaxConnIdleTime   time.Duration `json:"max_conn_idle_time,omitempty" yaml:"max_conn_idle_time" env:"POSTGRES_MAX_CONN_IDLE_TIME"`
	HealthCheckPeriod time.Duration `json:"health_check_period,omitempty" yaml:"health_check_period" env:"POSTGRES_HEALTH_CHECK_PERIOD"`
	ConnectTimeout    time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout" env:"POSTGRES_CONNECT_TIMEOUT"`
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() *Config {
	c := &Config{
		Host:     DefaultHost,
		Port:     DefaultPort,
		Database: DefaultDatabase,
		User:     DefaultUser,
		SSLMode:  SSLModeRequire,
	}
	c.applyPoolDefaults()
	return c
}

// Validate fills unset fields with defaults and checks the rest.
func (c *Config) Validate() error {
	c.applyPoolDefaults()

	if c.URI != "" {
		if _, err := url.Parse(c.URI); err != nil {
			return fmt.Errorf("postgres: config URI is invalid: %w", err)
		}
		return nil
	}

	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.SSLMode == "" {
		c.SSLMode = SSLModeRequire
	}
	switch {
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("postgres: config port must be between 1 and 65535, got %d", c.Port)
	case c.Database == "":
		return errors.New("postgres: config database must not be empty")
	case c.User == "":
		return errors.New("postgres: config user must not be empty")
	case !c.SSLMode.Valid():
		return fmt.Errorf("postgres: config ssl_mode %q is not valid", c.SSLMode)
	case c.MaxConns < c.MinConns:
		return fmt.Errorf("postgres: config max_conns (%d) must be >= min_conns (%d)", c.MaxConns, c.MinConns)
	}
	if c.SSLRootCert != "" {
		if _, err := os.Stat(c.SSLRootCert); err != nil {
			return fmt.Errorf("postgres: config ssl_root_cert %q is not accessible: %w", c.SSLRootCert, err)
		}
	}
	return nil
}

func (c *Config) applyPoolDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.MinConns == 0 {
		c.MinConns = DefaultMinConns
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = DefaultMaxConnLifetime
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = DefaultMaxConnIdleTime
	}
	if c.HealthCheckPeriod == 0 {
		c.HealthCheckPeriod = DefaultHealthCheckPeriod
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
}

// ConnectionString returns URI or a postgres:// URL assembled from the
// individual fields. The result contains the password; never log it.
func (c *Config) ConnectionString() string {
	if c.URI != "" {
		return c.URI
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password.Value()),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.Database,
	}
	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", string(c.SSLMode))
	}
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// tlsConfig builds a TLS config when a root certificate is configured.
func (c *Config) tlsConfig() (*tls.Config, error) {
	if c.SSLRootCert == "" || c.SSLMode == SSLModeDisable {
		return nil, nil
	}

	pem, err := os.ReadFile(c.SSLRootCert)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to read CA certificate %q: %w", c.SSLRootCert, err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("postgres: failed to parse CA certificate from %q", c.SSLRootCert)
	}

	cfg := &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}
	switch c.SSLMode {
	case SSLModeVerifyFull:
		cfg.ServerName = c.Host
	case SSLModeVerifyCA:
		// Chain verification without hostname matching.
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("postgres: server did not present a certificate")
			}
			opts := x509.VerifyOptions{Roots: roots, Intermediates: x509.NewCertPool()}
			for _, cert := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(cert)
			}
			_, err := cs.PeerCertificates[0].Verify(opts)
			return err
		}
	default:
		cfg.InsecureSkipVerify = true
	}
	return cfg, nil
}

func truncateSQL(sql string) string {
	if len(sql) <= maxSQLTruncateLen {
		return sql
	}
	return sql[:maxSQLTruncateLen] + "..."
}
