package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
	"github.com/StricklySoft/stricklysoft-gatekeeper/pkg/metrics"
)

// KeySource supplies verification keys to the edge validator.
//
// VerificationKey returns the key for a token's kid and alg header values.
// It fails with KeySourceUnavailable when key material cannot be obtained
// and with SignatureInvalid when no key matches the token. A KeySource
// never returns a nil key with a nil error.
type KeySource interface {
	VerificationKey(ctx context.Context, kid, alg string) (any, error)
	Algorithms() []string
}

// HTTPClient is the subset of *http.Client used to fetch key sets.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ---------------------------------------------------------------------------
// Shared secret
// ---------------------------------------------------------------------------

// StaticKeySource verifies HMAC-signed tokens with a shared secret.
type StaticKeySource struct {
	secret []byte
	algs   []string
}

var _ KeySource = (*StaticKeySource)(nil)

// NewStaticKeySource returns a source for secret. algs defaults to HS256,
// HS384 and HS512; only HMAC algorithms are accepted.
func NewStaticKeySource(secret Secret, algs ...string) (*StaticKeySource, error) {
	if len(secret.Value()) < MinSecretLength {
		return nil, sserr.Newf(sserr.CodeInternalConfiguration,
			"auth: HMAC secret must be at least %d bytes", MinSecretLength)
	}
	if len(algs) == 0 {
		algs = []string{"HS256", "HS384", "HS512"}
	}
	for _, a := range algs {
		if _, ok := jwt.GetSigningMethod(a).(*jwt.SigningMethodHMAC); !ok {
			return nil, sserr.Newf(sserr.CodeInternalConfiguration,
				"auth: %q is not an HMAC algorithm", a)
		}
	}
	return &StaticKeySource{secret: []byte(secret.Value()), algs: algs}, nil
}

func (s *StaticKeySource) VerificationKey(context.Context, string, string) (any, error) {
	return s.secret, nil
}

func (s *StaticKeySource) Algorithms() []string {
	return slices.Clone(s.algs)
}

// ---------------------------------------------------------------------------
// Single public key
// ---------------------------------------------------------------------------

// PublicKeySource verifies RS256 tokens with one configured public key.
type PublicKeySource struct {
	key *rsa.PublicKey
	kid string
}

var _ KeySource = (*PublicKeySource)(nil)

// NewPublicKeySource parses a PEM encoded RSA public key. When kid is
// set, tokens naming a different kid are rejected.
func NewPublicKeySource(pemData []byte, kid string) (*PublicKeySource, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemData)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "auth: invalid RSA public key")
	}
	if key.N.BitLen() < minRSABits {
		return nil, sserr.Newf(sserr.CodeInternalConfiguration,
			"auth: RSA public key must be at least %d bits", minRSABits)
	}
	return &PublicKeySource{key: key, kid: kid}, nil
}

func (s *PublicKeySource) VerificationKey(_ context.Context, kid, _ string) (any, error) {
	if s.kid != "" && kid != "" && kid != s.kid {
		return nil, sserr.SignatureInvalid("unknown signing key")
	}
	return s.key, nil
}

func (s *PublicKeySource) Algorithms() []string {
	return []string{"RS256"}
}

// ---------------------------------------------------------------------------
// Remote key set
// ---------------------------------------------------------------------------

const (
	DefaultJWKSCacheTTL           = 10 * time.Minute
	DefaultJWKSFetchTimeout       = time.Second
	DefaultJWKSMinRefreshInterval = 30 * time.Second
	DefaultJWKSMaxKeys            = 32

	// maxJWKSResponseSize bounds the key set body read from the network.
	maxJWKSResponseSize = 1 << 20
)

// JWKSConfig configures a JWKSKeySource.
type JWKSConfig struct {
	// URL of the key set. Must be https unless AllowHTTP is set.
	URL string `json:"url" yaml:"url" env:"JWKS_URL"`

	// CacheTTL is how long a fetched key set is trusted before it must be
	// fetched again. An expired set is never used.
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl" env:"JWKS_CACHE_TTL" envDefault:"10m"`

	// FetchTimeout bounds dial, TLS handshake, response headers, and the
	// whole fetch.
	FetchTimeout time.Duration `json:"fetch_timeout" yaml:"fetch_timeout" env:"JWKS_FETCH_TIMEOUT" envDefault:"1s"`

	// MinRefreshInterval throttles refetches triggered by unknown key ids
	// while the cached set is still fresh.
	MinRefreshInterval time.Duration `json:"min_refresh_interval" yaml:"min_refresh_interval" env:"JWKS_MIN_REFRESH_INTERVAL" envDefault:"30s"`

	// MaxKeys caps the number of keys kept from one set.
	MaxKeys int `json:"max_keys" yaml:"max_keys" env:"JWKS_MAX_KEYS" envDefault:"32"`

	Algorithms []string `json:"algorithms" yaml:"algorithms" env:"JWKS_ALGORITHMS" envDefault:"RS256,ES256"`

	AllowHTTP bool `json:"allow_http" yaml:"allow_http" env:"JWKS_ALLOW_HTTP"`
}

// Validate fills defaults and checks the URL.
func (c *JWKSConfig) Validate() error {
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultJWKSCacheTTL
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultJWKSFetchTimeout
	}
	if c.MinRefreshInterval <= 0 {
		c.MinRefreshInterval = DefaultJWKSMinRefreshInterval
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = DefaultJWKSMaxKeys
	}
	if len(c.Algorithms) == 0 {
		c.Algorithms = []string{"RS256", "ES256"}
	}

	u, err := url.Parse(c.URL)
	if err != nil || u.Host == "" {
		return sserr.Newf(sserr.CodeValidationFormat, "auth: jwks url %q is invalid", c.URL)
	}
	if u.Scheme != "https" && !(c.AllowHTTP && u.Scheme == "http") {
		return sserr.Newf(sserr.CodeValidationFormat, "auth: jwks url must use https, got %q", u.Scheme)
	}
	for _, a := range c.Algorithms {
		switch jwt.GetSigningMethod(a).(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA, *jwt.SigningMethodRSAPSS:
		default:
			return sserr.Newf(sserr.CodeValidationFormat, "auth: %q is not an asymmetric algorithm", a)
		}
	}
	return nil
}

// JWKSKeySource fetches public keys from a remote key set and caches them.
// Concurrent cache misses share a single fetch, and each fetch is bounded
// by FetchTimeout. When the cache has expired and a fetch fails, the
// source fails closed with KeySourceUnavailable.
type JWKSKeySource struct {
	cfg     JWKSConfig
	client  HTTPClient
	metrics *metrics.Metrics
	now     func() time.Time
	group   singleflight.Group
	limiter *rate.Limiter

	mu        sync.RWMutex
	keys      map[string]any
	fetchedAt time.Time
}

var _ KeySource = (*JWKSKeySource)(nil)

// JWKSOption configures a JWKSKeySource.
type JWKSOption func(*JWKSKeySource)

// WithHTTPClient replaces the default timeout-bounded client.
func WithHTTPClient(c HTTPClient) JWKSOption {
	return func(s *JWKSKeySource) { s.client = c }
}

func WithJWKSMetrics(m *metrics.Metrics) JWKSOption {
	return func(s *JWKSKeySource) { s.metrics = m }
}

func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(s *JWKSKeySource) { s.now = now }
}

// NewJWKSKeySource validates cfg and returns a source with an empty cache.
// Keys are fetched lazily on first use.
func NewJWKSKeySource(cfg JWKSConfig, opts ...JWKSOption) (*JWKSKeySource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &JWKSKeySource{
		cfg:     cfg,
		now:     time.Now,
		limiter: rate.NewLimiter(rate.Every(cfg.MinRefreshInterval), 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = newJWKSHTTPClient(cfg.FetchTimeout)
	}
	return s, nil
}

func newJWKSHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
			MaxIdleConns:          4,
			IdleConnTimeout:       90 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}

func (s *JWKSKeySource) Algorithms() []string {
	return slices.Clone(s.cfg.Algorithms)
}

// VerificationKey returns the cached key for kid, fetching the key set
// when the cache is empty or expired, or when kid is unknown and the
// refetch throttle allows it.
func (s *JWKSKeySource) VerificationKey(ctx context.Context, kid, _ string) (any, error) {
	keys, fresh := s.snapshot()
	if fresh {
		if key, ok := lookupKey(keys, kid); ok {
			return key, nil
		}
		if !s.limiter.Allow() {
			return nil, sserr.SignatureInvalid("unknown signing key")
		}
	}

	keys, err := s.refresh(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := lookupKey(keys, kid); ok {
		return key, nil
	}
	return nil, sserr.SignatureInvalid("unknown signing key")
}

// lookupKey finds kid in keys. A token without kid matches only a set
// holding exactly one key.
func lookupKey(keys map[string]any, kid string) (any, bool) {
	if kid == "" && len(keys) == 1 {
		for _, k := range keys {
			return k, true
		}
	}
	key, ok := keys[kid]
	return key, ok
}

func (s *JWKSKeySource) snapshot() (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fresh := s.keys != nil && s.now().Sub(s.fetchedAt) < s.cfg.CacheTTL
	return s.keys, fresh
}

// refresh fetches the key set once for all concurrent callers. The fetch
// is detached from the first caller's cancellation and bounded by
// FetchTimeout; each caller stops waiting when its own context ends.
func (s *JWKSKeySource) refresh(ctx context.Context) (map[string]any, error) {
	ch := s.group.DoChan(s.cfg.URL, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FetchTimeout)
		defer cancel()

		start := time.Now()
		keys, err := s.fetch(fctx)
		s.metrics.JWKSFetch(err, time.Since(start))
		if err != nil {
			slog.WarnContext(ctx, "auth: jwks fetch failed", "url", s.cfg.URL, "error", err)
			return nil, err
		}

		s.mu.Lock()
		s.keys = keys
		s.fetchedAt = s.now()
		s.mu.Unlock()
		return keys, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[string]any), nil
	case <-ctx.Done():
		return nil, sserr.KeySourceUnavailable(ctx.Err(), "key set fetch abandoned")
	}
}

func (s *JWKSKeySource) fetch(ctx context.Context) (_ map[string]any, err error) {
	ctx, span := startSpan(ctx, otel.Tracer(tracerName), "auth.FetchJWKS")
	span.SetAttributes(attribute.String("auth.jwks_url", s.cfg.URL))
	defer func() { finishSpan(span, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, sserr.KeySourceUnavailable(err, "key set request invalid")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, sserr.KeySourceUnavailable(err, "key set fetch failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, sserr.KeySourceUnavailable(
			fmt.Errorf("unexpected status %d", resp.StatusCode), "key set fetch failed")
	}

	var set JWKS
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSResponseSize)).Decode(&set); err != nil {
		return nil, sserr.KeySourceUnavailable(err, "key set response malformed")
	}

	keys := make(map[string]any, len(set.Keys))
	for _, jwk := range set.Keys {
		if len(keys) >= s.cfg.MaxKeys {
			break
		}
		key, perr := jwk.PublicKey()
		if perr != nil {
			slog.DebugContext(ctx, "auth: skipping unusable jwk", "kid", jwk.Kid, "error", perr)
			continue
		}
		keys[jwk.Kid] = key
	}
	if len(keys) == 0 {
		return nil, sserr.KeySourceUnavailable(errors.New("no usable keys"), "key set contains no usable keys")
	}
	span.SetAttributes(attribute.Int("auth.jwks_keys", len(keys)))
	return keys, nil
}
