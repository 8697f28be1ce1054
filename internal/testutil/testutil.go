// Package testutil holds helpers shared by gatekeeper unit tests: error
// code assertions, a controllable clock, token and key generators, a JWKS
// test server, and span capture. It must not import the packages under
// test so that in-package tests can use it.
package testutil

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

// RequireErrorCode fails the test immediately unless err carries code.
func RequireErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) {
	t.Helper()
	require.Error(t, err, msgAndArgs...)
	ssErr, ok := sserr.AsError(err)
	require.True(t, ok, "expected *sserr.Error, got %T: %v", err, err)
	require.Equal(t, code, ssErr.Code,
		"error code mismatch: got %q, want %q (message: %s)", ssErr.Code, code, ssErr.Message)
}

// AssertErrorCode is the non-fatal form of RequireErrorCode.
func AssertErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) bool {
	t.Helper()
	if !assert.Error(t, err, msgAndArgs...) {
		return false
	}
	ssErr, ok := sserr.AsError(err)
	if !assert.True(t, ok, "expected *sserr.Error, got %T: %v", err, err) {
		return false
	}
	return assert.Equal(t, code, ssErr.Code,
		"error code mismatch: got %q, want %q (message: %s)", ssErr.Code, code, ssErr.Message)
}

// TempFile writes content to name inside a per-test directory.
func TempFile(t testing.TB, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "failed to write temp file %s", path)
	return path
}

// Clock is a manually advanced clock safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock set to start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// HMACToken signs claims with HS256.
func HMACToken(t testing.TB, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err, "failed to sign HMAC token")
	return signed
}

// RSAKey generates a 2048-bit RSA key.
func RSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate RSA key")
	return key
}

// ECKey generates a P-256 key.
func ECKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "failed to generate EC key")
	return key
}

// RSAToken signs claims with RS256 and sets the kid header.
func RSAToken(t testing.TB, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	require.NoError(t, err, "failed to sign RSA token")
	return signed
}

// ECToken signs claims with ES256 and sets the kid header.
func ECToken(t testing.TB, key *ecdsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	require.NoError(t, err, "failed to sign EC token")
	return signed
}

// JWKSServer serves a mutable key set and counts requests.
type JWKSServer struct {
	*httptest.Server
	mu       sync.Mutex
	rsaKeys  map[string]*rsa.PublicKey
	ecKeys   map[string]*ecdsa.PublicKey
	delay    time.Duration
	status   int
	requests atomic.Int64
}

// ServeJWKS starts a JWKS server closed at test cleanup.
func ServeJWKS(t testing.TB) *JWKSServer {
	t.Helper()
	s := &JWKSServer{
		rsaKeys: make(map[string]*rsa.PublicKey),
		ecKeys:  make(map[string]*ecdsa.PublicKey),
		status:  http.StatusOK,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *JWKSServer) AddRSA(kid string, key *rsa.PublicKey) {
	s.mu.Lock()
	s.rsaKeys[kid] = key
	s.mu.Unlock()
}

func (s *JWKSServer) AddEC(kid string, key *ecdsa.PublicKey) {
	s.mu.Lock()
	s.ecKeys[kid] = key
	s.mu.Unlock()
}

// SetDelay makes every response wait d before being written.
func (s *JWKSServer) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// SetStatus makes the server answer with status and no body when not 200.
func (s *JWKSServer) SetStatus(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Requests returns how many requests the server has received.
func (s *JWKSServer) Requests() int64 {
	return s.requests.Load()
}

// URL returns the key set URL.
func (s *JWKSServer) URL() string {
	return s.Server.URL + "/.well-known/jwks.json"
}

func (s *JWKSServer) serve(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	s.mu.Lock()
	delay, status := s.delay, s.status
	keys := make([]map[string]string, 0, len(s.rsaKeys)+len(s.ecKeys))
	for kid, k := range s.rsaKeys {
		keys = append(keys, map[string]string{
			"kty": "RSA", "kid": kid, "use": "sig", "alg": "RS256",
			"n": b64(k.N.Bytes()),
			"e": b64(big.NewInt(int64(k.E)).Bytes()),
		})
	}
	for kid, k := range s.ecKeys {
		keys = append(keys, map[string]string{
			"kty": "EC", "kid": kid, "use": "sig", "alg": "ES256", "crv": "P-256",
			"x": b64(k.X.FillBytes(make([]byte, 32))),
			"y": b64(k.Y.FillBytes(make([]byte, 32))),
		})
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// RecordSpans installs an in-memory tracer provider for the duration of
// the test. Tests using it must not run in parallel.
func RecordSpans(t testing.TB) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}
