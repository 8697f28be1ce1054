package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

// Header names of the internal assertion. Names are case-insensitive on
// the wire.
const (
	HeaderUser      = "X-Auth-User"
	HeaderRoles     = "X-Auth-Roles"
	HeaderExp       = "X-Auth-Exp"
	HeaderSignature = "X-Auth-Signature"

	// HeaderAuthorization carries the external bearer credential.
	HeaderAuthorization = "Authorization"

	reservedHeaderPrefix = "X-Auth-"
)

// legacyIdentityHeaders were once trusted by internal services and are
// removed at the edge along with the reserved prefix.
var legacyIdentityHeaders = []string{"X-User-Id", "X-User-Roles"}

// DefaultAssertionTTL is how long a minted assertion stays valid.
const DefaultAssertionTTL = 60 * time.Second

const bearerPrefix = "Bearer "

// ExtractBearerToken returns the credential from an Authorization header
// value, or "" when the value is not a bearer credential. The scheme is
// matched case-insensitively.
func ExtractBearerToken(authHeader string) string {
	if len(authHeader) <= len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(bearerPrefix):])
}

// StripReservedHeaders deletes every header with the X-Auth- prefix and
// the legacy identity headers from h.
func StripReservedHeaders(h http.Header) {
	for k := range h {
		if len(k) >= len(reservedHeaderPrefix) && strings.EqualFold(k[:len(reservedHeaderPrefix)], reservedHeaderPrefix) {
			delete(h, k)
		}
	}
	for _, k := range legacyIdentityHeaders {
		h.Del(k)
	}
}

// Assertion is the signed identity handed from the edge to internal
// services, in its wire form.
type Assertion struct {
	UserID string

	// Roles is the comma-joined, sorted role list.
	Roles string

	// Exp is the expiry in epoch milliseconds, as a decimal string.
	Exp string

	// Signature is base64(HMAC-SHA256(secret, canonical string)).
	Signature string
}

// Canonical returns the signed string: user, roles and expiry joined by
// colons, exactly as they appear in the headers.
func (a Assertion) Canonical() string {
	return a.UserID + ":" + a.Roles + ":" + a.Exp
}

// ExpiresAt parses Exp.
func (a Assertion) ExpiresAt() (time.Time, error) {
	ms, err := strconv.ParseInt(a.Exp, 10, 64)
	if err != nil {
		return time.Time{}, sserr.CredentialMalformed("assertion expiry is not a decimal timestamp")
	}
	return time.UnixMilli(ms), nil
}

// RoleList splits Roles. An empty Roles yields no roles.
func (a Assertion) RoleList() []string {
	if a.Roles == "" {
		return nil
	}
	return strings.Split(a.Roles, ",")
}

// SetHeaders writes the four assertion headers to h, replacing any
// existing values.
func (a Assertion) SetHeaders(h http.Header) {
	h.Set(HeaderUser, a.UserID)
	h.Set(HeaderRoles, a.Roles)
	h.Set(HeaderExp, a.Exp)
	h.Set(HeaderSignature, a.Signature)
}

func signAssertion(secret []byte, canonical string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// MinterConfig configures an InternalAssertionMinter.
type MinterConfig struct {
	// AssertionTTL is capped by the external credential's own expiry.
	AssertionTTL time.Duration `json:"assertion_ttl" yaml:"assertion_ttl" env:"ASSERTION_TTL" envDefault:"60s"`
}

func (c *MinterConfig) Validate() error {
	if c.AssertionTTL < 0 {
		return sserr.Newf(sserr.CodeValidationRange, "auth: assertion ttl must not be negative, got %s", c.AssertionTTL)
	}
	if c.AssertionTTL == 0 {
		c.AssertionTTL = DefaultAssertionTTL
	}
	return nil
}

// InternalAssertionMinter turns a validated external identity into a
// signed assertion. It is safe for concurrent use.
type InternalAssertionMinter struct {
	cfg    MinterConfig
	secret SecretLoader
	tracer trace.Tracer
	opts   options
}

// NewInternalAssertionMinter returns a minter signing with the secret
// returned by secret on every call.
func NewInternalAssertionMinter(secret SecretLoader, cfg MinterConfig, opts ...Option) (*InternalAssertionMinter, error) {
	if secret == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: internal secret loader is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &InternalAssertionMinter{
		cfg:    cfg,
		secret: secret,
		tracer: otel.Tracer(tracerName),
		opts:   newOptions(opts),
	}, nil
}

// Mint signs an assertion for id. The expiry is the earlier of now plus
// the assertion TTL and the identity's own expiry. The wire format carries
// milliseconds, so now is truncated to the millisecond before the TTL is
// added: the signed instant is the start of the minting millisecond and the
// expiry encodes exactly that instant plus the TTL.
//
// User ids and roles containing ':' or ',' or control characters are
// rejected with CredentialMalformed since they would make the canonical
// string ambiguous. A secret that cannot be loaded is SigningUnavailable.
func (m *InternalAssertionMinter) Mint(ctx context.Context, id *ExternalIdentity) (_ Assertion, err error) {
	ctx, span := startSpan(ctx, m.tracer, "auth.MintAssertion")
	defer func() {
		m.opts.metrics.AssertionMinted(err)
		finishSpan(span, err)
	}()

	if id == nil {
		return Assertion{}, sserr.Internal("auth: no identity to mint")
	}
	if err := checkAssertionField(id.SubjectID, "user id"); err != nil {
		return Assertion{}, err
	}
	roles := normalizeRoles(id.Roles)
	for _, r := range roles {
		if err := checkAssertionField(r, "role"); err != nil {
			return Assertion{}, err
		}
	}

	now := m.opts.now()
	exp := now.Truncate(time.Millisecond).Add(m.cfg.AssertionTTL)
	if !id.ExpiresAt.IsZero() && id.ExpiresAt.Before(exp) {
		exp = id.ExpiresAt
	}
	if !exp.After(now) {
		return Assertion{}, sserr.CredentialExpired("bearer credential has expired")
	}

	secret, err := loadSigningSecret(ctx, m.secret)
	if err != nil {
		return Assertion{}, err
	}

	a := Assertion{
		UserID: id.SubjectID,
		Roles:  strings.Join(roles, ","),
		Exp:    strconv.FormatInt(exp.UnixMilli(), 10),
	}
	a.Signature = signAssertion(secret, a.Canonical())

	span.SetAttributes(
		attribute.String("auth.user_id", a.UserID),
		attribute.String("auth.roles", a.Roles),
	)
	return a, nil
}

// Apply strips reserved headers from h, mints an assertion for id and
// writes it to h. Reserved headers are stripped even when minting fails.
func (m *InternalAssertionMinter) Apply(ctx context.Context, h http.Header, id *ExternalIdentity) (Assertion, error) {
	StripReservedHeaders(h)
	a, err := m.Mint(ctx, id)
	if err != nil {
		return Assertion{}, err
	}
	a.SetHeaders(h)
	return a, nil
}

func checkAssertionField(v, what string) error {
	if v == "" {
		return sserr.CredentialMalformed(what + " is empty")
	}
	if strings.ContainsAny(v, ":,") || strings.IndexFunc(v, unicode.IsControl) >= 0 {
		return sserr.CredentialMalformed(what + " contains reserved characters")
	}
	return nil
}
