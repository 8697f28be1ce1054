package auth

import (
	"crypto/rsa"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

// DefaultAccessTokenTTL is the lifetime of issued access tokens.
const DefaultAccessTokenTTL = time.Hour

// IssuerConfig configures an Issuer.
type IssuerConfig struct {
	Issuer         string        `json:"issuer" yaml:"issuer" env:"ISSUER" required:"true"`
	Audience       string        `json:"audience" yaml:"audience" env:"AUDIENCE"`
	AccessTokenTTL time.Duration `json:"access_token_ttl" yaml:"access_token_ttl" env:"ACCESS_TOKEN_TTL" envDefault:"1h"`

	// KeyID is published as kid. Required for RSA signing.
	KeyID string `json:"key_id" yaml:"key_id" env:"KEY_ID"`
}

func (c *IssuerConfig) Validate() error {
	if c.Issuer == "" {
		return sserr.New(sserr.CodeValidationRequired, "auth: issuer is required")
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	return nil
}

// Issuer signs access tokens for the session service. The tokens it
// produces are the external credentials validated at the edge.
type Issuer struct {
	cfg    IssuerConfig
	method jwt.SigningMethod
	key    any
	jwks   JWKS
	opts   options
}

// NewHMACIssuer returns an issuer signing HS256 tokens with secret. Such
// tokens are verified at the edge by a StaticKeySource holding the same
// secret.
func NewHMACIssuer(secret Secret, cfg IssuerConfig, opts ...Option) (*Issuer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(secret.Value()) < MinSecretLength {
		return nil, sserr.Newf(sserr.CodeInternalConfiguration,
			"auth: HMAC secret must be at least %d bytes", MinSecretLength)
	}
	return &Issuer{
		cfg:    cfg,
		method: jwt.SigningMethodHS256,
		key:    []byte(secret.Value()),
		jwks:   JWKS{Keys: []JWK{}},
		opts:   newOptions(opts),
	}, nil
}

// NewRSAIssuer returns an issuer signing RS256 tokens with key and
// publishing its public half under cfg.KeyID.
func NewRSAIssuer(key *rsa.PrivateKey, cfg IssuerConfig, opts ...Option) (*Issuer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if key == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: RSA signing key is required")
	}
	if key.N.BitLen() < minRSABits {
		return nil, sserr.Newf(sserr.CodeInternalConfiguration,
			"auth: RSA signing key must be at least %d bits", minRSABits)
	}
	if cfg.KeyID == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: key id is required for RSA signing")
	}
	return &Issuer{
		cfg:    cfg,
		method: jwt.SigningMethodRS256,
		key:    key,
		jwks:   JWKS{Keys: []JWK{RSAPublicJWK(cfg.KeyID, &key.PublicKey)}},
		opts:   newOptions(opts),
	}, nil
}

// ParseRSAPrivateKey decodes a PEM encoded PKCS#1 or PKCS#8 RSA key.
func ParseRSAPrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemData)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "auth: invalid RSA private key")
	}
	return key, nil
}

// Issue signs an access token for subject. It returns the token and its
// expiry.
func (i *Issuer) Issue(subject string, roles []string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, sserr.Validation("auth: subject is required")
	}
	now := i.opts.now()
	exp := now.Add(i.cfg.AccessTokenTTL)

	claims := jwt.MapClaims{
		"sub":   subject,
		"roles": slices.Clone(roles),
		"iss":   i.cfg.Issuer,
		"iat":   jwt.NewNumericDate(now),
		"exp":   jwt.NewNumericDate(exp),
		"jti":   uuid.NewString(),
	}
	if roles == nil {
		claims["roles"] = []string{}
	}
	if i.cfg.Audience != "" {
		claims["aud"] = i.cfg.Audience
	}

	tok := jwt.NewWithClaims(i.method, claims)
	if i.cfg.KeyID != "" {
		tok.Header["kid"] = i.cfg.KeyID
	}
	signed, err := tok.SignedString(i.key)
	if err != nil {
		return "", time.Time{}, sserr.SigningUnavailable(err, "access token signing failed")
	}
	// exp is truncated to whole seconds on the wire.
	return signed, exp.Truncate(time.Second), nil
}

// JWKS returns the published key set. It is empty for HMAC issuers.
func (i *Issuer) JWKS() JWKS {
	return JWKS{Keys: slices.Clone(i.jwks.Keys)}
}

// AccessTokenTTL returns the configured access token lifetime.
func (i *Issuer) AccessTokenTTL() time.Duration {
	return i.cfg.AccessTokenTTL
}
