package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

// maxTokenSize is the largest bearer credential accepted, in bytes.
const maxTokenSize = 8192

// ExternalIdentity is the identity carried by a validated external
// credential. It is consumed by the minter and then discarded.
type ExternalIdentity struct {
	SubjectID string
	Roles     []string
	ExpiresAt time.Time

	// TokenID and Issuer are the jti and iss claims, empty when absent.
	TokenID string
	Issuer  string
}

// ValidatorConfig configures an EdgeTokenValidator.
type ValidatorConfig struct {
	// Issuer, when set, must equal the iss claim.
	Issuer string `json:"issuer" yaml:"issuer" env:"ISSUER"`

	// Audience, when set, must be present in the aud claim.
	Audience string `json:"audience" yaml:"audience" env:"AUDIENCE"`

	SubjectClaim string `json:"subject_claim" yaml:"subject_claim" env:"SUBJECT_CLAIM" envDefault:"sub"`

	// RolesClaim holds either a JSON array of strings or a comma
	// separated string.
	RolesClaim string `json:"roles_claim" yaml:"roles_claim" env:"ROLES_CLAIM" envDefault:"roles"`

	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration `json:"leeway" yaml:"leeway" env:"LEEWAY"`
}

// Validate fills defaults.
func (c *ValidatorConfig) Validate() error {
	if c.SubjectClaim == "" {
		c.SubjectClaim = "sub"
	}
	if c.RolesClaim == "" {
		c.RolesClaim = "roles"
	}
	if c.Leeway < 0 {
		return sserr.Newf(sserr.CodeValidationRange, "auth: leeway must not be negative, got %s", c.Leeway)
	}
	return nil
}

// EdgeTokenValidator verifies external bearer credentials against a
// KeySource. It is safe for concurrent use.
type EdgeTokenValidator struct {
	cfg    ValidatorConfig
	keys   KeySource
	algs   []string
	parser *jwt.Parser
	tracer trace.Tracer
	opts   options
}

// NewEdgeTokenValidator returns a validator accepting the algorithms
// advertised by keys.
func NewEdgeTokenValidator(keys KeySource, cfg ValidatorConfig, opts ...Option) (*EdgeTokenValidator, error) {
	if keys == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: key source is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	algs := keys.Algorithms()
	if len(algs) == 0 {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: key source advertises no algorithms")
	}

	v := &EdgeTokenValidator{
		cfg:    cfg,
		keys:   keys,
		algs:   algs,
		tracer: otel.Tracer(tracerName),
		opts:   newOptions(opts),
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(algs),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.opts.now),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}
	v.parser = jwt.NewParser(parserOpts...)
	return v, nil
}

// Validate verifies token and returns the identity it carries.
//
// Failures are CredentialMissing for an empty token, CredentialMalformed
// for anything that is not a compact JWS with an accepted algorithm,
// SignatureInvalid, CredentialExpired, and KeySourceUnavailable when keys
// could not be fetched. Issuer, audience and not-before mismatches are
// reported as a generic authentication failure.
func (v *EdgeTokenValidator) Validate(ctx context.Context, token string) (_ *ExternalIdentity, err error) {
	ctx, span := startSpan(ctx, v.tracer, "auth.ValidateEdgeToken")
	defer func() {
		v.opts.metrics.EdgeValidation(err)
		finishSpan(span, err)
	}()

	if token == "" {
		return nil, sserr.CredentialMissing("bearer credential is missing")
	}
	if len(token) > maxTokenSize {
		return nil, sserr.CredentialMalformed("bearer credential is too large")
	}
	alg, err := v.checkHeader(token)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("auth.alg", alg))

	claims := jwt.MapClaims{}
	_, err = v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.VerificationKey(ctx, kid, t.Method.Alg())
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	id, err := v.identity(claims)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("auth.subject", id.SubjectID))
	return id, nil
}

// checkHeader rejects tokens that are not three segments or whose alg is
// none or not accepted, before any key lookup happens.
func (v *EdgeTokenValidator) checkHeader(token string) (string, error) {
	segment, _, ok := strings.Cut(token, ".")
	if !ok || strings.Count(token, ".") != 2 {
		return "", sserr.CredentialMalformed("bearer credential is not a JWT")
	}
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return "", sserr.CredentialMalformed("bearer credential header is not valid base64url")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return "", sserr.CredentialMalformed("bearer credential header is not valid JSON")
	}
	if header.Alg == "" || strings.EqualFold(header.Alg, "none") {
		return "", sserr.CredentialMalformed("unsigned bearer credentials are not accepted")
	}
	if !slices.Contains(v.algs, header.Alg) {
		return "", sserr.CredentialMalformed("signing algorithm " + header.Alg + " is not accepted")
	}
	return header.Alg, nil
}

func (v *EdgeTokenValidator) identity(claims jwt.MapClaims) (*ExternalIdentity, error) {
	sub, _ := claims[v.cfg.SubjectClaim].(string)
	if sub == "" {
		return nil, sserr.CredentialMalformed("bearer credential has no subject")
	}
	roles, err := parseRolesClaim(claims[v.cfg.RolesClaim])
	if err != nil {
		return nil, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, sserr.CredentialMalformed("bearer credential has no valid expiry")
	}
	jti, _ := claims["jti"].(string)
	iss, _ := claims["iss"].(string)

	return &ExternalIdentity{
		SubjectID: sub,
		Roles:     roles,
		ExpiresAt: exp.Time,
		TokenID:   jti,
		Issuer:    iss,
	}, nil
}

// parseRolesClaim accepts a JSON array of strings or a comma separated
// string. A missing claim yields no roles.
func parseRolesClaim(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		var roles []string
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}
		return roles, nil
	case []any:
		roles := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, sserr.CredentialMalformed("roles claim must contain only strings")
			}
			roles = append(roles, s)
		}
		return roles, nil
	default:
		return nil, sserr.CredentialMalformed("roles claim must be an array or a string")
	}
}

// classifyParseError maps jwt parse failures onto the error taxonomy.
// Errors raised by the KeySource keep their own code.
func classifyParseError(err error) error {
	var coded *sserr.Error
	if errors.As(err, &coded) {
		return coded
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return sserr.CredentialExpired("bearer credential has expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return sserr.SignatureInvalid("bearer credential signature is invalid")
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return sserr.CredentialMalformed("bearer credential is missing a required claim")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return sserr.CredentialMalformed("bearer credential is malformed")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return sserr.Wrap(err, sserr.CodeAuthentication, "bearer credential issuer is not trusted")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return sserr.Wrap(err, sserr.CodeAuthentication, "bearer credential audience is not accepted")
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return sserr.Wrap(err, sserr.CodeAuthentication, "bearer credential is not valid yet")
	default:
		return sserr.Wrap(err, sserr.CodeAuthentication, "bearer credential rejected")
	}
}
