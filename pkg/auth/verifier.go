package auth

import (
	"context"
	"crypto/hmac"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
	"github.com/StricklySoft/stricklysoft-gatekeeper/pkg/metrics"
)

// resultAnonymous labels verifications that found no assertion.
const resultAnonymous = "anonymous"

// VerifierConfig configures a HeaderTrustVerifier.
type VerifierConfig struct {
	// SkipPaths are path prefixes served without looking at the assertion
	// headers. Requests to them always carry an anonymous principal.
	SkipPaths []string `json:"skip_paths" yaml:"skip_paths" env:"SKIP_PATHS"`

	// TrustForwardedFor takes the client address recorded on principals
	// from the last X-Forwarded-For entry, the one appended by the edge.
	// Enable it only when every request arrives through the gateway;
	// otherwise callers choose their own audit address.
	TrustForwardedFor bool `json:"trust_forwarded_for" yaml:"trust_forwarded_for" env:"TRUST_FORWARDED_FOR"`
}

// HeaderTrustVerifier runs inside each internal service and decides
// whether the assertion headers on a request were minted by the edge.
type HeaderTrustVerifier struct {
	cfg    VerifierConfig
	secret SecretLoader
	tracer trace.Tracer
	opts   options
}

// NewHeaderTrustVerifier returns a verifier checking signatures with the
// secret returned by secret.
func NewHeaderTrustVerifier(secret SecretLoader, cfg VerifierConfig, opts ...Option) (*HeaderTrustVerifier, error) {
	if secret == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: internal secret loader is required")
	}
	return &HeaderTrustVerifier{
		cfg:    cfg,
		secret: secret,
		tracer: otel.Tracer(tracerName),
		opts:   newOptions(opts),
	}, nil
}

// Verify checks the assertion headers in h.
//
// When any of the four headers is absent the request is anonymous and no
// error is returned; protected resources must reject anonymous principals
// separately. Otherwise expiry is checked first (AssertionExpired once now
// reaches the expiry), then the signature (SignatureInvalid on mismatch).
// Repeated header values or a non-numeric expiry are CredentialMalformed.
func (v *HeaderTrustVerifier) Verify(ctx context.Context, h http.Header, clientAddr string) (Principal, error) {
	p, _, err := v.verify(ctx, h, RequestMeta{ClientAddr: clientAddr})
	return p, err
}

func (v *HeaderTrustVerifier) verify(ctx context.Context, h http.Header, meta RequestMeta) (_ Principal, _ *Assertion, err error) {
	ctx, span := startSpan(ctx, v.tracer, "auth.VerifyAssertion")
	anonymous := false
	defer func() {
		result := metrics.Result(err)
		if anonymous {
			result = resultAnonymous
		}
		v.opts.metrics.AssertionVerification(result)
		finishSpan(span, err)
	}()

	a, present, err := assertionFromHeader(h)
	if err != nil {
		return Anonymous(meta), nil, err
	}
	if !present {
		anonymous = true
		span.SetAttributes(attribute.Bool("auth.anonymous", true))
		return Anonymous(meta), nil, nil
	}

	exp, err := a.ExpiresAt()
	if err != nil {
		return Anonymous(meta), nil, err
	}
	if !v.opts.now().Before(exp) {
		return Anonymous(meta), nil, sserr.AssertionExpired("internal assertion has expired")
	}

	secret, err := loadSigningSecret(ctx, v.secret)
	if err != nil {
		return Anonymous(meta), nil, err
	}
	expected := signAssertion(secret, a.Canonical())
	if !hmac.Equal([]byte(expected), []byte(a.Signature)) {
		return Anonymous(meta), nil, sserr.SignatureInvalid("internal assertion signature is invalid")
	}

	p := NewPrincipal(a.UserID, a.RoleList(), meta)
	p.expiresAt = exp
	span.SetAttributes(attribute.String("auth.user_id", a.UserID))
	return p, &a, nil
}

// assertionFromHeader reads the four headers. present is false when any
// of them is absent.
func assertionFromHeader(h http.Header) (a Assertion, present bool, err error) {
	fields := []struct {
		name string
		dst  *string
	}{
		{HeaderUser, &a.UserID},
		{HeaderRoles, &a.Roles},
		{HeaderExp, &a.Exp},
		{HeaderSignature, &a.Signature},
	}
	for _, f := range fields {
		vals := h.Values(f.name)
		switch len(vals) {
		case 0:
			return Assertion{}, false, nil
		case 1:
			*f.dst = vals[0]
		default:
			return Assertion{}, true, sserr.CredentialMalformed(f.name + " header is repeated")
		}
	}
	return a, true, nil
}

// Middleware verifies the assertion on every request and replaces any
// principal in the request context. On failure it answers 401 with a JSON
// error body and does not call next.
func (v *HeaderTrustVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta := RequestMeta{ClientAddr: v.clientAddr(r)}

		if v.skip(r.URL.Path) {
			next.ServeHTTP(w, r.WithContext(withAnonymous(r.Context(), meta)))
			return
		}

		p, a, err := v.verify(r.Context(), r.Header, meta)
		if err != nil {
			r = r.WithContext(withAnonymous(r.Context(), meta))
			slog.WarnContext(r.Context(), "auth: rejected internal assertion",
				"error", err,
				"path", r.URL.Path,
				"client_addr", meta.ClientAddr,
			)
			sserr.WriteHTTP(w, err)
			return
		}

		ctx := withAnonymous(r.Context(), meta)
		if a != nil {
			ctx = ContextWithPrincipal(ContextWithAssertion(ctx, *a), p)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (v *HeaderTrustVerifier) skip(path string) bool {
	for _, prefix := range v.cfg.SkipPaths {
		if pathHasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (v *HeaderTrustVerifier) clientAddr(r *http.Request) string {
	if v.cfg.TrustForwardedFor {
		if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
			last := xff[len(xff)-1]
			if i := strings.LastIndexByte(last, ','); i >= 0 {
				last = last[i+1:]
			}
			if addr := strings.TrimSpace(last); addr != "" {
				return addr
			}
		}
	}
	return remoteHost(r.RemoteAddr)
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// pathHasPrefix matches prefix on path segment boundaries: "/api" matches
// "/api" and "/api/x" but not "/apix". A prefix ending in "/" matches any
// path below it.
func pathHasPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}
