package auth

import (
	"context"
	"log/slog"
	"net/http"

	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

// RevocationChecker reports whether an access token was revoked before
// its natural expiry.
type RevocationChecker interface {
	Contains(ctx context.Context, token string) (bool, error)
}

// EdgeConfig configures the edge middleware.
type EdgeConfig struct {
	// PublicPaths are path prefixes forwarded without a credential. Such
	// requests reach internal services with no assertion headers.
	PublicPaths []string `json:"public_paths" yaml:"public_paths" env:"PUBLIC_PATHS"`
}

// Edge authenticates requests at the entry point: it validates the
// bearer credential, rejects revoked tokens and replaces the credential
// with a freshly minted internal assertion.
type Edge struct {
	cfg       EdgeConfig
	validator *EdgeTokenValidator
	minter    *InternalAssertionMinter
	revoked   RevocationChecker
}

// NewEdge wires the edge pipeline. revoked may be nil when no blacklist
// is deployed.
func NewEdge(validator *EdgeTokenValidator, minter *InternalAssertionMinter, revoked RevocationChecker, cfg EdgeConfig) (*Edge, error) {
	if validator == nil || minter == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: edge requires a validator and a minter")
	}
	return &Edge{cfg: cfg, validator: validator, minter: minter, revoked: revoked}, nil
}

// Authenticate validates the bearer credential in h, rewrites h so that
// it carries only the minted assertion, and returns the identity.
// Reserved headers are stripped from h whatever the outcome.
func (e *Edge) Authenticate(ctx context.Context, h http.Header) (*ExternalIdentity, error) {
	StripReservedHeaders(h)
	raw := h.Get(HeaderAuthorization)
	h.Del(HeaderAuthorization)

	token := ExtractBearerToken(raw)
	if token == "" {
		if raw != "" {
			return nil, sserr.CredentialMalformed("authorization scheme must be Bearer")
		}
		return nil, sserr.CredentialMissing("bearer credential is missing")
	}

	id, err := e.validator.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	if e.revoked != nil {
		revoked, err := e.revoked.Contains(ctx, token)
		if err != nil {
			if _, ok := sserr.AsError(err); ok {
				return nil, err
			}
			return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "revocation check failed")
		}
		if revoked {
			return nil, sserr.New(sserr.CodeCredentialRevoked, "bearer credential has been revoked")
		}
	}

	if _, err := e.minter.Apply(ctx, h, id); err != nil {
		return nil, err
	}
	return id, nil
}

// Middleware runs Authenticate on every request that is not under a
// public path and forwards it to next with the assertion headers set.
// Public requests are forwarded with reserved headers and the credential
// removed. Failures are answered with a JSON error body.
func (e *Edge) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if e.public(r.URL.Path) {
			StripReservedHeaders(r.Header)
			r.Header.Del(HeaderAuthorization)
			next.ServeHTTP(w, r)
			return
		}

		id, err := e.Authenticate(r.Context(), r.Header)
		if err != nil {
			traceID, _ := TraceIDFromContext(r.Context())
			slog.WarnContext(r.Context(), "auth: rejected bearer credential",
				"error", err,
				"path", r.URL.Path,
				"trace_id", traceID,
			)
			sserr.WriteHTTP(w, err)
			return
		}
		slog.DebugContext(r.Context(), "auth: forwarding authenticated request",
			"subject", id.SubjectID,
			"path", r.URL.Path,
		)
		next.ServeHTTP(w, r)
	})
}

func (e *Edge) public(path string) bool {
	for _, prefix := range e.cfg.PublicPaths {
		if pathHasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
