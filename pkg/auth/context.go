package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// contextKey is an unexported type used for context keys in this package.
type contextKey int

const (
	// principalKey stores the request Principal.
	principalKey contextKey = iota

	// assertionKey stores the verified Assertion for propagation.
	assertionKey
)

// ContextWithPrincipal returns a context carrying p, replacing any
// principal already present.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the principal attached by the verifier. A
// context without one yields an anonymous principal and false.
//
// Example:
//
//	p, _ := auth.PrincipalFromContext(r.Context())
//	if !p.HasRole("ADMIN") {
//	    sserr.WriteHTTP(w, sserr.Forbidden("admin role required"))
//	    return
//	}
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// MustPrincipalFromContext panics when no principal is attached. Use it
// only behind the verifier middleware.
func MustPrincipalFromContext(ctx context.Context) Principal {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		panic("auth: no principal in context; ensure the verifier middleware is configured")
	}
	return p
}

// ContextWithAssertion stores a verified assertion so outgoing calls can
// forward it unchanged.
func ContextWithAssertion(ctx context.Context, a Assertion) context.Context {
	return context.WithValue(ctx, assertionKey, a)
}

// AssertionFromContext returns the assertion stored by the verifier.
func AssertionFromContext(ctx context.Context) (Assertion, bool) {
	a, ok := ctx.Value(assertionKey).(Assertion)
	return a, ok
}

// withAnonymous clears any principal and assertion from ctx.
func withAnonymous(ctx context.Context, meta RequestMeta) context.Context {
	ctx = context.WithValue(ctx, assertionKey, nil)
	return ContextWithPrincipal(ctx, Anonymous(meta))
}

// TraceIDFromContext returns the active OpenTelemetry trace id, if any.
// The edge logs it next to rejected credentials.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.TraceID().String(), true
}

// SpanIDFromContext returns the active OpenTelemetry span id, if any.
func SpanIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.SpanID().String(), true
}
