package auth

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/stricklysoft-gatekeeper/pkg/metrics"
)

// tracerName is the OpenTelemetry instrumentation scope for auth spans.
const tracerName = "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/auth"

// Option configures the validator, issuer, minter, verifier and edge
// middleware.
type Option func(*options)

type options struct {
	now     func() time.Time
	metrics *metrics.Metrics
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock overrides the time source. Tests use it to pin expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics records outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func startSpan(ctx context.Context, tracer trace.Tracer, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// finishSpan records err on span, if any, and ends it.
func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
