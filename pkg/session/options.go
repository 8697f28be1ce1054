package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/stricklysoft-gatekeeper/pkg/metrics"
)

const tracerName = "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/session"

// Option configures stores, blacklists and the Service.
type Option func(*options)

type options struct {
	now     func() time.Time
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func newOptions(opts []Option) options {
	o := options{now: time.Now, tracer: otel.Tracer(tracerName)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock overrides the time source used for creation and expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics records rotations and blacklist activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func (o *options) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name)
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
