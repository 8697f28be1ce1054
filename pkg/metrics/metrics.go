// Package metrics exposes Prometheus collectors for the authentication
// boundary. A nil *Metrics is valid and records nothing, so library
// components accept one optionally.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

const namespace = "gatekeeper"

// ResultOK is the result label for successful operations. Failures are
// labelled with their error code, which keeps cardinality bounded.
const ResultOK = "ok"

// Metrics holds the gatekeeper collectors.
type Metrics struct {
	edgeValidations        *prometheus.CounterVec
	assertionsMinted       *prometheus.CounterVec
	assertionVerifications *prometheus.CounterVec
	jwksFetches            *prometheus.CounterVec
	jwksFetchDuration      prometheus.Histogram
	refreshRotations       *prometheus.CounterVec
	blacklistAdditions     prometheus.Counter
	blacklistHits          prometheus.Counter

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	routeLabel   func(*http.Request) string
}

// Option configures Metrics.
type Option func(*Metrics)

// WithRouteLabel sets the function deriving the route label for HTTP
// metrics. It should return a route pattern, never a raw path.
func WithRouteLabel(fn func(*http.Request) string) Option {
	return func(m *Metrics) { m.routeLabel = fn }
}

// New creates the collectors and registers them with reg. Passing
// prometheus.DefaultRegisterer exposes them through promhttp.Handler.
func New(reg prometheus.Registerer, opts ...Option) *Metrics {
	m := &Metrics{
		edgeValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edge_validations_total",
			Help:      "External bearer credentials validated at the edge, by result.",
		}, []string{"result"}),
		assertionsMinted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assertions_minted_total",
			Help:      "Internal assertions minted at the edge, by result.",
		}, []string{"result"}),
		assertionVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assertion_verifications_total",
			Help:      "Internal assertions verified by services, by result.",
		}, []string{"result"}),
		jwksFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jwks_fetches_total",
			Help:      "Remote key set fetches, by result.",
		}, []string{"result"}),
		jwksFetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "jwks_fetch_duration_seconds",
			Help:      "Remote key set fetch latency.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2},
		}),
		refreshRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_rotations_total",
			Help:      "Refresh token rotations, by result.",
		}, []string{"result"}),
		blacklistAdditions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blacklist_additions_total",
			Help:      "Access tokens added to the blacklist.",
		}),
		blacklistHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blacklist_hits_total",
			Help:      "Requests rejected because their access token was blacklisted.",
		}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "In-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		routeLabel: defaultRouteLabel,
	}
	for _, opt := range opts {
		opt(m)
	}

	reg.MustRegister(
		m.edgeValidations, m.assertionsMinted, m.assertionVerifications,
		m.jwksFetches, m.jwksFetchDuration, m.refreshRotations,
		m.blacklistAdditions, m.blacklistHits,
		m.httpInFlight, m.httpRequests, m.httpDuration,
	)
	return m
}

// Result maps err to a result label: ResultOK, the error code, or "error"
// for errors without a code.
func Result(err error) string {
	if err == nil {
		return ResultOK
	}
	if code := sserr.GetCode(err); code != "" {
		return string(code)
	}
	return "error"
}

func (m *Metrics) EdgeValidation(err error) {
	if m == nil {
		return
	}
	m.edgeValidations.WithLabelValues(Result(err)).Inc()
}

func (m *Metrics) AssertionMinted(err error) {
	if m == nil {
		return
	}
	m.assertionsMinted.WithLabelValues(Result(err)).Inc()
}

// AssertionVerification records a verification outcome. Anonymous
// pass-through is recorded with result "anonymous".
func (m *Metrics) AssertionVerification(result string) {
	if m == nil {
		return
	}
	m.assertionVerifications.WithLabelValues(result).Inc()
}

func (m *Metrics) JWKSFetch(err error, d time.Duration) {
	if m == nil {
		return
	}
	m.jwksFetches.WithLabelValues(Result(err)).Inc()
	m.jwksFetchDuration.Observe(d.Seconds())
}

func (m *Metrics) RefreshRotation(err error) {
	if m == nil {
		return
	}
	m.refreshRotations.WithLabelValues(Result(err)).Inc()
}

func (m *Metrics) BlacklistAddition() {
	if m == nil {
		return
	}
	m.blacklistAdditions.Inc()
}

func (m *Metrics) BlacklistHit() {
	if m == nil {
		return
	}
	m.blacklistHits.Inc()
}

// Instrument records request count, latency and in-flight requests.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := m.routeLabel(r)
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.code)).Inc()
	})
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// defaultRouteLabel prefers the chi route pattern and falls back to the
// net/http ServeMux pattern.
func defaultRouteLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	if r.Pattern != "" {
		return r.Pattern
	}
	return "unmatched"
}

type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.code = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
