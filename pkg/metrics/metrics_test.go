package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

func TestResult(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ResultOK, Result(nil))
	assert.Equal(t, "AUTH_005", Result(sserr.SignatureInvalid("bad")))
	assert.Equal(t, "error", Result(errors.New("plain")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EdgeValidation(nil)
		m.AssertionMinted(nil)
		m.AssertionVerification("anonymous")
		m.JWKSFetch(nil, time.Millisecond)
		m.RefreshRotation(nil)
		m.BlacklistAddition()
		m.BlacklistHit()
	})

	h := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	assert.NotNil(t, m.Instrument(h))
}

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.EdgeValidation(nil)
	m.EdgeValidation(sserr.CredentialExpired("expired"))
	m.EdgeValidation(sserr.CredentialExpired("expired"))
	m.AssertionVerification("anonymous")
	m.RefreshRotation(sserr.New(sserr.CodeRefreshTokenRevoked, "revoked"))
	m.BlacklistAddition()
	m.JWKSFetch(nil, 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.edgeValidations.WithLabelValues(ResultOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.edgeValidations.WithLabelValues("AUTH_004")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.assertionVerifications.WithLabelValues("anonymous")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refreshRotations.WithLabelValues("AUTH_008")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.blacklistAdditions))
	assert.Equal(t, 1, testutil.CollectAndCount(m.jwksFetchDuration))
}

func TestMetrics_Instrument(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg, WithRouteLabel(func(*http.Request) string { return "/api/v1/courses" }))

	h := m.Instrument(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/courses/17", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/v1/courses", "403")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.httpInFlight))
}

func TestMetrics_InstrumentUsesChiRoutePattern(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg)

	r := chi.NewRouter()
	r.Use(m.Instrument)
	r.Get("/courses/{id}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/courses/17", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/courses/18", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/courses/{id}", "204")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "unmatched", "404")))
}

func TestHandler_ExposesMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.BlacklistHit()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "gatekeeper_blacklist_hits_total 1"))
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
