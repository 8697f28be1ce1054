package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-gatekeeper/internal/testutil"
	"github.com/StricklySoft/stricklysoft-gatekeeper/pkg/clients/postgres"
	"github.com/StricklySoft/stricklysoft-gatekeeper/pkg/clients/redis"
	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
	"github.com/StricklySoft/stricklysoft-gatekeeper/pkg/health"
)

var (
	_ health.Checker = (*postgres.Client)(nil)
	_ health.Checker = (*redis.Client)(nil)
)

func ok() health.Checker {
	return health.CheckerFunc(func(context.Context) error { return nil })
}

func failing(msg string) health.Checker {
	return health.CheckerFunc(func(context.Context) error {
		return sserr.Wrap(errors.New("connection refused"), sserr.CodeUnavailableDependency, msg)
	})
}

func serve(t *testing.T, checks map[string]health.Checker) (int, health.Report) {
	t.Helper()
	rr := httptest.NewRecorder()
	health.ReadyHandler(checks).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var report health.Report
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&report))
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	return rr.Code, report
}

func TestReadyHandler_AllPass(t *testing.T) {
	t.Parallel()
	code, report := serve(t, map[string]health.Checker{"postgres": ok(), "redis": ok()})

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, health.StatusReady, report.Status)
	assert.Equal(t, map[string]string{"postgres": "ok", "redis": "ok"}, report.Checks)
}

func TestReadyHandler_NoChecks(t *testing.T) {
	t.Parallel()
	code, report := serve(t, nil)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, health.StatusReady, report.Status)
}

func TestReadyHandler_Failure(t *testing.T) {
	t.Parallel()
	code, report := serve(t, map[string]health.Checker{
		"postgres": ok(),
		"redis":    failing("redis: health check failed"),
	})

	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, health.StatusNotReady, report.Status)
	assert.Equal(t, "ok", report.Checks["postgres"])
	assert.Equal(t, "redis: health check failed", report.Checks["redis"])
}

func TestReadyHandler_HidesUnclassifiedCauses(t *testing.T) {
	t.Parallel()
	_, report := serve(t, map[string]health.Checker{
		"redis": health.CheckerFunc(func(context.Context) error { return errors.New("dial tcp 10.0.0.5:6379: refused") }),
	})
	assert.Equal(t, "internal error", report.Checks["redis"])
}

func TestCheck_ReportsFirstFailureByName(t *testing.T) {
	t.Parallel()
	_, err := health.Check(context.Background(), map[string]health.Checker{
		"redis":    failing("redis: health check failed"),
		"postgres": failing("postgres: health check failed"),
	})
	testutil.AssertErrorCode(t, err, sserr.CodeUnavailableDependency)
	assert.Contains(t, err.Error(), "postgres is not ready")
}

func TestCheck_PassesContext(t *testing.T) {
	t.Parallel()
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "req-1")
	var got any
	_, err := health.Check(ctx, map[string]health.Checker{
		"db": health.CheckerFunc(func(ctx context.Context) error {
			got = ctx.Value(key{})
			return nil
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, "req-1", got)
}
