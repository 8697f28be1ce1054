package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-gatekeeper/internal/testutil"
	"github.com/StricklySoft/stricklysoft-gatekeeper/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

func coursePolicy(t *testing.T) *AccessPolicy {
	t.Helper()
	p, err := ParseAccessPolicy([]string{
		"/health=public",
		"GET /api/v1/courses=public",
		"/api/v1/admin/=ADMIN",
		"POST,PUT,DELETE /api/v1/courses=INSTRUCTOR|ADMIN",
		"/api/v1/instructor=INSTRUCTOR|ADMIN",
	})
	require.NoError(t, err)
	return p
}

func TestParseAccessRule(t *testing.T) {
	t.Parallel()

	r, err := ParseAccessRule("post,put /api/v1/courses=INSTRUCTOR|ADMIN")
	require.NoError(t, err)
	assert.Equal(t, AccessRule{
		Prefix:  "/api/v1/courses",
		Methods: []string{"POST", "PUT"},
		Roles:   []string{"ADMIN", "INSTRUCTOR"},
	}, r)
	assert.Equal(t, "POST,PUT /api/v1/courses=ADMIN|INSTRUCTOR", r.String())

	r, err = ParseAccessRule("/me=authenticated")
	require.NoError(t, err)
	assert.Empty(t, r.Roles)
	assert.Equal(t, "/me=authenticated", r.String())

	for _, bad := range []string{"/health", "/health=", "health=public", ""} {
		_, err := ParseAccessRule(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewAccessPolicy_Invalid(t *testing.T) {
	t.Parallel()
	_, err := NewAccessPolicy(AccessRule{Prefix: "/x", Public: true, Roles: []string{fixtures.Admin}})
	testutil.AssertErrorCode(t, err, sserr.CodeInternalConfiguration)

	_, err = ParseAccessPolicy([]string{"nonsense"})
	testutil.AssertErrorCode(t, err, sserr.CodeInternalConfiguration)
}

func TestAccessPolicy_Authorize(t *testing.T) {
	t.Parallel()
	policy := coursePolicy(t)

	anonymous := Anonymous(RequestMeta{})
	student := NewPrincipal(fixtures.StudentID, []string{fixtures.Student}, RequestMeta{})
	instructor := NewPrincipal("11", []string{fixtures.Instructor}, RequestMeta{})
	admin := NewPrincipal(fixtures.AdminID, []string{fixtures.Admin}, RequestMeta{})

	tests := []struct {
		name   string
		method string
		path   string
		who    Principal
		code   sserr.Code
	}{
		{"public health", http.MethodGet, "/health", anonymous, ""},
		{"public catalogue", http.MethodGet, "/api/v1/courses", anonymous, ""},
		{"catalogue write needs auth", http.MethodPost, "/api/v1/courses", anonymous, sserr.CodeCredentialMissing},
		{"student cannot write", http.MethodPost, "/api/v1/courses", student, sserr.CodeAuthorizationDenied},
		{"instructor writes", http.MethodPost, "/api/v1/courses", instructor, ""},
		{"admin area anonymous", http.MethodGet, "/api/v1/admin/users", anonymous, sserr.CodeCredentialMissing},
		{"admin area student", http.MethodGet, "/api/v1/admin/users", student, sserr.CodeAuthorizationDenied},
		{"admin area admin", http.MethodDelete, "/api/v1/admin/users/3", admin, ""},
		{"instructor area admin", http.MethodGet, "/api/v1/instructor/courses", admin, ""},
		{"unlisted path anonymous", http.MethodGet, "/api/v1/enrollments", anonymous, sserr.CodeCredentialMissing},
		{"unlisted path student", http.MethodGet, "/api/v1/enrollments", student, ""},
		{"prefix is segment bound", http.MethodGet, "/api/v1/coursesx", anonymous, sserr.CodeCredentialMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := policy.Authorize(tt.method, tt.path, tt.who)
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			testutil.AssertErrorCode(t, err, tt.code)
		})
	}

	assert.True(t, policy.IsPublic(http.MethodGet, "/api/v1/courses"))
	assert.False(t, policy.IsPublic(http.MethodPost, "/api/v1/courses"))
}

func TestAccessPolicy_Middleware(t *testing.T) {
	t.Parallel()
	policy := coursePolicy(t)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := policy.Middleware(ok)

	serve := func(p *Principal, path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if p != nil {
			req = req.WithContext(ContextWithPrincipal(req.Context(), *p))
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	student := NewPrincipal(fixtures.StudentID, []string{fixtures.Student}, RequestMeta{})
	assert.Equal(t, http.StatusOK, serve(nil, "/health"))
	assert.Equal(t, http.StatusUnauthorized, serve(nil, "/api/v1/admin/users"), "no principal is anonymous")
	assert.Equal(t, http.StatusForbidden, serve(&student, "/api/v1/admin/users"))
	assert.Equal(t, http.StatusOK, serve(&student, "/api/v1/enrollments"))
}

func TestRequireAuthenticatedAndRole(t *testing.T) {
	t.Parallel()
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	serve := func(h http.Handler, p Principal) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(ContextWithPrincipal(req.Context(), p))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	anonymous := Anonymous(RequestMeta{})
	student := NewPrincipal(fixtures.StudentID, []string{fixtures.Student}, RequestMeta{})
	admin := NewPrincipal(fixtures.AdminID, []string{fixtures.Admin}, RequestMeta{})

	assert.Equal(t, http.StatusUnauthorized, serve(RequireAuthenticated(ok), anonymous))
	assert.Equal(t, http.StatusOK, serve(RequireAuthenticated(ok), student))

	adminOnly := RequireRole(fixtures.Admin)(ok)
	assert.Equal(t, http.StatusUnauthorized, serve(adminOnly, anonymous))
	assert.Equal(t, http.StatusForbidden, serve(adminOnly, student))
	assert.Equal(t, http.StatusOK, serve(adminOnly, admin))
}
