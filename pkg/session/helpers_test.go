package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-gatekeeper/internal/testutil"
	"github.com/StricklySoft/stricklysoft-gatekeeper/internal/testutil/fixtures"
	"github.com/StricklySoft/stricklysoft-gatekeeper/pkg/auth"
)

func newClock() *testutil.Clock {
	return testutil.NewClock(fixtures.Epoch)
}

func testUsers() *StaticUserDirectory {
	return NewStaticUserDirectory(
		User{ID: fixtures.StudentID, Roles: []string{fixtures.Student}, Active: true},
		User{ID: fixtures.AdminID, Roles: []string{fixtures.Admin, fixtures.Instructor}, Active: true},
	)
}

type serviceFixture struct {
	clock     *testutil.Clock
	users     *StaticUserDirectory
	store     *MemoryRefreshStore
	blacklist *MemoryBlacklist
	validator *auth.EdgeTokenValidator
	svc       *Service
}

func newServiceFixture(t *testing.T, opts ...Option) *serviceFixture {
	t.Helper()
	f := &serviceFixture{clock: newClock(), users: testUsers()}
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)

	issuer, err := auth.NewHMACIssuer(auth.Secret(fixtures.EdgeSecret), auth.IssuerConfig{
		Issuer:   fixtures.TestIssuer,
		Audience: fixtures.TestAudience,
	}, auth.WithClock(f.clock.Now))
	require.NoError(t, err)

	keys, err := auth.NewStaticKeySource(auth.Secret(fixtures.EdgeSecret))
	require.NoError(t, err)
	f.validator, err = auth.NewEdgeTokenValidator(keys, auth.ValidatorConfig{
		Issuer:   fixtures.TestIssuer,
		Audience: fixtures.TestAudience,
	}, auth.WithClock(f.clock.Now))
	require.NoError(t, err)

	f.store = NewMemoryRefreshStore(f.users, opts...)
	f.blacklist = NewMemoryBlacklist(opts...)
	f.svc, err = NewService(issuer, f.validator, f.store, f.blacklist, f.users, ServiceConfig{}, opts...)
	require.NoError(t, err)
	return f
}
