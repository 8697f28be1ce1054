package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-gatekeeper/internal/testutil"
	"github.com/StricklySoft/stricklysoft-gatekeeper/internal/testutil/fixtures"
)

var internalSecret = StaticSecret(Secret(fixtures.InternalSecret))

func newClock() *testutil.Clock {
	return testutil.NewClock(fixtures.Epoch)
}

func newMinter(t *testing.T, clock *testutil.Clock, opts ...Option) *InternalAssertionMinter {
	t.Helper()
	m, err := NewInternalAssertionMinter(internalSecret, MinterConfig{}, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return m
}

func newVerifier(t *testing.T, clock *testutil.Clock, cfg VerifierConfig, opts ...Option) *HeaderTrustVerifier {
	t.Helper()
	v, err := NewHeaderTrustVerifier(internalSecret, cfg, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return v
}

func newHMACValidator(t *testing.T, clock *testutil.Clock, cfg ValidatorConfig) *EdgeTokenValidator {
	t.Helper()
	keys, err := NewStaticKeySource(Secret(fixtures.EdgeSecret))
	require.NoError(t, err)
	v, err := NewEdgeTokenValidator(keys, cfg, WithClock(clock.Now))
	require.NoError(t, err)
	return v
}

func studentIdentity(clock *testutil.Clock) *ExternalIdentity {
	return &ExternalIdentity{
		SubjectID: fixtures.StudentID,
		Roles:     []string{fixtures.Student},
		ExpiresAt: clock.Now().Add(time.Hour),
	}
}

func claimsFor(sub string, roles []string, exp time.Time) jwt.MapClaims {
	r := make([]any, len(roles))
	for i, role := range roles {
		r[i] = role
	}
	return jwt.MapClaims{
		"sub":   sub,
		"roles": r,
		"iss":   fixtures.TestIssuer,
		"aud":   fixtures.TestAudience,
		"exp":   jwt.NewNumericDate(exp),
		"iat":   jwt.NewNumericDate(exp.Add(-time.Hour)),
	}
}

func edgeToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	return testutil.HMACToken(t, []byte(fixtures.EdgeSecret), claims)
}
