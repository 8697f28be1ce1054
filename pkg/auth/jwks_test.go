package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-gatekeeper/internal/testutil"
	"github.com/StricklySoft/stricklysoft-gatekeeper/internal/testutil/fixtures"
)

func TestRSAPublicJWK_RoundTrip(t *testing.T) {
	t.Parallel()
	key := testutil.RSAKey(t)

	jwk := RSAPublicJWK(fixtures.TestKeyID, &key.PublicKey)
	assert.Equal(t, "RSA", jwk.Kty)
	assert.Equal(t, "sig", jwk.Use)
	assert.Equal(t, "RS256", jwk.Alg)

	pub, err := jwk.PublicKey()
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))
}

func TestJWK_PublicKey_Rejects(t *testing.T) {
	t.Parallel()
	key := testutil.RSAKey(t)
	valid := RSAPublicJWK("k", &key.PublicKey)

	encryption := valid
	encryption.Use = "enc"

	unknownType := valid
	unknownType.Kty = "oct"

	weak := valid
	weak.N = base64.RawURLEncoding.EncodeToString(key.N.Bytes()[:64])

	badCurve := JWK{Kty: "EC", Crv: "P-192", X: "AA", Y: "AA"}
	offCurve := JWK{
		Kty: "EC", Crv: "P-256",
		X: base64.RawURLEncoding.EncodeToString(make([]byte, 32)),
		Y: base64.RawURLEncoding.EncodeToString(append(make([]byte, 31), 1)),
	}

	for name, jwk := range map[string]JWK{
		"encryption key": encryption,
		"unknown type":   unknownType,
		"weak modulus":   weak,
		"bad curve":      badCurve,
		"off curve":      offCurve,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := jwk.PublicKey()
			assert.Error(t, err)
		})
	}
}

func TestJWKSHandler(t *testing.T) {
	t.Parallel()
	key := testutil.RSAKey(t)
	set := JWKS{Keys: []JWK{RSAPublicJWK(fixtures.TestKeyID, &key.PublicKey)}}
	handler := JWKSHandler(set)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, JWKSPath, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Cache-Control"), "max-age=")

	var got JWKS
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, set, got)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, JWKSPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, "GET, HEAD", rr.Header().Get("Allow"))
}

func ExampleJWKSHandler() {
	mux := http.NewServeMux()
	mux.Handle(JWKSPath, JWKSHandler(JWKS{Keys: []JWK{}}))

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, JWKSPath, nil))
	fmt.Println(rr.Code, rr.Body.String())
	// Output: 200 {"keys":[]}
}
