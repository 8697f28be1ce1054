// Package auth implements the zero-trust handoff between the edge and
// internal services.
//
// At the edge, an [EdgeTokenValidator] verifies the external bearer
// credential against a [KeySource] (a shared HMAC secret, a single RSA
// public key, or a remote key set). An [InternalAssertionMinter] then
// replaces the credential with four headers:
//
//	X-Auth-User:      42
//	X-Auth-Roles:     INSTRUCTOR,STUDENT
//	X-Auth-Exp:       1700000060000
//	X-Auth-Signature: base64(HMAC-SHA256(secret, "42:INSTRUCTOR,STUDENT:1700000060000"))
//
// Roles are sorted so that the signed string is stable. Any client supplied
// X-Auth-* header is removed before minting.
//
// Inside each internal service a [HeaderTrustVerifier] recomputes the
// signature and attaches a [Principal] to the request context. A request
// missing any of the four headers is anonymous rather than rejected, so
// protected routes must be guarded by an [AccessPolicy], [RequireRole] or
// [RequireAuthenticated].
//
// Every failure is a *errors.Error from
// github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors carrying a
// stable code. Key material that cannot be fetched is KeySourceUnavailable
// and never results in an accepted credential.
package auth
