package errors

// Code is a stable, machine-readable error code of the form CATEGORY_NNN.
// Codes are never renumbered once published.
type Code string

// Code categories. The category selects the HTTP status in
// [Error.HTTPStatus].
const (
	CategoryValidation     = "VAL"
	CategoryAuthentication = "AUTH"
	CategoryAuthorization  = "AUTHZ"
	CategoryNotFound       = "NF"
	CategoryConflict       = "CONF"
	CategoryInternal       = "INT"
	CategoryUnavailable    = "UNAVAIL"
	CategoryTimeout        = "TIMEOUT"
)

const (
	CodeValidation         Code = "VAL_001"
	CodeValidationRequired Code = "VAL_002"
	CodeValidationFormat   Code = "VAL_003"
	CodeValidationRange    Code = "VAL_004"

	// CodeAuthentication is a generic authentication failure, used for
	// claims that are well formed but not acceptable (wrong issuer or
	// audience, not yet valid).
	CodeAuthentication Code = "AUTH_001"

	// CodeCredentialMissing means no bearer credential was presented, or an
	// anonymous principal reached a protected resource.
	CodeCredentialMissing Code = "AUTH_002"

	// CodeCredentialMalformed means the credential does not have the shape
	// of a token this boundary accepts.
	CodeCredentialMalformed Code = "AUTH_003"

	// CodeCredentialExpired means the external credential is past its exp.
	CodeCredentialExpired Code = "AUTH_004"

	// CodeSignatureInvalid means tampering was detected: the signature does
	// not match the signed content. Failures to compute a signature are
	// CodeSigningUnavailable instead.
	CodeSignatureInvalid Code = "AUTH_005"

	// CodeAssertionExpired means the internal header assertion expired.
	CodeAssertionExpired Code = "AUTH_006"

	// CodeCredentialRevoked means the access token was blacklisted.
	CodeCredentialRevoked Code = "AUTH_007"

	CodeRefreshTokenRevoked Code = "AUTH_008"
	CodeRefreshTokenExpired Code = "AUTH_009"

	CodeAuthorization       Code = "AUTHZ_001"
	CodeAuthorizationDenied Code = "AUTHZ_002"

	CodeNotFound      Code = "NF_001"
	CodeUserNotFound  Code = "NF_002"
	CodeTokenNotFound Code = "NF_003"

	CodeConflict Code = "CONF_001"

	CodeInternal              Code = "INT_001"
	CodeInternalDatabase      Code = "INT_002"
	CodeInternalConfiguration Code = "INT_003"

	CodeUnavailable           Code = "UNAVAIL_001"
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// CodeKeySourceUnavailable means verification keys could not be
	// obtained. It is retryable and is never treated as a valid token.
	CodeKeySourceUnavailable Code = "UNAVAIL_003"

	// CodeSigningUnavailable means the internal signing secret could not be
	// loaded.
	CodeSigningUnavailable Code = "UNAVAIL_004"

	CodeTimeout           Code = "TIMEOUT_001"
	CodeTimeoutDatabase   Code = "TIMEOUT_002"
	CodeTimeoutDependency Code = "TIMEOUT_003"
)

var descriptions = map[Code]string{
	CodeValidation:            "validation failed",
	CodeValidationRequired:    "required value missing",
	CodeValidationFormat:      "invalid format",
	CodeValidationRange:       "value out of range",
	CodeAuthentication:        "authentication failed",
	CodeCredentialMissing:     "credential missing",
	CodeCredentialMalformed:   "credential malformed",
	CodeCredentialExpired:     "credential expired",
	CodeSignatureInvalid:      "signature invalid",
	CodeAssertionExpired:      "internal assertion expired",
	CodeCredentialRevoked:     "credential revoked",
	CodeRefreshTokenRevoked:   "refresh token revoked",
	CodeRefreshTokenExpired:   "refresh token expired",
	CodeAuthorization:         "access denied",
	CodeAuthorizationDenied:   "insufficient role",
	CodeNotFound:              "not found",
	CodeUserNotFound:          "user not found",
	CodeTokenNotFound:         "token not found",
	CodeConflict:              "conflict",
	CodeInternal:              "internal error",
	CodeInternalDatabase:      "internal error",
	CodeInternalConfiguration: "internal error",
	CodeUnavailable:           "service unavailable",
	CodeUnavailableDependency: "dependency unavailable",
	CodeKeySourceUnavailable:  "key source unavailable",
	CodeSigningUnavailable:    "signing unavailable",
	CodeTimeout:               "timeout",
	CodeTimeoutDatabase:       "timeout",
	CodeTimeoutDependency:     "timeout",
}

// String returns the code.
func (c Code) String() string {
	return string(c)
}

// Category returns the prefix before the first underscore.
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}

// Description returns a short caller-safe description of the code, or
// "error" for unknown codes.
func (c Code) Description() string {
	if d, ok := descriptions[c]; ok {
		return d
	}
	return "error"
}
