package errors

import (
	"errors"
	"fmt"
)

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a code and message. Returns nil if err is nil.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

func Validation(message string) *Error {
	return New(CodeValidation, message)
}

func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

func Unauthorized(message string) *Error {
	return New(CodeAuthentication, message)
}

func Forbidden(message string) *Error {
	return New(CodeAuthorizationDenied, message)
}

func Internal(message string) *Error {
	return New(CodeInternal, message)
}

func Internalf(format string, args ...any) *Error {
	return Newf(CodeInternal, format, args...)
}

// Authentication taxonomy.

func CredentialMissing(message string) *Error {
	return New(CodeCredentialMissing, message)
}

func CredentialMalformed(message string) *Error {
	return New(CodeCredentialMalformed, message)
}

func CredentialExpired(message string) *Error {
	return New(CodeCredentialExpired, message)
}

func SignatureInvalid(message string) *Error {
	return New(CodeSignatureInvalid, message)
}

func AssertionExpired(message string) *Error {
	return New(CodeAssertionExpired, message)
}

func KeySourceUnavailable(cause error, message string) *Error {
	return &Error{Code: CodeKeySourceUnavailable, Message: message, Cause: cause}
}

func SigningUnavailable(cause error, message string) *Error {
	return &Error{Code: CodeSigningUnavailable, Message: message, Cause: cause}
}

func TokenNotFound() *Error {
	return New(CodeTokenNotFound, "refresh token not found")
}

func RefreshTokenRevoked() *Error {
	return New(CodeRefreshTokenRevoked, "refresh token revoked")
}

func RefreshTokenExpired() *Error {
	return New(CodeRefreshTokenExpired, "refresh token expired")
}

func UserNotFound(userID string) *Error {
	return New(CodeUserNotFound, "user not found").WithDetail("user_id", userID)
}

// FromError returns err as an *Error, wrapping foreign errors as
// CodeInternal. Returns nil for a nil err.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, CodeInternal, "an unexpected error occurred")
}
