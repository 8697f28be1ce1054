package errors

import "errors"

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the code of the first *Error in err's chain, or "".
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries code.
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

func inCategory(err error, category string) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == category
}

func IsValidation(err error) bool     { return inCategory(err, CategoryValidation) }
func IsAuthentication(err error) bool { return inCategory(err, CategoryAuthentication) }
func IsAuthorization(err error) bool  { return inCategory(err, CategoryAuthorization) }
func IsNotFound(err error) bool       { return inCategory(err, CategoryNotFound) }
func IsConflict(err error) bool       { return inCategory(err, CategoryConflict) }
func IsInternal(err error) bool       { return inCategory(err, CategoryInternal) }
func IsUnavailable(err error) bool    { return inCategory(err, CategoryUnavailable) }
func IsTimeout(err error) bool        { return inCategory(err, CategoryTimeout) }

// IsRetryable reports whether the caller may retry with backoff. Only
// unavailable and timeout failures qualify; KeySourceUnavailable is one.
func IsRetryable(err error) bool {
	return IsUnavailable(err) || IsTimeout(err)
}

// IsClientError reports whether err maps to a 4xx status.
func IsClientError(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Code.Category() {
	case CategoryValidation, CategoryAuthentication, CategoryAuthorization, CategoryNotFound, CategoryConflict:
		return true
	default:
		return false
	}
}

// IsServerError reports whether err maps to a 5xx status.
func IsServerError(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Code.Category() {
	case CategoryInternal, CategoryUnavailable, CategoryTimeout:
		return true
	default:
		return false
	}
}
