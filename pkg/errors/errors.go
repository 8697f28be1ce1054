// Package errors defines the error taxonomy shared by every gatekeeper
// package. Callers import it as sserr to avoid clashing with the standard
// library:
//
//	import sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
//
// Every failure that can reach a caller carries a stable [Code]. The code
// category selects the HTTP status, and only the code and the message are
// ever serialized; the wrapped cause and the details stay server side.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Error is a coded error. Message must be safe to show to a caller: it is
// the only text that leaves the process. Cause and Details are for logs.
type Error struct {
	Code    Code
	Message string
	Cause   error
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, sserr.New(sserr.CodeTokenNotFound, "")) matches any
// wrapping of a token-not-found failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus maps the code category to a status code.
func (e *Error) HTTPStatus() int {
	switch e.Code.Category() {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryAuthentication:
		return http.StatusUnauthorized
	case CategoryAuthorization:
		return http.StatusForbidden
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryConflict:
		return http.StatusConflict
	case CategoryUnavailable:
		return http.StatusServiceUnavailable
	case CategoryTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WithDetail returns a copy of e with key set in Details.
func (e *Error) WithDetail(key string, value any) *Error {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &Error{Code: e.Code, Message: e.Message, Cause: e.Cause, Details: details}
}

// Format supports %+v, which includes details and the cause chain.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "Error{Code: %q, Message: %q", e.Code, e.Message)
			if len(e.Details) > 0 {
				fmt.Fprintf(s, ", Details: %v", e.Details)
			}
			if e.Cause != nil {
				fmt.Fprintf(s, ", Cause: %+v", e.Cause)
			}
			fmt.Fprint(s, "}")
			return
		}
		fallthrough
	case 's':
		fmt.Fprint(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}

// Response is the wire form of an error returned to callers.
type Response struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Public returns the caller-visible view of err. Errors that are not
// *Error collapse to a generic internal error so that nothing from an
// unexpected failure leaks into a response.
func Public(err error) (Response, int) {
	e, ok := AsError(err)
	if !ok {
		return Response{Code: CodeInternal, Message: "internal error"}, http.StatusInternalServerError
	}
	msg := e.Message
	if msg == "" {
		msg = e.Code.Description()
	}
	return Response{Code: e.Code, Message: msg}, e.HTTPStatus()
}

// WriteHTTP writes err as a JSON error response. For 401 responses a
// WWW-Authenticate challenge is added.
func WriteHTTP(w http.ResponseWriter, err error) {
	resp, status := Public(err)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
