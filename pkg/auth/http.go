package auth

import (
	"net/http"
)

// PropagatingRoundTripper forwards the verified assertion of the current
// request to outgoing HTTP calls, so the next internal service sees the
// same identity without contacting the edge again.
//
// Example:
//
//	client := &http.Client{
//	    Transport: auth.NewPropagatingRoundTripper(http.DefaultTransport),
//	}
//	req, _ := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
//	resp, err := client.Do(req)
type PropagatingRoundTripper struct {
	wrapped http.RoundTripper
}

// NewPropagatingRoundTripper wraps transport. A nil transport means
// http.DefaultTransport.
func NewPropagatingRoundTripper(transport http.RoundTripper) *PropagatingRoundTripper {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &PropagatingRoundTripper{wrapped: transport}
}

// RoundTrip strips reserved headers from a clone of r and sets the
// assertion found in its context, if any. The original request is not
// modified.
func (t *PropagatingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	clone := r.Clone(r.Context())
	StripReservedHeaders(clone.Header)
	if a, ok := AssertionFromContext(r.Context()); ok {
		a.SetHeaders(clone.Header)
	}
	return t.wrapped.RoundTrip(clone)
}
