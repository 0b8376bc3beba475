package cosmos

import (
	"context"
	"io"
	"net/http"
)

// UnsignedRequest is a data-plane request that has not yet been signed.
//
// A value is single-use: its body may not be replayable, and signing mutates
// headers. The executor therefore asks its RequestFactory for a brand-new
// value on every attempt; reusing one across attempts is a defect.
type UnsignedRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   io.Reader
}

// Get builds an unsigned GET request for the given URL.
func Get(url string) *UnsignedRequest {
	return &UnsignedRequest{Method: http.MethodGet, URL: url}
}

// RequestFactory materializes a fresh unsigned request for the given attempt
// (0-based). Implementations must return a new value each call.
type RequestFactory func(attempt int) (*UnsignedRequest, error)

// build converts the unsigned request into an *http.Request ready for
// signing.
func (u *UnsignedRequest) build(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, u.Method, u.URL, u.Body)
	if err != nil {
		return nil, err
	}

	for name, values := range u.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	return req, nil
}
