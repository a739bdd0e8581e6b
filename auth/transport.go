package auth

import "net/http"

// Transport is an http.RoundTripper that sets authentication headers
// from a HeaderProvider on every outbound request. Requests are cloned
// before modification per the RoundTripper contract.
type Transport struct {
	// Source supplies the headers for each request. Required.
	Source HeaderProvider

	// Base performs the request once headers are set. Defaults to
	// http.DefaultTransport.
	Base http.RoundTripper
}

// RoundTrip authorizes and sends the request.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	// The contract requires the body to be closed even when the
	// request never reaches the base transport.
	reqBodyClosed := false
	if req.Body != nil {
		defer func() {
			if !reqBodyClosed {
				req.Body.Close()
			}
		}()
	}

	if t.Source == nil {
		return nil, &ConfigurationError{Reason: "transport has no header source"}
	}
	headers, err := t.Source.Headers(req.Context())
	if err != nil {
		return nil, err
	}

	clone := req.Clone(req.Context())
	for name, values := range headers {
		clone.Header.Del(name)
		for _, value := range values {
			clone.Header.Add(name, value)
		}
	}

	reqBodyClosed = true
	return t.base().RoundTrip(clone)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// NewHTTPClient returns an *http.Client that authenticates every
// request through provider.
func NewHTTPClient(provider HeaderProvider) *http.Client {
	return &http.Client{Transport: &Transport{Source: provider}}
}
